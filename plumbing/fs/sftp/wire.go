// Package sftp implements the pipelined SFTP filesystem driver
// (spec.md 4.G): a client for draft-ietf-secsh-filexfer-02 spoken over
// an ssh subprocess's stdin/stdout pipes.
//
// Framing follows the same "big-endian length prefix, then payload"
// shape as go-git's plumbing/format/pktline encoder/decoder; this file
// is this subsystem's analogue of pktline's writer.go/reader.go.
package sftp

import (
	"encoding/binary"
	"fmt"
	"io"
)

// message is a parsed SFTP packet: its type byte, request id (0 for
// INIT/VERSION), and the remaining payload positioned for consumption
// by type-specific decoders below.
type message struct {
	typ     byte
	id      uint32
	payload []byte
}

// writeMessage frames typ/id/body as one SFTP packet: u32 length
// (covering everything after the length field itself), u8 type, then
// (for everything except INIT and VERSION) a u32 request id, then body.
func writeMessage(w io.Writer, typ byte, id uint32, body []byte) error {
	hasID := typ != fxpInit && typ != fxpVersion
	headerLen := 1
	if hasID {
		headerLen += 4
	}

	buf := make([]byte, 4+headerLen+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(headerLen+len(body)))
	buf[4] = typ
	if hasID {
		binary.BigEndian.PutUint32(buf[5:9], id)
		copy(buf[9:], body)
	} else {
		copy(buf[5:], body)
	}

	_, err := w.Write(buf)
	return err
}

// readMessage reads one framed SFTP packet from r. hasID must match
// whether the caller expects a request-id field (false only while
// waiting for VERSION in response to INIT).
func readMessage(r io.Reader, hasID bool) (message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return message{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 1 {
		return message{}, fmt.Errorf("sftp: invalid packet length %d", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return message{}, err
	}

	typ := body[0]
	rest := body[1:]

	var id uint32
	if hasID {
		if len(rest) < 4 {
			return message{}, fmt.Errorf("sftp: packet too short for request id")
		}
		id = binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
	}

	return message{typ: typ, id: id, payload: rest}, nil
}

// encoder builds an SFTP packet body incrementally.
type encoder struct {
	buf []byte
}

func (e *encoder) uint32(v uint32) *encoder {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

func (e *encoder) uint64(v uint64) *encoder {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

func (e *encoder) str(s string) *encoder {
	e.uint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
	return e
}

func (e *encoder) bytes() []byte {
	return e.buf
}

// decoder consumes an SFTP packet body field by field.
type decoder struct {
	buf []byte
	err error
}

func newDecoder(b []byte) *decoder {
	return &decoder{buf: b}
}

func (d *decoder) uint32() uint32 {
	if d.err != nil || len(d.buf) < 4 {
		if d.err == nil {
			d.err = fmt.Errorf("sftp: truncated uint32")
		}
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[:4])
	d.buf = d.buf[4:]
	return v
}

func (d *decoder) uint64() uint64 {
	if d.err != nil || len(d.buf) < 8 {
		if d.err == nil {
			d.err = fmt.Errorf("sftp: truncated uint64")
		}
		return 0
	}
	v := binary.BigEndian.Uint64(d.buf[:8])
	d.buf = d.buf[8:]
	return v
}

func (d *decoder) str() string {
	n := d.uint32()
	if d.err != nil {
		return ""
	}
	if uint32(len(d.buf)) < n {
		d.err = fmt.Errorf("sftp: truncated string")
		return ""
	}
	s := string(d.buf[:n])
	d.buf = d.buf[n:]
	return s
}

func (d *decoder) rawBytes(n uint32) []byte {
	if d.err != nil || uint32(len(d.buf)) < n {
		if d.err == nil {
			d.err = fmt.Errorf("sftp: truncated bytes")
		}
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}
