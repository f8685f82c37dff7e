package sftp

import (
	"bytes"
	"fmt"
	"io"
)

const (
	maxReadQueue = 8
	readChunk    = 32 * 1024
)

// File is an open SFTP handle with pipelined reads and writes, per
// spec.md 4.G.
type File struct {
	d      *Driver
	handle string

	// read side
	readOffset   uint64
	readQueue    []uint32 // outstanding READ request ids, FIFO
	readBuf      bytes.Buffer
	eof          bool

	// write side
	writeOffset uint64
	writeQueue  map[uint32]struct{}

	closed bool
}

func newFile(d *Driver, handle string) *File {
	return &File{d: d, handle: handle, writeQueue: map[uint32]struct{}{}}
}

// fillReadQueue issues new READ requests until maxReadQueue are
// outstanding or EOF has already been observed.
func (f *File) fillReadQueue() error {
	for !f.eof && len(f.readQueue) < maxReadQueue {
		e := &encoder{}
		e.str(f.handle)
		e.uint64(f.readOffset + uint64(len(f.readQueue))*readChunk)
		e.uint32(readChunk)

		id := f.d.nextRequestID()
		if err := f.d.send(fxpRead, id, e.bytes()); err != nil {
			return err
		}
		f.readQueue = append(f.readQueue, id)
	}
	return nil
}

// popReads awaits the head of the read queue and appends its data to
// readBuf, marking EOF and discarding the remainder of the queue when
// the server reports it, per spec.md 4.G.
func (f *File) popReads() error {
	if len(f.readQueue) == 0 {
		return nil
	}
	id := f.readQueue[0]
	f.readQueue = f.readQueue[1:]

	typ, payload, err := f.d.await(id)
	if err != nil {
		return err
	}

	switch typ {
	case fxpData:
		d := newDecoder(payload)
		n := d.uint32()
		data := d.rawBytes(n)
		f.readBuf.Write(data)
		f.readOffset += uint64(n)
		return nil
	case fxpStatus:
		dec := newDecoder(payload)
		code := dec.uint32()
		msg := dec.str()
		if code == fxEOF {
			f.eof = true
			for _, rid := range f.readQueue {
				f.d.ignore(rid)
			}
			f.readQueue = nil
			return nil
		}
		return statusToError(code, msg)
	default:
		return fmt.Errorf("sftp: unexpected reply type %d to READ", typ)
	}
}

func (f *File) Read(p []byte) (int, error) {
	for f.readBuf.Len() == 0 && !f.eof {
		if err := f.fillReadQueue(); err != nil {
			return 0, err
		}
		if err := f.popReads(); err != nil {
			return 0, err
		}
	}
	if f.readBuf.Len() == 0 {
		return 0, io.EOF
	}
	return f.readBuf.Read(p)
}

// reapWrites drains any write replies already available without
// blocking, surfacing the first error encountered.
func (f *File) reapWrites() error {
	for id := range f.writeQueue {
		f.d.mu.Lock()
		_, ready := f.d.replies[id]
		f.d.mu.Unlock()
		if !ready {
			continue
		}
		delete(f.writeQueue, id)
		typ, payload, err := f.d.await(id)
		if err != nil {
			return err
		}
		if err := expectStatusOK(typ, payload); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) Write(p []byte) (int, error) {
	if err := f.reapWrites(); err != nil {
		return 0, err
	}

	e := &encoder{}
	e.str(f.handle)
	e.uint64(f.writeOffset)
	e.uint32(uint32(len(p)))
	e.buf = append(e.buf, p...)

	id := f.d.nextRequestID()
	if err := f.d.send(fxpWrite, id, e.bytes()); err != nil {
		return 0, err
	}
	f.writeQueue[id] = struct{}{}
	f.writeOffset += uint64(len(p))

	return len(p), nil
}

// Synchronize awaits every outstanding write, surfacing the first
// error. It is also where deferred write errors (per spec.md 4.E)
// finally become visible to the caller.
func (f *File) Synchronize() error {
	for id := range f.writeQueue {
		delete(f.writeQueue, id)
		typ, payload, err := f.d.await(id)
		if err != nil {
			return err
		}
		if err := expectStatusOK(typ, payload); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) Flush() error {
	return f.Synchronize()
}

func (f *File) ReadLine() (string, error) {
	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := f.Read(buf)
		if n == 1 {
			if buf[0] == '\n' {
				return string(line), nil
			}
			line = append(line, buf[0])
		}
		if err != nil {
			if err == io.EOF {
				if len(line) > 0 {
					return string(line), nil
				}
				return "", io.EOF
			}
			return "", err
		}
	}
}

func (f *File) Printf(format string, args ...interface{}) error {
	_, err := f.Write([]byte(fmt.Sprintf(format, args...)))
	return err
}

func (f *File) Readable() bool {
	return f.readBuf.Len() > 0 || f.d.stdout.Buffered() > 0
}

// Close synchronizes pending writes, then sends CLOSE fire-and-forget
// (its reply is marked ignored, not awaited), per spec.md 4.G.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true

	syncErr := f.Synchronize()

	e := &encoder{}
	e.str(f.handle)
	id := f.d.nextRequestID()
	if err := f.d.send(fxpClose, id, e.bytes()); err == nil {
		f.d.ignore(id)
	}

	return syncErr
}
