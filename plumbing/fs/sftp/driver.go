package sftp

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// attrs is the decoded form of an SSH_FXP_ATTRS payload, carrying only
// the fields hbackup's index format cares about.
type attrs struct {
	Size        uint64
	UID, GID    uint32
	Permissions uint32
	ATime       uint32
	MTime       uint32

	hasSize  bool
	hasUIDGID bool
	hasPerms bool
	hasTimes bool
}

func (a *attrs) encode(e *encoder) {
	var flags uint32
	if a.hasSize {
		flags |= attrSize
	}
	if a.hasUIDGID {
		flags |= attrUIDGID
	}
	if a.hasPerms {
		flags |= attrPermissions
	}
	if a.hasTimes {
		flags |= attrACModTime
	}
	e.uint32(flags)
	if a.hasSize {
		e.uint64(a.Size)
	}
	if a.hasUIDGID {
		e.uint32(a.UID)
		e.uint32(a.GID)
	}
	if a.hasPerms {
		e.uint32(a.Permissions)
	}
	if a.hasTimes {
		e.uint32(a.ATime)
		e.uint32(a.MTime)
	}
}

func decodeAttrs(d *decoder) attrs {
	var a attrs
	flags := d.uint32()
	if flags&attrSize != 0 {
		a.Size = d.uint64()
		a.hasSize = true
	}
	if flags&attrUIDGID != 0 {
		a.UID = d.uint32()
		a.GID = d.uint32()
		a.hasUIDGID = true
	}
	if flags&attrPermissions != 0 {
		a.Permissions = d.uint32()
		a.hasPerms = true
	}
	if flags&attrACModTime != 0 {
		a.ATime = d.uint32()
		a.MTime = d.uint32()
		a.hasTimes = true
	}
	return a
}

// StatusError reports a non-OK SSH_FXP_STATUS reply, carrying the raw
// SFTP status code alongside an errno-equivalent translation, per
// spec.md 4.G's status-interpretation table.
type StatusError struct {
	Code    uint32
	Message string
	Errno   error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sftp: status %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error { return e.Errno }

func statusToError(code uint32, msg string) error {
	var errno error
	switch code {
	case fxNoSuchFile:
		errno = syscall.ENOENT
	case fxPermissionDenied:
		errno = syscall.EACCES
	case fxOpUnsupported:
		errno = syscall.ENOSYS
	default:
		errno = fmt.Errorf("sftp: failure")
	}
	return &StatusError{Code: code, Message: msg, Errno: errno}
}

// Driver owns the ssh subprocess and the SFTP session multiplexed over
// its stdin/stdout. One Driver serves every Filesystem/File built from
// it; it outlives all the Files it opens, by construction (the backup
// engine releases files before releasing the filesystem).
type Driver struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	mu      sync.Mutex
	nextID  uint32
	replies map[uint32][]byte
	ignored map[uint32]bool
	readErr error

	extensions map[string]string
}

// DialOptions configures how the ssh subprocess is invoked.
type DialOptions struct {
	// UserHost is "user@host".
	UserHost string
	// SFTPServerPath, if set, is passed to "ssh -x -T user@host <path>".
	// Otherwise "ssh -x -s user@host sftp" is used.
	SFTPServerPath string
}

// Dial forks the ssh subprocess, negotiates SSH_FXP_INIT/VERSION, and
// returns a ready Driver.
func Dial(opts DialOptions) (*Driver, error) {
	var args []string
	if opts.SFTPServerPath != "" {
		args = []string{"-x", "-T", opts.UserHost, opts.SFTPServerPath}
	} else {
		args = []string{"-x", "-s", opts.UserHost, "sftp"}
	}

	cmd := exec.Command("ssh", args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sftp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sftp: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sftp: start ssh: %w", err)
	}

	d := &Driver{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReader(stdout),
		replies: map[uint32][]byte{},
		ignored: map[uint32]bool{},
	}

	if err := d.handshake(); err != nil {
		d.Close()
		return nil, err
	}

	return d, nil
}

func (d *Driver) handshake() error {
	e := &encoder{}
	e.uint32(protocolVersion)
	if err := writeMessage(d.stdin, fxpInit, 0, e.bytes()); err != nil {
		return fmt.Errorf("sftp: send INIT: %w", err)
	}

	msg, err := readMessage(d.stdout, false)
	if err != nil {
		return fmt.Errorf("sftp: read VERSION: %w", err)
	}
	if msg.typ != fxpVersion {
		return fmt.Errorf("sftp: expected VERSION, got type %d", msg.typ)
	}

	dec := newDecoder(msg.payload)
	version := dec.uint32()
	if version < minProtocolVersion {
		return fmt.Errorf("sftp: server version %d below minimum %d", version, minProtocolVersion)
	}

	d.extensions = map[string]string{}
	for dec.err == nil && len(dec.buf) > 0 {
		name := dec.str()
		data := dec.str()
		if dec.err != nil {
			break
		}
		d.extensions[name] = data
	}

	return nil
}

// hasExtension reports whether the server advertised name in its
// VERSION reply.
func (d *Driver) hasExtension(name string) bool {
	_, ok := d.extensions[name]
	return ok
}

// nextRequestID returns a fresh, never-reused request id. 0 is
// reserved and never handed out.
func (d *Driver) nextRequestID() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

// send drains any bytes already buffered on stdout via poll before
// writing, per spec.md 4.G: "Before every send, the driver drains any
// bytes already buffered on the input pipe ... to prevent the peer
// from blocking on output backpressure."
func (d *Driver) send(typ byte, id uint32, body []byte) error {
	for d.pollNonBlocking() {
	}
	return writeMessage(d.stdin, typ, id, body)
}

// pollNonBlocking polls once if input is available without blocking,
// returning whether it consumed a message.
func (d *Driver) pollNonBlocking() bool {
	if d.stdout.Buffered() == 0 {
		return false
	}
	if err := d.poll(); err != nil {
		d.mu.Lock()
		d.readErr = err
		d.mu.Unlock()
		return false
	}
	return true
}

// poll reads exactly one framed message and files it into replies
// (or drops it if its id is in ignored).
func (d *Driver) poll() error {
	msg, err := readMessage(d.stdout, true)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.ignored[msg.id] {
		delete(d.ignored, msg.id)
		d.mu.Unlock()
		return nil
	}
	d.replies[msg.id] = encodeRawMessage(msg)
	d.mu.Unlock()
	return nil
}

// encodeRawMessage re-serializes a parsed message's type+payload so
// await's callers can re-decode it uniformly via newDecoder/typ
// inspection, without poll needing to know each command's reply shape.
func encodeRawMessage(msg message) []byte {
	out := make([]byte, 1+len(msg.payload))
	out[0] = msg.typ
	copy(out[1:], msg.payload)
	return out
}

// await blocks until replies[id] is available, then removes and
// returns it as (type, payload). hbackup drives the driver from a
// single goroutine (spec.md 5), so await's own poll loop is the only
// reader: no separate notification mechanism is needed between
// "a reply arrived" and "someone is waiting for it".
func (d *Driver) await(id uint32) (byte, []byte, error) {
	for {
		d.mu.Lock()
		if raw, ok := d.replies[id]; ok {
			delete(d.replies, id)
			d.mu.Unlock()
			return raw[0], raw[1:], nil
		}
		if d.readErr != nil {
			err := d.readErr
			d.mu.Unlock()
			return 0, nil, err
		}
		d.mu.Unlock()

		if err := d.poll(); err != nil {
			d.mu.Lock()
			d.readErr = err
			d.mu.Unlock()
			return 0, nil, err
		}
	}
}

// ignore marks id's eventual reply to be discarded rather than
// delivered, used for fire-and-forget CLOSE per spec.md 4.G.
func (d *Driver) ignore(id uint32) {
	d.mu.Lock()
	if _, ok := d.replies[id]; ok {
		delete(d.replies, id)
	} else {
		d.ignored[id] = true
	}
	d.mu.Unlock()
}

// request sends typ/body under a fresh id and awaits its reply.
func (d *Driver) request(typ byte, body []byte) (byte, []byte, error) {
	id := d.nextRequestID()
	if err := d.send(typ, id, body); err != nil {
		return 0, nil, err
	}
	return d.await(id)
}

// expectStatusOK inspects an already-received reply and, if it is
// SSH_FXP_STATUS, returns nil only for fxOK; any other reply type is a
// protocol error.
func expectStatusOK(typ byte, payload []byte) error {
	if typ != fxpStatus {
		return fmt.Errorf("sftp: expected STATUS, got type %d", typ)
	}
	d := newDecoder(payload)
	code := d.uint32()
	msg := d.str()
	if code == fxOK {
		return nil
	}
	return statusToError(code, msg)
}

// Close closes the ssh subprocess's pipes and waits for it to exit.
// A non-zero exit is reported but is not itself an error, per spec.md
// 3's "ownership and lifetime" rule.
func (d *Driver) Close() error {
	stdinErr := d.stdin.Close()
	if d.cmd == nil {
		return stdinErr
	}
	waitErr := d.cmd.Wait()
	if stdinErr != nil {
		return stdinErr
	}
	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); ok {
			fmt.Fprintf(os.Stderr, "sftp: ssh exited: %v\n", waitErr)
			return nil
		}
		return waitErr
	}
	return nil
}
