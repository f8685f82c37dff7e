// Package fs defines the uniform filesystem abstraction (spec.md 4.E)
// that the backup, restore, verify, and cleanup engines are written
// against. Two concrete implementations exist: plumbing/fs/local (a
// thin POSIX wrapper) and plumbing/fs/sftp (a pipelined SFTP client).
//
// The shape follows go-git's own utils/fs.Filesystem/File split, widened
// to the POSIX operation set spec.md names (symlink, device nodes,
// ownership, timestamps) that go-git's narrower git-object-store
// abstraction never needed.
package fs

import (
	"errors"
	"io"
)

// OpenMode selects how Open behaves when the target may or may not
// already exist.
type OpenMode int

const (
	// ReadOnly opens an existing file for reading.
	ReadOnly OpenMode = iota
	// Overwrite creates the file, truncating any existing content.
	Overwrite
	// NoOverwrite creates the file, failing if it already exists.
	NoOverwrite
)

// FileType classifies a filesystem entry.
type FileType int

const (
	Unknown FileType = iota
	Regular
	Directory
	SymLink
	CharDevice
	BlockDevice
	Socket
)

// ErrNotImplemented is returned by a driver for an operation its
// backend cannot perform (e.g. Mknod over SFTP).
var ErrNotImplemented = errors.New("fs: not implemented")

// FileError reports the failure of a single filesystem operation. It
// is the uniform error kind named FileError in spec.md 7.
type FileError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return "fs: " + e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *FileError) Unwrap() error { return e.Err }

// NewFileError builds a FileError, or returns nil if err is nil.
func NewFileError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &FileError{Op: op, Path: path, Err: err}
}

// File is a handle to an open filesystem entry. Implementations must
// release any underlying resource when Close is called, and a File
// whose write path was used must flush pending writes on Close.
type File interface {
	io.Reader
	io.Writer
	io.Closer

	// ReadLine reads one line, excluding its trailing newline. It
	// returns io.EOF once no more data is available.
	ReadLine() (string, error)

	// Printf writes a formatted line, matching the "put_formatted"
	// contract of spec.md 4.E.
	Printf(format string, args ...interface{}) error

	// Flush forces any buffered writes out. Errors deferred from
	// earlier Write calls may first surface here.
	Flush() error

	// Readable reports, without blocking, whether a byte is
	// available to read. Only the SFTP driver relies on this to
	// drive its reply pump; the local driver can answer true
	// unconditionally.
	Readable() bool
}

// Info carries the POSIX metadata the backup engine needs to emit an
// index record (spec.md 4.J): ownership, timestamps, size, raw mode
// bits (type + permissions), link count, inode number, and (for device
// nodes) rdev. Real values are only obtainable from a driver that sits
// on an actual POSIX filesystem — in this design that is always the
// local driver, since hostfs (the tree being walked) is never remote
// (see spec.md 3's "ownership and lifetime" note and backup.Engine) —
// so Info is offered through the narrow optional StatInfoer interface
// below rather than added to Filesystem itself.
type Info struct {
	Mode  uint32
	UID   int
	GID   int
	Size  int64
	Atime int64
	Ctime int64
	Mtime int64
	Nlink uint64
	Ino   uint64
	Rdev  uint64
}

// StatInfoer is implemented by drivers that can report full POSIX
// metadata for a path (an lstat, not a stat: symlinks are not
// followed). plumbing/fs/local.Filesystem is the only production
// implementation; internal/fstest.FS implements it for tests.
type StatInfoer interface {
	StatInfo(path string) (Info, error)
}

// Filesystem is the operation set every backend (local, SFTP) must
// provide. An operation a backend cannot support returns
// ErrNotImplemented.
type Filesystem interface {
	Rename(oldpath, newpath string) error
	Remove(path string) error
	Open(path string, mode OpenMode) (File, error)
	Mkdir(path string, perm uint32) error
	MakeDirs(path string, perm uint32) error
	Exists(path string) (bool, error)
	Contents(path string) ([]string, error)
	Type(path string) (FileType, error)
	Readlink(path string) (string, error)
	Ismount(path string) (bool, error)
	Utimes(path string, atime, mtime int64) error
	Lchown(path string, uid, gid int) error
	Chmod(path string, mode uint32) error
	Symlink(target, path string) error
	Link(oldpath, newpath string) error
	Mknod(path string, mode uint32, rdev uint64) error

	// Close releases any resources owned by the filesystem itself
	// (e.g. the SFTP driver's ssh subprocess). It does not affect
	// already-open Files.
	Close() error
}
