// Package local implements the filesystem abstraction (plumbing/fs)
// directly over POSIX syscalls, mirroring spec.md 4.F: a thin wrapper
// over open/read/write/stat/lstat/opendir/readdir/unlink/rmdir/rename/
// link/mkdir/mknod/lchown/chmod/symlink/utimes/readlink.
package local

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/ewxrjk/hbackup/plumbing/fs"
)

// Filesystem is the local-disk implementation of fs.Filesystem.
type Filesystem struct {
	root string
}

// New returns a Filesystem rooted at root. Relative paths passed to its
// methods are interpreted relative to root; absolute paths are used as
// given.
func New(root string) *Filesystem {
	return &Filesystem{root: root}
}

func (l *Filesystem) full(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(l.root, path)
}

func (l *Filesystem) Close() error { return nil }

func (l *Filesystem) Rename(oldpath, newpath string) error {
	err := os.Rename(l.full(oldpath), l.full(newpath))
	return fs.NewFileError("rename", oldpath, err)
}

func (l *Filesystem) Remove(path string) error {
	err := os.Remove(l.full(path))
	return fs.NewFileError("remove", path, err)
}

func (l *Filesystem) Open(path string, mode fs.OpenMode) (fs.File, error) {
	full := l.full(path)
	var flags int
	switch mode {
	case fs.ReadOnly:
		flags = os.O_RDONLY
	case fs.Overwrite:
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case fs.NoOverwrite:
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	default:
		return nil, fs.NewFileError("open", path, fmt.Errorf("unknown open mode %d", mode))
	}

	f, err := os.OpenFile(full, flags, 0666)
	if err != nil {
		return nil, fs.NewFileError("open", path, err)
	}
	return newFile(f), nil
}

func (l *Filesystem) Mkdir(path string, perm uint32) error {
	err := os.Mkdir(l.full(path), os.FileMode(perm))
	return fs.NewFileError("mkdir", path, err)
}

func (l *Filesystem) MakeDirs(path string, perm uint32) error {
	err := os.MkdirAll(l.full(path), os.FileMode(perm))
	return fs.NewFileError("makedirs", path, err)
}

func (l *Filesystem) Exists(path string) (bool, error) {
	_, err := os.Stat(l.full(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fs.NewFileError("stat", path, err)
}

// Contents lists a directory's entries, excluding "." and "..".
func (l *Filesystem) Contents(path string) ([]string, error) {
	entries, err := os.ReadDir(l.full(path))
	if err != nil {
		return nil, fs.NewFileError("readdir", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (l *Filesystem) Type(path string) (fs.FileType, error) {
	var st unix.Stat_t
	if err := unix.Lstat(l.full(path), &st); err != nil {
		return fs.Unknown, fs.NewFileError("lstat", path, err)
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		return fs.Regular, nil
	case unix.S_IFDIR:
		return fs.Directory, nil
	case unix.S_IFLNK:
		return fs.SymLink, nil
	case unix.S_IFCHR:
		return fs.CharDevice, nil
	case unix.S_IFBLK:
		return fs.BlockDevice, nil
	case unix.S_IFSOCK:
		return fs.Socket, nil
	default:
		return fs.Unknown, nil
	}
}

// StatInfo returns full POSIX metadata for path via lstat, satisfying
// fs.StatInfoer. The backup engine relies on this for every entry it
// walks (spec.md 4.J).
func (l *Filesystem) StatInfo(path string) (fs.Info, error) {
	var st unix.Stat_t
	if err := unix.Lstat(l.full(path), &st); err != nil {
		return fs.Info{}, fs.NewFileError("lstat", path, err)
	}
	return fs.Info{
		Mode:  st.Mode,
		UID:   int(st.Uid),
		GID:   int(st.Gid),
		Size:  st.Size,
		Atime: int64(st.Atim.Sec),
		Ctime: int64(st.Ctim.Sec),
		Mtime: int64(st.Mtim.Sec),
		Nlink: uint64(st.Nlink),
		Ino:   st.Ino,
		Rdev:  uint64(st.Rdev),
	}, nil
}

func (l *Filesystem) Readlink(path string) (string, error) {
	target, err := os.Readlink(l.full(path))
	if err != nil {
		return "", fs.NewFileError("readlink", path, err)
	}
	return target, nil
}

// Ismount reports whether path's device id differs from its parent
// directory's, per spec.md 4.F.
func (l *Filesystem) Ismount(path string) (bool, error) {
	full := l.full(path)
	var st, parentSt unix.Stat_t
	if err := unix.Lstat(full, &st); err != nil {
		return false, fs.NewFileError("lstat", path, err)
	}
	if err := unix.Lstat(filepath.Dir(full), &parentSt); err != nil {
		return false, fs.NewFileError("lstat", filepath.Dir(path), err)
	}
	return st.Dev != parentSt.Dev, nil
}

func (l *Filesystem) Utimes(path string, atime, mtime int64) error {
	tv := []unix.Timeval{
		{Sec: atime, Usec: 0},
		{Sec: mtime, Usec: 0},
	}
	err := unix.Lutimes(l.full(path), tv)
	return fs.NewFileError("utimes", path, err)
}

func (l *Filesystem) Lchown(path string, uid, gid int) error {
	err := os.Lchown(l.full(path), uid, gid)
	return fs.NewFileError("lchown", path, err)
}

func (l *Filesystem) Chmod(path string, mode uint32) error {
	err := os.Chmod(l.full(path), os.FileMode(mode))
	return fs.NewFileError("chmod", path, err)
}

func (l *Filesystem) Symlink(target, path string) error {
	err := os.Symlink(target, l.full(path))
	return fs.NewFileError("symlink", path, err)
}

func (l *Filesystem) Link(oldpath, newpath string) error {
	err := os.Link(l.full(oldpath), l.full(newpath))
	return fs.NewFileError("link", newpath, err)
}

func (l *Filesystem) Mknod(path string, mode uint32, rdev uint64) error {
	err := unix.Mknod(l.full(path), mode, int(rdev))
	return fs.NewFileError("mknod", path, err)
}

// File is the local implementation of fs.File.
type File struct {
	f  *os.File
	r  *bufio.Reader
	w  *bufio.Writer
	werr error
}

func newFile(f *os.File) *File {
	return &File{f: f, r: bufio.NewReader(f), w: bufio.NewWriter(f)}
}

func (f *File) Read(p []byte) (int, error) {
	return f.r.Read(p)
}

func (f *File) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		f.werr = err
	}
	return n, err
}

func (f *File) ReadLine() (string, error) {
	line, err := f.r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	if len(line) > 0 && line[len(line)-1] == '\n' {
		line = line[:len(line)-1]
	}
	if line == "" && err == io.EOF {
		return "", io.EOF
	}
	return line, nil
}

func (f *File) Printf(format string, args ...interface{}) error {
	_, err := fmt.Fprintf(f.w, format, args...)
	if err != nil {
		f.werr = err
	}
	return err
}

func (f *File) Flush() error {
	if f.werr != nil {
		return f.werr
	}
	if err := f.w.Flush(); err != nil {
		return err
	}
	return f.f.Sync()
}

func (f *File) Readable() bool {
	return true
}

func (f *File) Close() error {
	flushErr := f.Flush()
	closeErr := f.f.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// MmapReader returns an io.Reader backed by a sequential-advice memory
// mapping of the file's contents in windows of at most windowSize
// bytes. It is the optional interface plumbing/hash.HashFile uses to
// prefer mmap over buffered reads for large local files.
func (f *File) MmapReader(windowSize int) (io.Reader, error) {
	st, err := f.f.Stat()
	if err != nil {
		return nil, err
	}
	return &mmapWindowReader{f: f.f, size: st.Size(), window: windowSize}, nil
}

type mmapWindowReader struct {
	f      *os.File
	size   int64
	window int
	offset int64 // start of the file offset not yet returned to the caller
	buf    []byte
	bufPos int
}

func (r *mmapWindowReader) fill() error {
	if r.offset >= r.size {
		return io.EOF
	}
	remaining := r.size - r.offset
	winLen := int64(r.window)
	if remaining < winLen {
		winLen = remaining
	}

	data, err := unix.Mmap(int(r.f.Fd()), r.offset, int(winLen), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)

	r.buf = data
	r.bufPos = 0
	return nil
}

func (r *mmapWindowReader) Read(p []byte) (int, error) {
	if r.bufPos >= len(r.buf) {
		if r.buf != nil {
			unix.Munmap(r.buf)
			r.buf = nil
		}
		if err := r.fill(); err != nil {
			return 0, err
		}
	}

	n := copy(p, r.buf[r.bufPos:])
	r.bufPos += n
	r.offset += int64(n)
	return n, nil
}
