// Package fstest implements a small in-memory fs.Filesystem, used by
// the backup/restore/verify/cleanup engines' test suites in place of a
// real local or SFTP backend. It is the test-support analogue of
// plumbing/fs/local and plumbing/fs/sftp: same interface, no real I/O.
package fstest

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ewxrjk/hbackup/plumbing/fs"
)

type node struct {
	typ    fs.FileType
	data   []byte
	target string
	rdev   uint64
	mode   uint32
	uid    int
	gid    int
	atime  int64
	ctime  int64
	mtime  int64
	nlink  uint64
	ino    uint64

	children map[string]*node
}

func newDir() *node {
	return &node{typ: fs.Directory, mode: 0755, children: map[string]*node{}}
}

// FS is an in-memory filesystem tree rooted at "/". Every method is
// guarded by a single mutex, so it is also safe under cleanup's
// concurrent repository walk.
type FS struct {
	mu      sync.Mutex
	root    *node
	nextIno uint64
}

// New returns an empty FS containing only its root directory.
func New() *FS {
	return &FS{root: newDir(), nextIno: 1}
}

func (m *FS) Close() error { return nil }

func split(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" || path == "." {
		return nil
	}
	return strings.Split(path, "/")
}

func (m *FS) lookup(path string) (*node, bool) {
	cur := m.root
	for _, p := range split(path) {
		if cur.children == nil {
			return nil, false
		}
		next, ok := cur.children[p]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func (m *FS) parentOf(path string) (*node, string, bool) {
	parts := split(path)
	if len(parts) == 0 {
		return nil, "", false
	}
	cur := m.root
	for _, p := range parts[:len(parts)-1] {
		if cur.children == nil {
			return nil, "", false
		}
		next, ok := cur.children[p]
		if !ok {
			return nil, "", false
		}
		cur = next
	}
	return cur, parts[len(parts)-1], true
}

// Set installs a regular file at path with the given content and
// metadata, creating any missing ancestor directories. It is a test
// convenience, not part of fs.Filesystem.
func (m *FS) Set(path string, data []byte, mode uint32, uid, gid int, atime, ctime, mtime int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts := split(path)
	cur := m.root
	for _, p := range parts[:len(parts)-1] {
		if cur.children == nil {
			cur.children = map[string]*node{}
		}
		next, ok := cur.children[p]
		if !ok {
			next = newDir()
			cur.children[p] = next
		}
		cur = next
	}
	if cur.children == nil {
		cur.children = map[string]*node{}
	}
	cur.children[parts[len(parts)-1]] = &node{
		typ: fs.Regular, data: append([]byte(nil), data...), mode: mode,
		uid: uid, gid: gid, atime: atime, ctime: ctime, mtime: mtime, nlink: 1,
	}
}

func (m *FS) Rename(oldpath, newpath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.lookup(oldpath)
	if !ok {
		return fs.NewFileError("rename", oldpath, syscall.ENOENT)
	}
	oldParent, oldBase, ok := m.parentOf(oldpath)
	if !ok {
		return fs.NewFileError("rename", oldpath, syscall.ENOENT)
	}
	newParent, newBase, ok := m.parentOf(newpath)
	if !ok {
		return fs.NewFileError("rename", newpath, syscall.ENOENT)
	}
	delete(oldParent.children, oldBase)
	if newParent.children == nil {
		newParent.children = map[string]*node{}
	}
	newParent.children[newBase] = n
	return nil
}

func (m *FS) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	parent, base, ok := m.parentOf(path)
	if !ok {
		return fs.NewFileError("remove", path, syscall.ENOENT)
	}
	if _, ok := parent.children[base]; !ok {
		return fs.NewFileError("remove", path, syscall.ENOENT)
	}
	delete(parent.children, base)
	return nil
}

func (m *FS) Open(path string, mode fs.OpenMode) (fs.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mode == fs.ReadOnly {
		n, ok := m.lookup(path)
		if !ok || n.typ == fs.Directory {
			return nil, fs.NewFileError("open", path, syscall.ENOENT)
		}
		return &memFile{node: n, reader: bytes.NewReader(append([]byte(nil), n.data...))}, nil
	}

	parent, base, ok := m.parentOf(path)
	if !ok {
		return nil, fs.NewFileError("open", path, syscall.ENOENT)
	}
	existing, exists := parent.children[base]
	if mode == fs.NoOverwrite && exists {
		return nil, fs.NewFileError("open", path, syscall.EEXIST)
	}
	var n *node
	if exists && mode == fs.Overwrite {
		n = existing
		n.data = nil
	} else {
		n = &node{typ: fs.Regular, mode: 0644, nlink: 1}
		if parent.children == nil {
			parent.children = map[string]*node{}
		}
		parent.children[base] = n
	}
	return &memFile{node: n, writing: true}, nil
}

func (m *FS) Mkdir(path string, perm uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	parent, base, ok := m.parentOf(path)
	if !ok {
		return fs.NewFileError("mkdir", path, syscall.ENOENT)
	}
	if parent.children == nil {
		parent.children = map[string]*node{}
	}
	if _, exists := parent.children[base]; exists {
		return fs.NewFileError("mkdir", path, syscall.EEXIST)
	}
	d := newDir()
	d.mode = perm
	parent.children[base] = d
	return nil
}

func (m *FS) MakeDirs(path string, perm uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.root
	for _, p := range split(path) {
		if cur.children == nil {
			cur.children = map[string]*node{}
		}
		next, ok := cur.children[p]
		if !ok {
			next = newDir()
			next.mode = perm
			cur.children[p] = next
		}
		cur = next
	}
	return nil
}

func (m *FS) Exists(path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lookup(path)
	return ok, nil
}

func (m *FS) Contents(path string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.lookup(path)
	if !ok {
		return nil, fs.NewFileError("readdir", path, syscall.ENOENT)
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *FS) Type(path string) (fs.FileType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.lookup(path)
	if !ok {
		return fs.Unknown, fs.NewFileError("lstat", path, syscall.ENOENT)
	}
	return n.typ, nil
}

func (m *FS) Readlink(path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.lookup(path)
	if !ok || n.typ != fs.SymLink {
		return "", fs.NewFileError("readlink", path, syscall.ENOENT)
	}
	return n.target, nil
}

func (m *FS) Ismount(path string) (bool, error) { return false, nil }

func (m *FS) Utimes(path string, atime, mtime int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.lookup(path)
	if !ok {
		return fs.NewFileError("utimes", path, syscall.ENOENT)
	}
	n.atime, n.mtime = atime, mtime
	return nil
}

func (m *FS) Lchown(path string, uid, gid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.lookup(path)
	if !ok {
		return fs.NewFileError("lchown", path, syscall.ENOENT)
	}
	n.uid, n.gid = uid, gid
	return nil
}

func (m *FS) Chmod(path string, mode uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.lookup(path)
	if !ok {
		return fs.NewFileError("chmod", path, syscall.ENOENT)
	}
	n.mode = mode
	return nil
}

func (m *FS) Symlink(target, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	parent, base, ok := m.parentOf(path)
	if !ok {
		return fs.NewFileError("symlink", path, syscall.ENOENT)
	}
	if parent.children == nil {
		parent.children = map[string]*node{}
	}
	parent.children[base] = &node{typ: fs.SymLink, target: target, mode: 0777, nlink: 1}
	return nil
}

func (m *FS) Link(oldpath, newpath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.lookup(oldpath)
	if !ok {
		return fs.NewFileError("link", oldpath, syscall.ENOENT)
	}
	parent, base, ok := m.parentOf(newpath)
	if !ok {
		return fs.NewFileError("link", newpath, syscall.ENOENT)
	}
	if n.ino == 0 {
		m.nextIno++
		n.ino = m.nextIno
	}
	n.nlink++
	if parent.children == nil {
		parent.children = map[string]*node{}
	}
	parent.children[base] = n
	return nil
}

func typeFromMode(mode uint32) fs.FileType {
	switch mode & unix.S_IFMT {
	case unix.S_IFCHR:
		return fs.CharDevice
	case unix.S_IFBLK:
		return fs.BlockDevice
	case unix.S_IFSOCK:
		return fs.Socket
	default:
		return fs.Unknown
	}
}

func (m *FS) Mknod(path string, mode uint32, rdev uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	parent, base, ok := m.parentOf(path)
	if !ok {
		return fs.NewFileError("mknod", path, syscall.ENOENT)
	}
	if parent.children == nil {
		parent.children = map[string]*node{}
	}
	parent.children[base] = &node{typ: typeFromMode(mode), rdev: rdev, mode: mode & 07777, nlink: 1}
	return nil
}

// StatInfo implements fs.StatInfoer, giving backup.Engine the POSIX
// metadata it needs without a real filesystem underneath.
func (m *FS) StatInfo(path string) (fs.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.lookup(path)
	if !ok {
		return fs.Info{}, fs.NewFileError("lstat", path, syscall.ENOENT)
	}
	nlink := n.nlink
	if nlink == 0 {
		nlink = 1
	}
	return fs.Info{
		Mode: n.mode, UID: n.uid, GID: n.gid, Size: int64(len(n.data)),
		Atime: n.atime, Ctime: n.ctime, Mtime: n.mtime,
		Nlink: nlink, Ino: n.ino, Rdev: n.rdev,
	}, nil
}

// memFile is the fs.File implementation for FS.
type memFile struct {
	node    *node
	reader  *bytes.Reader
	lineBuf *bufio.Reader
	writeBuf bytes.Buffer
	writing bool
}

func (f *memFile) Read(p []byte) (int, error) {
	if f.reader == nil {
		return 0, fmt.Errorf("fstest: file not open for reading")
	}
	return f.reader.Read(p)
}

func (f *memFile) Write(p []byte) (int, error) {
	return f.writeBuf.Write(p)
}

func (f *memFile) ReadLine() (string, error) {
	if f.lineBuf == nil {
		f.lineBuf = bufio.NewReader(f.reader)
	}
	line, err := f.lineBuf.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	if strings.HasSuffix(line, "\n") {
		line = line[:len(line)-1]
	}
	if line == "" && err == io.EOF {
		return "", io.EOF
	}
	return line, nil
}

func (f *memFile) Printf(format string, args ...interface{}) error {
	_, err := fmt.Fprintf(&f.writeBuf, format, args...)
	return err
}

func (f *memFile) Flush() error {
	if f.writing {
		f.node.data = append([]byte(nil), f.writeBuf.Bytes()...)
	}
	return nil
}

func (f *memFile) Readable() bool { return true }

func (f *memFile) Close() error {
	return f.Flush()
}
