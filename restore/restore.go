// Package restore implements the restore engine (spec.md 4.K): it
// replays an index written by package backup, recreating the tree it
// describes under Root.
package restore

import (
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ewxrjk/hbackup/internal/log"
	"github.com/ewxrjk/hbackup/internal/recode"
	"github.com/ewxrjk/hbackup/internal/stats"
	"github.com/ewxrjk/hbackup/plumbing/fs"
	"github.com/ewxrjk/hbackup/plumbing/format/index"
	"github.com/ewxrjk/hbackup/plumbing/hash"
)

// tmpSuffix marks a file mid-restore; a successful restore ends by
// renaming it away, so a leftover with this suffix after a crash is
// safe to discard on the next run.
const tmpSuffix = "~restore~"

// Engine performs one restore run of Index (read from Repo) into Root
// (written to Host).
type Engine struct {
	// Host is the tree being restored into. Always local (spec.md 3):
	// restore only ever recreates files on the machine running it.
	Host fs.Filesystem
	// Repo is the repository + index filesystem the restore reads
	// from: local, or a pipelined SFTP driver for a remote repository.
	Repo fs.Filesystem

	Root  string
	Index string

	// Permissions, when true, restores ownership and mode from the
	// index; when false, directories and devices get permissive
	// default modes and chmod/lchown are skipped entirely.
	Permissions bool

	// Recoder optionally converts "name"/"target" fields from the
	// encoding they were written in to another. Nil means no
	// conversion.
	Recoder *recode.Recoder

	Log   *log.Logger
	Stats *stats.Stats
}

type dirStamp struct {
	path         string
	atime, mtime int64
}

// Run executes the restore.
func (e *Engine) Run() error {
	f, err := e.Repo.Open(e.Index, fs.ReadOnly)
	if err != nil {
		return err
	}
	defer f.Close()

	r := index.NewReader(f)
	state := &restoreState{
		inodes: map[uint64]string{},
	}

	for {
		fields, end, err := r.Read()
		if err != nil {
			return err
		}
		if end {
			break
		}
		if err := e.restoreEntry(fields, state); err != nil {
			return err
		}
	}

	for _, ds := range state.dirTimes {
		if err := e.Host.Utimes(ds.path, ds.atime, ds.mtime); err != nil {
			return err
		}
	}
	return nil
}

// restoreState carries the values one restoreEntry call needs from
// its predecessors: the directory a "./name" record resolves against,
// and the inode-number to already-restored-path map that lets later
// entries short-circuit into a hard link.
type restoreState struct {
	dir      string
	inodes   map[uint64]string
	dirTimes []dirStamp
}

// restoreEntry restores one index record. A malformed or
// out-of-sequence record (an unparseable relative name, an
// unrecognized type, a regular file with no content field) is logged
// as a non-fatal error and skipped, matching restore.cc's
// error()+continue pattern; a directory that already exists is logged
// as a warning and left alone; a genuine filesystem failure is
// returned and aborts the run.
func (e *Engine) restoreEntry(fields map[string]string, st *restoreState) error {
	name, err := e.recode(fields["name"])
	if err != nil {
		return err
	}

	if strings.HasPrefix(name, "./") {
		if st.dir == "" {
			e.logError("unexpected relative name: %s", name)
			return nil
		}
		name = st.dir + "/" + name[2:]
	} else if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		st.dir = name[:idx]
	} else {
		st.dir = ""
	}

	fullname := filepath.Join(e.Root, name)
	tmpname := fullname + tmpSuffix
	_ = e.Host.Remove(tmpname)

	inodeStr, hasInode := fields["inode"]
	var inodeNum uint64
	if hasInode {
		inodeNum, _ = strconv.ParseUint(inodeStr, 10, 64)
		if priorPath, ok := st.inodes[inodeNum]; ok {
			if err := e.Host.Link(priorPath, tmpname); err != nil {
				return err
			}
			if err := e.Host.Rename(tmpname, fullname); err != nil {
				return err
			}
			e.Stats.AddHardlink()
			return nil
		}
	}

	mode, err := parseMode(fields["perms"])
	if err != nil {
		return err
	}

	typ, hasType := fields["type"]
	isLink := false

	switch {
	case hasType && typ == "link":
		isLink = true
		target, err := e.recode(fields["target"])
		if err != nil {
			return err
		}
		if err := e.Host.Symlink(target, tmpname); err != nil {
			return err
		}
		e.Stats.AddSymLink()

	case hasType && typ == "dir":
		exists, err := e.Host.Exists(fullname)
		if err != nil {
			return err
		}
		if exists {
			e.Log.Warnf("%s already exists, leaving it alone", fullname)
			e.Stats.AddWarning()
			return nil
		}
		if !e.Permissions {
			mode = 0777
		}
		if err := e.Host.Mkdir(tmpname, mode); err != nil {
			return err
		}
		e.Stats.AddDirectory()

	case hasType && (typ == "chr" || typ == "blk"):
		devtype := uint32(unix.S_IFCHR)
		if typ == "blk" {
			devtype = unix.S_IFBLK
		}
		if !e.Permissions {
			mode = 0666
		}
		rdev, _ := strconv.ParseUint(fields["rdev"], 10, 64)
		if err := e.Host.Mknod(tmpname, mode|devtype, rdev); err != nil {
			return err
		}
		e.Stats.AddDevice()

	case hasType && typ == "socket":
		if _, ok := e.Host.(fs.StatInfoer); !ok {
			e.logError("%s: cannot restore socket to remote filesystem", fullname)
			return nil
		}
		if err := restoreSocket(tmpname); err != nil {
			e.logError("%s: %v", fullname, err)
			return nil
		}
		e.Stats.AddSocket()

	case hasType:
		e.logError("unknown file type %s", typ)
		return nil

	default:
		if err := e.restoreRegular(fields, tmpname); err != nil {
			if errors.Is(err, errNoKnownHash) {
				e.logError("%s does not have a known hash", name)
				return nil
			}
			return err
		}
		e.Stats.AddRegularFile()
		if hasInode {
			st.inodes[inodeNum] = fullname
		}
	}

	if e.Permissions {
		uid, _ := strconv.Atoi(fields["uid"])
		gid, _ := strconv.Atoi(fields["gid"])
		if err := e.Host.Lchown(tmpname, uid, gid); err != nil {
			return err
		}
	}

	if !isLink {
		if e.Permissions {
			if err := e.Host.Chmod(tmpname, mode); err != nil {
				return err
			}
		}
		atime, _ := strconv.ParseInt(fields["atime"], 10, 64)
		mtime, _ := strconv.ParseInt(fields["mtime"], 10, 64)
		if hasType && typ == "dir" {
			st.dirTimes = append(st.dirTimes, dirStamp{path: fullname, atime: atime, mtime: mtime})
		} else if err := e.Host.Utimes(tmpname, atime, mtime); err != nil {
			return err
		}
	}

	return e.Host.Rename(tmpname, fullname)
}

var errNoKnownHash = errors.New("restore: no known hash")

// restoreRegular materializes a regular file's content at tmpname,
// either inline from a "data" field or streamed from the repository
// by its "sha1" field.
func (e *Engine) restoreRegular(fields map[string]string, tmpname string) error {
	if data, ok := fields["data"]; ok {
		dst, err := e.Host.Open(tmpname, fs.Overwrite)
		if err != nil {
			return err
		}
		if _, err := dst.Write([]byte(data)); err != nil {
			dst.Close()
			return err
		}
		e.Stats.AddSmallFile()
		return dst.Close()
	}

	shaHex, ok := fields["sha1"]
	if !ok {
		return errNoKnownHash
	}
	h, err := hash.FromHex(shaHex)
	if err != nil {
		return fmt.Errorf("restore: bad sha1 %q: %w", shaHex, err)
	}

	src, err := e.Repo.Open(h.RepoPath(), fs.ReadOnly)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := e.Host.Open(tmpname, fs.Overwrite)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func (e *Engine) recode(s string) (string, error) {
	if e.Recoder == nil {
		return s, nil
	}
	return e.Recoder.Convert(s)
}

func (e *Engine) logError(format string, args ...interface{}) {
	e.Log.Errorf(format, args...)
	e.Stats.AddError()
}

func parseMode(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("restore: bad perms %q: %w", s, err)
	}
	return uint32(v), nil
}

// restoreSocket recreates a UNIX domain socket at path by binding and
// immediately releasing it, matching restore.cc's socket()+bind()+
// close() sequence: nothing ever accepts a connection on it, only its
// directory entry needs to exist.
func restoreSocket(path string) error {
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return err
	}
	l.SetUnlinkOnClose(false)
	return l.Close()
}
