// Package backup implements the backup engine (spec.md 4.J): a
// directory-recursive walk that emits a textual index and streams the
// contents of large regular files into a shared, hash-sharded
// repository.
package backup

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/ewxrjk/hbackup/internal/exclude"
	"github.com/ewxrjk/hbackup/internal/hintcache"
	"github.com/ewxrjk/hbackup/internal/log"
	"github.com/ewxrjk/hbackup/internal/stats"
	"github.com/ewxrjk/hbackup/plumbing/fs"
	"github.com/ewxrjk/hbackup/plumbing/format/index"
	"github.com/ewxrjk/hbackup/plumbing/hash"
	"github.com/ewxrjk/hbackup/plumbing/hash/hashset"
)

// storeLimit is STORE_LIMIT from spec.md 4.J: files at or below this
// size are stored inline as a "data" field rather than by hash.
const storeLimit = 256

// prefigureExister is implemented only by plumbing/fs/sftp.Filesystem;
// its speculative STAT lets the backup engine overlap a whole
// directory's existence probes with local work (spec.md 4.G).
type prefigureExister interface {
	PrefigureExists(path string)
}

// Engine performs one backup run of Root into Index/Repo.
type Engine struct {
	// Host is the filesystem being walked. It is always local in
	// this design (spec.md 3's ownership notes describe only the
	// repository side as possibly remote); Engine requires it to
	// implement fs.StatInfoer.
	Host fs.Filesystem
	// Repo is the repository + index filesystem: local, or a
	// pipelined SFTP driver when a remote repository is configured.
	Repo fs.Filesystem

	Root  string
	Index string

	Overwrite     bool
	CrossFS       bool
	PreserveAtime bool
	RecheckHash   bool

	Exclude *exclude.Matcher
	Hints   *hintcache.Cache
	HintPath string

	Log   *log.Logger
	Stats *stats.Stats

	statter fs.StatInfoer
	inrepo  *hashset.Set
}

type pendingCopy struct {
	fullname string
	hp       string
	h        hash.Hash
	size     int64
}

// Run executes the backup, writing the index and (on success) renaming
// it into place, per spec.md 4.J step 6.
func (e *Engine) Run() error {
	statter, ok := e.Host.(fs.StatInfoer)
	if !ok {
		return fmt.Errorf("backup: host filesystem does not support StatInfo")
	}
	e.statter = statter
	e.inrepo = hashset.New()

	if !e.Overwrite {
		exists, err := e.Repo.Exists(e.Index)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("backup: index file %s already exists", e.Index)
		}
	}

	writePath := e.Index
	if !e.Overwrite {
		writePath = e.Index + ".tmp"
	}

	idxFile, err := e.Repo.Open(writePath, fs.Overwrite)
	if err != nil {
		return err
	}
	w := index.NewWriter(idxFile)

	if err := e.backupDir(w, "."); err != nil {
		idxFile.Close()
		return err
	}
	if err := w.End(); err != nil {
		idxFile.Close()
		return err
	}
	if err := idxFile.Close(); err != nil {
		return err
	}
	if !e.Overwrite {
		if err := e.Repo.Rename(writePath, e.Index); err != nil {
			return err
		}
	}

	if e.Hints != nil && e.HintPath != "" {
		if err := e.Hints.Save(e.Host, e.HintPath); err != nil {
			return err
		}
	}

	return nil
}

// entry is one surviving directory entry, after exclusion and lstat
// filtering, ready for index emission.
type entry struct {
	name      string
	localname string
	fullname  string
	info      fs.Info
	typ       fs.FileType
}

func (e *Engine) fulldir(dir string) string {
	if dir == "." {
		return e.Root
	}
	return filepath.Join(e.Root, dir)
}

// list reads, filters, and lstats one directory's contents, per
// spec.md 4.J step 1.
func (e *Engine) list(dir string) ([]entry, error) {
	names, err := e.Host.Contents(e.fulldir(dir))
	if err != nil {
		return nil, err
	}

	entries := make([]entry, 0, len(names))
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		localname := name
		if dir != "." {
			localname = dir + "/" + name
		}
		if e.Exclude != nil && e.Exclude.Excluded(localname) {
			continue
		}
		fullname := filepath.Join(e.Root, localname)

		info, err := e.statter.StatInfo(fullname)
		if err != nil {
			if errors.Is(err, syscall.ENOENT) {
				e.Log.Warnf("lstat %s: %v", fullname, err)
				e.Stats.AddWarning()
				continue
			}
			return nil, err
		}

		typ, err := e.Host.Type(fullname)
		if err != nil {
			return nil, err
		}
		switch typ {
		case fs.Regular, fs.Directory, fs.SymLink, fs.CharDevice, fs.BlockDevice, fs.Socket:
		default:
			e.Log.Warnf("cannot back up %s", fullname)
			e.Stats.AddUnknown()
			continue
		}

		entries = append(entries, entry{name: name, localname: localname, fullname: fullname, info: info, typ: typ})
	}
	return entries, nil
}

// backupDir walks one directory, per spec.md 4.J steps 1-5: list,
// sort (already sorted — Host.Contents does this), emit records for
// every entry, resolve deferred blob copies, then recurse into
// subdirectories collected along the way.
func (e *Engine) backupDir(w *index.Writer, dir string) error {
	entries, err := e.list(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	var subdirs []string
	var pending []pendingCopy
	first := true

	for _, en := range entries {
		relname := en.localname
		if !first {
			if n := strings.LastIndexByte(en.localname, '/'); n >= 0 {
				relname = "./" + en.localname[n+1:]
			}
		}
		first = false

		pairs := genericFields(relname, en.info)

		switch en.typ {
		case fs.Regular:
			pairs, err = e.emitRegular(&pending, pairs, en)
			if err != nil {
				return err
			}
			e.Stats.AddRegularFile()
		case fs.Directory:
			pairs = append(pairs, index.KV{Key: "type", Value: "dir"})
			mount, err := e.Host.Ismount(en.fullname)
			if err != nil {
				return err
			}
			if e.CrossFS || !mount {
				subdirs = append(subdirs, en.localname)
			}
			e.Stats.AddDirectory()
		case fs.SymLink:
			target, err := e.Host.Readlink(en.fullname)
			if err != nil {
				return err
			}
			pairs = append(pairs, index.KV{Key: "target", Value: target}, index.KV{Key: "type", Value: "link"})
			e.Stats.AddSymLink()
		case fs.CharDevice, fs.BlockDevice:
			typeName := "chr"
			if en.typ == fs.BlockDevice {
				typeName = "blk"
			}
			pairs = append(pairs,
				index.KV{Key: "rdev", Value: strconv.FormatUint(en.info.Rdev, 10)},
				index.KV{Key: "type", Value: typeName})
			e.Stats.AddDevice()
		case fs.Socket:
			pairs = append(pairs, index.KV{Key: "type", Value: "socket"})
			e.Stats.AddSocket()
		}

		if err := w.Put(pairs); err != nil {
			return err
		}

		if en.typ == fs.Regular && e.PreserveAtime {
			if err := e.Host.Utimes(en.fullname, en.info.Atime, en.info.Mtime); err != nil {
				return err
			}
		}
	}

	if err := e.resolvePending(pending); err != nil {
		return err
	}

	for _, sub := range subdirs {
		if err := e.backupDir(w, sub); err != nil {
			return err
		}
	}
	return nil
}

// genericFields builds the name/perms/uid/gid/atime/ctime/mtime prefix
// common to every record kind, per spec.md 6's field-order table.
func genericFields(relname string, info fs.Info) []index.KV {
	return []index.KV{
		{Key: "name", Value: relname},
		{Key: "perms", Value: fmt.Sprintf("0%o", info.Mode&07777)},
		{Key: "uid", Value: strconv.Itoa(info.UID)},
		{Key: "gid", Value: strconv.Itoa(info.GID)},
		{Key: "atime", Value: strconv.FormatInt(info.Atime, 10)},
		{Key: "ctime", Value: strconv.FormatInt(info.Ctime, 10)},
		{Key: "mtime", Value: strconv.FormatInt(info.Mtime, 10)},
	}
}

// emitRegular appends the data-or-sha1 (and optional inode) fields for
// a regular file, per spec.md 4.J's size-based dispatch.
func (e *Engine) emitRegular(pending *[]pendingCopy, pairs []index.KV, en entry) ([]index.KV, error) {
	if en.info.Size <= storeLimit {
		f, err := e.Host.Open(en.fullname, fs.ReadOnly)
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, index.KV{Key: "data", Value: string(data)})
		e.Stats.AddSmallFile()
		return pairs, nil
	}

	h, err := e.hashRegular(en)
	if err != nil {
		return nil, err
	}

	if !e.inrepo.Contains(h) {
		hp := h.RepoPath()
		if pe, ok := e.Repo.(prefigureExister); ok {
			pe.PrefigureExists(hp)
		}
		*pending = append(*pending, pendingCopy{fullname: en.fullname, hp: hp, h: h, size: en.info.Size})
		e.inrepo.Insert(h)
	}

	pairs = append(pairs, index.KV{Key: "sha1", Value: h.String()})
	if en.info.Nlink > 1 {
		pairs = append(pairs, index.KV{Key: "inode", Value: strconv.FormatUint(en.info.Ino, 10)})
	}
	return pairs, nil
}

// hashRegular resolves en's content hash from the hint cache if
// possible, otherwise by hashing the file, and records a fresh hint
// regardless (spec.md 4.I: "every large regular file encountered
// yields one new hint record").
func (e *Engine) hashRegular(en entry) (hash.Hash, error) {
	var h hash.Hash
	if e.Hints != nil {
		if cached, ok := e.Hints.Lookup(en.fullname, en.info.Size, en.info.Ctime, en.info.Mtime); ok {
			h = cached
			e.Stats.AddHintUsed()
		}
	}

	if h.IsZero() {
		f, err := e.Host.Open(en.fullname, fs.ReadOnly)
		if err != nil {
			return hash.Zero, err
		}
		mmapHint := hash.ShouldMmap(en.info.Size)
		computed, err := hash.HashFile(f, en.info.Size, mmapHint)
		f.Close()
		if err != nil {
			return hash.Zero, err
		}
		h = computed
		if mmapHint {
			e.Stats.AddBytesHashedMapped(en.info.Size)
		} else {
			e.Stats.AddBytesHashedRead(en.info.Size)
		}
	}

	if e.Hints != nil {
		e.Hints.Record(en.fullname, h, en.info.Size, en.info.Ctime, en.info.Mtime)
	}
	return h, nil
}

// resolvePending checks each deferred blob copy's existence (giving
// the SFTP prefigure-exists probes issued earlier a chance to have
// already answered) and streams in whatever is still missing, per
// spec.md 4.J step 4.
func (e *Engine) resolvePending(pending []pendingCopy) error {
	for _, p := range pending {
		exists, err := e.Repo.Exists(p.hp)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := e.copyBlob(p); err != nil {
			return err
		}
		e.Stats.AddNewHash()
		e.Stats.AddBytesStored(p.size)
	}
	return nil
}

// copyBlob streams p.fullname into the repository at p.hp via a
// "<hp>.tmp" staging file that is atomically renamed into place, per
// spec.md 5's on-disk write ordering.
func (e *Engine) copyBlob(p pendingCopy) error {
	src, err := e.Host.Open(p.fullname, fs.ReadOnly)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := p.hp + ".tmp"
	dst, err := e.Repo.Open(tmp, fs.Overwrite)
	if err != nil {
		if !errors.Is(err, syscall.ENOENT) {
			return err
		}
		dir := filepath.Dir(p.hp)
		if err := e.Repo.MakeDirs(dir, 0777); err != nil {
			return err
		}
		dst, err = e.Repo.Open(tmp, fs.Overwrite)
		if err != nil {
			return err
		}
	}

	hasher := hash.New()
	buf := make([]byte, 4096)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				dst.Close()
				return werr
			}
			if e.RecheckHash {
				hasher.Update(buf[:n])
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			dst.Close()
			return rerr
		}
	}

	if e.RecheckHash {
		if hasher.Finalize() != p.h {
			dst.Close()
			return fmt.Errorf("backup: %s changed hash between test and write", p.fullname)
		}
	}

	if err := dst.Close(); err != nil {
		return err
	}
	return e.Repo.Rename(tmp, p.hp)
}
