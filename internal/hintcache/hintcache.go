// Package hintcache implements the hint file (spec.md 4.I, 3): a
// cache of (hash, size, ctime, mtime) keyed by host full path, used to
// skip re-hashing files the backup engine has already seen with an
// unchanged size/ctime/mtime.
package hintcache

import (
	"fmt"

	"github.com/ewxrjk/hbackup/plumbing/fs"
	"github.com/ewxrjk/hbackup/plumbing/format/index"
	"github.com/ewxrjk/hbackup/plumbing/hash"
)

// Entry is one cached acceleration record.
type Entry struct {
	Hash  hash.Hash
	Size  int64
	Ctime int64
	Mtime int64
}

// Cache maps a host absolute path to its last-known hash and stat
// triple. It is loaded once at backup start and a fresh, complete
// replacement is written at the end of the run (spec.md 4.I: "every
// large regular file encountered yields one new hint record
// regardless of whether the hash was recomputed").
type Cache struct {
	old map[string]Entry
	new map[string]Entry
}

// New returns an empty Cache, as used when no hint file exists yet.
func New() *Cache {
	return &Cache{old: map[string]Entry{}, new: map[string]Entry{}}
}

// Load reads an existing hint file. A missing file is returned as the
// fs.FileError from opening it; callers that want to start from empty
// check existence first or treat that error as "no hints".
func Load(filesystem fs.Filesystem, path string) (*Cache, error) {
	f, err := filesystem.Open(path, fs.ReadOnly)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	c := New()
	r := index.NewReader(f)
	for {
		fields, end, err := r.Read()
		if err != nil {
			return nil, fmt.Errorf("hintcache: %w", err)
		}
		if end {
			break
		}

		entry, name, err := entryFromFields(fields)
		if err != nil {
			return nil, err
		}
		c.old[name] = entry
	}
	return c, nil
}

func entryFromFields(fields map[string]string) (Entry, string, error) {
	name := fields["name"]
	h, err := hash.FromHex(fields["sha1"])
	if err != nil {
		return Entry{}, "", fmt.Errorf("hintcache: bad sha1 for %q: %w", name, err)
	}
	size, err := parseInt(fields["size"])
	if err != nil {
		return Entry{}, "", fmt.Errorf("hintcache: bad size for %q: %w", name, err)
	}
	ctime, err := parseInt(fields["ctime"])
	if err != nil {
		return Entry{}, "", fmt.Errorf("hintcache: bad ctime for %q: %w", name, err)
	}
	mtime, err := parseInt(fields["mtime"])
	if err != nil {
		return Entry{}, "", fmt.Errorf("hintcache: bad mtime for %q: %w", name, err)
	}
	return Entry{Hash: h, Size: size, Ctime: ctime, Mtime: mtime}, name, nil
}

func parseInt(s string) (int64, error) {
	var v int64
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}

// Lookup returns the cached entry for path iff its size/ctime/mtime
// all equal the current values supplied, per spec.md's "authoritative
// only as an accelerator" rule.
func (c *Cache) Lookup(path string, size, ctime, mtime int64) (hash.Hash, bool) {
	e, ok := c.old[path]
	if !ok {
		return hash.Zero, false
	}
	if e.Size != size || e.Ctime != ctime || e.Mtime != mtime {
		return hash.Zero, false
	}
	return e.Hash, true
}

// Record stores a fresh entry for path to be written into the new
// hint file at the end of the run, whether or not the hash was
// actually recomputed this time.
func (c *Cache) Record(path string, h hash.Hash, size, ctime, mtime int64) {
	c.new[path] = Entry{Hash: h, Size: size, Ctime: ctime, Mtime: mtime}
}

// Save writes the accumulated new entries to "<path>.tmp" and
// atomically renames it to path.
func (c *Cache) Save(filesystem fs.Filesystem, path string) error {
	tmp := path + ".tmp"
	f, err := filesystem.Open(tmp, fs.Overwrite)
	if err != nil {
		return err
	}

	w := index.NewWriter(f)
	for name, e := range c.new {
		pairs := []index.KV{
			{Key: "name", Value: name},
			{Key: "sha1", Value: e.Hash.String()},
			{Key: "ctime", Value: fmt.Sprintf("%d", e.Ctime)},
			{Key: "mtime", Value: fmt.Sprintf("%d", e.Mtime)},
			{Key: "size", Value: fmt.Sprintf("%d", e.Size)},
		}
		if err := w.Put(pairs); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.End(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return filesystem.Rename(tmp, path)
}
