// Package cleanup implements the cleanup engine (spec.md 4.M): given
// the set of index files still considered live, it removes (or just
// reports) every blob under the repository's "sha1" tree that no
// index references any more.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ewxrjk/hbackup/internal/log"
	"github.com/ewxrjk/hbackup/internal/stats"
	"github.com/ewxrjk/hbackup/plumbing/fs"
	"github.com/ewxrjk/hbackup/plumbing/format/index"
	"github.com/ewxrjk/hbackup/plumbing/hash"
	"github.com/ewxrjk/hbackup/plumbing/hash/hashset"
)

// repoRoot is the top-level directory of the hash-sharded repository,
// HASH_NAME from spec.md 3.
const repoRoot = "sha1"

// concurrency bounds the fan-out cleanRecurse uses to walk the
// repository tree: at most this many directories are walked at once,
// however many directories the tree holds.
const concurrency = 8

var errBadIndex = errors.New("cleanup: bad index file")

// Engine performs one cleanup run against Repo, using Indexes as the
// set of indexes still considered live.
type Engine struct {
	Repo    fs.Filesystem
	Indexes []string

	// Delete actually removes orphaned blobs; otherwise their paths
	// are only collected (see Orphaned) for the caller to report.
	Delete bool
	// DetectBogus additionally requires a kept blob's content to hash
	// to its own filename; a mismatch is treated as not needed.
	DetectBogus bool

	Log   *log.Logger
	Stats *stats.Stats

	mu       sync.Mutex
	orphaned []string
}

// Run performs pass 1 (collect the set of hashes still referenced by
// Indexes) and, only if every index parsed cleanly, pass 2 (walk the
// repository deleting or reporting anything not in that set).
func (e *Engine) Run(ctx context.Context) error {
	needed := hashset.New()
	var badFiles []string
	for _, idx := range e.Indexes {
		if err := e.loadIndexHashes(idx, needed); err != nil {
			if errors.Is(err, errBadIndex) {
				badFiles = append(badFiles, idx)
				continue
			}
			return err
		}
	}
	if len(badFiles) > 0 {
		return fmt.Errorf("cleanup: refusing to delete anything, bad index file(s): %s", strings.Join(badFiles, ", "))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	g.Go(func() error {
		return e.cleanRecurse(g, gctx, needed, repoRoot)
	})
	return g.Wait()
}

// Orphaned returns the repository-relative paths found not to be
// referenced by any live index. It is only meaningful when Delete is
// false; with Delete set, orphans are removed as they're found rather
// than collected.
func (e *Engine) Orphaned() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.orphaned))
	copy(out, e.orphaned)
	return out
}

func (e *Engine) loadIndexHashes(path string, needed *hashset.Set) error {
	f, err := e.Repo.Open(path, fs.ReadOnly)
	if err != nil {
		return err
	}
	defer f.Close()

	r := index.NewReader(f)
	for {
		fields, end, err := r.Read()
		if err != nil {
			if errors.Is(err, index.ErrBadIndexFile) {
				return errBadIndex
			}
			return err
		}
		if end {
			break
		}
		shaHex, ok := fields["sha1"]
		if !ok {
			continue
		}
		h, err := hash.FromHex(shaHex)
		if err != nil {
			return errBadIndex
		}
		needed.Insert(h)
	}
	return nil
}

// cleanRecurse walks one directory of the repository. Subdirectories
// are handed to g so sibling directories are walked concurrently; when
// every slot of g is busy, a subdirectory is walked inline instead, so
// a goroutine never blocks waiting for a slot its own ancestors hold.
// Files are classified and swept inline.
func (e *Engine) cleanRecurse(g *errgroup.Group, ctx context.Context, needed *hashset.Set, path string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	names, err := e.Repo.Contents(path)
	if err != nil {
		return err
	}

	for _, name := range names {
		fullname := path + "/" + name
		typ, err := e.Repo.Type(fullname)
		if err != nil {
			return err
		}
		switch typ {
		case fs.Regular:
			if err := e.sweepFile(needed, name, fullname); err != nil {
				return err
			}
		case fs.Directory:
			sub := fullname
			if !g.TryGo(func() error {
				return e.cleanRecurse(g, ctx, needed, sub)
			}) {
				if err := e.cleanRecurse(g, ctx, needed, sub); err != nil {
					return err
				}
			}
		default:
			// Anything else under the hash tree is ignored, as in
			// the original implementation.
		}
	}
	return nil
}

// sweepFile decides whether one repository file is still needed and,
// if not, deletes or reports it per e.Delete.
func (e *Engine) sweepFile(needed *hashset.Set, name, fullname string) error {
	keep := false
	h, err := hash.FromHex(name)
	if err == nil {
		keep = needed.Contains(h)
		if keep && e.DetectBogus {
			actual, herr := e.hashBlob(fullname)
			if herr != nil {
				return herr
			}
			keep = actual == h
		}
	}
	if keep {
		return nil
	}

	if e.Delete {
		if err := e.Repo.Remove(fullname); err != nil {
			e.Log.Errorf("%s", err)
			e.Stats.AddError()
		}
	} else {
		e.mu.Lock()
		e.orphaned = append(e.orphaned, fullname)
		e.mu.Unlock()
	}
	e.Stats.AddOrphaned()
	return nil
}

func (e *Engine) hashBlob(path string) (hash.Hash, error) {
	f, err := e.Repo.Open(path, fs.ReadOnly)
	if err != nil {
		return hash.Zero, err
	}
	defer f.Close()

	h := hash.New()
	if _, err := io.Copy(h, f); err != nil {
		return hash.Zero, err
	}
	return h.Finalize(), nil
}
