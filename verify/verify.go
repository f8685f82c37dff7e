// Package verify implements the verify engine (spec.md 4.L): it
// re-hashes every blob an index references and reports any that no
// longer match the name under which they were stored.
package verify

import (
	"errors"
	"fmt"
	"io"
	"syscall"

	"github.com/ewxrjk/hbackup/internal/log"
	"github.com/ewxrjk/hbackup/internal/stats"
	"github.com/ewxrjk/hbackup/plumbing/fs"
	"github.com/ewxrjk/hbackup/plumbing/format/index"
	"github.com/ewxrjk/hbackup/plumbing/hash"
)

// Engine performs one verify run over Index, read from Repo. Unlike
// backup and restore, verify never touches a separate host tree: the
// index and the blobs it names both live in Repo (spec.md 4.L: "no
// root may be specified").
type Engine struct {
	Repo  fs.Filesystem
	Index string

	// DetectBogus removes a blob whose content no longer matches its
	// name, rather than merely reporting the mismatch.
	DetectBogus bool

	Log   *log.Logger
	Stats *stats.Stats
}

// Run executes the verify pass.
func (e *Engine) Run() error {
	f, err := e.Repo.Open(e.Index, fs.ReadOnly)
	if err != nil {
		return err
	}
	defer f.Close()

	r := index.NewReader(f)
	for {
		fields, end, err := r.Read()
		if err != nil {
			return err
		}
		if end {
			break
		}
		if err := e.verifyEntry(fields); err != nil {
			return err
		}
	}
	return nil
}

// verifyEntry checks one record. Only a record with neither a "type"
// nor a "data" field names a stored blob; every other record (a
// directory, symlink, device, socket, or small inline file) has
// nothing to re-hash, matching verify.cc's dispatch.
func (e *Engine) verifyEntry(fields map[string]string) error {
	if _, hasType := fields["type"]; hasType {
		return nil
	}
	if _, hasData := fields["data"]; hasData {
		return nil
	}

	name := fields["name"]
	shaHex, hasHash := fields["sha1"]
	if !hasHash {
		e.logError("%s: no known hash", name)
		return nil
	}

	h, err := hash.FromHex(shaHex)
	if err != nil {
		return fmt.Errorf("verify: bad sha1 %q: %w", shaHex, err)
	}
	hp := h.RepoPath()

	actual, err := e.hashBlob(hp)
	if err != nil {
		var fe *fs.FileError
		if errors.As(err, &fe) && errors.Is(fe.Err, syscall.ENOENT) {
			e.logError("%s: cannot find %s", name, hp)
			return nil
		}
		return err
	}

	if actual != h {
		e.logError("%s: hash mismatch for %s", name, hp)
		if e.DetectBogus {
			if err := e.Repo.Remove(hp); err != nil {
				return err
			}
		}
	}
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

func (e *Engine) logError(format string, args ...interface{}) {
	e.Log.Errorf(format, args...)
	e.Stats.AddError()
}
