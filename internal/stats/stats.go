// Package stats holds the run-scoped counters spec.md 5/9 calls for:
// a single-threaded engine's global mutable state, modeled as an
// explicit value rather than package-level globals.
package stats

import "sync/atomic"

// Stats accumulates counters over one backup/restore/verify/cleanup
// run. Every field is incremented in exactly one place and read only
// at end-of-run summary, per spec.md 5 — the atomics exist only to
// make that single-writer discipline cheap to assert in tests, not
// because multiple goroutines mutate these concurrently (cleanup's
// bounded fan-out is the one exception, see cleanup.Engine).
type Stats struct {
	RegularFiles int64
	Directories  int64
	SymLinks     int64
	Devices      int64
	Sockets      int64
	Unknown      int64

	BytesHashedMapped int64
	BytesHashedRead   int64
	BytesStored       int64
	SmallFiles        int64
	NewHashes         int64
	HintsUsed         int64
	Hardlinks         int64
	Orphaned          int64

	Warnings int64
	Errors   int64
}

func (s *Stats) AddRegularFile()  { atomic.AddInt64(&s.RegularFiles, 1) }
func (s *Stats) AddDirectory()    { atomic.AddInt64(&s.Directories, 1) }
func (s *Stats) AddSymLink()      { atomic.AddInt64(&s.SymLinks, 1) }
func (s *Stats) AddDevice()       { atomic.AddInt64(&s.Devices, 1) }
func (s *Stats) AddSocket()       { atomic.AddInt64(&s.Sockets, 1) }
func (s *Stats) AddUnknown()      { atomic.AddInt64(&s.Unknown, 1) }
func (s *Stats) AddSmallFile()    { atomic.AddInt64(&s.SmallFiles, 1) }
func (s *Stats) AddNewHash()      { atomic.AddInt64(&s.NewHashes, 1) }
func (s *Stats) AddHintUsed()     { atomic.AddInt64(&s.HintsUsed, 1) }
func (s *Stats) AddHardlink()     { atomic.AddInt64(&s.Hardlinks, 1) }
func (s *Stats) AddOrphaned()     { atomic.AddInt64(&s.Orphaned, 1) }

func (s *Stats) AddBytesHashedMapped(n int64) { atomic.AddInt64(&s.BytesHashedMapped, n) }
func (s *Stats) AddBytesHashedRead(n int64)   { atomic.AddInt64(&s.BytesHashedRead, n) }
func (s *Stats) AddBytesStored(n int64)       { atomic.AddInt64(&s.BytesStored, n) }

func (s *Stats) AddWarning() { atomic.AddInt64(&s.Warnings, 1) }
func (s *Stats) AddError()   { atomic.AddInt64(&s.Errors, 1) }

// ExitCode returns the process exit status spec.md 7 requires: 0 on a
// clean run, 1 if any errors were logged.
func (s *Stats) ExitCode() int {
	if atomic.LoadInt64(&s.Errors) > 0 {
		return 1
	}
	return 0
}
