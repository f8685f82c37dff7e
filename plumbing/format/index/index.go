// Package index implements the textual record format shared by
// snapshot index files and hint files (spec.md 3, 4.H): lines of the
// form "k1=v1&k2=v2&...&kN=vN\n", terminated by a sentinel "[end]\n"
// line.
package index

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ewxrjk/hbackup/plumbing/format/urlenc"
)

// EndMarker is the sentinel line that terminates an index or hint file.
const EndMarker = "[end]"

// ErrBadIndexFile reports a malformed record or an unexpected end of
// file reached before the [end] sentinel.
var ErrBadIndexFile = errors.New("index: bad index file")

// LineSource is the narrow contract a Reader needs from its
// underlying file: one line at a time, with io.EOF on exhaustion.
type LineSource interface {
	ReadLine() (string, error)
}

// Reader reads records from an index or hint file one line at a time.
type Reader struct {
	r LineSource
}

// NewReader returns a Reader pulling lines from src.
func NewReader(src LineSource) *Reader {
	return &Reader{r: src}
}

// Read returns the next record as a field map, or end=true once the
// [end] sentinel has been consumed. A record with no trailing [end]
// before the underlying source is exhausted is ErrBadIndexFile.
func (r *Reader) Read() (fields map[string]string, end bool, err error) {
	line, err := r.r.ReadLine()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, false, fmt.Errorf("%w: unexpected end of file", ErrBadIndexFile)
		}
		return nil, false, err
	}

	if line == EndMarker {
		return nil, true, nil
	}

	fields, err = ParseLine(line)
	if err != nil {
		return nil, false, err
	}
	return fields, false, nil
}

// ParseLine parses one "k1=v1&k2=v2" line into a field map. Duplicate
// keys overwrite earlier values. Every '&'-separated segment must
// contain '='; an empty segment (as produced by "&&") has no '=' and
// is therefore ErrBadIndexFile, matching spec.md's open question about
// parseIndexLine's tolerance of "&&" — real producers never emit it,
// so no special case is added for it.
func ParseLine(line string) (map[string]string, error) {
	fields := make(map[string]string)
	for _, segment := range strings.Split(line, "&") {
		eq := strings.IndexByte(segment, '=')
		if eq < 0 {
			return nil, fmt.Errorf("%w: segment %q has no '='", ErrBadIndexFile, segment)
		}
		key, err := urlenc.DecodeBytes(segment[:eq])
		if err != nil {
			return nil, fmt.Errorf("%w: bad key: %w", ErrBadIndexFile, err)
		}
		value, err := urlenc.DecodeBytes(segment[eq+1:])
		if err != nil {
			return nil, fmt.Errorf("%w: bad value: %w", ErrBadIndexFile, err)
		}
		fields[string(key)] = string(value)
	}
	return fields, nil
}

// LineSink is the narrow contract a Writer needs from its underlying
// file: write a formatted line.
type LineSink interface {
	Printf(format string, args ...interface{}) error
}

// Writer emits records to an index or hint file.
type Writer struct {
	w LineSink
}

// NewWriter returns a Writer appending records to dst.
func NewWriter(dst LineSink) *Writer {
	return &Writer{w: dst}
}

// Put writes one record from an ordered list of (key, value) pairs.
// Field order is the caller's responsibility, matching spec.md 4.H's
// note that the codec itself doesn't impose one; see backup.genericFields
// and the per-kind orderings in spec.md §6.
func (w *Writer) Put(pairs []KV) error {
	parts := make([]string, len(pairs))
	for i, kv := range pairs {
		parts[i] = urlenc.EncodeBytes([]byte(kv.Key)) + "=" + urlenc.EncodeBytes([]byte(kv.Value))
	}
	return w.w.Printf("%s\n", strings.Join(parts, "&"))
}

// End writes the terminating [end] sentinel.
func (w *Writer) End() error {
	return w.w.Printf("%s\n", EndMarker)
}

// KV is one key/value pair of a record, in emission order.
type KV struct {
	Key   string
	Value string
}

// SortedKV returns the entries of m as KV pairs sorted by key. It is a
// convenience for callers that don't care about a specific field
// order, as opposed to the backup engine and the hint cache, which
// build an explicit ordered []KV themselves.
func SortedKV(m map[string]string) []KV {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]KV, len(keys))
	for i, k := range keys {
		out[i] = KV{Key: k, Value: m[k]}
	}
	return out
}
