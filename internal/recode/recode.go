// Package recode implements the restore engine's optional character
// encoding conversion (spec.md 9, original_source nhbackup.h's Recode
// class): index records may have been written on a host using a
// different encoding for file names than the one restoring them, so
// restore.Engine can convert "name" and "target" fields from one
// encoding to another before touching the filesystem.
package recode

import (
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// Recoder converts strings from one named encoding to another. Either
// side left unspecified at construction is treated as UTF-8, so a
// Recoder built with both empty is a harmless no-op pass-through.
type Recoder struct {
	dec *encoding.Decoder
	enc *encoding.Encoder
}

// New looks up from and to via golang.org/x/text/encoding/htmlindex
// (the WHATWG encoding names: "iso-8859-1", "windows-1252", "utf-8",
// ...). Either may be empty to mean "no conversion on this side".
func New(from, to string) (*Recoder, error) {
	var r Recoder
	if from != "" {
		e, err := htmlindex.Get(from)
		if err != nil {
			return nil, fmt.Errorf("recode: unknown source encoding %q: %w", from, err)
		}
		r.dec = e.NewDecoder()
	}
	if to != "" {
		e, err := htmlindex.Get(to)
		if err != nil {
			return nil, fmt.Errorf("recode: unknown target encoding %q: %w", to, err)
		}
		r.enc = e.NewEncoder()
	}
	return &r, nil
}

// Convert decodes s from the source encoding (if any) and re-encodes
// it into the target encoding (if any). If the decoder or encoder
// reports an error (for example a character the target encoding cannot
// represent), Convert returns that error; it does not substitute a
// replacement character such as '?' and carry on.
func (r *Recoder) Convert(s string) (string, error) {
	if r == nil || (r.dec == nil && r.enc == nil) {
		return s, nil
	}
	out := s
	if r.dec != nil {
		decoded, err := r.dec.String(out)
		if err != nil {
			return "", fmt.Errorf("recode: decode: %w", err)
		}
		out = decoded
	}
	if r.enc != nil {
		encoded, err := r.enc.String(out)
		if err != nil {
			return "", fmt.Errorf("recode: encode: %w", err)
		}
		out = encoded
	}
	return out, nil
}
