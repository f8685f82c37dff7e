package hashset

import (
	"testing"

	"github.com/ewxrjk/hbackup/plumbing/hash"
	"github.com/stretchr/testify/assert"
)

func mk(b byte) hash.Hash {
	h := hash.NewFast()
	h.Update([]byte{b})
	return h.Finalize()
}

func TestInsertContains(t *testing.T) {
	s := New()
	a := mk(1)
	b := mk(2)

	assert.False(t, s.Contains(a))
	s.Insert(a)
	assert.True(t, s.Contains(a))
	assert.False(t, s.Contains(b))
	assert.Equal(t, 1, s.Len())
}

func TestInsertIdempotent(t *testing.T) {
	s := New()
	a := mk(3)
	s.Insert(a)
	s.Insert(a)
	assert.Equal(t, 1, s.Len())
}

func TestManyDistinctHashes(t *testing.T) {
	s := New()
	for i := 0; i < 1000; i++ {
		h := hash.NewFast()
		h.Update([]byte{byte(i), byte(i >> 8)})
		s.Insert(h.Finalize())
	}
	assert.Equal(t, 1000, s.Len())
}
