package local

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ewxrjk/hbackup/plumbing/fs"
)

func TestOpenWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	w, err := l.Open("hello.txt", fs.NoOverwrite)
	require.NoError(t, err)
	_, err = w.Write([]byte("hi there"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := l.Open("hello.txt", fs.ReadOnly)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hi there", string(data))
	require.NoError(t, r.Close())
}

func TestNoOverwriteFailsWhenExists(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "x"), []byte("a"), 0644))

	_, err := l.Open("x", fs.NoOverwrite)
	assert.Error(t, err)
}

func TestRenameAndExists(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("a"), 0644))

	ok, err := l.Exists("a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Exists("b")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Rename("a", "b"))

	ok, _ = l.Exists("a")
	assert.False(t, ok)
	ok, _ = l.Exists("b")
	assert.True(t, ok)
}

func TestTypeClassification(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "d"), 0755))
	require.NoError(t, os.Symlink("f", filepath.Join(dir, "s")))

	ty, err := l.Type("f")
	require.NoError(t, err)
	assert.Equal(t, fs.Regular, ty)

	ty, err = l.Type("d")
	require.NoError(t, err)
	assert.Equal(t, fs.Directory, ty)

	ty, err = l.Type("s")
	require.NoError(t, err)
	assert.Equal(t, fs.SymLink, ty)
}

func TestReadlinkAndSymlink(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	require.NoError(t, l.Symlink("target-value", "link"))
	target, err := l.Readlink("link")
	require.NoError(t, err)
	assert.Equal(t, "target-value", target)
}

func TestContentsSorted(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	for _, n := range []string{"b", "a", "c"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), nil, 0644))
	}

	names, err := l.Contents(".")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestMakeDirsAndMkdir(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	require.NoError(t, l.MakeDirs("a/b/c", 0755))
	ok, err := l.Exists("a/b/c")
	require.NoError(t, err)
	assert.True(t, ok)

	err = l.Mkdir("a/b/c", 0755)
	assert.Error(t, err)
}

func TestLinkCreatesHardLink(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "orig"), []byte("same"), 0644))
	require.NoError(t, l.Link("orig", "alias"))

	data, err := os.ReadFile(filepath.Join(dir, "alias"))
	require.NoError(t, err)
	assert.Equal(t, "same", string(data))
}

func TestMmapReaderMatchesBufferedRead(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	content := make([]byte, 10000)
	for i := range content {
		content[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big"), content, 0644))

	fh, err := l.Open("big", fs.ReadOnly)
	require.NoError(t, err)
	defer fh.Close()

	mr, ok := fh.(interface {
		MmapReader(int) (io.Reader, error)
	})
	require.True(t, ok)

	r, err := mr.MmapReader(4096)
	require.NoError(t, err)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
