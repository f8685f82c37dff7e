package restore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ewxrjk/hbackup/internal/fstest"
	"github.com/ewxrjk/hbackup/internal/log"
	"github.com/ewxrjk/hbackup/internal/stats"
	"github.com/ewxrjk/hbackup/plumbing/fs"
	"github.com/ewxrjk/hbackup/plumbing/format/index"
	"github.com/ewxrjk/hbackup/plumbing/hash"
)

func writeIndex(t *testing.T, repo *fstest.FS, path string, records [][]index.KV) {
	t.Helper()
	f, err := repo.Open(path, fs.Overwrite)
	require.NoError(t, err)
	w := index.NewWriter(f)
	for _, rec := range records {
		require.NoError(t, w.Put(rec))
	}
	require.NoError(t, w.End())
	require.NoError(t, f.Close())
}

func newEngine(host, repo *fstest.FS) *Engine {
	return &Engine{
		Host:  host,
		Repo:  repo,
		Root:  "/dst",
		Index: "index",
		Log:   log.Nop(),
		Stats: &stats.Stats{},
	}
}

func TestRestoreSmallFileInline(t *testing.T) {
	repo := fstest.New()
	writeIndex(t, repo, "index", [][]index.KV{
		{
			{Key: "name", Value: "greet.txt"},
			{Key: "perms", Value: "0644"},
			{Key: "uid", Value: "0"},
			{Key: "gid", Value: "0"},
			{Key: "atime", Value: "1"},
			{Key: "ctime", Value: "2"},
			{Key: "mtime", Value: "3"},
			{Key: "data", Value: "hello"},
		},
	})

	host := fstest.New()
	require.NoError(t, host.MakeDirs("/dst", 0755))
	e := newEngine(host, repo)
	require.NoError(t, e.Run())

	f, err := host.Open("/dst/greet.txt", fs.ReadOnly)
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, _ := f.Read(buf)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, int64(1), e.Stats.SmallFiles)

	exists, err := host.Exists("/dst/greet.txt~restore~")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRestoreFromRepoBlob(t *testing.T) {
	repo := fstest.New()
	content := []byte("the quick brown fox")
	hasher := hash.New()
	hasher.Update(content)
	h := hasher.Finalize()
	repo.Set(h.RepoPath(), content, 0644, 0, 0, 0, 0, 0)

	writeIndex(t, repo, "index", [][]index.KV{
		{
			{Key: "name", Value: "big.bin"},
			{Key: "perms", Value: "0644"},
			{Key: "uid", Value: "0"},
			{Key: "gid", Value: "0"},
			{Key: "atime", Value: "1"},
			{Key: "ctime", Value: "2"},
			{Key: "mtime", Value: "3"},
			{Key: "sha1", Value: h.String()},
		},
	})

	host := fstest.New()
	require.NoError(t, host.MakeDirs("/dst", 0755))
	e := newEngine(host, repo)
	require.NoError(t, e.Run())

	f, err := host.Open("/dst/big.bin", fs.ReadOnly)
	require.NoError(t, err)
	buf := make([]byte, len(content)+1)
	n, _ := f.Read(buf)
	assert.Equal(t, string(content), string(buf[:n]))
}

func TestRestoreDirectoryAndSymlink(t *testing.T) {
	repo := fstest.New()
	writeIndex(t, repo, "index", [][]index.KV{
		{
			{Key: "name", Value: "sub"},
			{Key: "perms", Value: "0755"},
			{Key: "uid", Value: "0"}, {Key: "gid", Value: "0"},
			{Key: "atime", Value: "1"}, {Key: "ctime", Value: "1"}, {Key: "mtime", Value: "1"},
			{Key: "type", Value: "dir"},
		},
		{
			{Key: "name", Value: "sub/link"},
			{Key: "perms", Value: "0777"},
			{Key: "uid", Value: "0"}, {Key: "gid", Value: "0"},
			{Key: "atime", Value: "1"}, {Key: "ctime", Value: "1"}, {Key: "mtime", Value: "1"},
			{Key: "target", Value: "/elsewhere"},
			{Key: "type", Value: "link"},
		},
	})

	host := fstest.New()
	require.NoError(t, host.MakeDirs("/dst", 0755))
	e := newEngine(host, repo)
	require.NoError(t, e.Run())

	typ, err := host.Type("/dst/sub")
	require.NoError(t, err)
	assert.Equal(t, fs.Directory, typ)

	target, err := host.Readlink("/dst/sub/link")
	require.NoError(t, err)
	assert.Equal(t, "/elsewhere", target)
}

func TestRestoreDirectoryAlreadyExistsWarnsAndSkips(t *testing.T) {
	repo := fstest.New()
	writeIndex(t, repo, "index", [][]index.KV{
		{
			{Key: "name", Value: "sub"},
			{Key: "perms", Value: "0755"},
			{Key: "uid", Value: "0"}, {Key: "gid", Value: "0"},
			{Key: "atime", Value: "1"}, {Key: "ctime", Value: "1"}, {Key: "mtime", Value: "1"},
			{Key: "type", Value: "dir"},
		},
	})

	host := fstest.New()
	require.NoError(t, host.MakeDirs("/dst/sub", 0700))

	e := newEngine(host, repo)
	require.NoError(t, e.Run())

	assert.Equal(t, int64(1), e.Stats.Warnings)
}

func TestRestoreHardlinkShortCircuits(t *testing.T) {
	repo := fstest.New()
	writeIndex(t, repo, "index", [][]index.KV{
		{
			{Key: "name", Value: "a.bin"},
			{Key: "perms", Value: "0644"},
			{Key: "uid", Value: "0"}, {Key: "gid", Value: "0"},
			{Key: "atime", Value: "1"}, {Key: "ctime", Value: "1"}, {Key: "mtime", Value: "1"},
			{Key: "data", Value: "hi"},
			{Key: "inode", Value: "42"},
		},
		{
			{Key: "name", Value: "b.bin"},
			{Key: "perms", Value: "0644"},
			{Key: "uid", Value: "0"}, {Key: "gid", Value: "0"},
			{Key: "atime", Value: "1"}, {Key: "ctime", Value: "1"}, {Key: "mtime", Value: "1"},
			{Key: "inode", Value: "42"},
		},
	})

	host := fstest.New()
	require.NoError(t, host.MakeDirs("/dst", 0755))
	e := newEngine(host, repo)
	require.NoError(t, e.Run())

	fa, err := host.Open("/dst/a.bin", fs.ReadOnly)
	require.NoError(t, err)
	bufa := make([]byte, 8)
	na, _ := fa.Read(bufa)

	fb, err := host.Open("/dst/b.bin", fs.ReadOnly)
	require.NoError(t, err)
	bufb := make([]byte, 8)
	nb, _ := fb.Read(bufb)

	assert.Equal(t, string(bufa[:na]), string(bufb[:nb]))
	assert.Equal(t, int64(1), e.Stats.Hardlinks)
}

func TestRestoreNoPermissionsForcesDefaultDirMode(t *testing.T) {
	repo := fstest.New()
	writeIndex(t, repo, "index", [][]index.KV{
		{
			{Key: "name", Value: "sub"},
			{Key: "perms", Value: "0700"},
			{Key: "uid", Value: "0"}, {Key: "gid", Value: "0"},
			{Key: "atime", Value: "1"}, {Key: "ctime", Value: "1"}, {Key: "mtime", Value: "1"},
			{Key: "type", Value: "dir"},
		},
	})

	host := fstest.New()
	require.NoError(t, host.MakeDirs("/dst", 0755))
	e := newEngine(host, repo)
	e.Permissions = false
	require.NoError(t, e.Run())

	info, err := host.StatInfo("/dst/sub")
	require.NoError(t, err)
	assert.Equal(t, uint32(0777), info.Mode)
}

func TestRestoreRelativeNameResolvesAgainstPriorDirectory(t *testing.T) {
	repo := fstest.New()
	writeIndex(t, repo, "index", [][]index.KV{
		{
			{Key: "name", Value: "sub"},
			{Key: "perms", Value: "0755"},
			{Key: "uid", Value: "0"}, {Key: "gid", Value: "0"},
			{Key: "atime", Value: "1"}, {Key: "ctime", Value: "1"}, {Key: "mtime", Value: "1"},
			{Key: "type", Value: "dir"},
		},
		{
			{Key: "name", Value: "sub/first.txt"},
			{Key: "perms", Value: "0644"},
			{Key: "uid", Value: "0"}, {Key: "gid", Value: "0"},
			{Key: "atime", Value: "1"}, {Key: "ctime", Value: "1"}, {Key: "mtime", Value: "1"},
			{Key: "data", Value: "one"},
		},
		{
			// As backup.Engine emits for a second entry of the same
			// directory: just the basename, "./"-prefixed.
			{Key: "name", Value: "./second.txt"},
			{Key: "perms", Value: "0644"},
			{Key: "uid", Value: "0"}, {Key: "gid", Value: "0"},
			{Key: "atime", Value: "1"}, {Key: "ctime", Value: "1"}, {Key: "mtime", Value: "1"},
			{Key: "data", Value: "two"},
		},
	})

	host := fstest.New()
	require.NoError(t, host.MakeDirs("/dst", 0755))
	e := newEngine(host, repo)
	require.NoError(t, e.Run())

	f, err := host.Open("/dst/sub/second.txt", fs.ReadOnly)
	require.NoError(t, err)
	buf := make([]byte, 8)
	n, _ := f.Read(buf)
	assert.Equal(t, "two", string(buf[:n]))
	assert.Equal(t, int64(0), e.Stats.Errors)
}
