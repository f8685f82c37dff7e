package backup

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ewxrjk/hbackup/internal/exclude"
	"github.com/ewxrjk/hbackup/internal/fstest"
	"github.com/ewxrjk/hbackup/internal/hintcache"
	"github.com/ewxrjk/hbackup/internal/log"
	"github.com/ewxrjk/hbackup/internal/stats"
	"github.com/ewxrjk/hbackup/plumbing/fs"
	"github.com/ewxrjk/hbackup/plumbing/format/index"
	"github.com/ewxrjk/hbackup/plumbing/hash"
)

func newEngine(host, repo *fstest.FS) *Engine {
	return &Engine{
		Host:  host,
		Repo:  repo,
		Root:  "/src",
		Index: "index",
		Log:   log.Nop(),
		Stats: &stats.Stats{},
	}
}

// readIndex replays the written index into an ordered slice of field
// maps, skipping the [end] sentinel.
func readIndex(t *testing.T, repo *fstest.FS, path string) []map[string]string {
	t.Helper()
	f, err := repo.Open(path, fs.ReadOnly)
	require.NoError(t, err)
	defer f.Close()

	r := index.NewReader(f)
	var records []map[string]string
	for {
		fields, end, err := r.Read()
		require.NoError(t, err)
		if end {
			break
		}
		records = append(records, fields)
	}
	return records
}

func TestBackupSmallFileStoredInline(t *testing.T) {
	host := fstest.New()
	host.Set("/src/greet.txt", []byte("hello"), 0644, 1000, 1000, 1, 2, 3)
	repo := fstest.New()

	e := newEngine(host, repo)
	require.NoError(t, e.Run())

	records := readIndex(t, repo, "index")
	require.Len(t, records, 1)
	assert.Equal(t, "greet.txt", records[0]["name"])
	assert.Equal(t, "hello", records[0]["data"])
	assert.Empty(t, records[0]["sha1"])
	assert.Equal(t, int64(1), e.Stats.SmallFiles)
}

func TestBackupLargeFileStoredByHash(t *testing.T) {
	host := fstest.New()
	content := strings.Repeat("x", storeLimit+1)
	host.Set("/src/big.bin", []byte(content), 0644, 0, 0, 10, 20, 30)
	repo := fstest.New()

	e := newEngine(host, repo)
	require.NoError(t, e.Run())

	records := readIndex(t, repo, "index")
	require.Len(t, records, 1)
	assert.Equal(t, "big.bin", records[0]["name"])
	assert.Empty(t, records[0]["data"])
	require.NotEmpty(t, records[0]["sha1"])

	h, err := hash.FromHex(records[0]["sha1"])
	require.NoError(t, err)
	blob, err := repo.Open(h.RepoPath(), fs.ReadOnly)
	require.NoError(t, err)
	defer blob.Close()
	buf := make([]byte, len(content)+1)
	n, _ := blob.Read(buf)
	assert.Equal(t, content, string(buf[:n]))

	assert.Equal(t, int64(1), e.Stats.NewHashes)
	assert.Equal(t, int64(len(content)), e.Stats.BytesStored)
}

func TestBackupDedupesIdenticalContent(t *testing.T) {
	host := fstest.New()
	content := strings.Repeat("y", storeLimit+10)
	host.Set("/src/a.bin", []byte(content), 0644, 0, 0, 1, 1, 1)
	host.Set("/src/b.bin", []byte(content), 0644, 0, 0, 2, 2, 2)
	repo := fstest.New()

	e := newEngine(host, repo)
	require.NoError(t, e.Run())

	records := readIndex(t, repo, "index")
	require.Len(t, records, 2)
	assert.Equal(t, records[0]["sha1"], records[1]["sha1"])

	// Only one blob is actually written, no matter how many entries
	// reference the same content this run.
	assert.Equal(t, int64(1), e.Stats.NewHashes)
}

func TestBackupExistingIndexRefusedWithoutOverwrite(t *testing.T) {
	host := fstest.New()
	host.Set("/src/a.txt", []byte("hi"), 0644, 0, 0, 1, 1, 1)
	repo := fstest.New()
	repo.Set("index", []byte("[end]\n"), 0644, 0, 0, 0, 0, 0)

	e := newEngine(host, repo)
	err := e.Run()
	assert.Error(t, err)
}

func TestBackupOverwriteWritesInPlace(t *testing.T) {
	host := fstest.New()
	host.Set("/src/a.txt", []byte("hi"), 0644, 0, 0, 1, 1, 1)
	repo := fstest.New()
	repo.Set("index", []byte("stale\n[end]\n"), 0644, 0, 0, 0, 0, 0)

	e := newEngine(host, repo)
	e.Overwrite = true
	require.NoError(t, e.Run())

	records := readIndex(t, repo, "index")
	require.Len(t, records, 1)
	assert.Equal(t, "a.txt", records[0]["name"])

	exists, err := repo.Exists("index.tmp")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestBackupHardLinkEmitsInodeField(t *testing.T) {
	host := fstest.New()
	content := strings.Repeat("z", storeLimit+1)
	host.Set("/src/a.bin", []byte(content), 0644, 0, 0, 1, 1, 1)
	require.NoError(t, host.Link("/src/a.bin", "/src/b.bin"))

	repo := fstest.New()
	e := newEngine(host, repo)
	require.NoError(t, e.Run())

	records := readIndex(t, repo, "index")
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.NotEmpty(t, rec["inode"])
	}
	assert.Equal(t, records[0]["inode"], records[1]["inode"])
}

func TestBackupDirectoryRecursesIntoSubdirectory(t *testing.T) {
	host := fstest.New()
	host.Set("/src/sub/deep.txt", []byte("deep"), 0644, 0, 0, 1, 1, 1)
	repo := fstest.New()

	e := newEngine(host, repo)
	require.NoError(t, e.Run())

	records := readIndex(t, repo, "index")
	require.Len(t, records, 2)
	assert.Equal(t, "sub", records[0]["name"])
	assert.Equal(t, "dir", records[0]["type"])
	assert.Equal(t, "sub/deep.txt", records[1]["name"])
}

func TestBackupSkipsCrossedMountByDefault(t *testing.T) {
	host := fstest.New()
	host.Set("/src/sub/deep.txt", []byte("deep"), 0644, 0, 0, 1, 1, 1)
	repo := fstest.New()

	e := newEngine(host, repo)
	e.Host = &mountedHost{FS: host, mounted: "/src/sub"}
	require.NoError(t, e.Run())

	records := readIndex(t, repo, "index")
	require.Len(t, records, 1)
	assert.Equal(t, "sub", records[0]["name"])
}

func TestBackupCrossFSDescendsIntoMount(t *testing.T) {
	host := fstest.New()
	host.Set("/src/sub/deep.txt", []byte("deep"), 0644, 0, 0, 1, 1, 1)
	repo := fstest.New()

	e := newEngine(host, repo)
	e.Host = &mountedHost{FS: host, mounted: "/src/sub"}
	e.CrossFS = true
	require.NoError(t, e.Run())

	records := readIndex(t, repo, "index")
	require.Len(t, records, 2)
}

func TestBackupHintCacheSkipsRehash(t *testing.T) {
	host := fstest.New()
	content := strings.Repeat("w", storeLimit+1)
	host.Set("/src/big.bin", []byte(content), 0644, 0, 0, 10, 20, 30)
	repo := fstest.New()

	e := newEngine(host, repo)
	e.Hints = hintcache.New()
	e.HintPath = "hints"
	require.NoError(t, e.Run())

	firstHash := readIndex(t, repo, "index")[0]["sha1"]

	hints2, err := hintcache.Load(host, "hints")
	require.NoError(t, err)

	repo2 := fstest.New()
	e2 := newEngine(host, repo2)
	e2.Hints = hints2
	e2.HintPath = "hints"
	require.NoError(t, e2.Run())

	secondHash := readIndex(t, repo2, "index")[0]["sha1"]
	assert.Equal(t, firstHash, secondHash)
	assert.Equal(t, int64(1), e2.Stats.HintsUsed)
}

func TestBackupExcludePattern(t *testing.T) {
	host := fstest.New()
	host.Set("/src/keep.txt", []byte("keep"), 0644, 0, 0, 1, 1, 1)
	host.Set("/src/skip.log", []byte("skip"), 0644, 0, 0, 1, 1, 1)
	repo := fstest.New()

	e := newEngine(host, repo)
	matcher, err := exclude.New([]string{`\.log$`})
	require.NoError(t, err)
	e.Exclude = matcher
	require.NoError(t, e.Run())

	records := readIndex(t, repo, "index")
	require.Len(t, records, 1)
	assert.Equal(t, "keep.txt", records[0]["name"])
}

// mountedHost wraps an *fstest.FS, reporting a single configured path
// as a mount point so crossfs behavior can be exercised without a real
// device boundary.
type mountedHost struct {
	*fstest.FS
	mounted string
}

func (m *mountedHost) Ismount(path string) (bool, error) {
	return path == m.mounted, nil
}
