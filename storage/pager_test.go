package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.CacheSize = 8
	return opts
}

func TestPagerAllocWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	pager, err := Open(path, testOptions())
	require.NoError(t, err)
	defer pager.Close()

	page, err := pager.AllocPage(PageTypeData)
	require.NoError(t, err)

	idx, err := page.Insert([]byte("hello, pager"))
	require.NoError(t, err)
	require.NoError(t, pager.WritePage(page))

	require.NoError(t, pager.Flush())

	readBack, err := pager.ReadPage(page.ID())
	require.NoError(t, err)
	got, ok := readBack.GetData(idx)
	require.True(t, ok)
	require.Equal(t, []byte("hello, pager"), got)
}

func TestPagerFreeListReuse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	pager, err := Open(path, testOptions())
	require.NoError(t, err)
	defer pager.Close()

	page, err := pager.AllocPage(PageTypeData)
	require.NoError(t, err)
	freedID := page.ID()

	require.NoError(t, pager.FreePage(freedID))

	reused, err := pager.AllocPage(PageTypeData)
	require.NoError(t, err)
	require.Equal(t, freedID, reused.ID(), "free-list head should be reused before extending the file")
}

func TestPagerRecoversAfterSimulatedCrash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	pager, err := Open(path, testOptions())
	require.NoError(t, err)

	page, err := pager.AllocPage(PageTypeData)
	require.NoError(t, err)
	idx, err := page.Insert([]byte("durable"))
	require.NoError(t, err)
	require.NoError(t, pager.WritePage(page))
	require.NoError(t, pager.Flush())
	pageID := page.ID()

	// Simulate a crash: close the file descriptor without calling
	// Pager.Close (no extra flush), then reopen.
	require.NoError(t, pager.file.Close())
	if pager.walEnabled {
		pager.wal.file.Close()
	}

	reopened, err := Open(path, testOptions())
	require.NoError(t, err)
	defer reopened.Close()

	recovered, err := reopened.ReadPage(pageID)
	require.NoError(t, err)
	got, ok := recovered.GetData(idx)
	require.True(t, ok)
	require.Equal(t, []byte("durable"), got)
}

func TestPagerCheckpointTruncatesWAL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	pager, err := Open(path, testOptions())
	require.NoError(t, err)
	defer pager.Close()

	page, err := pager.AllocPage(PageTypeData)
	require.NoError(t, err)
	_, err = page.Insert([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, pager.WritePage(page))

	require.NoError(t, pager.Checkpoint())

	stats := pager.Stats()
	require.Equal(t, stats.CurrentLSN, stats.CheckpointLSN)

	walStat, err := os.Stat(path + ".wal")
	require.NoError(t, err)
	require.Equal(t, int64(WALHeaderSize), walStat.Size())
}
