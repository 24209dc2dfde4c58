package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// crashAfterBytes truncates the WAL file at path to exactly n bytes,
// simulating a process death partway through an append. n must be at
// least WALHeaderSize.
func crashAfterBytes(t *testing.T, path string, n int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(n))
}

// TestCrashBetweenPageWriteAndCommit mirrors scenario S4: a PageWrite
// record reaches the WAL and is fsynced, but the process dies before the
// matching Commit is appended. Recovery must still redo the PageWrite,
// because its own record was durable independent of Commit.
func TestCrashBetweenPageWriteAndCommit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	pager, err := Open(path, DefaultOptions())
	require.NoError(t, err)
	tree, err := Create(pager)
	require.NoError(t, err)
	require.NoError(t, pager.SetCatalogPageId(tree.RootPageID()))
	require.NoError(t, pager.Checkpoint())

	require.NoError(t, tree.Insert([]byte("K"), []byte("durable-value")))

	// Insert only marks the leaf dirty in the cache, so its PageWrite
	// record is appended here by hand and fsynced, but we stop short of
	// ever calling Flush/Checkpoint/Close again: the WAL record for the
	// leaf write exists without a following Commit, and the data file
	// never received the write.
	for pid, entry := range pager.cache {
		if entry.dirty {
			_, err := pager.wal.Append(WALPageWrite, pid, entry.page.ToBuffer())
			require.NoError(t, err)
		}
	}
	require.NoError(t, pager.wal.Flush())
	require.NoError(t, pager.file.Close())
	require.NoError(t, pager.wal.file.Close())

	reopened, err := Open(path, DefaultOptions())
	require.NoError(t, err)
	defer reopened.Close()

	recoveredTree, err := Open(reopened, reopened.GetCatalogPageId())
	require.NoError(t, err)
	v, err := recoveredTree.Search([]byte("K"))
	require.NoError(t, err)
	require.Equal(t, []byte("durable-value"), v)
}

// TestCrashBeforeWALRecordIsDurable mirrors the second half of S4: a write
// that never reached the WAL (simulated here by never calling Insert
// before the crash) must simply be absent on reopen, not partially
// applied.
func TestCrashBeforeWALRecordIsDurable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	pager, err := Open(path, DefaultOptions())
	require.NoError(t, err)
	tree, err := Create(pager)
	require.NoError(t, err)
	require.NoError(t, pager.SetCatalogPageId(tree.RootPageID()))
	require.NoError(t, pager.Checkpoint())

	require.NoError(t, pager.file.Close())
	require.NoError(t, pager.wal.file.Close())

	reopened, err := Open(path, DefaultOptions())
	require.NoError(t, err)
	defer reopened.Close()

	recoveredTree, err := Open(reopened, reopened.GetCatalogPageId())
	require.NoError(t, err)
	_, err = recoveredTree.Search([]byte("K-prime"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

// TestCrashRecoveryIsIdempotentAcrossTruncationPoints mirrors S6/S7:
// whatever byte offset the WAL is torn off at, replaying it any number of
// times converges to the same structurally sound tree, and replaying a
// fully-applied prefix twice changes nothing.
func TestCrashRecoveryIsIdempotentAcrossTruncationPoints(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	walPath := path + ".wal"

	pager, err := Open(path, DefaultOptions())
	require.NoError(t, err)
	tree, err := Create(pager)
	require.NoError(t, err)
	require.NoError(t, pager.SetCatalogPageId(tree.RootPageID()))

	for i := uint32(0); i < 64; i++ {
		require.NoError(t, tree.Insert(bigEndianKey(i), bigEndianKey(i)))
	}
	require.NoError(t, pager.wal.Flush())

	fullSize, err := fileSize(walPath)
	require.NoError(t, err)
	require.NoError(t, pager.file.Close())
	require.NoError(t, pager.wal.file.Close())

	// Re-derive the fully-applied state for comparison: reopen cleanly
	// once at the untouched length.
	baseline, err := Open(path, DefaultOptions())
	require.NoError(t, err)
	baselineTree, err := Open(baseline, baseline.GetCatalogPageId())
	require.NoError(t, err)
	baselineCount, err := baselineTree.Count()
	require.NoError(t, err)
	require.NoError(t, baseline.Close())

	// Re-snapshot the data file so every truncation trial starts from the
	// same pre-recovery bytes.
	dataSnapshot, err := os.ReadFile(path)
	require.NoError(t, err)
	walSnapshot, err := os.ReadFile(walPath)
	require.NoError(t, err)

	for _, cut := range []int64{WALHeaderSize, fullSize / 2, fullSize - 1, fullSize} {
		require.NoError(t, os.WriteFile(path, dataSnapshot, 0o644))
		require.NoError(t, os.WriteFile(walPath, walSnapshot, 0o644))
		crashAfterBytes(t, walPath, cut)

		reopened, err := Open(path, DefaultOptions())
		require.NoError(t, err, "cut=%d", cut)

		recoveredTree, err := Open(reopened, reopened.GetCatalogPageId())
		require.NoError(t, err, "cut=%d", cut)
		require.Empty(t, recoveredTree.Verify(), "cut=%d", cut)

		count, err := recoveredTree.Count()
		require.NoError(t, err, "cut=%d", cut)
		require.LessOrEqual(t, count, baselineCount, "cut=%d", cut)

		// Replaying recovery a second time against the now-recovered,
		// already-caught-up file must be a no-op.
		require.NoError(t, reopened.Close())
		reopenedAgain, err := Open(path, DefaultOptions())
		require.NoError(t, err, "cut=%d", cut)
		recoveredAgain, err := Open(reopenedAgain, reopenedAgain.GetCatalogPageId())
		require.NoError(t, err, "cut=%d", cut)
		countAgain, err := recoveredAgain.Count()
		require.NoError(t, err, "cut=%d", cut)
		require.Equal(t, count, countAgain, "cut=%d", cut)
		require.NoError(t, reopenedAgain.Close())
	}
}

func fileSize(path string) (int64, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}
