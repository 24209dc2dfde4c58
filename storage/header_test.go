package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestFreshFileHeaderSurvivesReopen mirrors scenario S1: a brand-new file
// has pageCount 1, an empty free list, and no catalog page, and those
// values round-trip through a close/reopen.
func TestFreshFileHeaderSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.db")

	pager, err := Open(path, DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, uint32(1), pager.header.PageCount)
	require.Equal(t, InvalidPageID, pager.header.FreeListHead)
	require.Equal(t, InvalidPageID, pager.header.CatalogPageID)
	require.NoError(t, pager.Close())

	reopened, err := Open(path, DefaultOptions())
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, uint32(1), reopened.header.PageCount)
	require.Equal(t, InvalidPageID, reopened.header.FreeListHead)
	require.Equal(t, InvalidPageID, reopened.header.CatalogPageID)
}
