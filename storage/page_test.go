package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageInsertAndGetData(t *testing.T) {
	p := NewPage(1, PageTypeData)

	idx, err := p.Insert([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 0, idx)

	got, ok := p.GetData(idx)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), got)

	idx2, err := p.Insert([]byte("world"))
	require.NoError(t, err)
	require.Equal(t, 1, idx2)
	require.Equal(t, 2, p.ItemCount())
}

func TestPageUpdateInPlaceAndGrow(t *testing.T) {
	p := NewPage(1, PageTypeData)
	idx, err := p.Insert([]byte("short"))
	require.NoError(t, err)

	// Shrinking fits in the existing slot.
	require.NoError(t, p.Update(idx, []byte("sh")))
	got, ok := p.GetData(idx)
	require.True(t, ok)
	require.Equal(t, []byte("sh"), got)

	// Growing beyond the reserved length tombstones the old slot and
	// reuses the index against freshly appended bytes.
	require.NoError(t, p.Update(idx, []byte("a much longer replacement value")))
	got, ok = p.GetData(idx)
	require.True(t, ok)
	require.Equal(t, []byte("a much longer replacement value"), got)
	require.Equal(t, 1, p.ItemCount())
}

func TestPageDeleteIsTombstoneNotCompaction(t *testing.T) {
	p := NewPage(1, PageTypeData)
	idx, err := p.Insert([]byte("x"))
	require.NoError(t, err)

	require.NoError(t, p.Delete(idx))
	_, ok := p.GetData(idx)
	require.False(t, ok)
	require.True(t, p.IsDeleted(idx))
	require.Equal(t, 1, p.ItemCount(), "index stays stable until Compact")
}

func TestPageCompactRemapsIndices(t *testing.T) {
	p := NewPage(1, PageTypeData)
	i0, _ := p.Insert([]byte("a"))
	i1, _ := p.Insert([]byte("b"))
	i2, _ := p.Insert([]byte("c"))
	require.NoError(t, p.Delete(i1))

	remap := p.Compact()
	require.Equal(t, 2, p.ItemCount())

	newI0, ok := remap[i0]
	require.True(t, ok)
	newI2, ok := remap[i2]
	require.True(t, ok)
	_, gone := remap[i1]
	require.False(t, gone)

	v0, ok := p.GetData(newI0)
	require.True(t, ok)
	require.Equal(t, []byte("a"), v0)
	v2, ok := p.GetData(newI2)
	require.True(t, ok)
	require.Equal(t, []byte("c"), v2)
}

func TestPageToFromBufferRoundTrip(t *testing.T) {
	p := NewPage(7, PageTypeBTreeLeaf)
	p.SetNext(9)
	p.SetPrev(3)
	_, err := p.Insert([]byte("payload"))
	require.NoError(t, err)

	buf := p.ToBuffer()
	require.Len(t, buf, PageSize)

	back, err := FromBuffer(7, buf)
	require.NoError(t, err)
	require.Equal(t, uint32(7), back.ID())
	require.Equal(t, PageTypeBTreeLeaf, back.Type())
	require.Equal(t, uint32(9), back.Next())
	require.Equal(t, uint32(3), back.Prev())
	got, ok := back.GetData(0)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), got)
}

func TestPageChecksumRejectsBitFlip(t *testing.T) {
	p := NewPage(1, PageTypeData)
	_, err := p.Insert([]byte("data to protect"))
	require.NoError(t, err)

	buf := p.ToBuffer()
	buf[pageHdrSize] ^= 0x01 // flip one bit inside the protected region

	_, err = FromBuffer(1, buf)
	require.ErrorIs(t, err, ErrCorruptPage)
}
