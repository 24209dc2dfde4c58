package storage

import (
	"encoding/binary"
	"fmt"
)

// File header layout: 64 bytes at the start of the data
// file, little-endian throughout.
const (
	FileHeaderSize = 64

	fileMagic   uint32 = 0x4D4F4E4F // "MONO"
	fileVersion uint16 = 1

	PageSize = 4096

	hdrOffMagic         = 0
	hdrOffVersion       = 4
	hdrOffPageSize      = 6
	hdrOffPageCount     = 8
	hdrOffFreeListHead  = 12
	hdrOffMetaPageID    = 16
	hdrOffCatalogPageID = 20
	hdrOffCreateTime    = 24
	hdrOffModifyTime    = 32
	// [40, 64) reserved, zero-filled.

	// InvalidPageID is the sentinel "no page" id. Page 0 is always the meta
	// page, so 0 can never be allocated as user data and doubles as the
	// free-list and leaf-chain terminator.
	InvalidPageID uint32 = 0

	// MetaPageID is the fixed id of the meta page.
	MetaPageID uint32 = 0
)

// FileHeader mirrors the on-disk 64-byte header.
type FileHeader struct {
	Magic         uint32
	Version       uint16
	PageSize      uint16
	PageCount     uint32
	FreeListHead  uint32
	MetaPageID    uint32
	CatalogPageID uint32
	CreateTime    uint64
	ModifyTime    uint64
}

// newFileHeader builds the header for a brand-new data file: one page
// present (the meta page), empty free list, no catalog yet.
func newFileHeader(now uint64) *FileHeader {
	return &FileHeader{
		Magic:         fileMagic,
		Version:       fileVersion,
		PageSize:      PageSize,
		PageCount:     1,
		FreeListHead:  InvalidPageID,
		MetaPageID:    MetaPageID,
		CatalogPageID: InvalidPageID,
		CreateTime:    now,
		ModifyTime:    now,
	}
}

func (h *FileHeader) encode() []byte {
	buf := make([]byte, FileHeaderSize)
	binary.LittleEndian.PutUint32(buf[hdrOffMagic:], h.Magic)
	binary.LittleEndian.PutUint16(buf[hdrOffVersion:], h.Version)
	binary.LittleEndian.PutUint16(buf[hdrOffPageSize:], h.PageSize)
	binary.LittleEndian.PutUint32(buf[hdrOffPageCount:], h.PageCount)
	binary.LittleEndian.PutUint32(buf[hdrOffFreeListHead:], h.FreeListHead)
	binary.LittleEndian.PutUint32(buf[hdrOffMetaPageID:], h.MetaPageID)
	binary.LittleEndian.PutUint32(buf[hdrOffCatalogPageID:], h.CatalogPageID)
	binary.LittleEndian.PutUint64(buf[hdrOffCreateTime:], h.CreateTime)
	binary.LittleEndian.PutUint64(buf[hdrOffModifyTime:], h.ModifyTime)
	return buf
}

func decodeFileHeader(buf []byte) (*FileHeader, error) {
	if len(buf) < FileHeaderSize {
		return nil, fmt.Errorf("%w: short file header (%d bytes)", ErrCorruptPage, len(buf))
	}
	h := &FileHeader{
		Magic:         binary.LittleEndian.Uint32(buf[hdrOffMagic:]),
		Version:       binary.LittleEndian.Uint16(buf[hdrOffVersion:]),
		PageSize:      binary.LittleEndian.Uint16(buf[hdrOffPageSize:]),
		PageCount:     binary.LittleEndian.Uint32(buf[hdrOffPageCount:]),
		FreeListHead:  binary.LittleEndian.Uint32(buf[hdrOffFreeListHead:]),
		MetaPageID:    binary.LittleEndian.Uint32(buf[hdrOffMetaPageID:]),
		CatalogPageID: binary.LittleEndian.Uint32(buf[hdrOffCatalogPageID:]),
		CreateTime:    binary.LittleEndian.Uint64(buf[hdrOffCreateTime:]),
		ModifyTime:    binary.LittleEndian.Uint64(buf[hdrOffModifyTime:]),
	}
	if h.Magic != fileMagic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrCorruptPage, h.Magic)
	}
	if h.Version != fileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptPage, h.Version)
	}
	if h.PageSize != PageSize {
		return nil, fmt.Errorf("%w: unsupported page size %d", ErrCorruptPage, h.PageSize)
	}
	return h, nil
}

// fileOffset returns the byte offset of page pid within the data file.
func fileOffset(pid uint32) int64 {
	return int64(FileHeaderSize) + int64(pid)*int64(PageSize)
}
