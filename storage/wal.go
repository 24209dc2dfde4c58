package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Write-ahead log file format: a 32-byte header followed by
// an append-only stream of 8-byte-aligned records.
const (
	walMagic   uint32 = 0x57414C4D // "WALM"
	walVersion uint16 = 1

	// WALHeaderSize is the fixed size of the WAL file header.
	WALHeaderSize = 32

	walHdrOffMagic         = 0
	walHdrOffVersion       = 4
	walHdrOffReserved16    = 6
	walHdrOffCheckpointLSN = 8
	walHdrOffFileSize      = 16
	walHdrOffChecksum      = 24
	// [28, 32) reserved.

	walRecordHeaderSize = 20
	walRecordAlignment  = 8

	// walAppendBufferSize is the size of the in-memory buffer that
	// accumulates serialized records before a single write(2) call.
	walAppendBufferSize = 64 * 1024
)

// WAL record types.
const (
	WALPageWrite  uint8 = 1
	WALAllocPage  uint8 = 2
	WALFreePage   uint8 = 3
	WALCommit     uint8 = 4
	WALCheckpoint uint8 = 5
	WALMetaUpdate uint8 = 6
)

// Meta field identifiers used by MetaUpdate records.
const (
	MetaFieldFreeListHead  uint8 = 1
	MetaFieldPageCount     uint8 = 2
	MetaFieldCatalogPageID uint8 = 3
)

// WALRecord is one decoded log entry.
type WALRecord struct {
	LSN    uint64
	Type   uint8
	Flags  uint8
	PageID uint32
	Data   []byte
}

// WAL is an append-only, CRC-protected intent log.
type WAL struct {
	mu sync.Mutex

	file *os.File
	path string
	log  zerolog.Logger

	checkpointLSN uint64
	currentLSN    uint64

	// buf accumulates serialized records before a flush; bufOffset is the
	// file offset at which buf begins.
	buf       []byte
	bufOffset int64
	// writeOffset is the logical end of appended (possibly unflushed) data.
	writeOffset int64
}

// OpenWAL opens (or creates) the WAL file at path and scans it for valid
// records, stopping at the first CRC failure (a torn tail from a prior
// crash, silently truncated on the next append).
func OpenWAL(path string, log zerolog.Logger) (*WAL, []WALRecord, error) {
	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: open WAL %s: %w", path, err)
	}

	w := &WAL{file: f, path: path, log: log, buf: make([]byte, 0, walAppendBufferSize)}

	if isNew {
		w.writeOffset = WALHeaderSize
		w.bufOffset = WALHeaderSize
		if err := w.writeHeader(); err != nil {
			f.Close()
			return nil, nil, err
		}
		return w, nil, nil
	}

	records, endOffset, checkpointLSN, maxLSN, err := scanWAL(f, log)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	w.checkpointLSN = checkpointLSN
	// A checkpoint-truncated log has no records left to take the LSN from;
	// resume after the checkpoint so new records still replay on recovery.
	if maxLSN < checkpointLSN {
		maxLSN = checkpointLSN
	}
	w.currentLSN = maxLSN
	w.writeOffset = endOffset
	w.bufOffset = endOffset
	return w, records, nil
}

func (w *WAL) writeHeader() error {
	hdr := make([]byte, WALHeaderSize)
	binary.LittleEndian.PutUint32(hdr[walHdrOffMagic:], walMagic)
	binary.LittleEndian.PutUint16(hdr[walHdrOffVersion:], walVersion)
	binary.LittleEndian.PutUint64(hdr[walHdrOffCheckpointLSN:], w.checkpointLSN)
	binary.LittleEndian.PutUint64(hdr[walHdrOffFileSize:], uint64(w.writeOffset))
	cksum := checksumOf(hdr[:24])
	binary.LittleEndian.PutUint32(hdr[walHdrOffChecksum:], cksum)
	_, err := w.file.WriteAt(hdr, 0)
	return err
}

// scanWAL reads the header and every well-formed record after it, stopping
// at the first CRC mismatch or truncated record.
func scanWAL(f *os.File, log zerolog.Logger) (records []WALRecord, endOffset int64, checkpointLSN, maxLSN uint64, err error) {
	hdr := make([]byte, WALHeaderSize)
	if _, err = f.ReadAt(hdr, 0); err != nil {
		return nil, 0, 0, 0, fmt.Errorf("storage: read WAL header: %w", err)
	}
	magic := binary.LittleEndian.Uint32(hdr[walHdrOffMagic:])
	if magic != walMagic {
		return nil, 0, 0, 0, fmt.Errorf("%w: bad WAL magic %#x", ErrCorruptWAL, magic)
	}
	version := binary.LittleEndian.Uint16(hdr[walHdrOffVersion:])
	if version != walVersion {
		return nil, 0, 0, 0, fmt.Errorf("%w: unsupported WAL version %d", ErrCorruptWAL, version)
	}
	checkpointLSN = binary.LittleEndian.Uint64(hdr[walHdrOffCheckpointLSN:])

	stat, err := f.Stat()
	if err != nil {
		return nil, 0, 0, 0, err
	}
	size := stat.Size()

	offset := int64(WALHeaderSize)
	for offset+walRecordHeaderSize <= size {
		hdrBuf := make([]byte, walRecordHeaderSize)
		if _, err := f.ReadAt(hdrBuf, offset); err != nil {
			break
		}
		dataLen := binary.LittleEndian.Uint16(hdrBuf[10:])
		total := walRecordHeaderSize + int(dataLen)
		if offset+int64(total) > size {
			log.Debug().Int64("offset", offset).Msg("WAL torn tail: incomplete record, stopping scan")
			break
		}

		full := make([]byte, total)
		copy(full, hdrBuf)
		if dataLen > 0 {
			if _, err := f.ReadAt(full[walRecordHeaderSize:], offset+walRecordHeaderSize); err != nil {
				break
			}
		}

		rec, ok := decodeWALRecord(full)
		if !ok {
			log.Debug().Int64("offset", offset).Msg("WAL torn tail: CRC mismatch, stopping scan")
			break
		}

		records = append(records, rec)
		if rec.LSN > maxLSN {
			maxLSN = rec.LSN
		}
		offset += int64(alignUp(total, walRecordAlignment))
	}

	return records, offset, checkpointLSN, maxLSN, nil
}

func alignUp(n, align int) int {
	rem := n % align
	if rem == 0 {
		return n
	}
	return n + (align - rem)
}

func encodeWALRecord(rec WALRecord) []byte {
	total := walRecordHeaderSize + len(rec.Data)
	padded := alignUp(total, walRecordAlignment)
	buf := make([]byte, padded)

	binary.LittleEndian.PutUint64(buf[0:], rec.LSN)
	buf[8] = rec.Type
	buf[9] = rec.Flags
	binary.LittleEndian.PutUint16(buf[10:], uint16(len(rec.Data)))
	binary.LittleEndian.PutUint32(buf[12:], rec.PageID)
	// checksum field [16:20) stays zero during computation.
	copy(buf[walRecordHeaderSize:total], rec.Data)

	cksum := crc32.ChecksumIEEE(buf[:total])
	binary.LittleEndian.PutUint32(buf[16:20], cksum)
	return buf
}

func decodeWALRecord(buf []byte) (WALRecord, bool) {
	if len(buf) < walRecordHeaderSize {
		return WALRecord{}, false
	}
	rec := WALRecord{
		LSN:    binary.LittleEndian.Uint64(buf[0:]),
		Type:   buf[8],
		Flags:  buf[9],
		PageID: binary.LittleEndian.Uint32(buf[12:]),
	}
	dataLen := binary.LittleEndian.Uint16(buf[10:])
	total := walRecordHeaderSize + int(dataLen)
	if len(buf) < total {
		return WALRecord{}, false
	}
	storedCksum := binary.LittleEndian.Uint32(buf[16:20])

	check := make([]byte, total)
	copy(check, buf[:total])
	binary.LittleEndian.PutUint32(check[16:20], 0)
	gotCksum := crc32.ChecksumIEEE(check)
	if storedCksum != gotCksum {
		return WALRecord{}, false
	}

	if dataLen > 0 {
		rec.Data = make([]byte, dataLen)
		copy(rec.Data, buf[walRecordHeaderSize:total])
	}
	return rec, true
}

// Append assigns the next LSN, serializes rec, and stages it in the append
// buffer (flushing first if it wouldn't fit, or writing directly if the
// record itself exceeds the buffer). It does not fsync; call Flush to make
// the write durable.
func (w *WAL) Append(typ uint8, pageID uint32, data []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.currentLSN++
	rec := WALRecord{LSN: w.currentLSN, Type: typ, PageID: pageID, Data: data}
	encoded := encodeWALRecord(rec)

	if len(encoded) > walAppendBufferSize {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
		if _, err := w.file.WriteAt(encoded, w.writeOffset); err != nil {
			return 0, fmt.Errorf("storage: write oversized WAL record: %w", err)
		}
		w.writeOffset += int64(len(encoded))
		w.bufOffset = w.writeOffset
		return rec.LSN, nil
	}

	if len(w.buf)+len(encoded) > walAppendBufferSize {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}
	w.buf = append(w.buf, encoded...)
	w.writeOffset += int64(len(encoded))
	return rec.LSN, nil
}

// Flush writes the pending buffer to disk and fsyncs.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *WAL) flushLocked() error {
	if len(w.buf) > 0 {
		if _, err := w.file.WriteAt(w.buf, w.bufOffset); err != nil {
			return fmt.Errorf("storage: flush WAL buffer: %w", err)
		}
		w.bufOffset += int64(len(w.buf))
		w.buf = w.buf[:0]
	}
	return w.file.Sync()
}

// CurrentLSN returns the most recently assigned LSN.
func (w *WAL) CurrentLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentLSN
}

// CheckpointLSN returns the LSN recorded in the WAL header.
func (w *WAL) CheckpointLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkpointLSN
}

// SetCheckpointLSN updates the header's checkpointLSN field and rewrites
// the header in place. The header carries its own checksum, but
// verifying it on open is treated as optional: this implementation
// always recomputes and stores it for a well-formed file, yet never
// blocks a read on a header checksum mismatch.
func (w *WAL) SetCheckpointLSN(lsn uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.checkpointLSN = lsn
	return w.writeHeader()
}

// Truncate discards all records, resetting the file to header-only. Called
// after a checkpoint's fsync completes.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(WALHeaderSize); err != nil {
		return fmt.Errorf("storage: truncate WAL: %w", err)
	}
	w.buf = w.buf[:0]
	w.writeOffset = WALHeaderSize
	w.bufOffset = WALHeaderSize
	return w.writeHeader()
}

// Close flushes and closes the underlying file. A second Close is a no-op.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	err := w.file.Close()
	w.file = nil
	return err
}
