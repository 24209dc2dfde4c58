package storage

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// cacheEntry is one resident page plus its dirty bit; eviction order is
// tracked by the companion LRU list, with a write-through-before-evict
// discipline for dirty entries instead of deferring them to the next
// Flush.
type cacheEntry struct {
	page  *Page
	dirty bool
}

// Pager owns the data-file descriptor, the page cache, the free list, and
// (optionally) the WAL. It is the only subsystem that touches raw page
// bytes; every other layer borrows pages through ReadPage/WritePage.
type Pager struct {
	mu sync.RWMutex

	file *os.File
	path string
	log  zerolog.Logger

	header *FileHeader

	wal          *WAL
	walEnabled   bool
	syncOnCommit bool
	pageLSN      map[uint32]uint64 // informational: last LSN that touched a page

	cache     map[uint32]*cacheEntry
	lru       *list.List
	lruElems  map[uint32]*list.Element
	cacheSize int

	closed bool

	stats struct {
		pageReads  int64
		pageWrites int64
		cacheHits  int64
	}
}

type lruEntry struct{ pageID uint32 }

// Open opens an existing database file at path, or creates one if absent,
// and performs crash recovery before returning.
func Open(path string, opts Options) (*Pager, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultOptions().CacheSize
	}

	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open data file %s: %w", path, err)
	}

	p := &Pager{
		file:         file,
		path:         path,
		log:          opts.Logger,
		cache:        make(map[uint32]*cacheEntry),
		lru:          list.New(),
		lruElems:     make(map[uint32]*list.Element),
		cacheSize:    opts.CacheSize,
		pageLSN:      make(map[uint32]uint64),
		walEnabled:   opts.EnableWAL,
		syncOnCommit: opts.SyncOnCommit,
	}

	if isNew {
		if err := p.initFresh(); err != nil {
			file.Close()
			return nil, err
		}
	} else {
		if err := p.loadExisting(); err != nil {
			file.Close()
			return nil, err
		}
	}

	if opts.EnableWAL {
		wal, records, err := OpenWAL(path+".wal", opts.Logger)
		if err != nil {
			file.Close()
			return nil, err
		}
		p.wal = wal
		if !isNew {
			if err := p.recover(records); err != nil {
				wal.Close()
				file.Close()
				return nil, err
			}
		}
	}

	return p, nil
}

func (p *Pager) initFresh() error {
	now := uint64(0)
	p.header = newFileHeader(now)
	meta := NewPage(MetaPageID, PageTypeMeta)
	if _, err := p.file.WriteAt(meta.ToBuffer(), fileOffset(MetaPageID)); err != nil {
		return fmt.Errorf("storage: init meta page: %w", err)
	}
	return p.writeHeaderToDisk()
}

func (p *Pager) loadExisting() error {
	buf := make([]byte, FileHeaderSize)
	if _, err := p.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("storage: read file header: %w", err)
	}
	header, err := decodeFileHeader(buf)
	if err != nil {
		return err
	}
	p.header = header
	return p.validateFreeList()
}

// validateFreeList walks the free-list chain from freeListHead, aborting
// with ErrCorruptFreeList if it does not terminate within pageCount steps.
func (p *Pager) validateFreeList() error {
	pid := p.header.FreeListHead
	steps := uint32(0)
	for pid != InvalidPageID {
		if steps > p.header.PageCount {
			return fmt.Errorf("%w: chain exceeds %d pages", ErrCorruptFreeList, p.header.PageCount)
		}
		buf := make([]byte, PageSize)
		if _, err := p.file.ReadAt(buf, fileOffset(pid)); err != nil {
			return fmt.Errorf("storage: read free page %d: %w", pid, err)
		}
		page, err := FromBuffer(pid, buf)
		if err != nil {
			return err
		}
		pid = page.Next()
		steps++
	}
	return nil
}

func (p *Pager) writeHeaderToDisk() error {
	if _, err := p.file.WriteAt(p.header.encode(), 0); err != nil {
		return fmt.Errorf("storage: write file header: %w", err)
	}
	return nil
}

// readPageRaw reads a page directly from the data file, bypassing the
// cache. Used by ReadPage on a cache miss and by readCachedOrRaw; it does
// not add the page to the cache itself.
func (p *Pager) readPageRaw(pid uint32) (*Page, error) {
	buf := make([]byte, PageSize)
	if _, err := p.file.ReadAt(buf, fileOffset(pid)); err != nil {
		return nil, fmt.Errorf("storage: read page %d: %w", pid, err)
	}
	return FromBuffer(pid, buf)
}

// ReadPage returns the page for pid, from cache if resident.
func (p *Pager) ReadPage(pid uint32) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if entry, ok := p.cache[pid]; ok {
		p.touchLRU(pid)
		p.stats.cacheHits++
		return entry.page, nil
	}
	if pid >= p.header.PageCount {
		return nil, fmt.Errorf("%w: page %d", ErrInvalidPageID, pid)
	}

	page, err := p.readPageRaw(pid)
	if err != nil {
		return nil, err
	}
	p.stats.pageReads++
	p.addToCache(pid, page, false)
	return page, nil
}

// WritePage marks page dirty in the cache; it is not persisted until Flush,
// Checkpoint or Close, or until eviction writes it through because every
// resident entry is dirty.
func (p *Pager) WritePage(page *Page) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if entry, ok := p.cache[page.ID()]; ok {
		entry.page = page
		entry.dirty = true
		p.touchLRU(page.ID())
		return nil
	}
	p.addToCache(page.ID(), page, true)
	return nil
}

// writePageDirect appends a PageWrite WAL record (if WAL is enabled),
// records the resulting LSN, and writes the page bytes to the data file.
// No fsync: the WAL is the durability source of truth until commit.
func (p *Pager) writePageDirect(pid uint32, data []byte) error {
	if p.walEnabled {
		lsn, err := p.wal.Append(WALPageWrite, pid, data)
		if err != nil {
			return err
		}
		p.pageLSN[pid] = lsn
	}
	if _, err := p.file.WriteAt(data, fileOffset(pid)); err != nil {
		return fmt.Errorf("storage: write page %d: %w", pid, err)
	}
	p.stats.pageWrites++
	return nil
}

func (p *Pager) touchLRU(pid uint32) {
	if elem, ok := p.lruElems[pid]; ok {
		p.lru.MoveToFront(elem)
	}
}

func (p *Pager) addToCache(pid uint32, page *Page, dirty bool) {
	if existing, ok := p.lruElems[pid]; ok {
		p.lru.Remove(existing)
		delete(p.lruElems, pid)
	}
	if len(p.cache) >= p.cacheSize {
		p.evictOne()
	}
	p.cache[pid] = &cacheEntry{page: page, dirty: dirty}
	elem := p.lru.PushFront(&lruEntry{pageID: pid})
	p.lruElems[pid] = elem
}

// evictOne evicts the least-recently-used clean entry; if every resident
// entry is dirty, it writes through the globally least-recently-used entry
// first.
func (p *Pager) evictOne() {
	for e := p.lru.Back(); e != nil; e = e.Prev() {
		pid := e.Value.(*lruEntry).pageID
		if entry, ok := p.cache[pid]; ok && !entry.dirty {
			p.removeFromCache(pid, e)
			return
		}
	}

	e := p.lru.Back()
	if e == nil {
		return
	}
	pid := e.Value.(*lruEntry).pageID
	entry := p.cache[pid]
	if entry != nil && entry.dirty {
		if err := p.writePageDirect(pid, entry.page.ToBuffer()); err != nil {
			p.log.Warn().Err(err).Uint32("page", pid).Msg("failed to write through dirty page on eviction")
		}
	}
	p.removeFromCache(pid, e)
}

func (p *Pager) removeFromCache(pid uint32, e *list.Element) {
	delete(p.cache, pid)
	delete(p.lruElems, pid)
	p.lru.Remove(e)
}

// AllocPage allocates a page of the given type, preferring free-list reuse
// over extending the file, and is WAL-ahead: the allocation's intent is
// durable before any in-memory header state changes or the page is
// initialized on disk.
func (p *Pager) AllocPage(typ PageType) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	var pid uint32
	var metaField uint8
	var oldVal, newVal uint32

	if p.header.FreeListHead != InvalidPageID {
		pid = p.header.FreeListHead
		freePage, err := p.readCachedOrRaw(pid)
		if err != nil {
			return nil, err
		}
		newHead := freePage.Next()
		metaField, oldVal, newVal = MetaFieldFreeListHead, p.header.FreeListHead, newHead
	} else {
		pid = p.header.PageCount
		metaField, oldVal, newVal = MetaFieldPageCount, p.header.PageCount, p.header.PageCount+1
	}

	if p.walEnabled {
		if _, err := p.wal.Append(WALAllocPage, pid, []byte{byte(typ)}); err != nil {
			return nil, err
		}
		if _, err := p.wal.Append(WALMetaUpdate, InvalidPageID, encodeMetaUpdate(metaField, oldVal, newVal)); err != nil {
			return nil, err
		}
		if err := p.wal.Flush(); err != nil {
			return nil, err
		}
	}

	if metaField == MetaFieldFreeListHead {
		p.header.FreeListHead = newVal
	} else {
		p.header.PageCount = newVal
	}

	page := NewPage(pid, typ)
	if err := p.writePageDirect(pid, page.ToBuffer()); err != nil {
		return nil, err
	}
	p.addToCache(pid, page, false)
	return page, nil
}

// FreePage returns pid to the free list, WAL-ahead of any mutation
func (p *Pager) FreePage(pid uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	oldHead := p.header.FreeListHead

	if p.walEnabled {
		if _, err := p.wal.Append(WALFreePage, pid, nil); err != nil {
			return err
		}
		if _, err := p.wal.Append(WALMetaUpdate, InvalidPageID, encodeMetaUpdate(MetaFieldFreeListHead, oldHead, pid)); err != nil {
			return err
		}
		if err := p.wal.Flush(); err != nil {
			return err
		}
	}

	page, err := p.readCachedOrRaw(pid)
	if err != nil {
		return err
	}
	page.SetType(PageTypeFree)
	page.SetNext(oldHead)
	page.SetPrev(InvalidPageID)
	if err := p.writePageDirect(pid, page.ToBuffer()); err != nil {
		return err
	}
	if entry, ok := p.cache[pid]; ok {
		entry.page = page
		entry.dirty = false
	} else {
		p.addToCache(pid, page, false)
	}

	p.header.FreeListHead = pid
	return nil
}

func (p *Pager) readCachedOrRaw(pid uint32) (*Page, error) {
	if entry, ok := p.cache[pid]; ok {
		return entry.page, nil
	}
	return p.readPageRaw(pid)
}

func encodeMetaUpdate(field uint8, oldVal, newVal uint32) []byte {
	buf := make([]byte, 9)
	buf[0] = field
	binary.LittleEndian.PutUint32(buf[1:], oldVal)
	binary.LittleEndian.PutUint32(buf[5:], newVal)
	return buf
}

func decodeMetaUpdate(data []byte) (field uint8, oldVal, newVal uint32, ok bool) {
	if len(data) != 9 {
		return 0, 0, 0, false
	}
	return data[0], binary.LittleEndian.Uint32(data[1:]), binary.LittleEndian.Uint32(data[5:]), true
}

// Flush writes every dirty page through, commits the WAL, and rewrites the
// file header.
func (p *Pager) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked()
}

func (p *Pager) flushLocked() error {
	if p.closed {
		return ErrClosed
	}
	for pid, entry := range p.cache {
		if !entry.dirty {
			continue
		}
		if err := p.writePageDirect(pid, entry.page.ToBuffer()); err != nil {
			return err
		}
		entry.dirty = false
	}
	if p.walEnabled {
		if _, err := p.wal.Append(WALCommit, InvalidPageID, nil); err != nil {
			return err
		}
		if err := p.wal.Flush(); err != nil {
			return err
		}
	}
	if err := p.writeHeaderToDisk(); err != nil {
		return err
	}
	if !p.syncOnCommit {
		return nil
	}
	return p.file.Sync()
}

// Checkpoint flushes, marks the WAL prefix redundant, and truncates it.
func (p *Pager) Checkpoint() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.flushLocked(); err != nil {
		return err
	}
	if !p.walEnabled {
		return nil
	}
	// The records about to be truncated are the only redo source for page
	// writes the data file has not made durable yet, so the data file is
	// fsynced here even when SyncOnCommit is off.
	if !p.syncOnCommit {
		if err := p.file.Sync(); err != nil {
			return err
		}
	}

	lsn, err := p.wal.Append(WALCheckpoint, InvalidPageID, encodeCheckpointLSN(p.wal.CurrentLSN()+1))
	if err != nil {
		return err
	}
	if err := p.wal.Flush(); err != nil {
		return err
	}
	if err := p.wal.SetCheckpointLSN(lsn); err != nil {
		return err
	}
	return p.wal.Truncate()
}

func encodeCheckpointLSN(lsn uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, lsn)
	return buf
}

// GetCatalogPageId returns the page id the document engine's catalog root
// lives at, or InvalidPageID if none has been set yet.
func (p *Pager) GetCatalogPageId() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.header.CatalogPageID
}

// SetCatalogPageId records the catalog root page id. The change is
// WAL-logged immediately but the header itself is only rewritten on the
// next Flush/Checkpoint (see DESIGN.md's header-fsync-discipline note).
func (p *Pager) SetCatalogPageId(pid uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	old := p.header.CatalogPageID
	if p.walEnabled {
		if _, err := p.wal.Append(WALMetaUpdate, InvalidPageID, encodeMetaUpdate(MetaFieldCatalogPageID, old, pid)); err != nil {
			return err
		}
		if err := p.wal.Flush(); err != nil {
			return err
		}
	}
	p.header.CatalogPageID = pid
	return nil
}

// NumPages returns the total number of pages physically present.
func (p *Pager) NumPages() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.header.PageCount
}

// Stats reports pager-level counters for diagnostics and the CLI's `stats`
// subcommand.
type Stats struct {
	PageCount    uint32
	FreePages    int
	CachedPages  int
	PageReads    int64
	PageWrites   int64
	CacheHits    int64
	CurrentLSN   uint64
	CheckpointLSN uint64
}

// Stats snapshots the pager's current counters.
func (p *Pager) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	freeCount := 0
	pid := p.header.FreeListHead
	for pid != InvalidPageID && freeCount <= int(p.header.PageCount) {
		page, err := p.readCachedOrRaw(pid)
		if err != nil {
			break
		}
		freeCount++
		pid = page.Next()
	}

	s := Stats{
		PageCount:   p.header.PageCount,
		FreePages:   freeCount,
		CachedPages: len(p.cache),
		PageReads:   p.stats.pageReads,
		PageWrites:  p.stats.pageWrites,
		CacheHits:   p.stats.cacheHits,
	}
	if p.walEnabled {
		s.CurrentLSN = p.wal.CurrentLSN()
		s.CheckpointLSN = p.wal.CheckpointLSN()
	}
	return s
}

// recover replays every WAL record with LSN > the WAL's checkpointLSN
// against the data file, in LSN order. It must
// run before the pager is handed to any caller.
func (p *Pager) recover(records []WALRecord) error {
	checkpointLSN := p.wal.CheckpointLSN()

	var toReplay []WALRecord
	for _, rec := range records {
		if rec.LSN > checkpointLSN {
			toReplay = append(toReplay, rec)
		}
	}
	if len(toReplay) == 0 {
		return nil
	}

	allocatedTypes := make(map[uint32]PageType)

	for _, rec := range toReplay {
		switch rec.Type {
		case WALPageWrite:
			if len(rec.Data) != PageSize {
				p.log.Debug().Uint32("page", rec.PageID).Int("bytes", len(rec.Data)).
					Msg("recovery: skipping PageWrite record with wrong length")
				continue
			}
			if err := p.growFileTo(rec.PageID + 1); err != nil {
				return err
			}
			if _, err := p.file.WriteAt(rec.Data, fileOffset(rec.PageID)); err != nil {
				return fmt.Errorf("storage: recovery write page %d: %w", rec.PageID, err)
			}

		case WALAllocPage:
			if len(rec.Data) != 1 {
				return fmt.Errorf("%w: recovery AllocPage for page %d missing type", ErrCorruptWAL, rec.PageID)
			}
			allocatedTypes[rec.PageID] = PageType(rec.Data[0])
			if rec.PageID+1 > p.header.PageCount {
				p.header.PageCount = rec.PageID + 1
			}

		case WALFreePage:
			// No direct state change; the companion MetaUpdate(FreeListHead)
			// record carries the list-head mutation.

		case WALMetaUpdate:
			field, _, newVal, ok := decodeMetaUpdate(rec.Data)
			if !ok {
				return fmt.Errorf("%w: malformed MetaUpdate record", ErrCorruptWAL)
			}
			switch field {
			case MetaFieldFreeListHead:
				p.header.FreeListHead = newVal
			case MetaFieldPageCount:
				p.header.PageCount = newVal
			case MetaFieldCatalogPageID:
				p.header.CatalogPageID = newVal
			}

		case WALCommit, WALCheckpoint:
			// No state to replay; these are ordering markers only.
		}
	}

	if err := p.growFileTo(p.header.PageCount); err != nil {
		return err
	}

	// Any page the replay allocated but never saw a PageWrite for (e.g. an
	// AllocPage whose initializing write was itself torn off) is
	// initialized fresh with its recorded type so the file has no gaps.
	for pid, typ := range allocatedTypes {
		stat, err := p.file.Stat()
		if err != nil {
			return err
		}
		off := fileOffset(pid)
		if off+PageSize > stat.Size() {
			continue
		}
		buf := make([]byte, PageSize)
		if _, err := p.file.ReadAt(buf, off); err != nil {
			return fmt.Errorf("storage: recovery read page %d: %w", pid, err)
		}
		if isZero(buf) {
			fresh := NewPage(pid, typ)
			if _, err := p.file.WriteAt(fresh.ToBuffer(), off); err != nil {
				return fmt.Errorf("storage: recovery init page %d: %w", pid, err)
			}
		}
	}

	if err := p.writeHeaderToDisk(); err != nil {
		return err
	}
	if err := p.file.Sync(); err != nil {
		return err
	}
	return p.validateFreeList()
}

func isZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

// growFileTo extends the physical data file so it can hold at least n
// pages, zero-filling any gap. Used when a torn-tail recovery shows a
// PageWrite/AllocPage for a page beyond the file's current physical size.
func (p *Pager) growFileTo(n uint32) error {
	stat, err := p.file.Stat()
	if err != nil {
		return err
	}
	want := fileOffset(n)
	if stat.Size() >= want {
		return nil
	}
	return p.file.Truncate(want)
}

// Close flushes, closes the WAL, and closes the data file. A second Close
// is a no-op.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if err := p.flushLocked(); err != nil {
		return err
	}
	if p.walEnabled {
		if err := p.wal.Close(); err != nil {
			return err
		}
	}
	if err := p.file.Close(); err != nil {
		return err
	}
	p.closed = true
	return nil
}
