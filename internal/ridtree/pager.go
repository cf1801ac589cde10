package ridtree

import (
	"fmt"
	"os"
	"sync"
)

// ───────────────────────────────────────────────────────────────────────────
// Pager — the C1 page manager
// ───────────────────────────────────────────────────────────────────────────
//
// The Pager is the concrete default C1 collaborator: it manages the main
// index file, the WAL, and an LRU buffer pool with pin/dirty tracking. All
// page reads and writes go through it so CRC validation and WAL logging
// happen automatically. Tree (C8) never touches the file descriptor
// directly. Bucket pages are never freed (§1 non-goal: "tombstone GC …
// bucket pages are reused, never compacted"), so the pager has no
// free-list — every AllocPage extends the file.
//
// Page 0 of the main file is always the entry-point page (C5); the Pager
// treats it as its own superblock-equivalent, since the two roles (tree
// counters vs. pager bookkeeping: next page id, next tx id, checkpoint
// LSN) were already unified into one page by §4.2.

// PageFrame is an in-memory cached page.
type PageFrame struct {
	id     PageID
	buf    []byte
	dirty  bool
	lsn    LSN
	pinned int
	prev   *PageFrame
	next   *PageFrame
}

// PageBufferPool is an LRU page cache with dirty-page and pin tracking.
type PageBufferPool struct {
	mu       sync.Mutex
	maxPages int
	pages    map[PageID]*PageFrame
	head     *PageFrame
	tail     *PageFrame
}

func newPageBufferPool(maxPages int) *PageBufferPool {
	if maxPages <= 0 {
		maxPages = 1024
	}
	return &PageBufferPool{maxPages: maxPages, pages: make(map[PageID]*PageFrame, maxPages)}
}

func (bp *PageBufferPool) get(id PageID) (*PageFrame, bool) {
	f, ok := bp.pages[id]
	if ok {
		bp.moveToFront(f)
	}
	return f, ok
}

func (bp *PageBufferPool) put(f *PageFrame) {
	if _, exists := bp.pages[f.id]; exists {
		bp.moveToFront(f)
		return
	}
	for len(bp.pages) >= bp.maxPages {
		if !bp.evictOne() {
			break // all pages pinned — cannot evict
		}
	}
	bp.pages[f.id] = f
	bp.pushFront(f)
}

func (bp *PageBufferPool) remove(id PageID) {
	f, ok := bp.pages[id]
	if !ok {
		return
	}
	bp.unlink(f)
	delete(bp.pages, id)
}

func (bp *PageBufferPool) evictOne() bool {
	for f := bp.tail; f != nil; f = f.prev {
		if f.pinned == 0 {
			bp.unlink(f)
			delete(bp.pages, f.id)
			return true
		}
	}
	return false
}

func (bp *PageBufferPool) dirtyPages() []*PageFrame {
	var out []*PageFrame
	for _, f := range bp.pages {
		if f.dirty {
			out = append(out, f)
		}
	}
	return out
}

func (bp *PageBufferPool) pushFront(f *PageFrame) {
	f.prev = nil
	f.next = bp.head
	if bp.head != nil {
		bp.head.prev = f
	}
	bp.head = f
	if bp.tail == nil {
		bp.tail = f
	}
}

func (bp *PageBufferPool) unlink(f *PageFrame) {
	if f.prev != nil {
		f.prev.next = f.next
	} else {
		bp.head = f.next
	}
	if f.next != nil {
		f.next.prev = f.prev
	} else {
		bp.tail = f.prev
	}
	f.prev = nil
	f.next = nil
}

func (bp *PageBufferPool) moveToFront(f *PageFrame) {
	bp.unlink(f)
	bp.pushFront(f)
}

// ───────────────────────────────────────────────────────────────────────────
// Pager
// ───────────────────────────────────────────────────────────────────────────

// PagerConfig configures a Pager.
type PagerConfig struct {
	DBPath        string
	WALPath       string
	PageSize      int
	MaxCachePages int // buffer pool capacity (0 = default 1024)
}

// Pager manages page-level I/O, WAL, and buffer pool for one tree's main
// index file.
type Pager struct {
	mu       sync.RWMutex
	file     *os.File
	wal      *WALFile
	pool     *PageBufferPool
	ep       *EntryPoint
	pageSize int
	path     string
	walPath  string
	closed   bool
}

// OpenPager opens or creates a page-based tree file.
func OpenPager(cfg PagerConfig) (*Pager, error) {
	ps := cfg.PageSize
	if ps == 0 {
		ps = DefaultPageSize
	}
	if ps < MinPageSize || ps > MaxPageSize || ps&(ps-1) != 0 {
		return nil, fmt.Errorf("invalid page size %d", ps)
	}

	isNew := false
	if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
		isNew = true
	}

	f, err := os.OpenFile(cfg.DBPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open index file: %w", err)
	}

	p := &Pager{
		file:     f,
		pageSize: ps,
		path:     cfg.DBPath,
		walPath:  cfg.WALPath,
		pool:     newPageBufferPool(cfg.MaxCachePages),
	}

	if isNew {
		ep := NewEntryPoint()
		buf := MarshalEntryPoint(ep, ps)
		if _, err := f.WriteAt(buf, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("write entry-point: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
		p.ep = ep
	} else {
		ep, err := p.readEntryPoint()
		if err != nil {
			f.Close()
			return nil, err
		}
		p.ep = ep
	}

	walPath := cfg.WALPath
	if walPath == "" {
		walPath = cfg.DBPath + ".wal"
	}
	p.walPath = walPath
	wf, err := OpenWALFile(walPath, p.pageSize)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open WAL file: %w", err)
	}
	p.wal = wf

	if !isNew {
		if err := p.Recover(); err != nil {
			wf.Close()
			f.Close()
			return nil, fmt.Errorf("WAL recovery: %w", err)
		}
	}

	return p, nil
}

func (p *Pager) readEntryPoint() (*EntryPoint, error) {
	buf := make([]byte, p.pageSize)
	if _, err := p.file.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("read entry-point: %w", err)
	}
	return UnmarshalEntryPoint(buf)
}

// readPageRaw reads a page directly from the file (no cache).
func (p *Pager) readPageRaw(id PageID) ([]byte, error) {
	buf := make([]byte, p.pageSize)
	off := int64(id) * int64(p.pageSize)
	if _, err := p.file.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("read page %d: %w", id, err)
	}
	if err := VerifyPageCRC(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writePageRaw writes a page directly to the file (no cache).
func (p *Pager) writePageRaw(id PageID, buf []byte) error {
	SetPageCRC(buf)
	off := int64(id) * int64(p.pageSize)
	if _, err := p.file.WriteAt(buf, off); err != nil {
		return fmt.Errorf("write page %d: %w", id, err)
	}
	return nil
}

// ── Public page I/O ───────────────────────────────────────────────────────

// ReadPage returns a page by ID from the cache, pinning it. Call UnpinPage
// when done.
func (p *Pager) ReadPage(id PageID) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readPageCached(id)
}

func (p *Pager) readPageCached(id PageID) ([]byte, error) {
	p.pool.mu.Lock()
	if f, ok := p.pool.get(id); ok {
		f.pinned++
		p.pool.mu.Unlock()
		return f.buf, nil
	}
	p.pool.mu.Unlock()

	buf, err := p.readPageRaw(id)
	if err != nil {
		return nil, err
	}
	f := &PageFrame{id: id, buf: buf, pinned: 1}
	p.pool.mu.Lock()
	p.pool.put(f)
	p.pool.mu.Unlock()
	return buf, nil
}

// UnpinPage decrements the pin count for a page. Safe to call unconditionally
// on every exit path (§5's page-pin release guarantee).
func (p *Pager) UnpinPage(id PageID) {
	p.pool.mu.Lock()
	defer p.pool.mu.Unlock()
	if f, ok := p.pool.get(id); ok && f.pinned > 0 {
		f.pinned--
	}
}

// WritePage writes (updates) a page through the WAL within txID. The caller
// must have called BeginTx beforehand.
func (p *Pager) WritePage(txID TxID, id PageID, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	SetPageCRC(buf)
	rec := &WALRecord{Type: WALRecordPageImage, TxID: txID, PageID: id, Data: append([]byte{}, buf...)}
	lsn, err := p.wal.AppendRecord(rec)
	if err != nil {
		return fmt.Errorf("WAL write page %d: %w", id, err)
	}

	p.pool.mu.Lock()
	f, ok := p.pool.get(id)
	if !ok {
		f = &PageFrame{id: id, buf: make([]byte, p.pageSize)}
		p.pool.put(f)
	}
	copy(f.buf, buf)
	f.dirty = true
	f.lsn = lsn
	p.pool.mu.Unlock()

	return nil
}

// LogComponentOp appends a PUT_CO/REMOVE_CO record to the WAL within txID:
// a domain-level audit trail of a logical key/RID mutation, independent of
// and redundant with the page images WritePage already logs for the same
// operation. Never consulted by recovery to restore page state — only
// counted there — so a failure here never blocks durability of the page
// writes themselves; it does block the commit, since losing the audit
// trail silently would defeat its purpose.
func (p *Pager) LogComponentOp(txID TxID, typ WALRecordType, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := &WALRecord{Type: typ, TxID: txID, Data: data}
	_, err := p.wal.AppendRecord(rec)
	if err != nil {
		return fmt.Errorf("WAL write component-op: %w", err)
	}
	return nil
}

// ── Transaction management (C2 uses these to implement atomic operations) ──

// BeginTx starts a new transaction and writes a BEGIN record to the WAL.
func (p *Pager) BeginTx() (TxID, error) {
	p.mu.Lock()
	txID := p.ep.NextTxID
	p.ep.NextTxID++
	p.mu.Unlock()

	rec := &WALRecord{Type: WALRecordBegin, TxID: txID}
	if _, err := p.wal.AppendRecord(rec); err != nil {
		return 0, err
	}
	return txID, nil
}

// CommitTx writes a COMMIT record and fsyncs the WAL.
func (p *Pager) CommitTx(txID TxID) error {
	rec := &WALRecord{Type: WALRecordCommit, TxID: txID}
	if _, err := p.wal.AppendRecord(rec); err != nil {
		return err
	}
	return p.wal.Sync()
}

// AbortTx writes an ABORT record. Dirty pages for this tx are discarded on
// the next recovery or checkpoint.
func (p *Pager) AbortTx(txID TxID) error {
	rec := &WALRecord{Type: WALRecordAbort, TxID: txID}
	_, err := p.wal.AppendRecord(rec)
	return err
}

// ── Page allocation ───────────────────────────────────────────────────────

// AllocPage allocates a new page by extending the file and returns its id
// and a zeroed, pinned buffer.
func (p *Pager) AllocPage() (PageID, []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocPageLocked()
}

func (p *Pager) allocPageLocked() (PageID, []byte) {
	pid := p.ep.NextPageID
	p.ep.NextPageID++
	if int32(pid)+1 > p.ep.PagesSize {
		p.ep.PagesSize = int32(pid) + 1
	}
	buf := make([]byte, p.pageSize)
	f := &PageFrame{id: pid, buf: buf, pinned: 1}
	p.pool.mu.Lock()
	p.pool.put(f)
	p.pool.mu.Unlock()
	return pid, buf
}

// AllocPages is AllocPage called n times under one lock, handing out a run
// of fresh pages in one go (§4.7: "pages_size advanced atomically with
// the allocation, because two pages may be needed before filledUpTo
// catches up").
func (p *Pager) AllocPages(n int) ([]PageID, [][]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]PageID, n)
	bufs := make([][]byte, n)
	for i := 0; i < n; i++ {
		ids[i], bufs[i] = p.allocPageLocked()
	}
	return ids, bufs
}

// FilledUpTo returns C5's pages_size. It counts page 0, so it is one more
// than the highest page index in use, not that index itself.
func (p *Pager) FilledUpTo() int32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ep.PagesSize
}

// EntryPoint returns a copy of the in-memory entry-point page.
func (p *Pager) EntryPoint() EntryPoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return *p.ep
}

// UpdateEntryPoint mutates the in-memory entry-point page under the pager's
// lock. It does not write to disk by itself — FlushEntryPoint (or
// Checkpoint) does.
func (p *Pager) UpdateEntryPoint(fn func(ep *EntryPoint)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.ep)
}

// FlushEntryPoint WAL-logs the current entry-point page within txID. Put/
// Remove call this once per operation to persist the updated tree_size
// (and, every MIdBatchSize allocations, the m-id high-water mark).
func (p *Pager) FlushEntryPoint(txID TxID) error {
	p.mu.Lock()
	buf := MarshalEntryPoint(p.ep, p.pageSize)
	p.mu.Unlock()
	return p.WritePage(txID, EntryPointPageID, buf)
}

// ── Checkpoint ────────────────────────────────────────────────────────────

// Checkpoint flushes all dirty pages and the entry point to the main file,
// fsyncs it, then truncates the WAL. Driven either by Close or by a
// CheckpointScheduler (§11).
func (p *Pager) Checkpoint() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := &WALRecord{Type: WALRecordCheckpoint}
	lsn, err := p.wal.AppendRecord(rec)
	if err != nil {
		return err
	}
	if err := p.wal.Sync(); err != nil {
		return err
	}

	p.pool.mu.Lock()
	dirty := p.pool.dirtyPages()
	for _, f := range dirty {
		SetPageCRC(f.buf)
		if err := p.writePageRaw(f.id, f.buf); err != nil {
			p.pool.mu.Unlock()
			return fmt.Errorf("checkpoint flush page %d: %w", f.id, err)
		}
		f.dirty = false
	}
	p.pool.mu.Unlock()

	p.ep.CheckpointLSN = lsn
	epBuf := MarshalEntryPoint(p.ep, p.pageSize)
	if err := p.writePageRaw(EntryPointPageID, epBuf); err != nil {
		return fmt.Errorf("checkpoint entry-point: %w", err)
	}

	if err := p.file.Sync(); err != nil {
		return err
	}
	return p.wal.Truncate()
}

// PageSize returns the configured page size.
func (p *Pager) PageSize() int { return p.pageSize }

// Close performs a final checkpoint and closes all files.
func (p *Pager) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.Checkpoint(); err != nil {
		_ = p.wal.Close()
		_ = p.file.Close()
		return err
	}
	if err := p.wal.Close(); err != nil {
		_ = p.file.Close()
		return err
	}
	return p.file.Close()
}

// Path returns the main index file path.
func (p *Pager) Path() string { return p.path }

// WALPath returns the WAL file path.
func (p *Pager) WALPath() string { return p.walPath }
