package ridtree

import (
	"path/filepath"
	"testing"
)

func openTestPager(t *testing.T) *Pager {
	t.Helper()
	dir := t.TempDir()
	p, err := OpenPager(PagerConfig{
		DBPath:   filepath.Join(dir, "test.db"),
		WALPath:  filepath.Join(dir, "test.wal"),
		PageSize: DefaultPageSize,
	})
	if err != nil {
		t.Fatalf("OpenPager: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPagerCreatesEntryPoint(t *testing.T) {
	p := openTestPager(t)
	ep := p.EntryPoint()
	if ep.PagesSize < 1 {
		t.Fatalf("expected at least the entry-point page, got PagesSize=%d", ep.PagesSize)
	}
	if ep.NextPageID < 1 {
		t.Fatalf("expected NextPageID to start past the entry-point page, got %d", ep.NextPageID)
	}
}

func TestPagerAllocWriteReadRoundTrip(t *testing.T) {
	p := openTestPager(t)

	pid, buf := p.AllocPage()
	copy(buf, []byte("hello ridtree"))

	txID, err := p.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	if err := p.WritePage(txID, pid, buf); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := p.CommitTx(txID); err != nil {
		t.Fatalf("CommitTx: %v", err)
	}
	p.UnpinPage(pid)

	got, err := p.ReadPage(pid)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	defer p.UnpinPage(pid)
	if string(got[:13]) != "hello ridtree" {
		t.Fatalf("round-trip mismatch: got %q", got[:13])
	}
}

func TestPagerCheckpointTruncatesWAL(t *testing.T) {
	p := openTestPager(t)

	pid, buf := p.AllocPage()
	txID, err := p.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	if err := p.WritePage(txID, pid, buf); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := p.CommitTx(txID); err != nil {
		t.Fatalf("CommitTx: %v", err)
	}
	p.UnpinPage(pid)

	if err := p.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	records, err := ReadAllRecords(p.WALPath())
	if err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected WAL truncated to just the header after checkpoint, found %d records", len(records))
	}

	ep := p.EntryPoint()
	if ep.CheckpointLSN == 0 {
		t.Fatalf("expected CheckpointLSN to advance past zero")
	}
}

func TestPagerReopenRecoversWrittenPage(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "reopen.db")
	walPath := filepath.Join(dir, "reopen.wal")

	p1, err := OpenPager(PagerConfig{DBPath: dbPath, WALPath: walPath, PageSize: DefaultPageSize})
	if err != nil {
		t.Fatalf("OpenPager: %v", err)
	}
	pid, buf := p1.AllocPage()
	copy(buf, []byte("durable"))
	txID, _ := p1.BeginTx()
	if err := p1.WritePage(txID, pid, buf); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := p1.CommitTx(txID); err != nil {
		t.Fatalf("CommitTx: %v", err)
	}
	p1.UnpinPage(pid)
	// Close() itself checkpoints, so this only proves the page round-trips
	// through the main file. TestPagerCrashRecoveryReplaysWAL below is the
	// one that actually exercises Recover().
	if err := p1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p2, err := OpenPager(PagerConfig{DBPath: dbPath, WALPath: walPath, PageSize: DefaultPageSize})
	if err != nil {
		t.Fatalf("reopen OpenPager: %v", err)
	}
	defer p2.Close()

	got, err := p2.ReadPage(pid)
	if err != nil {
		t.Fatalf("ReadPage after reopen: %v", err)
	}
	defer p2.UnpinPage(pid)
	if string(got[:7]) != "durable" {
		t.Fatalf("expected recovered page content, got %q", got[:7])
	}
}

// TestPagerCrashRecoveryReplaysWAL simulates a crash by tearing down the
// file handles directly (bypassing Pager.Close's own checkpoint), so the
// only durable record of the write is the WAL. Reopening must replay it.
func TestPagerCrashRecoveryReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "crash.db")
	walPath := filepath.Join(dir, "crash.wal")

	p1, err := OpenPager(PagerConfig{DBPath: dbPath, WALPath: walPath, PageSize: DefaultPageSize})
	if err != nil {
		t.Fatalf("OpenPager: %v", err)
	}
	pid, buf := p1.AllocPage()
	// Past the page header, whose CRC field WritePage overwrites.
	copy(buf[PageHeaderSize:], []byte("crashed-but-durable"))
	txID, err := p1.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	if err := p1.WritePage(txID, pid, buf); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := p1.CommitTx(txID); err != nil {
		t.Fatalf("CommitTx: %v", err)
	}
	p1.UnpinPage(pid)
	// Simulate an unclean shutdown: close the raw files without running
	// Pager.Close's checkpoint, so the page image lives only in the WAL.
	if err := p1.wal.Close(); err != nil {
		t.Fatalf("wal.Close: %v", err)
	}
	if err := p1.file.Close(); err != nil {
		t.Fatalf("file.Close: %v", err)
	}

	p2, err := OpenPager(PagerConfig{DBPath: dbPath, WALPath: walPath, PageSize: DefaultPageSize})
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer p2.Close()

	got, err := p2.ReadPage(pid)
	if err != nil {
		t.Fatalf("ReadPage after crash recovery: %v", err)
	}
	defer p2.UnpinPage(pid)
	if string(got[PageHeaderSize:PageHeaderSize+19]) != "crashed-but-durable" {
		t.Fatalf("expected WAL-recovered page content, got %q", got[PageHeaderSize:PageHeaderSize+19])
	}

	records, err := ReadAllRecords(p2.WALPath())
	if err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected WAL truncated after recovery, found %d records", len(records))
	}
}

