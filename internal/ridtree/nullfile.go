package ridtree

import (
	"os"
	"sync"
)

// ───────────────────────────────────────────────────────────────────────────
// Null-bucket file store
// ───────────────────────────────────────────────────────────────────────────
//
// The null bucket (C6) is a single fixed-size page: it never splits and
// never grows, so it gets its own tiny file with a direct read-modify-
// write-fsync cycle instead of going through the full Pager/WAL machinery
// built for the main index file's many pages and concurrent transactions.
// That machinery's buffer pool and page-image WAL records exist
// to make a multi-page, growing structure durable and cacheable; a single
// page gains nothing from them. Durability here comes from fsync on every
// write, which is sufficient since there is exactly one page to make
// consistent.
type nullFileStore struct {
	mu       sync.Mutex
	file     *os.File
	pageSize int
}

// openNullFileStore opens (or creates) the null-bucket file at path.
func openNullFileStore(path string, pageSize int) (*nullFileStore, error) {
	isNew := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		isNew = true
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if isNew {
		buf := make([]byte, pageSize)
		InitNullBucketPage(buf)
		SetPageCRC(buf)
		if _, err := f.WriteAt(buf, 0); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &nullFileStore{file: f, pageSize: pageSize}, nil
}

// Read loads the current null-bucket page.
func (s *nullFileStore) Read() (*NullBucketPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, s.pageSize)
	if _, err := s.file.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	if err := VerifyPageCRC(buf); err != nil {
		return nil, err
	}
	return WrapNullBucketPage(buf), nil
}

// Write persists np and fsyncs.
func (s *nullFileStore) Write(np *NullBucketPage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	SetPageCRC(np.Bytes())
	if _, err := s.file.WriteAt(np.Bytes(), 0); err != nil {
		return err
	}
	return s.file.Sync()
}

// Close closes the underlying file.
func (s *nullFileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
