package ridtree

import (
	"fmt"
	"log"
)

// ───────────────────────────────────────────────────────────────────────────
// Crash Recovery
// ───────────────────────────────────────────────────────────────────────────
//
// Recovery reads the WAL from the beginning and replays only fully
// committed transactions whose page images have an LSN greater than the
// entry point's checkpoint LSN. Uncommitted/aborted transactions are
// discarded.
//
// Algorithm:
//   1. Read all WAL records.
//   2. Build a map TxID → list of PAGE_IMAGE records.
//   3. Track which TxIDs have a COMMIT record (committed set).
//   4. For each committed TX, apply PAGE_IMAGE records whose LSN exceeds
//      the entry point's checkpoint LSN.
//   5. Fsync the database file.
//   6. Update and flush the entry point with the new checkpoint LSN.
//   7. Truncate the WAL.

// Recover replays the WAL and applies committed transactions.
func (p *Pager) Recover() error {
	records, err := ReadAllRecords(p.walPath)
	if err != nil {
		return fmt.Errorf("recover read WAL: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	type txRecords struct {
		pages     []*WALRecord
		committed bool
		aborted   bool
	}
	txMap := make(map[TxID]*txRecords)

	var maxLSN LSN
	var maxTxID TxID
	var componentOps int

	for _, rec := range records {
		if rec.LSN > maxLSN {
			maxLSN = rec.LSN
		}
		if rec.TxID > maxTxID {
			maxTxID = rec.TxID
		}

		switch rec.Type {
		case WALRecordBegin:
			txMap[rec.TxID] = &txRecords{}
		case WALRecordPageImage:
			tr, ok := txMap[rec.TxID]
			if !ok {
				tr = &txRecords{}
				txMap[rec.TxID] = tr
			}
			tr.pages = append(tr.pages, rec)
		case WALRecordCommit:
			if tr, ok := txMap[rec.TxID]; ok {
				tr.committed = true
			}
		case WALRecordAbort:
			if tr, ok := txMap[rec.TxID]; ok {
				tr.aborted = true
			}
		case WALRecordCheckpoint:
			// All transactions before this point are already on disk.
		case WALRecordPutCO, WALRecordRemoveCO:
			// Page state is reconstructed from PAGE_IMAGE records alone;
			// these are only an audit trail, so recovery just counts them.
			componentOps++
		}
	}

	var applied int
	for _, tr := range txMap {
		if !tr.committed || tr.aborted {
			continue
		}
		for _, rec := range tr.pages {
			if rec.LSN <= p.ep.CheckpointLSN {
				continue
			}
			if err := p.writePageRaw(rec.PageID, rec.Data); err != nil {
				return fmt.Errorf("recover apply page %d: %w", rec.PageID, err)
			}
			applied++
		}
	}

	if applied > 0 {
		if err := p.file.Sync(); err != nil {
			return err
		}

		p.ep.CheckpointLSN = maxLSN
		if maxTxID+1 > p.ep.NextTxID {
			p.ep.NextTxID = maxTxID + 1
		}

		for _, tr := range txMap {
			if !tr.committed {
				continue
			}
			for _, rec := range tr.pages {
				if rec.PageID+1 > p.ep.NextPageID {
					p.ep.NextPageID = rec.PageID + 1
				}
				if int32(rec.PageID)+1 > p.ep.PagesSize {
					p.ep.PagesSize = int32(rec.PageID) + 1
				}
			}
		}

		epBuf := MarshalEntryPoint(p.ep, p.pageSize)
		if err := p.writePageRaw(EntryPointPageID, epBuf); err != nil {
			return fmt.Errorf("recover entry-point: %w", err)
		}
		if err := p.file.Sync(); err != nil {
			return err
		}
	}

	if componentOps > 0 {
		log.Printf("[ridtree] recovery replayed %d page image(s), skipped %d component-op audit record(s)", applied, componentOps)
	}

	p.wal.SetNextLSN(maxLSN + 1)
	return p.wal.Truncate()
}
