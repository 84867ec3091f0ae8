package jbd

import (
	"github.com/google/btree"

	"github.com/diskfs/go-jbd/blockcache"
)

// blockRec tracks the newest uncheckpointed journaled copy of one in-place
// block: which transaction owns it and, until the copy reaches its in-place
// home, the cache buffer carrying it. At most one record exists per LBA.
type blockRec struct {
	lba   uint64
	trans *Trans
	buf   *blockcache.Buffer
}

func newBlockRecIndex() *btree.BTreeG[*blockRec] {
	return btree.NewG(8, func(a, b *blockRec) bool { return a.lba < b.lba })
}

// lookupBlockRec returns the record for lba, or nil.
func (j *Journal) lookupBlockRec(lba uint64) *blockRec {
	rec, ok := j.recs.Get(&blockRec{lba: lba})
	if !ok {
		return nil
	}
	return rec
}

// claimBlockRec gives t the record for lba, creating one if none exists. A
// record whose buffer has already been flushed transfers to t; a record
// still carrying another transaction's live buffer must have been flushed
// through GetAccess first.
func (j *Journal) claimBlockRec(t *Trans, lba uint64) (*blockRec, error) {
	rec := j.lookupBlockRec(lba)
	if rec != nil && rec.trans != t && rec.buf != nil {
		// the other transaction's copy has not reached disk; push it
		// there before taking over. The end-write hook this triggers
		// may free the record, so look it up again.
		if err := j.cache.FlushBuffer(rec.buf); err != nil {
			return nil, err
		}
		rec = j.lookupBlockRec(lba)
	}
	if rec == nil {
		rec = &blockRec{lba: lba, trans: t}
		j.recs.ReplaceOrInsert(rec)
		return rec, nil
	}
	rec.trans = t
	return rec, nil
}

// dropBlockRec removes the record if t still owns it. A later transaction
// that re-dirtied the block has taken the record over, in which case it
// stays.
func (j *Journal) dropBlockRec(rec *blockRec, t *Trans) {
	if rec == nil || rec.trans != t {
		return
	}
	j.recs.Delete(rec)
}
