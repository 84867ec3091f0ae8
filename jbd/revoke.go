package jbd

import "github.com/google/btree"

// revokeEntry records that block was revoked in transID. Replay builds these
// during the revoke pass and consults them during recovery.
type revokeEntry struct {
	block   uint64
	transID uint32
}

// revokeIndex is an ordered map from block number to the highest transaction
// id that revoked it.
type revokeIndex struct {
	tree *btree.BTreeG[revokeEntry]
}

func newRevokeIndex() *revokeIndex {
	return &revokeIndex{
		tree: btree.NewG(8, func(a, b revokeEntry) bool { return a.block < b.block }),
	}
}

// insert records a revocation. An existing entry is overwritten; the revoke
// pass feeds trans ids in non-decreasing order, so the latest revocation
// wins.
func (r *revokeIndex) insert(block uint64, transID uint32) {
	r.tree.ReplaceOrInsert(revokeEntry{block: block, transID: transID})
}

// lookup returns the revocation entry for block, if any.
func (r *revokeIndex) lookup(block uint64) (revokeEntry, bool) {
	return r.tree.Get(revokeEntry{block: block})
}

// blockApplicable reports whether a journaled copy of block written by
// transID may be applied during recovery: yes unless a later transaction
// revoked the block.
func (r *revokeIndex) blockApplicable(block uint64, transID uint32) bool {
	e, ok := r.lookup(block)
	if !ok {
		return true
	}
	return transID >= e.transID
}

func (r *revokeIndex) len() int {
	return r.tree.Len()
}

func (r *revokeIndex) clear() {
	r.tree.Clear(false)
}
