package jbd

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/btree"

	"github.com/diskfs/go-jbd/blockcache"
	"github.com/diskfs/go-jbd/ext4"
)

// Journal is the live journal over an opened Fs. All entry points run to
// completion on the caller's goroutine; the end-of-write hook re-enters the
// journal on the same stack from within whichever call drove the cache
// flush. If concurrent filesystem operations are ever layered on top,
// commitTrans, SetBlockDirty, and endWrite must serialize behind a mutex;
// until then nothing here locks.
type Journal struct {
	fs    *Fs
	cache *blockcache.Cache
	ring  logRing

	// start is the oldest log block not yet checkpointed; last is the log
	// head where the next block is allocated. Both live in
	// [first, maxLen) and the log is empty when they meet.
	start uint32
	last  uint32

	transID      uint32 // oldest uncheckpointed transaction id
	allocTransID uint32 // next transaction id to assign

	blockSize uint32

	transQueue *list.List // submitted *Trans awaiting commit
	cpQueue    *list.List // committed *Trans awaiting checkpoint
	recs       *btree.BTreeG[*blockRec]

	metrics Metrics
}

// Trans is one transaction: a batch of block modifications committed to the
// log atomically.
type Trans struct {
	journal *Journal

	transID     uint32
	startIBlock uint32
	started     bool
	allocBlocks uint32

	dataCnt    uint32
	writtenCnt uint32

	bufs    *list.List // *jbdBuf
	revokes []uint64

	elem *list.Element // position on transQueue, then cpQueue
	onCP bool

	err error
}

// Err returns the first error delivered to the transaction by an end-write
// hook.
func (t *Trans) Err() error {
	return t.err
}

// jbdBuf pins one modified block: the cache buffer of its in-place home,
// the block record coordinating ownership, and the owning transaction. It is
// the journal's write hook on the buffer.
type jbdBuf struct {
	trans *Trans
	rec   *blockRec
	buf   *blockcache.Buffer
	elem  *list.Element // position in trans.bufs
}

// EndWrite implements blockcache.WriteHook.
func (jb *jbdBuf) EndWrite(_ *blockcache.Buffer, result error) {
	jb.trans.journal.endWrite(jb, result)
}

// Start brings up the live journal: the filesystem is flagged as needing
// recovery, the log is reset to empty, and the journal superblock is
// persisted.
func Start(jf *Fs) (*Journal, error) {
	fsSB := jf.fs.Superblock()
	fsSB.SetFeaturesIncompatible(fsSB.FeaturesIncompatible() | ext4.FeatureIncompatRecover)
	if err := jf.fs.WriteSuperblock(); err != nil {
		return nil, err
	}
	j := &Journal{
		fs:           jf,
		cache:        jf.fs.BlockCache(),
		ring:         logRing{first: jf.sb.first, maxLen: jf.sb.maxLen},
		start:        jf.sb.first,
		last:         jf.sb.first,
		transID:      1,
		allocTransID: 1,
		blockSize:    jf.sb.blockSize,
		transQueue:   list.New(),
		cpQueue:      list.New(),
		recs:         newBlockRecIndex(),
	}
	if err := j.writeSuperblock(); err != nil {
		return nil, err
	}
	return j, nil
}

// Stop commits and checkpoints everything outstanding, then records a clean
// shutdown: the filesystem's recover flag is cleared and the journal
// superblock's start and sequence are zeroed.
func (j *Journal) Stop() error {
	if err := j.CommitAll(); err != nil {
		return err
	}
	if err := j.Flush(); err != nil {
		return err
	}
	fsSB := j.fs.fs.Superblock()
	fsSB.SetFeaturesIncompatible(fsSB.FeaturesIncompatible() &^ ext4.FeatureIncompatRecover)
	if err := j.fs.fs.WriteSuperblock(); err != nil {
		return err
	}
	j.start = 0
	j.transID = 0
	return j.writeSuperblock()
}

// writeSuperblock persists the journal's position.
func (j *Journal) writeSuperblock() error {
	j.fs.sb.start = j.start
	j.fs.sb.sequence = j.transID
	return j.fs.writeSuperblock()
}

// Start and Last expose the log bounds for inspection.
func (j *Journal) Start() uint32 { return j.start }
func (j *Journal) Last() uint32  { return j.last }

// TransID returns the oldest uncheckpointed transaction id.
func (j *Journal) TransID() uint32 { return j.transID }

// NewTrans opens a transaction.
func (j *Journal) NewTrans() *Trans {
	return &Trans{journal: j, bufs: list.New()}
}

// Submit queues the transaction for commit.
func (j *Journal) Submit(t *Trans) {
	t.elem = j.transQueue.PushBack(t)
}

// CommitOne commits the oldest submitted transaction, if any.
func (j *Journal) CommitOne() error {
	front := j.transQueue.Front()
	if front == nil {
		return nil
	}
	t := front.Value.(*Trans)
	j.transQueue.Remove(front)
	t.elem = nil
	return j.commitTrans(t)
}

// CommitAll commits every submitted transaction in order.
func (j *Journal) CommitAll() error {
	for j.transQueue.Len() > 0 {
		if err := j.CommitOne(); err != nil {
			return err
		}
	}
	return nil
}

// Flush drives every checkpoint on the queue to completion, reclaiming log
// space. Each in-place write re-enters the journal through the end-write
// hook, which removes finished transactions from the head.
func (j *Journal) Flush() error {
	for j.cpQueue.Len() > 0 {
		t := j.cpQueue.Front().Value.(*Trans)
		for t.bufs.Len() > 0 {
			jb := t.bufs.Front().Value.(*jbdBuf)
			if err := j.cache.FlushBuffer(jb.buf); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetAccess prepares buf for modification under t. If another transaction
// still holds an unflushed journaled copy of the block, that copy is pushed
// to its in-place home first, so no buffer ever mixes two transactions'
// modifications.
func (t *Trans) GetAccess(buf *blockcache.Buffer) error {
	if jb, ok := buf.Hook().(*jbdBuf); ok && jb.trans != t {
		return t.journal.cache.FlushBuffer(buf)
	}
	return nil
}

// SetBlockDirty adds the buffer's block to the transaction. The buffer gains
// the journal's end-write hook and one reference, and a block record ties
// the LBA to t until the journaled copy reaches its in-place home.
func (t *Trans) SetBlockDirty(buf *blockcache.Buffer) error {
	j := t.journal
	if _, ok := buf.Hook().(*jbdBuf); ok {
		// already tracked by a transaction
		return j.cache.SetDirty(buf)
	}
	rec, err := j.claimBlockRec(t, buf.LBA())
	if err != nil {
		return err
	}
	jb := &jbdBuf{trans: t, rec: rec, buf: buf}
	rec.buf = buf
	if err := buf.SetHook(jb); err != nil {
		return err
	}
	j.cache.Retain(buf)
	jb.elem = t.bufs.PushBack(jb)
	t.dataCnt++
	return j.cache.SetDirty(buf)
}

// RevokeBlock records that the transaction invalidates any earlier journaled
// copy of the block.
func (t *Trans) RevokeBlock(lba uint64) {
	t.revokes = append(t.revokes, lba)
}

// TryRevokeBlock revokes a block the caller is freeing when another
// transaction holds the block's record. If that transaction's journaled copy
// is still live, it is flushed in-place first. A block with no record, or
// one whose record t already owns, is not revoked.
func (t *Trans) TryRevokeBlock(lba uint64) error {
	j := t.journal
	rec := j.lookupBlockRec(lba)
	if rec == nil || rec.trans == t {
		return nil
	}
	if rec.buf != nil {
		if err := j.cache.FlushBuffer(rec.buf); err != nil {
			return err
		}
	}
	t.RevokeBlock(lba)
	return nil
}

// Abort releases a transaction that will not be committed, reverting its
// buffers.
func (t *Trans) Abort() {
	if t.elem != nil {
		t.journal.transQueue.Remove(t.elem)
		t.elem = nil
	}
	t.journal.abortTrans(t, t.journal.last)
}

// allocBlock takes the next log block for t. When the head catches the
// tail, checkpointing is driven synchronously: the log never overflows,
// callers wait behind the flush instead.
func (j *Journal) allocBlock(t *Trans) (uint32, error) {
	iblock := j.last
	if !t.started {
		t.startIBlock = iblock
		t.started = true
	}
	j.last = j.ring.next(j.last)
	t.allocBlocks++
	if j.last == j.start {
		if err := j.Flush(); err != nil {
			return 0, err
		}
	}
	return iblock, nil
}

// commitTrans serializes t into the log: descriptor and data blocks, revoke
// blocks, then the commit block, all write-through so the commit record
// cannot precede what it commits. If writing any of these blocks fails, the
// transaction is reverted and the log head rewound; the on-disk log is
// unchanged as far as replay is concerned, since nothing past the old head
// was committed. A failure to persist the journal superblock once the
// commit block is down is returned without reverting the transaction.
func (j *Journal) commitTrans(t *Trans) error {
	t.transID = j.allocTransID
	savedLast := j.last

	if err := j.prepare(t); err != nil {
		j.abortTrans(t, savedLast)
		return fmt.Errorf("could not journal transaction %d: %w", t.transID, err)
	}
	if err := j.prepareRevoke(t); err != nil {
		j.abortTrans(t, savedLast)
		return fmt.Errorf("could not write revoke records for transaction %d: %w", t.transID, err)
	}
	if t.bufs.Len() == 0 && len(t.revokes) == 0 {
		// nothing made it into the log
		return nil
	}
	if err := j.writeCommit(t); err != nil {
		j.abortTrans(t, savedLast)
		return fmt.Errorf("could not write commit block for transaction %d: %w", t.transID, err)
	}
	j.allocTransID++
	j.metrics.TransCommitted.Add(1)
	log.WithFields(map[string]interface{}{
		"trans":  t.transID,
		"blocks": t.dataCnt,
		"revoke": len(t.revokes),
	}).Debug("transaction committed")

	if j.cpQueue.Len() > 0 {
		// the queue head governs journal.start; this transaction just
		// waits its turn
		t.elem = j.cpQueue.PushBack(t)
		t.onCP = true
		return nil
	}
	if t.dataCnt > 0 {
		j.start = t.startIBlock
		j.transID = t.transID
		if err := j.writeSuperblock(); err != nil {
			return err
		}
		t.elem = j.cpQueue.PushBack(t)
		t.onCP = true
		return nil
	}
	// pure revoke: nothing to checkpoint, the log space is reclaimable
	// the moment the commit block is down
	j.start = j.ring.advance(t.startIBlock, t.allocBlocks)
	j.transID = t.transID + 1
	return j.writeSuperblock()
}

// prepare writes t's buffered modifications into the log: descriptor blocks
// carrying tags, each followed by copies of the tagged blocks. Buffers whose
// cache-dirty bit was cleared since SetBlockDirty are dropped; their content
// already reached disk by other means.
func (j *Journal) prepare(t *Trans) error {
	sb := j.fs.sb

	var (
		desc        *blockcache.Buffer
		tagOff      int
		descLimit   int
		firstInDesc bool
		lastTagOff  = -1
		lastTag     tagInfo
	)

	// finalizeDesc re-encodes the final tag with LAST_TAG and writes the
	// descriptor through to the device.
	finalizeDesc := func() error {
		if desc == nil {
			return nil
		}
		if lastTagOff >= 0 {
			lastTag.last = true
			if _, err := writeTag(desc.Data[lastTagOff:descLimit], sb, &lastTag); err != nil {
				return err
			}
		}
		if err := j.cache.SetDirty(desc); err != nil {
			return err
		}
		err := j.cache.Put(desc)
		desc = nil
		lastTagOff = -1
		return err
	}

	for e := t.bufs.Front(); e != nil; {
		next := e.Next()
		jb := e.Value.(*jbdBuf)
		if !jb.buf.IsDirty() {
			t.bufs.Remove(e)
			jb.elem = nil
			_ = jb.buf.SetHook(nil)
			j.dropBlockRec(jb.rec, t)
			if err := j.cache.Put(jb.buf); err != nil {
				return err
			}
			t.dataCnt--
			e = next
			continue
		}

		ti := tagInfo{
			block:  jb.buf.LBA(),
			escape: binary.BigEndian.Uint32(jb.buf.Data[0:4]) == Magic,
		}
		for {
			if desc == nil {
				iblock, err := j.allocBlock(t)
				if err != nil {
					return err
				}
				if desc, err = j.fs.blockGetNoRead(iblock); err != nil {
					return err
				}
				for i := range desc.Data {
					desc.Data[i] = 0
				}
				h := header{blocktype: BlockTypeDescriptor, sequence: t.transID}
				h.toBytes(desc.Data[0:headerSize])
				tagOff = headerSize
				descLimit = int(j.blockSize)
				if sb.hasCSum() {
					descLimit -= blockTailSize
				}
				firstInDesc = true
			}
			ti.writeUUID = firstInDesc
			if firstInDesc {
				ti.uuid = sb.uuid
			}
			n, err := writeTag(desc.Data[tagOff:descLimit], sb, &ti)
			if err == errTagSpace {
				// descriptor full; start a fresh one
				if err := finalizeDesc(); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			lastTagOff = tagOff
			lastTag = ti
			tagOff += n
			firstInDesc = false
			break
		}

		dataIBlock, err := j.allocBlock(t)
		if err != nil {
			return err
		}
		dataBuf, err := j.fs.blockGetNoRead(dataIBlock)
		if err != nil {
			return err
		}
		copy(dataBuf.Data, jb.buf.Data)
		if ti.escape {
			// the copy's first word collided with the journal magic
			dataBuf.Data[0] = 0
			dataBuf.Data[1] = 0
			dataBuf.Data[2] = 0
			dataBuf.Data[3] = 0
		}
		if err := j.cache.SetDirty(dataBuf); err != nil {
			return err
		}
		if err := j.cache.Put(dataBuf); err != nil {
			return err
		}
		j.metrics.BlocksJournaled.Add(1)
		e = next
	}
	if err := finalizeDesc(); err != nil {
		return err
	}
	if t.bufs.Len() == 0 {
		// every buffer was dropped or had already been flushed through
		// the end-write hook; there is nothing left to checkpoint
		t.dataCnt = 0
		t.writtenCnt = 0
	}
	return nil
}

// prepareRevoke writes t's revoke list as one or more revoke blocks, packing
// big-endian block numbers after the revoke header.
func (j *Journal) prepareRevoke(t *Trans) error {
	if len(t.revokes) == 0 {
		return nil
	}
	sb := j.fs.sb
	recSize := sb.revokeRecordBytes()
	limit := int(j.blockSize)
	if sb.hasCSum() {
		limit -= blockTailSize
	}

	var (
		rb  *blockcache.Buffer
		off int
	)
	finalize := func() error {
		if rb == nil {
			return nil
		}
		binary.BigEndian.PutUint32(rb.Data[0xc:0x10], uint32(off))
		if err := j.cache.SetDirty(rb); err != nil {
			return err
		}
		err := j.cache.Put(rb)
		rb = nil
		return err
	}

	for _, lba := range t.revokes {
		if rb != nil && off+recSize > limit {
			if err := finalize(); err != nil {
				return err
			}
		}
		if rb == nil {
			iblock, err := j.allocBlock(t)
			if err != nil {
				return err
			}
			if rb, err = j.fs.blockGetNoRead(iblock); err != nil {
				return err
			}
			for i := range rb.Data {
				rb.Data[i] = 0
			}
			h := header{blocktype: BlockTypeRevoke, sequence: t.transID}
			h.toBytes(rb.Data[0:headerSize])
			off = revokeHeaderSize
		}
		if recSize == 8 {
			binary.BigEndian.PutUint64(rb.Data[off:off+8], lba)
		} else {
			binary.BigEndian.PutUint32(rb.Data[off:off+4], uint32(lba))
		}
		off += recSize
		j.metrics.RevokesWritten.Add(1)
	}
	return finalize()
}

// writeCommit appends the commit block that makes t durable.
func (j *Journal) writeCommit(t *Trans) error {
	iblock, err := j.allocBlock(t)
	if err != nil {
		return err
	}
	buf, err := j.fs.blockGetNoRead(iblock)
	if err != nil {
		return err
	}
	writeCommitBlock(buf.Data, t.transID, time.Now())
	if err := j.cache.SetDirty(buf); err != nil {
		return err
	}
	return j.cache.Put(buf)
}

// abortTrans reverts a transaction: every buffer is dissociated from the
// journal and released, block records are dropped, and the log head is
// rewound to where the commit began. Log blocks already written past the old
// head are logically dead; the next commit overwrites them.
func (j *Journal) abortTrans(t *Trans, savedLast uint32) {
	for t.bufs.Len() > 0 {
		e := t.bufs.Front()
		jb := e.Value.(*jbdBuf)
		t.bufs.Remove(e)
		jb.elem = nil
		_ = jb.buf.SetHook(nil)
		j.dropBlockRec(jb.rec, t)
		_ = j.cache.Put(jb.buf)
	}
	j.last = savedLast
	t.allocBlocks = 0
	t.started = false
	j.metrics.TransAborted.Add(1)
}

// endWrite runs when a journaled block's in-place write completes. It is
// what advances the persisted journal start past checkpointed transactions:
// the start never advances past a block whose in-place write has not
// finished.
func (j *Journal) endWrite(jb *jbdBuf, result error) {
	t := jb.trans
	if result != nil && t.err == nil {
		t.err = result
	}
	isHead := t.onCP && j.cpQueue.Front() != nil && j.cpQueue.Front().Value.(*Trans) == t

	if jb.elem != nil {
		t.bufs.Remove(jb.elem)
		jb.elem = nil
	}
	if jb.rec != nil {
		jb.rec.buf = nil
		j.dropBlockRec(jb.rec, t)
		jb.rec = nil
	}
	_ = jb.buf.SetHook(nil)
	_ = j.cache.Put(jb.buf)

	t.writtenCnt++
	if t.writtenCnt != t.dataCnt || !t.onCP {
		return
	}

	j.cpQueue.Remove(t.elem)
	t.elem = nil
	t.onCP = false
	j.metrics.Checkpoints.Add(1)
	if !isHead {
		return
	}

	j.start = j.ring.advance(t.startIBlock, t.allocBlocks)
	j.transID = t.transID + 1
	// transactions with nothing left to checkpoint follow the head out
	for j.cpQueue.Len() > 0 {
		head := j.cpQueue.Front().Value.(*Trans)
		if head.dataCnt != 0 {
			j.start = head.startIBlock
			break
		}
		j.cpQueue.Remove(head.elem)
		head.elem = nil
		head.onCP = false
		j.start = j.ring.advance(head.startIBlock, head.allocBlocks)
		j.transID = head.transID + 1
	}
	if err := j.writeSuperblock(); err != nil && t.err == nil {
		t.err = err
	}
}
