package jbd

import (
	"errors"
	"fmt"

	"github.com/diskfs/go-jbd/ext4"
)

// Replay runs in three passes over the same log span. The scan pass finds
// where the log ends, the revoke pass collects revocations, and the recover
// pass writes journaled copies back to their in-place homes.
type recoveryPass int

const (
	passScan recoveryPass = iota
	passRevoke
	passRecover
)

type recoveryInfo struct {
	startTransID uint32
	lastTransID  uint32
	revoke       *revokeIndex
	replayed     int
	skipped      int
}

// Recover replays any transactions left in the log. A clean journal
// (start 0) returns immediately. On success the filesystem superblock's
// recover flag is cleared, the journal superblock's start is zeroed, and
// both are written out.
func (jf *Fs) Recover() error {
	if jf.sb.start == 0 {
		return nil
	}
	info := &recoveryInfo{revoke: newRevokeIndex()}
	defer info.revoke.clear()

	if err := jf.iterateLog(info, passScan); err != nil {
		return err
	}
	log.WithFields(map[string]interface{}{
		"start":       jf.sb.start,
		"first_trans": info.startTransID,
		"last_trans":  info.lastTransID,
	}).Debug("replaying journal")
	if err := jf.iterateLog(info, passRevoke); err != nil {
		return err
	}
	if err := jf.iterateLog(info, passRecover); err != nil {
		return err
	}
	log.WithFields(map[string]interface{}{
		"replayed": info.replayed,
		"skipped":  info.skipped,
		"revoked":  info.revoke.len(),
	}).Debug("journal replay complete")

	fsSB := jf.fs.Superblock()
	fsSB.SetFeaturesIncompatible(fsSB.FeaturesIncompatible() &^ ext4.FeatureIncompatRecover)
	if err := jf.fs.WriteSuperblock(); err != nil {
		return err
	}
	jf.sb.start = 0
	jf.dirty = true
	return jf.writeSuperblock()
}

// iterateLog walks the log from sb.start, expecting sb.sequence, dispatching
// each block by type for the given pass. The walk ends at a block without
// the journal magic, at an unknown block type, after a full lap, in the
// revoke and recover passes once the expected transaction id passes the
// last complete one the scan pass recorded, or — in the scan pass only — at
// a sequence mismatch. A sequence mismatch in a later pass, before that
// bound, means the log changed under us and is fatal.
func (jf *Fs) iterateLog(info *recoveryInfo, pass recoveryPass) error {
	sb := jf.sb
	ring := logRing{first: sb.first, maxLen: sb.maxLen}
	block := sb.start
	transID := sb.sequence
	sawCommit := false

	for {
		if pass != passScan && transID > info.lastTransID {
			// past the last complete transaction the scan pass found
			break
		}
		b, err := jf.ReadLogBlock(block)
		if err != nil {
			return err
		}
		h, err := headerFromBytes(b)
		if err != nil {
			if errors.Is(err, errNotJournalBlock) {
				break
			}
			return err
		}
		if h.sequence != transID {
			if pass == passScan {
				break
			}
			return fmt.Errorf("%w: expected sequence %d at log block %d, found %d", ErrCorrupt, transID, block, h.sequence)
		}

		endOfLog := false
		switch h.blocktype {
		case BlockTypeDescriptor:
			if err := jf.replayDescriptor(info, pass, b, &block, ring, transID); err != nil {
				return err
			}
		case BlockTypeCommit:
			sawCommit = true
			transID++
		case BlockTypeRevoke:
			if pass == passRevoke {
				blocks, err := parseRevokeBlock(b, sb)
				if err != nil {
					return err
				}
				for _, lba := range blocks {
					info.revoke.insert(lba, transID)
				}
			}
		default:
			endOfLog = true
		}
		if endOfLog {
			break
		}
		block = ring.next(block)
		if block == sb.start {
			break
		}
	}

	if pass == passScan {
		info.startTransID = sb.sequence
		if sawCommit {
			info.lastTransID = transID - 1
		} else {
			info.lastTransID = transID
		}
	}
	return nil
}

// replayDescriptor walks a descriptor block's tags. Each tag owns the next
// log block; block is advanced past the data blocks so the caller's loop
// resumes after them. In the recover pass each journaled copy is written to
// its in-place home unless a later transaction revoked the block.
func (jf *Fs) replayDescriptor(info *recoveryInfo, pass recoveryPass, b []byte, block *uint32, ring logRing, transID uint32) error {
	return forEachTag(b[headerSize:], jf.sb, func(t *tagInfo) error {
		*block = ring.next(*block)
		if pass != passRecover {
			return nil
		}
		if !info.revoke.blockApplicable(t.block, transID) {
			info.skipped++
			return nil
		}
		data, err := jf.ReadLogBlock(*block)
		if err != nil {
			return err
		}
		info.replayed++
		if t.block == 0 {
			// escaped tag: the journaled block carries a filesystem
			// superblock image
			return jf.replaySuperblock(data)
		}
		return jf.replayBlock(t.block, data)
	})
}

// replayBlock copies a journaled block over its in-place home through the
// block cache.
func (jf *Fs) replayBlock(lba uint64, data []byte) error {
	cache := jf.fs.BlockCache()
	buf, err := cache.GetNoRead(lba)
	if err != nil {
		return err
	}
	copy(buf.Data, data)
	if err := cache.SetDirty(buf); err != nil {
		_ = cache.Put(buf)
		return err
	}
	if err := cache.FlushBuffer(buf); err != nil {
		_ = cache.Put(buf)
		return err
	}
	return cache.Put(buf)
}

// replaySuperblock applies a journaled superblock image to the in-memory
// filesystem superblock, keeping the live state and mount count, and writes
// it out.
func (jf *Fs) replaySuperblock(data []byte) error {
	off := int(ext4.Superblock0Offset)
	if len(data) < off+ext4.SuperblockSize {
		return fmt.Errorf("%w: journaled superblock image in %d-byte block", ErrCorrupt, len(data))
	}
	if err := jf.fs.Superblock().ReplaceFrom(data[off : off+ext4.SuperblockSize]); err != nil {
		return err
	}
	return jf.fs.WriteSuperblock()
}
