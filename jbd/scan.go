package jbd

import (
	"errors"

	"github.com/google/uuid"
)

// TagRecord is one descriptor tag as read from the log.
type TagRecord struct {
	// Block is the in-place destination; 0 for an escaped tag, which
	// replay treats as a filesystem superblock image
	Block  uint64
	Escape bool
	// UUID is set when the tag carried its UUID inline rather than
	// SAME_UUID
	UUID    *uuid.UUID
	Last    bool
	// DataIBlock is the journal-relative block holding the journaled copy
	DataIBlock uint32
}

// LogRecord is one record of the log: a descriptor with its tags, a commit,
// or a revoke block.
type LogRecord struct {
	// IBlock is the journal-relative block the record starts at
	IBlock  uint32
	TransID uint32
	Type    BlockType
	// Tags is populated for descriptor records
	Tags []TagRecord
	// Revoked is populated for revoke records
	Revoked []uint64
}

// ScanLog walks the log the way the recovery scan pass does — from start,
// stopping at the first block that breaks the magic or sequence chain —
// without replaying anything, and hands each record to visit. Returning
// false from visit stops the walk. A clean journal yields no records.
// Returns the log's starting sequence and the last complete transaction id
// (the starting sequence when no commit block was seen), as the recovery
// scan pass records them.
func (jf *Fs) ScanLog(visit func(rec LogRecord) bool) (startTransID, lastTransID uint32, err error) {
	sb := jf.sb
	if sb.start == 0 {
		return sb.sequence, sb.sequence, nil
	}
	ring := logRing{first: sb.first, maxLen: sb.maxLen}
	block := sb.start
	transID := sb.sequence
	sawCommit := false

loop:
	for {
		b, rerr := jf.ReadLogBlock(block)
		if rerr != nil {
			return 0, 0, rerr
		}
		h, herr := headerFromBytes(b)
		if herr != nil {
			if errors.Is(herr, errNotJournalBlock) {
				break
			}
			return 0, 0, herr
		}
		if h.sequence != transID {
			break
		}

		rec := LogRecord{IBlock: block, TransID: transID, Type: h.blocktype}
		switch h.blocktype {
		case BlockTypeDescriptor:
			terr := forEachTag(b[headerSize:], sb, func(t *tagInfo) error {
				block = ring.next(block)
				tr := TagRecord{
					Block:      t.block,
					Escape:     t.escape,
					Last:       t.last,
					DataIBlock: block,
				}
				if t.writeUUID {
					u := uuid.UUID(t.uuid)
					tr.UUID = &u
				}
				rec.Tags = append(rec.Tags, tr)
				return nil
			})
			if terr != nil {
				return 0, 0, terr
			}
		case BlockTypeCommit:
			sawCommit = true
			transID++
		case BlockTypeRevoke:
			revoked, perr := parseRevokeBlock(b, sb)
			if perr != nil {
				return 0, 0, perr
			}
			rec.Revoked = revoked
		default:
			break loop
		}
		if !visit(rec) {
			break
		}
		block = ring.next(block)
		if block == sb.start {
			break
		}
	}

	lastTransID = transID
	if sawCommit {
		lastTransID = transID - 1
	}
	return sb.sequence, lastTransID, nil
}
