package jbd

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/diskfs/go-jbd/jbd/crc"
)

// BlockType identifies a journal block by its header.
type BlockType uint32

const (
	BlockTypeDescriptor   BlockType = 1
	BlockTypeCommit       BlockType = 2
	BlockTypeSuperblockV1 BlockType = 3
	BlockTypeSuperblockV2 BlockType = 4
	BlockTypeRevoke       BlockType = 5
)

func (t BlockType) String() string {
	switch t {
	case BlockTypeDescriptor:
		return "descriptor"
	case BlockTypeCommit:
		return "commit"
	case BlockTypeSuperblockV1:
		return "superblock v1"
	case BlockTypeSuperblockV2:
		return "superblock v2"
	case BlockTypeRevoke:
		return "revoke"
	}
	return fmt.Sprintf("unknown (%d)", uint32(t))
}

const (
	// Magic is the journal magic number, shared with ext3/4 jbd2.
	Magic uint32 = 0xc03b3998

	// SuperblockSize is the on-disk size of the journal superblock.
	SuperblockSize = 1024

	headerSize = 12

	// blockTailSize is the checksum trailer reserved at the end of
	// descriptor and revoke blocks when a checksum feature is on.
	blockTailSize = 12

	// revokeHeaderSize is the standard header plus the count field.
	revokeHeaderSize = headerSize + 4

	tag3Size = 16
)

// journal feature flags
const (
	featureCompatChecksum uint32 = 0x1

	featureIncompatRevoke      uint32 = 0x1
	FeatureIncompat64Bit       uint32 = 0x2
	featureIncompatAsyncCommit uint32 = 0x4
	FeatureIncompatCSumV2      uint32 = 0x8
	FeatureIncompatCSumV3      uint32 = 0x10
)

// descriptor tag flags
const (
	tagFlagEscape   uint16 = 0x1
	tagFlagSameUUID uint16 = 0x2
	tagFlagDeleted  uint16 = 0x4
	tagFlagLast     uint16 = 0x8
)

// header is the common 12-byte header of every journal block.
type header struct {
	blocktype BlockType
	sequence  uint32
}

// headerFromBytes parses a journal block header. A magic mismatch returns
// errNotJournalBlock, which replay treats as the end of the log.
func headerFromBytes(b []byte) (*header, error) {
	if len(b) < headerSize {
		return nil, fmt.Errorf("cannot read journal header from %d bytes, need at least %d", len(b), headerSize)
	}
	if binary.BigEndian.Uint32(b[0x0:0x4]) != Magic {
		return nil, errNotJournalBlock
	}
	return &header{
		blocktype: BlockType(binary.BigEndian.Uint32(b[0x4:0x8])),
		sequence:  binary.BigEndian.Uint32(b[0x8:0xc]),
	}, nil
}

func (h *header) toBytes(b []byte) {
	binary.BigEndian.PutUint32(b[0x0:0x4], Magic)
	binary.BigEndian.PutUint32(b[0x4:0x8], uint32(h.blocktype))
	binary.BigEndian.PutUint32(b[0x8:0xc], h.sequence)
}

// Superblock is the journal superblock. The raw 1024 bytes read from disk
// are retained; ToBytes re-emits the parsed fields over them, so fields this
// package does not interpret (user records, padding, a checksum written by
// another implementation) round-trip untouched.
type Superblock struct {
	raw [SuperblockSize]byte

	blocktype BlockType

	blockSize        uint32
	maxLen           uint32
	first            uint32
	sequence         uint32
	start            uint32
	errno            uint32
	featureCompat    uint32
	featureIncompat  uint32
	featureROCompat  uint32
	uuid             uuid.UUID
	nrUsers          uint32
	dynsuper         uint32
	maxTransaction   uint32
	maxTransData     uint32
	checksumType     byte
}

// SuperblockFromBytes parses and validates a journal superblock.
func SuperblockFromBytes(b []byte) (*Superblock, error) {
	if len(b) != SuperblockSize {
		return nil, fmt.Errorf("cannot read journal superblock from %d bytes, expected %d: %w", len(b), SuperblockSize, ErrInvalidSuperblock)
	}
	h, err := headerFromBytes(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSuperblock, err)
	}
	if h.blocktype != BlockTypeSuperblockV1 && h.blocktype != BlockTypeSuperblockV2 {
		return nil, fmt.Errorf("%w: expected superblock type (3 or 4), got %d", ErrInvalidSuperblock, h.blocktype)
	}
	sb := &Superblock{
		blocktype: h.blocktype,
		blockSize: binary.BigEndian.Uint32(b[0xc:0x10]),
		maxLen:    binary.BigEndian.Uint32(b[0x10:0x14]),
		first:     binary.BigEndian.Uint32(b[0x14:0x18]),
		sequence:  binary.BigEndian.Uint32(b[0x18:0x1c]),
		start:     binary.BigEndian.Uint32(b[0x1c:0x20]),
		errno:     binary.BigEndian.Uint32(b[0x20:0x24]),
	}
	copy(sb.raw[:], b)
	if h.blocktype == BlockTypeSuperblockV2 {
		sb.featureCompat = binary.BigEndian.Uint32(b[0x24:0x28])
		sb.featureIncompat = binary.BigEndian.Uint32(b[0x28:0x2c])
		sb.featureROCompat = binary.BigEndian.Uint32(b[0x2c:0x30])
		copy(sb.uuid[:], b[0x30:0x40])
		sb.nrUsers = binary.BigEndian.Uint32(b[0x40:0x44])
		sb.dynsuper = binary.BigEndian.Uint32(b[0x44:0x48])
		sb.maxTransaction = binary.BigEndian.Uint32(b[0x48:0x4c])
		sb.maxTransData = binary.BigEndian.Uint32(b[0x4c:0x50])
		sb.checksumType = b[0x50]
	}
	return sb, nil
}

// ToBytes serializes the superblock. No checksum is computed: the write path
// of this implementation emits whatever checksum bytes were read, zeroes for
// a freshly created journal. Strict CSUM_V2/V3 readers will reject such a
// superblock; readers that tolerate zero checksums accept it.
func (sb *Superblock) ToBytes() []byte {
	b := make([]byte, SuperblockSize)
	copy(b, sb.raw[:])
	h := header{blocktype: sb.blocktype}
	h.toBytes(b[0x0:0xc])
	binary.BigEndian.PutUint32(b[0xc:0x10], sb.blockSize)
	binary.BigEndian.PutUint32(b[0x10:0x14], sb.maxLen)
	binary.BigEndian.PutUint32(b[0x14:0x18], sb.first)
	binary.BigEndian.PutUint32(b[0x18:0x1c], sb.sequence)
	binary.BigEndian.PutUint32(b[0x1c:0x20], sb.start)
	binary.BigEndian.PutUint32(b[0x20:0x24], sb.errno)
	if sb.blocktype == BlockTypeSuperblockV2 {
		binary.BigEndian.PutUint32(b[0x24:0x28], sb.featureCompat)
		binary.BigEndian.PutUint32(b[0x28:0x2c], sb.featureIncompat)
		binary.BigEndian.PutUint32(b[0x2c:0x30], sb.featureROCompat)
		copy(b[0x30:0x40], sb.uuid[:])
		binary.BigEndian.PutUint32(b[0x40:0x44], sb.nrUsers)
		binary.BigEndian.PutUint32(b[0x44:0x48], sb.dynsuper)
		binary.BigEndian.PutUint32(b[0x48:0x4c], sb.maxTransaction)
		binary.BigEndian.PutUint32(b[0x4c:0x50], sb.maxTransData)
		b[0x50] = sb.checksumType
	}
	return b
}

// NewSuperblock creates a fresh V2 journal superblock for a clean journal of
// maxLen blocks.
func NewSuperblock(blockSize, maxLen uint32, u uuid.UUID) *Superblock {
	return &Superblock{
		blocktype: BlockTypeSuperblockV2,
		blockSize: blockSize,
		maxLen:    maxLen,
		first:     1,
		sequence:  1,
		start:     0,
		uuid:      u,
		nrUsers:   1,
	}
}

// ChecksumValid verifies the superblock's CRC32c when a checksum feature is
// on: the stored value at 0xfc must equal the checksum of the whole 1024
// bytes with that field zeroed. Journals without a checksum feature always
// validate. This is a read-side check only; the write path never computes
// checksums.
func (sb *Superblock) ChecksumValid() bool {
	if sb.featureCompat&featureCompatChecksum == 0 && !sb.hasCSum() {
		return true
	}
	stored := binary.BigEndian.Uint32(sb.raw[0xfc:0x100])
	b := make([]byte, SuperblockSize)
	copy(b, sb.raw[:])
	binary.BigEndian.PutUint32(b[0xfc:0x100], 0)
	return crc.CRC32c(0xffffffff, b) == stored
}

// BlockSize returns the journal block size in bytes.
func (sb *Superblock) BlockSize() uint32 { return sb.blockSize }

// MaxLen returns the journal length in blocks, superblock included.
func (sb *Superblock) MaxLen() uint32 { return sb.maxLen }

// First returns the first log block.
func (sb *Superblock) First() uint32 { return sb.first }

// Sequence returns the transaction id at which the log begins.
func (sb *Superblock) Sequence() uint32 { return sb.sequence }

// Start returns the first unreplayed log block; 0 means the log is clean.
func (sb *Superblock) Start() uint32 { return sb.start }

// UUID returns the journal UUID.
func (sb *Superblock) UUID() uuid.UUID { return sb.uuid }

// FeaturesIncompatible returns the incompatible feature mask.
func (sb *Superblock) FeaturesIncompatible() uint32 { return sb.featureIncompat }

func (sb *Superblock) hasIncompatFeature(f uint32) bool {
	return sb.blocktype == BlockTypeSuperblockV2 && sb.featureIncompat&f != 0
}

// uses64Bit reports whether descriptor tags and revoke records carry 8-byte
// block numbers.
func (sb *Superblock) uses64Bit() bool {
	return sb.hasIncompatFeature(FeatureIncompat64Bit)
}

// hasCSum reports whether descriptor and revoke blocks reserve a checksum
// tail.
func (sb *Superblock) hasCSum() bool {
	return sb.hasIncompatFeature(FeatureIncompatCSumV2) || sb.hasIncompatFeature(FeatureIncompatCSumV3)
}

// tagBytes is the encoded size of one descriptor tag, UUID excluded.
func (sb *Superblock) tagBytes() int {
	if sb.hasIncompatFeature(FeatureIncompatCSumV3) {
		return tag3Size
	}
	size := 12
	if sb.hasIncompatFeature(FeatureIncompatCSumV2) {
		size += 2
	}
	if sb.uses64Bit() {
		return size
	}
	return size - 4
}

// revokeRecordBytes is the encoded size of one revoked block number.
func (sb *Superblock) revokeRecordBytes() int {
	if sb.uses64Bit() {
		return 8
	}
	return 4
}

// writeCommitBlock fills b as a commit block for sequence. Checksum fields
// are left zero; the commit time is recorded the way jbd2 does.
func writeCommitBlock(b []byte, sequence uint32, at time.Time) {
	for i := range b {
		b[i] = 0
	}
	h := header{blocktype: BlockTypeCommit, sequence: sequence}
	h.toBytes(b[0x0:0xc])
	binary.BigEndian.PutUint64(b[0x30:0x38], uint64(at.Unix()))
	binary.BigEndian.PutUint32(b[0x38:0x3c], uint32(at.Nanosecond()))
}

// parseRevokeBlock extracts the revoked block numbers from a revoke block
// payload. b is the whole block; the header has already been validated.
func parseRevokeBlock(b []byte, sb *Superblock) ([]uint64, error) {
	if len(b) < revokeHeaderSize {
		return nil, fmt.Errorf("%w: revoke block of %d bytes", ErrCorrupt, len(b))
	}
	count := binary.BigEndian.Uint32(b[0xc:0x10])
	if count < revokeHeaderSize || count > uint32(len(b)) {
		return nil, fmt.Errorf("%w: revoke block count %d out of range", ErrCorrupt, count)
	}
	recSize := sb.revokeRecordBytes()
	var blocks []uint64
	for off := revokeHeaderSize; off+recSize <= int(count); off += recSize {
		if recSize == 8 {
			blocks = append(blocks, binary.BigEndian.Uint64(b[off:off+8]))
		} else {
			blocks = append(blocks, uint64(binary.BigEndian.Uint32(b[off:off+4])))
		}
	}
	return blocks, nil
}
