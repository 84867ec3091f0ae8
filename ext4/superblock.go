package ext4

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const (
	// SuperblockSize is the on-disk size of the ext4 superblock
	SuperblockSize = 1024
	// Superblock0Offset is where the primary superblock lives, after the
	// boot area
	Superblock0Offset = int64(1024)

	superblockMagic uint16 = 0xef53
)

// filesystem states (s_state)
const (
	StateCleanlyUnmounted uint16 = 0x1
	StateErrorsDetected   uint16 = 0x2
	StateOrphansRecovered uint16 = 0x4
)

// incompatible feature flags consumed here
const (
	// FeatureIncompatRecover marks a filesystem whose journal needs replay
	FeatureIncompatRecover uint32 = 0x4
	// FeatureIncompatExtents marks extent-mapped inodes in use
	FeatureIncompatExtents uint32 = 0x40
	// FeatureIncompat64Bit marks 64-bit block numbers and wide group
	// descriptors
	FeatureIncompat64Bit uint32 = 0x80
)

// Superblock is the ext4 filesystem superblock, kept as the raw 1024 bytes
// with typed accessors over it. Keeping the raw block means fields this
// package does not interpret survive a read-modify-write untouched, which is
// what journal replay of a superblock image relies on.
type Superblock struct {
	raw [SuperblockSize]byte
}

// SuperblockFromBytes parses and validates an ext4 superblock.
func SuperblockFromBytes(b []byte) (*Superblock, error) {
	if len(b) != SuperblockSize {
		return nil, fmt.Errorf("cannot read superblock from %d bytes, expected %d", len(b), SuperblockSize)
	}
	sb := &Superblock{}
	copy(sb.raw[:], b)
	if sb.Magic() != superblockMagic {
		return nil, fmt.Errorf("invalid superblock magic: 0x%x (expected 0x%x)", sb.Magic(), superblockMagic)
	}
	return sb, nil
}

// ToBytes returns the superblock's on-disk form.
func (sb *Superblock) ToBytes() []byte {
	b := make([]byte, SuperblockSize)
	copy(b, sb.raw[:])
	return b
}

func (sb *Superblock) get16(off int) uint16 {
	return binary.LittleEndian.Uint16(sb.raw[off : off+2])
}

func (sb *Superblock) set16(off int, v uint16) {
	binary.LittleEndian.PutUint16(sb.raw[off:off+2], v)
}

func (sb *Superblock) get32(off int) uint32 {
	return binary.LittleEndian.Uint32(sb.raw[off : off+4])
}

func (sb *Superblock) set32(off int, v uint32) {
	binary.LittleEndian.PutUint32(sb.raw[off:off+4], v)
}

func (sb *Superblock) Magic() uint16 {
	return sb.get16(0x38)
}

func (sb *Superblock) InodesCount() uint32 {
	return sb.get32(0x0)
}

// FirstDataBlock is the block number of the block holding the superblock:
// 1 for 1KiB blocks, 0 otherwise.
func (sb *Superblock) FirstDataBlock() uint32 {
	return sb.get32(0x14)
}

// BlockSize returns the filesystem block size in bytes.
func (sb *Superblock) BlockSize() uint32 {
	return 1024 << sb.get32(0x18)
}

func (sb *Superblock) BlocksPerGroup() uint32 {
	return sb.get32(0x20)
}

func (sb *Superblock) InodesPerGroup() uint32 {
	return sb.get32(0x28)
}

func (sb *Superblock) MountCount() uint16 {
	return sb.get16(0x34)
}

func (sb *Superblock) SetMountCount(v uint16) {
	sb.set16(0x34, v)
}

func (sb *Superblock) State() uint16 {
	return sb.get16(0x3a)
}

func (sb *Superblock) SetState(v uint16) {
	sb.set16(0x3a, v)
}

// InodeSize is the on-disk size of one inode record.
func (sb *Superblock) InodeSize() uint16 {
	return sb.get16(0x58)
}

func (sb *Superblock) FeaturesCompatible() uint32 {
	return sb.get32(0x5c)
}

func (sb *Superblock) FeaturesIncompatible() uint32 {
	return sb.get32(0x60)
}

func (sb *Superblock) SetFeaturesIncompatible(v uint32) {
	sb.set32(0x60, v)
}

func (sb *Superblock) FeaturesReadOnlyCompatible() uint32 {
	return sb.get32(0x64)
}

// UUID returns the filesystem UUID.
func (sb *Superblock) UUID() uuid.UUID {
	var u uuid.UUID
	copy(u[:], sb.raw[0x68:0x78])
	return u
}

func (sb *Superblock) SetUUID(u uuid.UUID) {
	copy(sb.raw[0x68:0x78], u[:])
}

// JournalInode is the inode number holding the journal, conventionally 8.
func (sb *Superblock) JournalInode() uint32 {
	return sb.get32(0xd0)
}

func (sb *Superblock) SetJournalInode(n uint32) {
	sb.set32(0xd0, n)
}

// DescSize is the size of one block group descriptor: 32 bytes, or the
// superblock's declared size when the 64-bit feature is on.
func (sb *Superblock) DescSize() uint32 {
	if sb.FeaturesIncompatible()&FeatureIncompat64Bit == 0 {
		return 32
	}
	size := uint32(sb.get16(0xfe))
	if size < 32 {
		return 32
	}
	return size
}

// ReplaceFrom overwrites the superblock with a raw image of another one,
// preserving this superblock's state and mount count. Journal replay uses
// this to apply a journaled superblock copy without clobbering the live
// mount bookkeeping.
func (sb *Superblock) ReplaceFrom(b []byte) error {
	if len(b) < SuperblockSize {
		return fmt.Errorf("cannot replace superblock from %d bytes, need %d", len(b), SuperblockSize)
	}
	state := sb.State()
	mountCount := sb.MountCount()
	copy(sb.raw[:], b[:SuperblockSize])
	sb.SetState(state)
	sb.SetMountCount(mountCount)
	return nil
}
