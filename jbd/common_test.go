package jbd

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/uuid"

	"github.com/diskfs/go-jbd/backend/mem"
	"github.com/diskfs/go-jbd/ext4"
)

// The test image is a 64-block, 1KiB-block-size ext4 skeleton: superblock in
// block 1, one group descriptor in block 2, the inode table at block 4, and
// the journal inode (8) mapping journal blocks 0..15 onto device blocks
// 16..31 through a single extent. Blocks 40 and up are scratch in-place
// targets.
const (
	testBlockSize     = 1024
	testJournalBlocks = 16
	testJournalBase   = 16
	testDeviceBlocks  = 64
)

var testUUID = uuid.MustParse("8d2f3b6a-4c1e-4f5a-9b7c-2e8d1a0f6c43")

func mustWrite(t *testing.T, dev *mem.Storage, b []byte, off int64) {
	t.Helper()
	if _, err := dev.WriteAt(b, off); err != nil {
		t.Fatalf("could not write %d bytes at %d: %v", len(b), off, err)
	}
}

func buildImage(t *testing.T) *mem.Storage {
	t.Helper()
	dev := mem.New(testDeviceBlocks * testBlockSize)

	sb := make([]byte, ext4.SuperblockSize)
	binary.LittleEndian.PutUint32(sb[0x0:0x4], 16)               // inodes count
	binary.LittleEndian.PutUint32(sb[0x4:0x8], testDeviceBlocks) // blocks count
	binary.LittleEndian.PutUint32(sb[0x14:0x18], 1)              // first data block
	binary.LittleEndian.PutUint32(sb[0x18:0x1c], 0)              // log block size -> 1024
	binary.LittleEndian.PutUint32(sb[0x20:0x24], 8192)           // blocks per group
	binary.LittleEndian.PutUint32(sb[0x28:0x2c], 16)             // inodes per group
	binary.LittleEndian.PutUint16(sb[0x38:0x3a], 0xef53)         // magic
	binary.LittleEndian.PutUint16(sb[0x3a:0x3c], 0x1)            // state: clean
	binary.LittleEndian.PutUint16(sb[0x58:0x5a], 256)            // inode size
	binary.LittleEndian.PutUint32(sb[0x60:0x64], ext4.FeatureIncompatExtents)
	copy(sb[0x68:0x78], testUUID[:])
	binary.LittleEndian.PutUint32(sb[0xd0:0xd4], 8) // journal inode
	mustWrite(t, dev, sb, ext4.Superblock0Offset)

	// group descriptor 0: inode table at block 4
	gd := make([]byte, 32)
	binary.LittleEndian.PutUint32(gd[0x8:0xc], 4)
	mustWrite(t, dev, gd, 2*testBlockSize)

	// inode 8 at index 7 of the table: extent-mapped, one extent covering
	// the whole journal
	ino := make([]byte, 256)
	binary.LittleEndian.PutUint16(ino[0x0:0x2], 0x8180)
	binary.LittleEndian.PutUint32(ino[0x4:0x8], testJournalBlocks*testBlockSize)
	binary.LittleEndian.PutUint32(ino[0x20:0x24], 0x80000) // extents flag
	eb := ino[0x28:]
	binary.LittleEndian.PutUint16(eb[0:2], 0xf30a)
	binary.LittleEndian.PutUint16(eb[2:4], 1) // entries
	binary.LittleEndian.PutUint16(eb[4:6], 4) // max
	binary.LittleEndian.PutUint16(eb[6:8], 0) // depth
	binary.LittleEndian.PutUint32(eb[12:16], 0)
	binary.LittleEndian.PutUint16(eb[16:18], testJournalBlocks)
	binary.LittleEndian.PutUint16(eb[18:20], 0)
	binary.LittleEndian.PutUint32(eb[20:24], testJournalBase)
	mustWrite(t, dev, ino, 4*testBlockSize+7*256)

	return dev
}

// setRecoverFlag flips the recover feature bit of the on-disk filesystem
// superblock, as a crashed filesystem would have it.
func setRecoverFlag(t *testing.T, dev *mem.Storage) {
	t.Helper()
	b := make([]byte, 4)
	off := ext4.Superblock0Offset + 0x60
	if _, err := dev.ReadAt(b, off); err != nil {
		t.Fatalf("could not read superblock features: %v", err)
	}
	binary.LittleEndian.PutUint32(b, binary.LittleEndian.Uint32(b)|ext4.FeatureIncompatRecover)
	mustWrite(t, dev, b, off)
}

func testJournalSuperblock(start, sequence, features uint32) *Superblock {
	sb := NewSuperblock(testBlockSize, testJournalBlocks, testUUID)
	sb.start = start
	sb.sequence = sequence
	sb.featureIncompat = features
	return sb
}

func journalOff(iblock uint32) int64 {
	return int64(testJournalBase+iblock) * testBlockSize
}

func writeLogBlock(t *testing.T, dev *mem.Storage, iblock uint32, b []byte) {
	t.Helper()
	mustWrite(t, dev, b, journalOff(iblock))
}

func writeJournalSuperblock(t *testing.T, dev *mem.Storage, sb *Superblock) {
	t.Helper()
	writeLogBlock(t, dev, 0, sb.ToBytes())
}

// descriptorBlock builds a descriptor block: the first tag carries the
// journal UUID, the final tag is flagged LAST_TAG.
func descriptorBlock(t *testing.T, sb *Superblock, sequence uint32, lbas []uint64) []byte {
	t.Helper()
	b := make([]byte, testBlockSize)
	h := header{blocktype: BlockTypeDescriptor, sequence: sequence}
	h.toBytes(b[0:headerSize])
	off := headerSize
	for i, lba := range lbas {
		ti := tagInfo{block: lba, writeUUID: i == 0, last: i == len(lbas)-1, uuid: sb.uuid}
		n, err := writeTag(b[off:], sb, &ti)
		if err != nil {
			t.Fatalf("could not encode tag %d: %v", i, err)
		}
		off += n
	}
	return b
}

func commitBlockBytes(sequence uint32) []byte {
	b := make([]byte, testBlockSize)
	h := header{blocktype: BlockTypeCommit, sequence: sequence}
	h.toBytes(b[0:headerSize])
	return b
}

func revokeBlockBytes(t *testing.T, sb *Superblock, sequence uint32, lbas []uint64) []byte {
	t.Helper()
	b := make([]byte, testBlockSize)
	h := header{blocktype: BlockTypeRevoke, sequence: sequence}
	h.toBytes(b[0:headerSize])
	off := revokeHeaderSize
	for _, lba := range lbas {
		if sb.uses64Bit() {
			binary.BigEndian.PutUint64(b[off:off+8], lba)
			off += 8
		} else {
			binary.BigEndian.PutUint32(b[off:off+4], uint32(lba))
			off += 4
		}
	}
	binary.BigEndian.PutUint32(b[0xc:0x10], uint32(off))
	return b
}

// patternBlock fills a block with a recognizable pattern per seed.
func patternBlock(seed byte) []byte {
	b := make([]byte, testBlockSize)
	for i := range b {
		b[i] = seed ^ byte(i)
	}
	return b
}

func openTestFs(t *testing.T, dev *mem.Storage) (*ext4.FileSystem, *Fs) {
	t.Helper()
	fs, err := ext4.Read(dev)
	if err != nil {
		t.Fatalf("could not read filesystem: %v", err)
	}
	jf, err := Open(fs)
	if err != nil {
		t.Fatalf("could not open journal: %v", err)
	}
	return fs, jf
}

func deviceBlock(t *testing.T, dev *mem.Storage, lba uint64) []byte {
	t.Helper()
	b := make([]byte, testBlockSize)
	if _, err := dev.ReadAt(b, int64(lba)*testBlockSize); err != nil {
		t.Fatalf("could not read device block %d: %v", lba, err)
	}
	return b
}

func assertBlockEquals(t *testing.T, dev *mem.Storage, lba uint64, want []byte) {
	t.Helper()
	got := deviceBlock(t, dev, lba)
	if !bytes.Equal(got, want) {
		t.Errorf("device block %d does not match expected content", lba)
	}
}
