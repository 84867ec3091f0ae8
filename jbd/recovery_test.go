package jbd

import (
	"errors"
	"testing"

	"github.com/diskfs/go-jbd/ext4"
)

// Scenario: clean log, nothing to replay.
func TestRecoverCleanLog(t *testing.T) {
	dev := buildImage(t)
	writeJournalSuperblock(t, dev, testJournalSuperblock(0, 1, 0))

	fs, jf := openTestFs(t, dev)
	defer jf.Close()

	before := fs.Superblock().FeaturesIncompatible()
	if err := jf.Recover(); err != nil {
		t.Fatalf("recover on a clean log failed: %v", err)
	}
	if got := fs.Superblock().FeaturesIncompatible(); got != before {
		t.Errorf("features changed from 0x%x to 0x%x on a clean log", before, got)
	}
	// the on-disk journal superblock is untouched
	reread, err := SuperblockFromBytes(deviceBlock(t, dev, testJournalBase))
	if err != nil {
		t.Fatalf("could not reparse journal superblock: %v", err)
	}
	if reread.Start() != 0 || reread.Sequence() != 1 {
		t.Errorf("journal sb rewritten: start %d sequence %d", reread.Start(), reread.Sequence())
	}
}

// Scenario: one committed transaction is replayed to its in-place home.
func TestRecoverSingleTrans(t *testing.T) {
	dev := buildImage(t)
	setRecoverFlag(t, dev)

	sb := testJournalSuperblock(1, 7, 0)
	writeJournalSuperblock(t, dev, sb)
	data := patternBlock(0xa5)
	writeLogBlock(t, dev, 1, descriptorBlock(t, sb, 7, []uint64{40}))
	writeLogBlock(t, dev, 2, data)
	writeLogBlock(t, dev, 3, commitBlockBytes(7))

	fs, jf := openTestFs(t, dev)
	defer jf.Close()
	if err := jf.Recover(); err != nil {
		t.Fatalf("recover failed: %v", err)
	}

	assertBlockEquals(t, dev, 40, data)
	if fs.Superblock().FeaturesIncompatible()&ext4.FeatureIncompatRecover != 0 {
		t.Error("recover flag still set after replay")
	}
	// both superblocks were rewritten
	fsb, err := ext4.SuperblockFromBytes(deviceBlock(t, dev, 1))
	if err != nil {
		t.Fatalf("could not reparse filesystem superblock: %v", err)
	}
	if fsb.FeaturesIncompatible()&ext4.FeatureIncompatRecover != 0 {
		t.Error("recover flag still set on disk")
	}
	jsb, err := SuperblockFromBytes(deviceBlock(t, dev, testJournalBase))
	if err != nil {
		t.Fatalf("could not reparse journal superblock: %v", err)
	}
	if jsb.Start() != 0 {
		t.Errorf("journal start = %d on disk, want 0", jsb.Start())
	}
}

// Scenario: a revoke in a later transaction suppresses an older copy but not
// a newer one.
func TestRecoverRevokePrecedence(t *testing.T) {
	dev := buildImage(t)
	setRecoverFlag(t, dev)

	sb := testJournalSuperblock(1, 7, 0)
	writeJournalSuperblock(t, dev, sb)
	old := patternBlock(0x11)
	newer := patternBlock(0x99)

	// trans 7 writes block 40; trans 8 revokes it; trans 9 writes it again
	writeLogBlock(t, dev, 1, descriptorBlock(t, sb, 7, []uint64{40}))
	writeLogBlock(t, dev, 2, old)
	writeLogBlock(t, dev, 3, commitBlockBytes(7))
	writeLogBlock(t, dev, 4, revokeBlockBytes(t, sb, 8, []uint64{40}))
	writeLogBlock(t, dev, 5, commitBlockBytes(8))
	writeLogBlock(t, dev, 6, descriptorBlock(t, sb, 9, []uint64{40}))
	writeLogBlock(t, dev, 7, newer)
	writeLogBlock(t, dev, 8, commitBlockBytes(9))

	_, jf := openTestFs(t, dev)
	defer jf.Close()
	if err := jf.Recover(); err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	assertBlockEquals(t, dev, 40, newer)
}

// A revoked copy with no newer write stays suppressed entirely.
func TestRecoverRevokeSuppresses(t *testing.T) {
	dev := buildImage(t)
	setRecoverFlag(t, dev)

	initial := patternBlock(0x00)
	mustWrite(t, dev, initial, 40*testBlockSize)

	sb := testJournalSuperblock(1, 7, 0)
	writeJournalSuperblock(t, dev, sb)
	writeLogBlock(t, dev, 1, descriptorBlock(t, sb, 7, []uint64{40}))
	writeLogBlock(t, dev, 2, patternBlock(0x11))
	writeLogBlock(t, dev, 3, commitBlockBytes(7))
	writeLogBlock(t, dev, 4, revokeBlockBytes(t, sb, 8, []uint64{40}))
	writeLogBlock(t, dev, 5, commitBlockBytes(8))

	_, jf := openTestFs(t, dev)
	defer jf.Close()
	if err := jf.Recover(); err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	assertBlockEquals(t, dev, 40, initial)
}

// Scenario: the log wraps around the end of the ring and iteration follows
// it: blocks 13, 14, 15, 1, 2.
func TestRecoverCircularWrap(t *testing.T) {
	dev := buildImage(t)
	setRecoverFlag(t, dev)

	sb := testJournalSuperblock(13, 5, 0)
	writeJournalSuperblock(t, dev, sb)
	data := patternBlock(0x5a)
	writeLogBlock(t, dev, 13, descriptorBlock(t, sb, 5, []uint64{41}))
	writeLogBlock(t, dev, 14, data)
	writeLogBlock(t, dev, 15, commitBlockBytes(5))
	writeLogBlock(t, dev, 1, revokeBlockBytes(t, sb, 6, []uint64{42}))
	writeLogBlock(t, dev, 2, commitBlockBytes(6))

	_, jf := openTestFs(t, dev)
	defer jf.Close()

	// the scan API sees the records in wrap order
	var visited []uint32
	_, last, err := jf.ScanLog(func(rec LogRecord) bool {
		visited = append(visited, rec.IBlock)
		return true
	})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	want := []uint32{13, 15, 1, 2}
	if len(visited) != len(want) {
		t.Fatalf("visited %v, want %v", visited, want)
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Fatalf("visited %v, want %v", visited, want)
		}
	}
	if last != 6 {
		t.Errorf("last transaction = %d, want 6", last)
	}

	if err := jf.Recover(); err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	assertBlockEquals(t, dev, 41, data)
}

// A transaction whose commit block never made it to the log is not replayed.
func TestRecoverIgnoresUncommittedTail(t *testing.T) {
	dev := buildImage(t)
	setRecoverFlag(t, dev)

	initial := patternBlock(0x00)
	mustWrite(t, dev, initial, 41*testBlockSize)

	sb := testJournalSuperblock(1, 7, 0)
	writeJournalSuperblock(t, dev, sb)
	committed := patternBlock(0x21)
	writeLogBlock(t, dev, 1, descriptorBlock(t, sb, 7, []uint64{40}))
	writeLogBlock(t, dev, 2, committed)
	writeLogBlock(t, dev, 3, commitBlockBytes(7))
	// trans 8 wrote its descriptor and data but crashed before the commit
	writeLogBlock(t, dev, 4, descriptorBlock(t, sb, 8, []uint64{41}))
	writeLogBlock(t, dev, 5, patternBlock(0x22))

	_, jf := openTestFs(t, dev)
	defer jf.Close()
	if err := jf.Recover(); err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	assertBlockEquals(t, dev, 40, committed)
	assertBlockEquals(t, dev, 41, initial)
}

// A journaled superblock image (the escaped-tag replay path) overwrites the
// filesystem superblock but keeps the live state and mount count.
func TestReplaySuperblock(t *testing.T) {
	dev := buildImage(t)
	writeJournalSuperblock(t, dev, testJournalSuperblock(0, 1, 0))
	fs, jf := openTestFs(t, dev)
	defer jf.Close()

	fs.Superblock().SetState(ext4.StateErrorsDetected)
	fs.Superblock().SetMountCount(9)

	// image of the device block holding the superblock, with a changed
	// volume uuid
	newUUID := testUUID
	newUUID[0] ^= 0xff
	data := make([]byte, 2*testBlockSize)
	raw := fs.Superblock().ToBytes()
	copy(data[ext4.Superblock0Offset:], raw)
	// the journaled copy carries its own (stale) state and mount count
	sbImg, err := ext4.SuperblockFromBytes(data[ext4.Superblock0Offset : ext4.Superblock0Offset+int64(ext4.SuperblockSize)])
	if err != nil {
		t.Fatalf("could not parse image superblock: %v", err)
	}
	sbImg.SetUUID(newUUID)
	sbImg.SetState(ext4.StateCleanlyUnmounted)
	sbImg.SetMountCount(1)
	copy(data[ext4.Superblock0Offset:], sbImg.ToBytes())

	if err := jf.replaySuperblock(data); err != nil {
		t.Fatalf("could not replay superblock image: %v", err)
	}
	got := fs.Superblock()
	if got.UUID() != newUUID {
		t.Errorf("uuid = %s, want the journaled image's %s", got.UUID(), newUUID)
	}
	if got.State() != ext4.StateErrorsDetected {
		t.Errorf("state = %#x, want the live state preserved", got.State())
	}
	if got.MountCount() != 9 {
		t.Errorf("mount count = %d, want the live count preserved", got.MountCount())
	}
	// and it reached the device
	onDisk, err := ext4.SuperblockFromBytes(deviceBlock(t, dev, 1))
	if err != nil {
		t.Fatalf("could not reparse on-disk superblock: %v", err)
	}
	if onDisk.UUID() != newUUID {
		t.Error("replayed superblock did not reach the device")
	}
}

// An escaped tag whose journaled block cannot hold a superblock image at its
// fixed offset is corrupt, not an out-of-range read.
func TestRecoverEscapedTagTooSmall(t *testing.T) {
	dev := buildImage(t)
	setRecoverFlag(t, dev)

	sb := testJournalSuperblock(1, 3, 0)
	writeJournalSuperblock(t, dev, sb)

	b := make([]byte, testBlockSize)
	h := header{blocktype: BlockTypeDescriptor, sequence: 3}
	h.toBytes(b[0:headerSize])
	ti := tagInfo{block: 40, writeUUID: true, uuid: sb.uuid, escape: true, last: true}
	if _, err := writeTag(b[headerSize:], sb, &ti); err != nil {
		t.Fatalf("could not encode escaped tag: %v", err)
	}
	writeLogBlock(t, dev, 1, b)
	writeLogBlock(t, dev, 2, patternBlock(0x77))
	writeLogBlock(t, dev, 3, commitBlockBytes(3))

	_, jf := openTestFs(t, dev)
	defer jf.Close()
	if err := jf.Recover(); !errors.Is(err, ErrCorrupt) {
		t.Errorf("error = %v, want ErrCorrupt for an undersized superblock image", err)
	}
}
