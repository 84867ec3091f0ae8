package jbd

import "errors"

var (
	// ErrInvalidSuperblock is returned when the journal inode does not hold
	// a valid journal superblock.
	ErrInvalidSuperblock = errors.New("invalid journal superblock")

	// ErrCorrupt is returned when replay finds a malformed log mid-lap: a
	// sequence mismatch in the revoke or recover pass.
	ErrCorrupt = errors.New("journal log corrupt")

	// errNotJournalBlock marks a block whose magic does not match; during
	// replay this is the end-of-log signal, not a failure.
	errNotJournalBlock = errors.New("block is not a journal block")

	// errTagSpace signals a descriptor or revoke block with no room left
	// for the next record. Commit handles it by starting a fresh block.
	errTagSpace = errors.New("no space left in journal block")
)
