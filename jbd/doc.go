// Package jbd implements the JBD metadata journal shared by ext3 and ext4:
// the on-disk record formats, mount-time replay of incomplete transactions,
// and a live journal that batches block modifications into atomically
// committed transactions with checkpoint-driven log space reclamation.
//
// The journal lives inside a reserved inode of the filesystem; Open resolves
// it through the ext4 collaborator package and validates the journal
// superblock. Recover replays the log in three passes (scan, revoke,
// recover). Start brings up the live journal for writing.
//
// The design is single-threaded cooperative: no entry point blocks on
// another, and the buffer cache's end-of-write hooks re-enter the journal
// synchronously on the caller's stack.
package jbd
