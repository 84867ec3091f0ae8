package jbd

import "sync/atomic"

// Metrics tracks journal activity counters. Counters are atomic so that
// monitoring goroutines can snapshot them while the journal runs.
type Metrics struct {
	TransCommitted  atomic.Uint64 // transactions committed to the log
	TransAborted    atomic.Uint64 // transactions reverted by Abort or on commit failure
	BlocksJournaled atomic.Uint64 // data blocks copied into the log
	RevokesWritten  atomic.Uint64 // revoke records written
	Checkpoints     atomic.Uint64 // transactions fully checkpointed
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	TransCommitted  uint64
	TransAborted    uint64
	BlocksJournaled uint64
	RevokesWritten  uint64
	Checkpoints     uint64
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TransCommitted:  m.TransCommitted.Load(),
		TransAborted:    m.TransAborted.Load(),
		BlocksJournaled: m.BlocksJournaled.Load(),
		RevokesWritten:  m.RevokesWritten.Load(),
		Checkpoints:     m.Checkpoints.Load(),
	}
}

// Metrics returns a snapshot of the journal's counters.
func (j *Journal) Metrics() MetricsSnapshot {
	return j.metrics.Snapshot()
}
