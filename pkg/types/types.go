// Package types holds the scalar identifiers shared across the engine.
package types

// NodeID identifies a member of the cluster. Zero means "none".
type NodeID uint64

// Index is a position in the replicated log. Indexing starts at 1;
// zero is the position before the first entry.
type Index uint64

// Term is a Raft election term. Terms start at 1; zero is the initial
// pre-election term.
type Term uint64

// Revision is the global monotonic counter of the key-value store.
// It increments exactly once per committed mutating command.
type Revision uint64

// LeaseID identifies a lease. Zero means "no lease".
type LeaseID int64
