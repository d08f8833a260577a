// Package kverrors defines the client-visible error taxonomy.
package kverrors

import "errors"

var (
	// ErrNotLeader is returned when a write or linearizable read reaches a
	// follower. The caller should retry against the current leader.
	ErrNotLeader = errors.New("quorumkv: not leader")

	// ErrNoQuorum is returned by a leader that has lost contact with a
	// majority. Writes stall and linearizable reads are refused.
	ErrNoQuorum = errors.New("quorumkv: no quorum")

	// ErrTimeout means the operation did not commit within the caller's
	// deadline. The entry may still commit later; callers needing
	// exactly-once effects must use compare-based transactions.
	ErrTimeout = errors.New("quorumkv: request timed out")

	ErrKeyNotFound   = errors.New("quorumkv: key not found")
	ErrLeaseNotFound = errors.New("quorumkv: lease not found")
	ErrLeaseExists   = errors.New("quorumkv: lease already exists")

	// ErrCompacted is returned when a requested revision or watch start
	// point is older than the retained history window.
	ErrCompacted = errors.New("quorumkv: revision compacted")

	// ErrWatcherStalled closes a watch whose subscriber fell behind the
	// bounded delivery buffer. The subscriber must re-watch from a fresh
	// revision.
	ErrWatcherStalled = errors.New("quorumkv: watcher fell behind")

	ErrStopped = errors.New("quorumkv: node stopped")

	// ErrCorrupt signals unrecoverable durable-storage corruption. It is
	// the only error that halts the node.
	ErrCorrupt = errors.New("quorumkv: storage corrupt")
)
