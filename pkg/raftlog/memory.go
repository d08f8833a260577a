// Package raftlog provides durable and in-memory implementations of the
// replicated log contract.
package raftlog

import (
	"errors"
	"fmt"
	"sync"

	"quorumkv/pkg/raft"
	"quorumkv/pkg/types"
)

var (
	ErrCompacted     = errors.New("raftlog: index compacted")
	ErrOutOfRange    = errors.New("raftlog: index out of range")
	ErrNonContiguous = errors.New("raftlog: non-contiguous append")
)

// MemoryStore keeps the log in memory. It backs tests and mirrors the
// semantics of the durable store exactly.
type MemoryStore struct {
	mu sync.Mutex

	// offset is the index covered by the snapshot; entries[0] has
	// index offset+1.
	offset  types.Index
	entries []raft.Entry

	snap    raft.Snapshot
	hasSnap bool
	hs      raft.HardState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(entries []raft.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if entries[0].Index != s.lastIndexLocked()+1 {
		return fmt.Errorf("%w: appending %d after %d", ErrNonContiguous, entries[0].Index, s.lastIndexLocked())
	}
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *MemoryStore) Entries(lo, hi types.Index) ([]raft.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lo <= s.offset {
		return nil, fmt.Errorf("%w: lo %d <= snapshot index %d", ErrCompacted, lo, s.offset)
	}
	if hi > s.lastIndexLocked()+1 {
		return nil, fmt.Errorf("%w: hi %d > last %d", ErrOutOfRange, hi, s.lastIndexLocked())
	}
	if lo >= hi {
		return nil, fmt.Errorf("%w: empty range [%d, %d)", ErrOutOfRange, lo, hi)
	}
	out := make([]raft.Entry, hi-lo)
	copy(out, s.entries[lo-s.offset-1:hi-s.offset-1])
	return out, nil
}

func (s *MemoryStore) Term(i types.Index) (types.Term, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i == s.offset {
		if s.hasSnap {
			return s.snap.Term, nil
		}
		return 0, nil
	}
	if i < s.offset {
		return 0, fmt.Errorf("%w: index %d", ErrCompacted, i)
	}
	if i > s.lastIndexLocked() {
		return 0, fmt.Errorf("%w: index %d > last %d", ErrOutOfRange, i, s.lastIndexLocked())
	}
	return s.entries[i-s.offset-1].Term, nil
}

func (s *MemoryStore) FirstIndex() types.Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset + 1
}

func (s *MemoryStore) LastIndex() types.Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIndexLocked()
}

func (s *MemoryStore) lastIndexLocked() types.Index {
	return s.offset + types.Index(len(s.entries))
}

func (s *MemoryStore) LastIndexAndTerm() (types.Index, types.Term) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 {
		if s.hasSnap {
			return s.snap.Index, s.snap.Term
		}
		return 0, 0
	}
	last := s.entries[len(s.entries)-1]
	return last.Index, last.Term
}

func (s *MemoryStore) TruncateFrom(i types.Index) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i <= s.offset {
		return fmt.Errorf("%w: cannot truncate at %d below snapshot %d", ErrCompacted, i, s.offset)
	}
	if i > s.lastIndexLocked() {
		return nil
	}
	s.entries = s.entries[:i-s.offset-1]
	return nil
}

func (s *MemoryStore) SaveSnapshot(snap raft.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasSnap && snap.Index < s.snap.Index {
		return fmt.Errorf("%w: snapshot index %d older than %d", ErrOutOfRange, snap.Index, s.snap.Index)
	}
	if snap.Index >= s.lastIndexLocked() {
		s.entries = nil
	} else {
		s.entries = append([]raft.Entry(nil), s.entries[snap.Index-s.offset:]...)
	}
	s.offset = snap.Index
	s.snap = snap
	s.hasSnap = true
	return nil
}

func (s *MemoryStore) Snapshot() (raft.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, s.hasSnap
}

func (s *MemoryStore) SetHardState(hs raft.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hs = hs
	return nil
}

func (s *MemoryStore) HardState() raft.HardState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hs
}
