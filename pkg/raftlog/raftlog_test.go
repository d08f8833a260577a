package raftlog

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"quorumkv/pkg/raft"
	"quorumkv/pkg/types"
)

func entry(idx types.Index, term types.Term, data string) raft.Entry {
	return raft.Entry{Index: idx, Term: term, Data: []byte(data)}
}

// both implementations must behave identically.
func runStoreSuite(t *testing.T, open func(t *testing.T) raft.LogStore) {
	t.Run("append and read back", func(t *testing.T) {
		s := open(t)
		ents := []raft.Entry{entry(1, 1, "a"), entry(2, 1, "b"), entry(3, 2, "c")}
		if err := s.Append(ents); err != nil {
			t.Fatalf("Append: %v", err)
		}

		got, err := s.Entries(1, 4)
		if err != nil {
			t.Fatalf("Entries: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("got %d entries, want 3", len(got))
		}
		for i := range ents {
			if got[i].Index != ents[i].Index || !bytes.Equal(got[i].Data, ents[i].Data) {
				t.Fatalf("entry %d = %+v, want %+v", i, got[i], ents[i])
			}
		}

		if term, _ := s.Term(3); term != 2 {
			t.Fatalf("Term(3) = %d, want 2", term)
		}
		if last, lastTerm := s.LastIndexAndTerm(); last != 3 || lastTerm != 2 {
			t.Fatalf("LastIndexAndTerm = (%d, %d), want (3, 2)", last, lastTerm)
		}
	})

	t.Run("non-contiguous append rejected", func(t *testing.T) {
		s := open(t)
		if err := s.Append([]raft.Entry{entry(5, 1, "x")}); !errors.Is(err, ErrNonContiguous) {
			t.Fatalf("gap append = %v, want ErrNonContiguous", err)
		}
	})

	t.Run("truncate drops suffix", func(t *testing.T) {
		s := open(t)
		if err := s.Append([]raft.Entry{entry(1, 1, "a"), entry(2, 1, "b"), entry(3, 1, "c")}); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if err := s.TruncateFrom(2); err != nil {
			t.Fatalf("TruncateFrom: %v", err)
		}
		if last := s.LastIndex(); last != 1 {
			t.Fatalf("LastIndex after truncate = %d, want 1", last)
		}
		// The slot is reusable with a different entry.
		if err := s.Append([]raft.Entry{entry(2, 2, "b2")}); err != nil {
			t.Fatalf("Append after truncate: %v", err)
		}
		if term, _ := s.Term(2); term != 2 {
			t.Fatalf("Term(2) after overwrite = %d, want 2", term)
		}
	})

	t.Run("snapshot compacts the head", func(t *testing.T) {
		s := open(t)
		if err := s.Append([]raft.Entry{entry(1, 1, "a"), entry(2, 1, "b"), entry(3, 1, "c"), entry(4, 1, "d")}); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if err := s.SaveSnapshot(raft.Snapshot{Index: 2, Term: 1, Data: []byte("state")}); err != nil {
			t.Fatalf("SaveSnapshot: %v", err)
		}

		if first := s.FirstIndex(); first != 3 {
			t.Fatalf("FirstIndex after snapshot = %d, want 3", first)
		}
		if _, err := s.Entries(1, 3); !errors.Is(err, ErrCompacted) {
			t.Fatalf("reading compacted range = %v, want ErrCompacted", err)
		}
		if term, err := s.Term(2); err != nil || term != 1 {
			t.Fatalf("Term at snapshot index = (%d, %v), want (1, nil)", term, err)
		}
		got, err := s.Entries(3, 5)
		if err != nil || len(got) != 2 {
			t.Fatalf("surviving suffix = (%d entries, %v), want 2", len(got), err)
		}

		snap, ok := s.Snapshot()
		if !ok || snap.Index != 2 || !bytes.Equal(snap.Data, []byte("state")) {
			t.Fatalf("Snapshot = (%+v, %v)", snap, ok)
		}
	})

	t.Run("snapshot beyond the log resets it", func(t *testing.T) {
		s := open(t)
		if err := s.Append([]raft.Entry{entry(1, 1, "a")}); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if err := s.SaveSnapshot(raft.Snapshot{Index: 10, Term: 3}); err != nil {
			t.Fatalf("SaveSnapshot: %v", err)
		}
		if first, last := s.FirstIndex(), s.LastIndex(); first != 11 || last != 10 {
			t.Fatalf("bounds after install = (%d, %d), want (11, 10)", first, last)
		}
		if err := s.Append([]raft.Entry{entry(11, 3, "next")}); err != nil {
			t.Fatalf("Append after install: %v", err)
		}
	})

	t.Run("hard state round trip", func(t *testing.T) {
		s := open(t)
		hs := raft.HardState{Term: 7, Vote: 2}
		if err := s.SetHardState(hs); err != nil {
			t.Fatalf("SetHardState: %v", err)
		}
		if got := s.HardState(); got != hs {
			t.Fatalf("HardState = %+v, want %+v", got, hs)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) raft.LogStore {
		return NewMemoryStore()
	})
}

func TestBoltStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) raft.LogStore {
		s, err := OpenBolt(filepath.Join(t.TempDir(), "raft.db"))
		if err != nil {
			t.Fatalf("OpenBolt: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raft.db")

	s, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	if err := s.Append([]raft.Entry{entry(1, 1, "a"), entry(2, 1, "b"), entry(3, 2, "c")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.SaveSnapshot(raft.Snapshot{Index: 1, Term: 1, Data: []byte("snap")}); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := s.SetHardState(raft.HardState{Term: 2, Vote: 3}); err != nil {
		t.Fatalf("SetHardState: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r.Close()

	if first, last := r.FirstIndex(), r.LastIndex(); first != 2 || last != 3 {
		t.Fatalf("bounds after reopen = (%d, %d), want (2, 3)", first, last)
	}
	got, err := r.Entries(2, 4)
	if err != nil || len(got) != 2 {
		t.Fatalf("Entries after reopen = (%d, %v), want 2 entries", len(got), err)
	}
	if !bytes.Equal(got[1].Data, []byte("c")) || got[1].Term != 2 {
		t.Fatalf("entry 3 after reopen = %+v", got[1])
	}

	snap, ok := r.Snapshot()
	if !ok || snap.Index != 1 || !bytes.Equal(snap.Data, []byte("snap")) {
		t.Fatalf("snapshot after reopen = (%+v, %v)", snap, ok)
	}
	if hs := r.HardState(); hs.Term != 2 || hs.Vote != 3 {
		t.Fatalf("hard state after reopen = %+v", hs)
	}
}
