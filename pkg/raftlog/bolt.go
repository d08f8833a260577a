package raftlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"quorumkv/pkg/raft"
	"quorumkv/pkg/types"
)

var (
	bucketEntries = []byte("entries")
	bucketMeta    = []byte("meta")

	keyHardState = []byte("hardstate")
	keySnapshot  = []byte("snapshot")
)

// BoltStore persists the log, hard state and snapshot in a single bbolt
// file. Every mutation commits (and fsyncs) before returning, so an
// acknowledged append survives restart.
type BoltStore struct {
	mu sync.Mutex
	db *bolt.DB

	// cached bounds; offset is the snapshot index (0 when none).
	offset types.Index
	last   types.Index

	snap    raft.Snapshot
	hasSnap bool
	hs      raft.HardState
}

func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open log store: %w", err)
	}

	s := &BoltStore{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}
		return s.loadMeta(tx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init log store: %w", err)
	}
	return s, nil
}

func (s *BoltStore) loadMeta(tx *bolt.Tx) error {
	meta := tx.Bucket(bucketMeta)

	if data := meta.Get(keyHardState); data != nil {
		if err := json.Unmarshal(data, &s.hs); err != nil {
			return fmt.Errorf("decode hard state: %w", err)
		}
	}
	if data := meta.Get(keySnapshot); data != nil {
		if err := json.Unmarshal(data, &s.snap); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		s.hasSnap = true
		s.offset = s.snap.Index
	}

	s.last = s.offset
	c := tx.Bucket(bucketEntries).Cursor()
	if k, _ := c.Last(); k != nil {
		s.last = types.Index(binary.BigEndian.Uint64(k))
	}
	return nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func indexKey(i types.Index) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(i))
	return k[:]
}

func (s *BoltStore) Append(entries []raft.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if entries[0].Index != s.last+1 {
		return fmt.Errorf("%w: appending %d after %d", ErrNonContiguous, entries[0].Index, s.last)
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for _, ent := range entries {
			data, err := json.Marshal(ent)
			if err != nil {
				return fmt.Errorf("encode entry %d: %w", ent.Index, err)
			}
			if err := b.Put(indexKey(ent.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append entries: %w", err)
	}
	s.last = entries[len(entries)-1].Index
	return nil
}

func (s *BoltStore) Entries(lo, hi types.Index) ([]raft.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lo <= s.offset {
		return nil, fmt.Errorf("%w: lo %d <= snapshot index %d", ErrCompacted, lo, s.offset)
	}
	if hi > s.last+1 {
		return nil, fmt.Errorf("%w: hi %d > last %d", ErrOutOfRange, hi, s.last)
	}
	if lo >= hi {
		return nil, fmt.Errorf("%w: empty range [%d, %d)", ErrOutOfRange, lo, hi)
	}

	out := make([]raft.Entry, 0, hi-lo)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for i := lo; i < hi; i++ {
			data := b.Get(indexKey(i))
			if data == nil {
				return fmt.Errorf("%w: missing entry %d", ErrOutOfRange, i)
			}
			var ent raft.Entry
			if err := json.Unmarshal(data, &ent); err != nil {
				return fmt.Errorf("decode entry %d: %w", i, err)
			}
			out = append(out, ent)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Term(i types.Index) (types.Term, error) {
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
	if i > s.last {
		return 0, fmt.Errorf("%w: index %d > last %d", ErrOutOfRange, i, s.last)
	}

	var term types.Term
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEntries).Get(indexKey(i))
		if data == nil {
			return fmt.Errorf("%w: missing entry %d", ErrOutOfRange, i)
		}
		var ent raft.Entry
		if err := json.Unmarshal(data, &ent); err != nil {
			return fmt.Errorf("decode entry %d: %w", i, err)
		}
		term = ent.Term
		return nil
	})
	return term, err
}

func (s *BoltStore) FirstIndex() types.Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset + 1
}

func (s *BoltStore) LastIndex() types.Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *BoltStore) LastIndexAndTerm() (types.Index, types.Term) {
	s.mu.Lock()
	last := s.last
	offset := s.offset
	snapTerm := s.snap.Term
	s.mu.Unlock()

	if last == offset {
		return last, snapTerm
	}
	term, err := s.Term(last)
	if err != nil {
		return last, 0
	}
	return last, term
}

func (s *BoltStore) TruncateFrom(i types.Index) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i <= s.offset {
		return fmt.Errorf("%w: cannot truncate at %d below snapshot %d", ErrCompacted, i, s.offset)
	}
	if i > s.last {
		return nil
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for idx := i; idx <= s.last; idx++ {
			if err := b.Delete(indexKey(idx)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("truncate from %d: %w", i, err)
	}
	s.last = i - 1
	return nil
}

func (s *BoltStore) SaveSnapshot(snap raft.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasSnap && snap.Index < s.snap.Index {
		return fmt.Errorf("%w: snapshot index %d older than %d", ErrOutOfRange, snap.Index, s.snap.Index)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketMeta).Put(keySnapshot, data); err != nil {
			return err
		}
		b := tx.Bucket(bucketEntries)
		for idx := s.offset + 1; idx <= min(snap.Index, s.last); idx++ {
			if err := b.Delete(indexKey(idx)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	s.snap = snap
	s.hasSnap = true
	s.offset = snap.Index
	if s.last < snap.Index {
		s.last = snap.Index
	}
	return nil
}

func (s *BoltStore) Snapshot() (raft.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, s.hasSnap
}

func (s *BoltStore) SetHardState(hs raft.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(hs)
	if err != nil {
		return fmt.Errorf("encode hard state: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyHardState, data)
	})
	if err != nil {
		return fmt.Errorf("persist hard state: %w", err)
	}
	s.hs = hs
	return nil
}

func (s *BoltStore) HardState() raft.HardState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hs
}
