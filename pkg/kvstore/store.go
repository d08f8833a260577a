// Package kvstore implements the replicated state machine: a key-value
// store with per-key versions, a global revision counter and a bounded
// history of recent changes.
//
// Apply is the only mutator. It is driven strictly by committed log
// entries, so every replica sees the same command sequence and computes
// the same state. Reads never block applies for long: they take the same
// mutex but do no I/O under it.
package kvstore

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zhangyunhao116/skipmap"

	"quorumkv/pkg/clock"
	"quorumkv/pkg/command"
	"quorumkv/pkg/kverrors"
	"quorumkv/pkg/types"
)

// KeyValue is the stored record for one key.
type KeyValue struct {
	Key            string         `json:"key"`
	Value          []byte         `json:"value"`
	CreateRevision types.Revision `json:"create_revision"`
	ModRevision    types.Revision `json:"mod_revision"`
	Version        uint64         `json:"version"`
	Lease          types.LeaseID  `json:"lease,omitempty"`
}

// EventType discriminates watch events.
type EventType string

const (
	EventPut    EventType = "put"
	EventDelete EventType = "delete"
)

// Event is one change to one key. Delete events carry the key and the
// revision of the delete; PrevKV holds the overwritten record when one
// existed.
type Event struct {
	Type   EventType `json:"type"`
	KV     KeyValue  `json:"kv"`
	PrevKV *KeyValue `json:"prev_kv,omitempty"`
}

// iLessor is the lease bookkeeping the store needs during applies.
// Revoke returns the attached keys so the cascade deletes land in the
// same apply as the revoke itself.
type iLessor interface {
	Grant(id types.LeaseID, ttl time.Duration) error
	Renew(id types.LeaseID) (time.Time, error)
	Revoke(id types.LeaseID) ([]string, error)
	Attach(id types.LeaseID, key string) error
	Detach(id types.LeaseID, key string)
	Exists(id types.LeaseID) bool
}

// OpResult is the outcome of one transaction branch operation.
type OpResult struct {
	Op  command.Op `json:"op"`
	KVs []KeyValue `json:"kvs,omitempty"`
}

// ApplyResult reports what one committed command did. Err is a domain
// error returned to the proposing caller; it never aborts the apply
// loop. Revision is zero when the command mutated nothing.
type ApplyResult struct {
	Revision  types.Revision
	Events    []Event
	Succeeded bool
	Results   []OpResult
	Err       error
}

// Store is the state machine.
type Store struct {
	mu sync.Mutex

	index   *skipmap.StringMap[*KeyValue]
	rev     *clock.AtomicClock
	history *history
	lessor  iLessor
}

func New(lessor iLessor, historyLimit int) *Store {
	return &Store{
		index:   skipmap.NewString[*KeyValue](),
		rev:     clock.NewAtomic(0),
		history: newHistory(historyLimit),
		lessor:  lessor,
	}
}

// Rev returns the current revision.
func (s *Store) Rev() types.Revision {
	return s.rev.Val()
}

// CompactedRev returns the oldest revision still queryable.
func (s *Store) CompactedRev() types.Revision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.compactedRev
}

// Apply executes one committed command. Within one call all effects,
// including lease revoke cascades, land under a single new revision.
func (s *Store) Apply(cmd command.Command) ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Op {
	case command.OpPut:
		return s.applyPut(cmd.Put)
	case command.OpDelete:
		return s.applyDelete(cmd.Delete)
	case command.OpTxn:
		return s.applyTxn(cmd.Txn)
	case command.OpLeaseGrant:
		ttl := time.Duration(cmd.LeaseGrant.TTLSeconds) * time.Second
		return ApplyResult{Err: s.lessor.Grant(cmd.LeaseGrant.ID, ttl)}
	case command.OpLeaseRenew:
		_, err := s.lessor.Renew(cmd.LeaseRenew.ID)
		return ApplyResult{Err: err}
	case command.OpLeaseRevoke:
		return s.applyLeaseRevoke(cmd.LeaseRevoke.ID)
	default:
		return ApplyResult{Err: fmt.Errorf("unknown command operation: %s", cmd.Op)}
	}
}

func (s *Store) applyPut(req *command.PutRequest) ApplyResult {
	rev := s.rev.Val() + 1
	ev, err := s.putLocked(rev, req)
	if err != nil {
		return ApplyResult{Err: err}
	}
	s.rev.Set(rev)
	events := []Event{ev}
	s.history.record(rev, events)
	return ApplyResult{Revision: rev, Events: events, Succeeded: true}
}

// putLocked stages one put at the given revision. It does not advance the
// revision counter; the caller commits the revision after all ops of the
// command succeed.
func (s *Store) putLocked(rev types.Revision, req *command.PutRequest) (Event, error) {
	prev, existed := s.index.Load(req.Key)

	kv := &KeyValue{
		Key:            req.Key,
		Value:          req.Value,
		CreateRevision: rev,
		ModRevision:    rev,
		Version:        1,
		Lease:          req.Lease,
	}
	if existed {
		kv.CreateRevision = prev.CreateRevision
		kv.Version = prev.Version + 1
	}

	if req.Lease != 0 {
		if err := s.lessor.Attach(req.Lease, req.Key); err != nil {
			return Event{}, err
		}
	}
	if existed && prev.Lease != 0 && prev.Lease != req.Lease {
		s.lessor.Detach(prev.Lease, req.Key)
	}

	s.index.Store(req.Key, kv)
	s.history.appendVersion(req.Key, *kv)

	ev := Event{Type: EventPut, KV: *kv}
	if existed {
		prevCopy := *prev
		ev.PrevKV = &prevCopy
	}
	return ev, nil
}

func (s *Store) applyDelete(req *command.DeleteRequest) ApplyResult {
	rev := s.rev.Val() + 1

	var events []Event
	if req.Prefix {
		for _, kv := range s.rangePrefixLocked(req.Key) {
			events = append(events, s.deleteKeyLocked(rev, kv))
		}
	} else {
		kv, ok := s.index.Load(req.Key)
		if ok {
			events = append(events, s.deleteKeyLocked(rev, kv))
		}
	}

	if len(events) == 0 {
		return ApplyResult{Err: kverrors.ErrKeyNotFound}
	}
	s.rev.Set(rev)
	s.history.record(rev, events)
	return ApplyResult{Revision: rev, Events: events, Succeeded: true}
}

func (s *Store) deleteKeyLocked(rev types.Revision, prev *KeyValue) Event {
	if prev.Lease != 0 {
		s.lessor.Detach(prev.Lease, prev.Key)
	}
	s.index.Delete(prev.Key)
	s.history.appendTombstone(prev.Key, rev)

	prevCopy := *prev
	return Event{
		Type:   EventDelete,
		KV:     KeyValue{Key: prev.Key, ModRevision: rev},
		PrevKV: &prevCopy,
	}
}

func (s *Store) applyLeaseRevoke(id types.LeaseID) ApplyResult {
	keys, err := s.lessor.Revoke(id)
	if err != nil {
		return ApplyResult{Err: err}
	}

	var events []Event
	rev := s.rev.Val() + 1
	for _, key := range keys {
		kv, ok := s.index.Load(key)
		if !ok {
			continue
		}
		// deleteKeyLocked detaches from a lease that no longer exists;
		// the lessor treats that as a no-op.
		events = append(events, s.deleteKeyLocked(rev, kv))
	}
	if len(events) == 0 {
		return ApplyResult{Succeeded: true}
	}
	s.rev.Set(rev)
	s.history.record(rev, events)
	return ApplyResult{Revision: rev, Events: events, Succeeded: true}
}

// Get returns the current record for a key.
func (s *Store) Get(key string) (KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kv, ok := s.index.Load(key)
	if !ok {
		return KeyValue{}, kverrors.ErrKeyNotFound
	}
	return *kv, nil
}

// GetPrefix returns all current records whose key starts with prefix,
// in key order.
func (s *Store) GetPrefix(prefix string) []KeyValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	kvs := s.rangePrefixLocked(prefix)
	out := make([]KeyValue, len(kvs))
	for i, kv := range kvs {
		out[i] = *kv
	}
	return out
}

func (s *Store) rangePrefixLocked(prefix string) []*KeyValue {
	var out []*KeyValue
	s.index.Range(func(key string, kv *KeyValue) bool {
		if key < prefix {
			return true
		}
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		out = append(out, kv)
		return true
	})
	return out
}

// GetAtRevision returns the record as of a past revision. Revisions older
// than the retained history window fail with ErrCompacted.
func (s *Store) GetAtRevision(key string, rev types.Revision) (KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rev > s.rev.Val() {
		return KeyValue{}, fmt.Errorf("%w: revision %d is in the future", kverrors.ErrKeyNotFound, rev)
	}
	return s.history.versionAt(key, rev)
}

// EventsSince returns all events with revision strictly greater than rev,
// oldest first, for watch catch-up. A start point below the compaction
// horizon fails with ErrCompacted.
func (s *Store) EventsSince(rev types.Revision) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.eventsSince(rev)
}

type storeSnapshot struct {
	Revision types.Revision `json:"revision"`
	KVs      []KeyValue     `json:"kvs"`
}

// SnapshotData serializes the current key space. History is not carried:
// a restored follower starts a fresh window, and watchers resuming below
// the snapshot revision get ErrCompacted.
func (s *Store) SnapshotData() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := storeSnapshot{Revision: s.rev.Val()}
	s.index.Range(func(_ string, kv *KeyValue) bool {
		snap.KVs = append(snap.KVs, *kv)
		return true
	})

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal store snapshot: %w", err)
	}
	return data, nil
}

// Restore replaces the whole key space from a snapshot.
func (s *Store) Restore(data []byte) error {
	var snap storeSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal store snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.index = skipmap.NewString[*KeyValue]()
	s.rev.Set(snap.Revision)
	s.history.reset(snap.Revision)
	for i := range snap.KVs {
		kv := snap.KVs[i]
		s.index.Store(kv.Key, &kv)
		// Seed each chain with its snapshot version so reads just above
		// the horizon resolve to the restored state.
		s.history.appendVersion(kv.Key, kv)
	}
	return nil
}

// Len reports the number of live keys.
func (s *Store) Len() int {
	return s.index.Len()
}
