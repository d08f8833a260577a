// Package lease tracks time-bounded leases and the keys attached to them.
//
// The lessor never deletes keys on its own: expiry is decided by the
// leader's sweep loop, which turns expired lease IDs into replicated
// revoke commands. Followers track TTLs but never act on local clocks,
// so clock skew cannot make replicas diverge.
package lease

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zhangyunhao116/skipset"

	"quorumkv/pkg/clock"
	"quorumkv/pkg/kverrors"
	"quorumkv/pkg/types"
)

// Lease is one grant. Keys is the set of keys deleted when the lease
// dies.
type Lease struct {
	ID        types.LeaseID
	TTL       time.Duration
	ExpiresAt time.Time
	Keys      *skipset.StringSet
}

// Lessor owns all leases of one node.
type Lessor struct {
	mu     sync.Mutex
	leases map[types.LeaseID]*Lease
	ts     clock.Source
}

func NewLessor(ts clock.Source) *Lessor {
	if ts == nil {
		ts = clock.Wall{}
	}
	return &Lessor{
		leases: make(map[types.LeaseID]*Lease),
		ts:     ts,
	}
}

// Grant registers a lease under an ID decided by the proposer.
func (l *Lessor) Grant(id types.LeaseID, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.leases[id]; ok {
		return kverrors.ErrLeaseExists
	}
	l.leases[id] = &Lease{
		ID:        id,
		TTL:       ttl,
		ExpiresAt: l.ts.Now().Add(ttl),
		Keys:      skipset.NewString(),
	}
	return nil
}

// Renew resets the expiry clock and returns the new deadline.
func (l *Lessor) Renew(id types.LeaseID) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ls, ok := l.leases[id]
	if !ok {
		return time.Time{}, kverrors.ErrLeaseNotFound
	}
	ls.ExpiresAt = l.ts.Now().Add(ls.TTL)
	return ls.ExpiresAt, nil
}

// Revoke removes the lease and returns its attached keys, sorted, so the
// caller can cascade the deletes inside the same atomic apply.
func (l *Lessor) Revoke(id types.LeaseID) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ls, ok := l.leases[id]
	if !ok {
		return nil, kverrors.ErrLeaseNotFound
	}
	delete(l.leases, id)

	keys := make([]string, 0, ls.Keys.Len())
	ls.Keys.Range(func(k string) bool {
		keys = append(keys, k)
		return true
	})
	sort.Strings(keys)
	return keys, nil
}

func (l *Lessor) Attach(id types.LeaseID, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ls, ok := l.leases[id]
	if !ok {
		return kverrors.ErrLeaseNotFound
	}
	ls.Keys.Add(key)
	return nil
}

// Detach drops a key from a lease, e.g. when the key is deleted or
// overwritten with a different lease. Unknown lease is a no-op.
func (l *Lessor) Detach(id types.LeaseID, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ls, ok := l.leases[id]; ok {
		ls.Keys.Remove(key)
	}
}

// Exists reports whether a lease is currently held.
func (l *Lessor) Exists(id types.LeaseID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.leases[id]
	return ok
}

// TTLRemaining reports the remaining lifetime.
func (l *Lessor) TTLRemaining(id types.LeaseID) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ls, ok := l.leases[id]
	if !ok {
		return 0, kverrors.ErrLeaseNotFound
	}
	return ls.ExpiresAt.Sub(l.ts.Now()), nil
}

// ExpiredIDs lists leases past their deadline, sorted for deterministic
// proposal order. Only the leader's sweep loop should act on the result.
func (l *Lessor) ExpiredIDs() []types.LeaseID {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.ts.Now()
	var ids []types.LeaseID
	for id, ls := range l.leases {
		if !ls.ExpiresAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (l *Lessor) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.leases)
}

type leaseSnapshot struct {
	ID         types.LeaseID `json:"id"`
	TTLSeconds int64         `json:"ttl"`
	Keys       []string      `json:"keys,omitempty"`
}

// SnapshotData serializes the lessor for the state-machine snapshot.
// Deadlines are not carried: a restored lease restarts its full TTL,
// which may extend a lease but never expires it early.
func (l *Lessor) SnapshotData() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	snaps := make([]leaseSnapshot, 0, len(l.leases))
	for _, ls := range l.leases {
		snap := leaseSnapshot{ID: ls.ID, TTLSeconds: int64(ls.TTL / time.Second)}
		ls.Keys.Range(func(k string) bool {
			snap.Keys = append(snap.Keys, k)
			return true
		})
		sort.Strings(snap.Keys)
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })

	data, err := json.Marshal(snaps)
	if err != nil {
		return nil, fmt.Errorf("marshal lessor snapshot: %w", err)
	}
	return data, nil
}

func (l *Lessor) Restore(data []byte) error {
	var snaps []leaseSnapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		return fmt.Errorf("unmarshal lessor snapshot: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.ts.Now()
	l.leases = make(map[types.LeaseID]*Lease, len(snaps))
	for _, snap := range snaps {
		ttl := time.Duration(snap.TTLSeconds) * time.Second
		ls := &Lease{
			ID:        snap.ID,
			TTL:       ttl,
			ExpiresAt: now.Add(ttl),
			Keys:      skipset.NewString(),
		}
		for _, k := range snap.Keys {
			ls.Keys.Add(k)
		}
		l.leases[snap.ID] = ls
	}
	return nil
}
