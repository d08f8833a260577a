package kvstore

import (
	"fmt"
	"sort"

	"quorumkv/pkg/kverrors"
	"quorumkv/pkg/types"
)

// revisionBatch holds every event produced at one revision. Transactions
// and prefix deletes emit several events under a single revision.
type revisionBatch struct {
	rev    types.Revision
	events []Event
}

// version is one point in a key's lifetime. A tombstone marks a delete.
type version struct {
	kv        KeyValue
	tombstone bool
}

// history keeps a sliding window of recent changes: a global event log
// for watch catch-up and per-key version chains for reads at a past
// revision. When the window exceeds limit revisions the oldest batch is
// dropped and compactedRev advances. All access is serialized by the
// store mutex.
type history struct {
	limit int

	batches []revisionBatch
	chains  map[string][]version

	// compactedRev is the newest revision no longer queryable. Queries
	// at or below it fail with ErrCompacted.
	compactedRev types.Revision
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = 1
	}
	return &history{
		limit:  limit,
		chains: make(map[string][]version),
	}
}

func (h *history) record(rev types.Revision, events []Event) {
	h.batches = append(h.batches, revisionBatch{rev: rev, events: events})
	if len(h.batches) > h.limit {
		h.compact(h.batches[0].rev)
	}
}

func (h *history) appendVersion(key string, kv KeyValue) {
	h.chains[key] = append(h.chains[key], version{kv: kv})
}

func (h *history) appendTombstone(key string, rev types.Revision) {
	h.chains[key] = append(h.chains[key], version{
		kv:        KeyValue{Key: key, ModRevision: rev},
		tombstone: true,
	})
}

// compact drops all history at or below rev. Each chain keeps its latest
// surviving base version so reads just above the horizon still resolve.
func (h *history) compact(rev types.Revision) {
	if rev <= h.compactedRev {
		return
	}
	h.compactedRev = rev

	i := 0
	for i < len(h.batches) && h.batches[i].rev <= rev {
		i++
	}
	h.batches = h.batches[i:]

	for key, chain := range h.chains {
		cut := 0
		for cut < len(chain) && chain[cut].kv.ModRevision <= rev {
			cut++
		}
		// Keep the newest entry at or below the horizon as the base,
		// unless it is a tombstone: an absent key needs no base.
		if cut > 0 && !chain[cut-1].tombstone {
			cut--
		}
		switch {
		case cut >= len(chain):
			delete(h.chains, key)
		case cut > 0:
			h.chains[key] = append([]version(nil), chain[cut:]...)
		}
	}
}

func (h *history) versionAt(key string, rev types.Revision) (KeyValue, error) {
	if rev <= h.compactedRev {
		return KeyValue{}, fmt.Errorf("%w: revision %d at or below horizon %d",
			kverrors.ErrCompacted, rev, h.compactedRev)
	}

	chain := h.chains[key]
	// Latest version with ModRevision <= rev.
	i := sort.Search(len(chain), func(i int) bool {
		return chain[i].kv.ModRevision > rev
	})
	if i == 0 {
		return KeyValue{}, kverrors.ErrKeyNotFound
	}
	v := chain[i-1]
	if v.tombstone {
		return KeyValue{}, kverrors.ErrKeyNotFound
	}
	return v.kv, nil
}

func (h *history) eventsSince(rev types.Revision) ([]Event, error) {
	if rev < h.compactedRev {
		return nil, fmt.Errorf("%w: revision %d below horizon %d",
			kverrors.ErrCompacted, rev, h.compactedRev)
	}

	var out []Event
	for _, b := range h.batches {
		if b.rev <= rev {
			continue
		}
		out = append(out, b.events...)
	}
	return out, nil
}

// reset clears the window after a snapshot restore. Everything at or
// below the snapshot revision is unreachable on this replica.
func (h *history) reset(rev types.Revision) {
	h.batches = nil
	h.chains = make(map[string][]version)
	h.compactedRev = rev
}
