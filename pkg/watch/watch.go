// Package watch delivers key change events to subscribers.
//
// The hub sits behind the apply loop: every committed mutation is pushed
// through Notify exactly once, in revision order. Each watcher owns a
// bounded buffer; a subscriber that stops draining is cut off rather than
// allowed to stall the apply path.
package watch

import (
	"strings"
	"sync"

	"quorumkv/pkg/kverrors"
	"quorumkv/pkg/kvstore"
	"quorumkv/pkg/types"
)

// iHistory is the slice of the store the hub needs for catch-up.
type iHistory interface {
	Rev() types.Revision
	EventsSince(rev types.Revision) ([]kvstore.Event, error)
}

// Watcher is one subscription. Events arrives in revision order and is
// closed on Cancel or when the subscriber falls behind; after a close,
// Err reports why.
type Watcher struct {
	id     int64
	key    string
	prefix bool

	events chan kvstore.Event

	// nextRev is the first revision this watcher has not yet received.
	// It dedupes the window where a change is both caught up from
	// history and delivered live.
	nextRev types.Revision

	err    error
	closed bool
}

func (w *Watcher) Events() <-chan kvstore.Event {
	return w.events
}

// Err is valid once the events channel is closed. Nil means a clean
// cancel; ErrWatcherStalled means the subscriber fell behind and must
// re-watch from a fresh revision.
func (w *Watcher) Err() error {
	return w.err
}

func (w *Watcher) matches(key string) bool {
	if w.prefix {
		return strings.HasPrefix(key, w.key)
	}
	return key == w.key
}

// Hub fans out committed events to watchers.
type Hub struct {
	mu       sync.Mutex
	store    iHistory
	watchers map[int64]*Watcher
	nextID   int64
	bufSize  int
}

func NewHub(store iHistory, bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = 1
	}
	return &Hub{
		store:    store,
		watchers: make(map[int64]*Watcher),
		bufSize:  bufSize,
	}
}

// Watch subscribes to changes of one key, or of all keys under a prefix.
// startRev zero means "from now"; a non-zero startRev first replays
// retained history from that revision onward. A start point older than
// the history window fails with ErrCompacted; a backlog larger than the
// watcher's buffer fails with ErrWatcherStalled.
func (h *Hub) Watch(key string, prefix bool, startRev types.Revision) (*Watcher, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	w := &Watcher{
		key:     key,
		prefix:  prefix,
		events:  make(chan kvstore.Event, h.bufSize),
		nextRev: h.store.Rev() + 1,
	}

	if startRev > 0 {
		backlog, err := h.store.EventsSince(startRev - 1)
		if err != nil {
			return nil, err
		}
		for _, ev := range backlog {
			if !w.matches(ev.KV.Key) {
				continue
			}
			select {
			case w.events <- ev:
			default:
				return nil, kverrors.ErrWatcherStalled
			}
			if ev.KV.ModRevision >= w.nextRev {
				w.nextRev = ev.KV.ModRevision + 1
			}
		}
		// A start point ahead of the current revision means "from that
		// revision on": nothing earlier may be delivered live either.
		if startRev > w.nextRev {
			w.nextRev = startRev
		}
	}

	h.nextID++
	w.id = h.nextID
	h.watchers[w.id] = w
	return w, nil
}

// Notify delivers the events of one committed command. Called by the
// apply loop after the store mutation, so subscribers observe a change
// no earlier than readers do. Never blocks: a watcher with a full buffer
// is closed with ErrWatcherStalled. It returns how many watchers were
// cut off.
func (h *Hub) Notify(events []kvstore.Event) int {
	if len(events) == 0 {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	stalled := 0
	for id, w := range h.watchers {
		for _, ev := range events {
			if ev.KV.ModRevision < w.nextRev || !w.matches(ev.KV.Key) {
				continue
			}
			select {
			case w.events <- ev:
			default:
				w.err = kverrors.ErrWatcherStalled
				w.closed = true
				close(w.events)
				delete(h.watchers, id)
				stalled++
			}
			if w.closed {
				break
			}
		}
		if !w.closed {
			last := events[len(events)-1].KV.ModRevision
			if last >= w.nextRev {
				w.nextRev = last + 1
			}
		}
	}
	return stalled
}

// Cancel unsubscribes a watcher and closes its channel.
func (h *Hub) Cancel(w *Watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	close(w.events)
	delete(h.watchers, w.id)
}

// Close cancels every watcher, e.g. on node shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, w := range h.watchers {
		w.err = kverrors.ErrStopped
		w.closed = true
		close(w.events)
		delete(h.watchers, id)
	}
}

// Len reports the number of live watchers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers)
}
