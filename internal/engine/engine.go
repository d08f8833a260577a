// Package engine wires consensus, the state machine, leases and watches
// into one node. Client operations enter here, become replicated
// commands, and return once the apply loop has executed them.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"quorumkv/internal/metrics"
	"quorumkv/pkg/clock"
	"quorumkv/pkg/command"
	"quorumkv/pkg/config"
	"quorumkv/pkg/idutil"
	"quorumkv/pkg/kverrors"
	"quorumkv/pkg/kvstore"
	"quorumkv/pkg/lease"
	"quorumkv/pkg/listener"
	"quorumkv/pkg/raft"
	"quorumkv/pkg/raftlog"
	"quorumkv/pkg/types"
	"quorumkv/pkg/watch"
)

// applyOutcome is handed from the apply loop to the proposing caller.
type applyOutcome struct {
	res kvstore.ApplyResult
}

type appliedWaiter struct {
	index types.Index
	done  chan struct{}
}

// Engine is one cluster member.
type Engine struct {
	cfg config.Config

	node *raft.Node

	store    *kvstore.Store
	lessor   *lease.Lessor
	hub      *watch.Hub
	leaseIDs *idutil.Generator

	proposalsMu sync.RWMutex
	proposals   map[uuid.UUID]chan applyOutcome

	appliedMu sync.Mutex
	applied   types.Index
	waiters   []appliedWaiter

	// snapshot threshold bookkeeping, touched only by the apply loop.
	entriesSinceSnap int

	wasLeader bool

	workers []listener.Worker
	cancel  context.CancelFunc

	closeLog func() error
}

// engineSnapshot is the state machine image carried by raft snapshots.
type engineSnapshot struct {
	KV     json.RawMessage `json:"kv"`
	Leases json.RawMessage `json:"leases"`
}

// Open builds an engine with a durable log under cfg.Storage.DataDir.
func Open(cfg config.Config) (*Engine, error) {
	logPath := filepath.Join(cfg.Storage.DataDir, "raft.db")
	bs, err := raftlog.OpenBolt(logPath)
	if err != nil {
		return nil, err
	}
	e, err := New(cfg, bs, clock.Wall{})
	if err != nil {
		_ = bs.Close()
		return nil, err
	}
	e.closeLog = bs.Close
	return e, nil
}

// New builds an engine over an existing log store and time source. Tests
// pass an in-memory store and a manual clock.
func New(cfg config.Config, logStore raft.LogStore, ts clock.Source) (*Engine, error) {
	peers := make(map[types.NodeID]string, len(cfg.Node.Peers))
	members := make([]types.NodeID, 0, len(cfg.Node.Peers))
	for _, p := range cfg.Node.Peers {
		id := types.NodeID(p.ID)
		if _, ok := peers[id]; ok {
			return nil, fmt.Errorf("duplicate peer ID %d", p.ID)
		}
		peers[id] = p.URL
		members = append(members, id)
	}

	transport := raft.NewHTTPTransport(peers)
	return newWithTransport(cfg, logStore, ts, transport, members)
}

// NewWithTransport is the test seam: cluster tests inject a channel
// transport and drive ticks by hand.
func NewWithTransport(cfg config.Config, logStore raft.LogStore, ts clock.Source, tr raft.Transport) (*Engine, error) {
	members := make([]types.NodeID, 0, len(cfg.Node.Peers))
	for _, p := range cfg.Node.Peers {
		members = append(members, types.NodeID(p.ID))
	}
	return newWithTransport(cfg, logStore, ts, tr, members)
}

func newWithTransport(cfg config.Config, logStore raft.LogStore, ts clock.Source, tr raft.Transport, members []types.NodeID) (*Engine, error) {
	lessor := lease.NewLessor(ts)
	store := kvstore.New(lessor, cfg.Storage.HistoryLimit)
	hub := watch.NewHub(store, cfg.Watch.BufferSize)

	node, err := raft.NewNode(raft.Config{
		ID:               types.NodeID(cfg.Node.ID),
		Members:          members,
		ElectionTick:     cfg.Raft.ElectionTick,
		HeartbeatTick:    cfg.Raft.HeartbeatTick,
		MaxEntriesPerMsg: cfg.Raft.MaxEntriesPerMsg,
		Storage:          logStore,
		Transport:        tr,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		node:      node,
		store:     store,
		lessor:    lessor,
		hub:       hub,
		leaseIDs:  idutil.NewGenerator(types.NodeID(cfg.Node.ID), ts.Now()),
		proposals: make(map[uuid.UUID]chan applyOutcome),
	}
	// Rebuild the state machine from the durable snapshot before any
	// entry replays.
	if snap, ok := logStore.Snapshot(); ok {
		if err := e.restoreSnapshot(snap.Data); err != nil {
			return nil, fmt.Errorf("restore snapshot at index %d: %w", snap.Index, err)
		}
		e.applied = snap.Index
	}

	if err := metrics.Register(nil); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return e, nil
}

// Start launches the background loops: raft ticks, the apply loop and
// the leader's lease expiry sweep.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.node.Start(ctx)

	tickInterval := time.Duration(e.cfg.Raft.TickIntervalMs) * time.Millisecond
	sweepInterval := time.Duration(e.cfg.Lease.SweepIntervalMs) * time.Millisecond

	raftTicker := time.NewTicker(tickInterval)
	sweepTicker := time.NewTicker(sweepInterval)

	e.workers = []listener.Worker{
		listener.New(raftTicker.C, func(context.Context, time.Time) error {
			e.tick()
			return nil
		}, raftTicker.Stop),
		listener.New(e.node.Applies(), func(_ context.Context, ap raft.Apply) error {
			return e.applyBatch(ap)
		}),
		listener.New(sweepTicker.C, func(context.Context, time.Time) error {
			e.sweepLeases()
			return nil
		}, sweepTicker.Stop),
	}
	for _, w := range e.workers {
		w.Start(ctx)
	}
}

// Stop halts the loops and fails every parked proposal.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	for _, w := range e.workers {
		w.Stop()
	}
	e.hub.Close()

	e.proposalsMu.Lock()
	for id, ch := range e.proposals {
		select {
		case ch <- applyOutcome{res: kvstore.ApplyResult{Err: kverrors.ErrStopped}}:
		default:
		}
		delete(e.proposals, id)
	}
	e.proposalsMu.Unlock()

	if e.closeLog != nil {
		if err := e.closeLog(); err != nil {
			slog.Error("closing raft log failed", "error", err)
		}
	}
	slog.Info("engine stopped", "id", e.cfg.Node.ID)
}

func (e *Engine) tick() {
	e.node.Tick()
	leader := e.node.IsLeader()
	if leader && !e.wasLeader {
		metrics.LeadershipChanges.Inc()
	}
	e.wasLeader = leader
}

/* - apply loop - */

func (e *Engine) applyBatch(ap raft.Apply) error {
	if ap.Snapshot != nil {
		if err := e.restoreSnapshot(ap.Snapshot.Data); err != nil {
			// A snapshot that does not decode means divergent state; halt.
			return fmt.Errorf("%w: restore snapshot: %v", kverrors.ErrCorrupt, err)
		}
		e.setApplied(ap.Snapshot.Index)
		e.entriesSinceSnap = 0
		slog.Info("state machine restored from snapshot", "index", ap.Snapshot.Index)
		return nil
	}

	for _, ent := range ap.Entries {
		if len(ent.Data) > 0 {
			e.applyEntry(ent)
		}
		e.setApplied(ent.Index)
		metrics.AppliedEntries.Inc()
	}

	e.entriesSinceSnap += len(ap.Entries)
	if e.cfg.Raft.SnapshotThreshold > 0 && e.entriesSinceSnap >= e.cfg.Raft.SnapshotThreshold {
		e.maybeSnapshot()
	}
	return nil
}

func (e *Engine) applyEntry(ent raft.Entry) {
	cmd, err := command.Unmarshal(ent.Data)
	if err != nil {
		// Entries only carry payloads produced by command.Marshal; a
		// payload that does not decode means divergent replicas.
		slog.Error("undecodable log entry, halting", "index", ent.Index, "error", err)
		panic(fmt.Errorf("%w: entry %d: %v", kverrors.ErrCorrupt, ent.Index, err))
	}

	res := e.store.Apply(cmd)
	if len(res.Events) > 0 {
		if stalled := e.hub.Notify(res.Events); stalled > 0 {
			metrics.WatchStalls.Add(float64(stalled))
		}
		metrics.WatchEvents.Add(float64(len(res.Events)))
	}
	if res.Revision > 0 {
		metrics.CurrentRevision.Set(float64(res.Revision))
	}
	e.notifyProposal(cmd.ID, applyOutcome{res: res})
}

func (e *Engine) notifyProposal(id uuid.UUID, out applyOutcome) {
	e.proposalsMu.RLock()
	ch, ok := e.proposals[id]
	e.proposalsMu.RUnlock()
	if !ok {
		// Normal on followers, and on a leader whose caller timed out.
		return
	}
	select {
	case ch <- out:
	default:
	}
}

func (e *Engine) maybeSnapshot() {
	data, err := e.snapshotData()
	if err != nil {
		slog.Error("state machine snapshot failed", "error", err)
		return
	}
	if err := e.node.TakeSnapshot(e.Applied(), data); err != nil {
		slog.Error("log compaction failed", "error", err)
		return
	}
	e.entriesSinceSnap = 0
	metrics.SnapshotsTaken.Inc()
}

func (e *Engine) snapshotData() ([]byte, error) {
	kv, err := e.store.SnapshotData()
	if err != nil {
		return nil, err
	}
	leases, err := e.lessor.SnapshotData()
	if err != nil {
		return nil, err
	}
	return json.Marshal(engineSnapshot{KV: kv, Leases: leases})
}

func (e *Engine) restoreSnapshot(data []byte) error {
	var snap engineSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if err := e.lessor.Restore(snap.Leases); err != nil {
		return err
	}
	return e.store.Restore(snap.KV)
}

/* - applied index tracking - */

func (e *Engine) Applied() types.Index {
	e.appliedMu.Lock()
	defer e.appliedMu.Unlock()
	return e.applied
}

func (e *Engine) setApplied(idx types.Index) {
	e.appliedMu.Lock()
	if idx > e.applied {
		e.applied = idx
	}
	remaining := e.waiters[:0]
	for _, w := range e.waiters {
		if w.index <= e.applied {
			close(w.done)
			continue
		}
		remaining = append(remaining, w)
	}
	e.waiters = remaining
	e.appliedMu.Unlock()
}

func (e *Engine) waitApplied(ctx context.Context, idx types.Index) error {
	e.appliedMu.Lock()
	if e.applied >= idx {
		e.appliedMu.Unlock()
		return nil
	}
	w := appliedWaiter{index: idx, done: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	e.appliedMu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return kverrors.ErrTimeout
	}
}

/* - proposals - */

// execute replicates one command and waits for its local apply.
func (e *Engine) execute(ctx context.Context, cmd command.Command) (kvstore.ApplyResult, error) {
	if err := cmd.Validate(); err != nil {
		return kvstore.ApplyResult{}, err
	}
	data, err := cmd.Marshal()
	if err != nil {
		return kvstore.ApplyResult{}, err
	}

	ch := make(chan applyOutcome, 1)
	e.proposalsMu.Lock()
	e.proposals[cmd.ID] = ch
	e.proposalsMu.Unlock()
	defer func() {
		e.proposalsMu.Lock()
		delete(e.proposals, cmd.ID)
		e.proposalsMu.Unlock()
	}()

	if _, _, err := e.node.Propose(data); err != nil {
		metrics.ProposalsTotal.WithLabelValues("rejected").Inc()
		return kvstore.ApplyResult{}, err
	}

	select {
	case out := <-ch:
		if out.res.Err != nil {
			metrics.ProposalsTotal.WithLabelValues("failed").Inc()
		} else {
			metrics.ProposalsTotal.WithLabelValues("applied").Inc()
		}
		return out.res, out.res.Err
	case <-ctx.Done():
		metrics.ProposalsTotal.WithLabelValues("timeout").Inc()
		// The entry may still commit; only compare-guarded retries are
		// safe for the caller.
		return kvstore.ApplyResult{}, kverrors.ErrTimeout
	}
}

/* - client operations - */

// Put writes a key, optionally bound to a lease, and returns the new
// revision.
func (e *Engine) Put(ctx context.Context, key string, value []byte, leaseID types.LeaseID) (types.Revision, error) {
	res, err := e.execute(ctx, command.NewPut(key, value, leaseID))
	if err != nil {
		return 0, err
	}
	return res.Revision, nil
}

// Delete removes a key, or every key under a prefix. It returns the new
// revision and how many keys went away.
func (e *Engine) Delete(ctx context.Context, key string, prefix bool) (types.Revision, int, error) {
	res, err := e.execute(ctx, command.NewDelete(key, prefix))
	if err != nil {
		return 0, 0, err
	}
	return res.Revision, len(res.Events), nil
}

// TxnResponse reports the branch taken and its per-op results.
type TxnResponse struct {
	Succeeded bool               `json:"succeeded"`
	Revision  types.Revision     `json:"revision,omitempty"`
	Results   []kvstore.OpResult `json:"results,omitempty"`
}

// Txn runs an atomic compare-and-execute transaction.
func (e *Engine) Txn(ctx context.Context, req command.TxnRequest) (TxnResponse, error) {
	res, err := e.execute(ctx, command.NewTxn(req))
	if err != nil {
		return TxnResponse{Succeeded: res.Succeeded}, err
	}
	return TxnResponse{Succeeded: res.Succeeded, Revision: res.Revision, Results: res.Results}, nil
}

// GetOptions controls read consistency. Linearizable reads go through
// the leader's commit barrier; serializable reads answer from local
// state. AtRevision reads a past revision from the history window.
type GetOptions struct {
	Linearizable bool
	AtRevision   types.Revision
	Prefix       bool
}

// Get reads one key, or all keys under a prefix.
func (e *Engine) Get(ctx context.Context, key string, opts GetOptions) ([]kvstore.KeyValue, error) {
	if opts.Linearizable {
		idx, err := e.node.Barrier()
		if err != nil {
			return nil, err
		}
		if err := e.waitApplied(ctx, idx); err != nil {
			return nil, err
		}
	}

	if opts.AtRevision > 0 {
		if opts.Prefix {
			return nil, fmt.Errorf("prefix reads at a past revision are not supported")
		}
		kv, err := e.store.GetAtRevision(key, opts.AtRevision)
		if err != nil {
			return nil, err
		}
		return []kvstore.KeyValue{kv}, nil
	}

	if opts.Prefix {
		return e.store.GetPrefix(key), nil
	}
	kv, err := e.store.Get(key)
	if err != nil {
		return nil, err
	}
	return []kvstore.KeyValue{kv}, nil
}

/* - leases - */

// LeaseGrant creates a lease and returns its ID and granted TTL.
func (e *Engine) LeaseGrant(ctx context.Context, ttl time.Duration) (types.LeaseID, time.Duration, error) {
	minTTL := time.Duration(e.cfg.Lease.MinTTLSeconds) * time.Second
	if ttl < minTTL {
		ttl = minTTL
	}
	id := e.leaseIDs.Next()
	_, err := e.execute(ctx, command.NewLeaseGrant(id, int64(ttl/time.Second)))
	if err != nil {
		return 0, 0, err
	}
	return id, ttl, nil
}

// LeaseRenew resets a lease's TTL and returns the remaining lifetime.
func (e *Engine) LeaseRenew(ctx context.Context, id types.LeaseID) (time.Duration, error) {
	if _, err := e.execute(ctx, command.NewLeaseRenew(id)); err != nil {
		return 0, err
	}
	return e.lessor.TTLRemaining(id)
}

// LeaseRevoke deletes a lease and every key attached to it.
func (e *Engine) LeaseRevoke(ctx context.Context, id types.LeaseID) error {
	_, err := e.execute(ctx, command.NewLeaseRevoke(id))
	return err
}

// LeaseTTL reports the remaining lifetime without renewing.
func (e *Engine) LeaseTTL(id types.LeaseID) (time.Duration, error) {
	return e.lessor.TTLRemaining(id)
}

// sweepLeases proposes a revoke for every expired lease. Only the leader
// sweeps, so expiry decisions replicate through the log like any other
// write and followers never act on their own clocks.
func (e *Engine) sweepLeases() {
	if !e.node.IsLeader() {
		return
	}
	for _, id := range e.lessor.ExpiredIDs() {
		cmd := command.NewLeaseRevoke(id)
		data, err := cmd.Marshal()
		if err != nil {
			slog.Error("marshal lease revoke failed", "lease", id, "error", err)
			continue
		}
		if _, _, err := e.node.Propose(data); err != nil {
			// Lost leadership or quorum mid-sweep; the next leader sweeps.
			slog.Debug("lease revoke proposal refused", "lease", id, "error", err)
			return
		}
		metrics.LeaseExpirations.Inc()
		slog.Info("lease expired", "lease", id)
	}
}

/* - watches - */

// Watch subscribes to changes of a key or prefix, optionally replaying
// retained history from startRev.
func (e *Engine) Watch(key string, prefix bool, startRev types.Revision) (*watch.Watcher, error) {
	w, err := e.hub.Watch(key, prefix, startRev)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// CancelWatch unsubscribes a watcher.
func (e *Engine) CancelWatch(w *watch.Watcher) {
	e.hub.Cancel(w)
}

/* - introspection - */

// Member describes one cluster member for the members endpoint.
type Member struct {
	ID     uint64 `json:"id"`
	URL    string `json:"url"`
	Leader bool   `json:"leader"`
}

func (e *Engine) Members() []Member {
	lead := e.node.Leader()
	out := make([]Member, 0, len(e.cfg.Node.Peers))
	for _, p := range e.cfg.Node.Peers {
		out = append(out, Member{ID: p.ID, URL: p.URL, Leader: types.NodeID(p.ID) == lead})
	}
	return out
}

// Status is the node introspection document.
type Status struct {
	ID          uint64         `json:"id"`
	State       string         `json:"state"`
	Term        uint64         `json:"term"`
	Leader      uint64         `json:"leader"`
	CommitIndex uint64         `json:"commit_index"`
	Applied     uint64         `json:"applied_index"`
	Revision    types.Revision `json:"revision"`
	Leases      int            `json:"leases"`
	Watchers    int            `json:"watchers"`
}

func (e *Engine) Status() Status {
	st := e.node.Status()
	return Status{
		ID:          uint64(st.ID),
		State:       string(st.State),
		Term:        uint64(st.Term),
		Leader:      uint64(st.Leader),
		CommitIndex: uint64(st.CommitIndex),
		Applied:     uint64(e.Applied()),
		Revision:    e.store.Rev(),
		Leases:      e.lessor.Len(),
		Watchers:    e.hub.Len(),
	}
}

func (e *Engine) IsLeader() bool {
	return e.node.IsLeader()
}

// LeaderURL returns the current leader's client URL, or empty when
// unknown.
func (e *Engine) LeaderURL() string {
	lead := e.node.Leader()
	if lead == 0 {
		return ""
	}
	for _, p := range e.cfg.Node.Peers {
		if types.NodeID(p.ID) == lead {
			return p.URL
		}
	}
	return ""
}

// StepMessage feeds one protocol message from a peer into consensus.
func (e *Engine) StepMessage(m raft.Message) {
	e.node.Step(m)
}

// Tick advances consensus time by one unit. Exposed for tests that drive
// time by hand.
func (e *Engine) Tick() {
	e.tick()
}

// Rev returns the current store revision.
func (e *Engine) Rev() types.Revision {
	return e.store.Rev()
}
