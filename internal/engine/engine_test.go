package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"quorumkv/internal/engine"
	"quorumkv/pkg/clock"
	"quorumkv/pkg/command"
	"quorumkv/pkg/config"
	"quorumkv/pkg/kverrors"
	"quorumkv/pkg/kvstore"
	"quorumkv/pkg/raft"
	"quorumkv/pkg/raftlog"
	"quorumkv/pkg/types"
)

// engineNet routes protocol messages between in-process engines through
// a single pump goroutine, so sends never block consensus code.
type engineNet struct {
	mu      sync.Mutex
	engines map[types.NodeID]*engine.Engine
	cut     map[types.NodeID]bool
	queue   chan raft.Message
}

func newEngineNet() *engineNet {
	return &engineNet{
		engines: make(map[types.NodeID]*engine.Engine),
		cut:     make(map[types.NodeID]bool),
		queue:   make(chan raft.Message, 4096),
	}
}

type netTransport struct {
	net *engineNet
}

func (t *netTransport) Send(m raft.Message) {
	select {
	case t.net.queue <- m:
	default:
	}
}

func (n *engineNet) run(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-n.queue:
				n.mu.Lock()
				blocked := n.cut[m.From] || n.cut[m.To]
				target := n.engines[m.To]
				n.mu.Unlock()
				if blocked || target == nil {
					continue
				}
				target.StepMessage(m)
			}
		}
	}()
}

func (n *engineNet) isolate(id types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[id] = true
}

func testConfig(id uint64, size int) config.Config {
	cfg := config.Default()
	cfg.Node.ID = id
	cfg.Node.Peers = nil
	for i := 1; i <= size; i++ {
		cfg.Node.Peers = append(cfg.Node.Peers, config.PeerConfig{
			ID:  uint64(i),
			URL: fmt.Sprintf("http://node-%d", i),
		})
	}
	cfg.Raft.TickIntervalMs = 5
	cfg.Raft.SnapshotThreshold = 0 // no auto-compaction unless a test wants it
	cfg.Lease.SweepIntervalMs = 10
	return cfg
}

// newTestCluster starts size engines over one shared manual clock.
func newTestCluster(t *testing.T, size int) (map[types.NodeID]*engine.Engine, *clock.Manual, *engineNet) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	net := newEngineNet()
	net.run(ctx)
	ts := clock.NewManual(time.Unix(1000, 0))

	engines := make(map[types.NodeID]*engine.Engine, size)
	for i := 1; i <= size; i++ {
		id := types.NodeID(i)
		eng, err := engine.NewWithTransport(testConfig(uint64(i), size), raftlog.NewMemoryStore(), ts, &netTransport{net: net})
		if err != nil {
			t.Fatalf("NewWithTransport(%d): %v", i, err)
		}
		net.mu.Lock()
		net.engines[id] = eng
		net.mu.Unlock()
		engines[id] = eng
		t.Cleanup(eng.Stop)
		eng.Start(ctx)
	}
	return engines, ts, net
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func leaderOf(t *testing.T, engines map[types.NodeID]*engine.Engine) *engine.Engine {
	t.Helper()
	var leader *engine.Engine
	waitFor(t, "leader election", func() bool {
		for _, e := range engines {
			if e.IsLeader() {
				leader = e
				return true
			}
		}
		return false
	})
	return leader
}

func opCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSingleNodeBasicOperations(t *testing.T) {
	engines, _, _ := newTestCluster(t, 1)
	leader := leaderOf(t, engines)
	ctx := opCtx(t)

	rev, err := leader.Put(ctx, "greeting", []byte("hello"), 0)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if rev != 1 {
		t.Fatalf("first write revision = %d, want 1", rev)
	}

	kvs, err := leader.Get(ctx, "greeting", engine.GetOptions{Linearizable: true})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(kvs) != 1 || string(kvs[0].Value) != "hello" {
		t.Fatalf("Get = %+v, want hello", kvs)
	}

	rev, deleted, err := leader.Delete(ctx, "greeting", false)
	if err != nil || deleted != 1 {
		t.Fatalf("Delete = (%d, %d, %v), want 1 deletion", rev, deleted, err)
	}
	if _, err := leader.Get(ctx, "greeting", engine.GetOptions{}); !errors.Is(err, kverrors.ErrKeyNotFound) {
		t.Fatalf("Get after delete = %v, want ErrKeyNotFound", err)
	}
}

func TestClusterReplicatesWrites(t *testing.T) {
	engines, _, _ := newTestCluster(t, 3)
	leader := leaderOf(t, engines)
	ctx := opCtx(t)

	if _, err := leader.Put(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	for id, e := range engines {
		e := e
		waitFor(t, fmt.Sprintf("replication to node %d", id), func() bool {
			kvs, err := e.Get(context.Background(), "k", engine.GetOptions{})
			return err == nil && len(kvs) == 1 && string(kvs[0].Value) == "v"
		})
	}
}

func TestFollowerRefusesLinearizableOperations(t *testing.T) {
	engines, _, _ := newTestCluster(t, 3)
	leader := leaderOf(t, engines)
	ctx := opCtx(t)

	var follower *engine.Engine
	for _, e := range engines {
		if e != leader {
			follower = e
			break
		}
	}
	waitFor(t, "follower learns the leader", func() bool {
		return follower.LeaderURL() != ""
	})

	if _, err := follower.Put(ctx, "k", []byte("v"), 0); !errors.Is(err, kverrors.ErrNotLeader) {
		t.Fatalf("follower Put = %v, want ErrNotLeader", err)
	}
	if _, err := follower.Get(ctx, "k", engine.GetOptions{Linearizable: true}); !errors.Is(err, kverrors.ErrNotLeader) {
		t.Fatalf("follower linearizable Get = %v, want ErrNotLeader", err)
	}
	if follower.LeaderURL() == "" {
		t.Fatalf("follower does not know the leader URL")
	}
}

func TestLeaderFailoverKeepsCommittedData(t *testing.T) {
	engines, _, net := newTestCluster(t, 3)
	leader := leaderOf(t, engines)
	ctx := opCtx(t)

	if _, err := leader.Put(ctx, "durable", []byte("survives"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	for id, e := range engines {
		e := e
		waitFor(t, fmt.Sprintf("replication to node %d", id), func() bool {
			_, err := e.Get(context.Background(), "durable", engine.GetOptions{})
			return err == nil
		})
	}

	var oldID types.NodeID
	for id, e := range engines {
		if e == leader {
			oldID = id
		}
	}
	net.isolate(oldID)

	var successor *engine.Engine
	waitFor(t, "failover election", func() bool {
		for id, e := range engines {
			if id != oldID && e.IsLeader() {
				successor = e
				return true
			}
		}
		return false
	})

	kvs, err := successor.Get(opCtx(t), "durable", engine.GetOptions{Linearizable: true})
	if err != nil {
		t.Fatalf("linearizable Get after failover: %v", err)
	}
	if len(kvs) != 1 || string(kvs[0].Value) != "survives" {
		t.Fatalf("Get after failover = %+v, want survives", kvs)
	}

	// The new leader accepts writes right away.
	if _, err := successor.Put(opCtx(t), "post-failover", []byte("ok"), 0); err != nil {
		t.Fatalf("Put on new leader: %v", err)
	}
}

func TestLeaderWithoutQuorumRefusesWrites(t *testing.T) {
	engines, _, net := newTestCluster(t, 3)
	leader := leaderOf(t, engines)
	ctx := opCtx(t)

	if _, err := leader.Put(ctx, "before", []byte("x"), 0); err != nil {
		t.Fatalf("Put with quorum: %v", err)
	}

	for id, e := range engines {
		if e != leader {
			net.isolate(id)
		}
	}

	waitFor(t, "quorum loss detection", func() bool {
		shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := leader.Put(shortCtx, "after", []byte("y"), 0)
		return errors.Is(err, kverrors.ErrNoQuorum)
	})

	if _, err := leader.Get(ctx, "before", engine.GetOptions{Linearizable: true}); !errors.Is(err, kverrors.ErrNoQuorum) {
		t.Fatalf("linearizable Get without quorum = %v, want ErrNoQuorum", err)
	}
	// Local reads still answer from the last applied state.
	if kvs, err := leader.Get(ctx, "before", engine.GetOptions{}); err != nil || string(kvs[0].Value) != "x" {
		t.Fatalf("serializable Get without quorum = (%+v, %v)", kvs, err)
	}
}

func TestTxnCompareAndSwap(t *testing.T) {
	engines, _, _ := newTestCluster(t, 1)
	leader := leaderOf(t, engines)
	ctx := opCtx(t)

	// Create-if-absent against a key that never existed.
	resp, err := leader.Txn(ctx, command.TxnRequest{
		Compares: []command.Compare{{Key: "lock", Target: command.CompareVersion, Result: command.CompareEqual, Revision: 0}},
		Success:  []command.TxnOp{{Op: command.OpPut, Put: &command.PutRequest{Key: "lock", Value: []byte("me")}}},
	})
	if err != nil {
		t.Fatalf("Txn: %v", err)
	}
	if !resp.Succeeded {
		t.Fatalf("create-if-absent failed")
	}

	resp, err = leader.Txn(ctx, command.TxnRequest{
		Compares: []command.Compare{{Key: "lock", Target: command.CompareVersion, Result: command.CompareEqual, Revision: 0}},
		Success:  []command.TxnOp{{Op: command.OpPut, Put: &command.PutRequest{Key: "lock", Value: []byte("thief")}}},
		Failure:  []command.TxnOp{{Op: command.OpGet, Get: &command.GetRequest{Key: "lock"}}},
	})
	if err != nil {
		t.Fatalf("second Txn: %v", err)
	}
	if resp.Succeeded {
		t.Fatalf("second create-if-absent succeeded")
	}
	if len(resp.Results) != 1 || string(resp.Results[0].KVs[0].Value) != "me" {
		t.Fatalf("failure-branch get = %+v, want lock=me", resp.Results)
	}
}

func TestRacingTxnsExactlyOneWins(t *testing.T) {
	engines, _, _ := newTestCluster(t, 1)
	leader := leaderOf(t, engines)

	createIfAbsent := func(owner string) command.TxnRequest {
		return command.TxnRequest{
			Compares: []command.Compare{{Key: "lock", Target: command.CompareVersion, Result: command.CompareEqual, Revision: 0}},
			Success:  []command.TxnOp{{Op: command.OpPut, Put: &command.PutRequest{Key: "lock", Value: []byte(owner)}}},
		}
	}

	const racers = 8
	wins := make(chan bool, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		owner := fmt.Sprintf("racer-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			resp, err := leader.Txn(ctx, createIfAbsent(owner))
			if err != nil {
				t.Errorf("Txn(%s): %v", owner, err)
				return
			}
			wins <- resp.Succeeded
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for w := range wins {
		if w {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("%d racers acquired the lock, want exactly 1", won)
	}
}

func TestWatchObservesCommittedChanges(t *testing.T) {
	engines, _, _ := newTestCluster(t, 3)
	leader := leaderOf(t, engines)
	ctx := opCtx(t)

	w, err := leader.Watch("job/", true, 0)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer leader.CancelWatch(w)

	if _, err := leader.Put(ctx, "job/1", []byte("pending"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Type != kvstore.EventPut || ev.KV.Key != "job/1" {
			t.Fatalf("event = %+v, want put job/1", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("watch event never arrived")
	}
}

func TestLeaseExpiryRevokesThroughConsensus(t *testing.T) {
	engines, ts, _ := newTestCluster(t, 3)
	leader := leaderOf(t, engines)
	ctx := opCtx(t)

	id, _, err := leader.LeaseGrant(ctx, 5*time.Second)
	if err != nil {
		t.Fatalf("LeaseGrant: %v", err)
	}
	if _, err := leader.Put(ctx, "session", []byte("alive"), id); err != nil {
		t.Fatalf("Put with lease: %v", err)
	}

	w, err := leader.Watch("session", false, 0)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer leader.CancelWatch(w)

	// Expiry is driven by the injected clock, not by sleeping.
	ts.Advance(6 * time.Second)

	select {
	case ev := <-w.Events():
		if ev.Type != kvstore.EventDelete {
			t.Fatalf("event = %+v, want delete", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("lease expiry never deleted the key")
	}

	// The revoke replicated: followers drop the key and the lease.
	for nodeID, e := range engines {
		e := e
		waitFor(t, fmt.Sprintf("lease cleanup on node %d", nodeID), func() bool {
			_, err := e.Get(context.Background(), "session", engine.GetOptions{})
			return errors.Is(err, kverrors.ErrKeyNotFound)
		})
	}
	if _, err := leader.LeaseTTL(id); !errors.Is(err, kverrors.ErrLeaseNotFound) {
		t.Fatalf("expired lease still queryable: %v", err)
	}
}

func TestLeaseRenewKeepsKeysAlive(t *testing.T) {
	engines, ts, _ := newTestCluster(t, 1)
	leader := leaderOf(t, engines)
	ctx := opCtx(t)

	id, _, err := leader.LeaseGrant(ctx, 5*time.Second)
	if err != nil {
		t.Fatalf("LeaseGrant: %v", err)
	}
	if _, err := leader.Put(ctx, "k", []byte("v"), id); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ts.Advance(4 * time.Second)
	if _, err := leader.LeaseRenew(ctx, id); err != nil {
		t.Fatalf("LeaseRenew: %v", err)
	}
	ts.Advance(4 * time.Second)

	// 8s elapsed but renewed at 4s: the key must still exist.
	time.Sleep(50 * time.Millisecond) // give the sweep a chance to misfire
	if _, err := leader.Get(ctx, "k", engine.GetOptions{}); err != nil {
		t.Fatalf("renewed lease lost its key: %v", err)
	}
}

func TestSnapshotThresholdCompactsAndRestores(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	net := newEngineNet()
	net.run(ctx)
	ts := clock.NewManual(time.Unix(1000, 0))

	cfg := testConfig(1, 1)
	cfg.Raft.SnapshotThreshold = 8

	store := raftlog.NewMemoryStore()
	eng, err := engine.NewWithTransport(cfg, store, ts, &netTransport{net: net})
	if err != nil {
		t.Fatalf("NewWithTransport: %v", err)
	}
	net.mu.Lock()
	net.engines[1] = eng
	net.mu.Unlock()
	eng.Start(ctx)

	octx := opCtx(t)
	waitFor(t, "leadership", eng.IsLeader)
	for i := 0; i < 20; i++ {
		if _, err := eng.Put(octx, fmt.Sprintf("k%02d", i), []byte("v"), 0); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	waitFor(t, "log compaction", func() bool {
		_, ok := store.Snapshot()
		return ok
	})
	eng.Stop()

	// A fresh engine over the same storage restores from the snapshot and
	// replays the surviving tail.
	net2 := newEngineNet()
	net2.run(ctx)
	restarted, err := engine.NewWithTransport(testConfig(1, 1), store, ts, &netTransport{net: net2})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	net2.mu.Lock()
	net2.engines[1] = restarted
	net2.mu.Unlock()
	t.Cleanup(restarted.Stop)
	restarted.Start(ctx)

	waitFor(t, "leadership after restart", restarted.IsLeader)
	waitFor(t, "state recovery", func() bool {
		kvs, err := restarted.Get(context.Background(), "k", engine.GetOptions{Prefix: true})
		return err == nil && len(kvs) == 20
	})
}
