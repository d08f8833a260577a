// Package raft implements leader election and log replication over a fixed
// set of peers. A single mutex owns every role/term/commit transition;
// timers are tick-driven so elections are deterministic under test.
package raft

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"quorumkv/pkg/kverrors"
	"quorumkv/pkg/types"
)

// Transport delivers one-way protocol messages. Send must not block on
// the network: implementations queue or spawn.
type Transport interface {
	Send(msg Message)
}

type Config struct {
	ID      types.NodeID
	Members []types.NodeID // every cluster member, including ID

	ElectionTick     int
	HeartbeatTick    int
	MaxEntriesPerMsg int

	Storage   LogStore
	Transport Transport
}

// Node is the consensus module of one cluster member.
type Node struct {
	mu sync.Mutex

	id      types.NodeID
	members []types.NodeID

	state StateType
	term  types.Term
	vote  types.NodeID
	lead  types.NodeID

	log       LogStore
	transport Transport

	commitIndex types.Index
	lastApplied types.Index // highest index handed to the apply channel
	pendingSnap *Snapshot

	next  map[types.NodeID]types.Index
	match map[types.NodeID]types.Index
	votes map[types.NodeID]bool

	electionTick     int
	heartbeatTick    int
	maxEntriesPerMsg int

	electionElapsed   int
	heartbeatElapsed  int
	randomizedTimeout int

	// CheckQuorum bookkeeping: followers that responded within the
	// current election-timeout window. A leader that loses the majority
	// keeps its role but stops claiming commits and refuses proposals
	// with ErrNoQuorum until contact resumes.
	recentActive map[types.NodeID]bool
	quorumOK     bool

	// barrierIndex is the no-op entry appended on election; linearizable
	// reads wait until it is applied.
	barrierIndex types.Index

	applyCh   chan Apply
	applyKick chan struct{}

	rnd *rand.Rand
}

func NewNode(cfg Config) (*Node, error) {
	if cfg.Storage == nil || cfg.Transport == nil {
		return nil, fmt.Errorf("raft: storage and transport are required")
	}
	if cfg.ElectionTick <= cfg.HeartbeatTick {
		return nil, fmt.Errorf("raft: election tick %d must exceed heartbeat tick %d", cfg.ElectionTick, cfg.HeartbeatTick)
	}
	found := false
	for _, m := range cfg.Members {
		if m == cfg.ID {
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("raft: member list does not contain node %d", cfg.ID)
	}
	if cfg.MaxEntriesPerMsg <= 0 {
		cfg.MaxEntriesPerMsg = 256
	}

	hs := cfg.Storage.HardState()
	n := &Node{
		id:               cfg.ID,
		members:          append([]types.NodeID(nil), cfg.Members...),
		state:            StateFollower,
		term:             hs.Term,
		vote:             hs.Vote,
		log:              cfg.Storage,
		transport:        cfg.Transport,
		electionTick:     cfg.ElectionTick,
		heartbeatTick:    cfg.HeartbeatTick,
		maxEntriesPerMsg: cfg.MaxEntriesPerMsg,
		applyCh:          make(chan Apply, 16),
		applyKick:        make(chan struct{}, 1),
		rnd:              rand.New(rand.NewSource(int64(cfg.ID) * 7919)),
	}

	// Nothing beyond the snapshot is known committed after restart;
	// commit re-advances through normal replication.
	if snap, ok := cfg.Storage.Snapshot(); ok {
		n.commitIndex = snap.Index
		n.lastApplied = snap.Index
	}
	n.resetRandomizedTimeout()
	return n, nil
}

// Start launches the apply pump. Tick and Step are driven by the caller.
func (n *Node) Start(ctx context.Context) {
	go n.runApply(ctx)
}

// Applies delivers committed entries (and installed snapshots) in strict
// log order, exactly once per process lifetime.
func (n *Node) Applies() <-chan Apply {
	return n.applyCh
}

func (n *Node) quorum() int { return len(n.members)/2 + 1 }

func (n *Node) resetRandomizedTimeout() {
	n.randomizedTimeout = n.electionTick + n.rnd.Intn(n.electionTick)
}

// Tick advances the logical clock by one unit. The engine calls it on a
// wall-clock ticker; tests call it directly.
func (n *Node) Tick() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == StateLeader {
		n.heartbeatElapsed++
		n.electionElapsed++
		if n.heartbeatElapsed >= n.heartbeatTick {
			n.heartbeatElapsed = 0
			n.bcastAppendLocked()
		}
		if n.electionElapsed >= n.electionTick {
			n.electionElapsed = 0
			active := 0
			for _, ok := range n.recentActive {
				if ok {
					active++
				}
			}
			n.quorumOK = active >= n.quorum()
			n.recentActive = map[types.NodeID]bool{n.id: true}
			if !n.quorumOK {
				slog.Warn("leader lost quorum contact", "id", n.id, "term", n.term)
			}
		}
		return
	}

	n.electionElapsed++
	if n.electionElapsed >= n.randomizedTimeout {
		n.campaignLocked()
	}
}

/* - elections - */

func (n *Node) campaignLocked() {
	n.term++
	n.state = StateCandidate
	n.vote = n.id
	n.lead = 0
	n.votes = map[types.NodeID]bool{n.id: true}
	n.electionElapsed = 0
	n.resetRandomizedTimeout()
	n.persistHardStateLocked()

	slog.Debug("starting election", "id", n.id, "term", n.term)

	if n.quorum() == 1 {
		n.becomeLeaderLocked()
		return
	}

	lastIdx, lastTerm := n.log.LastIndexAndTerm()
	for _, peer := range n.members {
		if peer == n.id {
			continue
		}
		n.transport.Send(Message{
			Type:     MsgVote,
			From:     n.id,
			To:       peer,
			Term:     n.term,
			LogIndex: lastIdx,
			LogTerm:  lastTerm,
		})
	}
}

func (n *Node) becomeFollowerLocked(term types.Term, lead types.NodeID) {
	changedTerm := term != n.term
	n.state = StateFollower
	n.term = term
	n.lead = lead
	if changedTerm {
		n.vote = 0
		n.persistHardStateLocked()
	}
	n.votes = nil
	n.electionElapsed = 0
	n.resetRandomizedTimeout()
}

func (n *Node) becomeLeaderLocked() {
	n.state = StateLeader
	n.lead = n.id
	n.heartbeatElapsed = 0
	n.electionElapsed = 0
	n.quorumOK = true
	n.recentActive = map[types.NodeID]bool{n.id: true}

	last := n.log.LastIndex()
	n.next = make(map[types.NodeID]types.Index, len(n.members))
	n.match = make(map[types.NodeID]types.Index, len(n.members))
	for _, peer := range n.members {
		n.next[peer] = last + 1
		n.match[peer] = 0
	}

	// Term-opening barrier: committing it commits every prior-term entry
	// transitively and arms linearizable reads for this term.
	barrier := Entry{Index: last + 1, Term: n.term}
	if err := n.log.Append([]Entry{barrier}); err != nil {
		n.fatalStorageLocked("append barrier entry", err)
		return
	}
	n.barrierIndex = barrier.Index
	n.match[n.id] = barrier.Index

	slog.Info("became leader", "id", n.id, "term", n.term, "barrier_index", barrier.Index)

	n.bcastAppendLocked()
	n.maybeCommitLocked()
}

/* - message handling - */

// Step routes one incoming protocol message through the state machine.
func (n *Node) Step(m Message) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if m.Term < n.term {
		// Stale sender: answer vote/append so it learns our term and
		// steps down; stale responses carry nothing useful.
		switch m.Type {
		case MsgVote:
			n.transport.Send(Message{Type: MsgVoteResp, From: n.id, To: m.From, Term: n.term, Reject: true})
		case MsgApp, MsgSnap:
			n.transport.Send(Message{Type: MsgAppResp, From: n.id, To: m.From, Term: n.term, Reject: true, LogIndex: n.log.LastIndex() + 1})
		}
		return
	}

	if m.Term > n.term {
		lead := types.NodeID(0)
		if m.Type == MsgApp || m.Type == MsgSnap {
			lead = m.From
		}
		n.becomeFollowerLocked(m.Term, lead)
	}

	switch m.Type {
	case MsgVote:
		n.handleVoteLocked(m)
	case MsgVoteResp:
		n.handleVoteRespLocked(m)
	case MsgApp:
		n.handleAppLocked(m)
	case MsgAppResp:
		n.handleAppRespLocked(m)
	case MsgSnap:
		n.handleSnapLocked(m)
	case MsgSnapResp:
		n.handleSnapRespLocked(m)
	default:
		slog.Warn("unknown message type", "type", m.Type, "from", m.From)
	}
}

func (n *Node) handleVoteLocked(m Message) {
	lastIdx, lastTerm := n.log.LastIndexAndTerm()
	upToDate := m.LogTerm > lastTerm || (m.LogTerm == lastTerm && m.LogIndex >= lastIdx)
	canVote := n.vote == 0 || n.vote == m.From

	granted := canVote && upToDate && n.state != StateLeader
	if granted {
		n.vote = m.From
		n.persistHardStateLocked()
		// A granted vote suppresses our own election attempt.
		n.electionElapsed = 0
		n.resetRandomizedTimeout()
	}

	n.transport.Send(Message{
		Type:   MsgVoteResp,
		From:   n.id,
		To:     m.From,
		Term:   n.term,
		Reject: !granted,
	})
}

func (n *Node) handleVoteRespLocked(m Message) {
	if n.state != StateCandidate || m.Term != n.term {
		return
	}
	if !m.Reject {
		n.votes[m.From] = true
	}
	granted := 0
	for _, ok := range n.votes {
		if ok {
			granted++
		}
	}
	if granted >= n.quorum() {
		n.becomeLeaderLocked()
	}
}

func (n *Node) handleAppLocked(m Message) {
	// A valid leader for this term exists.
	if n.state != StateFollower {
		n.becomeFollowerLocked(m.Term, m.From)
	}
	n.lead = m.From
	n.electionElapsed = 0
	n.resetRandomizedTimeout()

	reply := Message{Type: MsgAppResp, From: n.id, To: m.From, Term: n.term}

	ok, ackIndex := n.matchPrevLocked(m.LogIndex, m.LogTerm)
	if !ok {
		reply.Reject = true
		reply.LogIndex = ackIndex // hint: where the leader should resume
		n.transport.Send(reply)
		return
	}

	lastNew, err := n.appendEntriesLocked(m.LogIndex, m.Entries)
	if err != nil {
		n.fatalStorageLocked("append replicated entries", err)
		return
	}

	if m.Commit > n.commitIndex {
		n.commitIndex = min(m.Commit, lastNew)
		n.kickApplyLocked()
	}

	reply.LogIndex = lastNew
	n.transport.Send(reply)
}

// matchPrevLocked checks the consistency point (prevIndex, prevTerm).
// On failure the returned index is the follower's resume hint.
func (n *Node) matchPrevLocked(prevIndex types.Index, prevTerm types.Term) (bool, types.Index) {
	if prevIndex == 0 {
		return true, 0
	}
	last := n.log.LastIndex()
	if prevIndex > last {
		return false, last + 1
	}
	first := n.log.FirstIndex()
	if prevIndex < first-1 {
		// Covered by our snapshot, hence committed and matching.
		return true, 0
	}
	t, err := n.log.Term(prevIndex)
	if err != nil {
		return false, prevIndex
	}
	if t != prevTerm {
		return false, prevIndex
	}
	return true, 0
}

// appendEntriesLocked reconciles replicated entries with the local log:
// duplicates are skipped, the first conflicting suffix is truncated.
// Returns the index of the last entry covered by the message.
func (n *Node) appendEntriesLocked(prevIndex types.Index, entries []Entry) (types.Index, error) {
	lastNew := prevIndex + types.Index(len(entries))
	first := n.log.FirstIndex()

	for i, ent := range entries {
		if ent.Index < first {
			continue // covered by snapshot
		}
		if ent.Index <= n.log.LastIndex() {
			t, err := n.log.Term(ent.Index)
			if err == nil && t == ent.Term {
				continue // already have it
			}
			if err := n.log.TruncateFrom(ent.Index); err != nil {
				return 0, err
			}
		}
		if err := n.log.Append(entries[i:]); err != nil {
			return 0, err
		}
		break
	}
	return lastNew, nil
}

func (n *Node) handleAppRespLocked(m Message) {
	if n.state != StateLeader || m.Term != n.term {
		return
	}
	n.recentActive[m.From] = true

	if m.Reject {
		hint := m.LogIndex
		next := n.next[m.From]
		n.next[m.From] = max(1, min(hint, next-1))
		n.sendAppendLocked(m.From)
		return
	}

	if m.LogIndex > n.match[m.From] {
		n.match[m.From] = m.LogIndex
		n.next[m.From] = m.LogIndex + 1
		n.maybeCommitLocked()
	}
	if n.next[m.From] <= n.log.LastIndex() {
		n.sendAppendLocked(m.From)
	}
}

func (n *Node) handleSnapLocked(m Message) {
	if n.state != StateFollower {
		n.becomeFollowerLocked(m.Term, m.From)
	}
	n.lead = m.From
	n.electionElapsed = 0
	n.resetRandomizedTimeout()

	snap := m.Snapshot
	reply := Message{Type: MsgSnapResp, From: n.id, To: m.From, Term: n.term}

	if snap == nil || snap.Index <= n.commitIndex {
		reply.LogIndex = n.commitIndex
		n.transport.Send(reply)
		return
	}

	// Entries past the snapshot came from an uncommitted suffix; drop
	// them and restart the log at the snapshot point.
	if err := n.log.TruncateFrom(snap.Index + 1); err != nil {
		n.fatalStorageLocked("truncate before snapshot install", err)
		return
	}
	if err := n.log.SaveSnapshot(*snap); err != nil {
		n.fatalStorageLocked("install snapshot", err)
		return
	}

	n.commitIndex = snap.Index
	n.lastApplied = snap.Index
	n.pendingSnap = snap
	n.kickApplyLocked()

	slog.Info("installed snapshot from leader", "id", n.id, "leader", m.From, "snapshot_index", snap.Index, "snapshot_term", snap.Term)

	reply.LogIndex = snap.Index
	n.transport.Send(reply)
}

func (n *Node) handleSnapRespLocked(m Message) {
	if n.state != StateLeader || m.Term != n.term {
		return
	}
	n.recentActive[m.From] = true
	if m.LogIndex > n.match[m.From] {
		n.match[m.From] = m.LogIndex
		n.next[m.From] = m.LogIndex + 1
		n.maybeCommitLocked()
	}
	if n.next[m.From] <= n.log.LastIndex() {
		n.sendAppendLocked(m.From)
	}
}

/* - replication - */

func (n *Node) bcastAppendLocked() {
	for _, peer := range n.members {
		if peer == n.id {
			continue
		}
		n.sendAppendLocked(peer)
	}
}

func (n *Node) sendAppendLocked(to types.NodeID) {
	next := n.next[to]
	first := n.log.FirstIndex()

	if next < first {
		// Follower is behind the compacted head; catch it up in one
		// snapshot transfer.
		snap, ok := n.log.Snapshot()
		if !ok {
			slog.Error("no snapshot available for lagging follower", "to", to, "next", next, "first", first)
			return
		}
		n.transport.Send(Message{
			Type:     MsgSnap,
			From:     n.id,
			To:       to,
			Term:     n.term,
			Snapshot: &snap,
		})
		return
	}

	prevIndex := next - 1
	var prevTerm types.Term
	if prevIndex > 0 {
		t, err := n.log.Term(prevIndex)
		if err != nil {
			slog.Error("previous entry term lookup failed", "to", to, "index", prevIndex, "error", err)
			return
		}
		prevTerm = t
	}

	hi := min(n.log.LastIndex()+1, next+types.Index(n.maxEntriesPerMsg))
	var entries []Entry
	if next < hi {
		ents, err := n.log.Entries(next, hi)
		if err != nil {
			slog.Error("entry range lookup failed", "to", to, "lo", next, "hi", hi, "error", err)
			return
		}
		entries = ents
	}

	n.transport.Send(Message{
		Type:     MsgApp,
		From:     n.id,
		To:       to,
		Term:     n.term,
		LogIndex: prevIndex,
		LogTerm:  prevTerm,
		Entries:  entries,
		Commit:   n.commitIndex,
	})
}

// maybeCommitLocked advances the commit index to the median match.
// Only entries of the current term commit directly; older entries commit
// transitively, which closes the prior-term data-loss window.
func (n *Node) maybeCommitLocked() {
	if n.state != StateLeader {
		return
	}
	matches := make([]types.Index, 0, len(n.members))
	for _, peer := range n.members {
		matches = append(matches, n.match[peer])
	}
	// descending
	for i := 0; i < len(matches)-1; i++ {
		for j := 0; j < len(matches)-i-1; j++ {
			if matches[j] < matches[j+1] {
				matches[j], matches[j+1] = matches[j+1], matches[j]
			}
		}
	}
	candidate := matches[n.quorum()-1]
	if candidate <= n.commitIndex {
		return
	}
	t, err := n.log.Term(candidate)
	if err != nil || t != n.term {
		return
	}
	n.commitIndex = candidate
	n.kickApplyLocked()
	// Let followers learn the new commit index without waiting a full
	// heartbeat interval.
	n.bcastAppendLocked()
}

/* - proposals and reads - */

// Propose appends a command to the leader's log and starts replication.
// It returns as soon as the entry is durably appended locally; commitment
// is observed through the apply channel.
func (n *Node) Propose(data []byte) (types.Index, types.Term, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != StateLeader {
		// Followers redirect regardless of whether a leader is known yet;
		// only a candidate mid-election reports the quorum as undecided.
		if n.state == StateCandidate {
			return 0, 0, kverrors.ErrNoQuorum
		}
		return 0, 0, kverrors.ErrNotLeader
	}
	if !n.quorumOK {
		return 0, 0, kverrors.ErrNoQuorum
	}

	ent := Entry{Index: n.log.LastIndex() + 1, Term: n.term, Data: data}
	if err := n.log.Append([]Entry{ent}); err != nil {
		return 0, 0, fmt.Errorf("append proposal: %w", err)
	}
	n.match[n.id] = ent.Index
	n.bcastAppendLocked()
	n.maybeCommitLocked()
	return ent.Index, ent.Term, nil
}

// Barrier returns the index a linearizable read must wait for. It fails
// with ErrNotLeader on followers and ErrNoQuorum on a leader that cannot
// currently reach a majority.
func (n *Node) Barrier() (types.Index, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StateLeader {
		return 0, kverrors.ErrNotLeader
	}
	if !n.quorumOK {
		return 0, kverrors.ErrNoQuorum
	}
	return n.barrierIndex, nil
}

// TakeSnapshot compacts the log up to appliedIndex, which must already be
// applied by the state machine. Data is the state-machine snapshot.
func (n *Node) TakeSnapshot(appliedIndex types.Index, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if appliedIndex < n.log.FirstIndex() {
		return nil // already compacted past this point
	}
	if appliedIndex > n.lastApplied {
		return fmt.Errorf("snapshot index %d beyond applied %d", appliedIndex, n.lastApplied)
	}
	t, err := n.log.Term(appliedIndex)
	if err != nil {
		return fmt.Errorf("snapshot term lookup: %w", err)
	}
	if err := n.log.SaveSnapshot(Snapshot{Index: appliedIndex, Term: t, Data: data}); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	slog.Info("log compacted", "id", n.id, "snapshot_index", appliedIndex, "snapshot_term", t)
	return nil
}

/* - introspection - */

func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == StateLeader
}

func (n *Node) Leader() types.NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lead
}

func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{
		ID:          n.id,
		Term:        n.term,
		State:       n.state,
		Leader:      n.lead,
		CommitIndex: n.commitIndex,
		LastApplied: n.lastApplied,
		LastIndex:   n.log.LastIndex(),
	}
}

/* - apply pump - */

func (n *Node) kickApplyLocked() {
	select {
	case n.applyKick <- struct{}{}:
	default:
	}
}

func (n *Node) runApply(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.applyKick:
		}

		for {
			ap, ok := n.nextApplyBatch()
			if !ok {
				break
			}
			select {
			case n.applyCh <- ap:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (n *Node) nextApplyBatch() (Apply, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pendingSnap != nil {
		ap := Apply{Snapshot: n.pendingSnap}
		n.pendingSnap = nil
		return ap, true
	}
	if n.lastApplied >= n.commitIndex {
		return Apply{}, false
	}

	lo := n.lastApplied + 1
	hi := min(n.commitIndex, lo+types.Index(n.maxEntriesPerMsg)-1)
	ents, err := n.log.Entries(lo, hi+1)
	if err != nil {
		n.fatalStorageLocked("read committed entries", err)
		return Apply{}, false
	}
	n.lastApplied = hi
	return Apply{Entries: ents}, true
}

// fatalStorageLocked halts the node on unrecoverable storage failure;
// continuing would risk divergent state.
func (n *Node) fatalStorageLocked(op string, err error) {
	slog.Error("unrecoverable storage failure, halting node", "id", n.id, "op", op, "error", err)
	panic(fmt.Errorf("%w: %s: %v", kverrors.ErrCorrupt, op, err))
}

func (n *Node) persistHardStateLocked() {
	if err := n.log.SetHardState(HardState{Term: n.term, Vote: n.vote}); err != nil {
		n.fatalStorageLocked("persist hard state", err)
	}
}
