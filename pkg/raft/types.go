package raft

import "quorumkv/pkg/types"

// StateType is the role of a node within its current term.
type StateType string

const (
	StateFollower  StateType = "Follower"
	StateCandidate StateType = "Candidate"
	StateLeader    StateType = "Leader"
)

// Entry is one slot of the replicated log. Immutable once committed.
// Data holds the encoded command; an empty Data is the no-op barrier a
// fresh leader appends to commit its term.
type Entry struct {
	Index types.Index `json:"index"`
	Term  types.Term  `json:"term"`
	Data  []byte      `json:"data,omitempty"`
}

// Snapshot captures the state machine at Index so the log head can be
// discarded and slow followers can be caught up in one transfer.
type Snapshot struct {
	Index types.Index `json:"index"`
	Term  types.Term  `json:"term"`
	Data  []byte      `json:"data"`
}

// HardState is the durable part of the consensus state. It must hit disk
// before any message reflecting it leaves the node.
type HardState struct {
	Term types.Term   `json:"term"`
	Vote types.NodeID `json:"vote"`
}

type MessageType string

const (
	MsgVote     MessageType = "vote"
	MsgVoteResp MessageType = "vote_resp"
	MsgApp      MessageType = "app"
	MsgAppResp  MessageType = "app_resp"
	MsgSnap     MessageType = "snap"
	MsgSnapResp MessageType = "snap_resp"
)

// Message is the single one-way unit of the consensus protocol; responses
// are themselves messages. Field meaning varies by type:
//
//   - MsgVote: LogIndex/LogTerm are the candidate's last entry.
//   - MsgApp: LogIndex/LogTerm identify the entry preceding Entries;
//     Commit is the leader's commit index.
//   - MsgAppResp: LogIndex is the highest index the follower acknowledges,
//     or the follower's hint for where to resume when Reject is set.
//   - MsgSnapResp: LogIndex is the installed snapshot index.
type Message struct {
	Type MessageType  `json:"type"`
	From types.NodeID `json:"from"`
	To   types.NodeID `json:"to"`
	Term types.Term   `json:"term"`

	LogIndex types.Index `json:"log_index,omitempty"`
	LogTerm  types.Term  `json:"log_term,omitempty"`
	Entries  []Entry     `json:"entries,omitempty"`
	Commit   types.Index `json:"commit,omitempty"`
	Reject   bool        `json:"reject,omitempty"`
	Snapshot *Snapshot   `json:"snapshot,omitempty"`
}

// LogStore is the durable log contract. Append must not return until the
// entries survive a restart; TruncateFrom only ever removes an
// uncommitted suffix during replication repair.
type LogStore interface {
	Append(entries []Entry) error
	// Entries returns the range [lo, hi). Both bounds must be within
	// (FirstIndex()-1, LastIndex()+1].
	Entries(lo, hi types.Index) ([]Entry, error)
	Term(i types.Index) (types.Term, error)
	FirstIndex() types.Index
	LastIndex() types.Index
	LastIndexAndTerm() (types.Index, types.Term)
	TruncateFrom(i types.Index) error

	// SaveSnapshot persists the snapshot and discards entries covered
	// by it.
	SaveSnapshot(snap Snapshot) error
	Snapshot() (Snapshot, bool)

	SetHardState(hs HardState) error
	HardState() HardState
}

// Apply is a batch handed to the state machine. When Snapshot is set the
// state machine must restore from it before consuming Entries.
type Apply struct {
	Snapshot *Snapshot
	Entries  []Entry
}

// Status is a point-in-time view for observability endpoints.
type Status struct {
	ID          types.NodeID `json:"id"`
	Term        types.Term   `json:"term"`
	State       StateType    `json:"state"`
	Leader      types.NodeID `json:"leader"`
	CommitIndex types.Index  `json:"commit_index"`
	LastApplied types.Index  `json:"last_applied"`
	LastIndex   types.Index  `json:"last_index"`
}
