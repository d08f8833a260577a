// Package command defines the replicated command set and its wire codec.
// Commands are the only payload carried by log entries; applying the same
// command sequence must produce the same state on every replica, so nothing
// here may depend on local time or local node identity.
package command

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"quorumkv/pkg/types"
)

type Op string

const (
	OpPut         Op = "put"
	OpDelete      Op = "delete"
	OpTxn         Op = "txn"
	OpLeaseGrant  Op = "lease_grant"
	OpLeaseRenew  Op = "lease_renew"
	OpLeaseRevoke Op = "lease_revoke"
)

// Command is a tagged variant: exactly one of the request fields matching
// Op is set. ID correlates a committed entry back to the proposing caller.
type Command struct {
	ID uuid.UUID `json:"id"`
	Op Op        `json:"op"`

	Put         *PutRequest    `json:"put,omitempty"`
	Delete      *DeleteRequest `json:"delete,omitempty"`
	Txn         *TxnRequest    `json:"txn,omitempty"`
	LeaseGrant  *LeaseGrant    `json:"lease_grant,omitempty"`
	LeaseRenew  *LeaseRenew    `json:"lease_renew,omitempty"`
	LeaseRevoke *LeaseRevoke   `json:"lease_revoke,omitempty"`
}

type PutRequest struct {
	Key   string        `json:"key"`
	Value []byte        `json:"value"`
	Lease types.LeaseID `json:"lease,omitempty"`
}

type DeleteRequest struct {
	Key    string `json:"key"`
	Prefix bool   `json:"prefix,omitempty"`
}

// CompareTarget selects which attribute of a key a transaction compares.
type CompareTarget string

const (
	CompareValue          CompareTarget = "value"
	CompareVersion        CompareTarget = "version"
	CompareModRevision    CompareTarget = "mod"
	CompareCreateRevision CompareTarget = "create"
)

type CompareResult string

const (
	CompareEqual    CompareResult = "="
	CompareNotEqual CompareResult = "!="
	CompareLess     CompareResult = "<"
	CompareGreater  CompareResult = ">"
)

// Compare is one guard of a transaction. A missing key compares as an
// empty value with all revision counters zero, so "value == ''" tests
// key absence.
type Compare struct {
	Key      string        `json:"key"`
	Target   CompareTarget `json:"target"`
	Result   CompareResult `json:"result"`
	Value    []byte        `json:"value,omitempty"`
	Revision uint64        `json:"revision,omitempty"`
}

// TxnOp is one operation of a transaction branch.
type TxnOp struct {
	Op     Op             `json:"op"` // put, delete or get
	Put    *PutRequest    `json:"put,omitempty"`
	Delete *DeleteRequest `json:"delete,omitempty"`
	Get    *GetRequest    `json:"get,omitempty"`
}

const OpGet Op = "get"

type GetRequest struct {
	Key    string `json:"key"`
	Prefix bool   `json:"prefix,omitempty"`
}

type TxnRequest struct {
	Compares []Compare `json:"compares,omitempty"`
	Success  []TxnOp   `json:"success,omitempty"`
	Failure  []TxnOp   `json:"failure,omitempty"`
}

// LeaseGrant carries the ID decided by the proposer; replicas must not
// invent their own.
type LeaseGrant struct {
	ID         types.LeaseID `json:"id"`
	TTLSeconds int64         `json:"ttl"`
}

type LeaseRenew struct {
	ID types.LeaseID `json:"id"`
}

type LeaseRevoke struct {
	ID types.LeaseID `json:"id"`
}

func NewPut(key string, value []byte, lease types.LeaseID) Command {
	return Command{ID: uuid.New(), Op: OpPut, Put: &PutRequest{Key: key, Value: value, Lease: lease}}
}

func NewDelete(key string, prefix bool) Command {
	return Command{ID: uuid.New(), Op: OpDelete, Delete: &DeleteRequest{Key: key, Prefix: prefix}}
}

func NewTxn(req TxnRequest) Command {
	return Command{ID: uuid.New(), Op: OpTxn, Txn: &req}
}

func NewLeaseGrant(id types.LeaseID, ttlSeconds int64) Command {
	return Command{ID: uuid.New(), Op: OpLeaseGrant, LeaseGrant: &LeaseGrant{ID: id, TTLSeconds: ttlSeconds}}
}

func NewLeaseRenew(id types.LeaseID) Command {
	return Command{ID: uuid.New(), Op: OpLeaseRenew, LeaseRenew: &LeaseRenew{ID: id}}
}

func NewLeaseRevoke(id types.LeaseID) Command {
	return Command{ID: uuid.New(), Op: OpLeaseRevoke, LeaseRevoke: &LeaseRevoke{ID: id}}
}

func (c Command) Marshal() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	return data, nil
}

func Unmarshal(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("unmarshal command: %w", err)
	}
	return c, nil
}

// Validate rejects commands whose variant field does not match Op.
func (c Command) Validate() error {
	switch c.Op {
	case OpPut:
		if c.Put == nil || c.Put.Key == "" {
			return fmt.Errorf("invalid command: put requires a key")
		}
	case OpDelete:
		if c.Delete == nil || c.Delete.Key == "" {
			return fmt.Errorf("invalid command: delete requires a key")
		}
	case OpTxn:
		if c.Txn == nil {
			return fmt.Errorf("invalid command: empty txn")
		}
	case OpLeaseGrant:
		if c.LeaseGrant == nil || c.LeaseGrant.ID == 0 || c.LeaseGrant.TTLSeconds <= 0 {
			return fmt.Errorf("invalid command: lease grant requires id and positive ttl")
		}
	case OpLeaseRenew:
		if c.LeaseRenew == nil || c.LeaseRenew.ID == 0 {
			return fmt.Errorf("invalid command: lease renew requires id")
		}
	case OpLeaseRevoke:
		if c.LeaseRevoke == nil || c.LeaseRevoke.ID == 0 {
			return fmt.Errorf("invalid command: lease revoke requires id")
		}
	default:
		return fmt.Errorf("unknown command operation: %s", c.Op)
	}
	return nil
}
