package kvstore

import (
	"bytes"
	"fmt"

	"quorumkv/pkg/command"
	"quorumkv/pkg/kverrors"
)

// applyTxn evaluates all compares against one consistent view, picks a
// branch, and executes it atomically. Every mutation in the branch lands
// under a single new revision; a branch that mutates nothing leaves the
// revision counter untouched.
func (s *Store) applyTxn(req *command.TxnRequest) ApplyResult {
	succeeded := true
	for _, cmp := range req.Compares {
		if !s.evalCompareLocked(cmp) {
			succeeded = false
			break
		}
	}

	ops := req.Success
	if !succeeded {
		ops = req.Failure
	}

	// Reject malformed ops and puts referencing a dead lease before
	// touching anything; a failure halfway through would break atomicity.
	for _, op := range ops {
		switch op.Op {
		case command.OpPut:
			if op.Put == nil || op.Put.Key == "" {
				return ApplyResult{Succeeded: succeeded, Err: fmt.Errorf("invalid txn op: empty put")}
			}
			if op.Put.Lease != 0 && !s.lessor.Exists(op.Put.Lease) {
				return ApplyResult{Succeeded: succeeded, Err: kverrors.ErrLeaseNotFound}
			}
		case command.OpDelete:
			if op.Delete == nil || op.Delete.Key == "" {
				return ApplyResult{Succeeded: succeeded, Err: fmt.Errorf("invalid txn op: empty delete")}
			}
		case command.OpGet:
			if op.Get == nil || op.Get.Key == "" {
				return ApplyResult{Succeeded: succeeded, Err: fmt.Errorf("invalid txn op: empty get")}
			}
		default:
			return ApplyResult{Succeeded: succeeded, Err: fmt.Errorf("invalid txn op: %s", op.Op)}
		}
	}

	rev := s.rev.Val() + 1
	var events []Event
	results := make([]OpResult, 0, len(ops))

	for _, op := range ops {
		switch op.Op {
		case command.OpPut:
			ev, err := s.putLocked(rev, op.Put)
			if err != nil {
				return ApplyResult{Succeeded: succeeded, Err: err}
			}
			events = append(events, ev)
			results = append(results, OpResult{Op: command.OpPut})
		case command.OpDelete:
			var deleted []KeyValue
			if op.Delete.Prefix {
				for _, kv := range s.rangePrefixLocked(op.Delete.Key) {
					deleted = append(deleted, *kv)
					events = append(events, s.deleteKeyLocked(rev, kv))
				}
			} else if kv, ok := s.index.Load(op.Delete.Key); ok {
				deleted = append(deleted, *kv)
				events = append(events, s.deleteKeyLocked(rev, kv))
			}
			results = append(results, OpResult{Op: command.OpDelete, KVs: deleted})
		case command.OpGet:
			var kvs []KeyValue
			if op.Get.Prefix {
				for _, kv := range s.rangePrefixLocked(op.Get.Key) {
					kvs = append(kvs, *kv)
				}
			} else if kv, ok := s.index.Load(op.Get.Key); ok {
				kvs = append(kvs, *kv)
			}
			results = append(results, OpResult{Op: command.OpGet, KVs: kvs})
		}
	}

	res := ApplyResult{Succeeded: succeeded, Results: results}
	if len(events) > 0 {
		s.rev.Set(rev)
		s.history.record(rev, events)
		res.Revision = rev
		res.Events = events
	}
	return res
}

// evalCompareLocked evaluates one guard. A missing key compares as an
// empty value with all counters zero.
func (s *Store) evalCompareLocked(cmp command.Compare) bool {
	var kv KeyValue
	if stored, ok := s.index.Load(cmp.Key); ok {
		kv = *stored
	}

	if cmp.Target == command.CompareValue {
		c := bytes.Compare(kv.Value, cmp.Value)
		return matchResult(cmp.Result, c)
	}

	var actual uint64
	switch cmp.Target {
	case command.CompareVersion:
		actual = kv.Version
	case command.CompareModRevision:
		actual = uint64(kv.ModRevision)
	case command.CompareCreateRevision:
		actual = uint64(kv.CreateRevision)
	default:
		return false
	}

	expected := cmp.Revision
	switch {
	case actual < expected:
		return matchResult(cmp.Result, -1)
	case actual > expected:
		return matchResult(cmp.Result, 1)
	default:
		return matchResult(cmp.Result, 0)
	}
}

func matchResult(r command.CompareResult, c int) bool {
	switch r {
	case command.CompareEqual:
		return c == 0
	case command.CompareNotEqual:
		return c != 0
	case command.CompareLess:
		return c < 0
	case command.CompareGreater:
		return c > 0
	default:
		return false
	}
}
