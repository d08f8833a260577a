package lease

import (
	"errors"
	"testing"
	"time"

	"quorumkv/pkg/clock"
	"quorumkv/pkg/kverrors"
	"quorumkv/pkg/types"
)

func newTestLessor() (*Lessor, *clock.Manual) {
	ts := clock.NewManual(time.Unix(1000, 0))
	return NewLessor(ts), ts
}

func TestGrantAndExpiry(t *testing.T) {
	l, ts := newTestLessor()

	if err := l.Grant(1, 10*time.Second); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := l.Grant(1, 10*time.Second); !errors.Is(err, kverrors.ErrLeaseExists) {
		t.Fatalf("double grant = %v, want ErrLeaseExists", err)
	}

	if ids := l.ExpiredIDs(); len(ids) != 0 {
		t.Fatalf("fresh lease reported expired: %v", ids)
	}

	ts.Advance(9 * time.Second)
	if ids := l.ExpiredIDs(); len(ids) != 0 {
		t.Fatalf("lease expired early: %v", ids)
	}

	ts.Advance(time.Second)
	ids := l.ExpiredIDs()
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("ExpiredIDs = %v, want [1]", ids)
	}
}

func TestRenewResetsTheClock(t *testing.T) {
	l, ts := newTestLessor()
	if err := l.Grant(1, 10*time.Second); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	ts.Advance(8 * time.Second)
	if _, err := l.Renew(1); err != nil {
		t.Fatalf("Renew: %v", err)
	}

	// Would have expired at t+10 without the renewal.
	ts.Advance(5 * time.Second)
	if ids := l.ExpiredIDs(); len(ids) != 0 {
		t.Fatalf("renewed lease expired: %v", ids)
	}

	ttl, err := l.TTLRemaining(1)
	if err != nil {
		t.Fatalf("TTLRemaining: %v", err)
	}
	if ttl != 5*time.Second {
		t.Fatalf("remaining = %v, want 5s", ttl)
	}

	if _, err := l.Renew(99); !errors.Is(err, kverrors.ErrLeaseNotFound) {
		t.Fatalf("renew unknown = %v, want ErrLeaseNotFound", err)
	}
}

func TestRevokeReturnsAttachedKeysSorted(t *testing.T) {
	l, _ := newTestLessor()
	if err := l.Grant(1, time.Minute); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	for _, k := range []string{"zeta", "alpha", "mid"} {
		if err := l.Attach(1, k); err != nil {
			t.Fatalf("Attach(%s): %v", k, err)
		}
	}
	l.Detach(1, "mid")

	keys, err := l.Revoke(1)
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if len(keys) != 2 || keys[0] != "alpha" || keys[1] != "zeta" {
		t.Fatalf("Revoke keys = %v, want [alpha zeta]", keys)
	}

	if _, err := l.Revoke(1); !errors.Is(err, kverrors.ErrLeaseNotFound) {
		t.Fatalf("double revoke = %v, want ErrLeaseNotFound", err)
	}
	if l.Exists(1) {
		t.Fatalf("revoked lease still exists")
	}
}

func TestAttachToUnknownLeaseFails(t *testing.T) {
	l, _ := newTestLessor()
	if err := l.Attach(1, "k"); !errors.Is(err, kverrors.ErrLeaseNotFound) {
		t.Fatalf("Attach unknown = %v, want ErrLeaseNotFound", err)
	}
	// Detach of an unknown lease is a silent no-op.
	l.Detach(1, "k")
}

func TestSnapshotRestartsTTLs(t *testing.T) {
	l, ts := newTestLessor()
	if err := l.Grant(1, 10*time.Second); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := l.Attach(1, "k"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	ts.Advance(9 * time.Second)

	data, err := l.SnapshotData()
	if err != nil {
		t.Fatalf("SnapshotData: %v", err)
	}

	ts2 := clock.NewManual(time.Unix(5000, 0))
	restored := NewLessor(ts2)
	if err := restored.Restore(data); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	// The restored lease gets its full TTL back: it may live longer than
	// on the old leader, but it never dies early.
	ts2.Advance(9 * time.Second)
	if ids := restored.ExpiredIDs(); len(ids) != 0 {
		t.Fatalf("restored lease expired early: %v", ids)
	}
	ts2.Advance(2 * time.Second)
	if ids := restored.ExpiredIDs(); len(ids) != 1 {
		t.Fatalf("restored lease never expires: %v", ids)
	}

	keys, err := restored.Revoke(types.LeaseID(1))
	if err != nil {
		t.Fatalf("Revoke restored: %v", err)
	}
	if len(keys) != 1 || keys[0] != "k" {
		t.Fatalf("restored keys = %v, want [k]", keys)
	}
}
