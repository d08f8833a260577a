package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Engine metrics live in a standalone package to avoid import cycles
// between the engine and HTTP packages.

var (
	LeadershipChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quorumkv_leadership_changes_total",
		Help: "Transitions of this node into the leader role",
	})

	ProposalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quorumkv_proposals_total",
		Help: "Proposals submitted by this node, by outcome",
	}, []string{"outcome"})

	AppliedEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quorumkv_applied_entries_total",
		Help: "Log entries applied to the state machine",
	})

	CurrentRevision = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quorumkv_current_revision",
		Help: "Latest store revision",
	})

	LeaseExpirations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quorumkv_lease_expirations_total",
		Help: "Leases revoked by the expiry sweep",
	})

	WatchEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quorumkv_watch_events_total",
		Help: "Events dispatched to watchers",
	})

	WatchStalls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quorumkv_watch_stalls_total",
		Help: "Watchers closed because the subscriber fell behind",
	})

	SnapshotsTaken = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quorumkv_snapshots_total",
		Help: "State machine snapshots taken for log compaction",
	})
)

// Register installs the engine metrics on the given registry, or the
// default one when nil. Double registration is tolerated so tests can
// build several engines in one process.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		LeadershipChanges,
		ProposalsTotal,
		AppliedEntries,
		CurrentRevision,
		LeaseExpirations,
		WatchEvents,
		WatchStalls,
		SnapshotsTaken,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
