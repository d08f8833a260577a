package clock

import (
	"sync/atomic"

	"quorumkv/pkg/types"
)

// AtomicClock is the revision counter of the state machine.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init types.Revision) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() types.Revision {
	return types.Revision(ac.Load())
}

func (ac *AtomicClock) Next() types.Revision {
	return types.Revision(ac.Add(1))
}

func (ac *AtomicClock) Set(t types.Revision) {
	ac.Store(uint64(t))
}
