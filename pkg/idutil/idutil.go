// Package idutil generates cluster-unique lease IDs.
package idutil

import (
	"sync/atomic"
	"time"

	"quorumkv/pkg/types"
)

// Generator produces IDs unique across members and restarts: the high bits
// carry the proposing member and a startup timestamp, the low bits count up.
// Counter overflow carries into the timestamp bits instead of wrapping, so
// no two IDs from one generator ever collide. The ID travels inside the
// replicated command, so every replica applies the same value regardless of
// which node generated it.
type Generator struct {
	prefix uint64
	suffix atomic.Uint64
}

func NewGenerator(member types.NodeID, now time.Time) *Generator {
	ms := uint64(now.UnixMilli())
	return &Generator{
		prefix: uint64(member)<<48 | (ms&0xFFFFFFFF)<<16,
	}
}

func (g *Generator) Next() types.LeaseID {
	n := g.suffix.Add(1)
	id := int64((g.prefix + n) & 0x7FFFFFFFFFFFFFFF)
	return types.LeaseID(id)
}
