package agent

import (
	"github.com/MattF42/htn-stratum-agent/src/allocation"
	"go.uber.org/atomic"
)

// Router picks the pool for a new or displaced session. Lookups read an
// immutable allocation.Table snapshot; readiness changes swap in a new one.
type Router struct {
	table atomic.Pointer[allocation.Table]
	draws atomic.Uint64

	// one rotation counter per bucket, advanced only when that bucket serves
	// a draw
	rotations []atomic.Uint64
}

func NewRouter(shares []allocation.Share) (*Router, error) {
	t, err := allocation.NewTable(shares)
	if err != nil {
		return nil, err
	}
	r := &Router{rotations: make([]atomic.Uint64, len(t.Buckets()))}
	r.table.Store(t)
	return r, nil
}

func (r *Router) SetReady(pool int, ready bool) {
	for {
		cur := r.table.Load()
		if cur.Ready(pool) == ready {
			return
		}
		if r.table.CompareAndSwap(cur, cur.WithReady(pool, ready)) {
			return
		}
	}
}

// Assign returns the index of a READY pool, or ErrNoPoolAvailable.
func (r *Router) Assign() (int, error) {
	draw := r.draws.Inc() - 1
	pool, ok := r.table.Load().Pick(draw, r.rotate)
	if !ok {
		return -1, ErrNoPoolAvailable
	}
	return pool, nil
}

func (r *Router) rotate(bucket int) uint64 {
	return r.rotations[bucket].Inc() - 1
}

func (r *Router) AnyReady() bool {
	return r.table.Load().ReadyCount() > 0
}

func (r *Router) Snapshot() *allocation.Table {
	return r.table.Load()
}
