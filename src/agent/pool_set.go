package agent

import (
	"context"
	"sync"

	"github.com/MattF42/htn-stratum-agent/src/allocation"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// PoolSet owns every upstream connection. The table is fixed at startup so
// a PoolRef index stays valid for the life of the process.
type PoolSet struct {
	pools    []*PoolConnection
	router   *Router
	listener poolListener
	wg       sync.WaitGroup
}

func NewPoolSet(cfg AgentConfig, favor FavorConfig, codec extranonceCodec,
	logger *zap.SugaredLogger, listener poolListener) (*PoolSet, error) {
	shares, err := allocation.Plan(favor.TotalJobs, favor.FavorJobs, len(cfg.Pools), len(favor.Pools))
	if err != nil {
		return nil, errors.Wrapf(ErrConfig, "%s", err)
	}
	router, err := NewRouter(shares)
	if err != nil {
		return nil, errors.Wrapf(ErrConfig, "%s", err)
	}

	targets := append([]PoolTarget{}, cfg.Pools...)
	if favor.FavorJobs > 0 {
		targets = append(targets, favor.Pools...)
	}
	ps := &PoolSet{
		router:   router,
		listener: listener,
	}
	opts := poolOptions{
		dialTimeout:  cfg.DialTimeout,
		readTimeout:  cfg.PoolReadTimeout,
		drainTimeout: cfg.DrainTimeout,
		backoff:      cfg.Backoff,
		codec:        codec,
	}
	for i, target := range targets {
		ps.pools = append(ps.pools, newPoolConnection(i, target, shares[i], opts, logger, ps))
		logger.Infof("registered pool %d %s (%d/%d, favor=%t)", i, target, shares[i].Width(), shares[i].Desired, shares[i].Favor)
	}
	return ps, nil
}

func (ps *PoolSet) Start(ctx context.Context) {
	for _, pc := range ps.pools {
		ps.wg.Add(1)
		go func(pc *PoolConnection) {
			defer ps.wg.Done()
			pc.Run(ctx)
		}(pc)
	}
}

func (ps *PoolSet) Wait() {
	ps.wg.Wait()
}

func (ps *PoolSet) Len() int {
	return len(ps.pools)
}

func (ps *PoolSet) Pool(index int) *PoolConnection {
	if index < 0 || index >= len(ps.pools) {
		return nil
	}
	return ps.pools[index]
}

func (ps *PoolSet) Pools() []*PoolConnection {
	return ps.pools
}

func (ps *PoolSet) Router() *Router {
	return ps.router
}

// Resolve returns the pool ref points at, provided it is still READY on the
// transport the ref was taken from.
func (ps *PoolSet) Resolve(ref PoolRef) (*PoolConnection, bool) {
	pc := ps.Pool(ref.Index)
	if pc == nil || pc.State() != PoolReady || pc.generation.Load() != ref.Generation {
		return nil, false
	}
	return pc, true
}

// Assign picks a READY pool through the router.
func (ps *PoolSet) Assign() (*PoolConnection, error) {
	idx, err := ps.router.Assign()
	if err != nil {
		return nil, err
	}
	return ps.pools[idx], nil
}

func (ps *PoolSet) OnPoolState(pc *PoolConnection, state PoolState) {
	ps.router.SetReady(pc.index, state == PoolReady)
	ps.listener.OnPoolState(pc, state)
}

func (ps *PoolSet) OnJob(pc *PoolConnection, job *Job) {
	ps.listener.OnJob(pc, job)
}

func (ps *PoolSet) OnDifficulty(pc *PoolConnection, diff float64) {
	ps.listener.OnDifficulty(pc, diff)
}

func (ps *PoolSet) OnShareResult(sessionId uint32, ticket uint64, result ShareResult) {
	ps.listener.OnShareResult(sessionId, ticket, result)
}
