package agent

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hako/durafmt"
	"go.uber.org/atomic"
)

const statsInterval = 10 * time.Second

type WorkStats struct {
	SharesAccepted atomic.Int64
	SharesRejected atomic.Int64
	StaleShares    atomic.Int64
	SharesDiff     atomic.Float64
	WorkerName     string
	StartTime      time.Time
	LastShare      atomic.Time
}

type statsTable struct {
	stats     map[string]*WorkStats
	statsLock sync.Mutex
	pools     []WorkStats
	overall   WorkStats
}

func newStatsTable(pools int) *statsTable {
	return &statsTable{
		stats:   map[string]*WorkStats{},
		pools:   make([]WorkStats, pools),
		overall: WorkStats{StartTime: time.Now()},
	}
}

func (st *statsTable) getCreateStats(s *DownstreamSession) *WorkStats {
	st.statsLock.Lock()
	defer st.statsLock.Unlock()
	worker := s.worker.Load()
	var stats *WorkStats
	found := false
	if worker != "" {
		stats, found = st.stats[worker]
	}
	if !found {
		stats, found = st.stats[s.remote]
		if found && worker != "" {
			// first share since authorize: move the entry under the worker name
			delete(st.stats, s.remote)
			stats.WorkerName = worker
			st.stats[worker] = stats
		}
	}
	if !found {
		stats = &WorkStats{WorkerName: s.WorkerName(), StartTime: time.Now()}
		st.stats[stats.WorkerName] = stats
	}
	return stats
}

func (st *statsTable) recordShare(s *DownstreamSession, result ShareResult, stale bool) {
	stats := st.getCreateStats(s)
	now := time.Now()
	var pool *WorkStats
	if b, ok := s.Binding(); ok && b.ref.Index < len(st.pools) {
		pool = &st.pools[b.ref.Index]
	}
	for _, ws := range []*WorkStats{stats, &st.overall, pool} {
		if ws == nil {
			continue
		}
		ws.LastShare.Store(now)
		switch {
		case result.Accepted:
			ws.SharesAccepted.Inc()
			ws.SharesDiff.Add(s.difficulty.Load())
		case stale:
			ws.StaleShares.Inc()
		default:
			ws.SharesRejected.Inc()
		}
	}
}

func (st *statsTable) startStatsThread(ctx context.Context, pools *PoolSet, sessions func() int) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		log.Println(st.render(pools, sessions()))
	}
}

func (st *statsTable) render(pools *PoolSet, sessions int) string {
	str := "\n===============================================================================\n"
	str += "  worker name   |  avg hashrate  |   acc/stl/rej  |  last share  |    uptime   \n"
	str += "-------------------------------------------------------------------------------\n"
	st.statsLock.Lock()
	var lines []string
	for _, v := range st.stats {
		lines = append(lines, fmt.Sprintf(" %-15.15s| %14.14s | %14.14s | %12s | %11s",
			v.WorkerName, stringifyHashrate(GetAverageHashrate(v)), shareRatio(v),
			since(v.LastShare.Load()), uptime(v.StartTime)))
	}
	st.statsLock.Unlock()
	sort.Strings(lines)
	str += strings.Join(lines, "\n")
	str += "\n-------------------------------------------------------------------------------\n"
	str += fmt.Sprintf("  %-14d| %14.14s | %14.14s | %12s | %11s",
		sessions, stringifyHashrate(GetAverageHashrate(&st.overall)), shareRatio(&st.overall),
		since(st.overall.LastShare.Load()), uptime(st.overall.StartTime))
	str += "\n-------------------------------------------------------------------------------\n"
	str += "  pool                          | state        | share      |   acc/stl/rej \n"
	for _, pc := range pools.Pools() {
		share := pc.Share()
		str += fmt.Sprintf("  %-30.30s| %-12s | %4d/%-5d | %14.14s\n",
			pc.Target().Address(), pc.State(), share.Width(), share.Desired, shareRatio(&st.pools[pc.Index()]))
	}
	str += "======================================================== stratum_agent_" + version + " ==="
	return str
}

func shareRatio(ws *WorkStats) string {
	return fmt.Sprintf("%d/%d/%d", ws.SharesAccepted.Load(), ws.StaleShares.Load(), ws.SharesRejected.Load())
}

func uptime(start time.Time) string {
	return durafmt.Parse(time.Since(start).Round(time.Second)).LimitFirstN(2).String()
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return durafmt.Parse(time.Since(t).Round(time.Second)).LimitFirstN(1).String()
}

// GetAverageHashrate estimates H/s from the accepted share difficulty,
// one difficulty unit being 2^32 hashes.
func GetAverageHashrate(stats *WorkStats) float64 {
	elapsed := time.Since(stats.StartTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return stats.SharesDiff.Load() * 4294967296 / elapsed
}

func stringifyHashrate(hs float64) string {
	unitStrings := [...]string{"", "K", "M", "G", "T", "P", "E", "Z", "Y"}
	unit := 0
	for hs >= 1000 && unit < len(unitStrings)-1 {
		hs /= 1000
		unit++
	}
	return fmt.Sprintf("%0.2f%sH/s", hs, unitStrings[unit])
}
