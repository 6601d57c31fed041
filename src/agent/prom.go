package agent

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var poolLabels = []string{"pool", "index"}

var (
	sessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agent_sessions",
		Help: "Number of connected downstream sessions",
	})
	sessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agent_sessions_total",
		Help: "Total number of downstream sessions accepted",
	})
	pendingAssignGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agent_pending_assignments",
		Help: "Sessions waiting for a ready pool",
	})
	poolStateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agent_pool_state",
		Help: "Current state of an upstream pool connection (0 disconnected .. 4 ready, 5 failed)",
	}, poolLabels)
	poolReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_pool_reconnects_total",
		Help: "Number of times an upstream pool connection failed and was retried",
	}, poolLabels)
	jobsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_jobs_received_total",
		Help: "Jobs received from an upstream pool",
	}, poolLabels)
	jobsRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_jobs_relayed_total",
		Help: "Job notifications written to downstream sessions",
	}, poolLabels)
	sharesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_shares_total",
		Help: "Share results per upstream pool",
	}, append(poolLabels, "status"))
	localRejects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_local_rejects_total",
		Help: "Shares answered by the agent without reaching a pool",
	}, []string{"reason"})
	assignments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_assignments_total",
		Help: "Sessions bound to an upstream pool",
	}, poolLabels)
)

func init() {
	prometheus.MustRegister(
		sessionsGauge,
		sessionsTotal,
		pendingAssignGauge,
		poolStateGauge,
		poolReconnects,
		jobsReceived,
		jobsRelayed,
		sharesCounter,
		localRejects,
		assignments,
	)
}

func poolLabelValues(target PoolTarget, index int) []string {
	return []string{target.Address(), strconv.Itoa(index)}
}

func RecordSessionOpened() {
	sessionsGauge.Inc()
	sessionsTotal.Inc()
}

func RecordSessionClosed() {
	sessionsGauge.Dec()
}

func RecordPendingAssignment(delta float64) {
	pendingAssignGauge.Add(delta)
}

func RecordPoolState(target PoolTarget, index int, state PoolState) {
	poolStateGauge.WithLabelValues(poolLabelValues(target, index)...).Set(float64(state))
}

func RecordReconnect(target PoolTarget, index int) {
	poolReconnects.WithLabelValues(poolLabelValues(target, index)...).Inc()
}

func RecordJobReceived(target PoolTarget, index int) {
	jobsReceived.WithLabelValues(poolLabelValues(target, index)...).Inc()
}

func RecordJobRelayed(target PoolTarget, index int, sessions int) {
	jobsRelayed.WithLabelValues(poolLabelValues(target, index)...).Add(float64(sessions))
}

func RecordShareResult(target PoolTarget, index int, accepted bool) {
	status := "accepted"
	if !accepted {
		status = "rejected"
	}
	sharesCounter.WithLabelValues(append(poolLabelValues(target, index), status)...).Inc()
}

// RecordLocalReject is for shares the agent answers itself: stale, unavailable pool, bad params.
func RecordLocalReject(reason string) {
	localRejects.WithLabelValues(reason).Inc()
}

func RecordAssignment(target PoolTarget, index int) {
	assignments.WithLabelValues(poolLabelValues(target, index)...).Inc()
}

func StartPromServer(log *zap.SugaredLogger, port string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		log.Info("hosting prom stats on ", port, "/metrics")
		if err := http.ListenAndServe(port, mux); err != nil {
			log.Error("error serving prom metrics", zap.Error(err))
		}
	}()
}
