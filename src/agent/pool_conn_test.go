package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MattF42/htn-stratum-agent/src/allocation"
	"github.com/MattF42/htn-stratum-agent/src/gostratum"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
)

type recordedResult struct {
	sessionId uint32
	ticket    uint64
	result    ShareResult
}

type recordingListener struct {
	mu      sync.Mutex
	states  []PoolState
	jobs    []string
	results []recordedResult
}

func (l *recordingListener) OnPoolState(pc *PoolConnection, state PoolState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, state)
}

func (l *recordingListener) OnJob(pc *PoolConnection, job *Job) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs = append(l.jobs, job.Id)
}

func (l *recordingListener) OnDifficulty(pc *PoolConnection, diff float64) {}

func (l *recordingListener) OnShareResult(sessionId uint32, ticket uint64, result ShareResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, recordedResult{sessionId, ticket, result})
}

func (l *recordingListener) sawState(state PoolState) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.states {
		if s == state {
			return true
		}
	}
	return false
}

func (l *recordingListener) resultCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.results)
}

func runTestPool(t *testing.T, target PoolTarget, listener poolListener) *PoolConnection {
	t.Helper()
	opts := poolOptions{
		dialTimeout:  time.Second,
		readTimeout:  10 * time.Second,
		drainTimeout: 100 * time.Millisecond,
		backoff:      BackoffConfig{Policy: BackoffFixed, Min: 50 * time.Millisecond, Max: 50 * time.Millisecond},
		codec:        newExtranonceCodec(2),
	}
	share := allocation.Share{Desired: 100, Threshold: 0}
	pc := newPoolConnection(0, target, share, opts, zap.NewNop().Sugar(), listener)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		if pc.State() != PoolDisconnected {
			t.Errorf("expected DISCONNECTED after shutdown, got %s", pc.State())
		}
	})
	return pc
}

func TestPoolConnection_ReachesReady(t *testing.T) {
	fp := startFakePool(t)
	rec := &recordingListener{}
	pc := runTestPool(t, fp.target(), rec)
	waitFor(t, "ready", func() bool { return pc.State() == PoolReady })

	ex, ok := pc.Extranonce()
	if !ok || ex.Extranonce1 != "08000002" || ex.Extranonce2Size != 4 {
		t.Errorf("unexpected extranonce %+v", ex)
	}
	if pc.Difficulty() != 8 {
		t.Errorf("expected difficulty 8, got %f", pc.Difficulty())
	}
	job := pc.CurrentJob()
	if job == nil || job.Id != "j1" || !job.Clean || job.Pool != pc.Ref() {
		t.Errorf("unexpected current job %+v", job)
	}
	if pc.Ref().Generation != 1 {
		t.Errorf("expected generation 1, got %d", pc.Ref().Generation)
	}
	for _, state := range []PoolState{PoolConnecting, PoolSubscribed, PoolAuthorized, PoolReady} {
		if !rec.sawState(state) {
			t.Errorf("never saw state %s", state)
		}
	}

	fp.broadcast(notifyLine("j2", false))
	waitFor(t, "job relay", func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.jobs) == 1 && rec.jobs[0] == "j2"
	})
	if next := pc.CurrentJob(); next.Seq <= job.Seq {
		t.Errorf("sequence did not advance: %d -> %d", job.Seq, next.Seq)
	}
}

func TestPoolConnection_ExtranonceTooSmall(t *testing.T) {
	fp := startFakePoolWith(t, 2, true)
	rec := &recordingListener{}
	pc := runTestPool(t, fp.target(), rec)
	waitFor(t, "failure", func() bool { return rec.sawState(PoolFailed) })
	if rec.sawState(PoolReady) {
		t.Error("pool without extranonce room should never become ready")
	}
	if err := pc.SubmitShare(ShareSubmission{JobId: "j1"}); err != ErrPoolUnavailable {
		t.Errorf("expected ErrPoolUnavailable, got %v", err)
	}
}

func TestPoolConnection_SharesAnsweredOnFailure(t *testing.T) {
	fp := startFakePoolWith(t, 4, false)
	rec := &recordingListener{}
	pc := runTestPool(t, fp.target(), rec)
	waitFor(t, "ready", func() bool { return pc.State() == PoolReady })

	err := pc.SubmitShare(ShareSubmission{SessionId: 3, Ticket: 42, JobId: "j1", Extranonce2: "abcd", NTime: "65a0b1c2", Nonce: "00000001"})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	select {
	case params := <-fp.submits:
		if params[2] != "0003abcd" {
			t.Errorf("expected session prefix in extranonce2, got %v", params[2])
		}
	case <-time.After(testTimeout):
		t.Fatal("share never reached the pool")
	}

	fp.kill()
	waitFor(t, "pending share answered", func() bool { return rec.resultCount() == 1 })
	rec.mu.Lock()
	got := rec.results[0]
	rec.mu.Unlock()
	if got.sessionId != 3 || got.ticket != 42 || got.result.Accepted {
		t.Errorf("unexpected result %+v", got)
	}
	if tuple, ok := got.result.Error.([]any); !ok || tuple[0] != gostratum.ErrCodeOther {
		t.Errorf("expected an error tuple, got %v", got.result.Error)
	}
}

func TestPoolConnection_SetExtranonceBumpsGeneration(t *testing.T) {
	fp := startFakePool(t)
	rec := &recordingListener{}
	pc := runTestPool(t, fp.target(), rec)
	waitFor(t, "ready", func() bool { return pc.State() == PoolReady })
	before := pc.Ref()

	fp.broadcast(`{"id":null,"method":"mining.set_extranonce","params":["09000003",6]}`)
	waitFor(t, "new extranonce", func() bool {
		ex, _ := pc.Extranonce()
		return ex.Extranonce1 == "09000003"
	})
	if ex, _ := pc.Extranonce(); ex.Extranonce2Size != 6 {
		t.Errorf("expected extranonce2_size 6, got %d", ex.Extranonce2Size)
	}
	if got := pc.Ref(); got.Generation != before.Generation+1 || got.Index != before.Index {
		t.Errorf("expected generation %d, got %+v", before.Generation+1, got)
	}
	waitFor(t, "reattach signal", func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		n := 0
		for _, s := range rec.states {
			if s == PoolReady {
				n++
			}
		}
		return n == 2
	})
}

func TestPoolConnection_ReconnectRequest(t *testing.T) {
	fp := startFakePool(t)
	rec := &recordingListener{}
	pc := runTestPool(t, fp.target(), rec)
	waitFor(t, "ready", func() bool { return pc.State() == PoolReady })

	fp.broadcast(`{"id":null,"method":"client.reconnect","params":[]}`)
	waitFor(t, "reconnect", func() bool { return pc.Ref().Generation == 2 && pc.State() == PoolReady })
	if !rec.sawState(PoolFailed) {
		t.Error("client.reconnect should go through FAILED")
	}
}

func TestNextBackoff(t *testing.T) {
	exp := BackoffConfig{Policy: BackoffExponential, Min: time.Second, Max: 5 * time.Second}
	delay := exp.Min
	var got []time.Duration
	for i := 0; i < 5; i++ {
		delay = nextBackoff(exp, delay)
		got = append(got, delay)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected exponential backoff (-want +got):\n%s", diff)
	}

	fixed := BackoffConfig{Policy: BackoffFixed, Min: time.Second, Max: 5 * time.Second}
	if d := nextBackoff(fixed, time.Second); d != time.Second {
		t.Errorf("fixed backoff changed to %s", d)
	}
}
