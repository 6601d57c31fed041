package agent

import (
	"context"
	"encoding/hex"
	"io"
	"net"
	"sync"
	"time"

	"github.com/MattF42/htn-stratum-agent/src/allocation"
	"github.com/MattF42/htn-stratum-agent/src/gostratum"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type PoolState int32

const (
	PoolDisconnected PoolState = iota
	PoolConnecting
	PoolSubscribed
	PoolAuthorized
	PoolReady
	PoolFailed
)

var poolStateNames = [...]string{"DISCONNECTED", "CONNECTING", "SUBSCRIBED", "AUTHORIZED", "READY", "FAILED"}

func (s PoolState) String() string {
	if s < 0 || int(s) >= len(poolStateNames) {
		return "UNKNOWN"
	}
	return poolStateNames[s]
}

const (
	subscribeRequestId  = 1
	authorizeRequestId  = 2
	firstShareRequestId = 100

	upstreamQueueSize    = 1024
	upstreamWriteTimeout = 10 * time.Second
	userAgent            = "stratum-agent/" + version
)

// PoolRef is a session's non-owning reference to its pool: an index into the
// stable pool table and the transport generation it was attached under.
type PoolRef struct {
	Index      int
	Generation uint64
}

// Job is immutable once received. Raw is the notify line exactly as the pool
// sent it, terminator included.
type Job struct {
	Id     string
	Pool   PoolRef
	Params []any
	Raw    []byte
	Clean  bool
	Seq    uint64
}

type ShareSubmission struct {
	SessionId   uint32
	Ticket      uint64
	JobId       string
	Extranonce2 string
	NTime       string
	Nonce       string
	Extra       []any
	Time        time.Time
}

type ShareResult struct {
	Accepted bool
	Error    any
}

type poolListener interface {
	OnPoolState(pc *PoolConnection, state PoolState)
	OnJob(pc *PoolConnection, job *Job)
	OnDifficulty(pc *PoolConnection, diff float64)
	OnShareResult(sessionId uint32, ticket uint64, result ShareResult)
}

type poolOptions struct {
	dialTimeout  time.Duration
	readTimeout  time.Duration
	drainTimeout time.Duration
	backoff      BackoffConfig
	codec        extranonceCodec
}

type upstreamConn struct {
	id         string
	conn       net.Conn
	out        chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	flush      chan struct{}
	flushOnce  sync.Once
	writerDone chan struct{}
}

func (uc *upstreamConn) enqueue(line []byte) bool {
	select {
	case <-uc.done:
		return false
	default:
	}
	select {
	case uc.out <- line:
		return true
	case <-uc.done:
		return false
	default:
		return false
	}
}

func (uc *upstreamConn) close() {
	uc.closeOnce.Do(func() {
		close(uc.done)
		uc.conn.Close()
	})
}

// shutdown lets the writer flush what is queued for up to timeout before
// closing the transport.
func (uc *upstreamConn) shutdown(timeout time.Duration) {
	uc.flushOnce.Do(func() { close(uc.flush) })
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-uc.writerDone:
	case <-uc.done:
	case <-timer.C:
	}
	uc.close()
}

// handshake is the per-transport progress, owned by the read goroutine.
type handshake struct {
	haveJob        bool
	haveDifficulty bool
	reachedReady   bool
}

type pendingShare struct {
	sessionId   uint32
	ticket      uint64
	extranonce2 string
}

type PoolConnection struct {
	index    int
	target   PoolTarget
	share    allocation.Share
	opts     poolOptions
	logger   *zap.SugaredLogger
	listener poolListener

	state      atomic.Int32
	generation atomic.Uint64
	sequence   atomic.Uint64
	difficulty atomic.Float64
	failedAt   atomic.Time
	nextId     atomic.Uint64
	currentJob atomic.Pointer[Job]
	extranonce atomic.Pointer[Extranonce]
	active     atomic.Pointer[upstreamConn]

	pendingLock sync.Mutex
	pending     map[uint64]pendingShare
}

func newPoolConnection(index int, target PoolTarget, share allocation.Share, opts poolOptions,
	logger *zap.SugaredLogger, listener poolListener) *PoolConnection {
	kind := "ordinary"
	if share.Favor {
		kind = "favor"
	}
	pc := &PoolConnection{
		index:    index,
		target:   target,
		share:    share,
		opts:     opts,
		logger:   logger.With(zap.String("component", "pool:"+target.Address()), zap.Int("pool", index), zap.String("kind", kind)),
		listener: listener,
		pending:  make(map[uint64]pendingShare),
	}
	pc.nextId.Store(firstShareRequestId - 1)
	return pc
}

func (pc *PoolConnection) Index() int {
	return pc.index
}

func (pc *PoolConnection) Target() PoolTarget {
	return pc.target
}

func (pc *PoolConnection) Share() allocation.Share {
	return pc.share
}

func (pc *PoolConnection) State() PoolState {
	return PoolState(pc.state.Load())
}

func (pc *PoolConnection) CurrentJob() *Job {
	return pc.currentJob.Load()
}

func (pc *PoolConnection) Difficulty() float64 {
	return pc.difficulty.Load()
}

// FailedSince is the time of the first failure since the pool was last
// READY, zero while it is healthy.
func (pc *PoolConnection) FailedSince() time.Time {
	return pc.failedAt.Load()
}

func (pc *PoolConnection) Ref() PoolRef {
	return PoolRef{Index: pc.index, Generation: pc.generation.Load()}
}

func (pc *PoolConnection) Extranonce() (Extranonce, bool) {
	ex := pc.extranonce.Load()
	if ex == nil {
		return Extranonce{}, false
	}
	return *ex, true
}

func (pc *PoolConnection) setState(next PoolState) {
	prev := PoolState(pc.state.Swap(int32(next)))
	if prev == next {
		return
	}
	switch {
	case next == PoolReady:
		pc.failedAt.Store(time.Time{})
	case next == PoolFailed && pc.failedAt.Load().IsZero():
		pc.failedAt.Store(time.Now())
	}
	pc.logger.Infof("pool state %s -> %s", prev, next)
	RecordPoolState(pc.target, pc.index, next)
	pc.listener.OnPoolState(pc, next)
}

// Run drives the connection until ctx is cancelled, reconnecting with
// backoff after every failure.
func (pc *PoolConnection) Run(ctx context.Context) {
	delay := pc.opts.backoff.Min
	for {
		hs, err := pc.runOnce(ctx)
		if ctx.Err() != nil {
			pc.setState(PoolDisconnected)
			return
		}
		if hs.reachedReady {
			delay = pc.opts.backoff.Min
		}
		pc.setState(PoolFailed)
		RecordReconnect(pc.target, pc.index)
		pc.logger.Warn("upstream connection failed, reconnecting", zap.Error(err), zap.Duration("backoff", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			pc.setState(PoolDisconnected)
			return
		case <-timer.C:
		}
		delay = nextBackoff(pc.opts.backoff, delay)
	}
}

// nextBackoff is the wait after delay: doubled up to Max for the exponential
// policy, unchanged for fixed.
func nextBackoff(cfg BackoffConfig, delay time.Duration) time.Duration {
	if cfg.Policy != BackoffExponential {
		return delay
	}
	delay *= 2
	if delay > cfg.Max {
		delay = cfg.Max
	}
	return delay
}

func (pc *PoolConnection) runOnce(ctx context.Context) (*handshake, error) {
	hs := &handshake{}
	pc.setState(PoolConnecting)

	dialer := net.Dialer{Timeout: pc.opts.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", pc.target.Address())
	if err != nil {
		return hs, errors.Wrapf(ErrTransport, "dial %s: %s", pc.target.Address(), err)
	}
	uc := &upstreamConn{
		id:         uuid.NewString(),
		conn:       conn,
		out:        make(chan []byte, upstreamQueueSize),
		done:       make(chan struct{}),
		flush:      make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	logger := pc.logger.With(zap.String("conn_id", uc.id))
	logger.Info("connected to upstream pool")

	go pc.writeLoop(uc, logger)
	go func() {
		select {
		case <-ctx.Done():
			uc.shutdown(pc.opts.drainTimeout)
		case <-uc.done:
		}
	}()
	pc.active.Store(uc)
	defer func() {
		pc.active.Store(nil)
		uc.close()
		pc.failPending("upstream connection lost")
	}()

	subscribe, err := gostratum.EncodeLine(gostratum.NewEvent(subscribeRequestId, gostratum.StratumMethodSubscribe, userAgent))
	if err != nil {
		return hs, err
	}
	if !uc.enqueue(subscribe) {
		return hs, errors.Wrap(ErrTransport, "failed queueing subscribe")
	}

	err = gostratum.ReadLines(conn, pc.opts.readTimeout, func(line string) error {
		return pc.handleLine(uc, hs, logger, line)
	})
	if err == io.EOF {
		return hs, errors.Wrap(ErrTransport, "pool closed the connection")
	}
	if errors.Is(err, ErrProtocol) || errors.Is(err, ErrTransport) {
		return hs, err
	}
	return hs, errors.Wrapf(ErrTransport, "%s", err)
}

func (pc *PoolConnection) writeLoop(uc *upstreamConn, logger *zap.SugaredLogger) {
	defer close(uc.writerDone)
	for {
		select {
		case <-uc.done:
			return
		case <-uc.flush:
			if err := writeQueued(uc.conn, uc.out, upstreamWriteTimeout); err != nil {
				logger.Warn("failed flushing to upstream pool", zap.Error(err))
			}
			return
		case line := <-uc.out:
			uc.conn.SetWriteDeadline(time.Now().Add(upstreamWriteTimeout))
			if _, err := uc.conn.Write(line); err != nil {
				logger.Warn("failed writing to upstream pool", zap.Error(err))
				uc.close()
				return
			}
		}
	}
}

func (pc *PoolConnection) handleLine(uc *upstreamConn, hs *handshake, logger *zap.SugaredLogger, line string) error {
	msg, err := gostratum.UnmarshalMessage(line)
	if err != nil {
		return errors.Wrapf(ErrProtocol, "%s", err)
	}
	if msg.IsRequest() {
		switch msg.Method {
		case gostratum.StratumMethodNotify:
			return pc.onJobNotification(hs, msg, line)
		case gostratum.StratumMethodSetDifficulty:
			return pc.onDifficultyChange(hs, msg)
		case gostratum.StratumMethodSetExtranonce:
			return pc.onSetExtranonce(msg)
		case gostratum.StratumMethodReconnect:
			return errors.Wrap(ErrTransport, "pool requested reconnect")
		case gostratum.StratumMethodShowMessage:
			logger.Infof("pool message: %v", msg.Params)
		default:
			logger.Debugf("ignoring upstream method %s", msg.Method)
		}
		return nil
	}

	id, ok := gostratum.IdUint64(msg.Id)
	if !ok {
		logger.Warnf("ignoring response with unexpected id %v", msg.Id)
		return nil
	}
	switch id {
	case subscribeRequestId:
		return pc.onSubscribeResult(uc, msg)
	case authorizeRequestId:
		return pc.onAuthorizeResult(hs, msg)
	}
	pc.onShareResult(id, msg, logger)
	return nil
}

func (pc *PoolConnection) onSubscribeResult(uc *upstreamConn, msg *gostratum.JsonRpcMessage) error {
	if pc.State() != PoolConnecting {
		return errors.Wrapf(ErrProtocol, "subscribe result in state %s", pc.State())
	}
	if msg.Error != nil {
		return errors.Wrapf(ErrProtocol, "subscribe rejected: %s", gostratum.ErrorString(msg.Error))
	}
	result, ok := msg.Result.([]any)
	if !ok || len(result) < 3 {
		return errors.Wrapf(ErrProtocol, "unexpected subscribe result %v", msg.Result)
	}
	ex, err := parseExtranonce(result[1:3])
	if err != nil {
		return err
	}
	if _, _, err := pc.opts.codec.Downstream(ex, 0); err != nil {
		return err
	}
	pc.extranonce.Store(&ex)
	pc.generation.Inc()
	pc.setState(PoolSubscribed)

	authorize, err := gostratum.EncodeLine(gostratum.NewEvent(authorizeRequestId, gostratum.StratumMethodAuthorize,
		pc.target.User, pc.target.Password))
	if err != nil {
		return err
	}
	if !uc.enqueue(authorize) {
		return errors.Wrap(ErrTransport, "failed queueing authorize")
	}
	return nil
}

func (pc *PoolConnection) onAuthorizeResult(hs *handshake, msg *gostratum.JsonRpcMessage) error {
	if pc.State() != PoolSubscribed {
		return errors.Wrapf(ErrProtocol, "authorize result in state %s", pc.State())
	}
	if !msg.ResultTrue() {
		return errors.Wrapf(ErrProtocol, "authorization of %s rejected: %s", pc.target.User, gostratum.ErrorString(msg.Error))
	}
	pc.setState(PoolAuthorized)
	pc.maybeReady(hs)
	return nil
}

func (pc *PoolConnection) onJobNotification(hs *handshake, msg *gostratum.JsonRpcMessage, line string) error {
	state := pc.State()
	if state == PoolConnecting {
		return errors.Wrap(ErrProtocol, "job notification before subscribe")
	}
	jobId, clean, err := gostratum.NotifyJob(msg.Params)
	if err != nil {
		return errors.Wrapf(ErrProtocol, "%s", err)
	}
	job := &Job{
		Id:     jobId,
		Pool:   pc.Ref(),
		Params: msg.Params,
		Raw:    []byte(line + "\n"),
		Clean:  clean,
		Seq:    pc.sequence.Inc(),
	}
	pc.currentJob.Store(job)
	hs.haveJob = true
	RecordJobReceived(pc.target, pc.index)
	if state == PoolReady {
		pc.listener.OnJob(pc, job)
		return nil
	}
	pc.maybeReady(hs)
	return nil
}

func (pc *PoolConnection) onDifficultyChange(hs *handshake, msg *gostratum.JsonRpcMessage) error {
	diff, err := gostratum.ParamFloat(msg.Params, 0)
	if err != nil {
		return errors.Wrapf(ErrProtocol, "%s", err)
	}
	if diff <= 0 {
		return errors.Wrapf(ErrProtocol, "invalid difficulty %f", diff)
	}
	pc.difficulty.Store(diff)
	hs.haveDifficulty = true
	if pc.State() == PoolReady {
		pc.listener.OnDifficulty(pc, diff)
		return nil
	}
	pc.maybeReady(hs)
	return nil
}

func (pc *PoolConnection) onSetExtranonce(msg *gostratum.JsonRpcMessage) error {
	ex, err := parseExtranonce(msg.Params)
	if err != nil {
		return err
	}
	if _, _, err := pc.opts.codec.Downstream(ex, 0); err != nil {
		return err
	}
	pc.extranonce.Store(&ex)
	pc.generation.Inc()
	pc.logger.Infof("pool changed extranonce to %s/%d", ex.Extranonce1, ex.Extranonce2Size)
	if pc.State() == PoolReady {
		// reattach bound sessions under the new generation
		pc.listener.OnPoolState(pc, PoolReady)
	}
	return nil
}

func (pc *PoolConnection) maybeReady(hs *handshake) {
	if pc.State() == PoolAuthorized && hs.haveJob && hs.haveDifficulty {
		hs.reachedReady = true
		pc.setState(PoolReady)
	}
}

func parseExtranonce(params []any) (Extranonce, error) {
	en1, err := gostratum.ParamString(params, 0)
	if err != nil {
		return Extranonce{}, errors.Wrapf(ErrProtocol, "extranonce1: %s", err)
	}
	if _, err := hex.DecodeString(en1); err != nil {
		return Extranonce{}, errors.Wrapf(ErrProtocol, "extranonce1 %q is not hex", en1)
	}
	size, err := gostratum.ParamFloat(params, 1)
	if err != nil {
		return Extranonce{}, errors.Wrapf(ErrProtocol, "extranonce2_size: %s", err)
	}
	return Extranonce{Extranonce1: en1, Extranonce2Size: int(size)}, nil
}

// SubmitShare forwards share upstream. It never blocks on the network; the
// verdict arrives later through OnShareResult.
func (pc *PoolConnection) SubmitShare(share ShareSubmission) error {
	if pc.State() != PoolReady {
		return ErrPoolUnavailable
	}
	uc := pc.active.Load()
	if uc == nil {
		return ErrPoolUnavailable
	}
	en2 := pc.opts.codec.Upstream(share.SessionId, share.Extranonce2)
	params := []any{pc.target.User, share.JobId, en2, share.NTime, share.Nonce}
	params = append(params, share.Extra...)
	id := pc.nextId.Inc()
	line, err := gostratum.EncodeLine(gostratum.NewEvent(id, gostratum.StratumMethodSubmit, params...))
	if err != nil {
		return errors.Wrap(err, "encoding share")
	}

	pc.pendingLock.Lock()
	pc.pending[id] = pendingShare{sessionId: share.SessionId, ticket: share.Ticket, extranonce2: en2}
	pc.pendingLock.Unlock()

	if !uc.enqueue(line) {
		if pc.takePending(id) {
			return ErrPoolUnavailable
		}
		// already answered by failPending
	}
	return nil
}

func (pc *PoolConnection) takePending(id uint64) bool {
	pc.pendingLock.Lock()
	defer pc.pendingLock.Unlock()
	if _, ok := pc.pending[id]; !ok {
		return false
	}
	delete(pc.pending, id)
	return true
}

func (pc *PoolConnection) onShareResult(id uint64, msg *gostratum.JsonRpcMessage, logger *zap.SugaredLogger) {
	pc.pendingLock.Lock()
	p, ok := pc.pending[id]
	delete(pc.pending, id)
	pc.pendingLock.Unlock()
	if !ok {
		logger.Warnf("response for unknown request %d", id)
		return
	}

	sessionId, err := pc.opts.codec.SessionId(p.extranonce2)
	if err != nil || sessionId != p.sessionId {
		logger.Error("share extranonce does not match its session",
			zap.Uint32("session_id", p.sessionId), zap.String("extranonce2", p.extranonce2))
		sessionId = p.sessionId
	}

	result := ShareResult{Accepted: msg.ResultTrue(), Error: msg.Error}
	if !result.Accepted && result.Error == nil {
		result.Error = gostratum.ErrorTuple(gostratum.ErrCodeOther, "rejected by upstream pool")
	}
	RecordShareResult(pc.target, pc.index, result.Accepted)
	pc.listener.OnShareResult(sessionId, p.ticket, result)
}

// failPending answers every in-flight share so no submission goes unanswered
// when the transport drops.
func (pc *PoolConnection) failPending(reason string) {
	pc.pendingLock.Lock()
	pending := pc.pending
	pc.pending = make(map[uint64]pendingShare)
	pc.pendingLock.Unlock()

	for _, p := range pending {
		RecordShareResult(pc.target, pc.index, false)
		pc.listener.OnShareResult(p.sessionId, p.ticket, ShareResult{
			Error: gostratum.ErrorTuple(gostratum.ErrCodeOther, reason),
		})
	}
}
