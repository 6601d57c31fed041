package agent

import (
	"net"
	"sync"
	"time"

	"github.com/MattF42/htn-stratum-agent/src/gostratum"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type sessionState int32

const (
	sessionConnected sessionState = iota
	sessionSubscribed
	sessionAuthorized
	sessionClosed
)

const (
	sessionQueueSize    = 256
	sessionWriteTimeout = 10 * time.Second
)

// sessionBinding is replaced as a whole whenever the session is attached to
// a pool or reattached after the pool's extranonce changed.
type sessionBinding struct {
	ref             PoolRef
	extranonce1     string
	extranonce2Size int
}

type DownstreamSession struct {
	id     uint32
	hasId  bool
	conn   net.Conn
	remote string
	logger *zap.SugaredLogger
	server *Server

	out        chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	flush      chan struct{}
	flushOnce  sync.Once
	writerDone chan struct{}

	state                atomic.Int32
	worker               atomic.String
	extranonceSubscribed atomic.Bool
	difficulty           atomic.Float64
	binding              atomic.Pointer[sessionBinding]

	// relayMu orders everything written as work: extranonce, difficulty and
	// jobs. lastSeq is the sequence of the newest job written.
	relayMu sync.Mutex
	lastSeq uint64

	jobs    *MiningState
	results *resultQueue
}

func newDownstreamSession(server *Server, conn net.Conn) *DownstreamSession {
	remote := conn.RemoteAddr().String()
	return &DownstreamSession{
		conn:       conn,
		remote:     remote,
		logger:     server.logger.With(zap.String("component", "session"), zap.String("remote", remote)),
		server:     server,
		out:        make(chan []byte, sessionQueueSize),
		done:       make(chan struct{}),
		flush:      make(chan struct{}),
		writerDone: make(chan struct{}),
		jobs:       newMiningState(),
		results:    newResultQueue(),
	}
}

func (s *DownstreamSession) Id() uint32 {
	return s.id
}

func (s *DownstreamSession) WorkerName() string {
	if w := s.worker.Load(); w != "" {
		return w
	}
	return s.remote
}

func (s *DownstreamSession) State() sessionState {
	return sessionState(s.state.Load())
}

func (s *DownstreamSession) Binding() (sessionBinding, bool) {
	b := s.binding.Load()
	if b == nil {
		return sessionBinding{}, false
	}
	return *b, true
}

func (s *DownstreamSession) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *DownstreamSession) writeLoop(logger *zap.SugaredLogger) {
	defer close(s.writerDone)
	for {
		select {
		case <-s.done:
			return
		case <-s.flush:
			if err := writeQueued(s.conn, s.out, sessionWriteTimeout); err != nil {
				logger.Debug("failed flushing to miner", zap.Error(err))
			}
			return
		case line := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
			if _, err := s.conn.Write(line); err != nil {
				logger.Debug("failed writing to miner", zap.Error(err))
				s.Close()
				return
			}
		}
	}
}

// writeQueued writes what is already queued on out without waiting for more.
func writeQueued(conn net.Conn, out chan []byte, timeout time.Duration) error {
	for {
		select {
		case line := <-out:
			conn.SetWriteDeadline(time.Now().Add(timeout))
			if _, err := conn.Write(line); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// send queues line for the writer. A session that cannot keep up is closed
// rather than skipping work.
func (s *DownstreamSession) send(line []byte) bool {
	if s.Closed() {
		return false
	}
	select {
	case s.out <- line:
		return true
	default:
		s.logger.Warn("outbound queue full, closing session")
		s.Close()
		return false
	}
}

func (s *DownstreamSession) sendJson(v any) bool {
	line, err := gostratum.EncodeLine(v)
	if err != nil {
		s.logger.Error("failed encoding message", zap.Error(err))
		return false
	}
	return s.send(line)
}

func (s *DownstreamSession) reply(id any, result any) bool {
	return s.sendJson(gostratum.NewResponse(id, result, nil))
}

func (s *DownstreamSession) replyError(id any, code int, msg string) bool {
	return s.sendJson(gostratum.NewResponse(id, nil, gostratum.ErrorTuple(code, msg)))
}

func (s *DownstreamSession) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(sessionClosed))
		close(s.done)
		s.conn.Close()
	})
}

// Shutdown asks the writer to flush what is queued and waits up to timeout
// for it to finish, then closes the session.
func (s *DownstreamSession) Shutdown(timeout time.Duration) {
	s.flushOnce.Do(func() { close(s.flush) })
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.writerDone:
	case <-s.done:
	case <-timer.C:
	}
	s.Close()
}

// handleLine dispatches one miner request. A returned error ends the session.
func (s *DownstreamSession) handleLine(line string) error {
	msg, err := gostratum.UnmarshalMessage(line)
	if err != nil {
		s.replyError(nil, gostratum.ErrCodeOther, "malformed message")
		return errors.Wrapf(ErrProtocol, "%s", err)
	}
	if !msg.IsRequest() {
		return nil
	}
	switch msg.Method {
	case gostratum.StratumMethodSubscribe:
		return s.handleSubscribe(msg)
	case gostratum.StratumMethodAuthorize:
		return s.handleAuthorize(msg)
	case gostratum.StratumMethodSubmit:
		return s.handleSubmit(msg)
	case gostratum.StratumMethodExtranonceSubscribe:
		s.extranonceSubscribed.Store(true)
		s.reply(msg.Id, true)
	case gostratum.StratumMethodConfigure:
		s.reply(msg.Id, map[string]any{"version-rolling": false})
	case gostratum.StratumMethodSuggestDifficulty:
		s.reply(msg.Id, true)
	default:
		s.logger.Debugf("unsupported method %s", msg.Method)
		s.replyError(msg.Id, gostratum.ErrCodeOther, "unsupported method "+string(msg.Method))
	}
	return nil
}

func (s *DownstreamSession) handleSubscribe(msg *gostratum.JsonRpcMessage) error {
	if s.State() != sessionConnected {
		s.replyError(msg.Id, gostratum.ErrCodeOther, "already subscribed")
		return errors.Wrap(ErrProtocol, "duplicate subscribe")
	}
	id, err := s.server.ids.Acquire()
	if err != nil {
		s.replyError(msg.Id, gostratum.ErrCodeOther, "agent is full")
		return err
	}
	s.id, s.hasId = id, true
	s.logger = s.logger.With(zap.Uint32("session_id", id))

	pc, err := s.server.assignPool(s)
	if err != nil {
		s.replyError(msg.Id, gostratum.ErrCodeOther, "no upstream pool available")
		return err
	}
	b, err := s.server.bind(s, pc)
	if err != nil {
		s.replyError(msg.Id, gostratum.ErrCodeOther, "upstream pool unusable")
		return err
	}
	s.state.Store(int32(sessionSubscribed))

	subId := s.server.codec.Prefix(id)
	s.reply(msg.Id, []any{
		[]any{
			[]any{string(gostratum.StratumMethodSetDifficulty), subId},
			[]any{string(gostratum.StratumMethodNotify), subId},
		},
		b.extranonce1,
		b.extranonce2Size,
	})
	s.logger.Infof("subscribed, bound to pool %d", b.ref.Index)
	return nil
}

func (s *DownstreamSession) handleAuthorize(msg *gostratum.JsonRpcMessage) error {
	switch s.State() {
	case sessionSubscribed:
	case sessionAuthorized:
		s.reply(msg.Id, true)
		return nil
	default:
		s.replyError(msg.Id, gostratum.ErrCodeNotSubscribed, "not subscribed")
		return errors.Wrap(ErrProtocol, "authorize before subscribe")
	}
	if worker, err := gostratum.ParamString(msg.Params, 0); err == nil {
		s.worker.Store(worker)
	}
	s.logger.Infof("authorized worker %s", s.WorkerName())

	s.relayMu.Lock()
	defer s.relayMu.Unlock()
	if !s.reply(msg.Id, true) {
		return nil
	}
	s.state.Store(int32(sessionAuthorized))
	b := s.binding.Load()
	if pc, ok := s.server.pools.Resolve(b.ref); ok {
		s.sendDifficultyLocked(pc.Difficulty())
		if job := pc.CurrentJob(); job != nil && job.Pool == b.ref {
			s.sendJobLocked(job)
		} else if job != nil {
			s.sendForcedCleanLocked(job, b.ref)
		}
	}
	return nil
}

func (s *DownstreamSession) handleSubmit(msg *gostratum.JsonRpcMessage) error {
	if s.State() != sessionAuthorized {
		s.replyError(msg.Id, gostratum.ErrCodeUnauthorized, "unauthorized worker")
		return errors.Wrap(ErrProtocol, "submit before authorize")
	}
	ticket := s.server.tickets.Inc()
	s.results.Push(ticket, msg.Id)

	share, err := s.parseSubmission(msg.Params)
	if err != nil {
		s.logger.Debug("bad submit params", zap.Error(err))
		s.rejectLocally(ticket, "invalid_params", gostratum.ErrorTuple(gostratum.ErrCodeOther, "invalid submit params"))
		return nil
	}
	share.SessionId = s.id
	share.Ticket = ticket

	b := s.binding.Load()
	job, ok := s.jobs.GetJob(share.JobId)
	if !ok || job.Pool != b.ref {
		s.rejectLocally(ticket, "stale", gostratum.ErrorTuple(gostratum.ErrCodeJobNotFound, "job not found"))
		return nil
	}
	pc, ok := s.server.pools.Resolve(b.ref)
	if !ok {
		s.rejectLocally(ticket, "pool_unavailable", gostratum.ErrorTuple(gostratum.ErrCodeOther, "upstream pool unavailable"))
		return nil
	}
	if err := pc.SubmitShare(share); err != nil {
		s.rejectLocally(ticket, "pool_unavailable", gostratum.ErrorTuple(gostratum.ErrCodeOther, "upstream pool unavailable"))
	}
	return nil
}

func (s *DownstreamSession) parseSubmission(params []any) (ShareSubmission, error) {
	var share ShareSubmission
	if len(params) < 5 {
		return share, errors.Wrapf(ErrProtocol, "submit has %d params", len(params))
	}
	fields := make([]string, 4)
	for i := range fields {
		v, err := gostratum.ParamString(params, i+1)
		if err != nil {
			return share, errors.Wrapf(ErrProtocol, "%s", err)
		}
		fields[i] = v
	}
	share.JobId, share.Extranonce2, share.NTime, share.Nonce = fields[0], fields[1], fields[2], fields[3]
	if b := s.binding.Load(); b != nil {
		if err := validateMinerExtranonce2(share.Extranonce2, b.extranonce2Size); err != nil {
			return share, err
		}
	}
	share.Extra = params[5:]
	share.Time = time.Now()
	return share, nil
}

func (s *DownstreamSession) rejectLocally(ticket uint64, reason string, errTuple []any) {
	RecordLocalReject(reason)
	s.server.stats.recordShare(s, ShareResult{Error: errTuple}, reason == "stale")
	s.completeShare(ticket, ShareResult{Error: errTuple})
}

// completeShare reports false when ticket is not outstanding on this session.
func (s *DownstreamSession) completeShare(ticket uint64, result ShareResult) bool {
	var res any = result.Accepted
	if !result.Accepted {
		res = nil
	}
	return s.results.Complete(ticket, res, result.Error, func(resp gostratum.JsonRpcResponse) {
		s.sendJson(resp)
	})
}

// Work delivery. Every method below expects relayMu to be held.

func (s *DownstreamSession) sendDifficultyLocked(poolDiff float64) {
	diff := poolDiff
	if s.server.cfg.SessionDifficulty > 0 {
		diff = s.server.cfg.SessionDifficulty
	}
	if diff <= 0 {
		return
	}
	s.difficulty.Store(diff)
	s.sendJson(gostratum.NewEvent(nil, gostratum.StratumMethodSetDifficulty, diff))
}

func (s *DownstreamSession) sendJobLocked(job *Job) {
	if job.Seq <= s.lastSeq {
		return
	}
	if s.send(job.Raw) {
		s.lastSeq = job.Seq
		s.jobs.AddJob(job)
	}
}

// deliverJob writes job if the session is authorized, still bound to the
// job's pool and transport, and has not already seen a newer job.
func (s *DownstreamSession) deliverJob(job *Job) bool {
	s.relayMu.Lock()
	defer s.relayMu.Unlock()
	if s.State() != sessionAuthorized {
		return false
	}
	b := s.binding.Load()
	if b == nil || b.ref != job.Pool || job.Seq <= s.lastSeq {
		return false
	}
	s.sendJobLocked(job)
	return true
}

func (s *DownstreamSession) deliverDifficulty(ref PoolRef, diff float64) {
	s.relayMu.Lock()
	defer s.relayMu.Unlock()
	if s.State() != sessionAuthorized || s.server.cfg.SessionDifficulty > 0 {
		return
	}
	if b := s.binding.Load(); b == nil || b.ref.Index != ref.Index {
		return
	}
	s.sendDifficultyLocked(diff)
}

// attach binds the session to pc, or rebinds it after failover or an
// upstream extranonce change. An authorized session is handed the pool's
// difficulty and latest job, forced clean.
func (s *DownstreamSession) attach(pc *PoolConnection) (sessionBinding, error) {
	s.relayMu.Lock()
	defer s.relayMu.Unlock()

	ex, ok := pc.Extranonce()
	if !ok {
		return sessionBinding{}, ErrPoolUnavailable
	}
	en1, en2Size, err := s.server.codec.Downstream(ex, s.id)
	if err != nil {
		return sessionBinding{}, err
	}
	next := &sessionBinding{ref: pc.Ref(), extranonce1: en1, extranonce2Size: en2Size}
	prev := s.binding.Load()
	if prev != nil && *prev == *next {
		return *next, nil
	}

	if prev != nil && (prev.extranonce1 != en1 || prev.extranonce2Size != en2Size) {
		if !s.extranonceSubscribed.Load() {
			return sessionBinding{}, errors.Wrap(ErrProtocol, "extranonce changed and miner did not subscribe to extranonce updates")
		}
		s.sendJson(gostratum.NewEvent(nil, gostratum.StratumMethodSetExtranonce, en1, en2Size))
	}
	s.binding.Store(next)

	if prev == nil || s.State() != sessionAuthorized {
		return *next, nil
	}
	s.sendDifficultyLocked(pc.Difficulty())
	s.jobs.ClearJobs()
	s.lastSeq = 0
	if job := pc.CurrentJob(); job != nil {
		s.sendForcedCleanLocked(job, next.ref)
	}
	return *next, nil
}

func (s *DownstreamSession) sendForcedCleanLocked(job *Job, ref PoolRef) {
	params := gostratum.WithCleanJobs(job.Params)
	line, err := gostratum.EncodeLine(gostratum.NewEvent(nil, gostratum.StratumMethodNotify, params...))
	if err != nil {
		s.logger.Error("failed encoding job", zap.Error(err))
		return
	}
	forced := &Job{Id: job.Id, Pool: ref, Params: params, Raw: line, Clean: true, Seq: job.Seq}
	if s.send(forced.Raw) {
		s.lastSeq = forced.Seq
		s.jobs.AddJob(forced)
	}
}
