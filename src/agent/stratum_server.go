package agent

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MattF42/htn-stratum-agent/src/gostratum"
	"github.com/pkg/errors"
	"github.com/remeh/sizedwaitgroup"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	drainParallelism = 64
	failoverTick     = time.Second
)

// Server accepts miners, binds each to an upstream pool and relays work and
// share results between them.
type Server struct {
	cfg    AgentConfig
	logger *zap.SugaredLogger
	codec  extranonceCodec
	ids    *sessionIdAllocator
	pools  *PoolSet
	stats  *statsTable

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	conns    sync.WaitGroup
	tickets  atomic.Uint64

	sessionsLock sync.RWMutex
	live         map[*DownstreamSession]struct{}
	sessions     map[uint32]*DownstreamSession
	byPool       []map[uint32]*DownstreamSession
}

func NewServer(cfg AgentConfig, favor FavorConfig, logger *zap.SugaredLogger) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "server")),
		codec:    newExtranonceCodec(cfg.SessionIdBytes),
		live:     map[*DownstreamSession]struct{}{},
		sessions: map[uint32]*DownstreamSession{},
	}
	s.ids = newSessionIdAllocator(s.codec.MaxSessions())
	pools, err := NewPoolSet(cfg, favor, s.codec, logger, s)
	if err != nil {
		return nil, err
	}
	s.pools = pools
	s.byPool = make([]map[uint32]*DownstreamSession, pools.Len())
	for i := range s.byPool {
		s.byPool[i] = map[uint32]*DownstreamSession{}
	}
	s.stats = newStatsTable(pools.Len())
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Setup binds the downstream listener and starts the optional http
// endpoints. Run must follow.
func (s *Server) Setup() error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Wrapf(ErrTransport, "listening on %s: %s", s.cfg.Listen, err)
	}
	s.listener = listener
	s.logger.Infof("listening for miners on %s", listener.Addr())

	if s.cfg.PromPort != "" {
		StartPromServer(s.logger, s.cfg.PromPort)
	}
	if s.cfg.HealthCheckPort != "" {
		s.logger.Info("enabling health check on port " + s.cfg.HealthCheckPort)
		mux := http.NewServeMux()
		mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
			if s.pools.Router().AnyReady() {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		go http.ListenAndServe(s.cfg.HealthCheckPort, mux)
	}
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run blocks until Stop is called or ctx is cancelled, then drains every
// session and waits for the pool connections to wind down.
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		return errors.Wrap(ErrTransport, "Run called before Setup")
	}
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.ctx.Done():
		}
	}()
	go func() {
		<-s.ctx.Done()
		s.listener.Close()
	}()

	s.pools.Start(s.ctx)
	if s.cfg.FailoverAfter > 0 {
		go s.failoverLoop(s.ctx)
	}
	if s.cfg.PrintStats {
		go s.stats.startStatsThread(s.ctx, s.pools, s.SessionCount)
	}

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				break
			}
			s.logger.Error("failed accepting miner connection", zap.Error(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.conns.Add(1)
		go s.handleConn(conn)
	}

	s.drain()
	s.conns.Wait()
	s.pools.Wait()
	s.logger.Info("agent stopped")
	return nil
}

// Stop is safe to call more than once and from any goroutine.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping agent")
		s.cancel()
	})
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.conns.Done()
	session := newDownstreamSession(s, conn)
	if !s.track(session) {
		conn.Close()
		return
	}
	RecordSessionOpened()
	go session.writeLoop(session.logger)

	err := gostratum.ReadLines(conn, s.cfg.ReadTimeout, session.handleLine)
	switch {
	case err == io.EOF, session.Closed():
		session.logger.Info("miner disconnected")
	case errors.Is(err, ErrProtocol), errors.Is(err, ErrCapacity):
		session.logger.Warn("closing session", zap.Error(err))
	default:
		session.logger.Info("miner connection lost", zap.Error(err))
	}
	session.Shutdown(s.cfg.DrainTimeout)
	s.untrack(session)
	RecordSessionClosed()
}

func (s *Server) track(session *DownstreamSession) bool {
	s.sessionsLock.Lock()
	defer s.sessionsLock.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.live[session] = struct{}{}
	return true
}

func (s *Server) untrack(session *DownstreamSession) {
	s.sessionsLock.Lock()
	delete(s.live, session)
	if session.hasId {
		if s.sessions[session.id] == session {
			delete(s.sessions, session.id)
		}
		for _, m := range s.byPool {
			if m[session.id] == session {
				delete(m, session.id)
			}
		}
	}
	s.sessionsLock.Unlock()
	if session.hasId {
		s.ids.Release(session.id)
	}
}

// assignPool asks the router for a READY pool, retrying while none is
// available up to the configured number of attempts.
func (s *Server) assignPool(session *DownstreamSession) (*PoolConnection, error) {
	pc, err := s.pools.Assign()
	if err == nil {
		return pc, nil
	}
	RecordPendingAssignment(1)
	defer RecordPendingAssignment(-1)
	session.logger.Info("no ready pool, holding subscribe")
	for attempt := 1; attempt < s.cfg.AssignMaxAttempts; attempt++ {
		select {
		case <-s.ctx.Done():
			return nil, errors.Wrap(ErrNoPoolAvailable, "agent stopping")
		case <-session.done:
			return nil, errors.Wrap(ErrNoPoolAvailable, "session closed")
		case <-time.After(s.cfg.AssignRetryInterval):
		}
		if pc, err = s.pools.Assign(); err == nil {
			return pc, nil
		}
	}
	return nil, errors.Wrapf(err, "after %d attempts", s.cfg.AssignMaxAttempts)
}

// bind registers session with pc's relay index and attaches it.
func (s *Server) bind(session *DownstreamSession, pc *PoolConnection) (sessionBinding, error) {
	s.sessionsLock.Lock()
	if prev, ok := session.Binding(); ok && prev.ref.Index != pc.Index() {
		delete(s.byPool[prev.ref.Index], session.id)
	}
	s.sessions[session.id] = session
	s.byPool[pc.Index()][session.id] = session
	s.sessionsLock.Unlock()

	b, err := session.attach(pc)
	if err != nil {
		return b, err
	}
	RecordAssignment(pc.Target(), pc.Index())
	return b, nil
}

func (s *Server) session(id uint32) *DownstreamSession {
	s.sessionsLock.RLock()
	defer s.sessionsLock.RUnlock()
	return s.sessions[id]
}

func (s *Server) sessionsOf(pool int) []*DownstreamSession {
	s.sessionsLock.RLock()
	defer s.sessionsLock.RUnlock()
	out := make([]*DownstreamSession, 0, len(s.byPool[pool]))
	for _, session := range s.byPool[pool] {
		out = append(out, session)
	}
	return out
}

func (s *Server) SessionCount() int {
	s.sessionsLock.RLock()
	defer s.sessionsLock.RUnlock()
	return len(s.live)
}

// failoverLoop moves sessions off pools that have been FAILED for longer
// than failover_after.
func (s *Server) failoverLoop(ctx context.Context) {
	ticker := time.NewTicker(failoverTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, pc := range s.pools.Pools() {
			since := pc.FailedSince()
			if pc.State() == PoolReady || since.IsZero() || time.Since(since) < s.cfg.FailoverAfter {
				continue
			}
			for _, session := range s.sessionsOf(pc.Index()) {
				s.rebind(session)
			}
		}
	}
}

func (s *Server) rebind(session *DownstreamSession) {
	if session.Closed() {
		return
	}
	pc, err := s.pools.Assign()
	if err != nil {
		return
	}
	if _, err := s.bind(session, pc); err != nil {
		session.logger.Warn("failed rebinding session, closing", zap.Error(err))
		session.Close()
		return
	}
	session.logger.Infof("failed over to pool %d", pc.Index())
}

func (s *Server) drain() {
	s.sessionsLock.RLock()
	live := make([]*DownstreamSession, 0, len(s.live))
	for session := range s.live {
		live = append(live, session)
	}
	s.sessionsLock.RUnlock()

	s.logger.Infof("draining %d sessions", len(live))
	swg := sizedwaitgroup.New(drainParallelism)
	for _, session := range live {
		swg.Add()
		go func(session *DownstreamSession) {
			defer swg.Done()
			session.Shutdown(s.cfg.DrainTimeout)
		}(session)
	}
	swg.Wait()
}
