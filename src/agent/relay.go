package agent

import "go.uber.org/zap"

func (s *Server) OnPoolState(pc *PoolConnection, state PoolState) {
	if state != PoolReady {
		return
	}
	// fresh transport or new extranonce: every bound session moves to the
	// new generation. A miner that did not subscribe to extranonce updates
	// cannot follow a changed extranonce1 and is closed.
	sessions := s.sessionsOf(pc.Index())
	closed := 0
	for _, session := range sessions {
		if _, err := session.attach(pc); err != nil {
			session.logger.Warn("failed reattaching session, closing", zap.Error(err))
			session.Close()
			closed++
		}
	}
	if closed > 0 {
		pc.logger.Warnw("closed sessions that could not be reattached", "closed", closed, "reattached", len(sessions)-closed)
	} else if len(sessions) > 0 {
		pc.logger.Infof("reattached %d sessions", len(sessions))
	}
}

func (s *Server) OnJob(pc *PoolConnection, job *Job) {
	relayed := 0
	for _, session := range s.sessionsOf(pc.Index()) {
		if session.deliverJob(job) {
			relayed++
		}
	}
	RecordJobRelayed(pc.Target(), pc.Index(), relayed)
}

func (s *Server) OnDifficulty(pc *PoolConnection, diff float64) {
	ref := pc.Ref()
	for _, session := range s.sessionsOf(pc.Index()) {
		session.deliverDifficulty(ref, diff)
	}
}

func (s *Server) OnShareResult(sessionId uint32, ticket uint64, result ShareResult) {
	session := s.session(sessionId)
	if session == nil {
		s.logger.Debugf("dropping share result for departed session %d", sessionId)
		return
	}
	if session.completeShare(ticket, result) {
		s.stats.recordShare(session, result, false)
	}
}
