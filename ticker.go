package zab

import (
	"fmt"
	"time"
)

// The liveness loop of the broadcast phase. We ping
// twice a tick, so the tick counter only advances
// every other iteration, and only the counted
// iterations judge quorum: a follower gets a full
// tick of slack before its silence counts against
// the synced set.
func (s *Leader) tickLoop() error {
	tickSkip := true
	half := s.cfg.tickDur() / 2
	for {
		select {
		case <-time.After(half):
		case <-s.Halt.ReqStop.Chan:
			return s.tickLoopExitReason()
		}

		s.mut.Lock()
		if s.isShutdown {
			s.mut.Unlock()
			return s.tickLoopExitReason()
		}
		if !tickSkip {
			s.tick++
		}
		synced := s.syncedSidsLocked()
		ok := s.mc.ContainsQuorum(synced)
		if ok && s.lastSeenMC.Vers > s.mc.Vers {
			// a pending reconfig must keep its quorum too.
			ok = s.lastSeenMC.ContainsQuorum(synced)
		}
		lost := false
		if !tickSkip && !ok {
			if s.cfg.OracleOverride == nil || !s.cfg.OracleOverride(synced) {
				lost = true
			}
		}
		tickSkip = !tickSkip
		sessions := s.learnerListLocked()
		s.mut.Unlock()

		if lost {
			err := fmt.Errorf("%w: only synced with sids %v", ErrQuorumLost, sortedSet(synced))
			s.shutdown(err)
			return err
		}

		// ping outside the lock: a stuck session must
		// not stall the health check.
		for _, sess := range sessions {
			sess.ping()
		}
	}
}

func (s *Leader) tickLoopExitReason() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.shutdownReason != nil {
		return s.shutdownReason
	}
	return ErrLeaderClosed
}

// Tick reports the logical tick counter; mostly for
// tests and inspection.
func (s *Leader) Tick() int64 {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.tick
}
