package zab

import (
	"fmt"
	"time"
)

// The three blocking barriers of the discovery phase.
// Each tracks a set of contributing sids under the
// leader mutex and releases every waiter through a
// loquet latch once the set satisfies the quorum
// verifier. Waiters give up after initLimit*tickTime
// with ErrEpochTimeout, or immediately with
// ErrLeaderClosed when the leader shuts down under
// them.
//
// At most one epoch cycle is ever in flight: the
// latches are created once in NewLeader and never
// re-armed; a failed barrier is fatal for the reign.

// GetEpochToPropose contributes sid's last accepted
// epoch to the new-epoch agreement and blocks until a
// quorum of participants (including the leader
// itself) is connecting. The frozen epoch is
// persisted through the AcceptedEpochStore before any
// waiter is released.
func (s *Leader) GetEpochToPropose(sid int64, lastAcceptedEpoch int64) (epoch int64, err error) {
	s.mut.Lock()
	if !s.waitingForNewEpoch {
		epoch = s.epoch
		s.mut.Unlock()
		return epoch, nil
	}
	if lastAcceptedEpoch >= s.epoch {
		s.epoch = lastAcceptedEpoch + 1
	}
	if s.mc.IsVoter(sid) {
		s.connecting[sid] = true
	}
	if s.connecting[s.myid] && s.mc.ContainsQuorum(s.connecting) {
		s.waitingForNewEpoch = false
		epoch = s.epoch
		err = s.epochs.SetAcceptedEpoch(epoch)
		if err != nil {
			s.mut.Unlock()
			return 0, err
		}
		s.epochFrozen.Close()
		s.mut.Unlock()
		return epoch, nil
	}
	if sid == s.myid {
		s.timeStartWaitForEpoch = time.Now()
	}
	whenFrozen := s.epochFrozen.WhenClosed()
	whenAborted := s.epochAbort.WhenClosed()
	s.mut.Unlock()

	select {
	case <-whenFrozen:
		s.mut.Lock()
		epoch = s.epoch
		s.mut.Unlock()
		return epoch, nil
	case <-whenAborted:
		return 0, fmt.Errorf("%w: a tracked voter went back to election", ErrEpochTimeout)
	case <-time.After(s.cfg.initTimeout()):
		// the freeze may have raced our deadline.
		s.mut.Lock()
		if !s.waitingForNewEpoch {
			epoch = s.epoch
			s.mut.Unlock()
			return epoch, nil
		}
		s.mut.Unlock()
		return 0, fmt.Errorf("%w: no quorum of connecting followers within %v", ErrEpochTimeout, s.cfg.initTimeout())
	case <-s.Halt.ReqStop.Chan:
		return 0, ErrLeaderClosed
	}
}

// ReportLookingSid is the disloyal-voter fast-fail:
// election tells the leader that voter sid is LOOKING
// again. If the epoch barrier has already been
// waiting longer than maxTimeToWaitForEpoch, abort it
// so the leader can restart instead of riding out the
// full initLimit deadline.
func (s *Leader) ReportLookingSid(sid int64) {
	if s.cfg.MaxTimeToWaitForEpoch < 0 {
		return
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	if !s.waitingForNewEpoch || s.timeStartWaitForEpoch.IsZero() {
		return
	}
	if !s.mc.IsVoter(sid) {
		return
	}
	if time.Since(s.timeStartWaitForEpoch) > time.Duration(s.cfg.MaxTimeToWaitForEpoch)*time.Millisecond {
		vv("%v quit leading due to voter %v changing its mind", s.me(), sid)
		s.epochAbort.Close()
	}
}

// WaitForEpochAck contributes a follower's ACKEPOCH
// state summary and blocks until a quorum of
// participants has acknowledged the new epoch. A
// summary more recent than the leader's own is fatal:
// this peer must not lead.
func (s *Leader) WaitForEpochAck(sid int64, ss *StateSummary) (err error) {
	s.mut.Lock()
	if s.electionFinished {
		s.mut.Unlock()
		return nil
	}
	if ss.CurrentEpoch != -1 {
		if ss.IsMoreRecentThan(s.leaderSummary) {
			s.mut.Unlock()
			return fmt.Errorf("%w: follower %v summary (epoch %v, zxid %v) vs leader (epoch %v, zxid %v)",
				ErrFollowerAhead, sid, ss.CurrentEpoch, zxid2str(ss.LastZxid),
				s.leaderSummary.CurrentEpoch, zxid2str(s.leaderSummary.LastZxid))
		}
		if ss.LastZxid != -1 && s.mc.IsVoter(sid) {
			s.electing[sid] = true
		}
	}
	if s.electing[s.myid] && s.mc.ContainsQuorum(s.electing) {
		s.electionFinished = true
		s.electionDone.Close()
		s.mut.Unlock()
		return nil
	}
	whenDone := s.electionDone.WhenClosed()
	s.mut.Unlock()

	select {
	case <-whenDone:
		return nil
	case <-time.After(s.cfg.initTimeout()):
		s.mut.Lock()
		finished := s.electionFinished
		s.mut.Unlock()
		if finished {
			return nil
		}
		return fmt.Errorf("%w: epoch not acked by quorum within %v", ErrEpochTimeout, s.cfg.initTimeout())
	case <-s.Halt.ReqStop.Chan:
		return ErrLeaderClosed
	}
}

// WaitForNewLeaderAck records sid's ACK of the
// NEWLEADER proposal and blocks until its tracker has
// all quorums. Acks carrying any other zxid are
// stale chatter and ignored.
func (s *Leader) WaitForNewLeaderAck(sid int64, zxid int64) (err error) {
	s.mut.Lock()
	if s.quorumFormed {
		s.mut.Unlock()
		return nil
	}
	currentZxid := s.newLeaderProposal.Pkt.Zxid
	if zxid != currentZxid {
		alwaysPrintf("%v NEWLEADER ACK from sid %v is from a different epoch: current %v received %v",
			s.me(), sid, zxid2str(currentZxid), zxid2str(zxid))
		s.mut.Unlock()
		return nil
	}
	// addAck already checks that the learner is a participant.
	s.newLeaderProposal.addAck(sid)
	if s.newLeaderProposal.hasAllQuorums() {
		s.quorumFormed = true
		s.quorumFormedCh.Close()
		s.mut.Unlock()
		return nil
	}
	whenFormed := s.quorumFormedCh.WhenClosed()
	s.mut.Unlock()

	select {
	case <-whenFormed:
		return nil
	case <-time.After(s.cfg.initTimeout()):
		s.mut.Lock()
		formed := s.quorumFormed
		s.mut.Unlock()
		if formed {
			return nil
		}
		return fmt.Errorf("%w: NEWLEADER not acked by quorum within %v", ErrEpochTimeout, s.cfg.initTimeout())
	case <-s.Halt.ReqStop.Chan:
		return ErrLeaderClosed
	}
}
