package zab

// Membership change. A reconfig is an ordinary
// proposal that carries a whole new MemberConfig; it
// is gated on entry (version check, one at a time,
// new config must already have a quorum connected)
// and special-cased at commit: the new view activates
// atomically, a designated leader is chosen, and if
// that is not us, this reign stops committing.

// ProposeReconfig validates and proposes a membership
// change to newServers. fromConfig is the caller's
// idea of the current config version; zero skips the
// check, anything else must match or the reconfig is
// rejected with ErrBadVersion.
func (s *Leader) ProposeReconfig(newServers []*QuorumServer, fromConfig int64) (p *Proposal, err error) {
	if !s.cfg.ReconfigEnabled {
		return nil, ErrReconfigDisabled
	}
	newMC := NewMemberConfig(0, newServers...)

	s.mut.Lock()
	if s.isShutdown {
		s.mut.Unlock()
		return nil, ErrLeaderClosed
	}
	if s.lastSeenMC.Vers > s.mc.Vers {
		s.mut.Unlock()
		return nil, ErrReconfigInProgress
	}
	if fromConfig != 0 && fromConfig != s.mc.Vers {
		s.mut.Unlock()
		return nil, ErrBadVersion
	}
	// the new config must be able to make progress the
	// moment it activates, so it must already have a
	// quorum among the learners synced right now.
	synced := s.syncedSidsLocked()
	if !newMC.ContainsQuorum(synced) {
		s.mut.Unlock()
		return nil, ErrNewConfigNoQuorum
	}
	s.mut.Unlock()

	req := &Request{
		Op:       OpReconfig,
		Reconfig: newMC,
	}
	return s.Propose(req)
}

// getDesignatedLeaderLocked finds the best leader for
// the configuration a committing reconfig activates.
// If this leader is a voter in the new config at the
// same quorum address, it stays. Otherwise: start
// from the new-config voters that acked the reconfig
// (a quorum of them, by construction), and walk the
// consecutive outstanding proposals after it,
// narrowing to the candidates that acked the most of
// them; the survivor is the most up-to-date and
// drops the fewest in-flight ops. The walk stops at
// the first missing zxid: only consecutive proposals
// count, gaps are not extrapolated across.
func (s *Leader) getDesignatedLeaderLocked(p *Proposal, zxid int64) int64 {
	newMC := p.lastQuorumVerifier()

	if qs, ok := newMC.Servers[s.myid]; ok && qs.Role == PARTICIPANT && s.self != nil && qs.QuorumAddr == s.self.QuorumAddr {
		return s.myid
	}

	candidates := make(map[int64]bool)
	for sid := range p.lastAckset() {
		candidates[sid] = true
	}
	delete(candidates, s.myid) // if we are here, we should not be the leader
	if len(candidates) == 0 {
		// nobody in the new config acked yet; keep self
		// and let the next election sort it out.
		return s.myid
	}
	curCandidate := minSid(candidates)

	curZxid := zxid + 1
	for len(candidates) > 0 {
		p2 := s.outstanding.get(curZxid)
		if p2 == nil {
			break
		}
		for _, pair := range p2.qvAcksets {
			// narrow to the candidates that acked p2.
			for sid := range candidates {
				if !pair.ackset[sid] {
					delete(candidates, sid)
				}
			}
			if len(candidates) == 0 {
				return curCandidate
			}
			curCandidate = minSid(candidates)
			if len(candidates) == 1 {
				return curCandidate
			}
		}
		curZxid++
	}
	return curCandidate
}

// minSid is the deterministic tie-break over a
// candidate set.
func minSid(set map[int64]bool) (min int64) {
	first := true
	for sid := range set {
		if first || sid < min {
			min = sid
			first = false
		}
	}
	return
}

// processReconfigLocked atomically installs newMC as
// the committed configuration and returns the
// sessions whose sids fell out of the view; the
// caller closes them once their activation packet has
// drained.
func (s *Leader) processReconfigLocked(newMC *MemberConfig, designated int64) (closeUs []*LearnerSession) {
	vv("%v activating config %v, designated leader %v", s.me(), newMC, designated)
	s.mc = newMC
	s.lastSeenMC = newMC
	s.self = newMC.Servers[s.myid]

	for sid, sess := range s.forwarding {
		if _, ok := newMC.Servers[sid]; !ok {
			delete(s.forwarding, sid)
			closeUs = append(closeUs, sess)
		}
	}
	for sid, sess := range s.observing {
		if _, ok := newMC.Servers[sid]; !ok {
			delete(s.observing, sid)
			closeUs = append(closeUs, sess)
		}
	}
	return
}
