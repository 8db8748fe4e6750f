package zab

import (
	"fmt"
	"sync"
	"time"

	"github.com/glycerine/idem"
	"github.com/glycerine/loquet"
)

// Leader is one reign of the Zab protocol: it exists
// from the moment election promotes this peer until
// shutdown hands control back to the election driver.
//
// The single mut serializes the whole hot path:
// propose, ack processing, commit, reconfig commit,
// and the tick health check. Learner sessions run on
// their own goroutines and take mut briefly to mutate
// shared state. Everything below mut in the struct is
// guarded by it unless noted.
type Leader struct {
	cfg *ZabConfig

	Halt *idem.Halter

	// collaborators, fixed at construction.
	state    ReplicatedState
	epochs   AcceptedEpochStore
	txnlog   TransactionLog
	auth     QuorumAuthServer
	election ElectionDriver

	myid int64

	mut sync.Mutex

	// mc is the committed configuration; lastSeenMC is
	// the newest one (identical to mc except while a
	// reconfig is in flight, when its Vers is higher).
	mc         *MemberConfig
	lastSeenMC *MemberConfig
	self       *QuorumServer

	// discovery state (epoch.go).
	epoch                 int64
	waitingForNewEpoch    bool
	connecting            map[int64]bool
	epochFrozen           *loquet.Chan[int64]
	epochAbort            *loquet.Chan[int64]
	timeStartWaitForEpoch time.Time

	leaderSummary    *StateSummary
	electing         map[int64]bool
	electionFinished bool
	electionDone     *loquet.Chan[int64]

	newLeaderProposal *Proposal
	quorumFormed      bool
	quorumFormedCh    *loquet.Chan[int64]

	// broadcast state.
	zxids           zxidAllocator
	lastCommitted   int64
	allowedToCommit bool
	outstanding     *outstandingTable
	toBeApplied     []*Proposal
	pendingSyncs    map[int64][]*LearnerSession

	// learners holds every live session; forwarding
	// and observing hold only the serving ones, keyed
	// by sid, at most one session per sid.
	learners   map[*LearnerSession]bool
	forwarding map[int64]*LearnerSession
	observing  map[int64]*LearnerSession

	acceptor *learnerCnxAcceptor

	tick int64

	isShutdown     bool
	shutdownReason error
}

// NewLeader wires a leader for one reign. mc is the
// committed configuration the election was won under.
// col.State, col.Epochs and col.TxnLog are required;
// nil col.Auth and col.Election get no-op defaults.
func NewLeader(cfg *ZabConfig, mc *MemberConfig, col *Collab) *Leader {
	cfg.Init()
	cfg.sanityCheck()
	if col.State == nil || col.Epochs == nil || col.TxnLog == nil {
		panicf("NewLeader: Collab.State, Collab.Epochs, Collab.TxnLog are required")
	}
	auth := col.Auth
	if auth == nil {
		auth = AllowAllAuthServer{}
	}
	elec := col.Election
	if elec == nil {
		elec = noopElectionDriver{}
	}
	s := &Leader{
		cfg:                cfg,
		Halt:               idem.NewHalter(),
		state:              col.State,
		epochs:             col.Epochs,
		txnlog:             col.TxnLog,
		auth:               auth,
		election:           elec,
		myid:               cfg.MyID,
		mc:                 mc,
		lastSeenMC:         mc,
		self:               mc.Servers[cfg.MyID],
		waitingForNewEpoch: true,
		connecting:         make(map[int64]bool),
		epochFrozen:        loquet.NewChan[int64](nil),
		epochAbort:         loquet.NewChan[int64](nil),
		electing:           make(map[int64]bool),
		electionDone:       loquet.NewChan[int64](nil),
		quorumFormedCh:     loquet.NewChan[int64](nil),
		allowedToCommit:    true,
		outstanding:        newOutstandingTable(),
		pendingSyncs:       make(map[int64][]*LearnerSession),
		learners:           make(map[*LearnerSession]bool),
		forwarding:         make(map[int64]*LearnerSession),
		observing:          make(map[int64]*LearnerSession),
	}
	if s.self == nil {
		panicf("NewLeader: my sid %v is not in the member config %v", cfg.MyID, mc)
	}
	return s
}

func (s *Leader) me() string {
	return fmt.Sprintf("leader(sid %v)", s.myid)
}

// LastCommitted reports the newest committed zxid.
func (s *Leader) LastCommitted() int64 {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.lastCommitted
}

// LastProposed reports the newest minted zxid.
func (s *Leader) LastProposed() int64 {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.zxids.lastProposed
}

// Epoch reports the epoch of this reign.
func (s *Leader) Epoch() int64 {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.epoch
}

// CurrentConfig returns the committed member config.
func (s *Leader) CurrentConfig() *MemberConfig {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.mc
}

// AllowedToCommit is false once this leader has
// activated a reconfig that deposed it.
func (s *Leader) AllowedToCommit() bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.allowedToCommit
}

// Lead runs the reign: discovery, synchronization,
// broadcast. It blocks until the leader shuts down
// and returns the categorical reason. The caller (the
// peer main loop) re-enters election afterwards.
func (s *Leader) Lead() (err error) {
	vv("%v Lead() starting, config %v", s.me(), s.mc)

	err = s.state.LoadData()
	if err != nil {
		err = fmt.Errorf("LoadData failed: %w", err)
		s.shutdown(err)
		return err
	}
	curEpoch, err := s.epochs.GetCurrentEpoch()
	if err != nil {
		s.shutdown(err)
		return err
	}
	s.mut.Lock()
	s.leaderSummary = &StateSummary{
		CurrentEpoch: curEpoch,
		LastZxid:     s.state.LastProcessedZxid(),
	}
	s.mut.Unlock()

	// Start accepting follower connections; their
	// sessions feed the epoch barriers we are about to
	// block on.
	acc := newLearnerCnxAcceptor(s)
	s.mut.Lock()
	s.acceptor = acc
	s.mut.Unlock()
	err = acc.start()
	if err != nil {
		s.shutdown(err)
		return err
	}

	accepted, err := s.epochs.GetAcceptedEpoch()
	if err != nil {
		s.shutdown(err)
		return err
	}
	epoch, err := s.GetEpochToPropose(s.myid, accepted)
	if err != nil {
		s.shutdown(err)
		return err
	}

	takeover := makeZxid(epoch, 0)
	s.state.SetZxid(takeover)

	s.mut.Lock()
	s.zxids.seed(epoch, 0)
	// An initial config carries version 0 until the
	// ensemble agrees on something better; the
	// NEWLEADER zxid is that something. The bumped
	// version rides to followers inside the NEWLEADER
	// payload and is committed by its acks.
	if s.cfg.ReconfigEnabled && s.mc.Vers == 0 && s.lastSeenMC.Vers == 0 {
		mc2 := s.mc.Clone()
		mc2.Vers = takeover
		s.lastSeenMC = mc2
	}
	nlPayload, err2 := s.lastSeenMC.MarshalMsg(nil)
	panicOn(err2)
	s.newLeaderProposal = newProposal(&QuorumPacket{
		Type: NEWLEADER,
		Zxid: takeover,
		Data: nlPayload,
	}, nil)
	s.newLeaderProposal.addQuorumVerifier(s.mc)
	if s.lastSeenMC.Vers > s.mc.Vers {
		s.newLeaderProposal.addQuorumVerifier(s.lastSeenMC)
	}
	summary := s.leaderSummary
	s.mut.Unlock()

	err = s.WaitForEpochAck(s.myid, summary)
	if err != nil {
		s.shutdown(err)
		return err
	}
	err = s.epochs.SetCurrentEpoch(epoch)
	if err != nil {
		s.shutdown(err)
		return err
	}

	err = s.WaitForNewLeaderAck(s.myid, takeover)
	if err != nil {
		err = fmt.Errorf("%w: waiting for a quorum of followers, only synced with [%v]",
			err, s.newLeaderAckString())
		s.shutdown(err)
		return err
	}

	s.startBroadcast(takeover)

	vv("%v broadcast phase entered at zxid %v", s.me(), zxid2str(s.LastCommitted()))
	return s.tickLoop()
}

func (s *Leader) newLeaderAckString() string {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.newLeaderProposal == nil {
		return ""
	}
	return s.newLeaderProposal.ackSetsToString()
}

// startBroadcast is the startZkServer moment: the
// NEWLEADER zxid commits, the config the NEWLEADER
// carried activates, and proposals may flow.
func (s *Leader) startBroadcast(takeover int64) {
	s.mut.Lock()
	s.lastCommitted = takeover

	var closeUs []*LearnerSession
	if s.cfg.ReconfigEnabled {
		// the NEWLEADER proposal completes any reconfig
		// the previous reign left uncommitted; that may
		// depose us immediately.
		designated := s.getDesignatedLeaderLocked(s.newLeaderProposal, takeover)
		closeUs = s.processReconfigLocked(s.lastSeenMC, designated)
		if designated != s.myid {
			alwaysPrintf("%v is not the designated leader of %v; allowedToCommit=false", s.me(), s.mc)
			s.allowedToCommit = false
		}
	}

	// QA only: force the low 32 bits of the zxid space
	// so rollover can be exercised without four
	// billion writes first.
	if s.cfg.TestingInitialZxid != 0 {
		forced := makeZxid(s.epoch, s.cfg.TestingInitialZxid)
		s.zxids.lastProposed = forced
		s.state.SetZxid(forced)
		alwaysPrintf("%v testingonly.initialZxid forced lastProposed to %v", s.me(), zxid2str(forced))
	}
	s.mut.Unlock()

	if s.cfg.leaderServes() {
		vv("%v serving client sessions alongside coordination", s.me())
	}

	for _, sess := range closeUs {
		sess.closeAfterDrain()
	}
}

// Propose numbers a mutation, registers it as
// outstanding, and broadcasts it to every forwarding
// participant. It returns the proposal whose tracker
// the acks will fill.
func (s *Leader) Propose(req *Request) (p *Proposal, err error) {
	if req.Throttled {
		err = fmt.Errorf("%w: %v", ErrThrottled, req)
		s.shutdown(err)
		return nil, err
	}
	s.mut.Lock()
	if s.isShutdown {
		s.mut.Unlock()
		return nil, ErrLeaderClosed
	}
	if req.IsReconfig() && s.lastSeenMC.Vers > s.mc.Vers {
		// two callers can pass the ProposeReconfig gate
		// concurrently; the second one loses here.
		s.mut.Unlock()
		return nil, ErrReconfigInProgress
	}
	zxid, err := s.zxids.take()
	if err != nil {
		// zxid rollover: all lower 32 bits set means a
		// new election; force one rather than wrap.
		s.mut.Unlock()
		s.shutdown(err)
		return nil, err
	}
	req.Zxid = zxid
	if req.IsReconfig() {
		// the new config's version is the zxid of the
		// reconfig that proposes it.
		req.Reconfig = req.Reconfig.Clone()
		req.Reconfig.Vers = zxid
	}
	data := req.SerializeData()
	pkt := &QuorumPacket{Type: PROPOSAL, Zxid: zxid, Data: data}
	p = newProposal(pkt, req)
	p.addQuorumVerifier(s.mc)
	if req.IsReconfig() {
		s.lastSeenMC = req.Reconfig
	}
	if s.mc.Vers < s.lastSeenMC.Vers {
		p.addQuorumVerifier(s.lastSeenMC)
	}
	pp("%v proposing %v", s.me(), req)
	s.outstanding.insert(p)
	s.sendPacketLocked(pkt)
	s.mut.Unlock()
	return p, nil
}

// ProcessAck records sid's acknowledgment of zxid and
// commits whatever became committable.
func (s *Leader) ProcessAck(sid int64, zxid int64, from string) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.processAckLocked(sid, zxid, from)
}

func (s *Leader) processAckLocked(sid int64, zxid int64, from string) {
	if !s.allowedToCommit {
		// last op committed was a leader change; the
		// new leader commits from here on.
		return
	}
	if counterOf(zxid) == 0 {
		// NEWLEADER acks are handled by
		// WaitForNewLeaderAck; the learner also acks
		// UPTODATE, which lands here and is ignored.
		return
	}
	if s.outstanding.Len() == 0 {
		pp("%v outstanding is 0, ignoring ack of %v", s.me(), zxid2str(zxid))
		return
	}
	if s.lastCommitted >= zxid {
		// already committed; re-delivered acks are a no-op.
		return
	}
	p := s.outstanding.get(zxid)
	if p == nil {
		alwaysPrintf("%v trying to commit future proposal: zxid %v from %v", s.me(), zxid2str(zxid), from)
		return
	}
	if s.cfg.AckLoggingFrequency > 0 && zxid%s.cfg.AckLoggingFrequency == 0 {
		vv("%v ack sample: zxid %v acked by sid %v", s.me(), zxid2str(zxid), sid)
	}
	p.addAck(sid)

	committed := s.tryToCommitLocked(p, zxid, from)

	// A committed reconfig may make later proposals
	// committable: they wait on different verifier
	// sets, so sweep forward while commits keep
	// landing.
	if committed && p.Req != nil && p.Req.IsReconfig() {
		curZxid := zxid
		for s.allowedToCommit && committed {
			curZxid++
			p2 := s.outstanding.get(curZxid)
			if p2 == nil {
				break
			}
			committed = s.tryToCommitLocked(p2, curZxid, "")
		}
	}
}

// tryToCommitLocked commits p if it is next in line
// and fully acknowledged. Returns true on commit.
func (s *Leader) tryToCommitLocked(p *Proposal, zxid int64, from string) bool {
	// in-order commit: while a reconfig is pending,
	// different proposals wait for different ack sets,
	// and a later one must not slip past an earlier one.
	if s.outstanding.contains(zxid - 1) {
		return false
	}
	if !p.hasAllQuorums() {
		return false
	}
	if zxid != s.lastCommitted+1 {
		alwaysPrintf("%v committing zxid %v from %v not first! first is %v",
			s.me(), zxid2str(zxid), from, zxid2str(s.lastCommitted+1))
	}
	s.outstanding.remove(zxid)

	if p.Req != nil {
		s.toBeApplied = append(s.toBeApplied, p)
		s.txnlog.Append(&CommittedTxn{Zxid: zxid, Data: p.Pkt.Data})
	} else {
		alwaysPrintf("%v going to commit null: %v", s.me(), p)
	}

	var closeUs []*LearnerSession
	if p.Req != nil && p.Req.IsReconfig() {
		pp("%v committing a reconfiguration, %v still outstanding", s.me(), s.outstanding.Len())
		designated := s.getDesignatedLeaderLocked(p, zxid)
		newMC := p.lastQuorumVerifier()
		// queue the activation to the old view first:
		// learners leaving the ensemble must still see
		// COMMITANDACTIVATE before their sessions drop.
		s.commitAndActivateLocked(zxid, designated)
		s.informAndActivateLocked(p, designated)
		closeUs = s.processReconfigLocked(newMC, designated)
		if designated != s.myid {
			alwaysPrintf("%v committed a reconfiguration and is not the designated leader anymore (designated %v); allowedToCommit=false", s.me(), designated)
			s.allowedToCommit = false
		}
	} else {
		s.commitLocked(zxid)
		s.informLocked(p)
	}

	// hand the committed request to the local apply
	// pipeline, then trim it from the to-be-applied
	// window (the submit is synchronous).
	if p.Req != nil {
		s.state.SubmitRequest(p.Req)
		for i, tp := range s.toBeApplied {
			if tp == p {
				s.toBeApplied = append(s.toBeApplied[:i], s.toBeApplied[i+1:]...)
				break
			}
		}
	}

	if waiting, ok := s.pendingSyncs[zxid]; ok {
		delete(s.pendingSyncs, zxid)
		for _, sess := range waiting {
			s.sendSyncLocked(sess)
		}
	}

	// sessions leaving the view close once their
	// COMMITANDACTIVATE has drained.
	for _, sess := range closeUs {
		sess.closeAfterDrain()
	}
	return true
}

// commitLocked advances lastCommitted and broadcasts
// COMMIT to every forwarding participant.
func (s *Leader) commitLocked(zxid int64) {
	s.lastCommitted = zxid
	s.sendPacketLocked(&QuorumPacket{Type: COMMIT, Zxid: zxid})
}

func (s *Leader) commitAndActivateLocked(zxid int64, designated int64) {
	s.lastCommitted = zxid
	s.sendPacketLocked(&QuorumPacket{
		Type: COMMITANDACTIVATE,
		Zxid: zxid,
		Data: designatedLeaderPayload(designated, nil),
	})
}

// informLocked tells the observers about a commit;
// they never saw the PROPOSAL, so the payload rides
// along.
func (s *Leader) informLocked(p *Proposal) {
	s.sendObserverPacketLocked(&QuorumPacket{
		Type: INFORM,
		Zxid: p.Pkt.Zxid,
		Data: p.Pkt.Data,
	})
}

func (s *Leader) informAndActivateLocked(p *Proposal, designated int64) {
	s.sendObserverPacketLocked(&QuorumPacket{
		Type: INFORMANDACTIVATE,
		Zxid: p.Pkt.Zxid,
		Data: designatedLeaderPayload(designated, p.Pkt.Data),
	})
}

// sendPacketLocked queues qp to every forwarding
// participant. Broadcasts are not atomic across
// sessions; each session preserves its own FIFO.
func (s *Leader) sendPacketLocked(qp *QuorumPacket) {
	for _, sess := range s.forwarding {
		sess.queuePacket(qp)
	}
}

func (s *Leader) sendObserverPacketLocked(qp *QuorumPacket) {
	for _, sess := range s.observing {
		sess.queuePacket(qp)
	}
}

// ProcessSync answers a follower's sync request: an
// empty outstanding table means reply now, otherwise
// the reply waits for everything currently proposed
// to commit.
func (s *Leader) ProcessSync(sess *LearnerSession) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.outstanding.Len() == 0 {
		s.sendSyncLocked(sess)
		return
	}
	last := s.zxids.lastProposed
	s.pendingSyncs[last] = append(s.pendingSyncs[last], sess)
}

func (s *Leader) sendSyncLocked(sess *LearnerSession) {
	sess.queuePacket(&QuorumPacket{Type: SYNC})
}

// startForwarding replays anything the follower's
// sync missed and enters it into the forwarding (or
// observing) set. lastQueued is the newest zxid the
// sync phase already queued to it. Returns
// lastProposed, the point the follower is now current
// through.
func (s *Leader) startForwarding(sess *LearnerSession, lastQueued int64) int64 {
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.zxids.lastProposed > lastQueued {
		// committed since the sync was computed:
		for _, txn := range s.txnlog.Range(lastQueued, s.lastCommitted) {
			sess.queuePacket(&QuorumPacket{Type: PROPOSAL, Zxid: txn.Zxid, Data: txn.Data})
			sess.queuePacket(&QuorumPacket{Type: COMMIT, Zxid: txn.Zxid})
		}
		// still in flight; only participants vote on these.
		if sess.learnerType == PARTICIPANT {
			s.outstanding.ascend(lastQueued, func(p *Proposal) bool {
				sess.queuePacket(p.Pkt)
				return true
			})
		}
	}

	if sess.learnerType == PARTICIPANT {
		if old, ok := s.forwarding[sess.sid]; ok && old != sess {
			alwaysPrintf("%v replacing stale forwarding session for sid %v", s.me(), sess.sid)
			go old.shutdown()
		}
		s.forwarding[sess.sid] = sess
	} else {
		if old, ok := s.observing[sess.sid]; ok && old != sess {
			go old.shutdown()
		}
		s.observing[sess.sid] = sess
	}
	return s.zxids.lastProposed
}

// addLearnerHandler registers a fresh, pre-handshake
// session.
func (s *Leader) addLearnerHandler(sess *LearnerSession) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.learners[sess] = true
	s.Halt.AddChild(sess.Halt)
}

// removeLearnerHandler drops sess from every set; the
// session calls it as it dies.
func (s *Leader) removeLearnerHandler(sess *LearnerSession) {
	s.mut.Lock()
	defer s.mut.Unlock()
	delete(s.learners, sess)
	if cur, ok := s.forwarding[sess.sid]; ok && cur == sess {
		delete(s.forwarding, sess.sid)
	}
	if cur, ok := s.observing[sess.sid]; ok && cur == sess {
		delete(s.observing, sess.sid)
	}
}

// ListenAddrs reports the bound learner listen
// addresses, empty until the acceptor is up.
func (s *Leader) ListenAddrs() []string {
	s.mut.Lock()
	acc := s.acceptor
	s.mut.Unlock()
	if acc == nil {
		return nil
	}
	return acc.Addrs()
}

// ForwardingFollowers lists the sids currently in the
// forwarding set.
func (s *Leader) ForwardingFollowers() (sids []int64) {
	s.mut.Lock()
	defer s.mut.Unlock()
	for sid := range s.forwarding {
		sids = append(sids, sid)
	}
	return
}

// syncedSidsLocked is the tick loop's view: self plus
// every forwarding participant inside its liveness
// deadline.
func (s *Leader) syncedSidsLocked() map[int64]bool {
	synced := map[int64]bool{s.myid: true}
	for sid, sess := range s.forwarding {
		if sess.synced() {
			synced[sid] = true
		}
	}
	return synced
}

func (s *Leader) learnerListLocked() (r []*LearnerSession) {
	for sess := range s.learners {
		r = append(r, sess)
	}
	return
}

// IsRunning is false once shutdown has begun.
func (s *Leader) IsRunning() bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return !s.isShutdown
}

// ShutdownReason reports why the reign ended, nil
// while it has not.
func (s *Leader) ShutdownReason() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.shutdownReason
}

// shutdown ends the reign: idempotent, halts the
// acceptor, closes every learner session, releases
// the epoch barriers, and tells the election driver.
func (s *Leader) shutdown(reason error) {
	s.mut.Lock()
	if s.isShutdown {
		s.mut.Unlock()
		return
	}
	s.isShutdown = true
	s.shutdownReason = reason
	s.allowedToCommit = false
	sessions := s.learnerListLocked()
	acceptor := s.acceptor
	s.mut.Unlock()

	alwaysPrintf("%v shutdown called, for the reason: %v", s.me(), reason)

	if acceptor != nil {
		acceptor.halt()
	}
	for _, sess := range sessions {
		sess.shutdown()
	}
	// wakes barrier waiters and the tick loop.
	s.Halt.ReqStop.CloseWithReason(reason)
	s.Halt.Done.Close()

	s.election.LeaderShutdown(reason)
}

// Close shuts the leader down from outside with no
// particular blame.
func (s *Leader) Close() {
	s.shutdown(ErrLeaderClosed)
}
