package zab

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/glycerine/idem"
	"github.com/klauspost/compress/s2"
)

// LearnerSession is the per-follower (or observer)
// protocol handler: one session per accepted learner
// connection. The receive goroutine runs the
// handshake/sync/serving state machine in order; the
// send goroutine drains the outbound FIFO. The
// session touches the leader only under the leader
// mutex, and any I/O error is local: the session
// closes and deregisters, the leader and its other
// learners carry on.
type LearnerSession struct {
	lead *Leader
	conn net.Conn
	Halt *idem.Halter

	sid             int64
	learnerType     LearnerRole
	protocolVersion int32

	// sendq is the single-producer-per-packet FIFO;
	// everything queued is emitted to the follower in
	// enqueue order by the one sender goroutine.
	sendq    chan *QuorumPacket
	drainReq *idem.IdemCloseChan

	mut       sync.Mutex
	lastSeen  time.Time
	started   bool // serving: past UPTODATE ack
	closed    bool
	lastAcked int64
}

const learnerSendQueueDepth = 4096

func newLearnerSession(lead *Leader, conn net.Conn) *LearnerSession {
	return &LearnerSession{
		lead:     lead,
		conn:     conn,
		Halt:     idem.NewHalter(),
		sendq:    make(chan *QuorumPacket, learnerSendQueueDepth),
		drainReq: idem.NewIdemCloseChan(),
		lastSeen: time.Now(),
	}
}

func (s *LearnerSession) start() {
	go s.run()
}

func (s *LearnerSession) me() string {
	return fmt.Sprintf("learnerSession(sid %v, %v)", s.sid, s.conn.RemoteAddr())
}

// SID is the remote server id, 0 until the handshake
// has been read.
func (s *LearnerSession) SID() int64 {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.sid
}

// synced: serving, alive, and heard from within the
// rolling syncLimit deadline. This is what the tick
// loop counts.
func (s *LearnerSession) synced() bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.started && !s.closed &&
		time.Since(s.lastSeen) <= s.lead.cfg.syncTimeout()
}

func (s *LearnerSession) touch() {
	s.mut.Lock()
	s.lastSeen = time.Now()
	s.mut.Unlock()
}

func (s *LearnerSession) markStarted() {
	s.mut.Lock()
	s.started = true
	s.lastSeen = time.Now()
	s.mut.Unlock()
}

func (s *LearnerSession) lastAckedZxid() int64 {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.lastAcked
}

func (s *LearnerSession) noteAcked(zxid int64) {
	s.mut.Lock()
	if zxid > s.lastAcked {
		s.lastAcked = zxid
	}
	s.mut.Unlock()
}

// queuePacket appends qp to the outbound FIFO. It
// blocks when the queue is full and the session is
// alive; a dead session swallows the packet.
func (s *LearnerSession) queuePacket(qp *QuorumPacket) {
	select {
	case s.sendq <- qp:
	case <-s.Halt.ReqStop.Chan:
	}
}

// ping is droppable: if the queue is busy the
// follower is getting plenty of traffic anyway.
func (s *LearnerSession) ping() {
	if !s.serving() {
		return
	}
	qp := &QuorumPacket{Type: PING, Zxid: s.lastAckedZxid()}
	select {
	case s.sendq <- qp:
	default:
	}
}

func (s *LearnerSession) serving() bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.started && !s.closed
}

// closeAfterDrain asks the sender goroutine to finish
// the queue and then close the session; used when a
// reconfig drops this learner from the view but its
// COMMITANDACTIVATE must still go out.
func (s *LearnerSession) closeAfterDrain() {
	s.drainReq.Close()
}

// shutdown is idempotent and safe from any goroutine.
func (s *LearnerSession) shutdown() {
	s.mut.Lock()
	if s.closed {
		s.mut.Unlock()
		return
	}
	s.closed = true
	s.mut.Unlock()

	s.Halt.ReqStop.Close()
	s.conn.Close()
	s.lead.removeLearnerHandler(s)
	s.Halt.Done.Close()
}

// sendLoop is the one consumer of sendq. Every write
// carries a deadline: a peer that acks but never
// reads must not wedge the leader behind a full
// queue forever.
func (s *LearnerSession) sendLoop() {
	defer s.shutdown()
	write := func(qp *QuorumPacket) error {
		err := s.conn.SetWriteDeadline(time.Now().Add(s.lead.cfg.syncTimeout()))
		if err != nil {
			return err
		}
		return writePacket(s.conn, qp)
	}
	for {
		select {
		case qp := <-s.sendq:
			if err := write(qp); err != nil {
				pp("%v write error, closing: %v", s.me(), err)
				return
			}
		case <-s.drainReq.Chan:
			for {
				select {
				case qp := <-s.sendq:
					if err := write(qp); err != nil {
						return
					}
				default:
					return
				}
			}
		case <-s.Halt.ReqStop.Chan:
			return
		}
	}
}

// readPacketDeadline reads one packet with the given
// patience.
func (s *LearnerSession) readPacketDeadline(d time.Duration) (qp *QuorumPacket, err error) {
	err = s.conn.SetReadDeadline(time.Now().Add(d))
	if err != nil {
		return nil, err
	}
	return readPacket(s.conn)
}

// run is the receive goroutine: the session state
// machine, top to bottom.
func (s *LearnerSession) run() {
	defer s.shutdown()

	err := s.handshakeAndSync()
	if err != nil {
		if !errors.Is(err, ErrSessionClosed) && !s.Halt.ReqStop.IsClosed() {
			alwaysPrintf("%v leaving before serving: %v", s.me(), err)
		}
		return
	}
	s.serveLoop()
}

// handshakeAndSync walks READING_INFO through
// UPTODATE_WAIT. On return with nil error the session
// is SERVING and in the leader's forwarding or
// observing set.
func (s *LearnerSession) handshakeAndSync() (err error) {
	lead := s.lead
	initTO := lead.cfg.initTimeout()

	// READING_INFO: the learner leads with its info
	// packet; the packet zxid's high half is its
	// accepted epoch.
	qp, err := s.readPacketDeadline(initTO)
	if err != nil {
		return fmt.Errorf("reading learner info: %w", err)
	}
	switch qp.Type {
	case FOLLOWERINFO:
		s.learnerType = PARTICIPANT
	case OBSERVERINFO:
		s.learnerType = OBSERVER
	default:
		return fmt.Errorf("expected FOLLOWERINFO/OBSERVERINFO, got %v", qp.Type)
	}
	li := &LearnerInfo{}
	if _, err = li.UnmarshalMsg(qp.Data); err != nil {
		return fmt.Errorf("bad learner info payload: %w", err)
	}
	s.mut.Lock()
	s.sid = li.SID
	s.protocolVersion = li.ProtocolVersion
	s.mut.Unlock()
	peerAcceptedEpoch := epochOf(qp.Zxid)

	// contribute to epoch agreement and wait for the
	// new epoch to freeze.
	newEpoch, err := lead.GetEpochToPropose(s.sid, peerAcceptedEpoch)
	if err != nil {
		return err
	}
	newLeaderZxid := makeZxid(newEpoch, 0)

	// SENT_LEADERINFO: advertise the new epoch.
	err = writePacket(s.conn, &QuorumPacket{
		Type: LEADERINFO,
		Zxid: newLeaderZxid,
		Data: marshalProtocolVersion(s.protocolVersion),
	})
	if err != nil {
		return fmt.Errorf("writing LEADERINFO: %w", err)
	}

	// the learner accepts with ACKEPOCH carrying its
	// state summary.
	qp, err = s.readPacketDeadline(initTO)
	if err != nil {
		return fmt.Errorf("reading ACKEPOCH: %w", err)
	}
	if qp.Type != ACKEPOCH {
		return fmt.Errorf("expected ACKEPOCH, got %v", qp.Type)
	}
	ss := &StateSummary{}
	if _, err = ss.UnmarshalMsg(qp.Data); err != nil {
		return fmt.Errorf("bad ACKEPOCH payload: %w", err)
	}
	peerLastZxid := ss.LastZxid

	err = lead.WaitForEpochAck(s.sid, ss)
	if err != nil {
		if errors.Is(err, ErrFollowerAhead) {
			// this peer must not lead; give the reign up
			// so election can pick the ahead follower.
			lead.shutdown(err)
		}
		return err
	}

	// SYNCING: from here on the sender goroutine owns
	// the socket's write side; packets are queued, in
	// order, never written directly.
	go s.sendLoop()

	lastQueued, err := s.queueSyncPackets(peerLastZxid)
	if err != nil {
		return err
	}

	nlData, err := lead.newLeaderPayload()
	if err != nil {
		return err
	}
	s.queuePacket(&QuorumPacket{
		Type: NEWLEADER,
		Zxid: newLeaderZxid,
		Data: nlData,
	})

	// the learner acks NEWLEADER once it has persisted
	// the sync; that ack joins the leader-wide quorum.
	qp, err = s.readPacketDeadline(initTO)
	if err != nil {
		return fmt.Errorf("reading NEWLEADER ack: %w", err)
	}
	if qp.Type != ACK {
		return fmt.Errorf("expected ACK of NEWLEADER, got %v", qp.Type)
	}
	err = lead.WaitForNewLeaderAck(s.sid, qp.Zxid)
	if err != nil {
		return err
	}

	// UPTODATE_WAIT: quorum formed; this learner may
	// serve clients once it acks.
	s.queuePacket(&QuorumPacket{Type: UPTODATE})
	qp, err = s.readPacketDeadline(initTO)
	if err != nil {
		return fmt.Errorf("reading UPTODATE ack: %w", err)
	}
	if qp.Type != ACK {
		return fmt.Errorf("expected ACK of UPTODATE, got %v", qp.Type)
	}

	// SERVING: replay what the sync missed and join
	// the forwarding (or observing) set.
	lead.startForwarding(s, lastQueued)
	s.markStarted()
	vv("%v %v synced and serving (type %v)", lead.me(), s.me(), s.learnerType)
	return nil
}

// queueSyncPackets computes the sync strategy against
// the committed tail and queues it. Returns the
// newest zxid the follower will be current through
// after playing what we queued.
//
// Let L be the leader's last zxid and F the
// follower's. F == L: empty DIFF. F within the
// replayable committed tail [minLog, maxLog]: DIFF
// replaying (F, maxLog]. F past the committed tail
// (it logged proposals of a dead reign that never
// committed): TRUNC back to the maxLog boundary.
// Anything else is too stale to replay: SNAP.
func (s *LearnerSession) queueSyncPackets(peerLastZxid int64) (lastQueued int64, err error) {
	lead := s.lead
	lead.mut.Lock()
	defer lead.mut.Unlock()

	leaderLast := lead.zxids.lastProposed
	lastProcessed := lead.state.LastProcessedZxid()
	minLog := lead.txnlog.MinCommittedZxid()
	maxLog := lead.txnlog.MaxCommittedZxid()

	switch {
	case peerLastZxid == leaderLast || peerLastZxid == lastProcessed:
		// fully current (a fresh ensemble lands here
		// too: nothing processed yet in either place).
		pp("%v sync: follower %v already current at %v, empty DIFF", lead.me(), s.sid, zxid2str(peerLastZxid))
		s.queuePacket(&QuorumPacket{Type: DIFF, Zxid: leaderLast})
		lastQueued = peerLastZxid

	case maxLog != 0 && peerLastZxid > maxLog:
		// the follower logged past our committed tail:
		// proposals of a dead reign that never
		// committed. Truncate it back to the boundary.
		pp("%v sync: follower %v ahead of committed tail (%v > %v), TRUNC", lead.me(), s.sid, zxid2str(peerLastZxid), zxid2str(maxLog))
		s.queuePacket(&QuorumPacket{Type: TRUNC, Zxid: maxLog})
		lastQueued = maxLog

	case maxLog != 0 && peerLastZxid >= minLog && peerLastZxid <= maxLog:
		pp("%v sync: follower %v DIFF replay (%v, %v]", lead.me(), s.sid, zxid2str(peerLastZxid), zxid2str(maxLog))
		s.queuePacket(&QuorumPacket{Type: DIFF, Zxid: leaderLast})
		for _, txn := range lead.txnlog.Range(peerLastZxid, maxLog) {
			s.queuePacket(&QuorumPacket{Type: PROPOSAL, Zxid: txn.Zxid, Data: txn.Data})
			s.queuePacket(&QuorumPacket{Type: COMMIT, Zxid: txn.Zxid})
		}
		lastQueued = maxLog

	default:
		// SNAP: ship the whole state.
		var snapZxid int64
		var data []byte
		snapZxid, data, err = lead.state.Snapshot()
		if err != nil {
			return 0, fmt.Errorf("snapshot for sync failed: %w", err)
		}
		sh := &SnapHeader{
			LastZxid:        snapZxid,
			UncompressedLen: int64(len(data)),
			Blake3:          blake3OfBytesString(data),
			Compressed:      s2.Encode(nil, data),
		}
		var shby []byte
		shby, err = sh.MarshalMsg(nil)
		if err != nil {
			return 0, err
		}
		pp("%v sync: follower %v too stale (last %v, log [%v, %v]), SNAP at %v",
			lead.me(), s.sid, zxid2str(peerLastZxid), zxid2str(minLog), zxid2str(maxLog), zxid2str(snapZxid))
		s.queuePacket(&QuorumPacket{Type: SNAP, Zxid: snapZxid, Data: shby})
		lastQueued = snapZxid
	}
	return lastQueued, nil
}

// serveLoop is the SERVING state: acks, ping replies,
// revalidations, forwarded requests, until the
// connection dies or the deadline lapses.
func (s *LearnerSession) serveLoop() {
	lead := s.lead
	syncTO := lead.cfg.syncTimeout()
	from := s.conn.RemoteAddr().String()

	for {
		qp, err := s.readPacketDeadline(syncTO)
		if err != nil {
			if !s.Halt.ReqStop.IsClosed() {
				pp("%v read error, closing: %v", s.me(), err)
			}
			return
		}
		s.touch()

		switch qp.Type {
		case ACK:
			s.noteAcked(qp.Zxid)
			lead.ProcessAck(s.sid, qp.Zxid, from)

		case PING:
			// the reply piggybacks the sessions the
			// follower is watching.
			m, err := unmarshalPingSessions(qp.Data)
			if err != nil {
				alwaysPrintf("%v bad ping payload: %v", s.me(), err)
				continue
			}
			for sessionID, timeout := range m {
				lead.state.TouchSession(sessionID, timeout)
			}

		case REVALIDATE:
			sessionID, timeout, err := unmarshalRevalidateReq(qp.Data)
			if err != nil {
				alwaysPrintf("%v bad revalidate payload: %v", s.me(), err)
				continue
			}
			valid := lead.state.CheckIfValidGlobalSession(sessionID, timeout)
			pp("%v session 0x%x is valid: %v", s.me(), sessionID, valid)
			s.queuePacket(&QuorumPacket{
				Type: REVALIDATE,
				Data: marshalRevalidateReply(sessionID, valid),
			})

		case REQUEST:
			req, err := UnmarshalRequest(qp.Data)
			if err != nil {
				alwaysPrintf("%v bad forwarded request: %v", s.me(), err)
				continue
			}
			if req.Op == OpSync {
				lead.ProcessSync(s)
				continue
			}
			lead.state.SubmitLearnerRequest(req)

		default:
			alwaysPrintf("%v unexpected packet in serving state: %v", s.me(), qp)
		}
	}
}

// newLeaderPayload is the config the NEWLEADER packet
// carries (ZOOKEEPER-1324: followers must complete
// any reconfig the leader is completing).
func (s *Leader) newLeaderPayload() ([]byte, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.lastSeenMC.MarshalMsg(nil)
}

func marshalProtocolVersion(v int32) []byte {
	by := make([]byte, 4)
	by[0] = byte(v >> 24)
	by[1] = byte(v >> 16)
	by[2] = byte(v >> 8)
	by[3] = byte(v)
	return by
}
