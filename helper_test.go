package zab

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glycerine/blake3"
	"github.com/klauspost/compress/s2"
)

// test scaffolding: a scripted follower that speaks
// the learner side of the wire protocol over a real
// TCP connection, plus small polling helpers. The
// real follower role lives in another repo; this one
// does exactly what the leader-side state machine
// needs to see.

func waitUntil(timeout time.Duration, f func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return f()
}

// waitForListener polls until the leader's acceptor
// is up and returns its first bound address.
func waitForListener(t *testing.T, lead *Leader) string {
	t.Helper()
	var addr string
	ok := waitUntil(5*time.Second, func() bool {
		addrs := lead.ListenAddrs()
		if len(addrs) == 0 {
			return false
		}
		addr = addrs[0]
		return true
	})
	if !ok {
		t.Fatalf("leader acceptor never came up")
	}
	return addr
}

type testFollower struct {
	t   *testing.T
	sid int64

	acceptedEpoch int64
	currentEpoch  int64
	lastZxid      int64
	observer      bool

	// autoAck: the pump acks every PROPOSAL as it
	// arrives; flip with autoAck.Store.
	autoAck atomic.Bool

	// pingSessions rides back on PING replies.
	pingSessions map[int64]int32

	conn     net.Conn
	writeMut sync.Mutex

	newLeaderZxid int64
	syncPackets   []*QuorumPacket

	// every post-handshake packet lands here (pings included).
	recvd chan *QuorumPacket

	closedCh chan struct{}
}

func newTestFollower(t *testing.T, sid int64) *testFollower {
	f := &testFollower{
		t:        t,
		sid:      sid,
		recvd:    make(chan *QuorumPacket, 1024),
		closedCh: make(chan struct{}),
	}
	f.autoAck.Store(true)
	return f
}

func (f *testFollower) send(qp *QuorumPacket) {
	f.writeMut.Lock()
	defer f.writeMut.Unlock()
	err := writePacket(f.conn, qp)
	if err != nil {
		// the leader closing us mid-test is often the
		// point of the test; not fatal here.
		pp("testFollower %v send error: %v", f.sid, err)
	}
}

func (f *testFollower) read() (*QuorumPacket, error) {
	f.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	return readPacket(f.conn)
}

func (f *testFollower) close() {
	if f.conn != nil {
		f.conn.Close()
	}
}

// connectAndSync runs the whole learner handshake:
// info, epoch agreement, sync, NEWLEADER ack,
// UPTODATE ack, then starts the pump. On return the
// follower is in the leader's forwarding set.
func (f *testFollower) connectAndSync(addr string) {
	f.t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		f.t.Fatalf("testFollower %v dial %v: %v", f.sid, addr, err)
	}
	f.conn = conn

	infoType := FOLLOWERINFO
	if f.observer {
		infoType = OBSERVERINFO
	}
	li := &LearnerInfo{SID: f.sid, ProtocolVersion: 0x10000}
	liby, err := li.MarshalMsg(nil)
	panicOn(err)
	f.send(&QuorumPacket{
		Type: infoType,
		Zxid: makeZxid(f.acceptedEpoch, 0),
		Data: liby,
	})

	qp, err := f.read()
	if err != nil {
		f.t.Fatalf("testFollower %v reading LEADERINFO: %v", f.sid, err)
	}
	if qp.Type != LEADERINFO {
		f.t.Fatalf("testFollower %v expected LEADERINFO, got %v", f.sid, qp)
	}
	f.newLeaderZxid = qp.Zxid

	ss := &StateSummary{CurrentEpoch: f.currentEpoch, LastZxid: f.lastZxid}
	ssby, err := ss.MarshalMsg(nil)
	panicOn(err)
	f.send(&QuorumPacket{Type: ACKEPOCH, Zxid: f.lastZxid, Data: ssby})

	// sync phase: everything up to NEWLEADER.
	for {
		qp, err = f.read()
		if err != nil {
			f.t.Fatalf("testFollower %v reading sync: %v", f.sid, err)
		}
		if qp.Type == NEWLEADER {
			break
		}
		f.syncPackets = append(f.syncPackets, qp)
	}
	f.send(&QuorumPacket{Type: ACK, Zxid: f.newLeaderZxid})

	qp, err = f.read()
	if err != nil {
		f.t.Fatalf("testFollower %v reading UPTODATE: %v", f.sid, err)
	}
	if qp.Type != UPTODATE {
		f.t.Fatalf("testFollower %v expected UPTODATE, got %v", f.sid, qp)
	}
	f.send(&QuorumPacket{Type: ACK, Zxid: f.newLeaderZxid})

	go f.pump()
}

// pump is the serving-state reader: acks proposals,
// answers pings, and parks everything on recvd for
// the test body to inspect.
func (f *testFollower) pump() {
	defer close(f.closedCh)
	for {
		f.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		qp, err := readPacket(f.conn)
		if err != nil {
			return
		}
		switch qp.Type {
		case PROPOSAL:
			if f.autoAck.Load() {
				f.send(&QuorumPacket{Type: ACK, Zxid: qp.Zxid})
			}
		case PING:
			f.send(&QuorumPacket{Type: PING, Data: marshalPingSessions(f.pingSessions)})
		}
		select {
		case f.recvd <- qp:
		default:
			// inspection buffer full; tests that care
			// drain it.
		}
	}
}

// expectType pulls packets until one of the wanted
// type shows up; pings and such just flow past.
func (f *testFollower) expectType(want PacketType, timeout time.Duration) *QuorumPacket {
	f.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case qp := <-f.recvd:
			if qp.Type == want {
				return qp
			}
		case <-deadline:
			f.t.Fatalf("testFollower %v: no %v within %v", f.sid, want, timeout)
			return nil
		}
	}
}

// expectCommitOf waits for COMMIT of exactly zxid.
func (f *testFollower) expectCommitOf(zxid int64, timeout time.Duration) {
	f.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case qp := <-f.recvd:
			if qp.Type == COMMIT && qp.Zxid == zxid {
				return
			}
		case <-deadline:
			f.t.Fatalf("testFollower %v: no COMMIT of %v within %v", f.sid, zxid2str(zxid), timeout)
		}
	}
}

// harness runs one leader under test: this peer is
// sid 1, listening on a free localhost port, over the
// in-memory collaborators.
type harness struct {
	cfg    *ZabConfig
	mc     *MemberConfig
	state  *MemState
	txnlog *MemTxnLog
	epochs *MemEpochStore
	lead   *Leader

	leadErr chan error
}

// newThreeNodeHarness is the standard {1,2,3} cluster.
func newThreeNodeHarness(t *testing.T, tweak func(cfg *ZabConfig)) *harness {
	return newHarness(t, []int64{1, 2, 3}, tweak)
}

func newHarness(t *testing.T, sids []int64, tweak func(cfg *ZabConfig)) *harness {
	var servers []*QuorumServer
	for _, sid := range sids {
		servers = append(servers, &QuorumServer{
			SID:        sid,
			QuorumAddr: "127.0.0.1:0",
			Role:       PARTICIPANT,
		})
	}
	h := &harness{
		mc:      NewMemberConfig(0, servers...),
		state:   NewMemState(),
		txnlog:  NewMemTxnLog(0),
		epochs:  NewMemEpochStore(),
		leadErr: make(chan error, 1),
	}
	// sid 1 is always us; epoch 4 was the prior reign.
	h.epochs.SetAcceptedEpoch(4)
	h.epochs.SetCurrentEpoch(4)

	h.cfg = NewZabConfig(1)
	h.cfg.TickTime = 50
	h.cfg.InitLimit = 40 // 2s of discovery patience
	h.cfg.SyncLimit = 10 // 500ms of serving patience
	h.cfg.ReconfigEnabled = true
	h.cfg.BindAddrs = []string{"127.0.0.1:0"}
	if tweak != nil {
		tweak(h.cfg)
	}

	h.lead = NewLeader(h.cfg, h.mc, &Collab{
		State:  h.state,
		Epochs: h.epochs,
		TxnLog: h.txnlog,
	})
	return h
}

func (h *harness) startLead() {
	go func() {
		h.leadErr <- h.lead.Lead()
	}()
}

func (h *harness) stop() {
	h.lead.Close()
}

// proposeKV proposes a setData and delivers the
// leader's own (local log) ack, the way the upstream
// ack processor would.
func (h *harness) proposeKV(t *testing.T, key string, val []byte) *Proposal {
	t.Helper()
	p, err := h.lead.Propose(&Request{
		Op:   OpSetData,
		Data: MarshalKV(key, val),
	})
	if err != nil {
		t.Fatalf("Propose(%v): %v", key, err)
	}
	h.lead.ProcessAck(1, p.Pkt.Zxid, "local")
	return p
}

// restoreSnap unpacks a SNAP payload the way the real
// follower would: verify the checksum, decompress,
// install.
func restoreSnap(t *testing.T, qp *QuorumPacket, into *MemState) int64 {
	t.Helper()
	sh := &SnapHeader{}
	_, err := sh.UnmarshalMsg(qp.Data)
	if err != nil {
		t.Fatalf("bad SNAP header: %v", err)
	}
	data, err := s2.Decode(nil, sh.Compressed)
	if err != nil {
		t.Fatalf("SNAP decompress: %v", err)
	}
	if int64(len(data)) != sh.UncompressedLen {
		t.Fatalf("SNAP length %v, header said %v", len(data), sh.UncompressedLen)
	}
	h := blake3.New(64, nil)
	h.Write(data)
	if got := blake3ToString33B(h); got != sh.Blake3 {
		t.Fatalf("SNAP checksum mismatch: %v vs %v", got, sh.Blake3)
	}
	if into != nil {
		panicOn(into.RestoreSnapshot(data))
	}
	return sh.LastZxid
}
