package zab

import (
	"errors"
	"testing"
	"time"
)

// viewServers builds reconfig target views. The
// quorum address of sid 1 must match the harness view
// for the stay-leader branch to hold.
func viewServers(sids ...int64) (servers []*QuorumServer) {
	for _, sid := range sids {
		servers = append(servers, &QuorumServer{
			SID:        sid,
			QuorumAddr: "127.0.0.1:0",
			Role:       PARTICIPANT,
		})
	}
	return
}

func syncTwoFollowers(t *testing.T, h *harness) (f2, f3 *testFollower) {
	t.Helper()
	h.startLead()
	addr := waitForListener(t, h.lead)
	f2 = newTestFollower(t, 2)
	f2.acceptedEpoch = 4
	f2.currentEpoch = 4
	f2.connectAndSync(addr)
	f3 = newTestFollower(t, 3)
	f3.acceptedEpoch = 4
	f3.currentEpoch = 4
	f3.connectAndSync(addr)
	if !waitUntil(5*time.Second, func() bool {
		return len(h.lead.ForwardingFollowers()) == 2 &&
			h.lead.LastCommitted() == makeZxid(5, 0)
	}) {
		t.Fatalf("followers never both forwarding")
	}
	return f2, f3
}

// Test110: scenario 2, remove one follower. The
// reconfig needs both the old and new quorums; on
// commit the leader stays designated, keeps
// committing, and the removed learner's session is
// closed after it sees COMMITANDACTIVATE.
func Test110_reconfig_remove_follower(t *testing.T) {
	h := newThreeNodeHarness(t, nil)
	f2, f3 := syncTwoFollowers(t, h)
	defer f2.close()
	defer f3.close()
	defer h.stop()

	fromVers := h.lead.CurrentConfig().Vers
	if fromVers != makeZxid(5, 0) {
		t.Fatalf("takeover config version %v", zxid2str(fromVers))
	}

	p, err := h.lead.ProposeReconfig(viewServers(1, 2), fromVers)
	panicOn(err)
	zxid := p.Pkt.Zxid
	if zxid != makeZxid(5, 1) {
		t.Fatalf("reconfig zxid %v", zxid2str(zxid))
	}
	// two verifier pairs while the reconfig is in flight.
	h.lead.mut.Lock()
	npairs := len(p.qvAcksets)
	h.lead.mut.Unlock()
	if npairs != 2 {
		t.Fatalf("reconfig proposal carries %v verifier pairs, want 2", npairs)
	}

	// followers auto-ack; the leader's local log acks too.
	h.lead.ProcessAck(1, zxid, "local")

	// the departing follower still sees the activation...
	qp := f3.expectType(COMMITANDACTIVATE, 5*time.Second)
	designated, _, err := splitDesignatedLeaderPayload(qp.Data)
	panicOn(err)
	if designated != 1 {
		t.Fatalf("designated leader %v, want 1 (leader stays)", designated)
	}
	// ...and then its session is closed by the leader.
	select {
	case <-f3.closedCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("removed follower's session never closed")
	}

	if !h.lead.AllowedToCommit() {
		t.Fatalf("leader stayed designated; commits must continue")
	}
	mc := h.lead.CurrentConfig()
	if mc.Vers != zxid {
		t.Fatalf("new config version %v, want the reconfig zxid %v", zxid2str(mc.Vers), zxid2str(zxid))
	}
	if _, ok := mc.Servers[3]; ok {
		t.Fatalf("sid 3 still in the committed view")
	}

	// life goes on under {1,2}.
	p2 := h.proposeKV(t, "/after", []byte("reconfig"))
	f2.expectCommitOf(p2.Pkt.Zxid, 5*time.Second)
}

// Test111: scenario 3, the reconfig swaps the leader
// out. The designated leader is the new-config voter
// that acked; this leader stops committing, and loses
// quorum once the others move on.
func Test111_reconfig_swap_leader_out(t *testing.T) {
	h := newThreeNodeHarness(t, nil)
	f2, f3 := syncTwoFollowers(t, h)
	defer f2.close()
	defer f3.close()

	servers := viewServers(2, 3)
	servers = append(servers, &QuorumServer{
		SID: 4, QuorumAddr: "127.0.0.1:1", Role: PARTICIPANT,
	})
	p, err := h.lead.ProposeReconfig(servers, 0) // 0 skips the version gate
	panicOn(err)
	zxid := p.Pkt.Zxid
	h.lead.ProcessAck(1, zxid, "local")

	qp := f2.expectType(COMMITANDACTIVATE, 5*time.Second)
	designated, _, err := splitDesignatedLeaderPayload(qp.Data)
	panicOn(err)
	// candidates {2,3} acked; deterministic tie-break
	// picks the smallest.
	if designated != 2 {
		t.Fatalf("designated leader %v, want 2", designated)
	}

	if h.lead.AllowedToCommit() {
		t.Fatalf("deposed leader must stop committing")
	}

	// whatever happens now, nothing more commits here.
	p2, err := h.lead.Propose(&Request{Op: OpSetData, Data: MarshalKV("/x", []byte("y"))})
	panicOn(err)
	h.lead.ProcessAck(1, p2.Pkt.Zxid, "local")
	h.lead.ProcessAck(2, p2.Pkt.Zxid, "t")
	h.lead.ProcessAck(3, p2.Pkt.Zxid, "t")
	time.Sleep(100 * time.Millisecond)
	if h.lead.LastCommitted() != zxid {
		t.Fatalf("commit happened after depose: lastCommitted %v", zxid2str(h.lead.LastCommitted()))
	}

	// peer 2 promotes itself; this leader's followers
	// leave, and the reign ends with quorum lost.
	f2.close()
	f3.close()
	select {
	case err := <-h.leadErr:
		if !errors.Is(err, ErrQuorumLost) {
			t.Fatalf("expected ErrQuorumLost, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("deposed leader never shut down")
	}
}

// Test112: the reconfig gates.
func Test112_reconfig_gates(t *testing.T) {
	h := newThreeNodeHarness(t, nil)
	f2, f3 := syncTwoFollowers(t, h)
	defer f2.close()
	defer f3.close()
	defer h.stop()

	// stop the followers from acking so a reconfig stays outstanding.
	f2.autoAck.Store(false)
	f3.autoAck.Store(false)

	vers := h.lead.CurrentConfig().Vers

	// wrong fromConfig: rejected.
	_, err := h.lead.ProposeReconfig(viewServers(1, 2), vers+1)
	if !errors.Is(err, ErrBadVersion) {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}

	// a config that cannot reach quorum from the
	// currently synced learners: rejected.
	_, err = h.lead.ProposeReconfig(viewServers(1, 4, 5), vers)
	if !errors.Is(err, ErrNewConfigNoQuorum) {
		t.Fatalf("expected ErrNewConfigNoQuorum, got %v", err)
	}

	// first reconfig goes outstanding...
	p, err := h.lead.ProposeReconfig(viewServers(1, 2), vers)
	panicOn(err)

	// ...and a second is refused until it commits.
	_, err = h.lead.ProposeReconfig(viewServers(1, 3), 0)
	if !errors.Is(err, ErrReconfigInProgress) {
		t.Fatalf("expected ErrReconfigInProgress, got %v", err)
	}

	// drive the first to commit by hand.
	h.lead.ProcessAck(1, p.Pkt.Zxid, "local")
	h.lead.ProcessAck(2, p.Pkt.Zxid, "t")
	if !waitUntil(5*time.Second, func() bool {
		return h.lead.CurrentConfig().Vers == p.Pkt.Zxid
	}) {
		t.Fatalf("reconfig never committed")
	}

	// now a new reconfig may flow again (version moved).
	_, err = h.lead.ProposeReconfig(viewServers(1, 2), vers)
	if !errors.Is(err, ErrBadVersion) {
		t.Fatalf("stale fromConfig should now be ErrBadVersion, got %v", err)
	}
}

// Test113: reconfig disabled is a hard gate.
func Test113_reconfig_disabled(t *testing.T) {
	h := newThreeNodeHarness(t, func(cfg *ZabConfig) {
		cfg.ReconfigEnabled = false
	})
	defer h.stop()
	_, err := h.lead.ProposeReconfig(viewServers(1, 2), 0)
	if !errors.Is(err, ErrReconfigDisabled) {
		t.Fatalf("expected ErrReconfigDisabled, got %v", err)
	}
}

// Test114: the designated-leader walk narrows to the
// candidate that acked the most consecutive
// subsequent proposals, and stops at the first gap.
func Test114_designated_leader_walk(t *testing.T) {
	h := newThreeNodeHarness(t, nil)
	defer h.stop()

	old := h.lead.CurrentConfig()
	next := NewMemberConfig(makeZxid(5, 1),
		&QuorumServer{SID: 2, QuorumAddr: "127.0.0.1:0", Role: PARTICIPANT},
		&QuorumServer{SID: 3, QuorumAddr: "127.0.0.1:0", Role: PARTICIPANT},
	)

	z1 := makeZxid(5, 1)
	rp := newProposal(&QuorumPacket{Type: PROPOSAL, Zxid: z1}, &Request{Op: OpReconfig, Zxid: z1, Reconfig: next})
	rp.addQuorumVerifier(old)
	rp.addQuorumVerifier(next)
	rp.addAck(2)
	rp.addAck(3)

	// z2 acked only by 3: the walk narrows {2,3} to {3}.
	z2 := makeZxid(5, 2)
	p2 := newProposal(&QuorumPacket{Type: PROPOSAL, Zxid: z2}, &Request{Zxid: z2})
	p2.addQuorumVerifier(old)
	p2.addQuorumVerifier(next)
	p2.addAck(3)

	h.lead.mut.Lock()
	h.lead.outstanding.insert(p2)
	got := h.lead.getDesignatedLeaderLocked(rp, z1)
	h.lead.mut.Unlock()
	if got != 3 {
		t.Fatalf("designated = %v, want 3 (acked more of the tail)", got)
	}

	// with a gap at z2, the walk stops immediately and
	// the deterministic tie-break picks the smallest.
	h.lead.mut.Lock()
	h.lead.outstanding.remove(z2)
	z3 := makeZxid(5, 3)
	p3 := newProposal(&QuorumPacket{Type: PROPOSAL, Zxid: z3}, &Request{Zxid: z3})
	p3.addQuorumVerifier(old)
	p3.addAck(3)
	h.lead.outstanding.insert(p3)
	got = h.lead.getDesignatedLeaderLocked(rp, z1)
	h.lead.mut.Unlock()
	if got != 2 {
		t.Fatalf("designated = %v, want 2 (gap stops the walk)", got)
	}
}
