package zab

import (
	"testing"
)

func prop(zxid int64) *Proposal {
	return newProposal(&QuorumPacket{Type: PROPOSAL, Zxid: zxid}, &Request{Zxid: zxid})
}

func Test020_outstanding_table_orders_by_zxid(t *testing.T) {
	tab := newOutstandingTable()
	for _, z := range []int64{5, 3, 9, 4} {
		tab.insert(prop(makeZxid(1, z)))
	}
	if tab.Len() != 4 {
		t.Fatalf("Len = %v", tab.Len())
	}
	if !tab.contains(makeZxid(1, 3)) || tab.contains(makeZxid(1, 6)) {
		t.Fatalf("contains wrong")
	}
	minz, ok := tab.minZxid()
	if !ok || minz != makeZxid(1, 3) {
		t.Fatalf("minZxid = %v, %v", zxid2str(minz), ok)
	}

	var got []int64
	tab.ascend(makeZxid(1, 3), func(p *Proposal) bool {
		got = append(got, counterOf(p.Pkt.Zxid))
		return true
	})
	want := []int64{4, 5, 9}
	if len(got) != len(want) {
		t.Fatalf("ascend saw %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ascend order %v, want %v", got, want)
		}
	}

	p := tab.remove(makeZxid(1, 4))
	if p == nil || tab.contains(makeZxid(1, 4)) {
		t.Fatalf("remove failed")
	}
	if tab.remove(makeZxid(1, 4)) != nil {
		t.Fatalf("double remove found something")
	}
}

func Test021_ack_tracker_single_verifier(t *testing.T) {
	mc := majority3()
	p := prop(makeZxid(5, 1))
	p.addQuorumVerifier(mc)

	if p.hasAllQuorums() {
		t.Fatalf("no acks is not a quorum")
	}
	p.addAck(1)
	if p.hasAllQuorums() {
		t.Fatalf("one of three is not a quorum")
	}
	p.addAck(2)
	if !p.hasAllQuorums() {
		t.Fatalf("two of three is a quorum")
	}
	// re-delivery changes nothing.
	p.addAck(2)
	if !p.hasAllQuorums() {
		t.Fatalf("idempotent ack broke the tracker")
	}
}

func Test022_ack_tracker_dual_verifier_during_reconfig(t *testing.T) {
	old := majority3()
	// pending config removes sid 3.
	next := NewMemberConfig(makeZxid(5, 2),
		old.Servers[1].clone(),
		old.Servers[2].clone(),
	)
	p := prop(makeZxid(5, 2))
	p.addQuorumVerifier(old)
	p.addQuorumVerifier(next)

	// {1,3} satisfies the old config but not the new:
	// no commit.
	p.addAck(1)
	p.addAck(3)
	if p.hasAllQuorums() {
		t.Fatalf("must satisfy every attached verifier")
	}
	// adding 2 satisfies both.
	p.addAck(2)
	if !p.hasAllQuorums() {
		t.Fatalf("both verifiers satisfied, should commit")
	}
	// sid 3 is only a voter in the old config.
	if p.qvAcksets[1].ackset[3] {
		t.Fatalf("non-voter leaked into the pending ackset")
	}
}
