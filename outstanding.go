package zab

import (
	"fmt"
	"sort"

	rb "github.com/glycerine/rbtree"
)

// qvAckset pairs one quorum verifier with the set of
// sids that acked under it. A proposal carries one
// pair normally, two while a reconfig is in flight
// (the committed config and the pending one).
type qvAckset struct {
	qv     *MemberConfig
	ackset map[int64]bool
}

func (q *qvAckset) acksetString() (r string) {
	r = "["
	first := true
	for _, sid := range sortedSet(q.ackset) {
		if !first {
			r += ","
		}
		first = false
		r += fmt.Sprintf("%v", sid)
	}
	r += "]"
	return
}

func sortedSet(set map[int64]bool) (sids []int64) {
	for sid := range set {
		sids = append(sids, sid)
	}
	sort.Slice(sids, func(i, j int) bool { return sids[i] < sids[j] })
	return
}

// Proposal is one outstanding transaction: the
// broadcast packet, the originating request, and the
// per-verifier ack bookkeeping. It is created by
// propose, mutated only inside the leader mutex, and
// dropped from the outstanding table on commit.
type Proposal struct {
	Pkt *QuorumPacket
	Req *Request

	qvAcksets []*qvAckset
}

func newProposal(pkt *QuorumPacket, req *Request) *Proposal {
	return &Proposal{Pkt: pkt, Req: req}
}

func (p *Proposal) String() string {
	if p.Pkt == nil {
		return "Proposal{nil}"
	}
	return fmt.Sprintf("Proposal{%v zxid:%v nqv:%v}", p.Pkt.Type, zxid2str(p.Pkt.Zxid), len(p.qvAcksets))
}

func (p *Proposal) addQuorumVerifier(qv *MemberConfig) {
	p.qvAcksets = append(p.qvAcksets, &qvAckset{
		qv:     qv,
		ackset: make(map[int64]bool),
	})
}

// addAck records sid's acknowledgment against every
// verifier pair for which sid is a voter. Non-voters
// (observers, removed servers) are ignored per pair.
func (p *Proposal) addAck(sid int64) {
	for _, pair := range p.qvAcksets {
		if pair.qv.IsVoter(sid) {
			pair.ackset[sid] = true
		}
	}
}

// hasAllQuorums is the commit gate: every verifier
// pair must be satisfied by its own ackset.
func (p *Proposal) hasAllQuorums() bool {
	for _, pair := range p.qvAcksets {
		if !pair.qv.ContainsQuorum(pair.ackset) {
			return false
		}
	}
	return len(p.qvAcksets) > 0
}

// lastQuorumVerifier is the newest config attached to
// the proposal; for a reconfig that is the pending
// config being voted in.
func (p *Proposal) lastQuorumVerifier() *MemberConfig {
	if len(p.qvAcksets) == 0 {
		return nil
	}
	return p.qvAcksets[len(p.qvAcksets)-1].qv
}

// lastAckset is the ackset of the newest verifier pair.
func (p *Proposal) lastAckset() map[int64]bool {
	if len(p.qvAcksets) == 0 {
		return nil
	}
	return p.qvAcksets[len(p.qvAcksets)-1].ackset
}

func (p *Proposal) ackSetsToString() (r string) {
	for _, pair := range p.qvAcksets {
		r += pair.acksetString()
	}
	return
}

// outstandingTable orders the in-flight proposals by
// zxid. Insert, lookup and remove are O(log n); the
// commit path walks it in ascending zxid order. Only
// touched under the leader mutex.
type outstandingTable struct {
	tree *rb.Tree
}

func newOutstandingTable() *outstandingTable {
	return &outstandingTable{
		tree: rb.NewTree(func(a, b rb.Item) int {
			av := a.(*Proposal).Pkt.Zxid
			bv := b.(*Proposal).Pkt.Zxid
			if av < bv {
				return -1
			}
			if av > bv {
				return 1
			}
			return 0
		}),
	}
}

func (t *outstandingTable) Len() int {
	return t.tree.Len()
}

func (t *outstandingTable) insert(p *Proposal) {
	t.tree.Insert(p)
}

func (t *outstandingTable) get(zxid int64) *Proposal {
	query := &Proposal{Pkt: &QuorumPacket{Zxid: zxid}}
	it, found := t.tree.FindGE_isEqual(query)
	if !found {
		return nil
	}
	return it.Item().(*Proposal)
}

func (t *outstandingTable) contains(zxid int64) bool {
	return t.get(zxid) != nil
}

func (t *outstandingTable) remove(zxid int64) (p *Proposal) {
	query := &Proposal{Pkt: &QuorumPacket{Zxid: zxid}}
	it, found := t.tree.FindGE_isEqual(query)
	if !found {
		return nil
	}
	p = it.Item().(*Proposal)
	t.tree.DeleteWithIterator(it)
	return
}

func (t *outstandingTable) deleteAll() {
	t.tree.DeleteAll()
}

// ascend visits every proposal with zxid > afterZxid
// in zxid order, stopping early when f returns false.
func (t *outstandingTable) ascend(afterZxid int64, f func(p *Proposal) bool) {
	query := &Proposal{Pkt: &QuorumPacket{Zxid: afterZxid + 1}}
	it, _ := t.tree.FindGE_isEqual(query)
	for !it.Limit() {
		if !f(it.Item().(*Proposal)) {
			return
		}
		it = it.Next()
	}
}

func (t *outstandingTable) minZxid() (zxid int64, ok bool) {
	it := t.tree.Min()
	if it.Limit() {
		return 0, false
	}
	return it.Item().(*Proposal).Pkt.Zxid, true
}
