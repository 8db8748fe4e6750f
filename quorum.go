package zab

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/glycerine/greenpack/msgp"
)

// LearnerRole says whether a learner votes.
type LearnerRole int32

const (
	PARTICIPANT LearnerRole = 0
	OBSERVER    LearnerRole = 1
)

func (r LearnerRole) String() string {
	switch r {
	case PARTICIPANT:
		return "participant"
	case OBSERVER:
		return "observer"
	}
	return fmt.Sprintf("unknown-role-%v", int32(r))
}

// QuorumServer is one row of the peer view: where a
// server lives and whether it votes. Weight and
// Group only matter to hierarchical configs; a
// majority config leaves them zero.
type QuorumServer struct {
	SID          int64       `zid:"0"`
	QuorumAddr   string      `zid:"1"`
	ElectionAddr string      `zid:"2"`
	ClientAddr   string      `zid:"3"`
	Role         LearnerRole `zid:"4"`
	Weight       int64       `zid:"5"`
	Group        int64       `zid:"6"`
}

func (s *QuorumServer) String() string {
	return fmt.Sprintf("server.%v=%v;%v;%v;%v", s.SID, s.QuorumAddr, s.ElectionAddr, s.ClientAddr, s.Role)
}

func (s *QuorumServer) clone() *QuorumServer {
	cp := *s
	return &cp
}

// MemberConfig is the full membership view of the
// ensemble at one configuration version. The Vers is
// the zxid of the reconfig that established it (the
// NEWLEADER zxid for a config established at epoch
// takeover). A MemberConfig is immutable once built;
// reconfig installs a whole new one.
type MemberConfig struct {
	Vers    int64                   `zid:"0"`
	Hier    bool                    `zid:"1"`
	Servers map[int64]*QuorumServer `zid:"2"`
}

func NewMemberConfig(vers int64, servers ...*QuorumServer) *MemberConfig {
	mc := &MemberConfig{
		Vers:    vers,
		Servers: make(map[int64]*QuorumServer),
	}
	for _, s := range servers {
		mc.Servers[s.SID] = s
		if s.Group != 0 {
			mc.Hier = true
		}
	}
	return mc
}

func (mc *MemberConfig) Clone() *MemberConfig {
	if mc == nil {
		return nil
	}
	cp := &MemberConfig{
		Vers:    mc.Vers,
		Hier:    mc.Hier,
		Servers: make(map[int64]*QuorumServer),
	}
	for sid, s := range mc.Servers {
		cp.Servers[sid] = s.clone()
	}
	return cp
}

// sortedSIDs gives the deterministic iteration order
// used for serialization and for candidate
// tie-breaking in designated leader selection.
func (mc *MemberConfig) sortedSIDs() (sids []int64) {
	for sid := range mc.Servers {
		sids = append(sids, sid)
	}
	sort.Slice(sids, func(i, j int) bool { return sids[i] < sids[j] })
	return
}

// VotingMembers returns the participant rows.
func (mc *MemberConfig) VotingMembers() map[int64]*QuorumServer {
	m := make(map[int64]*QuorumServer)
	for sid, s := range mc.Servers {
		if s.Role == PARTICIPANT {
			m[sid] = s
		}
	}
	return m
}

func (mc *MemberConfig) IsVoter(sid int64) bool {
	s, ok := mc.Servers[sid]
	return ok && s.Role == PARTICIPANT
}

func (mc *MemberConfig) Version() int64 {
	return mc.Vers
}

// ContainsQuorum is the quorum decision function: a
// pure predicate over a set of acknowledging server
// ids. Majority configs need a strict majority of
// voters. Hierarchical configs need, in a majority of
// groups, acked weight strictly greater than half
// that group's total weight.
func (mc *MemberConfig) ContainsQuorum(ackset map[int64]bool) bool {
	if mc.Hier {
		return mc.containsQuorumHier(ackset)
	}
	voters := 0
	acked := 0
	for sid, s := range mc.Servers {
		if s.Role != PARTICIPANT {
			continue
		}
		voters++
		if ackset[sid] {
			acked++
		}
	}
	if voters == 0 {
		return false
	}
	return acked > voters/2
}

func (mc *MemberConfig) containsQuorumHier(ackset map[int64]bool) bool {
	groupWeight := make(map[int64]int64)
	ackedWeight := make(map[int64]int64)
	for sid, s := range mc.Servers {
		if s.Role != PARTICIPANT {
			continue
		}
		groupWeight[s.Group] += s.Weight
		if ackset[sid] {
			ackedWeight[s.Group] += s.Weight
		}
	}
	ngroups := 0
	won := 0
	for g, total := range groupWeight {
		if total == 0 {
			// a group of all zero-weight servers never votes.
			continue
		}
		ngroups++
		if 2*ackedWeight[g] > total {
			won++
		}
	}
	if ngroups == 0 {
		return false
	}
	return won > ngroups/2
}

// Equal compares configuration identity: same
// members, addresses, roles, weights -- the Vers is
// deliberately excluded, configs are ordered by
// version and compared by content.
func (mc *MemberConfig) Equal(other *MemberConfig) bool {
	if mc == nil || other == nil {
		return mc == other
	}
	return bytes.Equal(mc.identityBytes(), other.identityBytes())
}

func (mc *MemberConfig) identityBytes() []byte {
	cp := mc.Clone()
	cp.Vers = 0
	by, err := cp.MarshalMsg(nil)
	panicOn(err)
	return by
}

func (mc *MemberConfig) String() (r string) {
	r = fmt.Sprintf("MemberConfig{vers:%v", zxid2str(mc.Vers))
	for _, sid := range mc.sortedSIDs() {
		r += fmt.Sprintf(" %v", mc.Servers[sid])
	}
	r += "}"
	return
}

// msgp serialization. Maps are written in sorted sid
// order so a config's bytes are deterministic.

func (s *QuorumServer) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.AppendArrayHeader(b, 7)
	o = msgp.AppendInt64(o, s.SID)
	o = msgp.AppendString(o, s.QuorumAddr)
	o = msgp.AppendString(o, s.ElectionAddr)
	o = msgp.AppendString(o, s.ClientAddr)
	o = msgp.AppendInt32(o, int32(s.Role))
	o = msgp.AppendInt64(o, s.Weight)
	o = msgp.AppendInt64(o, s.Group)
	return
}

func (s *QuorumServer) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var n uint32
	n, o, err = msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return
	}
	if n != 7 {
		return o, fmt.Errorf("QuorumServer: bad field count %v", n)
	}
	if s.SID, o, err = msgp.ReadInt64Bytes(o); err != nil {
		return
	}
	if s.QuorumAddr, o, err = msgp.ReadStringBytes(o); err != nil {
		return
	}
	if s.ElectionAddr, o, err = msgp.ReadStringBytes(o); err != nil {
		return
	}
	if s.ClientAddr, o, err = msgp.ReadStringBytes(o); err != nil {
		return
	}
	var role int32
	if role, o, err = msgp.ReadInt32Bytes(o); err != nil {
		return
	}
	s.Role = LearnerRole(role)
	if s.Weight, o, err = msgp.ReadInt64Bytes(o); err != nil {
		return
	}
	s.Group, o, err = msgp.ReadInt64Bytes(o)
	return
}

func (mc *MemberConfig) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.AppendArrayHeader(b, 3)
	o = msgp.AppendInt64(o, mc.Vers)
	o = msgp.AppendBool(o, mc.Hier)
	o = msgp.AppendMapHeader(o, uint32(len(mc.Servers)))
	for _, sid := range mc.sortedSIDs() {
		o = msgp.AppendInt64(o, sid)
		o, err = mc.Servers[sid].MarshalMsg(o)
		if err != nil {
			return
		}
	}
	return
}

func (mc *MemberConfig) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var n uint32
	n, o, err = msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return
	}
	if n != 3 {
		return o, fmt.Errorf("MemberConfig: bad field count %v", n)
	}
	if mc.Vers, o, err = msgp.ReadInt64Bytes(o); err != nil {
		return
	}
	if mc.Hier, o, err = msgp.ReadBoolBytes(o); err != nil {
		return
	}
	var sz uint32
	if sz, o, err = msgp.ReadMapHeaderBytes(o); err != nil {
		return
	}
	mc.Servers = make(map[int64]*QuorumServer, sz)
	for i := uint32(0); i < sz; i++ {
		var sid int64
		if sid, o, err = msgp.ReadInt64Bytes(o); err != nil {
			return
		}
		qs := &QuorumServer{}
		if o, err = qs.UnmarshalMsg(o); err != nil {
			return
		}
		mc.Servers[sid] = qs
	}
	return
}

// UnmarshalMemberConfig decodes a reconfig/NEWLEADER payload.
func UnmarshalMemberConfig(by []byte) (mc *MemberConfig, err error) {
	mc = &MemberConfig{}
	_, err = mc.UnmarshalMsg(by)
	if err != nil {
		return nil, err
	}
	return mc, nil
}
