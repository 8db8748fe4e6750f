package zab

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func majority3() *MemberConfig {
	return NewMemberConfig(0x100000000,
		&QuorumServer{SID: 1, QuorumAddr: "127.0.0.1:2888", Role: PARTICIPANT},
		&QuorumServer{SID: 2, QuorumAddr: "127.0.0.1:2889", Role: PARTICIPANT},
		&QuorumServer{SID: 3, QuorumAddr: "127.0.0.1:2890", Role: PARTICIPANT},
	)
}

func Test010_majority_quorum(t *testing.T) {
	mc := majority3()

	if mc.ContainsQuorum(map[int64]bool{1: true}) {
		t.Fatalf("one of three is not a quorum")
	}
	if !mc.ContainsQuorum(map[int64]bool{1: true, 2: true}) {
		t.Fatalf("two of three is a quorum")
	}
	if !mc.ContainsQuorum(map[int64]bool{1: true, 2: true, 3: true}) {
		t.Fatalf("all three is a quorum")
	}
}

func Test011_observers_never_count(t *testing.T) {
	mc := NewMemberConfig(7,
		&QuorumServer{SID: 1, Role: PARTICIPANT},
		&QuorumServer{SID: 2, Role: PARTICIPANT},
		&QuorumServer{SID: 3, Role: PARTICIPANT},
		&QuorumServer{SID: 9, Role: OBSERVER},
	)
	// the observer plus one voter is still one voter.
	if mc.ContainsQuorum(map[int64]bool{1: true, 9: true}) {
		t.Fatalf("observer ack counted toward quorum")
	}
	if !mc.ContainsQuorum(map[int64]bool{1: true, 2: true, 9: true}) {
		t.Fatalf("two voters is a quorum regardless of observers")
	}
	if mc.IsVoter(9) {
		t.Fatalf("observer is not a voter")
	}
}

func Test012_hierarchical_quorum(t *testing.T) {
	// two groups; a quorum must win a weighted
	// majority within a majority of groups.
	mc := NewMemberConfig(1,
		&QuorumServer{SID: 1, Role: PARTICIPANT, Group: 1, Weight: 1},
		&QuorumServer{SID: 2, Role: PARTICIPANT, Group: 1, Weight: 1},
		&QuorumServer{SID: 3, Role: PARTICIPANT, Group: 1, Weight: 1},
		&QuorumServer{SID: 4, Role: PARTICIPANT, Group: 2, Weight: 1},
		&QuorumServer{SID: 5, Role: PARTICIPANT, Group: 2, Weight: 1},
		&QuorumServer{SID: 6, Role: PARTICIPANT, Group: 2, Weight: 1},
	)
	require.True(t, mc.Hier)

	// winning both groups: quorum.
	require.True(t, mc.ContainsQuorum(map[int64]bool{1: true, 2: true, 4: true, 5: true}))
	// winning neither: no.
	require.False(t, mc.ContainsQuorum(map[int64]bool{1: true, 4: true}))
	// winning group 2 only: two groups, one won, not a
	// majority of groups.
	require.False(t, mc.ContainsQuorum(map[int64]bool{4: true, 5: true, 6: true, 1: true}))

	// a zero-weight server can never tip its group.
	mc2 := NewMemberConfig(2,
		&QuorumServer{SID: 1, Role: PARTICIPANT, Group: 1, Weight: 1},
		&QuorumServer{SID: 2, Role: PARTICIPANT, Group: 1, Weight: 0},
	)
	require.False(t, mc2.ContainsQuorum(map[int64]bool{2: true}))
	require.True(t, mc2.ContainsQuorum(map[int64]bool{1: true}))
}

func Test013_member_config_roundtrip_and_equality(t *testing.T) {
	mc := majority3()
	by, err := mc.MarshalMsg(nil)
	require.NoError(t, err)

	back, err := UnmarshalMemberConfig(by)
	require.NoError(t, err)
	require.Equal(t, mc.Vers, back.Vers)
	require.Equal(t, len(mc.Servers), len(back.Servers))
	require.Equal(t, mc.Servers[2].QuorumAddr, back.Servers[2].QuorumAddr)
	require.True(t, mc.Equal(back))

	// same members at a different version: same
	// configuration identity, different ordering key.
	bumped := mc.Clone()
	bumped.Vers = 0x500000002
	require.True(t, mc.Equal(bumped))
	require.True(t, bumped.Version() > mc.Version())

	// different membership: different identity.
	smaller := NewMemberConfig(mc.Vers,
		mc.Servers[1].clone(),
		mc.Servers[2].clone(),
	)
	require.False(t, mc.Equal(smaller))
}
