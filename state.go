package zab

import (
	"net"
)

// The collaborator seams. Everything the leader core
// needs from the rest of the server arrives through
// these five interfaces, so the whole leader can be
// driven in-process by the tests in this package.

// ReplicatedState is the data tree plus its request
// pipeline and session table. The leader submits
// committed requests to it in strict zxid order; the
// state applies them with its own concurrency
// discipline.
type ReplicatedState interface {
	// LoadData restores the state from its last
	// snapshot + log replay before the reign starts.
	LoadData() error

	// LastProcessedZxid is the zxid of the newest
	// applied transaction.
	LastProcessedZxid() int64

	// SetZxid installs the takeover zxid (newEpoch<<32).
	SetZxid(zxid int64)

	// SubmitRequest hands a committed request to the
	// apply pipeline. Calls arrive in commit order,
	// under the leader mutex: the implementation must
	// not call back into the Leader synchronously.
	SubmitRequest(req *Request)

	// SubmitLearnerRequest enters a mutation a
	// follower forwarded on behalf of its client; it
	// will come back around through Leader.Propose.
	SubmitLearnerRequest(req *Request)

	// TouchSession refreshes a client session the
	// follower reported alive in a ping reply.
	TouchSession(sessionID int64, timeout int32)

	// CheckIfValidGlobalSession answers REVALIDATE.
	CheckIfValidGlobalSession(sessionID int64, timeout int32) bool

	// Snapshot serializes the full state for a SNAP
	// sync: the zxid the snapshot is valid at, and the
	// serialized bytes.
	Snapshot() (lastZxid int64, data []byte, err error)
}

// AcceptedEpochStore persists the two epoch files.
// SetAcceptedEpoch must be durable before it returns:
// the epoch barrier freezes the new epoch on it.
type AcceptedEpochStore interface {
	GetAcceptedEpoch() (int64, error)
	SetAcceptedEpoch(epoch int64) error
	GetCurrentEpoch() (int64, error)
	SetCurrentEpoch(epoch int64) error
}

// CommittedTxn is one replayable committed transaction.
type CommittedTxn struct {
	Zxid int64
	Data []byte
}

// TransactionLog is the committed tail the leader can
// replay to a lagging follower. Min and Max bracket
// what Range can produce.
type TransactionLog interface {
	MinCommittedZxid() int64
	MaxCommittedZxid() int64

	// Range returns the committed transactions with
	// zxid in (afterZxid, toZxid], in zxid order.
	Range(afterZxid, toZxid int64) []*CommittedTxn

	// Append records a freshly committed transaction
	// so later syncs can replay it.
	Append(txn *CommittedTxn)
}

// QuorumAuthServer authenticates an inbound learner
// connection before the handshake is read. The
// default implementation accepts everyone.
type QuorumAuthServer interface {
	Authenticate(conn net.Conn) error
}

// AllowAllAuthServer is the no-auth default.
type AllowAllAuthServer struct{}

func (AllowAllAuthServer) Authenticate(conn net.Conn) error { return nil }

// ElectionDriver is told when the reign ends so the
// peer re-enters LOOKING and restarts election.
type ElectionDriver interface {
	LeaderShutdown(reason error)
}

// noopElectionDriver lets tests run a leader without
// wiring a real election.
type noopElectionDriver struct{}

func (noopElectionDriver) LeaderShutdown(reason error) {}

// Collab bundles the injected collaborators for
// NewLeader. Nil Auth and Election get the no-op
// defaults; the other three are required.
type Collab struct {
	State    ReplicatedState
	Epochs   AcceptedEpochStore
	TxnLog   TransactionLog
	Auth     QuorumAuthServer
	Election ElectionDriver
}
