package zab

import (
	"errors"
)

// The categorical errors of the leader role. The
// first group is fatal for the reign: the leader
// shuts down and the peer returns to election. The
// second group is returned to the caller of a
// reconfig and leaves the leader running. Of the
// last two, ErrSessionClosed concerns one learner
// session only, and ErrThrottled is fatal like the
// first group.
var (
	// ErrBindFailure: no configured quorum address could be bound at startup.
	ErrBindFailure = errors.New("zab: could not bind any learner listen address")

	// ErrFollowerAhead: a follower presented a state summary more
	// recent than the leader's own during epoch agreement.
	ErrFollowerAhead = errors.New("zab: follower is ahead of the leader")

	// ErrEpochTimeout: an epoch-agreement barrier expired before a
	// quorum arrived (deadline initLimit*tickTime).
	ErrEpochTimeout = errors.New("zab: timeout waiting for quorum during epoch agreement")

	// ErrQuorumLost: the tick loop found the synced follower set no
	// longer satisfies the current (or pending) quorum verifier.
	ErrQuorumLost = errors.New("zab: not sufficient followers synced")

	// ErrZxidRollover: the low 32 bits of the zxid space are exhausted.
	ErrZxidRollover = errors.New("zab: zxid rollover")

	// ErrLeaderClosed: the leader was shut down while the caller was
	// blocked on it.
	ErrLeaderClosed = errors.New("zab: leader has shut down")

	// ErrReconfigDisabled: reconfig was proposed but cfg.ReconfigEnabled is false.
	ErrReconfigDisabled = errors.New("zab: dynamic reconfiguration is disabled")

	// ErrReconfigInProgress: another reconfig is still outstanding.
	ErrReconfigInProgress = errors.New("zab: another reconfig is in progress")

	// ErrBadVersion: the caller's fromConfig does not match the
	// current configuration version.
	ErrBadVersion = errors.New("zab: reconfig fromConfig version mismatch")

	// ErrNewConfigNoQuorum: the proposed configuration cannot form a
	// quorum from the learners currently connected and synced.
	ErrNewConfigNoQuorum = errors.New("zab: proposed config has no quorum of connected followers")

	// ErrSessionClosed: a learner session closed under its caller. The
	// session does not log it as a failure. Nothing in this package
	// returns it; queuePacket drops packets for a closed session
	// without an error.
	ErrSessionClosed = errors.New("zab: learner session closed")

	// ErrThrottled: the request was marked throttled upstream and
	// must not be proposed.
	ErrThrottled = errors.New("zab: throttled request submitted as proposal")
)
