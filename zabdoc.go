package zab

// Copyright (C) 2026 the zab authors. All rights reserved.
//
// Package zab implements the leader half of the
// Zab atomic broadcast protocol: the primary-backup
// agreement engine that orders mutations in a
// replicated coordination service.
//
// A freshly elected peer calls Leader.Lead(). Lead
// runs discovery (epoch agreement with a quorum of
// connecting followers), synchronization (each
// follower is brought up to date with a DIFF, TRUNC
// or SNAP), and then broadcast: client mutations are
// numbered with zxids, proposed to every forwarding
// follower, and committed in strict zxid order once
// a quorum has acknowledged them.
//
// The important files:
//
// leader.go has the Leader object and the central
// propose / processAck / tryToCommit pipeline. All
// of the hot path runs under the single leader
// mutex, so the commit order argument is easy to
// check by reading that one file.
//
// learner.go has the per-follower session state
// machine: the handshake, the sync strategy
// computation, the outbound FIFO, and the serving
// loop that feeds acks back into the pipeline.
//
// epoch.go has the three blocking barriers of the
// discovery phase: GetEpochToPropose, WaitForEpochAck
// and WaitForNewLeaderAck.
//
// reconfig.go has the membership change commit path:
// designated leader selection and commit-and-activate.
//
// outstanding.go orders the in-flight proposals by
// zxid and aggregates their acks against one or two
// quorum verifiers (two while a reconfig is in
// flight).
//
// acceptor.go owns the listening sockets; ticker.go
// is the liveness loop that shuts the leader down
// when the synced follower set loses quorum.
//
// Everything below the leader -- the data tree, the
// on-disk txn log, client sessions, the election
// machinery -- is reached through the small
// collaborator interfaces in state.go, so the leader
// core can be driven completely in-process by the
// tests in this package.
