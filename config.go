package zab

import (
	"time"
)

// ZabConfig is the per-leader configuration. One
// struct per leader, no global knobs: tests can run
// many leaders in one process with different
// settings.
type ZabConfig struct {
	// MyID is this server's sid in the member config.
	MyID int64

	// TickTime is the basic time unit in milliseconds.
	TickTime int

	// InitLimit, in ticks, bounds discovery and sync:
	// epoch barriers and the initial follower sync
	// deadline are InitLimit*TickTime.
	InitLimit int

	// SyncLimit, in ticks, is the rolling liveness
	// deadline once a follower is serving.
	SyncLimit int

	// ReconfigEnabled permits dynamic reconfig proposals.
	ReconfigEnabled bool

	// DisableLeaderServes: by default the leader also
	// accepts client sessions (forwarded to the
	// replicated state; the leader core only records
	// the choice). Set to run a leader that only
	// coordinates.
	DisableLeaderServes bool

	// ListenOnAllIPs binds the wildcard address with
	// the quorum port instead of each configured
	// interface address.
	ListenOnAllIPs bool

	// DisableNoDelay turns TCP_NODELAY off on learner
	// sockets; it is on by default.
	DisableNoDelay bool

	// AckLoggingFrequency samples acks: an ack of a
	// zxid divisible by N gets a log line naming the
	// zxid and the acking sid. No latency is measured.
	// 0 disables.
	AckLoggingFrequency int64

	// MaxTimeToWaitForEpoch, in milliseconds, caps the
	// epoch-agreement wait when a tracked voter has
	// gone back to election. -1 disables the cap.
	MaxTimeToWaitForEpoch int

	// TestingInitialZxid forces the low 32 bits of the
	// first zxid of the reign. QA only: it exists to
	// exercise the rollover path without four billion
	// writes.
	TestingInitialZxid int64

	// BindAddrs overrides the listen addresses; when
	// empty the leader binds its own QuorumAddr from
	// the member config (or the wildcard, per
	// ListenOnAllIPs).
	BindAddrs []string

	// OracleOverride, when non-nil, is consulted by
	// the tick loop before declaring quorum lost; a
	// true return keeps the leader alive. Used by
	// two-node oracle deployments.
	OracleOverride func(synced map[int64]bool) bool
}

// NewZabConfig gives the defaults the way a config
// file without the optional keys would.
func NewZabConfig(myid int64) *ZabConfig {
	cfg := &ZabConfig{
		MyID: myid,
	}
	cfg.Init()
	return cfg
}

// Init fills zero fields with their defaults. Safe to
// call more than once.
func (cfg *ZabConfig) Init() {
	if cfg.TickTime == 0 {
		cfg.TickTime = 500
	}
	if cfg.InitLimit == 0 {
		cfg.InitLimit = 10
	}
	if cfg.SyncLimit == 0 {
		cfg.SyncLimit = 5
	}
	if cfg.MaxTimeToWaitForEpoch == 0 {
		cfg.MaxTimeToWaitForEpoch = -1
	}
}

func (cfg *ZabConfig) leaderServes() bool {
	return !cfg.DisableLeaderServes
}

func (cfg *ZabConfig) noDelay() bool {
	return !cfg.DisableNoDelay
}

func (cfg *ZabConfig) tickDur() time.Duration {
	return time.Duration(cfg.TickTime) * time.Millisecond
}

// initTimeout is the discovery/sync deadline.
func (cfg *ZabConfig) initTimeout() time.Duration {
	return time.Duration(cfg.InitLimit) * cfg.tickDur()
}

// syncTimeout is the rolling serving deadline.
func (cfg *ZabConfig) syncTimeout() time.Duration {
	return time.Duration(cfg.SyncLimit) * cfg.tickDur()
}

// sanityCheck panics on configs that cannot work at
// all; mistakes this basic are programmer errors, not
// runtime conditions.
func (cfg *ZabConfig) sanityCheck() {
	if cfg.MyID <= 0 {
		panicf("ZabConfig.MyID must be positive, have %v", cfg.MyID)
	}
	if cfg.TickTime <= 0 || cfg.InitLimit <= 0 || cfg.SyncLimit <= 0 {
		panicf("ZabConfig timing must be positive: tickTime=%v initLimit=%v syncLimit=%v", cfg.TickTime, cfg.InitLimit, cfg.SyncLimit)
	}
}
