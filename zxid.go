package zab

import (
	"fmt"
)

// A zxid is the 64-bit Zab transaction id: the high
// 32 bits are the epoch of the leader's reign, the
// low 32 bits count transactions within that epoch.
// Zxids are totally ordered, and strictly increasing
// within an epoch.

const zxidCounterMask = int64(0xffffffff)

func makeZxid(epoch, counter int64) int64 {
	return (epoch << 32) | (counter & zxidCounterMask)
}

func epochOf(zxid int64) int64 {
	return zxid >> 32
}

func counterOf(zxid int64) int64 {
	return zxid & zxidCounterMask
}

func zxid2str(zxid int64) string {
	return fmt.Sprintf("0x%016x", uint64(zxid))
}

// zxidAllocator mints the zxids for one leader reign.
// It is only touched under the leader mutex, so it
// needs no locking of its own.
//
// When the low 32 bits saturate we refuse to mint any
// further ids: all-ones in the counter half is the
// re-election sentinel, and handing it out would let
// two reigns share a zxid after the counter wrapped.
// The caller shuts the leader down instead and a
// fresh epoch restarts the counter at zero.
type zxidAllocator struct {
	lastProposed int64
}

// seed installs (epoch<<32)|counter as the takeover
// point of a new reign. counter is 0 outside of QA
// runs; testingonly.initialZxid forces it higher to
// exercise the rollover path quickly.
func (z *zxidAllocator) seed(epoch, counter int64) {
	z.lastProposed = makeZxid(epoch, counter)
}

// next returns the zxid the following proposal would
// carry, without consuming it.
func (z *zxidAllocator) next() int64 {
	return z.lastProposed + 1
}

// take consumes and returns the next zxid, or
// ErrZxidRollover when the counter half has
// saturated. On rollover nothing is consumed.
func (z *zxidAllocator) take() (zxid int64, err error) {
	zxid = z.lastProposed + 1
	if counterOf(zxid) == zxidCounterMask {
		return 0, fmt.Errorf("%w: lower 32 bits of zxid %v have saturated, forcing re-election and a new epoch", ErrZxidRollover, zxid2str(z.lastProposed))
	}
	z.lastProposed = zxid
	return zxid, nil
}
