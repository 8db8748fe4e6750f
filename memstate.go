package zab

import (
	"fmt"
	"sort"
	"sync"

	"github.com/glycerine/greenpack/msgp"
)

// In-memory collaborators. The tests and the
// standalone cmd/zableader binary run the leader core
// against these; a production server supplies its own
// tree, txn log, and epoch files.

// MemState is a flat key-value rendition of the
// replicated state, enough to exercise every leader
// path: ordered applies, snapshots, session touches.
type MemState struct {
	mut sync.Mutex

	kv       map[string][]byte
	lastZxid int64

	// hzxid is the installed takeover zxid; the id
	// space marker, distinct from what has actually
	// been applied (lastZxid).
	hzxid int64

	sessions map[int64]int32

	// learner-forwarded requests pile up here until a
	// driver (the leader's owner) proposes them.
	LearnerRequests chan *Request
}

func NewMemState() *MemState {
	return &MemState{
		kv:              make(map[string][]byte),
		sessions:        make(map[int64]int32),
		LearnerRequests: make(chan *Request, 1024),
	}
}

func (m *MemState) LoadData() error {
	return nil
}

func (m *MemState) LastProcessedZxid() int64 {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.lastZxid
}

func (m *MemState) SetZxid(zxid int64) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.hzxid = zxid
}

// SeedApplied installs a pre-reign applied position;
// tests use it to model a database restored from an
// older epoch.
func (m *MemState) SeedApplied(zxid int64) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.lastZxid = zxid
}

// SubmitRequest applies a committed request. The
// leader guarantees commit order, so applies are a
// plain overwrite.
func (m *MemState) SubmitRequest(req *Request) {
	m.mut.Lock()
	defer m.mut.Unlock()
	if req.Zxid > m.lastZxid {
		m.lastZxid = req.Zxid
	}
	if req.Op != OpSetData && req.Op != OpCreate && req.Op != OpDelete {
		return
	}
	key, val, err := unmarshalKV(req.Data)
	if err != nil {
		alwaysPrintf("MemState dropping unparsable request %v: %v", req, err)
		return
	}
	if req.Op == OpDelete {
		delete(m.kv, key)
		return
	}
	m.kv[key] = val
}

func (m *MemState) SubmitLearnerRequest(req *Request) {
	select {
	case m.LearnerRequests <- req:
	default:
		alwaysPrintf("MemState dropping learner request, queue full: %v", req)
	}
}

func (m *MemState) TouchSession(sessionID int64, timeout int32) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.sessions[sessionID] = timeout
}

func (m *MemState) CheckIfValidGlobalSession(sessionID int64, timeout int32) bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// AddSession seeds a session so revalidation has
// something to find.
func (m *MemState) AddSession(sessionID int64, timeout int32) {
	m.TouchSession(sessionID, timeout)
}

// Get reads one key back out; test helper.
func (m *MemState) Get(key string) (val []byte, ok bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	val, ok = m.kv[key]
	return
}

// Snapshot serializes the kv map in sorted-key order.
func (m *MemState) Snapshot() (lastZxid int64, data []byte, err error) {
	m.mut.Lock()
	defer m.mut.Unlock()
	var keys []string
	for k := range m.kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data = msgp.AppendInt64(nil, m.lastZxid)
	data = msgp.AppendMapHeader(data, uint32(len(keys)))
	for _, k := range keys {
		data = msgp.AppendString(data, k)
		data = msgp.AppendBytes(data, m.kv[k])
	}
	return m.lastZxid, data, nil
}

// RestoreSnapshot installs a snapshot produced by
// Snapshot; the follower side of a SNAP sync in tests.
func (m *MemState) RestoreSnapshot(data []byte) (err error) {
	m.mut.Lock()
	defer m.mut.Unlock()
	var o []byte
	var lastZxid int64
	lastZxid, o, err = msgp.ReadInt64Bytes(data)
	if err != nil {
		return
	}
	var sz uint32
	sz, o, err = msgp.ReadMapHeaderBytes(o)
	if err != nil {
		return
	}
	m.kv = make(map[string][]byte, sz)
	for i := uint32(0); i < sz; i++ {
		var k string
		var v []byte
		if k, o, err = msgp.ReadStringBytes(o); err != nil {
			return
		}
		if v, o, err = msgp.ReadBytesBytes(o, nil); err != nil {
			return
		}
		m.kv[k] = v
	}
	m.lastZxid = lastZxid
	return nil
}

// MarshalKV/unmarshalKV give the little setData
// payload the MemState understands.

func MarshalKV(key string, val []byte) []byte {
	o := msgp.AppendString(nil, key)
	o = msgp.AppendBytes(o, val)
	return o
}

func unmarshalKV(by []byte) (key string, val []byte, err error) {
	var o []byte
	key, o, err = msgp.ReadStringBytes(by)
	if err != nil {
		return
	}
	val, _, err = msgp.ReadBytesBytes(o, nil)
	return
}

// MemTxnLog keeps the committed tail in memory, with
// a cap like the server's committedLog buffer (500
// entries unless NewMemTxnLog is given a positive
// max): old entries fall off the front and force
// SNAP syncs for very stale followers.
type MemTxnLog struct {
	mut  sync.Mutex
	txns []*CommittedTxn
	max  int
}

func NewMemTxnLog(max int) *MemTxnLog {
	if max <= 0 {
		max = 500
	}
	return &MemTxnLog{max: max}
}

func (l *MemTxnLog) MinCommittedZxid() int64 {
	l.mut.Lock()
	defer l.mut.Unlock()
	if len(l.txns) == 0 {
		return 0
	}
	return l.txns[0].Zxid
}

func (l *MemTxnLog) MaxCommittedZxid() int64 {
	l.mut.Lock()
	defer l.mut.Unlock()
	if len(l.txns) == 0 {
		return 0
	}
	return l.txns[len(l.txns)-1].Zxid
}

func (l *MemTxnLog) Range(afterZxid, toZxid int64) (r []*CommittedTxn) {
	l.mut.Lock()
	defer l.mut.Unlock()
	for _, t := range l.txns {
		if t.Zxid > afterZxid && t.Zxid <= toZxid {
			r = append(r, t)
		}
	}
	return
}

func (l *MemTxnLog) Append(txn *CommittedTxn) {
	l.mut.Lock()
	defer l.mut.Unlock()
	if n := len(l.txns); n > 0 && txn.Zxid <= l.txns[n-1].Zxid {
		panicf("MemTxnLog.Append out of order: %v after %v", zxid2str(txn.Zxid), zxid2str(l.txns[n-1].Zxid))
	}
	l.txns = append(l.txns, txn)
	if len(l.txns) > l.max {
		l.txns = l.txns[len(l.txns)-l.max:]
	}
}

// MemEpochStore holds the epoch pair in memory.
type MemEpochStore struct {
	mut      sync.Mutex
	accepted int64
	current  int64
}

func NewMemEpochStore() *MemEpochStore {
	return &MemEpochStore{}
}

func (s *MemEpochStore) GetAcceptedEpoch() (int64, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.accepted, nil
}

func (s *MemEpochStore) SetAcceptedEpoch(epoch int64) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if epoch < s.accepted {
		return fmt.Errorf("accepted epoch going backwards: %v -> %v", s.accepted, epoch)
	}
	s.accepted = epoch
	return nil
}

func (s *MemEpochStore) GetCurrentEpoch() (int64, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.current, nil
}

func (s *MemEpochStore) SetCurrentEpoch(epoch int64) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.current = epoch
	return nil
}
