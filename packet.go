package zab

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/glycerine/greenpack/msgp"
)

// The leader <-> learner wire protocol. Every packet
// is {type:u32, zxid:i64, data:bytes, auth:bytes},
// length-framed on the stream. The packet codes are
// fixed by the protocol and shared with followers.
type PacketType uint32

const (
	REQUEST           PacketType = 1
	PROPOSAL          PacketType = 2
	ACK               PacketType = 3
	COMMIT            PacketType = 4
	PING              PacketType = 5
	REVALIDATE        PacketType = 6
	SYNC              PacketType = 7
	INFORM            PacketType = 8
	COMMITANDACTIVATE PacketType = 9
	NEWLEADER         PacketType = 10
	FOLLOWERINFO      PacketType = 11
	UPTODATE          PacketType = 12
	DIFF              PacketType = 13
	TRUNC             PacketType = 14
	SNAP              PacketType = 15
	OBSERVERINFO      PacketType = 16
	LEADERINFO        PacketType = 17
	ACKEPOCH          PacketType = 18
	INFORMANDACTIVATE PacketType = 19
)

func (t PacketType) String() string {
	switch t {
	case REQUEST:
		return "REQUEST"
	case PROPOSAL:
		return "PROPOSAL"
	case ACK:
		return "ACK"
	case COMMIT:
		return "COMMIT"
	case PING:
		return "PING"
	case REVALIDATE:
		return "REVALIDATE"
	case SYNC:
		return "SYNC"
	case INFORM:
		return "INFORM"
	case COMMITANDACTIVATE:
		return "COMMITANDACTIVATE"
	case NEWLEADER:
		return "NEWLEADER"
	case FOLLOWERINFO:
		return "FOLLOWERINFO"
	case UPTODATE:
		return "UPTODATE"
	case DIFF:
		return "DIFF"
	case TRUNC:
		return "TRUNC"
	case SNAP:
		return "SNAP"
	case OBSERVERINFO:
		return "OBSERVERINFO"
	case LEADERINFO:
		return "LEADERINFO"
	case ACKEPOCH:
		return "ACKEPOCH"
	case INFORMANDACTIVATE:
		return "INFORMANDACTIVATE"
	}
	return fmt.Sprintf("UNKNOWN(%v)", uint32(t))
}

// QuorumPacket is one framed message on a learner
// connection, in either direction.
type QuorumPacket struct {
	Type PacketType
	Zxid int64
	Data []byte
	Auth []byte
}

func (qp *QuorumPacket) String() string {
	return fmt.Sprintf("QuorumPacket{%v zxid:%v dlen:%v}", qp.Type, zxid2str(qp.Zxid), len(qp.Data))
}

// maxFrame bounds a single packet on the wire. SNAP
// payloads carry a whole (compressed) snapshot, so
// this is much larger than a typical proposal.
const maxFrame = 256 << 20 // 256 MB

// writePacket frames qp onto w:
// u32 framelen | u32 type | i64 zxid | u32 dlen | data | u32 alen | auth.
// All fixed-width fields are big-endian per the wire contract.
func writePacket(w io.Writer, qp *QuorumPacket) (err error) {
	dlen := len(qp.Data)
	alen := len(qp.Auth)
	n := 4 + 8 + 4 + dlen + 4 + alen
	buf := make([]byte, 4+n)
	binary.BigEndian.PutUint32(buf[0:4], uint32(n))
	binary.BigEndian.PutUint32(buf[4:8], uint32(qp.Type))
	binary.BigEndian.PutUint64(buf[8:16], uint64(qp.Zxid))
	binary.BigEndian.PutUint32(buf[16:20], uint32(dlen))
	copy(buf[20:20+dlen], qp.Data)
	binary.BigEndian.PutUint32(buf[20+dlen:24+dlen], uint32(alen))
	copy(buf[24+dlen:], qp.Auth)
	_, err = w.Write(buf)
	return
}

// readPacket reads one framed packet off r. io.EOF
// comes back clean when the peer closed between
// packets; a partial frame is ErrUnexpectedEOF.
func readPacket(r io.Reader) (qp *QuorumPacket, err error) {
	var hdr [4]byte
	_, err = io.ReadFull(r, hdr[:])
	if err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n < 20 || n > maxFrame {
		return nil, fmt.Errorf("readPacket: bad frame length %v", n)
	}
	body := make([]byte, n)
	_, err = io.ReadFull(r, body)
	if err != nil {
		return nil, err
	}
	qp = &QuorumPacket{
		Type: PacketType(binary.BigEndian.Uint32(body[0:4])),
		Zxid: int64(binary.BigEndian.Uint64(body[4:12])),
	}
	dlen := binary.BigEndian.Uint32(body[12:16])
	pos := uint32(16)
	if dlen > 0 {
		if pos+dlen+4 > n {
			return nil, fmt.Errorf("readPacket: data length %v overruns frame %v", dlen, n)
		}
		qp.Data = body[pos : pos+dlen]
	}
	pos += dlen
	alen := binary.BigEndian.Uint32(body[pos : pos+4])
	pos += 4
	if alen > 0 {
		if pos+alen > n {
			return nil, fmt.Errorf("readPacket: auth length %v overruns frame %v", alen, n)
		}
		qp.Auth = body[pos : pos+alen]
	}
	return qp, nil
}

// StateSummary is the (currentEpoch, lastZxid) pair a
// follower presents with its ACKEPOCH, and that the
// leader compares against its own.
type StateSummary struct {
	CurrentEpoch int64 `zid:"0"`
	LastZxid     int64 `zid:"1"`
}

// IsMoreRecentThan orders summaries: higher epoch
// wins; within an epoch, higher zxid wins.
func (ss *StateSummary) IsMoreRecentThan(other *StateSummary) bool {
	if ss.CurrentEpoch != other.CurrentEpoch {
		return ss.CurrentEpoch > other.CurrentEpoch
	}
	return ss.LastZxid > other.LastZxid
}

func (ss *StateSummary) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.AppendArrayHeader(b, 2)
	o = msgp.AppendInt64(o, ss.CurrentEpoch)
	o = msgp.AppendInt64(o, ss.LastZxid)
	return
}

func (ss *StateSummary) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var n uint32
	n, o, err = msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return
	}
	if n != 2 {
		return o, fmt.Errorf("StateSummary: bad field count %v", n)
	}
	if ss.CurrentEpoch, o, err = msgp.ReadInt64Bytes(o); err != nil {
		return
	}
	ss.LastZxid, o, err = msgp.ReadInt64Bytes(o)
	return
}

// LearnerInfo is the FOLLOWERINFO / OBSERVERINFO
// payload; the packet's zxid carries the peer's
// accepted epoch in its high half.
type LearnerInfo struct {
	SID             int64 `zid:"0"`
	ProtocolVersion int32 `zid:"1"`
	ConfigVersion   int64 `zid:"2"`
}

func (li *LearnerInfo) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.AppendArrayHeader(b, 3)
	o = msgp.AppendInt64(o, li.SID)
	o = msgp.AppendInt32(o, li.ProtocolVersion)
	o = msgp.AppendInt64(o, li.ConfigVersion)
	return
}

func (li *LearnerInfo) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var n uint32
	n, o, err = msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return
	}
	if n != 3 {
		return o, fmt.Errorf("LearnerInfo: bad field count %v", n)
	}
	if li.SID, o, err = msgp.ReadInt64Bytes(o); err != nil {
		return
	}
	if li.ProtocolVersion, o, err = msgp.ReadInt32Bytes(o); err != nil {
		return
	}
	li.ConfigVersion, o, err = msgp.ReadInt64Bytes(o)
	return
}

// SnapHeader is the SNAP payload: a whole compressed
// snapshot of the replicated state with a blake3
// checksum of the uncompressed bytes.
type SnapHeader struct {
	LastZxid        int64  `zid:"0"`
	UncompressedLen int64  `zid:"1"`
	Blake3          string `zid:"2"`
	Compressed      []byte `zid:"3"`
}

func (sh *SnapHeader) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.AppendArrayHeader(b, 4)
	o = msgp.AppendInt64(o, sh.LastZxid)
	o = msgp.AppendInt64(o, sh.UncompressedLen)
	o = msgp.AppendString(o, sh.Blake3)
	o = msgp.AppendBytes(o, sh.Compressed)
	return
}

func (sh *SnapHeader) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var n uint32
	n, o, err = msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return
	}
	if n != 4 {
		return o, fmt.Errorf("SnapHeader: bad field count %v", n)
	}
	if sh.LastZxid, o, err = msgp.ReadInt64Bytes(o); err != nil {
		return
	}
	if sh.UncompressedLen, o, err = msgp.ReadInt64Bytes(o); err != nil {
		return
	}
	if sh.Blake3, o, err = msgp.ReadStringBytes(o); err != nil {
		return
	}
	sh.Compressed, o, err = msgp.ReadBytesBytes(o, nil)
	return
}

// ping payloads: the follower piggybacks the client
// sessions it is watching as a sid -> timeout map.

func marshalPingSessions(m map[int64]int32) (o []byte) {
	o = msgp.AppendMapHeader(nil, uint32(len(m)))
	// sorted for determinism
	var sids []int64
	for sid := range m {
		sids = append(sids, sid)
	}
	sort.Slice(sids, func(i, j int) bool { return sids[i] < sids[j] })
	for _, sid := range sids {
		o = msgp.AppendInt64(o, sid)
		o = msgp.AppendInt32(o, m[sid])
	}
	return
}

func unmarshalPingSessions(by []byte) (m map[int64]int32, err error) {
	if len(by) == 0 {
		return nil, nil
	}
	var sz uint32
	var o []byte
	sz, o, err = msgp.ReadMapHeaderBytes(by)
	if err != nil {
		return
	}
	m = make(map[int64]int32, sz)
	for i := uint32(0); i < sz; i++ {
		var sid int64
		var to int32
		if sid, o, err = msgp.ReadInt64Bytes(o); err != nil {
			return
		}
		if to, o, err = msgp.ReadInt32Bytes(o); err != nil {
			return
		}
		m[sid] = to
	}
	return
}

// revalidate payloads keep the original fixed-width
// layout: request is {sessionID:i64, timeout:i32};
// the reply appends a validity byte.

func marshalRevalidateReq(sessionID int64, timeout int32) []byte {
	by := make([]byte, 12)
	binary.BigEndian.PutUint64(by[0:8], uint64(sessionID))
	binary.BigEndian.PutUint32(by[8:12], uint32(timeout))
	return by
}

func unmarshalRevalidateReq(by []byte) (sessionID int64, timeout int32, err error) {
	if len(by) < 12 {
		return 0, 0, fmt.Errorf("revalidate payload too short: %v bytes", len(by))
	}
	sessionID = int64(binary.BigEndian.Uint64(by[0:8]))
	timeout = int32(binary.BigEndian.Uint32(by[8:12]))
	return
}

func marshalRevalidateReply(sessionID int64, valid bool) []byte {
	by := make([]byte, 9)
	binary.BigEndian.PutUint64(by[0:8], uint64(sessionID))
	if valid {
		by[8] = 1
	}
	return by
}

// designatedLeaderPayload prefixes the 8-byte
// big-endian designated leader sid, as the original
// COMMITANDACTIVATE / INFORMANDACTIVATE layout does.
func designatedLeaderPayload(designated int64, rest []byte) []byte {
	by := make([]byte, 8+len(rest))
	binary.BigEndian.PutUint64(by[0:8], uint64(designated))
	copy(by[8:], rest)
	return by
}

func splitDesignatedLeaderPayload(by []byte) (designated int64, rest []byte, err error) {
	if len(by) < 8 {
		return 0, nil, fmt.Errorf("activate payload too short: %v bytes", len(by))
	}
	designated = int64(binary.BigEndian.Uint64(by[0:8]))
	rest = by[8:]
	return
}
