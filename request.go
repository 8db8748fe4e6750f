package zab

import (
	"fmt"

	"github.com/glycerine/greenpack/msgp"
)

// Operation codes for the mutations the leader
// orders. The leader core only special-cases
// OpReconfig; everything else is opaque payload to
// the replicated state.
const (
	OpCreate   int32 = 1
	OpDelete   int32 = 2
	OpSetData  int32 = 5
	OpSync     int32 = 9
	OpError    int32 = -1
	OpReconfig int32 = 16
)

// Request is the originating-request metadata a
// proposal carries: who asked, what op, and the
// serialized mutation. For reconfigs the new
// MemberConfig rides along so commit can activate it
// without reparsing the payload.
type Request struct {
	SessionID int64  `zid:"0"`
	Cxid      int32  `zid:"1"`
	Op        int32  `zid:"2"`
	Zxid      int64  `zid:"3"`
	Data      []byte `zid:"4"`

	Reconfig *MemberConfig `zid:"5"`

	// Throttled marks a request the upstream limiter
	// rejected; proposing one is a fatal internal error.
	Throttled bool `msg:"-"`
}

func (r *Request) String() string {
	return fmt.Sprintf("Request{op:%v zxid:%v sess:0x%x cxid:%v dlen:%v}", r.Op, zxid2str(r.Zxid), r.SessionID, r.Cxid, len(r.Data))
}

func (r *Request) IsReconfig() bool {
	return r.Op == OpReconfig
}

// SerializeData renders the request as a PROPOSAL
// payload.
func (r *Request) SerializeData() []byte {
	by, err := r.MarshalMsg(nil)
	panicOn(err)
	return by
}

func (r *Request) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.AppendArrayHeader(b, 6)
	o = msgp.AppendInt64(o, r.SessionID)
	o = msgp.AppendInt32(o, r.Cxid)
	o = msgp.AppendInt32(o, r.Op)
	o = msgp.AppendInt64(o, r.Zxid)
	o = msgp.AppendBytes(o, r.Data)
	if r.Reconfig == nil {
		o = msgp.AppendBytes(o, nil)
		return
	}
	var mcby []byte
	mcby, err = r.Reconfig.MarshalMsg(nil)
	if err != nil {
		return
	}
	o = msgp.AppendBytes(o, mcby)
	return
}

func (r *Request) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var n uint32
	n, o, err = msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return
	}
	if n != 6 {
		return o, fmt.Errorf("Request: bad field count %v", n)
	}
	if r.SessionID, o, err = msgp.ReadInt64Bytes(o); err != nil {
		return
	}
	if r.Cxid, o, err = msgp.ReadInt32Bytes(o); err != nil {
		return
	}
	if r.Op, o, err = msgp.ReadInt32Bytes(o); err != nil {
		return
	}
	if r.Zxid, o, err = msgp.ReadInt64Bytes(o); err != nil {
		return
	}
	if r.Data, o, err = msgp.ReadBytesBytes(o, nil); err != nil {
		return
	}
	var mcby []byte
	if mcby, o, err = msgp.ReadBytesBytes(o, nil); err != nil {
		return
	}
	if len(mcby) > 0 {
		r.Reconfig = &MemberConfig{}
		if _, err = r.Reconfig.UnmarshalMsg(mcby); err != nil {
			return
		}
	}
	return
}

// UnmarshalRequest decodes a PROPOSAL or REQUEST payload.
func UnmarshalRequest(by []byte) (r *Request, err error) {
	r = &Request{}
	_, err = r.UnmarshalMsg(by)
	if err != nil {
		return nil, err
	}
	return r, nil
}
