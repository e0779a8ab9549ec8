// Package wire defines the message/request data model of §3 and §6: the
// common Message header, op-specific bodies (Join/Leave/VdiOp/MasterTransfer/
// MasterChanged), the client Request header contract, and a gob-based codec
// for the driver-internal payloads (the client wire format itself is out of
// scope per §1).
package wire

import (
	"bytes"
	"encoding/gob"

	"github.com/distsheep/sheepd/pkg/cluster"
)

// Op identifies the message body carried by a Message (§6).
type Op uint8

const (
	OpJoin           Op = 0x01
	OpVdiOp          Op = 0x02
	OpMasterChanged  Op = 0x03
	OpLeave          Op = 0x04
	OpMasterTransfer Op = 0x05
)

func (o Op) String() string {
	switch o {
	case OpJoin:
		return "Join"
	case OpVdiOp:
		return "VdiOp"
	case OpMasterChanged:
		return "MasterChanged"
	case OpLeave:
		return "Leave"
	case OpMasterTransfer:
		return "MasterTransfer"
	default:
		return "Unknown"
	}
}

// State is the two-phase dialog marker carried in every Message (§6).
type State uint8

const (
	StateInit State = 1
	StateCont State = 2
	StateFin  State = 3
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateCont:
		return "CONT"
	case StateFin:
		return "FIN"
	default:
		return "Unknown"
	}
}

// ProtoVer is the protocol version checked on every inbound Join (§6).
const ProtoVer uint32 = 1

// Header is the common envelope of every group message (§3).
type Header struct {
	ProtoVer uint32
	Op       Op
	State    State
	MsgLen   uint32
	From     cluster.NodeEntry
	SheepId  cluster.NodeId
}

// JoinBody is the body of an Op=Join message (§4.4).
type JoinBody struct {
	Epoch   uint32
	Ctime   int64
	NrSobjs uint32
	Entries []cluster.NodeEntry

	// populated by the master when arbitrating (§4.4); zero-value on the
	// initial INIT broadcast.
	Result        Result
	ClusterStatus cluster.ClusterStatus
	IncEpoch      bool
	LeaveNodes    []cluster.NodeEntry
}

// LeaveBody is the body of an Op=Leave message.
type LeaveBody struct {
	Entry cluster.NodeEntry
}

// VdiOpKind enumerates the VDI metadata actions routed through Op=VdiOp
// (§4.5, the object/VDI engine itself is an external collaborator per §1).
type VdiOpKind uint8

const (
	VdiAdd VdiOpKind = iota
	VdiDel
	VdiLookup
	VdiAttr
	VdiMakeFs
)

// VdiOpBody is the body of an Op=VdiOp message.
type VdiOpBody struct {
	Kind    VdiOpKind
	Name    string
	Ctime   int64
	Copies  int
	Payload []byte

	Result  Result
	OutData []byte
}

// MasterTransferBody is the (empty) body of an Op=MasterTransfer message.
type MasterTransferBody struct{}

// MasterChangedBody announces a new master to the cluster.
type MasterChangedBody struct {
	NewMaster cluster.NodeEntry
}

// Message is a fully decoded group message: header plus a body that is one
// of *JoinBody, *LeaveBody, *VdiOpBody, *MasterTransferBody,
// *MasterChangedBody depending on Header.Op.
type Message struct {
	Header Header
	Body   interface{}
}

// Encode gob-encodes a Message for transport over the group driver,
// mirroring the teacher's gob-over-bytes.Buffer convention for internal,
// non-client-facing payloads (pkg/gossip/messages.go).
func Encode(m *Message) ([]byte, error) {
	var b bytes.Buffer
	enc := gob.NewEncoder(&b)
	if err := enc.Encode(m.Header); err != nil {
		return nil, err
	}
	if err := enc.Encode(&m.Body); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Decode reverses Encode, reconstructing the concrete body type from
// Header.Op.
func Decode(data []byte) (*Message, error) {
	dec := gob.NewDecoder(bytes.NewReader(data))
	var h Header
	if err := dec.Decode(&h); err != nil {
		return nil, err
	}
	body := newBody(h.Op)
	if err := dec.Decode(&body); err != nil {
		return nil, err
	}
	return &Message{Header: h, Body: body}, nil
}

func newBody(op Op) interface{} {
	switch op {
	case OpJoin:
		return &JoinBody{}
	case OpLeave:
		return &LeaveBody{}
	case OpVdiOp:
		return &VdiOpBody{}
	case OpMasterTransfer:
		return &MasterTransferBody{}
	case OpMasterChanged:
		return &MasterChangedBody{}
	default:
		return &struct{}{}
	}
}

func init() {
	gob.Register(&JoinBody{})
	gob.Register(&LeaveBody{})
	gob.Register(&VdiOpBody{})
	gob.Register(&MasterTransferBody{})
	gob.Register(&MasterChangedBody{})
}
