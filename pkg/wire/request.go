package wire

import (
	"github.com/google/uuid"

	"github.com/distsheep/sheepd/pkg/cluster"
)

// Opcode is the client request opcode (§6). Only the cluster-level and
// object-I/O opcodes Request Admission needs to discriminate on are named
// here; the full client opcode space belongs to the request parser, an
// external collaborator per §1.
type Opcode uint8

const (
	OpGetNodeList Opcode = iota
	OpGetEpoch
	OpStatCluster
	OpVdiLookup
	OpVdiAdd
	OpVdiDel
	OpVdiAttr
	OpVdiMakeFs
	OpRead
	OpWrite
	OpCreateAndWrite
)

// IsClusterRead reports whether opcode is answered synchronously from
// local state (§4.7 step 1).
func (o Opcode) IsClusterRead() bool {
	switch o {
	case OpGetNodeList, OpGetEpoch, OpStatCluster:
		return true
	default:
		return false
	}
}

// IsVdiOp reports whether opcode is a VDI metadata operation (§4.7 step 2).
func (o Opcode) IsVdiOp() bool {
	switch o {
	case OpVdiLookup, OpVdiAdd, OpVdiDel, OpVdiAttr, OpVdiMakeFs:
		return true
	default:
		return false
	}
}

// Flags are the client request header's notable bits (§6).
type Flags uint16

const (
	CmdWrite Flags = 1 << iota
	CmdDirect
	CmdRecovery
	CmdCreat
	CmdExcl
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Request is a pending client request (§3), queued on the Event Queue
// alongside membership events.
type Request struct {
	ID      uuid.UUID
	Opcode  Opcode
	Epoch   uint32
	Flags   Flags
	Payload []byte

	// Name is the target VDI's name, already decoded by the (external,
	// out of scope per §1) request parser for both VdiOp metadata calls
	// and object I/O, the latter needing it purely for busy/recovering
	// gating (§4.7 step 3).
	Name string

	Oid      uint64
	CowOid   uint64
	NrVnodes uint16
	NrZones  uint16

	EntryList []cluster.NodeEntry

	// Reply receives exactly one RequestResult (it is not closed) when the
	// request has been fully serviced, by either the synchronous fast path
	// or an asynchronous VdiOp FIN notify (§4.5).
	Reply chan RequestResult
}

// RequestResult is delivered on Request.Reply once a Request completes.
type RequestResult struct {
	Result Result
	Data   []byte
}

// NewRequest allocates a Request with its reply channel ready.
func NewRequest(opcode Opcode, epoch uint32, flags Flags, oid uint64) *Request {
	return &Request{
		ID:     uuid.New(),
		Opcode: opcode,
		Epoch:  epoch,
		Flags:  flags,
		Oid:    oid,
		Reply:  make(chan RequestResult, 1),
	}
}
