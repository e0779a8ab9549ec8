// Package admission implements Request Admission (RA, §4.7): the
// cluster-read fast path, the VDI-op gateway wrap for non-master nodes,
// and the copies/busy/recovering/epoch gating for object I/O.
package admission

import (
	"encoding/binary"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/distsheep/sheepd/pkg/cluster"
	"github.com/distsheep/sheepd/pkg/eventqueue"
	"github.com/distsheep/sheepd/pkg/log"
	"github.com/distsheep/sheepd/pkg/status"
	"github.com/distsheep/sheepd/pkg/vdi"
	"github.com/distsheep/sheepd/pkg/wire"
)

// IOPool is the boundary to a worker pool (`io` or `gateway` in §5).
// The real pools are wired in pkg/sheep on top of golang.org/x/sync's
// errgroup; tests use a synchronous pool.
type IOPool interface {
	Submit(fn func())
}

// SyncPool runs every job inline; a trivial IOPool for single-threaded
// tests and for the out-of-scope object-data execution this module never
// performs itself.
type SyncPool struct{}

func (SyncPool) Submit(fn func()) { fn() }

// NrSobjs is the cluster's configured replication factor, read live so
// config reloads take effect without restarting Admission.
type NrSobjs func() int

// Admission wires Membership, the VDI engine boundary, the vnode ring
// and the group driver together to service client Requests.
type Admission struct {
	mem       *cluster.Membership
	ring      *cluster.VnodeRing
	engine    vdi.Engine
	epoch     func() uint32
	isMaster  func() bool
	nrSobjs   NrSobjs
	self      cluster.NodeId
	selfEntry cluster.NodeEntry

	broadcast func(msg *wire.Message) error
	pending   *PendingList
	limiter   *rate.Limiter

	ioPool      IOPool
	gatewayPool IOPool

	mu          sync.Mutex
	outstanding map[string]int // busy count per VDI name, excludes recovery reads
	waitForObj  map[string][]*wire.Request

	log *zap.Logger
}

// Config bundles Admission's construction-time collaborators.
type Config struct {
	Membership *cluster.Membership
	Ring       *cluster.VnodeRing
	Engine     vdi.Engine
	Epoch      func() uint32
	IsMaster   func() bool
	NrSobjs    NrSobjs
	Self       cluster.NodeId
	SelfEntry  cluster.NodeEntry
	Broadcast  func(msg *wire.Message) error
	Pending    *PendingList
	IOPool     IOPool
	GatewayPool IOPool
}

// New builds an Admission. A nil IOPool/GatewayPool defaults to SyncPool.
// The limiter paces every VdiOp admission at 10/s with a burst of 5; a
// VdiOp over the limit yields AdmitRetry and goes to the "short retry
// list" of §4.6 step 6 instead of busy-looping the caller.
func New(cfg Config) *Admission {
	ioPool, gatewayPool := cfg.IOPool, cfg.GatewayPool
	if ioPool == nil {
		ioPool = SyncPool{}
	}
	if gatewayPool == nil {
		gatewayPool = SyncPool{}
	}
	return &Admission{
		mem:         cfg.Membership,
		ring:        cfg.Ring,
		engine:      cfg.Engine,
		epoch:       cfg.Epoch,
		isMaster:    cfg.IsMaster,
		nrSobjs:     cfg.NrSobjs,
		self:        cfg.Self,
		selfEntry:   cfg.SelfEntry,
		broadcast:   cfg.Broadcast,
		pending:     cfg.Pending,
		limiter:     rate.NewLimiter(rate.Limit(10), 5),
		ioPool:      ioPool,
		gatewayPool: gatewayPool,
		outstanding: make(map[string]int),
		waitForObj:  make(map[string][]*wire.Request),
		log:         log.Named("admission"),
	}
}

// Admit implements §4.7's four-step decision for a single Request.
func (a *Admission) Admit(req *wire.Request) eventqueue.AdmitResult {
	switch {
	case req.Opcode.IsClusterRead():
		a.answerClusterRead(req)
		return eventqueue.AdmitHandled
	case req.Opcode.IsVdiOp():
		return a.admitVdiOp(req)
	default:
		return a.admitObjectIO(req)
	}
}

func (a *Admission) answerClusterRead(req *wire.Request) {
	var data []byte
	result := wire.Success
	switch req.Opcode {
	case wire.OpGetNodeList:
		encoded, err := wire.EncodeEntries(a.mem.OrderedInCluster())
		if err != nil {
			result = wire.SystemError
			break
		}
		data = encoded
	case wire.OpGetEpoch:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], a.epoch())
		data = b[:]
	case wire.OpStatCluster:
		data = []byte(cluster.OK.String())
	}
	req.Reply <- wire.RequestResult{Result: result, Data: data}
}

// admitVdiOp implements §4.7 step 2: wrap, track, broadcast. This node
// being master is not special-cased here — the Message Dispatcher's
// stage-1 only runs the action when the INIT it loops back through the
// driver's self-delivery is examined at a master, which is exactly what
// happens whether "master" is this node or a peer.
func (a *Admission) admitVdiOp(req *wire.Request) eventqueue.AdmitResult {
	if !a.limiter.Allow() {
		return eventqueue.AdmitRetry
	}
	body := &wire.VdiOpBody{
		Kind:    vdiKindOf(req.Opcode),
		Name:    req.Name,
		Copies:  a.copies(),
		Payload: req.Payload,
	}
	msg := &wire.Message{
		Header: wire.Header{
			ProtoVer: wire.ProtoVer,
			Op:       wire.OpVdiOp,
			State:    wire.StateInit,
			From:     a.selfEntry,
			SheepId:  a.self,
		},
		Body: body,
	}
	a.pending.Track(req.Name, req)
	if err := a.broadcast(msg); err != nil {
		a.pending.Untrack(req.Name)
		a.log.Warn("vdiop broadcast failed, retrying", zap.String("name", req.Name), zap.Error(err))
		return eventqueue.AdmitRetry
	}
	return eventqueue.AdmitHandled
}

func vdiKindOf(op wire.Opcode) wire.VdiOpKind {
	switch op {
	case wire.OpVdiAdd:
		return wire.VdiAdd
	case wire.OpVdiDel:
		return wire.VdiDel
	case wire.OpVdiAttr:
		return wire.VdiAttr
	case wire.OpVdiMakeFs:
		return wire.VdiMakeFs
	default:
		return wire.VdiLookup
	}
}

// copies computes min(nr_sobjs, nr_zones) per §4.7 step 3.
func (a *Admission) copies() int {
	want := a.nrSobjs()
	zones := a.nrZones()
	if zones < want {
		return zones
	}
	return want
}

func (a *Admission) nrZones() int {
	seen := make(map[uint32]bool)
	for _, e := range a.mem.OrderedInCluster() {
		seen[e.Zone] = true
	}
	return len(seen)
}

// admitObjectIO implements §4.7 step 3's object I/O gating.
func (a *Admission) admitObjectIO(req *wire.Request) eventqueue.AdmitResult {
	owners := a.ring.Owners(req.Oid, a.copies())
	local := false
	for _, o := range owners {
		if o.Equal(a.selfEntry) {
			local = true
			break
		}
	}

	if a.engine.IsRecovering(req.Name) {
		if req.Flags.Has(wire.CmdDirect) {
			req.Reply <- wire.RequestResult{Result: wire.NewNodeVer}
			return eventqueue.AdmitHandled
		}
		a.park(req)
		return eventqueue.AdmitHandled
	}

	if !req.Flags.Has(wire.CmdRecovery) && a.isBusy(req.Name) {
		a.park(req)
		return eventqueue.AdmitHandled
	}

	if req.Epoch != a.epoch() && local {
		result := wire.OldNodeVer
		if status.After(a.epoch(), req.Epoch) {
			result = wire.NewNodeVer
		}
		req.Reply <- wire.RequestResult{Result: result}
		return eventqueue.AdmitHandled
	}

	pool := a.gatewayPool
	if local {
		pool = a.ioPool
	}
	a.markBusy(req.Name, true)
	pool.Submit(func() {
		// Object data I/O itself is the external VDI engine's concern
		// (§1 Non-goals); admission's job ends at placement + gating.
		req.Reply <- wire.RequestResult{Result: wire.Success}
		a.markBusy(req.Name, false)
		a.wakeParked(req.Name)
	})
	return eventqueue.AdmitHandled
}

// Outstanding reports the total number of in-flight object I/O operations
// across every VDI, the OutstandingIO hook the Event Queue uses to avoid
// mutating the vnode ring while I/O is in flight (§4.6 step 8).
func (a *Admission) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, n := range a.outstanding {
		total += n
	}
	return total
}

func (a *Admission) isBusy(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outstanding[name] > 0
}

func (a *Admission) markBusy(name string, busy bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if busy {
		a.outstanding[name]++
	} else if a.outstanding[name] > 0 {
		a.outstanding[name]--
	}
}

func (a *Admission) park(req *wire.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.waitForObj[req.Name] = append(a.waitForObj[req.Name], req)
}

// wakeParked re-admits every request parked on name. It runs after each
// completed object I/O on name, whether or not other I/O on name is still
// outstanding. Requests are re-submitted through Admit rather than
// answered directly, so a woken request observes current state (and parks
// again if name is still busy or recovering).
func (a *Admission) wakeParked(name string) {
	a.mu.Lock()
	waiting := a.waitForObj[name]
	delete(a.waitForObj, name)
	a.mu.Unlock()

	for _, req := range waiting {
		a.Admit(req)
	}
}
