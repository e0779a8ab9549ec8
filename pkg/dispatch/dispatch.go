// Package dispatch implements the Message Dispatcher (MD, §4.5):
// classification and routing of inbound group notifies, the skip rule
// for not-yet-joined nodes, and the FIN VdiOp pending-request wakeup.
package dispatch

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/distsheep/sheepd/pkg/cluster"
	"github.com/distsheep/sheepd/pkg/epochlog"
	"github.com/distsheep/sheepd/pkg/groupdriver"
	"github.com/distsheep/sheepd/pkg/join"
	"github.com/distsheep/sheepd/pkg/log"
	"github.com/distsheep/sheepd/pkg/vdi"
	"github.com/distsheep/sheepd/pkg/wire"
)

// PendingList tracks outstanding VdiOp requests this node originated and
// is waiting to see echoed back as a FIN notify (§4.7 step 2), keyed by
// VDI name.
type PendingList interface {
	// Take removes and returns the Request waiting on name, if any.
	Take(name string) (*wire.Request, bool)
}

// Dispatcher is the Message Dispatcher. It owns no state of its own
// beyond what it needs to route; Membership, the Join Protocol, the
// epoch log, and the VDI engine are all injected collaborators.
type Dispatcher struct {
	mem    *cluster.Membership
	proto  *join.Protocol
	el     *epochlog.Gateway
	engine vdi.Engine
	driver groupdriver.Driver

	self cluster.NodeId

	// recoveryTrigger fires when a membership event completes with a
	// new OK epoch, the "trigger recovery" boundary of §1 (the
	// recovery subsystem itself is out of scope).
	recoveryTrigger func(epoch uint32, nodes []cluster.NodeEntry)

	log *zap.Logger
}

// New builds a Dispatcher. recoveryTrigger may be nil.
func New(mem *cluster.Membership, proto *join.Protocol, el *epochlog.Gateway, engine vdi.Engine, driver groupdriver.Driver, self cluster.NodeId, recoveryTrigger func(uint32, []cluster.NodeEntry)) *Dispatcher {
	return &Dispatcher{
		mem:             mem,
		proto:           proto,
		el:              el,
		engine:          engine,
		driver:          driver,
		self:            self,
		recoveryTrigger: recoveryTrigger,
		log:             log.Named("dispatch"),
	}
}

// ShouldSkip implements §4.5's skip rule: before this node has finished
// joining, any notify whose sheepid does not equal self is skipped,
// unless it is a MasterTransfer.
func (d *Dispatcher) ShouldSkip(msg *wire.Message) bool {
	if d.proto.JoinFinished() {
		return false
	}
	if msg.Header.Op == wire.OpMasterTransfer {
		return false
	}
	return !msg.Header.SheepId.Equal(d.self)
}

// HandleNotifyStage1 runs the worker-side half of notify dispatch
// (§4.5): at the master, INIT Join/VdiOp messages get their response
// computed and staged in place for stage-2 to rebroadcast as FIN.
func (d *Dispatcher) HandleNotifyStage1(msg *wire.Message) error {
	isMaster := d.mem.IsMaster(d.self)

	switch msg.Header.Op {
	case wire.OpJoin:
		if msg.Header.State == wire.StateInit && isMaster {
			body := msg.Body.(*wire.JoinBody)
			d.proto.ArbitrateInit(body, msg.Header.From, msg.Header.ProtoVer)
			msg.Header.State = wire.StateFin
		}
	case wire.OpVdiOp:
		if msg.Header.State == wire.StateInit && isMaster {
			d.runVdiOp(msg.Body.(*wire.VdiOpBody))
			msg.Header.State = wire.StateFin
		}
	}
	return nil
}

func (d *Dispatcher) runVdiOp(body *wire.VdiOpBody) {
	switch body.Kind {
	case wire.VdiAdd:
		info, err := d.engine.Add(body.Name, body.Ctime, body.Copies)
		body.Result = resultOf(err)
		_ = info
	case wire.VdiDel:
		body.Result = resultOf(d.engine.Del(body.Name))
	case wire.VdiLookup:
		info, err := d.engine.Lookup(body.Name)
		body.Result = resultOf(err)
		if err == nil {
			body.OutData = encodeVdiInfo(info)
		}
	case wire.VdiAttr:
		info, err := d.engine.Attr(body.Name)
		body.Result = resultOf(err)
		if err == nil {
			body.OutData = encodeVdiInfo(info)
		}
	case wire.VdiMakeFs:
		body.Result = resultOf(d.engine.MakeFs())
	}
}

func resultOf(err error) wire.Result {
	if err == nil {
		return wire.Success
	}
	if err == vdi.ErrNotFound {
		return wire.NoTag
	}
	if err == vdi.ErrExists {
		return wire.InvalidEpoch
	}
	return wire.SystemError
}

// encodeVdiInfo is a minimal, dependency-free placeholder for the VDI
// metadata payload format, which §1 explicitly leaves to the (external)
// VDI engine to define.
func encodeVdiInfo(info vdi.Info) []byte { return []byte(info.Name) }

// HandleNotifyStage2 runs on the main context: FIN Join cluster-info
// application (with VDI bitmap resync), FIN VdiOp pending-request
// wakeup, and FIN Leave/MasterTransfer handling.
func (d *Dispatcher) HandleNotifyStage2(ctx context.Context, msg *wire.Message, pending PendingList) error {
	switch msg.Header.Op {
	case wire.OpJoin:
		if msg.Header.State != wire.StateFin {
			return nil
		}
		return d.applyJoinFin(ctx, msg)

	case wire.OpVdiOp:
		if msg.Header.State != wire.StateFin {
			return nil
		}
		return d.wakePendingVdiOp(msg, pending)

	case wire.OpLeave:
		return d.applyLeave(msg)

	case wire.OpMasterTransfer:
		d.proto.ApplyMasterTransfer(msg.Header.From)
		return nil
	}
	return nil
}

func (d *Dispatcher) applyJoinFin(ctx context.Context, msg *wire.Message) error {
	isJoiner := msg.Header.SheepId.Equal(d.self)
	wasOK := d.proto.Status() == cluster.OK

	if err := d.proto.UpdateClusterInfo(msg, isJoiner); err != nil {
		return err
	}

	if !wasOK && d.proto.Status() == cluster.OK {
		d.resyncVdiBitmap(ctx)
		if d.recoveryTrigger != nil {
			snapshot, _ := d.el.Read(d.proto.Epoch())
			d.recoveryTrigger(d.proto.Epoch(), snapshot)
		}
	}
	return nil
}

// resyncVdiBitmap sends a "bitmap-pull" request to every other in_cluster
// member over the driver's point-to-point Unicast (grounded on
// memberlist.SendReliable). It does not read any reply, and nothing is
// merged into the local VDI bitmap here.
func (d *Dispatcher) resyncVdiBitmap(ctx context.Context) {
	for _, n := range d.mem.InClusterNodes() {
		if ctx.Err() != nil {
			return
		}
		if n.Id.Equal(d.self) {
			continue
		}
		if err := d.driver.Unicast(n.Id, []byte("bitmap-pull")); err != nil {
			d.log.Debug("bitmap pull unicast failed", zap.String("peer", n.Id.String()), zap.Error(err))
		}
	}
}

func (d *Dispatcher) wakePendingVdiOp(msg *wire.Message, pending PendingList) error {
	body, ok := msg.Body.(*wire.VdiOpBody)
	if !ok {
		return errors.New("dispatch: FIN VdiOp missing body")
	}
	if !msg.Header.SheepId.Equal(d.self) {
		return nil
	}
	req, found := pending.Take(body.Name)
	if !found {
		d.log.Debug("no pending request for completed VdiOp", zap.String("name", body.Name))
		return nil
	}
	req.Reply <- wire.RequestResult{Result: body.Result, Data: body.OutData}
	return nil
}

// applyLeave handles a graceful Op=Leave FIN, the departing node's own
// "I am leaving" announcement (grounded on the original's SD_MSG_LEAVE
// case in __sd_notify_done): the node is removed from in_cluster, and if
// the cluster is currently OK the epoch is bumped and persisted
// immediately and recovery is triggered, exactly as a driver-detected
// leave is (join.Protocol.ApplyLeave implements both the epoch-bump and
// the fall-through leave_list bookkeeping a WaitForJoin cluster still
// needs).
func (d *Dispatcher) applyLeave(msg *wire.Message) error {
	body, ok := msg.Body.(*wire.LeaveBody)
	if !ok {
		return errors.New("dispatch: Leave missing body")
	}

	left, wasMember := d.mem.FindInCluster(msg.Header.SheepId)
	if !wasMember {
		d.log.Debug("leave announced for unknown node", zap.String("entry", body.Entry.String()))
		return nil
	}
	d.mem.Remove(msg.Header.SheepId)
	remaining := d.mem.OrderedInCluster()

	trigger, err := d.proto.ApplyLeave(left.Entry, remaining)
	if err != nil {
		return err
	}
	if trigger && d.recoveryTrigger != nil {
		d.recoveryTrigger(d.proto.Epoch(), remaining)
	}
	return nil
}
