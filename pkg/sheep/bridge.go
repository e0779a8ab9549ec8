package sheep

import (
	"context"

	"go.uber.org/zap"

	"github.com/distsheep/sheepd/pkg/cluster"
	"github.com/distsheep/sheepd/pkg/eventqueue"
	"github.com/distsheep/sheepd/pkg/groupdriver"
	"github.com/distsheep/sheepd/pkg/join"
	"github.com/distsheep/sheepd/pkg/log"
	"github.com/distsheep/sheepd/pkg/partition"
	"github.com/distsheep/sheepd/pkg/wire"
)

// driverBridge implements groupdriver.Handlers, translating every driver
// callback straight into an Event Queue entry (§4.6, §6). It owns no
// domain logic of its own: that lives in membershipBridge and
// dispatch.Dispatcher, which the queue calls back into.
type driverBridge struct {
	queue *eventqueue.Queue
	log   *zap.Logger
}

var _ groupdriver.Handlers = (*driverBridge)(nil)

func (b *driverBridge) OnJoin(joinedID cluster.NodeId, members []cluster.NodeId) {
	b.queue.Enqueue(eventqueue.NewJoinEvent(joinedID, members))
}

func (b *driverBridge) OnLeave(leftID cluster.NodeId, members []cluster.NodeId) {
	b.queue.Enqueue(eventqueue.NewLeaveEvent(leftID, members))
}

func (b *driverBridge) OnNotify(sender cluster.NodeId, payload []byte) {
	msg, err := wire.Decode(payload)
	if err != nil {
		b.log.Warn("cannot decode notify payload", zap.String("sender", sender.String()), zap.Error(err))
		return
	}
	b.queue.Enqueue(eventqueue.NewNotifyEvent(msg))
}

// membershipBridge implements eventqueue.MembershipHandler, the Join
// Protocol and Partition Guard orchestration a driver Join/Leave callback
// triggers (§4.1, §4.4, §4.8).
type membershipBridge struct {
	mem    *cluster.Membership
	ring   *cluster.VnodeRing
	proto  *join.Protocol
	driver groupdriver.Driver
	guard  *partition.Guard

	self      cluster.NodeId
	selfEntry cluster.NodeEntry
	nrSobjs   func() int

	recovery func(epoch uint32, nodes []cluster.NodeEntry)

	log *zap.Logger
}

var _ eventqueue.MembershipHandler = (*membershipBridge)(nil)

func newMembershipBridge(mem *cluster.Membership, ring *cluster.VnodeRing, proto *join.Protocol, driver groupdriver.Driver, guard *partition.Guard, self cluster.NodeId, selfEntry cluster.NodeEntry, nrSobjs func() int, recovery func(uint32, []cluster.NodeEntry)) *membershipBridge {
	return &membershipBridge{
		mem:       mem,
		ring:      ring,
		proto:     proto,
		driver:    driver,
		guard:     guard,
		self:      self,
		selfEntry: selfEntry,
		nrSobjs:   nrSobjs,
		recovery:  recovery,
		log:       log.Named("sheep.membership"),
	}
}

// HandleJoin implements §4.4 Phase 1: this node's own first appearance in
// the driver's membership bootstraps or broadcasts an INIT; any other
// node's appearance is merely recorded in pre_cluster, awaiting its own
// INIT/FIN dialog.
func (b *membershipBridge) HandleJoin(joinedID cluster.NodeId, members []cluster.NodeId) error {
	if !joinedID.Equal(b.self) {
		b.mem.AddPre(joinedID)
		return nil
	}

	// This node's entry must already be in pre_cluster before a FIN
	// arrives naming it, or join.Protocol.UpdateClusterInfo's
	// mem.Promote call (step 5) has nothing to promote.
	b.mem.AddPre(b.self)
	b.mem.SetPreEntry(b.self, b.selfEntry)

	if len(members) == 1 {
		trigger, err := b.proto.BootstrapFirstNode(b.self, b.selfEntry)
		if err != nil {
			return err
		}
		b.rebuildRing()
		b.fireRecovery(trigger)
		return nil
	}

	msg := b.proto.BuildInit(b.selfEntry, b.self, uint32(b.nrSobjs()))
	payload, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return b.driver.Notify(payload)
}

// HandleLeave implements §4.8's driver-detected leave path: the Partition
// Guard runs before the Join Protocol commits an epoch bump, so a
// fail-stop preempts a split-brain epoch advance.
func (b *membershipBridge) HandleLeave(leftID cluster.NodeId, members []cluster.NodeId) error {
	left, wasMember := b.mem.FindInCluster(leftID)
	n := b.mem.Size()
	b.mem.Remove(leftID)
	if !wasMember {
		return nil
	}

	remaining := b.mem.OrderedInCluster()
	b.guard.CheckOnLeave(context.Background(), n, left, otherEntries(remaining, b.selfEntry))

	trigger, err := b.proto.ApplyLeave(left, remaining)
	if err != nil {
		return err
	}
	b.rebuildRing()
	b.fireRecovery(trigger)
	return nil
}

func (b *membershipBridge) rebuildRing() {
	if b.ring == nil {
		return
	}
	b.ring.Rebuild(b.mem.OrderedInCluster())
}

func (b *membershipBridge) fireRecovery(trigger bool) {
	if !trigger || b.recovery == nil {
		return
	}
	b.recovery(b.proto.Epoch(), b.mem.OrderedInCluster())
}

// otherEntries returns remaining minus self, the peer set the Partition
// Guard actually dials (§4.8).
func otherEntries(remaining []cluster.NodeEntry, self cluster.NodeEntry) []cluster.NodeEntry {
	out := make([]cluster.NodeEntry, 0, len(remaining))
	for _, e := range remaining {
		if e.Equal(self) {
			continue
		}
		out = append(out, e)
	}
	return out
}
