// Package join implements the Join Protocol (JP, §4.4): the two-phase
// INIT→FIN dialog arbitrated by the current master, cluster-info
// application on FIN, master transfer, and first-node bootstrap.
package join

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/distsheep/sheepd/pkg/cluster"
	"github.com/distsheep/sheepd/pkg/epochlog"
	"github.com/distsheep/sheepd/pkg/log"
	"github.com/distsheep/sheepd/pkg/status"
	"github.com/distsheep/sheepd/pkg/wire"
)

func unixTime(sec int64) time.Time { return time.Unix(sec, 0) }

// Clock returns the cluster ctime seconds used when formatting a new
// cluster, supplied by the caller (typically time.Now().Unix()) so this
// package stays free of direct wall-clock dependence.
type Clock func() int64

// Protocol runs the master-side arbitration and every node's FIN
// application against a Membership and an epochlog.Gateway (§4.4).
type Protocol struct {
	mem   *cluster.Membership
	el    *epochlog.Gateway
	clock Clock

	epoch         uint32
	joinDone      bool
	clusterStatus cluster.ClusterStatus

	// adoptedNrSobjs is the replication factor learned from the first
	// FIN Join this node applies (§4.7), 0 if that FIN carried none; later
	// FINs are not consulted. Callers with no configured preference of their own consult
	// this via AdoptedNrSobjs instead of a static value.
	adoptedNrSobjs uint32

	logger *zap.Logger
}

// New builds a Protocol bound to the given membership and epoch log. The
// node starts in WaitForFormat until a snapshot or a successful FIN says
// otherwise.
func New(mem *cluster.Membership, el *epochlog.Gateway, clock Clock) *Protocol {
	p := &Protocol{
		mem:           mem,
		el:            el,
		clock:         clock,
		epoch:         el.Latest(),
		clusterStatus: cluster.WaitForFormat,
		logger:        log.Named("join"),
	}
	if p.epoch > 0 {
		p.clusterStatus = cluster.OK
	}
	return p
}

// Format stamps the cluster ctime exactly once, transitioning a
// never-formatted node (epoch 0) out of WaitForFormat. Subsequent calls
// are rejected by epochlog.Gateway.SetCtime's once-only guard.
func (p *Protocol) Format() error {
	if err := p.el.SetCtime(unixTime(p.clock())); err != nil {
		return errors.Wrap(err, "join: format failed")
	}
	p.clusterStatus = cluster.WaitForJoin
	return nil
}

// Epoch returns the node's current epoch.
func (p *Protocol) Epoch() uint32 { return p.epoch }

// Status returns the node's current cluster status.
func (p *Protocol) Status() cluster.ClusterStatus { return p.clusterStatus }

// JoinFinished reports whether this node has completed its own Join.
func (p *Protocol) JoinFinished() bool { return p.joinDone }

// AdoptedNrSobjs returns the replication factor learned from a peer's
// Join body, and whether one has been learned yet (§4.7, mirroring the
// original's `if (!sys->nr_sobjs) sys->nr_sobjs = msg->nr_sobjs;`).
func (p *Protocol) AdoptedNrSobjs() (uint32, bool) { return p.adoptedNrSobjs, p.adoptedNrSobjs != 0 }

// BuildInit constructs the INIT Join body a newly-admitted driver member
// broadcasts (§4.4 Phase 1).
func (p *Protocol) BuildInit(from cluster.NodeEntry, sheepID cluster.NodeId, nrSobjs uint32) *wire.Message {
	entries := p.mem.OrderedInCluster()
	ctime, _ := p.el.Ctime()
	return &wire.Message{
		Header: wire.Header{
			ProtoVer: wire.ProtoVer,
			Op:       wire.OpJoin,
			State:    wire.StateInit,
			From:     from,
			SheepId:  sheepID,
		},
		Body: &wire.JoinBody{
			Epoch:   p.epoch,
			Ctime:   ctime.UnixNano(),
			NrSobjs: nrSobjs,
			Entries: entries,
		},
	}
}

// ArbitrateInit runs at the master when it dispatches an INIT Join: it
// checks the joiner's protocol version, performs the sanity check,
// arbitrates, and stamps the response body in place, ready for the
// dispatcher's stage-1 to flip state=FIN and the event queue to
// rebroadcast it (§4.4). protoVer is the inbound message
// header's ProtoVer (the C original's join() rejects on this before doing
// anything else, group.c:652-679).
func (p *Protocol) ArbitrateInit(body *wire.JoinBody, joinerEntry cluster.NodeEntry, protoVer uint32) {
	if protoVer != wire.ProtoVer {
		body.Result = wire.VerMismatch
		body.ClusterStatus = p.clusterStatus
		return
	}

	if p.clusterStatus != cluster.WaitForFormat && p.clusterStatus != cluster.Shutdown && len(body.Entries) > 0 {
		localEntries, _ := p.el.Read(p.epoch)
		localCtime, _ := p.el.Ctime()
		if res := status.SanityCheck(p.clusterStatus, localEntries, localCtime.UnixNano(), p.epoch, body.Entries, body.Ctime, body.Epoch); res != wire.Success {
			body.Result = res
			body.ClusterStatus = p.clusterStatus
			return
		}
	}

	snapshot, _ := p.el.Read(body.Epoch)
	outcome := status.Arbitrate(
		p.clusterStatus,
		joinerEntry,
		body.Entries,
		p.mem.Size(),
		snapshot,
		len(p.mem.LeaveList()),
		entryList(p.mem.InClusterNodes()),
	)

	body.Result = outcome.Result
	body.ClusterStatus = outcome.Status
	body.IncEpoch = outcome.IncEpoch
	body.Entries = p.mem.OrderedInCluster()
	if outcome.Status == cluster.WaitForJoin {
		body.LeaveNodes = p.mem.LeaveList()
	}
	body.Epoch = p.epoch
}

// UpdateClusterInfo applies a FIN Join to this node's local state,
// implementing §4.4 Phase 2 steps 1-6. isJoiner reports whether this node
// is the one named as the joiner in msg.From/SheepId.
func (p *Protocol) UpdateClusterInfo(msg *wire.Message, isJoiner bool) error {
	body, ok := msg.Body.(*wire.JoinBody)
	if !ok {
		return errors.New("join: UpdateClusterInfo requires a JoinBody")
	}

	// Step 1: a rejected joiner exits; everyone else just ignores a
	// failed arbitration for a peer.
	if body.Result != wire.Success {
		if isJoiner {
			return errors.Wrapf(body.Result.Err(), "join rejected")
		}
		return nil
	}

	// Step 2: adopt the master's view if we have not finished joining.
	if !p.joinDone {
		for _, e := range body.Entries {
			if !p.mem.PromoteByEntry(e) {
				p.logger.Debug("cluster info update: entry has no known pre_cluster id", zap.String("entry", e.String()))
			}
		}
		p.epoch = body.Epoch
		p.joinDone = true
		if p.adoptedNrSobjs == 0 {
			p.adoptedNrSobjs = body.NrSobjs
		}
	}

	// Step 3: merge leave_nodes while still waiting for quorum.
	if body.ClusterStatus == cluster.WaitForJoin {
		snapshot, _ := p.el.Read(body.Epoch)
		for _, e := range body.LeaveNodes {
			p.mem.LeaveListAddIfEligible(e, snapshot)
		}
	}

	// Step 4: epoch advance + persist on OK/Halt with inc_epoch.
	if (body.ClusterStatus == cluster.OK || body.ClusterStatus == cluster.Halt) && body.IncEpoch {
		p.epoch++
		if err := p.el.Write(p.epoch, p.mem.OrderedInCluster()); err != nil {
			return errors.Wrap(err, "join: failed to persist epoch snapshot")
		}
	}

	// Step 5: promote the joiner itself.
	p.mem.Promote(msg.Header.SheepId, msg.Header.From)
	wasWaiting := p.clusterStatus == cluster.WaitForJoin
	p.clusterStatus = body.ClusterStatus

	// Step 6: a WaitForJoin -> OK transition driven by quorum persists
	// the snapshot even when inc_epoch was not requested.
	if wasWaiting && body.ClusterStatus == cluster.OK && !body.IncEpoch {
		if err := p.el.Write(p.epoch, p.mem.OrderedInCluster()); err != nil {
			return errors.Wrap(err, "join: failed to persist quorum snapshot")
		}
	}

	p.logger.Info("applied cluster info update",
		zap.Uint32("epoch", p.epoch),
		zap.String("status", p.clusterStatus.String()),
		zap.Bool("is_joiner", isJoiner))
	return nil
}

// BootstrapFirstNode implements §4.4's first-node bootstrap: invoked when
// the driver's join callback reports exactly one member and it is self.
// It reads the local epoch snapshot (if any) to derive cluster_status: a
// non-zero epoch means this node is rejoining a cluster it already
// formed, so status is OK outright; a zero epoch with ctime already set
// (Format has run) means a brand-new single-node cluster is forming, so
// quorum (of one) is met immediately and status becomes OK with the
// epoch advancing to 1; otherwise the node is simply awaiting Format and
// stays WaitForFormat.
func (p *Protocol) BootstrapFirstNode(self cluster.NodeId, selfEntry cluster.NodeEntry) (triggerRecovery bool, err error) {
	_, formatted := p.el.Ctime()
	switch {
	case p.epoch > 0:
		p.clusterStatus = cluster.OK
	case formatted:
		p.clusterStatus = cluster.OK
	default:
		p.clusterStatus = cluster.WaitForFormat
	}
	body := &wire.JoinBody{
		Epoch:         p.epoch,
		ClusterStatus: p.clusterStatus,
		Result:        wire.Success,
		IncEpoch:      p.epoch == 0 && formatted,
	}
	p.mem.AddPre(self)
	p.mem.SetPreEntry(self, selfEntry)
	msg := &wire.Message{
		Header: wire.Header{Op: wire.OpJoin, State: wire.StateFin, From: selfEntry, SheepId: self},
		Body:   body,
	}
	if err := p.UpdateClusterInfo(msg, true); err != nil {
		return false, err
	}
	return p.clusterStatus == cluster.OK, nil
}

// MasterTransferTerminal reports whether a FIN Join received by the
// joiner itself signals a master transfer is needed (§4.4): the
// arbitration failed, the master's epoch is behind ours, and the cluster
// is still waiting on a quorum.
func MasterTransferTerminal(body *wire.JoinBody, localEpoch uint32) bool {
	return body.Result != wire.Success &&
		status.After(localEpoch, body.Epoch) &&
		body.ClusterStatus == cluster.WaitForJoin
}

// ApplyMasterTransfer implements the receiving side of a MasterTransfer
// while status == WaitForJoin: treat it as a successful FIN for quorum
// purposes (§4.4).
func (p *Protocol) ApplyMasterTransfer(sender cluster.NodeEntry) {
	if p.clusterStatus != cluster.WaitForJoin {
		return
	}
	snapshot, _ := p.el.Read(p.epoch)
	p.mem.LeaveListAddIfEligible(sender, snapshot)
	if !p.joinDone {
		p.joinDone = true
	}
}

// ApplyLeave implements §9's on_leave handling once the Partition Guard
// has cleared a departure: the leaving entry is recorded in leave_list
// (subject to the usual eligibility guard), and if the cluster is
// currently OK a new epoch snapshot is persisted immediately, the entry
// is dropped from leave_list again, and recovery is triggered. A leave while still forming a quorum
// (WaitForJoin) only affects leave_list — there is no committed epoch
// yet to advance. The snapshot is written keyed at epoch+1 before
// p.epoch itself is incremented, preserving the source's write-then-bump
// ordering (§9).
func (p *Protocol) ApplyLeave(left cluster.NodeEntry, remaining []cluster.NodeEntry) (triggerRecovery bool, err error) {
	snapshot, _ := p.el.Read(p.epoch)
	p.mem.LeaveListAddIfEligible(left, snapshot)

	if p.clusterStatus != cluster.OK {
		return false, nil
	}

	next := p.epoch + 1
	if err := p.el.Write(next, remaining); err != nil {
		return false, errors.Wrap(err, "join: failed to persist post-leave epoch snapshot")
	}
	p.epoch = next
	p.mem.LeaveListRemove(left)
	p.logger.Info("applied leave", zap.Uint32("epoch", p.epoch), zap.String("left", left.String()))
	return true, nil
}

func entryList(nodes []cluster.Node) []cluster.NodeEntry {
	out := make([]cluster.NodeEntry, len(nodes))
	for i, n := range nodes {
		out[i] = n.Entry
	}
	return out
}
