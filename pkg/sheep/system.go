// Package sheep wires the Membership State, Epoch Log Gateway, Cluster
// Status Machine, Join Protocol, Message Dispatcher, Event Queue, Request
// Admission, and Partition Guard components into the single-process
// System a node actually runs (Design Notes §5/§9), grounded on the
// teacher's pkg/manager.Manager: a struct composing its collaborators
// plus a Run/Stop lifecycle.
package sheep

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/distsheep/sheepd/pkg/admission"
	"github.com/distsheep/sheepd/pkg/cluster"
	"github.com/distsheep/sheepd/pkg/dispatch"
	"github.com/distsheep/sheepd/pkg/epochlog"
	"github.com/distsheep/sheepd/pkg/eventqueue"
	"github.com/distsheep/sheepd/pkg/groupdriver"
	"github.com/distsheep/sheepd/pkg/join"
	"github.com/distsheep/sheepd/pkg/log"
	"github.com/distsheep/sheepd/pkg/partition"
	"github.com/distsheep/sheepd/pkg/vdi"
	"github.com/distsheep/sheepd/pkg/wire"
)

// RecoveryTrigger fires once a membership event completes with a new OK
// epoch (§1): the recovery subsystem itself is an external collaborator,
// this is only the boundary that tells it when to start.
type RecoveryTrigger func(epoch uint32, nodes []cluster.NodeEntry)

// Config bundles everything needed to build a System.
type Config struct {
	Self      cluster.NodeId
	SelfEntry cluster.NodeEntry

	// EpochLogPath is the bbolt file backing the Epoch Log Gateway.
	EpochLogPath string
	// Archiver, when set, mirrors every persisted epoch snapshot
	// off-node (SPEC_FULL's epoch log archival mirror supplement).
	Archiver *epochlog.Archiver
	// Clock supplies the cluster ctime seconds at Format time; nil
	// defaults to time.Now().Unix.
	Clock join.Clock

	Driver groupdriver.Driver
	// Engine is the VDI metadata boundary (§1 external collaborator);
	// nil defaults to an in-memory reference implementation sized for
	// BitmapBits slots.
	Engine     vdi.Engine
	BitmapBits int

	NrSobjs NrSobjs

	IOWorkers      int
	GatewayWorkers int

	// PartitionDialTimeout bounds each reachability probe the Partition
	// Guard makes (§4.8).
	PartitionDialTimeout time.Duration
	// PartitionDialer overrides the guard's TCP dial, used by tests.
	PartitionDialer partition.Dialer

	Recovery RecoveryTrigger
}

// NrSobjs reads the cluster's configured replication factor.
type NrSobjs func() int

func (c *Config) setDefaults() {
	if c.Clock == nil {
		c.Clock = func() int64 { return time.Now().Unix() }
	}
	if c.BitmapBits == 0 {
		c.BitmapBits = 1024
	}
	if c.NrSobjs == nil {
		c.NrSobjs = func() int { return 0 }
	}
	if c.IOWorkers <= 0 {
		c.IOWorkers = 4
	}
	if c.GatewayWorkers <= 0 {
		c.GatewayWorkers = 4
	}
	if c.PartitionDialTimeout <= 0 {
		c.PartitionDialTimeout = 2 * time.Second
	}
}

// System is the running node: every core component wired together plus
// the driver event loop that feeds the Event Queue.
type System struct {
	cfg Config

	mem    *cluster.Membership
	el     *epochlog.Gateway
	ring   *cluster.VnodeRing
	engine vdi.Engine
	proto  *join.Protocol
	guard  *partition.Guard
	driver groupdriver.Driver

	dispatcher *dispatch.Dispatcher
	admission  *admission.Admission
	pending    *admission.PendingList
	queue      *eventqueue.Queue

	ioPool      *pool
	gatewayPool *pool

	ready <-chan struct{}

	log *zap.Logger
}

// New builds a System but does not yet join the cluster or start
// dispatching; call Run for that.
func New(cfg Config) (*System, error) {
	cfg.setDefaults()
	if cfg.Driver == nil {
		return nil, errors.New("sheep: Config.Driver is required")
	}

	el, err := epochlog.Open(cfg.EpochLogPath)
	if err != nil {
		return nil, errors.Wrap(err, "sheep: cannot open epoch log")
	}
	if cfg.Archiver != nil {
		el = epochlog.WithArchive(el, cfg.Archiver)
	}

	mem := cluster.New()
	ring := cluster.NewVnodeRing(nil)
	proto := join.New(mem, el, cfg.Clock)

	engine := cfg.Engine
	if engine == nil {
		engine = vdi.NewMemEngine(cfg.BitmapBits)
	}

	guard := partition.New(cfg.PartitionDialer, cfg.PartitionDialTimeout, func(reason string) {
		log.Named("sheep").Error("partition guard fail-stop", zap.String("reason", reason))
		os.Exit(1)
	})

	s := &System{
		cfg:    cfg,
		mem:    mem,
		el:     el,
		ring:   ring,
		engine: engine,
		proto:  proto,
		guard:  guard,
		driver: cfg.Driver,
		log:    log.Named("sheep"),
	}

	s.dispatcher = dispatch.New(mem, proto, el, engine, cfg.Driver, cfg.Self, cfg.Recovery)
	s.pending = admission.NewPendingList()
	s.ioPool = newPool(cfg.IOWorkers)
	s.gatewayPool = newPool(cfg.GatewayWorkers)

	s.admission = admission.New(admission.Config{
		Membership:  mem,
		Ring:        ring,
		Engine:      engine,
		Epoch:       proto.Epoch,
		IsMaster:    func() bool { return mem.IsMaster(cfg.Self) },
		NrSobjs:     admission.NrSobjs(effectiveNrSobjs(cfg.NrSobjs, proto)),
		Self:        cfg.Self,
		SelfEntry:   cfg.SelfEntry,
		Broadcast:   s.broadcast,
		Pending:     s.pending,
		IOPool:      s.ioPool,
		GatewayPool: s.gatewayPool,
	})

	membership := newMembershipBridge(mem, ring, proto, cfg.Driver, guard, cfg.Self, cfg.SelfEntry, cfg.NrSobjs, cfg.Recovery)
	s.queue = eventqueue.New(membership, s.dispatcher, s.admission, s.pending, s.broadcast, s.admission.Outstanding)

	ready, err := cfg.Driver.Init(&driverBridge{queue: s.queue, log: log.Named("sheep.driver")})
	if err != nil {
		el.Close()
		return nil, errors.Wrap(err, "sheep: driver init failed")
	}
	s.ready = ready
	return s, nil
}

// defaultNrSobjs is the replication factor a brand-new cluster settles on
// when nothing configures or adopts one, mirroring SD_DEFAULT_REDUNDANCY.
const defaultNrSobjs = 1

// effectiveNrSobjs resolves the replication factor Request Admission
// should use (§4.7): a node's own configured value always wins; failing
// that, the value learned from the master's Join response; failing that
// (a brand-new cluster with no configured preference at all),
// defaultNrSobjs.
func effectiveNrSobjs(configured NrSobjs, proto *join.Protocol) func() int {
	return func() int {
		if v := configured(); v != 0 {
			return v
		}
		if v, ok := proto.AdoptedNrSobjs(); ok {
			return int(v)
		}
		return defaultNrSobjs
	}
}

// broadcast encodes msg and sends it over the driver's total-order
// channel, the Broadcast collaborator both Admission and the Event Queue
// need (§4.5, §4.6).
func (s *System) broadcast(msg *wire.Message) error {
	payload, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return s.driver.Notify(payload)
}

// Submit enqueues a client Request for admission (§3, §4.7); the caller
// reads the result off req.Reply.
func (s *System) Submit(req *wire.Request) {
	s.queue.Enqueue(eventqueue.NewRequestEvent(req))
}

// Join attempts to join the cluster via the given bootstrap peers.
func (s *System) Join(peers []string) error {
	return s.driver.Join(peers)
}

// Run drives the driver's event loop until ctx is cancelled, dispatching
// new membership work onto the Event Queue every time the driver signals
// readiness (§6's "event-loop-integrable readiness fd").
func (s *System) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-s.ready:
			if !ok {
				return nil
			}
			if err := s.driver.Dispatch(); err != nil {
				s.log.Error("driver dispatch failed", zap.Error(err))
			}
		}
	}
}

// leaveCluster announces a graceful departure (grounded on the original's
// leave_cluster(): a FIN-state Leave sent directly, with no INIT round
// trip, so every peer removes this node and bumps its epoch without
// waiting on the failure detector). Errors are logged, not returned: a
// broadcast failure here must not block the rest of Stop from running.
func (s *System) leaveCluster() {
	msg := &wire.Message{
		Header: wire.Header{
			ProtoVer: wire.ProtoVer,
			Op:       wire.OpLeave,
			State:    wire.StateFin,
			From:     s.cfg.SelfEntry,
			SheepId:  s.cfg.Self,
		},
		Body: &wire.LeaveBody{Entry: s.cfg.SelfEntry},
	}
	if err := s.broadcast(msg); err != nil {
		s.log.Warn("graceful leave broadcast failed", zap.Error(err))
	}
}

// Stop announces a graceful leave, shuts down the driver, drains the
// worker pools, and closes the epoch log.
func (s *System) Stop() error {
	s.leaveCluster()
	if err := s.driver.Shutdown(); err != nil {
		s.log.Warn("driver shutdown failed", zap.Error(err))
	}
	if err := s.ioPool.Close(); err != nil {
		s.log.Warn("io pool close failed", zap.Error(err))
	}
	if err := s.gatewayPool.Close(); err != nil {
		s.log.Warn("gateway pool close failed", zap.Error(err))
	}
	return s.el.Close()
}

// Epoch returns this node's current epoch (§3).
func (s *System) Epoch() uint32 { return s.proto.Epoch() }

// Status returns this node's current cluster status (§3).
func (s *System) Status() cluster.ClusterStatus { return s.proto.Status() }
