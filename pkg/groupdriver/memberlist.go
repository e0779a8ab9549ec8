package groupdriver

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	stdlog "log"
	"net"
	"os"
	"sync"
	"time"

	hml "github.com/hashicorp/memberlist"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/distsheep/sheepd/pkg/cluster"
	"github.com/distsheep/sheepd/pkg/log"
)

// Config configures a MemberlistDriver, mirroring the teacher's
// gossip.Config shape.
type Config struct {
	BindAddr string
	BindPort int
	Secret   []byte
	LogLevel zapcore.Level
}

// envelope wraps a Notify payload with a Lamport timestamp, the mechanism
// this driver uses to approximate the total order §6 requires on top of
// memberlist's best-effort gossip broadcast (grounded on hashicorp/serf's
// LamportClock/eventBuffer idiom).
type envelope struct {
	LTime   uint64
	Payload []byte
}

// reorderWindow bounds how many out-of-order envelopes are held back
// waiting for a gap to close, the same bounded-buffer idea as serf's
// eventBuffer; beyond this the driver gives up on ordering the gap and
// delivers what it has, logging the loss.
const reorderWindow = 256

// MemberlistDriver implements Driver atop hashicorp/memberlist.
type MemberlistDriver struct {
	ml     *hml.Memberlist
	config *hml.Config
	events chan hml.NodeEvent

	broadcasts *hml.TransmitLimitedQueue

	mu      sync.Mutex
	clock   uint64
	pending uint64 // next LTime expected to be delivered in order
	buffer  map[uint64]envelope

	h    Handlers
	self cluster.NodeId

	log *zap.Logger
}

// New builds a MemberlistDriver. selfID is supplied by the caller (the
// process pid plus its own address) since NodeId carries a pid that
// memberlist itself has no concept of.
func New(cfg *Config, selfID cluster.NodeId) *MemberlistDriver {
	c := hml.DefaultLANConfig()
	c.BindAddr = cfg.BindAddr
	c.BindPort = cfg.BindPort
	c.AdvertisePort = cfg.BindPort
	c.SecretKey = cfg.Secret
	c.Logger = stdlog.New(&zapWriter{log.NewLoggerWithLevel("memberlist", cfg.LogLevel, zap.AddCallerSkip(2))}, "", 0)

	d := &MemberlistDriver{
		config: c,
		events: make(chan hml.NodeEvent, 256),
		buffer: make(map[uint64]envelope),
		self:   selfID,
		log:    log.Named("groupdriver"),
	}
	d.broadcasts = &hml.TransmitLimitedQueue{
		NumNodes:       func() int { return d.ml.NumMembers() },
		RetransmitMult: 4,
	}
	c.Delegate = d
	c.Events = &hml.ChannelEventDelegate{Ch: d.events}
	return d
}

type zapWriter struct{ l *zap.Logger }

func (w *zapWriter) Write(p []byte) (int, error) {
	w.l.Debug(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

func (d *MemberlistDriver) Init(h Handlers) (<-chan struct{}, error) {
	d.h = h
	ml, err := hml.Create(d.config)
	if err != nil {
		return nil, errors.Wrap(err, "groupdriver: memberlist create failed")
	}
	d.ml = ml

	ready := make(chan struct{}, 1)
	go func() {
		for range d.events {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	}()
	return ready, nil
}

func (d *MemberlistDriver) Join(peers []string) error {
	if len(peers) == 0 {
		return nil
	}
	_, err := d.ml.Join(peers)
	return err
}

func (d *MemberlistDriver) Self() cluster.NodeId { return d.self }

func (d *MemberlistDriver) Members() []cluster.NodeId {
	nodes := d.ml.Members()
	out := make([]cluster.NodeId, 0, len(nodes))
	for _, n := range nodes {
		id, ok := decodeMeta(n.Meta)
		if !ok {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Notify broadcasts payload to the whole cluster, stamping it with the
// driver's Lamport clock so receivers can reconstruct delivery order.
// Per the Driver contract it is also delivered back to the sender;
// memberlist's own broadcast queue never calls NotifyMsg on the
// originating node, so that leg is delivered locally here instead. The
// self-delivery runs on its own goroutine rather than inline: callers
// such as Request Admission and the Event Queue invoke Notify from
// inside a locked section, and OnNotify is wired straight back to
// Queue.Enqueue, so an inline call would re-lock the same mutex on the
// same goroutine.
func (d *MemberlistDriver) Notify(payload []byte) error {
	d.mu.Lock()
	d.clock++
	env := envelope{LTime: d.clock, Payload: payload}
	d.mu.Unlock()

	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(env); err != nil {
		return errors.Wrap(err, "groupdriver: encode envelope")
	}
	d.broadcasts.QueueBroadcast(&broadcastMsg{data: b.Bytes()})
	go d.deliver(d.self, env)
	return nil
}

// Unicast sends payload directly to id via memberlist's reliable TCP
// unicast path, bypassing the gossip broadcast queue (§4.5's VDI bitmap
// peer pull, grounded on hashicorp/memberlist's SendReliable).
func (d *MemberlistDriver) Unicast(id cluster.NodeId, payload []byte) error {
	for _, n := range d.ml.Members() {
		nid, ok := decodeMeta(n.Meta)
		if !ok || !nid.Equal(id) {
			continue
		}
		return d.ml.SendReliable(n, payload)
	}
	return errors.Errorf("groupdriver: unicast target %s not found", id.String())
}

func (d *MemberlistDriver) Dispatch() error {
	for {
		select {
		case ev, ok := <-d.events:
			if !ok {
				return nil
			}
			id, valid := decodeMeta(ev.Node.Meta)
			if !valid {
				continue
			}
			switch ev.Event {
			case hml.NodeJoin:
				d.h.OnJoin(id, d.Members())
			case hml.NodeLeave:
				d.h.OnLeave(id, d.Members())
			}
		default:
			return nil
		}
	}
}

// leaveTimeout bounds how long Shutdown waits for memberlist's own gossip
// leave broadcast to propagate before tearing the transport down.
const leaveTimeout = 5 * time.Second

func (d *MemberlistDriver) Shutdown() error {
	if d.events != nil {
		close(d.events)
		d.events = nil
	}
	if d.ml == nil {
		return nil
	}
	if err := d.ml.Leave(leaveTimeout); err != nil {
		d.log.Warn("memberlist leave failed, shutting down anyway", zap.Error(err))
	}
	return d.ml.Shutdown()
}

// deliver applies the reorder buffer to an incoming envelope, calling
// OnNotify once per envelope in ascending LTime order. Gaps older than
// reorderWindow are forced through to avoid an unbounded stall, since the
// underlying gossip transport offers no delivery guarantee to begin with
// — total order here is best-effort, not exactly-once reliable broadcast.
func (d *MemberlistDriver) deliver(sender cluster.NodeId, env envelope) {
	d.mu.Lock()
	if d.pending == 0 {
		d.pending = env.LTime
	}
	d.buffer[env.LTime] = env
	var ready []envelope
	for {
		e, ok := d.buffer[d.pending]
		if !ok {
			if env.LTime > d.pending+reorderWindow {
				d.log.Warn("reorder window exceeded, forcing delivery", zap.Uint64("pending", d.pending), zap.Uint64("ltime", env.LTime))
				d.pending = env.LTime
				continue
			}
			break
		}
		delete(d.buffer, d.pending)
		ready = append(ready, e)
		d.pending++
	}
	d.mu.Unlock()

	for _, e := range ready {
		d.h.OnNotify(sender, e.Payload)
	}
}

// memberlist.Delegate implementation.

func (d *MemberlistDriver) NodeMeta(limit int) []byte { return encodeMeta(d.self) }

func (d *MemberlistDriver) NotifyMsg(data []byte) {
	if len(data) == 0 {
		return
	}
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		d.log.Debug("cannot decode notify envelope", zap.Error(err))
		return
	}
	d.deliver(d.self, env)
}

func (d *MemberlistDriver) GetBroadcasts(overhead, limit int) [][]byte {
	return d.broadcasts.GetBroadcasts(overhead, limit)
}

func (d *MemberlistDriver) LocalState(join bool) []byte { return nil }

func (d *MemberlistDriver) MergeRemoteState(buf []byte, join bool) {}

type broadcastMsg struct{ data []byte }

func (m *broadcastMsg) Invalidates(other hml.Broadcast) bool { return false }
func (m *broadcastMsg) Message() []byte                      { return m.data }
func (m *broadcastMsg) Finished()                            {}

func encodeMeta(id cluster.NodeId) []byte {
	b := make([]byte, 16+2+4)
	copy(b[:16], id.Addr[:])
	binary.BigEndian.PutUint16(b[16:18], id.Port)
	binary.BigEndian.PutUint32(b[18:22], uint32(id.Pid))
	return b
}

func decodeMeta(meta []byte) (cluster.NodeId, bool) {
	if len(meta) != 22 {
		return cluster.NodeId{}, false
	}
	var id cluster.NodeId
	copy(id.Addr[:], meta[:16])
	id.Port = binary.BigEndian.Uint16(meta[16:18])
	id.Pid = int32(binary.BigEndian.Uint32(meta[18:22]))
	return id, true
}

// SelfIDFromEnv builds a NodeId from the detected host address, bindPort,
// and this process's pid, the common bootstrap path for cmd/sheepd.
func SelfIDFromEnv(host string, port uint16) (cluster.NodeId, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return cluster.NodeId{}, errors.Errorf("groupdriver: invalid bind address %#v", host)
	}
	var id cluster.NodeId
	copy(id.Addr[:], ip.To16())
	id.Port = port
	id.Pid = int32(os.Getpid())
	return id, nil
}
