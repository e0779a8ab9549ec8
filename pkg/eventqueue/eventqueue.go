// Package eventqueue implements the Event Queue (EQ, §4.6): the single
// serializing pump that every membership event, driver notify, and
// client request passes through. It is, per the design notes, the heart
// of the core — everything else in this module is either a pure
// collaborator EQ calls into (Membership, the Join Protocol, the
// Dispatcher, Request Admission) or something that posts events back to
// it from outside the main context (the group driver, the client
// listener).
package eventqueue

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/distsheep/sheepd/pkg/cluster"
	"github.com/distsheep/sheepd/pkg/dispatch"
	"github.com/distsheep/sheepd/pkg/log"
	"github.com/distsheep/sheepd/pkg/wire"
)

// Kind discriminates the four event kinds of §4.6.
type Kind int

const (
	KindJoin Kind = iota
	KindLeave
	KindNotify
	KindRequest
)

func (k Kind) isMembership() bool { return k == KindJoin || k == KindLeave }

// Event is one entry in the queue. Only the fields relevant to Kind are
// populated.
type Event struct {
	Kind Kind

	JoinedID cluster.NodeId
	Members  []cluster.NodeId

	LeftID cluster.NodeId

	Msg *wire.Message

	Req *wire.Request
}

func NewJoinEvent(id cluster.NodeId, members []cluster.NodeId) *Event {
	return &Event{Kind: KindJoin, JoinedID: id, Members: members}
}

func NewLeaveEvent(id cluster.NodeId, members []cluster.NodeId) *Event {
	return &Event{Kind: KindLeave, LeftID: id, Members: members}
}

func NewNotifyEvent(msg *wire.Message) *Event {
	return &Event{Kind: KindNotify, Msg: msg}
}

func NewRequestEvent(req *wire.Request) *Event {
	return &Event{Kind: KindRequest, Req: req}
}

// MembershipHandler runs a Join or Leave event's side effects (§4.1,
// §4.4, §4.8): membership list mutation, join bootstrap, the partition
// guard.
type MembershipHandler interface {
	HandleJoin(id cluster.NodeId, members []cluster.NodeId) error
	HandleLeave(id cluster.NodeId, members []cluster.NodeId) error
}

// NotifyHandler is satisfied by *dispatch.Dispatcher; kept as an
// interface here so tests can substitute a fake without constructing a
// full Dispatcher.
type NotifyHandler interface {
	ShouldSkip(msg *wire.Message) bool
	HandleNotifyStage1(msg *wire.Message) error
	HandleNotifyStage2(ctx context.Context, msg *wire.Message, pending dispatch.PendingList) error
}

// AdmitResult is Admission's verdict for one Request drained from the
// queue.
type AdmitResult int

const (
	// AdmitHandled means the request was answered synchronously or
	// parked on a wait list; it must not be re-queued.
	AdmitHandled AdmitResult = iota
	// AdmitRetry means a transient, synchronous failure occurred and
	// the request belongs on the short retry list (§4.6 step 6).
	AdmitRetry
)

// RequestAdmission is satisfied by *admission.Admission.
type RequestAdmission interface {
	Admit(req *wire.Request) AdmitResult
}

// Broadcast re-sends a Message that this node (as master) has just
// stamped with its arbitrated response, over the group driver's total
// order channel, so every member (including this one, the driver
// contract guarantees self-delivery) eventually dequeues the FIN.
type Broadcast func(msg *wire.Message) error

// OutstandingIO reports the number of I/O operations currently in
// flight, used by step 8's "don't mutate the vnode ring while I/O is
// outstanding" guard.
type OutstandingIO func() int

// Queue is the Event Queue. All of its state is protected by one mutex,
// matching the "one main cooperative context" concurrency model of §5;
// there is deliberately no separate worker-pool goroutine for stage-1
// handlers here; they are pure/local enough in this module's scope to
// run inline while still holding the big lock, which keeps this package
// correct without needing a postback channel of its own.
type Queue struct {
	mu sync.Mutex

	items []*Event
	retry []*Event

	running   bool
	suspended bool
	joining   bool

	// awaitingFin is the SheepId of the in-flight join this node is
	// waiting to see a matching FIN dispatched for, valid only while
	// joining is set (§4.6 suspension rule).
	awaitingFin cluster.NodeId

	membership MembershipHandler
	notify     NotifyHandler
	admission  RequestAdmission
	pending    dispatch.PendingList
	broadcast  Broadcast
	outIO      OutstandingIO

	log *zap.Logger
}

// New builds a Queue. pending is the PendingList handed to every
// Stage2 call so FIN VdiOp notifies can wake the request that
// originated them.
func New(membership MembershipHandler, notify NotifyHandler, admission RequestAdmission, pending dispatch.PendingList, broadcast Broadcast, outIO OutstandingIO) *Queue {
	return &Queue{
		membership: membership,
		notify:     notify,
		admission:  admission,
		pending:    pending,
		broadcast:  broadcast,
		outIO:      outIO,
		log:        log.Named("eventqueue"),
	}
}

// Enqueue appends ev and runs the pump. If the queue is currently
// suspended awaiting a specific join's FIN and ev is exactly that FIN,
// it is promoted to the head first (§4.6's out-of-order FIN rule), so a
// stuck join finalizes even if unrelated notifies were queued ahead of
// it.
func (q *Queue) Enqueue(ev *Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, ev)
	if q.suspended && q.joining && isAwaitedFin(ev, q.awaitingFin) {
		last := len(q.items) - 1
		copy(q.items[1:], q.items[:last])
		q.items[0] = ev
	}
	q.pump()
}

func isAwaitedFin(ev *Event, awaiting cluster.NodeId) bool {
	if ev.Kind != KindNotify || ev.Msg == nil {
		return false
	}
	h := ev.Msg.Header
	return h.Op == wire.OpJoin && h.State == wire.StateFin && h.SheepId.Equal(awaiting)
}

// Len reports the number of events currently queued (not counting the
// retry list).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Running() bool   { q.mu.Lock(); defer q.mu.Unlock(); return q.running }
func (q *Queue) Suspended() bool { q.mu.Lock(); defer q.mu.Unlock(); return q.suspended }
func (q *Queue) Joining() bool   { q.mu.Lock(); defer q.mu.Unlock(); return q.joining }

// Pump re-enters the dequeue algorithm; call it after any external state
// change that might unblock the head (e.g. nr_outstanding_io reaching
// zero).
func (q *Queue) Pump() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pump()
}

// pump implements the algorithm of §4.6. Caller must hold q.mu.
func (q *Queue) pump() {
	if len(q.items) == 0 {
		return
	}
	head := q.items[0]

	// Step 3: never preempt a running membership event.
	if q.running && head.Kind.isMembership() {
		return
	}

	// Steps 4-6: drain whatever client requests can make progress,
	// regardless of suspension; joining only matters in that it is
	// what causes requests (not notifies or membership events) to be
	// the sole thing draining.
	q.drainRequests()

	if q.running || len(q.items) == 0 {
		return
	}

	head = q.items[0]

	// While suspended, nothing advances except the one Notify this
	// node is actually waiting on — the out-of-order promotion in
	// Enqueue puts it at the head precisely so it can be recognized
	// here and let through despite suspension.
	if q.suspended && !isAwaitedFin(head, q.awaitingFin) {
		return
	}

	if head.Kind.isMembership() && q.outIO != nil && q.outIO() > 0 {
		return
	}

	q.running = true
	q.items = q.items[1:]
	q.run(head)
}

// drainRequests removes every Request event it can reach without
// crossing a membership event, dispatching or retrying each (§4.6 steps
// 5-6). Notify events in between are left in place and simply skipped
// over, since only Join/Leave block request admission.
func (q *Queue) drainRequests() {
	for {
		idx := -1
		for i, ev := range q.items {
			if ev.Kind.isMembership() {
				break
			}
			if ev.Kind == KindRequest {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		ev := q.items[idx]
		q.items = append(q.items[:idx], q.items[idx+1:]...)
		q.admit(ev)
	}

	for len(q.retry) > 0 {
		batch := q.retry
		q.retry = nil
		progressed := false
		for _, ev := range batch {
			if q.admission.Admit(ev.Req) == AdmitRetry {
				q.retry = append(q.retry, ev)
				continue
			}
			progressed = true
		}
		if !progressed {
			// Nothing in this batch is ready yet; leave it queued
			// for the next Pump() call instead of busy-looping.
			break
		}
	}
}

func (q *Queue) admit(ev *Event) {
	if q.admission.Admit(ev.Req) == AdmitRetry {
		q.retry = append(q.retry, ev)
	}
}

// run executes ev's handler. Caller holds q.mu and has already set
// running=true and popped ev.
func (q *Queue) run(ev *Event) {
	var err error
	switch ev.Kind {
	case KindJoin:
		err = q.membership.HandleJoin(ev.JoinedID, ev.Members)
	case KindLeave:
		err = q.membership.HandleLeave(ev.LeftID, ev.Members)
	case KindNotify:
		err = q.runNotify(ev.Msg)
	}
	if err != nil {
		q.log.Error("event handler failed", zap.Stringer("kind", eventKindName(ev.Kind)), zap.Error(err))
	}
	q.running = false
	q.pump()
}

// runNotify implements §4.5's stage split together with §4.6's
// suspension rule. When this node, acting as master, turns an INIT into
// a FIN, that response is broadcast and this node suspends until the
// driver loops it back as a fresh Notify event (the driver contract
// guarantees self-delivery) rather than applying it inline, so the
// suspension window genuinely spans until "the corresponding FIN
// arrives and is dispatched" as §4.6 specifies.
func (q *Queue) runNotify(msg *wire.Message) error {
	if q.notify.ShouldSkip(msg) {
		return nil
	}

	wasInit := msg.Header.Op == wire.OpJoin && msg.Header.State == wire.StateInit

	if err := q.notify.HandleNotifyStage1(msg); err != nil {
		return err
	}

	justComputedFin := wasInit && msg.Header.Op == wire.OpJoin && msg.Header.State == wire.StateFin
	if justComputedFin {
		q.suspended = true
		q.joining = true
		q.awaitingFin = msg.Header.SheepId
		if q.broadcast != nil {
			return q.broadcast(msg)
		}
		return nil
	}

	if err := q.notify.HandleNotifyStage2(context.Background(), msg, q.pending); err != nil {
		return err
	}

	if msg.Header.Op == wire.OpJoin && msg.Header.State == wire.StateFin && msg.Header.SheepId.Equal(q.awaitingFin) {
		q.suspended = false
		q.joining = false
	}
	return nil
}

type eventKindName Kind

func (k eventKindName) String() string {
	switch Kind(k) {
	case KindJoin:
		return "join"
	case KindLeave:
		return "leave"
	case KindNotify:
		return "notify"
	case KindRequest:
		return "request"
	default:
		return "unknown"
	}
}
