// Package groupdriver defines the pluggable group-communication driver
// contract of §6 (totally-ordered broadcast plus membership) and a
// memberlist-backed implementation, grounded on the teacher's
// pkg/gossip.Gossip. The core itself never implements total order
// directly; it is an external collaborator per §1's Non-goals, supplied
// here because sheepd needs at least one working driver to run.
package groupdriver

import "github.com/distsheep/sheepd/pkg/cluster"

// Handlers are the three callbacks the driver invokes on cluster changes
// (§6). They are called from the driver's own goroutine; implementations
// (the Event Queue) must not block here — they enqueue and return.
type Handlers interface {
	OnJoin(joinedID cluster.NodeId, members []cluster.NodeId)
	OnLeave(leftID cluster.NodeId, members []cluster.NodeId)
	OnNotify(sender cluster.NodeId, payload []byte)
}

// Driver is the group-communication driver contract of §6.
type Driver interface {
	// Init registers handlers and returns an event-loop-integrable
	// readiness fd equivalent (a channel closed/signaled on new work).
	Init(h Handlers) (ready <-chan struct{}, err error)

	// Join attempts to join the cluster via the given bootstrap peers.
	Join(peers []string) error

	// Notify broadcasts payload to the whole cluster in total order,
	// including back to the sender.
	Notify(payload []byte) error

	// Unicast sends payload to exactly one member, used for the VDI
	// bitmap peer-pull of §4.5 (a point-to-point need the total-order
	// broadcast channel is not meant for).
	Unicast(id cluster.NodeId, payload []byte) error

	// Dispatch drains pending work signaled by the ready channel,
	// invoking the registered Handlers synchronously before returning.
	Dispatch() error

	// Self returns this node's own NodeId as assigned by the driver.
	Self() cluster.NodeId

	// Members returns the driver's current view of live NodeIds.
	Members() []cluster.NodeId

	Shutdown() error
}
