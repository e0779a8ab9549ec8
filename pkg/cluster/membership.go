package cluster

import (
	"sort"
	"sync"

	"github.com/distsheep/sheepd/pkg/log"
	"go.uber.org/zap"
)

// Membership owns the three node lists described in §3/§4.1. All mutation
// happens from the main event-queue context per the concurrency model of
// §5, but the type is internally mutex-protected so tests and read-only
// admission-path lookups don't need to coordinate with the caller.
type Membership struct {
	mu sync.RWMutex

	preCluster []Node
	inCluster  []Node // always kept sorted by NodeEntry order; [0] is master
	leaveList  []NodeEntry

	log *zap.Logger
}

func New() *Membership {
	return &Membership{log: log.Named("cluster")}
}

// AddPre adds id to pre_cluster if not already present there or in
// in_cluster.
func (m *Membership) AddPre(id NodeId) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range m.preCluster {
		if n.Id.Equal(id) {
			return
		}
	}
	for _, n := range m.inCluster {
		if n.Id.Equal(id) {
			return
		}
	}
	m.preCluster = append(m.preCluster, Node{Id: id})
}

// SetPreEntry records the NodeEntry a pre_cluster id advertises, once the
// driver's join callback makes it known. This is what lets PromoteByEntry
// correlate the master's entries[] in a FIN Join back to the NodeId the
// driver actually assigned, since NodeEntry alone does not carry pid.
func (m *Membership) SetPreEntry(id NodeId, entry NodeEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, n := range m.preCluster {
		if n.Id.Equal(id) {
			m.preCluster[i].Entry = entry
			return
		}
	}
}

// PromoteByEntry promotes the pre_cluster node whose recorded entry
// equals entry, per §4.4 step 2 ("promote each one from pre_cluster; log
// missing ids but do not fail"). Returns false, logging at debug level,
// when no pre_cluster node currently advertises that entry.
func (m *Membership) PromoteByEntry(entry NodeEntry) bool {
	m.mu.Lock()
	var id NodeId
	found := false
	for _, n := range m.preCluster {
		if n.Entry.Equal(entry) {
			id = n.Id
			found = true
			break
		}
	}
	m.mu.Unlock()

	if !found {
		m.log.Debug("promote_by_entry: no pre_cluster node advertises entry", zap.String("entry", entry.String()))
		return false
	}
	return m.Promote(id, entry)
}

// Promote moves id from pre_cluster into in_cluster (sorted insertion by
// NodeEntry order), attaching entry. Returns false if id was not found in
// pre_cluster and is not already a member.
func (m *Membership) Promote(id NodeId, entry NodeEntry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, n := range m.inCluster {
		if n.Id.Equal(id) {
			m.inCluster[i].Entry = entry
			return true
		}
	}

	idx := -1
	for i, n := range m.preCluster {
		if n.Id.Equal(id) {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.log.Debug("promote: id not found in pre_cluster", zap.String("id", id.String()))
		return false
	}
	m.preCluster = append(m.preCluster[:idx], m.preCluster[idx+1:]...)
	m.insertSorted(Node{Id: id, Entry: entry})
	return true
}

func (m *Membership) insertSorted(n Node) {
	i := sort.Search(len(m.inCluster), func(i int) bool {
		return m.inCluster[i].Entry.Compare(n.Entry) >= 0
	})
	m.inCluster = append(m.inCluster, Node{})
	copy(m.inCluster[i+1:], m.inCluster[i:])
	m.inCluster[i] = n
}

// WasInCluster reports which list a removed node came from.
type WasInCluster int

const (
	NotFound WasInCluster = iota
	RemovedFromPre
	RemovedFromCluster
)

// Remove deletes id from whichever list currently holds it.
func (m *Membership) Remove(id NodeId) WasInCluster {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, n := range m.preCluster {
		if n.Id.Equal(id) {
			m.preCluster = append(m.preCluster[:i], m.preCluster[i+1:]...)
			return RemovedFromPre
		}
	}
	for i, n := range m.inCluster {
		if n.Id.Equal(id) {
			m.inCluster = append(m.inCluster[:i], m.inCluster[i+1:]...)
			return RemovedFromCluster
		}
	}
	return NotFound
}

// FindInCluster reports whether id is currently a member.
func (m *Membership) FindInCluster(id NodeId) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.inCluster {
		if n.Id.Equal(id) {
			return n, true
		}
	}
	return Node{}, false
}

// FindPre reports whether id is currently in pre_cluster.
func (m *Membership) FindPre(id NodeId) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.preCluster {
		if n.Id.Equal(id) {
			return n, true
		}
	}
	return Node{}, false
}

// OrderedInCluster returns the canonical sorted NodeEntry array used for
// epoch snapshots and master identification.
func (m *Membership) OrderedInCluster() []NodeEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]NodeEntry, len(m.inCluster))
	for i, n := range m.inCluster {
		out[i] = n.Entry
	}
	return out
}

// InClusterNodes returns a copy of the in_cluster Node list, sorted.
func (m *Membership) InClusterNodes() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Node, len(m.inCluster))
	copy(out, m.inCluster)
	return out
}

// Size returns |in_cluster|.
func (m *Membership) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.inCluster)
}

// IsMaster reports whether id sorts first in in_cluster (§4.4).
func (m *Membership) IsMaster(id NodeId) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.inCluster) == 0 {
		return false
	}
	return m.inCluster[0].Id.Equal(id)
}

// Master returns the current master Node, if any.
func (m *Membership) Master() (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.inCluster) == 0 {
		return Node{}, false
	}
	return m.inCluster[0], true
}

// LeaveList returns a copy of the leave list.
func (m *Membership) LeaveList() []NodeEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]NodeEntry, len(m.leaveList))
	copy(out, m.leaveList)
	return out
}

func (m *Membership) leaveListContains(e NodeEntry) bool {
	for _, le := range m.leaveList {
		if le.Equal(e) {
			return true
		}
	}
	return false
}

// LeaveListAddIfEligible implements the eligibility guard of §4.1: e is
// added to leave_list iff it is not already present there and it was a
// member of the snapshot at the given (latest) epoch. snapshotEntries is
// the caller-supplied epoch_snapshot(latest_epoch) to check membership
// against, keeping this package decoupled from the Epoch Log Gateway.
func (m *Membership) LeaveListAddIfEligible(e NodeEntry, snapshotEntries []NodeEntry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.leaveListContains(e) {
		return false
	}
	found := false
	for _, se := range snapshotEntries {
		if se.Equal(e) {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	m.leaveList = append(m.leaveList, e)
	return true
}

// LeaveListRemove removes e from leave_list, used when a FIN transition
// takes the cluster to OK (lifecycle note in §3).
func (m *Membership) LeaveListRemove(e NodeEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, le := range m.leaveList {
		if le.Equal(e) {
			m.leaveList = append(m.leaveList[:i], m.leaveList[i+1:]...)
			return
		}
	}
}

// LeaveListClear empties leave_list, used once a cluster reforms at OK.
func (m *Membership) LeaveListClear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveList = nil
}

// CheckInvariants validates the testable properties of §8 (1, 3) and is
// intended for use from tests and from defensive assertions after each
// event completes.
func (m *Membership) CheckInvariants() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := 1; i < len(m.inCluster); i++ {
		if m.inCluster[i-1].Entry.Compare(m.inCluster[i].Entry) >= 0 {
			return errInvariant("in_cluster is not strictly sorted")
		}
	}
	for _, le := range m.leaveList {
		for _, n := range m.inCluster {
			if n.Entry.Equal(le) {
				return errInvariant("leave_list entry also present in in_cluster")
			}
		}
	}
	return nil
}

type invariantError string

func (e invariantError) Error() string { return string(e) }

func errInvariant(msg string) error { return invariantError(msg) }
