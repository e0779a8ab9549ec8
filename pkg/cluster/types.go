// Package cluster implements the Membership State (MS) component: the
// data model of §3 (NodeId, NodeEntry, Node, Epoch, ClusterStatus) and the
// three node lists (pre_cluster, in_cluster, leave_list) of §4.1.
package cluster

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

// NodeId is an opaque identity from the group driver: (address, port, pid),
// totally ordered by byte comparison of address then pid.
type NodeId struct {
	Addr [16]byte
	Port uint16
	Pid  int32
}

// Compare orders NodeIds by address then pid, per §3.
func (id NodeId) Compare(other NodeId) int {
	if c := bytes.Compare(id.Addr[:], other.Addr[:]); c != 0 {
		return c
	}
	if id.Pid != other.Pid {
		if id.Pid < other.Pid {
			return -1
		}
		return 1
	}
	return 0
}

func (id NodeId) Equal(other NodeId) bool { return id.Compare(other) == 0 }

func (id NodeId) String() string {
	return fmt.Sprintf("%s:%d/%d", netIP(id.Addr), id.Port, id.Pid)
}

func netIP(addr [16]byte) string {
	return net.IP(addr[:]).String()
}

// NodeEntry is the replication-weighted, zone-tagged member record
// persisted in epoch snapshots.
type NodeEntry struct {
	Addr     [16]byte
	Port     uint16
	Zone     uint32
	NrVnodes uint16
}

// NewNodeEntry builds a NodeEntry, defaulting Zone to the low 4 bytes of
// Addr when zone is zero, per §3.
func NewNodeEntry(addr [16]byte, port uint16, zone uint32, nrVnodes uint16) NodeEntry {
	if zone == 0 {
		zone = binary.BigEndian.Uint32(addr[12:16])
	}
	return NodeEntry{Addr: addr, Port: port, Zone: zone, NrVnodes: nrVnodes}
}

// Compare orders NodeEntry values by address, then port, then zone, which
// is the canonical order used for in_cluster and epoch snapshots.
func (e NodeEntry) Compare(other NodeEntry) int {
	if c := bytes.Compare(e.Addr[:], other.Addr[:]); c != 0 {
		return c
	}
	if e.Port != other.Port {
		if e.Port < other.Port {
			return -1
		}
		return 1
	}
	if e.Zone != other.Zone {
		if e.Zone < other.Zone {
			return -1
		}
		return 1
	}
	return 0
}

func (e NodeEntry) Equal(other NodeEntry) bool { return e.Compare(other) == 0 }

func (e NodeEntry) String() string {
	return fmt.Sprintf("%s:%d(zone=%d,vnodes=%d)", netIP(e.Addr), e.Port, e.Zone, e.NrVnodes)
}

// Node couples a driver identity with its replication metadata.
type Node struct {
	Id    NodeId
	Entry NodeEntry
}

// ClusterStatus is the local node's view of cluster readiness (§3).
type ClusterStatus int

const (
	WaitForFormat ClusterStatus = iota
	WaitForJoin
	OK
	Halt
	JoinFailed
	Shutdown
)

func (s ClusterStatus) String() string {
	switch s {
	case WaitForFormat:
		return "WaitForFormat"
	case WaitForJoin:
		return "WaitForJoin"
	case OK:
		return "OK"
	case Halt:
		return "Halt"
	case JoinFailed:
		return "JoinFailed"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// EntriesEqual does an order-sensitive, byte-for-byte comparison of two
// snapshot entry lists, as required by CSM's InvalidEpoch check (§4.3).
func EntriesEqual(a, b []NodeEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
