// Package status implements the Cluster Status Machine (CSM, §4.3): the
// pure decision functions a master runs when arbitrating a Join, plus the
// wrap-aware epoch comparisons used throughout the core (§4.7, §8).
package status

import (
	"github.com/distsheep/sheepd/pkg/cluster"
	"github.com/distsheep/sheepd/pkg/wire"
)

// SanityCheck validates a joining node's offered (entries, ctime, epoch)
// against the master's local view (§4.3). It returns wire.Success when no
// problem is found. Callers must skip this check entirely when the local
// status is WaitForFormat or Shutdown, or when the joiner's entries are
// empty (a newly created node).
//
// Once the ctime and "joiner is ahead of us" checks pass, a master that is
// already OK or Halt accepts unconditionally — a steady-state rejoin with
// a stale epoch is exactly what a departed-then-returning node looks
// like, and it is resolved by the epoch increment Arbitrate issues for
// OK/Halt, not by rejecting the rejoin here. Only a master still
// negotiating quorum (any other status) goes on to reject a
// behind-epoch joiner or a same-epoch entry mismatch.
func SanityCheck(localStatus cluster.ClusterStatus, localEntries []cluster.NodeEntry, localCtime int64, localEpoch uint32, joinerEntries []cluster.NodeEntry, joinerCtime int64, joinerEpoch uint32) wire.Result {
	switch {
	case joinerCtime != localCtime:
		return wire.InvalidCtime
	case after(joinerEpoch, localEpoch):
		return wire.OldNodeVer
	case localStatus == cluster.OK || localStatus == cluster.Halt:
		return wire.Success
	case before(joinerEpoch, localEpoch):
		return wire.NewNodeVer
	case joinerEpoch == localEpoch && !cluster.EntriesEqual(joinerEntries, localEntries):
		return wire.InvalidEpoch
	default:
		return wire.Success
	}
}

// ArbitrateOutcome is the result of Arbitrate: the cluster status to
// announce in the FIN Join, and whether the epoch must be incremented.
type ArbitrateOutcome struct {
	Status   cluster.ClusterStatus
	IncEpoch bool
	Result   wire.Result
}

// Arbitrate implements the per-local-status table of §4.3. joiner is the
// joining node's own entry (`from` in the spec); joinerEntries is the
// node-set it reported; nrInCluster is the master's current in_cluster
// size (before admitting the joiner); snapshotEntries is the epoch
// snapshot at joinerEpoch; leaveListSize is the current leave list
// length.
func Arbitrate(localStatus cluster.ClusterStatus, joiner cluster.NodeEntry, joinerEntries []cluster.NodeEntry, nrInCluster int, snapshotEntries []cluster.NodeEntry, leaveListSize int, inCluster []cluster.NodeEntry) ArbitrateOutcome {
	switch localStatus {
	case cluster.OK, cluster.Halt:
		return ArbitrateOutcome{Status: localStatus, IncEpoch: true, Result: wire.Success}

	case cluster.WaitForFormat:
		if len(joinerEntries) != 0 {
			return ArbitrateOutcome{Status: cluster.WaitForFormat, Result: wire.NotFormatted}
		}
		return ArbitrateOutcome{Status: cluster.WaitForFormat, Result: wire.Success}

	case cluster.WaitForJoin:
		nr := nrInCluster + 1
		nrLocal := len(snapshotEntries)
		if nr == nrLocal && everySnapshotEntryAccountedFor(snapshotEntries, joiner, inCluster) {
			return ArbitrateOutcome{Status: cluster.OK, Result: wire.Success}
		}
		if nrLocal == nr+leaveListSize {
			return ArbitrateOutcome{Status: cluster.OK, IncEpoch: true, Result: wire.Success}
		}
		return ArbitrateOutcome{Status: cluster.WaitForJoin, Result: wire.Success}

	case cluster.Shutdown:
		return ArbitrateOutcome{Status: cluster.Shutdown, Result: wire.Shutdown}

	default:
		return ArbitrateOutcome{Status: localStatus, Result: wire.SystemError}
	}
}

// everySnapshotEntryAccountedFor reports whether every entry named in the
// snapshot is either the joiner itself or already present in inCluster.
func everySnapshotEntryAccountedFor(snapshotEntries []cluster.NodeEntry, joiner cluster.NodeEntry, inCluster []cluster.NodeEntry) bool {
	for _, e := range snapshotEntries {
		if e.Equal(joiner) {
			continue
		}
		found := false
		for _, c := range inCluster {
			if e.Equal(c) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// epochWindow is half the uint32 space; two epochs closer together than
// this (measured either direction) are treated as comparable, the
// conventional wrap-aware comparison used for sequence numbers (§8).
const epochWindow = 1 << 31

// after reports whether a is later than b in wrap-aware uint32 arithmetic,
// so a node that has cycled through 2^32 epochs is still ordered correctly
// relative to a peer that has not.
func after(a, b uint32) bool {
	return a != b && (a-b) < epochWindow
}

// before is the mirror of after.
func before(a, b uint32) bool {
	return a != b && (b-a) < epochWindow
}

// Before exports the wrap-aware comparison for use outside this package
// (§4.7's epoch mismatch handling).
func Before(a, b uint32) bool { return before(a, b) }

// After exports the wrap-aware comparison for use outside this package.
func After(a, b uint32) bool { return after(a, b) }
