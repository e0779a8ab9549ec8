package status

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/distsheep/sheepd/pkg/cluster"
	"github.com/distsheep/sheepd/pkg/wire"
)

func entry(b byte, vnodes uint16) cluster.NodeEntry {
	return cluster.NewNodeEntry([16]byte{b}, 7000, 0, vnodes)
}

func TestSanityCheckCtimeMismatch(t *testing.T) {
	got := SanityCheck(cluster.WaitForJoin, nil, 100, 5, nil, 200, 5)
	assert.Equal(t, wire.InvalidCtime, got)
}

func TestSanityCheckOldNodeVer(t *testing.T) {
	// joiner's epoch is ahead of ours: we are the stale one.
	got := SanityCheck(cluster.WaitForJoin, nil, 100, 5, nil, 100, 9)
	assert.Equal(t, wire.OldNodeVer, got)
}

func TestSanityCheckNewNodeVer(t *testing.T) {
	// joiner's epoch lags ours: the joiner has the stale view.
	got := SanityCheck(cluster.WaitForJoin, nil, 100, 9, nil, 100, 5)
	assert.Equal(t, wire.NewNodeVer, got)
}

func TestSanityCheckInvalidEpoch(t *testing.T) {
	local := []cluster.NodeEntry{entry(1, 4)}
	their := []cluster.NodeEntry{entry(2, 4)}
	got := SanityCheck(cluster.WaitForJoin, local, 100, 5, their, 100, 5)
	assert.Equal(t, wire.InvalidEpoch, got)
}

func TestSanityCheckOK(t *testing.T) {
	entries := []cluster.NodeEntry{entry(1, 4)}
	got := SanityCheck(cluster.WaitForJoin, entries, 100, 5, entries, 100, 5)
	assert.Equal(t, wire.Success, got)
}

func TestSanityCheckOKStatusAcceptsStaleEpochRejoin(t *testing.T) {
	// Steady-state rejoin: the master is already OK, the rejoining node's
	// epoch is behind and its entries don't match the master's current
	// epoch snapshot at all — none of that matters once status is OK or
	// Halt, the rejoin is accepted unconditionally (mirroring the C
	// `goto out` after the OK/HALT check in cluster_sanity_check).
	local := []cluster.NodeEntry{entry(1, 4), entry(2, 4)}
	their := []cluster.NodeEntry{entry(1, 4)}
	got := SanityCheck(cluster.OK, local, 100, 9, their, 100, 5)
	assert.Equal(t, wire.Success, got)

	got = SanityCheck(cluster.Halt, local, 100, 9, their, 100, 5)
	assert.Equal(t, wire.Success, got)
}

func TestSanityCheckOKStatusStillRejectsCtimeAndOldNodeVer(t *testing.T) {
	// The OK/Halt shortcut only applies after the ctime and
	// joiner-ahead-of-us checks, which still fire first.
	got := SanityCheck(cluster.OK, nil, 100, 5, nil, 200, 5)
	assert.Equal(t, wire.InvalidCtime, got)

	got = SanityCheck(cluster.OK, nil, 100, 5, nil, 100, 9)
	assert.Equal(t, wire.OldNodeVer, got)
}

func TestArbitrateOKOrHaltAlwaysIncrementsEpoch(t *testing.T) {
	out := Arbitrate(cluster.OK, entry(9, 4), nil, 2, nil, 0, nil)
	assert.Equal(t, cluster.OK, out.Status)
	assert.True(t, out.IncEpoch)

	out = Arbitrate(cluster.Halt, entry(9, 4), nil, 2, nil, 0, nil)
	assert.Equal(t, cluster.Halt, out.Status)
	assert.True(t, out.IncEpoch)
}

func TestArbitrateWaitForFormatRejectsNonEmptyJoiner(t *testing.T) {
	out := Arbitrate(cluster.WaitForFormat, entry(9, 4), []cluster.NodeEntry{entry(9, 4)}, 0, nil, 0, nil)
	assert.Equal(t, wire.NotFormatted, out.Result)
}

func TestArbitrateWaitForFormatAcceptsEmptyJoiner(t *testing.T) {
	out := Arbitrate(cluster.WaitForFormat, entry(9, 4), nil, 0, nil, 0, nil)
	assert.Equal(t, wire.Success, out.Result)
	assert.Equal(t, cluster.WaitForFormat, out.Status)
}

func TestArbitrateWaitForJoinReachesQuorum(t *testing.T) {
	joiner := entry(3, 4)
	inCluster := []cluster.NodeEntry{entry(1, 4), entry(2, 4)}
	snapshot := []cluster.NodeEntry{entry(1, 4), entry(2, 4), joiner}

	out := Arbitrate(cluster.WaitForJoin, joiner, nil, len(inCluster), snapshot, 0, inCluster)
	assert.Equal(t, cluster.OK, out.Status)
	assert.False(t, out.IncEpoch)
}

func TestArbitrateWaitForJoinStaysWaitingOnPartialQuorum(t *testing.T) {
	joiner := entry(3, 4)
	inCluster := []cluster.NodeEntry{entry(1, 4)}
	snapshot := []cluster.NodeEntry{entry(1, 4), entry(2, 4), joiner}

	out := Arbitrate(cluster.WaitForJoin, joiner, nil, len(inCluster), snapshot, 0, inCluster)
	assert.Equal(t, cluster.WaitForJoin, out.Status)
}

func TestArbitrateWaitForJoinDegradedRecovery(t *testing.T) {
	joiner := entry(3, 4)
	inCluster := []cluster.NodeEntry{entry(1, 4)}
	snapshot := []cluster.NodeEntry{entry(1, 4), entry(2, 4), joiner}

	// nr_local(3) == nr(2) + leave_list_size(1)
	out := Arbitrate(cluster.WaitForJoin, joiner, nil, len(inCluster), snapshot, 1, inCluster)
	assert.Equal(t, cluster.OK, out.Status)
	assert.True(t, out.IncEpoch)
}

func TestArbitrateShutdown(t *testing.T) {
	out := Arbitrate(cluster.Shutdown, entry(9, 4), nil, 0, nil, 0, nil)
	assert.Equal(t, wire.Shutdown, out.Result)
}

func TestWrapAwareEpochComparison(t *testing.T) {
	assert.True(t, After(5, 3))
	assert.True(t, Before(3, 5))
	assert.False(t, After(3, 3))

	// wraparound: an epoch just past the uint32 max is "after" one near 0.
	assert.True(t, After(1, ^uint32(0)))
	assert.True(t, Before(^uint32(0), 1))
}
