package join

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distsheep/sheepd/pkg/cluster"
	"github.com/distsheep/sheepd/pkg/epochlog"
	"github.com/distsheep/sheepd/pkg/wire"
)

func newTestProtocol(t *testing.T) (*Protocol, *cluster.Membership, *epochlog.Gateway) {
	t.Helper()
	mem := cluster.New()
	el, err := epochlog.Open(filepath.Join(t.TempDir(), "epoch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = el.Close() })
	clock := func() int64 { return 1000 }
	return New(mem, el, clock), mem, el
}

func id(b byte, pid int32) cluster.NodeId { return cluster.NodeId{Addr: [16]byte{b}, Port: 7000, Pid: pid} }
func entry(b byte, vnodes uint16) cluster.NodeEntry {
	return cluster.NewNodeEntry([16]byte{b}, 7000, 0, vnodes)
}

func TestBootstrapFirstNodeFormatsAndTriggersRecovery(t *testing.T) {
	p, _, _ := newTestProtocol(t)
	require.NoError(t, p.Format())

	trigger, err := p.BootstrapFirstNode(id(1, 100), entry(1, 4))
	require.NoError(t, err)
	assert.True(t, trigger)
	assert.Equal(t, cluster.OK, p.Status())
	assert.Equal(t, uint32(1), p.Epoch())
	assert.True(t, p.JoinFinished())
}

func TestArbitrateInitWaitForFormatRejectsNonEmptyJoiner(t *testing.T) {
	p, _, _ := newTestProtocol(t)
	body := &wire.JoinBody{Entries: []cluster.NodeEntry{entry(9, 4)}}
	p.ArbitrateInit(body, entry(9, 4), wire.ProtoVer)
	assert.Equal(t, wire.NotFormatted, body.Result)
}

func TestArbitrateInitRejectsProtoVerMismatch(t *testing.T) {
	p, _, _ := newTestProtocol(t)
	body := &wire.JoinBody{Entries: []cluster.NodeEntry{entry(9, 4)}}
	p.ArbitrateInit(body, entry(9, 4), wire.ProtoVer+1)
	assert.Equal(t, wire.VerMismatch, body.Result)
}

func TestArbitrateInitAcceptsStaleEpochRejoinWhileOK(t *testing.T) {
	p, _, el := newTestProtocol(t)
	require.NoError(t, p.Format())
	_, err := p.BootstrapFirstNode(id(1, 100), entry(1, 4))
	require.NoError(t, err)
	require.Equal(t, cluster.OK, p.Status())

	// A rejoining node offers a stale epoch and an entry list that
	// doesn't match the master's current snapshot at all; since the
	// master is already OK this is accepted unconditionally instead of
	// being rejected as InvalidEpoch/NewNodeVer.
	body := &wire.JoinBody{
		Epoch:   p.Epoch() - 1,
		Ctime:   mustCtimeNanos(t, el),
		Entries: []cluster.NodeEntry{entry(9, 4)},
	}
	p.ArbitrateInit(body, entry(9, 4), wire.ProtoVer)
	assert.Equal(t, wire.Success, body.Result)
	assert.Equal(t, cluster.OK, body.ClusterStatus)
	assert.True(t, body.IncEpoch)
}

func mustCtimeNanos(t *testing.T, el *epochlog.Gateway) int64 {
	t.Helper()
	ctime, ok := el.Ctime()
	require.True(t, ok)
	return ctime.UnixNano()
}

func TestUpdateClusterInfoAdoptsNrSobjsOnFirstFin(t *testing.T) {
	p, mem, _ := newTestProtocol(t)
	_, ok := p.AdoptedNrSobjs()
	assert.False(t, ok)

	joiner := id(2, 200)
	mem.AddPre(joiner)
	mem.SetPreEntry(joiner, entry(2, 4))

	body := &wire.JoinBody{
		Result:        wire.Success,
		ClusterStatus: cluster.WaitForJoin,
		NrSobjs:       3,
		Entries:       nil,
	}
	msg := &wire.Message{
		Header: wire.Header{Op: wire.OpJoin, State: wire.StateFin, From: entry(2, 4), SheepId: joiner},
		Body:   body,
	}
	require.NoError(t, p.UpdateClusterInfo(msg, true))

	got, ok := p.AdoptedNrSobjs()
	assert.True(t, ok)
	assert.Equal(t, uint32(3), got)

	// a second FIN with a different value does not overwrite what was
	// already adopted (join_finished short-circuits step 2 entirely).
	body2 := &wire.JoinBody{Result: wire.Success, ClusterStatus: cluster.OK, NrSobjs: 9}
	msg2 := &wire.Message{Header: wire.Header{Op: wire.OpJoin, State: wire.StateFin, SheepId: joiner}, Body: body2}
	require.NoError(t, p.UpdateClusterInfo(msg2, false))
	got, ok = p.AdoptedNrSobjs()
	assert.True(t, ok)
	assert.Equal(t, uint32(3), got)
}

func TestUpdateClusterInfoPromotesJoinerAndAdvancesEpoch(t *testing.T) {
	p, mem, _ := newTestProtocol(t)
	require.NoError(t, p.Format())
	_, err := p.BootstrapFirstNode(id(1, 100), entry(1, 4))
	require.NoError(t, err)

	// second node pre-announced by the driver, with its entry known.
	joiner := id(2, 200)
	mem.AddPre(joiner)
	mem.SetPreEntry(joiner, entry(2, 4))

	body := &wire.JoinBody{
		Epoch:         p.Epoch(),
		Result:        wire.Success,
		ClusterStatus: cluster.OK,
		IncEpoch:      true,
		Entries:       []cluster.NodeEntry{entry(1, 4)},
	}
	msg := &wire.Message{
		Header: wire.Header{Op: wire.OpJoin, State: wire.StateFin, From: entry(2, 4), SheepId: joiner},
		Body:   body,
	}

	require.NoError(t, p.UpdateClusterInfo(msg, false))
	assert.Equal(t, uint32(2), p.Epoch())
	assert.Equal(t, 2, mem.Size())
	_, ok := mem.FindInCluster(joiner)
	assert.True(t, ok)
}

func TestUpdateClusterInfoRejectedJoinerReturnsError(t *testing.T) {
	p, _, _ := newTestProtocol(t)
	body := &wire.JoinBody{Result: wire.InvalidCtime}
	msg := &wire.Message{Header: wire.Header{SheepId: id(1, 1)}, Body: body}
	assert.Error(t, p.UpdateClusterInfo(msg, true))
}

func TestUpdateClusterInfoRejectedPeerIsIgnored(t *testing.T) {
	p, _, _ := newTestProtocol(t)
	body := &wire.JoinBody{Result: wire.InvalidCtime}
	msg := &wire.Message{Header: wire.Header{SheepId: id(1, 1)}, Body: body}
	assert.NoError(t, p.UpdateClusterInfo(msg, false))
}

func TestMasterTransferTerminal(t *testing.T) {
	body := &wire.JoinBody{Result: wire.JoinFailed, Epoch: 5, ClusterStatus: cluster.WaitForJoin}
	assert.True(t, MasterTransferTerminal(body, 9))
	assert.False(t, MasterTransferTerminal(body, 3))
}

func TestApplyMasterTransferAddsToLeaveListWhileWaiting(t *testing.T) {
	p, mem, el := newTestProtocol(t)
	p.clusterStatus = cluster.WaitForJoin
	sender := entry(3, 4)
	require.NoError(t, el.Write(p.Epoch(), []cluster.NodeEntry{sender}))

	p.ApplyMasterTransfer(sender)
	assert.Contains(t, mem.LeaveList(), sender)
}

func TestApplyLeaveWhileOKAdvancesEpochAndTriggersRecovery(t *testing.T) {
	p, _, el := newTestProtocol(t)
	p.clusterStatus = cluster.OK
	p.epoch = 1
	left := entry(3, 4)
	remaining := []cluster.NodeEntry{entry(1, 4), entry(2, 4)}
	require.NoError(t, el.Write(1, []cluster.NodeEntry{entry(1, 4), entry(2, 4), left}))

	trigger, err := p.ApplyLeave(left, remaining)
	require.NoError(t, err)
	assert.True(t, trigger)
	assert.Equal(t, uint32(2), p.Epoch())

	persisted, err := el.Read(2)
	require.NoError(t, err)
	assert.Equal(t, remaining, persisted)
}

func TestApplyLeaveWhileWaitingForJoinOnlyUpdatesLeaveList(t *testing.T) {
	p, mem, el := newTestProtocol(t)
	p.clusterStatus = cluster.WaitForJoin
	left := entry(3, 4)
	require.NoError(t, el.Write(p.Epoch(), []cluster.NodeEntry{left}))

	trigger, err := p.ApplyLeave(left, nil)
	require.NoError(t, err)
	assert.False(t, trigger)
	assert.Contains(t, mem.LeaveList(), left)
	assert.Equal(t, uint32(0), p.Epoch())
}
