package dispatch

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distsheep/sheepd/pkg/cluster"
	"github.com/distsheep/sheepd/pkg/epochlog"
	"github.com/distsheep/sheepd/pkg/groupdriver"
	"github.com/distsheep/sheepd/pkg/join"
	"github.com/distsheep/sheepd/pkg/vdi"
	"github.com/distsheep/sheepd/pkg/wire"
)

type noopDriver struct{ unicasts int }

func (d *noopDriver) Init(groupdriver.Handlers) (<-chan struct{}, error) { return nil, nil }
func (d *noopDriver) Join([]string) error                               { return nil }
func (d *noopDriver) Notify([]byte) error                               { return nil }
func (d *noopDriver) Unicast(cluster.NodeId, []byte) error              { d.unicasts++; return nil }
func (d *noopDriver) Dispatch() error                                   { return nil }
func (d *noopDriver) Self() cluster.NodeId                              { return cluster.NodeId{} }
func (d *noopDriver) Members() []cluster.NodeId                         { return nil }
func (d *noopDriver) Shutdown() error                                   { return nil }

func selfID() cluster.NodeId       { return cluster.NodeId{Addr: [16]byte{1}, Port: 7000, Pid: 1} }
func selfEntry() cluster.NodeEntry { return cluster.NewNodeEntry([16]byte{1}, 7000, 0, 4) }

func newHarness(t *testing.T) (*Dispatcher, *cluster.Membership, *join.Protocol, *epochlog.Gateway, *noopDriver) {
	d, mem, proto, el, drv, _ := newHarnessWithTrigger(t)
	return d, mem, proto, el, drv
}

// newHarnessWithTrigger is newHarness plus an observable recoveryTrigger:
// *triggered flips true the first time it fires.
func newHarnessWithTrigger(t *testing.T) (*Dispatcher, *cluster.Membership, *join.Protocol, *epochlog.Gateway, *noopDriver, *bool) {
	t.Helper()
	mem := cluster.New()
	el, err := epochlog.Open(filepath.Join(t.TempDir(), "epoch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = el.Close() })
	proto := join.New(mem, el, func() int64 { return 1 })
	require.NoError(t, proto.Format())
	engine := vdi.NewMemEngine(16)
	drv := &noopDriver{}
	triggered := new(bool)
	d := New(mem, proto, el, engine, drv, selfID(), func(uint32, []cluster.NodeEntry) { *triggered = true })
	return d, mem, proto, el, drv, triggered
}

func TestShouldSkipBeforeJoinFinished(t *testing.T) {
	d, _, _, _, _ := newHarness(t)
	other := cluster.NodeId{Addr: [16]byte{9}, Port: 7000, Pid: 9}
	msg := &wire.Message{Header: wire.Header{Op: wire.OpJoin, SheepId: other}}
	assert.True(t, d.ShouldSkip(msg))

	msg.Header.Op = wire.OpMasterTransfer
	assert.False(t, d.ShouldSkip(msg))
}

func TestHandleNotifyStage1ArbitratesInitJoinAtMaster(t *testing.T) {
	d, mem, proto, _, _ := newHarness(t)
	_, err := proto.BootstrapFirstNode(selfID(), selfEntry())
	require.NoError(t, err)
	require.True(t, mem.IsMaster(selfID()))

	body := &wire.JoinBody{Entries: nil}
	msg := &wire.Message{Header: wire.Header{ProtoVer: wire.ProtoVer, Op: wire.OpJoin, State: wire.StateInit, From: selfEntry(), SheepId: selfID()}, Body: body}
	require.NoError(t, d.HandleNotifyStage1(msg))
	assert.Equal(t, wire.StateFin, msg.Header.State)
	assert.Equal(t, wire.Success, body.Result)
}

func TestHandleNotifyStage1RejectsInitJoinProtoVerMismatch(t *testing.T) {
	d, _, proto, _, _ := newHarness(t)
	_, err := proto.BootstrapFirstNode(selfID(), selfEntry())
	require.NoError(t, err)

	body := &wire.JoinBody{Entries: nil}
	msg := &wire.Message{Header: wire.Header{ProtoVer: wire.ProtoVer + 1, Op: wire.OpJoin, State: wire.StateInit, From: selfEntry(), SheepId: selfID()}, Body: body}
	require.NoError(t, d.HandleNotifyStage1(msg))
	assert.Equal(t, wire.VerMismatch, body.Result)
}

type fakePending struct {
	req *wire.Request
}

func (p *fakePending) Take(name string) (*wire.Request, bool) {
	if p.req == nil {
		return nil, false
	}
	r := p.req
	p.req = nil
	return r, true
}

func TestWakePendingVdiOpDeliversResult(t *testing.T) {
	d, _, _, _, _ := newHarness(t)
	req := wire.NewRequest(wire.OpVdiLookup, 1, 0, 0)
	pending := &fakePending{req: req}

	body := &wire.VdiOpBody{Name: "disk0", Result: wire.Success, OutData: []byte("ok")}
	msg := &wire.Message{Header: wire.Header{Op: wire.OpVdiOp, State: wire.StateFin, SheepId: selfID()}, Body: body}

	require.NoError(t, d.HandleNotifyStage2(context.Background(), msg, pending))
	select {
	case res := <-req.Reply:
		assert.Equal(t, wire.Success, res.Result)
		assert.Equal(t, []byte("ok"), res.Data)
	default:
		t.Fatal("expected reply to be delivered")
	}
}

func otherID() cluster.NodeId       { return cluster.NodeId{Addr: [16]byte{2}, Port: 7000, Pid: 2} }
func otherEntry() cluster.NodeEntry { return cluster.NewNodeEntry([16]byte{2}, 7000, 0, 4) }

func TestApplyLeaveWhileOKRemovesNodeAdvancesEpochAndTriggersRecovery(t *testing.T) {
	d, mem, proto, el, _, triggered := newHarnessWithTrigger(t)
	_, err := proto.BootstrapFirstNode(selfID(), selfEntry())
	require.NoError(t, err)

	mem.AddPre(otherID())
	mem.Promote(otherID(), otherEntry())
	require.NoError(t, el.Write(proto.Epoch(), []cluster.NodeEntry{selfEntry(), otherEntry()}))
	require.Equal(t, cluster.OK, proto.Status())

	msg := &wire.Message{Header: wire.Header{Op: wire.OpLeave, SheepId: otherID()}, Body: &wire.LeaveBody{Entry: otherEntry()}}
	require.NoError(t, d.HandleNotifyStage2(context.Background(), msg, &fakePending{}))

	_, stillMember := mem.FindInCluster(otherID())
	assert.False(t, stillMember)
	assert.NotContains(t, mem.LeaveList(), otherEntry())
	assert.Equal(t, uint32(2), proto.Epoch())
	assert.True(t, *triggered)
}

func TestApplyLeaveWhileWaitingForJoinOnlyUpdatesLeaveList(t *testing.T) {
	d, mem, proto, el, _, triggered := newHarnessWithTrigger(t)
	require.Equal(t, cluster.WaitForJoin, proto.Status())

	mem.AddPre(selfID())
	mem.Promote(selfID(), selfEntry())
	mem.AddPre(otherID())
	mem.Promote(otherID(), otherEntry())
	require.NoError(t, el.Write(proto.Epoch(), []cluster.NodeEntry{selfEntry(), otherEntry()}))

	msg := &wire.Message{Header: wire.Header{Op: wire.OpLeave, SheepId: otherID()}, Body: &wire.LeaveBody{Entry: otherEntry()}}
	require.NoError(t, d.HandleNotifyStage2(context.Background(), msg, &fakePending{}))

	_, stillMember := mem.FindInCluster(otherID())
	assert.False(t, stillMember)
	assert.Contains(t, mem.LeaveList(), otherEntry())
	assert.False(t, *triggered)
}

func TestApplyLeaveForUnknownNodeIsNoop(t *testing.T) {
	d, mem, proto, _, _, triggered := newHarnessWithTrigger(t)
	_, err := proto.BootstrapFirstNode(selfID(), selfEntry())
	require.NoError(t, err)

	msg := &wire.Message{Header: wire.Header{Op: wire.OpLeave, SheepId: otherID()}, Body: &wire.LeaveBody{Entry: otherEntry()}}
	require.NoError(t, d.HandleNotifyStage2(context.Background(), msg, &fakePending{}))

	assert.Equal(t, uint32(1), proto.Epoch())
	assert.False(t, *triggered)
	assert.Empty(t, mem.LeaveList())
}

func TestResyncVdiBitmapUnicastsToEveryOtherMember(t *testing.T) {
	d, mem, _, _, drv := newHarness(t)
	mem.AddPre(cluster.NodeId{Addr: [16]byte{2}, Port: 7000, Pid: 2})
	mem.Promote(cluster.NodeId{Addr: [16]byte{2}, Port: 7000, Pid: 2}, cluster.NewNodeEntry([16]byte{2}, 7000, 0, 4))
	mem.AddPre(selfID())
	mem.Promote(selfID(), selfEntry())

	d.resyncVdiBitmap(context.Background())
	assert.Equal(t, 1, drv.unicasts)
}
