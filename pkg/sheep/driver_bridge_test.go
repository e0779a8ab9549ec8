package sheep

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distsheep/sheepd/pkg/cluster"
	"github.com/distsheep/sheepd/pkg/dispatch"
	"github.com/distsheep/sheepd/pkg/eventqueue"
	"github.com/distsheep/sheepd/pkg/log"
	"github.com/distsheep/sheepd/pkg/wire"
)

type recordingMembership struct {
	joins  []cluster.NodeId
	leaves []cluster.NodeId
}

func (m *recordingMembership) HandleJoin(id cluster.NodeId, _ []cluster.NodeId) error {
	m.joins = append(m.joins, id)
	return nil
}
func (m *recordingMembership) HandleLeave(id cluster.NodeId, _ []cluster.NodeId) error {
	m.leaves = append(m.leaves, id)
	return nil
}

type recordingNotify struct {
	stage1, stage2 []*wire.Message
}

func (n *recordingNotify) ShouldSkip(*wire.Message) bool { return false }
func (n *recordingNotify) HandleNotifyStage1(msg *wire.Message) error {
	n.stage1 = append(n.stage1, msg)
	return nil
}
func (n *recordingNotify) HandleNotifyStage2(_ context.Context, msg *wire.Message, _ dispatch.PendingList) error {
	n.stage2 = append(n.stage2, msg)
	return nil
}

type noAdmission struct{}

func (noAdmission) Admit(*wire.Request) eventqueue.AdmitResult { return eventqueue.AdmitHandled }

type noPending struct{}

func (noPending) Take(string) (*wire.Request, bool) { return nil, false }

func TestDriverBridgeEnqueuesEachCallbackKind(t *testing.T) {
	mh := &recordingMembership{}
	nh := &recordingNotify{}
	q := eventqueue.New(mh, nh, noAdmission{}, noPending{}, nil, nil)
	b := &driverBridge{queue: q, log: log.Named("test")}

	b.OnJoin(selfID(), []cluster.NodeId{selfID()})
	assert.Equal(t, []cluster.NodeId{selfID()}, mh.joins)

	b.OnLeave(peerID(2), []cluster.NodeId{selfID()})
	assert.Equal(t, []cluster.NodeId{peerID(2)}, mh.leaves)

	msg := &wire.Message{Header: wire.Header{Op: wire.OpMasterTransfer}, Body: &wire.MasterTransferBody{}}
	payload, err := wire.Encode(msg)
	require.NoError(t, err)
	b.OnNotify(selfID(), payload)
	require.Len(t, nh.stage1, 1)
	assert.Equal(t, wire.OpMasterTransfer, nh.stage1[0].Header.Op)
}

func TestDriverBridgeOnNotifyDropsUndecodablePayload(t *testing.T) {
	mh := &recordingMembership{}
	nh := &recordingNotify{}
	q := eventqueue.New(mh, nh, noAdmission{}, noPending{}, nil, nil)
	b := &driverBridge{queue: q, log: log.Named("test")}

	b.OnNotify(selfID(), []byte("not a gob stream"))
	assert.Empty(t, nh.stage1)
}
