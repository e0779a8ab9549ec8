package sheep

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distsheep/sheepd/pkg/wire"
)

func newTestSystem(t *testing.T) (*System, *fakeDriver) {
	t.Helper()
	drv := &fakeDriver{}
	s, err := New(Config{
		Self:         selfID(),
		SelfEntry:    selfEntry(),
		EpochLogPath: filepath.Join(t.TempDir(), "epoch.db"),
		Driver:       drv,
	})
	require.NoError(t, err)
	return s, drv
}

func TestStopBroadcastsGracefulLeave(t *testing.T) {
	s, drv := newTestSystem(t)
	require.NoError(t, s.Stop())

	require.Len(t, drv.notified, 1)
	msg := drv.notified[0]
	assert.Equal(t, wire.OpLeave, msg.Header.Op)
	assert.Equal(t, wire.StateFin, msg.Header.State)
	assert.Equal(t, wire.ProtoVer, msg.Header.ProtoVer)
	assert.True(t, msg.Header.SheepId.Equal(selfID()))

	body, ok := msg.Body.(*wire.LeaveBody)
	require.True(t, ok)
	assert.True(t, body.Entry.Equal(selfEntry()))
}

func TestEffectiveNrSobjsPrefersConfiguredThenAdoptedThenDefault(t *testing.T) {
	s, _ := newTestSystem(t)
	defer s.Stop()

	configured := func() int { return 0 }
	fn := effectiveNrSobjs(configured, s.proto)
	assert.Equal(t, defaultNrSobjs, fn())

	_, err := s.proto.BootstrapFirstNode(selfID(), selfEntry())
	require.NoError(t, err)
	assert.Equal(t, defaultNrSobjs, fn())

	configured = func() int { return 5 }
	fn = effectiveNrSobjs(configured, s.proto)
	assert.Equal(t, 5, fn())
}
