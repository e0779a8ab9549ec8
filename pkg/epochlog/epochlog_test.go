package epochlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distsheep/sheepd/pkg/cluster"
)

func openTestGateway(t *testing.T) *Gateway {
	t.Helper()
	dir := t.TempDir()
	g, err := Open(filepath.Join(dir, "epoch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestWriteReadRoundTrip(t *testing.T) {
	g := openTestGateway(t)
	entries := []cluster.NodeEntry{
		cluster.NewNodeEntry([16]byte{1}, 7000, 0, 64),
		cluster.NewNodeEntry([16]byte{2}, 7000, 0, 64),
	}

	require.NoError(t, g.Write(3, entries))
	got, err := g.Read(3)
	require.NoError(t, err)
	assert.True(t, cluster.EntriesEqual(entries, got))
	assert.Equal(t, uint32(3), g.Latest())
}

func TestReadMissingEpochReturnsErrNoTag(t *testing.T) {
	g := openTestGateway(t)
	_, err := g.Read(99)
	assert.Equal(t, ErrNoTag, err)
}

func TestLatestTracksHighestWrittenEpoch(t *testing.T) {
	g := openTestGateway(t)
	require.NoError(t, g.Write(1, nil))
	require.NoError(t, g.Write(5, nil))
	require.NoError(t, g.Write(2, nil))
	assert.Equal(t, uint32(5), g.Latest())
}

func TestCtimeSetOnce(t *testing.T) {
	g := openTestGateway(t)
	_, ok := g.Ctime()
	assert.False(t, ok)

	now := time.Now()
	require.NoError(t, g.SetCtime(now))

	got, ok := g.Ctime()
	require.True(t, ok)
	assert.Equal(t, now.UnixNano(), got.UnixNano())

	assert.Error(t, g.SetCtime(time.Now()))
}

type stubRemote struct {
	entries []cluster.NodeEntry
	err     error
}

func (s *stubRemote) FetchEpoch(epoch uint32) ([]cluster.NodeEntry, error) {
	return s.entries, s.err
}

func TestReadRemoteFallsBackWhenLocalMissing(t *testing.T) {
	g := openTestGateway(t)
	want := []cluster.NodeEntry{cluster.NewNodeEntry([16]byte{9}, 7000, 0, 8)}
	g.SetRemote(&stubRemote{entries: want})

	got, err := g.ReadRemote(7)
	require.NoError(t, err)
	assert.True(t, cluster.EntriesEqual(want, got))
}

func TestRemove(t *testing.T) {
	g := openTestGateway(t)
	require.NoError(t, g.Write(1, []cluster.NodeEntry{cluster.NewNodeEntry([16]byte{1}, 7000, 0, 1)}))
	require.NoError(t, g.Remove(1))
	_, err := g.Read(1)
	assert.Equal(t, ErrNoTag, err)
}
