package run

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distsheep/sheepd/pkg/config"
)

func TestLoadConfigFallsBackToDefaultsWhenPathEmpty(t *testing.T) {
	c, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 0, c.NrSobjs)
}

func TestLoadConfigFallsBackToDefaultsWhenFileMissing(t *testing.T) {
	c, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 0, c.NrSobjs)
}

func TestBuildArchiverDisabledByDefault(t *testing.T) {
	a, err := buildArchiver(config.ArchiveConfig{})
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestBuildArchiverRejectsUnknownBackend(t *testing.T) {
	_, err := buildArchiver(config.ArchiveConfig{Backend: "azure"})
	assert.Error(t, err)
}

func TestBuildArchiverS3(t *testing.T) {
	a, err := buildArchiver(config.ArchiveConfig{Backend: "s3", Bucket: "b", Prefix: "p", Region: "us-east-1"})
	require.NoError(t, err)
	require.NotNil(t, a)
	a.Close()
}
