package config

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFillsInDefaults(t *testing.T) {
	c := &Configuration{ClusterAddr: "0.0.0.0:7070"}
	require.NoError(t, c.validate())
	assert.Equal(t, "data", c.Dir)
	assert.Equal(t, 0, c.NrSobjs)
	assert.Equal(t, 4, c.IOWorkers)
	assert.Equal(t, 4, c.GatewayWorkers)
	assert.NotEmpty(t, c.Host)
	assert.Equal(t, c.Host+":7070", c.ClusterAddr)
}

func TestValidateDefaultsClusterAddrPort(t *testing.T) {
	c := &Configuration{ClusterAddr: "0.0.0.0:0"}
	require.NoError(t, c.validate())
	assert.Contains(t, c.ClusterAddr, ":7070")
}

func TestValidateDefaultsEmptyClusterAddr(t *testing.T) {
	c := &Configuration{}
	require.NoError(t, c.validate())
	assert.Contains(t, c.ClusterAddr, ":7070")
}

func TestValidateRejectsUnknownArchiveBackend(t *testing.T) {
	c := &Configuration{Archive: ArchiveConfig{Backend: "azure"}}
	assert.Error(t, c.validate())
}

func TestValidateFixesUnspecifiedBootstrapHosts(t *testing.T) {
	c := &Configuration{BootstrapAddrs: []string{"0.0.0.0:7070"}}
	require.NoError(t, c.validate())
	assert.Equal(t, c.Host+":7070", c.BootstrapAddrs[0])
}

func TestLoadParsesYAMLAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sheepd.yaml")
	yaml := "dir: /var/lib/sheepd\ncluster-addr: \"0.0.0.0:7070\"\nnr-sobjs: 3\n"
	require.NoError(t, ioutil.WriteFile(path, []byte(yaml), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/sheepd", c.Dir)
	assert.Equal(t, 3, c.NrSobjs)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
