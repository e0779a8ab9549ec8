// Package config implements sheepd's process configuration: defaulting
// and validation in the teacher's (*Config).validate() style, plus YAML
// loading for cmd/sheepd.
package config

import (
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	yaml "gopkg.in/yaml.v2"

	"github.com/distsheep/sheepd/pkg/netutil"
)

// DefaultClusterPort is used when ClusterAddr omits a port.
const DefaultClusterPort = 7070

// Configuration is the top-level sheepd process configuration, loaded from
// the YAML file cmd/sheepd is given with -c (or built by Default).
type Configuration struct {
	// Dir is the data directory; the epoch log lives at Dir/epoch.db.
	Dir string `yaml:"dir"`

	// Host, when set, overrides IPv4 auto-detection for every address
	// below that is left unspecified (0.0.0.0).
	Host string `yaml:"host"`

	// ClusterAddr is this node's group-driver bind address.
	ClusterAddr string `yaml:"cluster-addr"`

	// BootstrapAddrs seeds the initial Join call; empty starts (or
	// rejoins) a single-node cluster.
	BootstrapAddrs []string `yaml:"bootstrap-addrs"`

	// NrSobjs is the cluster's configured replication factor (§4.7). 0
	// means this node has no preference of its own: it adopts whatever
	// value the master's Join response carries (join.Protocol's
	// AdoptedNrSobjs), falling back to 1 whenever nothing has been
	// adopted.
	NrSobjs int `yaml:"nr-sobjs"`

	// Zone groups nodes for replica placement (§4.7); 0 defaults to the
	// low 4 bytes of the node's address, per cluster.NewNodeEntry.
	Zone uint32 `yaml:"zone"`

	// NrVnodes is this node's weight on the consistent-hash vnode ring.
	NrVnodes uint16 `yaml:"nr-vnodes"`

	// IOWorkers/GatewayWorkers size the `io`/`gateway` worker pools (§5).
	IOWorkers      int `yaml:"io-workers"`
	GatewayWorkers int `yaml:"gateway-workers"`

	// PartitionDialTimeout bounds each Partition Guard reachability probe
	// (§4.8).
	PartitionDialTimeout time.Duration `yaml:"partition-dial-timeout"`

	// BitmapBits sizes the reference in-memory VDI engine's bitmap.
	BitmapBits int `yaml:"bitmap-bits"`

	// Archive optionally mirrors epoch snapshots off-node.
	Archive ArchiveConfig `yaml:"archive"`

	LogLevel zapcore.Level `yaml:"log-level"`
	Debug    bool          `yaml:"debug"`
}

// ArchiveConfig selects and configures the epoch log mirror backend.
type ArchiveConfig struct {
	// Backend is "", "s3", or "digitalocean". "" disables archival.
	Backend string `yaml:"backend"`

	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`

	SpacesURL       string `yaml:"spaces-url"`
	SpacesAccessKey string `yaml:"spaces-access-key"`
	SpacesSecretKey string `yaml:"spaces-secret-key"`
	DOAPIToken      string `yaml:"do-api-token"`
}

// Default returns a validated Configuration with every field at its
// zero value, used by cmd/sheepd when no config file is given.
func Default() (*Configuration, error) {
	c := &Configuration{}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads and parses a YAML configuration file, then validates it.
func Load(path string) (*Configuration, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config file: %#v", path)
	}
	var c Configuration
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrapf(err, "cannot parse config file: %#v", path)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// validate fills in defaults and normalizes addresses, mirroring the
// teacher's (*Config).validate(): unspecified hosts are resolved once via
// netutil.DetectHostIPv4 and every address below inherits that host.
func (c *Configuration) validate() error {
	if c.Dir == "" {
		c.Dir = "data"
	}
	if c.IOWorkers == 0 {
		c.IOWorkers = 4
	}
	if c.GatewayWorkers == 0 {
		c.GatewayWorkers = 4
	}
	if c.NrVnodes == 0 {
		c.NrVnodes = 128
	}
	if c.PartitionDialTimeout == 0 {
		c.PartitionDialTimeout = 2 * time.Second
	}
	if c.BitmapBits == 0 {
		c.BitmapBits = 1024
	}

	if c.Host == "" {
		var err error
		c.Host, err = netutil.DetectHostIPv4()
		if err != nil {
			return err
		}
	}

	if c.ClusterAddr == "" {
		c.ClusterAddr = "0.0.0.0:0"
	}
	addr, err := netutil.ParseAddr(c.ClusterAddr)
	if err != nil {
		return errors.Wrap(err, "cannot parse cluster-addr")
	}
	if addr.IsUnspecified() {
		addr.Host = c.Host
	}
	if addr.Port == 0 {
		addr.Port = DefaultClusterPort
	}
	c.ClusterAddr = addr.String()

	for i, baddr := range c.BootstrapAddrs {
		if a, err := netutil.ParseAddr(baddr); err == nil && a.IsUnspecified() {
			a.Host = c.Host
			c.BootstrapAddrs[i] = a.String()
			continue
		}
		fixed, err := netutil.FixUnspecifiedHostAddr(baddr)
		if err != nil {
			return errors.Wrapf(err, "cannot determine ipv4 address from host string: %#v", baddr)
		}
		c.BootstrapAddrs[i] = fixed
	}

	switch c.Archive.Backend {
	case "", "s3", "digitalocean":
	default:
		return errors.Errorf("config: unknown archive backend %#v", c.Archive.Backend)
	}
	return nil
}
