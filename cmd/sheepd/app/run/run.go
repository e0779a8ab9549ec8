// Package run implements "sheepd run", the process entrypoint that wires
// pkg/config, pkg/groupdriver, pkg/epochlog's optional archival mirror,
// and pkg/sheep into one running node, grounded on the teacher's
// cmd/e2d/app/run.NewCommand.
package run

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/distsheep/sheepd/pkg/cluster"
	"github.com/distsheep/sheepd/pkg/config"
	"github.com/distsheep/sheepd/pkg/epochlog"
	"github.com/distsheep/sheepd/pkg/groupdriver"
	"github.com/distsheep/sheepd/pkg/log"
	"github.com/distsheep/sheepd/pkg/netutil"
	"github.com/distsheep/sheepd/pkg/sheep"
)

var opts struct {
	ConfigFile string
}

// NewCommand builds the "sheepd run" command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "run",
		Short:         "start a sheepd node",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts.ConfigFile)
		},
	}
	cmd.Flags().StringVarP(&opts.ConfigFile, "config", "c", "", "config file (defaults are used when omitted)")
	return cmd
}

func run(configFile string) error {
	c, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if c.Debug {
		log.SetLevel(zapcore.DebugLevel)
	} else if c.LogLevel != 0 {
		log.SetLevel(c.LogLevel)
	}

	host, port, err := netutil.SplitHostPort(c.ClusterAddr)
	if err != nil {
		return errors.Wrap(err, "run: invalid cluster-addr")
	}
	self, err := groupdriver.SelfIDFromEnv(host, uint16(port))
	if err != nil {
		return err
	}
	selfEntry := cluster.NewNodeEntry(self.Addr, self.Port, c.Zone, c.NrVnodes)

	driver := groupdriver.New(&groupdriver.Config{
		BindAddr: host,
		BindPort: port,
		LogLevel: c.LogLevel,
	}, self)

	archiver, err := buildArchiver(c.Archive)
	if err != nil {
		return err
	}

	// No real object-store backend is wired in here; sheep.Config.Engine
	// is left nil and sheep.New falls back to vdi.NewMemEngine, the
	// in-memory reference implementation of the out-of-scope VDI engine
	// boundary.
	sys, err := sheep.New(sheep.Config{
		Self:                 self,
		SelfEntry:            selfEntry,
		EpochLogPath:         c.Dir + "/epoch.db",
		Archiver:             archiver,
		Driver:               driver,
		BitmapBits:           c.BitmapBits,
		NrSobjs:              func() int { return c.NrSobjs },
		IOWorkers:            c.IOWorkers,
		GatewayWorkers:       c.GatewayWorkers,
		PartitionDialTimeout: c.PartitionDialTimeout,
	})
	if err != nil {
		return errors.Wrap(err, "run: cannot build node")
	}

	if err := sys.Join(c.BootstrapAddrs); err != nil {
		return errors.Wrap(err, "run: join failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	runErr := sys.Run(ctx)
	if err := sys.Stop(); err != nil {
		log.Errorf("shutdown error: %+v", err)
	}
	if runErr != nil && runErr != context.Canceled {
		return runErr
	}
	return nil
}

func loadConfig(path string) (*config.Configuration, error) {
	if path == "" {
		return config.Default()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default()
	}
	return config.Load(path)
}

// buildArchiver wires the epoch log's optional off-node mirror; a.Backend
// of "" leaves archival disabled.
func buildArchiver(a config.ArchiveConfig) (*epochlog.Archiver, error) {
	switch a.Backend {
	case "":
		return nil, nil
	case "s3":
		sess, err := session.NewSession(&aws.Config{Region: aws.String(a.Region)})
		if err != nil {
			return nil, errors.Wrap(err, "run: cannot build s3 session")
		}
		return epochlog.NewArchiver(sess, a.Bucket, a.Prefix), nil
	case "digitalocean":
		return epochlog.NewDigitalOceanArchiver(epochlog.DigitalOceanConfig{
			SpacesURL:       a.SpacesURL,
			SpacesAccessKey: a.SpacesAccessKey,
			SpacesSecretKey: a.SpacesSecretKey,
			APIToken:        a.DOAPIToken,
		}, a.Prefix)
	default:
		return nil, errors.Errorf("run: unknown archive backend %#v", a.Backend)
	}
}
