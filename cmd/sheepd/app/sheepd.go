// Package app assembles the sheepd command tree, grounded on the
// teacher's cmd/e2d/app.NewCommand: a root command with a persistent
// --verbose flag and one subcommand package per verb.
package app

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/distsheep/sheepd/cmd/sheepd/app/run"
	"github.com/distsheep/sheepd/cmd/sheepd/app/status"
	"github.com/distsheep/sheepd/cmd/sheepd/app/version"
	"github.com/distsheep/sheepd/pkg/log"
)

var opts struct {
	Verbose bool
}

// NewCommand builds the sheepd root command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sheepd",
		Short: "distributed object storage cluster daemon",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.Verbose {
				log.SetLevel(zapcore.DebugLevel)
			}
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose log output (debug)")
	cmd.AddCommand(
		run.NewCommand(),
		status.NewCommand(),
		version.NewCommand(),
	)
	return cmd
}
