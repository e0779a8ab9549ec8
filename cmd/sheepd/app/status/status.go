// Package status implements "sheepd status", an offline inspection of a
// node's data directory: the latest persisted epoch and its node-entry
// snapshot, read directly off the Epoch Log Gateway's bbolt file rather
// than by contacting a running process (sheepd exposes no client RPC
// transport, unlike etcd's client port that the teacher's own status
// tooling relies on).
package status

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/distsheep/sheepd/pkg/epochlog"
)

var opts struct {
	Dir string
}

// NewCommand builds the "sheepd status" command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "status",
		Short:         "show the latest persisted epoch in a node's data directory",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts.Dir)
		},
	}
	cmd.Flags().StringVarP(&opts.Dir, "dir", "d", "data", "sheepd data directory")
	return cmd
}

func run(dir string) error {
	el, err := epochlog.Open(dir + "/epoch.db")
	if err != nil {
		return err
	}
	defer el.Close()

	epoch := el.Latest()
	if epoch == 0 {
		color.Yellow("no epoch has been persisted yet")
		return nil
	}

	entries, err := el.Read(epoch)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen, color.Bold)
	green.Printf("epoch %d\n", epoch)
	if ctime, ok := el.Ctime(); ok {
		fmt.Printf("cluster ctime: %s\n", ctime)
	}
	fmt.Printf("%d node(s):\n", len(entries))
	for _, e := range entries {
		fmt.Printf("  %s\n", e)
	}
	return nil
}
