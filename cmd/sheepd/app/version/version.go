package version

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/distsheep/sheepd/pkg/buildinfo"
)

// NewCommand builds the "sheepd version" command, colorized the way the
// teacher's fatih/color dependency is used for CLI status text.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "version",
		Short:         "print sheepd version information",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			bold := color.New(color.Bold)
			bold.Print("sheepd ")
			fmt.Println(valueOr(buildinfo.Version, "(devel)"))
			fmt.Printf("  git sha:    %s\n", valueOr(buildinfo.GitSHA, "unknown"))
			fmt.Printf("  build date: %s\n", valueOr(buildinfo.Date, "unknown"))
			fmt.Printf("  go version: %s\n", buildinfo.GoVersion)
			return nil
		},
	}
	return cmd
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
