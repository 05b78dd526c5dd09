package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"relay.evalgo.org/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		info := version.GetBuildInfo()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "relay %s\n", info.Version)
		fmt.Fprintf(out, "go    %s\n", info.GoVersion)
		if info.Revision != "" {
			rev := info.Revision
			if info.Modified {
				rev += " (modified)"
			}
			fmt.Fprintf(out, "rev   %s %s\n", rev, info.Time)
		}
		if verbose, _ := cmd.Flags().GetBool("deps"); verbose {
			for _, dep := range info.Dependencies {
				if dep.Replace != "" {
					fmt.Fprintf(out, "  %s %s => %s\n", dep.Path, dep.Version, dep.Replace)
					continue
				}
				fmt.Fprintf(out, "  %s %s\n", dep.Path, dep.Version)
			}
		}
		return nil
	},
}

func init() {
	versionCmd.Flags().Bool("deps", false, "also list module dependencies")
}
