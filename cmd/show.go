// qext show [path]
package cmd

import (
	"fmt"

	"github.com/qobs-build/qext/internal/msg"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show [extension path]",
	Short: "Print the resolved extension target",
	Long: `Print the target as a build would see it, as TOML: conditional sections are
applied, source patterns are expanded and the selected profile is included.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		b, opts := newBuilder(cmd, targetDir(args))
		out, err := b.Describe(opts.Profile)
		if err != nil {
			msg.Fatal("%v", err)
		}
		fmt.Fprint(msg.Output, out)
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
	showCmd.Flags().StringVarP(&flagProfile, "profile", "p", "debug", "Describe the given profile")
}
