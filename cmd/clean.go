// qext clean [path]
package cmd

import (
	"github.com/qobs-build/qext/internal/msg"
	"github.com/spf13/cobra"
)

var flagCleanAll bool

var cleanCmd = &cobra.Command{
	Use:   "clean [extension path]",
	Short: "Remove build output",
	Long:  `Remove the build directory. With --all, modules copied in place are removed too.`,
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		b, _ := newBuilder(cmd, targetDir(args))
		if err := b.Clean(flagCleanAll); err != nil {
			msg.Fatal("%v", err)
		}
		msg.Info("removed %s", b.BuildDir())
	},
}

func init() {
	rootCmd.AddCommand(cleanCmd)
	cleanCmd.Flags().BoolVarP(&flagCleanAll, "all", "a", false, "Also remove modules built with --inplace")
}
