// qext run [path] [-- args]
package cmd

import (
	"github.com/qobs-build/qext/internal/msg"
	"github.com/spf13/cobra"
)

func doRun(cmd *cobra.Command, args []string) {
	dir := "."
	dash := cmd.ArgsLenAtDash()
	if dash > 1 {
		msg.Fatal("expected at most one extension path before --, got %d", dash)
	}
	if dash != 0 && len(args) > 0 {
		dir = args[0]
		args = args[1:]
	}

	b, opts := newBuilder(cmd, dir)
	// other arguments will be passed to the interpreter
	if err := b.BuildAndRun(cmd.Context(), opts, args); err != nil {
		msg.Fatal("%v", err)
	}
}

var runCmd = &cobra.Command{
	Use:   "run [extension path] [-- interpreter args]",
	Short: "Build the module and load it in the host interpreter",
	Long: `Build the module and run the host interpreter with the build directory on its
module path. Without interpreter arguments the module is only imported.`,
	Args: cobra.ArbitraryArgs,
	Run:  doRun,
}

func init() {
	// qext run subcommand
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&flagProfile, "profile", "p", "debug", "Build with the given profile")
	runCmd.Flags().VarP(&flagGenerator, "gen", "g", "Generator to build with, one of "+flagGenerator.HelpString())
	runCmd.Flags().IntVarP(&flagJobs, "jobs", "j", 0, "Number of parallel compile jobs (default: number of CPUs)")
}
