// qext [path], qext build [path]
package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/qobs-build/qext/internal/builder"
	"github.com/qobs-build/qext/internal/msg"
	"github.com/qobs-build/qext/internal/settings"
	"github.com/spf13/cobra"
)

var (
	flagVerbose   bool
	flagConfig    string
	flagProfile   string
	flagInplace   bool
	flagJobs      int
	flagGenerator EnumValue = NewEnumValue(builder.GeneratorQext, map[string]string{
		builder.GeneratorQext:   "Use qext's builder (default)",
		builder.GeneratorNinja:  "Generates build.ninja files",
		builder.GeneratorVS2022: "Generates Visual Studio 2022 project files",
	})
)

func targetDir(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "."
}

// loadSettings reads the user settings; flags given on the command line win
func loadSettings(cmd *cobra.Command) *settings.Settings {
	s, err := settings.Load(flagConfig)
	if err != nil {
		msg.Fatal("%v", err)
	}
	flags := cmd.Flags()
	if flags.Changed("jobs") && flagJobs > 0 {
		s.Jobs = flagJobs
	}
	if flags.Changed("gen") {
		s.Generator = flagGenerator.Value()
	}
	if flags.Changed("profile") {
		s.Profile = flagProfile
	}
	msg.Debug("settings", "generator", s.Generator, "profile", s.Profile, "jobs", s.Jobs)
	return s
}

func newBuilder(cmd *cobra.Command, dir string) (*builder.Builder, builder.BuildOptions) {
	s := loadSettings(cmd)
	b, err := builder.NewBuilderInDirectory(dir, s)
	if err != nil {
		msg.Fatal("%v", err)
	}
	return b, builder.BuildOptions{Profile: s.Profile, Generator: s.Generator, Inplace: flagInplace}
}

func doBuild(cmd *cobra.Command, args []string) {
	b, opts := newBuilder(cmd, targetDir(args))
	result, err := b.Build(cmd.Context(), opts)
	if err != nil {
		msg.Fatal("%v", err)
	}
	if result.UpToDate {
		msg.Debug("module is up to date", "path", result.Artifact)
		return
	}
	msg.Info("built %s", result.Artifact)
	if result.Inplace != "" {
		msg.Info("copied to %s", result.Inplace)
	}
}

var rootCmd = &cobra.Command{
	Use:   "qext [extension path]",
	Short: "Build native extension modules",
	Long: `Build a native extension module from a Qext.toml descriptor: the bridge
source is translated, then compiled and linked together with the native sources.`,
	Args: cobra.MaximumNArgs(1),
	Run:  doBuild,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		msg.SetVerbose(flagVerbose)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

var buildCmd = &cobra.Command{
	Use:   "build [extension path]",
	Short: "Build the extension module",
	Long:  `Build the extension module. If no path is given, uses "."`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doBuild,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Log every tool invocation")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Settings file (default $QEXT_CONFIG or <config dir>/qext/config.toml)")

	addBuildFlags(rootCmd)

	// qext build subcommand
	rootCmd.AddCommand(buildCmd)
	addBuildFlags(buildCmd)
}

func addBuildFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flagProfile, "profile", "p", "debug", "Build with the given profile")
	cmd.Flags().VarP(&flagGenerator, "gen", "g", "Generator to build with, one of "+flagGenerator.HelpString())
	cmd.Flags().BoolVarP(&flagInplace, "inplace", "i", false, "Copy the module next to Qext.toml")
	cmd.Flags().IntVarP(&flagJobs, "jobs", "j", 0, "Number of parallel compile jobs (default: number of CPUs)")
	cmd.RegisterFlagCompletionFunc("gen", flagGenerator.CompletionFunc())
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		msg.Error("%v", err)
		os.Exit(1)
	}
}
