package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags),
		createInspectCommand(),
		createDemoCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "evolset",
		Short: "Checkpointed dataset accumulation around background tasks",
		Long: `Evolset launches background preparation tasks, fills a dataset store
while they run, persists it under a count/time checkpoint policy and hands
it to a downstream command once every task succeeded.

Examples:
  evolset run --config evolset.toml
  evolset inspect dataset.json
  evolset inspect --history sqlite:///var/lib/evolset/history.db --run-id <id>
  evolset demo --out test.json`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	return root
}

func createRunCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run [config.toml]",
		Short: "Execute the pipeline once",
		Long: `Run launches the configured tasks, populates the store from the seed,
waits for every task, flushes the dataset and runs the hand-off.
Interrupting the run terminates the tasks and still flushes the store.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				flags.ConfigPath = args[0]
			}
			return runPipeline(cmd.Context(), flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print the result as JSON")
	return cmd
}

func createInspectCommand() *cobra.Command {
	flags := &InspectFlags{}
	cmd := &cobra.Command{
		Use:   "inspect [dataset.json]",
		Short: "Summarize a persisted dataset or list run history",
		Long: `Inspect prints the record count and the per-epoch and per-category
distribution of a dataset file. With --history it lists the lifecycle events
stored in a sqlite or postgres history database instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.Context(), flags, args, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.History, "history", "", "history DSN to list events from")
	cmd.Flags().StringVar(&flags.RunID, "run-id", "", "only list events of this run")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print as JSON")
	return cmd
}

func createDemoCommand() *cobra.Command {
	flags := &DemoFlags{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Write a seven-record sample dataset",
		Long: `Demo appends seven sample records (epochs 0..6) to a store that saves
every 5 records or 300 seconds, then flushes it to --out.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.Out, "out", "test.json", "dataset file to write")
	return cmd
}
