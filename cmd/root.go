// Package cmd implements the taskflow command line: the foreground
// runner, the web dashboard, and the process helpers.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// rootCmd doubles as the foreground runner: `taskflow tasks.yml` runs
// the queue in the terminal, subcommands cover everything else.
var rootCmd = &cobra.Command{
	Use:   "taskflow [config.yml]",
	Short: "taskflow - sequential GPU task queues with a web dashboard",
	Long: `taskflow runs shell commands one after another from a YAML task list,
keeping CUDA_VISIBLE_DEVICES holders from treading on each other.

Run a config directly to drain it in the foreground, or start the web
dashboard to manage several queues side by side:

  taskflow tasks.yml
  taskflow web tasks.yml --port 8080
  taskflow status
  taskflow monitor 12345 --name training`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}
		return runForeground(args[0])
	},
}

// Execute runs the command line. It is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Version = version
	rootCmd.AddCommand(webCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(monitorCmd)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
