package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "qcron",
	Short: "qcron runs recurring SQL and shell jobs on cron schedules",
	Long: `qcron keeps job definitions in a store, dispatches them on their
cron schedules and executes them on a bounded worker pool with retries.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./qcron.yaml", "path to config (yaml or json)")
	rootCmd.AddCommand(runCmd, checkCmd, nextCmd, futureCmd, jobsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
