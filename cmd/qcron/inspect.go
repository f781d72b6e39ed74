package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"qcron/internal/app"
	"qcron/internal/config"
	"qcron/internal/job"
	"qcron/internal/task/cronspec"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.NewConfigManager(cfgPath).Parse()
		if err != nil {
			return err
		}
		if err := app.ValidateConfig(cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d driver(s))\n", cfgPath, len(cfg.Drivers))
		return nil
	},
}

var (
	nextCount int
	nextTZ    string
)

var nextCmd = &cobra.Command{
	Use:   "next <cron expression>",
	Short: "Print the next times a cron expression fires",
	Example: `  qcron next "*/15 9-17 * * mon-fri" -n 3
  qcron next @daily --tz Europe/Berlin`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loc := time.Local
		if nextTZ != "" {
			l, err := time.LoadLocation(nextTZ)
			if err != nil {
				return err
			}
			loc = l
		}
		times, err := cronspec.Upcoming(time.Now().In(loc), strings.Join(args, " "), nextCount)
		if err != nil {
			return err
		}
		for _, t := range times {
			fmt.Fprintln(cmd.OutOrStdout(), t.Format(time.RFC3339))
		}
		return nil
	},
}

var (
	futureCount int
	futureJob   int64
)

var futureCmd = &cobra.Command{
	Use:   "future",
	Short: "Project the next scheduled runs of the stored jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(func(ctx context.Context, svc *app.Service) error {
			var id *int64
			if futureJob > 0 {
				id = &futureJob
			}
			runs, err := svc.ProjectFutureRuns(ctx, id, futureCount)
			if err != nil {
				return err
			}
			return printFuture(cmd.OutOrStdout(), runs)
		})
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List stored jobs as a parent/child tree",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(func(ctx context.Context, svc *app.Service) error {
			roots, err := svc.JobTree(ctx)
			if err != nil {
				return err
			}
			printTree(cmd.OutOrStdout(), roots, 0)
			return nil
		})
	},
}

func init() {
	nextCmd.Flags().IntVarP(&nextCount, "count", "n", 5, "number of times to print")
	nextCmd.Flags().StringVar(&nextTZ, "tz", "", "IANA time zone (default local)")
	futureCmd.Flags().IntVarP(&futureCount, "count", "n", 10, "number of runs to project")
	futureCmd.Flags().Int64Var(&futureJob, "job", 0, "only this job id")
}

// withApp builds the app without starting it, so nothing is dispatched.
func withApp(fn func(ctx context.Context, svc *app.Service) error) error {
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = fn(ctx, a.Service())
	_ = a.Stop(ctx, app.StopAppStop)
	return err
}

func printFuture(w io.Writer, runs []job.FutureRun) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tJOB\tID")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", r.At.Format(time.RFC3339), r.Name, r.JobID)
	}
	return tw.Flush()
}

func printTree(w io.Writer, nodes []*job.Node, depth int) {
	for _, n := range nodes {
		fmt.Fprintf(w, "%s#%d %s\n", strings.Repeat("  ", depth), n.ID, n.Name)
		printTree(w, n.Children, depth+1)
	}
}
