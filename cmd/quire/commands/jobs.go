package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/quirehq/quire/errors"
	"github.com/quirehq/quire/internal/util"
	"github.com/quirehq/quire/sched/queue"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage the job queue",
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		stateFlag, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")

		var state *queue.State
		if stateFlag != "" {
			if !queue.IsValidState(stateFlag) {
				return errors.NewInvalidRequestError("unknown state %q", stateFlag)
			}
			state = util.Ptr(queue.State(stateFlag))
		}

		store, closeDB, err := openQueueStore()
		if err != nil {
			return err
		}
		defer closeDB()

		jobs, err := store.ListJobs(cmd.Context(), state, limit)
		if err != nil {
			return err
		}

		if len(jobs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
			return nil
		}
		for _, job := range jobs {
			fmt.Fprintf(cmd.OutOrStdout(), "%-42s %-18s %-10s %-12s retries=%d %s\n",
				job.ID, job.Task, job.Collective, job.State, job.Retries,
				job.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts per state",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeDB, err := openQueueStore()
		if err != nil {
			return err
		}
		defer closeDB()

		counts, err := store.CountByState(cmd.Context())
		if err != nil {
			return err
		}
		for _, state := range []queue.State{
			queue.StateWaiting, queue.StateScheduled, queue.StateRunning,
			queue.StateSuccess, queue.StateFailed, queue.StateCancelled, queue.StateStuck,
		} {
			fmt.Fprintf(cmd.OutOrStdout(), "%-10s %d\n", state, counts[state])
		}
		return nil
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a waiting job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeDB, err := openQueueStore()
		if err != nil {
			return err
		}
		defer closeDB()

		ok, err := store.MarkCancelled(cmd.Context(), args[0], "cancelled from CLI")
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "Job not waiting; nothing cancelled")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Cancelled")
		return nil
	},
}

func openQueueStore() (*queue.Store, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	conn, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	return queue.NewStore(conn), func() { conn.Close() }, nil
}

func init() {
	jobsLsCmd.Flags().String("state", "", "filter by state (waiting, running, ...)")
	jobsLsCmd.Flags().Int("limit", 50, "maximum number of jobs to show")

	jobsCmd.AddCommand(jobsLsCmd)
	jobsCmd.AddCommand(jobsStatsCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
}
