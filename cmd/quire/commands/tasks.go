package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quirehq/quire/logger"
	"github.com/quirehq/quire/notify"
	"github.com/quirehq/quire/sched/codec"
	"github.com/quirehq/quire/sched/queue"
	"github.com/quirehq/quire/sched/usertask"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and trigger recurring tasks",
}

var tasksLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recurring task definitions in a scope",
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := scopeFromFlags(cmd)
		if err != nil {
			return err
		}

		tasks, closeDB, err := openTaskStore()
		if err != nil {
			return err
		}
		defer closeDB()

		all, err := tasks.FindAll(cmd.Context(), scope)
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No recurring tasks")
			return nil
		}
		for _, task := range all {
			enabled := "disabled"
			if task.Enabled {
				enabled = "enabled"
			}
			next := "-"
			if task.NextRunAt != nil {
				next = task.NextRunAt.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-36s %-18s %-9s %-14s next=%s\n",
				task.Subject, task.Task, enabled, task.Schedule, next)
		}
		return nil
	},
}

var tasksRunCmd = &cobra.Command{
	Use:   "run <subject>",
	Short: "Enqueue a one-off run of a recurring task now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := scopeFromFlags(cmd)
		if err != nil {
			return err
		}

		tasks, closeDB, err := openTaskStore()
		if err != nil {
			return err
		}
		defer closeDB()

		result, err := tasks.ExecuteNow(cmd.Context(), scope, args[0], "cli")
		if err != nil {
			return err
		}
		switch result {
		case queue.Inserted:
			fmt.Fprintln(cmd.OutOrStdout(), "Job enqueued")
		case queue.SkippedDuplicate:
			fmt.Fprintln(cmd.OutOrStdout(), "Already in flight; merged into the active job")
		}
		return nil
	},
}

func scopeFromFlags(cmd *cobra.Command) (usertask.Scope, error) {
	collective, _ := cmd.Flags().GetString("collective")
	login, _ := cmd.Flags().GetString("login")
	if collective == "" {
		return usertask.Scope{}, fmt.Errorf("--collective is required")
	}
	if login != "" {
		return usertask.UserScope(collective, login), nil
	}
	return usertask.CollectiveScope(collective), nil
}

func openTaskStore() (*usertask.Store, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	conn, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}

	log := logger.Logger
	emitter := notify.NewEmitter(log)
	q := queue.NewQueue(queue.NewStore(conn), emitter, log)
	store := usertask.NewStore(conn, q, codec.NewRegistry(), log)
	return store, func() {
		emitter.Close()
		conn.Close()
	}, nil
}

func init() {
	for _, c := range []*cobra.Command{tasksLsCmd, tasksRunCmd} {
		c.Flags().StringP("collective", "c", "", "collective the scope belongs to")
		c.Flags().StringP("login", "l", "", "user login for a user-specific scope")
	}

	tasksCmd.AddCommand(tasksLsCmd)
	tasksCmd.AddCommand(tasksRunCmd)
}
