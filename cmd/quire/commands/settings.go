package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quirehq/quire/logger"
	"github.com/quirehq/quire/notify"
	"github.com/quirehq/quire/sched/codec"
	"github.com/quirehq/quire/sched/queue"
	"github.com/quirehq/quire/sched/usertask"
	"github.com/quirehq/quire/settings"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage collective scheduling settings",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show <collective>",
	Short: "Show the scheduling settings of a collective",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sync, closeDB, err := openSettingsSync()
		if err != nil {
			return err
		}
		defer closeDB()

		current, err := sync.Settings().Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "collective:          %s\n", current.Collective)
		fmt.Fprintf(cmd.OutOrStdout(), "classifier enabled:  %t\n", current.ClassifierEnabled)
		fmt.Fprintf(cmd.OutOrStdout(), "classifier schedule: %s\n", current.ClassifierSchedule)
		fmt.Fprintf(cmd.OutOrStdout(), "trash retention:     %d days\n", current.TrashMinAgeDays)
		fmt.Fprintf(cmd.OutOrStdout(), "trash schedule:      %s\n", current.TrashSchedule)
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <collective>",
	Short: "Update settings and sync the derived recurring tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sync, closeDB, err := openSettingsSync()
		if err != nil {
			return err
		}
		defer closeDB()

		// Start from the saved values so unset flags leave fields alone.
		current, err := sync.Settings().Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("classifier-enabled") {
			current.ClassifierEnabled, _ = cmd.Flags().GetBool("classifier-enabled")
		}
		if cmd.Flags().Changed("classifier-schedule") {
			current.ClassifierSchedule, _ = cmd.Flags().GetString("classifier-schedule")
		}
		if cmd.Flags().Changed("trash-days") {
			current.TrashMinAgeDays, _ = cmd.Flags().GetInt("trash-days")
		}
		if cmd.Flags().Changed("trash-schedule") {
			current.TrashSchedule, _ = cmd.Flags().GetString("trash-schedule")
		}

		result, err := sync.Update(cmd.Context(), current)
		if err != nil {
			return err
		}
		if result.TasksSynced {
			fmt.Fprintln(cmd.OutOrStdout(), "Settings saved, tasks synced")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "Settings saved; task sync failed and will catch up on the next edit")
		}
		return nil
	},
}

func openSettingsSync() (*settings.Sync, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	conn, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}

	log := logger.Logger
	codecs := codec.NewRegistry()
	emitter := notify.NewEmitter(log)
	q := queue.NewQueue(queue.NewStore(conn), emitter, log)
	tasks := usertask.NewStore(conn, q, codecs, log)
	sync := settings.NewSync(settings.NewStore(conn), tasks, codecs, emitter, log)
	return sync, func() {
		emitter.Close()
		conn.Close()
	}, nil
}

func init() {
	settingsSetCmd.Flags().Bool("classifier-enabled", false, "enable automatic classifier training")
	settingsSetCmd.Flags().String("classifier-schedule", "", "classifier training schedule (cron)")
	settingsSetCmd.Flags().Int("trash-days", 30, "minimum age in days before trash is purged")
	settingsSetCmd.Flags().String("trash-schedule", "", "trash purge schedule (cron)")

	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsSetCmd)
}
