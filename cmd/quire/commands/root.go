// Package commands implements the quire CLI.
package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/quirehq/quire/config"
	"github.com/quirehq/quire/db"
	"github.com/quirehq/quire/errors"
	"github.com/quirehq/quire/logger"
)

var configFile string

// RootCmd is the quire command tree root.
var RootCmd = &cobra.Command{
	Use:   "quire",
	Short: "Quire - distributed job scheduling for document collectives",
	Long: `Quire schedules and runs background maintenance for document
collectives: a durable job queue shared by worker nodes, recurring
task definitions derived from collective settings, and wakeup
notification between nodes.

Examples:
  quire migrate                 # Apply database migrations
  quire worker                  # Run a worker node
  quire jobs ls --state waiting # Inspect the queue
  quire tasks ls -c acme        # List recurring tasks of a collective`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ~/.quire/quire.toml)")

	RootCmd.AddCommand(workerCmd)
	RootCmd.AddCommand(migrateCmd)
	RootCmd.AddCommand(jobsCmd)
	RootCmd.AddCommand(tasksCmd)
	RootCmd.AddCommand(settingsCmd)
	RootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.LoadFromFile(configFile)
	}
	return config.Load()
}

// openDatabase opens the configured database with migrations applied.
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	conn, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(conn, logger.Logger); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
