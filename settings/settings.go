// Package settings holds per-collective scheduling policy and keeps the
// recurring task catalog in sync with it. A settings edit persists
// first; deriving tasks and waking nodes are best-effort follow-ups
// that degrade, never roll back, the edit.
package settings

import (
	"context"
	"database/sql"
	"time"

	"github.com/quirehq/quire/errors"
	"github.com/quirehq/quire/sched/usertask"
)

// CollectiveSettings is the scheduling policy of one collective.
type CollectiveSettings struct {
	Collective         string    `json:"collective"`
	ClassifierEnabled  bool      `json:"classifier_enabled"`
	ClassifierSchedule string    `json:"classifier_schedule"`
	TrashMinAgeDays    int       `json:"trash_min_age_days"`
	TrashSchedule      string    `json:"trash_schedule"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Validate checks the policy before it is persisted.
func (s *CollectiveSettings) Validate() error {
	if s.Collective == "" {
		return errors.NewInvalidRequestError("collective cannot be empty")
	}
	if s.TrashMinAgeDays < 0 {
		return errors.NewInvalidRequestError("trash retention cannot be negative")
	}
	// An enabled classifier with no schedule would never run while
	// reporting itself enabled. Refuse the combination up front.
	if s.ClassifierEnabled && s.ClassifierSchedule == "" {
		return errors.NewInvalidRequestError("classifier training is enabled but has no schedule")
	}
	if s.ClassifierSchedule != "" {
		if err := usertask.ValidateSchedule(s.ClassifierSchedule); err != nil {
			return err
		}
	}
	if s.TrashSchedule != "" {
		if err := usertask.ValidateSchedule(s.TrashSchedule); err != nil {
			return err
		}
	}
	return nil
}

// Store persists collective settings.
type Store struct {
	db *sql.DB
}

// NewStore creates a settings store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save upserts the settings of a collective.
func (s *Store) Save(ctx context.Context, settings *CollectiveSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	settings.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collective_settings (
			collective, classifier_enabled, classifier_schedule,
			trash_min_age_days, trash_schedule, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(collective) DO UPDATE SET
			classifier_enabled = excluded.classifier_enabled,
			classifier_schedule = excluded.classifier_schedule,
			trash_min_age_days = excluded.trash_min_age_days,
			trash_schedule = excluded.trash_schedule,
			updated_at = excluded.updated_at
	`,
		settings.Collective,
		settings.ClassifierEnabled,
		settings.ClassifierSchedule,
		settings.TrashMinAgeDays,
		settings.TrashSchedule,
		settings.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save settings for %s", settings.Collective)
	}
	return nil
}

// Get returns the settings of a collective, or defaults when none were
// saved yet.
func (s *Store) Get(ctx context.Context, collective string) (*CollectiveSettings, error) {
	settings := &CollectiveSettings{Collective: collective}
	err := s.db.QueryRowContext(ctx, `
		SELECT classifier_enabled, classifier_schedule,
		       trash_min_age_days, trash_schedule, updated_at
		FROM collective_settings WHERE collective = ?
	`, collective).Scan(
		&settings.ClassifierEnabled,
		&settings.ClassifierSchedule,
		&settings.TrashMinAgeDays,
		&settings.TrashSchedule,
		&settings.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultSettings(collective), nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load settings for %s", collective)
	}
	return settings, nil
}

// DefaultSettings returns the policy applied before any edit.
func DefaultSettings(collective string) *CollectiveSettings {
	return &CollectiveSettings{
		Collective:         collective,
		ClassifierEnabled:  false,
		ClassifierSchedule: "0 2 * * *",
		TrashMinAgeDays:    30,
		TrashSchedule:      "0 4 * * 0",
	}
}
