package db

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRaw(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMigrateCreatesSchema(t *testing.T) {
	conn := openRaw(t)

	err := Migrate(conn, nil)
	require.NoError(t, err)

	for _, table := range []string{"schema_migrations", "jobs", "user_tasks", "collective_settings", "nodes"} {
		var name string
		err := conn.QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&name)
		require.NoError(t, err, "expected table %s", table)
		assert.Equal(t, table, name)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn := openRaw(t)

	require.NoError(t, Migrate(conn, nil))
	require.NoError(t, Migrate(conn, nil))

	var count int
	err := conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

// The sqlite3 driver only converts stored values back into time.Time
// when the column is declared TIMESTAMP, DATETIME, or DATE. Every time
// column in the schema must round-trip that way or all store reads fail.
func TestTimeColumnsScanAsTime(t *testing.T) {
	conn := openRaw(t)
	require.NoError(t, Migrate(conn, nil))

	now := time.Now().UTC().Truncate(time.Millisecond)

	_, err := conn.Exec(`
		INSERT INTO jobs (id, task, collective, state, created_at, heartbeat, started_at, finished_at)
		VALUES ('job_t', 'reindex', 'acme', 'waiting', ?, ?, ?, ?)
	`, now, now, now, now)
	require.NoError(t, err)

	var created time.Time
	var heartbeat, started, finished sql.NullTime
	err = conn.QueryRow(
		"SELECT created_at, heartbeat, started_at, finished_at FROM jobs WHERE id = 'job_t'",
	).Scan(&created, &heartbeat, &started, &finished)
	require.NoError(t, err)
	assert.True(t, created.Equal(now))
	assert.True(t, heartbeat.Valid)

	_, err = conn.Exec(`
		INSERT INTO user_tasks (id, collective, subject, task, schedule, next_run_at, created_at, updated_at)
		VALUES ('utask_t', 'acme', 's', 'reindex', '@daily', ?, ?, ?)
	`, now, now, now)
	require.NoError(t, err)

	var nextRun sql.NullTime
	err = conn.QueryRow("SELECT next_run_at FROM user_tasks WHERE id = 'utask_t'").Scan(&nextRun)
	require.NoError(t, err)
	require.True(t, nextRun.Valid)
	assert.True(t, nextRun.Time.Equal(now))

	_, err = conn.Exec("INSERT INTO nodes (id, url, last_seen) VALUES ('n1', 'http://localhost:7272', ?)", now)
	require.NoError(t, err)

	var lastSeen time.Time
	err = conn.QueryRow("SELECT last_seen FROM nodes WHERE id = 'n1'").Scan(&lastSeen)
	require.NoError(t, err)
	assert.True(t, lastSeen.Equal(now))
}
