package migration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDatabaseURL(t *testing.T) {
	assert.Equal(t, "file:/path/to/db.sqlite?mode=rwc&_foreign_keys=on", BuildDatabaseURL("/path/to/db.sqlite"))
}

func TestNewMigrator_InvalidConfig(t *testing.T) {
	_, err := NewMigrator(nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "config is required")

	_, err = NewMigrator(&Config{DatabaseURL: ""})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "database URL is required")
}

func TestMigrator_SQLite_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	migrator, err := NewMigratorFromPath(dbPath)
	require.NoError(t, err)
	defer migrator.Close()

	ctx := context.Background()

	version, dirty, err := migrator.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
	assert.False(t, dirty)

	err = migrator.Up(ctx)
	require.NoError(t, err)

	version, dirty, err = migrator.Version(ctx)
	require.NoError(t, err)
	assert.Greater(t, version, uint(0))
	assert.False(t, dirty)

	statuses, err := migrator.Status(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, statuses)

	info, err := migrator.Info(ctx)
	require.NoError(t, err)
	assert.Greater(t, info.CurrentVersion, uint(0))
	assert.Equal(t, info.TotalMigrations, info.AppliedMigrations)
	assert.Equal(t, 0, info.PendingMigrations)

	err = migrator.Down(ctx)
	require.NoError(t, err)

	newVersion, _, err := migrator.Version(ctx)
	require.NoError(t, err)
	assert.Less(t, newVersion, version)
}

func TestMigrator_GetAvailableMigrations(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires CGO in short mode")
	}

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	migrator, err := NewMigratorFromPath(dbPath)
	require.NoError(t, err)
	defer migrator.Close()

	migrations, err := migrator.getAvailableMigrations()
	require.NoError(t, err)
	assert.NotEmpty(t, migrations)

	for i := 1; i < len(migrations); i++ {
		assert.Greater(t, migrations[i].version, migrations[i-1].version)
	}
}

func TestCLI_Output(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires CGO in short mode")
	}

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	migrator, err := NewMigratorFromPath(dbPath)
	require.NoError(t, err)
	defer migrator.Close()

	cli := NewCLI(migrator)

	r, w, _ := os.Pipe()
	cli.SetOutput(w)

	ctx := context.Background()

	err = cli.RunVersion(ctx)
	require.NoError(t, err)

	w.Close()
	buf := make([]byte, 1024)
	n, _ := r.Read(buf)
	output := string(buf[:n])

	assert.Contains(t, output, "No migrations applied yet")
}
