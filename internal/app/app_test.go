package app

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/boosterclub/internal/config"
	"github.com/edvin/boosterclub/internal/db"
	"github.com/edvin/boosterclub/internal/model"
	"github.com/edvin/boosterclub/internal/storage"
)

func TestNewStore_Local(t *testing.T) {
	cfg := &config.Config{LocalStorageDir: t.TempDir()}
	store, err := newStore(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &storage.LocalStore{}, store)

	require.NoError(t, store.Put(context.Background(), "officers/roster.csv", strings.NewReader("name\n"), 5))
	rc, err := store.Get(context.Background(), "officers/roster.csv")
	require.NoError(t, err)
	rc.Close()
}

func TestNewStore_S3(t *testing.T) {
	cfg := &config.Config{S3Bucket: "boosterclub", S3Region: "us-east-1", S3Endpoint: "http://localhost:9000", S3PathStyle: true}
	store, err := newStore(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &storage.S3Store{}, store)
}

func TestNew_Integration(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	require.NoError(t, db.RunMigrations(url))

	cfg := &config.Config{
		DatabaseURL:        url,
		DatabaseSchema:     "public",
		LocalStorageDir:    t.TempDir(),
		ScheduleTimezone:   "America/Chicago",
		DatabaseBackupCron: "0 2 * * *",
		FullBackupCron:     "0 3 * * 0",
		CleanupCron:        "30 4 * * *",
		ArchiveConcurrency: 2,
	}
	a, err := New(context.Background(), cfg, zerolog.Nop(), Options{})
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Ready(context.Background()))

	run, err := a.Service.CreateBackup(context.Background(), model.BackupKindDatabase, model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, run.Status)

	sched, err := a.NewScheduler()
	require.NoError(t, err)
	assert.NotNil(t, sched)
}
