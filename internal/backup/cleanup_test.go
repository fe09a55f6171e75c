package backup

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/boosterclub/internal/model"
	"github.com/edvin/boosterclub/internal/storage"
)

var cleanupNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func successfulRun(id, kind string, age time.Duration, size int64) model.BackupRun {
	finished := cleanupNow.Add(-age)
	return model.BackupRun{
		ID:               id,
		Kind:             kind,
		Status:           model.StatusSuccess,
		StartedAt:        finished.Add(-time.Minute),
		FinishedAt:       &finished,
		ArtifactLocation: ArtifactLocation(kind, id, finished),
		SizeBytes:        size,
	}
}

// seedCleanup registers runs and writes their artifacts.
func seedCleanup(t *testing.T, runs ...model.BackupRun) (*fakeRegistry, *storage.LocalStore) {
	t.Helper()
	reg := newFakeRegistry()
	reg.now = func() time.Time { return cleanupNow }
	files := map[string]string{"officers/chair.jpg": "photo"}
	for _, r := range runs {
		reg.add(r)
		reg.status.BackupCount++
		reg.status.TotalBackupSize += r.SizeBytes
		files[r.ArtifactLocation] = "artifact"
	}
	return reg, newStore(t, files)
}

func thirtyDays() CleanupConfig {
	return CleanupConfig{Retention: model.RetentionWindow{MaxAgeDays: map[string]int{
		model.BackupKindFull:     30,
		model.BackupKindDatabase: 30,
	}}}
}

func exists(t *testing.T, s storage.ObjectStore, key string) bool {
	t.Helper()
	_, err := s.Stat(context.Background(), key)
	if errors.Is(err, storage.ErrNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestCleanup_OnlyExpiredFullArtifacts(t *testing.T) {
	dbOld := successfulRun("db-old", model.BackupKindDatabase, 60*24*time.Hour, 100)
	fullOld := successfulRun("full-old", model.BackupKindFull, 60*24*time.Hour, 100)
	fullNew := successfulRun("full-new", model.BackupKindFull, 10*24*time.Hour, 100)
	blobOld := successfulRun("blob-old", model.BackupKindBlob, 60*24*time.Hour, 100)
	reg, store := seedCleanup(t, dbOld, fullOld, fullNew, blobOld)

	result, err := NewCleaner(reg, store, thirtyDays(), zerolog.Nop()).Cleanup(context.Background(), cleanupNow)
	require.NoError(t, err)

	require.Len(t, result.Deleted, 1)
	assert.Equal(t, "full-old", result.Deleted[0].RunID)
	assert.Equal(t, int64(100), result.FreedBytes)

	assert.False(t, exists(t, store, fullOld.ArtifactLocation))
	assert.True(t, exists(t, store, fullNew.ArtifactLocation))
	assert.True(t, exists(t, store, dbOld.ArtifactLocation))
	assert.True(t, exists(t, store, blobOld.ArtifactLocation))
	assert.True(t, exists(t, store, "officers/chair.jpg"))

	assert.NotNil(t, reg.run("full-old").PurgedAt)
	assert.Nil(t, reg.run("db-old").PurgedAt)
	assert.Nil(t, reg.run("full-new").PurgedAt)

	st, _ := reg.Status(context.Background())
	assert.Equal(t, int64(300), st.TotalBackupSize)
	assert.Equal(t, int64(4), st.BackupCount)
}

func TestCleanup_MissingArtifactCountsAsDeleted(t *testing.T) {
	fullOld := successfulRun("full-old", model.BackupKindFull, 45*24*time.Hour, 10)
	reg, store := seedCleanup(t)
	reg.add(fullOld)

	result, err := NewCleaner(reg, store, thirtyDays(), zerolog.Nop()).Cleanup(context.Background(), cleanupNow)
	require.NoError(t, err)
	require.Len(t, result.Deleted, 1)
	assert.NotNil(t, reg.run("full-old").PurgedAt)
}

type failDeleteStore struct {
	storage.ObjectStore
	fail string
}

func (s *failDeleteStore) Delete(ctx context.Context, key string) error {
	if key == s.fail {
		return errors.New("access denied")
	}
	return s.ObjectStore.Delete(ctx, key)
}

func TestCleanup_FailureDoesNotHaltBatch(t *testing.T) {
	a := successfulRun("full-a", model.BackupKindFull, 40*24*time.Hour, 10)
	b := successfulRun("full-b", model.BackupKindFull, 50*24*time.Hour, 10)
	reg, local := seedCleanup(t, a, b)
	store := &failDeleteStore{ObjectStore: local, fail: a.ArtifactLocation}

	result, err := NewCleaner(reg, store, thirtyDays(), zerolog.Nop()).Cleanup(context.Background(), cleanupNow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")

	require.Len(t, result.Deleted, 1)
	assert.Equal(t, "full-b", result.Deleted[0].RunID)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, a.ArtifactLocation, result.Failed[0].Path)
	assert.Nil(t, reg.run("full-a").PurgedAt)
}

func TestCleanup_OrphanSweep(t *testing.T) {
	reg, store := seedCleanup(t)
	cutoff := cleanupNow.Add(-30 * 24 * time.Hour)
	inWindow := "backups/full/" + cutoff.AddDate(0, 0, -2).Format("2006-01-02") + "/lost.zip"
	outsideWindow := "backups/full/" + cutoff.AddDate(0, 0, -10).Format("2006-01-02") + "/ancient.zip"
	for _, key := range []string{inWindow, outsideWindow} {
		require.NoError(t, store.Put(context.Background(), key, strings.NewReader("orphan"), 6))
	}

	cfg := thirtyDays()
	cfg.SweepDays = 3
	result, err := NewCleaner(reg, store, cfg, zerolog.Nop()).Cleanup(context.Background(), cleanupNow)
	require.NoError(t, err)

	assert.Equal(t, 1, result.OrphansFound)
	require.Len(t, result.Deleted, 1)
	assert.True(t, result.Deleted[0].Orphan)
	assert.False(t, exists(t, store, inWindow))
	assert.True(t, exists(t, store, outsideWindow))
}

func TestCleanup_DryRunTouchesNothing(t *testing.T) {
	fullOld := successfulRun("full-old", model.BackupKindFull, 60*24*time.Hour, 100)
	reg, store := seedCleanup(t, fullOld)

	candidates, err := NewCleaner(reg, store, thirtyDays(), zerolog.Nop()).DryRun(context.Background(), cleanupNow)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, fullOld.ArtifactLocation, candidates[0].Location)
	assert.True(t, exists(t, store, fullOld.ArtifactLocation))
	assert.Nil(t, reg.run("full-old").PurgedAt)
}

func TestCleanup_SkipsForeignLocations(t *testing.T) {
	run := successfulRun("full-odd", model.BackupKindFull, 60*24*time.Hour, 100)
	run.ArtifactLocation = "officers/chair.jpg"
	reg, store := seedCleanup(t)
	reg.add(run)

	result, err := NewCleaner(reg, store, thirtyDays(), zerolog.Nop()).Cleanup(context.Background(), cleanupNow)
	require.NoError(t, err)
	assert.Empty(t, result.Deleted)
	assert.True(t, exists(t, store, "officers/chair.jpg"))
}
