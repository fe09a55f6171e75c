package handler

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/edvin/boosterclub/internal/backup"
	"github.com/edvin/boosterclub/internal/model"
)

// mockService implements BackupService for testing.
type mockService struct {
	mock.Mock
}

func (m *mockService) CreateBackup(ctx context.Context, kind, trigger string) (*model.BackupRun, error) {
	args := m.Called(ctx, kind, trigger)
	run, _ := args.Get(0).(*model.BackupRun)
	return run, args.Error(1)
}

func (m *mockService) Status(ctx context.Context) (*model.BackupStatus, error) {
	args := m.Called(ctx)
	st, _ := args.Get(0).(*model.BackupStatus)
	return st, args.Error(1)
}

func (m *mockService) List(ctx context.Context, kind *string, limit int) ([]model.BackupRun, error) {
	args := m.Called(ctx, kind, limit)
	runs, _ := args.Get(0).([]model.BackupRun)
	return runs, args.Error(1)
}

func (m *mockService) Get(ctx context.Context, id string) (*model.BackupRun, error) {
	args := m.Called(ctx, id)
	run, _ := args.Get(0).(*model.BackupRun)
	return run, args.Error(1)
}

func (m *mockService) Latest(ctx context.Context, kind string) (*model.BackupRun, error) {
	args := m.Called(ctx, kind)
	run, _ := args.Get(0).(*model.BackupRun)
	return run, args.Error(1)
}

func (m *mockService) Restore(ctx context.Context, runID string) (*backup.RestoreResult, error) {
	args := m.Called(ctx, runID)
	res, _ := args.Get(0).(*backup.RestoreResult)
	return res, args.Error(1)
}

func (m *mockService) DeleteArtifacts(ctx context.Context, paths []string) *backup.DeleteResult {
	args := m.Called(ctx, paths)
	return args.Get(0).(*backup.DeleteResult)
}

func (m *mockService) Analyze(ctx context.Context, path string) (*model.AnalysisReport, error) {
	args := m.Called(ctx, path)
	rep, _ := args.Get(0).(*model.AnalysisReport)
	return rep, args.Error(1)
}

func (m *mockService) Cleanup(ctx context.Context, now time.Time) (*backup.CleanupResult, error) {
	args := m.Called(ctx, now)
	res, _ := args.Get(0).(*backup.CleanupResult)
	return res, args.Error(1)
}

func (m *mockService) DryRun(ctx context.Context, now time.Time) ([]backup.CleanupCandidate, error) {
	args := m.Called(ctx, now)
	c, _ := args.Get(0).([]backup.CleanupCandidate)
	return c, args.Error(1)
}

// mockTriggerer implements Triggerer for testing.
type mockTriggerer struct {
	mock.Mock
}

func (m *mockTriggerer) Trigger(ctx context.Context, kind string) (*model.BackupRun, error) {
	args := m.Called(ctx, kind)
	run, _ := args.Get(0).(*model.BackupRun)
	return run, args.Error(1)
}
