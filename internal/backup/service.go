package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/edvin/boosterclub/internal/dump"
	"github.com/edvin/boosterclub/internal/model"
	"github.com/edvin/boosterclub/internal/storage"
)

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 50

// Service is the operator-facing surface of the backup engine.
type Service struct {
	*Orchestrator
	*Cleaner
	*ArtifactManager
	*Restorer

	registry Registry
	store    storage.ObjectStore
	spoolDir string
}

// NewService bundles the engine components behind one value.
func NewService(reg Registry, store storage.ObjectStore, o *Orchestrator, c *Cleaner, a *ArtifactManager, r *Restorer, spoolDir string) *Service {
	return &Service{
		Orchestrator:    o,
		Cleaner:         c,
		ArtifactManager: a,
		Restorer:        r,
		registry:        reg,
		store:           store,
		spoolDir:        spoolDir,
	}
}

// Status returns the registry summary with the newest successful run of
// each kind.
func (s *Service) Status(ctx context.Context) (*model.BackupStatus, error) {
	st, err := s.registry.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("get backup status: %w", err)
	}
	for _, kind := range model.BackupKinds {
		run, err := s.registry.LatestSuccessful(ctx, kind)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get backup status: %w", err)
		}
		if st.LatestSuccessful == nil {
			st.LatestSuccessful = make(map[string]model.LatestRun, len(model.BackupKinds))
		}
		st.LatestSuccessful[kind] = model.LatestRun{ID: run.ID, FinishedAt: run.FinishedAt, SizeBytes: run.SizeBytes}
	}
	return st, nil
}

// Latest returns the newest successful run of kind that has not been purged.
func (s *Service) Latest(ctx context.Context, kind string) (*model.BackupRun, error) {
	if !model.ValidBackupKind(kind) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	run, err := s.registry.LatestSuccessful(ctx, kind)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: no successful %s backup", ErrNotFound, kind)
		}
		return nil, err
	}
	return run, nil
}

// RestoreLatest restores the newest successful run of kind. Only kinds that
// carry a database dump can be restored.
func (s *Service) RestoreLatest(ctx context.Context, kind string) (*RestoreResult, error) {
	if model.ValidBackupKind(kind) && !model.IncludesDatabase(kind) {
		return nil, fmt.Errorf("%w: %s backups carry no database dump", ErrInvalidKind, kind)
	}
	run, err := s.Latest(ctx, kind)
	if err != nil {
		return nil, err
	}
	return s.Restore(ctx, run.ID)
}

// List returns runs newest first. A nil kind lists every kind.
func (s *Service) List(ctx context.Context, kind *string, limit int) ([]model.BackupRun, error) {
	k := ""
	if kind != nil {
		if !model.ValidBackupKind(*kind) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidKind, *kind)
		}
		k = *kind
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	runs, err := s.registry.List(ctx, k, limit)
	if err != nil {
		return nil, fmt.Errorf("list backup runs: %w", err)
	}
	return runs, nil
}

// Get returns one run.
func (s *Service) Get(ctx context.Context, id string) (*model.BackupRun, error) {
	return s.registry.Get(ctx, id)
}

// Analyze reads the dump inside the artifact at path and reports its tables
// and record counts without executing it.
func (s *Service) Analyze(ctx context.Context, path string) (*model.AnalysisReport, error) {
	key, ok := storage.CleanKey(path)
	if !ok || !isArtifactKey(key) {
		return nil, fmt.Errorf("%w: %s is not a backup artifact", ErrNotFound, path)
	}

	body, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: artifact %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}
	defer body.Close()

	spool, err := os.CreateTemp(s.spoolDir, "analyze-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()
	if _, err := io.Copy(spool, body); err != nil {
		return nil, fmt.Errorf("download artifact: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind spool file: %w", err)
	}

	script, closeScript, err := openScript(spool, key)
	if err != nil {
		return nil, err
	}
	defer closeScript()

	report, err := dump.Analyze(script)
	if err != nil {
		return nil, err
	}
	report.Path = key
	return report, nil
}

// CleanupNow runs Cleanup at the current time.
func (s *Service) CleanupNow(ctx context.Context) (*CleanupResult, error) {
	return s.Cleanup(ctx, time.Now().UTC())
}
