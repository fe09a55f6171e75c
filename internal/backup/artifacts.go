package backup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/edvin/boosterclub/internal/archive"
	"github.com/edvin/boosterclub/internal/storage"
)

// DeleteFailure is one artifact that could not be removed.
type DeleteFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// DeleteResult reports an operator deletion batch.
type DeleteResult struct {
	Deleted []string        `json:"deleted"`
	Failed  []DeleteFailure `json:"failed"`
}

// Err aggregates the failures, or returns nil when every path was deleted.
func (r *DeleteResult) Err() error {
	var errs *multierror.Error
	for _, f := range r.Failed {
		errs = multierror.Append(errs, fmt.Errorf("%s: %s", f.Path, f.Error))
	}
	return errs.ErrorOrNil()
}

// ArtifactManager removes artifacts on operator request.
type ArtifactManager struct {
	registry Registry
	store    storage.ObjectStore
	logger   zerolog.Logger
}

// NewArtifactManager creates an ArtifactManager.
func NewArtifactManager(reg Registry, store storage.ObjectStore, logger zerolog.Logger) *ArtifactManager {
	return &ArtifactManager{
		registry: reg,
		store:    store,
		logger:   logger.With().Str("component", "artifacts").Logger(),
	}
}

// DeleteArtifacts removes each path from storage and marks any run that
// pointed at it purged. Only paths under the backups/ tree are accepted.
// Deleting a path that no longer exists counts as deleted.
func (m *ArtifactManager) DeleteArtifacts(ctx context.Context, paths []string) *DeleteResult {
	result := &DeleteResult{Deleted: []string{}, Failed: []DeleteFailure{}}

	for _, p := range paths {
		if err := m.deleteOne(ctx, p); err != nil {
			m.logger.Warn().Err(err).Str("path", p).Msg("artifact delete failed")
			result.Failed = append(result.Failed, DeleteFailure{Path: p, Error: err.Error()})
			continue
		}
		result.Deleted = append(result.Deleted, p)
	}

	m.logger.Info().Int("deleted", len(result.Deleted)).Int("failed", len(result.Failed)).Msg("artifact deletion finished")
	return result
}

func (m *ArtifactManager) deleteOne(ctx context.Context, p string) error {
	key, ok := storage.CleanKey(p)
	if !ok {
		return errors.New("invalid path")
	}
	if !isArtifactKey(key) {
		return errors.New("path is not a backup artifact")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete object: %w", err)
	}
	n, err := m.registry.MarkPurgedByLocation(ctx, key)
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Debug().Str("path", key).Int("runs", n).Msg("marked runs purged")
	}
	return nil
}

// isArtifactKey reports whether key names an artifact this engine writes.
func isArtifactKey(key string) bool {
	if !strings.HasPrefix(key, archive.ReservedPrefix) {
		return false
	}
	return strings.HasSuffix(key, ".sql.gz") || strings.HasSuffix(key, ".zip")
}
