package backup

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/edvin/boosterclub/internal/metrics"
	"github.com/edvin/boosterclub/internal/model"
	"github.com/edvin/boosterclub/internal/storage"
)

// CleanupConfig configures retention.
type CleanupConfig struct {
	Retention model.RetentionWindow
	// SweepDays is how many date partitions before each cutoff are scanned
	// for artifacts with no live registry record. Zero disables the sweep.
	SweepDays int
}

// CleanupCandidate is an artifact cleanup would remove.
type CleanupCandidate struct {
	RunID     string    `json:"run_id,omitempty"`
	Kind      string    `json:"kind"`
	Location  string    `json:"location"`
	SizeBytes int64     `json:"size_bytes"`
	Finished  time.Time `json:"finished_at,omitempty"`
	Orphan    bool      `json:"orphan,omitempty"`
}

// CleanupResult summarises one cleanup pass.
type CleanupResult struct {
	Deleted      []CleanupCandidate `json:"deleted"`
	Failed       []DeleteFailure    `json:"failed,omitempty"`
	FreedBytes   int64              `json:"freed_bytes"`
	OrphansFound int                `json:"orphans_found"`
}

// Cleaner expires artifacts past their retention window.
type Cleaner struct {
	registry Registry
	store    storage.ObjectStore
	cfg      CleanupConfig
	logger   zerolog.Logger
}

// NewCleaner creates a Cleaner.
func NewCleaner(reg Registry, store storage.ObjectStore, cfg CleanupConfig, logger zerolog.Logger) *Cleaner {
	return &Cleaner{
		registry: reg,
		store:    store,
		cfg:      cfg,
		logger:   logger.With().Str("component", "cleanup").Logger(),
	}
}

// DryRun lists what Cleanup would delete at now without touching anything.
func (c *Cleaner) DryRun(ctx context.Context, now time.Time) ([]CleanupCandidate, error) {
	var out []CleanupCandidate
	var errs *multierror.Error
	for _, kind := range model.BackupKinds {
		candidates, err := c.candidates(ctx, kind, now)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		out = append(out, candidates...)
	}
	return out, errs.ErrorOrNil()
}

// Cleanup deletes expired artifacts and marks their runs purged. A failure
// on one artifact is recorded and the batch continues; the returned error
// aggregates every failure.
func (c *Cleaner) Cleanup(ctx context.Context, now time.Time) (*CleanupResult, error) {
	result := &CleanupResult{}
	var errs *multierror.Error

	for _, kind := range model.BackupKinds {
		candidates, err := c.candidates(ctx, kind, now)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		for _, cand := range candidates {
			if cand.Orphan {
				result.OrphansFound++
			}
			if err := c.remove(ctx, cand); err != nil {
				c.logger.Error().Err(err).Str("location", cand.Location).Msg("failed to delete expired artifact")
				result.Failed = append(result.Failed, DeleteFailure{Path: cand.Location, Error: err.Error()})
				errs = multierror.Append(errs, err)
				continue
			}
			result.Deleted = append(result.Deleted, cand)
			result.FreedBytes += cand.SizeBytes
		}
	}

	metrics.ObserveCleanup(len(result.Deleted), len(result.Failed))
	c.logger.Info().
		Int("deleted", len(result.Deleted)).
		Int("failed", len(result.Failed)).
		Int("orphans", result.OrphansFound).
		Int64("freed_bytes", result.FreedBytes).
		Msg("cleanup finished")

	return result, errs.ErrorOrNil()
}

func (c *Cleaner) remove(ctx context.Context, cand CleanupCandidate) error {
	if err := c.store.Delete(ctx, cand.Location); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete artifact %s: %w", cand.Location, err)
	}
	if cand.Orphan {
		return nil
	}
	if err := c.registry.MarkPurged(ctx, cand.RunID); err != nil {
		return fmt.Errorf("mark run %s purged: %w", cand.RunID, err)
	}
	return nil
}

// candidates returns expired runs of kind plus orphans found in the date
// partitions just before the cutoff.
func (c *Cleaner) candidates(ctx context.Context, kind string, now time.Time) ([]CleanupCandidate, error) {
	maxAge, ok := c.cfg.Retention.MaxAge(kind)
	if !ok {
		return nil, nil
	}
	cutoff := now.Add(-maxAge)

	runs, err := c.registry.ListExpired(ctx, kind, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expired %s runs: %w", kind, err)
	}

	var out []CleanupCandidate
	seen := make(map[string]bool, len(runs))
	for _, r := range runs {
		// Never trust a registry row to point outside the artifact tree.
		if !strings.HasPrefix(r.ArtifactLocation, "backups/"+kind+"/") {
			c.logger.Warn().Str("run_id", r.ID).Str("location", r.ArtifactLocation).Msg("skipping run with unexpected artifact location")
			continue
		}
		var finished time.Time
		if r.FinishedAt != nil {
			finished = *r.FinishedAt
		}
		seen[r.ArtifactLocation] = true
		out = append(out, CleanupCandidate{
			RunID:     r.ID,
			Kind:      kind,
			Location:  r.ArtifactLocation,
			SizeBytes: r.SizeBytes,
			Finished:  finished,
		})
	}

	orphans, err := c.orphans(ctx, kind, cutoff, seen)
	if err != nil {
		return out, err
	}
	return append(out, orphans...), nil
}

func (c *Cleaner) orphans(ctx context.Context, kind string, cutoff time.Time, seen map[string]bool) ([]CleanupCandidate, error) {
	var out []CleanupCandidate
	for i := 1; i <= c.cfg.SweepDays; i++ {
		day := cutoff.AddDate(0, 0, -i).UTC().Format("2006-01-02")
		prefix := path.Join("backups", kind, day) + "/"

		objs, err := c.store.List(ctx, prefix)
		if err != nil {
			return out, fmt.Errorf("list partition %s: %w", prefix, err)
		}
		if len(objs) == 0 {
			continue
		}
		live, err := c.registry.ArtifactLocations(ctx, prefix)
		if err != nil {
			return out, fmt.Errorf("load registry locations for %s: %w", prefix, err)
		}
		for _, o := range objs {
			if live[o.Key] || seen[o.Key] {
				continue
			}
			out = append(out, CleanupCandidate{
				Kind:      kind,
				Location:  o.Key,
				SizeBytes: o.Size,
				Finished:  o.LastModified,
				Orphan:    true,
			})
		}
	}
	return out, nil
}
