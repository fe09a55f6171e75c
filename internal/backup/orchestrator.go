// Package backup produces, expires and restores backup artifacts.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/pgzip"
	"github.com/rs/zerolog"

	"github.com/edvin/boosterclub/internal/dump"
	"github.com/edvin/boosterclub/internal/metrics"
	"github.com/edvin/boosterclub/internal/model"
	"github.com/edvin/boosterclub/internal/platform"
	"github.com/edvin/boosterclub/internal/storage"
)

// Archive member names inside a full backup.
const (
	DatabaseMember = "database.sql"
	ObjectsPrefix  = "objects/"
)

// finishTimeout bounds the terminal registry write, which runs on a context
// detached from the run deadline.
const finishTimeout = 30 * time.Second

// DefaultTimeouts are the per-kind run deadlines.
var DefaultTimeouts = map[string]time.Duration{
	model.BackupKindFull:     25 * time.Minute,
	model.BackupKindBlob:     20 * time.Minute,
	model.BackupKindDatabase: 10 * time.Minute,
}

// Registry is the run metadata store.
type Registry interface {
	Create(ctx context.Context, run *model.BackupRun) error
	Start(ctx context.Context, id string, staleAfter time.Duration) (string, error)
	SetStage(ctx context.Context, id, stage string) error
	Finish(ctx context.Context, run *model.BackupRun) error
	Reject(ctx context.Context, id, message string) error
	Get(ctx context.Context, id string) (*model.BackupRun, error)
	List(ctx context.Context, kind string, limit int) ([]model.BackupRun, error)
	LatestSuccessful(ctx context.Context, kind string) (*model.BackupRun, error)
	ListExpired(ctx context.Context, kind string, before time.Time) ([]model.BackupRun, error)
	ArtifactLocations(ctx context.Context, prefix string) (map[string]bool, error)
	MarkPurged(ctx context.Context, id string) error
	MarkPurgedByLocation(ctx context.Context, path string) (int, error)
	Status(ctx context.Context) (*model.BackupStatus, error)
}

// DatabaseDumper writes a SQL dump of the relational schema.
type DatabaseDumper interface {
	Dump(ctx context.Context, w io.Writer) (*dump.Result, error)
}

// ObjectArchiver packs stored objects into a zip archive.
type ObjectArchiver interface {
	Write(ctx context.Context, zw *zip.Writer, prefix string) (*model.Manifest, error)
}

// OrchestratorConfig configures run deadlines and spooling.
type OrchestratorConfig struct {
	Timeouts map[string]time.Duration
	// StaleAfter is how old a registry claim must be before another run may
	// take it over. Defaults to twice the longest timeout.
	StaleAfter time.Duration
	SpoolDir   string
}

// Orchestrator executes backup runs one at a time.
type Orchestrator struct {
	registry Registry
	store    storage.ObjectStore
	dumper   DatabaseDumper
	archiver ObjectArchiver
	cfg      OrchestratorConfig
	logger   zerolog.Logger
	now      func() time.Time

	mu sync.Mutex
}

// NewOrchestrator creates an Orchestrator. Missing timeouts fall back to
// DefaultTimeouts.
func NewOrchestrator(reg Registry, store storage.ObjectStore, dumper DatabaseDumper, archiver ObjectArchiver, cfg OrchestratorConfig, logger zerolog.Logger) *Orchestrator {
	timeouts := make(map[string]time.Duration, len(DefaultTimeouts))
	for k, v := range DefaultTimeouts {
		timeouts[k] = v
	}
	for k, v := range cfg.Timeouts {
		if v > 0 {
			timeouts[k] = v
		}
	}
	cfg.Timeouts = timeouts

	if cfg.StaleAfter <= 0 {
		var longest time.Duration
		for _, v := range timeouts {
			longest = max(longest, v)
		}
		cfg.StaleAfter = 2 * longest
	}

	return &Orchestrator{
		registry: reg,
		store:    store,
		dumper:   dumper,
		archiver: archiver,
		cfg:      cfg,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		now:      time.Now,
	}
}

// ArtifactLocation returns the object key of a run's artifact.
func ArtifactLocation(kind, id string, startedAt time.Time) string {
	ext := "zip"
	if kind == model.BackupKindDatabase {
		ext = "sql.gz"
	}
	return fmt.Sprintf("backups/%s/%s/%s.%s", kind, startedAt.UTC().Format("2006-01-02"), id, ext)
}

// CreateBackup runs a backup of kind synchronously and returns the terminal
// run. A request made while another run is in flight is recorded as failed
// and returns ErrBackupInProgress.
func (o *Orchestrator) CreateBackup(ctx context.Context, kind, trigger string) (*model.BackupRun, error) {
	if !model.ValidBackupKind(kind) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if trigger == "" {
		trigger = model.TriggerManual
	}

	run := &model.BackupRun{
		ID:        platform.NewID(),
		Kind:      kind,
		Trigger:   trigger,
		StartedAt: o.now().UTC(),
	}
	if err := o.registry.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create backup run: %w", err)
	}

	logger := o.logger.With().Str("run_id", run.ID).Str("kind", kind).Str("trigger", trigger).Logger()

	if !o.mu.TryLock() {
		return o.reject(ctx, run, logger)
	}
	defer o.mu.Unlock()

	abandoned, err := o.registry.Start(ctx, run.ID, o.cfg.StaleAfter)
	if errors.Is(err, ErrBackupInProgress) {
		return o.reject(ctx, run, logger)
	}
	if err != nil {
		o.finish(ctx, run, fmt.Errorf("claim run: %w", err), logger)
		return run, err
	}
	if abandoned != "" {
		logger.Warn().Str("abandoned_run_id", abandoned).Msg("took over stale backup claim")
	}
	run.Status = model.StatusRunning

	timeout := o.cfg.Timeouts[kind]
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.Info().Dur("timeout", timeout).Msg("backup started")
	runErr := o.execute(runCtx, run, logger)
	if runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		runErr = &TimeoutError{Kind: kind, Stage: run.Stage, Timeout: timeout, Err: runErr}
	}

	o.finish(ctx, run, runErr, logger)
	if runErr != nil {
		return run, runErr
	}
	return run, nil
}

// reject records a run that lost the single-flight race.
func (o *Orchestrator) reject(ctx context.Context, run *model.BackupRun, logger zerolog.Logger) (*model.BackupRun, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	msg := ErrBackupInProgress.Error()
	now := o.now().UTC()
	run.Status = model.StatusFailed
	run.FinishedAt = &now
	run.ErrorMessage = &msg
	if err := o.registry.Reject(fctx, run.ID, msg); err != nil {
		logger.Error().Err(err).Msg("failed to record rejected backup run")
	}
	metrics.ObserveBackup(run.Kind, run.Status, 0, 0)
	logger.Warn().Msg("backup rejected, another run is in progress")
	return run, ErrBackupInProgress
}

// finish writes the terminal record on a context that survives the run
// deadline.
func (o *Orchestrator) finish(ctx context.Context, run *model.BackupRun, runErr error, logger zerolog.Logger) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	o.setStage(fctx, run, model.StageRecording, logger)

	now := o.now().UTC()
	run.FinishedAt = &now
	run.DurationMillis = now.Sub(run.StartedAt).Milliseconds()
	if runErr != nil {
		msg := runErr.Error()
		run.Status = model.StatusFailed
		run.ErrorMessage = &msg
	} else {
		run.Status = model.StatusSuccess
		run.ErrorMessage = nil
	}

	if err := o.registry.Finish(fctx, run); err != nil {
		logger.Error().Err(err).Msg("failed to record backup result")
	}

	metrics.ObserveBackup(run.Kind, run.Status, time.Duration(run.DurationMillis)*time.Millisecond, run.SizeBytes)

	if runErr != nil {
		logger.Error().Err(runErr).Str("stage", run.Stage).Int64("duration_ms", run.DurationMillis).Msg("backup failed")
		return
	}
	logger.Info().
		Str("artifact", run.ArtifactLocation).
		Str("size", humanize.Bytes(uint64(run.SizeBytes))).
		Int("tables", run.TableCount).
		Int("objects", run.ObjectCount).
		Int("warnings", len(run.Warnings)).
		Int64("duration_ms", run.DurationMillis).
		Msg("backup completed")
}

func (o *Orchestrator) setStage(ctx context.Context, run *model.BackupRun, stage string, logger zerolog.Logger) {
	run.Stage = stage
	if err := o.registry.SetStage(ctx, run.ID, stage); err != nil {
		logger.Warn().Err(err).Str("stage", stage).Msg("failed to record stage")
	}
}

// hashingWriter counts and hashes everything written to the spool file.
type hashingWriter struct {
	w    io.Writer
	hash io.Writer
	n    int64
}

func (h *hashingWriter) Write(p []byte) (int, error) {
	n, err := h.w.Write(p)
	h.hash.Write(p[:n])
	h.n += int64(n)
	return n, err
}

// execute builds the artifact into a spool file, then uploads it.
func (o *Orchestrator) execute(ctx context.Context, run *model.BackupRun, logger zerolog.Logger) error {
	spool, err := os.CreateTemp(o.cfg.SpoolDir, "backup-"+run.ID+"-*")
	if err != nil {
		return fmt.Errorf("create spool file: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	sum := sha256.New()
	hw := &hashingWriter{w: spool, hash: sum}

	if model.IncludesObjects(run.Kind) {
		err = o.writeArchive(ctx, run, hw, model.IncludesDatabase(run.Kind), logger)
	} else {
		err = o.writeDatabase(ctx, run, hw, logger)
	}
	if err != nil {
		return err
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind spool file: %w", err)
	}

	location := ArtifactLocation(run.Kind, run.ID, run.StartedAt)
	o.setStage(ctx, run, model.StageUploading, logger)
	if err := o.store.Put(ctx, location, spool, hw.n); err != nil {
		return &UploadError{Location: location, Err: err}
	}

	run.ArtifactLocation = location
	run.SizeBytes = hw.n
	run.Checksum = hex.EncodeToString(sum.Sum(nil))
	return nil
}

func (o *Orchestrator) writeDatabase(ctx context.Context, run *model.BackupRun, w io.Writer, logger zerolog.Logger) error {
	o.setStage(ctx, run, model.StageDump, logger)

	gz := pgzip.NewWriter(w)
	res, err := o.dumper.Dump(ctx, gz)
	if err != nil {
		gz.Close()
		return fmt.Errorf("dump database: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compress dump: %w", err)
	}
	o.recordDump(run, res)
	return nil
}

func (o *Orchestrator) writeArchive(ctx context.Context, run *model.BackupRun, w io.Writer, withDatabase bool, logger zerolog.Logger) error {
	zw := zip.NewWriter(w)

	if withDatabase {
		o.setStage(ctx, run, model.StageDump, logger)
		member, err := zw.CreateHeader(&zip.FileHeader{
			Name:     DatabaseMember,
			Method:   zip.Deflate,
			Modified: run.StartedAt,
		})
		if err != nil {
			return fmt.Errorf("create %s entry: %w", DatabaseMember, err)
		}
		res, err := o.dumper.Dump(ctx, member)
		if err != nil {
			return fmt.Errorf("dump database: %w", err)
		}
		o.recordDump(run, res)
	}

	o.setStage(ctx, run, model.StageArchive, logger)
	manifest, err := o.archiver.Write(ctx, zw, ObjectsPrefix)
	if err != nil {
		return fmt.Errorf("archive objects: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}

	run.ObjectCount = len(manifest.Entries)
	for _, s := range manifest.Skipped {
		run.Warnings = append(run.Warnings, s.Error)
	}
	if manifest.Duplicates > 0 {
		run.Warnings = append(run.Warnings, fmt.Sprintf("%d duplicate object paths ignored", manifest.Duplicates))
	}
	metrics.ObservePartialFailures(0, len(manifest.Skipped))
	return nil
}

func (o *Orchestrator) recordDump(run *model.BackupRun, res *dump.Result) {
	run.TableCount = res.TableCount()
	warnings := res.Warnings()
	run.Warnings = append(run.Warnings, warnings...)
	metrics.ObservePartialFailures(len(warnings), 0)
}
