package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/pgzip"
	"github.com/rs/zerolog"

	"github.com/edvin/boosterclub/internal/dump"
	"github.com/edvin/boosterclub/internal/metrics"
	"github.com/edvin/boosterclub/internal/model"
	"github.com/edvin/boosterclub/internal/storage"
)

// DefaultConfirmDelay is the pause between selecting a restore and touching
// the database.
const DefaultConfirmDelay = 10 * time.Second

// ErrChecksumMismatch means the stored artifact no longer matches the
// checksum recorded when it was produced.
var ErrChecksumMismatch = errors.New("artifact checksum mismatch")

// RestoreConfig configures the Restorer.
type RestoreConfig struct {
	ConfirmDelay time.Duration
	SpoolDir     string
	// OnCountdown, when set, is called once per second of the confirmation
	// delay with the time remaining.
	OnCountdown func(remaining time.Duration)
}

// RestoreResult reports a restore attempt. Success is true only when the
// transaction committed.
type RestoreResult struct {
	Success            bool   `json:"success"`
	RunID              string `json:"run_id"`
	Kind               string `json:"kind"`
	StatementsExecuted int    `json:"statements_executed"`
	DurationMillis     int64  `json:"duration_millis"`
	Error              string `json:"error,omitempty"`
}

// Restorer replays a database dump inside a single transaction.
type Restorer struct {
	registry Registry
	store    storage.ObjectStore
	db       dump.TxBeginner
	cfg      RestoreConfig
	logger   zerolog.Logger
}

// NewRestorer creates a Restorer. db must be the restore pool, never the
// pool the dumper reads from.
func NewRestorer(reg Registry, store storage.ObjectStore, db dump.TxBeginner, cfg RestoreConfig, logger zerolog.Logger) *Restorer {
	if cfg.ConfirmDelay < 0 {
		cfg.ConfirmDelay = 0
	}
	return &Restorer{
		registry: reg,
		store:    store,
		db:       db,
		cfg:      cfg,
		logger:   logger.With().Str("component", "restore").Logger(),
	}
}

// ConfirmDelay returns the configured confirmation delay.
func (r *Restorer) ConfirmDelay() time.Duration { return r.cfg.ConfirmDelay }

// Restore replays the dump of run runID. Runs that are missing, unsuccessful,
// purged or carry no database dump return ErrNotFound. Any statement failure
// rolls the whole restore back.
func (r *Restorer) Restore(ctx context.Context, runID string) (*RestoreResult, error) {
	start := time.Now()
	result := &RestoreResult{RunID: runID}

	res, err := r.restore(ctx, runID, result)
	result.DurationMillis = time.Since(start).Milliseconds()
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		if !errors.Is(err, ErrNotFound) {
			metrics.ObserveRestore(false)
		}
		return res, err
	}
	metrics.ObserveRestore(true)
	return res, nil
}

func (r *Restorer) restore(ctx context.Context, runID string, result *RestoreResult) (*RestoreResult, error) {
	run, err := r.registry.Get(ctx, runID)
	if err != nil {
		return result, err
	}
	if !run.Restorable() {
		return result, fmt.Errorf("%w: run %s is not restorable", ErrNotFound, runID)
	}
	result.Kind = run.Kind
	logger := r.logger.With().Str("run_id", run.ID).Str("kind", run.Kind).Logger()

	spool, err := r.fetch(ctx, run)
	if err != nil {
		return result, err
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	logger.Warn().Dur("delay", r.cfg.ConfirmDelay).Msg("restore will overwrite database tables")
	if err := r.wait(ctx); err != nil {
		return result, fmt.Errorf("restore cancelled: %w", err)
	}

	script, closeScript, err := openScript(spool, run.ArtifactLocation)
	if err != nil {
		return result, err
	}
	defer closeScript()

	n, err := r.execute(ctx, script)
	result.StatementsExecuted = n
	if err != nil {
		logger.Error().Err(err).Int("executed", n).Msg("restore failed, transaction rolled back")
		return result, err
	}

	result.Success = true
	logger.Info().Int("statements", n).Msg("restore committed")
	return result, nil
}

// fetch copies the artifact to a spool file and verifies its checksum.
func (r *Restorer) fetch(ctx context.Context, run *model.BackupRun) (*os.File, error) {
	body, err := r.store.Get(ctx, run.ArtifactLocation)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: artifact %s is missing", ErrNotFound, run.ArtifactLocation)
		}
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}
	defer body.Close()

	spool, err := os.CreateTemp(r.cfg.SpoolDir, "restore-"+run.ID+"-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	fail := func(err error) (*os.File, error) {
		spool.Close()
		os.Remove(spool.Name())
		return nil, err
	}

	sum := sha256.New()
	if _, err := io.Copy(io.MultiWriter(spool, sum), body); err != nil {
		return fail(fmt.Errorf("download artifact: %w", err))
	}
	if run.Checksum != "" {
		if got := hex.EncodeToString(sum.Sum(nil)); got != run.Checksum {
			return fail(fmt.Errorf("%w: recorded %s, computed %s", ErrChecksumMismatch, run.Checksum, got))
		}
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return fail(fmt.Errorf("rewind spool file: %w", err))
	}
	return spool, nil
}

func (r *Restorer) wait(ctx context.Context) error {
	remaining := r.cfg.ConfirmDelay
	if remaining <= 0 {
		return ctx.Err()
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	deadline := time.NewTimer(remaining)
	defer deadline.Stop()

	if r.cfg.OnCountdown != nil {
		r.cfg.OnCountdown(remaining)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-ticker.C:
			remaining -= time.Second
			if r.cfg.OnCountdown != nil && remaining > 0 {
				r.cfg.OnCountdown(remaining)
			}
		}
	}
}

// openScript returns the SQL script inside an artifact: the gzip stream of a
// database dump or the database.sql member of a full archive.
func openScript(f *os.File, location string) (io.Reader, func(), error) {
	switch {
	case strings.HasSuffix(location, ".sql.gz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, nil, fmt.Errorf("open gzip dump: %w", err)
		}
		return gz, func() { gz.Close() }, nil
	case strings.HasSuffix(location, ".zip"):
		info, err := f.Stat()
		if err != nil {
			return nil, nil, fmt.Errorf("stat archive: %w", err)
		}
		zr, err := zip.NewReader(f, info.Size())
		if err != nil {
			return nil, nil, fmt.Errorf("open archive: %w", err)
		}
		member, err := zr.Open(DatabaseMember)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s has no %s", ErrNoDatabaseDump, location, DatabaseMember)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", DatabaseMember, err)
		}
		return member, func() { member.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown artifact format: %s", location)
}

// execute runs every statement of script in one transaction.
func (r *Restorer) execute(ctx context.Context, script io.Reader) (int, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return 0, fmt.Errorf("begin restore transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	sr := dump.NewStatementReader(script)
	executed := 0
	for index := 1; ; {
		tok, err := sr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return executed, fmt.Errorf("read dump: %w", err)
		}
		if tok.Statement == "" {
			continue
		}
		if tok.Incomplete {
			return executed, &RestoreStatementError{Index: index, Snippet: snippet(tok.Statement, 80), Err: errors.New("unterminated statement")}
		}
		if _, err := tx.Exec(ctx, tok.Statement); err != nil {
			return executed, &RestoreStatementError{Index: index, Snippet: snippet(tok.Statement, 80), Err: err}
		}
		executed++
		index++
	}

	if err := tx.Commit(ctx); err != nil {
		return executed, fmt.Errorf("commit restore: %w", err)
	}
	committed = true
	return executed, nil
}
