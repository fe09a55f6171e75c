// Package scheduler runs the recurring backup and cleanup jobs.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/edvin/boosterclub/internal/backup"
	"github.com/edvin/boosterclub/internal/model"
)

// Runner executes one backup.
type Runner interface {
	CreateBackup(ctx context.Context, kind, trigger string) (*model.BackupRun, error)
}

// Janitor expires old artifacts.
type Janitor interface {
	Cleanup(ctx context.Context, now time.Time) (*backup.CleanupResult, error)
}

// NextRecorder persists the next scheduled backup time.
type NextRecorder interface {
	SetNextScheduled(ctx context.Context, next *time.Time) error
}

// Config holds the five-field cron expressions and their timezone.
type Config struct {
	Timezone       string
	DatabaseBackup string
	FullBackup     string
	Cleanup        string
}

// DefaultConfig is a daily database dump, a weekly full backup and a daily
// cleanup, all in club-local time.
func DefaultConfig() Config {
	return Config{
		Timezone:       "America/Chicago",
		DatabaseBackup: "0 2 * * *",
		FullBackup:     "0 3 * * 0",
		Cleanup:        "30 4 * * *",
	}
}

// Scheduler owns the cron loop. Scheduled jobs run one at a time through a
// single queue.
type Scheduler struct {
	cron     *cron.Cron
	loc      *time.Location
	runner   Runner
	janitor  Janitor
	recorder NextRecorder
	logger   zerolog.Logger

	backups []cron.Schedule
	queue   sync.Mutex
	now     func() time.Time
}

// New parses the schedules and registers the jobs. Nothing runs until Start.
func New(cfg Config, runner Runner, janitor Janitor, recorder NextRecorder, logger zerolog.Logger) (*Scheduler, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}

	s := &Scheduler{
		loc:      loc,
		runner:   runner,
		janitor:  janitor,
		recorder: recorder,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
	}
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{s.logger})),
	)

	jobs := []struct {
		name   string
		spec   string
		backup bool
		run    func()
	}{
		{"database backup", cfg.DatabaseBackup, true, func() { s.runBackup(model.BackupKindDatabase) }},
		{"full backup", cfg.FullBackup, true, func() { s.runBackup(model.BackupKindFull) }},
		{"cleanup", cfg.Cleanup, false, s.runCleanup},
	}
	for _, j := range jobs {
		sched, err := cron.ParseStandard(j.spec)
		if err != nil {
			return nil, fmt.Errorf("parse %s schedule %q: %w", j.name, j.spec, err)
		}
		s.cron.Schedule(sched, cron.FuncJob(j.run))
		if j.backup {
			s.backups = append(s.backups, sched)
		}
	}
	return s, nil
}

// Start begins running jobs and records the next scheduled backup.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.recordNext(context.Background())
	s.logger.Info().Str("timezone", s.loc.String()).Msg("scheduler started")
}

// Stop halts the cron loop. The returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info().Msg("scheduler stopping")
	return s.cron.Stop()
}

// NextScheduled returns the earliest upcoming backup after now.
func (s *Scheduler) NextScheduled(now time.Time) *time.Time {
	var next time.Time
	local := now.In(s.loc)
	for _, sched := range s.backups {
		t := sched.Next(local)
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	if next.IsZero() {
		return nil
	}
	next = next.UTC()
	return &next
}

// Trigger runs an external backup request immediately. It shares the
// orchestrator's single-flight rule with scheduled runs.
func (s *Scheduler) Trigger(ctx context.Context, kind string) (*model.BackupRun, error) {
	run, err := s.runner.CreateBackup(ctx, kind, model.TriggerExternal)
	s.recordNext(context.WithoutCancel(ctx))
	return run, err
}

func (s *Scheduler) runBackup(kind string) {
	s.queue.Lock()
	defer s.queue.Unlock()

	ctx := context.Background()
	logger := s.logger.With().Str("job", kind+" backup").Logger()
	logger.Info().Msg("scheduled backup starting")

	run, err := s.runner.CreateBackup(ctx, kind, model.TriggerScheduled)
	if err != nil {
		logger.Error().Err(err).Msg("scheduled backup failed")
	} else {
		logger.Info().Str("run_id", run.ID).Msg("scheduled backup finished")
	}
	s.recordNext(ctx)
}

func (s *Scheduler) runCleanup() {
	s.queue.Lock()
	defer s.queue.Unlock()

	result, err := s.janitor.Cleanup(context.Background(), s.now().UTC())
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled cleanup finished with errors")
		return
	}
	s.logger.Info().Int("deleted", len(result.Deleted)).Msg("scheduled cleanup finished")
}

func (s *Scheduler) recordNext(ctx context.Context) {
	next := s.NextScheduled(s.now())
	if err := s.recorder.SetNextScheduled(ctx, next); err != nil {
		s.logger.Warn().Err(err).Msg("failed to record next scheduled backup")
	}
}

// cronLogger adapts zerolog to cron's logger interface.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
