package backup

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/edvin/boosterclub/internal/dump"
	"github.com/edvin/boosterclub/internal/model"
	"github.com/edvin/boosterclub/internal/storage"
)

// ---------- Fake registry ----------

// fakeRegistry is an in-memory Registry with the same claim rules as the
// PostgreSQL one.
type fakeRegistry struct {
	mu     sync.Mutex
	runs   map[string]*model.BackupRun
	order  []string
	status model.BackupStatus
	now    func() time.Time
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{runs: map[string]*model.BackupRun{}, now: time.Now}
}

func (f *fakeRegistry) add(run model.BackupRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := run
	f.runs[r.ID] = &r
	f.order = append(f.order, r.ID)
}

func (f *fakeRegistry) run(id string) model.BackupRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.runs[id]
}

func (f *fakeRegistry) count(status string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.runs {
		if r.Status == status {
			n++
		}
	}
	return n
}

func (f *fakeRegistry) Create(_ context.Context, run *model.BackupRun) error {
	run.Status = model.StatusPending
	run.CreatedAt = f.now()
	f.add(*run)
	return nil
}

func (f *fakeRegistry) Start(_ context.Context, id string, staleAfter time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	var abandoned string
	if f.status.RunningRunID != nil && *f.status.RunningRunID != id {
		if f.status.RunningSince.After(now.Add(-staleAfter)) {
			return "", ErrBackupInProgress
		}
		abandoned = *f.status.RunningRunID
		if prev, ok := f.runs[abandoned]; ok {
			msg := "abandoned"
			prev.Status = model.StatusFailed
			prev.ErrorMessage = &msg
			prev.FinishedAt = &now
		}
	}
	runID := id
	f.status.RunningRunID = &runID
	f.status.RunningSince = &now
	f.runs[id].Status = model.StatusRunning
	return abandoned, nil
}

func (f *fakeRegistry) SetStage(_ context.Context, id, stage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[id].Stage = stage
	return nil
}

func (f *fakeRegistry) Finish(_ context.Context, run *model.BackupRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := *run
	r.Warnings = append([]string(nil), run.Warnings...)
	f.runs[run.ID] = &r
	if f.status.RunningRunID != nil && *f.status.RunningRunID == run.ID {
		f.status.RunningRunID = nil
		f.status.RunningSince = nil
	}
	f.status.LastBackup = run.FinishedAt
	f.status.LastBackupStatus = run.Status
	if run.Status == model.StatusSuccess {
		f.status.BackupCount++
		f.status.TotalBackupSize += run.SizeBytes
	}
	return nil
}

func (f *fakeRegistry) Reject(_ context.Context, id, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.runs[id]
	if r.Status != model.StatusPending {
		return nil
	}
	now := f.now()
	r.Status = model.StatusFailed
	r.ErrorMessage = &message
	r.FinishedAt = &now
	return nil
}

func (f *fakeRegistry) Get(_ context.Context, id string) (*model.BackupRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRegistry) List(_ context.Context, kind string, limit int) ([]model.BackupRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.BackupRun
	for _, id := range f.order {
		if r := f.runs[id]; kind == "" || r.Kind == kind {
			out = append(out, *r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRegistry) LatestSuccessful(_ context.Context, kind string) (*model.BackupRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *model.BackupRun
	for _, id := range f.order {
		r := f.runs[id]
		if r.Kind != kind || r.Status != model.StatusSuccess || r.PurgedAt != nil || r.FinishedAt == nil {
			continue
		}
		if latest == nil || r.FinishedAt.After(*latest.FinishedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeRegistry) ListExpired(_ context.Context, kind string, before time.Time) ([]model.BackupRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.BackupRun
	for _, id := range f.order {
		r := f.runs[id]
		if r.Kind == kind && r.Status == model.StatusSuccess && r.PurgedAt == nil &&
			r.FinishedAt != nil && r.FinishedAt.Before(before) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeRegistry) ArtifactLocations(_ context.Context, prefix string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]bool{}
	for _, r := range f.runs {
		if r.PurgedAt == nil && r.ArtifactLocation != "" && strings.HasPrefix(r.ArtifactLocation, prefix) {
			out[r.ArtifactLocation] = true
		}
	}
	return out, nil
}

func (f *fakeRegistry) MarkPurged(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return ErrNotFound
	}
	f.purge(r)
	return nil
}

func (f *fakeRegistry) MarkPurgedByLocation(_ context.Context, path string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.runs {
		if r.ArtifactLocation == path && r.PurgedAt == nil {
			f.purge(r)
			n++
		}
	}
	return n, nil
}

func (f *fakeRegistry) purge(r *model.BackupRun) {
	if r.PurgedAt != nil {
		return
	}
	now := f.now()
	r.PurgedAt = &now
	if r.Status == model.StatusSuccess {
		f.status.TotalBackupSize = max(f.status.TotalBackupSize-r.SizeBytes, 0)
	}
}

func (f *fakeRegistry) Status(context.Context) (*model.BackupStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.status
	return &st, nil
}

// ---------- Fake dumper ----------

// fakeDumper writes a fixed script. When entered is set it signals the
// channel and blocks until release is closed or ctx ends.
type fakeDumper struct {
	script  string
	result  *dump.Result
	entered chan struct{}
	release chan struct{}
}

func (d *fakeDumper) Dump(ctx context.Context, w io.Writer) (*dump.Result, error) {
	if d.entered != nil {
		d.entered <- struct{}{}
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if _, err := io.WriteString(w, d.script); err != nil {
		return nil, err
	}
	if d.result != nil {
		return d.result, nil
	}
	return &dump.Result{}, nil
}

// ---------- Slow store ----------

// slowStore blocks uploads until the context ends.
type slowStore struct {
	storage.ObjectStore
}

func (s *slowStore) Put(ctx context.Context, _ string, _ io.Reader, _ int64) error {
	<-ctx.Done()
	return ctx.Err()
}

// ---------- Fake transaction ----------

// fakeTx records executed statements. Methods it does not override panic
// through the nil embedded interface.
type fakeTx struct {
	pgx.Tx
	failOn     string
	executed   []string
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if t.failOn != "" && strings.Contains(sql, t.failOn) {
		return pgconn.CommandTag{}, &pgconn.PgError{Code: "42601", Message: "syntax error at or near \"" + t.failOn + "\""}
	}
	t.executed = append(t.executed, sql)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

type fakeBeginner struct {
	tx   *fakeTx
	opts pgx.TxOptions
}

func (b *fakeBeginner) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	b.opts = opts
	return b.tx, nil
}

// ---------- Helpers ----------

func newStore(t *testing.T, files map[string]string) *storage.LocalStore {
	t.Helper()
	s, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	for key, body := range files {
		require.NoError(t, s.Put(context.Background(), key, strings.NewReader(body), int64(len(body))))
	}
	return s
}

func readObject(t *testing.T, s storage.ObjectStore, key string) []byte {
	t.Helper()
	rc, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return b
}

func zipNames(t *testing.T, body []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(strings.NewReader(string(body)), int64(len(body)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func timePtr(t time.Time) *time.Time { return &t }
