package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/boosterclub/internal/storage"
)

func newLocalStore(t *testing.T, files map[string]string) *storage.LocalStore {
	t.Helper()
	s, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	for key, body := range files {
		require.NoError(t, s.Put(context.Background(), key, strings.NewReader(body), int64(len(body))))
	}
	return s
}

func fastOptions(t *testing.T) Options {
	return Options{
		Concurrency: 3,
		SpoolDir:    t.TempDir(),
		Retry: storage.RetryConfig{
			MaxRetries:      2,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
			MaxElapsedTime:  time.Second,
		},
	}
}

func buildArchive(t *testing.T, b *Builder, prefix string) (*zip.Reader, error) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if _, err := b.Write(context.Background(), zw, prefix); err != nil {
		return nil, err
	}
	require.NoError(t, zw.Close())
	return zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
}

func TestBuilder_ExcludesArtifacts(t *testing.T) {
	store := newLocalStore(t, map[string]string{
		"officers/chair.jpg":                     "photo",
		"tax/2025-990.pdf":                       "pdf",
		"insurance/policy.pdf":                   "policy",
		"backups/full/2026-01-01/abc.zip":        "artifact",
		"backups/database/2026-01-01/abc.sql.gz": "artifact",
		"uploads/tmp/partial.bin":                "scratch",
	})

	manifest, err := NewBuilder(store, fastOptions(t), zerolog.Nop()).Write(context.Background(), zip.NewWriter(io.Discard), "objects/")
	require.NoError(t, err)

	require.Len(t, manifest.Entries, 3)
	assert.Equal(t, 3, manifest.Excluded)
	for _, e := range manifest.Entries {
		assert.False(t, IsBackupArtifact(e.Path), e.Path)
	}
}

func TestBuilder_SortedEntriesAndManifest(t *testing.T) {
	store := newLocalStore(t, map[string]string{
		"news/b.txt": "bbbb",
		"a.txt":      "a",
		"news/a.txt": "aa",
		"z/last.txt": "zzz",
	})

	zr, err := buildArchive(t, NewBuilder(store, fastOptions(t), zerolog.Nop()), "objects/")
	require.NoError(t, err)

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"objects/a.txt", "objects/news/a.txt", "objects/news/b.txt", "objects/z/last.txt", ManifestName}, names)

	rc, err := zr.Open("objects/news/b.txt")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "bbbb", string(body))

	m, err := ReadManifest(zr)
	require.NoError(t, err)
	require.Len(t, m.Entries, 4)
	assert.Equal(t, "a.txt", m.Entries[0].Path)
	assert.Equal(t, int64(10), m.TotalBytes)
	assert.Empty(t, m.Skipped)
}

// flakyStore wraps a store with injected listing duplicates and fetch failures.
type flakyStore struct {
	storage.ObjectStore
	duplicate string
	failing   map[string]bool
	failures  atomic.Int32
	block     chan struct{}
}

func (f *flakyStore) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	objs, err := f.ObjectStore.List(ctx, prefix)
	if err != nil || f.duplicate == "" {
		return objs, err
	}
	for _, o := range objs {
		if o.Key == f.duplicate {
			objs = append(objs, o)
			break
		}
	}
	return objs, nil
}

func (f *flakyStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failing[key] {
		f.failures.Add(1)
		return nil, errors.New("connection reset by peer")
	}
	return f.ObjectStore.Get(ctx, key)
}

func TestBuilder_SkipsFailedFetches(t *testing.T) {
	base := newLocalStore(t, map[string]string{
		"a.txt": "a",
		"b.txt": "b",
		"c.txt": "c",
	})
	store := &flakyStore{ObjectStore: base, failing: map[string]bool{"b.txt": true}}

	manifest, err := NewBuilder(store, fastOptions(t), zerolog.Nop()).Write(context.Background(), zip.NewWriter(io.Discard), "")
	require.NoError(t, err)

	require.Len(t, manifest.Entries, 2)
	require.Len(t, manifest.Skipped, 1)
	assert.Equal(t, "b.txt", manifest.Skipped[0].Path)
	assert.Contains(t, manifest.Skipped[0].Error, "connection reset")
	// One attempt plus two retries.
	assert.Equal(t, int32(3), store.failures.Load())
}

func TestBuilder_RejectsDuplicatePaths(t *testing.T) {
	base := newLocalStore(t, map[string]string{"a.txt": "a", "b.txt": "b"})
	store := &flakyStore{ObjectStore: base, duplicate: "a.txt"}

	manifest, err := NewBuilder(store, fastOptions(t), zerolog.Nop()).Write(context.Background(), zip.NewWriter(io.Discard), "")
	require.NoError(t, err)
	assert.Len(t, manifest.Entries, 2)
	assert.Equal(t, 1, manifest.Duplicates)
}

func TestBuilder_Cancelled(t *testing.T) {
	files := map[string]string{}
	for i := range 10 {
		files[fmt.Sprintf("f%02d.txt", i)] = "x"
	}
	store := &flakyStore{ObjectStore: newLocalStore(t, files), block: make(chan struct{})}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewBuilder(store, fastOptions(t), zerolog.Nop()).Write(ctx, zip.NewWriter(io.Discard), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIsBackupArtifact(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"officers/chair.jpg", false},
		{"forms/w9.zip", false},
		{"backups/full/2026-01-01/id.zip", true},
		{"/backups/database/x.sql.gz", true},
		{"uploads/backup/old.pdf", true},
		{"uploads/Backups/old.pdf", true},
		{"uploads/tmp/file", true},
		{"uploads/.trash/file", true},
		{"uploads/temp/file", true},
		{"club-backup-2024.zip", true},
		{"docs/backup-notes.txt", false},
		{"archive/backup_old.tar.gz", true},
		{"archive/db-backup.sql.gz", true},
		{"archive/backupplan.tgz", true},
		{"news/template.pdf", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, IsBackupArtifact(tt.key))
		})
	}
}
