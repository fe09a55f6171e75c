package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/boosterclub/internal/model"
	"github.com/edvin/boosterclub/internal/storage"
)

// ManifestName is the archive member holding the JSON manifest.
const ManifestName = "manifest.json"

// ObjectFetchError records an object that could not be read. The object is
// left out of the archive and listed as skipped in the manifest.
type ObjectFetchError struct {
	Path string
	Err  error
}

func (e *ObjectFetchError) Error() string {
	return fmt.Sprintf("fetch object %q: %v", e.Path, e.Err)
}

func (e *ObjectFetchError) Unwrap() error { return e.Err }

// Options configures a Builder.
type Options struct {
	// Concurrency bounds parallel object fetches. Defaults to 4.
	Concurrency int
	// SpoolDir holds fetched objects until they are written to the zip.
	// Defaults to the system temp dir.
	SpoolDir string
	Retry    storage.RetryConfig
}

// Builder writes every non-artifact object of a store into a zip archive.
type Builder struct {
	store  storage.ObjectStore
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// NewBuilder creates a Builder reading from store.
func NewBuilder(store storage.ObjectStore, opts Options, logger zerolog.Logger) *Builder {
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.Retry == (storage.RetryConfig{}) {
		opts.Retry = storage.DefaultRetryConfig()
	}
	return &Builder{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "archive-builder").Logger(),
		now:    time.Now,
	}
}

type fetched struct {
	spool string
	size  int64
	err   error
}

// Write packs the store's objects into zw under prefix, followed by the
// manifest at the archive root. Entries are written in path order whatever
// order the fetches complete in. A failed fetch skips that object; context
// cancellation aborts the build.
func (b *Builder) Write(ctx context.Context, zw *zip.Writer, prefix string) (*model.Manifest, error) {
	listed, err := b.store.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}

	manifest := &model.Manifest{
		GeneratedAt: b.now().UTC(),
		Entries:     []model.ObjectManifestEntry{},
	}

	seen := make(map[string]bool, len(listed))
	var objects []storage.ObjectInfo
	for _, obj := range listed {
		if IsBackupArtifact(obj.Key) {
			manifest.Excluded++
			continue
		}
		if seen[obj.Key] {
			manifest.Duplicates++
			b.logger.Warn().Str("path", obj.Key).Msg("duplicate path in listing, keeping first")
			continue
		}
		seen[obj.Key] = true
		objects = append(objects, obj)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

	spoolDir, err := os.MkdirTemp(b.opts.SpoolDir, "archive-*")
	if err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	defer os.RemoveAll(spoolDir)

	results := make([]fetched, len(objects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Concurrency)
	for i, obj := range objects {
		g.Go(func() error {
			spool := filepath.Join(spoolDir, fmt.Sprintf("%06d", i))
			size, err := b.fetch(gctx, obj.Key, spool)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				b.logger.Warn().Err(err).Str("path", obj.Key).Msg("object fetch failed, skipping")
				results[i] = fetched{err: &ObjectFetchError{Path: obj.Key, Err: err}}
				return nil
			}
			results[i] = fetched{spool: spool, size: size}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch objects: %w", err)
	}

	for i, obj := range objects {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := results[i]
		if res.err != nil {
			manifest.Skipped = append(manifest.Skipped, model.SkippedObject{Path: obj.Key, Error: res.err.Error()})
			continue
		}
		if err := addFile(zw, prefix+obj.Key, res.spool, obj.LastModified); err != nil {
			return nil, fmt.Errorf("add %s to archive: %w", obj.Key, err)
		}
		_ = os.Remove(res.spool)
		manifest.Entries = append(manifest.Entries, model.ObjectManifestEntry{
			Path:       obj.Key,
			SizeBytes:  res.size,
			IncludedAt: b.now().UTC(),
		})
		manifest.TotalBytes += res.size
	}

	if err := writeManifest(zw, manifest); err != nil {
		return nil, err
	}

	b.logger.Info().
		Int("objects", len(manifest.Entries)).
		Int("skipped", len(manifest.Skipped)).
		Int("excluded", manifest.Excluded).
		Str("size", humanize.Bytes(uint64(manifest.TotalBytes))).
		Msg("object archive written")
	return manifest, nil
}

// fetch copies one object into a spool file, retrying transient failures.
func (b *Builder) fetch(ctx context.Context, key, spool string) (int64, error) {
	var size int64
	err := storage.Retry(ctx, b.opts.Retry, func() error {
		rc, err := b.store.Get(ctx, key)
		if err != nil {
			return err
		}
		defer rc.Close()

		f, err := os.Create(spool)
		if err != nil {
			return err
		}
		n, err := io.Copy(f, rc)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		size = n
		return err
	}, func(err error, wait time.Duration) {
		b.logger.Debug().Err(err).Str("path", key).Dur("retry_in", wait).Msg("retrying object fetch")
	})
	return size, err
}

func addFile(zw *zip.Writer, name, spool string, modified time.Time) error {
	f, err := os.Open(spool)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified,
	})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

func writeManifest(zw *zip.Writer, m *model.Manifest) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     ManifestName,
		Method:   zip.Deflate,
		Modified: m.GeneratedAt,
	})
	if err != nil {
		return fmt.Errorf("create manifest entry: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest decodes the manifest of an archive.
func ReadManifest(zr *zip.Reader) (*model.Manifest, error) {
	f, err := zr.Open(ManifestName)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	var m model.Manifest
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}
