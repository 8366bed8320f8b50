// Package tempfiles manages the directory that file-mode synthesis writes
// into. Callers own the files they receive; [Store.Release] removes one
// early and [Store.Run] reaps files older than the TTL as a safety net.
package tempfiles

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oddmeta/oddtts/internal/observe"
	"github.com/oddmeta/oddtts/pkg/provider/tts"
)

// ErrNotFound is returned when a file name does not refer to a live output.
var ErrNotFound = errors.New("tempfiles: file not found")

const (
	// DefaultTTL is the age after which outputs are reaped.
	DefaultTTL = time.Hour

	// DefaultInterval is how often [Store.Run] reaps.
	DefaultInterval = 5 * time.Minute
)

// Option configures a [Store].
type Option func(*Store)

// WithTTL sets the maximum age of an output file.
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		s.ttl = d
	}
}

// WithInterval sets the reap interval used by [Store.Run].
func WithInterval(d time.Duration) Option {
	return func(s *Store) {
		s.interval = d
	}
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// Store is the output directory. Only files carrying [tts.FilePrefix] are
// served or reaped, so the directory may be shared with other data.
type Store struct {
	dir      string
	ttl      time.Duration
	interval time.Duration
	metrics  *observe.Metrics
}

// New creates dir if needed and returns a Store over it. An empty dir means
// a subdirectory of the system temp directory.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "oddtts")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("tempfiles: resolve %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("tempfiles: create %q: %w", abs, err)
	}
	s := &Store{
		dir:      abs,
		ttl:      DefaultTTL,
		interval: DefaultInterval,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// Dir returns the absolute output directory.
func (s *Store) Dir() string { return s.dir }

// Name returns the store-relative name of path, or an error when path is not
// an output file inside the store.
func (s *Store) Name(path string) (string, error) {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || rel != filepath.Base(rel) || !strings.HasPrefix(rel, tts.FilePrefix) {
		return "", fmt.Errorf("%w: %q is not an output of %q", ErrNotFound, path, s.dir)
	}
	return rel, nil
}

// Path returns the absolute path of the live output called name. Names that
// contain a path separator, lack the output prefix, or are gone yield
// [ErrNotFound].
func (s *Store) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || !strings.HasPrefix(name, tts.FilePrefix) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	p := filepath.Join(s.dir, name)
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return p, nil
}

// Release removes the output called name.
func (s *Store) Release(name string) error {
	p, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return fmt.Errorf("tempfiles: release %q: %w", name, err)
	}
	return nil
}

// Reap removes outputs last modified more than the TTL before now and
// returns how many were removed.
func (s *Store) Reap(ctx context.Context, now time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("tempfiles: read %q: %w", s.dir, err)
	}
	cutoff := now.Add(-s.ttl)
	var errs []error
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasPrefix(e.Name(), tts.FilePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.metrics.FilesReaped.Add(ctx, int64(removed))
	}
	return removed, errors.Join(errs...)
}

// Run reaps every interval until ctx is done. It always returns nil so it
// can run inside an errgroup without tearing the group down.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, err := s.Reap(ctx, now)
			if err != nil {
				slog.Warn("reaping audio files", "dir", s.dir, "err", err)
			}
			if n > 0 {
				slog.Debug("reaped audio files", "dir", s.dir, "removed", n)
			}
		}
	}
}
