package tempfiles

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/oddmeta/oddtts/internal/observe"
	"github.com/oddmeta/oddtts/pkg/provider/tts"
)

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(filepath.Join(t.TempDir(), "out"), append([]Option{WithMetrics(m)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func writeAged(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("mp3"), 0o644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(p, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPathAndRelease(t *testing.T) {
	s := newStore(t)
	full, err := tts.WriteFile(s.Dir(), []byte("mp3"), "mp3")
	if err != nil {
		t.Fatal(err)
	}
	name, err := s.Name(full)
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.Path(name)
	if err != nil || got != full {
		t.Fatalf("Path(%q) = %q, %v", name, got, err)
	}
	if err := s.Release(name); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Path(name); !errors.Is(err, ErrNotFound) {
		t.Errorf("Path after release err = %v, want ErrNotFound", err)
	}
	if err := s.Release(name); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Release err = %v, want ErrNotFound", err)
	}
}

func TestPath_RejectsForeignNames(t *testing.T) {
	s := newStore(t)
	outside := filepath.Join(filepath.Dir(s.Dir()), tts.FilePrefix+"secret.mp3")
	if err := os.WriteFile(outside, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	writeAged(t, s.Dir(), "notes.txt", 0)

	for _, name := range []string{
		"",
		"../" + tts.FilePrefix + "secret.mp3",
		"..",
		"notes.txt",
		tts.FilePrefix + "missing.mp3",
		"sub/" + tts.FilePrefix + "x.mp3",
	} {
		if _, err := s.Path(name); !errors.Is(err, ErrNotFound) {
			t.Errorf("Path(%q) err = %v, want ErrNotFound", name, err)
		}
	}
	if _, err := s.Name(outside); !errors.Is(err, ErrNotFound) {
		t.Errorf("Name(outside) err = %v, want ErrNotFound", err)
	}
}

func TestReap(t *testing.T) {
	s := newStore(t, WithTTL(time.Hour))
	old := writeAged(t, s.Dir(), tts.FilePrefix+"old.mp3", 2*time.Hour)
	fresh := writeAged(t, s.Dir(), tts.FilePrefix+"fresh.mp3", time.Minute)
	foreign := writeAged(t, s.Dir(), "keep.me", 48*time.Hour)

	n, err := s.Reap(context.Background(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("removed %d files, want 1", n)
	}
	if _, err := os.Stat(old); !errors.Is(err, os.ErrNotExist) {
		t.Error("old output survived")
	}
	for _, p := range []string{fresh, foreign} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s removed: %v", filepath.Base(p), err)
		}
	}
}

func TestRun_ReapsUntilCancelled(t *testing.T) {
	s := newStore(t, WithTTL(time.Millisecond), WithInterval(10*time.Millisecond))
	p := writeAged(t, s.Dir(), tts.FilePrefix+"a.mp3", time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("file not reaped")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}
