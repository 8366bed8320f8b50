package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/oddmeta/oddtts/internal/observe"
	"github.com/oddmeta/oddtts/pkg/provider/tts"
)

// fakeLister returns a programmed voice list per token and counts calls.
type fakeLister struct {
	mu     sync.Mutex
	voices map[string][]tts.Voice
	err    error
	calls  atomic.Int32
	gate   chan struct{}
}

func (f *fakeLister) Voices(ctx context.Context, token string) ([]tts.Voice, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.voices[token], nil
}

func (f *fakeLister) set(token string, voices []tts.Voice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voices[token] = voices
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

var twoVoices = []tts.Voice{
	{Name: "v1", Locale: "en-US"},
	{Name: "v2", Locale: "zh-CN"},
}

func populated(t *testing.T, voices []tts.Voice) *Catalog {
	t.Helper()
	c := New(&fakeLister{voices: map[string][]tts.Voice{"edge": voices}}, WithMetrics(testMetrics(t)))
	if _, err := c.Populate(context.Background(), "edge"); err != nil {
		t.Fatalf("Populate: %v", err)
	}
	return c
}

func names(voices []tts.Voice) []string {
	out := make([]string, len(voices))
	for i, v := range voices {
		out[i] = v.Name
	}
	return out
}

func TestResolveAndFilter(t *testing.T) {
	c := populated(t, twoVoices)

	if got := names(c.FilterByLocale("zh-CN")); !slices.Equal(got, []string{"v2"}) {
		t.Errorf("FilterByLocale(zh-CN) = %v, want [v2]", got)
	}
	if got := names(c.FilterByLocale("")); !slices.Equal(got, []string{"v1", "v2"}) {
		t.Errorf("FilterByLocale(\"\") = %v, want full catalog", got)
	}
	if got := c.FilterByLocale("fr-FR"); got == nil || len(got) != 0 {
		t.Errorf("FilterByLocale(fr-FR) = %#v, want empty non-nil slice", got)
	}

	v, err := c.Resolve("v1")
	if err != nil || v.Locale != "en-US" {
		t.Errorf("Resolve(v1) = %+v, %v", v, err)
	}
	if _, err := c.Resolve("v3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(v3) err = %v, want ErrNotFound", err)
	}

	if got := c.Locales(); !slices.Equal(got, []string{"en-US", "zh-CN"}) {
		t.Errorf("Locales = %v", got)
	}
	if d, ok := c.Default(); !ok || d.Name != "v1" {
		t.Errorf("Default = %+v, %v", d, ok)
	}
}

func TestNotReady(t *testing.T) {
	c := New(&fakeLister{voices: map[string][]tts.Voice{}}, WithMetrics(testMetrics(t)), WithWaitTimeout(20*time.Millisecond))

	if _, err := c.Resolve("v1"); !errors.Is(err, ErrNotReady) {
		t.Errorf("Resolve err = %v, want ErrNotReady", err)
	}
	if err := c.Check(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("Check err = %v, want ErrNotReady", err)
	}
	if _, ok := c.Default(); ok {
		t.Error("Default reported a voice before populate")
	}
	if got := c.FilterByLocale(""); got == nil || len(got) != 0 {
		t.Errorf("FilterByLocale before populate = %#v", got)
	}

	start := time.Now()
	if _, err := c.Wait(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("Wait err = %v, want ErrNotReady", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Wait returned before the timeout")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Wait(ctx); !errors.Is(err, ErrNotReady) || !errors.Is(err, context.Canceled) {
		t.Errorf("Wait(canceled) err = %v", err)
	}
}

func TestWaitUnblocksOnPopulate(t *testing.T) {
	l := &fakeLister{voices: map[string][]tts.Voice{"edge": twoVoices}}
	c := New(l, WithMetrics(testMetrics(t)), WithWaitTimeout(5*time.Second))

	done := make(chan error, 1)
	go func() {
		s, err := c.Wait(context.Background())
		if err == nil && s.Len() != 2 {
			err = fmt.Errorf("snapshot has %d voices", s.Len())
		}
		done <- err
	}()

	if _, err := c.Populate(context.Background(), "edge"); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after populate")
	}
	select {
	case <-c.Ready():
	default:
		t.Error("ready channel not closed")
	}
}

func TestPopulate_FailureKeepsPreviousSnapshot(t *testing.T) {
	tests := []struct {
		name   string
		voices []tts.Voice
		err    error
		want   error
	}{
		{"lister error", nil, tts.Unavailable("edge", errors.New("dial")), tts.ErrEngineUnavailable},
		{"empty list", []tts.Voice{}, nil, tts.ErrSynthesisFailed},
		{"duplicate names", []tts.Voice{{Name: "a"}, {Name: "a"}}, nil, tts.ErrSynthesisFailed},
		{"unnamed voice", []tts.Voice{{Name: "a"}, {Locale: "en-US"}}, nil, tts.ErrSynthesisFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &fakeLister{voices: map[string][]tts.Voice{"edge": twoVoices}}
			c := New(l, WithMetrics(testMetrics(t)))
			first, err := c.Populate(context.Background(), "edge")
			if err != nil {
				t.Fatal(err)
			}

			l.set("edge", tt.voices)
			l.err = tt.err
			if _, err := c.Populate(context.Background(), "edge"); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if c.Snapshot() != first {
				t.Error("failed populate replaced the snapshot")
			}
		})
	}
}

func TestPopulate_Coalesces(t *testing.T) {
	l := &fakeLister{voices: map[string][]tts.Voice{"edge": twoVoices}, gate: make(chan struct{})}
	c := New(l, WithMetrics(testMetrics(t)))

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Populate(context.Background(), "edge"); err != nil {
				t.Error(err)
			}
		}()
	}
	// Let every caller join the in-flight fetch before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(l.gate)
	wg.Wait()

	if n := l.calls.Load(); n != 1 {
		t.Errorf("lister called %d times, want 1", n)
	}
}

func TestSnapshotSwapIsAtomic(t *testing.T) {
	// Each generation holds voices g-0..g-9 in one locale per generation, so
	// any reader that mixes generations sees a mismatched lookup.
	gen := func(g int) []tts.Voice {
		vs := make([]tts.Voice, 10)
		for i := range vs {
			vs[i] = tts.Voice{Name: fmt.Sprintf("voice-%d", i), Locale: fmt.Sprintf("gen-%d", g)}
		}
		return vs
	}
	l := &fakeLister{voices: map[string][]tts.Voice{"edge": gen(0)}}
	c := New(l, WithMetrics(testMetrics(t)))
	if _, err := c.Populate(context.Background(), "edge"); err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for range 4 {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := c.Snapshot()
				voices := s.Voices()
				locale := voices[0].Locale
				for _, v := range voices {
					got, ok := s.Lookup(v.Name)
					if !ok || got.Locale != locale {
						t.Errorf("inconsistent snapshot: %q in %q, lookup %+v", v.Name, locale, got)
						return
					}
				}
				if locs := s.Locales(); len(locs) != 1 || locs[0] != locale {
					t.Errorf("locales %v do not match voices in %q", locs, locale)
					return
				}
			}
		}()
	}

	for g := 1; g <= 50; g++ {
		l.set("edge", gen(g))
		if _, err := c.Populate(context.Background(), "edge"); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)
	readers.Wait()
}

func TestSnapshotIsolatedFromCaller(t *testing.T) {
	voices := slices.Clone(twoVoices)
	c := populated(t, voices)
	voices[0].Name = "mutated"

	if _, err := c.Resolve("v1"); err != nil {
		t.Errorf("snapshot shares backing array with caller: %v", err)
	}
	got := c.Snapshot().Voices()
	got[1].Locale = "xx"
	if v, _ := c.Resolve("v2"); v.Locale != "zh-CN" {
		t.Error("Voices returned the internal slice")
	}
}

func TestSuggest(t *testing.T) {
	c := populated(t, []tts.Voice{
		{Name: "zh-CN-XiaoxiaoNeural", Locale: "zh-CN"},
		{Name: "zh-CN-XiaoyiNeural", Locale: "zh-CN"},
		{Name: "en-US-AriaNeural", Locale: "en-US"},
	})

	got := c.Suggest("zh-CN-XiaoxiaoNeura", 2)
	if len(got) == 0 || got[0] != "zh-CN-XiaoxiaoNeural" {
		t.Errorf("Suggest = %v, want zh-CN-XiaoxiaoNeural first", got)
	}
	if len(got) > 2 {
		t.Errorf("Suggest returned %d names, want at most 2", len(got))
	}
	if got := c.Suggest("qqqqqqqq", 3); len(got) != 0 {
		t.Errorf("Suggest(unrelated) = %v, want none", got)
	}
	if got := c.Suggest("", 3); got != nil {
		t.Errorf("Suggest(\"\") = %v, want nil", got)
	}
}
