// Package speech turns client requests into dispatcher calls. It owns the
// notion of the active backend: the backend whose voices fill the catalog
// and which serves requests that name no backend.
//
// The HTTP API and the MCP server both go through [Service], so voice
// defaulting and catalog checks behave the same on every surface.
package speech

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/oddmeta/oddtts/internal/catalog"
	"github.com/oddmeta/oddtts/internal/dispatch"
	"github.com/oddmeta/oddtts/pkg/provider/tts"
)

// Input is a synthesis request as a client sends it.
type Input struct {
	// Type is the backend token. Empty selects the active backend.
	Type string `json:"type"`

	Text string `json:"text"`

	// Voice is the voice name. Empty selects the first catalog voice.
	Voice string `json:"voice"`

	Rate   int `json:"rate"`
	Volume int `json:"volume"`
	Pitch  int `json:"pitch"`

	// Options carries backend-family tuning parameters, decoded per backend.
	Options map[string]any `json:"options,omitempty"`
}

// Service resolves inputs against the catalog and forwards them to the
// dispatcher. It is safe for concurrent use.
type Service struct {
	dispatcher *dispatch.Dispatcher
	catalog    *catalog.Catalog
	active     atomic.Pointer[string]
}

// New returns a Service whose active backend is active.
func New(d *dispatch.Dispatcher, c *catalog.Catalog, active string) *Service {
	s := &Service{dispatcher: d, catalog: c}
	s.SetActive(active)
	return s
}

// Dispatcher returns the underlying dispatcher.
func (s *Service) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Catalog returns the voice catalog of the active backend.
func (s *Service) Catalog() *catalog.Catalog { return s.catalog }

// Active returns the canonical token of the active backend.
func (s *Service) Active() string { return s.dispatcher.Canonical(*s.active.Load()) }

// SetActive switches the active backend. The caller repopulates the catalog.
func (s *Service) SetActive(token string) {
	token = strings.TrimSpace(token)
	s.active.Store(&token)
}

// IsActive reports whether token resolves to the active backend. An empty
// token always does.
func (s *Service) IsActive(token string) bool {
	if strings.TrimSpace(token) == "" {
		return true
	}
	return s.dispatcher.Canonical(token) == s.Active()
}

// Request builds the backend request for in. An empty voice becomes the
// first voice of the target backend: the catalog's for the active backend,
// the backend's own list otherwise. A voice for the active backend must
// exist in the catalog; other backends check voices themselves. Catalog
// lookups wait up to the catalog's wait timeout for the first populate.
func (s *Service) Request(ctx context.Context, in Input) (string, tts.Request, error) {
	token := in.Type
	if strings.TrimSpace(token) == "" {
		token = *s.active.Load()
	}

	opts, err := s.dispatcher.DecodeOptions(token, in.Options)
	if err != nil {
		return token, tts.Request{}, err
	}
	req := tts.Request{
		Text:    in.Text,
		Voice:   strings.TrimSpace(in.Voice),
		Rate:    in.Rate,
		Volume:  in.Volume,
		Pitch:   in.Pitch,
		Options: opts,
	}
	// Invalid requests go to the dispatcher untouched so the rejection is
	// logged there without waiting on the catalog.
	if req.Validate() != nil {
		return token, req, nil
	}

	if !s.IsActive(token) {
		if req.Voice == "" {
			v, err := s.firstVoice(ctx, token)
			if err != nil {
				return token, req, err
			}
			req.Voice = v.Name
		}
		return token, req, nil
	}

	snap, err := s.snapshot(ctx)
	if err != nil {
		return token, req, err
	}
	if req.Voice == "" {
		v, _ := snap.Default()
		req.Voice = v.Name
		return token, req, nil
	}
	if _, ok := snap.Lookup(req.Voice); !ok {
		return token, req, &catalog.VoiceError{Name: req.Voice}
	}
	return token, req, nil
}

// snapshot waits for the catalog and returns it only when it was populated
// from the active backend. After a switch the previous backend's snapshot
// reports not ready until the repopulate lands.
func (s *Service) snapshot(ctx context.Context) (*catalog.Snapshot, error) {
	snap, err := s.catalog.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if active := s.Active(); s.dispatcher.Canonical(snap.Backend) != active {
		return nil, fmt.Errorf("%w: voice list of %s not loaded yet", catalog.ErrNotReady, active)
	}
	return snap, nil
}

func (s *Service) firstVoice(ctx context.Context, token string) (tts.Voice, error) {
	voices, err := s.dispatcher.Voices(ctx, token)
	if err != nil {
		return tts.Voice{}, err
	}
	if len(voices) == 0 {
		return tts.Voice{}, tts.Failed(s.dispatcher.Canonical(token), "backend offers no voices", nil)
	}
	return voices[0], nil
}

// Synthesize resolves in and renders it in the given mode.
func (s *Service) Synthesize(ctx context.Context, in Input, mode dispatch.Mode) (dispatch.Result, error) {
	token, req, err := s.Request(ctx, in)
	if err != nil {
		return dispatch.Result{}, err
	}
	return s.dispatcher.Synthesize(ctx, token, req, mode)
}

// Voices lists voices for token filtered by locale. The active backend is
// served from the catalog; any other backend is asked directly. An empty
// locale returns every voice.
func (s *Service) Voices(ctx context.Context, token, locale string) ([]tts.Voice, error) {
	if s.IsActive(token) {
		snap, err := s.snapshot(ctx)
		if err != nil {
			return nil, err
		}
		return snap.FilterByLocale(locale), nil
	}

	voices, err := s.dispatcher.Voices(ctx, token)
	if err != nil {
		return nil, err
	}
	if locale == "" {
		return voices, nil
	}
	out := []tts.Voice{}
	for _, v := range voices {
		if v.Locale == locale {
			out = append(out, v)
		}
	}
	return out, nil
}

// Voice looks name up in the active backend's catalog.
func (s *Service) Voice(ctx context.Context, name string) (tts.Voice, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return tts.Voice{}, err
	}
	v, ok := snap.Lookup(name)
	if !ok {
		return tts.Voice{}, &catalog.VoiceError{Name: name}
	}
	return v, nil
}

// Locales returns the locales of the active backend's catalog.
func (s *Service) Locales(ctx context.Context) ([]string, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Locales(), nil
}

// Suggest returns catalog voice names close to name.
func (s *Service) Suggest(name string) []string {
	return s.catalog.Suggest(name, 3)
}
