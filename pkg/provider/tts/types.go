package tts

import (
	"fmt"
	"strings"
)

// Offset bounds applied to Request.Rate, Request.Volume and Request.Pitch.
const (
	MinOffset = -50
	MaxOffset = 50
)

// Voice describes a single voice offered by a backend.
type Voice struct {
	// Name is the unique, stable identifier used to look the voice up
	// (e.g., "en-US-AriaNeural" or a Bert-VITS2 speaker name).
	Name string `json:"name"`

	// Locale groups voices by language and region, e.g. "zh-CN".
	Locale string `json:"locale"`

	// Gender is optional and passed through for display.
	Gender string `json:"gender,omitempty"`

	// DisplayName is optional and passed through for display.
	DisplayName string `json:"display_name,omitempty"`

	// Backend is the token of the backend that produced the voice.
	Backend string `json:"backend,omitempty"`
}

// Request is a single synthesis request.
//
// Rate, Volume and Pitch are signed percentage offsets from the engine's
// default. The zero value means "unchanged", so an unspecified offset behaves
// exactly like an explicit 0.
type Request struct {
	Text   string
	Voice  string
	Rate   int
	Volume int
	Pitch  int

	// Options carries backend-family tuning parameters. Nil selects the
	// family defaults.
	Options Options
}

// Validate checks the request without contacting any backend. All problems
// are reported together in a single ErrValidation error.
func (r Request) Validate() error {
	var problems []string
	if strings.TrimSpace(r.Text) == "" {
		problems = append(problems, "text must not be empty")
	}
	for _, f := range []struct {
		name string
		val  int
	}{
		{"rate", r.Rate},
		{"volume", r.Volume},
		{"pitch", r.Pitch},
	} {
		if f.val < MinOffset || f.val > MaxOffset {
			problems = append(problems, fmt.Sprintf("%s %d out of range [%d, %d]", f.name, f.val, MinOffset, MaxOffset))
		}
	}
	if len(problems) > 0 {
		return Invalid(strings.Join(problems, "; "))
	}
	return nil
}

// Chunk is one piece of a streamed synthesis. A Chunk with a non-nil Err is
// always the last value delivered before the channel closes.
type Chunk struct {
	Data []byte
	Err  error
}
