// Package mcpserver exposes oddtts as Model Context Protocol tools:
//
//   - list_voices: the catalog voices, optionally filtered by locale.
//   - synthesize: renders text and returns base64-encoded MP3 audio.
//
// [Handler] serves them over the streamable HTTP transport.
package mcpserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/oddmeta/oddtts/internal/dispatch"
	"github.com/oddmeta/oddtts/internal/speech"
	"github.com/oddmeta/oddtts/pkg/provider/tts"
)

// ListVoicesInput is the argument object of the list_voices tool.
type ListVoicesInput struct {
	Locale string `json:"locale,omitempty" jsonschema:"locale to filter by, e.g. zh-CN; empty lists every voice"`
	Type   string `json:"type,omitempty" jsonschema:"backend token; empty means the active backend"`
}

// ListVoicesOutput is the structured result of the list_voices tool.
type ListVoicesOutput struct {
	Voices []tts.Voice `json:"voices"`
}

// SynthesizeInput is the argument object of the synthesize tool.
type SynthesizeInput struct {
	Type   string `json:"type,omitempty" jsonschema:"backend token; empty means the active backend"`
	Text   string `json:"text" jsonschema:"text to speak"`
	Voice  string `json:"voice,omitempty" jsonschema:"voice name; empty means the first catalog voice"`
	Rate   int    `json:"rate,omitempty" jsonschema:"speaking rate offset in percent, -50 to 50"`
	Volume int    `json:"volume,omitempty" jsonschema:"volume offset in percent, -50 to 50"`
	Pitch  int    `json:"pitch,omitempty" jsonschema:"pitch offset in percent, -50 to 50"`
}

// SynthesizeOutput is the structured result of the synthesize tool.
type SynthesizeOutput struct {
	Backend string `json:"backend"`
	Format  string `json:"format"`
	Bytes   int    `json:"bytes"`
	Base64  string `json:"base64"`
}

// New builds the MCP server with both tools registered.
func New(svc *speech.Service, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "oddtts", Version: version}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_voices",
		Description: "List the voices of a text-to-speech backend, optionally filtered by locale.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in ListVoicesInput) (*mcp.CallToolResult, ListVoicesOutput, error) {
		voices, err := svc.Voices(ctx, in.Type, in.Locale)
		if err != nil {
			return nil, ListVoicesOutput{}, fmt.Errorf("list voices: %w", err)
		}
		if voices == nil {
			voices = []tts.Voice{}
		}
		return nil, ListVoicesOutput{Voices: voices}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "synthesize",
		Description: "Convert text to speech. Returns the audio base64-encoded with its format (mp3 unless the engine produces wav).",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in SynthesizeInput) (*mcp.CallToolResult, SynthesizeOutput, error) {
		res, err := svc.Synthesize(ctx, speech.Input{
			Type:   in.Type,
			Text:   in.Text,
			Voice:  in.Voice,
			Rate:   in.Rate,
			Volume: in.Volume,
			Pitch:  in.Pitch,
		}, dispatch.ModeBytes)
		if err != nil {
			return nil, SynthesizeOutput{}, fmt.Errorf("synthesize: %w", err)
		}
		out := SynthesizeOutput{
			Backend: res.Backend,
			Format:  tts.DetectFormat(res.Audio),
			Bytes:   len(res.Audio),
			Base64:  base64.StdEncoding.EncodeToString(res.Audio),
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("synthesized %d bytes of %s audio with the %s backend", out.Bytes, out.Format, out.Backend)},
			},
		}, out, nil
	})

	return server
}

// Handler serves server over the MCP streamable HTTP transport.
func Handler(server *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
}
