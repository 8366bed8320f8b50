package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"slices"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/oddmeta/oddtts/internal/catalog"
	"github.com/oddmeta/oddtts/internal/dispatch"
	"github.com/oddmeta/oddtts/internal/observe"
	"github.com/oddmeta/oddtts/internal/speech"
	"github.com/oddmeta/oddtts/pkg/provider/tts"
	"github.com/oddmeta/oddtts/pkg/provider/tts/mock"
)

// connect wires a client session to a fresh server over in-memory transports.
func connect(t *testing.T, edge *mock.Provider) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(ctx) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	d, err := dispatch.New([]dispatch.Backend{{Token: "edge", Acquire: dispatch.Shared(edge)}},
		dispatch.WithMetrics(m), dispatch.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	c := catalog.New(d, catalog.WithMetrics(m))
	if _, err := c.Populate(ctx, "edge"); err != nil {
		t.Fatalf("Populate: %v", err)
	}

	server := New(speech.New(d, c, "edge"), "test")
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	if _, err := server.Connect(ctx, serverTransport, nil); err != nil {
		t.Fatalf("server connect: %v", err)
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "oddtts-test-client", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func newEdge() *mock.Provider {
	return &mock.Provider{
		Token: "edge",
		Audio: []byte("ID3-audio"),
		ListVoicesResult: []tts.Voice{
			{Name: "en-US-AriaNeural", Locale: "en-US"},
			{Name: "zh-CN-XiaoxiaoNeural", Locale: "zh-CN"},
		},
	}
}

// structured decodes the structured content of res into v.
func structured(t *testing.T, res *mcp.CallToolResult, v any) {
	t.Helper()
	raw, err := json.Marshal(res.StructuredContent)
	if err != nil {
		t.Fatalf("marshal structured content: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("unmarshal structured content %s: %v", raw, err)
	}
}

func TestTools_Listed(t *testing.T) {
	session := connect(t, newEdge())

	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	slices.Sort(names)
	if !slices.Equal(names, []string{"list_voices", "synthesize"}) {
		t.Errorf("tools = %v", names)
	}
}

func TestListVoices(t *testing.T) {
	session := connect(t, newEdge())

	tests := []struct {
		args map[string]any
		want []string
	}{
		{map[string]any{}, []string{"en-US-AriaNeural", "zh-CN-XiaoxiaoNeural"}},
		{map[string]any{"locale": "zh-CN"}, []string{"zh-CN-XiaoxiaoNeural"}},
		{map[string]any{"locale": "fr-FR"}, nil},
	}
	for _, tt := range tests {
		res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: "list_voices", Arguments: tt.args})
		if err != nil {
			t.Fatalf("CallTool(%v): %v", tt.args, err)
		}
		if res.IsError {
			t.Fatalf("CallTool(%v) returned a tool error", tt.args)
		}
		var out ListVoicesOutput
		structured(t, res, &out)
		if len(out.Voices) != len(tt.want) {
			t.Fatalf("args %v: got %+v, want %v", tt.args, out.Voices, tt.want)
		}
		for i, v := range out.Voices {
			if v.Name != tt.want[i] {
				t.Errorf("args %v: voice[%d] = %q, want %q", tt.args, i, v.Name, tt.want[i])
			}
		}
	}
}

func TestSynthesize(t *testing.T) {
	edge := newEdge()
	session := connect(t, edge)

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "synthesize",
		Arguments: map[string]any{"text": "hello", "rate": 10},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %+v", res.Content)
	}

	var out SynthesizeOutput
	structured(t, res, &out)
	audio, err := base64.StdEncoding.DecodeString(out.Base64)
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	if string(audio) != "ID3-audio" || out.Backend != "edge" || out.Format != "mp3" || out.Bytes != len(audio) {
		t.Errorf("output = %+v", out)
	}
	if len(res.Content) == 0 {
		t.Error("missing text summary")
	} else if tc, ok := res.Content[0].(*mcp.TextContent); !ok || tc.Text == "" {
		t.Errorf("content[0] = %#v, want a text summary", res.Content[0])
	}

	call := edge.Calls[0]
	if call.Request.Voice != "en-US-AriaNeural" || call.Request.Rate != 10 {
		t.Errorf("request = %+v", call.Request)
	}
}

func TestSynthesize_ReportsProducedFormat(t *testing.T) {
	edge := newEdge()
	edge.Audio = []byte("RIFF\x24\x00\x00\x00WAVEfmt ")
	session := connect(t, edge)

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "synthesize",
		Arguments: map[string]any{"text": "hello"},
	})
	if err != nil || res.IsError {
		t.Fatalf("CallTool: %v %+v", err, res)
	}
	var out SynthesizeOutput
	structured(t, res, &out)
	if out.Format != "wav" {
		t.Errorf("format = %q, want wav", out.Format)
	}
}

func TestSynthesize_ErrorsAreToolErrors(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
	}{
		{"empty text", map[string]any{"text": ""}},
		{"unknown voice", map[string]any{"text": "hi", "voice": "ghost"}},
		{"rate out of range", map[string]any{"text": "hi", "rate": 90}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			edge := newEdge()
			session := connect(t, edge)

			res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: "synthesize", Arguments: tt.args})
			if err == nil && !res.IsError {
				t.Fatal("expected a tool error")
			}
			if edge.CallCount() != 0 {
				t.Errorf("backend called %d times", edge.CallCount())
			}
		})
	}
}
