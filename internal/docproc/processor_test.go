package docproc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docgrok/docgrok/internal/common"
	"github.com/docgrok/docgrok/internal/executor"
	"github.com/docgrok/docgrok/internal/extract"
	"github.com/docgrok/docgrok/internal/history"
	"github.com/docgrok/docgrok/internal/provider"
	"github.com/docgrok/docgrok/internal/ratelimit"
)

// stubExtractor serves canned content keyed by path.
type stubExtractor struct {
	content map[string]*extract.Content
	errs    map[string]error
}

func (s *stubExtractor) Extract(ctx context.Context, path string) (*extract.Content, error) {
	if err, ok := s.errs[path]; ok {
		return nil, err
	}
	if c, ok := s.content[path]; ok {
		return c, nil
	}
	return &extract.Content{Text: "content of " + path, Pages: 1, SourceType: "TEXT", Method: "text-read"}, nil
}

// stubAdapter answers with a fixed text, or a classified error per content.
type stubAdapter struct {
	name   string
	text   string
	err    error
	chunks []provider.Chunk
}

func (s *stubAdapter) Name() string {
	if s.name == "" {
		return "stub"
	}
	return s.name
}

func (s *stubAdapter) Generate(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &provider.Result{Text: s.text, Model: "stub-model"}, nil
}

func (s *stubAdapter) GenerateStream(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make(chan provider.Chunk)
	go func() {
		defer close(out)
		for _, ch := range s.chunks {
			select {
			case out <- ch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// memRecorder collects history entries.
type memRecorder struct {
	mu      sync.Mutex
	entries []history.Entry
}

func (m *memRecorder) Record(ctx context.Context, e history.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func newProcessor(adapter provider.Adapter, ext Extractor) *Processor {
	registry := provider.NewRegistry()
	registry.Register(adapter)
	exec := executor.New(
		ratelimit.New(common.RateLimitConfig{}, nil),
		executor.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2},
		nil,
	)
	if ext == nil {
		ext = &stubExtractor{}
	}
	return NewProcessor(registry, ext, exec, "stub", nil)
}

func TestProcessSuccess(t *testing.T) {
	p := newProcessor(&stubAdapter{text: "a fine summary"}, nil)
	res, err := p.Process(context.Background(), ProcessingRequest{Path: "/docs/a.txt", Prompt: "summarize"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "a fine summary", res.Text)
	assert.Equal(t, "stub", res.Provider)
	assert.Equal(t, "stub-model", res.Model)
	assert.Equal(t, 1, res.Pages)
	assert.Empty(t, res.Error)
}

func TestProcessFailFastValidation(t *testing.T) {
	p := newProcessor(&stubAdapter{text: "x"}, nil)

	tests := []struct {
		name string
		req  ProcessingRequest
	}{
		{"empty path", ProcessingRequest{}},
		{"unknown format", ProcessingRequest{Path: "a.txt", Format: "yaml"}},
		{"schema without json", ProcessingRequest{Path: "a.txt", Format: FormatText, Schema: map[string]any{"type": "object"}}},
		{"stream via Process", ProcessingRequest{Path: "a.txt", Stream: true}},
		{"negative timeout", ProcessingRequest{Path: "a.txt", Timeout: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Process(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, common.KindInvalidRequest, common.KindOf(err))
		})
	}
}

func TestProcessOperationalFailureIsResultNotError(t *testing.T) {
	p := newProcessor(&stubAdapter{err: common.Errorf(common.KindFatal, "provider exploded")}, nil)
	res, err := p.Process(context.Background(), ProcessingRequest{Path: "/docs/a.txt"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, common.KindFatal, res.Kind)
	assert.Contains(t, res.Error, "provider exploded")
}

func TestProcessUnknownProvider(t *testing.T) {
	p := newProcessor(&stubAdapter{text: "x"}, nil)
	res, err := p.Process(context.Background(), ProcessingRequest{Path: "/docs/a.txt", Provider: "nope"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, common.KindModelUnavailable, res.Kind)
}

func TestProcessWithSchema(t *testing.T) {
	p := newProcessor(&stubAdapter{text: `{"title": "Paper A"}`}, nil)
	res, err := p.Process(context.Background(), ProcessingRequest{
		Path:   "/docs/a.txt",
		Format: FormatJSON,
		Schema: map[string]any{
			"type":       "object",
			"required":   []any{"title"},
			"properties": map[string]any{"title": map[string]any{"type": "string"}},
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "Paper A", res.Metadata["title"])
}

func TestProcessStreamChunkOrderAndFinal(t *testing.T) {
	p := newProcessor(&stubAdapter{chunks: []provider.Chunk{
		{Text: "Hel"},
		{Text: "lo"},
		{Text: "!", Final: true},
	}}, nil)

	ch, err := p.ProcessStream(context.Background(), ProcessingRequest{Path: "/docs/a.txt", Stream: true})
	require.NoError(t, err)

	var texts []string
	var finals []bool
	for res := range ch {
		assert.True(t, res.Success)
		texts = append(texts, res.Text)
		finals = append(finals, res.Final)
	}
	assert.Equal(t, []string{"Hel", "lo", "!"}, texts)
	assert.Equal(t, []bool{false, false, true}, finals)
}

func TestProcessStreamOperationalFailureYieldsFinalErrorResult(t *testing.T) {
	p := newProcessor(&stubAdapter{err: common.Errorf(common.KindFatal, "no stream for you")}, nil)
	ch, err := p.ProcessStream(context.Background(), ProcessingRequest{Path: "/docs/a.txt", Stream: true})
	require.NoError(t, err)

	var got []ProcessingResult
	for res := range ch {
		got = append(got, res)
	}
	require.Len(t, got, 1)
	assert.False(t, got[0].Success)
	assert.True(t, got[0].Final)
	assert.Equal(t, common.KindFatal, got[0].Kind)
}

func TestProcessStreamRejectsSchema(t *testing.T) {
	p := newProcessor(&stubAdapter{}, nil)
	_, err := p.ProcessStream(context.Background(), ProcessingRequest{
		Path:   "/docs/a.txt",
		Stream: true,
		Format: FormatJSON,
		Schema: map[string]any{"type": "object"},
	})
	require.Error(t, err)
	assert.Equal(t, common.KindInvalidRequest, common.KindOf(err))
}

func TestProcessManyReturnsEveryKey(t *testing.T) {
	ext := &stubExtractor{
		errs: map[string]error{
			"/docs/b.pdf": common.Errorf(common.KindNotFound, "file not found: /docs/b.pdf"),
		},
	}
	p := newProcessor(&stubAdapter{text: "done"}, ext)

	paths := []string{"/docs/a.pdf", "/docs/b.pdf", "/docs/c.pdf"}
	results := p.ProcessMany(context.Background(), paths, "summarize", 2, BatchOptions{})

	require.Len(t, results, 3)
	assert.True(t, results["/docs/a.pdf"].Success)
	assert.True(t, results["/docs/c.pdf"].Success)

	// One document's failure never touches its siblings.
	b := results["/docs/b.pdf"]
	assert.False(t, b.Success)
	assert.Equal(t, common.KindNotFound, b.Kind)
}

func TestProcessManyDeduplicatesPaths(t *testing.T) {
	p := newProcessor(&stubAdapter{text: "done"}, nil)
	results := p.ProcessMany(context.Background(),
		[]string{"/docs/a.txt", "/docs/a.txt", "/docs/b.txt"}, "", 4, BatchOptions{})
	assert.Len(t, results, 2)
}

func TestProcessManyCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newProcessor(&stubAdapter{text: "done"}, nil)
	paths := []string{"/docs/a.txt", "/docs/b.txt", "/docs/c.txt"}
	results := p.ProcessMany(ctx, paths, "", 1, BatchOptions{})

	require.Len(t, results, 3)
	for _, path := range paths {
		res, ok := results[path]
		require.True(t, ok, path)
		assert.False(t, res.Success)
	}
}

func TestProcessManyMalformedSharedOptions(t *testing.T) {
	p := newProcessor(&stubAdapter{text: "done"}, nil)
	results := p.ProcessMany(context.Background(), []string{"/docs/a.txt"}, "", 1, BatchOptions{
		Format: FormatText,
		Schema: map[string]any{"type": "object"},
	})
	require.Len(t, results, 1)
	res := results["/docs/a.txt"]
	assert.False(t, res.Success)
	assert.Equal(t, common.KindInvalidRequest, res.Kind)
}

func TestProcessStreamRecordsHistory(t *testing.T) {
	rec := &memRecorder{}
	p := newProcessor(&stubAdapter{chunks: []provider.Chunk{
		{Text: "hi"},
		{Text: "!", Final: true},
	}}, nil).WithRecorder(rec)

	ch, err := p.ProcessStream(context.Background(), ProcessingRequest{Path: "/docs/a.txt", Stream: true})
	require.NoError(t, err)
	for range ch {
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.entries, 1)
	assert.Equal(t, "/docs/a.txt", rec.entries[0].Path)
	assert.True(t, rec.entries[0].Success)
}

func TestProcessManyRecordsValidationFailures(t *testing.T) {
	rec := &memRecorder{}
	p := newProcessor(&stubAdapter{text: "done"}, nil).WithRecorder(rec)

	p.ProcessMany(context.Background(), []string{"/docs/a.txt"}, "", 1, BatchOptions{
		Format: FormatText,
		Schema: map[string]any{"type": "object"},
	})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.entries, 1)
	assert.Equal(t, "/docs/a.txt", rec.entries[0].Path)
	assert.False(t, rec.entries[0].Success)
	assert.Equal(t, string(common.KindInvalidRequest), rec.entries[0].Kind)
}

func TestProcessRecordsHistory(t *testing.T) {
	rec := &memRecorder{}
	p := newProcessor(&stubAdapter{text: "ok"}, nil).WithRecorder(rec)

	_, err := p.Process(context.Background(), ProcessingRequest{Path: "/docs/a.txt"})
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.entries, 1)
	assert.Equal(t, "/docs/a.txt", rec.entries[0].Path)
	assert.True(t, rec.entries[0].Success)
	assert.Equal(t, "stub", rec.entries[0].Provider)
}
