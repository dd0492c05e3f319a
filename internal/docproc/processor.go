package docproc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/docgrok/docgrok/internal/common"
	"github.com/docgrok/docgrok/internal/executor"
	"github.com/docgrok/docgrok/internal/extract"
	"github.com/docgrok/docgrok/internal/history"
	"github.com/docgrok/docgrok/internal/orchestrator"
	"github.com/docgrok/docgrok/internal/provider"
)

// Extractor is the capability the processor needs from the extraction stage.
type Extractor interface {
	Extract(ctx context.Context, path string) (*extract.Content, error)
}

// Recorder receives one terminal entry per processed document.
type Recorder interface {
	Record(ctx context.Context, e history.Entry) error
}

// Processor is the public entry point: it wires extractor, adapter registry
// and executor into Process / ProcessStream / ProcessMany.
type Processor struct {
	registry        *provider.Registry
	extractor       Extractor
	exec            *executor.Executor
	defaultProvider string
	recorder        Recorder
	logger          *slog.Logger
}

func NewProcessor(registry *provider.Registry, ext Extractor, exec *executor.Executor, defaultProvider string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultProvider == "" {
		defaultProvider = "openai"
	}
	return &Processor{
		registry:        registry,
		extractor:       ext,
		exec:            exec,
		defaultProvider: defaultProvider,
		logger:          logger,
	}
}

// WithRecorder enables processing-history recording.
func (p *Processor) WithRecorder(r Recorder) *Processor {
	p.recorder = r
	return p
}

// Process runs one non-streaming document request to a terminal result.
// Malformed calls fail fast with an error before any extraction or network
// work; operational failures come back as a result with Success=false.
func (p *Processor) Process(ctx context.Context, req ProcessingRequest) (*ProcessingResult, error) {
	if err := p.validate(req, false); err != nil {
		return nil, err
	}
	res := p.run(ctx, req)
	return &res, nil
}

// ProcessStream runs one streaming request. The returned channel delivers
// chunks in provider-emission order and closes after the final chunk; an
// operational failure surfaces as a single final error result.
func (p *Processor) ProcessStream(ctx context.Context, req ProcessingRequest) (<-chan ProcessingResult, error) {
	if err := p.validate(req, true); err != nil {
		return nil, err
	}

	start := time.Now()
	adapter, content, failure := p.prepare(ctx, req)
	if failure != nil {
		out := make(chan ProcessingResult, 1)
		out <- p.failResult(req, content, failure, start, true)
		close(out)
		return out, nil
	}

	src, err := p.exec.ExecuteStream(ctx, adapter, p.providerRequest(req, content), executor.Options{
		Timeout: req.Timeout,
		Retries: req.Retries,
		Format:  req.Format,
	})
	if err != nil {
		out := make(chan ProcessingResult, 1)
		out <- p.failResult(req, content, err, start, true)
		close(out)
		return out, nil
	}

	out := make(chan ProcessingResult)
	go func() {
		defer close(out)
		for ch := range src {
			res := ProcessingResult{
				Path:      req.Path,
				Success:   ch.Err == nil,
				Text:      ch.Text,
				Pages:     content.Pages,
				Provider:  adapter.Name(),
				Model:     req.Model,
				ElapsedMS: time.Since(start).Milliseconds(),
				Final:     ch.Final,
			}
			if ch.Err != nil {
				res.Error = ch.Err.Error()
				res.Kind = common.KindOf(ch.Err)
			}
			if ch.Final {
				// The final chunk is the stream's terminal result.
				p.record(context.Background(), res)
			}
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ProcessMany fans the paths out under maxConcurrent workers. The returned
// map has exactly one terminal entry per distinct input path; per-document
// failures never abort siblings and never raise.
func (p *Processor) ProcessMany(ctx context.Context, paths []string, prompt string, maxConcurrent int, opts BatchOptions) map[string]ProcessingResult {
	unique := dedupe(paths)
	results := make(map[string]ProcessingResult, len(unique))
	var mu sync.Mutex

	unscheduled := orchestrator.ForEach(ctx, unique, maxConcurrent, p.logger, func(ctx context.Context, path string) {
		req := ProcessingRequest{
			Path:     path,
			Prompt:   prompt,
			Provider: opts.Provider,
			Model:    opts.Model,
			Format:   opts.Format,
			Schema:   opts.Schema,
			Timeout:  opts.Timeout,
			Retries:  opts.Retries,
			Options:  opts.Options,
		}
		var res ProcessingResult
		if err := p.validate(req, false); err != nil {
			// In batch mode even malformed shared options become per-path
			// entries instead of raising.
			res = p.failResult(req, nil, err, time.Now(), false)
		} else {
			res = p.run(ctx, req)
		}
		mu.Lock()
		results[path] = res
		mu.Unlock()
	})

	for _, path := range unscheduled {
		mu.Lock()
		results[path] = ProcessingResult{
			Path:    path,
			Success: false,
			Error:   "batch cancelled before document was scheduled",
			Kind:    common.KindCanceled,
		}
		mu.Unlock()
	}
	return results
}

// run executes one validated non-streaming request to a terminal result.
func (p *Processor) run(ctx context.Context, req ProcessingRequest) ProcessingResult {
	start := time.Now()

	adapter, content, failure := p.prepare(ctx, req)
	if failure != nil {
		return p.failResult(req, content, failure, start, false)
	}

	out, err := p.exec.Execute(ctx, adapter, p.providerRequest(req, content), executor.Options{
		Timeout: req.Timeout,
		Retries: req.Retries,
		Format:  req.Format,
		Schema:  req.Schema,
	})
	if err != nil {
		return p.failResult(req, content, err, start, false)
	}

	res := ProcessingResult{
		Path:      req.Path,
		Success:   true,
		Text:      out.Text,
		Metadata:  out.Metadata,
		Pages:     content.Pages,
		Provider:  adapter.Name(),
		Model:     out.Model,
		ElapsedMS: time.Since(start).Milliseconds(),
	}
	p.record(ctx, res)
	p.logger.Info("process.ok",
		"path", req.Path,
		"provider", res.Provider,
		"model", res.Model,
		"attempts", out.Attempts,
		"elapsed_ms", res.ElapsedMS,
	)
	return res
}

// prepare resolves the adapter and extracts the document. Extractor errors
// are deterministic for a given input and are never retried.
func (p *Processor) prepare(ctx context.Context, req ProcessingRequest) (provider.Adapter, *extract.Content, error) {
	name := req.Provider
	if name == "" {
		name = p.defaultProvider
	}
	adapter, err := p.registry.Lookup(name)
	if err != nil {
		return nil, nil, err
	}
	content, err := p.extractor.Extract(ctx, req.Path)
	if err != nil {
		return adapter, nil, err
	}
	return adapter, content, nil
}

func (p *Processor) providerRequest(req ProcessingRequest, content *extract.Content) provider.Request {
	prompt := req.Prompt
	if prompt == "" {
		prompt = "Summarize this document."
	}
	if req.Format == FormatJSON && req.Schema == nil {
		prompt += "\nReturn ONLY a JSON object."
	}
	if req.Format == FormatJSON && req.Schema != nil {
		prompt += "\nReturn ONLY JSON matching the provided schema."
	}
	if req.Format == FormatMarkdown {
		prompt += "\nAnswer in Markdown."
	}
	return provider.Request{
		Content: content.Text,
		Prompt:  prompt,
		Model:   req.Model,
		Options: req.Options,
	}
}

func (p *Processor) failResult(req ProcessingRequest, content *extract.Content, err error, start time.Time, final bool) ProcessingResult {
	res := ProcessingResult{
		Path:      req.Path,
		Success:   false,
		Provider:  req.Provider,
		Model:     req.Model,
		ElapsedMS: time.Since(start).Milliseconds(),
		Error:     err.Error(),
		Kind:      common.KindOf(err),
		Final:     final,
	}
	if res.Provider == "" {
		res.Provider = p.defaultProvider
	}
	if content != nil {
		res.Pages = content.Pages
	}
	p.record(context.Background(), res)
	p.logger.Warn("process.failed",
		"path", req.Path,
		"kind", string(res.Kind),
		"error", res.Error,
		"elapsed_ms", res.ElapsedMS,
	)
	return res
}

func (p *Processor) record(ctx context.Context, res ProcessingResult) {
	if p.recorder == nil {
		return
	}
	_ = p.recorder.Record(ctx, history.Entry{
		Path:      res.Path,
		Provider:  res.Provider,
		Model:     res.Model,
		Success:   res.Success,
		Kind:      string(res.Kind),
		Error:     res.Error,
		Pages:     res.Pages,
		ElapsedMS: res.ElapsedMS,
	})
}

// validate fails fast on malformed calls before any extraction or network
// interaction.
func (p *Processor) validate(req ProcessingRequest, streaming bool) error {
	if req.Path == "" {
		return common.Errorf(common.KindInvalidRequest, "path is required")
	}
	switch req.Format {
	case "", FormatText, FormatJSON, FormatMarkdown:
	default:
		return common.Errorf(common.KindInvalidRequest, "unknown format %q", req.Format)
	}
	if req.Schema != nil && req.Format != FormatJSON {
		return common.Errorf(common.KindInvalidRequest, "schema requires format=%q", FormatJSON)
	}
	if streaming && req.Schema != nil {
		return common.Errorf(common.KindInvalidRequest, "schema validation is not supported for streaming requests")
	}
	if streaming && !req.Stream {
		return common.Errorf(common.KindInvalidRequest, "streaming call requires Stream=true")
	}
	if !streaming && req.Stream {
		return common.Errorf(common.KindInvalidRequest, "use ProcessStream for streaming requests")
	}
	if req.Timeout < 0 {
		return common.Errorf(common.KindInvalidRequest, "timeout must be >= 0")
	}
	return nil
}

func dedupe(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
