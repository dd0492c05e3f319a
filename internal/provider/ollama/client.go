package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/docgrok/docgrok/internal/common"
	"github.com/docgrok/docgrok/internal/provider"
)

// Config for the local-inference adapter (Ollama wire protocol).
type Config struct {
	BaseURL string        // default http://localhost:11434
	Model   string        // default model when the request names none
	Timeout time.Duration // http client timeout; local inference can be slow
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "llama3.2"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

func (c *Client) Name() string { return "ollama" }

type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Generate implements provider.Adapter against /api/generate.
func (c *Client) Generate(ctx context.Context, req provider.Request) (*provider.Result, error) {
	rid := uuid.New().String()
	start := time.Now()
	model := c.model(req)

	c.logger.Info("ollama.generate.start",
		"req_id", rid,
		"model", model,
		"content_len", len(req.Content),
	)

	resp, err := c.send(ctx, c.body(req, model, false))
	if err != nil {
		c.logger.Error("ollama.generate.http_error",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.logger.Warn("ollama response body close error", "error", err)
		}
	}(resp.Body)

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return nil, statusError(resp.StatusCode, raw)
	}

	var gr generateResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return nil, common.E(common.KindTransient, "decode ollama response", err)
	}

	c.logger.Info("ollama.generate.ok",
		"req_id", rid,
		"model", model,
		"prompt_tokens", gr.PromptEvalCount,
		"output_tokens", gr.EvalCount,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return &provider.Result{
		Text:         strings.TrimSpace(gr.Response),
		Model:        model,
		PromptTokens: gr.PromptEvalCount,
		OutputTokens: gr.EvalCount,
	}, nil
}

// GenerateStream reads the NDJSON stream /api/generate emits when
// stream=true; the line with done=true terminates the sequence.
func (c *Client) GenerateStream(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	rid := uuid.New().String()
	model := c.model(req)

	c.logger.Info("ollama.stream.start", "req_id", rid, "model", model)

	resp, err := c.send(ctx, c.body(req, model, true))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer func() {
			if cerr := resp.Body.Close(); cerr != nil {
				c.logger.Warn("ollama.stream.body_close_error", "req_id", rid, "error", cerr)
			}
		}()
		raw, _ := io.ReadAll(resp.Body)
		return nil, statusError(resp.StatusCode, raw)
	}

	out := make(chan provider.Chunk)
	go func() {
		defer close(out)
		defer func() {
			if cerr := resp.Body.Close(); cerr != nil {
				c.logger.Warn("ollama.stream.body_close_error", "req_id", rid, "error", cerr)
			}
		}()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var gr generateResponse
			if err := json.Unmarshal(line, &gr); err != nil {
				c.logger.Error("ollama.stream.decode_error", "req_id", rid, "error", err)
				emit(ctx, out, provider.Chunk{
					Final: true,
					Err:   common.E(common.KindTransient, "decode stream line", err),
				})
				return
			}
			if gr.Done {
				c.logger.Info("ollama.stream.done", "req_id", rid)
				emit(ctx, out, provider.Chunk{Text: gr.Response, Final: true})
				return
			}
			if gr.Response == "" {
				continue
			}
			if !emit(ctx, out, provider.Chunk{Text: gr.Response}) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			c.logger.Error("ollama.stream.read_error", "req_id", rid, "error", err)
			emit(ctx, out, provider.Chunk{Final: true, Err: classify(err, "read stream")})
			return
		}
		emit(ctx, out, provider.Chunk{Final: true})
	}()
	return out, nil
}

func (c *Client) model(req provider.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.cfg.Model
}

func (c *Client) body(req provider.Request, model string, stream bool) map[string]any {
	body := map[string]any{
		"model":  model,
		"prompt": req.Prompt + "\n\nDocument content:\n" + req.Content,
		"stream": stream,
	}
	opts := map[string]any{}
	if req.Temperature > 0 {
		opts["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	for k, v := range req.Options {
		opts[k] = v
	}
	if len(opts) > 0 {
		body["options"] = opts
	}
	return body
}

func (c *Client) send(ctx context.Context, body map[string]any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, common.E(common.KindInvalidRequest, "marshal request", err)
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/api/generate"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, common.E(common.KindInvalidRequest, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classify(err, "ollama http error")
	}
	return resp, nil
}

func statusError(status int, body []byte) error {
	detail := fmt.Sprintf("ollama status %d: %s", status, truncate(string(body), 2<<10))
	switch {
	case status == http.StatusNotFound:
		// Ollama 404s when the model is not pulled.
		return common.Errorf(common.KindModelUnavailable, "%s", detail)
	case status == http.StatusTooManyRequests:
		return common.Errorf(common.KindRateLimited, "%s", detail)
	case status/100 == 4:
		return common.Errorf(common.KindInvalidRequest, "%s", detail)
	case status/100 == 5:
		return common.Errorf(common.KindTransient, "%s", detail)
	default:
		return common.Errorf(common.KindFatal, "%s", detail)
	}
}

func classify(err error, message string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return common.E(common.KindTimeout, message, err)
	}
	if errors.Is(err, context.Canceled) {
		return common.E(common.KindCanceled, message, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		// No inference server listening.
		return common.E(common.KindModelUnavailable, message, err)
	}
	return common.E(common.KindTransient, message, err)
}

func emit(ctx context.Context, out chan<- provider.Chunk, ch provider.Chunk) bool {
	select {
	case out <- ch:
		return true
	case <-ctx.Done():
		return false
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
