package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docgrok/docgrok/internal/common"
	"github.com/docgrok/docgrok/internal/provider"
)

// Generate implements provider.Adapter using chat/completions.
func (c *Client) Generate(ctx context.Context, req provider.Request) (*provider.Result, error) {
	rid := uuid.New().String()
	start := time.Now()
	model := c.model(req)

	c.logger.Info("openai.generate.start",
		"req_id", rid,
		"model", model,
		"content_len", len(req.Content),
	)

	raw, err := c.post(ctx, c.endpoint(), c.body(req, model, false))
	if err != nil {
		c.logger.Error("openai.generate.http_error",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}

	var cc struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		c.logger.Error("openai.generate.decode_error",
			"req_id", rid, "error", err, "raw_bytes", len(raw),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, common.E(common.KindTransient, "decode openai response", err)
	}
	if len(cc.Choices) == 0 {
		c.logger.Error("openai.generate.no_choices",
			"req_id", rid, "raw", string(raw),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, common.Errorf(common.KindTransient, "no choices in openai response")
	}

	c.logger.Info("openai.generate.ok",
		"req_id", rid,
		"model", model,
		"prompt_tokens", cc.Usage.PromptTokens,
		"output_tokens", cc.Usage.CompletionTokens,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return &provider.Result{
		Text:         strings.TrimSpace(cc.Choices[0].Message.Content),
		Model:        model,
		PromptTokens: cc.Usage.PromptTokens,
		OutputTokens: cc.Usage.CompletionTokens,
	}, nil
}

// GenerateStream implements the streaming half via SSE. The returned channel
// closes after the final chunk.
func (c *Client) GenerateStream(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	rid := uuid.New().String()
	model := c.model(req)

	c.logger.Info("openai.stream.start", "req_id", rid, "model", model)

	resp, err := c.send(ctx, c.endpoint(), c.body(req, model, true))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer func() {
			if cerr := resp.Body.Close(); cerr != nil {
				c.logger.Warn("openai.stream.body_close_error", "req_id", rid, "error", cerr)
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
				c.logger.Warn("openai.stream.body_close_error", "req_id", rid, "error", cerr)
			}
		}()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				c.logger.Info("openai.stream.done", "req_id", rid)
				emit(ctx, out, provider.Chunk{Final: true})
				return
			}
			var ev struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				c.logger.Error("openai.stream.decode_error", "req_id", rid, "error", err)
				emit(ctx, out, provider.Chunk{
					Final: true,
					Err:   common.E(common.KindTransient, "decode stream event", err),
				})
				return
			}
			if len(ev.Choices) == 0 || ev.Choices[0].Delta.Content == "" {
				continue
			}
			if !emit(ctx, out, provider.Chunk{Text: ev.Choices[0].Delta.Content}) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			c.logger.Error("openai.stream.read_error", "req_id", rid, "error", err)
			emit(ctx, out, provider.Chunk{Final: true, Err: classify(err, "read stream")})
			return
		}
		// Stream ended without a [DONE] marker; still mark termination.
		emit(ctx, out, provider.Chunk{Final: true})
	}()
	return out, nil
}

func (c *Client) endpoint() string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
}

func (c *Client) model(req provider.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.cfg.Model
}

func (c *Client) body(req provider.Request, model string, stream bool) map[string]any {
	temp := req.Temperature
	if temp == 0 {
		temp = c.cfg.Temperature
	}
	body := map[string]any{
		"model":       model,
		"temperature": temp,
		"stream":      stream,
		"messages": []map[string]any{
			{"role": "system", "content": "You are a document analysis assistant. Answer using only the supplied document content."},
			{"role": "user", "content": req.Prompt + "\n\nDocument content:\n" + req.Content},
		},
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	for k, v := range req.Options {
		body[k] = v
	}
	return body
}

func (c *Client) send(ctx context.Context, url string, body map[string]any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, common.E(common.KindInvalidRequest, "marshal request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, common.E(common.KindInvalidRequest, "build request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classify(err, "openai http error")
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, url string, body map[string]any) ([]byte, error) {
	resp, err := c.send(ctx, url, body)
	if err != nil {
		return nil, err
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.logger.Warn("openai response body close error", "error", err)
		}
	}(resp.Body)

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return nil, statusError(resp.StatusCode, raw)
	}
	return raw, nil
}

// statusError maps an HTTP status to the common failure taxonomy.
func statusError(status int, body []byte) error {
	detail := fmt.Sprintf("openai status %d: %s", status, truncate(string(body), 2<<10))
	switch {
	case status == http.StatusNotFound:
		return common.Errorf(common.KindModelUnavailable, "%s", detail)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return common.Errorf(common.KindFatal, "%s", detail)
	case status == http.StatusRequestTimeout:
		return common.Errorf(common.KindTimeout, "%s", detail)
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

// classify maps transport-level errors onto the taxonomy. Deadline and
// cancellation keep their context kinds; anything else on the wire is
// transient.
func classify(err error, message string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return common.E(common.KindTimeout, message, err)
	}
	if errors.Is(err, context.Canceled) {
		return common.E(common.KindCanceled, message, err)
	}
	return common.E(common.KindTransient, message, err)
}

// emit sends a chunk unless ctx is already done. Reports whether the send
// happened.
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
