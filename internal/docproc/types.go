package docproc

import (
	"time"

	"github.com/docgrok/docgrok/internal/common"
)

// Output formats accepted by ProcessingRequest.Format.
const (
	FormatText     = "text"
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
)

// ProcessingRequest describes one document-processing call. It is immutable
// once handed to the processor.
type ProcessingRequest struct {
	Path     string
	Prompt   string
	Provider string // registry identifier; empty = processor default
	Model    string // empty = adapter default
	Format   string // text | json | markdown; empty = text
	Schema   map[string]any
	Stream   bool
	Timeout  time.Duration
	Retries  int // retries after the first attempt; negative = policy default
	Options  map[string]any
}

// ProcessingResult is the uniform result shape for every provider. For
// streaming requests one result is emitted per chunk, with Final set on the
// last.
type ProcessingResult struct {
	Path      string         `json:"path,omitempty"`
	Success   bool           `json:"success"`
	Text      string         `json:"text,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Pages     int            `json:"pages,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Model     string         `json:"model,omitempty"`
	ElapsedMS int64          `json:"elapsed_ms"`
	Error     string         `json:"error,omitempty"`
	Kind      common.Kind    `json:"kind,omitempty"`
	Final     bool           `json:"final,omitempty"`
}

// BatchOptions are the shared per-document settings for ProcessMany.
type BatchOptions struct {
	Provider string
	Model    string
	Format   string
	Schema   map[string]any
	Timeout  time.Duration
	Retries  int
	Options  map[string]any
}
