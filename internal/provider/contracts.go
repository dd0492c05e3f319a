package provider

import "context"

// Request is the normalized generation request every adapter consumes.
// Content is the extracted document text (or a placeholder for image-only
// inputs); Options carries provider-specific knobs passed through verbatim.
type Request struct {
	Content     string
	Prompt      string
	Model       string
	Temperature float32
	MaxTokens   int
	Options     map[string]any
}

// Result is a complete, non-streaming generation result.
type Result struct {
	Text         string
	Model        string
	PromptTokens int
	OutputTokens int
}

// Chunk is one incremental piece of a streamed result. Final is set on the
// last chunk of the sequence; Err, when non-nil, terminates the stream and is
// always accompanied by Final.
type Chunk struct {
	Text  string
	Final bool
	Err   error
}

// Adapter is the capability every LLM backend implements. Adapters own their
// authentication, request formatting and response parsing, and must classify
// every failure into a common.Kind before returning it.
type Adapter interface {
	// Name returns the identifier the adapter registers under (e.g. "openai").
	Name() string

	// Generate performs a unary generation call. The context carries the
	// caller's deadline.
	Generate(ctx context.Context, req Request) (*Result, error)

	// GenerateStream starts a streaming generation call and returns a channel
	// of chunks, closed after the final chunk. The sequence is finite and not
	// restartable; cancelling ctx terminates it.
	GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error)
}
