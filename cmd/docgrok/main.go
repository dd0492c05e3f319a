package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/docgrok/docgrok/internal/common"
	"github.com/docgrok/docgrok/internal/docproc"
	"github.com/docgrok/docgrok/internal/executor"
	"github.com/docgrok/docgrok/internal/export"
	"github.com/docgrok/docgrok/internal/extract"
	"github.com/docgrok/docgrok/internal/history"
	"github.com/docgrok/docgrok/internal/provider"
	"github.com/docgrok/docgrok/internal/provider/ollama"
	"github.com/docgrok/docgrok/internal/provider/openai"
	"github.com/docgrok/docgrok/internal/ratelimit"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		configPath  = flag.String("config", "", "TOML config file path (optional)")
		prompt      = flag.String("prompt", "", "prompt to send to the model")
		providerID  = flag.String("provider", "openai", "provider identifier: openai | ollama")
		model       = flag.String("model", "", "model name (provider default when empty)")
		format      = flag.String("format", "text", "output format: text | json | markdown")
		schemaPath  = flag.String("schema", "", "JSON schema file for structured output (requires -format json)")
		stream      = flag.Bool("stream", false, "stream the response (single file only)")
		timeout     = flag.Duration("timeout", 0, "per-attempt timeout, e.g. 30s (0 = provider default)")
		retries     = flag.Int("retries", 2, "retries after the first attempt")
		concurrency = flag.Int("concurrency", 4, "max concurrent documents in batch mode")
		out         = flag.String("out", "", "write batch results to this XLSX file")
		verbose     = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	files := flag.Args()
	if len(files) == 0 {
		printError("usage: docgrok [flags] <file> [file ...]\n")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := common.LoadConfigFile(*configPath)
	if err != nil {
		printError("Error: load config: %v\n", err)
		os.Exit(1)
	}

	var schemaMap map[string]any
	if *schemaPath != "" {
		b, err := os.ReadFile(*schemaPath)
		if err != nil {
			printError("Error: read schema: %v\n", err)
			os.Exit(1)
		}
		if err := json.Unmarshal(b, &schemaMap); err != nil {
			printError("Error: schema is not valid JSON: %v\n", err)
			os.Exit(1)
		}
	}

	registry := provider.NewRegistry()
	registry.Register(openai.NewClient(openai.Config{
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		Model:       cfg.OpenAI.Model,
		Temperature: cfg.OpenAI.Temperature,
		Timeout:     cfg.OpenAI.Timeout,
	}, logger))
	registry.Register(ollama.NewClient(ollama.Config{
		BaseURL: cfg.Ollama.BaseURL,
		Model:   cfg.Ollama.Model,
		Timeout: cfg.Ollama.Timeout,
	}, logger))

	limiter := ratelimit.New(cfg.RateLimit, logger)
	exec := executor.New(limiter, executor.DefaultRetryPolicy(), logger)
	extractor := extract.NewExtractor(cfg.Extract, logger)
	proc := docproc.NewProcessor(registry, extractor, exec, *providerID, logger)

	if cfg.History.DBPath != "" {
		repo, err := history.Open(cfg.History.DBPath, logger)
		if err != nil {
			printError("Error: open history db: %v\n", err)
			os.Exit(1)
		}
		defer func() {
			if cerr := repo.Close(); cerr != nil {
				logger.Warn("history close error", "error", cerr)
			}
		}()
		proc.WithRecorder(repo)
	}

	ctx := context.Background()

	if len(files) == 1 {
		runSingle(ctx, proc, files[0], *prompt, *providerID, *model, *format, schemaMap, *stream, *timeout, *retries)
		return
	}

	if *stream {
		printError("Error: -stream applies to a single file only\n")
		os.Exit(2)
	}
	runBatch(ctx, proc, logger, files, *prompt, *providerID, *model, *format, schemaMap, *timeout, *retries, *concurrency, *out)
}

func runSingle(ctx context.Context, proc *docproc.Processor, path, prompt, providerID, model, format string, schemaMap map[string]any, stream bool, timeout time.Duration, retries int) {
	req := docproc.ProcessingRequest{
		Path:     path,
		Prompt:   prompt,
		Provider: providerID,
		Model:    model,
		Format:   format,
		Schema:   schemaMap,
		Stream:   stream,
		Timeout:  timeout,
		Retries:  retries,
	}

	if stream {
		ch, err := proc.ProcessStream(ctx, req)
		if err != nil {
			printError("Error: %v\n", err)
			os.Exit(2)
		}
		failed := false
		for res := range ch {
			if res.Error != "" {
				printError("\nError: %s\n", res.Error)
				failed = true
				continue
			}
			fmt.Print(res.Text)
		}
		fmt.Println()
		if failed {
			os.Exit(1)
		}
		return
	}

	res, err := proc.Process(ctx, req)
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(2)
	}
	if !res.Success {
		printError("Error: %s\n", res.Error)
		os.Exit(1)
	}
	if format == docproc.FormatJSON && res.Metadata != nil {
		b, _ := json.MarshalIndent(res.Metadata, "", "  ")
		fmt.Println(string(b))
		return
	}
	fmt.Println(strings.TrimSpace(res.Text))
}

func runBatch(ctx context.Context, proc *docproc.Processor, logger *slog.Logger, files []string, prompt, providerID, model, format string, schemaMap map[string]any, timeout time.Duration, retries, concurrency int, out string) {
	results := proc.ProcessMany(ctx, files, prompt, concurrency, docproc.BatchOptions{
		Provider: providerID,
		Model:    model,
		Format:   format,
		Schema:   schemaMap,
		Timeout:  timeout,
		Retries:  retries,
	})

	rendered, err := renderBatch(results, format)
	if err != nil {
		printError("Error: encode results: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(rendered)

	if out != "" {
		report, err := export.NewService(logger).BatchReportXLSX(results)
		if err != nil {
			printError("Error: build report: %v\n", err)
			os.Exit(1)
		}
		if err := os.WriteFile(out, report, 0o644); err != nil {
			printError("Error: write report: %v\n", err)
			os.Exit(1)
		}
		logger.Info("report written", "path", out, "bytes", len(report))
	}

	for _, r := range results {
		if !r.Success {
			os.Exit(1)
		}
	}
}

// renderBatch formats a batch's results for stdout: one "path: response"
// line per file for text, a section per file for markdown, and the full
// result map for json.
func renderBatch(results map[string]docproc.ProcessingResult, format string) (string, error) {
	switch format {
	case docproc.FormatJSON:
		b, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return "", err
		}
		return string(b) + "\n", nil
	case docproc.FormatMarkdown:
		var b strings.Builder
		for _, path := range sortedPaths(results) {
			r := results[path]
			fmt.Fprintf(&b, "## %s\n\n", path)
			if r.Success {
				fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(r.Text))
			} else {
				fmt.Fprintf(&b, "ERROR: %s\n\n", r.Error)
			}
		}
		return b.String(), nil
	default:
		var b strings.Builder
		for _, path := range sortedPaths(results) {
			r := results[path]
			if r.Success {
				fmt.Fprintf(&b, "%s: %s\n", path, strings.TrimSpace(r.Text))
			} else {
				fmt.Fprintf(&b, "%s: ERROR: %s\n", path, r.Error)
			}
		}
		return b.String(), nil
	}
}

func sortedPaths(results map[string]docproc.ProcessingResult) []string {
	paths := make([]string, 0, len(results))
	for p := range results {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
