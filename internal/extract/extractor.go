package extract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docgrok/docgrok/internal/common"
)

// Extractor turns a file path into prompt-ready content. PDFs go through
// pdftotext first and fall back to rasterize+OCR when the text layer is
// empty; images go straight to OCR; plain text is read through.
type Extractor struct {
	cfg    common.ExtractConfig
	runner Runner
	logger *slog.Logger
}

func NewExtractor(cfg common.ExtractConfig, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pdftotext == "" {
		cfg.Pdftotext = "pdftotext"
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.TesseractLang == "" {
		cfg.TesseractLang = "eng"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	return &Extractor{cfg: cfg, runner: execRunner{logger: logger}, logger: logger}
}

// WithRunner swaps the command runner; tests use this to stub tool output.
func (e *Extractor) WithRunner(r Runner) *Extractor {
	e.runner = r
	return e
}

func (e *Extractor) Extract(ctx context.Context, path string) (*Content, error) {
	start := time.Now()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, common.E(common.KindNotFound, fmt.Sprintf("file not found: %s", path), err)
		}
		return nil, common.E(common.KindCorruptFile, fmt.Sprintf("stat %s", path), err)
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	var (
		content *Content
		err     error
	)
	switch ext {
	case "txt", "md":
		content, err = e.readText(path)
	case "pdf":
		content, err = e.extractPDF(ctx, path)
	case "jpg", "jpeg", "png", "tiff":
		content, err = e.extractImage(ctx, path)
	default:
		return nil, common.Errorf(common.KindUnsupportedFormat, "unsupported file type %q: %s", ext, path)
	}
	if err != nil {
		e.logger.Error("extract.failed", "path", path, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return nil, err
	}

	e.logger.Info("extract.ok",
		"path", path,
		"method", content.Method,
		"pages", content.Pages,
		"text_len", len(content.Text),
		"warnings", len(content.Warnings),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return content, nil
}

func (e *Extractor) readText(path string) (*Content, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, common.E(common.KindCorruptFile, fmt.Sprintf("read %s", path), err)
	}
	return &Content{
		Text:       string(b),
		Pages:      1,
		SourceType: "TEXT",
		Method:     "text-read",
	}, nil
}

func (e *Extractor) extractPDF(ctx context.Context, path string) (*Content, error) {
	// pdftotext -layout -enc UTF-8 -eol unix <path> -
	out, errb, err := e.runner.Run(ctx, e.cfg.Pdftotext, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		return nil, common.E(common.KindCorruptFile,
			fmt.Sprintf("pdftotext failed: %s", truncate(string(errb), 2<<10)), err)
	}
	text := string(out)
	// A form-feed \f is the default page separator.
	pages := 1 + strings.Count(text, "\f")

	if strings.TrimSpace(text) != "" {
		return &Content{
			Text:       text,
			Pages:      pages,
			SourceType: "PDF",
			Method:     "pdf-text",
		}, nil
	}
	// Empty text layer: scanned PDF, rasterize and OCR page by page.
	return e.pdfOCR(ctx, path)
}

func (e *Extractor) pdfOCR(ctx context.Context, path string) (*Content, error) {
	tmpDir, err := os.MkdirTemp("", "docgrok-pp-*")
	if err != nil {
		return nil, common.E(common.KindCorruptFile, "create temp dir", err)
	}
	defer func(dir string) {
		if rerr := os.RemoveAll(dir); rerr != nil {
			e.logger.Warn("extract.tempdir_remove_failed", "dir", dir, "error", rerr)
		}
	}(tmpDir)

	prefix := filepath.Join(tmpDir, "page")
	// pdftoppm -r <dpi> -png <in.pdf> <tmp/page>
	_, errb, err := e.runner.Run(ctx, e.cfg.Pdftoppm, "-r", fmt.Sprintf("%d", e.cfg.DPI), "-png", path, prefix)
	if err != nil {
		return nil, common.E(common.KindCorruptFile,
			fmt.Sprintf("pdftoppm failed: %s", truncate(string(errb), 2<<10)), err)
	}

	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(matches)
	if e.cfg.MaxPages > 0 && len(matches) > e.cfg.MaxPages {
		matches = matches[:e.cfg.MaxPages]
	}
	if len(matches) == 0 {
		return nil, common.Errorf(common.KindCorruptFile, "pdftoppm produced no images for %s", path)
	}

	var b strings.Builder
	var warns []string
	for _, img := range matches {
		txt, err := e.tesseract(ctx, img)
		if err != nil {
			warns = append(warns, err.Error())
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\f\n") // keep a clear page break marker
		}
		b.WriteString(txt)
	}
	return &Content{
		Text:       b.String(),
		Pages:      len(matches),
		SourceType: "PDF",
		Method:     "pdf-ocr",
		Warnings:   warns,
	}, nil
}

func (e *Extractor) extractImage(ctx context.Context, path string) (*Content, error) {
	txt, err := e.tesseract(ctx, path)
	if err != nil {
		return nil, common.E(common.KindCorruptFile, fmt.Sprintf("ocr failed for %s", path), err)
	}
	return &Content{
		Text:       txt,
		Pages:      1,
		SourceType: "IMAGE",
		Method:     "image-ocr",
	}, nil
}

func (e *Extractor) tesseract(ctx context.Context, path string) (string, error) {
	out, errb, err := e.runner.Run(ctx, e.cfg.Tesseract, path, "stdout", "-l", e.cfg.TesseractLang)
	if err != nil {
		return "", fmt.Errorf("tesseract %s: %s: %w", path, truncate(string(errb), 2<<10), err)
	}
	return string(out), nil
}
