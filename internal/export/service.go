package export

import (
	"bytes"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/docgrok/docgrok/internal/docproc"
)

// Service produces XLSX report bytes for batch results.
type Service struct {
	logger *slog.Logger
}

func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger}
}

// BatchReportXLSX returns an XLSX workbook with one row per processed path,
// sorted by path for stable output.
func (s *Service) BatchReportXLSX(results map[string]docproc.ProcessingResult) ([]byte, error) {
	start := time.Now()

	f := excelize.NewFile()
	const sheet = "Results"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)
	if defIndex, _ := f.GetSheetIndex("Sheet1"); defIndex != -1 {
		if err := f.DeleteSheet("Sheet1"); err != nil {
			return nil, err
		}
	}

	headers := []string{
		"File Path",
		"Success",
		"Provider",
		"Model",
		"Pages",
		"Elapsed (ms)",
		"Error",
		"Output",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	paths := make([]string, 0, len(results))
	for p := range results {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	row := 2
	for _, p := range paths {
		r := results[p]
		values := []any{
			p,
			r.Success,
			r.Provider,
			r.Model,
			r.Pages,
			r.ElapsedMS,
			r.Error,
			excerpt(r.Text, 1024),
		}
		for i, v := range values {
			cell, _ := excelize.CoordinatesToCellName(i+1, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		row++
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	s.logger.Info("export.batch_report.ok",
		"rows", len(paths),
		"bytes", buf.Len(),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func excerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
