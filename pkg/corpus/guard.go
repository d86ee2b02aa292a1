// Package corpus manages the on-disk training corpus.
package corpus

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/mchmarny/txguard/pkg/schema"
)

const (
	// MaxSizeMBDefault is the default corpus budget in megabytes.
	MaxSizeMBDefault = 100

	bytesPerMB   = 1024 * 1024
	safetyMargin = 0.95
)

// Outcome describes what the size guard did.
type Outcome string

const (
	OutcomeWithinBudget    Outcome = "within_budget"
	OutcomeEmpty           Outcome = "empty"
	OutcomeCannotReduce    Outcome = "cannot_reduce"
	OutcomeTruncated       Outcome = "truncated"
	OutcomeStillOverBudget Outcome = "still_over_budget"
)

// GuardReport is the result of a size guard pass.
type GuardReport struct {
	Path       string  `json:"path" yaml:"path"`
	MaxBytes   int64   `json:"max_bytes" yaml:"maxBytes"`
	SizeBefore int64   `json:"size_before" yaml:"sizeBefore"`
	SizeAfter  int64   `json:"size_after" yaml:"sizeAfter"`
	TotalRows  int     `json:"total_rows" yaml:"totalRows"`
	RowsKept   int     `json:"rows_kept" yaml:"rowsKept"`
	Truncated  bool    `json:"truncated" yaml:"truncated"`
	Outcome    Outcome `json:"outcome" yaml:"outcome"`
}

// SizeBudgetError is returned when the corpus still exceeds the budget
// after the single truncation pass.
type SizeBudgetError struct {
	Path     string
	Size     int64
	MaxBytes int64
}

func (e *SizeBudgetError) Error() string {
	return fmt.Sprintf("corpus %s is %d bytes, still above the %d byte budget", e.Path, e.Size, e.MaxBytes)
}

// MegabytesToBytes converts a budget in megabytes to bytes.
func MegabytesToBytes(mb int) int64 {
	return int64(mb) * bytesPerMB
}

// EnforceSizeBudget truncates the corpus at path in place to its first
// rows when it is larger than maxBytes. The target row count is estimated
// from the average row size with a 5% margin. Only one pass is made: if the
// rewritten file is still over budget a *SizeBudgetError is returned along
// with the report.
//
// This is destructive. Rows past the cutoff are discarded, not sampled.
func EnforceSizeBudget(path string, maxBytes int64) (*GuardReport, error) {
	if path == "" {
		return nil, errors.New("corpus path required")
	}
	if maxBytes <= 0 {
		return nil, fmt.Errorf("invalid size budget: %d", maxBytes)
	}

	size, err := fileSize(path)
	if err != nil {
		return nil, err
	}

	r := &GuardReport{
		Path:       path,
		MaxBytes:   maxBytes,
		SizeBefore: size,
		SizeAfter:  size,
	}

	if size <= maxBytes {
		r.Outcome = OutcomeWithinBudget
		slog.Debug("corpus within budget", "path", path, "size", size, "max", maxBytes)
		return r, nil
	}

	slog.Info("corpus above budget, reducing", "path", path, "size_mb", toMB(size), "max_mb", toMB(maxBytes))

	tbl, err := Read(path)
	if err != nil {
		return nil, err
	}

	r.TotalRows = tbl.Len()
	r.RowsKept = tbl.Len()

	if r.TotalRows == 0 {
		r.Outcome = OutcomeEmpty
		slog.Warn("corpus is empty after reading, nothing to reduce", "path", path)
		return r, nil
	}

	target := TargetRows(size, maxBytes, r.TotalRows)
	if target == r.TotalRows {
		r.Outcome = OutcomeCannotReduce
		slog.Warn("corpus above budget but the estimate does not allow reducing it", "path", path, "rows", r.TotalRows)
		return r, nil
	}

	slog.Warn("truncating corpus to leading rows, later rows are discarded",
		"path", path, "rows", r.TotalRows, "keep", target)

	if err := writeAtomic(path, tbl.Head(target)); err != nil {
		return nil, err
	}

	r.RowsKept = target
	r.Truncated = true

	if r.SizeAfter, err = fileSize(path); err != nil {
		return nil, err
	}

	slog.Info("corpus truncated", "rows", target, "size_mb", toMB(r.SizeAfter))

	if r.SizeAfter > maxBytes {
		r.Outcome = OutcomeStillOverBudget
		return r, &SizeBudgetError{Path: path, Size: r.SizeAfter, MaxBytes: maxBytes}
	}

	r.Outcome = OutcomeTruncated
	return r, nil
}

// TargetRows estimates how many leading rows fit the budget, clamped to [1, totalRows].
func TargetRows(size, maxBytes int64, totalRows int) int {
	avg := float64(size) / float64(totalRows)
	target := int(math.Floor((float64(maxBytes) / avg) * safetyMargin))
	return max(1, min(target, totalRows))
}

// Read loads the corpus at path.
func Read(path string) (*schema.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening corpus %s: %w", path, err)
	}
	defer f.Close()

	tbl, err := schema.ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("reading corpus %s: %w", path, err)
	}
	if tbl.Skipped > 0 {
		slog.Warn("skipped malformed corpus lines", "path", path, "lines", tbl.Skipped)
	}
	return tbl, nil
}

func writeAtomic(path string, tbl *schema.Table) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".corpus-*.csv")
	if err != nil {
		return fmt.Errorf("creating temp corpus: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tbl.WriteCSV(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("writing corpus: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp corpus: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing corpus %s: %w", path, err)
	}
	return nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("checking corpus %s: %w", path, err)
	}
	return info.Size(), nil
}

func toMB(b int64) string {
	return fmt.Sprintf("%.2f", float64(b)/bytesPerMB)
}
