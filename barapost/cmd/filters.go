package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// binFilters sends reads to trash bins. Zero thresholds disable a filter.
type binFilters struct {
	MinQuality  float64
	MinLength   int
	MinIdentity float64
	MinCoverage float64
}

type binStats struct {
	Total       int            `json:"total"`
	Passed      int            `json:"passed"`
	QLFailed    int            `json:"quality_length_failed"`
	AlignFailed int            `json:"alignment_failed"`
	Bins        map[string]int `json:"bins"`
}

func newBinStats() *binStats {
	return &binStats{Bins: make(map[string]int)}
}

// passQL checks average quality and length. Reads without quality pass the
// quality check.
func (f binFilters) passQL(rec classificationRecord) bool {
	if f.MinLength > 0 && rec.queryLen < f.MinLength {
		return false
	}
	if f.MinQuality > 0 {
		if q, ok := parseOptional(rec.avgQual); ok && q < f.MinQuality {
			return false
		}
	}
	return true
}

// passAlign checks identity and coverage of the best hit. Reads without a
// hit pass.
func (f binFilters) passAlign(rec classificationRecord) bool {
	if !rec.hasHit() {
		return true
	}
	if f.MinIdentity > 0 {
		if id, ok := parseOptional(rec.identity); ok && id < f.MinIdentity {
			return false
		}
	}
	if f.MinCoverage > 0 && rec.queryLen > 0 {
		if alen, ok := parseOptional(rec.alignLen); ok && alen/float64(rec.queryLen)*100 < f.MinCoverage {
			return false
		}
	}
	return true
}

func (f binFilters) validate() error {
	if f.MinQuality < 0 || f.MinLength < 0 {
		return fmt.Errorf("min quality and min length must be >= 0")
	}
	if f.MinIdentity < 0 || f.MinIdentity > 100 || f.MinCoverage < 0 || f.MinCoverage > 100 {
		return fmt.Errorf("min identity and min coverage must be within 0-100")
	}
	return nil
}

func parseOptional(v string) (float64, bool) {
	if v == "" || v == missingValue {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func writeBinReport(path string, stats *binStats) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(stats); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
