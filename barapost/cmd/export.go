package cmd

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/parquet-go/parquet-go"
)

const exportBatchRows = 4096

// exportRow is one classification row in the Parquet export. Optional
// columns are null where the table holds "-".
type exportRow struct {
	Source      string   `parquet:"source"`
	QueryID     string   `parquet:"query_id"`
	HitName     string   `parquet:"hit_name"`
	Accession   string   `parquet:"hit_accession"`
	QueryLength int64    `parquet:"query_length"`
	AlignLength *int64   `parquet:"alignment_length,optional"`
	Identity    *float64 `parquet:"identity,optional"`
	Gaps        *float64 `parquet:"gaps,optional"`
	Evalue      *float64 `parquet:"evalue,optional"`
	AvgPhred33  *float64 `parquet:"avg_phred33,optional"`
	Accuracy    *float64 `parquet:"accuracy,optional"`
}

func newExportRow(source string, rec classificationRecord) exportRow {
	row := exportRow{
		Source:      source,
		QueryID:     rec.queryID,
		HitName:     rec.hitName,
		Accession:   rec.accession,
		QueryLength: int64(rec.queryLen),
		Identity:    optionalFloat(rec.identity),
		Gaps:        optionalFloat(rec.gaps),
		Evalue:      optionalFloat(rec.evalue),
		AvgPhred33:  optionalFloat(rec.avgQual),
		Accuracy:    optionalFloat(rec.accuracy),
	}
	if n, err := strconv.ParseInt(rec.alignLen, 10, 64); err == nil {
		row.AlignLength = &n
	}
	return row
}

func optionalFloat(v string) *float64 {
	f, ok := parseOptional(v)
	if !ok {
		return nil
	}
	return &f
}

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	outDir := fs.String("o", defaultOutDir, "Output directory of a classification run")
	output := fs.String("output", "", "Parquet file (default <outdir>/classification.parquet)")
	force := fs.Bool("force", false, "Overwrite an existing export")
	if err := fs.Parse(args); err != nil {
		usagef(fs, "%v", err)
	}
	if *output == "" {
		*output = filepath.Join(*outDir, "classification.parquet")
	}
	if !*force && fileExists(*output) {
		fmt.Fprintf(os.Stderr, "Output exists, skipping: %s\n", *output)
		return
	}

	n, err := exportClassification(*outDir, *output)
	if err != nil {
		fatalf("export failed: %v", err)
	}
	logf("Exported %d row(s) -> %s", n, *output)
}

// findClassificationTables lists <outDir>/*/classification.tsv.
func findClassificationTables(outDir string) ([]string, error) {
	tables, err := filepath.Glob(filepath.Join(outDir, "*", classificationFileName))
	if err != nil {
		return nil, err
	}
	sort.Strings(tables)
	return tables, nil
}

func exportClassification(outDir, output string) (int, error) {
	tables, err := findClassificationTables(outDir)
	if err != nil {
		return 0, err
	}
	if len(tables) == 0 {
		return 0, fmt.Errorf("no %s found under %s", classificationFileName, outDir)
	}

	f, err := os.Create(output)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", output, err)
	}
	defer func() {
		_ = f.Close()
	}()

	w := parquet.NewGenericWriter[exportRow](f, parquet.Compression(&parquet.Snappy))
	batch := make([]exportRow, 0, exportBatchRows)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := w.Write(batch); err != nil {
			return fmt.Errorf("write rows: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	var total int
	for _, table := range tables {
		source := filepath.Base(filepath.Dir(table))
		err := scanClassification(table, func(_ int, rec classificationRecord) error {
			batch = append(batch, newExportRow(source, rec))
			total++
			if len(batch) == exportBatchRows {
				return flush()
			}
			return nil
		})
		if err != nil {
			_ = w.Close()
			return 0, err
		}
	}
	if err := flush(); err != nil {
		_ = w.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("close parquet writer: %w", err)
	}
	return total, f.Close()
}
