package cmd

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/biogo/biogo/alphabet"
	"github.com/biogo/biogo/seq/linear"
	"github.com/klauspost/pgzip"
)

var errReadNotClassified = errors.New("read is missing from the classification table")

type binWriter struct {
	file *os.File
	buf  *bufio.Writer
	gz   io.Closer
}

// binSet keeps one open writer per output file.
type binSet struct {
	dir         string
	gzip        bool
	gzipWorkers int
	writers     map[string]*binWriter
}

func newBinSet(dir string, gzipOut bool, gzipWorkers int) *binSet {
	if gzipWorkers <= 0 {
		gzipWorkers = runtime.GOMAXPROCS(0)
	}
	return &binSet{dir: dir, gzip: gzipOut, gzipWorkers: gzipWorkers, writers: make(map[string]*binWriter)}
}

func (s *binSet) write(label string, rec seqRecord) error {
	w, err := s.writer(label, rec.qual != nil)
	if err != nil {
		return err
	}
	if err := formatRecord(w.buf, rec); err != nil {
		return fmt.Errorf("write bin %s: %w", label, err)
	}
	return nil
}

func (s *binSet) writer(label string, fastq bool) (*binWriter, error) {
	ext := ".fasta"
	if fastq {
		ext = ".fastq"
	}
	if s.gzip {
		ext += ".gz"
	}
	name := label + ext
	if w, ok := s.writers[name]; ok {
		return w, nil
	}
	path := filepath.Join(s.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	w := &binWriter{file: f}
	if s.gzip {
		pw, err := pgzip.NewWriterLevel(f, pgzip.DefaultCompression)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("create gzip writer: %w", err)
		}
		if err := pw.SetConcurrency(1<<20, s.gzipWorkers); err != nil {
			_ = pw.Close()
			_ = f.Close()
			return nil, fmt.Errorf("set gzip concurrency: %w", err)
		}
		w.gz = pw
		w.buf = bufio.NewWriterSize(pw, writerBufferSize)
	} else {
		w.buf = bufio.NewWriterSize(f, writerBufferSize)
	}
	s.writers[name] = w
	return w, nil
}

func (s *binSet) Close() error {
	var first error
	for name, w := range s.writers {
		if err := w.buf.Flush(); err != nil && first == nil {
			first = fmt.Errorf("flush %s: %w", name, err)
		}
		if w.gz != nil {
			if err := w.gz.Close(); err != nil && first == nil {
				first = fmt.Errorf("close gzip %s: %w", name, err)
			}
		}
		if err := w.file.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s: %w", name, err)
		}
	}
	s.writers = make(map[string]*binWriter)
	return first
}

// formatRecord writes rec as FASTQ when it carries qualities, FASTA otherwise.
func formatRecord(w io.Writer, rec seqRecord) error {
	if rec.qual != nil {
		ql := make([]alphabet.QLetter, len(rec.seq))
		for i := range rec.seq {
			ql[i] = alphabet.QLetter{L: alphabet.Letter(rec.seq[i]), Q: alphabet.Qphred(rec.qual[i])}
		}
		s := linear.NewQSeq(rec.id, ql, alphabet.DNA, alphabet.Sanger)
		s.Desc = rec.desc
		_, err := fmt.Fprintf(w, "%q\n", s)
		return err
	}
	letters := make([]alphabet.Letter, len(rec.seq))
	for i, b := range rec.seq {
		letters[i] = alphabet.Letter(b)
	}
	s := linear.NewSeq(rec.id, letters, alphabet.DNA)
	s.Desc = rec.desc
	_, err := fmt.Fprintf(w, "%a\n", s)
	return err
}

type binConfig struct {
	OutDir     string
	BinDir     string
	Rank       int
	Filters    binFilters
	Gzip       bool
	NoTrash    bool
	Workers    int
	TaxdumpDir string
	Acc2Taxid  string
	ReportPath string
	Progress   bool
}

func runBin(args []string) {
	fs := flag.NewFlagSet("bin", flag.ExitOnError)
	inDir := fs.String("d", "", "Directory with the FASTA/FASTQ files that were classified")
	outDir := fs.String("o", defaultOutDir, "Output directory of the classification run")
	binDir := fs.String("bindir", "", "Directory for binned files (default <outdir>/binned)")
	sensitivity := fs.String("s", "genus", "Binning rank: superkingdom, phylum, class, order, family, genus or species")
	minQual := fs.Float64("q", 0, "Minimum average Phred33 quality (0 disables)")
	minLen := fs.Int("m", 0, "Minimum read length (0 disables)")
	minIdent := fs.Float64("i", 0, "Minimum alignment identity, percent (0 disables)")
	minCov := fs.Float64("c", 0, "Minimum alignment coverage, percent (0 disables)")
	gzipOut := fs.Bool("gzip", false, "Compress binned files")
	noTrash := fs.Bool("no-trash", false, "Drop reads failing filters instead of writing trash files")
	workers := fs.Int("w", runtime.GOMAXPROCS(0), "Gzip and TSV parser workers")
	taxdumpDir := fs.String("taxdump-dir", "", "NCBI taxdump directory used to resolve accessions missing from the taxonomy table")
	acc2taxid := fs.String("acc2taxid", "", "NCBI accession2taxid table used with -taxdump-dir")
	report := fs.String("report", "", "Optional JSON report output path")
	progressOn := fs.Bool("progress", true, "Show progress bar")
	force := fs.Bool("force", false, "Overwrite existing binned files")
	if err := fs.Parse(args); err != nil {
		usagef(fs, "%v", err)
	}

	rank, ok := rankIndex(*sensitivity)
	if !ok {
		usagef(fs, "unknown rank %q", *sensitivity)
	}
	cfg := binConfig{
		OutDir:     *outDir,
		BinDir:     *binDir,
		Rank:       rank,
		Filters:    binFilters{MinQuality: *minQual, MinLength: *minLen, MinIdentity: *minIdent, MinCoverage: *minCov},
		Gzip:       *gzipOut,
		NoTrash:    *noTrash,
		Workers:    *workers,
		TaxdumpDir: *taxdumpDir,
		Acc2Taxid:  *acc2taxid,
		ReportPath: *report,
		Progress:   *progressOn,
	}
	if cfg.BinDir == "" {
		cfg.BinDir = filepath.Join(cfg.OutDir, "binned")
	}
	if err := cfg.Filters.validate(); err != nil {
		usagef(fs, "%v", err)
	}

	files, err := collectInputs(fs.Args(), *inDir)
	if err != nil {
		fatalf("%v", err)
	}
	if len(files) == 0 {
		usagef(fs, "no input files: pass FASTA/FASTQ paths or -d")
	}
	if entries, _ := os.ReadDir(cfg.BinDir); len(entries) > 0 {
		if !*force {
			fatalf("binned files already exist in %s, use -force to overwrite", cfg.BinDir)
		}
		if err := os.RemoveAll(cfg.BinDir); err != nil {
			fatalf("clean %s: %v", cfg.BinDir, err)
		}
	}

	stats, err := binFiles(context.Background(), files, cfg)
	if err != nil {
		fatalf("%v", err)
	}
	logf("bin: total=%d passed=%d quality/length trash=%d alignment trash=%d bins=%d",
		stats.Total, stats.Passed, stats.QLFailed, stats.AlignFailed, len(stats.Bins))
	if cfg.ReportPath != "" {
		if err := writeBinReport(cfg.ReportPath, stats); err != nil {
			fatalf("%v", err)
		}
	}
}

func binFiles(ctx context.Context, files []string, cfg binConfig) (*binStats, error) {
	if err := os.MkdirAll(cfg.BinDir, 0o755); err != nil {
		return nil, fmt.Errorf("create bin dir: %w", err)
	}
	store, err := loadTaxonomyStore(taxonomyPath(cfg.OutDir))
	if err != nil {
		return nil, err
	}

	tables := make(map[string]map[string]classificationRecord, len(files))
	for _, path := range files {
		table, err := loadClassification(filepath.Join(cfg.OutDir, fileHname(path), classificationFileName))
		if err != nil {
			return nil, err
		}
		tables[path] = table
	}
	if err := recoverTaxonomy(ctx, store, tables, cfg); err != nil {
		return nil, err
	}

	resolver := newLabelResolver(store, cfg.Rank)
	bins := newBinSet(cfg.BinDir, cfg.Gzip, cfg.Workers)
	stats := newBinStats()
	for _, path := range files {
		if err := binFile(path, tables[path], resolver, bins, cfg, stats); err != nil {
			_ = bins.Close()
			return nil, err
		}
	}
	if err := bins.Close(); err != nil {
		return nil, err
	}
	return stats, nil
}

func loadClassification(path string) (map[string]classificationRecord, error) {
	table := make(map[string]classificationRecord)
	err := scanClassification(path, func(_ int, rec classificationRecord) error {
		table[rec.queryID] = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return table, nil
}

// recoverTaxonomy resolves the hit accessions absent from the taxonomy table
// before any label is computed.
func recoverTaxonomy(ctx context.Context, store *taxonomyStore, tables map[string]map[string]classificationRecord, cfg binConfig) error {
	need := make(map[string]struct{})
	for _, table := range tables {
		for _, rec := range table {
			if !rec.hasHit() {
				continue
			}
			for _, acc := range strings.Split(rec.accession, multiHitJoiner) {
				if _, st := store.Lookup(acc); st == lineageNeedsRecovery {
					need[acc] = struct{}{}
				}
			}
		}
	}
	if len(need) == 0 {
		return nil
	}
	if cfg.TaxdumpDir == "" || cfg.Acc2Taxid == "" {
		logf("WARNING: %d accession(s) are not in %s; run 'barapost taxonomy' or pass -taxdump-dir and -acc2taxid. Their descriptions are used as labels",
			len(need), store.path)
		return nil
	}
	accs := make([]string, 0, len(need))
	for acc := range need {
		accs = append(accs, acc)
	}
	sort.Strings(accs)
	logf("Recovering taxonomy of %d accession(s)", len(accs))
	resolver, err := newLineageResolver(ctx, cfg.TaxdumpDir, cfg.Acc2Taxid, need, cfg.Workers, cfg.Progress)
	if err != nil {
		return err
	}
	recovered, missing, err := store.Recover(accs, resolver)
	if err != nil {
		return err
	}
	logf("Taxonomy recovered for %d accession(s), %d without lineage", recovered, missing)
	return nil
}

func binFile(path string, table map[string]classificationRecord, resolver *labelResolver, bins *binSet, cfg binConfig, stats *binStats) error {
	hname := fileHname(path)
	qlTrash := hname + "_QL_trash"
	alignTrash := hname + "_align_trash"
	bar := newProgress(len(table), filepath.Base(path), cfg.Progress)
	defer bar.finish()

	return forEachSeq(path, func(rec seqRecord) error {
		row, ok := table[rec.id]
		if !ok {
			return fmt.Errorf("%w: %s in %s", errReadNotClassified, rec.id, filepath.Join(cfg.OutDir, hname, classificationFileName))
		}
		stats.Total++
		bar.add(1)
		switch {
		case !cfg.Filters.passQL(row):
			stats.QLFailed++
			if cfg.NoTrash {
				return nil
			}
			return bins.write(qlTrash, rec)
		case !cfg.Filters.passAlign(row):
			stats.AlignFailed++
			if cfg.NoTrash {
				return nil
			}
			return bins.write(alignTrash, rec)
		}
		stats.Passed++
		for _, label := range strings.Split(resolver.labelRecord(row), multiHitJoiner) {
			stats.Bins[label]++
			if err := bins.write(label, rec); err != nil {
				return err
			}
		}
		return nil
	})
}
