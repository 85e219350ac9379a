package cmd

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	rankSuperkingdom = iota
	rankPhylum
	rankClass
	rankOrder
	rankFamily
	rankGenus
	rankSpecies
	numRanks
)

var rankNames = [numRanks]string{"superkingdom", "phylum", "class", "order", "family", "genus", "species"}

var rankAliases = map[string]string{
	"domain": "superkingdom",
	"realm":  "superkingdom",
}

// lineage holds one name per label rank; "" means the rank is absent.
type lineage [numRanks]string

func (l lineage) empty() bool {
	for _, name := range l {
		if name != "" {
			return false
		}
	}
	return true
}

func rankIndex(rank string) (int, bool) {
	rank = strings.ToLower(strings.TrimSpace(rank))
	if alias, ok := rankAliases[rank]; ok {
		rank = alias
	}
	for i, name := range rankNames {
		if name == rank {
			return i, true
		}
	}
	return 0, false
}

type lineageStatus int

const (
	lineageFound lineageStatus = iota
	lineageNeedsRecovery
	lineageMissing
)

func (s lineageStatus) String() string {
	switch s {
	case lineageFound:
		return "found"
	case lineageNeedsRecovery:
		return "needs recovery"
	default:
		return "missing"
	}
}

// taxonomyStore is the accession -> lineage table at
// <outdir>/taxonomy/taxonomy.tsv. Rows with every rank empty mark
// accessions known to have no structured lineage.
type taxonomyStore struct {
	mu   sync.Mutex
	path string
	rows map[string]lineage
}

func taxonomyPath(outDir string) string {
	return filepath.Join(outDir, "taxonomy", "taxonomy.tsv")
}

func loadTaxonomyStore(path string) (*taxonomyStore, error) {
	s := &taxonomyStore{path: path, rows: make(map[string]lineage)}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open taxonomy: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 10*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "ACCESSION\t") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != numRanks+1 {
			return nil, fmt.Errorf("%s:%d: expected %d columns, got %d", path, lineNo, numRanks+1, len(fields))
		}
		var lin lineage
		copy(lin[:], fields[1:])
		s.rows[fields[0]] = lin
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan taxonomy: %w", err)
	}
	return s, nil
}

func (s *taxonomyStore) Lookup(acc string) (lineage, lineageStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lin, ok := s.rows[acc]
	if !ok {
		lin, ok = s.rows[stripVersion(acc)]
	}
	switch {
	case !ok:
		return lineage{}, lineageNeedsRecovery
	case lin.empty():
		return lin, lineageMissing
	default:
		return lin, lineageFound
	}
}

func (s *taxonomyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// Add appends rows for accessions not yet in the table.
func (s *taxonomyStore) Add(rows map[string]lineage) error {
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create taxonomy dir: %w", err)
	}
	var b strings.Builder
	if !fileExists(s.path) {
		b.WriteString("ACCESSION\t" + strings.Join(rankNames[:], "\t") + "\n")
	}
	accs := make([]string, 0, len(rows))
	for acc := range rows {
		accs = append(accs, acc)
	}
	sort.Strings(accs)
	for _, acc := range accs {
		if _, ok := s.rows[acc]; ok {
			continue
		}
		lin := rows[acc]
		b.WriteString(acc + "\t" + strings.Join(lin[:], "\t") + "\n")
		s.rows[acc] = lin
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open taxonomy: %w", err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		_ = f.Close()
		return fmt.Errorf("append taxonomy: %w", err)
	}
	return f.Close()
}

// Recover resolves accessions absent from the table and records them. An
// accession that cannot be resolved is recorded without lineage.
func (s *taxonomyStore) Recover(accs []string, r *lineageResolver) (recovered, missing int, err error) {
	rows := make(map[string]lineage)
	for _, acc := range accs {
		if _, st := s.Lookup(acc); st != lineageNeedsRecovery {
			continue
		}
		if _, seen := rows[acc]; seen {
			continue
		}
		lin, ok := r.resolve(acc)
		if ok {
			recovered++
		} else {
			missing++
			logf("No lineage for %s, its description will be used as label", acc)
		}
		rows[acc] = lin
	}
	return recovered, missing, s.Add(rows)
}

// lineageResolver maps accessions to lineages through accession2taxid and a
// taxdump.
type lineageResolver struct {
	taxids map[string]int
	dump   *taxDump
}

func (r *lineageResolver) resolve(acc string) (lineage, bool) {
	if r == nil || r.dump == nil {
		return lineage{}, false
	}
	taxid, ok := r.taxids[acc]
	if !ok {
		taxid, ok = r.taxids[stripVersion(acc)]
	}
	if !ok {
		return lineage{}, false
	}
	lin, ok := r.dump.lineage(taxid)
	if !ok || lin.empty() {
		return lineage{}, false
	}
	return lin, true
}

func stripVersion(acc string) string {
	if i := strings.LastIndexByte(acc, '.'); i > 0 {
		return acc[:i]
	}
	return acc
}

// loadAccession2Taxid reads an NCBI accession2taxid table. When wanted is not
// nil only those accessions are kept.
func loadAccession2Taxid(ctx context.Context, path string, wanted map[string]struct{}, workers int, showProgress bool) (map[string]int, error) {
	in, err := openInput(path)
	if err != nil {
		return nil, fmt.Errorf("open accession2taxid: %w", err)
	}
	defer func() {
		_ = in.Close()
	}()

	out := make(map[string]int)
	bar := newProgress(-1, "accession2taxid", showProgress)
	defer bar.finish()
	err = scanTSV(ctx, in, scanOptions{Workers: workers, Progress: bar}, func(rows []tsvRow) error {
		for _, row := range rows {
			if len(row.fields) < 3 {
				continue
			}
			taxid, err := strconv.Atoi(string(row.fields[2]))
			if err != nil {
				if row.line == 1 {
					continue
				}
				return fmt.Errorf("%s:%d: taxid %q", path, row.line, row.fields[2])
			}
			acc := string(row.fields[0])
			version := string(row.fields[1])
			if wanted != nil {
				_, a := wanted[acc]
				_, v := wanted[version]
				if !a && !v {
					continue
				}
			}
			out[acc] = taxid
			out[version] = taxid
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func newLineageResolver(ctx context.Context, taxdumpDir, acc2taxid string, wanted map[string]struct{}, workers int, showProgress bool) (*lineageResolver, error) {
	dump, err := loadTaxDump(filepath.Join(taxdumpDir, "nodes.dmp"), filepath.Join(taxdumpDir, "names.dmp"))
	if err != nil {
		return nil, err
	}
	taxids, err := loadAccession2Taxid(ctx, acc2taxid, wanted, workers, showProgress)
	if err != nil {
		return nil, err
	}
	return &lineageResolver{taxids: taxids, dump: dump}, nil
}

func runTaxonomy(args []string) {
	fs := flag.NewFlagSet("taxonomy", flag.ExitOnError)
	outDir := fs.String("o", defaultOutDir, "Output directory of a classification run")
	taxdumpDir := fs.String("taxdump-dir", "taxdump", "Directory with NCBI nodes.dmp and names.dmp")
	acc2taxid := fs.String("acc2taxid", "nucl_gb.accession2taxid.gz", "NCBI accession2taxid table (optionally .gz)")
	workers := fs.Int("w", 0, "TSV parser workers (<=0 defaults to GOMAXPROCS)")
	progressOn := fs.Bool("progress", true, "Show progress bar")
	if err := fs.Parse(args); err != nil {
		usagef(fs, "%v", err)
	}

	registry := filepath.Join(*outDir, registryName)
	entries, paths, err := readRegistry(registry)
	if err != nil {
		fatalf("%v", err)
	}
	store, err := loadTaxonomyStore(taxonomyPath(*outDir))
	if err != nil {
		fatalf("%v", err)
	}

	local, err := localRecordIDs(paths)
	if err != nil {
		fatalf("%v", err)
	}
	if err := store.Add(local); err != nil {
		fatalf("%v", err)
	}

	wanted := make(map[string]struct{}, len(entries))
	accs := make([]string, 0, len(entries))
	for acc := range entries {
		if _, st := store.Lookup(acc); st == lineageNeedsRecovery {
			wanted[acc] = struct{}{}
			accs = append(accs, acc)
		}
	}
	sort.Strings(accs)
	if len(accs) == 0 {
		logf("Taxonomy is up to date: %s (%d accessions)", store.path, store.Len())
		return
	}

	logf("Resolving lineages of %d accession(s)", len(accs))
	resolver, err := newLineageResolver(context.Background(), *taxdumpDir, *acc2taxid, wanted, *workers, *progressOn)
	if err != nil {
		fatalf("%v", err)
	}
	recovered, missing, err := store.Recover(accs, resolver)
	if err != nil {
		fatalf("%v", err)
	}
	logf("Taxonomy: %d resolved, %d without lineage -> %s", recovered, missing, store.path)
}

// localRecordIDs lists the records of user FASTA files named in the
// registry. They have no lineage.
func localRecordIDs(paths []string) (map[string]lineage, error) {
	out := make(map[string]lineage)
	for _, p := range paths {
		err := forEachSeq(p, func(rec seqRecord) error {
			out[rec.id] = lineage{}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
