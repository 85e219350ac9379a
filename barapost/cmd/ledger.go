package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	noHitName       = "No significant similarity found"
	registryName    = "hits_to_download.tsv"
	classifyColumns = 10
)

var (
	classificationHeader = []string{
		"QUERY_ID", "HIT_NAME", "HIT_ACCESSION", "QUERY_LENGTH", "ALIGNMENT_LENGTH",
		"IDENTITY", "GAPS", "E-VALUE", "AVG_PHRED33", "ACCURACY(%)",
	}
	registryHeader = []string{"ACCESSION", "GI_NUMBER", "RECORD_NAME", "OCCURRENCE_NUMBER"}
	registryNotes  = []string{
		"# Accessions, GI numbers and descriptions of GenBank records hit during classification.",
		"# Values in this file are delimited by tabs.",
		"# You may edit this file: add, remove or mute lines by prefixing them with '#'.",
		"# Muted lines are ignored by 'barapost taxonomy' and 'barapost bin'.",
		"# A path to your own FASTA file on a separate line adds its records to the local database.",
	}

	errLedgerRow = errors.New("malformed registry row")
)

// classificationRecord is one row of classification.tsv. Columns that have
// no value for the row hold "-".
type classificationRecord struct {
	queryID   string
	hitName   string
	accession string
	queryLen  int
	alignLen  string
	identity  string
	gaps      string
	evalue    string
	avgQual   string
	accuracy  string
}

func (r classificationRecord) fields() []string {
	return []string{
		r.queryID, r.hitName, r.accession, strconv.Itoa(r.queryLen), r.alignLen,
		r.identity, r.gaps, r.evalue, r.avgQual, r.accuracy,
	}
}

func (r classificationRecord) hasHit() bool {
	return r.accession != "" && r.accession != "-"
}

func parseClassificationLine(line string) (classificationRecord, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != classifyColumns {
		return classificationRecord{}, fmt.Errorf("expected %d columns, got %d", classifyColumns, len(fields))
	}
	qlen, err := strconv.Atoi(fields[3])
	if err != nil {
		return classificationRecord{}, fmt.Errorf("query length %q: %w", fields[3], err)
	}
	return classificationRecord{
		queryID:   fields[0],
		hitName:   fields[1],
		accession: fields[2],
		queryLen:  qlen,
		alignLen:  fields[4],
		identity:  fields[5],
		gaps:      fields[6],
		evalue:    fields[7],
		avgQual:   fields[8],
		accuracy:  fields[9],
	}, nil
}

// appendRecords appends rows to a classification table, creating it with a
// header first. Rows reach the disk in one write followed by Sync.
func appendRecords(path string, recs []classificationRecord) error {
	var b strings.Builder
	if !fileExists(path) {
		b.WriteString(strings.Join(classificationHeader, "\t"))
		b.WriteByte('\n')
	}
	for _, r := range recs {
		b.WriteString(strings.Join(r.fields(), "\t"))
		b.WriteByte('\n')
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		_ = f.Close()
		return fmt.Errorf("append %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return f.Close()
}

// scanClassification calls fn for every data row of a classification table.
func scanClassification(path string, fn func(line int, rec classificationRecord) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
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
		text := scanner.Text()
		if lineNo == 1 {
			if text != strings.Join(classificationHeader, "\t") {
				return fmt.Errorf("%s: missing header", path)
			}
			continue
		}
		if text == "" {
			continue
		}
		rec, err := parseClassificationLine(text)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		if err := fn(lineNo, rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", path, err)
	}
	return nil
}

type accessionEntry struct {
	gi          string
	description string
	count       int
}

// ledger is the run-wide accession registry behind hits_to_download.tsv.
type ledger struct {
	mu      sync.Mutex
	path    string
	entries map[string]*accessionEntry
	paths   []string
	loaded  bool
}

func newLedger(path string) *ledger {
	return &ledger{path: path, entries: make(map[string]*accessionEntry)}
}

// Load replaces the ledger content with the registry file. Only the first
// call reads the file, so counts merged since then are never read back twice.
func (l *ledger) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded {
		return nil
	}
	l.loaded = true
	entries, paths, err := readRegistry(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	l.entries = make(map[string]*accessionEntry, len(entries))
	for acc, e := range entries {
		cp := e
		l.entries[acc] = &cp
	}
	l.paths = appendUnique(nil, paths...)
	return nil
}

func (l *ledger) Merge(delta map[string]accessionEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for acc, e := range delta {
		l.mergeLocked(acc, e)
	}
}

func (l *ledger) mergeLocked(acc string, e accessionEntry) {
	if cur, ok := l.entries[acc]; ok {
		cur.count += e.count
		return
	}
	cp := e
	l.entries[acc] = &cp
}

func (l *ledger) Count(acc string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[acc]; ok {
		return e.count
	}
	return 0
}

func (l *ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

type registryRow struct {
	accession string
	accessionEntry
}

// sorted returns entries by descending count, accession ascending on ties.
func (l *ledger) sorted() []registryRow {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedLocked()
}

func (l *ledger) sortedLocked() []registryRow {
	rows := make([]registryRow, 0, len(l.entries))
	for acc, e := range l.entries {
		rows = append(rows, registryRow{accession: acc, accessionEntry: *e})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].count != rows[j].count {
			return rows[i].count > rows[j].count
		}
		return rows[i].accession < rows[j].accession
	})
	return rows
}

// WriteFile rewrites the registry file from the ledger.
func (l *ledger) WriteFile() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var b strings.Builder
	for _, line := range registryNotes {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(strings.Join(registryHeader, "\t"))
	b.WriteByte('\n')
	for _, r := range l.sortedLocked() {
		b.WriteString(strings.Join([]string{r.accession, r.gi, r.description, strconv.Itoa(r.count)}, "\t"))
		b.WriteByte('\n')
	}
	for _, p := range l.paths {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	if err := writeFileAtomic(l.path, []byte(b.String())); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}

// readRegistry parses hits_to_download.tsv. Lines that are not rows but name
// an existing file are returned as user FASTA paths.
func readRegistry(path string) (map[string]accessionEntry, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open registry: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	entries := make(map[string]accessionEntry)
	var paths []string
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 10*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if fields[0] == registryHeader[0] {
			continue
		}
		if len(fields) == 1 {
			if pathExists(trimmed) {
				paths = append(paths, trimmed)
				continue
			}
			return nil, nil, fmt.Errorf("%w: %s:%d: %q is neither a row nor a file", errLedgerRow, path, lineNo, trimmed)
		}
		if len(fields) != len(registryHeader) {
			return nil, nil, fmt.Errorf("%w: %s:%d: expected %d columns, got %d", errLedgerRow, path, lineNo, len(registryHeader), len(fields))
		}
		count, err := strconv.Atoi(strings.TrimSpace(fields[3]))
		if err != nil || count < 0 {
			return nil, nil, fmt.Errorf("%w: %s:%d: occurrence count %q", errLedgerRow, path, lineNo, fields[3])
		}
		acc := strings.TrimSpace(fields[0])
		if e, ok := entries[acc]; ok {
			e.count += count
			entries[acc] = e
			continue
		}
		entries[acc] = accessionEntry{
			gi:          strings.TrimSpace(fields[1]),
			description: strings.TrimSpace(fields[2]),
			count:       count,
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan registry: %w", err)
	}
	return entries, paths, nil
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if indexOf(dst, v) < 0 {
			dst = append(dst, v)
		}
	}
	return dst
}
