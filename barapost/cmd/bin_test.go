package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func hitRecord(id, acc, name string, qlen int, identity, alignLen, avgQual string) classificationRecord {
	return classificationRecord{
		queryID: id, hitName: name, accession: acc, queryLen: qlen,
		alignLen: alignLen, identity: identity, gaps: "0", evalue: "1e-30",
		avgQual: avgQual, accuracy: missingValue,
	}
}

func TestBinFilters(t *testing.T) {
	f := binFilters{MinQuality: 20, MinLength: 50, MinIdentity: 90, MinCoverage: 80}
	tests := []struct {
		name    string
		rec     classificationRecord
		wantQL  bool
		wantAln bool
	}{
		{name: "passes", rec: hitRecord("r", "A", "x", 100, "99", "95", "30"), wantQL: true, wantAln: true},
		{name: "short", rec: hitRecord("r", "A", "x", 40, "99", "40", "30"), wantQL: false, wantAln: true},
		{name: "low quality", rec: hitRecord("r", "A", "x", 100, "99", "95", "12.5"), wantQL: false, wantAln: true},
		{name: "fasta has no quality", rec: hitRecord("r", "A", "x", 100, "99", "95", missingValue), wantQL: true, wantAln: true},
		{name: "low identity", rec: hitRecord("r", "A", "x", 100, "85", "95", "30"), wantQL: true, wantAln: false},
		{name: "low coverage", rec: hitRecord("r", "A", "x", 100, "99", "50", "30"), wantQL: true, wantAln: false},
		{name: "no hit", rec: hitRecord("r", missingValue, noHitName, 100, missingValue, missingValue, "30"), wantQL: true, wantAln: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.passQL(tt.rec); got != tt.wantQL {
				t.Errorf("passQL = %v, want %v", got, tt.wantQL)
			}
			if got := f.passAlign(tt.rec); got != tt.wantAln {
				t.Errorf("passAlign = %v, want %v", got, tt.wantAln)
			}
		})
	}

	if err := (binFilters{MinIdentity: 120}).validate(); err == nil {
		t.Error("identity above 100 should be rejected")
	}
}

func setupBinRun(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	outDir := filepath.Join(dir, "out")
	reads := filepath.Join(dir, "sample.fastq")
	// read_1..read_4 at Q40, read_5 at Q5.
	writeTestFastq(t, reads, []byte("IIII&"), 60)

	table := filepath.Join(outDir, "sample", classificationFileName)
	if err := os.MkdirAll(filepath.Dir(table), 0o755); err != nil {
		t.Fatal(err)
	}
	recs := []classificationRecord{
		hitRecord("read_1", "CP000001.1", "Erwinia_amylovora", 60, "100", "60", "40"),
		hitRecord("read_2", "CP000001.1&&LOCAL_1", "Erwinia_amylovora&&My_strain", 60, "100", "60", "40"),
		hitRecord("read_3", missingValue, noHitName, 60, missingValue, missingValue, "40"),
		hitRecord("read_4", "CP000001.1", "Erwinia_amylovora", 60, "70", "60", "40"),
		hitRecord("read_5", "CP000001.1", "Erwinia_amylovora", 60, "100", "60", "5"),
	}
	recs[2].alignLen, recs[2].gaps, recs[2].evalue = missingValue, missingValue, missingValue
	if err := appendRecords(table, recs); err != nil {
		t.Fatal(err)
	}

	store, err := loadTaxonomyStore(taxonomyPath(outDir))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Add(map[string]lineage{"CP000001.1": erwinia, "LOCAL_1": {}}); err != nil {
		t.Fatal(err)
	}
	return reads, outDir
}

func TestBinFiles(t *testing.T) {
	quietLogs(t)
	reads, outDir := setupBinRun(t)
	cfg := binConfig{
		OutDir:  outDir,
		BinDir:  filepath.Join(outDir, "binned"),
		Rank:    rankGenus,
		Filters: binFilters{MinQuality: 20, MinIdentity: 90},
		Workers: 2,
	}
	stats, err := binFiles(context.Background(), []string{reads}, cfg)
	if err != nil {
		t.Fatalf("binFiles: %v", err)
	}
	if stats.Total != 5 || stats.Passed != 3 || stats.QLFailed != 1 || stats.AlignFailed != 1 {
		t.Fatalf("stats %+v", *stats)
	}
	if stats.Bins["Erwinia"] != 2 || stats.Bins["My_strain"] != 1 || stats.Bins[unknownLabel] != 1 {
		t.Fatalf("bins %v", stats.Bins)
	}

	erw := readTestFile(t, filepath.Join(cfg.BinDir, "Erwinia.fastq"))
	if strings.Count(erw, "@read_") != 2 || !strings.Contains(erw, "@read_1\n") || !strings.Contains(erw, "@read_2\n") {
		t.Fatalf("Erwinia bin:\n%s", erw)
	}
	if !strings.Contains(erw, strings.Repeat("I", 60)) {
		t.Fatalf("qualities not preserved:\n%s", erw)
	}
	for name, id := range map[string]string{
		"My_strain.fastq":          "@read_2",
		"unknown.fastq":            "@read_3",
		"sample_align_trash.fastq": "@read_4",
		"sample_QL_trash.fastq":    "@read_5",
	} {
		if got := readTestFile(t, filepath.Join(cfg.BinDir, name)); !strings.HasPrefix(got, id+"\n") {
			t.Errorf("%s starts with %q, want %s", name, got, id)
		}
	}

	report := filepath.Join(outDir, "bin_report.json")
	if err := writeBinReport(report, stats); err != nil {
		t.Fatalf("writeBinReport: %v", err)
	}
	var decoded binStats
	if err := json.Unmarshal([]byte(readTestFile(t, report)), &decoded); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if decoded.Passed != 3 || decoded.Bins["Erwinia"] != 2 {
		t.Fatalf("report %+v", decoded)
	}
}

func TestBinFilesGzipNoTrash(t *testing.T) {
	quietLogs(t)
	reads, outDir := setupBinRun(t)
	cfg := binConfig{
		OutDir:  outDir,
		BinDir:  filepath.Join(outDir, "binned"),
		Rank:    rankSpecies,
		Filters: binFilters{MinQuality: 20, MinIdentity: 90},
		Gzip:    true,
		NoTrash: true,
	}
	if _, err := binFiles(context.Background(), []string{reads}, cfg); err != nil {
		t.Fatalf("binFiles: %v", err)
	}
	if pathExists(filepath.Join(cfg.BinDir, "sample_QL_trash.fastq.gz")) {
		t.Fatal("trash written with NoTrash")
	}
	var ids []string
	err := forEachSeq(filepath.Join(cfg.BinDir, "Erwinia_amylovora.fastq.gz"), func(rec seqRecord) error {
		ids = append(ids, rec.id)
		return nil
	})
	if err != nil || strings.Join(ids, ",") != "read_1,read_2" {
		t.Fatalf("gzip bin ids %v, %v", ids, err)
	}
}

func TestBinFilesMissingRead(t *testing.T) {
	quietLogs(t)
	reads, outDir := setupBinRun(t)
	writeTestFastq(t, reads, []byte("IIIIII"), 60)
	cfg := binConfig{OutDir: outDir, BinDir: filepath.Join(outDir, "binned"), Rank: rankGenus}
	if _, err := binFiles(context.Background(), []string{reads}, cfg); !errors.Is(err, errReadNotClassified) {
		t.Fatalf("err = %v, want errReadNotClassified", err)
	}
}

func TestFormatRecordFasta(t *testing.T) {
	var b strings.Builder
	if err := formatRecord(&b, seqRecord{id: "r1", desc: "some read", seq: []byte("ACGTN")}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(b.String(), ">r1 some read\nACGTN") {
		t.Fatalf("formatted %q", b.String())
	}
}
