package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func quietLogs(t *testing.T) {
	t.Helper()
	prev := stdConsole.out
	stdConsole.out = io.Discard
	t.Cleanup(func() {
		stdConsole.out = prev
	})
}

func testSeq(i, length int) string {
	const bases = "ACGT"
	var b strings.Builder
	for j := 0; j < length; j++ {
		b.WriteByte(bases[(i+j)%len(bases)])
	}
	return b.String()
}

// writeTestFasta writes n reads named read_1..read_n of the given length.
func writeTestFasta(t *testing.T, path string, n, length int) {
	t.Helper()
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, ">read_%d sample read\n%s\n", i, testSeq(i, length))
	}
	writeTestFile(t, path, b.String())
}

// writeTestFastq writes reads with a constant quality character per read.
func writeTestFastq(t *testing.T, path string, quals []byte, length int) {
	t.Helper()
	var b strings.Builder
	for i, q := range quals {
		fmt.Fprintf(&b, "@read_%d\n%s\n+\n%s\n", i+1, testSeq(i, length), strings.Repeat(string(q), length))
	}
	writeTestFile(t, path, b.String())
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readTestFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

type testHit struct {
	id, acc, title string
	bits           float64
	identity       int
	alignLen       int
	gaps           int
	evalue         float64
}

type testQuery struct {
	id   string
	qlen int
	hits []testHit
}

// testReportJSON renders a BLAST JSON2_S document for the queries.
func testReportJSON(t *testing.T, queries ...testQuery) []byte {
	t.Helper()
	outputs := make([]any, 0, len(queries))
	for _, q := range queries {
		hits := make([]any, 0, len(q.hits))
		for i, h := range q.hits {
			hits = append(hits, map[string]any{
				"num": i + 1,
				"description": []any{map[string]any{
					"id":        h.id,
					"accession": h.acc,
					"title":     h.title,
				}},
				"hsps": []any{map[string]any{
					"bit_score": h.bits,
					"evalue":    h.evalue,
					"identity":  h.identity,
					"align_len": h.alignLen,
					"gaps":      h.gaps,
				}},
			})
		}
		outputs = append(outputs, map[string]any{
			"report": map[string]any{
				"program": "blastn",
				"results": map[string]any{
					"search": map[string]any{
						"query_title": q.id + " sample read",
						"query_len":   q.qlen,
						"hits":        hits,
					},
				},
			},
		})
	}
	data, err := json.Marshal(map[string]any{"BlastOutput2": outputs})
	if err != nil {
		t.Fatalf("marshal report: %v", err)
	}
	return data
}

func fixedHit(acc string) testHit {
	return testHit{
		id:       "gi|12345|gb|" + acc + "|",
		acc:      acc,
		title:    "Erwinia amylovora strain S59/5, complete genome",
		bits:     100,
		identity: 58,
		alignLen: 60,
		gaps:     1,
		evalue:   1e-20,
	}
}
