package cmd

import (
	"path/filepath"
	"testing"
)

func testStore(t *testing.T, rows map[string]lineage) *taxonomyStore {
	t.Helper()
	store, err := loadTaxonomyStore(filepath.Join(t.TempDir(), "taxonomy", "taxonomy.tsv"))
	if err != nil {
		t.Fatalf("load store: %v", err)
	}
	if err := store.Add(rows); err != nil {
		t.Fatalf("add rows: %v", err)
	}
	return store
}

var (
	erwinia   = lineage{"Bacteria", "Proteobacteria", "Gammaproteobacteria", "Enterobacterales", "Erwiniaceae", "Erwinia", "Erwinia amylovora"}
	noSpecies = lineage{"Bacteria", "Proteobacteria", "Gammaproteobacteria", "Enterobacterales", "Erwiniaceae", "Erwinia", ""}
	noFamily  = lineage{"Bacteria", "Proteobacteria", "Gammaproteobacteria", "Enterobacterales", "", "", ""}
	noKingdom = lineage{"", "", "", "", "", "", "Uncultured thing"}
)

func TestLineageLabel(t *testing.T) {
	tests := []struct {
		name string
		lin  lineage
		rank int
		want string
	}{
		{name: "species", lin: erwinia, rank: rankSpecies, want: "Erwinia_amylovora"},
		{name: "genus", lin: erwinia, rank: rankGenus, want: "Erwinia"},
		{name: "family", lin: erwinia, rank: rankFamily, want: "Erwiniaceae"},
		{name: "missing species", lin: noSpecies, rank: rankSpecies, want: "Erwinia_no-species"},
		{name: "missing genus and family", lin: noFamily, rank: rankGenus, want: "Enterobacterales_no-family_no-genus"},
		{name: "nothing above", lin: noKingdom, rank: rankGenus, want: "unclassified_no-phylum_no-class_no-order_no-family_no-genus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := lineageLabel(tt.lin, tt.rank); got != tt.want {
				t.Fatalf("lineageLabel = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDescriptionLabel(t *testing.T) {
	tests := []struct {
		desc    string
		species bool
		want    string
	}{
		{desc: "NODE_12_length_5000_cov_20.1", species: false, want: "SPAdes_assembly_NODE"},
		{desc: "NODE_12_length_5000_cov_20.1", species: true, want: "NODE_12_SPAdes_assembly"},
		{desc: "scaffold_3 (_run/sample1_)", species: false, want: "run_sample1_a5_assembly_scaffold"},
		{desc: "scaffold_3 (_run/sample1_)", species: true, want: "scaffold_3_run_sample1_a5_assembly"},
		{desc: "My reference strain", species: true, want: "My reference strain"},
	}
	for _, tt := range tests {
		if got := descriptionLabel(tt.desc, tt.species); got != tt.want {
			t.Errorf("descriptionLabel(%q, %v) = %q, want %q", tt.desc, tt.species, got, tt.want)
		}
	}
}

func TestLabelResolver(t *testing.T) {
	store := testStore(t, map[string]lineage{
		"CP000001.1": erwinia,
		"CP000002.1": noSpecies,
		"CP000003":   erwinia,
		"LOCAL_1":    {},
	})

	r := newLabelResolver(store, rankGenus)
	if got := r.Label([]string{"CP000001.1", "CP000002.1"}, []string{"a", "b"}); got != "Erwinia" {
		t.Fatalf("same genus should collapse, got %q", got)
	}

	r = newLabelResolver(store, rankSpecies)
	if got := r.Label([]string{"CP000001.1", "CP000002.1"}, []string{"a", "b"}); got != "Erwinia_amylovora&&Erwinia_no-species" {
		t.Fatalf("multi-hit label %q", got)
	}
	if got := r.Label([]string{"LOCAL_1"}, []string{"My strain (v2)"}); got != "My_strain__v2_" {
		t.Fatalf("local label %q", got)
	}
	if got := r.Label([]string{"CP000003.2"}, []string{"a"}); got != "Erwinia_amylovora" {
		t.Fatalf("versioned accession label %q", got)
	}

	rec := classificationRecord{queryID: "r1", hitName: noHitName, accession: missingValue}
	if got := r.labelRecord(rec); got != unknownLabel {
		t.Fatalf("no-hit label %q", got)
	}
	rec = classificationRecord{queryID: "r2", hitName: lostBlastError, accession: missingValue}
	if got := r.labelRecord(rec); got != unknownLabel {
		t.Fatalf("lost label %q", got)
	}
}
