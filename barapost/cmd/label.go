package cmd

import (
	"regexp"
	"strings"
)

const (
	unknownLabel      = "unknown"
	unclassifiedLabel = "unclassified"
)

var (
	spadesPattern   = regexp.MustCompile(`(NODE)_([0-9]+)`)
	a5Pattern       = regexp.MustCompile(`(scaffold)_([0-9]+)`)
	asmPathPattern  = regexp.MustCompile(`\(_(.+)_\)`)
	assemblerByWord = map[string]string{"NODE": "SPAdes", "scaffold": "a5"}
)

// labelResolver names bins: the hit lineage at rank, or the hit description
// when the reference has no lineage.
type labelResolver struct {
	store *taxonomyStore
	rank  int
}

func newLabelResolver(store *taxonomyStore, rank int) *labelResolver {
	return &labelResolver{store: store, rank: rank}
}

// labelRecord labels a classification row; reads without a hit are unknown.
func (r *labelResolver) labelRecord(rec classificationRecord) string {
	if !rec.hasHit() {
		return unknownLabel
	}
	return r.Label(strings.Split(rec.accession, multiHitJoiner), strings.Split(rec.hitName, multiHitJoiner))
}

// Label joins the labels of every hit with "&&", dropping repeats.
func (r *labelResolver) Label(accessions, descriptions []string) string {
	if len(descriptions) > 0 && descriptions[0] == noHitName {
		return unknownLabel
	}
	var labels []string
	seen := make(map[string]struct{}, len(accessions))
	for i, acc := range accessions {
		desc := acc
		if i < len(descriptions) {
			desc = descriptions[i]
		}
		var label string
		if lin, st := r.store.Lookup(acc); st == lineageFound {
			label = lineageLabel(lin, r.rank)
		} else {
			label = descriptionLabel(desc, r.rank == rankSpecies)
		}
		label = sanitizeLabel(label)
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		labels = append(labels, label)
	}
	return strings.Join(labels, multiHitJoiner)
}

// lineageLabel returns the name at rank. A missing rank falls back to the
// closest ranked ancestor with a "_no-<rank>" suffix per skipped rank.
// Species are written as Genus_epithet.
func lineageLabel(lin lineage, rank int) string {
	if rank == rankSpecies && lin[rankSpecies] != "" {
		genus := rankOrFallback(lin, rankGenus)
		species := strings.Fields(lin[rankSpecies])
		if len(species) > 1 && species[0] == lin[rankGenus] {
			species = species[1:]
		}
		return genus + "_" + strings.Join(species, "_")
	}
	return rankOrFallback(lin, rank)
}

func rankOrFallback(lin lineage, rank int) string {
	if rank < 0 {
		return unclassifiedLabel
	}
	if lin[rank] != "" {
		return lin[rank]
	}
	if rank == 0 {
		return unclassifiedLabel
	}
	return rankOrFallback(lin, rank-1) + "_no-" + rankNames[rank]
}

// descriptionLabel labels hits on references without lineage. Contigs from
// SPAdes (NODE_<n>) and a5 (scaffold_<n>) get the assembler name and, when
// the description carries one as "(_path_)", the assembly path.
func descriptionLabel(desc string, species bool) string {
	for _, re := range []*regexp.Regexp{spadesPattern, a5Pattern} {
		m := re.FindStringSubmatch(desc)
		if m == nil {
			continue
		}
		word, num := m[1], m[2]
		assembler := assemblerByWord[word]
		var path string
		if pm := asmPathPattern.FindStringSubmatch(desc); pm != nil {
			path = strings.ReplaceAll(pm[1], "/", "_")
		}
		switch {
		case path != "" && species:
			return strings.Join([]string{word, num, path, assembler, "assembly"}, "_")
		case path != "":
			return strings.Join([]string{path, assembler, "assembly", word}, "_")
		case species:
			return strings.Join([]string{word, num, assembler, "assembly"}, "_")
		default:
			return assembler + "_assembly_" + word
		}
	}
	return desc
}
