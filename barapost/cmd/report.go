package cmd

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	lostBlastError = "Query has been lost: BLAST ERROR"
	lostBadGateway = "Query has been lost: ERROR, Bad Gateway"
	lostTooLong    = "Query has been lost: too long for remote service"
	multiHitJoiner = "&&"
	missingValue   = "-"
	completeGenome = " complete genome"
)

var giPattern = regexp.MustCompile(`gi\|([0-9]+)`)

type blastJSON struct {
	BlastOutput2 []struct {
		Report struct {
			Program string `json:"program"`
			Results struct {
				Search blastSearch `json:"search"`
			} `json:"results"`
		} `json:"report"`
	} `json:"BlastOutput2"`
}

type blastSearch struct {
	QueryID    string     `json:"query_id"`
	QueryTitle string     `json:"query_title"`
	QueryLen   int        `json:"query_len"`
	Hits       []blastHit `json:"hits"`
	Message    string     `json:"message"`
}

type blastHit struct {
	Num         int              `json:"num"`
	Description []hitDescription `json:"description"`
	Len         int              `json:"len"`
	Hsps        []blastHsp       `json:"hsps"`
}

type hitDescription struct {
	ID        string `json:"id"`
	Accession string `json:"accession"`
	Title     string `json:"title"`
	Taxid     int    `json:"taxid"`
	Sciname   string `json:"sciname"`
}

type blastHsp struct {
	BitScore float64 `json:"bit_score"`
	Evalue   float64 `json:"evalue"`
	Identity int     `json:"identity"`
	AlignLen int     `json:"align_len"`
	Gaps     int     `json:"gaps"`
}

// blastReport is the aligner answer for one packet. When lost is set every
// query of the packet is recorded with that reason.
type blastReport struct {
	searches []blastSearch
	noHits   bool
	lost     string
}

func lostReport(reason string) *blastReport {
	return &blastReport{lost: reason}
}

func parseReport(data []byte) (*blastReport, error) {
	var doc blastJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode BLAST report: %w", err)
	}
	rep := &blastReport{searches: make([]blastSearch, 0, len(doc.BlastOutput2))}
	for _, out := range doc.BlastOutput2 {
		rep.searches = append(rep.searches, out.Report.Results.Search)
	}
	return rep, nil
}

func (s blastSearch) queryName() string {
	if f := strings.Fields(s.QueryTitle); len(f) > 0 {
		return f[0]
	}
	return ""
}

// buildRecords turns a report into classification rows for every read of pk,
// in packet order, and counts the accessions hit.
func buildRecords(pk *packet, rep *blastReport) ([]classificationRecord, map[string]accessionEntry) {
	byID := make(map[string]blastSearch, len(rep.searches))
	for i, s := range rep.searches {
		name := s.queryName()
		if name == "" && i < len(pk.seqs) {
			name = pk.seqs[i].id
		}
		byID[name] = s
	}

	delta := make(map[string]accessionEntry)
	recs := make([]classificationRecord, 0, pk.size())
	for _, read := range pk.seqs {
		rec := classificationRecord{
			queryID:   read.id,
			queryLen:  len(read.seq),
			accession: missingValue,
			alignLen:  missingValue,
			identity:  missingValue,
			gaps:      missingValue,
			evalue:    missingValue,
			avgQual:   missingValue,
			accuracy:  missingValue,
		}
		if q, ok := read.avgQuality(); ok {
			rec.avgQual = formatFloat(q)
			rec.accuracy = formatFloat(accuracy(q))
		}

		search, found := byID[read.id]
		switch {
		case rep.lost != "":
			rec.hitName = rep.lost
		case !found && !rep.noHits:
			rec.hitName = lostBlastError
		case !found || len(search.Hits) == 0:
			rec.hitName = noHitName
			if found && search.QueryLen > 0 {
				rec.queryLen = search.QueryLen
			}
		default:
			fillHit(&rec, search, delta)
		}
		recs = append(recs, rec)
	}
	return recs, delta
}

// fillHit copies the best hit into rec. Hits tied on bit score with the best
// one are joined with "&&".
func fillHit(rec *classificationRecord, s blastSearch, delta map[string]accessionEntry) {
	if s.QueryLen > 0 {
		rec.queryLen = s.QueryLen
	}
	best := s.Hits[0]
	if len(best.Hsps) == 0 || len(best.Description) == 0 {
		rec.hitName = noHitName
		return
	}
	top := best.Hsps[0]

	var names, accs []string
	for _, h := range s.Hits {
		if len(h.Hsps) == 0 || len(h.Description) == 0 || h.Hsps[0].BitScore != top.BitScore {
			break
		}
		d := h.Description[0]
		names = append(names, formatHitName(d.Title))
		accs = append(accs, d.Accession)

		e := delta[d.Accession]
		if e.count == 0 {
			e.gi = missingValue
			if m := giPattern.FindStringSubmatch(d.ID); m != nil {
				e.gi = m[1]
			}
			e.description = d.Title
		}
		e.count++
		delta[d.Accession] = e
	}

	rec.hitName = strings.Join(names, multiHitJoiner)
	rec.accession = strings.Join(accs, multiHitJoiner)
	rec.alignLen = strconv.Itoa(top.AlignLen)
	if top.AlignLen > 0 {
		rec.identity = formatFloat(round2(float64(top.Identity) / float64(top.AlignLen) * 100))
		rec.gaps = formatFloat(round2(float64(top.Gaps) / float64(top.AlignLen) * 100))
	}
	rec.evalue = strconv.FormatFloat(top.Evalue, 'g', -1, 64)
}

// formatHitName shortens a GenBank title to the organism part, e.g.
// "Erwinia amylovora strain S59/5, complete genome" -> "Erwinia_amylovora_strain_S59/5".
func formatHitName(title string) string {
	name := title
	if i := strings.IndexByte(name, ','); i >= 0 {
		name = name[:i]
	}
	name = strings.ReplaceAll(name, completeGenome, "")
	return strings.ReplaceAll(strings.TrimSpace(name), " ", "_")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
