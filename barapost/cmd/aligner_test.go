package cmd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// stubService accepts queries up to maxTotal letters and answers polls from
// a script. Ready requests return one hit per submitted read.
type stubService struct {
	t         *testing.T
	maxTotal  int
	polls     []pollStatus
	retrieve  error
	submitted []int
	rejected  int
	polled    []string
	lastQuery string
}

func (s *stubService) Submit(_ context.Context, query string) (string, int, error) {
	total := 0
	for _, line := range strings.Split(query, "\n") {
		if line != "" && !strings.HasPrefix(line, ">") {
			total += len(line)
		}
	}
	if s.maxTotal > 0 && total > s.maxTotal {
		s.rejected++
		return "", 0, errOversized
	}
	s.submitted = append(s.submitted, total)
	s.lastQuery = query
	return fmt.Sprintf("RID-%d", len(s.submitted)), 0, nil
}

func (s *stubService) Poll(_ context.Context, rid string) (pollStatus, error) {
	s.polled = append(s.polled, rid)
	if len(s.polls) == 0 {
		return pollReady, nil
	}
	st := s.polls[0]
	s.polls = s.polls[1:]
	return st, nil
}

func (s *stubService) Retrieve(_ context.Context, rid string) ([]byte, error) {
	if s.retrieve != nil {
		return nil, s.retrieve
	}
	var queries []testQuery
	lines := strings.Split(s.lastQuery, "\n")
	for i := 0; i+1 < len(lines); i += 2 {
		queries = append(queries, testQuery{
			id:   strings.TrimPrefix(lines[i], ">"),
			qlen: len(lines[i+1]),
			hits: []testHit{fixedHit("CP000000.1")},
		})
	}
	return testReportJSON(s.t, queries...), nil
}

func (s *stubService) RetrieveText(_ context.Context, rid string) ([]byte, error) {
	return []byte("text report " + rid), nil
}

func newTestAligner(svc *stubService) (*remoteAligner, *int) {
	var sleeps int
	a := &remoteAligner{
		svc:          svc,
		pollInterval: time.Minute,
		minQueryLen:  defaultMinQueryLen,
		sleep: func(context.Context, time.Duration) error {
			sleeps++
			return nil
		},
	}
	return a, &sleeps
}

func longPacket(n, length int) *packet {
	pk := &packet{index: 1, total: 1}
	for i := 1; i <= n; i++ {
		pk.seqs = append(pk.seqs, seqRecord{id: fmt.Sprintf("r%d", i), seq: []byte(testSeq(i, length))})
	}
	return pk
}

func TestAlignShrinksOversizedPacket(t *testing.T) {
	quietLogs(t)
	svc := &stubService{t: t, maxTotal: 600}
	a, _ := newTestAligner(svc)
	pk := longPacket(4, 1024)

	var rids []string
	rep, err := a.Align(context.Background(), pk, func(rid string) error {
		rids = append(rids, rid)
		return nil
	})
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	bound := int(math.Ceil(math.Log2(float64(pk.totalLen()) / 600)))
	if svc.rejected == 0 || svc.rejected > bound {
		t.Fatalf("rejected %d times, want 1..%d", svc.rejected, bound)
	}
	if len(svc.submitted) != 1 || svc.submitted[0] > 600 {
		t.Fatalf("accepted submissions %v", svc.submitted)
	}
	if len(rids) != 1 || rids[0] != "RID-1" {
		t.Fatalf("onSubmit calls %v", rids)
	}
	recs, _ := buildRecords(pk, rep)
	for _, r := range recs {
		if !r.hasHit() || r.queryLen != 128 {
			t.Fatalf("record %+v", r)
		}
	}
}

func TestAlignAbandonsBelowFloor(t *testing.T) {
	quietLogs(t)
	svc := &stubService{t: t, maxTotal: 10}
	a, _ := newTestAligner(svc)
	pk := longPacket(3, 80)

	rep, err := a.Align(context.Background(), pk, nil)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if rep.lost != lostTooLong || len(svc.submitted) != 0 {
		t.Fatalf("lost=%q submitted=%v", rep.lost, svc.submitted)
	}
	recs, _ := buildRecords(pk, rep)
	if len(recs) != 3 || recs[2].hitName != lostTooLong {
		t.Fatalf("records %+v", recs)
	}
}

func TestAlignPollOutcomes(t *testing.T) {
	quietLogs(t)
	tests := []struct {
		name        string
		polls       []pollStatus
		retrieve    error
		wantLost    string
		wantNoHits  bool
		wantSubmits int
	}{
		{name: "ready after waiting", polls: []pollStatus{pollWaiting, pollWaiting, pollReady}, wantSubmits: 1},
		{name: "failed", polls: []pollStatus{pollWaiting, pollFailed}, wantLost: lostBlastError, wantSubmits: 1},
		{name: "no hits", polls: []pollStatus{pollReadyNoHits}, wantNoHits: true, wantSubmits: 1},
		{name: "expired resubmits", polls: []pollStatus{pollExpired, pollReady}, wantSubmits: 2},
		{name: "bad gateway", polls: []pollStatus{pollReady}, retrieve: errBadGateway, wantLost: lostBadGateway, wantSubmits: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{t: t, polls: tt.polls, retrieve: tt.retrieve}
			a, sleeps := newTestAligner(svc)
			rep, err := a.Align(context.Background(), longPacket(2, 100), nil)
			if err != nil {
				t.Fatalf("Align: %v", err)
			}
			if rep.lost != tt.wantLost || rep.noHits != tt.wantNoHits {
				t.Fatalf("report lost=%q noHits=%v", rep.lost, rep.noHits)
			}
			if len(svc.submitted) != tt.wantSubmits {
				t.Fatalf("submitted %d times, want %d", len(svc.submitted), tt.wantSubmits)
			}
			waits := 0
			for _, st := range tt.polls {
				if st == pollWaiting {
					waits++
				}
			}
			if *sleeps != waits {
				t.Fatalf("slept %d times, want %d", *sleeps, waits)
			}
		})
	}
}

func TestResumeSkipsSubmit(t *testing.T) {
	quietLogs(t)
	svc := &stubService{t: t}
	svc.lastQuery = ">r1\nACGT\n>r2\nACGT\n"
	a, _ := newTestAligner(svc)

	rep, err := a.Resume(context.Background(), longPacket(2, 100), "OLD-RID")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if len(svc.submitted) != 0 || len(svc.polled) != 1 || svc.polled[0] != "OLD-RID" {
		t.Fatalf("submitted=%v polled=%v", svc.submitted, svc.polled)
	}
	if len(rep.searches) != 2 {
		t.Fatalf("got %d searches", len(rep.searches))
	}

	svc = &stubService{t: t, polls: []pollStatus{pollExpired}}
	a, _ = newTestAligner(svc)
	if _, err := a.Resume(context.Background(), longPacket(2, 100), "OLD-RID"); !errors.Is(err, errExpired) {
		t.Fatalf("err = %v, want errExpired", err)
	}
}

func TestAlignSavesTextReport(t *testing.T) {
	quietLogs(t)
	dir := t.TempDir()
	svc := &stubService{t: t}
	a, _ := newTestAligner(svc)
	a.textDir = dir
	pk := longPacket(1, 100)
	pk.index = 7
	if _, err := a.Align(context.Background(), pk, nil); err != nil {
		t.Fatalf("Align: %v", err)
	}
	if got := readTestFile(t, filepath.Join(dir, "blast_result_7.txt")); got != "text report RID-1" {
		t.Fatalf("text report %q", got)
	}
}
