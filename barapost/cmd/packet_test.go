package cmd

import (
	"fmt"
	"testing"
)

type sliceSource struct {
	recs []seqRecord
	pos  int
}

func newSliceSource(n, length int) *sliceSource {
	src := &sliceSource{}
	for i := 1; i <= n; i++ {
		src.recs = append(src.recs, seqRecord{id: fmt.Sprintf("read_%d", i), seq: []byte(testSeq(i, length))})
	}
	return src
}

func (s *sliceSource) next() (seqRecord, bool) {
	if s.pos >= len(s.recs) {
		return seqRecord{}, false
	}
	s.pos++
	return s.recs[s.pos-1], true
}

func (s *sliceSource) err() error { return nil }

func collectPackets(seg *packetSegmenter) []*packet {
	var out []*packet
	for !seg.done() {
		pk, ok := seg.next(-1)
		if !ok {
			break
		}
		out = append(out, pk)
	}
	return out
}

func TestSegmenterPacketSizes(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		size      int
		done      int
		wantSizes []int
		wantFirst int
	}{
		{name: "fresh", total: 250, size: 100, done: 0, wantSizes: []int{100, 100, 50}, wantFirst: 1},
		{name: "resume on boundary", total: 250, size: 100, done: 100, wantSizes: []int{100, 50}, wantFirst: 2},
		{name: "resume mid packet", total: 250, size: 100, done: 130, wantSizes: []int{100, 20}, wantFirst: 2},
		{name: "exact multiple", total: 200, size: 100, done: 0, wantSizes: []int{100, 100}, wantFirst: 1},
		{name: "single short packet", total: 7, size: 100, done: 0, wantSizes: []int{7}, wantFirst: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seg := newPacketSegmenter(newSliceSource(tt.total, 10), tt.size, tt.done, tt.total)
			pks := collectPackets(seg)
			if len(pks) != len(tt.wantSizes) {
				t.Fatalf("got %d packets, want %d", len(pks), len(tt.wantSizes))
			}
			for i, pk := range pks {
				if pk.size() != tt.wantSizes[i] {
					t.Errorf("packet %d: size %d, want %d", i, pk.size(), tt.wantSizes[i])
				}
				if pk.index != tt.wantFirst+i {
					t.Errorf("packet %d: index %d, want %d", i, pk.index, tt.wantFirst+i)
				}
				if pk.total != tt.wantFirst+len(tt.wantSizes)-1 {
					t.Errorf("packet %d: total %d, want %d", i, pk.total, tt.wantFirst+len(tt.wantSizes)-1)
				}
			}
			first := pks[0].seqs[0].id
			if want := fmt.Sprintf("read_%d", tt.done+1); first != want {
				t.Errorf("first read %s, want %s", first, want)
			}
		})
	}
}

func TestSegmenterNothingLeft(t *testing.T) {
	seg := newPacketSegmenter(newSliceSource(50, 10), 20, 50, 50)
	if !seg.done() {
		t.Fatal("segmenter with every read done should be done")
	}
	if seg.remaining() != 0 {
		t.Fatalf("remaining = %d, want 0", seg.remaining())
	}
	if pk, ok := seg.next(-1); ok {
		t.Fatalf("unexpected packet %d", pk.index)
	}
}

func TestSegmenterCap(t *testing.T) {
	seg := newPacketSegmenter(newSliceSource(50, 10), 20, 0, 50)
	pk, ok := seg.next(5)
	if !ok || pk.size() != 5 {
		t.Fatalf("capped packet: ok=%v size=%d, want 5", ok, pk.size())
	}
	if seg.remaining() != 45 {
		t.Fatalf("remaining = %d, want 45", seg.remaining())
	}
	if _, ok := seg.next(0); ok {
		t.Fatal("next(0) should yield nothing")
	}
	pk, ok = seg.next(-1)
	if !ok || pk.size() != 20 || pk.seqs[0].id != "read_6" {
		t.Fatalf("uncapped packet: ok=%v size=%d", ok, pk.size())
	}
}

func TestPacketHalve(t *testing.T) {
	pk := &packet{index: 3, total: 5, seqs: []seqRecord{
		{id: "a", seq: []byte(testSeq(0, 400)), qual: make([]byte, 400)},
		{id: "b", seq: []byte(testSeq(1, 150))},
	}}
	half, ok := pk.halve(50)
	if !ok {
		t.Fatal("halve refused a packet above the floor")
	}
	if half.index != 3 || half.total != 5 {
		t.Fatalf("halved packet numbering %d/%d, want 3/5", half.index, half.total)
	}
	if len(half.seqs[0].seq) != 200 || len(half.seqs[0].qual) != 200 || len(half.seqs[1].seq) != 75 {
		t.Fatalf("halved lengths %d/%d/%d", len(half.seqs[0].seq), len(half.seqs[0].qual), len(half.seqs[1].seq))
	}
	if string(half.seqs[0].seq) != string(pk.seqs[0].seq[:200]) {
		t.Fatal("halve must keep the leading half of the read")
	}

	short := &packet{seqs: []seqRecord{{id: "c", seq: []byte(testSeq(0, 90))}}}
	if _, ok := short.halve(50); ok {
		t.Fatal("halve below the floor should be refused")
	}
}

func TestPacketFasta(t *testing.T) {
	pk := &packet{seqs: []seqRecord{{id: "r1", seq: []byte("ACGT")}, {id: "r2", seq: []byte("GG")}}}
	if got, want := pk.fasta(), ">r1\nACGT\n>r2\nGG\n"; got != want {
		t.Fatalf("fasta = %q, want %q", got, want)
	}
	if pk.totalLen() != 6 || pk.maxLen() != 4 {
		t.Fatalf("totalLen=%d maxLen=%d", pk.totalLen(), pk.maxLen())
	}
}
