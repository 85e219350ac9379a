package cmd

import (
	"fmt"
	"io"
	"math"

	"github.com/biogo/biogo/alphabet"
	"github.com/biogo/biogo/io/seqio"
	"github.com/biogo/biogo/io/seqio/fasta"
	"github.com/biogo/biogo/io/seqio/fastq"
	"github.com/biogo/biogo/seq/linear"
)

// seqRecord is one read. qual holds Phred values and is nil for FASTA input.
type seqRecord struct {
	id   string
	desc string
	seq  []byte
	qual []byte
}

// avgQuality returns the mean Phred33 score of the read rounded to 2 places.
func (r seqRecord) avgQuality() (float64, bool) {
	if len(r.qual) == 0 {
		return 0, false
	}
	var sum int
	for _, q := range r.qual {
		sum += int(q)
	}
	return round2(float64(sum) / float64(len(r.qual))), true
}

// accuracy converts an average Phred score to the expected percent of
// correctly called bases.
func accuracy(phred float64) float64 {
	miscall := math.Round(math.Pow(10, phred/-10)*1000) / 1000
	return round2(100 * (1 - miscall))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

type seqReader struct {
	in    io.ReadCloser
	sc    *seqio.Scanner
	fastq bool
}

func openSeqReader(path string) (*seqReader, error) {
	in, err := openInput(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return newSeqReader(in, isFastq(path)), nil
}

func newSeqReader(in io.ReadCloser, isFastq bool) *seqReader {
	var r seqio.Reader
	if isFastq {
		r = fastq.NewReader(in, linear.NewQSeq("", nil, alphabet.DNA, alphabet.Sanger))
	} else {
		r = fasta.NewReader(in, linear.NewSeq("", nil, alphabet.DNA))
	}
	return &seqReader{in: in, sc: seqio.NewScanner(r), fastq: isFastq}
}

func (r *seqReader) next() (seqRecord, bool) {
	if !r.sc.Next() {
		return seqRecord{}, false
	}
	switch s := r.sc.Seq().(type) {
	case *linear.QSeq:
		rec := seqRecord{
			id:   s.ID,
			desc: s.Desc,
			seq:  make([]byte, len(s.Seq)),
			qual: make([]byte, len(s.Seq)),
		}
		for i, ql := range s.Seq {
			rec.seq[i] = byte(ql.L)
			rec.qual[i] = byte(ql.Q)
		}
		return rec, true
	case *linear.Seq:
		rec := seqRecord{id: s.ID, desc: s.Desc, seq: make([]byte, len(s.Seq))}
		for i, l := range s.Seq {
			rec.seq[i] = byte(l)
		}
		return rec, true
	default:
		return seqRecord{}, false
	}
}

func (r *seqReader) err() error {
	if err := r.sc.Error(); err != nil {
		return fmt.Errorf("read sequences: %w", err)
	}
	return nil
}

func (r *seqReader) Close() error {
	return r.in.Close()
}

func forEachSeq(path string, fn func(seqRecord) error) error {
	r, err := openSeqReader(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = r.Close()
	}()
	for {
		rec, ok := r.next()
		if !ok {
			break
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return r.err()
}

func countSeqs(path string) (int, error) {
	var n int
	err := forEachSeq(path, func(seqRecord) error {
		n++
		return nil
	})
	return n, err
}
