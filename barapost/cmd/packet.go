package cmd

import (
	"strings"
)

type seqSource interface {
	next() (seqRecord, bool)
	err() error
}

// packet is one alignment request: a slice of consecutive reads of a file.
type packet struct {
	index int
	total int
	seqs  []seqRecord
}

func (p *packet) fasta() string {
	var b strings.Builder
	for _, s := range p.seqs {
		b.WriteByte('>')
		b.WriteString(s.id)
		b.WriteByte('\n')
		b.Write(s.seq)
		b.WriteByte('\n')
	}
	return b.String()
}

func (p *packet) size() int {
	return len(p.seqs)
}

func (p *packet) maxLen() int {
	var n int
	for _, s := range p.seqs {
		if len(s.seq) > n {
			n = len(s.seq)
		}
	}
	return n
}

func (p *packet) totalLen() int {
	var n int
	for _, s := range p.seqs {
		n += len(s.seq)
	}
	return n
}

// halve keeps the 5' half of every read. It reports false when the longest
// read would drop below minLen.
func (p *packet) halve(minLen int) (*packet, bool) {
	if p.maxLen()/2 < minLen {
		return nil, false
	}
	out := &packet{index: p.index, total: p.total, seqs: make([]seqRecord, len(p.seqs))}
	for i, s := range p.seqs {
		n := len(s.seq) / 2
		h := seqRecord{id: s.id, seq: s.seq[:n]}
		if s.qual != nil {
			h.qual = s.qual[:n]
		}
		out.seqs[i] = h
	}
	return out, true
}

// packetSegmenter cuts a read stream into packets of at most size reads,
// after skipping the reads a previous run already classified.
type packetSegmenter struct {
	src     seqSource
	size    int
	skip    int
	limit   int
	read    int
	index   int
	total   int
	skipped bool
}

// newPacketSegmenter skips done reads of src and then yields packets until
// limit reads (counted from the start of the file) have been read.
func newPacketSegmenter(src seqSource, size, done, limit int) *packetSegmenter {
	s := &packetSegmenter{
		src:   src,
		size:  size,
		skip:  done,
		limit: limit,
		index: done / size,
	}
	if done < limit {
		s.total = s.index + (limit-done+size-1)/size
	} else {
		s.total = s.index
	}
	return s
}

// done reports whether no packet is left to yield.
func (s *packetSegmenter) done() bool {
	return s.skip >= s.limit || (s.skipped && s.read >= s.limit)
}

// remaining returns how many reads are still to be yielded.
func (s *packetSegmenter) remaining() int {
	read := s.read
	if !s.skipped {
		read = s.skip
	}
	if read >= s.limit {
		return 0
	}
	return s.limit - read
}

// next returns the following packet holding at most min(size, upTo) reads.
// A negative upTo leaves the packet size uncapped.
func (s *packetSegmenter) next(upTo int) (*packet, bool) {
	if !s.skipped {
		s.skipped = true
		for s.read < s.skip {
			if _, ok := s.src.next(); !ok {
				return nil, false
			}
			s.read++
		}
	}
	n := s.size
	if upTo >= 0 && upTo < n {
		n = upTo
	}
	if n == 0 || s.read >= s.limit {
		return nil, false
	}
	pk := &packet{index: s.index + 1, total: s.total, seqs: make([]seqRecord, 0, n)}
	for len(pk.seqs) < n && s.read < s.limit {
		rec, ok := s.src.next()
		if !ok {
			break
		}
		s.read++
		pk.seqs = append(pk.seqs, rec)
	}
	if len(pk.seqs) == 0 {
		return nil, false
	}
	s.index++
	return pk, true
}

func (s *packetSegmenter) err() error {
	return s.src.err()
}
