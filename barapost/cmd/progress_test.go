package cmd

import (
	"bytes"
	"testing"
)

func TestProgressOptOut(t *testing.T) {
	p := newProgress(10, "reads.fasta", false)
	if p.bar != nil {
		t.Fatal("disabled progress must not create a bar")
	}
	p.add(3)
	p.finish()

	if w := newWaitIndicator(nil, "waiting", 0, true); w.bar != nil {
		t.Fatal("nothing to wait for, no bar expected")
	}
}

func TestWaitIndicatorCountsDown(t *testing.T) {
	var buf bytes.Buffer
	w := newWaitIndicator(&buf, "RID-1", 3, true)
	if w.bar == nil {
		t.Fatal("enabled indicator has no bar")
	}
	for i := 0; i < 3; i++ {
		w.tick()
	}
	if got := w.bar.State().CurrentNum; got != 3 {
		t.Fatalf("ticks = %d, want 3", got)
	}
	w.done()
}
