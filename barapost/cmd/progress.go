package cmd

import (
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

// newBar renders desc followed by a count of total on w. Without a known
// total it spins instead.
func newBar(w io.Writer, total int, desc string, width int, throttle time.Duration) *progressbar.ProgressBar {
	opts := []progressbar.Option{
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionThrottle(throttle),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionShowCount(),
	}
	if total <= 0 {
		return progressbar.NewOptions(-1, append(opts, progressbar.OptionSpinnerType(14))...)
	}
	opts = append(opts,
		progressbar.OptionSetWidth(width),
		progressbar.OptionSetPredictTime(true),
	)
	return progressbar.NewOptions(total, opts...)
}

// progress counts reads of one file on stderr. A disabled progress, used
// when several workers share the terminal or with -progress=false, drops
// every update.
type progress struct {
	bar *progressbar.ProgressBar
}

func newProgress(total int, desc string, enabled bool) *progress {
	if !enabled {
		return &progress{}
	}
	return &progress{bar: newBar(os.Stderr, total, desc, 30, 250*time.Millisecond)}
}

func (p *progress) add(n int) {
	if p.bar != nil {
		_ = p.bar.Add(n)
	}
}

func (p *progress) finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

// waitIndicator counts down the seconds of a pending remote request.
type waitIndicator struct {
	bar *progressbar.ProgressBar
}

func newWaitIndicator(w io.Writer, desc string, seconds int, enabled bool) *waitIndicator {
	if !enabled || seconds <= 0 {
		return &waitIndicator{}
	}
	if w == nil {
		w = os.Stderr
	}
	return &waitIndicator{bar: newBar(w, seconds, desc, 20, time.Second)}
}

func (w *waitIndicator) tick() {
	if w.bar != nil {
		_ = w.bar.Add(1)
	}
}

func (w *waitIndicator) done() {
	if w.bar != nil {
		_ = w.bar.Finish()
	}
}
