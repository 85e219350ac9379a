package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultPollInterval = 60 * time.Second
	defaultMinQueryLen  = 50
)

// aligner classifies one packet. onSubmit runs after every accepted
// submission with the request id, before waiting for the answer.
type aligner interface {
	Align(ctx context.Context, pk *packet, onSubmit func(rid string) error) (*blastReport, error)
	Resume(ctx context.Context, pk *packet, rid string) (*blastReport, error)
}

type remoteAligner struct {
	svc          blastService
	pollInterval time.Duration
	minQueryLen  int
	sleep        func(context.Context, time.Duration) error
	textDir      string
	progress     bool
}

func newRemoteAligner(svc blastService, cfg runConfig, resdir string) *remoteAligner {
	a := &remoteAligner{
		svc:          svc,
		pollInterval: cfg.PollInterval,
		minQueryLen:  cfg.MinQueryLen,
		sleep:        sleepContext,
		progress:     cfg.Progress,
	}
	if cfg.SaveText {
		a.textDir = resdir
	}
	return a
}

func (a *remoteAligner) Align(ctx context.Context, pk *packet, onSubmit func(string) error) (*blastReport, error) {
	cur := pk
	for {
		rid, rtoe, err := a.svc.Submit(ctx, cur.fasta())
		if errors.Is(err, errOversized) {
			next, ok := a.shrink(cur)
			if !ok {
				return lostReport(lostTooLong), nil
			}
			cur = next
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("submit packet %d: %w", pk.index, err)
		}
		logf("Packet %d/%d submitted, request id %s", pk.index, pk.total, rid)
		if onSubmit != nil {
			if err := onSubmit(rid); err != nil {
				return nil, err
			}
		}

		rep, err := a.wait(ctx, cur, rid, rtoe)
		switch {
		case errors.Is(err, errOversized):
			next, ok := a.shrink(cur)
			if !ok {
				return lostReport(lostTooLong), nil
			}
			cur = next
		case errors.Is(err, errExpired):
			logf("Request %s expired, submitting packet %d again", rid, pk.index)
		default:
			return rep, err
		}
	}
}

// Resume waits for a request sent by a previous run.
func (a *remoteAligner) Resume(ctx context.Context, pk *packet, rid string) (*blastReport, error) {
	logf("Requesting results of request %s for packet %d/%d", rid, pk.index, pk.total)
	return a.wait(ctx, pk, rid, 0)
}

func (a *remoteAligner) shrink(pk *packet) (*packet, bool) {
	next, ok := pk.halve(a.minQueryLen)
	if !ok {
		logf("Packet %d: reads are shorter than %d nt after halving, marking them lost", pk.index, a.minQueryLen)
		return nil, false
	}
	logf("Packet %d is too large for the remote service, halving reads to at most %d nt", pk.index, next.maxLen())
	return next, true
}

func (a *remoteAligner) wait(ctx context.Context, pk *packet, rid string, rtoe int) (*blastReport, error) {
	if rtoe > 0 {
		logf("Request %s: estimated completion in %d s", rid, rtoe)
		if err := a.pause(ctx, time.Duration(rtoe)*time.Second, "waiting"); err != nil {
			return nil, err
		}
	}
	for {
		st, err := a.svc.Poll(ctx, rid)
		if err != nil {
			return nil, fmt.Errorf("poll %s: %w", rid, err)
		}
		switch st {
		case pollWaiting:
			if err := a.pause(ctx, a.pollInterval, "polling "+rid); err != nil {
				return nil, err
			}
		case pollReadyNoHits:
			return &blastReport{noHits: true}, nil
		case pollFailed:
			logf("Request %s failed, %d queries lost", rid, pk.size())
			return lostReport(lostBlastError), nil
		case pollExpired:
			return nil, errExpired
		case pollReady:
			return a.retrieve(ctx, pk, rid)
		}
	}
}

func (a *remoteAligner) retrieve(ctx context.Context, pk *packet, rid string) (*blastReport, error) {
	body, err := a.svc.Retrieve(ctx, rid)
	if errors.Is(err, errBadGateway) {
		logf("Bad gateway while retrieving %s, %d queries lost", rid, pk.size())
		return lostReport(lostBadGateway), nil
	}
	if err != nil {
		return nil, err
	}
	rep, err := parseReport(body)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", rid, err)
	}
	if a.textDir != "" {
		text, err := a.svc.RetrieveText(ctx, rid)
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nil {
			path := filepath.Join(a.textDir, fmt.Sprintf("blast_result_%d.txt", pk.index))
			if err := os.WriteFile(path, text, 0o644); err != nil {
				return nil, fmt.Errorf("write %s: %w", path, err)
			}
		}
	}
	return rep, nil
}

// pause sleeps for d, ticking a progress indicator once a second.
func (a *remoteAligner) pause(ctx context.Context, d time.Duration, desc string) error {
	seconds := int(d / time.Second)
	if !a.progress || seconds <= 1 {
		return a.sleep(ctx, d)
	}
	w := newWaitIndicator(nil, desc, seconds, true)
	defer w.done()
	for i := 0; i < seconds; i++ {
		if err := a.sleep(ctx, time.Second); err != nil {
			return err
		}
		w.tick()
	}
	return nil
}
