package cmd

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"runtime"

	"golang.org/x/sync/errgroup"
)

const (
	defaultBufferSize = 1 << 20
	defaultBatchLines = 4096
)

// scanOptions controls scanTSV.
type scanOptions struct {
	Workers    int
	BatchLines int
	Progress   *progress
}

// tsvRow is one line split on tabs. Line numbers start at 1.
type tsvRow struct {
	line   int64
	fields [][]byte
}

type tsvBatch struct {
	first int64
	lines [][]byte
}

// scanTSV splits lines of r into fields on Workers goroutines and hands the
// rows of every batch to onBatch, one batch at a time. Batches may arrive out
// of file order.
func scanTSV(ctx context.Context, r io.Reader, opts scanOptions, onBatch func([]tsvRow) error) error {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.BatchLines <= 0 {
		opts.BatchLines = defaultBatchLines
	}

	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan tsvBatch, opts.Workers*2)
	results := make(chan []tsvRow, opts.Workers*2)

	g.Go(func() error {
		defer close(batches)
		return readLineBatches(gctx, r, opts.BatchLines, batches)
	})

	workers, wctx := errgroup.WithContext(gctx)
	for i := 0; i < opts.Workers; i++ {
		workers.Go(func() error {
			for b := range batches {
				rows := make([]tsvRow, len(b.lines))
				for j, line := range b.lines {
					rows[j] = tsvRow{line: b.first + int64(j), fields: bytes.Split(line, []byte{'\t'})}
				}
				select {
				case results <- rows:
				case <-wctx.Done():
					return wctx.Err()
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(results)
		return workers.Wait()
	})

	g.Go(func() error {
		for rows := range results {
			if err := onBatch(rows); err != nil {
				return err
			}
			if opts.Progress != nil {
				opts.Progress.add(len(rows))
			}
		}
		return nil
	})
	return g.Wait()
}

func readLineBatches(ctx context.Context, r io.Reader, size int, out chan<- tsvBatch) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, defaultBufferSize)
	scanner.Buffer(buf, 50*defaultBufferSize)

	var lineNo int64
	batch := tsvBatch{first: 1, lines: make([][]byte, 0, size)}
	send := func() error {
		if len(batch.lines) == 0 {
			return nil
		}
		select {
		case out <- batch:
		case <-ctx.Done():
			return ctx.Err()
		}
		batch = tsvBatch{first: lineNo + 1, lines: make([][]byte, 0, size)}
		return nil
	}
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSuffix(scanner.Bytes(), []byte{'\r'})
		batch.lines = append(batch.lines, append([]byte(nil), line...))
		if len(batch.lines) == size {
			if err := send(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return send()
}
