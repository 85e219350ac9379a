package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"
)

func runProbe(args []string) {
	runClassification("probe", args, false)
}

func runLocal(args []string) {
	runClassification("local", args, true)
}

func runClassification(name string, args []string, local bool) {
	fs := newClassifyFlagSet(name, local)
	if err := fs.parse(args); err != nil {
		usagef(fs.set, "%v", err)
	}

	cfg, err := fs.config()
	if err != nil {
		fatalf("%v", err)
	}
	files, err := collectInputs(fs.set.Args(), *fs.inDir)
	if err != nil {
		fatalf("%v", err)
	}
	if len(files) == 0 {
		usagef(fs.set, "no input files: pass FASTA/FASTQ paths or -d")
	}
	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		fatalf("create output dir: %v", err)
	}
	if logPath, err := openLogFile(cfg.OutDir, "barapost"); err != nil {
		fatalf("%v", err)
	} else {
		defer closeLogFile()
		logf("Log file: %s", logPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var newAligner func(string) aligner
	if local {
		tools, err := findBlastTools()
		if err != nil {
			fatalf("%v", err)
		}
		db, err := prepareLocalDB(ctx, tools, cfg, *fs.dbDir, splitList(*fs.localFastas))
		if err != nil {
			fatalf("%v", err)
		}
		newAligner = func(resdir string) aligner {
			return newLocalAligner(tools.blastn, db, cfg, resdir)
		}
	} else {
		svc := newNCBIClient(cfg.BlastURL, searchParams{
			algorithm: cfg.Algorithm,
			database:  cfg.Database,
			organisms: cfg.Organisms,
			email:     cfg.Email,
			tool:      cfg.Tool,
		}, filepath.Join(cfg.OutDir, denialFileName))
		svc.retryDelay = cfg.RetryDelay
		newAligner = func(resdir string) aligner {
			return newRemoteAligner(svc, cfg, resdir)
		}
	}

	rc := newRunContext(cfg, newAligner, promptResume)
	logf("Run %s: %d file(s), packet size %d, batch quota %s, algorithm %s",
		rc.id, len(files), cfg.PacketSize, formatQuota(cfg.Quota), cfg.Algorithm.program())

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		n := 0
		for range sigs {
			n++
			if n == 1 {
				logf("Interrupted: stopping after the current packet. Interrupt again to abort now")
				rc.stop()
				continue
			}
			cancel()
			return
		}
	}()

	err = classifyFiles(ctx, rc, files)
	filesDone, packets, reads := rc.counters.snapshot()
	logf("Run %s: %d file(s) finished, %d packet(s), %d read(s) classified", rc.id, filesDone, packets, reads)
	logTopHits(rc.ledger, 10)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logf("Aborted")
			closeLogFile()
			os.Exit(1)
		}
		fatalf("%v", err)
	}
}

func prepareLocalDB(ctx context.Context, tools blastTools, cfg runConfig, dbDir string, fastas []string) (string, error) {
	if dbDir == "" {
		dbDir = filepath.Join(cfg.OutDir, "local_database")
	}
	registry := filepath.Join(cfg.OutDir, registryName)
	if pathExists(registry) {
		_, paths, err := readRegistry(registry)
		if err != nil {
			return "", err
		}
		fastas = appendUnique(fastas, paths...)
	}
	return ensureLocalDB(ctx, tools.makeblastdb, dbDir, fastas)
}

// classifyFiles hands files to cfg.Workers workers round-robin in sorted order.
// The accession registry is read once, before any file can rewrite it.
func classifyFiles(ctx context.Context, rc *runContext, files []string) error {
	if err := rc.ledger.Load(); err != nil {
		return err
	}
	workers := rc.cfg.Workers
	if workers > len(files) {
		workers = len(files)
	}
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		var own []string
		for i := w; i < len(files); i += workers {
			own = append(own, files[i])
		}
		g.Go(func() error {
			for _, path := range own {
				if rc.stopped() {
					return nil
				}
				if err := classifyFile(gctx, rc, path); err != nil {
					return fmt.Errorf("%s: %w", filepath.Base(path), err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// classifyFile runs one input file through discovery, recovery and the
// packet loop.
func classifyFile(ctx context.Context, rc *runContext, path string) error {
	cfg := rc.cfg
	resdir := filepath.Join(cfg.OutDir, fileHname(path))
	tsvPath := filepath.Join(resdir, classificationFileName)
	statePath := filepath.Join(resdir, submissionFileName)

	count, err := countSeqs(path)
	if err != nil {
		return err
	}
	logf("%s: %d sequences", filepath.Base(path), count)
	if err := os.MkdirAll(resdir, 0o755); err != nil {
		return fmt.Errorf("create result dir: %w", err)
	}

	rec, err := rc.recoverer.lookAround(resdir, count)
	if err != nil {
		return err
	}
	if rec.outcome == recoveryResume {
		logf("%s: resuming after %d classified read(s), last one %q", filepath.Base(path), rec.nDone, rec.lastID)
	}

	nDone := rec.nDone
	rc.quota.account(nDone)
	if nDone == count {
		logf("%s: already classified", filepath.Base(path))
		rc.counters.addFile()
		return removeSubmissionState(statePath)
	}
	if rc.quota.exhausted() {
		logf("%s: batch quota reached, skipping", filepath.Base(path))
		rc.stop()
		return nil
	}

	src, err := openSeqReader(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
	}()

	seg := newPacketSegmenter(src, cfg.PacketSize, nDone, count)
	al := rc.newAligner(resdir)
	state := rec.state
	bar := newProgress(count-nDone, filepath.Base(path), cfg.Progress && cfg.Workers == 1)
	defer bar.finish()

	for !seg.done() {
		if rc.stopped() {
			return nil
		}
		want := seg.remaining()
		if want > cfg.PacketSize {
			want = cfg.PacketSize
		}
		granted := rc.quota.reserve(want)
		if granted == 0 {
			logf("%s: batch quota reached", filepath.Base(path))
			rc.stop()
			return removeSubmissionState(statePath)
		}
		pk, ok := seg.next(granted)
		if !ok {
			rc.quota.refund(granted)
			break
		}
		rc.quota.refund(granted - pk.size())

		rep, err := alignPacket(ctx, al, pk, state, func(rid string) error {
			return writeSubmissionState(statePath, submissionState{
				packetSize: cfg.PacketSize,
				sentPacket: pk.index,
				requestID:  rid,
				reads:      pk.size(),
				firstID:    pk.seqs[0].id,
			})
		})
		state = nil
		if err != nil {
			return err
		}

		recs, delta := buildRecords(pk, rep)
		if err := appendRecords(tsvPath, recs); err != nil {
			return err
		}
		rc.ledger.Merge(delta)
		if err := rc.ledger.WriteFile(); err != nil {
			return err
		}
		packets, total := rc.counters.addPacket(len(recs))
		bar.add(len(recs))
		logf("%s: packet %d/%d done, %d read(s) (run total: %d packets, %d reads)",
			filepath.Base(path), pk.index, pk.total, len(recs), packets, total)
	}
	if err := seg.err(); err != nil {
		return err
	}

	rc.counters.addFile()
	logf("%s: done", filepath.Base(path))
	return removeSubmissionState(statePath)
}

// alignPacket fetches the answer of a request sent by a previous run when it
// covers exactly the reads of pk, and submits pk otherwise.
func alignPacket(ctx context.Context, al aligner, pk *packet, state *submissionState, onSubmit func(string) error) (*blastReport, error) {
	if state.live() && !state.covers(pk) {
		logf("Request %s does not cover packet %d (%d read(s) from %s), submitting it again", state.requestID, pk.index, pk.size(), pk.seqs[0].id)
	}
	if state.covers(pk) {
		rep, err := al.Resume(ctx, pk, state.requestID)
		if err == nil {
			return rep, nil
		}
		if !errors.Is(err, errExpired) && !errors.Is(err, errOversized) {
			return nil, err
		}
		logf("Request %s cannot be retrieved (%v), submitting packet %d again", state.requestID, err, pk.index)
	}
	return al.Align(ctx, pk, onSubmit)
}

// promptResume asks on the terminal whether to continue a previous run.
func promptResume(resdir string, nDone int) (bool, error) {
	unlock := stdConsole.lock()
	defer unlock()
	fmt.Fprintf(os.Stderr, "Previous run found in %s (%d read(s) classified).\n", resdir, nDone)
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "Continue it [c] or start over [r]? ")
		line, err := reader.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "", "c", "continue":
			return true, nil
		case "r", "restart":
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("read answer: %w", err)
		}
	}
}

func logTopHits(l *ledger, limit int) {
	rows := l.sorted()
	if len(rows) == 0 {
		return
	}
	logf("Top hits:")
	for i, r := range rows {
		if i == limit {
			logf("  ... %d more in %s", len(rows)-limit, l.path)
			break
		}
		logf("  %d - %s, %s", r.count, r.accession, r.description)
	}
}

func formatQuota(n int) string {
	if n == quotaAll {
		return "all"
	}
	return fmt.Sprint(n)
}
