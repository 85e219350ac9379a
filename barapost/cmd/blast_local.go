package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const localDBName = "local_seq_set.fasta"

// localAligner runs BLAST+ blastn against a local database.
type localAligner struct {
	blastn  string
	db      string
	task    string
	threads int
	workDir string
}

func newLocalAligner(blastn, db string, cfg runConfig, resdir string) *localAligner {
	return &localAligner{
		blastn:  blastn,
		db:      db,
		task:    cfg.Algorithm.task(),
		threads: cfg.Threads,
		workDir: resdir,
	}
}

func (a *localAligner) Align(ctx context.Context, pk *packet, onSubmit func(string) error) (*blastReport, error) {
	if onSubmit != nil {
		if err := onSubmit(noRequestID); err != nil {
			return nil, err
		}
	}
	query, err := os.CreateTemp(a.workDir, "query-*.fasta")
	if err != nil {
		return nil, fmt.Errorf("create query file: %w", err)
	}
	queryPath := query.Name()
	defer func() {
		_ = os.Remove(queryPath)
	}()
	if _, err := query.WriteString(pk.fasta()); err != nil {
		_ = query.Close()
		return nil, fmt.Errorf("write query file: %w", err)
	}
	if err := query.Close(); err != nil {
		return nil, fmt.Errorf("close query file: %w", err)
	}

	args := []string{
		"-task", a.task,
		"-db", a.db,
		"-query", queryPath,
		"-outfmt", "15",
		"-max_target_seqs", "1",
		"-max_hsps", "1",
	}
	if a.threads > 1 {
		args = append(args, "-num_threads", fmt.Sprint(a.threads))
	}
	cmd := exec.CommandContext(ctx, a.blastn, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("blastn packet %d: %w: %s", pk.index, err, strings.TrimSpace(stderr.String()))
	}
	rep, err := parseReport(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("blastn packet %d: %w", pk.index, err)
	}
	return rep, nil
}

// Resume always reports expiry: a local search leaves nothing to fetch.
func (a *localAligner) Resume(context.Context, *packet, string) (*blastReport, error) {
	return nil, errExpired
}

type blastTools struct {
	blastn      string
	makeblastdb string
}

func findBlastTools() (blastTools, error) {
	var tools blastTools
	var err error
	if tools.blastn, err = exec.LookPath("blastn"); err != nil {
		return tools, fmt.Errorf("blastn not found in PATH: %w", err)
	}
	if tools.makeblastdb, err = exec.LookPath("makeblastdb"); err != nil {
		return tools, fmt.Errorf("makeblastdb not found in PATH: %w", err)
	}
	return tools, nil
}

// ensureLocalDB builds a nucleotide database in dbDir from the given FASTA
// files unless one is already there. It returns the database path.
func ensureLocalDB(ctx context.Context, makeblastdb, dbDir string, fastas []string) (string, error) {
	dbPath := filepath.Join(dbDir, localDBName)
	if existing, _ := filepath.Glob(dbPath + ".n*"); len(existing) > 0 {
		logf("Using local database %s", dbPath)
		return dbPath, nil
	}
	if len(fastas) == 0 {
		return "", errors.New("no local database and no FASTA files to build one")
	}
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return "", fmt.Errorf("create database dir: %w", err)
	}
	if err := concatFasta(dbPath, fastas); err != nil {
		return "", err
	}

	logf("Building local database %s from %d file(s)", dbPath, len(fastas))
	cmd := exec.CommandContext(ctx, makeblastdb, "-in", dbPath, "-parse_seqids", "-dbtype", "nucl", "-out", dbPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("makeblastdb: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return dbPath, nil
}

func concatFasta(dest string, sources []string) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	defer func() {
		_ = out.Close()
	}()
	w := bufio.NewWriterSize(out, writerBufferSize)
	for _, src := range sources {
		in, err := openInput(src)
		if err != nil {
			return fmt.Errorf("open %s: %w", src, err)
		}
		_, err = io.Copy(w, in)
		_ = in.Close()
		if err != nil {
			return fmt.Errorf("copy %s: %w", src, err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fmt.Errorf("write %s: %w", dest, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", dest, err)
	}
	return out.Close()
}
