package cmd

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

type resumePolicy int

const (
	resumeContinue resumePolicy = iota
	resumeRestart
	resumeAsk
)

func parseResumePolicy(s string) (resumePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "continue", "c":
		return resumeContinue, nil
	case "restart", "r":
		return resumeRestart, nil
	case "ask":
		return resumeAsk, nil
	default:
		return 0, fmt.Errorf("unknown resume policy %q (want continue, restart or ask)", s)
	}
}

type recoveryOutcome int

const (
	recoveryFresh recoveryOutcome = iota
	recoveryResume
	recoveryRestart
)

func (o recoveryOutcome) String() string {
	switch o {
	case recoveryResume:
		return "resume"
	case recoveryRestart:
		return "restart"
	default:
		return "fresh"
	}
}

// recovery is what a previous run left behind for one input file.
type recovery struct {
	outcome recoveryOutcome
	nDone   int
	lastID  string
	state   *submissionState
}

// recoverer inspects result directories before their files are classified.
// ask is consulted under resumeAsk and returns true to continue.
type recoverer struct {
	policy     resumePolicy
	ask        func(resdir string, nDone int) (bool, error)
	packetSize int
}

// lookAround decides how the file behind resdir, holding total sequences,
// continues. A table with more rows than the file has sequences belongs to
// another file and is treated as corrupt.
func (r *recoverer) lookAround(resdir string, total int) (recovery, error) {
	tsvPath := filepath.Join(resdir, classificationFileName)
	statePath := filepath.Join(resdir, submissionFileName)
	if !pathExists(tsvPath) && !pathExists(statePath) {
		return recovery{outcome: recoveryFresh}, nil
	}

	nDone, lastID, err := countCommitted(tsvPath)
	if err == nil && nDone > total {
		err = fmt.Errorf("%w: %s has %d rows but the file holds %d sequences", errCorruptState, tsvPath, nDone, total)
	}
	if err != nil {
		if !errors.Is(err, errCorruptState) {
			return recovery{}, err
		}
		logf("WARNING: %v; archiving results of %s and starting over", err, resdir)
		if err := r.archive(resdir); err != nil {
			return recovery{}, err
		}
		return recovery{outcome: recoveryRestart}, nil
	}

	cont := r.policy == resumeContinue
	if r.policy == resumeAsk {
		if r.ask == nil {
			return recovery{}, errors.New("resume policy is ask but no prompt is available")
		}
		if cont, err = r.ask(resdir, nDone); err != nil {
			return recovery{}, err
		}
	}
	if !cont {
		if err := r.archive(resdir); err != nil {
			return recovery{}, err
		}
		return recovery{outcome: recoveryRestart}, nil
	}

	rec := recovery{outcome: recoveryResume, nDone: nDone, lastID: lastID}
	if !pathExists(statePath) {
		return rec, nil
	}
	state, err := readSubmissionState(statePath)
	switch {
	case errors.Is(err, errCorruptState):
		logf("WARNING: %v; resuming %s from read %d", err, resdir, nDone)
		if _, err := archiveFile(statePath); err != nil {
			return recovery{}, err
		}
	case err != nil:
		return recovery{}, fmt.Errorf("read submission state: %w", err)
	case r.packetSize > 0 && state.packetSize != r.packetSize:
		logf("Packet size changed from %d to %d for %s, previous request is not reused", state.packetSize, r.packetSize, resdir)
	default:
		rec.state = state
	}
	return rec, nil
}

// archive renames the table and submission state of the previous run with an
// _old_<N> suffix. The accession registry is shared by every file of the
// output directory and stays in place.
func (r *recoverer) archive(resdir string) error {
	for _, p := range []string{
		filepath.Join(resdir, classificationFileName),
		filepath.Join(resdir, submissionFileName),
	} {
		dest, err := archiveFile(p)
		if err != nil {
			return err
		}
		if dest != "" {
			logf("Archived %s -> %s", p, filepath.Base(dest))
		}
	}
	return nil
}

// countCommitted returns the number of rows and the last query id of a
// classification table. A trailing line without newline was never committed
// and is cut off the file.
func countCommitted(path string) (int, string, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return 0, "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return 0, "", nil
	}
	if err := truncatePartialLine(f, info.Size()); err != nil {
		return 0, "", fmt.Errorf("truncate %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, "", fmt.Errorf("seek %s: %w", path, err)
	}

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 10*1024*1024)
	var (
		lineNo int
		n      int
		lastID string
	)
	header := strings.Join(classificationHeader, "\t")
	for scanner.Scan() {
		lineNo++
		text := scanner.Text()
		if lineNo == 1 {
			if text != header {
				return 0, "", fmt.Errorf("%w: %s: missing header", errCorruptState, path)
			}
			continue
		}
		if text == "" {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) != classifyColumns {
			return 0, "", fmt.Errorf("%w: %s:%d: expected %d columns, got %d", errCorruptState, path, lineNo, classifyColumns, len(fields))
		}
		n++
		lastID = fields[0]
	}
	if err := scanner.Err(); err != nil {
		return 0, "", fmt.Errorf("scan %s: %w", path, err)
	}
	return n, lastID, nil
}

func truncatePartialLine(f *os.File, size int64) error {
	const window = 64 * 1024
	end := size
	buf := make([]byte, window)
	for end > 0 {
		start := end - window
		if start < 0 {
			start = 0
		}
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil && err != io.EOF {
			return err
		}
		if end == size && chunk[len(chunk)-1] == '\n' {
			return nil
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			logf("Dropping uncommitted partial row at the end of %s", f.Name())
			return f.Truncate(start + int64(i) + 1)
		}
		end = start
	}
	logf("Dropping uncommitted partial row at the end of %s", f.Name())
	return f.Truncate(0)
}
