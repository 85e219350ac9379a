package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/klauspost/pgzip"
)

const writerBufferSize = 1 << 20

var seqFilePattern = regexp.MustCompile(`^(.+)\.(m)?f(ast)?(a|q)(\.gz)?$`)

func isSeqFile(path string) bool {
	return seqFilePattern.MatchString(filepath.Base(path))
}

func isFastq(path string) bool {
	m := seqFilePattern.FindStringSubmatch(filepath.Base(path))
	return m != nil && m[4] == "q"
}

func isGzipped(path string) bool {
	return strings.HasSuffix(path, ".gz")
}

// fileHname returns the file name without directory and sequence extension.
func fileHname(path string) string {
	base := filepath.Base(path)
	if m := seqFilePattern.FindStringSubmatch(base); m != nil {
		return m[1]
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// collectInputs merges positional paths with the sequence files found in dir,
// returning absolute paths in alphabetical order.
func collectInputs(paths []string, dir string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(p string) error {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		if _, ok := seen[abs]; ok {
			return nil
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
		return nil
	}
	for _, p := range paths {
		if !isSeqFile(p) {
			return nil, fmt.Errorf("not a FASTA/FASTQ file: %s", p)
		}
		if !pathExists(p) {
			return nil, fmt.Errorf("file does not exist: %s", p)
		}
		if err := add(p); err != nil {
			return nil, err
		}
	}
	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read input dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !isSeqFile(e.Name()) {
				continue
			}
			if err := add(filepath.Join(dir, e.Name())); err != nil {
				return nil, err
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

type readCloser struct {
	reader io.Reader
	close  func() error
}

func (r readCloser) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

func (r readCloser) Close() error {
	return r.close()
}

func openInput(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if isGzipped(path) {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		return readCloser{
			reader: gz,
			close: func() error {
				_ = gz.Close()
				return f.Close()
			},
		}, nil
	}
	return f, nil
}

// writeFileAtomic writes data to a temp file next to path and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmpPath, err)
	}
	return nil
}

// archiveFile renames path to <name>_old_<N><ext> with the first free N.
// It returns the new path, or "" when path does not exist.
func archiveFile(path string) (string, error) {
	if !pathExists(path) {
		return "", nil
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for n := 1; ; n++ {
		dest := fmt.Sprintf("%s_old_%d%s", stem, n, ext)
		if pathExists(dest) {
			continue
		}
		if err := os.Rename(path, dest); err != nil {
			return "", fmt.Errorf("archive %s: %w", path, err)
		}
		return dest, nil
	}
}

var filenameIllegal = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "+", "_", "?", "_", "\"", "_",
	"<", "_", ">", "_", "(", "_", ")", "_", "|", "_", " ", "_", ";", "_",
)

func sanitizeLabel(name string) string {
	return filenameIllegal.Replace(name)
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func indexOf(values []string, name string) int {
	for i, v := range values {
		if v == name {
			return i
		}
	}
	return -1
}

func fatalf(format string, args ...any) {
	logf("ERROR: "+format, args...)
	os.Exit(1)
}
