package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// console is the process-wide log stream. Workers share it, so every line is
// written under mu.
type console struct {
	mu   sync.Mutex
	out  io.Writer
	file *os.File
}

var stdConsole = &console{out: os.Stderr}

func logf(format string, args ...any) {
	stdConsole.printf(format, args...)
}

func (c *console) printf(format string, args ...any) {
	line := time.Now().Format("2006-01-02 15:04:05") + " - " + fmt.Sprintf(format, args...) + "\n"
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.out, line)
	if c.file != nil {
		_, _ = io.WriteString(c.file, line)
	}
}

// lock serializes multi-line output such as progress bars with log lines.
func (c *console) lock() func() {
	c.mu.Lock()
	return c.mu.Unlock
}

// openLogFile duplicates console output into <dir>/<prefix>_<date>.log.
func openLogFile(dir, prefix string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", prefix, time.Now().Format("2006-01-02_15-04-05")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("open log file: %w", err)
	}
	stdConsole.mu.Lock()
	if stdConsole.file != nil {
		_ = stdConsole.file.Close()
	}
	stdConsole.file = f
	stdConsole.mu.Unlock()
	return path, nil
}

func closeLogFile() {
	stdConsole.mu.Lock()
	defer stdConsole.mu.Unlock()
	if stdConsole.file != nil {
		_ = stdConsole.file.Close()
		stdConsole.file = nil
	}
}
