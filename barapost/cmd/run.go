package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// runConfig is the validated configuration of a classification run.
type runConfig struct {
	OutDir       string
	PacketSize   int
	Quota        int
	Algorithm    blastAlgorithm
	Organisms    []string
	Email        string
	Tool         string
	BlastURL     string
	Database     string
	Workers      int
	Threads      int
	Resume       resumePolicy
	PollInterval time.Duration
	RetryDelay   time.Duration
	MinQueryLen  int
	SaveText     bool
	Progress     bool
}

const quotaAll = -1

func (c *runConfig) validate() error {
	if c.OutDir == "" {
		return errors.New("output directory is required")
	}
	if c.PacketSize <= 0 {
		return fmt.Errorf("packet size must be > 0, got %d", c.PacketSize)
	}
	if c.Quota < 0 && c.Quota != quotaAll {
		return fmt.Errorf("batch quota must be positive or all, got %d", c.Quota)
	}
	if c.Quota == 0 {
		return errors.New("batch quota must be positive or all")
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.MinQueryLen <= 0 {
		c.MinQueryLen = defaultMinQueryLen
	}
	if len(c.Organisms) > 5 {
		return fmt.Errorf("at most 5 organisms may restrict the search, got %d", len(c.Organisms))
	}
	return nil
}

// quota is the number of reads a run may still classify, shared by workers.
type quota struct {
	mu        sync.Mutex
	remaining int
	unlimited bool
}

func newQuota(n int) *quota {
	return &quota{remaining: n, unlimited: n < 0}
}

// account charges reads classified by a previous run.
func (q *quota) account(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unlimited {
		return
	}
	q.remaining -= n
	if q.remaining < 0 {
		q.remaining = 0
	}
}

// reserve grants up to n reads; zero means the quota is spent.
func (q *quota) reserve(n int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unlimited {
		return n
	}
	if n > q.remaining {
		n = q.remaining
	}
	q.remaining -= n
	return n
}

// refund returns reads reserved but not classified.
func (q *quota) refund(n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.unlimited {
		q.remaining += n
	}
}

func (q *quota) exhausted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.unlimited && q.remaining <= 0
}

type runCounters struct {
	mu      sync.Mutex
	files   int
	packets int
	reads   int
}

func (c *runCounters) addPacket(reads int) (packets, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets++
	c.reads += reads
	return c.packets, c.reads
}

func (c *runCounters) addFile() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files++
	return c.files
}

func (c *runCounters) snapshot() (files, packets, reads int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.files, c.packets, c.reads
}

// runContext carries everything a worker shares with the rest of the run.
type runContext struct {
	id         string
	cfg        runConfig
	ledger     *ledger
	quota      *quota
	counters   *runCounters
	recoverer  *recoverer
	newAligner func(resdir string) aligner
	stopping   atomic.Bool
}

func newRunContext(cfg runConfig, newAligner func(resdir string) aligner, ask func(string, int) (bool, error)) *runContext {
	return &runContext{
		id:       uuid.NewString(),
		cfg:      cfg,
		ledger:   newLedger(filepath.Join(cfg.OutDir, registryName)),
		quota:    newQuota(cfg.Quota),
		counters: &runCounters{},
		recoverer: &recoverer{
			policy:     cfg.Resume,
			ask:        ask,
			packetSize: cfg.PacketSize,
		},
		newAligner: newAligner,
	}
}

// stop asks workers to finish after their current packet.
func (rc *runContext) stop() {
	rc.stopping.Store(true)
}

func (rc *runContext) stopped() bool {
	return rc.stopping.Load()
}
