package cmd

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultOutDir     = "barapost_result"
	defaultPacketSize = 100
)

// fileConfig is the YAML form of the classification settings. Empty values
// keep the defaults; explicit flags win over the file.
type fileConfig struct {
	OutDir       string   `yaml:"outdir"`
	PacketSize   int      `yaml:"packet_size"`
	BatchQuota   string   `yaml:"batch_quota"`
	Algorithm    *int     `yaml:"algorithm"`
	Organisms    []string `yaml:"organisms"`
	Email        string   `yaml:"email"`
	Tool         string   `yaml:"tool"`
	BlastURL     string   `yaml:"blast_url"`
	Database     string   `yaml:"database"`
	Workers      int      `yaml:"workers"`
	Threads      int      `yaml:"threads"`
	Resume       string   `yaml:"resume"`
	PollInterval string   `yaml:"poll_interval"`
	RetryDelay   string   `yaml:"retry_delay"`
	MinQueryLen  int      `yaml:"min_query_len"`
	SaveText     *bool    `yaml:"save_text"`
	Progress     *bool    `yaml:"progress"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

func (fc fileConfig) apply(cfg *runConfig) error {
	if fc.OutDir != "" {
		cfg.OutDir = fc.OutDir
	}
	if fc.PacketSize != 0 {
		cfg.PacketSize = fc.PacketSize
	}
	if fc.BatchQuota != "" {
		q, err := parseQuota(fc.BatchQuota)
		if err != nil {
			return err
		}
		cfg.Quota = q
	}
	if fc.Algorithm != nil {
		a, err := parseAlgorithm(*fc.Algorithm)
		if err != nil {
			return err
		}
		cfg.Algorithm = a
	}
	if len(fc.Organisms) > 0 {
		cfg.Organisms = fc.Organisms
	}
	if fc.Email != "" {
		cfg.Email = fc.Email
	}
	if fc.Tool != "" {
		cfg.Tool = fc.Tool
	}
	if fc.BlastURL != "" {
		cfg.BlastURL = fc.BlastURL
	}
	if fc.Database != "" {
		cfg.Database = fc.Database
	}
	if fc.Workers != 0 {
		cfg.Workers = fc.Workers
	}
	if fc.Threads != 0 {
		cfg.Threads = fc.Threads
	}
	if fc.Resume != "" {
		p, err := parseResumePolicy(fc.Resume)
		if err != nil {
			return err
		}
		cfg.Resume = p
	}
	if fc.PollInterval != "" {
		d, err := time.ParseDuration(fc.PollInterval)
		if err != nil {
			return fmt.Errorf("poll_interval: %w", err)
		}
		cfg.PollInterval = d
	}
	if fc.RetryDelay != "" {
		d, err := time.ParseDuration(fc.RetryDelay)
		if err != nil {
			return fmt.Errorf("retry_delay: %w", err)
		}
		cfg.RetryDelay = d
	}
	if fc.MinQueryLen != 0 {
		cfg.MinQueryLen = fc.MinQueryLen
	}
	if fc.SaveText != nil {
		cfg.SaveText = *fc.SaveText
	}
	if fc.Progress != nil {
		cfg.Progress = *fc.Progress
	}
	return nil
}

func defaultRunConfig() runConfig {
	return runConfig{
		OutDir:       defaultOutDir,
		PacketSize:   defaultPacketSize,
		Quota:        quotaAll,
		Algorithm:    algoMegablast,
		Workers:      1,
		Threads:      runtime.GOMAXPROCS(0),
		Resume:       resumeContinue,
		PollInterval: defaultPollInterval,
		RetryDelay:   defaultRetryDelay,
		MinQueryLen:  defaultMinQueryLen,
		Progress:     true,
	}
}

func parseQuota(s string) (int, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "all") {
		return quotaAll, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("batch quota must be a positive integer or all, got %q", s)
	}
	return n, nil
}

func parseAlgorithm(n int) (blastAlgorithm, error) {
	switch n {
	case 0:
		return algoMegablast, nil
	case 1:
		return algoDiscoMegablast, nil
	case 2:
		return algoBlastn, nil
	default:
		return 0, fmt.Errorf("algorithm must be 0 (megaBlast), 1 (discoMegablast) or 2 (blastn), got %d", n)
	}
}

// classifyFlagSet holds the flags shared by probe and local.
type classifyFlagSet struct {
	set          *flag.FlagSet
	configPath   *string
	inDir        *string
	outDir       *string
	packetSize   *int
	quota        *string
	algorithm    *int
	organisms    *string
	email        *string
	workers      *int
	threads      *int
	resume       *string
	minQueryLen  *int
	saveText     *bool
	progress     *bool
	blastURL     *string
	localFastas  *string
	dbDir        *string
	pollInterval *time.Duration
}

func newClassifyFlagSet(name string, local bool) *classifyFlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	f := &classifyFlagSet{set: fs}
	f.configPath = fs.String("config", "", "YAML file with run settings")
	f.inDir = fs.String("d", "", "Directory with FASTA/FASTQ files (optionally .gz)")
	f.outDir = fs.String("o", defaultOutDir, "Output directory")
	f.packetSize = fs.Int("p", defaultPacketSize, "Sequences per packet")
	f.quota = fs.String("b", "all", "Batch quota: sequences to classify in this run, or all")
	f.algorithm = fs.Int("a", 0, "Algorithm: 0 megaBlast, 1 discoMegablast, 2 blastn")
	f.workers = fs.Int("w", 1, "Files classified in parallel")
	f.resume = fs.String("resume", "continue", "What to do with a previous run: continue, restart or ask")
	f.progress = fs.Bool("progress", true, "Show progress bars")
	if local {
		f.threads = fs.Int("t", runtime.GOMAXPROCS(0), "blastn threads")
		f.localFastas = fs.String("l", "", "Comma-separated FASTA files to build the local database from")
		f.dbDir = fs.String("db", "", "Local database directory (default <outdir>/local_database)")
	} else {
		f.organisms = fs.String("g", "", "Semicolon-separated organisms restricting the search, e.g. 'Escherichia coli (taxid:562)'")
		f.email = fs.String("email", "", "E-mail passed to NCBI")
		f.minQueryLen = fs.Int("min-len", defaultMinQueryLen, "Shortest read length left after halving oversized packets")
		f.saveText = fs.Bool("save-text", false, "Keep a plain-text copy of every BLAST result")
		f.blastURL = fs.String("url", defaultBlastURL, "BLAST URL API endpoint")
		f.pollInterval = fs.Duration("poll", defaultPollInterval, "Interval between status checks")
	}
	return f
}

func (f *classifyFlagSet) parse(args []string) error {
	return f.set.Parse(args)
}

// config merges defaults, the -config file and explicitly set flags.
func (f *classifyFlagSet) config() (runConfig, error) {
	cfg := defaultRunConfig()
	if *f.configPath != "" {
		fc, err := loadFileConfig(*f.configPath)
		if err != nil {
			return cfg, err
		}
		if err := fc.apply(&cfg); err != nil {
			return cfg, fmt.Errorf("config %s: %w", *f.configPath, err)
		}
	}

	set := make(map[string]bool)
	f.set.Visit(func(fl *flag.Flag) {
		set[fl.Name] = true
	})
	if set["o"] {
		cfg.OutDir = *f.outDir
	}
	if set["p"] {
		cfg.PacketSize = *f.packetSize
	}
	if set["b"] {
		q, err := parseQuota(*f.quota)
		if err != nil {
			return cfg, err
		}
		cfg.Quota = q
	}
	if set["a"] {
		a, err := parseAlgorithm(*f.algorithm)
		if err != nil {
			return cfg, err
		}
		cfg.Algorithm = a
	}
	if set["w"] {
		cfg.Workers = *f.workers
	}
	if set["resume"] {
		p, err := parseResumePolicy(*f.resume)
		if err != nil {
			return cfg, err
		}
		cfg.Resume = p
	}
	if set["progress"] {
		cfg.Progress = *f.progress
	}
	if set["t"] {
		cfg.Threads = *f.threads
	}
	if set["g"] {
		cfg.Organisms = splitOrganisms(*f.organisms)
	}
	if set["email"] {
		cfg.Email = *f.email
	}
	if set["min-len"] {
		cfg.MinQueryLen = *f.minQueryLen
	}
	if set["save-text"] {
		cfg.SaveText = *f.saveText
	}
	if set["url"] {
		cfg.BlastURL = *f.blastURL
	}
	if set["poll"] {
		cfg.PollInterval = *f.pollInterval
	}
	if cfg.Tool == "" {
		cfg.Tool = "barapost"
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func splitOrganisms(value string) []string {
	var out []string
	for _, org := range strings.Split(value, ";") {
		if org = strings.TrimSpace(org); org != "" {
			out = append(out, org)
		}
	}
	return out
}
