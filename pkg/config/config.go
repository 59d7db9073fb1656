// Package config loads tsimd's JSON configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/tsimd/pkg/types"
)

// Session holds session-cookie configuration.
type Session struct {
	TimeoutSeconds int `json:"timeout"`
}

// Queue holds queue admission configuration.
type Queue struct {
	MaxJobs        int `json:"max_jobs"`
	JobTimeoutSecs int `json:"job_timeout"`
}

// Authentication holds the auth boundary's configuration.
type Authentication struct {
	Method        string           `json:"method"` // "local", "pam", "ldap"
	SessionSecret string           `json:"session_secret"`
	Users         []UserCredential `json:"users,omitempty"` // local-method user table
}

// UserCredential is one local-auth user table entry: PasswordHash is a hex
// sha256 digest, Role is "user" or "admin".
type UserCredential struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
	Role         string `json:"role"`
}

// Performance holds concurrency tuning.
type Performance struct {
	MaxConcurrentJobs int `json:"max_concurrent_jobs"`
	IOWorkers         int `json:"io_workers"`  // bound on PROBE's concurrent per-hop counter reads
	PDFWorkers        int `json:"pdf_workers"` // Executor process pool for RENDER_PDF
}

// Probing holds probe-generation tuning.
type Probing struct {
	Count int `json:"count"` // probes sent per service in each PROBE round
}

// PhaseTimeouts holds the per-phase deadline, in seconds, applied on top of
// a run's overall deadline.
type PhaseTimeouts struct {
	TraceSecs         int `json:"trace"`
	SetupHostsSecs    int `json:"setup_hosts"`
	StartServicesSecs int `json:"start_services"`
	ProbeSecs         int `json:"probe"`
	AnalyzeSecs       int `json:"analyze"`
	RenderPDFSecs     int `json:"render_pdf"`
	CleanupSecs       int `json:"cleanup"`
}

// DSCP holds the DSCP pool definition. Pool is an explicit list; if empty
// and RangeLow/RangeHigh are set, the pool is the inclusive range.
type DSCP struct {
	Pool      []int `json:"pool,omitempty"`
	RangeLow  int   `json:"range_low,omitempty"`
	RangeHigh int   `json:"range_high,omitempty"`
}

// Config is the full tsimd configuration file.
type Config struct {
	WebRoot                     string         `json:"web_root"`
	VenvPath                    string         `json:"venv_path"`
	DataDir                     string         `json:"data_dir"`
	LogDir                      string         `json:"log_dir"`
	MatplotlibCacheDir          string         `json:"matplotlib_cache_dir"`
	TracerouteSimulatorFacts    string         `json:"traceroute_simulator_facts"`
	TracerouteSimulatorRawFacts string         `json:"traceroute_simulator_raw_facts"`
	Session                     Session        `json:"session"`
	QueueConfig                 Queue          `json:"queue"`
	AuthenticationConfig        Authentication `json:"authentication"`
	PerformanceConfig           Performance    `json:"performance"`
	DSCPConfig                  DSCP           `json:"dscp"`
	ProbingConfig               Probing        `json:"probing"`
	PhaseTimeoutsConfig         PhaseTimeouts  `json:"phase_timeouts"`
	UnixGroup                   string         `json:"unix_group"`

	BindAddr string `json:"bind_addr"`
}

// Load reads and validates a Config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/run/tsimd"
	}
	if c.LogDir == "" {
		c.LogDir = "/var/log/tsimd"
	}
	if c.BindAddr == "" {
		c.BindAddr = "127.0.0.1:8443"
	}
	if c.Session.TimeoutSeconds == 0 {
		c.Session.TimeoutSeconds = 3600
	}
	if c.QueueConfig.MaxJobs == 0 {
		c.QueueConfig.MaxJobs = 100
	}
	if c.QueueConfig.JobTimeoutSecs == 0 {
		c.QueueConfig.JobTimeoutSecs = 300
	}
	if c.AuthenticationConfig.Method == "" {
		c.AuthenticationConfig.Method = "local"
	}
	if c.PerformanceConfig.MaxConcurrentJobs == 0 {
		c.PerformanceConfig.MaxConcurrentJobs = 32
	}
	if c.PerformanceConfig.IOWorkers == 0 {
		c.PerformanceConfig.IOWorkers = 4
	}
	if c.PerformanceConfig.PDFWorkers == 0 {
		c.PerformanceConfig.PDFWorkers = 2
	}
	if c.ProbingConfig.Count == 0 {
		c.ProbingConfig.Count = 1
	}
	c.PhaseTimeoutsConfig.applyDefaults()
	if len(c.DSCPConfig.Pool) == 0 && c.DSCPConfig.RangeLow == 0 && c.DSCPConfig.RangeHigh == 0 {
		// Default pool: the 32 odd code points 1, 3, ..., 63. Every
		// well-known DSCP class (CS0-CS7, AF11-AF43, EF, VOICE-ADMIT) is
		// even, so none of them is used.
		for v := 1; v <= 63; v += 2 {
			c.DSCPConfig.Pool = append(c.DSCPConfig.Pool, v)
		}
	}
}

// Validate checks the configuration's required invariants.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	pool := c.DSCPPool()
	if len(pool) == 0 {
		return fmt.Errorf("config: dscp pool is empty")
	}
	if c.PerformanceConfig.MaxConcurrentJobs > len(pool) {
		return fmt.Errorf("config: performance.max_concurrent_jobs (%d) exceeds dscp pool size (%d)",
			c.PerformanceConfig.MaxConcurrentJobs, len(pool))
	}
	for _, v := range pool {
		if v < 0 || v > 63 {
			return fmt.Errorf("config: dscp value %d out of 6-bit range", v)
		}
	}
	if c.AuthenticationConfig.SessionSecret == "" {
		return fmt.Errorf("config: authentication.session_secret is required")
	}
	return nil
}

// DSCPPool returns the configured set of DSCP code points.
func (c *Config) DSCPPool() []int {
	if len(c.DSCPConfig.Pool) > 0 {
		return c.DSCPConfig.Pool
	}
	if c.DSCPConfig.RangeHigh >= c.DSCPConfig.RangeLow {
		pool := make([]int, 0, c.DSCPConfig.RangeHigh-c.DSCPConfig.RangeLow+1)
		for v := c.DSCPConfig.RangeLow; v <= c.DSCPConfig.RangeHigh; v++ {
			pool = append(pool, v)
		}
		return pool
	}
	return nil
}

// SessionTimeout returns the session TTL as a time.Duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Session.TimeoutSeconds) * time.Second
}

// JobTimeout returns the per-job overall deadline.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.QueueConfig.JobTimeoutSecs) * time.Second
}

func (p *PhaseTimeouts) applyDefaults() {
	if p.TraceSecs == 0 {
		p.TraceSecs = 10
	}
	if p.SetupHostsSecs == 0 {
		p.SetupHostsSecs = 30
	}
	if p.StartServicesSecs == 0 {
		p.StartServicesSecs = 15
	}
	if p.ProbeSecs == 0 {
		p.ProbeSecs = 30
	}
	if p.AnalyzeSecs == 0 {
		p.AnalyzeSecs = 15
	}
	if p.RenderPDFSecs == 0 {
		p.RenderPDFSecs = 20
	}
	if p.CleanupSecs == 0 {
		p.CleanupSecs = 15
	}
}

// PhaseTimeout returns the configured deadline for one Executor phase.
func (c *Config) PhaseTimeout(phase types.Phase) time.Duration {
	secs := 0
	switch phase {
	case types.PhaseTrace:
		secs = c.PhaseTimeoutsConfig.TraceSecs
	case types.PhaseSetupHosts:
		secs = c.PhaseTimeoutsConfig.SetupHostsSecs
	case types.PhaseStartServices:
		secs = c.PhaseTimeoutsConfig.StartServicesSecs
	case types.PhaseProbe:
		secs = c.PhaseTimeoutsConfig.ProbeSecs
	case types.PhaseAnalyze:
		secs = c.PhaseTimeoutsConfig.AnalyzeSecs
	case types.PhaseRenderPDF:
		secs = c.PhaseTimeoutsConfig.RenderPDFSecs
	case types.PhaseCleanup:
		secs = c.PhaseTimeoutsConfig.CleanupSecs
	}
	return time.Duration(secs) * time.Second
}
