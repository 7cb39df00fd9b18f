// Package config loads the daemon configuration from ~/.mentu/bridge.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fentz26/bridge/internal/connectors/agentexec"
	"github.com/fentz26/bridge/internal/dispatch"
	"github.com/fentz26/bridge/internal/escalation"
	"github.com/fentz26/bridge/internal/recovery"
	"github.com/fentz26/bridge/internal/retry"
	"github.com/fentz26/bridge/internal/scheduler"
	"github.com/fentz26/bridge/internal/store"
	"github.com/fentz26/bridge/internal/telemetry"
)

// Validation errors.
var (
	ErrMissingMachineID = errors.New("config: missing machine.id")
	ErrMissingStore     = errors.New("config: missing store dsn")
	ErrMissingLedger    = errors.New("config: scheduler.source=ledger needs ledger.proxy_url")
	ErrNoAgents         = errors.New("config: no agents configured")
)

// Scheduler sources.
const (
	SourceLedger = "ledger"
	SourceStore  = "store"
)

const defaultProxyURL = "https://mentu-proxy.affihub.workers.dev"

// Machine identifies this executor.
type Machine struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// Workspace is one workspace whose commands this machine serves.
type Workspace struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name,omitempty"`
	Directory string `yaml:"directory,omitempty"`
}

// Store selects the SQL backend.
type Store struct {
	Dialect string `yaml:"dialect"`
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string `yaml:"dsn"`
}

// Ledger is the hosted commitment ledger.
type Ledger struct {
	ProxyURL string `yaml:"proxy_url"`
	APIKey   string `yaml:"api_key"`
}

// Execution bounds agent runs.
type Execution struct {
	AllowedDirectories    []string      `yaml:"allowed_directories"`
	DefaultTimeoutSeconds int           `yaml:"default_timeout_seconds"`
	MaxOutputBytes        int           `yaml:"max_output_bytes"`
	KillGrace             time.Duration `yaml:"kill_grace"`
	Shell                 string        `yaml:"shell"`
}

// Agent is one allowed agent binary.
type Agent struct {
	Path         string   `yaml:"path"`
	DefaultFlags []string `yaml:"default_flags"`
	PromptFlag   string   `yaml:"prompt_flag"`
}

// Scheduler configures the commitment scheduler.
type Scheduler struct {
	Enabled          bool   `yaml:"enabled"`
	Source           string `yaml:"source"`
	scheduler.Config `yaml:",inline"`
}

// BugQueue configures bug-execution processing.
type BugQueue struct {
	Enabled        bool          `yaml:"enabled"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Limit          int           `yaml:"limit"`
	MaxRetries     int           `yaml:"max_retries"`
	BaseBackoff    time.Duration `yaml:"base_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Jitter         float64       `yaml:"jitter"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	Agent          string        `yaml:"agent"`
}

// Wake configures prompt wake-ups. Postgres stores use LISTEN/NOTIFY; the
// spool directory serves sqlite stores.
type Wake struct {
	SpoolDir     string        `yaml:"spool_dir"`
	MinInterval  time.Duration `yaml:"min_interval"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Escalation configures where late escalations are published. An empty
// redis address logs them only.
type Escalation struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Channel       string `yaml:"channel"`
}

// Server configures the status endpoint. An empty address disables it.
type Server struct {
	Addr string `yaml:"addr"`
}

// Logging configures log/slog.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the whole daemon configuration.
type Config struct {
	Machine    Machine          `yaml:"machine"`
	Workspace  Workspace        `yaml:"workspace"`
	Workspaces []Workspace      `yaml:"workspaces"`
	Store      Store            `yaml:"store"`
	Ledger     Ledger           `yaml:"ledger"`
	Execution  Execution        `yaml:"execution"`
	Agents     map[string]Agent `yaml:"agents"`
	Scheduler  Scheduler        `yaml:"scheduler"`
	BugQueue   BugQueue         `yaml:"bug_queue"`
	Wake       Wake             `yaml:"wake"`
	Escalation Escalation       `yaml:"escalation"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
	Server     Server           `yaml:"server"`
	Logging    Logging          `yaml:"logging"`
}

// Dir returns ~/.mentu.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mentu"
	}
	return filepath.Join(home, ".mentu")
}

// DefaultPath returns ~/.mentu/bridge.yaml.
func DefaultPath() string {
	return filepath.Join(Dir(), "bridge.yaml")
}

// Default returns the configuration used for fields the file leaves unset.
func Default() *Config {
	home, _ := os.UserHomeDir()
	sched := scheduler.DefaultConfig()
	return &Config{
		Store: Store{
			Dialect: store.DialectSQLite,
			DSN:     filepath.Join(Dir(), "bridge.db"),
		},
		Ledger: Ledger{ProxyURL: defaultProxyURL},
		Execution: Execution{
			AllowedDirectories:    []string{home},
			DefaultTimeoutSeconds: 3600,
			MaxOutputBytes:        agentexec.DefaultMaxOutputBytes,
			KillGrace:             agentexec.DefaultKillGrace,
			Shell:                 "/bin/bash",
		},
		Agents: map[string]Agent{
			"claude": {
				Path:         "/usr/local/bin/claude",
				DefaultFlags: []string{"--dangerously-skip-permissions"},
				PromptFlag:   "-p",
			},
		},
		Scheduler: Scheduler{
			Enabled: true,
			Source:  SourceLedger,
			Config:  *sched,
		},
		BugQueue: BugQueue{
			Enabled:        true,
			PollInterval:   30 * time.Second,
			Limit:          5,
			MaxRetries:     3,
			BaseBackoff:    time.Second,
			MaxBackoff:     5 * time.Minute,
			StaleThreshold: recovery.DefaultThreshold,
			Agent:          "claude",
		},
		Wake: Wake{
			SpoolDir:     filepath.Join(Dir(), "spool"),
			MinInterval:  time.Second,
			PollInterval: 30 * time.Second,
		},
		Escalation: Escalation{Channel: escalation.DefaultChannel},
		Telemetry:  telemetry.DefaultConfig(),
		Server:     Server{Addr: "127.0.0.1:7717"},
		Logging:    Logging{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data, os.Getenv)
}

// Parse decodes YAML over the defaults and applies overrides from getenv.
func Parse(data []byte, getenv func(string) string) (*Config, error) {
	cfg := Default()
	// The file replaces the default agent set rather than merging into it.
	cfg.Agents = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Agents) == 0 {
		cfg.Agents = Default().Agents
	}
	cfg.applyEnv(getenv)
	cfg.expandPaths()
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if getenv == nil {
		return
	}
	if v := getenv("MENTU_MACHINE_ID"); v != "" {
		c.Machine.ID = v
	}
	if v := getenv("MENTU_PROXY_URL"); v != "" {
		c.Ledger.ProxyURL = v
	}
	for _, key := range []string{"MENTU_API_KEY", "MENTU_PROXY_TOKEN", "X_PROXY_TOKEN"} {
		if v := getenv(key); v != "" {
			c.Ledger.APIKey = v
			break
		}
	}
	if v := getenv("BRIDGE_STORE_DSN"); v != "" {
		c.Store.DSN = v
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			c.Store.Dialect = store.DialectPostgres
		}
	}
}

func (c *Config) expandPaths() {
	for i, d := range c.Execution.AllowedDirectories {
		c.Execution.AllowedDirectories[i] = expandHome(d)
	}
	for i := range c.Workspaces {
		c.Workspaces[i].Directory = expandHome(c.Workspaces[i].Directory)
	}
	c.Wake.SpoolDir = expandHome(c.Wake.SpoolDir)
	if c.Store.Dialect != store.DialectPostgres {
		c.Store.DSN = expandHome(c.Store.DSN)
	}
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Validate reports the first configuration problem.
func (c *Config) Validate() error {
	if c.Machine.ID == "" {
		return ErrMissingMachineID
	}
	if c.Store.DSN == "" {
		return ErrMissingStore
	}
	switch c.Store.Dialect {
	case "", store.DialectSQLite, store.DialectPostgres:
	default:
		return fmt.Errorf("config: unknown store dialect %q", c.Store.Dialect)
	}
	if c.Scheduler.Enabled {
		switch c.Scheduler.Source {
		case SourceLedger:
			if c.Ledger.ProxyURL == "" {
				return ErrMissingLedger
			}
		case SourceStore:
		default:
			return fmt.Errorf("config: unknown scheduler source %q", c.Scheduler.Source)
		}
	}
	if len(c.Agents) == 0 {
		return ErrNoAgents
	}
	for name, a := range c.Agents {
		if a.Path == "" {
			return fmt.Errorf("config: agent %s has no path", name)
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown logging format %q", c.Logging.Format)
	}
	return nil
}

// MachineName falls back to the host name.
func (c *Config) MachineName() string {
	if c.Machine.Name != "" {
		return c.Machine.Name
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return c.Machine.ID
}

// WorkspaceIDs lists the workspaces served, the single workspace first.
func (c *Config) WorkspaceIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	add(c.Workspace.ID)
	for _, w := range c.Workspaces {
		add(w.ID)
	}
	return ids
}

// Dispatch returns the command handler configuration.
func (c *Config) Dispatch() dispatch.Config {
	return dispatch.Config{
		MachineID:          c.Machine.ID,
		MachineName:        c.MachineName(),
		Workspaces:         c.WorkspaceIDs(),
		AllowedDirectories: c.Execution.AllowedDirectories,
		DefaultTimeout:     time.Duration(c.Execution.DefaultTimeoutSeconds) * time.Second,
	}
}

// BugQueueConfig returns the bug queue configuration.
func (c *Config) BugQueueConfig() dispatch.BugQueueConfig {
	return dispatch.BugQueueConfig{
		PollInterval:   c.BugQueue.PollInterval,
		Limit:          c.BugQueue.Limit,
		StaleThreshold: c.BugQueue.StaleThreshold,
		SweepInterval:  c.BugQueue.SweepInterval,
		Agent:          c.BugQueue.Agent,
	}
}

// RetryPolicy returns the bug queue retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.BugQueue.MaxRetries,
		BaseBackoff: c.BugQueue.BaseBackoff,
		MaxBackoff:  c.BugQueue.MaxBackoff,
		Jitter:      c.BugQueue.Jitter,
	}
}

// SchedulerConfig returns the scheduler configuration with the execution
// and ledger settings it hands to agents.
func (c *Config) SchedulerConfig() *scheduler.Config {
	sc := c.Scheduler.Config
	sc.AllowedDirectories = c.Execution.AllowedDirectories
	sc.LedgerURL = c.Ledger.ProxyURL
	sc.LedgerToken = c.Ledger.APIKey
	return &sc
}

// AgentList returns the configured agents sorted by name.
func (c *Config) AgentList() []agentexec.Agent {
	out := make([]agentexec.Agent, 0, len(c.Agents))
	for name, a := range c.Agents {
		out = append(out, agentexec.Agent{
			Name:         name,
			Path:         expandHome(a.Path),
			DefaultFlags: a.DefaultFlags,
			PromptFlag:   a.PromptFlag,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
