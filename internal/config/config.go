// Package config loads the router's startup configuration.
// See doc.go for complete package documentation.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/freshroute/internal/circuit"
	"github.com/dreamware/freshroute/internal/cluster"
	"github.com/dreamware/freshroute/internal/health"
	"github.com/dreamware/freshroute/internal/policy"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Source kinds.
const (
	SourcePostgres = "postgres"
	SourceHTTP     = "http"
	SourceRedis    = "redis"
	SourceStatic   = "static"
)

// Config holds the complete configuration. It is loaded once at startup
// and never modified afterwards.
type Config struct {
	ListenAddr      string          `mapstructure:"listen_addr" yaml:"listen_addr"`
	Log             LogConfig       `mapstructure:"log" yaml:"log"`
	Defaults        BackendDefaults `mapstructure:"defaults" yaml:"defaults"`
	PositionHistory int             `mapstructure:"position_history" yaml:"position_history"`
	PositionMaxAge  time.Duration   `mapstructure:"position_max_age" yaml:"position_max_age"`
	RecentDecisions int             `mapstructure:"recent_decisions" yaml:"recent_decisions"`
	PendingLimit    int             `mapstructure:"pending_limit" yaml:"pending_limit"`
	MaxReroutes     int             `mapstructure:"max_reroutes" yaml:"max_reroutes"`
	Classes         []ClassConfig   `mapstructure:"classes" yaml:"classes"`
	Backends        []BackendConfig `mapstructure:"backends" yaml:"backends"`
	Audit           AuditConfig     `mapstructure:"audit" yaml:"audit"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // json or console
	Path   string `mapstructure:"path" yaml:"path,omitempty"`
}

// BackendDefaults are the probe and circuit settings applied to every
// backend that does not override them. Zero values in a BackendConfig
// mean "use the default".
type BackendDefaults struct {
	ProbeInterval    time.Duration `mapstructure:"probe_interval" yaml:"probe_interval,omitempty"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout,omitempty"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold,omitempty"`
	CoolDown         time.Duration `mapstructure:"cool_down" yaml:"cool_down,omitempty"`
	CoolDownMax      time.Duration `mapstructure:"cool_down_max" yaml:"cool_down_max,omitempty"`
	TrialTimeout     time.Duration `mapstructure:"trial_timeout" yaml:"trial_timeout,omitempty"`
	SampleCapacity   int           `mapstructure:"sample_capacity" yaml:"sample_capacity,omitempty"`
	StalenessCeiling time.Duration `mapstructure:"staleness_ceiling" yaml:"staleness_ceiling,omitempty"`
}

type ClassConfig struct {
	Name         string        `mapstructure:"name" yaml:"name"`
	Consistency  string        `mapstructure:"consistency" yaml:"consistency,omitempty"`
	MaxStaleness time.Duration `mapstructure:"max_staleness" yaml:"max_staleness,omitempty"`
	Tiers        []TierConfig  `mapstructure:"tiers" yaml:"tiers"`
}

type TierConfig struct {
	Tier         string        `mapstructure:"tier" yaml:"tier"`
	MaxStaleness time.Duration `mapstructure:"max_staleness" yaml:"max_staleness,omitempty"`
}

type BackendConfig struct {
	ID              string       `mapstructure:"id" yaml:"id"`
	Tier            string       `mapstructure:"tier" yaml:"tier"`
	Source          SourceConfig `mapstructure:"source" yaml:"source"`
	BackendDefaults `mapstructure:",squash" yaml:",inline"`
}

// SourceConfig describes where a backend's lag comes from.
type SourceConfig struct {
	Kind     string        `mapstructure:"kind" yaml:"kind"`
	DSN      string        `mapstructure:"dsn" yaml:"dsn,omitempty"`             // postgres
	URL      string        `mapstructure:"url" yaml:"url,omitempty"`             // http
	Addr     string        `mapstructure:"addr" yaml:"addr,omitempty"`           // redis
	Password string        `mapstructure:"password" yaml:"password,omitempty"`   // redis
	DB       int           `mapstructure:"db" yaml:"db,omitempty"`               // redis
	Key      string        `mapstructure:"key" yaml:"key,omitempty"`             // redis
	ReadyURL string        `mapstructure:"ready_url" yaml:"ready_url,omitempty"` // redis
	Lag      time.Duration `mapstructure:"lag" yaml:"lag,omitempty"`             // static
}

type AuditConfig struct {
	RedisAddr string `mapstructure:"redis_addr" yaml:"redis_addr,omitempty"`
	Password  string `mapstructure:"password" yaml:"password,omitempty"`
	Stream    string `mapstructure:"stream" yaml:"stream"`
	Buffer    int    `mapstructure:"buffer" yaml:"buffer"`
	MaxLen    int64  `mapstructure:"max_len" yaml:"max_len,omitempty"`
}

// Default returns a configuration with every optional field set and no
// classes or backends.
func Default() *Config {
	return &Config{
		ListenAddr: ":8090",
		Log:        LogConfig{Level: "info", Format: "json"},
		Defaults: BackendDefaults{
			ProbeInterval:    time.Second,
			ProbeTimeout:     500 * time.Millisecond,
			FailureThreshold: 5,
			CoolDown:         2 * time.Second,
			CoolDownMax:      30 * time.Second,
			TrialTimeout:     5 * time.Second,
			SampleCapacity:   32,
			StalenessCeiling: 5 * time.Second,
		},
		PositionHistory: 512,
		PositionMaxAge:  5 * time.Second,
		RecentDecisions: 256,
		PendingLimit:    4096,
		MaxReroutes:     1,
		Audit:           AuditConfig{Stream: "freshroute:decisions", Buffer: 1024},
	}
}

// Load reads the configuration file at path (or searches ./freshroute.yaml
// and /etc/freshroute/freshroute.yaml when path is empty), applies
// FRESHROUTE_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FRESHROUTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("freshroute")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/freshroute")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.path", d.Log.Path)
	v.SetDefault("defaults.probe_interval", d.Defaults.ProbeInterval)
	v.SetDefault("defaults.probe_timeout", d.Defaults.ProbeTimeout)
	v.SetDefault("defaults.failure_threshold", d.Defaults.FailureThreshold)
	v.SetDefault("defaults.cool_down", d.Defaults.CoolDown)
	v.SetDefault("defaults.cool_down_max", d.Defaults.CoolDownMax)
	v.SetDefault("defaults.trial_timeout", d.Defaults.TrialTimeout)
	v.SetDefault("defaults.sample_capacity", d.Defaults.SampleCapacity)
	v.SetDefault("defaults.staleness_ceiling", d.Defaults.StalenessCeiling)
	v.SetDefault("position_history", d.PositionHistory)
	v.SetDefault("position_max_age", d.PositionMaxAge)
	v.SetDefault("recent_decisions", d.RecentDecisions)
	v.SetDefault("pending_limit", d.PendingLimit)
	v.SetDefault("max_reroutes", d.MaxReroutes)
	v.SetDefault("audit.redis_addr", d.Audit.RedisAddr)
	v.SetDefault("audit.password", d.Audit.Password)
	v.SetDefault("audit.stream", d.Audit.Stream)
	v.SetDefault("audit.buffer", d.Audit.Buffer)
	v.SetDefault("audit.max_len", d.Audit.MaxLen)
}

// Effective returns b's settings with zero fields taken from the defaults.
func (c *Config) Effective(b BackendConfig) BackendDefaults {
	e, o := c.Defaults, b.BackendDefaults
	if o.ProbeInterval > 0 {
		e.ProbeInterval = o.ProbeInterval
	}
	if o.ProbeTimeout > 0 {
		e.ProbeTimeout = o.ProbeTimeout
	}
	if o.FailureThreshold > 0 {
		e.FailureThreshold = o.FailureThreshold
	}
	if o.CoolDown > 0 {
		e.CoolDown = o.CoolDown
	}
	if o.CoolDownMax > 0 {
		e.CoolDownMax = o.CoolDownMax
	}
	if o.TrialTimeout > 0 {
		e.TrialTimeout = o.TrialTimeout
	}
	if o.SampleCapacity > 0 {
		e.SampleCapacity = o.SampleCapacity
	}
	if o.StalenessCeiling > 0 {
		e.StalenessCeiling = o.StalenessCeiling
	}
	return e
}

// HealthSettings converts b's effective settings for the tracker.
func (c *Config) HealthSettings(b BackendConfig) health.Settings {
	e := c.Effective(b)
	return health.Settings{
		Circuit: circuit.Settings{
			FailureThreshold: e.FailureThreshold,
			CoolDown:         e.CoolDown,
			MaxCoolDown:      e.CoolDownMax,
			TrialTimeout:     e.TrialTimeout,
		},
		SampleCapacity:   e.SampleCapacity,
		StalenessCeiling: e.StalenessCeiling,
	}
}

// Backend returns the cluster form of b. Tier names are assumed valid.
func (b BackendConfig) Backend() cluster.Backend {
	tier, _ := cluster.ParseTier(b.Tier)
	return cluster.Backend{ID: cluster.BackendID(b.ID), Tier: tier}
}

// Table builds the immutable policy table from the class list.
func (c *Config) Table() (*policy.Table, error) {
	specs := make([]policy.Spec, 0, len(c.Classes))
	for _, cc := range c.Classes {
		s := policy.Spec{
			Name:         cc.Name,
			Consistency:  policy.Consistency(strings.ToLower(cc.Consistency)),
			MaxStaleness: cc.MaxStaleness,
		}
		for _, t := range cc.Tiers {
			s.Tiers = append(s.Tiers, policy.TierRule{Tier: cluster.Tier(t.Tier), MaxStaleness: t.MaxStaleness})
		}
		specs = append(specs, s)
	}
	return policy.NewTable(specs)
}

// Validate reports every problem found, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	table, err := c.Table()
	if err != nil {
		add("%v", err)
	}

	if len(c.Backends) == 0 {
		add("no backends defined")
	}
	if c.PositionHistory < 2 {
		add("position_history must be at least 2")
	}
	if c.PositionMaxAge < 0 {
		add("position_max_age cannot be negative")
	}
	if c.RecentDecisions < 1 {
		add("recent_decisions must be at least 1")
	}
	if c.PendingLimit < 1 {
		add("pending_limit must be at least 1")
	}
	if c.MaxReroutes < 0 {
		add("max_reroutes cannot be negative")
	}
	if c.Audit.RedisAddr != "" && (c.Audit.Stream == "" || c.Audit.Buffer < 1) {
		add("audit needs a stream and a buffer of at least 1")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "console":
	default:
		add("log.format %q must be json or console", c.Log.Format)
	}

	seen := make(map[string]bool, len(c.Backends))
	var pgPrimaries []BackendConfig
	pgReplicas := false
	for _, b := range c.Backends {
		if b.ID == "" {
			add("backend with empty id")
			continue
		}
		if seen[b.ID] {
			add("duplicate backend %q", b.ID)
		}
		seen[b.ID] = true

		tier, err := cluster.ParseTier(b.Tier)
		if err != nil {
			add("backend %q: %v", b.ID, err)
		}
		e := c.Effective(b)
		if e.ProbeInterval <= 0 {
			add("backend %q: probe_interval must be positive", b.ID)
		}
		if e.ProbeTimeout <= 0 {
			add("backend %q: probe_timeout must be positive", b.ID)
		}
		if e.FailureThreshold < 1 {
			add("backend %q: failure_threshold must be at least 1", b.ID)
		}
		if e.CoolDown <= 0 || e.CoolDown > e.CoolDownMax {
			add("backend %q: need 0 < cool_down <= cool_down_max", b.ID)
		}
		if e.SampleCapacity < 1 {
			add("backend %q: sample_capacity must be at least 1", b.ID)
		}
		if e.StalenessCeiling <= 0 {
			add("backend %q: staleness_ceiling must be positive", b.ID)
		}

		if msg := b.Source.check(); msg != "" {
			add("backend %q: %s", b.ID, msg)
		}
		if b.Source.Kind == SourcePostgres {
			switch tier {
			case cluster.TierPrimary:
				pgPrimaries = append(pgPrimaries, b)
			case cluster.TierReplica:
				pgReplicas = true
			case cluster.TierWarehouse:
				add("backend %q: postgres sources measure primaries and replicas only", b.ID)
			}
		}
	}

	if len(pgPrimaries) > 1 {
		add("at most one postgres primary may be configured")
	}
	if pgReplicas {
		if len(pgPrimaries) == 0 {
			add("postgres replicas need a postgres primary to measure against")
		} else {
			interval := c.Effective(pgPrimaries[0]).ProbeInterval
			if table != nil && c.PositionHistory >= 2 {
				horizon := time.Duration(c.PositionHistory) * interval
				if bound := table.MaxBound(); horizon <= bound {
					add("position history covers %s, less than the largest staleness bound %s", horizon, bound)
				}
			}
			if c.PositionMaxAge > 0 && c.PositionMaxAge <= interval {
				add("position_max_age %s must exceed the primary probe_interval %s", c.PositionMaxAge, interval)
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func (s SourceConfig) check() string {
	switch s.Kind {
	case SourcePostgres:
		if s.DSN == "" {
			return "postgres source needs dsn"
		}
	case SourceHTTP:
		if s.URL == "" {
			return "http source needs url"
		}
	case SourceRedis:
		if s.Addr == "" || s.Key == "" {
			return "redis source needs addr and key"
		}
	case SourceStatic:
		if s.Lag < 0 {
			return "static lag cannot be negative"
		}
	case "":
		return "source kind is required"
	default:
		return fmt.Sprintf("unknown source kind %q", s.Kind)
	}
	return ""
}

// Redacted returns a copy with passwords removed, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.Backends = make([]BackendConfig, len(c.Backends))
	for i, b := range c.Backends {
		b.Source.DSN = redactDSN(b.Source.DSN)
		if b.Source.Password != "" {
			b.Source.Password = "xxxxx"
		}
		out.Backends[i] = b
	}
	if out.Audit.Password != "" {
		out.Audit.Password = "xxxxx"
	}
	return &out
}

// YAML renders the configuration as YAML.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		return dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}
	return u.Redacted()
}
