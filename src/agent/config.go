package agent

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"
)

const version = "v1.0.0"

const (
	defaultDialTimeout         = 15 * time.Second
	defaultReadTimeout         = 10 * time.Minute
	defaultPoolReadTimeout     = 3 * time.Minute
	defaultBackoffMin          = time.Second
	defaultBackoffMax          = time.Minute
	defaultAssignRetryInterval = 2 * time.Second
	defaultAssignMaxAttempts   = 10
	defaultDrainTimeout        = 5 * time.Second
	defaultSessionIdBytes      = 2
	maxSessionIdBytes          = 3
	defaultFavorFile           = "/home/.favor"
)

const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// PoolTarget identifies one upstream endpoint.
type PoolTarget struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
}

func (t PoolTarget) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t PoolTarget) String() string {
	return t.User + "@" + t.Address()
}

type BackoffConfig struct {
	Policy string        `yaml:"policy"`
	Min    time.Duration `yaml:"min"`
	Max    time.Duration `yaml:"max"`
}

type AgentConfig struct {
	Listen              string        `yaml:"listen"`
	Pools               []PoolTarget  `yaml:"pools"`
	FavorFile           string        `yaml:"favor_file"`
	PromPort            string        `yaml:"prom_port"`
	HealthCheckPort     string        `yaml:"health_check_port"`
	PrintStats          bool          `yaml:"print_stats"`
	UseLogFile          bool          `yaml:"log_to_file"`
	SessionIdBytes      int           `yaml:"session_id_bytes"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	PoolReadTimeout     time.Duration `yaml:"pool_read_timeout"`
	Backoff             BackoffConfig `yaml:"backoff"`
	AssignRetryInterval time.Duration `yaml:"assign_retry_interval"`
	AssignMaxAttempts   int           `yaml:"assign_max_attempts"`
	FailoverAfter       time.Duration `yaml:"failover_after"`
	SessionDifficulty   float64       `yaml:"session_difficulty"`
	DrainTimeout        time.Duration `yaml:"drain_timeout"`
}

func LoadConfig(path string) (AgentConfig, error) {
	var cfg AgentConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(ErrConfig, "reading %s: %s", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(ErrConfig, "parsing %s: %s", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg *AgentConfig) applyDefaults() {
	if cfg.FavorFile == "" {
		cfg.FavorFile = defaultFavorFile
	}
	if cfg.SessionIdBytes <= 0 {
		cfg.SessionIdBytes = defaultSessionIdBytes
	}
	if cfg.SessionIdBytes > maxSessionIdBytes {
		cfg.SessionIdBytes = maxSessionIdBytes
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.PoolReadTimeout <= 0 {
		cfg.PoolReadTimeout = defaultPoolReadTimeout
	}
	if cfg.Backoff.Policy == "" {
		cfg.Backoff.Policy = BackoffExponential
	}
	if cfg.Backoff.Min <= 0 {
		cfg.Backoff.Min = defaultBackoffMin
	}
	if cfg.Backoff.Max < cfg.Backoff.Min {
		cfg.Backoff.Max = defaultBackoffMax
		if cfg.Backoff.Max < cfg.Backoff.Min {
			cfg.Backoff.Max = cfg.Backoff.Min
		}
	}
	if cfg.AssignRetryInterval <= 0 {
		cfg.AssignRetryInterval = defaultAssignRetryInterval
	}
	if cfg.AssignMaxAttempts <= 0 {
		cfg.AssignMaxAttempts = defaultAssignMaxAttempts
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
}

func (cfg AgentConfig) Validate() error {
	if cfg.Listen == "" {
		return errors.Wrap(ErrConfig, "listen address is required")
	}
	if len(cfg.Pools) == 0 {
		return errors.Wrap(ErrConfig, "at least one upstream pool is required")
	}
	for i, p := range cfg.Pools {
		if err := validateTarget(p); err != nil {
			return errors.Wrapf(err, "pools[%d]", i)
		}
	}
	switch cfg.Backoff.Policy {
	case BackoffFixed, BackoffExponential:
	default:
		return errors.Wrapf(ErrConfig, "unknown backoff policy %q", cfg.Backoff.Policy)
	}
	return nil
}

func validateTarget(p PoolTarget) error {
	if p.Host == "" {
		return errors.Wrap(ErrConfig, "host is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return errors.Wrapf(ErrConfig, "invalid port %d", p.Port)
	}
	return nil
}

func ConfigureZap(cfg AgentConfig) (*zap.SugaredLogger, func()) {
	pe := zap.NewProductionEncoderConfig()
	pe.EncodeTime = zapcore.RFC3339TimeEncoder
	fileEncoder := zapcore.NewJSONEncoder(pe)
	consoleEncoder := zapcore.NewConsoleEncoder(pe)

	if !cfg.UseLogFile {
		return zap.New(zapcore.NewCore(consoleEncoder,
			zapcore.AddSync(colorable.NewColorableStdout()), zap.InfoLevel)).Sugar(), func() {}
	}

	logFile, err := os.OpenFile("agent.log", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		panic(err)
	}
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(logFile), zap.InfoLevel),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(colorable.NewColorableStdout()), zap.InfoLevel),
	)
	return zap.New(core).Sugar(), func() { logFile.Close() }
}
