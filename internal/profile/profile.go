package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load,
// e.g. PROMPTLAB_PORT or PROMPTLAB_EXPERIMENT_AUTO_OPTIMIZE.
const EnvPrefix = "PROMPTLAB"

// Profile is the configuration to start the engine server.
type Profile struct {
	// Mode can be "prod" or "dev" or "demo"
	Mode string `mapstructure:"mode"`
	// Addr is the binding address for server
	Addr string `mapstructure:"addr"`
	// Port is the binding port for server
	Port int `mapstructure:"port"`
	// Data is the data directory
	Data string `mapstructure:"data"`
	// DSN points to where experiment definitions are stored
	DSN string `mapstructure:"dsn"`
	// Driver is the database driver (memory, sqlite or postgres)
	Driver string `mapstructure:"driver"`
	// Version is the current version of server
	Version string `mapstructure:"version"`
	// LogLevel is one of debug, info, warn, error. Dev mode always logs debug text.
	LogLevel string `mapstructure:"log_level"`

	Analytics  AnalyticsProfile  `mapstructure:"analytics"`
	Experiment ExperimentProfile `mapstructure:"experiment"`
	Optimizer  OptimizerProfile  `mapstructure:"optimizer"`
}

// AnalyticsProfile configures telemetry buffering and anomaly detection.
type AnalyticsProfile struct {
	RealTimeAnalysis       bool          `mapstructure:"real_time_analysis"`
	MinBaselineExecutions  int           `mapstructure:"min_baseline_executions"`
	AnomalyThreshold       float64       `mapstructure:"anomaly_threshold"`
	RetentionPeriod        time.Duration `mapstructure:"retention_period"`
	TargetResponseTimeMs   float64       `mapstructure:"target_response_time_ms"`
	TargetSuccessRate      float64       `mapstructure:"target_success_rate"`
	TargetCostPerExecution float64       `mapstructure:"target_cost_per_execution"`
}

// ExperimentProfile configures the experiment manager.
type ExperimentProfile struct {
	AllocationPolicy      string        `mapstructure:"allocation_policy"`
	MinimumDuration       time.Duration `mapstructure:"minimum_duration"`
	MonitorInterval       time.Duration `mapstructure:"monitor_interval"`
	AutoOptimize          bool          `mapstructure:"auto_optimize"`
	BanditEnabled         bool          `mapstructure:"bandit_enabled"`
	BanditMinObservations int           `mapstructure:"bandit_min_observations"`
}

// OptimizerProfile configures the optimization engine.
type OptimizerProfile struct {
	MaxPromptTokens int    `mapstructure:"max_prompt_tokens"`
	CurrentModel    string `mapstructure:"current_model"`
	AutoApply       bool   `mapstructure:"auto_apply"`
	HistoryLimit    int    `mapstructure:"history_limit"`
}

var allocationPolicies = []string{"weighted_random", "deterministic_hash", "round_robin"}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "dev")
	v.SetDefault("addr", "")
	v.SetDefault("port", 8081)
	v.SetDefault("data", "")
	v.SetDefault("dsn", "")
	v.SetDefault("driver", "memory")
	v.SetDefault("version", "dev")
	v.SetDefault("log_level", "info")

	v.SetDefault("analytics.real_time_analysis", true)
	v.SetDefault("analytics.min_baseline_executions", 10)
	v.SetDefault("analytics.anomaly_threshold", 2.0)
	v.SetDefault("analytics.retention_period", 30*24*time.Hour)
	v.SetDefault("analytics.target_response_time_ms", 2000.0)
	v.SetDefault("analytics.target_success_rate", 0.95)
	v.SetDefault("analytics.target_cost_per_execution", 0.05)

	v.SetDefault("experiment.allocation_policy", "weighted_random")
	v.SetDefault("experiment.minimum_duration", 24*time.Hour)
	v.SetDefault("experiment.monitor_interval", time.Hour)
	v.SetDefault("experiment.auto_optimize", false)
	v.SetDefault("experiment.bandit_enabled", false)
	v.SetDefault("experiment.bandit_min_observations", 30)

	v.SetDefault("optimizer.max_prompt_tokens", 2000)
	v.SetDefault("optimizer.current_model", "gpt-4")
	v.SetDefault("optimizer.auto_apply", false)
	v.SetDefault("optimizer.history_limit", 100)
}

// Default returns the profile with every default applied and nothing read
// from the environment.
func Default() *Profile {
	v := viper.New()
	setDefaults(v)
	p := &Profile{}
	// Defaults alone always decode.
	_ = v.Unmarshal(p)
	return p
}

// Load reads the profile from defaults, an optional YAML/JSON/TOML config
// file and PROMPTLAB_* environment variables, in increasing precedence,
// then validates it.
func Load(configFile string) (*Profile, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configFile)
		}
	}

	p := &Profile{}
	if err := v.Unmarshal(p); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		absDir, err := filepath.Abs(dataDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// Validate normalizes the profile and rejects unusable settings.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}
	if p.Port <= 0 || p.Port > 65535 {
		return errors.Errorf("invalid port %d", p.Port)
	}

	if p.Data != "" {
		dataDir, err := checkDataDir(p.Data)
		if err != nil {
			return err
		}
		p.Data = dataDir
	}

	switch p.Driver {
	case "", "memory":
	case "sqlite":
		if p.DSN == "" {
			if p.Data == "" {
				return errors.New("sqlite driver requires a dsn or a data directory")
			}
			p.DSN = filepath.Join(p.Data, fmt.Sprintf("promptlab_%s.db", p.Mode))
		}
	case "postgres":
		if p.DSN == "" {
			return errors.New("postgres driver requires a dsn")
		}
	default:
		return errors.Errorf("unknown db driver %q", p.Driver)
	}

	if !slices.Contains(allocationPolicies, p.Experiment.AllocationPolicy) {
		return errors.Errorf("unknown allocation policy %q", p.Experiment.AllocationPolicy)
	}
	if p.Analytics.AnomalyThreshold <= 0 {
		return errors.Errorf("anomaly threshold must be positive, got %v", p.Analytics.AnomalyThreshold)
	}
	if p.Analytics.TargetSuccessRate <= 0 || p.Analytics.TargetSuccessRate > 1 {
		return errors.Errorf("target success rate must be in (0,1], got %v", p.Analytics.TargetSuccessRate)
	}
	return nil
}
