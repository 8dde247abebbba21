// Package config loads process-level configuration for the escrow
// orchestrator from a YAML file with ${VAR} environment substitution,
// following the same loader shape as pkg/config.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be expressed as "30s", "5m" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// NetworkDefaults holds the default smart-contract address for a network.
type NetworkDefaults struct {
	SmartContractAddress string `yaml:"smart_contract_address"`
}

// Config is the process-level configuration for the escrow orchestrator.
type Config struct {
	HTTP       HTTPSettings               `yaml:"http"`
	Database   DatabaseSettings           `yaml:"database"`
	Reconciler ReconcilerSettings         `yaml:"reconciler"`
	Dispatcher DispatcherSettings         `yaml:"dispatcher"`
	Networks   map[string]NetworkDefaults `yaml:"networks"`

	// PaymentAPIBaseURL is the externally-advertised base URL for this
	// deployment.
	PaymentAPIBaseURL string `yaml:"payment_api_base_url"`

	// DefaultMetadataVersion is stamped into agent metadata validation.
	DefaultMetadataVersion int `yaml:"default_metadata_version"`
}

type HTTPSettings struct {
	ListenAddress string   `yaml:"listen_address"`
	ReadTimeout   Duration `yaml:"read_timeout"`
	WriteTimeout  Duration `yaml:"write_timeout"`
}

type DatabaseSettings struct {
	URL            string   `yaml:"url"`
	MaxConnections int      `yaml:"max_connections"`
	MinConnections int      `yaml:"min_connections"`
	MaxIdleTime    Duration `yaml:"max_idle_time"`
	MaxLifetime    Duration `yaml:"max_lifetime"`
}

// ReconcilerSettings bounds the Chain Reconciler's poll cadence: interval
// clamps to [5s, 300s], defaulting to 30s.
type ReconcilerSettings struct {
	Interval  Duration `yaml:"interval"`
	BatchSize int      `yaml:"batch_size"`
}

// DispatcherSettings configures the Action Dispatcher's retry envelope:
// backoff bounded to [30s, 10m] with jitter, capped at a fixed retry count.
type DispatcherSettings struct {
	PollInterval Duration `yaml:"poll_interval"`
	MinBackoff   Duration `yaml:"min_backoff"`
	MaxBackoff   Duration `yaml:"max_backoff"`
	MaxRetries   int      `yaml:"max_retries"`
	WorkerCount  int      `yaml:"worker_count"`
}

// Default returns a configuration with documented defaults.
func Default() *Config {
	return &Config{
		HTTP: HTTPSettings{
			ListenAddress: ":8080",
			ReadTimeout:   Duration(15 * time.Second),
			WriteTimeout:  Duration(15 * time.Second),
		},
		Database: DatabaseSettings{
			MaxConnections: 20,
			MinConnections: 2,
			MaxIdleTime:    Duration(5 * time.Minute),
			MaxLifetime:    Duration(30 * time.Minute),
		},
		Reconciler: ReconcilerSettings{
			Interval:  Duration(30 * time.Second),
			BatchSize: 200,
		},
		Dispatcher: DispatcherSettings{
			PollInterval: Duration(5 * time.Second),
			MinBackoff:   Duration(30 * time.Second),
			MaxBackoff:   Duration(10 * time.Minute),
			MaxRetries:   5,
			WorkerCount:  4,
		},
		Networks: map[string]NetworkDefaults{
			"Mainnet": {},
			"Preprod": {},
		},
		DefaultMetadataVersion: 1,
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func substituteEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value := os.Getenv(name); value != "" {
			return value
		}
		return match
	})
}

// Load reads a YAML config file, applying ${VAR} environment substitution,
// and fills any zero-valued field with the documented defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if cfg.Reconciler.Interval.Duration() < 5*time.Second {
		cfg.Reconciler.Interval = Duration(5 * time.Second)
	}
	if cfg.Reconciler.Interval.Duration() > 300*time.Second {
		cfg.Reconciler.Interval = Duration(300 * time.Second)
	}

	if dsn := os.Getenv("ESCROW_DATABASE_URL"); dsn != "" {
		cfg.Database.URL = dsn
	}
	if addr := os.Getenv("ESCROW_HTTP_LISTEN_ADDRESS"); addr != "" {
		cfg.HTTP.ListenAddress = addr
	}

	return cfg, nil
}
