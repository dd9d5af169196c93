// Package config handles loading and validating SDK configuration.
// Precedence, highest first: explicit caller options, environment variables,
// optional YAML file, built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Defaults.
const (
	DefaultDomain           = "agentbox.ucloud.dev"
	DefaultTemplate         = "base"
	DefaultCodeTemplate     = "code-interpreter"
	DefaultDesktopTemplate  = "desktop"
	DefaultSandboxTimeout   = 300 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
	DefaultExecutionTimeout = 60 * time.Second
	DefaultInactivity       = 60 * time.Second

	// EnvdPort is where the in-sandbox daemon listens.
	EnvdPort = 49982
)

// Config is the resolved SDK configuration.
type Config struct {
	APIKey string        `json:"-" yaml:"api_key"` // Credential for the control plane. Env: AGENTBOX_API_KEY.
	Domain string        `json:"domain,omitempty" yaml:"domain,omitempty"`
	APIURL string        `json:"api_url,omitempty" yaml:"api_url,omitempty"` // Overrides https://api.{domain}.
	Debug  bool          `json:"debug,omitempty" yaml:"debug,omitempty"`     // Local daemon, no control plane.
	Limits *LimitsConfig `json:"limits,omitempty" yaml:"limits,omitempty"`   // nil = client-side limiting disabled

	RequestTimeout   time.Duration `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`
	ExecutionTimeout time.Duration `json:"execution_timeout,omitempty" yaml:"execution_timeout,omitempty"`
	Inactivity       time.Duration `json:"inactivity,omitempty" yaml:"inactivity,omitempty"`

	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics/tracing disabled
}

// LimitsConfig caps client-side control-plane traffic.
type LimitsConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig enables metrics and tracing.
type ObservabilityConfig struct {
	Metrics bool           `json:"metrics" yaml:"metrics"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	Protocol    string  `json:"protocol" yaml:"protocol"` // "grpc" (default) or "http".
	Insecure    bool    `json:"insecure" yaml:"insecure"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
}

// Load resolves configuration from the environment, layered on top of the
// built-in defaults. AGENTBOX_CONFIG may point at a YAML file that is applied
// before the environment.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("AGENTBOX_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Domain:           DefaultDomain,
		RequestTimeout:   DefaultRequestTimeout,
		ExecutionTimeout: DefaultExecutionTimeout,
		Inactivity:       DefaultInactivity,
	}
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.APIKey = goutils.Env("AGENTBOX_API_KEY", c.APIKey)
	c.Domain = goutils.Env("AGENTBOX_DOMAIN", c.Domain)
	c.APIURL = goutils.Env("AGENTBOX_API_URL", c.APIURL)
	if v := os.Getenv("AGENTBOX_DEBUG"); v != "" {
		c.Debug, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("AGENTBOX_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RequestTimeout = d
		}
	}
	if v := os.Getenv("AGENTBOX_EXECUTION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ExecutionTimeout = d
		}
	}
}

// Validate checks that the configuration is usable. Debug mode runs against
// a local daemon and needs no credential.
func (c *Config) Validate() error {
	if !c.Debug && c.APIKey == "" {
		return fmt.Errorf("API key is required: set AGENTBOX_API_KEY or pass WithAPIKey")
	}
	if c.Domain == "" && c.APIURL == "" {
		return fmt.Errorf("either a domain or an explicit API URL is required")
	}
	return nil
}

// ControlPlaneURL returns the API root for the control plane.
func (c *Config) ControlPlaneURL() string {
	if c.APIURL != "" {
		return c.APIURL
	}
	if c.Debug {
		return "http://localhost:3000"
	}
	return "https://api." + c.Domain
}

// Host returns the public host for a port on a sandbox:
// {port}-{sandboxID}.{domain}.
func (c *Config) Host(sandboxID string, port int) string {
	if c.Debug {
		return fmt.Sprintf("localhost:%d", port)
	}
	return fmt.Sprintf("%d-%s.%s", port, sandboxID, c.Domain)
}

// SessionURL returns the WebSocket endpoint of the daemon inside a sandbox.
func (c *Config) SessionURL(sandboxID string) string {
	scheme := "wss"
	if c.Debug {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, c.Host(sandboxID, EnvdPort))
}
