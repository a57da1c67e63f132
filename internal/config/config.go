// Package config loads and holds all proxy configuration.
//
// Settings are layered: built-in defaults, then proxy-config.yaml (or the
// legacy proxy-config.json), then a .env file, then environment variables.
// Go's net/http automatically respects HTTP_PROXY / HTTPS_PROXY env vars,
// so upstream (corporate) proxy chaining requires no extra code here.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"pseudonymizing-proxy/internal/interceptor"
	"pseudonymizing-proxy/internal/logger"
)

// Default config file names, tried in order when no path is given.
var defaultFiles = []string{"proxy-config.yaml", "proxy-config.yml", "proxy-config.json"}

var log = logger.New("CONFIG", "info")

// Duration is a time.Duration written as a Go duration string ("5s",
// "10m") in config files.
type Duration struct{ time.Duration }

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Pseudonymizer configures the external pseudonymization service.
type Pseudonymizer struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	URL        string   `json:"url" yaml:"url"`
	Timeout    Duration `json:"timeout" yaml:"timeout"`       // per attempt
	MaxRetries int      `json:"maxRetries" yaml:"maxRetries"` // extra attempts
	Backoff    Duration `json:"backoff" yaml:"backoff"`       // doubled per retry
	Budget     Duration `json:"budget" yaml:"budget"`         // whole call, retries included
}

// Correlation configures the correlation store.
type Correlation struct {
	Backend   string   `json:"backend" yaml:"backend"` // memory | redis
	TTL       Duration `json:"ttl" yaml:"ttl"`
	RedisAddr string   `json:"redisAddr" yaml:"redisAddr"`
}

// Config holds the full proxy configuration.
type Config struct {
	ProxyPort       int    `json:"proxyPort" yaml:"proxyPort"`
	ManagementPort  int    `json:"managementPort" yaml:"managementPort"`
	BindAddress     string `json:"bindAddress" yaml:"bindAddress"`
	ManagementToken string `json:"managementToken" yaml:"managementToken"`
	LogLevel        string `json:"logLevel" yaml:"logLevel"`
	LogFormat       string `json:"logFormat" yaml:"logFormat"`

	CACertFile string `json:"caCertFile" yaml:"caCertFile"`
	CAKeyFile  string `json:"caKeyFile" yaml:"caKeyFile"`

	Pseudonymizer   Pseudonymizer `json:"pseudonymizer" yaml:"pseudonymizer"`
	UpstreamTimeout Duration      `json:"upstreamTimeout" yaml:"upstreamTimeout"`
	Correlation     Correlation   `json:"correlation" yaml:"correlation"`

	Allow            []string `json:"allow" yaml:"allow"`
	Block            []string `json:"block" yaml:"block"`
	InterceptMethods []string `json:"interceptMethods" yaml:"interceptMethods"`
	AllowListFile    string   `json:"allowListFile" yaml:"allowListFile"`

	RequestLogSize        int    `json:"requestLogSize" yaml:"requestLogSize"`
	RequestLogArchive     string `json:"requestLogArchive" yaml:"requestLogArchive"`
	RequestLogMaxArchived int    `json:"requestLogMaxArchived" yaml:"requestLogMaxArchived"`

	RelayTimeout Duration `json:"relayTimeout" yaml:"relayTimeout"`

	OTLPEndpoint string `json:"otlpEndpoint" yaml:"otlpEndpoint"`
	OTLPInsecure bool   `json:"otlpInsecure" yaml:"otlpInsecure"`
}

// Load returns config with defaults overridden by the config file, .env
// and env vars. An empty path tries the default file names.
func Load(path string) *Config {
	cfg := defaults()
	if p := Resolve(path); p != "" {
		loadFile(cfg, p)
	}
	loadDotEnv(".env")
	loadEnv(cfg)
	return cfg
}

// Resolve returns the file Load reads for path: path itself when set,
// otherwise the first default file that exists, otherwise "".
func Resolve(path string) string {
	if path != "" {
		return path
	}
	for _, p := range defaultFiles {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func defaults() *Config {
	return &Config{
		ProxyPort:      8080,
		ManagementPort: 8081,
		BindAddress:    "127.0.0.1",
		LogLevel:       "info",
		LogFormat:      "console",
		CACertFile:     "ca-cert.pem",
		CAKeyFile:      "ca-key.pem",
		Pseudonymizer: Pseudonymizer{
			Enabled:    true,
			URL:        "http://127.0.0.1:5000",
			Timeout:    Duration{5 * time.Second},
			MaxRetries: 2,
			Backoff:    Duration{200 * time.Millisecond},
			Budget:     Duration{interceptor.DefaultPseudonymizeTimeout},
		},
		UpstreamTimeout: Duration{interceptor.DefaultUpstreamTimeout},
		Correlation: Correlation{
			Backend:   "memory",
			TTL:       Duration{5 * time.Minute},
			RedisAddr: "127.0.0.1:6379",
		},
		Allow:                 append([]string(nil), interceptor.DefaultAllow...),
		Block:                 append([]string(nil), interceptor.DefaultBlock...),
		InterceptMethods:      append([]string(nil), interceptor.DefaultMethods...),
		AllowListFile:         "allow-list.json",
		RequestLogSize:        500,
		RequestLogMaxArchived: 10000,
		RelayTimeout:          Duration{30 * time.Second},
	}
}

// loadFile applies path over cfg and reports whether the file was read.
// YAML is tried first; JSON is the fallback for files YAML rejects.
func loadFile(cfg *Config, path string) bool {
	data, err := os.ReadFile(path) // #nosec G304 -- path from trusted config
	if err != nil {
		return false // file is optional
	}
	next := *cfg
	if yerr := yaml.Unmarshal(data, &next); yerr != nil {
		next = *cfg
		if jerr := json.Unmarshal(data, &next); jerr != nil {
			log.Warnf("load", "could not parse %s: %v", path, yerr)
			return true
		}
	}
	*cfg = next
	log.Infof("load", "loaded %s", path)
	return true
}

// loadDotEnv sets variables from a .env file without overriding ones
// already in the environment.
func loadDotEnv(path string) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("load", "could not read %s: %v", path, err)
	}
}

func loadEnv(cfg *Config) {
	envInt("PROXY_PORT", &cfg.ProxyPort)
	envInt("MANAGEMENT_PORT", &cfg.ManagementPort)
	envString("BIND_ADDRESS", &cfg.BindAddress)
	envString("MANAGEMENT_TOKEN", &cfg.ManagementToken)
	envString("LOG_LEVEL", &cfg.LogLevel)
	envString("LOG_FORMAT", &cfg.LogFormat)
	envString("CA_CERT_FILE", &cfg.CACertFile)
	envString("CA_KEY_FILE", &cfg.CAKeyFile)

	envBool("PSEUDONYMIZER_ENABLED", &cfg.Pseudonymizer.Enabled)
	envString("PSEUDONYMIZER_URL", &cfg.Pseudonymizer.URL)
	envDuration("PSEUDONYMIZER_TIMEOUT", &cfg.Pseudonymizer.Timeout)
	envInt("PSEUDONYMIZER_MAX_RETRIES", &cfg.Pseudonymizer.MaxRetries)
	envDuration("PSEUDONYMIZER_BACKOFF", &cfg.Pseudonymizer.Backoff)
	envDuration("PSEUDONYMIZER_BUDGET", &cfg.Pseudonymizer.Budget)
	envDuration("UPSTREAM_TIMEOUT", &cfg.UpstreamTimeout)

	envString("CORRELATION_BACKEND", &cfg.Correlation.Backend)
	envDuration("CORRELATION_TTL", &cfg.Correlation.TTL)
	envString("REDIS_ADDR", &cfg.Correlation.RedisAddr)

	envList("ALLOW_PATTERNS", &cfg.Allow)
	envList("BLOCK_PATTERNS", &cfg.Block)
	envList("INTERCEPT_METHODS", &cfg.InterceptMethods)
	envString("ALLOW_LIST_FILE", &cfg.AllowListFile)

	envInt("REQUEST_LOG_SIZE", &cfg.RequestLogSize)
	envString("REQUEST_LOG_ARCHIVE", &cfg.RequestLogArchive)
	envInt("REQUEST_LOG_MAX_ARCHIVED", &cfg.RequestLogMaxArchived)
	envDuration("RELAY_TIMEOUT", &cfg.RelayTimeout)

	envString("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTLPEndpoint)
	envBool("OTLP_INSECURE", &cfg.OTLPInsecure)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// envInt ignores values that are not non-negative integers, keeping the
// previous setting.
func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		log.Warnf("load", "ignoring %s=%q", key, v)
		return
	}
	*dst = n
}

func envBool(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warnf("load", "ignoring %s=%q", key, v)
		return
	}
	*dst = b
}

func envDuration(key string, dst *Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var d Duration
	if err := d.UnmarshalText([]byte(v)); err != nil || d.Duration <= 0 {
		log.Warnf("load", "ignoring %s=%q", key, v)
		return
	}
	*dst = d
}

// envList reads a comma-separated list. Blank entries are dropped.
func envList(key string, dst *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

// Validate reports the first setting that would prevent startup.
func (c *Config) Validate() error {
	switch {
	case c.ProxyPort <= 0 || c.ProxyPort > 65535:
		return fmt.Errorf("proxyPort %d out of range", c.ProxyPort)
	case c.ManagementPort <= 0 || c.ManagementPort > 65535:
		return fmt.Errorf("managementPort %d out of range", c.ManagementPort)
	case c.ProxyPort == c.ManagementPort:
		return fmt.Errorf("proxyPort and managementPort are both %d", c.ProxyPort)
	case c.Pseudonymizer.Enabled && c.Pseudonymizer.URL == "":
		return errors.New("pseudonymizer enabled without a url")
	case c.Pseudonymizer.MaxRetries < 0:
		return errors.New("pseudonymizer maxRetries must not be negative")
	}
	switch c.Correlation.Backend {
	case "memory":
	case "redis":
		if c.Correlation.RedisAddr == "" {
			return errors.New("correlation backend redis needs redisAddr")
		}
	default:
		return fmt.Errorf("unknown correlation backend %q", c.Correlation.Backend)
	}
	return nil
}
