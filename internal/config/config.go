package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the process-level configuration: everything that has to be
// known before the database is open. Tunable send policy lives in the
// layered Store, not here.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Spam     SpamConfig     `yaml:"spam"`
	DNSBL    DNSBLConfig    `yaml:"dnsbl"`
	Unsub    UnsubConfig    `yaml:"unsub"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the listen host, honoring container environments that need
// all-interfaces binding.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "postgres" or "sqlite3"
	DSN    string `yaml:"dsn"`
}

// RedisConfig holds the optional Redis connection for cross-host guards.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

// MonitorConfig holds the PMTA monitor endpoint.
type MonitorConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	InsecureRetry  bool   `yaml:"insecure_retry"` // retry once without cert verification
	PlainHTTP      bool   `yaml:"plain_http"`
}

// Timeout returns the monitor request timeout as a duration.
func (c MonitorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SMTPConfig holds the injection endpoint for the sender pool.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Security string `yaml:"security"` // "none", "starttls", "ssl"
	HELOName string `yaml:"helo_name"`
}

// BridgeConfig points the tailer at its accounting feed: either the HTTP
// bridge or a local directory of accounting files.
type BridgeConfig struct {
	URL             string `yaml:"url"`
	Token           string `yaml:"token"`
	Kind            string `yaml:"kind"`
	MaxLines        int    `yaml:"max_lines"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	AcctDir         string `yaml:"acct_dir"`  // used when URL is empty
	AcctGlob        string `yaml:"acct_glob"`
}

// Interval returns the poll interval as a duration.
func (c BridgeConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// SpamConfig selects the preflight spam scorer.
type SpamConfig struct {
	Mode    string  `yaml:"mode"` // "spamd", "command", "static", "off"
	Host    string  `yaml:"host"`
	Port    int     `yaml:"port"`
	Command string  `yaml:"command"`
	Static  float64 `yaml:"static_score"`
}

// DNSBLConfig lists the blocklist zones the preflight gate surveys.
type DNSBLConfig struct {
	RBLZones  []string `yaml:"rbl_zones"`
	DBLZones  []string `yaml:"dbl_zones"`
	RBLBlocks bool     `yaml:"rbl_blocks"` // listed sender IP blocks the chunk
}

// UnsubConfig configures unsubscribe link generation.
type UnsubConfig struct {
	BaseURL string `yaml:"base_url"`
	Secret  string `yaml:"secret"`
}

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "pmta-blast.db"
	}
	if c.Monitor.Port == 0 {
		c.Monitor.Port = 8443
	}
	if c.Monitor.TimeoutSeconds == 0 {
		c.Monitor.TimeoutSeconds = 10
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 25
	}
	if c.SMTP.Security == "" {
		c.SMTP.Security = "none"
	}
	if c.Bridge.Kind == "" {
		c.Bridge.Kind = "acct"
	}
	if c.Bridge.MaxLines == 0 {
		c.Bridge.MaxLines = 500
	}
	if c.Bridge.IntervalSeconds == 0 {
		c.Bridge.IntervalSeconds = 5
	}
	if c.Bridge.AcctGlob == "" {
		c.Bridge.AcctGlob = "acct*.csv"
	}
	if c.Spam.Mode == "" {
		c.Spam.Mode = "off"
	}
	if c.Spam.Host == "" {
		c.Spam.Host = "127.0.0.1"
	}
	if c.Spam.Port == 0 {
		c.Spam.Port = 783
	}
}

// LoadFromEnv loads configuration with environment variable overrides. A
// .env file (if present) is read first, so secrets can live in .env locally
// and in real env vars in deployment. A missing config file is not an
// error; defaults plus env cover the single-binary deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = &Config{}
		cfg.applyDefaults()
	} else if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
		if cfg.Database.Driver == "sqlite3" {
			cfg.Database.Driver = "postgres"
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("PMTA_HOST"); v != "" {
		cfg.Monitor.Host = v
	}
	if v := os.Getenv("PMTA_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.Port = n
		}
	}
	if v := os.Getenv("PMTA_API_KEY"); v != "" {
		cfg.Monitor.APIKey = v
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.Port = n
		}
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		cfg.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_SECURITY"); v != "" {
		cfg.SMTP.Security = v
	}
	if v := os.Getenv("BRIDGE_URL"); v != "" {
		cfg.Bridge.URL = v
	}
	if v := os.Getenv("BRIDGE_TOKEN"); v != "" {
		cfg.Bridge.Token = v
	}
	if v := os.Getenv("UNSUB_BASE_URL"); v != "" {
		cfg.Unsub.BaseURL = v
	}
	if v := os.Getenv("UNSUB_SECRET"); v != "" {
		cfg.Unsub.Secret = v
	}

	return cfg, nil
}
