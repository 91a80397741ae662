package claimd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"rewardsettle/services/claimd/confirm"
	"rewardsettle/services/claimd/settlement"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses a duration string such as "90s" or "10m".
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for claimd.
type Config struct {
	ListenAddress           string          `yaml:"listen" toml:"listen"`
	Environment             string          `yaml:"environment" toml:"environment"`
	MaxRetries              int             `yaml:"max_retries" toml:"max_retries"`
	BatchSize               int             `yaml:"batch_size" toml:"batch_size"`
	MaxPendingClaimsPerUser int             `yaml:"max_pending_claims_per_user" toml:"max_pending_claims_per_user"`
	TokenDecimals           int32           `yaml:"token_decimals" toml:"token_decimals"`
	BatchPolicy             string          `yaml:"batch_policy" toml:"batch_policy"`
	ConfirmSettlement       string          `yaml:"confirm_settlement" toml:"confirm_settlement"`
	PollInterval            Duration        `yaml:"poll_interval" toml:"poll_interval"`
	SubmitTimeout           Duration        `yaml:"submit_timeout" toml:"submit_timeout"`
	LeaseTimeout            Duration        `yaml:"lease_timeout" toml:"lease_timeout"`
	Scheduler               SchedulerConfig `yaml:"scheduler" toml:"scheduler"`
	Database                DatabaseConfig  `yaml:"database" toml:"database"`
	Chain                   ChainConfig     `yaml:"chain" toml:"chain"`
	Auth                    AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit               RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Log                     LogConfig       `yaml:"log" toml:"log"`
}

// SchedulerConfig secures the batch trigger and optionally runs it in-process.
type SchedulerConfig struct {
	Token     string `yaml:"token" toml:"token"`
	TokenFile string `yaml:"token_file" toml:"token_file"`
	TokenEnv  string `yaml:"token_env" toml:"token_env"`
	// Interval enables the in-process timer when positive.
	Interval Duration `yaml:"interval" toml:"interval"`
}

// DatabaseConfig selects the SQL backend.
type DatabaseConfig struct {
	Driver          string   `yaml:"driver" toml:"driver"`
	DSN             string   `yaml:"dsn" toml:"dsn"`
	DSNEnv          string   `yaml:"dsn_env" toml:"dsn_env"`
	MaxOpenConns    int      `yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" toml:"conn_max_lifetime"`
}

// ChainConfig configures the EVM endpoint, token contracts and operator key.
type ChainConfig struct {
	RPCURL             string `yaml:"rpc_url" toml:"rpc_url"`
	ChainID            uint64 `yaml:"chain_id" toml:"chain_id"`
	TokenAddress       string `yaml:"token_address" toml:"token_address"`
	DistributorAddress string `yaml:"distributor_address" toml:"distributor_address"`
	SignerKey          string `yaml:"signer_key" toml:"signer_key"`
	SignerKeyFile      string `yaml:"signer_key_file" toml:"signer_key_file"`
	SignerKeyEnv       string `yaml:"signer_key_env" toml:"signer_key_env"`
	GasLimit           uint64 `yaml:"gas_limit" toml:"gas_limit"`
	Confirmations      uint64 `yaml:"confirmations" toml:"confirmations"`
	// VerifyConfirmations checks client-reported direct claims against the chain.
	VerifyConfirmations bool `yaml:"verify_confirmations" toml:"verify_confirmations"`
}

// AuthConfig controls JWT verification for user routes.
type AuthConfig struct {
	HMACSecret     string   `yaml:"hmac_secret" toml:"hmac_secret"`
	HMACSecretFile string   `yaml:"hmac_secret_file" toml:"hmac_secret_file"`
	HMACSecretEnv  string   `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	Issuer         string   `yaml:"issuer" toml:"issuer"`
	Audience       []string `yaml:"audience" toml:"audience"`
	AdminScope     string   `yaml:"admin_scope" toml:"admin_scope"`
	ClockSkew      Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// RateLimitConfig bounds requests per caller on user routes.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int `yaml:"burst" toml:"burst"`
}

// LogConfig optionally mirrors logs into a rotated file.
type LogConfig struct {
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// LoadConfig reads configuration from the supplied path. Files ending in .toml
// are decoded as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.Scheduler.normalise(); err != nil {
		return cfg, fmt.Errorf("scheduler: %w", err)
	}
	if err := cfg.Database.normalise(); err != nil {
		return cfg, fmt.Errorf("database: %w", err)
	}
	if err := cfg.Chain.normalise(); err != nil {
		return cfg, fmt.Errorf("chain signer: %w", err)
	}
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = settlement.DefaultMaxRetries
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = settlement.DefaultBatchSize
	}
	if cfg.MaxPendingClaimsPerUser <= 0 {
		cfg.MaxPendingClaimsPerUser = 3
	}
	if cfg.TokenDecimals == 0 {
		cfg.TokenDecimals = 18
	}
	if cfg.BatchPolicy == "" {
		cfg.BatchPolicy = string(settlement.PolicyPerWallet)
	}
	if cfg.ConfirmSettlement == "" {
		cfg.ConfirmSettlement = string(confirm.PolicyFullBalance)
	}
	if cfg.PollInterval.Duration == 0 {
		cfg.PollInterval.Duration = settlement.DefaultPollInterval
	}
	if cfg.SubmitTimeout.Duration == 0 {
		cfg.SubmitTimeout.Duration = settlement.DefaultSubmitTimeout
	}
	if cfg.LeaseTimeout.Duration == 0 {
		cfg.LeaseTimeout.Duration = settlement.DefaultLeaseTimeout
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Chain.GasLimit == 0 {
		cfg.Chain.GasLimit = 250_000
	}
	if cfg.Chain.Confirmations == 0 {
		cfg.Chain.Confirmations = 1
	}
	if cfg.Auth.AdminScope == "" {
		cfg.Auth.AdminScope = "claims:admin"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 30 * time.Second
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
}

func validateConfig(cfg Config) error {
	if cfg.Scheduler.Token == "" {
		return fmt.Errorf("scheduler token must be configured")
	}
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database driver %q is not supported", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
		return fmt.Errorf("chain rpc_url must be configured")
	}
	if cfg.Chain.ChainID == 0 {
		return fmt.Errorf("chain chain_id must be configured")
	}
	if strings.TrimSpace(cfg.Chain.TokenAddress) == "" {
		return fmt.Errorf("chain token_address must be configured")
	}
	if cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth hmac secret must be configured")
	}
	if cfg.TokenDecimals < 0 || cfg.TokenDecimals > 36 {
		return fmt.Errorf("token_decimals must be between 0 and 36")
	}
	if _, err := settlement.ParsePolicy(cfg.BatchPolicy); err != nil {
		return err
	}
	if _, err := confirm.ParsePolicy(cfg.ConfirmSettlement); err != nil {
		return err
	}
	if cfg.LeaseTimeout.Duration < cfg.SubmitTimeout.Duration {
		return fmt.Errorf("lease_timeout must be at least submit_timeout")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	return nil
}

// readSecret resolves a secret from its inline value, an environment variable or
// a file, in that order.
func readSecret(name, value, env, file string) (string, error) {
	if value = strings.TrimSpace(value); value != "" {
		return value, nil
	}
	if env = strings.TrimSpace(env); env != "" {
		resolved := strings.TrimSpace(os.Getenv(env))
		if resolved == "" {
			return "", fmt.Errorf("%s_env %s is empty", name, env)
		}
		return resolved, nil
	}
	if file = strings.TrimSpace(file); file != "" {
		contents, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read %s_file: %w", name, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}

func (s *SchedulerConfig) normalise() error {
	token, err := readSecret("token", s.Token, s.TokenEnv, s.TokenFile)
	if err != nil {
		return err
	}
	s.Token = token
	if s.Interval.Duration < 0 {
		return fmt.Errorf("interval must not be negative")
	}
	return nil
}

func (d *DatabaseConfig) normalise() error {
	d.Driver = strings.ToLower(strings.TrimSpace(d.Driver))
	dsn, err := readSecret("dsn", d.DSN, d.DSNEnv, "")
	if err != nil {
		return err
	}
	d.DSN = dsn
	return nil
}

func (c *ChainConfig) normalise() error {
	c.RPCURL = strings.TrimSpace(c.RPCURL)
	c.TokenAddress = strings.TrimSpace(c.TokenAddress)
	c.DistributorAddress = strings.TrimSpace(c.DistributorAddress)
	key, err := readSecret("signer_key", c.SignerKey, c.SignerKeyEnv, c.SignerKeyFile)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("signer_key is required")
	}
	c.SignerKey = key
	return nil
}

func (a *AuthConfig) normalise() error {
	secret, err := readSecret("hmac_secret", a.HMACSecret, a.HMACSecretEnv, a.HMACSecretFile)
	if err != nil {
		return err
	}
	a.HMACSecret = secret
	a.Issuer = strings.TrimSpace(a.Issuer)
	a.AdminScope = strings.TrimSpace(a.AdminScope)
	audience := a.Audience[:0]
	for _, aud := range a.Audience {
		if trimmed := strings.TrimSpace(aud); trimmed != "" {
			audience = append(audience, trimmed)
		}
	}
	a.Audience = audience
	return nil
}
