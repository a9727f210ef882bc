package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Auth         AuthConfig         `yaml:"auth" mapstructure:"auth"`
	Marketplace  MarketplaceConfig  `yaml:"marketplace" mapstructure:"marketplace"`
	Subscription SubscriptionConfig `yaml:"subscription" mapstructure:"subscription"`
	Trust        TrustConfig        `yaml:"trust" mapstructure:"trust"`
	Credential   CredentialConfig   `yaml:"credential" mapstructure:"credential"`
	Retry        RetryConfig        `yaml:"retry" mapstructure:"retry"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the storage backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// AuthConfig lists the API keys the server accepts.
type AuthConfig struct {
	Keys []APIKey `yaml:"keys" mapstructure:"keys"`
}

// APIKey maps a bearer token to an agent identity.
type APIKey struct {
	Key     string   `yaml:"key" mapstructure:"key"`
	AgentID string   `yaml:"agent_id" mapstructure:"agent_id"`
	Scopes  []string `yaml:"scopes" mapstructure:"scopes"`
	Tier    string   `yaml:"tier" mapstructure:"tier"`
}

// MarketplaceConfig configures purchase settlement.
type MarketplaceConfig struct {
	RevenueShare float64 `yaml:"revenue_share" mapstructure:"revenue_share"`
}

// SubscriptionConfig configures subscription pricing.
type SubscriptionConfig struct {
	DefaultCredits int64 `yaml:"default_credits" mapstructure:"default_credits"`
	PeriodDays     int   `yaml:"period_days" mapstructure:"period_days"`
}

// TrustConfig configures EigenTrust and how its output feeds reputation.
type TrustConfig struct {
	Alpha         float64 `yaml:"alpha" mapstructure:"alpha"`
	Epsilon       float64 `yaml:"epsilon" mapstructure:"epsilon"`
	MaxIterations int     `yaml:"max_iterations" mapstructure:"max_iterations"`
	PreTrustScore float64 `yaml:"pre_trust_score" mapstructure:"pre_trust_score"`
	MaxAgents     int     `yaml:"max_agents" mapstructure:"max_agents"`
	Scale         float64 `yaml:"scale" mapstructure:"scale"`
	Workers       int     `yaml:"workers" mapstructure:"workers"`
}

// CredentialConfig configures the credential issuer.
type CredentialConfig struct {
	IssuerDID          string `yaml:"issuer_did" mapstructure:"issuer_did"`
	VerificationMethod string `yaml:"verification_method" mapstructure:"verification_method"`
	KeyPath            string `yaml:"key_path" mapstructure:"key_path"`
}

// RetryConfig configures retries of conflicting store transactions.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("KP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "kpledger.db")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("marketplace.revenue_share", 0.70)
	v.SetDefault("subscription.default_credits", 50)
	v.SetDefault("subscription.period_days", 30)
	v.SetDefault("trust.alpha", 0.1)
	v.SetDefault("trust.epsilon", 1e-3)
	v.SetDefault("trust.max_iterations", 50)
	v.SetDefault("trust.pre_trust_score", 0.1)
	v.SetDefault("trust.max_agents", 0)
	v.SetDefault("trust.scale", 100)
	v.SetDefault("trust.workers", 8)
	v.SetDefault("credential.issuer_did", "did:kp:issuer")
	v.SetDefault("credential.verification_method", "")
	v.SetDefault("credential.key_path", "issuer.key")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 50)
	v.SetDefault("retry.max_backoff_ms", 1000)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. Mode is the command name.
func (c *Config) Validate(mode string) error {
	switch c.Store.Driver {
	case "memory", "sqlite":
		if c.Store.Driver == "sqlite" && c.Store.SQLitePath == "" {
			return eris.New("config: store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return eris.New("config: store.database_url is required for the postgres driver")
		}
	default:
		return eris.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			return eris.Errorf("config: server.port must be 1-65535, got %d", c.Server.Port)
		}
		for i, k := range c.Auth.Keys {
			if k.Key == "" || k.AgentID == "" {
				return eris.Errorf("config: auth.keys[%d] needs key and agent_id", i)
			}
		}
	case "credential":
		if c.Credential.IssuerDID == "" {
			return eris.New("config: credential.issuer_did is required")
		}
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
