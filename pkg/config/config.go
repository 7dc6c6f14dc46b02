package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/sirosfoundation/go-wallet-core/pkg/logging"
	"github.com/sirosfoundation/go-wallet-core/pkg/urlfilter"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" envconfig:"SERVER"`
	Logging      logging.Config     `yaml:"logging" envconfig:"LOGGING"`
	Issuance     IssuanceConfig     `yaml:"issuance" envconfig:"ISSUANCE"`
	Tokens       TokensConfig       `yaml:"tokens" envconfig:"TOKENS"`
	Signing      SigningConfig      `yaml:"signing" envconfig:"SIGNING"`
	Trust        TrustConfig        `yaml:"trust" envconfig:"TRUST"`
	Presentation PresentationConfig `yaml:"presentation" envconfig:"PRESENTATION"`
	SessionStore SessionStoreConfig `yaml:"session_store" envconfig:"SESSION_STORE"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host        string   `yaml:"host" envconfig:"HOST"`
	Port        int      `yaml:"port" envconfig:"PORT"`
	BaseURL     string   `yaml:"base_url" envconfig:"BASE_URL"`
	CORSOrigins []string `yaml:"cors_origins" envconfig:"CORS_ORIGINS"`
}

// IssuanceConfig contains OpenID4VCI client configuration
type IssuanceConfig struct {
	ClientID    string `yaml:"client_id" envconfig:"CLIENT_ID"`
	RedirectURI string `yaml:"redirect_uri" envconfig:"REDIRECT_URI"`
	// DeferredPollInterval is the wait between deferred credential polls
	DeferredPollInterval time.Duration `yaml:"deferred_poll_interval" envconfig:"DEFERRED_POLL_INTERVAL"`
	// DeferredMaxLifetime bounds a deferred transaction, measured from deferral
	DeferredMaxLifetime  time.Duration `yaml:"deferred_max_lifetime" envconfig:"DEFERRED_MAX_LIFETIME"`
	MaxAcceptedBatchSize int           `yaml:"max_accepted_batch_size" envconfig:"MAX_ACCEPTED_BATCH_SIZE"`
	ProofAlg             string        `yaml:"proof_alg" envconfig:"PROOF_ALG"`
	HTTPTimeout          time.Duration `yaml:"http_timeout" envconfig:"HTTP_TIMEOUT"`
}

// TokensConfig contains access token handling configuration
type TokensConfig struct {
	// ExpirySkew treats a token as expired this long before its expiry
	ExpirySkew time.Duration `yaml:"expiry_skew" envconfig:"EXPIRY_SKEW"`
}

// SigningConfig contains the key module channel configuration
type SigningConfig struct {
	URL              string        `yaml:"url" envconfig:"URL"`
	AppToken         string        `yaml:"app_token" envconfig:"APP_TOKEN"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" envconfig:"HANDSHAKE_TIMEOUT"`
	RequestTimeout   time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	DialRetries      int           `yaml:"dial_retries" envconfig:"DIAL_RETRIES"`
}

// TrustConfig contains trust evaluation configuration
type TrustConfig struct {
	// Type is the evaluator: none, x509, authzen or composite
	Type    string          `yaml:"type" envconfig:"TYPE"`
	X509    X509TrustConfig `yaml:"x509" envconfig:"X509"`
	AuthZEN AuthZENConfig   `yaml:"authzen" envconfig:"AUTHZEN"`
	// RegistrarURL serves the registrar root as PEM or JWKS
	RegistrarURL string `yaml:"registrar_url" envconfig:"REGISTRAR_URL"`
	// Timeout is the HTTP timeout for trust related fetches
	Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
}

// X509TrustConfig lists PEM files; roots are re-read on every validation
type X509TrustConfig struct {
	RootCertPaths         []string `yaml:"root_cert_paths" envconfig:"ROOT_CERT_PATHS"`
	IntermediateCertPaths []string `yaml:"intermediate_cert_paths" envconfig:"INTERMEDIATE_CERT_PATHS"`
}

// AuthZENConfig contains the go-trust PDP connection settings
type AuthZENConfig struct {
	BaseURL      string        `yaml:"base_url" envconfig:"BASE_URL"`
	Timeout      time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	UseDiscovery bool          `yaml:"use_discovery" envconfig:"USE_DISCOVERY"`
}

// PresentationConfig contains OpenID4VP configuration
type PresentationConfig struct {
	// TransactionDataTypes are the transaction_data type tags the wallet understands
	TransactionDataTypes []string `yaml:"transaction_data_types" envconfig:"TRANSACTION_DATA_TYPES"`
	// URLFilter guards request_uri and response_uri targets
	URLFilter urlfilter.Config `yaml:"url_filter" envconfig:"URL_FILTER"`
}

// SessionStoreConfig contains serialized session storage configuration
type SessionStoreConfig struct {
	// Type is the store type: "memory", "redis" or "mongodb"
	Type       string        `yaml:"type" envconfig:"TYPE"`
	Redis      RedisConfig   `yaml:"redis" envconfig:"REDIS"`
	MongoDB    MongoDBConfig `yaml:"mongodb" envconfig:"MONGODB"`
	DefaultTTL time.Duration `yaml:"default_ttl" envconfig:"DEFAULT_TTL"`

	// CleanupInterval is the expiry sweep period of the memory store
	CleanupInterval time.Duration `yaml:"cleanup_interval" envconfig:"CLEANUP_INTERVAL"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Address   string `yaml:"address" envconfig:"ADDRESS"`
	Password  string `yaml:"password" envconfig:"PASSWORD"`
	DB        int    `yaml:"db" envconfig:"DB"`
	KeyPrefix string `yaml:"key_prefix" envconfig:"KEY_PREFIX"`
}

// MongoDBConfig contains MongoDB-specific configuration
type MongoDBConfig struct {
	URI        string `yaml:"uri" envconfig:"URI"`
	Database   string `yaml:"database" envconfig:"DATABASE"`
	Collection string `yaml:"collection" envconfig:"COLLECTION"`
	Timeout    int    `yaml:"timeout" envconfig:"TIMEOUT"` // seconds
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	cfg := defaultConfig()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// File doesn't exist, that's ok - we'll use defaults and env vars
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Environment variables have the highest priority
	if err := envconfig.Process("WALLET", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Issuance.RedirectURI == "" {
		cfg.Issuance.RedirectURI = cfg.Server.BaseURL + "/issuance/callback"
	}

	return cfg, nil
}

// Default returns the defaults, for callers that build a Config without a file
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Logging: logging.DefaultConfig(),
		Issuance: IssuanceConfig{
			ClientID:             "wallet-core",
			DeferredPollInterval: 5 * time.Second,
			DeferredMaxLifetime:  600 * time.Second,
			MaxAcceptedBatchSize: 1,
			ProofAlg:             "ES256",
			HTTPTimeout:          30 * time.Second,
		},
		Tokens: TokensConfig{
			ExpirySkew: 10 * time.Second,
		},
		Signing: SigningConfig{
			HandshakeTimeout: 10 * time.Second,
			RequestTimeout:   60 * time.Second,
			DialRetries:      2,
		},
		Trust: TrustConfig{
			Type:    "none",
			Timeout: 30 * time.Second,
		},
		Presentation: PresentationConfig{
			TransactionDataTypes: []string{"payment_data", "qes_authorization"},
			URLFilter:            urlfilter.DefaultConfig(),
		},
		SessionStore: SessionStoreConfig{
			Type:            "memory",
			DefaultTTL:      24 * time.Hour,
			CleanupInterval: time.Minute,
			Redis: RedisConfig{
				Address:   "localhost:6379",
				KeyPrefix: "wallet:session:",
			},
			MongoDB: MongoDBConfig{
				URI:        "mongodb://localhost:27017",
				Database:   "wallet",
				Collection: "sessions",
				Timeout:    10,
			},
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Issuance.ClientID == "" {
		return fmt.Errorf("issuance client_id is required")
	}
	if c.Issuance.MaxAcceptedBatchSize < 1 {
		return fmt.Errorf("issuance max_accepted_batch_size must be at least 1, got %d", c.Issuance.MaxAcceptedBatchSize)
	}
	if c.Issuance.DeferredPollInterval <= 0 {
		return fmt.Errorf("issuance deferred_poll_interval must be positive")
	}
	if c.Issuance.DeferredMaxLifetime < c.Issuance.DeferredPollInterval {
		return fmt.Errorf("issuance deferred_max_lifetime must not be shorter than deferred_poll_interval")
	}

	if c.Tokens.ExpirySkew < 0 {
		return fmt.Errorf("tokens expiry_skew must not be negative")
	}

	if c.Signing.DialRetries < 0 {
		return fmt.Errorf("signing dial_retries must not be negative")
	}

	switch c.Trust.Type {
	case "", "none", "x509":
	case "authzen", "composite":
		if c.Trust.Type == "authzen" && c.Trust.AuthZEN.BaseURL == "" {
			return fmt.Errorf("trust authzen base_url is required when using authzen trust")
		}
	default:
		return fmt.Errorf("invalid trust type: %s (must be none, x509, authzen, or composite)", c.Trust.Type)
	}

	switch c.SessionStore.Type {
	case "memory":
	case "redis":
		if c.SessionStore.Redis.Address == "" {
			return fmt.Errorf("redis address is required when using redis session store")
		}
	case "mongodb":
		if c.SessionStore.MongoDB.URI == "" {
			return fmt.Errorf("mongodb uri is required when using mongodb session store")
		}
	default:
		return fmt.Errorf("invalid session store type: %s (must be memory, redis, or mongodb)", c.SessionStore.Type)
	}

	return nil
}

// Address returns the server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
