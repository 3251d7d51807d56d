package config

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/code-payments/iap-server/iap"
	"github.com/code-payments/iap-server/iap/breaker"
	"github.com/code-payments/iap-server/sandbox"
)

const (
	ValidatorSandbox = "sandbox"
	ValidatorApple   = "apple"
	ValidatorAndroid = "android"

	LedgerMemory   = "memory"
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
)

type Config struct {
	BundleID     string `env:"IAP_BUNDLE_ID" env-default:"com.example.app" env-description:"app bundle id / package name"`
	Service      string `env:"IAP_SERVICE" env-default:"sandbox" env-description:"validation service: sandbox, production or a verifyReceipt URL"`
	SharedSecret string `env:"IAP_SHARED_SECRET" env-description:"App Store shared secret"`

	Validator              string `env:"IAP_VALIDATOR" env-default:"sandbox" env-description:"receipt validator: sandbox, apple or android"`
	AndroidCredentialsFile string `env:"IAP_ANDROID_CREDENTIALS_FILE" env-description:"Google service account JSON file"`

	Ledger    string `env:"IAP_LEDGER" env-default:"sqlite" env-description:"sandbox ledger: memory, sqlite or postgres"`
	LedgerDSN string `env:"IAP_LEDGER_DSN" env-default:"iap-sandbox.db" env-description:"sqlite path or postgres URL"`

	SigningKey string `env:"IAP_SANDBOX_SIGNING_KEY" env-description:"encoded ed25519 seed used to sign sandbox receipts, e.g. b58:..."`

	ProductCacheTTL time.Duration `env:"IAP_PRODUCT_CACHE_TTL" env-default:"5m"`

	BreakerMaxRequests      uint32        `env:"IAP_BREAKER_MAX_REQUESTS" env-default:"1"`
	BreakerInterval         time.Duration `env:"IAP_BREAKER_INTERVAL" env-default:"1m"`
	BreakerTimeout          time.Duration `env:"IAP_BREAKER_TIMEOUT" env-default:"30s"`
	BreakerFailureThreshold uint32        `env:"IAP_BREAKER_FAILURE_THRESHOLD" env-default:"5"`

	ListenAddr string `env:"IAP_LISTEN_ADDR" env-default:":8080"`
	LogLevel   string `env:"IAP_LOG_LEVEL" env-default:"info"`
}

// Load reads .env files into the environment, then the environment into a
// Config. Variables already set take precedence over the files. Without
// arguments, a missing .env in the working directory is ignored.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			files = []string{".env"}
		}
	}
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return nil, errors.Wrap(err, "failed to load env files")
		}
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Validator {
	case ValidatorSandbox, ValidatorApple, ValidatorAndroid:
	default:
		return fmt.Errorf("unknown validator: %q", c.Validator)
	}

	switch c.Ledger {
	case LedgerMemory, LedgerSQLite, LedgerPostgres:
	default:
		return fmt.Errorf("unknown ledger: %q", c.Ledger)
	}

	if c.Validator == ValidatorSandbox && c.ValidationService() == iap.ServiceProduction {
		return errors.New("the sandbox validator only accepts the sandbox service")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "invalid log level")
	}
	if c.SigningKey != "" {
		if _, err := sandbox.ParseSigningKey(c.SigningKey); err != nil {
			return errors.Wrap(err, "invalid sandbox signing key")
		}
	}
	return nil
}

func (c *Config) ValidationService() iap.Service {
	return iap.ParseService(c.Service)
}

func (c *Config) BreakerConfig() breaker.Config {
	return breaker.Config{
		MaxRequests:      c.BreakerMaxRequests,
		Interval:         c.BreakerInterval,
		Timeout:          c.BreakerTimeout,
		FailureThreshold: c.BreakerFailureThreshold,
	}
}

// SandboxSigningKey returns the configured signing key, or a fresh one when
// none is configured.
func (c *Config) SandboxSigningKey() (ed25519.PrivateKey, error) {
	if c.SigningKey == "" {
		_, priv, err := sandbox.GenerateKeyPair()
		return priv, err
	}
	return sandbox.ParseSigningKey(c.SigningKey)
}

// Logger builds the process logger at the configured level.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
