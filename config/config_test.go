package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/iap-server/iap"
	"github.com/code-payments/iap-server/sandbox"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "com.example.app", cfg.BundleID)
	require.Equal(t, iap.ServiceSandbox, cfg.ValidationService())
	require.Equal(t, ValidatorSandbox, cfg.Validator)
	require.Equal(t, LedgerSQLite, cfg.Ledger)
	require.Equal(t, 5*time.Minute, cfg.ProductCacheTTL)
	require.Equal(t, ":8080", cfg.ListenAddr)

	breakerConfig := cfg.BreakerConfig()
	require.EqualValues(t, 1, breakerConfig.MaxRequests)
	require.EqualValues(t, 5, breakerConfig.FailureThreshold)
	require.Equal(t, 30*time.Second, breakerConfig.Timeout)

	key, err := cfg.SandboxSigningKey()
	require.NoError(t, err)
	require.NotEmpty(t, key)

	log, err := cfg.Logger()
	require.NoError(t, err)
	require.NotNil(t, log)
}

func TestLoad_EnvFile(t *testing.T) {
	_, priv, err := sandbox.GenerateKeyPair()
	require.NoError(t, err)

	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte(
		"IAP_BUNDLE_ID=com.example.other\n"+
			"IAP_LEDGER=memory\n"+
			"IAP_BREAKER_TIMEOUT=5s\n"+
			"IAP_SANDBOX_SIGNING_KEY="+sandbox.EncodeSigningKey(priv)+"\n",
	), 0o600))

	// The environment wins over the file.
	t.Setenv("IAP_LEDGER", "postgres")
	// Loaded variables are cleared after the test.
	for _, key := range []string{"IAP_BUNDLE_ID", "IAP_BREAKER_TIMEOUT", "IAP_SANDBOX_SIGNING_KEY"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	cfg, err := Load(envFile)
	require.NoError(t, err)
	require.Equal(t, "com.example.other", cfg.BundleID)
	require.Equal(t, LedgerPostgres, cfg.Ledger)
	require.Equal(t, 5*time.Second, cfg.BreakerConfig().Timeout)

	key, err := cfg.SandboxSigningKey()
	require.NoError(t, err)
	require.True(t, priv.Equal(key))

	_, err = Load(filepath.Join(dir, "missing.env"))
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		Service:   "sandbox",
		Validator: ValidatorSandbox,
		Ledger:    LedgerMemory,
		LogLevel:  "debug",
	}
	require.NoError(t, valid.Validate())

	for name, mutate := range map[string]func(c *Config){
		"validator":          func(c *Config) { c.Validator = "stripe" },
		"ledger":             func(c *Config) { c.Ledger = "redis" },
		"sandbox production": func(c *Config) { c.Service = "production" },
		"log level":          func(c *Config) { c.LogLevel = "loud" },
		"signing key":        func(c *Config) { c.SigningKey = "b58:abc" },
	} {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			require.Error(t, c.Validate())
		})
	}

	apple := valid
	apple.Validator = ValidatorApple
	apple.Service = "production"
	require.NoError(t, apple.Validate())
}
