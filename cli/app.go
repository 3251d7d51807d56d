package cli

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/code-payments/iap-server/config"
	"github.com/code-payments/iap-server/iap"
	"github.com/code-payments/iap-server/iap/android"
	"github.com/code-payments/iap-server/iap/apple"
	"github.com/code-payments/iap-server/iap/breaker"
	"github.com/code-payments/iap-server/iap/cache"
	"github.com/code-payments/iap-server/metrics"
	"github.com/code-payments/iap-server/model"
	"github.com/code-payments/iap-server/sandbox"
	"github.com/code-payments/iap-server/sandbox/memory"
	"github.com/code-payments/iap-server/sandbox/postgres"
	"github.com/code-payments/iap-server/sandbox/sqlite"
)

// app holds everything a command needs.
type app struct {
	cfg          *config.Config
	log          *zap.Logger
	catalog      *model.Catalog
	store        *sandbox.Store
	orchestrator *iap.Orchestrator
	registry     *prometheus.Registry
	db           *sql.DB
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	catalog, err := model.NewCatalog(cfg.BundleID, model.DefaultPurchases()...)
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog: %w", err)
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		catalog:  catalog,
		registry: prometheus.NewRegistry(),
	}

	ledger, err := a.openLedger(ctx)
	if err != nil {
		return nil, err
	}

	signer, err := cfg.SandboxSigningKey()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	a.store = sandbox.NewStore(log, ledger, signer, cfg.BundleID, sandbox.DefaultListings(catalog))

	observer, err := metrics.NewObserver(a.registry)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	validator, err := a.newValidator(signer)
	if err != nil {
		a.Close()
		return nil, err
	}
	validator = breaker.NewValidator(log, cfg.Validator, validator, cfg.BreakerConfig(), observer.BreakerStateChanged)

	activity := iap.NewNetworkActivity(func(active bool) {
		log.Debug("Network activity changed", zap.Bool("active", active))
	})

	a.orchestrator = iap.NewOrchestrator(
		log,
		cache.NewInCache(a.store, cfg.ProductCacheTTL),
		validator,
		cfg.ValidationService(),
		cfg.SharedSecret,
		iap.WithObserver(iap.Observers(observer, activity)),
	)

	return a, nil
}

func (a *app) openLedger(ctx context.Context) (sandbox.Ledger, error) {
	var err error

	switch a.cfg.Ledger {
	case config.LedgerMemory:
		return memory.NewInMemory(), nil
	case config.LedgerSQLite:
		a.db, err = sqlite.Open(ctx, a.cfg.LedgerDSN)
		if err != nil {
			return nil, err
		}
		return sqlite.NewInSQLite(a.db), nil
	case config.LedgerPostgres:
		a.db, err = postgres.Open(ctx, a.cfg.LedgerDSN)
		if err != nil {
			return nil, err
		}
		return postgres.NewInPostgres(a.db), nil
	default:
		return nil, fmt.Errorf("unknown ledger: %q", a.cfg.Ledger)
	}
}

func (a *app) newValidator(signer ed25519.PrivateKey) (iap.Validator, error) {
	switch a.cfg.Validator {
	case config.ValidatorApple:
		return apple.NewAppleValidator(a.log, a.cfg.BundleID), nil
	case config.ValidatorAndroid:
		var credentials []byte
		if a.cfg.AndroidCredentialsFile != "" {
			var err error
			credentials, err = os.ReadFile(a.cfg.AndroidCredentialsFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read android credentials: %w", err)
			}
		}
		return android.NewAndroidValidator(a.log, credentials, a.cfg.BundleID), nil
	default:
		return sandbox.NewValidator(signer.Public().(ed25519.PublicKey), a.cfg.SharedSecret), nil
	}
}

// resolve accepts either a registered purchase name or a full product id.
func (a *app) resolve(nameOrID string) (model.RegisteredPurchase, string, error) {
	if p, id, err := a.catalog.Lookup(nameOrID); err == nil {
		return p, id, nil
	}
	p, err := a.catalog.LookupProductID(nameOrID)
	if err != nil {
		return model.RegisteredPurchase{}, "", fmt.Errorf("%s: %w", nameOrID, err)
	}
	return p, nameOrID, nil
}

func (a *app) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}
