package sandbox

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/code-payments/iap-server/iap"
	"github.com/code-payments/iap-server/model"
)

// Listing is a product offered by the sandbox storefront.
type Listing struct {
	Product iap.Product
	Kind    model.ProductKind

	// RenewalPeriod is the length of one auto-renewable period.
	RenewalPeriod time.Duration

	// Unavailable listings are known but cannot be bought in the current
	// storefront.
	Unavailable bool
}

// DefaultListings prices every purchase in the catalog. Renewal periods follow
// the accelerated App Store sandbox schedule.
func DefaultListings(catalog *model.Catalog) []Listing {
	var res []Listing
	for _, p := range catalog.Purchases() {
		_, productID, err := catalog.Lookup(p.Name)
		if err != nil {
			continue
		}

		listing := Listing{
			Product: iap.Product{
				ID:           productID,
				Title:        p.Name,
				Description:  p.Kind.String(),
				Price:        decimal.RequireFromString("0.99"),
				CurrencyCode: "USD",
				Locale:       "en-US",
			},
			Kind: p.Kind,
		}

		switch p.Name {
		case "autoRenewableWeekly":
			listing.RenewalPeriod = 3 * time.Minute
		case "autoRenewableMonthly":
			listing.Product.Price = decimal.RequireFromString("2.99")
			listing.RenewalPeriod = 5 * time.Minute
		case "autoRenewableYearly":
			listing.Product.Price = decimal.RequireFromString("19.99")
			listing.RenewalPeriod = time.Hour
		case "nonConsumablePurchase", "purchase2":
			listing.Product.Price = decimal.RequireFromString("1.99")
		}

		if _, ok := p.Kind.(model.AutoRenewableSubscription); ok && listing.RenewalPeriod == 0 {
			listing.RenewalPeriod = 5 * time.Minute
		}

		res = append(res, listing)
	}
	return res
}

type StoreOption func(*Store)

func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		s.clock = clock
	}
}

// Store is an iap.Store backed by a Ledger. It signs receipts that Validator
// accepts, and lets callers script failures the way a real storefront would
// produce them.
type Store struct {
	log      *zap.Logger
	ledger   Ledger
	signer   ed25519.PrivateKey
	bundleID string
	clock    func() time.Time

	mu              sync.Mutex
	listings        map[string]Listing
	paymentsAllowed bool
	nextPurchase    map[string]*iap.PurchaseError
	restoreFailures map[string]error
}

func NewStore(log *zap.Logger, ledger Ledger, signer ed25519.PrivateKey, bundleID string, listings []Listing, opts ...StoreOption) *Store {
	s := &Store{
		log:             log,
		ledger:          ledger,
		signer:          signer,
		bundleID:        bundleID,
		clock:           time.Now,
		listings:        make(map[string]Listing, len(listings)),
		paymentsAllowed: true,
		nextPurchase:    make(map[string]*iap.PurchaseError),
		restoreFailures: make(map[string]error),
	}
	for _, l := range listings {
		s.listings[l.Product.ID] = l
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPaymentsAllowed toggles device-wide payment restrictions.
func (s *Store) SetPaymentsAllowed(allowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paymentsAllowed = allowed
}

// FailNextPurchase makes the next purchase of productID fail with code.
func (s *Store) FailNextPurchase(productID string, code iap.PurchaseErrorCode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextPurchase[productID] = iap.NewPurchaseError(code, nil)
}

// FailNextRestore makes the next restore report err for productID.
func (s *Store) FailNextRestore(productID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.restoreFailures[productID] = err
}

func (s *Store) Listing(productID string) (Listing, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[productID]
	return l, ok
}

func (s *Store) RequestProductInfo(ctx context.Context, ids []string) (*iap.RetrieveResults, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := &iap.RetrieveResults{}
	for _, id := range ids {
		l, ok := s.listings[id]
		if !ok {
			res.InvalidIDs = append(res.InvalidIDs, id)
			continue
		}
		res.Retrieved = append(res.Retrieved, l.Product.Clone())
	}
	return res, nil
}

func (s *Store) InitiatePurchase(ctx context.Context, productID string, atomically bool) (*iap.Purchase, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log := s.log.With(zap.String("product_id", productID))

	s.mu.Lock()
	if !s.paymentsAllowed {
		s.mu.Unlock()
		return nil, iap.NewPurchaseError(iap.PurchaseErrorPaymentNotAllowed, nil)
	}
	if scripted, ok := s.nextPurchase[productID]; ok {
		delete(s.nextPurchase, productID)
		s.mu.Unlock()
		return nil, scripted
	}
	listing, ok := s.listings[productID]
	s.mu.Unlock()

	if !ok {
		return nil, iap.NewPurchaseError(iap.PurchaseErrorPaymentInvalid, nil)
	}
	if listing.Unavailable {
		return nil, iap.NewPurchaseError(iap.PurchaseErrorProductUnavailable, nil)
	}

	id, err := model.GenerateTransactionID()
	if err != nil {
		return nil, err
	}

	now := s.now()
	tx := &Transaction{
		ID:          id,
		OriginalID:  id,
		ProductID:   productID,
		Quantity:    1,
		State:       StatePurchased,
		PurchasedAt: now,
	}
	if _, ok := listing.Kind.(model.AutoRenewableSubscription); ok {
		tx.ExpiresAt = now.Add(listing.RenewalPeriod)
	}
	if atomically {
		tx.FinishedAt = now
	}

	if err := s.ledger.CreateTransaction(ctx, tx); err != nil {
		log.Warn("Failed to record transaction", zap.Error(err))
		return nil, err
	}

	log.Debug("Recorded purchase", zap.String("transaction_id", id))

	return toPurchase(tx), nil
}

func (s *Store) FinishTransaction(ctx context.Context, ref iap.TransactionRef) error {
	return s.ledger.FinishTransaction(ctx, ref.String(), s.now())
}

// RestorePurchases replays every non-consumable purchase as a new restored
// transaction.
func (s *Store) RestorePurchases(ctx context.Context, atomically bool) (*iap.RestoreResults, error) {
	txs, err := s.ledger.GetTransactions(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	failures := s.restoreFailures
	s.restoreFailures = make(map[string]error)
	s.mu.Unlock()

	res := &iap.RestoreResults{}
	reported := make(map[string]struct{})
	now := s.now()

	for _, original := range txs {
		if original.State != StatePurchased {
			continue
		}
		if listing, ok := s.Listing(original.ProductID); ok {
			if _, consumable := listing.Kind.(model.Consumable); consumable {
				continue
			}
		}

		if failure, ok := failures[original.ProductID]; ok {
			if _, seen := reported[original.ProductID]; !seen {
				reported[original.ProductID] = struct{}{}
				res.Failed = append(res.Failed, iap.RestoreFailure{
					ProductID: original.ProductID,
					Err:       failure,
				})
			}
			continue
		}

		id, err := model.GenerateTransactionID()
		if err != nil {
			return nil, err
		}

		restored := &Transaction{
			ID:          id,
			OriginalID:  original.ID,
			ProductID:   original.ProductID,
			Quantity:    original.Quantity,
			State:       StateRestored,
			PurchasedAt: original.PurchasedAt,
			ExpiresAt:   original.ExpiresAt,
		}
		if atomically {
			restored.FinishedAt = now
		}

		if err := s.ledger.CreateTransaction(ctx, restored); err != nil {
			res.Failed = append(res.Failed, iap.RestoreFailure{
				ProductID: original.ProductID,
				Err:       err,
			})
			continue
		}

		res.Restored = append(res.Restored, toPurchase(restored))
	}

	return res, nil
}

// ReceiptData returns a signed receipt covering every purchase made so far.
func (s *Store) ReceiptData(ctx context.Context) ([]byte, error) {
	txs, err := s.ledger.GetTransactions(ctx)
	if err != nil {
		return nil, err
	}

	receipt := &iap.Receipt{
		BundleID: s.bundleID,
		IssuedAt: s.now(),
	}
	for _, tx := range txs {
		if tx.State != StatePurchased {
			continue
		}
		receipt.Entries = append(receipt.Entries, iap.ReceiptEntry{
			ProductID:             tx.ProductID,
			TransactionID:         tx.ID,
			OriginalTransactionID: tx.OriginalID,
			Quantity:              tx.Quantity,
			PurchasedAt:           tx.PurchasedAt,
			ExpiresAt:             tx.ExpiresAt,
		})
	}
	if len(receipt.Entries) == 0 {
		return nil, iap.ErrNoReceiptData
	}

	return EncodeReceipt(s.signer, receipt)
}

// Transactions returns the raw ledger contents.
func (s *Store) Transactions(ctx context.Context) ([]*Transaction, error) {
	return s.ledger.GetTransactions(ctx)
}

// Pending returns transactions that still need to be finished.
func (s *Store) Pending(ctx context.Context) ([]*Transaction, error) {
	txs, err := s.ledger.GetTransactions(ctx)
	if err != nil {
		return nil, err
	}

	var res []*Transaction
	for _, tx := range txs {
		if !tx.Finished() {
			res = append(res, tx)
		}
	}
	return res, nil
}

// now is truncated to milliseconds so that timestamps survive every ledger
// and the receipt encoding unchanged.
func (s *Store) now() time.Time {
	return s.clock().UTC().Truncate(time.Millisecond)
}

func toPurchase(tx *Transaction) *iap.Purchase {
	return &iap.Purchase{
		ProductID:              tx.ProductID,
		Quantity:               tx.Quantity,
		Transaction:            iap.TransactionRef(tx.ID),
		OriginalTransaction:    iap.TransactionRef(tx.OriginalID),
		NeedsFinishTransaction: !tx.Finished(),
		PurchasedAt:            tx.PurchasedAt,
	}
}
