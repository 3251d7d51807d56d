package iap

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/code-payments/iap-server/model"
)

type ProductInfoOutcome uint8

const (
	ProductInfoError ProductInfoOutcome = iota
	ProductInfoRetrieved
	ProductInfoInvalidIdentifier
)

func (o ProductInfoOutcome) String() string {
	switch o {
	case ProductInfoRetrieved:
		return "retrieved"
	case ProductInfoInvalidIdentifier:
		return "invalid_identifier"
	default:
		return "error"
	}
}

type ProductInfoResult struct {
	Outcome   ProductInfoOutcome
	Product   *Product
	InvalidID string
	Err       error
}

type PurchaseOutcome uint8

const (
	PurchaseFailed PurchaseOutcome = iota
	PurchaseSucceeded
	PurchaseCancelled
)

func (o PurchaseOutcome) String() string {
	switch o {
	case PurchaseSucceeded:
		return "succeeded"
	case PurchaseCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// PurchaseResult is the terminal state of one purchase flow. Err is set for
// both PurchaseFailed and PurchaseCancelled.
type PurchaseResult struct {
	Outcome  PurchaseOutcome
	Purchase *Purchase
	Err      *PurchaseError
}

type RestoreResult struct {
	Restored []*Purchase
	Failed   []RestoreFailure
}

type ReceiptResult struct {
	Receipt *Receipt
	Err     *ReceiptError
}

// EntitlementResult is a receipt verification followed by classification.
// Status is nil when the receipt could not be verified.
type EntitlementResult struct {
	ProductID string
	Status    Status
	Err       *ReceiptError
}

type Option func(*Orchestrator)

// WithObserver installs an observer notified around every collaborator call.
func WithObserver(observer Observer) Option {
	return func(o *Orchestrator) {
		if observer != nil {
			o.observer = observer
		}
	}
}

// Orchestrator coordinates the purchase store and the receipt validator.
//
// It never finishes transactions and never retries: every outcome is handed
// back to the caller as a typed result.
type Orchestrator struct {
	log          *zap.Logger
	store        Store
	validator    Validator
	service      Service
	sharedSecret string
	observer     Observer
}

func NewOrchestrator(
	log *zap.Logger,
	store Store,
	validator Validator,
	service Service,
	sharedSecret string,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		log:          log,
		store:        store,
		validator:    validator,
		service:      service,
		sharedSecret: sharedSecret,
		observer:     nopObserver{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) RequestProductInfo(ctx context.Context, productID string) *ProductInfoResult {
	log := o.log.With(zap.String("product_id", productID))

	var results *RetrieveResults
	err := o.observe(OperationProductInfo, func() (err error) {
		results, err = o.store.RequestProductInfo(ctx, []string{productID})
		return err
	})
	if err != nil {
		log.Warn("Failed to retrieve product info", zap.Error(err))
		return &ProductInfoResult{Outcome: ProductInfoError, Err: err}
	}
	if results == nil {
		results = &RetrieveResults{}
	}

	for _, product := range results.Retrieved {
		if product.ID == productID {
			return &ProductInfoResult{Outcome: ProductInfoRetrieved, Product: product}
		}
	}
	for _, invalid := range results.InvalidIDs {
		if invalid == productID {
			log.Debug("Product id is invalid")
			return &ProductInfoResult{Outcome: ProductInfoInvalidIdentifier, InvalidID: invalid}
		}
	}

	return &ProductInfoResult{
		Outcome: ProductInfoError,
		Err:     errors.New("store returned no result for product"),
	}
}

// Purchase starts a purchase. On success with NeedsFinishTransaction set, the
// caller must deliver the content and then call Finish.
func (o *Orchestrator) Purchase(ctx context.Context, productID string, atomically bool) *PurchaseResult {
	log := o.log.With(
		zap.String("product_id", productID),
		zap.Bool("atomically", atomically),
	)

	var purchase *Purchase
	err := o.observe(OperationPurchase, func() (err error) {
		purchase, err = o.store.InitiatePurchase(ctx, productID, atomically)
		return err
	})
	if err != nil {
		purchaseErr := AsPurchaseError(err)
		if purchaseErr.Cancelled() {
			log.Debug("Purchase cancelled")
			return &PurchaseResult{Outcome: PurchaseCancelled, Err: purchaseErr}
		}

		log.Warn("Purchase failed", zap.Stringer("code", purchaseErr.Code), zap.Error(err))
		return &PurchaseResult{Outcome: PurchaseFailed, Err: purchaseErr}
	}
	if purchase == nil {
		return &PurchaseResult{
			Outcome: PurchaseFailed,
			Err:     NewPurchaseError(PurchaseErrorUnknown, errors.New("store returned no purchase")),
		}
	}

	log.Debug("Purchase succeeded",
		zap.Stringer("transaction", purchase.Transaction),
		zap.Bool("needs_finish", purchase.NeedsFinishTransaction),
	)
	return &PurchaseResult{Outcome: PurchaseSucceeded, Purchase: purchase}
}

// Finish acknowledges delivery of a transaction. Finishing the same
// transaction twice is a caller bug.
func (o *Orchestrator) Finish(ctx context.Context, ref TransactionRef) error {
	err := o.observe(OperationFinish, func() error {
		return o.store.FinishTransaction(ctx, ref)
	})
	if err != nil {
		o.log.Warn("Failed to finish transaction", zap.Stringer("transaction", ref), zap.Error(err))
	}
	return err
}

// Restore replays previous purchases. Restored purchases that need finishing
// are left to the caller.
func (o *Orchestrator) Restore(ctx context.Context, atomically bool) *RestoreResult {
	var results *RestoreResults
	err := o.observe(OperationRestore, func() (err error) {
		results, err = o.store.RestorePurchases(ctx, atomically)
		return err
	})
	if err != nil {
		o.log.Warn("Failed to restore purchases", zap.Error(err))
		return &RestoreResult{
			Restored: []*Purchase{},
			Failed:   []RestoreFailure{{Err: err}},
		}
	}

	res := &RestoreResult{
		Restored: []*Purchase{},
		Failed:   []RestoreFailure{},
	}
	if results != nil {
		res.Restored = append(res.Restored, results.Restored...)
		res.Failed = append(res.Failed, results.Failed...)
	}

	o.log.Debug("Restored purchases",
		zap.Int("restored", len(res.Restored)),
		zap.Int("failed", len(res.Failed)),
	)
	return res
}

// VerifyReceipt validates the device receipt against the configured service.
func (o *Orchestrator) VerifyReceipt(ctx context.Context) *ReceiptResult {
	var receipt *Receipt
	err := o.observe(OperationVerifyReceipt, func() error {
		data, err := o.store.ReceiptData(ctx)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return ErrNoReceiptData
		}

		log := o.log.With(zap.String("receipt_id", model.ReceiptID(data)))
		log.Debug("Got a receipt")

		receipt, err = o.validator.Validate(ctx, data, o.service, o.sharedSecret)
		if err == nil && receipt == nil {
			return NewOtherReceiptError(errors.New("validator returned no receipt"))
		}
		return err
	})
	if err != nil {
		receiptErr := AsReceiptError(err)
		o.log.Warn("Failed to verify receipt",
			zap.Stringer("kind", receiptErr.Kind),
			zap.Stringer("service", o.service),
			zap.Error(err),
		)
		return &ReceiptResult{Err: receiptErr}
	}

	return &ReceiptResult{Receipt: receipt}
}

// Classify evaluates a validated receipt. It does no I/O.
func (o *Orchestrator) Classify(kind model.ProductKind, productID string, receipt *Receipt, at time.Time) Status {
	return Classify(kind, productID, receipt, at)
}

// VerifyEntitlement verifies the receipt and classifies it for one product.
func (o *Orchestrator) VerifyEntitlement(ctx context.Context, kind model.ProductKind, productID string, at time.Time) *EntitlementResult {
	receiptResult := o.VerifyReceipt(ctx)
	if receiptResult.Err != nil {
		return &EntitlementResult{ProductID: productID, Err: receiptResult.Err}
	}

	return &EntitlementResult{
		ProductID: productID,
		Status:    o.Classify(kind, productID, receiptResult.Receipt, at),
	}
}

func (o *Orchestrator) observe(op Operation, fn func() error) error {
	start := time.Now()
	o.observer.OperationStarted(op)
	defer func() {
		o.observer.OperationFinished(op, time.Since(start))
	}()

	return fn()
}
