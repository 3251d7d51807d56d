package iap

import (
	"fmt"
	"time"

	"github.com/code-payments/iap-server/model"
)

// Status is the outcome of classifying a receipt for one product. It is a
// SubscriptionStatus for expiring product kinds and a PurchaseStatus
// otherwise.
type Status interface {
	Purchased() bool
	String() string
}

type SubscriptionState uint8

const (
	SubscriptionNotPurchased SubscriptionState = iota
	SubscriptionPurchased
	SubscriptionExpired
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionPurchased:
		return "purchased"
	case SubscriptionExpired:
		return "expired"
	default:
		return "not_purchased"
	}
}

// SubscriptionStatus is the status of an expiring product. ExpiresAt is zero
// when the product was never purchased.
type SubscriptionStatus struct {
	State     SubscriptionState
	ExpiresAt time.Time
}

func (s SubscriptionStatus) Purchased() bool {
	return s.State == SubscriptionPurchased
}

func (s SubscriptionStatus) String() string {
	if s.State == SubscriptionNotPurchased {
		return s.State.String()
	}
	return fmt.Sprintf("%s(%s)", s.State, s.ExpiresAt.UTC().Format(time.RFC3339))
}

// PurchaseStatus is the status of a product that does not expire.
type PurchaseStatus uint8

const (
	PurchaseStatusNotPurchased PurchaseStatus = iota
	PurchaseStatusPurchased
)

func (s PurchaseStatus) Purchased() bool {
	return s == PurchaseStatusPurchased
}

func (s PurchaseStatus) String() string {
	if s == PurchaseStatusPurchased {
		return "purchased"
	}
	return "not_purchased"
}

// Classify evaluates a receipt for a product of the given kind at a reference
// time.
func Classify(kind model.ProductKind, productID string, receipt *Receipt, at time.Time) Status {
	switch kind.(type) {
	case model.AutoRenewableSubscription, model.NonRenewingSubscription:
		return VerifySubscription(kind, productID, receipt, at)
	default:
		return VerifyPurchase(productID, receipt)
	}
}

// VerifyPurchase reports whether the receipt contains any entry for the
// product, regardless of timestamps.
func VerifyPurchase(productID string, receipt *Receipt) PurchaseStatus {
	if len(receipt.EntriesFor(productID)) > 0 {
		return PurchaseStatusPurchased
	}
	return PurchaseStatusNotPurchased
}

// VerifySubscription picks the latest expiry among the product's entries and
// compares it against at. An expiry equal to at counts as expired.
//
// Auto-renewable expiries come from the receipt. Non-renewing expiries are
// the purchase time plus the kind's ValidDuration. Non-expiring kinds never
// produce an expiry and are always reported as not purchased.
func VerifySubscription(kind model.ProductKind, productID string, receipt *Receipt, at time.Time) SubscriptionStatus {
	var latest time.Time
	for _, entry := range receipt.EntriesFor(productID) {
		expiry := expiryOf(kind, entry)
		if expiry.IsZero() {
			continue
		}
		if expiry.After(latest) {
			latest = expiry
		}
	}

	switch {
	case latest.IsZero():
		return SubscriptionStatus{State: SubscriptionNotPurchased}
	case latest.After(at):
		return SubscriptionStatus{State: SubscriptionPurchased, ExpiresAt: latest}
	default:
		return SubscriptionStatus{State: SubscriptionExpired, ExpiresAt: latest}
	}
}

func expiryOf(kind model.ProductKind, entry ReceiptEntry) time.Time {
	switch k := kind.(type) {
	case model.AutoRenewableSubscription:
		return entry.ExpiresAt
	case model.NonRenewingSubscription:
		if entry.PurchasedAt.IsZero() {
			return time.Time{}
		}
		return entry.PurchasedAt.Add(k.ValidDuration)
	default:
		return time.Time{}
	}
}
