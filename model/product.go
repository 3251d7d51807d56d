package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidProductID = errors.New("invalid product id")

// ProductKind is one of Consumable, NonConsumable, NonRenewingSubscription or
// AutoRenewableSubscription.
//
// The set is closed: code switching over a ProductKind only has to handle
// these four types.
type ProductKind interface {
	// Expiring reports whether purchases of this kind lapse over time.
	Expiring() bool

	String() string

	isProductKind()
}

type Consumable struct{}

type NonConsumable struct{}

// NonRenewingSubscription is valid for ValidDuration after each purchase.
type NonRenewingSubscription struct {
	ValidDuration time.Duration
}

// AutoRenewableSubscription expiry is authoritative from the receipt.
type AutoRenewableSubscription struct{}

func (Consumable) Expiring() bool                { return false }
func (NonConsumable) Expiring() bool             { return false }
func (NonRenewingSubscription) Expiring() bool   { return true }
func (AutoRenewableSubscription) Expiring() bool { return true }

func (Consumable) String() string    { return "consumable" }
func (NonConsumable) String() string { return "non_consumable" }
func (k NonRenewingSubscription) String() string {
	return fmt.Sprintf("non_renewing(%s)", k.ValidDuration)
}
func (AutoRenewableSubscription) String() string { return "auto_renewable" }

func (Consumable) isProductKind()                {}
func (NonConsumable) isProductKind()             {}
func (NonRenewingSubscription) isProductKind()   {}
func (AutoRenewableSubscription) isProductKind() {}

// ProductID composes a store product identifier of the form
// <bundleID>.<name>.
func ProductID(bundleID, name string) (string, error) {
	bundleID = strings.TrimSpace(bundleID)
	name = strings.TrimSpace(name)

	if bundleID == "" || name == "" {
		return "", ErrInvalidProductID
	}
	if strings.HasSuffix(bundleID, ".") || strings.HasPrefix(name, ".") {
		return "", ErrInvalidProductID
	}

	return bundleID + "." + name, nil
}

func MustProductID(bundleID, name string) string {
	id, err := ProductID(bundleID, name)
	if err != nil {
		panic(fmt.Sprintf("failed to compose product id: %v", err))
	}

	return id
}

// ProductName returns the local name of a product id within a bundle.
func ProductName(bundleID, productID string) (string, bool) {
	name, ok := strings.CutPrefix(productID, bundleID+".")
	if !ok || name == "" {
		return "", false
	}
	return name, true
}
