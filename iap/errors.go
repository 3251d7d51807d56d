package iap

import (
	"errors"
	"fmt"
)

// PurchaseErrorCode mirrors the platform's payment rejection reasons.
type PurchaseErrorCode uint8

const (
	PurchaseErrorUnknown PurchaseErrorCode = iota
	PurchaseErrorClientInvalid
	PurchaseErrorPaymentCancelled
	PurchaseErrorPaymentInvalid
	PurchaseErrorPaymentNotAllowed
	PurchaseErrorProductUnavailable
	PurchaseErrorCloudServicePermissionDenied
	PurchaseErrorCloudServiceNetworkFailure
	PurchaseErrorCloudServiceRevoked
)

var purchaseErrorCodeNames = map[PurchaseErrorCode]string{
	PurchaseErrorUnknown:                      "unknown",
	PurchaseErrorClientInvalid:                "client_invalid",
	PurchaseErrorPaymentCancelled:             "payment_cancelled",
	PurchaseErrorPaymentInvalid:               "payment_invalid",
	PurchaseErrorPaymentNotAllowed:            "payment_not_allowed",
	PurchaseErrorProductUnavailable:           "product_unavailable",
	PurchaseErrorCloudServicePermissionDenied: "cloud_service_permission_denied",
	PurchaseErrorCloudServiceNetworkFailure:   "cloud_service_network_failure",
	PurchaseErrorCloudServiceRevoked:          "cloud_service_revoked",
}

// PurchaseErrorCodes lists every code in declaration order.
func PurchaseErrorCodes() []PurchaseErrorCode {
	return []PurchaseErrorCode{
		PurchaseErrorUnknown,
		PurchaseErrorClientInvalid,
		PurchaseErrorPaymentCancelled,
		PurchaseErrorPaymentInvalid,
		PurchaseErrorPaymentNotAllowed,
		PurchaseErrorProductUnavailable,
		PurchaseErrorCloudServicePermissionDenied,
		PurchaseErrorCloudServiceNetworkFailure,
		PurchaseErrorCloudServiceRevoked,
	}
}

func (c PurchaseErrorCode) String() string {
	if name, ok := purchaseErrorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("purchase_error(%d)", c)
}

// PurchaseError is returned by a Store when a purchase is rejected.
type PurchaseError struct {
	Code  PurchaseErrorCode
	Cause error
}

func NewPurchaseError(code PurchaseErrorCode, cause error) *PurchaseError {
	return &PurchaseError{Code: code, Cause: cause}
}

func (e *PurchaseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("purchase failed: %s: %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("purchase failed: %s", e.Code)
}

func (e *PurchaseError) Unwrap() error {
	return e.Cause
}

// Is matches any *PurchaseError with the same code.
func (e *PurchaseError) Is(target error) bool {
	var other *PurchaseError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Cancelled reports whether the user aborted the payment.
func (e *PurchaseError) Cancelled() bool {
	return e.Code == PurchaseErrorPaymentCancelled
}

// AsPurchaseError converts any store error into a PurchaseError. Errors outside
// the taxonomy become PurchaseErrorUnknown.
func AsPurchaseError(err error) *PurchaseError {
	if err == nil {
		return nil
	}

	var purchaseErr *PurchaseError
	if errors.As(err, &purchaseErr) {
		return purchaseErr
	}
	return &PurchaseError{Code: PurchaseErrorUnknown, Cause: err}
}

type ReceiptErrorKind uint8

const (
	ReceiptErrorOther ReceiptErrorKind = iota
	ReceiptErrorNoReceiptData
	ReceiptErrorNetwork
	ReceiptErrorReceiptInvalid
)

func (k ReceiptErrorKind) String() string {
	switch k {
	case ReceiptErrorNoReceiptData:
		return "no_receipt_data"
	case ReceiptErrorNetwork:
		return "network_error"
	case ReceiptErrorReceiptInvalid:
		return "receipt_invalid"
	default:
		return "other"
	}
}

// ErrNoReceiptData is returned by a Store that has no receipt to hand out.
var ErrNoReceiptData = errors.New("no receipt data")

// ReceiptError is returned by a Validator. Status is the validation
// authority's status code for ReceiptErrorReceiptInvalid.
type ReceiptError struct {
	Kind   ReceiptErrorKind
	Status int
	Cause  error
}

func NewNetworkError(cause error) *ReceiptError {
	return &ReceiptError{Kind: ReceiptErrorNetwork, Cause: cause}
}

func NewReceiptInvalidError(status int) *ReceiptError {
	return &ReceiptError{Kind: ReceiptErrorReceiptInvalid, Status: status}
}

func NewOtherReceiptError(cause error) *ReceiptError {
	return &ReceiptError{Kind: ReceiptErrorOther, Cause: cause}
}

func (e *ReceiptError) Error() string {
	switch {
	case e.Kind == ReceiptErrorReceiptInvalid:
		return fmt.Sprintf("receipt invalid: status %d", e.Status)
	case e.Cause != nil:
		return fmt.Sprintf("receipt verification failed: %s: %v", e.Kind, e.Cause)
	default:
		return fmt.Sprintf("receipt verification failed: %s", e.Kind)
	}
}

func (e *ReceiptError) Unwrap() error {
	return e.Cause
}

// AsReceiptError converts any validator error into a ReceiptError. Errors
// outside the taxonomy become ReceiptErrorOther.
func AsReceiptError(err error) *ReceiptError {
	if err == nil {
		return nil
	}

	var receiptErr *ReceiptError
	if errors.As(err, &receiptErr) {
		return receiptErr
	}
	if errors.Is(err, ErrNoReceiptData) {
		return &ReceiptError{Kind: ReceiptErrorNoReceiptData, Cause: err}
	}
	return &ReceiptError{Kind: ReceiptErrorOther, Cause: err}
}
