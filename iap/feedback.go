package iap

import (
	"fmt"
	"time"
)

// Feedback is a single caller-visible message describing a result.
type Feedback struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

func ProductInfoFeedback(res *ProductInfoResult) Feedback {
	switch res.Outcome {
	case ProductInfoRetrieved:
		return Feedback{
			Title:   res.Product.Title,
			Message: fmt.Sprintf("%s - %s", res.Product.Description, res.Product.LocalizedPrice()),
		}
	case ProductInfoInvalidIdentifier:
		return Feedback{
			Title:   "Could not retrieve product info",
			Message: fmt.Sprintf("Invalid product identifier: %s", res.InvalidID),
		}
	default:
		message := "Unknown error. Please contact support"
		if res.Err != nil {
			message = res.Err.Error()
		}
		return Feedback{Title: "Could not retrieve product info", Message: message}
	}
}

// PurchaseFeedback returns the feedback for a purchase, or false when the user
// cancelled the payment and nothing should be shown.
func PurchaseFeedback(res *PurchaseResult) (Feedback, bool) {
	switch res.Outcome {
	case PurchaseSucceeded:
		return Feedback{Title: "Thank You", Message: "Purchase completed"}, true
	case PurchaseCancelled:
		return Feedback{}, false
	}

	if res.Err == nil {
		return Feedback{Title: "Purchase failed", Message: "Unknown error. Please contact support"}, true
	}
	return PurchaseErrorFeedback(res.Err)
}

// PurchaseErrorFeedback maps each purchase error code to exactly one feedback
// item, except PurchaseErrorPaymentCancelled which maps to none.
func PurchaseErrorFeedback(err *PurchaseError) (Feedback, bool) {
	const title = "Purchase failed"

	switch err.Code {
	case PurchaseErrorPaymentCancelled:
		return Feedback{}, false
	case PurchaseErrorClientInvalid:
		return Feedback{Title: title, Message: "Not allowed to make the payment"}, true
	case PurchaseErrorPaymentInvalid:
		return Feedback{Title: title, Message: "The purchase identifier was invalid"}, true
	case PurchaseErrorPaymentNotAllowed:
		return Feedback{Title: title, Message: "The device is not allowed to make the payment"}, true
	case PurchaseErrorProductUnavailable:
		return Feedback{Title: title, Message: "The product is not available in the current storefront"}, true
	case PurchaseErrorCloudServicePermissionDenied:
		return Feedback{Title: title, Message: "Access to cloud service information is not allowed"}, true
	case PurchaseErrorCloudServiceNetworkFailure:
		return Feedback{Title: title, Message: "Could not connect to the network"}, true
	case PurchaseErrorCloudServiceRevoked:
		return Feedback{Title: title, Message: "Cloud service was revoked"}, true
	default:
		message := "Unknown error. Please contact support"
		if err.Cause != nil {
			message = err.Cause.Error()
		}
		return Feedback{Title: title, Message: message}, true
	}
}

func RestoreFeedback(res *RestoreResult) Feedback {
	switch {
	case len(res.Failed) > 0:
		return Feedback{Title: "Restore failed", Message: "Unknown error. Please contact support"}
	case len(res.Restored) > 0:
		return Feedback{Title: "Purchases Restored", Message: "All purchases have been restored"}
	default:
		return Feedback{Title: "Nothing to restore", Message: "No previous purchases were found"}
	}
}

func ReceiptFeedback(res *ReceiptResult) Feedback {
	const title = "Receipt verification"

	if res.Err == nil {
		return Feedback{Title: "Receipt verified", Message: "Receipt verified remotely"}
	}

	switch res.Err.Kind {
	case ReceiptErrorNoReceiptData:
		return Feedback{Title: title, Message: "No receipt data. Try again."}
	case ReceiptErrorNetwork:
		return Feedback{Title: title, Message: fmt.Sprintf("Network error while verifying receipt: %v", res.Err.Cause)}
	default:
		return Feedback{Title: title, Message: fmt.Sprintf("Receipt verification failed: %v", res.Err)}
	}
}

// StatusFeedback describes a classification result.
func StatusFeedback(status Status) Feedback {
	switch s := status.(type) {
	case SubscriptionStatus:
		expiry := s.ExpiresAt.UTC().Format(time.RFC3339)
		switch s.State {
		case SubscriptionPurchased:
			return Feedback{Title: "Product is purchased", Message: "Product is valid until " + expiry}
		case SubscriptionExpired:
			return Feedback{Title: "Product expired", Message: "Product is expired since " + expiry}
		}
	case PurchaseStatus:
		if s == PurchaseStatusPurchased {
			return Feedback{Title: "Product is purchased", Message: "Product will not expire"}
		}
	}
	return Feedback{Title: "Not purchased", Message: "This product has never been purchased"}
}

func EntitlementFeedback(res *EntitlementResult) Feedback {
	if res.Err != nil {
		return ReceiptFeedback(&ReceiptResult{Err: res.Err})
	}
	return StatusFeedback(res.Status)
}
