package iap

import "context"

// Service is a receipt validation endpoint.
type Service string

const (
	ServiceProduction Service = "https://buy.itunes.apple.com/verifyReceipt"
	ServiceSandbox    Service = "https://sandbox.itunes.apple.com/verifyReceipt"
)

// ParseService accepts "production", "sandbox" or an explicit URL.
func ParseService(s string) Service {
	switch s {
	case "", "production":
		return ServiceProduction
	case "sandbox":
		return ServiceSandbox
	default:
		return Service(s)
	}
}

func (s Service) String() string {
	switch s {
	case ServiceProduction:
		return "production"
	case ServiceSandbox:
		return "sandbox"
	default:
		return string(s)
	}
}

type Validator interface {

	// Validate sends raw receipt data to the validation service and returns the
	// parsed receipt.
	//
	// Failures are returned as a *ReceiptError.
	Validate(ctx context.Context, receiptData []byte, service Service, sharedSecret string) (*Receipt, error)
}
