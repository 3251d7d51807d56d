package model

import (
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

func GenerateTransactionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}

	return id.String(), nil
}

func MustGenerateTransactionID() string {
	id, err := GenerateTransactionID()
	if err != nil {
		panic(fmt.Sprintf("failed to generate transaction id: %v", err))
	}

	return id
}

// ReceiptID is a stable, loggable identifier for raw receipt data.
func ReceiptID(receiptData []byte) string {
	hash := sha256.Sum256(receiptData)
	return base58.Encode(hash[:])
}
