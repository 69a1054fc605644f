// Package chain talks to the distributed ledger that settles credit intents.
// Submission returns a transaction hash synchronously; confirmation is
// observed by polling Status.
package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"

	"creditline/internal/domain"
)

// ErrUnreachable marks a ledger endpoint that could not be contacted.
var ErrUnreachable = errors.New("ledger unreachable")

// Intent is a credit operation to be settled on the ledger.
type Intent struct {
	Kind      domain.OperationKind `json:"kind"`
	Amount    string               `json:"amount"`
	ProjectID string               `json:"project_id,omitempty"`
	Recipient string               `json:"recipient,omitempty"`
	ChainID   int64                `json:"chain_id"`
	Nonce     string               `json:"nonce"`
}

// Receipt is the ledger's view of a submitted transaction.
type Receipt struct {
	Hash          string                   `json:"hash"`
	Status        domain.TransactionStatus `json:"status"`
	Confirmations int                      `json:"confirmations"`
	Error         string                   `json:"error,omitempty"`
}

type Client interface {
	Submit(ctx context.Context, in Intent) (string, error)
	Status(ctx context.Context, hash string) (Receipt, error)
}

// Canonical returns the JCS encoding of the intent, the byte string that is
// signed and hashed.
func Canonical(in Intent) ([]byte, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize intent: %w", err)
	}
	return out, nil
}

// IntentHash derives the 0x-prefixed transaction hash of an intent.
func IntentHash(in Intent) (string, error) {
	b, err := Canonical(in)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "0x" + hex.EncodeToString(sum[:]), nil
}
