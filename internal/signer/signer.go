// Package signer abstracts transaction signing behind one capability so the
// settlement engine never knows where key material lives.
//
// Two variants exist: Local holds a secp256k1 key in process memory, Remote
// delegates every signature to an external custody service. Production
// execution is expected to run Remote; the surrounding process enforces that
// policy at startup, not this package.
package signer

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrKeyUnavailable means the local key material could not be loaded.
	ErrKeyUnavailable = errors.New("signer: key material unavailable")
	// ErrServiceUnavailable means the custody service could not be reached or
	// refused the request. Distinct from ErrInvalidSignature so callers can
	// retry transport failures without retrying garbage.
	ErrServiceUnavailable = errors.New("signer: custody service unavailable")
	// ErrInvalidSignature means a signature was produced but does not verify
	// against the signer's identity.
	ErrInvalidSignature = errors.New("signer: invalid signature")
)

// Signer signs outbound transfers. Implementations are selected once at
// startup; callers must never branch on the concrete type.
type Signer interface {
	// Address returns the signing identity's ledger address.
	Address() common.Address
	// SignTransaction attaches the signer's signature to tx and returns the
	// signed transaction.
	SignTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)
	// SignMessage signs an arbitrary byte payload.
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
}
