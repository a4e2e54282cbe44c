// Package ledger is the thin facade between the settlement engine and the
// blockchain SDK: holding-account lookup, transfer submission, and bounded
// confirmation waits. The engine depends only on the Gateway interface.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	ErrInvalidAddress = errors.New("ledger: invalid address")
	ErrInvalidAmount  = errors.New("ledger: invalid amount")
	ErrTransferFailed = errors.New("ledger: transfer failed")
	// ErrConfirmTimeout means the confirmation window elapsed. Treated as a
	// transient failure by callers, never as success.
	ErrConfirmTimeout = errors.New("ledger: confirmation timed out")
	ErrRPCConnection  = errors.New("ledger: RPC connection failed")
)

// TransferError wraps transfer failures with context
type TransferError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("ledger: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("ledger: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Account is a holding account for one owner and asset.
type Account struct {
	Owner string // ledger identity that controls the account
	Asset string // asset (token contract) the account holds
}

// Handle identifies a submitted transfer awaiting confirmation.
type Handle string

// Confirmation is the on-ledger result of a confirmed transfer.
type Confirmation struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// Transfer moves amount of an asset between two holding accounts, authorized
// by the custody identity.
type Transfer struct {
	From      Account
	To        Account
	Authority string   // signing identity authorizing the transfer
	Amount    *big.Int // smallest ledger units
	Reference string   // offer-scoped reference for audit logs
}

// Gateway abstracts the ledger. Implementations must make
// EnsureHoldingAccount idempotent so interrupted settlements can resume.
type Gateway interface {
	// EnsureHoldingAccount returns the holding account for owner/asset,
	// creating it when the ledger requires explicit creation.
	EnsureHoldingAccount(ctx context.Context, owner, asset string) (Account, error)
	// SubmitTransfer constructs, signs, and submits a transfer instruction.
	SubmitTransfer(ctx context.Context, xfer Transfer) (Handle, error)
	// AwaitConfirmation blocks until the transfer is confirmed or the timeout
	// elapses (ErrConfirmTimeout).
	AwaitConfirmation(ctx context.Context, h Handle, timeout time.Duration) (*Confirmation, error)
}
