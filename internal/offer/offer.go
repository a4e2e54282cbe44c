// Package offer defines the escrow offer record and its persistence contract.
//
// Flow:
//  1. API layer creates an offer (status open) and marks it funded
//  2. Buyer/seller/automation assert fulfillment, shipment, or dispute
//  3. The settlement engine releases funds to the seller (minus fee) or
//     refunds the buyer, and records the terminal status here
package offer

import (
	"context"
	"errors"
	"time"
)

var (
	ErrOfferNotFound = errors.New("offer not found")
	ErrInvalidOffer  = errors.New("invalid offer")
)

// Status represents the settlement state of an offer.
type Status string

const (
	StatusOpen     Status = "open"     // Created, not yet funded
	StatusFunded   Status = "funded"   // Funds in custody, awaiting resolution
	StatusReleased Status = "released" // Paid out to seller
	StatusRefunded Status = "refunded" // Returned to buyer
	StatusError    Status = "error"    // Retries exhausted, operator reset required
)

// ItemType governs whether release moves funds on the ledger or is a
// logging-only acknowledgment.
type ItemType string

const (
	ItemToken   ItemType = "token"
	ItemGeneric ItemType = "generic"
	ItemShipped ItemType = "shipped"
	ItemMarket  ItemType = "market"
)

// Ledger reports whether settling this item type performs ledger transfers.
func (t ItemType) Ledger() bool {
	return t == ItemToken || t == ItemShipped
}

// TrackingStatusDelivered is the carrier status that authorizes release of a
// shipped offer.
const TrackingStatusDelivered = "delivered"

// Tracking carries carrier state for shipped offers. Written by the API
// layer's tracking webhook; the engine only reads it.
type Tracking struct {
	Carrier        string     `json:"carrier"`
	TrackingNumber string     `json:"trackingNumber"`
	Status         string     `json:"status"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Offer is the unit of settlement: one buyer/seller transfer held in custody.
//
// Amount is an integer in the smallest ledger unit, kept as a decimal string
// so fee arithmetic is exact. Status transitions out of funded are owned
// exclusively by the settlement engine.
type Offer struct {
	ID          string   `json:"id"`
	Buyer       string   `json:"buyer"`
	Seller      string   `json:"seller"`
	Amount      string   `json:"amount"`
	TokenMint   string   `json:"tokenMint,omitempty"` // asset identifier for ledger item types
	Description string   `json:"description,omitempty"`
	ItemType    ItemType `json:"itemType"`
	FeePercent  float64  `json:"feePercent"` // e.g. 1.5 means 1.5%, applied at release only

	Status    Status     `json:"status"`
	Fulfilled bool       `json:"fulfilled"`
	Disputed  bool       `json:"disputed"`
	Shipped   bool       `json:"shipped,omitempty"`
	Tracking  *Tracking  `json:"tracking,omitempty"`
	Expiry    *time.Time `json:"expiry,omitempty"`

	// Execution bookkeeping, reset on any successful execution.
	RetryCount int    `json:"retryCount,omitempty"`
	LastError  string `json:"lastError,omitempty"`

	// Per-leg completion markers. A retried release repeats only the legs
	// whose marker is empty, so a fee-leg failure never re-pays the seller.
	PayoutTxHash string `json:"payoutTxHash,omitempty"`
	FeeTxHash    string `json:"feeTxHash,omitempty"`

	FundedAt    *time.Time `json:"fundedAt,omitempty"`
	FulfilledAt *time.Time `json:"fulfilledAt,omitempty"`
	DisputedAt  *time.Time `json:"disputedAt,omitempty"`
	ReleasedAt  *time.Time `json:"releasedAt,omitempty"`
	RefundedAt  *time.Time `json:"refundedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the offer has reached a settled state. Error is
// terminal for the engine but recoverable by an operator reset.
func (o *Offer) IsTerminal() bool {
	switch o.Status {
	case StatusReleased, StatusRefunded, StatusError:
		return true
	}
	return false
}

// Expired reports whether the offer's expiry has elapsed at now.
func (o *Offer) Expired(now time.Time) bool {
	return o.Expiry != nil && now.After(*o.Expiry)
}

// Validate checks the fields the engine requires before executing a ledger
// transfer. Offers failing this are input/state errors: logged, never retried.
func (o *Offer) Validate() error {
	if o.ID == "" {
		return errors.New("offer id required")
	}
	if o.Amount == "" {
		return errors.New("offer amount required")
	}
	if o.ItemType.Ledger() {
		if o.Seller == "" {
			return errors.New("seller required for ledger item types")
		}
		if o.Buyer == "" {
			return errors.New("buyer required for ledger item types")
		}
		if o.TokenMint == "" {
			return errors.New("tokenMint required for ledger item types")
		}
	}
	return nil
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (o *Offer) Clone() *Offer {
	cp := *o
	if o.Tracking != nil {
		t := *o.Tracking
		cp.Tracking = &t
	}
	return &cp
}

// Store persists offers. Both backends must present identical semantics:
// Upsert is atomic per id, preserves CreatedAt across updates, and bumps
// UpdatedAt on every write.
type Store interface {
	Get(ctx context.Context, id string) (*Offer, error)
	List(ctx context.Context) ([]*Offer, error)
	Upsert(ctx context.Context, o *Offer) error
}
