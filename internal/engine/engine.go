// Package engine decides and executes settlement for funded offers.
//
// Flow:
//  1. Offer is funded by the API layer
//  2. Reconciler tick or queue job hands the offer to the engine
//  3. Engine evaluates eligibility: fulfilled → release, expired → refund
//  4. Release pays seller minus fee; refund returns the full amount to buyer
//  5. Outcome, retry count and last error are persisted back to the store
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/openclaw/settler/internal/ledger"
	"github.com/openclaw/settler/internal/offer"
	"github.com/openclaw/settler/internal/signer"
	"github.com/openclaw/settler/internal/traces"
)

// MaxRetries is the number of consecutive execution failures tolerated
// before an offer is frozen in the error status.
const MaxRetries = 3

// Config holds the execution policy for the engine.
type Config struct {
	// Execute enables real ledger submissions. When false the engine runs
	// dry: fee and payout are computed and logged, offers still reach
	// their terminal status, but the signer is never called.
	Execute bool

	// FeeCollector is the ledger identity that receives release fees.
	// When empty no fee transfer is attempted and the fee stays in
	// custody.
	FeeCollector string

	// ConfirmTimeout bounds each ledger confirmation wait.
	ConfirmTimeout time.Duration
}

// Engine executes release and refund decisions against the ledger and
// records outcomes in the offer store. It is safe to share between the
// reconciler and queue workers: every execution re-reads the persisted
// status immediately before submitting, so a raced offer short-circuits.
type Engine struct {
	cfg     Config
	store   offer.Store
	signer  signer.Signer
	gateway ledger.Gateway
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an engine. Signer and gateway may be nil when cfg.Execute
// is false; they are only touched on the real execution path.
func New(cfg Config, store offer.Store, s signer.Signer, gw ledger.Gateway, logger *slog.Logger) *Engine {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		signer:  s,
		gateway: gw,
		logger:  logger,
		now:     time.Now,
	}
}

// Process applies the settlement rules to a single funded offer:
//
//  1. Shipped offers auto-fulfill on carrier delivery, or once the
//     shipment window expires without a dispute.
//  2. Fulfilled offers are released.
//  3. Expired offers are refunded, except shipped ones, which refund
//     only under an active dispute. Expiry alone never claws back a
//     shipment in flight.
//
// Auto-fulfillment is persisted and takes effect on the next pass, so a
// delivery signal and the release it triggers are two separate writes.
func (e *Engine) Process(ctx context.Context, o *offer.Offer) error {
	if o.Status != offer.StatusFunded {
		return nil
	}
	now := e.now()

	if o.ItemType == offer.ItemShipped && o.Shipped && !o.Fulfilled {
		autoFulfill := false
		switch {
		case o.Tracking != nil && o.Tracking.Status == offer.TrackingStatusDelivered:
			autoFulfill = true
		case o.Expired(now) && !o.Disputed:
			autoFulfill = true
		}
		if autoFulfill {
			o.Fulfilled = true
			o.FulfilledAt = &now
			if err := e.store.Upsert(ctx, o); err != nil {
				return fmt.Errorf("persist fulfillment for %s: %w", o.ID, err)
			}
			e.logger.Info("offer auto-fulfilled", "offer", o.ID, "item_type", o.ItemType)
			autoFulfillments.Inc()
			return nil
		}
	}

	switch {
	case o.Fulfilled:
		return e.Release(ctx, o.ID)
	case o.Expired(now):
		if o.ItemType == offer.ItemShipped {
			if o.Shipped && o.Disputed {
				return e.Refund(ctx, o.ID)
			}
			return nil
		}
		return e.Refund(ctx, o.ID)
	default:
		return nil
	}
}

// Release pays the seller from custody, minus the fee, and moves the
// offer to released. Safe to call repeatedly: a non-funded offer is a
// no-op, and a partially released offer repeats only the outstanding
// transfer leg.
func (e *Engine) Release(ctx context.Context, id string) error {
	ctx, span := traces.StartSpan(ctx, "engine.Release", traces.OfferID(id))
	defer span.End()

	o, ok, err := e.loadFunded(ctx, id, "release")
	if err != nil || !ok {
		return err
	}
	span.SetAttributes(traces.Amount(o.Amount), traces.ItemType(string(o.ItemType)))

	if err := o.Validate(); err != nil {
		// Input error, not an execution failure. Leave the offer alone.
		e.logger.Error("offer fails validation, skipping", "offer", id, "error", err)
		invalidOffers.Inc()
		return nil
	}

	fee, payout, err := offer.Split(o.Amount, o.FeePercent)
	if err != nil {
		e.logger.Error("unsplittable amount, skipping", "offer", id, "amount", o.Amount, "error", err)
		invalidOffers.Inc()
		return nil
	}

	if !o.ItemType.Ledger() {
		// Off-ledger item: the release is an acknowledgment, no transfer.
		e.logger.Info("releasing off-ledger offer", "offer", id, "item_type", o.ItemType)
		return e.finish(ctx, o, offer.StatusReleased, "release")
	}

	if !e.cfg.Execute {
		e.logger.Info("execution disabled; simulating release",
			"offer", id, "fee", fee, "payout", payout)
		return e.finish(ctx, o, offer.StatusReleased, "release")
	}

	if err := e.executeRelease(ctx, o, fee, payout); err != nil {
		return e.recordFailure(ctx, o, "release", err)
	}
	return e.finish(ctx, o, offer.StatusReleased, "release")
}

// executeRelease performs the payout leg and, when a fee applies, the fee
// leg. Each leg's tx hash is persisted as soon as it confirms so a retry
// after a mid-release failure never repeats a completed leg.
func (e *Engine) executeRelease(ctx context.Context, o *offer.Offer, fee, payout string) error {
	custody := e.signer.Address().Hex()

	from, err := e.gateway.EnsureHoldingAccount(ctx, custody, o.TokenMint)
	if err != nil {
		return fmt.Errorf("custody account: %w", err)
	}

	if o.PayoutTxHash == "" {
		to, err := e.gateway.EnsureHoldingAccount(ctx, o.Seller, o.TokenMint)
		if err != nil {
			return fmt.Errorf("seller account: %w", err)
		}
		hash, err := e.transfer(ctx, from, to, custody, payout, o.ID+":payout")
		if err != nil {
			return fmt.Errorf("payout leg: %w", err)
		}
		o.PayoutTxHash = hash
		if err := e.store.Upsert(ctx, o); err != nil {
			return fmt.Errorf("persist payout marker: %w", err)
		}
		transferLegs.WithLabelValues("payout").Inc()
	}

	if fee != "0" && e.cfg.FeeCollector != "" && o.FeeTxHash == "" {
		to, err := e.gateway.EnsureHoldingAccount(ctx, e.cfg.FeeCollector, o.TokenMint)
		if err != nil {
			return fmt.Errorf("fee collector account: %w", err)
		}
		hash, err := e.transfer(ctx, from, to, custody, fee, o.ID+":fee")
		if err != nil {
			return fmt.Errorf("fee leg: %w", err)
		}
		o.FeeTxHash = hash
		if err := e.store.Upsert(ctx, o); err != nil {
			return fmt.Errorf("persist fee marker: %w", err)
		}
		transferLegs.WithLabelValues("fee").Inc()
	}

	return nil
}

// Refund returns the full amount from custody to the buyer and moves the
// offer to refunded. The fee rate never applies to refunds.
func (e *Engine) Refund(ctx context.Context, id string) error {
	ctx, span := traces.StartSpan(ctx, "engine.Refund", traces.OfferID(id))
	defer span.End()

	o, ok, err := e.loadFunded(ctx, id, "refund")
	if err != nil || !ok {
		return err
	}
	span.SetAttributes(traces.Amount(o.Amount), traces.ItemType(string(o.ItemType)))

	if err := o.Validate(); err != nil {
		e.logger.Error("offer fails validation, skipping", "offer", id, "error", err)
		invalidOffers.Inc()
		return nil
	}

	if !o.ItemType.Ledger() {
		e.logger.Info("refunding off-ledger offer", "offer", id, "item_type", o.ItemType)
		return e.finish(ctx, o, offer.StatusRefunded, "refund")
	}

	if !e.cfg.Execute {
		e.logger.Info("execution disabled; simulating refund", "offer", id, "amount", o.Amount)
		return e.finish(ctx, o, offer.StatusRefunded, "refund")
	}

	custody := e.signer.Address().Hex()
	from, err := e.gateway.EnsureHoldingAccount(ctx, custody, o.TokenMint)
	if err != nil {
		return e.recordFailure(ctx, o, "refund", fmt.Errorf("custody account: %w", err))
	}
	to, err := e.gateway.EnsureHoldingAccount(ctx, o.Buyer, o.TokenMint)
	if err != nil {
		return e.recordFailure(ctx, o, "refund", fmt.Errorf("buyer account: %w", err))
	}
	hash, err := e.transfer(ctx, from, to, custody, o.Amount, o.ID+":refund")
	if err != nil {
		return e.recordFailure(ctx, o, "refund", err)
	}
	transferLegs.WithLabelValues("refund").Inc()

	o.PayoutTxHash = hash
	return e.finish(ctx, o, offer.StatusRefunded, "refund")
}

// transfer submits one ledger transfer and waits for confirmation.
func (e *Engine) transfer(ctx context.Context, from, to ledger.Account, authority, amount, reference string) (string, error) {
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return "", fmt.Errorf("bad transfer amount %q", amount)
	}

	handle, err := e.gateway.SubmitTransfer(ctx, ledger.Transfer{
		From:      from,
		To:        to,
		Authority: authority,
		Amount:    value,
		Reference: reference,
	})
	if err != nil {
		return "", err
	}

	conf, err := e.gateway.AwaitConfirmation(ctx, handle, e.cfg.ConfirmTimeout)
	if err != nil {
		return "", err
	}
	return conf.TxHash, nil
}

// loadFunded re-reads the offer and reports whether it is still funded.
// This is the guard against a queue worker and the reconciler racing on
// the same offer: whoever loses the race sees a terminal status and
// backs off without touching the ledger.
func (e *Engine) loadFunded(ctx context.Context, id, op string) (*offer.Offer, bool, error) {
	o, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("load offer %s: %w", id, err)
	}
	if o.Status != offer.StatusFunded {
		e.logger.Info("offer no longer funded, skipping",
			"offer", id, "op", op, "status", o.Status)
		staleExecutions.WithLabelValues(op).Inc()
		return nil, false, nil
	}
	return o, true, nil
}

func (e *Engine) finish(ctx context.Context, o *offer.Offer, status offer.Status, op string) error {
	now := e.now()
	o.Status = status
	o.RetryCount = 0
	o.LastError = ""
	switch status {
	case offer.StatusReleased:
		o.ReleasedAt = &now
	case offer.StatusRefunded:
		o.RefundedAt = &now
	}
	if err := e.store.Upsert(ctx, o); err != nil {
		return fmt.Errorf("persist %s for %s: %w", op, o.ID, err)
	}
	e.logger.Info("offer settled", "offer", o.ID, "op", op, "status", status)
	settlements.WithLabelValues(op).Inc()
	return nil
}

// recordFailure bumps the retry bookkeeping and escalates to the error
// status once the threshold is exceeded. Escalated offers are frozen
// until an operator resets them.
func (e *Engine) recordFailure(ctx context.Context, o *offer.Offer, op string, cause error) error {
	o.RetryCount++
	o.LastError = cause.Error()
	if o.RetryCount > MaxRetries {
		o.Status = offer.StatusError
		e.logger.Error("retries exhausted, freezing offer",
			"offer", o.ID, "op", op, "retries", o.RetryCount, "error", cause)
		escalations.WithLabelValues(op).Inc()
	} else {
		e.logger.Warn("execution failed, will retry",
			"offer", o.ID, "op", op, "retries", o.RetryCount, "error", cause)
	}
	executionFailures.WithLabelValues(op).Inc()

	if err := e.store.Upsert(ctx, o); err != nil {
		return fmt.Errorf("persist failure for %s: %w (execution error: %v)", o.ID, err, cause)
	}
	return fmt.Errorf("%s %s: %w", op, o.ID, cause)
}
