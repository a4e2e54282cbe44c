package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openclaw/settler/internal/ledger"
	"github.com/openclaw/settler/internal/offer"
	"github.com/openclaw/settler/internal/signer"
)

const (
	testKeyHex = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	testMint   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testBuyer  = "0x1111111111111111111111111111111111111111"
	testSeller = "0x2222222222222222222222222222222222222222"
	testFees   = "0x3333333333333333333333333333333333333333"
)

// fakeGateway records transfers and can be told to fail specific legs.
type fakeGateway struct {
	mu        sync.Mutex
	submitted []ledger.Transfer
	failLegs  map[string]int // reference suffix -> remaining failures
	failAll   bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{failLegs: make(map[string]int)}
}

func (g *fakeGateway) EnsureHoldingAccount(ctx context.Context, owner, asset string) (ledger.Account, error) {
	return ledger.Account{Owner: owner, Asset: asset}, nil
}

func (g *fakeGateway) SubmitTransfer(ctx context.Context, xfer ledger.Transfer) (ledger.Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failAll {
		return "", errors.New("ledger unavailable")
	}
	for suffix, n := range g.failLegs {
		if n > 0 && strings.HasSuffix(xfer.Reference, suffix) {
			g.failLegs[suffix]--
			return "", errors.New("leg failure injected")
		}
	}
	g.submitted = append(g.submitted, xfer)
	return ledger.Handle(fmt.Sprintf("0xtx%d", len(g.submitted))), nil
}

func (g *fakeGateway) AwaitConfirmation(ctx context.Context, h ledger.Handle, timeout time.Duration) (*ledger.Confirmation, error) {
	return &ledger.Confirmation{TxHash: string(h), BlockNumber: 1}, nil
}

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.submitted)
}

func (g *fakeGateway) sum() *big.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := new(big.Int)
	for _, x := range g.submitted {
		total.Add(total, x.Amount)
	}
	return total
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, offer.Store, *fakeGateway) {
	t.Helper()
	store, err := offer.NewFileStore(filepath.Join(t.TempDir(), "offers.json"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	s, err := signer.NewLocal(testKeyHex, big.NewInt(84532))
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	gw := newFakeGateway()
	return New(cfg, store, s, gw, testLogger()), store, gw
}

func fundedOffer(id string, itemType offer.ItemType) *offer.Offer {
	return &offer.Offer{
		ID:         id,
		Buyer:      testBuyer,
		Seller:     testSeller,
		Amount:     "1000000",
		TokenMint:  testMint,
		ItemType:   itemType,
		FeePercent: 1.5,
		Status:     offer.StatusFunded,
	}
}

func mustUpsert(t *testing.T, store offer.Store, o *offer.Offer) {
	t.Helper()
	if err := store.Upsert(context.Background(), o); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
}

func mustGet(t *testing.T, store offer.Store, id string) *offer.Offer {
	t.Helper()
	o, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return o
}

func past() *time.Time {
	ts := time.Now().Add(-time.Hour)
	return &ts
}

func future() *time.Time {
	ts := time.Now().Add(time.Hour)
	return &ts
}

func TestRelease_FulfilledTokenOffer(t *testing.T) {
	e, store, gw := newTestEngine(t, Config{Execute: true, FeeCollector: testFees})
	o := fundedOffer("offer-1", offer.ItemToken)
	o.Fulfilled = true
	mustUpsert(t, store, o)

	if err := e.Process(context.Background(), o); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	got := mustGet(t, store, "offer-1")
	if got.Status != offer.StatusReleased {
		t.Fatalf("status = %s, want released", got.Status)
	}
	if got.ReleasedAt == nil {
		t.Error("ReleasedAt not set")
	}
	if got.PayoutTxHash == "" || got.FeeTxHash == "" {
		t.Errorf("leg markers not recorded: payout=%q fee=%q", got.PayoutTxHash, got.FeeTxHash)
	}

	if gw.count() != 2 {
		t.Fatalf("expected 2 transfers, got %d", gw.count())
	}
	if gw.submitted[0].Amount.String() != "985000" {
		t.Errorf("payout = %s, want 985000", gw.submitted[0].Amount)
	}
	if gw.submitted[1].Amount.String() != "15000" {
		t.Errorf("fee = %s, want 15000", gw.submitted[1].Amount)
	}
	if gw.sum().String() != o.Amount {
		t.Errorf("fee + payout = %s, want %s", gw.sum(), o.Amount)
	}
	if gw.submitted[0].To.Owner != testSeller || gw.submitted[1].To.Owner != testFees {
		t.Error("transfers addressed to wrong recipients")
	}
}

func TestRelease_Idempotent(t *testing.T) {
	e, store, gw := newTestEngine(t, Config{Execute: true, FeeCollector: testFees})
	o := fundedOffer("offer-1", offer.ItemToken)
	o.Fulfilled = true
	mustUpsert(t, store, o)

	if err := e.Release(context.Background(), "offer-1"); err != nil {
		t.Fatalf("first release failed: %v", err)
	}
	before := gw.count()

	// Second invocation sees the released status and backs off.
	if err := e.Release(context.Background(), "offer-1"); err != nil {
		t.Fatalf("second release failed: %v", err)
	}
	if gw.count() != before {
		t.Errorf("second release submitted %d extra transfers", gw.count()-before)
	}
	if got := mustGet(t, store, "offer-1"); got.Status != offer.StatusReleased {
		t.Errorf("status = %s, want released", got.Status)
	}
}

func TestRelease_NoFeeCollector(t *testing.T) {
	e, store, gw := newTestEngine(t, Config{Execute: true})
	o := fundedOffer("offer-1", offer.ItemToken)
	o.Fulfilled = true
	mustUpsert(t, store, o)

	if err := e.Release(context.Background(), "offer-1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if gw.count() != 1 {
		t.Fatalf("expected payout leg only, got %d transfers", gw.count())
	}
	if gw.submitted[0].Amount.String() != "985000" {
		t.Errorf("payout = %s, want 985000", gw.submitted[0].Amount)
	}
}

func TestRelease_ZeroFee(t *testing.T) {
	e, store, gw := newTestEngine(t, Config{Execute: true, FeeCollector: testFees})
	o := fundedOffer("offer-1", offer.ItemToken)
	o.Fulfilled = true
	o.FeePercent = 0
	mustUpsert(t, store, o)

	if err := e.Release(context.Background(), "offer-1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if gw.count() != 1 {
		t.Fatalf("expected payout leg only, got %d transfers", gw.count())
	}
	if gw.submitted[0].Amount.String() != "1000000" {
		t.Errorf("payout = %s, want full amount", gw.submitted[0].Amount)
	}
}

func TestRelease_OffLedgerItem(t *testing.T) {
	e, store, gw := newTestEngine(t, Config{Execute: true, FeeCollector: testFees})
	o := fundedOffer("offer-1", offer.ItemGeneric)
	o.TokenMint = ""
	o.Fulfilled = true
	mustUpsert(t, store, o)

	if err := e.Release(context.Background(), "offer-1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if gw.count() != 0 {
		t.Errorf("off-ledger release submitted %d transfers", gw.count())
	}
	if got := mustGet(t, store, "offer-1"); got.Status != offer.StatusReleased {
		t.Errorf("status = %s, want released", got.Status)
	}
}

func TestRelease_DryRun(t *testing.T) {
	store, err := offer.NewFileStore(filepath.Join(t.TempDir(), "offers.json"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	// Dry run needs neither signer nor gateway.
	e := New(Config{Execute: false}, store, nil, nil, testLogger())

	o := fundedOffer("offer-1", offer.ItemToken)
	o.Fulfilled = true
	mustUpsert(t, store, o)

	if err := e.Release(context.Background(), "offer-1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if got := mustGet(t, store, "offer-1"); got.Status != offer.StatusReleased {
		t.Errorf("status = %s, want released", got.Status)
	}
}

func TestRelease_InvalidOfferLeftUntouched(t *testing.T) {
	e, store, gw := newTestEngine(t, Config{Execute: true})
	o := fundedOffer("offer-1", offer.ItemToken)
	o.Fulfilled = true
	o.TokenMint = ""
	mustUpsert(t, store, o)

	if err := e.Release(context.Background(), "offer-1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	got := mustGet(t, store, "offer-1")
	if got.Status != offer.StatusFunded || got.RetryCount != 0 {
		t.Errorf("invalid offer mutated: status=%s retries=%d", got.Status, got.RetryCount)
	}
	if gw.count() != 0 {
		t.Errorf("invalid offer triggered %d transfers", gw.count())
	}
}

func TestRelease_PartialFailureRetriesOnlyFeeLeg(t *testing.T) {
	e, store, gw := newTestEngine(t, Config{Execute: true, FeeCollector: testFees})
	gw.failLegs[":fee"] = 1

	o := fundedOffer("offer-1", offer.ItemToken)
	o.Fulfilled = true
	mustUpsert(t, store, o)

	if err := e.Release(context.Background(), "offer-1"); err == nil {
		t.Fatal("expected fee leg failure")
	}

	got := mustGet(t, store, "offer-1")
	if got.Status != offer.StatusFunded {
		t.Fatalf("status = %s, want funded for retry", got.Status)
	}
	if got.PayoutTxHash == "" {
		t.Fatal("payout marker missing after confirmed payout leg")
	}
	if got.RetryCount != 1 || got.LastError == "" {
		t.Errorf("retry bookkeeping: retries=%d lastError=%q", got.RetryCount, got.LastError)
	}
	payouts := gw.count()

	if err := e.Release(context.Background(), "offer-1"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	got = mustGet(t, store, "offer-1")
	if got.Status != offer.StatusReleased {
		t.Fatalf("status = %s, want released", got.Status)
	}
	if got.RetryCount != 0 || got.LastError != "" {
		t.Error("retry bookkeeping not reset on success")
	}

	// Retry repeated only the fee leg; the seller was paid exactly once.
	if gw.count() != payouts+1 {
		t.Fatalf("retry submitted %d transfers, want 1", gw.count()-payouts)
	}
	sellerPayouts := 0
	for _, x := range gw.submitted {
		if x.To.Owner == testSeller {
			sellerPayouts++
		}
	}
	if sellerPayouts != 1 {
		t.Errorf("seller paid %d times", sellerPayouts)
	}
}

func TestRetryEscalation(t *testing.T) {
	e, store, gw := newTestEngine(t, Config{Execute: true})
	gw.failAll = true

	o := fundedOffer("offer-1", offer.ItemToken)
	o.Fulfilled = true
	mustUpsert(t, store, o)

	for i := 1; i <= 4; i++ {
		if err := e.Process(context.Background(), mustGet(t, store, "offer-1")); err == nil {
			t.Fatalf("attempt %d: expected failure", i)
		}
	}

	got := mustGet(t, store, "offer-1")
	if got.Status != offer.StatusError {
		t.Fatalf("status after 4 failures = %s, want error", got.Status)
	}
	if got.RetryCount != 4 {
		t.Errorf("retryCount = %d, want 4", got.RetryCount)
	}
	if got.LastError == "" {
		t.Error("lastError not recorded")
	}

	// Frozen offers are never retried automatically.
	if err := e.Process(context.Background(), got); err != nil {
		t.Fatalf("Process on frozen offer errored: %v", err)
	}
	if mustGet(t, store, "offer-1").RetryCount != 4 {
		t.Error("frozen offer was retried")
	}
}

func TestProcess_ExpiredNonShippedRefunds(t *testing.T) {
	e, store, gw := newTestEngine(t, Config{Execute: true})
	o := fundedOffer("offer-1", offer.ItemToken)
	o.Expiry = past()
	mustUpsert(t, store, o)

	if err := e.Process(context.Background(), o); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	got := mustGet(t, store, "offer-1")
	if got.Status != offer.StatusRefunded {
		t.Fatalf("status = %s, want refunded", got.Status)
	}
	if got.RefundedAt == nil {
		t.Error("RefundedAt not set")
	}
	if gw.count() != 1 {
		t.Fatalf("expected 1 refund transfer, got %d", gw.count())
	}
	// Refunds return the full amount; the fee rate never applies.
	if gw.submitted[0].Amount.String() != "1000000" {
		t.Errorf("refund = %s, want full amount", gw.submitted[0].Amount)
	}
	if gw.submitted[0].To.Owner != testBuyer {
		t.Errorf("refund addressed to %s, want buyer", gw.submitted[0].To.Owner)
	}
}

func TestProcess_UnexpiredOfferUntouched(t *testing.T) {
	e, store, gw := newTestEngine(t, Config{Execute: true})
	o := fundedOffer("offer-1", offer.ItemToken)
	o.Expiry = future()
	mustUpsert(t, store, o)

	if err := e.Process(context.Background(), o); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got := mustGet(t, store, "offer-1"); got.Status != offer.StatusFunded {
		t.Errorf("status = %s, want funded", got.Status)
	}
	if gw.count() != 0 {
		t.Errorf("pending offer triggered %d transfers", gw.count())
	}
}

func TestProcess_ShippedDeliveredFulfillsThenReleases(t *testing.T) {
	e, store, gw := newTestEngine(t, Config{Execute: true})
	o := fundedOffer("offer-1", offer.ItemShipped)
	o.Shipped = true
	o.Expiry = future()
	o.Tracking = &offer.Tracking{Carrier: "ups", Status: offer.TrackingStatusDelivered}
	mustUpsert(t, store, o)

	// First pass marks fulfilled but does not release.
	if err := e.Process(context.Background(), o); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	got := mustGet(t, store, "offer-1")
	if !got.Fulfilled || got.FulfilledAt == nil {
		t.Fatal("delivery did not fulfill the offer")
	}
	if got.Status != offer.StatusFunded {
		t.Fatalf("status = %s, want funded until next pass", got.Status)
	}
	if gw.count() != 0 {
		t.Fatal("release ran in the same pass as fulfillment")
	}

	// Next pass releases.
	if err := e.Process(context.Background(), got); err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if got = mustGet(t, store, "offer-1"); got.Status != offer.StatusReleased {
		t.Errorf("status = %s, want released", got.Status)
	}
}

func TestProcess_ShippedAutoAcceptsAfterWindow(t *testing.T) {
	e, store, _ := newTestEngine(t, Config{Execute: true})
	o := fundedOffer("offer-1", offer.ItemShipped)
	o.Shipped = true
	o.Expiry = past()
	mustUpsert(t, store, o)

	if err := e.Process(context.Background(), o); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	got := mustGet(t, store, "offer-1")
	if !got.Fulfilled {
		t.Error("undisputed shipment past the window was not auto-accepted")
	}
	if got.Status != offer.StatusFunded {
		t.Errorf("status = %s, want funded until next pass", got.Status)
	}
}

func TestProcess_ShippedDisputedExpiredRefunds(t *testing.T) {
	e, store, gw := newTestEngine(t, Config{Execute: true})
	o := fundedOffer("offer-1", offer.ItemShipped)
	o.Shipped = true
	o.Disputed = true
	o.Expiry = past()
	mustUpsert(t, store, o)

	if err := e.Process(context.Background(), o); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	got := mustGet(t, store, "offer-1")
	if got.Status != offer.StatusRefunded {
		t.Fatalf("status = %s, want refunded", got.Status)
	}
	if got.Fulfilled {
		t.Error("disputed shipment was auto-accepted")
	}
	if gw.count() != 1 || gw.submitted[0].To.Owner != testBuyer {
		t.Error("dispute refund did not return funds to the buyer")
	}
}

func TestProcess_UnshippedShippedTypeNeverRefunds(t *testing.T) {
	// An itemType=shipped offer never marked shipped has no delivery
	// signal and no dispute window; expiry alone must not resolve it.
	e, store, gw := newTestEngine(t, Config{Execute: true})
	o := fundedOffer("offer-1", offer.ItemShipped)
	o.Disputed = true
	o.Expiry = past()
	mustUpsert(t, store, o)

	for i := 0; i < 3; i++ {
		if err := e.Process(context.Background(), mustGet(t, store, "offer-1")); err != nil {
			t.Fatalf("pass %d failed: %v", i, err)
		}
	}
	got := mustGet(t, store, "offer-1")
	if got.Status != offer.StatusFunded || got.Fulfilled {
		t.Errorf("offer resolved: status=%s fulfilled=%v", got.Status, got.Fulfilled)
	}
	if gw.count() != 0 {
		t.Errorf("unresolvable offer triggered %d transfers", gw.count())
	}
}

func TestProcess_IgnoresNonFundedStatuses(t *testing.T) {
	e, store, gw := newTestEngine(t, Config{Execute: true})
	for _, status := range []offer.Status{offer.StatusOpen, offer.StatusReleased, offer.StatusRefunded, offer.StatusError} {
		o := fundedOffer("offer-"+string(status), offer.ItemToken)
		o.Status = status
		o.Fulfilled = true
		mustUpsert(t, store, o)
		if err := e.Process(context.Background(), o); err != nil {
			t.Fatalf("Process(%s) failed: %v", status, err)
		}
	}
	if gw.count() != 0 {
		t.Errorf("non-funded offers triggered %d transfers", gw.count())
	}
}

func TestRefund_DryRun(t *testing.T) {
	store, err := offer.NewFileStore(filepath.Join(t.TempDir(), "offers.json"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	e := New(Config{Execute: false}, store, nil, nil, testLogger())

	o := fundedOffer("offer-1", offer.ItemToken)
	o.Expiry = past()
	mustUpsert(t, store, o)

	if err := e.Process(context.Background(), o); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got := mustGet(t, store, "offer-1"); got.Status != offer.StatusRefunded {
		t.Errorf("status = %s, want refunded", got.Status)
	}
}
