// Package reconciler drives settlement by polling the offer store.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/openclaw/settler/internal/engine"
	"github.com/openclaw/settler/internal/idgen"
	"github.com/openclaw/settler/internal/offer"
)

// DefaultInterval between reconciliation passes.
const DefaultInterval = 8 * time.Second

// Loop periodically scans funded offers and feeds eligible ones to the
// engine. It sleeps between passes rather than ticking on a fixed clock,
// so a slow pass (ledger confirmations included) always finishes before
// the next one starts. One offer failing never aborts the rest of the
// pass.
type Loop struct {
	engine   *engine.Engine
	store    offer.Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// New creates a reconciliation loop. A non-positive interval falls back
// to DefaultInterval.
func New(eng *engine.Engine, store offer.Store, interval time.Duration, logger *slog.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{
		engine:   eng,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the loop is actively running.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Start runs the loop until the context is cancelled or Stop is called.
// Call in a goroutine.
func (l *Loop) Start(ctx context.Context) {
	l.running.Store(true)
	defer l.running.Store(false)

	for {
		l.safeTick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-time.After(l.interval):
		}
	}
}

// Stop signals the loop to stop after the current pass.
func (l *Loop) Stop() {
	select {
	case l.stop <- struct{}{}:
	default:
	}
}

func (l *Loop) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic in reconciliation pass", "panic", fmt.Sprint(r))
			tickPanics.Inc()
		}
	}()
	l.Tick(ctx)
}

// Tick runs one full reconciliation pass over every funded offer.
func (l *Loop) Tick(ctx context.Context) {
	start := time.Now()
	// Pass ID correlates per-offer warnings emitted by the same pass.
	logger := l.logger.With("pass", idgen.WithPrefix("pass_"))

	offers, err := l.store.List(ctx)
	if err != nil {
		logger.Warn("failed to list offers", "error", err)
		tickErrors.Inc()
		return
	}

	funded := 0
	for _, o := range offers {
		if o.Status != offer.StatusFunded {
			continue
		}
		funded++
		if err := l.engine.Process(ctx, o); err != nil {
			// Execution failures are already persisted on the offer;
			// log and keep going so one offer never stalls the rest.
			logger.Warn("offer processing failed", "offer", o.ID, "error", err)
			offerErrors.Inc()
		}
		if ctx.Err() != nil {
			return
		}
	}

	fundedOffers.Set(float64(funded))
	tickDuration.Observe(time.Since(start).Seconds())
	ticksTotal.Inc()
}
