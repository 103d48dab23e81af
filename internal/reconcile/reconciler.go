// Package reconcile diffs the in-memory campaign against the gateway's
// reported positions and resolves or escalates the differences.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/schrute_spreads/internal/broker"
	"github.com/eddiefleurent/schrute_spreads/internal/metrics"
	"github.com/eddiefleurent/schrute_spreads/internal/models"
	"github.com/eddiefleurent/schrute_spreads/internal/orders"
	"github.com/eddiefleurent/schrute_spreads/internal/retry"
	"github.com/eddiefleurent/schrute_spreads/internal/storage"
	"github.com/eddiefleurent/schrute_spreads/internal/telemetry"
	"github.com/eddiefleurent/schrute_spreads/internal/util"
)

// OrphanCloser flattens an untracked position with a market order.
type OrphanCloser interface {
	CloseMarket(ctx context.Context, optionSymbol string, side broker.OrderSide,
		quantity int) (*orders.LegFill, error)
}

// Escalator receives the halt signal when mismatches persist.
type Escalator interface {
	OpenCircuit(ctx context.Context, reason string)
}

// Result summarizes one reconciliation pass.
type Result struct {
	Skipped  bool
	Clean    bool
	Expired  []string
	Assigned []string
	Adopted  []string
	Closed   []string
	Problems []string
}

// Config tunes the reconciler.
type Config struct {
	MinInterval       time.Duration
	MismatchThreshold int
}

// Reconciler compares expectation to reality at a bounded cadence.
type Reconciler struct {
	broker    broker.Broker
	store     storage.Interface
	closer    OrphanCloser
	escalator Escalator
	sink      telemetry.Sink
	logger    *logrus.Logger
	cfg       Config
	retrier   *retry.Client
	prom      *metrics.Recorder

	mu             sync.Mutex
	lastRun        time.Time
	mismatchStreak int
	escalated      bool

	now func() time.Time
}

// NewReconciler builds a reconciler. closer and escalator are wired after
// construction when they depend on the executor and safety monitor.
func NewReconciler(b broker.Broker, store storage.Interface, sink telemetry.Sink,
	logger *logrus.Logger, cfg Config) *Reconciler {
	if cfg.MinInterval == 0 {
		cfg.MinInterval = 5 * time.Minute
	}
	if cfg.MismatchThreshold < 1 {
		cfg.MismatchThreshold = 3
	}
	return &Reconciler{
		broker: b,
		store:  store,
		sink:   sink,
		logger: logger,
		cfg:    cfg,
		retrier: retry.NewClient(logger, retry.Config{
			MaxRetries:     2,
			InitialBackoff: time.Second,
			MaxBackoff:     10 * time.Second,
			Timeout:        time.Minute,
		}),
		now: time.Now,
	}
}

// SetOrphanCloser wires the order executor in.
func (r *Reconciler) SetOrphanCloser(c OrphanCloser) { r.closer = c }

// SetEscalator wires the safety monitor in.
func (r *Reconciler) SetEscalator(e Escalator) { r.escalator = e }

// SetRecorder wires Prometheus instrumentation in. Set at startup, before
// the first pass runs.
func (r *Reconciler) SetRecorder(rec *metrics.Recorder) { r.prom = rec }

// RecordVerificationMismatch feeds post-fill verification discrepancies
// into the mismatch counter. Implements orders.MismatchRecorder.
func (r *Reconciler) RecordVerificationMismatch(symbol, detail string) {
	r.logger.WithField("symbol", symbol).Warn("verification mismatch recorded: " + detail)
	r.bumpMismatch(context.Background(), fmt.Sprintf("verification mismatch on %s: %s", symbol, detail))
}

// Run performs one reconciliation pass if the minimum interval has elapsed.
// The campaign is mutated in place and persisted when legs change.
func (r *Reconciler) Run(ctx context.Context, campaign *models.Campaign) (*Result, error) {
	r.mu.Lock()
	if !r.lastRun.IsZero() && r.now().Sub(r.lastRun) < r.cfg.MinInterval {
		r.mu.Unlock()
		return &Result{Skipped: true}, nil
	}
	r.lastRun = r.now()
	r.mu.Unlock()

	positions, err := retry.Do(ctx, r.retrier, "fetch positions",
		func(ctx context.Context) ([]broker.PositionItem, error) {
			return r.broker.GetPositions(ctx)
		})
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}

	res := &Result{}
	symbol := ""
	if campaign != nil {
		symbol = campaign.Symbol
	}

	optionPositions, sharePositions := splitPositions(positions, symbol)

	changed := false
	if campaign != nil {
		changed = r.resolveMissingLegs(campaign, optionPositions, sharePositions, res)
	}
	r.resolveOrphans(ctx, campaign, optionPositions, res, &changed)

	if changed && campaign != nil {
		if err := r.store.SetCurrentCampaign(campaign); err != nil {
			r.logger.WithError(err).Error("failed to persist reconciled campaign")
		}
	}

	if len(res.Problems) == 0 {
		res.Clean = true
		r.mu.Lock()
		r.mismatchStreak = 0
		r.escalated = false
		r.mu.Unlock()
		if r.prom != nil {
			r.prom.MismatchStreak.Set(0)
		}
	} else {
		// The streak counts mismatched passes, not problems within a pass.
		reason := res.Problems[0]
		if n := len(res.Problems); n > 1 {
			reason = fmt.Sprintf("%s (and %d more)", reason, n-1)
		}
		r.bumpMismatch(ctx, reason)
	}

	return res, nil
}

// resolveMissingLegs handles legs the engine expects but the gateway does
// not report: assignment when matching underlying shares appeared, expiry
// otherwise.
func (r *Reconciler) resolveMissingLegs(campaign *models.Campaign,
	optionPositions map[string]optionPosition, shareQty float64, res *Result) bool {
	changed := false
	for _, leg := range campaign.Legs() {
		if _, ok := optionPositions[leg.Symbol]; ok {
			continue
		}

		// Short call assignment delivers short shares; a matching share
		// count is the assignment signature.
		expectedShares := float64(leg.AbsQuantity()) * 100
		assigned := leg.IsShort() && math.Abs(shareQty) >= expectedShares-broker.QuantityEpsilon

		if assigned {
			r.logger.WithFields(logrus.Fields{
				"symbol": leg.Symbol,
				"shares": shareQty,
			}).Warn("leg missing with matching underlying shares: treating as assignment")
			campaign.RemoveLeg(leg.Symbol)
			campaign.AssignmentFlag = true
			res.Assigned = append(res.Assigned, leg.Symbol)
			r.sink.Emit(telemetry.Event{
				EventType:   "assignment",
				Severity:    telemetry.SeverityCritical,
				Description: fmt.Sprintf("leg %s assigned, %0.f underlying shares appeared", leg.Symbol, shareQty),
				ActionTaken: "leg removed from campaign, flagged for operator",
			})
		} else {
			r.logger.WithField("symbol", leg.Symbol).Info("leg missing with no share position: treating as expiry")
			campaign.RemoveLeg(leg.Symbol)
			res.Expired = append(res.Expired, leg.Symbol)
		}
		changed = true
	}
	return changed
}

// resolveOrphans handles positions the gateway reports that the engine does
// not expect: adopt when a structurally fitting slot is empty, otherwise
// close at market.
func (r *Reconciler) resolveOrphans(ctx context.Context, campaign *models.Campaign,
	optionPositions map[string]optionPosition, res *Result, changed *bool) {
	for sym, pos := range optionPositions {
		if campaign != nil && campaign.LegBySymbol(sym) != nil {
			continue
		}

		qty := pos.Quantity
		if campaign != nil && pos.OptType == "C" {
			if qty > 0 && campaign.Protective == nil {
				campaign.Protective = adoptLeg(sym, pos.Underlying, models.RoleProtective, pos.Strike, pos.Expiration, int(qty))
				res.Adopted = append(res.Adopted, sym)
				*changed = true
				r.logger.WithField("symbol", sym).Warn("adopted orphan long call as protective leg")
				continue
			}
			if qty < 0 && campaign.Income == nil {
				campaign.Income = adoptLeg(sym, pos.Underlying, models.RoleIncome, pos.Strike, pos.Expiration, int(qty))
				res.Adopted = append(res.Adopted, sym)
				*changed = true
				r.logger.WithField("symbol", sym).Warn("adopted orphan short call as income leg")
				continue
			}
		}

		// No slot fits: flatten it.
		side := broker.SideSellToClose
		absQty := int(qty)
		if qty < 0 {
			side = broker.SideBuyToClose
			absQty = int(-qty)
		}
		if r.closer == nil {
			res.Problems = append(res.Problems, fmt.Sprintf("orphan position %s with no closer wired", sym))
			continue
		}
		if _, err := r.closer.CloseMarket(ctx, sym, side, absQty); err != nil {
			r.logger.WithError(err).WithField("symbol", sym).Error("failed to close orphan position")
			res.Problems = append(res.Problems, fmt.Sprintf("orphan close failed for %s: %v", sym, err))
			continue
		}
		res.Closed = append(res.Closed, sym)
		r.sink.Emit(telemetry.Event{
			EventType:   "orphan_closed",
			Severity:    telemetry.SeverityWarning,
			Description: fmt.Sprintf("closed untracked position %s (qty %.0f)", sym, qty),
			ActionTaken: "market order",
			Result:      "flat",
		})
	}
}

// bumpMismatch increments the mismatch streak and escalates exactly once
// when the threshold is crossed.
func (r *Reconciler) bumpMismatch(ctx context.Context, reason string) {
	r.mu.Lock()
	r.mismatchStreak++
	streak := r.mismatchStreak
	shouldEscalate := streak >= r.cfg.MismatchThreshold && !r.escalated
	if shouldEscalate {
		r.escalated = true
	}
	r.mu.Unlock()

	if r.prom != nil {
		r.prom.MismatchStreak.Set(float64(streak))
	}
	if shouldEscalate && r.escalator != nil {
		r.escalator.OpenCircuit(ctx,
			fmt.Sprintf("reconciliation mismatch persisted %d passes: %s", streak, reason))
	}
}

// MismatchStreak returns the current consecutive mismatch count.
func (r *Reconciler) MismatchStreak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mismatchStreak
}

// optionPosition is a gateway option position with its parsed symbol fields.
// Only symbols that parse as options make it into the map; anything else is
// either the underlying's shares or out of scope.
type optionPosition struct {
	Quantity   float64
	Underlying string
	Expiration time.Time
	OptType    string
	Strike     float64
}

// splitPositions filters gateway positions to the campaign's instrument
// family, returning option positions by symbol and the net share count of
// the underlying.
func splitPositions(positions []broker.PositionItem, underlying string) (map[string]optionPosition, float64) {
	options := make(map[string]optionPosition)
	var shares float64
	for _, p := range positions {
		if u, exp, typ, strike, err := util.ParseOptionSymbol(p.Symbol); err == nil {
			if underlying == "" || u == underlying {
				options[p.Symbol] = optionPosition{
					Quantity:   p.Quantity,
					Underlying: u,
					Expiration: exp,
					OptType:    typ,
					Strike:     strike,
				}
			}
			continue
		}
		if p.Symbol == underlying {
			shares += p.Quantity
		}
	}
	return options, shares
}

func adoptLeg(symbol, underlying string, role models.LegRole, strike float64,
	expiration time.Time, qty int) *models.Leg {
	return &models.Leg{
		Symbol:     symbol,
		Underlying: underlying,
		Role:       role,
		Strike:     strike,
		Expiration: expiration,
		Quantity:   qty,
		OpenedAt:   time.Now().UTC(),
	}
}
