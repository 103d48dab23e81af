// Package orders places single option legs using a progressive
// price-concession ladder with post-fill verification.
package orders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/schrute_spreads/internal/broker"
	"github.com/eddiefleurent/schrute_spreads/internal/metrics"
	"github.com/eddiefleurent/schrute_spreads/internal/telemetry"
	"github.com/eddiefleurent/schrute_spreads/internal/util"
)

// Intent labels why a leg is being placed; it feeds order tags and logs.
type Intent string

const (
	IntentEntry     Intent = "entry"
	IntentRoll      Intent = "roll"
	IntentClose     Intent = "close"
	IntentEmergency Intent = "emergency"
)

// concessions are the ladder rungs before the final market attempt: the
// touch price twice, 5% beyond it twice, 10% beyond it twice.
var concessions = [...]float64{0, 0, 0.05, 0.05, 0.10, 0.10}

// maxAttempts bounds the ladder: six limit rungs plus one market rung.
const maxAttempts = len(concessions) + 1

// ErrCircuitOpen is returned when the trading circuit forbids placement.
var ErrCircuitOpen = errors.New("trading circuit is open")

// LegFill is the definite outcome of a placeLeg call.
type LegFill struct {
	Filled    bool
	FillPrice float64
	OrderID   int
	Attempts  int
	Reason    string // why the ladder gave up, when not filled
}

// Guard is the safety surface the executor consults: placement is refused
// while the circuit is open, and an orphaned order halts trading at once.
type Guard interface {
	IsOpen() bool
	OpenCircuit(ctx context.Context, reason string)
}

// MismatchRecorder receives post-fill verification discrepancies. They are
// not fatal to the order; the reconciler decides whether they escalate.
type MismatchRecorder interface {
	RecordVerificationMismatch(symbol, detail string)
}

// Config bounds a single placement.
type Config struct {
	MaxSpread            float64       // ceiling for the market rung
	OrderTimeout         time.Duration // per-attempt wait for a fill
	VerifyWait           time.Duration // delay before post-fill verification
	PollInterval         time.Duration // order status poll cadence
	EmergencySlippagePct float64       // aggressive-close concession
}

// Executor implements the concession ladder against a Broker.
type Executor struct {
	broker   broker.Broker
	guard    Guard
	recorder MismatchRecorder
	sink     telemetry.Sink
	logger   *logrus.Logger
	cfg      Config
	prom     *metrics.Recorder
}

// NewExecutor builds an executor. recorder may be nil.
func NewExecutor(b broker.Broker, guard Guard, recorder MismatchRecorder,
	sink telemetry.Sink, logger *logrus.Logger, cfg Config) *Executor {
	if cfg.OrderTimeout == 0 {
		cfg.OrderTimeout = 30 * time.Second
	}
	if cfg.VerifyWait == 0 {
		cfg.VerifyWait = 5 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.EmergencySlippagePct == 0 {
		cfg.EmergencySlippagePct = 0.25
	}
	return &Executor{
		broker:   b,
		guard:    guard,
		recorder: recorder,
		sink:     sink,
		logger:   logger,
		cfg:      cfg,
	}
}

// SetMismatchRecorder wires the reconciler in after construction.
func (e *Executor) SetMismatchRecorder(r MismatchRecorder) { e.recorder = r }

// SetRecorder wires Prometheus instrumentation in. Set at startup, before
// any placement runs.
func (e *Executor) SetRecorder(r *metrics.Recorder) { e.prom = r }

// PlaceLeg works the concession ladder until the leg fills or every rung is
// exhausted. It always terminates with a definite result after at most
// seven attempts.
func (e *Executor) PlaceLeg(ctx context.Context, optionSymbol string, side broker.OrderSide,
	quantity int, intent Intent) (*LegFill, error) {
	if e.guard.IsOpen() {
		return nil, ErrCircuitOpen
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity %d for %s", quantity, optionSymbol)
	}

	fill := &LegFill{}
	var lastReason string

	for rung, pct := range concessions {
		fill.Attempts++

		quote, err := e.broker.GetQuote(ctx, optionSymbol)
		if err != nil || quote.Bid <= 0 || quote.Ask <= 0 {
			lastReason = "quote unavailable"
			if err != nil {
				lastReason = "quote unavailable: " + err.Error()
			}
			e.logger.WithFields(logrus.Fields{
				"symbol": optionSymbol, "rung": rung + 1,
			}).Warn("skipping ladder rung: " + lastReason)
			continue
		}

		price := ladderPrice(quote, side, pct)
		filled, reason, err := e.placeAndWait(ctx, optionSymbol, side, quantity,
			broker.OrderTypeLimit, price, intent, fill)
		if err != nil {
			return fill, err
		}
		if filled {
			e.verifyFill(ctx, optionSymbol, side)
			return fill, nil
		}
		if reason != "" {
			lastReason = reason
		}
	}

	// Final rung: unconditional market order, gated on the spread so a
	// collapsed book cannot produce extreme slippage.
	fill.Attempts++
	quote, err := e.broker.GetQuote(ctx, optionSymbol)
	if err != nil {
		fill.Reason = "market rung: quote unavailable: " + err.Error()
		return fill, nil
	}
	spread := util.Spread(quote.Bid, quote.Ask)
	if spread < 0 || spread > e.cfg.MaxSpread {
		fill.Reason = fmt.Sprintf("market rung aborted: spread %.2f exceeds ceiling %.2f", spread, e.cfg.MaxSpread)
		e.logger.WithField("symbol", optionSymbol).Warn(fill.Reason)
		return fill, nil
	}

	filled, reason, err := e.placeAndWait(ctx, optionSymbol, side, quantity,
		broker.OrderTypeMarket, 0, intent, fill)
	if err != nil {
		return fill, err
	}
	if filled {
		e.verifyFill(ctx, optionSymbol, side)
		return fill, nil
	}
	if reason != "" {
		lastReason = reason
	}
	fill.Reason = lastReason
	if fill.Reason == "" {
		fill.Reason = "ladder exhausted"
	}
	return fill, nil
}

// placeAndWait submits one order and waits for a terminal status within the
// order timeout. A timeout cancels the order; a cancel that does not land
// cleanly is an orphan, which halts trading immediately.
func (e *Executor) placeAndWait(ctx context.Context, optionSymbol string, side broker.OrderSide,
	quantity int, orderType broker.OrderType, price float64, intent Intent, fill *LegFill) (bool, string, error) {
	req := broker.OptionOrderRequest{
		OptionSymbol: optionSymbol,
		Side:         side,
		Quantity:     quantity,
		Type:         orderType,
		LimitPrice:   price,
		Duration:     "day",
		Tag:          orderTag(intent),
	}

	log := e.logger.WithFields(logrus.Fields{
		"symbol": optionSymbol,
		"side":   side,
		"type":   orderType,
		"price":  price,
		"intent": intent,
	})

	if e.prom != nil {
		e.prom.OrderAttempts.Inc()
	}
	resp, err := e.broker.PlaceOptionOrder(ctx, req)
	if err != nil {
		log.WithError(err).Warn("order submission failed")
		return false, "submission failed: " + err.Error(), nil
	}

	orderID := resp.Order.ID
	fill.OrderID = orderID

	status := resp.Order.Status
	fillPrice := resp.Order.AvgFillPrice
	rejectReason := resp.Order.ReasonDescription
	deadline := time.Now().Add(e.cfg.OrderTimeout)

	for !broker.IsOrderTerminal(status) {
		if time.Now().After(deadline) {
			break
		}
		if err := sleepCtx(ctx, e.cfg.PollInterval); err != nil {
			return false, "", err
		}
		st, err := e.broker.GetOrderStatus(ctx, orderID)
		if err != nil {
			log.WithError(err).Warn("order status poll failed")
			continue
		}
		status = st.Order.Status
		fillPrice = st.Order.AvgFillPrice
		if st.Order.ReasonDescription != "" {
			rejectReason = st.Order.ReasonDescription
		}
	}

	switch status {
	case broker.OrderStatusFilled:
		fill.Filled = true
		fill.FillPrice = fillPrice
		if e.prom != nil {
			e.prom.OrderFills.Inc()
		}
		log.WithFields(logrus.Fields{"order_id": orderID, "fill_price": fillPrice}).Info("leg filled")
		return true, "", nil
	case broker.OrderStatusRejected:
		// Reason surfaced verbatim, never swallowed.
		reason := "rejected"
		if rejectReason != "" {
			reason = "rejected: " + rejectReason
		}
		log.WithField("order_id", orderID).Warn("order " + reason)
		return false, reason, nil
	case broker.OrderStatusCanceled, broker.OrderStatusExpired:
		return false, "order " + status, nil
	}

	// Still working past the timeout: cancel it. A cancel failure means
	// the order's true state is unknown, which is worse than a rejection.
	if err := e.broker.CancelOrder(ctx, orderID); err != nil {
		reason := fmt.Sprintf("orphan order %d on %s: cancel failed: %v", orderID, optionSymbol, err)
		log.Error(reason)
		e.sink.Emit(telemetry.Event{
			EventType:   "orphan_order",
			Severity:    telemetry.SeverityCritical,
			Description: reason,
			ActionTaken: "halting trading",
		})
		e.guard.OpenCircuit(ctx, reason)
		return false, "", fmt.Errorf("%s", reason)
	}
	log.WithField("order_id", orderID).Info("unfilled order canceled")
	return false, "timed out, canceled", nil
}

// verifyFill re-queries positions after a bounded wait and checks the
// direction is consistent with the submitted side. A mismatch is recorded
// for the reconciler, never treated as an order failure.
func (e *Executor) verifyFill(ctx context.Context, optionSymbol string, side broker.OrderSide) {
	if err := sleepCtx(ctx, e.cfg.VerifyWait); err != nil {
		return
	}

	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("post-fill verification skipped: positions unavailable")
		return
	}

	var qty float64
	found := false
	for _, p := range positions {
		if p.Symbol == optionSymbol {
			qty = p.Quantity
			found = true
			break
		}
	}

	var detail string
	switch side {
	case broker.SideBuyToOpen:
		if !found || qty <= 0 {
			detail = fmt.Sprintf("expected long position after buy_to_open, found qty %.2f", qty)
		}
	case broker.SideSellToOpen:
		if !found || qty >= 0 {
			detail = fmt.Sprintf("expected short position after sell_to_open, found qty %.2f", qty)
		}
	case broker.SideBuyToClose:
		if found && qty < -broker.QuantityEpsilon {
			detail = fmt.Sprintf("short position persists after buy_to_close, qty %.2f", qty)
		}
	case broker.SideSellToClose:
		if found && qty > broker.QuantityEpsilon {
			detail = fmt.Sprintf("long position persists after sell_to_close, qty %.2f", qty)
		}
	}

	if detail != "" {
		e.logger.WithFields(logrus.Fields{"symbol": optionSymbol, "side": side}).
			Warn("post-fill verification mismatch: " + detail)
		if e.recorder != nil {
			e.recorder.RecordVerificationMismatch(optionSymbol, detail)
		}
	}
}

// EmergencyClose buys back a short leg at an aggressive limit, paying up to
// the configured slippage beyond the touch. Used by the emergency unwind
// path; it does not consult the circuit guard because it runs while the
// circuit is being opened.
func (e *Executor) EmergencyClose(ctx context.Context, optionSymbol string, quantity int) (*LegFill, error) {
	fill := &LegFill{}

	quote, err := e.broker.GetQuote(ctx, optionSymbol)
	orderType := broker.OrderTypeMarket
	price := 0.0
	if err == nil && quote.Ask > 0 {
		orderType = broker.OrderTypeLimit
		price = util.CeilToTick(quote.Ask*(1+e.cfg.EmergencySlippagePct), tickSize)
	}

	filled, reason, err := e.placeAndWait(ctx, optionSymbol, broker.SideBuyToClose,
		quantity, orderType, price, IntentEmergency, fill)
	if err != nil {
		return fill, err
	}
	if !filled {
		fill.Reason = reason
		return fill, fmt.Errorf("emergency close of %s did not fill: %s", optionSymbol, reason)
	}
	return fill, nil
}

// CloseMarket closes a position with a plain market order, used by the
// reconciler for orphan positions.
func (e *Executor) CloseMarket(ctx context.Context, optionSymbol string, side broker.OrderSide,
	quantity int) (*LegFill, error) {
	fill := &LegFill{}
	filled, reason, err := e.placeAndWait(ctx, optionSymbol, side, quantity,
		broker.OrderTypeMarket, 0, IntentClose, fill)
	if err != nil {
		return fill, err
	}
	if !filled {
		fill.Reason = reason
		return fill, fmt.Errorf("market close of %s did not fill: %s", optionSymbol, reason)
	}
	return fill, nil
}

// tickSize is the option quote increment for limit prices.
const tickSize = 0.01

// ladderPrice computes the limit price for a rung: the touch with pct
// concession beyond it. Buyers start at the bid and pay up; sellers start
// at the ask and come down. Rounding goes with the concession so a rung is
// never less aggressive than the one before it.
func ladderPrice(q *broker.QuoteItem, side broker.OrderSide, pct float64) float64 {
	if side.Buying() {
		return util.CeilToTick(q.Bid*(1+pct), tickSize)
	}
	return math.Max(util.FloorToTick(q.Ask*(1-pct), tickSize), tickSize)
}

// orderTag builds a short audit tag, alphanumeric and dashes only.
func orderTag(intent Intent) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return fmt.Sprintf("%s-%s", intent, id[:12])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
