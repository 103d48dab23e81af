package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/schrute_spreads/internal/broker"
	"github.com/eddiefleurent/schrute_spreads/internal/models"
	"github.com/eddiefleurent/schrute_spreads/internal/orders"
	"github.com/eddiefleurent/schrute_spreads/internal/telemetry"
	"github.com/eddiefleurent/schrute_spreads/internal/util"
)

// Action names used for cooldown bookkeeping.
const (
	actionEntry          = "entry"
	actionOpenIncome     = "open_income"
	actionRollIncome     = "roll_income"
	actionRollProtective = "roll_protective"
	actionClose          = "close"
)

// evaluateEntry checks the entry filters and, when they all pass, opens a
// new campaign: protective leg first, then the income leg.
func (e *Engine) evaluateEntry(ctx context.Context) {
	if e.campaign != nil {
		// A campaign exists (restart, or adopted by the reconciler).
		e.setState(PositionOpen{})
		return
	}

	now := e.now()
	if ok, reason := e.entryFiltersPass(ctx, now); !ok {
		if _, waiting := e.state.(WaitingEntry); !waiting {
			e.logger.WithField("reason", reason).Info("entry filters not satisfied")
			e.setState(WaitingEntry{Since: now})
		}
		return
	}

	// The gateway must report zero pre-existing legs for this underlying.
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("entry blocked: positions unavailable")
		return
	}
	for _, p := range positions {
		if u, _, _, _, err := util.ParseOptionSymbol(p.Symbol); err == nil && u == e.cfg.Campaign.Symbol {
			e.logger.WithField("symbol", p.Symbol).
				Warn("entry blocked: pre-existing option position")
			return
		}
	}

	e.openCampaign(ctx)
}

// entryFiltersPass evaluates the non-broker entry gates.
func (e *Engine) entryFiltersPass(ctx context.Context, now time.Time) (bool, string) {
	if !e.cfg.IsWithinTradingHours(now) {
		return false, "outside trading hours"
	}
	if e.inSettleWindow(now) {
		return false, "inside post-open settle window"
	}
	if blackout, name := e.cfg.IsBlackoutNow(now, e.cfg.Campaign.Exit.BlackoutDaysAhead); blackout {
		return false, "blackout event pending: " + name
	}
	if !e.cooldown.Ready(actionEntry, now) {
		return false, "entry on cooldown"
	}
	allowed, why, err := e.oracle.EntryAllowed(ctx)
	if err != nil {
		return false, "entry oracle error: " + err.Error()
	}
	if !allowed {
		if why == "" {
			why = "trend filter"
		}
		return false, "entry not allowed: " + why
	}
	return true, ""
}

// inSettleWindow reports whether now falls in the quote-settling delay
// right after the trading window opens.
func (e *Engine) inSettleWindow(now time.Time) bool {
	local := now.In(e.cfg.Location())
	start, err := time.ParseInLocation("15:04", e.cfg.Schedule.TradingStart, e.cfg.Location())
	if err != nil {
		return false
	}
	open := time.Date(local.Year(), local.Month(), local.Day(),
		start.Hour(), start.Minute(), 0, 0, e.cfg.Location())
	return local.After(open) && local.Before(open.Add(e.cfg.Campaign.Entry.SettleDelay))
}

// openCampaign places the protective leg and then the income leg. A filled
// protective leg with a failed income leg is kept: bounded loss, retried
// next tick.
func (e *Engine) openCampaign(ctx context.Context) {
	spot := e.spot(ctx)
	if spot <= 0 {
		e.logger.Warn("entry aborted: no spot price")
		return
	}

	protectiveExp, err := e.findExpiration(ctx, e.cfg.Campaign.Entry.ProtectiveMinDTE)
	if err != nil {
		e.logger.WithError(err).Warn("entry aborted: no protective expiration")
		return
	}

	chain, err := e.broker.GetOptionChain(ctx, e.cfg.Campaign.Symbol, protectiveExp, true)
	if err != nil {
		e.logger.WithError(err).Warn("entry aborted: protective chain unavailable")
		return
	}
	opt := broker.FindStrikeByDelta(chain, "call", e.cfg.Campaign.Entry.ProtectiveTargetDelta)
	if opt == nil {
		e.logger.Warn("entry aborted: no protective strike with target delta")
		return
	}

	qty := e.cfg.Campaign.Quantity
	fill, err := e.executor.PlaceLeg(ctx, opt.Symbol, broker.SideBuyToOpen, qty, orders.IntentEntry)
	if err != nil {
		e.monitorFail(ctx, actionEntry, "entry protective leg: "+err.Error())
		return
	}
	if !fill.Filled {
		e.monitorFail(ctx, actionEntry, "entry protective leg: "+fill.Reason)
		e.setState(WaitingEntry{Since: e.now()})
		return
	}

	seq, err := e.store.NextSequence()
	if err != nil {
		e.logger.WithError(err).Error("failed to allocate campaign sequence")
		seq = 0
	}
	campaign := models.NewCampaign(uuid.New().String(), e.cfg.Campaign.Symbol, seq)
	campaign.EntrySpot = spot
	campaign.Protective = e.legFromOption(opt, models.RoleProtective, qty, fill.FillPrice, fill.OrderID)
	campaign.ProtectiveCost = fill.FillPrice * float64(qty)
	e.setCampaign(campaign)
	e.setState(PositionOpen{})
	e.logger.WithFields(logrus.Fields{
		"campaign": campaign.ID,
		"symbol":   opt.Symbol,
		"price":    fill.FillPrice,
	}).Info("protective leg opened")

	if err := e.store.UpdateMetrics(func(m *models.Metrics) { m.CampaignsOpened++ }); err != nil {
		e.logger.WithError(err).Error("failed to record campaign open")
	}

	e.openIncomeLeg(ctx)
}

// openIncomeLeg sells the short-dated income call. Called on entry and on
// every tick while the campaign sits protective-only.
func (e *Engine) openIncomeLeg(ctx context.Context) {
	if e.campaign == nil || e.campaign.Protective == nil || e.campaign.Income != nil {
		return
	}
	if !e.cooldown.Ready(actionOpenIncome, e.now()) {
		e.logger.Debug("income leg open on cooldown")
		return
	}

	spot := e.spot(ctx)
	if spot <= 0 {
		e.logger.Warn("income leg blocked: no spot price")
		return
	}

	exp, err := e.findExpiration(ctx, e.cfg.Campaign.Entry.IncomeTargetDTE)
	if err != nil {
		e.monitorFail(ctx, actionOpenIncome, "income expiration: "+err.Error())
		return
	}
	chain, err := e.broker.GetOptionChain(ctx, e.cfg.Campaign.Symbol, exp, true)
	if err != nil {
		e.monitorFail(ctx, actionOpenIncome, "income chain: "+err.Error())
		return
	}
	opt := broker.FindNearestStrike(chain, "call", spot)
	if opt == nil {
		e.monitorFail(ctx, actionOpenIncome, "no income strike near spot")
		return
	}

	e.sellIncome(ctx, opt, models.RollType(""))
}

// sellIncome places the short call and records it. rollType is empty for a
// fresh open and set when the sale completes a roll.
func (e *Engine) sellIncome(ctx context.Context, opt *broker.Option, rollType models.RollType) {
	qty := e.cfg.Campaign.Quantity
	fill, err := e.executor.PlaceLeg(ctx, opt.Symbol, broker.SideSellToOpen, qty, intentFor(rollType))
	if err != nil {
		e.monitorFail(ctx, actionOpenIncome, "income leg: "+err.Error())
		return
	}
	if !fill.Filled {
		// Protective-only is safe: stay in PositionOpen, retry later.
		e.monitorFail(ctx, actionOpenIncome, "income leg: "+fill.Reason)
		return
	}

	e.campaign.Income = e.legFromOption(opt, models.RoleIncome, -qty, fill.FillPrice, fill.OrderID)
	e.campaign.PremiumCollected += fill.FillPrice * float64(qty)
	if rollType != "" {
		e.campaign.RecordRoll(rollType)
		if err := e.store.UpdateMetrics(func(m *models.Metrics) { m.RecordRoll(rollType) }); err != nil {
			e.logger.WithError(err).Error("failed to record roll")
		}
		if e.prom != nil {
			e.prom.RollsTotal.WithLabelValues(string(rollType)).Inc()
		}
	}
	e.setCampaign(e.campaign)
	e.cooldown.Clear(actionOpenIncome)
	e.monitor.ReportSuccess()
	e.logger.WithFields(logrus.Fields{
		"symbol": opt.Symbol,
		"strike": opt.Strike,
		"price":  fill.FillPrice,
	}).Info("income leg sold")
	e.sink.Emit(telemetry.Event{
		EventType:   "income_leg_sold",
		Severity:    telemetry.SeverityInfo,
		Description: fmt.Sprintf("sold %s at %.2f", opt.Symbol, fill.FillPrice),
		Result:      "filled",
	})
}

func intentFor(rollType models.RollType) orders.Intent {
	if rollType != "" {
		return orders.IntentRoll
	}
	return orders.IntentEntry
}

// evaluateOpenPosition refreshes prices, then picks at most one transition:
// close conditions in priority order, then the income roll, then the
// protective roll.
func (e *Engine) evaluateOpenPosition(ctx context.Context) {
	if e.campaign == nil {
		e.setState(Idle{})
		return
	}

	e.refreshLegs(ctx)

	if e.campaign.Income == nil {
		// Protective-only: restoring the income leg is this tick's action.
		e.openIncomeLeg(ctx)
		return
	}

	now := e.now()

	// Close conditions, in documented priority order. The first satisfied
	// reason is the one recorded.
	if reason, event, ok := e.closeCondition(ctx, now); ok {
		e.setState(ClosingCampaign{Reason: reason, Event: event})
		return
	}

	// Income roll trigger.
	if e.cooldown.Ready(actionRollIncome, now) &&
		models.DaysUntil(e.campaign.Income.Expiration, now) <= e.cfg.Campaign.Roll.IncomeRollDTE {
		spot := e.spot(ctx)
		direction := models.RollTowardSameStrike
		if spot >= e.campaign.Income.Strike {
			direction = models.RollTowardNewStrike
		}
		e.setState(RollingIncomeLeg{Direction: direction})
		return
	}

	// Protective roll triggers: degraded delta or margin pressure.
	if trigger, ok := e.protectiveRollTrigger(ctx); ok {
		e.setState(RollingProtectiveLeg{Trigger: trigger})
		return
	}
}

// closeCondition evaluates the close triggers in priority order.
func (e *Engine) closeCondition(ctx context.Context, now time.Time) (CloseReason, string, bool) {
	if e.campaign.Protective != nil &&
		models.DaysUntil(e.campaign.Protective.Expiration, now) <= e.cfg.Campaign.Exit.ProtectiveExpiryDays {
		return CloseExpiry, "", true
	}
	if blackout, name := e.cfg.IsBlackoutNow(now, e.cfg.Campaign.Exit.BlackoutDaysAhead); blackout {
		return CloseBlackout, name, true
	}
	if e.campaign.UnrealizedPnL() <= -e.cfg.Campaign.Exit.LossCeiling {
		return CloseLossCeiling, "", true
	}
	flipped, err := e.oracle.TrendFlipped(ctx, e.campaign, e.spot(ctx))
	if err != nil {
		e.logger.WithError(err).Warn("trend oracle error")
	} else if flipped {
		return CloseTrendFlip, "", true
	}
	return "", "", false
}

// protectiveRollTrigger checks delta degradation and margin usage.
func (e *Engine) protectiveRollTrigger(ctx context.Context) (string, bool) {
	if e.campaign.Protective == nil {
		return "", false
	}
	if !e.cooldown.Ready(actionRollProtective, e.now()) {
		return "", false
	}

	delta := math.Abs(e.campaign.Protective.Greeks.Delta)
	if delta > 0 && delta < e.cfg.Campaign.Roll.ProtectiveMinDelta {
		return "delta", true
	}

	balances, err := e.broker.GetBalances(ctx)
	if err != nil {
		e.logger.WithError(err).Debug("margin check skipped: balances unavailable")
		return "", false
	}
	if balances.MarginUsage() > e.cfg.Campaign.Roll.MarginUsageCeiling {
		return "margin", true
	}
	return "", false
}

// rollIncomeLeg buys back the expiring income leg and re-sells per the
// decided direction: toward the same strike at the next expiry, or
// re-centered at the money.
func (e *Engine) rollIncomeLeg(ctx context.Context, st RollingIncomeLeg) {
	if e.campaign == nil || e.campaign.Income == nil {
		e.setState(PositionOpen{})
		return
	}
	if !e.cooldown.Ready(actionRollIncome, e.now()) {
		e.setState(PositionOpen{})
		return
	}

	old := e.campaign.Income
	qty := old.AbsQuantity()

	fill, err := e.executor.PlaceLeg(ctx, old.Symbol, broker.SideBuyToClose, qty, orders.IntentRoll)
	if err != nil {
		e.monitorFail(ctx, actionRollIncome, "income buyback: "+err.Error())
		e.setState(PositionOpen{})
		return
	}
	if !fill.Filled {
		e.monitorFail(ctx, actionRollIncome, "income buyback: "+fill.Reason)
		e.setState(PositionOpen{})
		return
	}

	e.campaign.PremiumCollected -= fill.FillPrice * float64(qty)
	e.campaign.Income = nil
	e.setCampaign(e.campaign)

	// Protective-only now: safe even if the re-sell fails.
	exp, err := e.findExpiration(ctx, 1)
	if err != nil {
		e.monitorFail(ctx, actionOpenIncome, "roll expiration: "+err.Error())
		e.setState(PositionOpen{})
		return
	}
	chain, err := e.broker.GetOptionChain(ctx, e.cfg.Campaign.Symbol, exp, true)
	if err != nil {
		e.monitorFail(ctx, actionOpenIncome, "roll chain: "+err.Error())
		e.setState(PositionOpen{})
		return
	}

	var opt *broker.Option
	switch st.Direction {
	case models.RollTowardSameStrike:
		opt = broker.FindOptionAtStrike(chain, "call", old.Strike)
	case models.RollTowardNewStrike:
		opt = broker.FindNearestStrike(chain, "call", e.spot(ctx))
	}
	if opt == nil {
		e.monitorFail(ctx, actionOpenIncome, fmt.Sprintf("no strike for %s roll", st.Direction))
		e.setState(PositionOpen{})
		return
	}

	e.sellIncome(ctx, opt, st.Direction)
	e.setState(PositionOpen{})
}

// rollProtectiveLeg replaces a degraded protective leg at the target delta
// on the same expiry. If the new leg fails to open after the old one
// closed, the campaign is naked: emergency unwind, not retry.
func (e *Engine) rollProtectiveLeg(ctx context.Context, st RollingProtectiveLeg) {
	if e.campaign == nil || e.campaign.Protective == nil {
		e.setState(PositionOpen{})
		return
	}

	old := e.campaign.Protective
	qty := old.AbsQuantity()

	fill, err := e.executor.PlaceLeg(ctx, old.Symbol, broker.SideSellToClose, qty, orders.IntentRoll)
	if err != nil {
		e.monitorFail(ctx, actionRollProtective, "protective close: "+err.Error())
		e.setState(PositionOpen{})
		return
	}
	if !fill.Filled {
		e.monitorFail(ctx, actionRollProtective, "protective close: "+fill.Reason)
		e.setState(PositionOpen{})
		return
	}

	e.campaign.ProtectiveCost -= fill.FillPrice * float64(qty)
	e.campaign.Protective = nil
	e.setCampaign(e.campaign)

	expStr := old.Expiration.Format("2006-01-02")
	newOpt, err := e.selectProtective(ctx, expStr)
	var newFill *orders.LegFill
	if err == nil {
		newFill, err = e.executor.PlaceLeg(ctx, newOpt.Symbol, broker.SideBuyToOpen, qty, orders.IntentRoll)
	}
	if err != nil || !newFill.Filled {
		detail := "unknown"
		if err != nil {
			detail = err.Error()
		} else {
			detail = newFill.Reason
		}
		// The income leg is now uncovered. This is the most dangerous
		// partial-fill outcome: unwind, do not retry.
		e.monitor.OpenCircuit(ctx,
			fmt.Sprintf("protective roll (%s) left income leg uncovered: %s", st.Trigger, detail))
		return
	}

	e.campaign.Protective = e.legFromOption(newOpt, models.RoleProtective, qty, newFill.FillPrice, newFill.OrderID)
	e.campaign.ProtectiveCost += newFill.FillPrice * float64(qty)
	e.setCampaign(e.campaign)
	e.cooldown.Clear(actionRollProtective)
	e.monitor.ReportSuccess()
	e.setState(PositionOpen{})
	e.logger.WithFields(logrus.Fields{
		"trigger": st.Trigger,
		"symbol":  newOpt.Symbol,
		"strike":  newOpt.Strike,
	}).Info("protective leg rolled")
}

// selectProtective finds the call at the configured target delta on the
// given expiration.
func (e *Engine) selectProtective(ctx context.Context, expiration string) (*broker.Option, error) {
	chain, err := e.broker.GetOptionChain(ctx, e.cfg.Campaign.Symbol, expiration, true)
	if err != nil {
		return nil, fmt.Errorf("protective chain: %w", err)
	}
	opt := broker.FindStrikeByDelta(chain, "call", e.cfg.Campaign.Entry.ProtectiveTargetDelta)
	if opt == nil {
		return nil, fmt.Errorf("no call near delta %.2f on %s",
			e.cfg.Campaign.Entry.ProtectiveTargetDelta, expiration)
	}
	return opt, nil
}

// closeCampaign unwinds the whole position: income leg first so no naked
// interval can occur, then the protective leg.
func (e *Engine) closeCampaign(ctx context.Context, st ClosingCampaign) {
	if e.campaign == nil {
		e.setState(Idle{})
		return
	}
	if !e.cooldown.Ready(actionClose, e.now()) {
		return
	}

	if e.campaign.Income != nil {
		leg := e.campaign.Income
		fill, err := e.executor.PlaceLeg(ctx, leg.Symbol, broker.SideBuyToClose,
			leg.AbsQuantity(), orders.IntentClose)
		if err != nil {
			e.monitorFail(ctx, actionClose, "close income leg: "+err.Error())
			return
		}
		if !fill.Filled {
			e.monitorFail(ctx, actionClose, "close income leg: "+fill.Reason)
			return
		}
		e.campaign.PremiumCollected -= fill.FillPrice * float64(leg.AbsQuantity())
		e.campaign.Income = nil
		e.setCampaign(e.campaign)
	}

	if e.campaign.Protective != nil {
		leg := e.campaign.Protective
		fill, err := e.executor.PlaceLeg(ctx, leg.Symbol, broker.SideSellToClose,
			leg.AbsQuantity(), orders.IntentClose)
		if err != nil {
			e.monitorFail(ctx, actionClose, "close protective leg: "+err.Error())
			return
		}
		if !fill.Filled {
			// Protective-only is bounded risk; retry on a later tick.
			e.monitorFail(ctx, actionClose, "close protective leg: "+fill.Reason)
			return
		}
		e.campaign.ProtectiveCost -= fill.FillPrice * float64(leg.AbsQuantity())
		e.campaign.Protective = nil
		e.setCampaign(e.campaign)
	}

	realized := (e.campaign.PremiumCollected - e.campaign.ProtectiveCost) * 100
	campaignID := e.campaign.ID
	if err := e.store.CloseCampaign(realized); err != nil {
		e.logger.WithError(err).Error("failed to record campaign close")
	}
	e.mu.Lock()
	e.campaign = nil
	e.mu.Unlock()

	e.cooldown.Clear(actionClose)
	e.monitor.ReportSuccess()
	e.logger.WithFields(logrus.Fields{
		"campaign": campaignID,
		"reason":   st.Reason,
		"realized": realized,
	}).Info("campaign closed")
	e.sink.Emit(telemetry.Event{
		EventType:   "campaign_closed",
		Severity:    telemetry.SeverityInfo,
		Description: fmt.Sprintf("campaign %s closed: %s", campaignID, st.Reason),
		Result:      fmt.Sprintf("realized %.2f", realized),
	})

	if st.Reason == CloseBlackout {
		e.setState(WaitingEvent{Event: st.Event, Until: e.blackoutEnd(st.Event)})
		return
	}
	e.setState(Idle{})
}

// blackoutEnd returns the day after the named event, or the day after the
// last configured event when the name is unknown.
func (e *Engine) blackoutEnd(name string) time.Time {
	var end time.Time
	for _, ev := range e.cfg.Blackout.Events {
		d, err := time.Parse("2006-01-02", ev.Date)
		if err != nil {
			continue
		}
		next := d.AddDate(0, 0, 1)
		if ev.Name == name {
			return next
		}
		if next.After(end) {
			end = next
		}
	}
	return end
}

// evaluateEventWait leaves WaitingEvent once the blackout window elapses.
func (e *Engine) evaluateEventWait(st WaitingEvent) {
	now := e.now()
	if !st.Until.IsZero() && now.Before(st.Until) {
		return
	}
	if blackout, _ := e.cfg.IsBlackoutNow(now, e.cfg.Campaign.Exit.BlackoutDaysAhead); blackout {
		return
	}
	e.setState(Idle{})
}

// refreshLegs updates cached leg prices and the protective leg's greeks.
// Pure bookkeeping; it never triggers a transition.
func (e *Engine) refreshLegs(ctx context.Context) {
	for _, leg := range e.campaign.Legs() {
		q, err := e.broker.GetQuote(ctx, leg.Symbol)
		if err != nil {
			continue
		}
		if mid := util.Mid(q.Bid, q.Ask); mid > 0 {
			leg.LastPrice = mid
		} else if q.Last > 0 {
			leg.LastPrice = q.Last
		}
	}

	if p := e.campaign.Protective; p != nil {
		chain, err := e.broker.GetOptionChain(ctx, e.campaign.Symbol,
			p.Expiration.Format("2006-01-02"), true)
		if err == nil {
			if opt := broker.FindOptionAtStrike(chain, "call", p.Strike); opt != nil && opt.Greeks != nil {
				p.Greeks = models.Greeks{
					Delta: opt.Greeks.Delta,
					Gamma: opt.Greeks.Gamma,
					Theta: opt.Greeks.Theta,
					Vega:  opt.Greeks.Vega,
				}
			}
		}
	}
}

// EmergencyUnwind implements safety.Unwinder: re-sync the campaign from
// the gateway's true positions, then close any unprotected income leg at
// an aggressive price. Runs while the circuit is still closed so the
// orders are permitted.
func (e *Engine) EmergencyUnwind(ctx context.Context) error {
	e.setState(EmergencyExit{Reason: "safety monitor unwind"})

	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("unwind: positions unavailable: %w", err)
	}

	if e.campaign != nil {
		held := make(map[string]bool, len(positions))
		for _, p := range positions {
			held[p.Symbol] = true
		}
		changed := false
		for _, leg := range e.campaign.Legs() {
			if !held[leg.Symbol] {
				e.campaign.RemoveLeg(leg.Symbol)
				changed = true
			}
		}
		if changed {
			e.setCampaign(e.campaign)
		}
	}

	if e.campaign == nil || !e.campaign.IsNaked() {
		// Bounded risk or nothing open: leave as-is.
		e.logger.Info("emergency check: no unprotected leg, no action")
		return nil
	}

	leg := e.campaign.Income
	e.logger.WithField("symbol", leg.Symbol).
		Error("emergency check: unprotected income leg, closing aggressively")
	fill, err := e.executor.EmergencyClose(ctx, leg.Symbol, leg.AbsQuantity())
	if err != nil {
		return fmt.Errorf("unwind: %w", err)
	}

	e.campaign.PremiumCollected -= fill.FillPrice * float64(leg.AbsQuantity())
	e.campaign.RemoveLeg(leg.Symbol)
	e.setCampaign(e.campaign)
	e.sink.Emit(telemetry.Event{
		EventType:   "emergency_close",
		Severity:    telemetry.SeverityCritical,
		Description: fmt.Sprintf("closed unprotected income leg %s at %.2f", leg.Symbol, fill.FillPrice),
		ActionTaken: "aggressive buy to close",
		Result:      "flat",
	})
	return nil
}

// monitorFail routes a failed action into the safety counter and cooldown.
func (e *Engine) monitorFail(ctx context.Context, action, reason string) {
	e.cooldown.Fail(action, e.now())
	e.monitor.ReportFailure(ctx, reason)
	if e.prom != nil {
		e.prom.OrderFailures.Inc()
	}
}

// findExpiration returns the first listed expiration at least minDTE days
// out.
func (e *Engine) findExpiration(ctx context.Context, minDTE int) (string, error) {
	dates, err := e.broker.GetExpirations(ctx, e.cfg.Campaign.Symbol)
	if err != nil {
		return "", fmt.Errorf("expirations: %w", err)
	}
	now := e.now()
	for _, d := range dates {
		exp, err := time.Parse("2006-01-02", d)
		if err != nil {
			continue
		}
		if models.DaysUntil(exp, now) >= minDTE {
			return d, nil
		}
	}
	return "", fmt.Errorf("no expiration at least %d days out", minDTE)
}

// legFromOption builds a models.Leg from a chain entry and its fill.
func (e *Engine) legFromOption(opt *broker.Option, role models.LegRole, qty int,
	fillPrice float64, orderID int) *models.Leg {
	exp, _ := time.Parse("2006-01-02", opt.ExpirationDate)
	leg := &models.Leg{
		Symbol:     opt.Symbol,
		Underlying: e.cfg.Campaign.Symbol,
		Role:       role,
		Strike:     opt.Strike,
		Expiration: exp,
		Quantity:   qty,
		EntryPrice: fillPrice,
		LastPrice:  fillPrice,
		OpenedAt:   e.now().UTC(),
		OrderID:    orderID,
	}
	if opt.Greeks != nil {
		leg.Greeks = models.Greeks{
			Delta: opt.Greeks.Delta,
			Gamma: opt.Greeks.Gamma,
			Theta: opt.Greeks.Theta,
			Vega:  opt.Greeks.Vega,
		}
	}
	return leg
}
