// Package engine drives the campaign state machine: one tick at a time it
// reconciles, evaluates transition conditions, and executes at most one
// state transition.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/schrute_spreads/internal/broker"
	"github.com/eddiefleurent/schrute_spreads/internal/config"
	"github.com/eddiefleurent/schrute_spreads/internal/metrics"
	"github.com/eddiefleurent/schrute_spreads/internal/models"
	"github.com/eddiefleurent/schrute_spreads/internal/orders"
	"github.com/eddiefleurent/schrute_spreads/internal/pricefeed"
	"github.com/eddiefleurent/schrute_spreads/internal/reconcile"
	"github.com/eddiefleurent/schrute_spreads/internal/safety"
	"github.com/eddiefleurent/schrute_spreads/internal/storage"
	"github.com/eddiefleurent/schrute_spreads/internal/telemetry"
)

// LegPlacer is the order-execution surface the engine consumes.
type LegPlacer interface {
	PlaceLeg(ctx context.Context, optionSymbol string, side broker.OrderSide,
		quantity int, intent orders.Intent) (*orders.LegFill, error)
	EmergencyClose(ctx context.Context, optionSymbol string, quantity int) (*orders.LegFill, error)
}

// PositionReconciler runs the pre-evaluation position diff.
type PositionReconciler interface {
	Run(ctx context.Context, campaign *models.Campaign) (*reconcile.Result, error)
}

// EntryOracle supplies the externally computed trend signals. The engine
// only reads booleans; indicator math lives elsewhere.
type EntryOracle interface {
	EntryAllowed(ctx context.Context) (bool, string, error)
	TrendFlipped(ctx context.Context, campaign *models.Campaign, spot float64) (bool, error)
}

// BandOracle is the default oracle: entries always allowed, trend
// considered flipped once spot falls below the entry price band.
type BandOracle struct {
	BandPct float64
}

// EntryAllowed always permits entry.
func (BandOracle) EntryAllowed(context.Context) (bool, string, error) { return true, "", nil }

// TrendFlipped reports spot dropping out of the alignment band below the
// campaign's entry price.
func (o BandOracle) TrendFlipped(_ context.Context, campaign *models.Campaign, spot float64) (bool, error) {
	if campaign == nil || campaign.EntrySpot <= 0 || spot <= 0 {
		return false, nil
	}
	return spot < campaign.EntrySpot*(1-o.BandPct), nil
}

// Engine is the top-level controller.
type Engine struct {
	cfg      *config.Config
	broker   broker.Broker
	store    storage.Interface
	executor LegPlacer
	rec      PositionReconciler
	monitor  *safety.Monitor
	cooldown *safety.ActionCooldown
	cache    *pricefeed.Cache
	oracle   EntryOracle
	sink     telemetry.Sink
	logger   *logrus.Logger
	prom     *metrics.Recorder // optional

	// tickMu serializes tick evaluation; a tick that finds it held is
	// skipped, never queued.
	tickMu sync.Mutex

	mu       sync.Mutex // guards state+campaign for snapshot readers
	state    State
	campaign *models.Campaign

	now func() time.Time
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Config     *config.Config
	Broker     broker.Broker
	Store      storage.Interface
	Executor   LegPlacer
	Reconciler PositionReconciler
	Monitor    *safety.Monitor
	Cache      *pricefeed.Cache
	Oracle     EntryOracle
	Sink       telemetry.Sink
	Logger     *logrus.Logger
	Prom       *metrics.Recorder
}

// New builds the engine, resuming persisted state and campaign.
func New(d Deps) *Engine {
	if d.Oracle == nil {
		d.Oracle = BandOracle{BandPct: d.Config.Campaign.Exit.TrendBandPct}
	}
	if d.Sink == nil {
		d.Sink = telemetry.NopSink{}
	}
	if d.Cache == nil {
		d.Cache = pricefeed.NewCache()
	}
	e := &Engine{
		cfg:      d.Config,
		broker:   d.Broker,
		store:    d.Store,
		executor: d.Executor,
		rec:      d.Reconciler,
		monitor:  d.Monitor,
		cooldown: safety.NewActionCooldown(d.Config.Safety.ActionCooldown),
		cache:    d.Cache,
		oracle:   d.Oracle,
		sink:     d.Sink,
		logger:   d.Logger,
		prom:     d.Prom,
		now:      time.Now,
	}
	e.campaign = d.Store.GetCurrentCampaign()
	e.state = stateFromName(d.Store.GetEngineState(), d.Monitor.Reason())
	return e
}

// Run drives the tick loop until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Schedule.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one full evaluation: reconcile, safety checks, then at most one
// state transition. Overlapping ticks are skipped.
func (e *Engine) Tick(ctx context.Context) {
	if !e.tickMu.TryLock() {
		e.logger.Debug("tick skipped: previous evaluation still running")
		if e.prom != nil {
			e.prom.TicksSkipped.Inc()
		}
		return
	}
	defer e.tickMu.Unlock()

	if e.prom != nil {
		e.prom.TicksTotal.Inc()
	}

	// Reconciliation always runs before transition evaluation so a
	// transition never acts on known-stale position data.
	if res, err := e.rec.Run(ctx, e.campaign); err != nil {
		e.logger.WithError(err).Warn("reconciliation failed")
	} else if !res.Skipped && !res.Clean {
		e.logger.WithFields(logrus.Fields{
			"expired": res.Expired, "assigned": res.Assigned,
			"adopted": res.Adopted, "closed": res.Closed,
		}).Warn("reconciliation found differences")
	}

	// A naked campaign must not survive the tick: protect, then halt.
	if e.campaign != nil && e.campaign.IsNaked() && !e.monitor.IsOpen() {
		e.monitor.OpenCircuit(ctx, "naked income leg detected at tick start")
	}

	if e.monitor.IsOpen() {
		if _, halted := e.state.(CircuitOpen); !halted {
			e.setState(CircuitOpen{Reason: e.monitor.Reason()})
		}
		e.logger.WithField("reason", e.monitor.Reason()).
			Warn("trading halted: circuit open, awaiting operator reset")
		e.updateGauges()
		return
	}

	switch st := e.state.(type) {
	case Idle:
		e.evaluateEntry(ctx)
	case WaitingEntry:
		e.evaluateEntry(ctx)
	case WaitingEvent:
		e.evaluateEventWait(st)
	case PositionOpen:
		e.evaluateOpenPosition(ctx)
	case RollingIncomeLeg:
		e.rollIncomeLeg(ctx, st)
	case RollingProtectiveLeg:
		e.rollProtectiveLeg(ctx, st)
	case ClosingCampaign:
		e.closeCampaign(ctx, st)
	case CircuitOpen:
		// Operator cleared the circuit since the last tick.
		if e.campaign != nil {
			e.setState(PositionOpen{})
		} else {
			e.setState(Idle{})
		}
	}

	e.updateGauges()
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Campaign returns a snapshot copy of the open campaign, or nil.
func (e *Engine) Campaign() *models.Campaign {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.campaign == nil {
		return nil
	}
	c := *e.campaign
	if e.campaign.Protective != nil {
		p := *e.campaign.Protective
		c.Protective = &p
	}
	if e.campaign.Income != nil {
		i := *e.campaign.Income
		c.Income = &i
	}
	return &c
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()

	if prev != nil && prev.Name() == s.Name() {
		return
	}
	e.logger.WithFields(logrus.Fields{
		"from": prevName(prev),
		"to":   s.Name(),
	}).Info("state transition")
	if err := e.store.SetEngineState(s.Name()); err != nil {
		e.logger.WithError(err).Error("failed to persist engine state")
	}
	if e.prom != nil {
		e.prom.Transitions.WithLabelValues(string(s.Name())).Inc()
	}
}

func prevName(s State) models.EngineState {
	if s == nil {
		return ""
	}
	return s.Name()
}

func (e *Engine) setCampaign(c *models.Campaign) {
	e.mu.Lock()
	e.campaign = c
	e.mu.Unlock()
	if err := e.store.SetCurrentCampaign(c); err != nil {
		e.logger.WithError(err).Error("failed to persist campaign")
	}
}

// spot returns the underlying's last price, preferring the price cache and
// falling back to a direct quote.
func (e *Engine) spot(ctx context.Context) float64 {
	if last := e.cache.Last(e.cfg.Campaign.Symbol); last > 0 {
		return last
	}
	q, err := e.broker.GetQuote(ctx, e.cfg.Campaign.Symbol)
	if err != nil {
		e.logger.WithError(err).Warn("spot quote unavailable")
		return 0
	}
	return q.Last
}

func (e *Engine) updateGauges() {
	if e.prom == nil {
		return
	}
	if e.monitor.IsOpen() {
		e.prom.CircuitOpen.Set(1)
	} else {
		e.prom.CircuitOpen.Set(0)
	}
	e.prom.FailureCount.Set(float64(e.monitor.Failures()))
	e.prom.RealizedPnL.Set(e.store.GetMetrics().RealizedPnL)
	if e.campaign != nil {
		e.prom.UnrealizedPnL.Set(e.campaign.UnrealizedPnL())
	} else {
		e.prom.UnrealizedPnL.Set(0)
	}
}
