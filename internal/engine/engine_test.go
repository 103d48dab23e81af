package engine

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/schrute_spreads/internal/broker"
	"github.com/eddiefleurent/schrute_spreads/internal/config"
	"github.com/eddiefleurent/schrute_spreads/internal/mock"
	"github.com/eddiefleurent/schrute_spreads/internal/models"
	"github.com/eddiefleurent/schrute_spreads/internal/orders"
	"github.com/eddiefleurent/schrute_spreads/internal/reconcile"
	"github.com/eddiefleurent/schrute_spreads/internal/safety"
	"github.com/eddiefleurent/schrute_spreads/internal/storage"
	"github.com/eddiefleurent/schrute_spreads/internal/telemetry"
)

const (
	protectiveSymbol = "SPY270319C00500000"
	incomeSymbol     = "SPY260903C00650000"
)

// baseNow is a Wednesday at 14:00 UTC, inside the trading window.
var baseNow = time.Date(2026, 9, 2, 14, 0, 0, 0, time.UTC)

type placedCall struct {
	Symbol string
	Side   broker.OrderSide
	Qty    int
	Intent orders.Intent
}

type scriptedFill struct {
	fill *orders.LegFill
	err  error
}

// stubPlacer replays scripted fills in call order; when the script runs out,
// everything fills at 1.00.
type stubPlacer struct {
	calls  []placedCall
	script []scriptedFill

	emergencyCalls []string
	emergencyFill  *orders.LegFill
	emergencyErr   error
}

func (p *stubPlacer) queue(fill *orders.LegFill, err error) {
	p.script = append(p.script, scriptedFill{fill: fill, err: err})
}

func (p *stubPlacer) queueFill(price float64) {
	p.queue(&orders.LegFill{Filled: true, FillPrice: price, Attempts: 1}, nil)
}

func (p *stubPlacer) queueReject(reason string) {
	p.queue(&orders.LegFill{Filled: false, Attempts: 7, Reason: reason}, nil)
}

func (p *stubPlacer) PlaceLeg(_ context.Context, optionSymbol string, side broker.OrderSide,
	quantity int, intent orders.Intent) (*orders.LegFill, error) {
	p.calls = append(p.calls, placedCall{Symbol: optionSymbol, Side: side, Qty: quantity, Intent: intent})
	if len(p.script) > 0 {
		next := p.script[0]
		p.script = p.script[1:]
		return next.fill, next.err
	}
	return &orders.LegFill{Filled: true, FillPrice: 1.00, Attempts: 1}, nil
}

func (p *stubPlacer) EmergencyClose(_ context.Context, optionSymbol string, quantity int) (*orders.LegFill, error) {
	p.emergencyCalls = append(p.emergencyCalls, optionSymbol)
	if p.emergencyErr != nil {
		return nil, p.emergencyErr
	}
	if p.emergencyFill != nil {
		return p.emergencyFill, nil
	}
	return &orders.LegFill{Filled: true, FillPrice: 2.50, Attempts: 1}, nil
}

type stubReconciler struct {
	runs int
}

func (r *stubReconciler) Run(context.Context, *models.Campaign) (*reconcile.Result, error) {
	r.runs++
	return &reconcile.Result{Clean: true}, nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Environment.Mode = "paper"
	cfg.Environment.Timezone = "UTC"
	cfg.Schedule.TickInterval = time.Second
	cfg.Schedule.TradingStart = "09:45"
	cfg.Schedule.TradingEnd = "15:45"
	cfg.Campaign.Symbol = "SPY"
	cfg.Campaign.Quantity = 1
	cfg.Campaign.Entry.ProtectiveTargetDelta = 0.80
	cfg.Campaign.Entry.ProtectiveMinDTE = 180
	cfg.Campaign.Entry.IncomeTargetDTE = 1
	cfg.Campaign.Entry.SettleDelay = 15 * time.Minute
	cfg.Campaign.Roll.IncomeRollDTE = 1
	cfg.Campaign.Roll.ProtectiveMinDelta = 0.50
	cfg.Campaign.Roll.MarginUsageCeiling = 0.80
	cfg.Campaign.Exit.ProtectiveExpiryDays = 30
	cfg.Campaign.Exit.LossCeiling = 2000
	cfg.Campaign.Exit.BlackoutDaysAhead = 2
	cfg.Campaign.Exit.TrendBandPct = 0.03
	cfg.Safety.FailureThreshold = 3
	cfg.Safety.ActionCooldown = 5 * time.Minute
	return cfg
}

type harness struct {
	engine  *Engine
	broker  *mock.Broker
	store   *storage.Store
	placer  *stubPlacer
	rec     *stubReconciler
	monitor *safety.Monitor
	now     *time.Time
}

func newHarness(t *testing.T, cfg *config.Config, prepare func(store *storage.Store)) *harness {
	t.Helper()

	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	if prepare != nil {
		prepare(store)
	}

	logger := testLogger()
	b := mock.NewBroker()
	monitor := safety.NewMonitor(store, telemetry.NopSink{}, logger, cfg.Safety.FailureThreshold)
	placer := &stubPlacer{}
	rec := &stubReconciler{}

	eng := New(Deps{
		Config:     cfg,
		Broker:     b,
		Store:      store,
		Executor:   placer,
		Reconciler: rec,
		Monitor:    monitor,
		Logger:     logger,
	})
	monitor.SetUnwinder(eng)

	now := baseNow
	h := &harness{engine: eng, broker: b, store: store, placer: placer, rec: rec, monitor: monitor, now: &now}
	eng.now = func() time.Time { return *h.now }
	return h
}

func (h *harness) advance(d time.Duration) { *h.now = h.now.Add(d) }

// scriptEntryMarket scripts the quotes, expirations, and chains an entry
// needs: a deep protective chain in March 2027 and a short-dated income
// chain two days out.
func (h *harness) scriptEntryMarket() {
	h.broker.SetQuote("SPY", 642.10, 642.14, 642.12)
	h.broker.Expirations = []string{"2026-09-04", "2027-03-19"}
	h.broker.SetChain("SPY", "2027-03-19", []broker.Option{
		{Symbol: protectiveSymbol, OptionType: "call", Strike: 500,
			ExpirationDate: "2027-03-19", Greeks: &broker.Greeks{Delta: 0.80}},
		{Symbol: "SPY270319C00560000", OptionType: "call", Strike: 560,
			ExpirationDate: "2027-03-19", Greeks: &broker.Greeks{Delta: 0.62}},
	})
	h.broker.SetChain("SPY", "2026-09-04", []broker.Option{
		{Symbol: "SPY260904C00640000", OptionType: "call", Strike: 640, ExpirationDate: "2026-09-04"},
		{Symbol: "SPY260904C00645000", OptionType: "call", Strike: 645, ExpirationDate: "2026-09-04"},
	})
}

// openCampaignFixture returns a complete campaign: deep protective call into
// 2027, short income call expiring tomorrow.
func openCampaignFixture() *models.Campaign {
	c := models.NewCampaign("c1", "SPY", 1)
	c.EntrySpot = 642.12
	c.PremiumCollected = 1.25
	c.ProtectiveCost = 62.40
	c.Protective = &models.Leg{
		Symbol:     protectiveSymbol,
		Underlying: "SPY",
		Role:       models.RoleProtective,
		Strike:     500,
		Expiration: time.Date(2027, 3, 19, 0, 0, 0, 0, time.UTC),
		Quantity:   1,
		EntryPrice: 62.40,
		LastPrice:  62.40,
		Greeks:     models.Greeks{Delta: 0.80},
	}
	c.Income = &models.Leg{
		Symbol:     incomeSymbol,
		Underlying: "SPY",
		Role:       models.RoleIncome,
		Strike:     650,
		Expiration: time.Date(2026, 9, 3, 0, 0, 0, 0, time.UTC),
		Quantity:   -1,
		EntryPrice: 1.25,
		LastPrice:  1.25,
	}
	return c
}

func withOpenCampaign(c *models.Campaign) func(*storage.Store) {
	return func(store *storage.Store) {
		_ = store.SetCurrentCampaign(c)
		_ = store.SetEngineState(models.StatePositionOpen)
	}
}

func TestEntryOpensBothLegs(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.scriptEntryMarket()
	h.placer.queueFill(62.40) // protective buy
	h.placer.queueFill(1.25)  // income sell

	h.engine.Tick(context.Background())

	assert.Equal(t, models.StatePositionOpen, h.engine.State().Name())

	c := h.engine.Campaign()
	require.NotNil(t, c)
	assert.Equal(t, models.ShapeComplete, c.Shape())
	assert.Equal(t, 642.12, c.EntrySpot)
	assert.Equal(t, 62.40, c.ProtectiveCost)
	assert.Equal(t, 1.25, c.PremiumCollected)
	assert.Equal(t, 500.0, c.Protective.Strike)
	assert.Equal(t, 640.0, c.Income.Strike)
	assert.Equal(t, -1, c.Income.Quantity)

	require.Len(t, h.placer.calls, 2)
	assert.Equal(t, broker.SideBuyToOpen, h.placer.calls[0].Side)
	assert.Equal(t, protectiveSymbol, h.placer.calls[0].Symbol)
	assert.Equal(t, broker.SideSellToOpen, h.placer.calls[1].Side)
	assert.Equal(t, "SPY260904C00640000", h.placer.calls[1].Symbol)

	assert.Equal(t, 1, h.store.GetMetrics().CampaignsOpened)
}

func TestEntryOutsideTradingHoursWaits(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	*h.now = time.Date(2026, 9, 2, 8, 0, 0, 0, time.UTC)

	h.engine.Tick(context.Background())

	assert.Equal(t, models.StateWaitingEntry, h.engine.State().Name())
	assert.Empty(t, h.placer.calls)
}

func TestEntryBlockedByPreexistingPosition(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.scriptEntryMarket()
	h.broker.SetPositions([]broker.PositionItem{{Symbol: "SPY260904C00640000", Quantity: -1}})

	h.engine.Tick(context.Background())

	assert.Empty(t, h.placer.calls, "entry must not trade on top of unknown positions")
	assert.Nil(t, h.engine.Campaign())
}

func TestEntryIncomeRejectedLeavesProtectiveOnly(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.scriptEntryMarket()
	h.placer.queueFill(62.40)
	h.placer.queueReject("rejected: insufficient buying power")

	h.engine.Tick(context.Background())

	c := h.engine.Campaign()
	require.NotNil(t, c)
	assert.Equal(t, models.ShapeProtectiveOnly, c.Shape(), "bounded-loss partial state is kept")
	assert.Equal(t, models.StatePositionOpen, h.engine.State().Name())
	assert.Equal(t, 1, h.monitor.Failures())

	// Next tick, after the cooldown, only the income leg is retried.
	h.advance(10 * time.Minute)
	h.placer.queueFill(1.30)
	h.engine.Tick(context.Background())

	c = h.engine.Campaign()
	assert.Equal(t, models.ShapeComplete, c.Shape())
	assert.Equal(t, 1.30, c.PremiumCollected)
	require.Len(t, h.placer.calls, 3)
	assert.Equal(t, broker.SideSellToOpen, h.placer.calls[2].Side, "protective leg must not be re-bought")
	assert.Equal(t, 0, h.monitor.Failures(), "success resets the failure counter")
}

func TestIncomeRollTowardSameStrike(t *testing.T) {
	h := newHarness(t, testConfig(), withOpenCampaign(openCampaignFixture()))
	h.broker.SetQuote("SPY", 642.10, 642.14, 642.12) // spot below the 650 strike
	h.broker.Expirations = []string{"2026-09-04"}
	h.broker.SetChain("SPY", "2026-09-04", []broker.Option{
		{Symbol: "SPY260904C00650000", OptionType: "call", Strike: 650, ExpirationDate: "2026-09-04"},
		{Symbol: "SPY260904C00640000", OptionType: "call", Strike: 640, ExpirationDate: "2026-09-04"},
	})

	// Tick 1: the roll trigger fires; that state change is the whole tick.
	h.engine.Tick(context.Background())
	st, ok := h.engine.State().(RollingIncomeLeg)
	require.True(t, ok, "state = %T", h.engine.State())
	assert.Equal(t, models.RollTowardSameStrike, st.Direction)
	assert.Empty(t, h.placer.calls, "no orders on the trigger tick")

	// Tick 2: buy back the old leg, re-sell the same strike at the next expiry.
	h.placer.queueFill(0.40) // buyback
	h.placer.queueFill(1.10) // re-sell
	h.engine.Tick(context.Background())

	assert.Equal(t, models.StatePositionOpen, h.engine.State().Name())
	c := h.engine.Campaign()
	require.NotNil(t, c.Income)
	assert.Equal(t, 650.0, c.Income.Strike, "same-strike roll keeps the strike")
	assert.Equal(t, "SPY260904C00650000", c.Income.Symbol)
	assert.InDelta(t, 1.25-0.40+1.10, c.PremiumCollected, 1e-9)
	assert.Equal(t, 1, c.RollCount)
	assert.Equal(t, 1, c.RollsSameStrike)
	assert.Equal(t, models.RollTowardSameStrike, c.LastRollType)

	require.Len(t, h.placer.calls, 2)
	assert.Equal(t, broker.SideBuyToClose, h.placer.calls[0].Side)
	assert.Equal(t, incomeSymbol, h.placer.calls[0].Symbol)
	assert.Equal(t, broker.SideSellToOpen, h.placer.calls[1].Side)
}

func TestIncomeRollTowardNewStrike(t *testing.T) {
	h := newHarness(t, testConfig(), withOpenCampaign(openCampaignFixture()))
	h.broker.SetQuote("SPY", 651.90, 651.94, 651.92) // spot through the 650 strike
	h.broker.Expirations = []string{"2026-09-04"}
	h.broker.SetChain("SPY", "2026-09-04", []broker.Option{
		{Symbol: "SPY260904C00650000", OptionType: "call", Strike: 650, ExpirationDate: "2026-09-04"},
		{Symbol: "SPY260904C00652000", OptionType: "call", Strike: 652, ExpirationDate: "2026-09-04"},
	})

	h.engine.Tick(context.Background())
	st, ok := h.engine.State().(RollingIncomeLeg)
	require.True(t, ok)
	assert.Equal(t, models.RollTowardNewStrike, st.Direction)

	h.placer.queueFill(2.10) // buyback, now in the money
	h.placer.queueFill(1.40) // re-sell at the money
	h.engine.Tick(context.Background())

	c := h.engine.Campaign()
	require.NotNil(t, c.Income)
	assert.Equal(t, 652.0, c.Income.Strike, "new-strike roll re-centers at the money")
	assert.Equal(t, 1, c.RollsNewStrike)
}

func TestCloseProtectiveExpiryBeatsOtherReasons(t *testing.T) {
	cfg := testConfig()
	cfg.Blackout.Events = []config.BlackoutEvent{{Date: "2026-09-03", Name: "FOMC"}}

	campaign := openCampaignFixture()
	campaign.Protective.Expiration = time.Date(2026, 9, 25, 0, 0, 0, 0, time.UTC) // 23 DTE

	h := newHarness(t, cfg, withOpenCampaign(campaign))
	h.broker.SetQuote("SPY", 642.10, 642.14, 642.12)

	h.engine.Tick(context.Background())

	st, ok := h.engine.State().(ClosingCampaign)
	require.True(t, ok, "state = %T", h.engine.State())
	assert.Equal(t, CloseExpiry, st.Reason, "expiry outranks the pending blackout")
}

func TestBlackoutCloseThenWaitsOutEvent(t *testing.T) {
	cfg := testConfig()
	cfg.Blackout.Events = []config.BlackoutEvent{{Date: "2026-09-03", Name: "FOMC"}}

	h := newHarness(t, cfg, withOpenCampaign(openCampaignFixture()))
	h.broker.SetQuote("SPY", 642.10, 642.14, 642.12)

	h.engine.Tick(context.Background())
	st, ok := h.engine.State().(ClosingCampaign)
	require.True(t, ok)
	assert.Equal(t, CloseBlackout, st.Reason)
	assert.Equal(t, "FOMC", st.Event)

	// Tick 2: income closes first, then the protective leg.
	h.placer.queueFill(0.40)
	h.placer.queueFill(60.00)
	h.engine.Tick(context.Background())

	require.Len(t, h.placer.calls, 2)
	assert.Equal(t, broker.SideBuyToClose, h.placer.calls[0].Side, "income leg closes first")
	assert.Equal(t, broker.SideSellToClose, h.placer.calls[1].Side)

	assert.Nil(t, h.engine.Campaign())
	wait, ok := h.engine.State().(WaitingEvent)
	require.True(t, ok, "state = %T", h.engine.State())
	assert.Equal(t, "FOMC", wait.Event)

	history := h.store.GetHistory()
	require.Len(t, history, 1)
	m := h.store.GetMetrics()
	assert.Equal(t, 1, m.CampaignsClosed)
	// (0.85 premium - 2.40 protective cost) * 100 per contract.
	assert.InDelta(t, -155.0, m.RealizedPnL, 1e-9)

	// Still inside the window: stay put.
	h.engine.Tick(context.Background())
	assert.Equal(t, models.StateWaitingEvent, h.engine.State().Name())

	// Past the event: back to idle.
	*h.now = time.Date(2026, 9, 4, 14, 0, 0, 0, time.UTC)
	h.engine.Tick(context.Background())
	assert.Equal(t, models.StateIdle, h.engine.State().Name())
}

func TestCloseOnLossCeiling(t *testing.T) {
	campaign := openCampaignFixture()
	campaign.Protective.LastPrice = 40.00 // -2240 on the protective leg
	campaign.Income.LastPrice = 1.00

	h := newHarness(t, testConfig(), withOpenCampaign(campaign))
	h.broker.SetQuote("SPY", 642.10, 642.14, 642.12)

	h.engine.Tick(context.Background())

	st, ok := h.engine.State().(ClosingCampaign)
	require.True(t, ok, "state = %T", h.engine.State())
	assert.Equal(t, CloseLossCeiling, st.Reason)
}

func TestCloseOnTrendFlip(t *testing.T) {
	h := newHarness(t, testConfig(), withOpenCampaign(openCampaignFixture()))
	// Spot 3%+ below the 642.12 entry: out of the alignment band.
	h.broker.SetQuote("SPY", 620.00, 620.04, 620.02)

	h.engine.Tick(context.Background())

	st, ok := h.engine.State().(ClosingCampaign)
	require.True(t, ok, "state = %T", h.engine.State())
	assert.Equal(t, CloseTrendFlip, st.Reason)
}

func TestProtectiveRollOnDegradedDelta(t *testing.T) {
	campaign := openCampaignFixture()
	campaign.Protective.Greeks.Delta = 0.40
	campaign.Income.Expiration = time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC) // no income roll due

	h := newHarness(t, testConfig(), withOpenCampaign(campaign))
	h.broker.SetQuote("SPY", 642.10, 642.14, 642.12)

	h.engine.Tick(context.Background())
	st, ok := h.engine.State().(RollingProtectiveLeg)
	require.True(t, ok, "state = %T", h.engine.State())
	assert.Equal(t, "delta", st.Trigger)

	// Tick 2: sell the degraded leg, buy the replacement at target delta.
	h.broker.SetChain("SPY", "2027-03-19", []broker.Option{
		{Symbol: "SPY270319C00560000", OptionType: "call", Strike: 560,
			ExpirationDate: "2027-03-19", Greeks: &broker.Greeks{Delta: 0.80}},
	})
	h.placer.queueFill(30.00) // close old protective
	h.placer.queueFill(55.00) // open replacement
	h.engine.Tick(context.Background())

	assert.Equal(t, models.StatePositionOpen, h.engine.State().Name())
	c := h.engine.Campaign()
	require.NotNil(t, c.Protective)
	assert.Equal(t, 560.0, c.Protective.Strike)
	assert.InDelta(t, 62.40-30.00+55.00, c.ProtectiveCost, 1e-9)
	assert.False(t, h.monitor.IsOpen())
}

func TestProtectiveRollFailureUnwindsAndHalts(t *testing.T) {
	campaign := openCampaignFixture()
	campaign.Protective.Greeks.Delta = 0.40
	campaign.Income.Expiration = time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC)

	h := newHarness(t, testConfig(), withOpenCampaign(campaign))
	h.broker.SetQuote("SPY", 642.10, 642.14, 642.12)
	h.broker.SetPositions([]broker.PositionItem{{Symbol: incomeSymbol, Quantity: -1}})

	h.engine.Tick(context.Background())
	require.IsType(t, RollingProtectiveLeg{}, h.engine.State())

	h.broker.SetChain("SPY", "2027-03-19", []broker.Option{
		{Symbol: "SPY270319C00560000", OptionType: "call", Strike: 560,
			ExpirationDate: "2027-03-19", Greeks: &broker.Greeks{Delta: 0.80}},
	})
	h.placer.queueFill(30.00)                      // old leg closes
	h.placer.queueReject("rejected: no liquidity") // replacement fails: naked
	h.engine.Tick(context.Background())

	assert.True(t, h.monitor.IsOpen(), "an uncovered income leg must halt trading")
	require.Len(t, h.placer.emergencyCalls, 1, "the naked income leg is closed during the unwind")
	assert.Equal(t, incomeSymbol, h.placer.emergencyCalls[0])

	c := h.engine.Campaign()
	require.NotNil(t, c)
	assert.Nil(t, c.Income, "no naked leg may survive")
}

func TestNakedCampaignAtTickStartHalts(t *testing.T) {
	campaign := models.NewCampaign("c1", "SPY", 1)
	campaign.PremiumCollected = 1.25
	campaign.Income = &models.Leg{
		Symbol:     incomeSymbol,
		Underlying: "SPY",
		Role:       models.RoleIncome,
		Strike:     650,
		Expiration: time.Date(2026, 9, 3, 0, 0, 0, 0, time.UTC),
		Quantity:   -1,
	}

	h := newHarness(t, testConfig(), withOpenCampaign(campaign))
	h.broker.SetPositions([]broker.PositionItem{{Symbol: incomeSymbol, Quantity: -1}})

	h.engine.Tick(context.Background())

	assert.True(t, h.monitor.IsOpen())
	assert.Equal(t, models.StateCircuitOpen, h.engine.State().Name())
	require.Len(t, h.placer.emergencyCalls, 1)
	assert.Equal(t, incomeSymbol, h.placer.emergencyCalls[0])

	c := h.engine.Campaign()
	assert.Nil(t, c.Income, "the unprotected leg must not survive the tick")
	assert.True(t, h.store.GetSafetyState().CircuitOpen, "the halt must be persisted")
}

func TestThreeConsecutiveFailuresOpenCircuit(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.scriptEntryMarket()

	for i := 0; i < 3; i++ {
		h.placer.queueReject("rejected: price away from market")
		h.engine.Tick(context.Background())
		h.advance(10 * time.Minute) // clear the entry cooldown between attempts
	}

	assert.True(t, h.monitor.IsOpen())
	assert.Equal(t, 3, len(h.placer.calls))

	// The halt sticks: further ticks place nothing.
	h.engine.Tick(context.Background())
	assert.Equal(t, models.StateCircuitOpen, h.engine.State().Name())
	assert.Equal(t, 3, len(h.placer.calls))
}

func TestCircuitOpenBlocksAllPlacement(t *testing.T) {
	h := newHarness(t, testConfig(), func(store *storage.Store) {
		_ = store.SetSafetyState(models.SafetyState{CircuitOpen: true, Reason: "operator halt"})
	})
	h.scriptEntryMarket()

	h.engine.Tick(context.Background())
	h.engine.Tick(context.Background())

	assert.Equal(t, models.StateCircuitOpen, h.engine.State().Name())
	assert.Empty(t, h.placer.calls)
	assert.Equal(t, 2, h.rec.runs, "reconciliation still runs while halted")
}

func TestOperatorClearResumesFromCircuitOpen(t *testing.T) {
	h := newHarness(t, testConfig(), func(store *storage.Store) {
		_ = store.SetCurrentCampaign(openCampaignFixture())
		_ = store.SetSafetyState(models.SafetyState{CircuitOpen: true, Reason: "halt"})
		_ = store.SetEngineState(models.StateCircuitOpen)
	})

	h.engine.Tick(context.Background())
	assert.Equal(t, models.StateCircuitOpen, h.engine.State().Name())

	require.NoError(t, h.monitor.Clear())
	h.engine.Tick(context.Background())
	assert.Equal(t, models.StatePositionOpen, h.engine.State().Name(),
		"a cleared circuit resumes managing the surviving campaign")
}

func TestTickSkippedWhilePreviousRuns(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	h.engine.tickMu.Lock()
	h.engine.Tick(context.Background())
	h.engine.tickMu.Unlock()

	assert.Equal(t, 0, h.rec.runs, "an overlapping tick is skipped entirely")
	assert.Empty(t, h.placer.calls)
}

func TestRestartResumesPersistedCampaign(t *testing.T) {
	h := newHarness(t, testConfig(), func(store *storage.Store) {
		_ = store.SetCurrentCampaign(openCampaignFixture())
		_ = store.SetEngineState(models.StateRollingIncome) // crashed mid-roll
	})

	c := h.engine.Campaign()
	require.NotNil(t, c)
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, models.StatePositionOpen, h.engine.State().Name(),
		"transient states collapse to a safe evaluation point on restart")
}

func TestBandOracleTrendFlip(t *testing.T) {
	oracle := BandOracle{BandPct: 0.03}
	campaign := &models.Campaign{EntrySpot: 600}

	flipped, err := oracle.TrendFlipped(context.Background(), campaign, 590)
	require.NoError(t, err)
	assert.False(t, flipped, "inside the band")

	flipped, err = oracle.TrendFlipped(context.Background(), campaign, 581)
	require.NoError(t, err)
	assert.True(t, flipped, "below the band")

	flipped, err = oracle.TrendFlipped(context.Background(), nil, 500)
	require.NoError(t, err)
	assert.False(t, flipped, "no campaign, no signal")
}
