package controller

import (
	"testing"
	"time"

	"hedge-grid-bot-go/internal/account"
	"hedge-grid-bot-go/internal/exchange"
	"hedge-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testRules() *models.SymbolRules {
	return &models.SymbolRules{
		Symbol:      "DOGEUSDC",
		TickSize:    dec("0.00001"),
		StepSize:    dec("1"),
		MinQty:      dec("1"),
		MinNotional: dec("5"),
		Brackets: []models.LeverageBracket{
			{NotionalFloor: dec("0"), NotionalCap: dec("100000"), MaintMarginRate: dec("0.01"), MaxLeverage: 20},
		},
	}
}

func testConfig() *models.Config {
	return &models.Config{
		Symbol:              "DOGEUSDC",
		QuoteAsset:          "USDC",
		SpacingMultiplier:   0.26,
		MaxOpenOrders:       2,
		MaxOrdersPerBatch:   2,
		OrderFrequencyS:     3,
		ActivationBounds:    0.05,
		UpperLowerRatio:     0.5,
		SafetyFactor:        0.8,
		MaxLeverageLimit:    20,
		UtilizationRatio:    0.8,
		RiskCheckIntervalS:  3600, // risk checks driven manually unless stated
		MaxMarginRatio:      0.8,
		MaxDrawdownPct:      0.15,
		BalanceTolerancePct: 0.05,
		DisconnectGraceS:    30,
	}
}

func fixedATR() *models.ATRResult {
	return &models.ATRResult{
		ATR:        dec("0.01"),
		UpperBound: dec("1.05"),
		LowerBound: dec("0.95"),
		ComputedAt: time.Now().UTC(),
	}
}

func newFixture(t *testing.T, cfg *models.Config) (*Controller, *exchange.SimSession, *exchange.SimSession) {
	t.Helper()
	longSim := exchange.NewSimSession(testRules(), dec("1000"))
	shortSim := exchange.NewSimSession(testRules(), dec("1000"))
	manager := account.NewManager(longSim, shortSim, cfg, zap.NewNop())
	ctrl := New(cfg, manager, nil, zap.NewNop())
	ctrl.SetATRSource(func() (*models.ATRResult, error) { return fixedATR(), nil })
	return ctrl, longSim, shortSim
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

// TestStartStopLifecycle: the pair starts and drains cleanly, leaving no
// resting orders.
func TestStartStopLifecycle(t *testing.T) {
	ctrl, longSim, shortSim := newFixture(t, testConfig())

	require.NoError(t, ctrl.Start())
	assert.Equal(t, StateRunning, ctrl.State())

	plan, ok := ctrl.Plan()
	require.True(t, ok)
	assert.True(t, plan.StopUpper.Equal(dec("1.05")))
	assert.True(t, plan.StopLower.Equal(dec("0.95")))
	assert.GreaterOrEqual(t, plan.UsableLeverage, 1)
	assert.Equal(t, plan.UsableLeverage, longSim.LeverageSet)
	assert.Equal(t, plan.UsableLeverage, shortSim.LeverageSet)

	// let the executors see a price and place a batch
	longSim.PushTicker(dec("0.99999"), dec("1.00001"))
	shortSim.PushTicker(dec("0.99999"), dec("1.00001"))
	waitFor(t, 2*time.Second, func() bool {
		return longSim.RestingCount() > 0 && shortSim.RestingCount() > 0
	})

	ctrl.Stop()
	assert.Equal(t, StateStopped, ctrl.State())
	assert.Equal(t, 0, longSim.RestingCount())
	assert.Equal(t, 0, shortSim.RestingCount())
}

// TestChannelBreakoutUnwind reproduces the breakout scenario: mid climbs
// above stop_upper, the risk check fires the emergency unwind, both
// sessions end flat and the controller refuses to restart.
func TestChannelBreakoutUnwind(t *testing.T) {
	ctrl, longSim, shortSim := newFixture(t, testConfig())
	require.NoError(t, ctrl.Start())

	longSim.PushTicker(dec("1.05099"), dec("1.05101"))
	shortSim.PushTicker(dec("1.05099"), dec("1.05101"))
	waitFor(t, 2*time.Second, func() bool {
		long, _, ok := ctrl.Snapshots()
		return ok && long.Mid.GreaterThan(dec("1.05"))
	})

	done := ctrl.RunRiskCheck()
	assert.True(t, done)
	assert.Equal(t, StateStopped, ctrl.State())
	assert.GreaterOrEqual(t, longSim.CancelAllCalls, 1)
	assert.GreaterOrEqual(t, shortSim.CancelAllCalls, 1)
	assert.Equal(t, 0, longSim.RestingCount())
	assert.Equal(t, 0, shortSim.RestingCount())

	// restart without operator intervention is refused
	assert.Error(t, ctrl.Start())
}

// TestEmergencyUnwindIdempotent: a second trigger is a no-op.
func TestEmergencyUnwindIdempotent(t *testing.T) {
	ctrl, longSim, _ := newFixture(t, testConfig())
	require.NoError(t, ctrl.Start())

	ctrl.EmergencyUnwind("test")
	calls := longSim.CancelAllCalls
	ctrl.EmergencyUnwind("test again")
	assert.Equal(t, calls, longSim.CancelAllCalls)
	assert.Equal(t, StateStopped, ctrl.State())
}

// TestDrawdownTrigger: aggregate unrealized loss beyond the threshold
// fires the unwind.
func TestDrawdownTrigger(t *testing.T) {
	ctrl, longSim, shortSim := newFixture(t, testConfig())
	require.NoError(t, ctrl.Start())

	// initial balance 2000 total; -400 unrealized is a 20% drawdown
	longSim.SetPositionPnL(models.PositionLong, dec("100"), dec("1.0"), dec("-250"))
	shortSim.SetPositionPnL(models.PositionShort, dec("100"), dec("1.0"), dec("-150"))

	done := ctrl.RunRiskCheck()
	assert.True(t, done)
	assert.Equal(t, StateStopped, ctrl.State())
	// residual positions were market-closed
	assert.NotEmpty(t, longSim.MarketCloses)
	assert.NotEmpty(t, shortSim.MarketCloses)
}

// TestMarginRatioTrigger: one account over the margin ceiling is enough.
func TestMarginRatioTrigger(t *testing.T) {
	ctrl, longSim, _ := newFixture(t, testConfig())
	require.NoError(t, ctrl.Start())

	// notional 20000 at the plan leverage against 1000 equity pushes the
	// estimated margin ratio well past 0.8
	longSim.SetPositionPnL(models.PositionLong, dec("20000"), dec("1.0"), dec("0"))

	done := ctrl.RunRiskCheck()
	assert.True(t, done)
	assert.Equal(t, StateStopped, ctrl.State())
}

// TestEpochResetAfterBreakout: with reset_on_channel_breakout the pair
// comes back under a fresh epoch once the accounts are verified flat.
func TestEpochResetAfterBreakout(t *testing.T) {
	cfg := testConfig()
	cfg.ResetOnChannelBreakout = true
	cfg.RiskCheckIntervalS = 0.05
	ctrl, longSim, shortSim := newFixture(t, cfg)
	require.NoError(t, ctrl.Start())

	first, ok := ctrl.Plan()
	require.True(t, ok)

	longSim.PushTicker(dec("1.05099"), dec("1.05101"))
	shortSim.PushTicker(dec("1.05099"), dec("1.05101"))

	waitFor(t, 5*time.Second, func() bool {
		plan, ok := ctrl.Plan()
		return ok && plan.EpochID > first.EpochID && ctrl.State() == StateRunning
	})

	plan, _ := ctrl.Plan()
	assert.Greater(t, plan.EpochID, first.EpochID)
	ctrl.Stop()
}
