package executor

import (
	"testing"
	"time"

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
		Symbol:            "DOGEUSDC",
		QuoteAsset:        "USDC",
		MaxOpenOrders:     2,
		MaxOrdersPerBatch: 2,
		OrderFrequencyS:   3.0,
		ActivationBounds:  0.05,
		UpperLowerRatio:   0.5,
		SafeExtraSpread:   0,
		OrderTimeoutS:     600,
	}
}

// scenarioPlan yields a 3-level ladder at 0.99740 / 1.00000 / 1.00260
// with spacing 0.00260, mirroring the basic fill-close scenario.
func scenarioPlan() models.GridPlan {
	return models.GridPlan{
		Upper:            dec("1.00520"),
		Lower:            dec("0.99480"),
		Spacing:          dec("0.00260"),
		LevelsCount:      3,
		NotionalPerLevel: dec("10"),
		UsableLeverage:   10,
		StopUpper:        dec("1.00520"),
		StopLower:        dec("0.99480"),
		EpochID:          1,
	}
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newFixture(t *testing.T, dir models.Direction, cfg *models.Config, plan models.GridPlan) (*Executor, *exchange.SimSession, *fakeClock) {
	t.Helper()
	sim := exchange.NewSimSession(testRules(), dec("1000"))
	e := New(dir, cfg, plan, testRules(), sim, nil, zap.NewNop())
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	e.now = clk.Now
	return e, sim, clk
}

func setBook(e *Executor, bid, ask string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bestBid = dec(bid)
	e.bestAsk = dec(ask)
	e.mid = e.bestBid.Add(e.bestAsk).Div(decimal.NewFromInt(2))
	e.lastTick = e.now()
}

// drainEvents feeds every queued user event through the executor.
func drainEvents(e *Executor, sim *exchange.SimSession) {
	ch, _ := sim.SubscribeUserStream()
	for {
		select {
		case ev := <-ch:
			e.handleUserEvent(ev)
		default:
			return
		}
	}
}

func levelByID(e *Executor, id int) *models.GridLevel {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, l := range e.levels {
		if l.LevelID == id {
			return l
		}
	}
	return nil
}

// TestBasicFillCloseCycle walks one level through the full lifecycle:
// open placed at 0.99740, open filled, close placed at 1.00000,
// close filled, level recycled to NOT_ACTIVE.
func TestBasicFillCloseCycle(t *testing.T) {
	e, sim, _ := newFixture(t, models.DirectionLong, testConfig(), scenarioPlan())
	setBook(e, "0.99999", "1.00001")

	e.Tick()

	// two slots, split evenly above and below mid
	assert.Equal(t, 2, sim.RestingCount())

	lowClientID := MakeClientID(models.DirectionLong, RoleOpen, 1, 0, 0)
	lowID, ok := sim.OrderIDByClientID(lowClientID)
	require.True(t, ok, "expected a BUY at the level below mid")

	low := levelByID(e, 0)
	require.NotNil(t, low.OpenOrder)
	assert.True(t, low.OpenOrder.Price.Equal(dec("0.99740")))
	assert.Equal(t, models.LevelOpenOrderPlaced, low.State)

	// the upper-half BUY would cross the ask, so it is nudged below the bid
	high := levelByID(e, 2)
	require.NotNil(t, high.OpenOrder)
	assert.True(t, high.OpenOrder.Price.LessThan(dec("1.00001")),
		"upper BUY must not cross the book, got %s", high.OpenOrder.Price)

	// open order fills at its limit price
	require.NoError(t, sim.Fill(lowID))
	drainEvents(e, sim)
	assert.Equal(t, models.LevelOpenOrderFilled, low.State)
	assert.True(t, low.FilledAtPrice.Equal(dec("0.99740")))

	// next tick places the take-profit one spacing above the fill
	e.Tick()
	assert.Equal(t, models.LevelCloseOrderPlaced, low.State)
	require.NotNil(t, low.CloseOrder)
	assert.Equal(t, models.Sell, low.CloseOrder.Side)
	assert.True(t, low.CloseOrder.Price.Equal(dec("1.00000")),
		"close price %s", low.CloseOrder.Price)

	closeID, ok := sim.OrderIDByClientID(low.CloseOrder.ClientOrderID)
	require.True(t, ok)
	require.NoError(t, sim.Fill(closeID))
	drainEvents(e, sim)
	assert.Equal(t, models.LevelComplete, low.State)

	// realized spread equals the configured spacing
	e.mu.Lock()
	pnl := e.realizedPnL
	trips := e.roundTrips
	e.mu.Unlock()
	assert.True(t, pnl.Equal(dec("0.0260")), "pnl=%s", pnl)
	assert.Equal(t, 1, trips)

	// recycle: the same level can trade again within the epoch
	e.Tick()
	assert.Equal(t, models.LevelNotActive, low.State)
	assert.Nil(t, low.OpenOrder)
	assert.Nil(t, low.CloseOrder)
}

// TestCloseAnchoredToActualFill: slippage on the open fill moves the
// close anchor so the realized spread stays equal to the spacing.
func TestCloseAnchoredToActualFill(t *testing.T) {
	e, sim, _ := newFixture(t, models.DirectionLong, testConfig(), scenarioPlan())
	setBook(e, "0.99999", "1.00001")
	e.Tick()

	clientID := MakeClientID(models.DirectionLong, RoleOpen, 1, 0, 0)
	_, ok := sim.OrderIDByClientID(clientID)
	require.True(t, ok)

	// synthetic fill report with an average price better than the limit
	e.handleUserEvent(models.UserEvent{
		Type: models.EventOrderUpdate,
		Order: &models.OrderUpdate{
			Symbol:        "DOGEUSDC",
			ClientOrderID: clientID,
			Side:          models.Buy,
			PositionSide:  models.PositionLong,
			Status:        "FILLED",
			Price:         dec("0.99740"),
			OrigQty:       dec("10"),
			CumFilledQty:  dec("10"),
			AvgFillPrice:  dec("0.99700"),
		},
		Time: time.Now(),
	})

	e.Tick()
	low := levelByID(e, 0)
	require.NotNil(t, low.CloseOrder)
	assert.True(t, low.CloseOrder.Price.Equal(dec("0.99960")),
		"close must anchor on the actual fill price, got %s", low.CloseOrder.Price)
}

// TestShortDirection mirrors the cycle for the SHORT grid: sell to open
// above mid, buy back one spacing lower.
func TestShortDirection(t *testing.T) {
	e, sim, _ := newFixture(t, models.DirectionShort, testConfig(), scenarioPlan())
	setBook(e, "0.99999", "1.00001")

	e.Tick()

	high := levelByID(e, 2)
	require.NotNil(t, high.OpenOrder)
	assert.Equal(t, models.Sell, high.OpenOrder.Side)
	assert.Equal(t, models.PositionShort, high.OpenOrder.PositionSide)
	assert.True(t, high.OpenOrder.Price.Equal(dec("1.00260")))

	id, ok := sim.OrderIDByClientID(high.OpenOrder.ClientOrderID)
	require.True(t, ok)
	require.NoError(t, sim.Fill(id))
	drainEvents(e, sim)

	e.Tick()
	require.NotNil(t, high.CloseOrder)
	assert.Equal(t, models.Buy, high.CloseOrder.Side)
	assert.True(t, high.CloseOrder.Price.Equal(dec("1.00000")),
		"short close price %s", high.CloseOrder.Price)
}

// TestAdmissionThrottle reproduces the batch/frequency scenario:
// tick 1 places a batch, a tick inside the frequency window places
// nothing, the next window places the rest, then the resting cap holds.
func TestAdmissionThrottle(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOpenOrders = 4
	cfg.MaxOrdersPerBatch = 2
	cfg.OrderFrequencyS = 3

	plan := models.GridPlan{
		Upper:            dec("1.03000"),
		Lower:            dec("0.97000"),
		Spacing:          dec("0.00260"),
		LevelsCount:      20,
		NotionalPerLevel: dec("10"),
		EpochID:          1,
	}
	e, sim, clk := newFixture(t, models.DirectionLong, cfg, plan)
	setBook(e, "0.99999", "1.00001")

	e.Tick()
	assert.Equal(t, 2, sim.RestingCount(), "first batch")

	clk.Advance(1 * time.Second)
	e.Tick()
	assert.Equal(t, 2, sim.RestingCount(), "inside frequency window")

	clk.Advance(2500 * time.Millisecond)
	e.Tick()
	assert.Equal(t, 4, sim.RestingCount(), "second batch after window")

	clk.Advance(4 * time.Second)
	e.Tick()
	assert.Equal(t, 4, sim.RestingCount(), "resting cap reached")
}

// TestActivationBoundsInvariant: every resting open order sits within the
// activation window around mid.
func TestActivationBoundsInvariant(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOpenOrders = 8
	cfg.MaxOrdersPerBatch = 8
	cfg.ActivationBounds = 0.003 // tight window

	plan := models.GridPlan{
		Upper:            dec("1.03000"),
		Lower:            dec("0.97000"),
		Spacing:          dec("0.00260"),
		LevelsCount:      20,
		NotionalPerLevel: dec("10"),
		EpochID:          1,
	}
	e, _, _ := newFixture(t, models.DirectionLong, cfg, plan)
	setBook(e, "0.99999", "1.00001")

	e.Tick()

	bounds := dec("0.003")
	mid := dec("1.00000")
	e.mu.Lock()
	defer e.mu.Unlock()
	placed := 0
	for _, level := range e.levels {
		if level.State != models.LevelOpenOrderPlaced {
			continue
		}
		placed++
		dist := level.Price.Sub(mid).Abs().Div(mid)
		assert.True(t, dist.LessThanOrEqual(bounds),
			"level %d at %s outside activation bounds", level.LevelID, level.Price)
	}
	assert.Greater(t, placed, 0)
}

// TestDegenerateConfigs: zero order cap and zero activation window both
// suppress all placements.
func TestDegenerateConfigs(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOpenOrders = 0
	e, sim, _ := newFixture(t, models.DirectionLong, cfg, scenarioPlan())
	setBook(e, "0.99999", "1.00001")
	e.Tick()
	assert.Equal(t, 0, sim.RestingCount())

	cfg2 := testConfig()
	cfg2.ActivationBounds = 0
	e2, sim2, _ := newFixture(t, models.DirectionLong, cfg2, scenarioPlan())
	setBook(e2, "0.99999", "1.00001")
	e2.Tick()
	assert.Equal(t, 0, sim2.RestingCount())
}

// TestStaleOrderCancellation: an open order that drifts outside the
// activation window is cancelled and its level returns to NOT_ACTIVE
// with a bumped generation.
func TestStaleOrderCancellation(t *testing.T) {
	e, sim, _ := newFixture(t, models.DirectionLong, testConfig(), scenarioPlan())
	setBook(e, "0.99999", "1.00001")
	e.Tick()
	require.Equal(t, 2, sim.RestingCount())

	// price runs far above the ladder
	setBook(e, "1.10000", "1.10002")
	e.Tick()

	assert.Equal(t, 0, sim.RestingCount())
	low := levelByID(e, 0)
	assert.Equal(t, models.LevelNotActive, low.State)
	assert.Equal(t, 1, low.Generation)
}

// TestOrderTimeoutCancellation: a resting order past order_timeout_s is
// cancelled even while still inside the activation window.
func TestOrderTimeoutCancellation(t *testing.T) {
	cfg := testConfig()
	cfg.OrderTimeoutS = 600
	e, sim, clk := newFixture(t, models.DirectionLong, cfg, scenarioPlan())
	setBook(e, "0.99999", "1.00001")
	e.Tick()
	require.Equal(t, 2, sim.RestingCount())

	clk.Advance(601 * time.Second)
	e.Tick()
	assert.Equal(t, 0, sim.RestingCount())
}

// TestPartialFillBelowTolerance: partial fills accumulate without
// advancing the level until the remaining quantity is inside one lot.
func TestPartialFillBelowTolerance(t *testing.T) {
	e, sim, _ := newFixture(t, models.DirectionLong, testConfig(), scenarioPlan())
	setBook(e, "0.99999", "1.00001")
	e.Tick()

	clientID := MakeClientID(models.DirectionLong, RoleOpen, 1, 0, 0)
	id, ok := sim.OrderIDByClientID(clientID)
	require.True(t, ok)

	require.NoError(t, sim.PartialFill(id, dec("4")))
	drainEvents(e, sim)
	low := levelByID(e, 0)
	assert.Equal(t, models.LevelOpenOrderPlaced, low.State, "partial fill must not advance the level")

	require.NoError(t, sim.Fill(id))
	drainEvents(e, sim)
	assert.Equal(t, models.LevelOpenOrderFilled, low.State)
}

// TestDuplicateAckIgnored: replaying the same FILLED report for an open
// order twice must not double-count the fill.
func TestDuplicateAckIgnored(t *testing.T) {
	e, sim, _ := newFixture(t, models.DirectionLong, testConfig(), scenarioPlan())
	setBook(e, "0.99999", "1.00001")
	e.Tick()

	clientID := MakeClientID(models.DirectionLong, RoleOpen, 1, 0, 0)
	fill := models.UserEvent{
		Type: models.EventOrderUpdate,
		Order: &models.OrderUpdate{
			ClientOrderID: clientID,
			Side:          models.Buy,
			PositionSide:  models.PositionLong,
			Status:        "FILLED",
			Price:         dec("0.99740"),
			OrigQty:       dec("10"),
			CumFilledQty:  dec("10"),
			AvgFillPrice:  dec("0.99740"),
		},
		Time: time.Now(),
	}
	e.handleUserEvent(fill)
	e.handleUserEvent(fill)

	low := levelByID(e, 0)
	assert.Equal(t, models.LevelOpenOrderFilled, low.State)
	assert.True(t, low.FilledQty.Equal(dec("10")))
	_ = sim
}

// TestRejectionMarksFailed: an exchange rejection downgrades only the
// affected level, which stays FAILED for the rest of the epoch.
func TestRejectionMarksFailed(t *testing.T) {
	e, sim, _ := newFixture(t, models.DirectionLong, testConfig(), scenarioPlan())
	setBook(e, "0.99999", "1.00001")

	sim.RejectNextPlace(&models.ExchangeError{Code: -4164, Msg: "Order's notional must be no smaller than 5.0"})
	e.Tick()

	e.mu.Lock()
	failed := 0
	for _, level := range e.levels {
		if level.State == models.LevelFailed {
			failed++
		}
	}
	e.mu.Unlock()
	assert.Equal(t, 1, failed)
	// the other candidate still went through
	assert.Equal(t, 1, sim.RestingCount())
}

// TestResyncReconciliation covers the disconnect scenario: a locally
// tracked order vanished on the exchange (assume filled-and-missed) and
// an unknown order with an expected client id is adopted.
func TestResyncReconciliation(t *testing.T) {
	e, sim, _ := newFixture(t, models.DirectionLong, testConfig(), scenarioPlan())
	setBook(e, "0.99999", "1.00001")
	e.Tick()
	require.Equal(t, 2, sim.RestingCount())

	// order at level 0 disappears silently while the stream was down
	lowClientID := MakeClientID(models.DirectionLong, RoleOpen, 1, 0, 0)
	lowID, ok := sim.OrderIDByClientID(lowClientID)
	require.True(t, ok)
	sim.DropOrder(lowID)

	// an order the executor never saw, carrying a valid client id for
	// level 1 (e.g. the ack was lost mid-flight)
	midClientID := MakeClientID(models.DirectionLong, RoleOpen, 1, 1, 0)
	_, err := sim.PlaceLimitOrder("DOGEUSDC", models.Buy, models.PositionLong,
		dec("10"), dec("1.00000"), midClientID)
	require.NoError(t, err)

	e.handleUserEvent(models.UserEvent{Type: models.EventResync, Time: time.Now()})

	low := levelByID(e, 0)
	assert.Equal(t, models.LevelFailed, low.State, "vanished order must fail the level")

	mid := levelByID(e, 1)
	assert.Equal(t, models.LevelOpenOrderPlaced, mid.State, "unknown order with expected client id is adopted")
	require.NotNil(t, mid.OpenOrder)
	assert.Equal(t, midClientID, mid.OpenOrder.ClientOrderID)
}

// TestReplayDeterminism: two executors fed the same event sequence place
// identical orders and end in identical states.
func TestReplayDeterminism(t *testing.T) {
	run := func() ([]string, map[models.LevelState]int) {
		cfg := testConfig()
		cfg.MaxOpenOrders = 4
		cfg.MaxOrdersPerBatch = 4
		e, sim, clk := newFixture(t, models.DirectionLong, cfg, scenarioPlan())
		setBook(e, "0.99999", "1.00001")

		e.Tick()
		if id, ok := sim.OrderIDByClientID(MakeClientID(models.DirectionLong, RoleOpen, 1, 0, 0)); ok {
			sim.Fill(id)
		}
		drainEvents(e, sim)
		clk.Advance(5 * time.Second)
		e.Tick()
		drainEvents(e, sim)
		clk.Advance(5 * time.Second)
		e.Tick()

		snap := e.Snapshot()
		return sim.PlacedClientIDs, snap.StateCounts
	}

	ids1, states1 := run()
	ids2, states2 := run()
	assert.Equal(t, ids1, ids2)
	assert.Equal(t, states1, states2)
}

// TestDisableExecutionStopsOpens: draining keeps close-order maintenance
// alive but admits no new opens.
func TestDisableExecutionStopsOpens(t *testing.T) {
	e, sim, clk := newFixture(t, models.DirectionLong, testConfig(), scenarioPlan())
	setBook(e, "0.99999", "1.00001")
	e.Tick()
	require.Equal(t, 2, sim.RestingCount())

	clientID := MakeClientID(models.DirectionLong, RoleOpen, 1, 0, 0)
	id, _ := sim.OrderIDByClientID(clientID)
	require.NoError(t, sim.Fill(id))
	drainEvents(e, sim)

	e.DisableExecution()
	// well past the frequency window, so only the drain gate can hold
	// back new opens
	clk.Advance(10 * time.Second)
	e.Tick()

	// the close order for the filled level still goes out
	low := levelByID(e, 0)
	assert.Equal(t, models.LevelCloseOrderPlaced, low.State)
	// but the freed open slot is not refilled
	assert.Equal(t, 2, sim.RestingCount()) // 1 remaining open + 1 close
}

// TestClientIDRoundTrip pins the client-order-id codec.
func TestClientIDRoundTrip(t *testing.T) {
	id := MakeClientID(models.DirectionShort, RoleClose, 42, 7, 3)
	dir, role, epoch, level, gen, ok := ParseClientID(id)
	require.True(t, ok)
	assert.Equal(t, models.DirectionShort, dir)
	assert.Equal(t, RoleClose, role)
	assert.EqualValues(t, 42, epoch)
	assert.Equal(t, 7, level)
	assert.Equal(t, 3, gen)

	open := MakeClientID(models.DirectionShort, RoleOpen, 42, 7, 3)
	assert.NotEqual(t, id, open, "open and close ids for one level must differ")

	_, _, _, _, _, ok = ParseClientID("web_abcdef")
	assert.False(t, ok)
	_, _, _, _, _, ok = ParseClientID("")
	assert.False(t, ok)
}
