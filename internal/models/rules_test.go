package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testRules() *SymbolRules {
	return &SymbolRules{
		Symbol:      "DOGEUSDC",
		TickSize:    dec("0.00001"),
		StepSize:    dec("1"),
		MinQty:      dec("1"),
		MinNotional: dec("5"),
		Brackets: []LeverageBracket{
			{NotionalFloor: dec("0"), NotionalCap: dec("10000"), MaintMarginRate: dec("0.01"), MaxLeverage: 20},
			{NotionalFloor: dec("10000"), NotionalCap: dec("100000"), MaintMarginRate: dec("0.025"), MaxLeverage: 10},
		},
	}
}

// TestSnapPriceConservative verifies the rounding direction: buy prices
// round down, sell prices round up, so snapping never makes an order more
// aggressive.
func TestSnapPriceConservative(t *testing.T) {
	rules := testRules()
	price := dec("1.000013")

	assert.True(t, rules.SnapPriceForSide(price, Buy).Equal(dec("1.00001")))
	assert.True(t, rules.SnapPriceForSide(price, Sell).Equal(dec("1.00002")))
}

// TestSnapIdempotent verifies that snapping twice equals snapping once.
func TestSnapIdempotent(t *testing.T) {
	rules := testRules()

	for _, raw := range []string{"1.000013", "0.99999", "123.456789", "0.00001"} {
		price := dec(raw)
		once := rules.SnapPriceForSide(price, Buy)
		twice := rules.SnapPriceForSide(once, Buy)
		assert.True(t, once.Equal(twice), "buy snap not idempotent for %s", raw)

		onceSell := rules.SnapPriceForSide(price, Sell)
		twiceSell := rules.SnapPriceForSide(onceSell, Sell)
		assert.True(t, onceSell.Equal(twiceSell), "sell snap not idempotent for %s", raw)
	}

	qty := dec("17.9")
	once := rules.SnapQty(qty)
	assert.True(t, once.Equal(dec("17")))
	assert.True(t, rules.SnapQty(once).Equal(once))
}

// TestBracketFor verifies tier lookup including the open-ended last tier.
func TestBracketFor(t *testing.T) {
	rules := testRules()

	b, err := rules.BracketFor(dec("500"))
	require.NoError(t, err)
	assert.Equal(t, 20, b.MaxLeverage)

	b, err = rules.BracketFor(dec("50000"))
	require.NoError(t, err)
	assert.Equal(t, 10, b.MaxLeverage)

	// beyond the table cap falls into the last tier
	b, err = rules.BracketFor(dec("999999999"))
	require.NoError(t, err)
	assert.Equal(t, 10, b.MaxLeverage)
}

// TestDirectionFunctions pins the four direction-polymorphic helpers.
func TestDirectionFunctions(t *testing.T) {
	assert.Equal(t, Buy, DirectionLong.OpenSide())
	assert.Equal(t, Sell, DirectionLong.CloseSide())
	assert.Equal(t, Sell, DirectionShort.OpenSide())
	assert.Equal(t, Buy, DirectionShort.CloseSide())
	assert.Equal(t, PositionLong, DirectionLong.PositionSide())
	assert.Equal(t, PositionShort, DirectionShort.PositionSide())

	entry, spacing := dec("1.00000"), dec("0.00260")
	assert.True(t, DirectionLong.ClosePrice(entry, spacing).Equal(dec("1.00260")))
	assert.True(t, DirectionShort.ClosePrice(entry, spacing).Equal(dec("0.99740")))
}

// TestTrackedOrderIsFilled covers the lot-size tolerance rule: a level is
// considered filled only when the remaining quantity is below one lot step.
func TestTrackedOrderIsFilled(t *testing.T) {
	step := dec("1")
	order := &TrackedOrder{Quantity: dec("10"), FilledQty: dec("9")}
	assert.False(t, order.IsFilled(step))

	order.FilledQty = dec("9.5")
	assert.True(t, order.IsFilled(step))

	order.FilledQty = dec("10")
	assert.True(t, order.IsFilled(step))
}
