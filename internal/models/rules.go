package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SymbolRules 保存一个交易对的下单约束，来自交易所的exchangeInfo。
// 启动时获取一次，运行期间不可变。
type SymbolRules struct {
	Symbol      string
	TickSize    decimal.Decimal // 价格最小变动单位
	StepSize    decimal.Decimal // 数量最小变动单位
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal // 单笔订单的最小名义价值
	Brackets    []LeverageBracket
}

// LeverageBracket 是杠杆分层表中的一档：名义价值区间对应的
// 维持保证金率与最大可用杠杆。
type LeverageBracket struct {
	NotionalFloor   decimal.Decimal
	NotionalCap     decimal.Decimal
	MaintMarginRate decimal.Decimal
	MaxLeverage     int
}

// BracketFor 返回给定名义价值所在的杠杆档位。
// 名义价值超出表尾时取最后一档（交易所语义：上限档）。
func (r *SymbolRules) BracketFor(notional decimal.Decimal) (LeverageBracket, error) {
	if len(r.Brackets) == 0 {
		return LeverageBracket{}, fmt.Errorf("交易对 %s 没有杠杆分层数据", r.Symbol)
	}
	for _, b := range r.Brackets {
		if notional.GreaterThanOrEqual(b.NotionalFloor) && notional.LessThan(b.NotionalCap) {
			return b, nil
		}
	}
	return r.Brackets[len(r.Brackets)-1], nil
}

// SnapPriceForSide 将价格对齐到tick。方向上保守取整：
// 买价向下取整，卖价向上取整，保证对齐后的价格不会更激进。
func (r *SymbolRules) SnapPriceForSide(price decimal.Decimal, side Side) decimal.Decimal {
	if r.TickSize.IsZero() {
		return price
	}
	steps := price.Div(r.TickSize)
	if side == Sell {
		return steps.Ceil().Mul(r.TickSize)
	}
	return steps.Floor().Mul(r.TickSize)
}

// SnapPrice 将价格向下对齐到tick（与方向无关的保守默认）。
func (r *SymbolRules) SnapPrice(price decimal.Decimal) decimal.Decimal {
	return r.SnapPriceForSide(price, Buy)
}

// SnapQty 将数量向下对齐到lot。数量永远向下取整。
func (r *SymbolRules) SnapQty(qty decimal.Decimal) decimal.Decimal {
	if r.StepSize.IsZero() {
		return qty
	}
	return qty.Div(r.StepSize).Floor().Mul(r.StepSize)
}

// Matches 判断两份规则是否描述同一个可交易对象。
// 双账户要求规则一致，否则两侧网格会错位。
func (r *SymbolRules) Matches(other *SymbolRules) bool {
	return r.Symbol == other.Symbol &&
		r.TickSize.Equal(other.TickSize) &&
		r.StepSize.Equal(other.StepSize) &&
		r.MinNotional.Equal(other.MinNotional)
}
