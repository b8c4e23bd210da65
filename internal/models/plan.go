package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// PositionSide 对应交易所双向持仓模式下的持仓方向。
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// Direction 标识一个执行器运行的是做多网格还是做空网格。
// 多空差异全部收敛在这里的几个纯函数上，状态机本身与方向无关。
type Direction int

const (
	DirectionLong Direction = iota
	DirectionShort
)

func (d Direction) String() string {
	if d == DirectionLong {
		return "LONG"
	}
	return "SHORT"
}

// OpenSide 返回开仓方向：做多买入开仓，做空卖出开仓。
func (d Direction) OpenSide() Side {
	if d == DirectionLong {
		return Buy
	}
	return Sell
}

// CloseSide 返回平仓方向。
func (d Direction) CloseSide() Side {
	if d == DirectionLong {
		return Sell
	}
	return Buy
}

// PositionSide 返回双向持仓模式下该网格操作的持仓侧。
func (d Direction) PositionSide() PositionSide {
	if d == DirectionLong {
		return PositionLong
	}
	return PositionShort
}

// ClosePrice 由实际成交均价推出止盈价：做多上移一个间距，做空下移。
func (d Direction) ClosePrice(entry, spacing decimal.Decimal) decimal.Decimal {
	if d == DirectionLong {
		return entry.Add(spacing)
	}
	return entry.Sub(spacing)
}

// ATRResult 是一次ATR通道计算的结果，纪元内视为常量。
type ATRResult struct {
	ATR        decimal.Decimal
	UpperBound decimal.Decimal
	LowerBound decimal.Decimal
	ComputedAt time.Time
}

// GridPlan 是共享参数引擎产出的网格蓝图，发布后不可变。
// 两个执行器各持有一份副本，仅通过EpochID识别代际。
type GridPlan struct {
	Upper            decimal.Decimal
	Lower            decimal.Decimal
	Spacing          decimal.Decimal // 相邻层级之间的绝对价差
	LevelsCount      int
	NotionalPerLevel decimal.Decimal // 每层投入的计价货币金额
	UsableLeverage   int
	StopUpper        decimal.Decimal // 向上突破止损线
	StopLower        decimal.Decimal // 向下突破止损线
	ComputedAt       time.Time
	EpochID          int64
}

// Mid 返回通道中间价。
func (p *GridPlan) Mid() decimal.Decimal {
	return p.Upper.Add(p.Lower).Div(decimal.NewFromInt(2))
}

// Clone 返回计划的值拷贝，执行器收到的永远是副本。
func (p *GridPlan) Clone() GridPlan {
	return *p
}

// LevelState 是网格层级状态机的状态集合。
type LevelState int

const (
	LevelNotActive LevelState = iota
	LevelOpenOrderPlaced
	LevelOpenOrderFilled
	LevelCloseOrderPlaced
	LevelComplete
	LevelFailed // 本纪元内终态，换纪元后恢复
)

func (s LevelState) String() string {
	switch s {
	case LevelNotActive:
		return "NOT_ACTIVE"
	case LevelOpenOrderPlaced:
		return "OPEN_ORDER_PLACED"
	case LevelOpenOrderFilled:
		return "OPEN_ORDER_FILLED"
	case LevelCloseOrderPlaced:
		return "CLOSE_ORDER_PLACED"
	case LevelComplete:
		return "COMPLETE"
	case LevelFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// GridLevel 代表网格中的一个价格档位及其生命周期状态。
// 一个执行器独占其全部层级，没有跨任务共享。
type GridLevel struct {
	LevelID  int
	Price    decimal.Decimal // 已对齐到tick
	Quantity decimal.Decimal // 已对齐到lot
	State    LevelState

	OpenOrder  *TrackedOrder // 开仓挂单，可为空
	CloseOrder *TrackedOrder // 止盈挂单，可为空

	FilledAtPrice decimal.Decimal // 开仓实际成交均价
	FilledQty     decimal.Decimal
	FilledAtTime  time.Time

	Generation int // 每次撤单重挂递增，参与客户端订单ID
}

// Reset 把完成一轮交易的层级复位，等待再次使用。
func (l *GridLevel) Reset() {
	l.State = LevelNotActive
	l.OpenOrder = nil
	l.CloseOrder = nil
	l.FilledAtPrice = decimal.Zero
	l.FilledQty = decimal.Zero
	l.FilledAtTime = time.Time{}
}

// TrackedOrder 是执行器侧对一张交易所订单的跟踪记录。
type TrackedOrder struct {
	OrderID       int64
	ClientOrderID string
	LevelID       int
	Side          Side
	PositionSide  PositionSide
	Price         decimal.Decimal // 意图价格
	Quantity      decimal.Decimal // 意图数量
	FilledQty     decimal.Decimal // 累计成交数量
	AvgFillPrice  decimal.Decimal
	Status        string
	PlacedAt      time.Time
}

// IsFilled 判断订单是否已在lot容差内完全成交。
func (o *TrackedOrder) IsFilled(step decimal.Decimal) bool {
	remaining := o.Quantity.Sub(o.FilledQty)
	return remaining.LessThan(step) || remaining.IsZero()
}

// AccountStatus 是一个账户的监控快照。
type AccountStatus struct {
	Balance        decimal.Decimal
	OpenOrderCount int
	PositionSize   decimal.Decimal
	EntryPrice     decimal.Decimal
	UnrealizedPnL  decimal.Decimal
	MarginRatio    decimal.Decimal
	Connected      bool
	LastHeartbeat  time.Time
}
