package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserEventType 区分用户数据流推送的事件种类。
type UserEventType int

const (
	EventOrderUpdate UserEventType = iota
	EventBalanceUpdate
	EventPositionUpdate
	// EventResync 是流重连后本地合成的事件，提示消费者用快照查询
	// 对账本地状态。交易所不会推送该事件。
	EventResync
)

// UserEvent 是用户数据流的统一事件载体，按事件类型填充对应字段。
type UserEvent struct {
	Type     UserEventType
	Order    *OrderUpdate
	Balance  *BalanceSnapshot
	Position *PositionSnapshot
	Time     time.Time
}

// OrderUpdate 是一张订单的状态变更，字段已从交易所字符串转为decimal。
type OrderUpdate struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Side          Side
	PositionSide  PositionSide
	Status        string // NEW, PARTIALLY_FILLED, FILLED, CANCELED, EXPIRED, REJECTED
	Price         decimal.Decimal
	OrigQty       decimal.Decimal
	CumFilledQty  decimal.Decimal
	AvgFillPrice  decimal.Decimal
	TradeTime     time.Time
}

// BalanceSnapshot 是余额推送。
type BalanceSnapshot struct {
	Asset   string
	Balance decimal.Decimal
}

// PositionSnapshot 是持仓推送或查询结果。
type PositionSnapshot struct {
	Symbol        string
	PositionSide  PositionSide
	PositionAmt   decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// BookTicker 是盘口最优买卖价的推送。
type BookTicker struct {
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
	Time    time.Time
}

// Mid 返回盘口中间价。
func (t *BookTicker) Mid() decimal.Decimal {
	return t.BestBid.Add(t.BestAsk).Div(decimal.NewFromInt(2))
}

// OHLCV 是一根K线，仅供ATR计算使用，因此直接用float。
type OHLCV struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}
