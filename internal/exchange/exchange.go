package exchange

import (
	"hedge-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// Session 定义了单个账户会话必须提供的统一方法。
// 做多侧与做空侧各持有一个实现；替换交易所只需要换一个适配器。
// 所有价格与数量入参必须已对齐到tick/lot。
type Session interface {
	// PlaceLimitOrder 挂限价单（GTC）。clientID用于断流后对账。
	PlaceLimitOrder(symbol string, side models.Side, posSide models.PositionSide,
		qty, price decimal.Decimal, clientID string) (*models.TrackedOrder, error)
	// PlaceMarketClose 以市价平掉指定持仓侧的数量，用于紧急平仓与启动前强制清理。
	PlaceMarketClose(symbol string, side models.Side, posSide models.PositionSide,
		qty decimal.Decimal) error
	CancelOrder(symbol string, orderID int64) error
	CancelAllOpenOrders(symbol string) error
	OpenOrders(symbol string) ([]models.OrderUpdate, error)
	Positions(symbol string) ([]models.PositionSnapshot, error)
	Balance(asset string) (decimal.Decimal, error)
	SetLeverage(symbol string, leverage int) error
	SetPositionMode(hedge bool) error
	SymbolRules(symbol string) (*models.SymbolRules, error)
	FetchOHLCV(symbol, interval string, limit int) ([]models.OHLCV, error)
	// SubscribeUserStream 返回自愈的用户数据流。断线重连后会先推送
	// 一条EventResync，消费者必须用快照查询对账。
	SubscribeUserStream() (<-chan models.UserEvent, error)
	SubscribeBookTicker(symbol string) (<-chan models.BookTicker, error)
	ServerTime() (int64, error)
	Close()
}
