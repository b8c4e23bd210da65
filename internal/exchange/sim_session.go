package exchange

import (
	"fmt"
	"sync"
	"time"

	"hedge-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// SimSession 是 Session 的内存实现，供执行器与控制器的测试使用。
// 订单不会自动成交：测试通过 Fill / PartialFill 显式驱动成交事件，
// 这样可以精确复现任意事件序列。
type SimSession struct {
	mu sync.Mutex

	rules   *models.SymbolRules
	balance decimal.Decimal
	klines  []models.OHLCV

	nextOrderID int64
	open        map[int64]*models.OrderUpdate
	positions   map[models.PositionSide]*models.PositionSnapshot

	userCh chan models.UserEvent
	tickCh chan models.BookTicker

	// 注入的故障
	rejectNextPlace error

	// 调用计数，供断言使用
	CancelAllCalls  int
	CanceledOrders  []int64
	MarketCloses    []models.Side
	LeverageSet     int
	HedgeModeSet    bool
	PlacedClientIDs []string
}

// NewSimSession 创建一个模拟会话。
func NewSimSession(rules *models.SymbolRules, balance decimal.Decimal) *SimSession {
	return &SimSession{
		rules:       rules,
		balance:     balance,
		nextOrderID: 1000,
		open:        make(map[int64]*models.OrderUpdate),
		positions:   make(map[models.PositionSide]*models.PositionSnapshot),
		userCh:      make(chan models.UserEvent, 256),
		tickCh:      make(chan models.BookTicker, 256),
	}
}

// RejectNextPlace 让下一次下单返回给定错误，模拟交易所拒单。
func (s *SimSession) RejectNextPlace(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectNextPlace = err
}

func (s *SimSession) PlaceLimitOrder(symbol string, side models.Side, posSide models.PositionSide,
	qty, price decimal.Decimal, clientID string) (*models.TrackedOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rejectNextPlace != nil {
		err := s.rejectNextPlace
		s.rejectNextPlace = nil
		return nil, err
	}

	s.nextOrderID++
	id := s.nextOrderID
	s.open[id] = &models.OrderUpdate{
		Symbol:        symbol,
		OrderID:       id,
		ClientOrderID: clientID,
		Side:          side,
		PositionSide:  posSide,
		Status:        "NEW",
		Price:         price,
		OrigQty:       qty,
		CumFilledQty:  decimal.Zero,
	}
	s.PlacedClientIDs = append(s.PlacedClientIDs, clientID)

	return &models.TrackedOrder{
		OrderID:       id,
		ClientOrderID: clientID,
		Side:          side,
		PositionSide:  posSide,
		Price:         price,
		Quantity:      qty,
		Status:        "NEW",
		PlacedAt:      time.Now(),
	}, nil
}

func (s *SimSession) PlaceMarketClose(symbol string, side models.Side, posSide models.PositionSide, qty decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MarketCloses = append(s.MarketCloses, side)
	delete(s.positions, posSide)
	return nil
}

func (s *SimSession) CancelOrder(symbol string, orderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.open[orderID]
	if !ok {
		// 与真实会话一致：撤销不存在的订单视为成功
		return nil
	}
	delete(s.open, orderID)
	s.CanceledOrders = append(s.CanceledOrders, orderID)
	canceled := *order
	canceled.Status = "CANCELED"
	s.pushUserEventLocked(models.UserEvent{
		Type:  models.EventOrderUpdate,
		Order: &canceled,
		Time:  time.Now(),
	})
	return nil
}

func (s *SimSession) CancelAllOpenOrders(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelAllCalls++
	for id, order := range s.open {
		canceled := *order
		canceled.Status = "CANCELED"
		s.pushUserEventLocked(models.UserEvent{
			Type:  models.EventOrderUpdate,
			Order: &canceled,
			Time:  time.Now(),
		})
		delete(s.open, id)
	}
	return nil
}

func (s *SimSession) OpenOrders(symbol string) ([]models.OrderUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orders := make([]models.OrderUpdate, 0, len(s.open))
	for _, o := range s.open {
		orders = append(orders, *o)
	}
	return orders, nil
}

func (s *SimSession) Positions(symbol string) ([]models.PositionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PositionSnapshot
	for _, p := range s.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (s *SimSession) Balance(asset string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

func (s *SimSession) SetLeverage(symbol string, leverage int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LeverageSet = leverage
	return nil
}

func (s *SimSession) SetPositionMode(hedge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.HedgeModeSet = hedge
	return nil
}

func (s *SimSession) SymbolRules(symbol string) (*models.SymbolRules, error) {
	return s.rules, nil
}

// SetKlines 注入ATR计算用的K线序列。
func (s *SimSession) SetKlines(bars []models.OHLCV) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.klines = bars
}

func (s *SimSession) FetchOHLCV(symbol, interval string, limit int) ([]models.OHLCV, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.klines) == 0 {
		return nil, fmt.Errorf("模拟会话未注入K线数据")
	}
	return s.klines, nil
}

func (s *SimSession) SubscribeUserStream() (<-chan models.UserEvent, error) {
	return s.userCh, nil
}

func (s *SimSession) SubscribeBookTicker(symbol string) (<-chan models.BookTicker, error) {
	return s.tickCh, nil
}

func (s *SimSession) ServerTime() (int64, error) {
	return time.Now().UnixMilli(), nil
}

func (s *SimSession) Close() {}

// --- 测试驱动接口 ---

// PushTicker 推送一条盘口更新。
func (s *SimSession) PushTicker(bid, ask decimal.Decimal) {
	s.tickCh <- models.BookTicker{BestBid: bid, BestAsk: ask, Time: time.Now()}
}

// EmitResync 模拟流重连后的对账信号。
func (s *SimSession) EmitResync() {
	s.userCh <- models.UserEvent{Type: models.EventResync, Time: time.Now()}
}

// Fill 将一张挂单完全成交：更新持仓并推送FILLED事件。
func (s *SimSession) Fill(orderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.open[orderID]
	if !ok {
		return fmt.Errorf("订单 %d 不存在", orderID)
	}
	delete(s.open, orderID)

	filled := *order
	filled.Status = "FILLED"
	filled.CumFilledQty = order.OrigQty
	filled.AvgFillPrice = order.Price
	s.applyFillLocked(&filled)
	s.pushUserEventLocked(models.UserEvent{
		Type:  models.EventOrderUpdate,
		Order: &filled,
		Time:  time.Now(),
	})
	return nil
}

// PartialFill 推送一次部分成交事件，订单保留在挂单列表中。
func (s *SimSession) PartialFill(orderID int64, qty decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.open[orderID]
	if !ok {
		return fmt.Errorf("订单 %d 不存在", orderID)
	}
	order.CumFilledQty = order.CumFilledQty.Add(qty)
	order.Status = "PARTIALLY_FILLED"
	order.AvgFillPrice = order.Price

	partial := *order
	s.pushUserEventLocked(models.UserEvent{
		Type:  models.EventOrderUpdate,
		Order: &partial,
		Time:  time.Now(),
	})
	return nil
}

// SetPositionPnL 直接注入一笔带未实现盈亏的持仓，供风控测试使用。
func (s *SimSession) SetPositionPnL(posSide models.PositionSide, amt, entry, pnl decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[posSide] = &models.PositionSnapshot{
		Symbol:        s.rules.Symbol,
		PositionSide:  posSide,
		PositionAmt:   amt,
		EntryPrice:    entry,
		UnrealizedPnL: pnl,
	}
}

// DropOrder 从交易所侧静默移除一张挂单（不推事件），
// 用于模拟断流期间发生的成交或撤销。
func (s *SimSession) DropOrder(orderID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, orderID)
}

// OrderIDByClientID 按客户端ID查找挂单，供测试断言使用。
func (s *SimSession) OrderIDByClientID(clientID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, o := range s.open {
		if o.ClientOrderID == clientID {
			return id, true
		}
	}
	return 0, false
}

// RestingCount 返回当前挂单数量。
func (s *SimSession) RestingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

func (s *SimSession) applyFillLocked(o *models.OrderUpdate) {
	pos, ok := s.positions[o.PositionSide]
	if !ok {
		pos = &models.PositionSnapshot{Symbol: o.Symbol, PositionSide: o.PositionSide}
		s.positions[o.PositionSide] = pos
	}
	// 双向持仓：LONG侧买入加仓、卖出减仓；SHORT侧相反
	delta := o.CumFilledQty
	opening := (o.PositionSide == models.PositionLong && o.Side == models.Buy) ||
		(o.PositionSide == models.PositionShort && o.Side == models.Sell)
	if opening {
		pos.PositionAmt = pos.PositionAmt.Add(delta)
		pos.EntryPrice = o.AvgFillPrice
	} else {
		pos.PositionAmt = pos.PositionAmt.Sub(delta)
		if pos.PositionAmt.Sign() <= 0 {
			delete(s.positions, o.PositionSide)
		}
	}
}

func (s *SimSession) pushUserEventLocked(event models.UserEvent) {
	select {
	case s.userCh <- event:
	default:
	}
}
