package executor

import (
	"hedge-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// handleUserEvent 消费用户数据流事件。队列是单写单读的FIFO，
// 回执严格按交易所送达顺序处理。
func (e *Executor) handleUserEvent(event models.UserEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch event.Type {
	case models.EventOrderUpdate:
		e.applyOrderUpdateLocked(event.Order)
	case models.EventResync:
		e.resyncLocked()
	case models.EventBalanceUpdate, models.EventPositionUpdate:
		// 余额与持仓推送仅作心跳，风控读取的是控制器的快照查询
	}
	e.connected = true
	e.lastTick = event.Time
}

// applyOrderUpdateLocked 把一条订单回执映射到层级状态迁移。
// 匹配键是客户端ID；代数不符或累计成交量回退的回执视为重复/过期，
// 直接丢弃，保证重放幂等。
func (e *Executor) applyOrderUpdateLocked(update *models.OrderUpdate) {
	if update == nil {
		return
	}
	dir, role, epoch, levelID, gen, ok := ParseClientID(update.ClientOrderID)
	if !ok || dir != e.direction || epoch != e.plan.EpochID {
		return
	}
	level := e.levelByIDLocked(levelID)
	if level == nil {
		return
	}

	tracked, known := e.orders[update.ClientOrderID]
	if !known {
		// 本地未知但客户端ID是本纪元生成的：断流期间挂出的订单，认领它
		if gen != level.Generation {
			return
		}
		tracked = &models.TrackedOrder{
			OrderID:       update.OrderID,
			ClientOrderID: update.ClientOrderID,
			LevelID:       levelID,
			Side:          update.Side,
			PositionSide:  update.PositionSide,
			Price:         update.Price,
			Quantity:      update.OrigQty,
		}
		e.orders[update.ClientOrderID] = tracked
		if role == RoleOpen {
			level.OpenOrder = tracked
			e.setState(level, models.LevelOpenOrderPlaced)
		} else {
			level.CloseOrder = tracked
			e.setState(level, models.LevelCloseOrderPlaced)
		}
	}

	// 拒绝重复回执：累计成交量单调不减
	if update.CumFilledQty.LessThan(tracked.FilledQty) {
		return
	}
	tracked.FilledQty = update.CumFilledQty
	if !update.AvgFillPrice.IsZero() {
		tracked.AvgFillPrice = update.AvgFillPrice
	}
	tracked.Status = update.Status
	if tracked.OrderID == 0 {
		tracked.OrderID = update.OrderID
	}

	switch update.Status {
	case "FILLED":
		e.applyFillLocked(level, tracked, update)
	case "PARTIALLY_FILLED":
		// 部分成交只累计，层级状态不前移，直到lot容差内全部成交
		if tracked.IsFilled(e.rules.StepSize) {
			e.applyFillLocked(level, tracked, update)
		}
	case "CANCELED", "EXPIRED":
		e.applyCancelLocked(level, tracked)
	case "REJECTED":
		e.setState(level, models.LevelFailed)
		delete(e.orders, tracked.ClientOrderID)
	}
}

// applyFillLocked 推进完全成交后的状态迁移。
func (e *Executor) applyFillLocked(level *models.GridLevel, tracked *models.TrackedOrder, update *models.OrderUpdate) {
	isOpen := tracked.Side == e.direction.OpenSide()

	if isOpen && level.State == models.LevelOpenOrderPlaced {
		level.FilledQty = tracked.FilledQty
		// 止盈锚定实际成交均价而非层级名义价，滑点不吞噬价差
		level.FilledAtPrice = tracked.AvgFillPrice
		if level.FilledAtPrice.IsZero() {
			level.FilledAtPrice = tracked.Price
		}
		level.FilledAtTime = update.TradeTime
		e.setState(level, models.LevelOpenOrderFilled)
		if e.sink != nil {
			e.sink.RecordFill(e.direction.String(), e.plan.EpochID, level.LevelID,
				string(tracked.Side), level.FilledAtPrice.String(), level.FilledQty.String())
		}
		e.logger.Info("开仓成交",
			zap.Int("level", level.LevelID),
			zap.String("avg_price", level.FilledAtPrice.String()),
			zap.String("qty", level.FilledQty.String()))
		return
	}

	if !isOpen && level.State == models.LevelCloseOrderPlaced {
		closePx := tracked.AvgFillPrice
		if closePx.IsZero() {
			closePx = tracked.Price
		}
		// 多头: (卖出价-开仓价)*量; 空头: (开仓价-买回价)*量
		profit := closePx.Sub(level.FilledAtPrice).Mul(tracked.FilledQty)
		if e.direction == models.DirectionShort {
			profit = profit.Neg()
		}
		e.realizedPnL = e.realizedPnL.Add(profit)
		e.roundTrips++
		e.setState(level, models.LevelComplete)
		if e.sink != nil {
			e.sink.RecordFill(e.direction.String(), e.plan.EpochID, level.LevelID,
				string(tracked.Side), closePx.String(), tracked.FilledQty.String())
		}
		e.logger.Info("止盈成交，层级完成一轮",
			zap.Int("level", level.LevelID),
			zap.String("profit", profit.String()))
	}
}

// applyCancelLocked 处理撤销回执。开仓撤销回到NOT_ACTIVE，
// 止盈撤销回到OPEN_ORDER_FILLED让下一轮tick重挂。
func (e *Executor) applyCancelLocked(level *models.GridLevel, tracked *models.TrackedOrder) {
	delete(e.orders, tracked.ClientOrderID)
	if tracked.Side == e.direction.OpenSide() {
		if level.State == models.LevelOpenOrderPlaced {
			level.OpenOrder = nil
			level.Generation++
			e.setState(level, models.LevelNotActive)
		}
		return
	}
	if level.State == models.LevelCloseOrderPlaced {
		level.CloseOrder = nil
		level.Generation++
		e.setState(level, models.LevelOpenOrderFilled)
	}
}

// resyncLocked 用挂单快照对账本地状态。断流期间交易所侧订单
// 可能已成交或消失：本地认为在挂的订单若不在快照里，按
// "可能已成交但回执丢失"保守处理，层级在本纪元内停用；
// 快照里出现本纪元客户端ID但本地未知的订单则被认领。
func (e *Executor) resyncLocked() {
	snapshot, err := e.session.OpenOrders(e.cfg.Symbol)
	if err != nil {
		e.logger.Error("对账快照查询失败", zap.Error(err))
		return
	}

	onExchange := make(map[string]*models.OrderUpdate, len(snapshot))
	for i := range snapshot {
		onExchange[snapshot[i].ClientOrderID] = &snapshot[i]
	}

	for _, level := range e.levels {
		switch level.State {
		case models.LevelOpenOrderPlaced:
			if level.OpenOrder != nil {
				if _, present := onExchange[level.OpenOrder.ClientOrderID]; !present {
					e.logger.Warn("开仓挂单在交易所侧消失，层级停用",
						zap.Int("level", level.LevelID),
						zap.String("client_id", level.OpenOrder.ClientOrderID))
					delete(e.orders, level.OpenOrder.ClientOrderID)
					e.setState(level, models.LevelFailed)
				}
			}
		case models.LevelCloseOrderPlaced:
			if level.CloseOrder != nil {
				if _, present := onExchange[level.CloseOrder.ClientOrderID]; !present {
					e.logger.Warn("止盈挂单在交易所侧消失，层级停用",
						zap.Int("level", level.LevelID),
						zap.String("client_id", level.CloseOrder.ClientOrderID))
					delete(e.orders, level.CloseOrder.ClientOrderID)
					e.setState(level, models.LevelFailed)
				}
			}
		}
	}

	// 认领快照中属于本纪元但本地未知的订单
	for clientID := range onExchange {
		if _, known := e.orders[clientID]; known {
			continue
		}
		dir, role, epoch, levelID, gen, ok := ParseClientID(clientID)
		if !ok || dir != e.direction || epoch != e.plan.EpochID {
			continue
		}
		level := e.levelByIDLocked(levelID)
		if level == nil || gen != level.Generation {
			continue
		}
		update := onExchange[clientID]
		tracked := &models.TrackedOrder{
			OrderID:       update.OrderID,
			ClientOrderID: clientID,
			LevelID:       levelID,
			Side:          update.Side,
			PositionSide:  update.PositionSide,
			Price:         update.Price,
			Quantity:      update.OrigQty,
			FilledQty:     update.CumFilledQty,
			Status:        update.Status,
			PlacedAt:      e.now(),
		}
		e.orders[clientID] = tracked
		if role == RoleOpen {
			level.OpenOrder = tracked
			e.setState(level, models.LevelOpenOrderPlaced)
		} else {
			level.CloseOrder = tracked
			e.setState(level, models.LevelCloseOrderPlaced)
		}
		e.logger.Info("对账认领订单",
			zap.Int("level", levelID), zap.String("client_id", clientID))
	}
}

func (e *Executor) levelByIDLocked(levelID int) *models.GridLevel {
	for _, level := range e.levels {
		if level.LevelID == levelID {
			return level
		}
	}
	return nil
}
