package executor

import (
	"errors"
	"sort"
	"time"

	"hedge-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Tick 执行一次控制循环。步骤顺序固定：
//  1. 消费待处理的订单回执（handleUserEvent已前置完成）
//  2. 为已成交的开仓层级挂止盈单
//  3. 回收已完成的层级
//  4. 准入判定（频率、挂单上限、批次配额、上下分配）
//  5. 候选层级选择（激活窗口内按与中间价距离排序）
//  6. 挂开仓单
//  7. 撤掉失效的开仓挂单
//
// 相同的事件序列重放必然产生相同的下单序列：候选排序严格按
// 距离升序，距离相同按层级ID升序。
func (e *Executor) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.executionEnabled {
		// 停机排空阶段只维护止盈与回收，不再开新仓
		e.placeCloseOrdersLocked()
		e.recycleCompletedLocked()
		return
	}

	e.placeCloseOrdersLocked()
	e.recycleCompletedLocked()
	e.placeOpenOrdersLocked()
	e.cancelStaleOpenOrdersLocked()
}

// placeCloseOrdersLocked 为每个已成交且尚无止盈单的层级挂平仓单。
// 止盈价以实际成交均价为锚，保证实现价差恒等于配置间距。
func (e *Executor) placeCloseOrdersLocked() {
	for _, level := range e.levels {
		if level.State != models.LevelOpenOrderFilled || level.CloseOrder != nil {
			continue
		}

		closeSide := e.direction.CloseSide()
		closePrice := e.rules.SnapPriceForSide(
			e.direction.ClosePrice(level.FilledAtPrice, e.plan.Spacing), closeSide)
		qty := e.rules.SnapQty(level.FilledQty)
		if qty.IsZero() {
			continue
		}

		clientID := MakeClientID(e.direction, RoleClose, e.plan.EpochID, level.LevelID, level.Generation)
		order, err := e.session.PlaceLimitOrder(e.cfg.Symbol, closeSide,
			e.direction.PositionSide(), qty, closePrice, clientID)
		if err != nil {
			e.handlePlaceErrorLocked(level, err, clientID)
			continue
		}
		order.LevelID = level.LevelID
		order.PlacedAt = e.now()
		level.CloseOrder = order
		e.orders[order.ClientOrderID] = order
		e.setState(level, models.LevelCloseOrderPlaced)
		e.logger.Info("止盈单已挂出",
			zap.Int("level", level.LevelID),
			zap.String("side", string(closeSide)),
			zap.String("price", closePrice.String()),
			zap.String("qty", qty.String()))
	}
}

// recycleCompletedLocked 把完成一轮交易的层级复位，同一价位可再次交易。
func (e *Executor) recycleCompletedLocked() {
	for _, level := range e.levels {
		if level.State != models.LevelComplete {
			continue
		}
		if level.CloseOrder != nil {
			delete(e.orders, level.CloseOrder.ClientOrderID)
		}
		if level.OpenOrder != nil {
			delete(e.orders, level.OpenOrder.ClientOrderID)
		}
		e.setState(level, models.LevelNotActive)
		level.Reset()
	}
}

// placeOpenOrdersLocked 按准入策略挂新的开仓单。
func (e *Executor) placeOpenOrdersLocked() {
	if e.cfg.MaxOpenOrders <= 0 || e.mid.IsZero() {
		return
	}

	// 批次频率限制
	if !e.lastBatchAt.IsZero() &&
		e.now().Sub(e.lastBatchAt) < time.Duration(e.cfg.OrderFrequencyS*float64(time.Second)) {
		return
	}

	resting := 0
	for _, level := range e.levels {
		if level.State == models.LevelOpenOrderPlaced {
			resting++
		}
	}
	if resting >= e.cfg.MaxOpenOrders {
		return
	}

	slots := e.cfg.MaxOpenOrders - resting
	if slots > e.cfg.MaxOrdersPerBatch {
		slots = e.cfg.MaxOrdersPerBatch
	}
	upperSlots := int(float64(slots) * e.cfg.UpperLowerRatio)
	lowerSlots := slots - upperSlots

	upper, lower := e.eligibleCandidatesLocked()
	candidates := make([]*models.GridLevel, 0, slots)
	candidates = append(candidates, takeN(upper, upperSlots)...)
	candidates = append(candidates, takeN(lower, lowerSlots)...)
	if len(candidates) == 0 {
		return
	}

	placed := 0
	for _, level := range candidates {
		if e.placeOpenOrderLocked(level) {
			placed++
		}
	}
	if placed > 0 {
		e.lastBatchAt = e.now()
	}
}

// eligibleCandidatesLocked 返回激活窗口内、按与中间价距离升序
// （距离相同按层级ID升序）排好的上半区与下半区候选。
func (e *Executor) eligibleCandidatesLocked() (upper, lower []*models.GridLevel) {
	bounds := decimal.NewFromFloat(e.cfg.ActivationBounds)
	for _, level := range e.levels {
		if level.State != models.LevelNotActive {
			continue
		}
		dist := level.Price.Sub(e.mid).Abs().Div(e.mid)
		if dist.GreaterThan(bounds) {
			continue
		}
		switch level.Price.Cmp(e.mid) {
		case 1:
			upper = append(upper, level)
		case -1:
			lower = append(lower, level)
		}
	}
	byDistance := func(levels []*models.GridLevel) {
		sort.SliceStable(levels, func(i, j int) bool {
			di := levels[i].Price.Sub(e.mid).Abs()
			dj := levels[j].Price.Sub(e.mid).Abs()
			if di.Equal(dj) {
				return levels[i].LevelID < levels[j].LevelID
			}
			return di.LessThan(dj)
		})
	}
	byDistance(upper)
	byDistance(lower)
	return upper, lower
}

// placeOpenOrderLocked 对单个层级挂开仓单，返回是否成功。
func (e *Executor) placeOpenOrderLocked(level *models.GridLevel) bool {
	openSide := e.direction.OpenSide()
	price := e.openLimitPriceLocked(level.Price, openSide)
	qty := level.Quantity

	clientID := MakeClientID(e.direction, RoleOpen, e.plan.EpochID, level.LevelID, level.Generation)
	order, err := e.session.PlaceLimitOrder(e.cfg.Symbol, openSide,
		e.direction.PositionSide(), qty, price, clientID)
	if err != nil {
		e.handlePlaceErrorLocked(level, err, clientID)
		return false
	}
	order.LevelID = level.LevelID
	order.PlacedAt = e.now()
	level.OpenOrder = order
	e.orders[order.ClientOrderID] = order
	e.setState(level, models.LevelOpenOrderPlaced)
	e.logger.Info("开仓单已挂出",
		zap.Int("level", level.LevelID),
		zap.String("side", string(openSide)),
		zap.String("price", price.String()),
		zap.String("qty", qty.String()))
	return true
}

// openLimitPriceLocked 决定开仓限价：目标价会立即穿越盘口时，
// 退让到盘口同侧并附加安全价差，保证以挂单方式成交。
func (e *Executor) openLimitPriceLocked(target decimal.Decimal, side models.Side) decimal.Decimal {
	spread := decimal.NewFromFloat(e.cfg.SafeExtraSpread)
	one := decimal.NewFromInt(1)
	if side == models.Buy {
		if !e.bestAsk.IsZero() && target.GreaterThanOrEqual(e.bestAsk) {
			nudged := e.bestBid.Mul(one.Sub(spread))
			if nudged.LessThan(target) {
				target = nudged
			}
		}
	} else {
		if !e.bestBid.IsZero() && target.LessThanOrEqual(e.bestBid) {
			nudged := e.bestAsk.Mul(one.Add(spread))
			if nudged.GreaterThan(target) {
				target = nudged
			}
		}
	}
	return e.rules.SnapPriceForSide(target, side)
}

// cancelStaleOpenOrdersLocked 撤掉离开激活窗口或超时未成交的开仓挂单。
// 撤单成功后层级回到NOT_ACTIVE，代数递增以免旧回执串扰。
func (e *Executor) cancelStaleOpenOrdersLocked() {
	bounds := decimal.NewFromFloat(e.cfg.ActivationBounds)
	timeout := time.Duration(e.cfg.OrderTimeoutS * float64(time.Second))

	for _, level := range e.levels {
		if level.State != models.LevelOpenOrderPlaced || level.OpenOrder == nil {
			continue
		}
		stale := false
		if !e.mid.IsZero() {
			dist := level.Price.Sub(e.mid).Abs().Div(e.mid)
			stale = dist.GreaterThan(bounds)
		}
		if !stale && timeout > 0 && e.now().Sub(level.OpenOrder.PlacedAt) > timeout {
			stale = true
		}
		if !stale {
			continue
		}

		if err := e.session.CancelOrder(e.cfg.Symbol, level.OpenOrder.OrderID); err != nil {
			e.logger.Warn("撤销失效挂单失败",
				zap.Int("level", level.LevelID), zap.Error(err))
			continue
		}
		delete(e.orders, level.OpenOrder.ClientOrderID)
		level.OpenOrder = nil
		level.Generation++
		e.setState(level, models.LevelNotActive)
	}
}

// handlePlaceErrorLocked 对下单失败分级处理：明确拒单 → 本纪元FAILED；
// 超时 → 状态未知，先对账快照再决定；其余瞬时错误留在原状态等下轮重试。
func (e *Executor) handlePlaceErrorLocked(level *models.GridLevel, err error, clientID string) {
	switch {
	case errors.Is(err, models.ErrTimeout):
		e.logger.Warn("下单超时，对账确认订单状态", zap.Int("level", level.LevelID))
		e.adoptFromSnapshotLocked(level, clientID)
	case models.IsRejection(err):
		e.setState(level, models.LevelFailed)
		e.logger.Error("交易所拒单，层级在本纪元内停用",
			zap.Int("level", level.LevelID), zap.Error(err))
	default:
		e.logger.Warn("下单失败，等待下一轮重试",
			zap.Int("level", level.LevelID), zap.Error(err))
	}
}

// adoptFromSnapshotLocked 用挂单快照确认一笔状态未知的订单。
// 交易所侧存在则认领，否则层级保持原状态等待重试。
func (e *Executor) adoptFromSnapshotLocked(level *models.GridLevel, clientID string) {
	open, err := e.session.OpenOrders(e.cfg.Symbol)
	if err != nil {
		e.logger.Error("对账查询失败", zap.Error(err))
		return
	}
	for i := range open {
		if open[i].ClientOrderID != clientID {
			continue
		}
		order := &models.TrackedOrder{
			OrderID:       open[i].OrderID,
			ClientOrderID: clientID,
			LevelID:       level.LevelID,
			Side:          open[i].Side,
			PositionSide:  open[i].PositionSide,
			Price:         open[i].Price,
			Quantity:      open[i].OrigQty,
			FilledQty:     open[i].CumFilledQty,
			Status:        open[i].Status,
			PlacedAt:      e.now(),
		}
		e.orders[clientID] = order
		if order.Side == e.direction.OpenSide() {
			level.OpenOrder = order
			e.setState(level, models.LevelOpenOrderPlaced)
		} else {
			level.CloseOrder = order
			e.setState(level, models.LevelCloseOrderPlaced)
		}
		return
	}
}

func takeN(levels []*models.GridLevel, n int) []*models.GridLevel {
	if n > len(levels) {
		n = len(levels)
	}
	return levels[:n]
}
