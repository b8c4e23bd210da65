package account

import (
	"fmt"

	"hedge-grid-bot-go/internal/exchange"
	"hedge-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Manager 持有做多与做空两个账户会话，向上层暴露统一的
// 初始化、启动前检查与清仓入口。热路径上执行器直接持有自己的
// 会话，本管理器只在生命周期转换时介入。
type Manager struct {
	longSession  exchange.Session
	shortSession exchange.Session
	cfg          *models.Config
	logger       *zap.Logger
	rules        *models.SymbolRules
	leverage     int // SetLeverage应用后的值，供保证金率估算
}

// NewManager 创建双账户管理器。
func NewManager(longSession, shortSession exchange.Session, cfg *models.Config, logger *zap.Logger) *Manager {
	return &Manager{
		longSession:  longSession,
		shortSession: shortSession,
		cfg:          cfg,
		logger:       logger,
	}
}

// Session 返回指定方向的会话。
func (m *Manager) Session(dir models.Direction) exchange.Session {
	if dir == models.DirectionLong {
		return m.longSession
	}
	return m.shortSession
}

// Rules 返回初始化时校验过的交易规则。
func (m *Manager) Rules() *models.SymbolRules {
	return m.rules
}

// Initialize 校验连通性，把两个账户都切到双向持仓模式，
// 并确认两侧的交易规则一致。规则不一致意味着两侧网格会错位，
// 直接拒绝启动。
func (m *Manager) Initialize() error {
	for _, s := range []exchange.Session{m.longSession, m.shortSession} {
		if _, err := s.ServerTime(); err != nil {
			return fmt.Errorf("账户连通性检查失败: %w", err)
		}
		if err := s.SetPositionMode(true); err != nil {
			return fmt.Errorf("设置双向持仓模式失败: %w", err)
		}
	}

	longRules, err := m.longSession.SymbolRules(m.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("获取做多账户交易规则失败: %w", err)
	}
	shortRules, err := m.shortSession.SymbolRules(m.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("获取做空账户交易规则失败: %w", err)
	}
	if !longRules.Matches(shortRules) {
		return &models.PreconditionError{Reason: "两个账户的交易规则不一致"}
	}
	m.rules = longRules

	m.logger.Info("双账户初始化完成",
		zap.String("symbol", m.cfg.Symbol),
		zap.String("tick", m.rules.TickSize.String()),
		zap.String("step", m.rules.StepSize.String()))
	return nil
}

// SetLeverage 把蓝图确定的杠杆应用到两个账户。
func (m *Manager) SetLeverage(leverage int) error {
	if err := m.longSession.SetLeverage(m.cfg.Symbol, leverage); err != nil {
		return fmt.Errorf("做多账户设置杠杆失败: %w", err)
	}
	if err := m.shortSession.SetLeverage(m.cfg.Symbol, leverage); err != nil {
		return fmt.Errorf("做空账户设置杠杆失败: %w", err)
	}
	m.leverage = leverage
	return nil
}

// PreFlight 要求两个账户都是空仓且无挂单。force_flatten_on_start
// 配置开启时会先清仓清单再复查，否则直接返回PreconditionFailed。
func (m *Manager) PreFlight() error {
	if m.cfg.ForceFlattenOnStart {
		m.logger.Warn("启动前强制清理两个账户的挂单与持仓")
		m.CancelAll()
		m.CloseAll()
	}

	for dir, s := range map[models.Direction]exchange.Session{
		models.DirectionLong:  m.longSession,
		models.DirectionShort: m.shortSession,
	} {
		orders, err := s.OpenOrders(m.cfg.Symbol)
		if err != nil {
			return fmt.Errorf("查询挂单失败: %w", err)
		}
		if len(orders) > 0 {
			return &models.PreconditionError{
				Reason: fmt.Sprintf("%s账户存在%d张挂单", dir, len(orders)),
			}
		}
		positions, err := s.Positions(m.cfg.Symbol)
		if err != nil {
			return fmt.Errorf("查询持仓失败: %w", err)
		}
		if len(positions) > 0 {
			return &models.PreconditionError{
				Reason: fmt.Sprintf("%s账户存在未平仓位", dir),
			}
		}
	}

	for _, dir := range []models.Direction{models.DirectionLong, models.DirectionShort} {
		balance, err := m.Balance(dir)
		if err != nil {
			return fmt.Errorf("查询余额失败: %w", err)
		}
		if !balance.IsPositive() {
			return &models.PreconditionError{
				Reason: fmt.Sprintf("%s账户%s余额不足", dir, m.cfg.QuoteAsset),
			}
		}
	}

	m.logger.Info("启动前检查通过：双账户均为空仓且余额充足")
	return nil
}

// Balance 返回指定方向账户的计价货币余额。
func (m *Manager) Balance(dir models.Direction) (decimal.Decimal, error) {
	return m.Session(dir).Balance(m.cfg.QuoteAsset)
}

// MinBalance 返回两个账户中较小的余额，蓝图用它保证两侧资金对称。
// 偏差超过容忍度时告警但不阻止启动。
func (m *Manager) MinBalance() (decimal.Decimal, error) {
	longBal, err := m.Balance(models.DirectionLong)
	if err != nil {
		return decimal.Zero, err
	}
	shortBal, err := m.Balance(models.DirectionShort)
	if err != nil {
		return decimal.Zero, err
	}

	if !m.BalancesEqualWithin(longBal, shortBal) {
		m.logger.Warn("双账户余额偏差超出容忍度",
			zap.String("long", longBal.String()),
			zap.String("short", shortBal.String()),
			zap.Float64("tolerance_pct", m.cfg.BalanceTolerancePct))
	}

	if longBal.LessThan(shortBal) {
		return longBal, nil
	}
	return shortBal, nil
}

// BalancesEqualWithin 判断两侧余额偏差是否在容忍度内。
func (m *Manager) BalancesEqualWithin(a, b decimal.Decimal) bool {
	larger := decimal.Max(a, b)
	if larger.IsZero() {
		return true
	}
	skew := a.Sub(b).Abs().Div(larger)
	return skew.LessThanOrEqual(decimal.NewFromFloat(m.cfg.BalanceTolerancePct))
}

// CancelAll 撤掉两个账户的全部挂单，尽力而为且幂等。
func (m *Manager) CancelAll() {
	for dir, s := range map[models.Direction]exchange.Session{
		models.DirectionLong:  m.longSession,
		models.DirectionShort: m.shortSession,
	} {
		if err := s.CancelAllOpenOrders(m.cfg.Symbol); err != nil {
			m.logger.Error("撤销全部挂单失败", zap.String("direction", dir.String()), zap.Error(err))
		}
	}
}

// CloseAll 市价平掉两个账户的全部残余持仓，尽力而为且幂等。
func (m *Manager) CloseAll() {
	for dir, s := range map[models.Direction]exchange.Session{
		models.DirectionLong:  m.longSession,
		models.DirectionShort: m.shortSession,
	} {
		positions, err := s.Positions(m.cfg.Symbol)
		if err != nil {
			m.logger.Error("查询持仓失败", zap.String("direction", dir.String()), zap.Error(err))
			continue
		}
		for _, pos := range positions {
			qty := pos.PositionAmt.Abs()
			if qty.IsZero() {
				continue
			}
			side := models.Sell
			if pos.PositionSide == models.PositionShort {
				side = models.Buy
			}
			if err := s.PlaceMarketClose(m.cfg.Symbol, side, pos.PositionSide, qty); err != nil {
				m.logger.Error("市价平仓失败",
					zap.String("direction", dir.String()),
					zap.String("position_side", string(pos.PositionSide)),
					zap.Error(err))
			}
		}
	}
}

// BothFlat 复查两个账户是否均无挂单无持仓。
func (m *Manager) BothFlat() (bool, error) {
	for _, s := range []exchange.Session{m.longSession, m.shortSession} {
		orders, err := s.OpenOrders(m.cfg.Symbol)
		if err != nil {
			return false, err
		}
		positions, err := s.Positions(m.cfg.Symbol)
		if err != nil {
			return false, err
		}
		if len(orders) > 0 || len(positions) > 0 {
			return false, nil
		}
	}
	return true, nil
}

// Status 汇总一个账户的监控快照。
func (m *Manager) Status(dir models.Direction) (*models.AccountStatus, error) {
	s := m.Session(dir)
	balance, err := s.Balance(m.cfg.QuoteAsset)
	if err != nil {
		return nil, err
	}
	orders, err := s.OpenOrders(m.cfg.Symbol)
	if err != nil {
		return nil, err
	}
	positions, err := s.Positions(m.cfg.Symbol)
	if err != nil {
		return nil, err
	}

	status := &models.AccountStatus{
		Balance:        balance,
		OpenOrderCount: len(orders),
		Connected:      true,
	}
	notional := decimal.Zero
	for _, pos := range positions {
		status.PositionSize = status.PositionSize.Add(pos.PositionAmt.Abs())
		status.EntryPrice = pos.EntryPrice
		status.UnrealizedPnL = status.UnrealizedPnL.Add(pos.UnrealizedPnL)
		notional = notional.Add(pos.PositionAmt.Abs().Mul(pos.EntryPrice))
	}
	// 保证金率估算：占用保证金(名义价值/杠杆) 相对账户权益的比例
	leverage := m.leverage
	if leverage < 1 {
		leverage = 1
	}
	equity := balance.Add(status.UnrealizedPnL)
	if equity.IsPositive() && notional.IsPositive() {
		usedMargin := notional.Div(decimal.NewFromInt(int64(leverage)))
		status.MarginRatio = usedMargin.Div(equity)
	}
	return status, nil
}
