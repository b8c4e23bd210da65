package executor

import (
	"sync"
	"time"

	"hedge-grid-bot-go/internal/exchange"
	"hedge-grid-bot-go/internal/gridengine"
	"hedge-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AuditSink 接收成交与状态迁移记录。实现为可选的只追加审计日志，
// 执行器不读取它，重启也不消费它。
type AuditSink interface {
	RecordTransition(direction string, epoch int64, levelID int, from, to string)
	RecordFill(direction string, epoch int64, levelID int, side string, price, qty string)
}

// Executor 是单账户的网格执行状态机。多空各实例化一个，方向差异
// 全部由 models.Direction 上的纯函数表达，状态机本身方向无关。
//
// 所有层级、跟踪订单与会话句柄都由本执行器独占；控制器只通过
// Snapshot() 读取监控视图，不触碰内部状态。
type Executor struct {
	direction models.Direction
	cfg       *models.Config
	plan      models.GridPlan
	rules     *models.SymbolRules
	session   exchange.Session
	logger    *zap.Logger
	sink      AuditSink

	mu     sync.Mutex
	levels []*models.GridLevel
	// 按客户端ID索引全部在途订单，回执与对账都从这里匹配
	orders map[string]*models.TrackedOrder

	mid      decimal.Decimal
	bestBid  decimal.Decimal
	bestAsk  decimal.Decimal
	lastTick time.Time

	lastBatchAt time.Time
	realizedPnL decimal.Decimal
	roundTrips  int

	executionEnabled bool
	connected        bool

	userEvents <-chan models.UserEvent
	tickers    <-chan models.BookTicker
	stopCh     chan struct{}
	doneCh     chan struct{}

	// 时钟注入点，测试用
	now func() time.Time
}

// Snapshot 是执行器状态的只读监控视图。
type Snapshot struct {
	Direction     models.Direction
	EpochID       int64
	Connected     bool
	LastHeartbeat time.Time
	Mid           decimal.Decimal
	RestingOpen   int
	RestingClose  int
	StateCounts   map[models.LevelState]int
	PositionQty   decimal.Decimal
	RealizedPnL   decimal.Decimal
	RoundTrips    int
}

// New 按蓝图构建一个方向的执行器。层级阵列由蓝图生成，
// 两个执行器拿到的价格点与层级ID完全一致。
func New(direction models.Direction, cfg *models.Config, plan models.GridPlan,
	rules *models.SymbolRules, session exchange.Session, sink AuditSink, logger *zap.Logger) *Executor {
	return &Executor{
		direction: direction,
		cfg:       cfg,
		plan:      plan,
		rules:     rules,
		session:   session,
		sink:      sink,
		logger:    logger,
		levels:    gridengine.BuildLevels(&plan, rules),
		orders:    make(map[string]*models.TrackedOrder),
		// 盘口未就绪前以通道中间价为参考
		mid:              plan.Mid(),
		executionEnabled: true,
		connected:        true,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
		now:              time.Now,
	}
}

// Start 订阅行情与用户数据流并启动控制循环。
func (e *Executor) Start() error {
	userEvents, err := e.session.SubscribeUserStream()
	if err != nil {
		return err
	}
	tickers, err := e.session.SubscribeBookTicker(e.cfg.Symbol)
	if err != nil {
		return err
	}
	e.userEvents = userEvents
	e.tickers = tickers

	go e.controlLoop()
	e.logger.Info("执行器已启动",
		zap.String("direction", e.direction.String()),
		zap.Int64("epoch", e.plan.EpochID),
		zap.Int("levels", len(e.levels)))
	return nil
}

// controlLoop 是执行器唯一的事件消费者：定时tick驱动，
// 行情与用户事件到达时也会唤醒。
func (e *Executor) controlLoop() {
	defer close(e.doneCh)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case tick, ok := <-e.tickers:
			if !ok {
				continue
			}
			e.mu.Lock()
			e.bestBid = tick.BestBid
			e.bestAsk = tick.BestAsk
			e.mid = tick.Mid()
			e.lastTick = tick.Time
			e.connected = true
			e.mu.Unlock()
		case event, ok := <-e.userEvents:
			if !ok {
				e.mu.Lock()
				e.connected = false
				e.mu.Unlock()
				continue
			}
			e.handleUserEvent(event)
			e.Tick()
		case <-ticker.C:
			e.Tick()
		}
	}
}

// DisableExecution 停止接纳新的开仓批次；已有订单与在途事件继续处理。
func (e *Executor) DisableExecution() {
	e.mu.Lock()
	e.executionEnabled = false
	e.mu.Unlock()
}

// EnableExecution 恢复开仓准入，用于断流恢复后的重新放行。
func (e *Executor) EnableExecution() {
	e.mu.Lock()
	e.executionEnabled = true
	e.mu.Unlock()
}

// Stop 结束控制循环。调用前通常先DisableExecution并等待事件沉降。
func (e *Executor) Stop() {
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
	<-e.doneCh
	e.logger.Info("执行器已停止", zap.String("direction", e.direction.String()))
}

// Snapshot 返回监控快照。
func (e *Executor) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		Direction:     e.direction,
		EpochID:       e.plan.EpochID,
		Connected:     e.connected,
		LastHeartbeat: e.lastTick,
		Mid:           e.mid,
		StateCounts:   make(map[models.LevelState]int, 6),
		RealizedPnL:   e.realizedPnL,
		RoundTrips:    e.roundTrips,
	}
	for _, level := range e.levels {
		snap.StateCounts[level.State]++
		switch level.State {
		case models.LevelOpenOrderPlaced:
			snap.RestingOpen++
		case models.LevelCloseOrderPlaced:
			snap.RestingClose++
			snap.PositionQty = snap.PositionQty.Add(level.FilledQty)
		case models.LevelOpenOrderFilled:
			snap.PositionQty = snap.PositionQty.Add(level.FilledQty)
		}
	}
	return snap
}

// Mid 返回执行器看到的最新中间价。
func (e *Executor) Mid() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mid
}

// Direction 返回执行器方向。
func (e *Executor) Direction() models.Direction {
	return e.direction
}

// setState 统一的状态迁移入口，负责审计记录。
func (e *Executor) setState(level *models.GridLevel, to models.LevelState) {
	from := level.State
	if from == to {
		return
	}
	level.State = to
	if e.sink != nil {
		e.sink.RecordTransition(e.direction.String(), e.plan.EpochID, level.LevelID, from.String(), to.String())
	}
}
