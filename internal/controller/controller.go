package controller

import (
	"fmt"
	"sync"
	"time"

	"hedge-grid-bot-go/internal/account"
	"hedge-grid-bot-go/internal/atr"
	"hedge-grid-bot-go/internal/executor"
	"hedge-grid-bot-go/internal/gridengine"
	"hedge-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// State 是控制器生命周期状态。
type State int

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped // 停机后的状态；由紧急平仓进入时不经操作员确认不得重启
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateDraining:
		return "DRAINING"
	case StateStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// Controller 协调两个执行器：原子地成对启停、周期性风控、
// 紧急平仓。它只持有执行器的只读快照视图，生命周期指令单向下发，
// 执行器从不反向引用控制器。
type Controller struct {
	cfg     *models.Config
	manager *account.Manager
	sink    executor.AuditSink
	logger  *zap.Logger

	// computeATR 拉取K线并计算通道，测试可注入
	computeATR func() (*models.ATRResult, error)

	mu             sync.Mutex
	state          State
	engine         *gridengine.Engine
	plan           *models.GridPlan
	longExec       *executor.Executor
	shortExec      *executor.Executor
	initialBalance decimal.Decimal
	unwound        bool

	disconnectSince time.Time
	drainedByStream bool

	stopCh   chan struct{}
	riskDone chan struct{}
}

// New 创建同步控制器。
func New(cfg *models.Config, manager *account.Manager, sink executor.AuditSink, logger *zap.Logger) *Controller {
	c := &Controller{
		cfg:     cfg,
		manager: manager,
		sink:    sink,
		logger:  logger,
	}
	c.computeATR = func() (*models.ATRResult, error) {
		limit := cfg.ATRLength + cfg.ATRLookback + 50
		bars, err := manager.Session(models.DirectionLong).FetchOHLCV(cfg.Symbol, cfg.ATRTimeframe, limit)
		if err != nil {
			return nil, err
		}
		return atr.ComputeChannel(bars, atr.Config{
			Length:     cfg.ATRLength,
			Multiplier: cfg.ATRMultiplier,
			Lookback:   cfg.ATRLookback,
		})
	}
	return c
}

// SetATRSource 覆盖通道计算来源（测试注入）。
func (c *Controller) SetATRSource(f func() (*models.ATRResult, error)) {
	c.computeATR = f
}

// Start 执行启动序列：初始化 → 启动前检查 → 计算蓝图 →
// 成对构建并启动执行器 → 启动风控循环。任一步失败则整体失败。
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.state == StateStopped && c.unwound {
		c.mu.Unlock()
		return fmt.Errorf("控制器处于紧急停止状态，需操作员确认后重建进程")
	}
	if c.state == StateRunning {
		c.mu.Unlock()
		return fmt.Errorf("控制器已在运行")
	}
	c.mu.Unlock()

	if err := c.manager.Initialize(); err != nil {
		return err
	}
	if err := c.manager.PreFlight(); err != nil {
		return err
	}

	if err := c.startEpoch(); err != nil {
		return err
	}

	c.mu.Lock()
	c.state = StateRunning
	c.stopCh = make(chan struct{})
	c.riskDone = make(chan struct{})
	c.mu.Unlock()

	go c.riskLoop()
	c.logger.Info("对冲网格已启动", zap.Int64("epoch", c.plan.EpochID))
	return nil
}

// startEpoch 计算新蓝图并成对启动两个执行器。
func (c *Controller) startEpoch() error {
	atrRes, err := c.computeATR()
	if err != nil {
		return fmt.Errorf("ATR通道计算失败: %w", err)
	}

	longBal, err := c.manager.Balance(models.DirectionLong)
	if err != nil {
		return err
	}
	shortBal, err := c.manager.Balance(models.DirectionShort)
	if err != nil {
		return err
	}
	minBalance, err := c.manager.MinBalance()
	if err != nil {
		return err
	}

	if c.engine == nil {
		c.engine = gridengine.NewEngine(c.cfg, c.manager.Rules(), c.logger.Named("engine"))
	}
	plan, err := c.engine.BuildPlan(atrRes, minBalance)
	if err != nil {
		return err
	}

	if err := c.manager.SetLeverage(plan.UsableLeverage); err != nil {
		return err
	}

	longExec := executor.New(models.DirectionLong, c.cfg, plan.Clone(),
		c.manager.Rules(), c.manager.Session(models.DirectionLong), c.sink, c.logger.Named("long"))
	shortExec := executor.New(models.DirectionShort, c.cfg, plan.Clone(),
		c.manager.Rules(), c.manager.Session(models.DirectionShort), c.sink, c.logger.Named("short"))

	if err := longExec.Start(); err != nil {
		return fmt.Errorf("做多执行器启动失败: %w", err)
	}
	if err := shortExec.Start(); err != nil {
		longExec.Stop()
		return fmt.Errorf("做空执行器启动失败: %w", err)
	}

	c.mu.Lock()
	c.plan = plan
	c.longExec = longExec
	c.shortExec = shortExec
	c.initialBalance = longBal.Add(shortBal)
	c.disconnectSince = time.Time{}
	c.drainedByStream = false
	c.mu.Unlock()
	return nil
}

// Stop 优雅停机：停止开新仓，等在途事件沉降，撤掉全部挂单，
// 成对停止执行器。持仓保留，由操作员决定是否平掉。
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	c.state = StateDraining
	longExec, shortExec := c.longExec, c.shortExec
	stopCh, riskDone := c.stopCh, c.riskDone
	c.mu.Unlock()

	c.logger.Info("开始排空停机")
	if longExec != nil {
		longExec.DisableExecution()
	}
	if shortExec != nil {
		shortExec.DisableExecution()
	}

	// 给在途回执一个沉降窗口
	time.Sleep(500 * time.Millisecond)

	c.manager.CancelAll()

	close(stopCh)
	<-riskDone
	if longExec != nil {
		longExec.Stop()
	}
	if shortExec != nil {
		shortExec.Stop()
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	c.logger.Info("对冲网格已停止")
}

// EmergencyUnwind 紧急平仓：双账户撤单、市价平掉残余持仓、
// 进入STOPPED并拒绝重启。幂等：重复触发只生效一次。
func (c *Controller) EmergencyUnwind(reason string) {
	c.mu.Lock()
	if c.unwound {
		c.mu.Unlock()
		return
	}
	c.unwound = true
	longExec, shortExec := c.longExec, c.shortExec
	c.mu.Unlock()

	c.logger.Error("触发紧急平仓", zap.String("reason", reason))

	if longExec != nil {
		longExec.DisableExecution()
	}
	if shortExec != nil {
		shortExec.DisableExecution()
	}

	c.manager.CancelAll()
	c.manager.CloseAll()

	if flat, err := c.manager.BothFlat(); err != nil || !flat {
		c.logger.Error("紧急平仓后仍有残余持仓或挂单，需人工介入",
			zap.Bool("flat", flat), zap.Error(err))
	}

	if longExec != nil {
		longExec.Stop()
	}
	if shortExec != nil {
		shortExec.Stop()
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()

	// 最终状态记录，供事后排查
	if longExec != nil && shortExec != nil {
		longSnap, shortSnap := longExec.Snapshot(), shortExec.Snapshot()
		c.logger.Info("紧急平仓完成",
			zap.String("reason", reason),
			zap.Int64("epoch", longSnap.EpochID),
			zap.Int("long_round_trips", longSnap.RoundTrips),
			zap.Int("short_round_trips", shortSnap.RoundTrips),
			zap.String("long_realized_pnl", longSnap.RealizedPnL.String()),
			zap.String("short_realized_pnl", shortSnap.RealizedPnL.String()))
	}
}

// State 返回控制器当前状态。
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshots 返回两个执行器的监控快照。
func (c *Controller) Snapshots() (long, short executor.Snapshot, ok bool) {
	c.mu.Lock()
	longExec, shortExec := c.longExec, c.shortExec
	c.mu.Unlock()
	if longExec == nil || shortExec == nil {
		return executor.Snapshot{}, executor.Snapshot{}, false
	}
	return longExec.Snapshot(), shortExec.Snapshot(), true
}

// riskLoop 以固定节奏做风控检查。每次检查读取一组原子快照，
// 不会交错读取两个执行器的中间状态。
func (c *Controller) riskLoop() {
	c.riskLoopWith(c.stopCh, c.riskDone)
}

func (c *Controller) riskLoopWith(stopCh chan struct{}, done chan struct{}) {
	defer close(done)
	interval := time.Duration(c.cfg.RiskCheckIntervalS * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if c.RunRiskCheck() {
				return
			}
		}
	}
}

// RunRiskCheck 执行一轮风控检查，返回true表示已触发终态。
// 导出供测试直接驱动。
func (c *Controller) RunRiskCheck() bool {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return true
	}
	plan := c.plan
	longExec, shortExec := c.longExec, c.shortExec
	initialBalance := c.initialBalance
	c.mu.Unlock()

	longSnap := longExec.Snapshot()
	shortSnap := shortExec.Snapshot()

	// 1. 通道突破
	mid := longSnap.Mid
	if mid.IsZero() {
		mid = shortSnap.Mid
	}
	if !mid.IsZero() && (mid.GreaterThan(plan.StopUpper) || mid.LessThan(plan.StopLower)) {
		breach := &models.RiskBreachError{Rule: "channel_breakout",
			Detail: fmt.Sprintf("mid=%s 超出 [%s, %s]", mid, plan.StopLower, plan.StopUpper)}
		c.EmergencyUnwind(breach.Error())
		c.maybeResetEpoch()
		return true
	}

	// 2. 保证金率与合计回撤
	totalUnrealized := decimal.Zero
	for _, dir := range []models.Direction{models.DirectionLong, models.DirectionShort} {
		status, err := c.manager.Status(dir)
		if err != nil {
			c.logger.Warn("账户状态查询失败", zap.String("direction", dir.String()), zap.Error(err))
			continue
		}
		if status.MarginRatio.GreaterThan(decimal.NewFromFloat(c.cfg.MaxMarginRatio)) {
			breach := &models.RiskBreachError{Rule: "margin_ratio",
				Detail: fmt.Sprintf("%s账户保证金率%s", dir, status.MarginRatio)}
			c.EmergencyUnwind(breach.Error())
			return true
		}
		totalUnrealized = totalUnrealized.Add(status.UnrealizedPnL)
	}
	if initialBalance.IsPositive() {
		drawdown := totalUnrealized.Div(initialBalance)
		if drawdown.LessThan(decimal.NewFromFloat(-c.cfg.MaxDrawdownPct)) {
			breach := &models.RiskBreachError{Rule: "drawdown",
				Detail: fmt.Sprintf("合计未实现盈亏占比%s", drawdown)}
			c.EmergencyUnwind(breach.Error())
			return true
		}
	}

	// 3. 断流宽限
	c.checkDisconnect(longSnap, shortSnap)
	return false
}

// checkDisconnect 处理行情/用户流失联：超过宽限期先排空，
// 恢复则重新放行；持续失联达两倍宽限期则紧急平仓。
func (c *Controller) checkDisconnect(longSnap, shortSnap executor.Snapshot) {
	grace := time.Duration(c.cfg.DisconnectGraceS * float64(time.Second))
	if grace <= 0 {
		return
	}

	stale := func(snap executor.Snapshot) bool {
		return !snap.LastHeartbeat.IsZero() && time.Since(snap.LastHeartbeat) > grace
	}
	disconnected := !longSnap.Connected || !shortSnap.Connected ||
		stale(longSnap) || stale(shortSnap)

	c.mu.Lock()
	longExec, shortExec := c.longExec, c.shortExec
	if disconnected {
		if c.disconnectSince.IsZero() {
			c.disconnectSince = time.Now()
		}
		elapsed := time.Since(c.disconnectSince)
		c.mu.Unlock()

		if elapsed > 2*grace {
			c.EmergencyUnwind("数据流持续失联，恢复失败")
			return
		}
		// 心跳未超时、仅报告断开时，断开持续超过宽限期才排空
		if elapsed <= grace && !stale(longSnap) && !stale(shortSnap) {
			return
		}
		if !c.drainedByStream {
			c.logger.Warn("数据流失联超过宽限期，暂停开新仓等待恢复")
			longExec.DisableExecution()
			shortExec.DisableExecution()
			c.mu.Lock()
			c.drainedByStream = true
			c.mu.Unlock()
		}
		return
	}

	if c.drainedByStream {
		c.logger.Info("数据流已恢复，重新放行开仓")
		c.drainedByStream = false
		c.disconnectSince = time.Time{}
		c.mu.Unlock()
		longExec.EnableExecution()
		shortExec.EnableExecution()
		return
	}
	c.disconnectSince = time.Time{}
	c.mu.Unlock()
}

// maybeResetEpoch 通道突破平仓后的可选复位：确认双账户已空仓，
// 冷却一个风控周期后用新的K线重算通道，以新纪元重启两个执行器。
func (c *Controller) maybeResetEpoch() {
	if !c.cfg.ResetOnChannelBreakout {
		return
	}

	flat, err := c.manager.BothFlat()
	if err != nil || !flat {
		c.logger.Error("纪元复位放弃：账户未确认空仓", zap.Error(err))
		return
	}

	// 冷却后从新的K线重算，绝不使用触发突破的那根K线
	time.Sleep(time.Duration(c.cfg.RiskCheckIntervalS * float64(time.Second)))

	c.mu.Lock()
	c.unwound = false
	c.state = StateIdle
	c.mu.Unlock()

	c.logger.Info("通道突破后开始纪元复位")
	if err := c.startEpoch(); err != nil {
		c.logger.Error("纪元复位失败，保持停止状态", zap.Error(err))
		c.mu.Lock()
		c.state = StateStopped
		c.unwound = true
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.state = StateRunning
	// 旧风控循环随本轮检查退出，为新纪元另起一轮
	c.stopCh = make(chan struct{})
	c.riskDone = make(chan struct{})
	c.mu.Unlock()

	go c.riskLoopWith(c.stopCh, c.riskDone)
	c.logger.Info("纪元复位完成", zap.Int64("epoch", c.plan.EpochID))
}

// Plan 返回当前蓝图的副本。
func (c *Controller) Plan() (models.GridPlan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plan == nil {
		return models.GridPlan{}, false
	}
	return c.plan.Clone(), true
}
