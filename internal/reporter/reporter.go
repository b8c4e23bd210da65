package reporter

import (
	"os"
	"strconv"
	"time"

	"hedge-grid-bot-go/internal/controller"
	"hedge-grid-bot-go/internal/executor"
	"hedge-grid-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Reporter 周期性地把两个执行器的运行快照渲染成控制台表格。
// 只读：数据全部来自控制器暴露的快照视图。
type Reporter struct {
	ctrl     *controller.Controller
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New 创建状态报告器。
func New(ctrl *controller.Controller, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reporter{
		ctrl:     ctrl,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start 启动周期打印。
func (r *Reporter) Start() {
	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.printStatus()
			}
		}
	}()
}

// Stop 停止报告器。
func (r *Reporter) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// printStatus 渲染一次状态表。
func (r *Reporter) printStatus() {
	longSnap, shortSnap, ok := r.ctrl.Snapshots()
	if !ok {
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("对冲网格状态 %s", time.Now().Format("2006-01-02 15:04:05"))
	t.AppendHeader(table.Row{"", "做多网格", "做空网格"})
	t.AppendRows([]table.Row{
		{"纪元", longSnap.EpochID, shortSnap.EpochID},
		{"中间价", longSnap.Mid.String(), shortSnap.Mid.String()},
		{"开仓挂单", longSnap.RestingOpen, shortSnap.RestingOpen},
		{"止盈挂单", longSnap.RestingClose, shortSnap.RestingClose},
		{"持仓数量", longSnap.PositionQty.String(), shortSnap.PositionQty.String()},
		{"已完成轮次", longSnap.RoundTrips, shortSnap.RoundTrips},
		{"已实现盈亏", longSnap.RealizedPnL.String(), shortSnap.RealizedPnL.String()},
		{"层级分布", formatStates(longSnap), formatStates(shortSnap)},
		{"连接状态", connLabel(longSnap.Connected), connLabel(shortSnap.Connected)},
	})
	t.Render()
}

// formatStates 把层级状态计数压缩成一行。
func formatStates(snap executor.Snapshot) string {
	order := []models.LevelState{
		models.LevelNotActive,
		models.LevelOpenOrderPlaced,
		models.LevelOpenOrderFilled,
		models.LevelCloseOrderPlaced,
		models.LevelComplete,
		models.LevelFailed,
	}
	out := ""
	for _, state := range order {
		if n := snap.StateCounts[state]; n > 0 {
			if out != "" {
				out += " "
			}
			out += state.String() + ":" + strconv.Itoa(n)
		}
	}
	if out == "" {
		out = "-"
	}
	return out
}

func connLabel(connected bool) string {
	if connected {
		return "在线"
	}
	return "离线"
}
