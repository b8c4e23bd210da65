package atr

import (
	"fmt"
	"time"

	"hedge-grid-bot-go/internal/models"

	talib "github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
)

// Config 是ATR通道的计算参数。
type Config struct {
	Length     int     // RMA平滑周期
	Multiplier float64 // 通道半宽的ATR倍数
	Lookback   int     // 通道高低点回看的K线数量
}

// ComputeChannel 从历史K线计算ATR通道。
//
// ATR使用Wilder的RMA平滑（talib.Atr即该算法：前length根TR的均值做种子，
// 之后 ATR_i = ((length-1)*ATR_{i-1} + TR_i) / length）。通道为：
//
//	upper = 回看窗口内最高价 + multiplier*ATR
//	lower = 回看窗口内最低价 - multiplier*ATR
//
// 计算结果在一个纪元内视为常量。浮点运算只发生在这里；
// 结果转为decimal后进入订单路径前还会按tick对齐。
func ComputeChannel(bars []models.OHLCV, cfg Config) (*models.ATRResult, error) {
	if cfg.Length <= 0 {
		return nil, fmt.Errorf("ATR周期必须为正: %d", cfg.Length)
	}
	if cfg.Lookback <= 0 {
		return nil, fmt.Errorf("回看窗口必须为正: %d", cfg.Lookback)
	}
	// TR需要前一根收盘价，RMA需要length根TR做种子
	need := cfg.Length + 1
	if need < cfg.Lookback {
		need = cfg.Lookback
	}
	if len(bars) < need {
		return nil, fmt.Errorf("K线数据不足: 需要至少%d根，实际%d根", need, len(bars))
	}

	high := make([]float64, len(bars))
	low := make([]float64, len(bars))
	closePx := make([]float64, len(bars))
	for i, b := range bars {
		high[i] = b.High
		low[i] = b.Low
		closePx[i] = b.Close
	}

	atrSeries := talib.Atr(high, low, closePx, cfg.Length)
	atrValue := atrSeries[len(atrSeries)-1]
	if atrValue <= 0 {
		return nil, fmt.Errorf("ATR计算结果无效: %f", atrValue)
	}

	// 回看窗口内的最高价与最低价
	maxHigh := high[len(high)-cfg.Lookback]
	minLow := low[len(low)-cfg.Lookback]
	for _, h := range high[len(high)-cfg.Lookback:] {
		if h > maxHigh {
			maxHigh = h
		}
	}
	for _, l := range low[len(low)-cfg.Lookback:] {
		if l < minLow {
			minLow = l
		}
	}

	halfWidth := atrValue * cfg.Multiplier
	upper := maxHigh + halfWidth
	lower := minLow - halfWidth
	if lower >= upper {
		return nil, fmt.Errorf("ATR通道退化: lower=%f >= upper=%f", lower, upper)
	}

	return &models.ATRResult{
		ATR:        decimal.NewFromFloat(atrValue),
		UpperBound: decimal.NewFromFloat(upper),
		LowerBound: decimal.NewFromFloat(lower),
		ComputedAt: time.Now().UTC(),
	}, nil
}
