package gridengine

import (
	"sync/atomic"

	"hedge-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// 自适应迭代上限
	maxAdaptIterations = 10
	maxSpacingMult     = 5.0
	// 间距防退化边界：相对中间价
	minSpacingPct = 0.001
	maxSpacingPct = 0.05
)

// Engine 融合ATR通道、账户余额、交易规则与配置，产出网格蓝图。
// 蓝图是两个执行器唯一的共享输入；发布后在纪元内不可变。
type Engine struct {
	cfg    *models.Config
	rules  *models.SymbolRules
	logger *zap.Logger
	epoch  atomic.Int64
}

// NewEngine 创建参数引擎。
func NewEngine(cfg *models.Config, rules *models.SymbolRules, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg, rules: rules, logger: logger}
}

// BuildPlan 以递增的纪元号发布一份新蓝图。
// balance应传入两个账户中较小的余额，保证两侧资金对称。
func (e *Engine) BuildPlan(atrRes *models.ATRResult, balance decimal.Decimal) (*models.GridPlan, error) {
	plan, err := ComputePlan(atrRes, balance, e.rules, e.cfg, e.epoch.Add(1))
	if err != nil {
		return nil, err
	}
	e.logger.Info("网格蓝图已发布",
		zap.Int64("epoch", plan.EpochID),
		zap.String("upper", plan.Upper.String()),
		zap.String("lower", plan.Lower.String()),
		zap.String("spacing", plan.Spacing.String()),
		zap.Int("levels", plan.LevelsCount),
		zap.String("notional_per_level", plan.NotionalPerLevel.String()),
		zap.Int("leverage", plan.UsableLeverage))
	return plan, nil
}

// ComputePlan 是蓝图推导的纯函数：相同输入必然产出相同蓝图。
// 算法：间距 → 层数 → 杠杆 → 每层名义价值；不满足最小名义价值时
// 放大间距倍数自适应重试，超出迭代预算则返回InfeasiblePlan。
func ComputePlan(atrRes *models.ATRResult, balance decimal.Decimal,
	rules *models.SymbolRules, cfg *models.Config, epochID int64) (*models.GridPlan, error) {

	upper := rules.SnapPrice(atrRes.UpperBound)
	lower := rules.SnapPrice(atrRes.LowerBound)
	mid := upper.Add(lower).Div(decimal.NewFromInt(2))

	mult := cfg.SpacingMultiplier
	iter := 0
	for ; iter < maxAdaptIterations && mult <= maxSpacingMult; iter++ {
		// 1. 间距：atr*倍数，对齐到tick并施加防退化边界
		spacing := computeSpacing(atrRes.ATR, mult, mid, rules)

		// 2. 层数
		levels := int(upper.Sub(lower).Div(spacing).IntPart())
		maxLevels := cfg.MaxOpenOrders * 2
		if maxLevels < 1 {
			maxLevels = 1
		}
		if levels > maxLevels {
			levels = maxLevels
		}
		if levels < 1 {
			levels = 1
		}

		// 3. 杠杆：按名义价值档位取维持保证金率，推理论最大杠杆
		tierNotional := balance.
			Mul(decimal.NewFromFloat(cfg.UtilizationRatio)).
			Mul(decimal.NewFromInt(int64(cfg.MaxLeverageLimit)))
		bracket, err := rules.BracketFor(tierNotional)
		if err != nil {
			return nil, err
		}
		leverage := usableLeverage(bracket, lower, mid, cfg)

		// 4. 每层名义价值
		totalNotional := balance.
			Mul(decimal.NewFromFloat(cfg.UtilizationRatio)).
			Mul(decimal.NewFromInt(int64(leverage)))
		perLevel := totalNotional.Div(decimal.NewFromInt(int64(levels)))

		if perLevel.LessThan(rules.MinNotional) {
			// 自适应：放大间距 → 更少层级 → 更高单层投入
			mult *= 1.1
			continue
		}

		return &models.GridPlan{
			Upper:            upper,
			Lower:            lower,
			Spacing:          spacing,
			LevelsCount:      levels,
			NotionalPerLevel: perLevel,
			UsableLeverage:   leverage,
			StopUpper:        upper,
			StopLower:        lower,
			ComputedAt:       atrRes.ComputedAt,
			EpochID:          epochID,
		}, nil
	}

	return nil, &models.InfeasiblePlanError{Iterations: iter, Multiplier: mult}
}

// computeSpacing 推导并约束网格间距。
func computeSpacing(atr decimal.Decimal, mult float64, mid decimal.Decimal, rules *models.SymbolRules) decimal.Decimal {
	spacing := atr.Mul(decimal.NewFromFloat(mult))

	minSpacing := mid.Mul(decimal.NewFromFloat(minSpacingPct))
	maxSpacing := mid.Mul(decimal.NewFromFloat(maxSpacingPct))
	if spacing.LessThan(minSpacing) {
		spacing = minSpacing
	}
	if spacing.GreaterThan(maxSpacing) {
		spacing = maxSpacing
	}

	spacing = rules.SnapPrice(spacing)
	if spacing.LessThan(rules.TickSize) {
		spacing = rules.TickSize
	}
	return spacing
}

// usableLeverage 计算做多侧最坏情形下仍安全的整数杠杆：
// L_max = 1 / (1 + mmr - lower/mid)，乘以安全系数后向下取整，
// 并被配置上限与交易所档位上限双重钳制。
func usableLeverage(bracket models.LeverageBracket, lower, mid decimal.Decimal, cfg *models.Config) int {
	one := decimal.NewFromInt(1)
	denom := one.Add(bracket.MaintMarginRate).Sub(lower.Div(mid))
	leverage := 1
	if denom.IsPositive() {
		lmax := one.Div(denom)
		leverage = int(lmax.Mul(decimal.NewFromFloat(cfg.SafetyFactor)).IntPart())
	}
	if leverage > cfg.MaxLeverageLimit {
		leverage = cfg.MaxLeverageLimit
	}
	if bracket.MaxLeverage > 0 && leverage > bracket.MaxLeverage {
		leverage = bracket.MaxLeverage
	}
	if leverage < 1 {
		leverage = 1
	}
	return leverage
}

// BuildLevels 按蓝图生成一个执行器的层级阵列：
// 从下边界开始等距排布，价格对齐到tick，数量由每层名义价值推出并
// 对齐到lot。层级ID在纪元内稳定，两个执行器的ID与价格一一对应。
func BuildLevels(plan *models.GridPlan, rules *models.SymbolRules) []*models.GridLevel {
	levels := make([]*models.GridLevel, 0, plan.LevelsCount)
	for i := 0; i < plan.LevelsCount; i++ {
		price := rules.SnapPrice(plan.Lower.Add(plan.Spacing.Mul(decimal.NewFromInt(int64(i + 1)))))
		if price.GreaterThanOrEqual(plan.Upper) || price.LessThanOrEqual(plan.Lower) {
			// 通道边界上的层级不参与交易（严格不等）
			continue
		}
		qty := rules.SnapQty(plan.NotionalPerLevel.Div(price))
		minQty := rules.MinNotional.Div(price)
		if qty.LessThan(minQty) {
			qty = rules.SnapQty(minQty.Add(rules.StepSize))
		}
		levels = append(levels, &models.GridLevel{
			LevelID:  i,
			Price:    price,
			Quantity: qty,
			State:    models.LevelNotActive,
		})
	}
	return levels
}
