package config

import (
	"encoding/json"
	"os"

	"hedge-grid-bot-go/internal/models"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中，
// 随后补齐默认值并校验。
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &models.Config{}
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults 为未设置的字段填入默认参数。
func applyDefaults(cfg *models.Config) {
	if cfg.ATRLength == 0 {
		cfg.ATRLength = 14
	}
	if cfg.ATRMultiplier == 0 {
		cfg.ATRMultiplier = 2.0
	}
	if cfg.ATRTimeframe == "" {
		cfg.ATRTimeframe = "1h"
	}
	if cfg.ATRLookback == 0 {
		cfg.ATRLookback = 20
	}
	if cfg.SpacingMultiplier == 0 {
		cfg.SpacingMultiplier = 0.26
	}
	if cfg.MaxOpenOrders == 0 {
		cfg.MaxOpenOrders = 4
	}
	if cfg.MaxOrdersPerBatch == 0 {
		cfg.MaxOrdersPerBatch = 2
	}
	if cfg.OrderFrequencyS == 0 {
		cfg.OrderFrequencyS = 3.0
	}
	if cfg.ActivationBounds == 0 {
		cfg.ActivationBounds = 0.05
	}
	if cfg.UpperLowerRatio == 0 {
		cfg.UpperLowerRatio = 0.5
	}
	if cfg.SafetyFactor == 0 {
		cfg.SafetyFactor = 0.8
	}
	if cfg.MaxLeverageLimit == 0 {
		cfg.MaxLeverageLimit = 20
	}
	if cfg.UtilizationRatio == 0 {
		cfg.UtilizationRatio = 0.8
	}
	if cfg.RiskCheckIntervalS == 0 {
		cfg.RiskCheckIntervalS = 1.0
	}
	if cfg.MaxMarginRatio == 0 {
		cfg.MaxMarginRatio = 0.8
	}
	if cfg.MaxDrawdownPct == 0 {
		cfg.MaxDrawdownPct = 0.15
	}
	if cfg.BalanceTolerancePct == 0 {
		cfg.BalanceTolerancePct = 0.05
	}
	if cfg.DisconnectGraceS == 0 {
		cfg.DisconnectGraceS = 30.0
	}
	if cfg.OrderTimeoutS == 0 {
		cfg.OrderTimeoutS = 600.0
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryInitialDelayMs == 0 {
		cfg.RetryInitialDelayMs = 500
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
}

// Validate 校验配置的合法性，非法配置在启动前直接失败。
func Validate(cfg *models.Config) error {
	if cfg.Symbol == "" {
		return &models.ConfigError{Field: "symbol", Reason: "不能为空"}
	}
	if cfg.QuoteAsset == "" {
		return &models.ConfigError{Field: "quote_asset", Reason: "不能为空"}
	}
	if cfg.ATRLength <= 0 {
		return &models.ConfigError{Field: "atr_length", Reason: "必须为正整数"}
	}
	if cfg.ATRMultiplier <= 0 {
		return &models.ConfigError{Field: "atr_multiplier", Reason: "必须为正数"}
	}
	if cfg.SpacingMultiplier <= 0 {
		return &models.ConfigError{Field: "spacing_multiplier", Reason: "必须为正数"}
	}
	if cfg.MaxOpenOrders < 0 {
		return &models.ConfigError{Field: "max_open_orders", Reason: "不能为负"}
	}
	if cfg.UpperLowerRatio < 0 || cfg.UpperLowerRatio > 1 {
		return &models.ConfigError{Field: "upper_lower_ratio", Reason: "必须在[0,1]区间内"}
	}
	if cfg.SafetyFactor <= 0 || cfg.SafetyFactor > 1 {
		return &models.ConfigError{Field: "safety_factor", Reason: "必须在(0,1]区间内"}
	}
	if cfg.UtilizationRatio <= 0 || cfg.UtilizationRatio > 1 {
		return &models.ConfigError{Field: "utilization_ratio", Reason: "必须在(0,1]区间内"}
	}
	if cfg.MaxLeverageLimit < 1 {
		return &models.ConfigError{Field: "max_leverage_limit", Reason: "至少为1"}
	}
	if cfg.ActivationBounds < 0 {
		return &models.ConfigError{Field: "activation_bounds_pct", Reason: "不能为负"}
	}
	return nil
}

// LoadCredentials 从环境变量读取双账户的API凭证。
// 凭证不允许出现在配置文件中。
func LoadCredentials() (long, short models.Credentials, err error) {
	long = models.Credentials{
		APIKey:    os.Getenv("LONG_API_KEY"),
		SecretKey: os.Getenv("LONG_API_SECRET"),
	}
	short = models.Credentials{
		APIKey:    os.Getenv("SHORT_API_KEY"),
		SecretKey: os.Getenv("SHORT_API_SECRET"),
	}
	if long.APIKey == "" || long.SecretKey == "" {
		return long, short, &models.ConfigError{Field: "LONG_API_KEY/LONG_API_SECRET", Reason: "环境变量未设置"}
	}
	if short.APIKey == "" || short.SecretKey == "" {
		return long, short, &models.ConfigError{Field: "SHORT_API_KEY/SHORT_API_SECRET", Reason: "环境变量未设置"}
	}
	return long, short, nil
}
