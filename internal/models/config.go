package models

// Config 结构体定义了对冲网格策略的所有配置参数。
// API密钥不在此结构中，只能通过环境变量注入。
type Config struct {
	IsTestnet     bool   `json:"is_testnet"` // 是否使用测试网
	LiveAPIURL    string `json:"live_api_url"`
	LiveWSURL     string `json:"live_ws_url"`
	TestnetAPIURL string `json:"testnet_api_url"`
	TestnetWSURL  string `json:"testnet_ws_url"`

	Symbol     string `json:"symbol"`      // 交易对，如 "DOGEUSDC"
	QuoteAsset string `json:"quote_asset"` // 结算货币，如 "USDC"

	// ATR通道参数
	ATRLength     int     `json:"atr_length"`     // RMA平滑周期
	ATRMultiplier float64 `json:"atr_multiplier"` // 通道半宽（ATR倍数）
	ATRTimeframe  string  `json:"atr_timeframe"`  // K线周期，如 "1h"
	ATRLookback   int     `json:"atr_lookback"`   // 通道高低点回看的K线数量

	// 网格参数
	SpacingMultiplier float64 `json:"spacing_multiplier"` // 间距 = atr * 该倍数
	MaxOpenOrders     int     `json:"max_open_orders"`    // 每侧同时挂开仓单的上限
	MaxOrdersPerBatch int     `json:"max_orders_per_batch"`
	OrderFrequencyS   float64 `json:"order_frequency_s"`     // 相邻两批下单的最小间隔（秒）
	ActivationBounds  float64 `json:"activation_bounds_pct"` // 中间价附近的激活窗口
	UpperLowerRatio   float64 `json:"upper_lower_ratio"`     // 分配到中间价上方的挂单比例
	SafeExtraSpread   float64 `json:"safe_extra_spread"`     // 价格越过盘口时的避让价差
	OrderTimeoutS     float64 `json:"order_timeout_s"`       // 挂单未成交的取消时限（秒）

	// 资金与杠杆
	SafetyFactor     float64 `json:"safety_factor"`      // 杠杆折扣系数
	MaxLeverageLimit int     `json:"max_leverage_limit"` // 杠杆硬顶
	UtilizationRatio float64 `json:"utilization_ratio"`  // 投入余额的比例

	// 风控
	RiskCheckIntervalS  float64 `json:"risk_check_interval_s"`
	MaxMarginRatio      float64 `json:"max_margin_ratio"`      // 触发紧急平仓的保证金率
	MaxDrawdownPct      float64 `json:"max_drawdown_pct"`      // 合计回撤阈值
	BalanceTolerancePct float64 `json:"balance_tolerance_pct"` // 双账户余额偏差容忍度
	DisconnectGraceS    float64 `json:"disconnect_grace_s"`    // 断流宽限期（秒）

	// 启动与复位行为
	ForceFlattenOnStart    bool `json:"force_flatten_on_start"`    // 启动前非空仓时强制清理而非拒绝
	ResetOnChannelBreakout bool `json:"reset_on_channel_breakout"` // 通道突破平仓后重开新纪元

	// 网络
	RetryAttempts       int `json:"retry_attempts"`         // 瞬时错误的重试次数
	RetryInitialDelayMs int `json:"retry_initial_delay_ms"` // 重试前的初始延迟毫秒数

	JournalPath string    `json:"journal_path"` // 审计日志数据库路径，空则不落盘
	LogConfig   LogConfig `json:"log"`

	BaseURL   string `json:"base_url"`    // REST基础地址（由程序根据is_testnet设置）
	WSBaseURL string `json:"ws_base_url"` // WebSocket基础地址（同上）
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// Credentials 保存单个账户的API凭证，来源仅限环境变量。
type Credentials struct {
	APIKey    string
	SecretKey string
}
