package models

import (
	"errors"
	"fmt"
)

// 错误分级：本地重试（Transient/StreamDisconnect）、单层级降级
// （ExchangeRejected）、进程降级（RiskBreach）、升级给操作员
// （ConfigError/InfeasiblePlan/PreconditionFailed）。

// ErrTimeout 表示调用超时后订单状态未知，必须先对账再决定重试。
var ErrTimeout = errors.New("请求超时，订单状态未知")

// ConfigError 表示配置缺失或非法，启动前致命。
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("配置错误: %s: %s", e.Field, e.Reason)
}

// PreconditionError 表示启动前检查失败（账户非空仓、规则不一致等）。
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("启动前检查未通过: %s", e.Reason)
}

// InfeasiblePlanError 表示参数引擎在迭代预算内无法满足最小名义价值。
type InfeasiblePlanError struct {
	Iterations int
	Multiplier float64
}

func (e *InfeasiblePlanError) Error() string {
	return fmt.Sprintf("网格参数无可行解: 自适应迭代%d次后间距倍数已达%.2f", e.Iterations, e.Multiplier)
}

// ExchangeError 定义了交易所API返回的错误信息结构
type ExchangeError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}

// IsRejection 判断错误是否为交易所明确拒单（价格非法、保证金不足、
// 过滤器违规等）。拒单不自动重试，由调用方将层级标记为FAILED。
func IsRejection(err error) bool {
	var ex *ExchangeError
	if errors.As(err, &ex) {
		// 负码为币安业务错误；-1003(限频)与-1007(超时)按瞬时处理
		return ex.Code < 0 && ex.Code != -1003 && ex.Code != -1007
	}
	return false
}

// TransientError 包装网络超时、限频、5xx等可本地重试的错误。
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("瞬时错误: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient 判断错误经过有限次退避重试后是否可能成功。
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// RiskBreachError 表示风控触线（通道突破、保证金率、回撤）。
type RiskBreachError struct {
	Rule   string
	Detail string
}

func (e *RiskBreachError) Error() string {
	return fmt.Sprintf("风控触发 [%s]: %s", e.Rule, e.Detail)
}
