package models

import (
	"math/big"
	"time"
)

// ExecutionRecord 执行历史记录
// 风控管理器维护的有界环形历史，用于熔断评估
type ExecutionRecord struct {
	OpportunityID string       `json:"opportunity_id"`
	TxRef         string       `json:"tx_ref"`
	Kind          StrategyKind `json:"kind"`
	Success       bool         `json:"success"`
	Profit        *big.Int     `json:"profit"`   // 成功时为已实现利润
	GasCost       *big.Int     `json:"gas_cost"` // 失败时按已实现亏损计入
	GasPrice      *big.Int     `json:"gas_price"`
	ExecutedAt    time.Time    `json:"executed_at"`
}

// RiskState 风控状态快照
// 只由风控管理器在自身串行化约束下修改，对外以快照形式读取
type RiskState struct {
	CurrentExposure  *big.Int                `json:"current_exposure"`
	DailyExposure    *big.Int                `json:"daily_exposure"`
	DailyProfit      *big.Int                `json:"daily_profit"`
	WeeklyProfit     *big.Int                `json:"weekly_profit"`
	PendingCount     int                     `json:"pending_count"`
	PausedStrategies map[StrategyKind]bool   `json:"paused_strategies"`
	LastFailureAt    *time.Time              `json:"last_failure_at,omitempty"`
	FailureCount24h  int                     `json:"failure_count_24h"`

	// 熔断器状态
	ProfitDeclineTripped bool `json:"profit_decline_tripped"`
	FailureRateTripped   bool `json:"failure_rate_tripped"`
	HighGasTripped       bool `json:"high_gas_tripped"`
	EmergencyStopped     bool `json:"emergency_stopped"`

	DailyResetAt  time.Time `json:"daily_reset_at"`
	WeeklyResetAt time.Time `json:"weekly_reset_at"`
	SnapshotAt    time.Time `json:"snapshot_at"`
}

// AnyBreakerTripped 是否有熔断器处于触发状态
func (s *RiskState) AnyBreakerTripped() bool {
	return s.ProfitDeclineTripped || s.FailureRateTripped || s.HighGasTripped
}

// RiskDecision 风控校验结果
type RiskDecision struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"` // 拒绝原因，接受时为空
}

// Accept 接受
func Accept() RiskDecision {
	return RiskDecision{Accepted: true}
}

// Reject 以指定原因拒绝
func Reject(reason string) RiskDecision {
	return RiskDecision{Accepted: false, Reason: reason}
}
