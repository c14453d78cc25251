package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// StrategyKind 策略类型
type StrategyKind string

const (
	StrategyFrontrun  StrategyKind = "frontrun"
	StrategyBackrun   StrategyKind = "backrun"
	StrategySandwich  StrategyKind = "sandwich"
	StrategyArbitrage StrategyKind = "arbitrage"
	StrategyMultiHop  StrategyKind = "multihop"
)

// AllStrategyKinds 全部策略类型
var AllStrategyKinds = []StrategyKind{
	StrategyFrontrun,
	StrategyBackrun,
	StrategySandwich,
	StrategyArbitrage,
	StrategyMultiHop,
}

// Valid 检查策略类型是否合法
func (k StrategyKind) Valid() bool {
	switch k {
	case StrategyFrontrun, StrategyBackrun, StrategySandwich, StrategyArbitrage, StrategyMultiHop:
		return true
	}
	return false
}

// StrategyCandidate 候选策略
// 在一次分析过程中产生、比较、淘汰；每个机会最多保留一个最优策略
type StrategyCandidate struct {
	Kind        StrategyKind     `json:"kind"`
	TokenIn     common.Address   `json:"token_in"`
	TokenOut    common.Address   `json:"token_out"`
	Path        []common.Address `json:"path,omitempty"`
	Pair        common.Address   `json:"pair"`
	Pairs       []common.Address `json:"pairs,omitempty"` // 套利/多跳策略的交易对序列
	AmountIn    *big.Int         `json:"amount_in"`
	ExpectedOut *big.Int         `json:"expected_out"`
	GrossProfit *big.Int         `json:"gross_profit"` // 有符号，最小代币单位
	GasLimit    uint64           `json:"gas_limit"`
	GasPrice    *big.Int         `json:"gas_price"`
	GasCost     *big.Int         `json:"gas_cost"`
	GasQuote    *GasQuote        `json:"gas_quote,omitempty"` // 盈利计算实际使用的报价
	NetProfit   *big.Int         `json:"net_profit"`
	ROIBps      int64            `json:"roi_bps"` // 基点收益率，整数除法向零截断
}

// ComputeROIBps 计算基点收益率 profit*10000/amount，amount为零时返回0
func ComputeROIBps(profit, amount *big.Int) int64 {
	if profit == nil || amount == nil || amount.Sign() <= 0 {
		return 0
	}
	roi := new(big.Int).Mul(profit, big.NewInt(10000))
	roi.Div(roi, amount)
	if !roi.IsInt64() {
		if roi.Sign() > 0 {
			return int64(1<<63 - 1)
		}
		return -int64(1 << 62)
	}
	return roi.Int64()
}

// Better 比较两个候选策略：净利润高者优，持平时gas成本低者优
func (s *StrategyCandidate) Better(other *StrategyCandidate) bool {
	if other == nil {
		return true
	}
	cmp := s.NetProfit.Cmp(other.NetProfit)
	if cmp != 0 {
		return cmp > 0
	}
	if s.GasCost != nil && other.GasCost != nil {
		return s.GasCost.Cmp(other.GasCost) < 0
	}
	return false
}
