package models

import (
	"math/big"
	"time"
)

// GasQuoteType gas报价类型
type GasQuoteType string

const (
	GasQuoteLegacy  GasQuoteType = "legacy"  // 单一gasPrice
	GasQuoteDynamic GasQuoteType = "dynamic" // EIP-1559 baseFee + 优先费
)

// GasQuote gas费用报价
// 定时重新计算并缓存；每次盈利计算必须内嵌所用报价以便历史回放
type GasQuote struct {
	Type                 GasQuoteType `json:"type"`
	GasPrice             *big.Int     `json:"gas_price,omitempty"`
	BaseFee              *big.Int     `json:"base_fee,omitempty"`
	MaxFeePerGas         *big.Int     `json:"max_fee_per_gas,omitempty"`
	MaxPriorityFeePerGas *big.Int     `json:"max_priority_fee_per_gas,omitempty"`
	ComputedAt           time.Time    `json:"computed_at"`
}

// EffectivePrice 用于成本估算的gas价格
// EIP-1559报价按maxFeePerGas保守估计
func (q *GasQuote) EffectivePrice() *big.Int {
	if q == nil {
		return big.NewInt(0)
	}
	if q.Type == GasQuoteDynamic && q.MaxFeePerGas != nil {
		return new(big.Int).Set(q.MaxFeePerGas)
	}
	if q.GasPrice != nil {
		return new(big.Int).Set(q.GasPrice)
	}
	return big.NewInt(0)
}

// Cost 按gas上限计算费用成本
func (q *GasQuote) Cost(gasLimit uint64) *big.Int {
	return new(big.Int).Mul(q.EffectivePrice(), new(big.Int).SetUint64(gasLimit))
}

// Clone 复制报价
func (q *GasQuote) Clone() *GasQuote {
	if q == nil {
		return nil
	}
	clone := &GasQuote{
		Type:       q.Type,
		ComputedAt: q.ComputedAt,
	}
	if q.GasPrice != nil {
		clone.GasPrice = new(big.Int).Set(q.GasPrice)
	}
	if q.BaseFee != nil {
		clone.BaseFee = new(big.Int).Set(q.BaseFee)
	}
	if q.MaxFeePerGas != nil {
		clone.MaxFeePerGas = new(big.Int).Set(q.MaxFeePerGas)
	}
	if q.MaxPriorityFeePerGas != nil {
		clone.MaxPriorityFeePerGas = new(big.Int).Set(q.MaxPriorityFeePerGas)
	}
	return clone
}
