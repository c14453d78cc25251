package models

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// OpportunityStatus 机会生命周期状态
type OpportunityStatus string

const (
	OpportunityDetected  OpportunityStatus = "detected"
	OpportunitySubmitted OpportunityStatus = "submitted"
	OpportunityConfirmed OpportunityStatus = "confirmed"
	OpportunityFailed    OpportunityStatus = "failed"
)

// Opportunity 价值提取机会
// 由编排器装配，存活于TTL存储中；状态迁移由外部执行层通过生命周期方法驱动
type Opportunity struct {
	ID                 string               `json:"id"`
	TargetTxHash       *common.Hash         `json:"target_tx_hash,omitempty"` // 纯套利机会为nil
	Type               StrategyKind         `json:"type"`
	Strategies         []*StrategyCandidate `json:"strategies"`
	Best               *StrategyCandidate   `json:"best"`
	EstimatedProfitWei *big.Int             `json:"estimated_profit_wei"`
	EstimatedProfitFiat decimal.Decimal     `json:"estimated_profit_fiat"`
	GasQuote           *GasQuote            `json:"gas_quote"`
	CreatedAt          time.Time            `json:"created_at"`
	Status             OpportunityStatus    `json:"status"`
	SubmittedAt        *time.Time           `json:"submitted_at,omitempty"`
	CompletedAt        *time.Time           `json:"completed_at,omitempty"`
	ActualProfit       *big.Int             `json:"actual_profit,omitempty"`
	GasUsed            uint64               `json:"gas_used,omitempty"`
}

// opportunityJSON 对外序列化形状，金额转换为十进制字符串
type opportunityJSON struct {
	ID                  string               `json:"id"`
	TargetTxHash        string               `json:"target_tx_hash,omitempty"`
	Type                StrategyKind         `json:"type"`
	Strategies          []*StrategyCandidate `json:"strategies"`
	Best                *StrategyCandidate   `json:"best"`
	EstimatedProfitWei  string               `json:"estimated_profit_wei"`
	EstimatedProfitFiat string               `json:"estimated_profit_fiat"`
	GasQuote            *GasQuote            `json:"gas_quote"`
	CreatedAt           time.Time            `json:"created_at"`
	Status              OpportunityStatus    `json:"status"`
	SubmittedAt         *time.Time           `json:"submitted_at,omitempty"`
	CompletedAt         *time.Time           `json:"completed_at,omitempty"`
	ActualProfit        string               `json:"actual_profit,omitempty"`
	GasUsed             uint64               `json:"gas_used,omitempty"`
}

// MarshalJSON 对外输出时金额一律转为十进制字符串
func (o *Opportunity) MarshalJSON() ([]byte, error) {
	out := &opportunityJSON{
		ID:                  o.ID,
		Type:                o.Type,
		Strategies:          o.Strategies,
		Best:                o.Best,
		EstimatedProfitWei:  bigString(o.EstimatedProfitWei),
		EstimatedProfitFiat: o.EstimatedProfitFiat.String(),
		GasQuote:            o.GasQuote,
		CreatedAt:           o.CreatedAt,
		Status:              o.Status,
		SubmittedAt:         o.SubmittedAt,
		CompletedAt:         o.CompletedAt,
		GasUsed:             o.GasUsed,
	}
	if o.TargetTxHash != nil {
		out.TargetTxHash = o.TargetTxHash.Hex()
	}
	if o.ActualProfit != nil {
		out.ActualProfit = o.ActualProfit.String()
	}
	return json.Marshal(out)
}

// bigString 大整数转十进制字符串，nil按"0"处理
func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// OpportunityStats 机会统计
type OpportunityStats struct {
	Detected            uint64          `json:"detected"`
	Deduplicated        uint64          `json:"deduplicated"`
	RejectedByFloor     uint64          `json:"rejected_by_floor"`
	Submitted           uint64          `json:"submitted"`
	Confirmed           uint64          `json:"confirmed"`
	Failed              uint64          `json:"failed"`
	CumulativeProfitWei *big.Int        `json:"cumulative_profit_wei"`
	CumulativeGasWei    *big.Int        `json:"cumulative_gas_wei"`
	CumulativeProfitFiat decimal.Decimal `json:"cumulative_profit_fiat"`
	Pending             int             `json:"pending"`
}
