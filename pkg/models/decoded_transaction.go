package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TxClass 交易分类标签
type TxClass int

const (
	TxClassUnknown TxClass = iota
	TxClassETHTransfer
	TxClassSwap
	TxClassERC20Transfer
	TxClassERC20Approval
	TxClassFlashLoan
	TxClassLiquidation
)

// 交易分类字符串映射
var txClassNames = map[TxClass]string{
	TxClassUnknown:       "Unknown",
	TxClassETHTransfer:   "ETHTransfer",
	TxClassSwap:          "Swap",
	TxClassERC20Transfer: "ERC20Transfer",
	TxClassERC20Approval: "ERC20Approval",
	TxClassFlashLoan:     "FlashLoan",
	TxClassLiquidation:   "Liquidation",
}

// String 返回交易分类的字符串表示
func (c TxClass) String() string {
	if name, exists := txClassNames[c]; exists {
		return name
	}
	return "Unknown"
}

// SwapDetails AMM兑换交易详情
// 六种Uniswap V2风格兑换变体统一归一化为该形状
type SwapDetails struct {
	Protocol     string         `json:"protocol"` // 协议名称 (uniswap_v2, sushiswap...)
	Method       string         `json:"method"`   // 原始方法名
	Router       common.Address `json:"router"`
	TokenIn      common.Address `json:"token_in"`
	TokenOut     common.Address `json:"token_out"`
	AmountIn     *big.Int       `json:"amount_in"`
	AmountOutMin *big.Int       `json:"amount_out_min"`
	ExactOutput  bool           `json:"exact_output"` // exact-out变体：AmountIn为上限，AmountOut为目标
	AmountOut    *big.Int       `json:"amount_out,omitempty"`
	Path         []common.Address `json:"path"`
	Recipient    common.Address `json:"recipient"`
	Deadline     *big.Int       `json:"deadline,omitempty"`
	TokenInMeta  *TokenMetadata `json:"token_in_meta,omitempty"`
	TokenOutMeta *TokenMetadata `json:"token_out_meta,omitempty"`
}

// ERC20TransferDetails ERC20转账详情
type ERC20TransferDetails struct {
	Token     common.Address  `json:"token"`
	From      *common.Address `json:"from,omitempty"` // transferFrom 才有
	Recipient common.Address  `json:"recipient"`
	Amount    *big.Int        `json:"amount"`
}

// ERC20ApprovalDetails ERC20授权详情
type ERC20ApprovalDetails struct {
	Token   common.Address `json:"token"`
	Spender common.Address `json:"spender"`
	Amount  *big.Int       `json:"amount"`
}

// FlashLoanDetails 闪电贷详情
type FlashLoanDetails struct {
	Protocol string           `json:"protocol"`
	Assets   []common.Address `json:"assets"`
	Amounts  []*big.Int       `json:"amounts"`
}

// LiquidationDetails 清算调用详情
type LiquidationDetails struct {
	Protocol        string         `json:"protocol"`
	CollateralAsset common.Address `json:"collateral_asset"`
	DebtAsset       common.Address `json:"debt_asset"`
	Borrower        common.Address `json:"borrower"`
	DebtToCover     *big.Int       `json:"debt_to_cover"`
}

// DecodedTransaction 解码后的交易
// 由解码器从PendingTransaction派生，只读，按交易哈希缓存
type DecodedTransaction struct {
	Hash        common.Hash           `json:"hash"`
	Class       TxClass               `json:"class"`
	ClassName   string                `json:"class_name"`
	Tx          *PendingTransaction   `json:"-"`
	Swap        *SwapDetails          `json:"swap,omitempty"`
	Transfer    *ERC20TransferDetails `json:"transfer,omitempty"`
	Approval    *ERC20ApprovalDetails `json:"approval,omitempty"`
	FlashLoan   *FlashLoanDetails     `json:"flash_loan,omitempty"`
	Liquidation *LiquidationDetails   `json:"liquidation,omitempty"`
	Diagnostic  string                `json:"diagnostic,omitempty"` // 解码失败时的诊断信息
	DecodedAt   time.Time             `json:"decoded_at"`
}

// IsSwap 是否为AMM兑换交易
func (d *DecodedTransaction) IsSwap() bool {
	return d.Class == TxClassSwap && d.Swap != nil
}
