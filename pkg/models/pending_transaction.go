package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// PendingTransaction 待确认交易（内存池交易）
// 由外部交易源推送进入流水线后不再修改
type PendingTransaction struct {
	Hash                 common.Hash     `json:"hash"`
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to"` // nil 表示合约创建交易
	Value                *big.Int        `json:"value"`
	Input                []byte          `json:"input"`
	Nonce                uint64          `json:"nonce"`
	Gas                  uint64          `json:"gas"`
	GasPrice             *big.Int        `json:"gas_price,omitempty"`                // legacy 交易
	MaxFeePerGas         *big.Int        `json:"max_fee_per_gas,omitempty"`          // EIP-1559 交易
	MaxPriorityFeePerGas *big.Int        `json:"max_priority_fee_per_gas,omitempty"` // EIP-1559 交易
	ArrivedAt            time.Time       `json:"arrived_at"`
	Source               string          `json:"source"` // 交易源标识
}

// IsContractCreation 是否为合约创建交易
func (t *PendingTransaction) IsContractCreation() bool {
	return t.To == nil
}

// IsDynamicFee 是否为EIP-1559交易
func (t *PendingTransaction) IsDynamicFee() bool {
	return t.MaxFeePerGas != nil
}

// EffectiveGasPrice 计算有效gas价格
// EIP-1559交易按maxFeePerGas上限计算，legacy交易直接取gasPrice
func (t *PendingTransaction) EffectiveGasPrice() *big.Int {
	if t.MaxFeePerGas != nil {
		return new(big.Int).Set(t.MaxFeePerGas)
	}
	if t.GasPrice != nil {
		return new(big.Int).Set(t.GasPrice)
	}
	return big.NewInt(0)
}

// FromEthereumTransaction 从以太坊交易转换为内部模型
func (t *PendingTransaction) FromEthereumTransaction(tx *types.Transaction, source string, arrivedAt time.Time) {
	if tx == nil {
		return
	}

	t.Hash = tx.Hash()
	t.To = tx.To()
	t.Value = tx.Value()
	t.Input = tx.Data()
	t.Nonce = tx.Nonce()
	t.Gas = tx.Gas()
	t.ArrivedAt = arrivedAt
	t.Source = source

	// 根据交易类型填充费用字段
	if tx.Type() >= types.DynamicFeeTxType {
		t.MaxFeePerGas = tx.GasFeeCap()
		t.MaxPriorityFeePerGas = tx.GasTipCap()
	} else {
		t.GasPrice = tx.GasPrice()
	}

	// 尝试恢复发送地址，失败时保留零地址（不中断流水线）
	signers := []types.Signer{
		types.NewPragueSigner(tx.ChainId()),
		types.NewCancunSigner(tx.ChainId()),
		types.NewLondonSigner(tx.ChainId()),
		types.NewEIP155Signer(tx.ChainId()),
	}
	for _, signer := range signers {
		if from, err := types.Sender(signer, tx); err == nil {
			t.From = from
			break
		}
	}
}
