package models

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TokenMetadata 代币元数据
type TokenMetadata struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
}

// PoolReserves 交易对储备量快照
// 储备量永远是非负整数；三明治计算对储备量敏感，超过时效必须重新获取
type PoolReserves struct {
	Pair        common.Address `json:"pair"`
	Token0      common.Address `json:"token0"`
	Token1      common.Address `json:"token1"`
	Reserve0    *big.Int       `json:"reserve0"`
	Reserve1    *big.Int       `json:"reserve1"`
	BlockNumber uint64         `json:"block_number"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// OrderFor 按输入代币方向返回 (储备in, 储备out)
func (r *PoolReserves) OrderFor(tokenIn common.Address) (*big.Int, *big.Int, error) {
	switch tokenIn {
	case r.Token0:
		return r.Reserve0, r.Reserve1, nil
	case r.Token1:
		return r.Reserve1, r.Reserve0, nil
	default:
		return nil, nil, fmt.Errorf("代币 %s 不属于交易对 %s", tokenIn.Hex(), r.Pair.Hex())
	}
}

// Valid 检查储备量快照是否可用于模拟
func (r *PoolReserves) Valid() bool {
	return r != nil &&
		r.Reserve0 != nil && r.Reserve0.Sign() > 0 &&
		r.Reserve1 != nil && r.Reserve1.Sign() > 0
}

// IsStale 检查储备量是否超过时效
func (r *PoolReserves) IsStale(maxAge time.Duration) bool {
	return time.Since(r.UpdatedAt) > maxAge
}

// Clone 复制一份储备量快照（模拟过程会修改储备量）
func (r *PoolReserves) Clone() *PoolReserves {
	clone := &PoolReserves{
		Pair:        r.Pair,
		Token0:      r.Token0,
		Token1:      r.Token1,
		BlockNumber: r.BlockNumber,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.Reserve0 != nil {
		clone.Reserve0 = new(big.Int).Set(r.Reserve0)
	}
	if r.Reserve1 != nil {
		clone.Reserve1 = new(big.Int).Set(r.Reserve1)
	}
	return clone
}
