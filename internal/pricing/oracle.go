package pricing

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"mevscan/internal/config"
	"mevscan/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ReservePort 储备量读端口
type ReservePort interface {
	GetReserves(ctx context.Context, pair common.Address) (*models.PoolReserves, error)
}

// 主流稳定币及其精度，法币换算按1:1处理
var stableDecimals = map[common.Address]int32{
	common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"): 6,  // USDC
	common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7"): 6,  // USDT
	common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"): 18, // DAI
}

// Oracle 价格预言机
// 从链上参考交易对（原生币/稳定币）推导原生币法币价格，定时刷新缓存
// 读端口失败时沿用上一次价格，启动即失败时回退静态配置值
type Oracle struct {
	config        *config.PricingConfig
	port          ReservePort
	wrappedNative common.Address
	logger        *logrus.Logger

	mu          sync.RWMutex
	nativeFiat  decimal.Decimal
	refreshedAt time.Time
}

// NewOracle 创建价格预言机
func NewOracle(cfg *config.PricingConfig, port ReservePort, wrappedNative common.Address, logger *logrus.Logger) *Oracle {
	return &Oracle{
		config:        cfg,
		port:          port,
		wrappedNative: wrappedNative,
		logger:        logger,
		nativeFiat:    decimal.NewFromFloat(cfg.StaticNativeFiat),
		refreshedAt:   time.Now(),
	}
}

// Start 刷新一次并启动定时刷新协程
func (o *Oracle) Start(ctx context.Context) {
	if err := o.refresh(ctx); err != nil {
		o.logger.Warnf("价格预言机初次刷新失败，使用静态回退价格: %v", err)
	}

	interval := config.ParseDuration(o.config.RefreshInterval, 30*time.Second)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := o.refresh(ctx); err != nil {
					o.logger.Debugf("价格刷新失败，沿用上一价格: %v", err)
				}
			}
		}
	}()
}

// refresh 从参考交易对刷新原生币法币价格
func (o *Oracle) refresh(ctx context.Context) error {
	if o.config.ReferencePair == "" {
		return fmt.Errorf("未配置参考交易对")
	}

	pair := common.HexToAddress(o.config.ReferencePair)
	reserves, err := o.port.GetReserves(ctx, pair)
	if err != nil {
		return err
	}
	if !reserves.Valid() {
		return fmt.Errorf("参考交易对储备量不可用")
	}

	var nativeReserve, stableReserve *big.Int
	switch o.wrappedNative {
	case reserves.Token0:
		nativeReserve, stableReserve = reserves.Reserve0, reserves.Reserve1
	case reserves.Token1:
		nativeReserve, stableReserve = reserves.Reserve1, reserves.Reserve0
	default:
		return fmt.Errorf("参考交易对 %s 不包含包装原生资产", pair.Hex())
	}

	// 价格 = 稳定币侧(按精度归一) / 原生币侧(18位精度)
	price := decimal.NewFromBigInt(stableReserve, -int32(o.config.StableDecimals)).
		Div(decimal.NewFromBigInt(nativeReserve, -18))

	o.mu.Lock()
	o.nativeFiat = price
	o.refreshedAt = time.Now()
	o.mu.Unlock()

	return nil
}

// NativeFiat 当前原生币法币价格
func (o *Oracle) NativeFiat() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.nativeFiat
}

// WeiToFiat wei金额换算为法币
func (o *Oracle) WeiToFiat(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -18).Mul(o.NativeFiat())
}

// TokenValueWei 估算代币金额的原生币等值（wei）
// 包装原生资产原样返回；与原生币同池的代币按池内现价换算；
// 主流稳定币按法币价格反推；其余代币无法定价，返回错误
func (o *Oracle) TokenValueWei(token common.Address, amount *big.Int, pair *models.PoolReserves) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("金额非法")
	}
	if token == o.wrappedNative {
		return new(big.Int).Set(amount), nil
	}

	// 同池现价换算: amount * reserveNative / reserveToken
	if pair != nil && pair.Valid() {
		var rNative, rToken *big.Int
		switch o.wrappedNative {
		case pair.Token0:
			if token == pair.Token1 {
				rNative, rToken = pair.Reserve0, pair.Reserve1
			}
		case pair.Token1:
			if token == pair.Token0 {
				rNative, rToken = pair.Reserve1, pair.Reserve0
			}
		}
		if rNative != nil && rToken.Sign() > 0 {
			value := new(big.Int).Mul(amount, rNative)
			return value.Div(value, rToken), nil
		}
	}

	if dec, isStable := stableDecimals[token]; isStable {
		nativeFiat := o.NativeFiat()
		if nativeFiat.Sign() <= 0 {
			return nil, fmt.Errorf("原生币价格不可用")
		}
		// fiat金额 / 原生币价格 → ETH → wei
		wei := decimal.NewFromBigInt(amount, -dec).Div(nativeFiat).Shift(18)
		return wei.BigInt(), nil
	}

	return nil, fmt.Errorf("代币 %s 无法定价", token.Hex())
}
