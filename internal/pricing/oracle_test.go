package pricing

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"mevscan/internal/config"
	"mevscan/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	pepe = common.HexToAddress("0x6982508145454Ce325dDbE47a25d4ec3d2311933")
)

// stubReserves 固定储备量的读端口
type stubReserves struct {
	reserves *models.PoolReserves
	err      error
}

func (s *stubReserves) GetReserves(ctx context.Context, pair common.Address) (*models.PoolReserves, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.reserves, nil
}

func referencePool(wethReserve, usdcReserve *big.Int) *models.PoolReserves {
	return &models.PoolReserves{
		Pair:      common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc"),
		Token0:    usdc,
		Token1:    weth,
		Reserve0:  usdcReserve,
		Reserve1:  wethReserve,
		UpdatedAt: time.Now(),
	}
}

func newTestOracle(port ReservePort) *Oracle {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewOracle(config.GetDefaultConfig().Pricing, port, weth, logger)
}

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func TestRefreshDerivesPriceFromReferencePair(t *testing.T) {
	// 100 WETH对200000 USDC → 价格2000
	port := &stubReserves{reserves: referencePool(eth(100), big.NewInt(200000e6))}
	o := newTestOracle(port)

	require.NoError(t, o.refresh(context.Background()))
	assert.True(t, o.NativeFiat().Equal(decimal.NewFromInt(2000)))
}

func TestRefreshFailureKeepsStaticPrice(t *testing.T) {
	port := &stubReserves{err: fmt.Errorf("节点不可达")}
	o := newTestOracle(port)

	assert.Error(t, o.refresh(context.Background()))
	// 静态回退价格
	assert.True(t, o.NativeFiat().Equal(decimal.NewFromInt(2500)))
}

func TestRefreshRejectsForeignPair(t *testing.T) {
	pool := referencePool(eth(100), big.NewInt(200000e6))
	pool.Token1 = pepe // 参考交易对不含包装原生资产
	o := newTestOracle(&stubReserves{reserves: pool})

	assert.Error(t, o.refresh(context.Background()))
}

func TestWeiToFiat(t *testing.T) {
	o := newTestOracle(&stubReserves{})

	// 2 ETH × 2500静态价格
	assert.True(t, o.WeiToFiat(eth(2)).Equal(decimal.NewFromInt(5000)))
	assert.True(t, o.WeiToFiat(nil).Equal(decimal.Zero))
}

func TestTokenValueWeiNativePassthrough(t *testing.T) {
	o := newTestOracle(&stubReserves{})

	v, err := o.TokenValueWei(weth, eth(3), nil)
	require.NoError(t, err)
	assert.Equal(t, eth(3), v)
}

func TestTokenValueWeiFromPool(t *testing.T) {
	o := newTestOracle(&stubReserves{})

	// 池内现价: 2000 USDC ≈ 1 ETH
	pool := referencePool(eth(100), big.NewInt(200000e6))
	v, err := o.TokenValueWei(usdc, big.NewInt(2000e6), pool)
	require.NoError(t, err)
	assert.Equal(t, eth(1), v)
}

func TestTokenValueWeiStableFallback(t *testing.T) {
	o := newTestOracle(&stubReserves{})

	// 无同池信息时稳定币按法币价格反推: 2500 USDC / 2500 = 1 ETH
	v, err := o.TokenValueWei(usdc, big.NewInt(2500e6), nil)
	require.NoError(t, err)
	assert.Equal(t, eth(1), v)
}

func TestTokenValueWeiUnpriceable(t *testing.T) {
	o := newTestOracle(&stubReserves{})

	_, err := o.TokenValueWei(pepe, big.NewInt(1e18), nil)
	assert.Error(t, err)

	_, err = o.TokenValueWei(usdc, nil, nil)
	assert.Error(t, err)
}
