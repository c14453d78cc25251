package analyzer

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"mevscan/internal/config"
	"mevscan/internal/pricing"
	"mevscan/internal/simulator"
	"mevscan/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	weth     = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc     = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	pairAddr = common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc")
)

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func usdc6(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e6))
}

// stubPairPort 固定储备量的交易对端口
type stubPairPort struct {
	reserves *models.PoolReserves
	pairErr  error
	resErr   error
}

func (s *stubPairPort) GetReserves(ctx context.Context, pair common.Address) (*models.PoolReserves, error) {
	if s.resErr != nil {
		return nil, s.resErr
	}
	return s.reserves, nil
}

func (s *stubPairPort) GetPairAddress(ctx context.Context, factory, tokenA, tokenB common.Address) (common.Address, error) {
	if s.pairErr != nil {
		return common.Address{}, s.pairErr
	}
	return pairAddr, nil
}

// stubGasPort 固定报价的gas端口
type stubGasPort struct{}

func (s *stubGasPort) EstimateForStrategy(kind models.StrategyKind, refTx *models.PendingTransaction) *models.GasQuote {
	return &models.GasQuote{
		Type:                 models.GasQuoteDynamic,
		BaseFee:              config.GweiToWei(20),
		MaxFeePerGas:         config.GweiToWei(25),
		MaxPriorityFeePerGas: config.GweiToWei(2),
		ComputedAt:           time.Now(),
	}
}

func testReserves(wethReserve, usdcReserve *big.Int) *models.PoolReserves {
	return &models.PoolReserves{
		Pair:      pairAddr,
		Token0:    weth,
		Token1:    usdc,
		Reserve0:  wethReserve,
		Reserve1:  usdcReserve,
		UpdatedAt: time.Now(),
	}
}

// swapTx 构造一笔已解码的兑换交易
func swapTx(amountIn *big.Int, gasPriceGwei float64) *models.DecodedTransaction {
	hash := common.HexToHash("0x01")
	return &models.DecodedTransaction{
		Hash:      hash,
		Class:     models.TxClassSwap,
		ClassName: models.TxClassSwap.String(),
		Tx: &models.PendingTransaction{
			Hash:     hash,
			GasPrice: config.GweiToWei(gasPriceGwei),
		},
		Swap: &models.SwapDetails{
			Protocol: "uniswap_v2",
			Method:   "swapExactTokensForTokens",
			TokenIn:  weth,
			TokenOut: usdc,
			AmountIn: amountIn,
			Path:     []common.Address{weth, usdc},
		},
		DecodedAt: time.Now(),
	}
}

func newTestAnalyzer(port *stubPairPort) *Analyzer {
	defaults := config.GetDefaultConfig()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	sim := simulator.NewSimulator(defaults.Simulator, logger)
	oracle := pricing.NewOracle(defaults.Pricing, port, weth, logger)
	return NewAnalyzer(defaults.Analyzer, defaults.Chain, sim, port, &stubGasPort{}, oracle, logger)
}

func TestAnalyzeProducesStrategies(t *testing.T) {
	port := &stubPairPort{reserves: testReserves(eth(100), usdc6(200000))}
	a := newTestAnalyzer(port)

	analysis, err := a.Analyze(context.Background(), swapTx(eth(1), 50))
	require.NoError(t, err)
	require.Empty(t, analysis.RejectReason)
	require.True(t, analysis.Eligible())

	assert.Equal(t, eth(1), analysis.VictimValueWei)
	assert.Equal(t, int64(129), analysis.PriceImpactBps)
	assert.Equal(t, int64(100), analysis.PoolFractionBps)
	require.Len(t, analysis.Strategies, 3)

	byKind := make(map[models.StrategyKind]*models.StrategyCandidate)
	for _, c := range analysis.Strategies {
		byKind[c.Kind] = c
	}

	sandwich := byKind[models.StrategySandwich]
	require.NotNil(t, sandwich)
	// 候选金额搜索选中2倍受害者金额的夹层
	assert.Equal(t, eth(2), sandwich.AmountIn)
	// gas价格取受害者出价50 gwei × 1.1倍率，高于估算器报价
	assert.Equal(t, config.GweiToWei(55), sandwich.GasPrice)
	assert.Equal(t, big.NewInt(26982735249780325), sandwich.GrossProfit)
	assert.Equal(t, big.NewInt(7182735249780325), sandwich.NetProfit)

	frontrun := byKind[models.StrategyFrontrun]
	require.NotNil(t, frontrun)
	assert.Equal(t, config.GweiToWei(57.5), frontrun.GasPrice)
	assert.Equal(t, big.NewInt(63545083414729927), frontrun.NetProfit)

	backrun := byKind[models.StrategyBackrun]
	require.NotNil(t, backrun)
	assert.Equal(t, config.GweiToWei(50), backrun.GasPrice)
	assert.Equal(t, big.NewInt(29363547401433155), backrun.NetProfit)
}

func TestBackrunDenominatedInVictimOutputToken(t *testing.T) {
	port := &stubPairPort{reserves: testReserves(eth(100), usdc6(200000))}
	a := newTestAnalyzer(port)

	analysis, err := a.Analyze(context.Background(), swapTx(eth(1), 50))
	require.NoError(t, err)

	var backrun *models.StrategyCandidate
	for _, c := range analysis.Strategies {
		if c.Kind == models.StrategyBackrun {
			backrun = c
		}
	}
	require.NotNil(t, backrun)

	// 受害者卖WETH买USDC，回跑方向相反：投入USDC买回被压低的WETH
	assert.Equal(t, usdc, backrun.TokenIn)
	assert.Equal(t, weth, backrun.TokenOut)
	assert.Equal(t, []common.Address{usdc, weth}, backrun.Path)
	// 投入为受害者USDC所得的2倍（候选集最大基点），6位小数
	assert.Equal(t, big.NewInt(3948632136), backrun.AmountIn)
	assert.Equal(t, big.NewInt(38363547401433155), backrun.GrossProfit)
	// 收益率分子分母先折算为同币种：3948632136 USDC按池内现价约1.974 ETH
	assert.Equal(t, int64(194), backrun.ROIBps)
}

func TestCandidateEmbedsPricedGasQuote(t *testing.T) {
	port := &stubPairPort{reserves: testReserves(eth(100), usdc6(200000))}
	a := newTestAnalyzer(port)

	analysis, err := a.Analyze(context.Background(), swapTx(eth(1), 50))
	require.NoError(t, err)
	require.Len(t, analysis.Strategies, 3)

	// 受害者出价×倍率压过估算器报价时，内嵌报价随之抬升，始终与计价一致
	for _, c := range analysis.Strategies {
		require.NotNil(t, c.GasQuote, "策略 %s 缺少报价", c.Kind)
		assert.Equal(t, c.GasPrice, c.GasQuote.EffectivePrice(), "策略 %s 报价与计价不一致", c.Kind)
	}
}

func TestAnalyzeRejectsNonSwap(t *testing.T) {
	a := newTestAnalyzer(&stubPairPort{reserves: testReserves(eth(100), usdc6(200000))})

	decoded := &models.DecodedTransaction{Class: models.TxClassETHTransfer}
	analysis, err := a.Analyze(context.Background(), decoded)
	require.NoError(t, err)
	assert.False(t, analysis.Eligible())
	assert.Contains(t, analysis.RejectReason, "非兑换")

	analysis, err = a.Analyze(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, analysis.Eligible())
}

func TestAnalyzeRejectsHighVictimGas(t *testing.T) {
	a := newTestAnalyzer(&stubPairPort{reserves: testReserves(eth(100), usdc6(200000))})

	// 600 gwei超过500 gwei上限
	analysis, err := a.Analyze(context.Background(), swapTx(eth(1), 600))
	require.NoError(t, err)
	assert.Contains(t, analysis.RejectReason, "受害者gas价格")
}

func TestAnalyzeRejectsUnknownProtocol(t *testing.T) {
	a := newTestAnalyzer(&stubPairPort{reserves: testReserves(eth(100), usdc6(200000))})

	tx := swapTx(eth(1), 50)
	tx.Swap.Protocol = "pancake_v9"
	analysis, err := a.Analyze(context.Background(), tx)
	require.NoError(t, err)
	assert.Contains(t, analysis.RejectReason, "未配置工厂地址")
}

func TestAnalyzeRejectsPairResolutionFailure(t *testing.T) {
	port := &stubPairPort{pairErr: fmt.Errorf("交易对不存在")}
	a := newTestAnalyzer(port)

	analysis, err := a.Analyze(context.Background(), swapTx(eth(1), 50))
	require.NoError(t, err)
	assert.Contains(t, analysis.RejectReason, "交易对解析失败")
}

func TestAnalyzeRejectsInvalidReserves(t *testing.T) {
	port := &stubPairPort{reserves: testReserves(big.NewInt(0), usdc6(200000))}
	a := newTestAnalyzer(port)

	analysis, err := a.Analyze(context.Background(), swapTx(eth(1), 50))
	require.NoError(t, err)
	assert.Contains(t, analysis.RejectReason, "储备量不可用")
}

func TestAnalyzeRejectsSmallSwap(t *testing.T) {
	port := &stubPairPort{reserves: testReserves(eth(100), usdc6(200000))}
	a := newTestAnalyzer(port)

	// 0.1 ETH低于0.5 ETH门槛，法币等值250也低于1000门槛
	analysis, err := a.Analyze(context.Background(), swapTx(big.NewInt(1e17), 50))
	require.NoError(t, err)
	assert.Contains(t, analysis.RejectReason, "兑换金额低于门槛")
}

func TestAnalyzeRejectsUnpriceableToken(t *testing.T) {
	port := &stubPairPort{reserves: testReserves(eth(100), usdc6(200000))}
	a := newTestAnalyzer(port)

	tx := swapTx(eth(1), 50)
	tx.Swap.TokenIn = common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	analysis, err := a.Analyze(context.Background(), tx)
	require.NoError(t, err)
	assert.Contains(t, analysis.RejectReason, "无法定价")
}

func TestAnalyzeRejectsExcessivePriceImpact(t *testing.T) {
	port := &stubPairPort{reserves: testReserves(eth(100), usdc6(200000))}
	a := newTestAnalyzer(port)

	// 12%的池占比把价格冲击推过1000bps上限
	analysis, err := a.Analyze(context.Background(), swapTx(eth(12), 50))
	require.NoError(t, err)
	assert.Contains(t, analysis.RejectReason, "价格冲击")
}

func TestAnalyzeRejectsPoolFractionOutOfRange(t *testing.T) {
	// 占比过大：6%超过500bps上限，但冲击593bps仍在区间内
	port := &stubPairPort{reserves: testReserves(eth(100), usdc6(200000))}
	a := newTestAnalyzer(port)

	analysis, err := a.Analyze(context.Background(), swapTx(eth(6), 50))
	require.NoError(t, err)
	assert.Contains(t, analysis.RejectReason, "池占比")

	// 占比过小：0.5 ETH只占1000 ETH池子的5bps
	port = &stubPairPort{reserves: testReserves(eth(1000), usdc6(2000000))}
	a = newTestAnalyzer(port)

	analysis, err = a.Analyze(context.Background(), swapTx(big.NewInt(5e17), 50))
	require.NoError(t, err)
	assert.Contains(t, analysis.RejectReason, "池占比")
}
