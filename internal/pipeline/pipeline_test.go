package pipeline

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"mevscan/internal/analyzer"
	"mevscan/internal/config"
	"mevscan/internal/decoder"
	"mevscan/internal/orchestrator"
	"mevscan/internal/output"
	"mevscan/internal/pricing"
	"mevscan/internal/risk"
	"mevscan/internal/simulator"
	"mevscan/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	weth   = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc   = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	router = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
)

// memOutput 进程内输出收集器
type memOutput struct {
	mu            sync.Mutex
	opportunities []*models.Opportunity
	rejections    []*output.Rejection
}

func (m *memOutput) WriteOpportunity(opp *models.Opportunity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opportunities = append(m.opportunities, opp)
	return nil
}

func (m *memOutput) WriteRejection(rejection *output.Rejection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections = append(m.rejections, rejection)
	return nil
}

func (m *memOutput) WriteRiskEvent(event *output.RiskEvent) error { return nil }

func (m *memOutput) WriteStats(stats *models.OpportunityStats) error { return nil }

func (m *memOutput) Close() error { return nil }

func (m *memOutput) emittedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.opportunities)
}

func (m *memOutput) rejectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rejections)
}

// stubPairPort 固定储备量的交易对端口
type stubPairPort struct {
	reserves *models.PoolReserves
}

func (s *stubPairPort) GetReserves(ctx context.Context, pair common.Address) (*models.PoolReserves, error) {
	return s.reserves, nil
}

func (s *stubPairPort) GetPairAddress(ctx context.Context, factory, tokenA, tokenB common.Address) (common.Address, error) {
	return s.reserves.Pair, nil
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

func newTestPipeline(t *testing.T, mutate func(*config.Config)) (*Pipeline, *memOutput) {
	cfg := config.GetDefaultConfig()
	cfg.Pipeline.Workers = 2
	if mutate != nil {
		mutate(cfg)
	}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	port := &stubPairPort{
		reserves: &models.PoolReserves{
			Pair:      common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc"),
			Token0:    weth,
			Token1:    usdc,
			Reserve0:  new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18)),
			Reserve1:  big.NewInt(200000e6),
			UpdatedAt: time.Now(),
		},
	}

	sim := simulator.NewSimulator(cfg.Simulator, logger)
	oracle := pricing.NewOracle(cfg.Pricing, port, weth, logger)
	dec := decoder.NewDecoder(cfg.Decoder, weth, nil, logger)
	ana := analyzer.NewAnalyzer(cfg.Analyzer, cfg.Chain, sim, port, &stubGasPort{}, oracle, logger)
	orch := orchestrator.NewOrchestrator(cfg.Orchestrator, cfg.Analyzer, &stubGasPort{}, oracle, sim, port, weth, logger)
	riskMgr := risk.NewManager(cfg.Risk, weth, nil, logger)
	out := &memOutput{}

	return NewPipeline(cfg.Pipeline, dec, ana, orch, riskMgr, out, nil, logger), out
}

// victimSwapTx 构造一笔可产出机会的兑换交易
func victimSwapTx(hash string) *models.PendingTransaction {
	input := common.FromHex("0x38ed1739")
	words := [][]byte{
		common.LeftPadBytes(big.NewInt(1e18).Bytes(), 32),          // amountIn 1 WETH
		common.LeftPadBytes(big.NewInt(1900e6).Bytes(), 32),        // amountOutMin
		common.LeftPadBytes(big.NewInt(160).Bytes(), 32),           // path偏移
		common.LeftPadBytes(router.Bytes(), 32),                    // to
		common.LeftPadBytes(big.NewInt(1700000000).Bytes(), 32),    // deadline
		common.LeftPadBytes(big.NewInt(2).Bytes(), 32),             // path长度
		common.LeftPadBytes(weth.Bytes(), 32),
		common.LeftPadBytes(usdc.Bytes(), 32),
	}
	for _, w := range words {
		input = append(input, w...)
	}
	to := router
	return &models.PendingTransaction{
		Hash:      common.HexToHash(hash),
		To:        &to,
		Value:     big.NewInt(0),
		Input:     input,
		GasPrice:  config.GweiToWei(50),
		ArrivedAt: time.Now(),
		Source:    "test",
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	p, out := newTestPipeline(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	p.Submit(victimSwapTx("0x01"))

	require.Eventually(t, func() bool {
		return out.emittedCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	stats := p.GetStats()
	assert.Equal(t, uint64(1), stats.Received)
	assert.Equal(t, uint64(1), stats.Decoded)
	assert.Equal(t, uint64(1), stats.Swaps)
	assert.Equal(t, uint64(1), stats.Analyzed)
	assert.Equal(t, uint64(1), stats.Opportunities)
	assert.Equal(t, uint64(1), stats.Emitted)
	assert.Equal(t, uint64(0), stats.RiskRejected)

	opp := out.opportunities[0]
	// 三个候选策略中抢跑净利润最高
	assert.Equal(t, models.StrategyFrontrun, opp.Type)
	assert.Len(t, opp.Strategies, 3)
}

func TestPipelineDeduplicates(t *testing.T) {
	p, out := newTestPipeline(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	p.Submit(victimSwapTx("0x02"))
	p.Submit(victimSwapTx("0x02"))

	require.Eventually(t, func() bool {
		s := p.GetStats()
		return s.Emitted+s.Duplicates+s.Opportunities >= 2 && s.Duplicates == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, out.emittedCount())
}

func TestPipelineIgnoresNonSwap(t *testing.T) {
	p, out := newTestPipeline(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	// 原生转账不进入分析
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	p.Submit(&models.PendingTransaction{
		Hash:  common.HexToHash("0x03"),
		To:    &to,
		Value: big.NewInt(1e18),
	})

	require.Eventually(t, func() bool {
		return p.GetStats().Decoded == 1
	}, 2*time.Second, 10*time.Millisecond)

	stats := p.GetStats()
	assert.Equal(t, uint64(0), stats.Swaps)
	assert.Equal(t, uint64(0), stats.Analyzed)
	assert.Equal(t, 0, out.emittedCount())
}

func TestPipelineRiskRejectionGoesToRejections(t *testing.T) {
	p, out := newTestPipeline(t, func(cfg *config.Config) {
		// 风控利润下限抬到编排器下限之上，机会被风控拦截
		cfg.Risk.MinProfitEth = 1
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	p.Submit(victimSwapTx("0x04"))

	require.Eventually(t, func() bool {
		return out.rejectedCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	stats := p.GetStats()
	assert.Equal(t, uint64(1), stats.Opportunities)
	assert.Equal(t, uint64(1), stats.RiskRejected)
	assert.Equal(t, uint64(0), stats.Emitted)
	assert.Equal(t, 0, out.emittedCount())
	assert.Contains(t, out.rejections[0].Reason, "利润")
}

func TestSubmitDropsOldestWhenFull(t *testing.T) {
	p, _ := newTestPipeline(t, func(cfg *config.Config) {
		cfg.Pipeline.QueueSize = 2
	})
	// 不启动工作协程，让队列保持满载

	p.Submit(victimSwapTx("0x05"))
	p.Submit(victimSwapTx("0x06"))
	p.Submit(victimSwapTx("0x07"))

	stats := p.GetStats()
	assert.Equal(t, uint64(3), stats.Received)
	assert.Equal(t, uint64(1), stats.DroppedOverflow)
	assert.Equal(t, 2, p.QueueDepth())
}
