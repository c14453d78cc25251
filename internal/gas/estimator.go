package gas

import (
	"context"
	"math"
	"math/big"
	"sort"
	"sync"
	"time"

	"mevscan/internal/config"
	"mevscan/pkg/models"

	"github.com/sirupsen/logrus"
)

// ChainHead 最新区块摘要
type ChainHead struct {
	Number  uint64
	BaseFee *big.Int // 前伦敦升级网络为nil
}

// FeePort 费用数据读端口
type FeePort interface {
	GetLatestBlock(ctx context.Context) (*ChainHead, error)
	// GetFeeHistory 返回最近blocks个区块在各百分位上的优先费奖励
	GetFeeHistory(ctx context.Context, blocks int, percentiles []float64) ([][]*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// feeSnapshot 费用快照，发布后不可变
// 刷新协程独立于交易处理，分析任务无阻塞读取
type feeSnapshot struct {
	baseFee     *big.Int
	priorityFee *big.Int
	gasPrice    *big.Int // legacy模式
	refreshedAt time.Time
}

// Estimator gas费用估算器
// 网络模式（legacy / EIP-1559）启动时检测一次，此后视为稳定，仅重启时重新检测
type Estimator struct {
	config *config.GasConfig
	port   FeePort
	logger *logrus.Logger

	mode models.GasQuoteType

	mu       sync.RWMutex
	snapshot *feeSnapshot
}

// NewEstimator 创建gas估算器
func NewEstimator(cfg *config.GasConfig, port FeePort, logger *logrus.Logger) *Estimator {
	return &Estimator{
		config: cfg,
		port:   port,
		logger: logger,
		mode:   models.GasQuoteDynamic,
		snapshot: &feeSnapshot{
			baseFee:     config.GweiToWei(cfg.DefaultBaseFeeGwei),
			priorityFee: config.GweiToWei(cfg.DefaultPriorityGwei),
			gasPrice:    config.GweiToWei(cfg.DefaultGasPriceGwei),
			refreshedAt: time.Now(),
		},
	}
}

// Start 检测网络模式并启动定时刷新
func (e *Estimator) Start(ctx context.Context) error {
	head, err := e.port.GetLatestBlock(ctx)
	if err != nil {
		// 检测失败保持默认模式，使用静态回退值
		e.logger.Warnf("网络模式检测失败，按EIP-1559处理: %v", err)
	} else if head.BaseFee == nil {
		e.mode = models.GasQuoteLegacy
	}
	e.logger.Infof("gas估算器启动，网络模式: %s", e.mode)

	e.refresh(ctx)

	interval := config.ParseDuration(e.config.RefreshInterval, 3*time.Second)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.refresh(ctx)
			}
		}
	}()
	return nil
}

// Mode 当前网络模式
func (e *Estimator) Mode() models.GasQuoteType {
	return e.mode
}

// refresh 刷新费用快照
// 任何失败保留上一个快照，不向上传播
func (e *Estimator) refresh(ctx context.Context) {
	if e.mode == models.GasQuoteLegacy {
		price, err := e.port.SuggestGasPrice(ctx)
		if err != nil {
			e.logger.Debugf("gas价格刷新失败，沿用上一快照: %v", err)
			return
		}
		e.publish(&feeSnapshot{
			gasPrice:    price,
			refreshedAt: time.Now(),
		})
		return
	}

	head, err := e.port.GetLatestBlock(ctx)
	if err != nil || head.BaseFee == nil {
		e.logger.Debugf("基础费刷新失败，沿用上一快照: %v", err)
		return
	}

	priority := e.estimatePriorityFee(ctx)

	e.publish(&feeSnapshot{
		baseFee:     head.BaseFee,
		priorityFee: priority,
		refreshedAt: time.Now(),
	})
}

// publish 发布新快照
func (e *Estimator) publish(s *feeSnapshot) {
	e.mu.Lock()
	e.snapshot = s
	e.mu.Unlock()
}

// current 读取当前快照
func (e *Estimator) current() *feeSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot
}

// estimatePriorityFee 估算优先费
// 取最近N个区块50分位奖励的中位数，钳制到[min, max]后乘以竞争倍率
func (e *Estimator) estimatePriorityFee(ctx context.Context) *big.Int {
	fallback := config.GweiToWei(e.config.DefaultPriorityGwei)

	rewards, err := e.port.GetFeeHistory(ctx, e.config.HistoryBlocks, []float64{e.config.RewardPercentile})
	if err != nil || len(rewards) == 0 {
		e.logger.Debugf("费用历史查询失败，使用默认优先费: %v", err)
		return e.boostAndClamp(fallback)
	}

	samples := make([]*big.Int, 0, len(rewards))
	for _, blockRewards := range rewards {
		if len(blockRewards) > 0 && blockRewards[0] != nil {
			samples = append(samples, blockRewards[0])
		}
	}
	if len(samples) == 0 {
		return e.boostAndClamp(fallback)
	}

	sort.Slice(samples, func(i, j int) bool {
		return samples[i].Cmp(samples[j]) < 0
	})
	median := samples[len(samples)/2]

	return e.boostAndClamp(median)
}

// boostAndClamp 钳制优先费到配置区间并应用竞争倍率
func (e *Estimator) boostAndClamp(priority *big.Int) *big.Int {
	min := config.GweiToWei(e.config.MinPriorityGwei)
	max := config.GweiToWei(e.config.MaxPriorityGwei)

	clamped := new(big.Int).Set(priority)
	if clamped.Cmp(min) < 0 {
		clamped.Set(min)
	}
	if clamped.Cmp(max) > 0 {
		clamped.Set(max)
	}

	return mulFloat(clamped, e.config.CompetitiveMultiplier)
}

// mulFloat 大整数乘浮点倍率，经由千分位定点避免精度丢失
func mulFloat(v *big.Int, factor float64) *big.Int {
	scaled := big.NewInt(int64(math.Round(factor * 1000)))
	result := new(big.Int).Mul(v, scaled)
	return result.Div(result, big.NewInt(1000))
}

// EstimateOptimal 计算最优gas报价
// EIP-1559模式：下一区块基础费按当前值×1.125（协议单区块最大涨幅）投影
func (e *Estimator) EstimateOptimal(refTx *models.PendingTransaction) *models.GasQuote {
	snap := e.current()

	if e.mode == models.GasQuoteLegacy {
		return e.legacyQuote(snap, refTx)
	}

	baseFee := snap.baseFee
	if baseFee == nil {
		baseFee = config.GweiToWei(e.config.DefaultBaseFeeGwei)
	}
	priority := snap.priorityFee
	if priority == nil {
		priority = config.GweiToWei(e.config.DefaultPriorityGwei)
	}

	// 投影下一区块基础费: base * 1125 / 1000
	projected := new(big.Int).Mul(baseFee, big.NewInt(1125))
	projected.Div(projected, big.NewInt(1000))

	maxFee := new(big.Int).Add(projected, priority)

	// 绝对上限：超出时压缩优先费，保持 maxFee = projected + priority 恒等
	cap := config.GweiToWei(e.config.MaxGasPriceGwei)
	if maxFee.Cmp(cap) > 0 {
		reduced := new(big.Int).Sub(cap, projected)
		minPriority := config.GweiToWei(e.config.MinPriorityGwei)
		if reduced.Cmp(minPriority) < 0 {
			reduced = minPriority
		}
		priority = reduced
		maxFee = new(big.Int).Add(projected, priority)
	}

	return &models.GasQuote{
		Type:                 models.GasQuoteDynamic,
		BaseFee:              new(big.Int).Set(baseFee),
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: priority,
		ComputedAt:           time.Now(),
	}
}

// legacyQuote legacy模式报价：参考交易gas价按倍率放大并封顶
func (e *Estimator) legacyQuote(snap *feeSnapshot, refTx *models.PendingTransaction) *models.GasQuote {
	base := snap.gasPrice
	if refTx != nil && refTx.GasPrice != nil && refTx.GasPrice.Sign() > 0 {
		base = refTx.GasPrice
	}
	if base == nil {
		base = config.GweiToWei(e.config.DefaultGasPriceGwei)
	}

	price := mulFloat(base, e.config.LegacyMultiplier)
	cap := config.GweiToWei(e.config.MaxGasPriceGwei)
	if price.Cmp(cap) > 0 {
		price = cap
	}

	return &models.GasQuote{
		Type:       models.GasQuoteLegacy,
		GasPrice:   price,
		ComputedAt: time.Now(),
	}
}

// strategyBoost 每种策略的额外加成倍率
// frontrun最高（必须排在受害者之前），sandwich次之，backrun最低
func (e *Estimator) strategyBoost(kind models.StrategyKind) float64 {
	switch kind {
	case models.StrategyFrontrun:
		return e.config.FrontrunBoost
	case models.StrategySandwich:
		return e.config.SandwichBoost
	case models.StrategyBackrun:
		return e.config.BackrunBoost
	default:
		return 1.0
	}
}

// EstimateForStrategy 按策略类型在最优估算上应用额外加成
func (e *Estimator) EstimateForStrategy(kind models.StrategyKind, refTx *models.PendingTransaction) *models.GasQuote {
	quote := e.EstimateOptimal(refTx)
	boost := e.strategyBoost(kind)

	if quote.Type == models.GasQuoteLegacy {
		price := mulFloat(quote.GasPrice, boost)
		cap := config.GweiToWei(e.config.MaxGasPriceGwei)
		if price.Cmp(cap) > 0 {
			price = cap
		}
		quote.GasPrice = price
		return quote
	}

	priority := mulFloat(quote.MaxPriorityFeePerGas, boost)
	maxPriority := config.GweiToWei(e.config.MaxPriorityGwei)
	// 加成后的优先费允许超过常规钳制上限，但不超过其加成倍数
	boostedCap := mulFloat(maxPriority, boost)
	if priority.Cmp(boostedCap) > 0 {
		priority = boostedCap
	}

	projected := new(big.Int).Mul(quote.BaseFee, big.NewInt(1125))
	projected.Div(projected, big.NewInt(1000))
	quote.MaxPriorityFeePerGas = priority
	quote.MaxFeePerGas = new(big.Int).Add(projected, priority)
	return quote
}
