package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"mevscan/internal/analyzer"
	"mevscan/internal/cache"
	"mevscan/internal/config"
	"mevscan/internal/pricing"
	"mevscan/internal/simulator"
	"mevscan/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// GasPort gas报价端口
type GasPort interface {
	EstimateForStrategy(kind models.StrategyKind, refTx *models.PendingTransaction) *models.GasQuote
}

// ReservePort 储备量读端口
type ReservePort interface {
	GetReserves(ctx context.Context, pair common.Address) (*models.PoolReserves, error)
}

// Orchestrator 机会编排器
// 从分析结果装配机会：最优策略选择、全局盈利下限、去重、TTL存储与生命周期管理
type Orchestrator struct {
	config        *config.OrchestratorConfig
	analyzerCfg   *config.AnalyzerConfig
	gas           GasPort
	oracle        *pricing.Oracle
	sim           *simulator.Simulator
	reserves      ReservePort
	wrappedNative common.Address
	logger        *logrus.Logger

	store *cache.TTLMap // 机会ID -> *models.Opportunity
	dedup *cache.TTLMap // 目标交易哈希去重集合

	mu    sync.Mutex
	stats models.OpportunityStats
}

// NewOrchestrator 创建机会编排器
func NewOrchestrator(cfg *config.OrchestratorConfig, analyzerCfg *config.AnalyzerConfig, gasPort GasPort, oracle *pricing.Oracle, sim *simulator.Simulator, reserves ReservePort, wrappedNative common.Address, logger *logrus.Logger) *Orchestrator {
	ttl := config.ParseDuration(cfg.OpportunityTTL, 5*time.Minute)
	return &Orchestrator{
		config:        cfg,
		analyzerCfg:   analyzerCfg,
		gas:           gasPort,
		oracle:        oracle,
		sim:           sim,
		reserves:      reserves,
		wrappedNative: wrappedNative,
		logger:        logger,
		store:         cache.NewTTLMap(ttl),
		dedup:         cache.NewTTLMap(ttl),
		stats: models.OpportunityStats{
			CumulativeProfitWei:  big.NewInt(0),
			CumulativeGasWei:     big.NewInt(0),
			CumulativeProfitFiat: decimal.Zero,
		},
	}
}

// StartSweeper 启动过期机会清理协程
func (o *Orchestrator) StartSweeper(ctx context.Context) {
	interval := config.ParseDuration(o.config.SweepInterval, 30*time.Second)
	o.store.StartSweeper(ctx, interval)
	o.dedup.StartSweeper(ctx, interval)
}

// DetectOpportunity 从分析结果装配机会
// 返回nil表示没有可接受的机会（未达门槛或重复），不是错误
func (o *Orchestrator) DetectOpportunity(ctx context.Context, analysis *analyzer.Analysis) *models.Opportunity {
	if analysis == nil || !analysis.Eligible() {
		return nil
	}

	// 最优策略：净利润最高者，持平时gas成本低者
	var best *models.StrategyCandidate
	for _, candidate := range analysis.Strategies {
		if candidate.Better(best) {
			best = candidate
		}
	}
	if best == nil {
		return nil
	}

	// 全局盈利下限，独立于分析器的每策略门槛；必须严格大于
	minProfit := config.EthToWei(o.config.MinProfitEth)
	if best.NetProfit.Cmp(minProfit) <= 0 || best.ROIBps <= o.config.MinROIBps {
		o.mu.Lock()
		o.stats.RejectedByFloor++
		o.mu.Unlock()
		return nil
	}

	// 同一目标交易只产出一个机会
	targetHash := analysis.Target.Hash
	if !o.dedup.SetIfAbsent(targetHash.Hex(), struct{}{}) {
		o.mu.Lock()
		o.stats.Deduplicated++
		o.mu.Unlock()
		return nil
	}

	// 机会携带候选盈利计算实际使用的报价，而不是装配时刻的重新估算
	quote := best.GasQuote
	if quote == nil {
		quote = o.gas.EstimateForStrategy(best.Kind, analysis.Target.Tx)
	}

	opp := &models.Opportunity{
		ID:                  newOpportunityID(targetHash.Hex()),
		TargetTxHash:        &targetHash,
		Type:                best.Kind,
		Strategies:          analysis.Strategies,
		Best:                best,
		EstimatedProfitWei:  new(big.Int).Set(best.NetProfit),
		EstimatedProfitFiat: o.oracle.WeiToFiat(best.NetProfit),
		GasQuote:            quote.Clone(),
		CreatedAt:           time.Now(),
		Status:              models.OpportunityDetected,
	}

	o.store.Set(opp.ID, opp)

	o.mu.Lock()
	o.stats.Detected++
	o.mu.Unlock()

	o.logger.Infof("发现机会 %s: 策略=%s 净利润=%s wei (%s 法币)",
		opp.ID, opp.Type, opp.EstimatedProfitWei.String(), opp.EstimatedProfitFiat.StringFixed(2))

	return opp
}

// GetOpportunity 按ID查询机会
func (o *Orchestrator) GetOpportunity(id string) (*models.Opportunity, bool) {
	v, ok := o.store.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*models.Opportunity), true
}

// ListOpportunities 列出当前存活的机会
func (o *Orchestrator) ListOpportunities() []*models.Opportunity {
	var out []*models.Opportunity
	o.store.Range(func(key string, value interface{}) bool {
		out = append(out, value.(*models.Opportunity))
		return true
	})
	return out
}

// MarkSubmitted 标记机会已提交执行
func (o *Orchestrator) MarkSubmitted(id string) error {
	opp, ok := o.GetOpportunity(id)
	if !ok {
		return fmt.Errorf("机会 %s 不存在或已过期", id)
	}
	if opp.Status != models.OpportunityDetected {
		return fmt.Errorf("机会 %s 状态 %s 不允许提交", id, opp.Status)
	}

	now := time.Now()
	opp.Status = models.OpportunitySubmitted
	opp.SubmittedAt = &now

	o.mu.Lock()
	o.stats.Submitted++
	o.stats.Pending++
	o.mu.Unlock()
	return nil
}

// MarkSuccessful 标记机会执行成功并记录已实现利润
func (o *Orchestrator) MarkSuccessful(id string, actualProfit *big.Int, gasUsed uint64) error {
	opp, ok := o.GetOpportunity(id)
	if !ok {
		return fmt.Errorf("机会 %s 不存在或已过期", id)
	}
	if opp.Status != models.OpportunitySubmitted {
		return fmt.Errorf("机会 %s 状态 %s 不允许确认", id, opp.Status)
	}

	now := time.Now()
	opp.Status = models.OpportunityConfirmed
	opp.CompletedAt = &now
	opp.ActualProfit = new(big.Int).Set(actualProfit)
	opp.GasUsed = gasUsed

	gasWei := new(big.Int).Mul(opp.GasQuote.EffectivePrice(), new(big.Int).SetUint64(gasUsed))

	o.mu.Lock()
	o.stats.Confirmed++
	o.stats.Pending--
	o.stats.CumulativeProfitWei.Add(o.stats.CumulativeProfitWei, actualProfit)
	o.stats.CumulativeGasWei.Add(o.stats.CumulativeGasWei, gasWei)
	o.stats.CumulativeProfitFiat = o.stats.CumulativeProfitFiat.Add(o.oracle.WeiToFiat(actualProfit))
	o.mu.Unlock()
	return nil
}

// MarkFailed 标记机会执行失败
func (o *Orchestrator) MarkFailed(id string, gasUsed uint64) error {
	opp, ok := o.GetOpportunity(id)
	if !ok {
		return fmt.Errorf("机会 %s 不存在或已过期", id)
	}
	if opp.Status != models.OpportunitySubmitted {
		return fmt.Errorf("机会 %s 状态 %s 不允许标记失败", id, opp.Status)
	}

	now := time.Now()
	opp.Status = models.OpportunityFailed
	opp.CompletedAt = &now
	opp.GasUsed = gasUsed

	gasWei := new(big.Int).Mul(opp.GasQuote.EffectivePrice(), new(big.Int).SetUint64(gasUsed))

	o.mu.Lock()
	o.stats.Failed++
	o.stats.Pending--
	o.stats.CumulativeGasWei.Add(o.stats.CumulativeGasWei, gasWei)
	o.mu.Unlock()
	return nil
}

// GetStats 统计快照
func (o *Orchestrator) GetStats() models.OpportunityStats {
	o.mu.Lock()
	defer o.mu.Unlock()

	snapshot := o.stats
	snapshot.CumulativeProfitWei = new(big.Int).Set(o.stats.CumulativeProfitWei)
	snapshot.CumulativeGasWei = new(big.Int).Set(o.stats.CumulativeGasWei)
	return snapshot
}

// FindMultiHopOpportunities 在给定交易对集合上批量搜索环形套利路径
// 从包装原生资产出发，深度优先枚举不超过maxHops跳的环形路径并逐条模拟
// 两跳路径归类为跨池套利，更长路径归类为多跳策略
func (o *Orchestrator) FindMultiHopOpportunities(ctx context.Context, pairAddrs []common.Address, maxHops int) []*models.Opportunity {
	if maxHops <= 0 {
		maxHops = o.config.MaxHops
	}

	// 一次性拉取全部储备量快照，构建代币邻接表
	snapshots := make([]*models.PoolReserves, 0, len(pairAddrs))
	adjacency := make(map[common.Address][]*models.PoolReserves)
	for _, addr := range pairAddrs {
		reserves, err := o.reserves.GetReserves(ctx, addr)
		if err != nil || !reserves.Valid() {
			o.logger.Debugf("交易对 %s 储备量不可用，跳过: %v", addr.Hex(), err)
			continue
		}
		snapshots = append(snapshots, reserves)
		adjacency[reserves.Token0] = append(adjacency[reserves.Token0], reserves)
		adjacency[reserves.Token1] = append(adjacency[reserves.Token1], reserves)
	}
	if len(snapshots) == 0 {
		return nil
	}

	referenceAmount := config.EthToWei(1)
	var found []*models.Opportunity

	var walk func(token common.Address, path []*models.PoolReserves, tokens []common.Address)
	walk = func(token common.Address, path []*models.PoolReserves, tokens []common.Address) {
		if len(path) >= 2 && token == o.wrappedNative {
			if opp := o.evaluateCircularPath(tokens, path, referenceAmount); opp != nil {
				found = append(found, opp)
			}
			// 环闭合后不再延伸该路径
			return
		}
		if len(path) >= maxHops {
			return
		}
		for _, pair := range adjacency[token] {
			if containsPair(path, pair.Pair) {
				continue
			}
			next := pair.Token0
			if token == pair.Token0 {
				next = pair.Token1
			}
			// 分支间不共享底层数组
			nextPath := make([]*models.PoolReserves, len(path), len(path)+1)
			copy(nextPath, path)
			nextTokens := make([]common.Address, len(tokens), len(tokens)+1)
			copy(nextTokens, tokens)
			walk(next, append(nextPath, pair), append(nextTokens, next))
		}
	}

	walk(o.wrappedNative, nil, []common.Address{o.wrappedNative})
	return found
}

// evaluateCircularPath 模拟单条环形路径，达标则装配机会
func (o *Orchestrator) evaluateCircularPath(tokens []common.Address, path []*models.PoolReserves, referenceAmount *big.Int) *models.Opportunity {
	var best *simulator.MultiHopResult
	var bestAmount *big.Int

	for _, fracBps := range o.sim.CandidateFractionsBps() {
		amount := new(big.Int).Mul(referenceAmount, big.NewInt(fracBps))
		amount.Div(amount, big.NewInt(10000))
		if amount.Sign() <= 0 {
			continue
		}

		result, err := o.sim.SimulateMultiHop(tokens, path, amount)
		if err != nil {
			continue
		}
		if !result.Circular {
			return nil
		}
		if best == nil || result.Profit.Cmp(best.Profit) > 0 {
			best = result
			bestAmount = amount
		}
	}
	if best == nil || best.Profit.Sign() <= 0 {
		return nil
	}

	kind := models.StrategyMultiHop
	gasLimit := o.analyzerCfg.MultiHopGasLimit
	if len(path) == 2 {
		kind = models.StrategyArbitrage
		gasLimit = o.analyzerCfg.ArbitrageGasLimit
	}

	quote := o.gas.EstimateForStrategy(kind, nil)
	gasCost := quote.Cost(gasLimit)
	netProfit := new(big.Int).Sub(best.Profit, gasCost)

	minProfit := config.EthToWei(o.config.MinProfitEth)
	roiBps := models.ComputeROIBps(netProfit, bestAmount)
	if netProfit.Cmp(minProfit) <= 0 || roiBps <= o.config.MinROIBps {
		return nil
	}

	pairs := make([]common.Address, 0, len(path))
	for _, p := range path {
		pairs = append(pairs, p.Pair)
	}

	candidate := &models.StrategyCandidate{
		Kind:        kind,
		TokenIn:     o.wrappedNative,
		TokenOut:    o.wrappedNative,
		Path:        tokens,
		Pairs:       pairs,
		AmountIn:    bestAmount,
		ExpectedOut: best.HopOutputs[len(best.HopOutputs)-1],
		GrossProfit: best.Profit,
		GasLimit:    gasLimit,
		GasPrice:    quote.EffectivePrice(),
		GasCost:     gasCost,
		GasQuote:    quote,
		NetProfit:   netProfit,
		ROIBps:      roiBps,
	}

	// 路径去重：同一交易对序列只产出一个机会
	dedupKey := "path"
	for _, p := range pairs {
		dedupKey += ":" + p.Hex()
	}
	if !o.dedup.SetIfAbsent(dedupKey, struct{}{}) {
		o.mu.Lock()
		o.stats.Deduplicated++
		o.mu.Unlock()
		return nil
	}

	opp := &models.Opportunity{
		ID:                  newOpportunityID(dedupKey),
		Type:                kind,
		Strategies:          []*models.StrategyCandidate{candidate},
		Best:                candidate,
		EstimatedProfitWei:  new(big.Int).Set(netProfit),
		EstimatedProfitFiat: o.oracle.WeiToFiat(netProfit),
		GasQuote:            quote,
		CreatedAt:           time.Now(),
		Status:              models.OpportunityDetected,
	}
	o.store.Set(opp.ID, opp)

	o.mu.Lock()
	o.stats.Detected++
	o.mu.Unlock()

	return opp
}

// containsPair 路径中是否已包含指定交易对
func containsPair(path []*models.PoolReserves, pair common.Address) bool {
	for _, p := range path {
		if p.Pair == pair {
			return true
		}
	}
	return false
}

// 机会ID序号，同一进程内单调递增
var (
	idMu  sync.Mutex
	idSeq uint64
)

// newOpportunityID 生成机会ID
func newOpportunityID(seed string) string {
	idMu.Lock()
	idSeq++
	seq := idSeq
	idMu.Unlock()

	suffix := seed
	if len(suffix) > 10 {
		suffix = suffix[2:10]
	}
	return fmt.Sprintf("opp_%d_%d_%s", time.Now().Unix(), seq, suffix)
}
