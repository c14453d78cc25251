package analyzer

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"mevscan/internal/config"
	"mevscan/internal/pricing"
	"mevscan/internal/simulator"
	"mevscan/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// PairPort 交易对读端口
type PairPort interface {
	GetReserves(ctx context.Context, pair common.Address) (*models.PoolReserves, error)
	GetPairAddress(ctx context.Context, factory, tokenA, tokenB common.Address) (common.Address, error)
}

// GasPort gas报价端口
type GasPort interface {
	EstimateForStrategy(kind models.StrategyKind, refTx *models.PendingTransaction) *models.GasQuote
}

// Analysis 单笔交易的分析结果
// RejectReason非空表示交易未通过可行性闸门，此时Strategies为空
type Analysis struct {
	Target          *models.DecodedTransaction  `json:"target"`
	Pair            *models.PoolReserves        `json:"pair,omitempty"`
	VictimValueWei  *big.Int                    `json:"victim_value_wei,omitempty"`
	PriceImpactBps  int64                       `json:"price_impact_bps"`
	PoolFractionBps int64                       `json:"pool_fraction_bps"`
	Strategies      []*models.StrategyCandidate `json:"strategies"`
	RejectReason    string                      `json:"reject_reason,omitempty"`
}

// Eligible 是否通过可行性闸门且存在至少一个候选策略
func (a *Analysis) Eligible() bool {
	return a.RejectReason == "" && len(a.Strategies) > 0
}

// Analyzer 交易分析器
// 每次分析只拉取一次储备量快照，全部策略在同一快照上评估
type Analyzer struct {
	config   *config.AnalyzerConfig
	chainCfg *config.ChainConfig
	sim      *simulator.Simulator
	port     PairPort
	gas      GasPort
	oracle   *pricing.Oracle
	logger   *logrus.Logger
}

// NewAnalyzer 创建交易分析器
func NewAnalyzer(cfg *config.AnalyzerConfig, chainCfg *config.ChainConfig, sim *simulator.Simulator, port PairPort, gasPort GasPort, oracle *pricing.Oracle, logger *logrus.Logger) *Analyzer {
	return &Analyzer{
		config:   cfg,
		chainCfg: chainCfg,
		sim:      sim,
		port:     port,
		gas:      gasPort,
		oracle:   oracle,
		logger:   logger,
	}
}

// reject 以指定原因短路返回
func reject(decoded *models.DecodedTransaction, format string, args ...interface{}) *Analysis {
	return &Analysis{
		Target:       decoded,
		RejectReason: fmt.Sprintf(format, args...),
	}
}

// Analyze 分析单笔已解码交易
// 可行性闸门按序短路；全部策略共享一份储备量快照；单个策略失败不影响其余策略
func (a *Analyzer) Analyze(ctx context.Context, decoded *models.DecodedTransaction) (*Analysis, error) {
	if decoded == nil || !decoded.IsSwap() {
		return reject(decoded, "非兑换交易"), nil
	}
	swap := decoded.Swap

	// 受害者gas价格上限：出价异常高的交易抢跑成本不可控
	maxVictimGas := config.GweiToWei(a.config.MaxVictimGasGwei)
	victimGas := decoded.Tx.EffectiveGasPrice()
	if victimGas.Cmp(maxVictimGas) > 0 {
		return reject(decoded, "受害者gas价格 %s 超过上限", victimGas.String()), nil
	}

	factory, exists := a.chainCfg.FactoryAddress(swap.Protocol)
	if !exists {
		return reject(decoded, "协议 %s 未配置工厂地址", swap.Protocol), nil
	}

	pairAddr, err := a.port.GetPairAddress(ctx, factory, swap.TokenIn, swap.TokenOut)
	if err != nil {
		return reject(decoded, "交易对解析失败: %v", err), nil
	}
	reserves, err := a.port.GetReserves(ctx, pairAddr)
	if err != nil {
		return reject(decoded, "储备量获取失败: %v", err), nil
	}
	if !reserves.Valid() {
		return reject(decoded, "交易对 %s 储备量不可用", pairAddr.Hex()), nil
	}

	// 兑换金额闸门：原生币等值或法币等值任一达标即可
	victimValueWei, err := a.oracle.TokenValueWei(swap.TokenIn, swap.AmountIn, reserves)
	if err != nil {
		return reject(decoded, "兑换金额无法定价: %v", err), nil
	}
	minEth := config.EthToWei(a.config.MinSwapValueEth)
	victimValueFiat := a.oracle.WeiToFiat(victimValueWei)
	if victimValueWei.Cmp(minEth) < 0 && !victimValueFiat.GreaterThanOrEqual(decimal.NewFromFloat(a.config.MinSwapValueFiat)) {
		return reject(decoded, "兑换金额低于门槛"), nil
	}

	rIn, rOut, err := reserves.OrderFor(swap.TokenIn)
	if err != nil {
		return reject(decoded, "储备量方向解析失败: %v", err), nil
	}

	// 价格冲击区间：太小无利可图，太大说明池子太浅或数据异常
	impactBps, err := simulator.PriceImpactBps(swap.AmountIn, rIn, rOut)
	if err != nil {
		return reject(decoded, "价格冲击计算失败: %v", err), nil
	}
	if impactBps < a.config.MinPriceImpactBps || impactBps > a.config.MaxPriceImpactBps {
		return reject(decoded, "价格冲击 %dbps 不在区间 [%d, %d] 内", impactBps, a.config.MinPriceImpactBps, a.config.MaxPriceImpactBps), nil
	}

	// 池占比区间
	fraction := new(big.Int).Mul(swap.AmountIn, big.NewInt(10000))
	fractionBps := fraction.Div(fraction, rIn).Int64()
	if fractionBps < a.config.MinPoolFractionBps || fractionBps > a.config.MaxPoolFractionBps {
		return reject(decoded, "池占比 %dbps 不在区间 [%d, %d] 内", fractionBps, a.config.MinPoolFractionBps, a.config.MaxPoolFractionBps), nil
	}

	analysis := &Analysis{
		Target:          decoded,
		Pair:            reserves,
		VictimValueWei:  victimValueWei,
		PriceImpactBps:  impactBps,
		PoolFractionBps: fractionBps,
	}

	for _, build := range []func(context.Context, *models.DecodedTransaction, *models.PoolReserves) (*models.StrategyCandidate, error){
		a.buildSandwich,
		a.buildFrontrun,
		a.buildBackrun,
	} {
		candidate, err := build(ctx, decoded, reserves)
		if err != nil {
			a.logger.Debugf("交易 %s 策略构建失败: %v", decoded.Hash.Hex(), err)
			continue
		}
		if candidate != nil {
			analysis.Strategies = append(analysis.Strategies, candidate)
		}
	}

	return analysis, nil
}

// buildSandwich 构建三明治候选策略
func (a *Analyzer) buildSandwich(ctx context.Context, decoded *models.DecodedTransaction, reserves *models.PoolReserves) (*models.StrategyCandidate, error) {
	swap := decoded.Swap

	best, err := a.sim.BestSandwich(swap.TokenIn, swap.TokenOut, swap.AmountIn, reserves)
	if err != nil {
		return nil, err
	}
	if best.Profit.Sign() <= 0 {
		return nil, nil
	}

	// 利润率闸门：三明治承担双向风险，门槛为两个方向之和
	ratioBps := models.ComputeROIBps(best.Profit, best.FrontrunAmount)
	if ratioBps < a.config.SandwichMinProfitBps() {
		return nil, nil
	}

	return a.finalize(decoded, reserves, &models.StrategyCandidate{
		Kind:        models.StrategySandwich,
		TokenIn:     swap.TokenIn,
		TokenOut:    swap.TokenOut,
		Path:        swap.Path,
		AmountIn:    best.FrontrunAmount,
		ExpectedOut: best.BackrunOut,
		GasLimit:    a.config.SandwichGasLimit,
	}, best.Profit, swap.TokenIn, a.config.SandwichGasMultiplier)
}

// buildFrontrun 构建抢跑候选策略
// 在候选金额集上搜索：先于受害者买入，按受害者成交后的现价估值持仓
func (a *Analyzer) buildFrontrun(ctx context.Context, decoded *models.DecodedTransaction, reserves *models.PoolReserves) (*models.StrategyCandidate, error) {
	swap := decoded.Swap
	rIn0, rOut0, err := reserves.OrderFor(swap.TokenIn)
	if err != nil {
		return nil, err
	}

	var bestProfit, bestAmount, bestOut *big.Int
	for _, fracBps := range candidateFractions(a.sim) {
		amount := fractionOf(swap.AmountIn, fracBps)
		if amount.Sign() <= 0 {
			continue
		}

		rIn := new(big.Int).Set(rIn0)
		rOut := new(big.Int).Set(rOut0)

		frontOut, err := simulator.GetAmountOut(amount, rIn, rOut)
		if err != nil {
			continue
		}
		rIn.Add(rIn, amount)
		rOut.Sub(rOut, frontOut)

		victimOut, err := simulator.GetAmountOut(swap.AmountIn, rIn, rOut)
		if err != nil {
			continue
		}
		rIn.Add(rIn, swap.AmountIn)
		rOut.Sub(rOut, victimOut)

		// 持仓按受害者成交后的现价估值: frontOut * rIn' / rOut'
		value := new(big.Int).Mul(frontOut, rIn)
		value.Div(value, rOut)
		profit := value.Sub(value, amount)

		if bestProfit == nil || profit.Cmp(bestProfit) > 0 {
			bestProfit, bestAmount, bestOut = profit, amount, frontOut
		}
	}

	if bestProfit == nil || bestProfit.Sign() <= 0 {
		return nil, nil
	}
	if models.ComputeROIBps(bestProfit, bestAmount) < a.config.FrontrunMinProfitBps {
		return nil, nil
	}

	return a.finalize(decoded, reserves, &models.StrategyCandidate{
		Kind:        models.StrategyFrontrun,
		TokenIn:     swap.TokenIn,
		TokenOut:    swap.TokenOut,
		Path:        swap.Path,
		AmountIn:    bestAmount,
		ExpectedOut: bestOut,
		GasLimit:    a.config.FrontrunGasLimit,
	}, bestProfit, swap.TokenIn, a.config.FrontrunGasMultiplier)
}

// buildBackrun 构建回跑候选策略
// 受害者成交把池内价格推离现价，回跑以受害者输出代币反向买入被压低的代币
// 利润为相对受害者成交前报价的额外所得
func (a *Analyzer) buildBackrun(ctx context.Context, decoded *models.DecodedTransaction, reserves *models.PoolReserves) (*models.StrategyCandidate, error) {
	swap := decoded.Swap
	rIn0, rOut0, err := reserves.OrderFor(swap.TokenIn)
	if err != nil {
		return nil, err
	}

	// 受害者成交后的储备量
	victimOut, err := simulator.GetAmountOut(swap.AmountIn, rIn0, rOut0)
	if err != nil {
		return nil, err
	}
	rIn1 := new(big.Int).Add(rIn0, swap.AmountIn)
	rOut1 := new(big.Int).Sub(rOut0, victimOut)

	var bestProfit, bestAmount, bestOut *big.Int
	for _, fracBps := range candidateFractions(a.sim) {
		amount := fractionOf(victimOut, fracBps)
		if amount.Sign() <= 0 {
			continue
		}

		// 成交后储备量下的反向报价 vs 成交前基准报价
		out, err := simulator.GetAmountOut(amount, rOut1, rIn1)
		if err != nil {
			continue
		}
		baseline, err := simulator.GetAmountOut(amount, rOut0, rIn0)
		if err != nil {
			continue
		}
		profit := new(big.Int).Sub(out, baseline)

		if bestProfit == nil || profit.Cmp(bestProfit) > 0 {
			bestProfit, bestAmount, bestOut = profit, amount, out
		}
	}

	if bestProfit == nil || bestProfit.Sign() <= 0 {
		return nil, nil
	}
	// 利润率相对投入的基准价值（受害者成交前报价）
	baselineValue := new(big.Int).Sub(bestOut, bestProfit)
	if models.ComputeROIBps(bestProfit, baselineValue) < a.config.BackrunMinProfitBps {
		return nil, nil
	}

	// 回跑的投入是受害者的输出代币，路径反向；利润仍以受害者的输入代币结算
	return a.finalize(decoded, reserves, &models.StrategyCandidate{
		Kind:        models.StrategyBackrun,
		TokenIn:     swap.TokenOut,
		TokenOut:    swap.TokenIn,
		Path:        reversePath(swap.Path),
		AmountIn:    bestAmount,
		ExpectedOut: bestOut,
		GasLimit:    a.config.BackrunGasLimit,
	}, bestProfit, swap.TokenIn, a.config.BackrunGasMultiplier)
}

// finalize 完成候选策略装配：利润换算为原生币等值，扣除gas成本，净利为负直接淘汰
// profitToken为毛利的计价代币；收益率的分子分母必须同币种，
// 投入币种与利润币种不同时（回跑）两者先统一折算为原生币再求比值
func (a *Analyzer) finalize(decoded *models.DecodedTransaction, reserves *models.PoolReserves, cand *models.StrategyCandidate, grossProfit *big.Int, profitToken common.Address, gasMultiplier float64) (*models.StrategyCandidate, error) {
	grossWei, err := a.oracle.TokenValueWei(profitToken, grossProfit, reserves)
	if err != nil {
		return nil, fmt.Errorf("利润无法定价: %w", err)
	}

	roiProfit, roiBase := grossProfit, cand.AmountIn
	if cand.TokenIn != profitToken {
		amountInWei, err := a.oracle.TokenValueWei(cand.TokenIn, cand.AmountIn, reserves)
		if err != nil {
			return nil, fmt.Errorf("投入金额无法定价: %w", err)
		}
		roiProfit, roiBase = grossWei, amountInWei
	}

	// gas价格取估算器报价与受害者出价×倍率的较大者
	quote := a.gas.EstimateForStrategy(cand.Kind, decoded.Tx).Clone()
	gasPrice := quote.EffectivePrice()
	victimBoosted := mulFloat(decoded.Tx.EffectiveGasPrice(), gasMultiplier)
	if victimBoosted.Cmp(gasPrice) > 0 {
		gasPrice = victimBoosted
		// 报价同步抬升，候选内嵌的报价始终等于实际计价
		if quote.Type == models.GasQuoteDynamic {
			quote.MaxFeePerGas = new(big.Int).Set(gasPrice)
		} else {
			quote.GasPrice = new(big.Int).Set(gasPrice)
		}
	}
	gasCost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(cand.GasLimit))

	netProfit := new(big.Int).Sub(grossWei, gasCost)
	if netProfit.Sign() <= 0 {
		return nil, nil
	}

	cand.Pair = reserves.Pair
	cand.GrossProfit = grossWei
	cand.GasPrice = gasPrice
	cand.GasCost = gasCost
	cand.GasQuote = quote
	cand.NetProfit = netProfit
	cand.ROIBps = models.ComputeROIBps(roiProfit, roiBase)
	return cand, nil
}

// reversePath 反向兑换路径的副本
func reversePath(path []common.Address) []common.Address {
	reversed := make([]common.Address, len(path))
	for i, addr := range path {
		reversed[len(path)-1-i] = addr
	}
	return reversed
}

// candidateFractions 模拟器的候选金额基点集合
func candidateFractions(sim *simulator.Simulator) []int64 {
	return sim.CandidateFractionsBps()
}

// fractionOf 按基点取金额比例
func fractionOf(amount *big.Int, fracBps int64) *big.Int {
	v := new(big.Int).Mul(amount, big.NewInt(fracBps))
	return v.Div(v, big.NewInt(10000))
}

// mulFloat 大整数乘浮点倍率，经由千分位定点避免精度丢失
func mulFloat(v *big.Int, factor float64) *big.Int {
	scaled := big.NewInt(int64(math.Round(factor * 1000)))
	result := new(big.Int).Mul(v, scaled)
	return result.Div(result, big.NewInt(1000))
}
