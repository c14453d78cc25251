package simulator

import (
	"fmt"
	"math/big"

	"mevscan/internal/config"
	"mevscan/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
)

// 常数积做市商参数：0.3%手续费
const (
	feeNumerator   = 997
	feeDenominator = 1000
)

// Simulator AMM策略模拟器
// 纯数值核心：除输入的储备量快照外无任何副作用
// 所有运算在256位无符号整数上进行，与链上行为保持一致
type Simulator struct {
	config *config.SimulatorConfig
	logger *logrus.Logger
}

// NewSimulator 创建模拟器
func NewSimulator(cfg *config.SimulatorConfig, logger *logrus.Logger) *Simulator {
	if cfg == nil {
		cfg = &config.SimulatorConfig{
			CandidateFractionsBps: []int64{2500, 5000, 7500, 10000, 15000, 20000},
		}
	}
	return &Simulator{
		config: cfg,
		logger: logger,
	}
}

// CandidateFractionsBps 候选金额搜索使用的基点集合
func (s *Simulator) CandidateFractionsBps() []int64 {
	return s.config.CandidateFractionsBps
}

// toU256 大整数转256位无符号整数，负数或溢出报错
func toU256(v *big.Int, name string) (*uint256.Int, error) {
	if v == nil {
		return nil, fmt.Errorf("%s 为空", name)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%s 为负数: %s", name, v.String())
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("%s 超出256位范围: %s", name, v.String())
	}
	return u, nil
}

// GetAmountOut 常数积报价: floor(amountIn*997*reserveOut / (reserveIn*1000 + amountIn*997))
func GetAmountOut(amountIn, reserveIn, reserveOut *big.Int) (*big.Int, error) {
	if reserveIn == nil || reserveOut == nil || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, fmt.Errorf("储备量必须为正")
	}
	if amountIn == nil || amountIn.Sign() < 0 {
		return nil, fmt.Errorf("输入金额非法")
	}
	if amountIn.Sign() == 0 {
		return big.NewInt(0), nil
	}

	in, err := toU256(amountIn, "amountIn")
	if err != nil {
		return nil, err
	}
	rIn, err := toU256(reserveIn, "reserveIn")
	if err != nil {
		return nil, err
	}
	rOut, err := toU256(reserveOut, "reserveOut")
	if err != nil {
		return nil, err
	}

	// amountInWithFee = amountIn * 997
	amountInWithFee := new(uint256.Int)
	if _, overflow := amountInWithFee.MulOverflow(in, uint256.NewInt(feeNumerator)); overflow {
		return nil, fmt.Errorf("中间乘积溢出256位")
	}

	// numerator = amountInWithFee * reserveOut
	numerator := new(uint256.Int)
	if _, overflow := numerator.MulOverflow(amountInWithFee, rOut); overflow {
		return nil, fmt.Errorf("中间乘积溢出256位")
	}

	// denominator = reserveIn*1000 + amountInWithFee
	denominator := new(uint256.Int)
	if _, overflow := denominator.MulOverflow(rIn, uint256.NewInt(feeDenominator)); overflow {
		return nil, fmt.Errorf("中间乘积溢出256位")
	}
	if _, overflow := denominator.AddOverflow(denominator, amountInWithFee); overflow {
		return nil, fmt.Errorf("分母溢出256位")
	}

	out := new(uint256.Int).Div(numerator, denominator)
	return out.ToBig(), nil
}

// GetAmountIn 反向报价: floor(reserveIn*amountOut*1000 / ((reserveOut-amountOut)*997)) + 1
// 手续费导致报价不可精确求逆，结果向上取整保证输入不被低估
func GetAmountIn(amountOut, reserveIn, reserveOut *big.Int) (*big.Int, error) {
	if reserveIn == nil || reserveOut == nil || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, fmt.Errorf("储备量必须为正")
	}
	if amountOut == nil || amountOut.Sign() <= 0 {
		return nil, fmt.Errorf("输出金额必须为正")
	}
	if amountOut.Cmp(reserveOut) >= 0 {
		return nil, fmt.Errorf("输出金额不能超过储备量")
	}

	out, err := toU256(amountOut, "amountOut")
	if err != nil {
		return nil, err
	}
	rIn, err := toU256(reserveIn, "reserveIn")
	if err != nil {
		return nil, err
	}
	rOut, err := toU256(reserveOut, "reserveOut")
	if err != nil {
		return nil, err
	}

	// numerator = reserveIn * amountOut * 1000
	numerator := new(uint256.Int)
	if _, overflow := numerator.MulOverflow(rIn, out); overflow {
		return nil, fmt.Errorf("中间乘积溢出256位")
	}
	if _, overflow := numerator.MulOverflow(numerator, uint256.NewInt(feeDenominator)); overflow {
		return nil, fmt.Errorf("中间乘积溢出256位")
	}

	// denominator = (reserveOut - amountOut) * 997
	denominator := new(uint256.Int).Sub(rOut, out)
	if _, overflow := denominator.MulOverflow(denominator, uint256.NewInt(feeNumerator)); overflow {
		return nil, fmt.Errorf("中间乘积溢出256位")
	}

	in := new(uint256.Int).Div(numerator, denominator)
	in.AddUint64(in, 1)
	return in.ToBig(), nil
}

// PriceImpactBps 计算价格冲击（基点）
// 执行价相对现价的劣化: 10000 - amountOut*reserveIn*10000/(amountIn*reserveOut)
func PriceImpactBps(amountIn, reserveIn, reserveOut *big.Int) (int64, error) {
	out, err := GetAmountOut(amountIn, reserveIn, reserveOut)
	if err != nil {
		return 0, err
	}
	if amountIn.Sign() == 0 {
		return 0, nil
	}

	num := new(big.Int).Mul(out, reserveIn)
	num.Mul(num, big.NewInt(10000))
	den := new(big.Int).Mul(amountIn, reserveOut)
	if den.Sign() == 0 {
		return 0, fmt.Errorf("分母为零")
	}
	ratio := num.Div(num, den)

	impact := 10000 - ratio.Int64()
	if impact < 0 {
		impact = 0
	}
	return impact, nil
}

// SandwichResult 三明治模拟结果
type SandwichResult struct {
	FrontrunAmount    *big.Int `json:"frontrun_amount"`
	FrontrunOut       *big.Int `json:"frontrun_out"`
	VictimOut         *big.Int `json:"victim_out"`
	VictimSlippageBps int64    `json:"victim_slippage_bps"`
	BackrunOut        *big.Int `json:"backrun_out"`
	Profit            *big.Int `json:"profit"` // backrunOut - frontrunAmount，有符号
	IsProfit          bool     `json:"is_profit"`
}

// SimulateSandwich 模拟三明治：三次连续的常数积报价
// 抢跑交易改变储备量，受害者按变化后的储备量成交，回跑在受害者成交后反向平仓
func (s *Simulator) SimulateSandwich(tokenIn, tokenOut common.Address, frontrunAmount, victimAmount *big.Int, pair *models.PoolReserves) (*SandwichResult, error) {
	if !pair.Valid() {
		return nil, fmt.Errorf("储备量快照不可用")
	}

	work := pair.Clone()
	rIn, rOut, err := work.OrderFor(tokenIn)
	if err != nil {
		return nil, err
	}

	// 受害者在未受冲击储备量下的基准报价，用于滑点计算
	victimBaseline, err := GetAmountOut(victimAmount, rIn, rOut)
	if err != nil {
		return nil, err
	}

	// 第一步：抢跑交易 tokenIn -> tokenOut
	frontrunOut, err := GetAmountOut(frontrunAmount, rIn, rOut)
	if err != nil {
		return nil, err
	}
	rIn.Add(rIn, frontrunAmount)
	rOut.Sub(rOut, frontrunOut)

	// 第二步：受害者交易，按被抢跑后的储备量成交
	victimOut, err := GetAmountOut(victimAmount, rIn, rOut)
	if err != nil {
		return nil, err
	}
	rIn.Add(rIn, victimAmount)
	rOut.Sub(rOut, victimOut)

	// 受害者滑点（基点）：相对基准报价的劣化
	slippageBps := int64(0)
	if victimBaseline.Sign() > 0 {
		diff := new(big.Int).Sub(victimBaseline, victimOut)
		diff.Mul(diff, big.NewInt(10000))
		slippageBps = diff.Div(diff, victimBaseline).Int64()
	}

	// 第三步：回跑交易，反向 tokenOut -> tokenIn
	backrunOut, err := GetAmountOut(frontrunOut, rOut, rIn)
	if err != nil {
		return nil, err
	}

	profit := new(big.Int).Sub(backrunOut, frontrunAmount)

	return &SandwichResult{
		FrontrunAmount:    new(big.Int).Set(frontrunAmount),
		FrontrunOut:       frontrunOut,
		VictimOut:         victimOut,
		VictimSlippageBps: slippageBps,
		BackrunOut:        backrunOut,
		Profit:            profit,
		IsProfit:          profit.Sign() > 0,
	}, nil
}

// ArbitrageResult 双池套利模拟结果
type ArbitrageResult struct {
	MidToken    common.Address `json:"mid_token"`
	MidAmount   *big.Int       `json:"mid_amount"`
	FinalAmount *big.Int       `json:"final_amount"`
	Profit      *big.Int       `json:"profit"` // finalAmount - amount，有符号
	IsProfit    bool           `json:"is_profit"`
}

// SimulateArbitrage 模拟跨池套利：poolA正向兑换后经poolB反向兑回
func (s *Simulator) SimulateArbitrage(poolA, poolB *models.PoolReserves, tokenIn common.Address, amount *big.Int) (*ArbitrageResult, error) {
	if !poolA.Valid() || !poolB.Valid() {
		return nil, fmt.Errorf("储备量快照不可用")
	}

	// poolA: tokenIn -> midToken
	aIn, aOut, err := poolA.OrderFor(tokenIn)
	if err != nil {
		return nil, err
	}
	midToken := poolA.Token0
	if tokenIn == poolA.Token0 {
		midToken = poolA.Token1
	}

	midAmount, err := GetAmountOut(amount, aIn, aOut)
	if err != nil {
		return nil, err
	}

	// poolB: midToken -> tokenIn
	bIn, bOut, err := poolB.OrderFor(midToken)
	if err != nil {
		return nil, err
	}
	finalAmount, err := GetAmountOut(midAmount, bIn, bOut)
	if err != nil {
		return nil, err
	}

	profit := new(big.Int).Sub(finalAmount, amount)

	return &ArbitrageResult{
		MidToken:    midToken,
		MidAmount:   midAmount,
		FinalAmount: finalAmount,
		Profit:      profit,
		IsProfit:    profit.Sign() > 0,
	}, nil
}

// MultiHopResult 多跳路径模拟结果
type MultiHopResult struct {
	HopOutputs []*big.Int `json:"hop_outputs"`
	Circular   bool       `json:"circular"`
	Profit     *big.Int   `json:"profit,omitempty"` // 仅环形路径有定义
	IsProfit   bool       `json:"is_profit"`
}

// SimulateMultiHop 沿N个交易对顺序报价
// 利润只在环形路径（首尾代币相同）上有定义
func (s *Simulator) SimulateMultiHop(tokens []common.Address, pairs []*models.PoolReserves, amount *big.Int) (*MultiHopResult, error) {
	if len(tokens) != len(pairs)+1 {
		return nil, fmt.Errorf("代币数量 %d 与交易对数量 %d 不匹配", len(tokens), len(pairs))
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("路径为空")
	}

	current := new(big.Int).Set(amount)
	outputs := make([]*big.Int, 0, len(pairs))

	for i, pair := range pairs {
		if !pair.Valid() {
			return nil, fmt.Errorf("第 %d 跳储备量不可用", i)
		}
		rIn, rOut, err := pair.OrderFor(tokens[i])
		if err != nil {
			return nil, fmt.Errorf("第 %d 跳: %w", i, err)
		}
		out, err := GetAmountOut(current, rIn, rOut)
		if err != nil {
			return nil, fmt.Errorf("第 %d 跳报价失败: %w", i, err)
		}
		outputs = append(outputs, out)
		current = out
	}

	result := &MultiHopResult{
		HopOutputs: outputs,
		Circular:   tokens[0] == tokens[len(tokens)-1],
	}
	if result.Circular {
		result.Profit = new(big.Int).Sub(current, amount)
		result.IsProfit = result.Profit.Sign() > 0
	}
	return result, nil
}

// BestSandwich 在离散候选集上搜索最优抢跑金额
// 候选集为受害者金额的基点倍数，有界搜索保证单笔延迟可控
func (s *Simulator) BestSandwich(tokenIn, tokenOut common.Address, victimAmount *big.Int, pair *models.PoolReserves) (*SandwichResult, error) {
	var best *SandwichResult

	for _, fracBps := range s.config.CandidateFractionsBps {
		candidate := new(big.Int).Mul(victimAmount, big.NewInt(fracBps))
		candidate.Div(candidate, big.NewInt(10000))
		if candidate.Sign() <= 0 {
			continue
		}

		result, err := s.SimulateSandwich(tokenIn, tokenOut, candidate, victimAmount, pair)
		if err != nil {
			// 单个候选失败不中断搜索
			s.logger.Debugf("三明治候选金额 %s 模拟失败: %v", candidate.String(), err)
			continue
		}
		if best == nil || result.Profit.Cmp(best.Profit) > 0 {
			best = result
		}
	}

	if best == nil {
		return nil, fmt.Errorf("所有候选金额模拟均失败")
	}
	return best, nil
}

// BestArbitrage 在离散候选集上搜索最优套利金额
func (s *Simulator) BestArbitrage(poolA, poolB *models.PoolReserves, tokenIn common.Address, referenceAmount *big.Int) (*ArbitrageResult, *big.Int, error) {
	var best *ArbitrageResult
	var bestAmount *big.Int

	for _, fracBps := range s.config.CandidateFractionsBps {
		candidate := new(big.Int).Mul(referenceAmount, big.NewInt(fracBps))
		candidate.Div(candidate, big.NewInt(10000))
		if candidate.Sign() <= 0 {
			continue
		}

		result, err := s.SimulateArbitrage(poolA, poolB, tokenIn, candidate)
		if err != nil {
			s.logger.Debugf("套利候选金额 %s 模拟失败: %v", candidate.String(), err)
			continue
		}
		if best == nil || result.Profit.Cmp(best.Profit) > 0 {
			best = result
			bestAmount = candidate
		}
	}

	if best == nil {
		return nil, nil, fmt.Errorf("所有候选金额模拟均失败")
	}
	return best, bestAmount, nil
}
