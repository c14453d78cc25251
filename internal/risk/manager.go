package risk

import (
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"mevscan/internal/config"
	scanerrors "mevscan/internal/errors"
	"mevscan/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// HistorySink 执行历史持久化端口，可为nil
type HistorySink interface {
	Append(record *models.ExecutionRecord) error
}

// EventNotifier 风控事件回调，熔断/紧急停止/暂停等状态变化时触发
type EventNotifier func(kind, detail string)

// Manager 风控管理器
// 全部状态在单一互斥锁下串行修改；校验按固定顺序短路，返回首个不通过的原因
type Manager struct {
	config        *config.RiskConfig
	wrappedNative common.Address
	blacklist     map[common.Address]bool
	logger        *logrus.Logger
	sink          HistorySink
	notify        EventNotifier

	mu              sync.Mutex
	currentExposure *big.Int
	dailyExposure   *big.Int
	dailyProfit     *big.Int
	weeklyProfit    *big.Int
	pending         map[string]*big.Int // 机会ID -> 占用敞口
	paused          map[models.StrategyKind]bool
	lastFailureAt   *time.Time
	history         []*models.ExecutionRecord // 有界环形历史

	profitDeclineTripped bool
	failureRateTripped   bool
	highGasTripped       bool
	emergencyStopped     bool

	dailyResetAt  time.Time
	weeklyResetAt time.Time
}

// NewManager 创建风控管理器
func NewManager(cfg *config.RiskConfig, wrappedNative common.Address, sink HistorySink, logger *logrus.Logger) *Manager {
	now := time.Now()
	return &Manager{
		config:          cfg,
		wrappedNative:   wrappedNative,
		blacklist:       cfg.BlacklistAddresses(),
		logger:          logger,
		sink:            sink,
		currentExposure: big.NewInt(0),
		dailyExposure:   big.NewInt(0),
		dailyProfit:     big.NewInt(0),
		weeklyProfit:    big.NewInt(0),
		pending:         make(map[string]*big.Int),
		paused:          make(map[models.StrategyKind]bool),
		dailyResetAt:    now,
		weeklyResetAt:   now,
	}
}

// SetEventNotifier 设置风控事件回调
func (m *Manager) SetEventNotifier(fn EventNotifier) {
	m.notify = fn
}

// emit 异步派发风控事件，回调中允许再进入管理器
func (m *Manager) emit(kind, detail string) {
	if m.notify != nil {
		go m.notify(kind, detail)
	}
}

// exposureOf 机会占用的敞口（wei）
// 原生资产进场的策略计入投入本金，其余策略只计入gas成本
func (m *Manager) exposureOf(opp *models.Opportunity) *big.Int {
	exposure := new(big.Int)
	if opp.Best.GasCost != nil {
		exposure.Set(opp.Best.GasCost)
	}
	if opp.Best.TokenIn == m.wrappedNative && opp.Best.AmountIn != nil {
		exposure.Add(exposure, opp.Best.AmountIn)
	}
	return exposure
}

// rollover 日/周窗口边界滚动，必须在持锁状态下调用
func (m *Manager) rollover(now time.Time) {
	if now.Sub(m.dailyResetAt) >= 24*time.Hour {
		m.dailyExposure = big.NewInt(0)
		m.dailyProfit = big.NewInt(0)
		m.dailyResetAt = now
		m.logger.Info("风控日窗口已滚动")
	}
	if now.Sub(m.weeklyResetAt) >= 7*24*time.Hour {
		m.weeklyProfit = big.NewInt(0)
		m.weeklyResetAt = now
		m.logger.Info("风控周窗口已滚动")
	}
}

// Validate 校验机会是否允许执行
// 检查按序短路：紧急停止 → 策略暂停 → 熔断器 → 失败冷却 → 在途上限 → 黑名单
// → 利润/收益率下限 → gas上限 → 单笔/总/日敞口 → 池占用上限
func (m *Manager) Validate(opp *models.Opportunity, pool *models.PoolReserves) models.RiskDecision {
	if opp == nil || opp.Best == nil {
		return models.Reject("机会为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.rollover(now)
	m.evaluateBreakers(now)

	if m.emergencyStopped {
		return models.Reject("紧急停止已触发，等待外部重置")
	}
	if m.paused[opp.Best.Kind] {
		return models.Reject(fmt.Sprintf("策略 %s 已暂停", opp.Best.Kind))
	}
	if m.profitDeclineTripped {
		return models.Reject("利润下滑熔断器已触发")
	}
	if m.failureRateTripped {
		return models.Reject("失败率熔断器已触发")
	}
	if m.highGasTripped {
		return models.Reject("高gas熔断器已触发")
	}

	cooldown := config.ParseDuration(m.config.CooldownAfterFailure, time.Minute)
	if m.lastFailureAt != nil && now.Sub(*m.lastFailureAt) < cooldown {
		return models.Reject("失败冷却期内")
	}

	if len(m.pending) >= m.config.MaxPendingTx {
		return models.Reject(fmt.Sprintf("在途执行数已达上限 %d", m.config.MaxPendingTx))
	}

	if addr, hit := m.blacklistHit(opp.Best); hit {
		return models.Reject(fmt.Sprintf("地址 %s 在黑名单中", addr.Hex()))
	}

	// 盈利下限：严格大于才接受
	minProfit := config.EthToWei(m.config.MinProfitEth)
	if opp.EstimatedProfitWei == nil || opp.EstimatedProfitWei.Cmp(minProfit) <= 0 {
		return models.Reject("预估利润未超过下限")
	}
	if opp.Best.ROIBps <= m.config.MinROIBps {
		return models.Reject("收益率未超过下限")
	}

	maxGas := config.GweiToWei(m.config.MaxGasPriceGwei)
	if opp.Best.GasPrice != nil && opp.Best.GasPrice.Cmp(maxGas) > 0 {
		return models.Reject("gas价格超过风控上限")
	}

	exposure := m.exposureOf(opp)
	if exposure.Cmp(config.EthToWei(m.config.MaxSingleExposureEth)) > 0 {
		return models.Reject("单笔敞口超过上限")
	}
	total := new(big.Int).Add(m.currentExposure, exposure)
	if total.Cmp(config.EthToWei(m.config.MaxTotalExposureEth)) > 0 {
		return models.Reject("总敞口超过上限")
	}
	daily := new(big.Int).Add(m.dailyExposure, exposure)
	if daily.Cmp(config.EthToWei(m.config.MaxDailyExposureEth)) > 0 {
		return models.Reject("日敞口超过上限")
	}

	if pool != nil && pool.Valid() && opp.Best.AmountIn != nil {
		rIn, _, err := pool.OrderFor(opp.Best.TokenIn)
		if err == nil {
			usage := new(big.Int).Mul(opp.Best.AmountIn, big.NewInt(10000))
			usage.Div(usage, rIn)
			if usage.Int64() > m.config.MaxPoolUsageBps {
				return models.Reject(fmt.Sprintf("池占用 %dbps 超过上限 %dbps", usage.Int64(), m.config.MaxPoolUsageBps))
			}
		}
	}

	return models.Accept()
}

// blacklistHit 检查候选策略涉及的地址是否命中黑名单
func (m *Manager) blacklistHit(best *models.StrategyCandidate) (common.Address, bool) {
	if len(m.blacklist) == 0 {
		return common.Address{}, false
	}
	check := []common.Address{best.TokenIn, best.TokenOut, best.Pair}
	check = append(check, best.Path...)
	check = append(check, best.Pairs...)
	for _, addr := range check {
		if m.blacklist[addr] {
			return addr, true
		}
	}
	return common.Address{}, false
}

// RecordPending 记录机会进入在途执行
func (m *Manager) RecordPending(opp *models.Opportunity) {
	if opp == nil || opp.Best == nil {
		return
	}
	exposure := m.exposureOf(opp)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending[opp.ID] = exposure
	m.currentExposure.Add(m.currentExposure, exposure)
	m.dailyExposure.Add(m.dailyExposure, exposure)
}

// RecordCompleted 记录执行结果并更新风控账目
// 敞口扣减出现负值属于不变量违反：记录日志并钳制为零，不中断流水线
func (m *Manager) RecordCompleted(record *models.ExecutionRecord) {
	if record == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.rollover(now)

	if exposure, exists := m.pending[record.OpportunityID]; exists {
		delete(m.pending, record.OpportunityID)
		m.currentExposure.Sub(m.currentExposure, exposure)
		if m.currentExposure.Sign() < 0 {
			m.logger.Warnf("%v: 机会=%s 差值=%s", scanerrors.ErrExposureUnderflow, record.OpportunityID, m.currentExposure.String())
			m.currentExposure.SetInt64(0)
		}
	}

	if record.Success {
		if record.Profit != nil {
			m.dailyProfit.Add(m.dailyProfit, record.Profit)
			m.weeklyProfit.Add(m.weeklyProfit, record.Profit)
		}
	} else {
		// 失败交易的gas成本计为已实现亏损
		if record.GasCost != nil {
			m.dailyProfit.Sub(m.dailyProfit, record.GasCost)
			m.weeklyProfit.Sub(m.weeklyProfit, record.GasCost)
		}
		t := record.ExecutedAt
		if t.IsZero() {
			t = now
		}
		m.lastFailureAt = &t
	}

	m.history = append(m.history, record)
	if len(m.history) > m.config.HistorySize {
		m.history = m.history[len(m.history)-m.config.HistorySize:]
	}

	if m.sink != nil {
		if err := m.sink.Append(record); err != nil {
			m.logger.Warnf("执行历史持久化失败: %v", err)
		}
	}

	m.evaluateBreakers(now)
	m.evaluateEmergencyStop(now)
}

// recordsSince 窗口内的历史记录，必须在持锁状态下调用
func (m *Manager) recordsSince(cutoff time.Time) []*models.ExecutionRecord {
	var out []*models.ExecutionRecord
	for _, r := range m.history {
		if r.ExecutedAt.After(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

// evaluateBreakers 重算三个熔断器状态，必须在持锁状态下调用
// 每次从窗口内历史重算，窗口滑出后熔断器自动复位
func (m *Manager) evaluateBreakers(now time.Time) {
	m.evaluateProfitDecline(now)
	m.evaluateFailureRate(now)
	m.evaluateHighGas(now)
}

// evaluateProfitDecline 利润下滑熔断：窗口前后两半对比
func (m *Manager) evaluateProfitDecline(now time.Time) {
	window := config.ParseDuration(m.config.ProfitDeclineWindow, 2*time.Hour)
	records := m.recordsSince(now.Add(-window))

	mid := now.Add(-window / 2)
	firstHalf := big.NewInt(0)
	secondHalf := big.NewInt(0)
	firstCount, secondCount := 0, 0
	for _, r := range records {
		value := realizedValue(r)
		if r.ExecutedAt.Before(mid) {
			firstHalf.Add(firstHalf, value)
			firstCount++
		} else {
			secondHalf.Add(secondHalf, value)
			secondCount++
		}
	}

	// 两半都有样本且前半盈利时才有可比性
	tripped := false
	if firstCount > 0 && secondCount > 0 && firstHalf.Sign() > 0 {
		// 后半利润低于前半的(1-ratio)倍视为显著下滑
		threshold := new(big.Int).Mul(firstHalf, big.NewInt(int64(math.Round((1-m.config.ProfitDeclineRatio)*1000))))
		threshold.Div(threshold, big.NewInt(1000))
		tripped = secondHalf.Cmp(threshold) < 0
	}

	if tripped && !m.profitDeclineTripped {
		m.logger.Warnf("利润下滑熔断器触发: 前半=%s 后半=%s", firstHalf.String(), secondHalf.String())
		m.emit("breaker_tripped", fmt.Sprintf("利润下滑: 前半=%s 后半=%s", firstHalf.String(), secondHalf.String()))
	}
	m.profitDeclineTripped = tripped
}

// evaluateFailureRate 失败率熔断
func (m *Manager) evaluateFailureRate(now time.Time) {
	window := config.ParseDuration(m.config.FailureRateWindow, time.Hour)
	records := m.recordsSince(now.Add(-window))

	tripped := false
	if len(records) >= m.config.FailureRateMinCount {
		failures := 0
		for _, r := range records {
			if !r.Success {
				failures++
			}
		}
		rate := float64(failures) / float64(len(records))
		tripped = rate > m.config.FailureRateThreshold
	}

	if tripped && !m.failureRateTripped {
		m.logger.Warnf("失败率熔断器触发: 窗口内 %d 条记录", len(records))
		m.emit("breaker_tripped", fmt.Sprintf("失败率过高: 窗口内 %d 条记录", len(records)))
	}
	m.failureRateTripped = tripped
}

// evaluateHighGas 高gas熔断：窗口内平均gas价格超过阈值
func (m *Manager) evaluateHighGas(now time.Time) {
	window := config.ParseDuration(m.config.HighGasWindow, 30*time.Minute)
	records := m.recordsSince(now.Add(-window))

	tripped := false
	if len(records) > 0 {
		sum := big.NewInt(0)
		count := 0
		for _, r := range records {
			if r.GasPrice != nil {
				sum.Add(sum, r.GasPrice)
				count++
			}
		}
		if count > 0 {
			avg := sum.Div(sum, big.NewInt(int64(count)))
			tripped = avg.Cmp(config.GweiToWei(m.config.HighGasThresholdGwei)) > 0
		}
	}

	if tripped && !m.highGasTripped {
		m.logger.Warn("高gas熔断器触发")
		m.emit("breaker_tripped", "窗口内平均gas价格超过阈值")
	}
	m.highGasTripped = tripped
}

// evaluateEmergencyStop 紧急停止评估，必须在持锁状态下调用
// 周亏损超限或短窗口内失败率过半即触发；触发后只能由外部显式重置
func (m *Manager) evaluateEmergencyStop(now time.Time) {
	if m.emergencyStopped {
		return
	}

	lossLimit := new(big.Int).Neg(config.EthToWei(m.config.WeeklyLossLimitEth))
	if m.weeklyProfit.Cmp(lossLimit) < 0 {
		m.emergencyStopped = true
		m.logger.Errorf("紧急停止: 周亏损 %s wei 超过上限", new(big.Int).Neg(m.weeklyProfit).String())
		m.emit("emergency_stop", fmt.Sprintf("周亏损 %s wei 超过上限", new(big.Int).Neg(m.weeklyProfit).String()))
		return
	}

	window := config.ParseDuration(m.config.EmergencyFailureWindow, 30*time.Minute)
	records := m.recordsSince(now.Add(-window))
	if len(records) >= m.config.EmergencyFailureMin {
		failures := 0
		for _, r := range records {
			if !r.Success {
				failures++
			}
		}
		rate := float64(failures) / float64(len(records))
		if rate > m.config.EmergencyFailureRate {
			m.emergencyStopped = true
			m.logger.Errorf("紧急停止: %v 内 %d/%d 次执行失败", window, failures, len(records))
			m.emit("emergency_stop", fmt.Sprintf("%v 内 %d/%d 次执行失败", window, failures, len(records)))
		}
	}
}

// realizedValue 单条记录的已实现盈亏
func realizedValue(r *models.ExecutionRecord) *big.Int {
	if r.Success {
		if r.Profit != nil {
			return r.Profit
		}
		return big.NewInt(0)
	}
	if r.GasCost != nil {
		return new(big.Int).Neg(r.GasCost)
	}
	return big.NewInt(0)
}

// PauseStrategy 暂停指定策略
func (m *Manager) PauseStrategy(kind models.StrategyKind) error {
	if !kind.Valid() {
		return fmt.Errorf("未知策略类型: %s", kind)
	}
	m.mu.Lock()
	m.paused[kind] = true
	m.mu.Unlock()
	m.logger.Infof("策略 %s 已暂停", kind)
	m.emit("strategy_paused", string(kind))
	return nil
}

// ResumeStrategy 恢复指定策略
func (m *Manager) ResumeStrategy(kind models.StrategyKind) error {
	if !kind.Valid() {
		return fmt.Errorf("未知策略类型: %s", kind)
	}
	m.mu.Lock()
	delete(m.paused, kind)
	m.mu.Unlock()
	m.logger.Infof("策略 %s 已恢复", kind)
	m.emit("strategy_resumed", string(kind))
	return nil
}

// ResetEmergencyStop 显式重置紧急停止
// 周盈亏账目同时清零，否则亏损额会立即再次触发停止
func (m *Manager) ResetEmergencyStop() {
	m.mu.Lock()
	m.emergencyStopped = false
	m.weeklyProfit = big.NewInt(0)
	m.weeklyResetAt = time.Now()
	m.mu.Unlock()
	m.logger.Warn("紧急停止已被外部重置")
	m.emit("emergency_reset", "紧急停止已被外部重置")
}

// GetRiskStatus 风控状态快照
func (m *Manager) GetRiskStatus() *models.RiskState {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.rollover(now)
	m.evaluateBreakers(now)

	paused := make(map[models.StrategyKind]bool, len(m.paused))
	for k, v := range m.paused {
		paused[k] = v
	}

	failures24h := 0
	for _, r := range m.recordsSince(now.Add(-24 * time.Hour)) {
		if !r.Success {
			failures24h++
		}
	}

	return &models.RiskState{
		CurrentExposure:      new(big.Int).Set(m.currentExposure),
		DailyExposure:        new(big.Int).Set(m.dailyExposure),
		DailyProfit:          new(big.Int).Set(m.dailyProfit),
		WeeklyProfit:         new(big.Int).Set(m.weeklyProfit),
		PendingCount:         len(m.pending),
		PausedStrategies:     paused,
		LastFailureAt:        m.lastFailureAt,
		FailureCount24h:      failures24h,
		ProfitDeclineTripped: m.profitDeclineTripped,
		FailureRateTripped:   m.failureRateTripped,
		HighGasTripped:       m.highGasTripped,
		EmergencyStopped:     m.emergencyStopped,
		DailyResetAt:         m.dailyResetAt,
		WeeklyResetAt:        m.weeklyResetAt,
		SnapshotAt:           now,
	}
}
