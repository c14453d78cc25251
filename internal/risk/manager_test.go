package risk

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"mevscan/internal/config"
	"mevscan/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	pair = common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc")
)

func newTestManager(mutate func(*config.RiskConfig)) *Manager {
	cfg := config.GetDefaultConfig().Risk
	cfg.CooldownAfterFailure = "0s"
	if mutate != nil {
		mutate(cfg)
	}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewManager(cfg, weth, nil, logger)
}

// testOpportunity 构造一个应当通过默认风控的机会
func testOpportunity(id string) *models.Opportunity {
	best := &models.StrategyCandidate{
		Kind:      models.StrategySandwich,
		TokenIn:   weth,
		TokenOut:  usdc,
		Pair:      pair,
		AmountIn:  config.EthToWei(1),
		GasLimit:  360000,
		GasPrice:  config.GweiToWei(50),
		GasCost:   new(big.Int).Mul(config.GweiToWei(50), big.NewInt(360000)),
		NetProfit: config.EthToWei(0.1),
		ROIBps:    1000,
	}
	return &models.Opportunity{
		ID:                 id,
		Type:               best.Kind,
		Best:               best,
		EstimatedProfitWei: new(big.Int).Set(best.NetProfit),
		Status:             models.OpportunityDetected,
	}
}

func TestValidateAccepts(t *testing.T) {
	m := newTestManager(nil)
	decision := m.Validate(testOpportunity("opp_1"), nil)
	assert.True(t, decision.Accepted)
	assert.Empty(t, decision.Reason)
}

func TestValidateProfitFloor(t *testing.T) {
	m := newTestManager(nil)
	opp := testOpportunity("opp_1")
	opp.EstimatedProfitWei = config.EthToWei(0.001)

	decision := m.Validate(opp, nil)
	assert.False(t, decision.Accepted)
	assert.Contains(t, decision.Reason, "利润")
}

func TestValidateProfitFloorBoundary(t *testing.T) {
	m := newTestManager(nil)
	opp := testOpportunity("opp_1")
	// 正好等于下限：严格大于才接受
	opp.EstimatedProfitWei = config.EthToWei(0.01)

	decision := m.Validate(opp, nil)
	assert.False(t, decision.Accepted)
}

func TestValidateROIFloor(t *testing.T) {
	m := newTestManager(nil)
	opp := testOpportunity("opp_1")
	opp.Best.ROIBps = 50 // 等于下限，不通过

	decision := m.Validate(opp, nil)
	assert.False(t, decision.Accepted)
	assert.Contains(t, decision.Reason, "收益率")
}

func TestValidateGasCeiling(t *testing.T) {
	m := newTestManager(nil)
	opp := testOpportunity("opp_1")
	opp.Best.GasPrice = config.GweiToWei(700)

	decision := m.Validate(opp, nil)
	assert.False(t, decision.Accepted)
	assert.Contains(t, decision.Reason, "gas")
}

func TestValidateSingleExposure(t *testing.T) {
	m := newTestManager(nil)
	opp := testOpportunity("opp_1")
	opp.Best.AmountIn = config.EthToWei(10) // 超过单笔上限5 ETH

	decision := m.Validate(opp, nil)
	assert.False(t, decision.Accepted)
	assert.Contains(t, decision.Reason, "单笔敞口")
}

func TestValidateDailyExposure(t *testing.T) {
	m := newTestManager(func(cfg *config.RiskConfig) {
		cfg.MaxDailyExposureEth = 3
		cfg.MaxTotalExposureEth = 100
		cfg.MaxPendingTx = 100
	})

	// 连续占用敞口直到逼近日上限
	for i := 0; i < 2; i++ {
		opp := testOpportunity(fmt.Sprintf("opp_%d", i))
		require.True(t, m.Validate(opp, nil).Accepted)
		m.RecordPending(opp)
	}

	decision := m.Validate(testOpportunity("opp_over"), nil)
	assert.False(t, decision.Accepted)
	assert.Contains(t, decision.Reason, "日敞口")
}

func TestValidatePendingCeiling(t *testing.T) {
	m := newTestManager(func(cfg *config.RiskConfig) {
		cfg.MaxPendingTx = 1
	})

	first := testOpportunity("opp_1")
	require.True(t, m.Validate(first, nil).Accepted)
	m.RecordPending(first)

	decision := m.Validate(testOpportunity("opp_2"), nil)
	assert.False(t, decision.Accepted)
	assert.Contains(t, decision.Reason, "在途")
}

func TestValidateBlacklist(t *testing.T) {
	m := newTestManager(func(cfg *config.RiskConfig) {
		cfg.Blacklist = []string{usdc.Hex()}
	})

	decision := m.Validate(testOpportunity("opp_1"), nil)
	assert.False(t, decision.Accepted)
	assert.Contains(t, decision.Reason, "黑名单")
}

func TestValidatePoolUsage(t *testing.T) {
	m := newTestManager(nil)
	opp := testOpportunity("opp_1")

	// 1 ETH投入 / 10 ETH储备 = 1000bps，超过500bps上限
	pool := &models.PoolReserves{
		Pair: pair, Token0: weth, Token1: usdc,
		Reserve0: config.EthToWei(10), Reserve1: big.NewInt(20000e6),
		UpdatedAt: time.Now(),
	}
	decision := m.Validate(opp, pool)
	assert.False(t, decision.Accepted)
	assert.Contains(t, decision.Reason, "池占用")
}

func TestPauseResumeStrategy(t *testing.T) {
	m := newTestManager(nil)

	require.NoError(t, m.PauseStrategy(models.StrategySandwich))
	decision := m.Validate(testOpportunity("opp_1"), nil)
	assert.False(t, decision.Accepted)
	assert.Contains(t, decision.Reason, "暂停")

	require.NoError(t, m.ResumeStrategy(models.StrategySandwich))
	assert.True(t, m.Validate(testOpportunity("opp_2"), nil).Accepted)

	assert.Error(t, m.PauseStrategy(models.StrategyKind("bogus")))
}

func TestEventNotifier(t *testing.T) {
	m := newTestManager(nil)

	type event struct{ kind, detail string }
	events := make(chan event, 4)
	m.SetEventNotifier(func(kind, detail string) {
		events <- event{kind, detail}
	})

	require.NoError(t, m.PauseStrategy(models.StrategyFrontrun))

	select {
	case ev := <-events:
		assert.Equal(t, "strategy_paused", ev.kind)
		assert.Equal(t, string(models.StrategyFrontrun), ev.detail)
	case <-time.After(time.Second):
		t.Fatal("未收到风控事件")
	}

	m.ResetEmergencyStop()
	select {
	case ev := <-events:
		assert.Equal(t, "emergency_reset", ev.kind)
	case <-time.After(time.Second):
		t.Fatal("未收到风控事件")
	}
}

func TestExposureReleaseAndClamp(t *testing.T) {
	m := newTestManager(nil)
	opp := testOpportunity("opp_1")
	m.RecordPending(opp)

	state := m.GetRiskStatus()
	assert.True(t, state.CurrentExposure.Sign() > 0)
	assert.Equal(t, 1, state.PendingCount)

	m.RecordCompleted(&models.ExecutionRecord{
		OpportunityID: "opp_1",
		Kind:          models.StrategySandwich,
		Success:       true,
		Profit:        config.EthToWei(0.1),
		GasPrice:      config.GweiToWei(50),
		ExecutedAt:    time.Now(),
	})

	state = m.GetRiskStatus()
	// 敞口释放后不为负
	assert.Equal(t, int64(0), state.CurrentExposure.Int64())
	assert.Equal(t, 0, state.PendingCount)
	assert.Equal(t, config.EthToWei(0.1), state.DailyProfit)
}

func TestFailureCooldown(t *testing.T) {
	m := newTestManager(func(cfg *config.RiskConfig) {
		cfg.CooldownAfterFailure = "1h"
		// 单次失败不触发其他熔断
		cfg.FailureRateMinCount = 100
		cfg.EmergencyFailureMin = 100
	})

	m.RecordCompleted(&models.ExecutionRecord{
		OpportunityID: "opp_1",
		Kind:          models.StrategySandwich,
		Success:       false,
		GasCost:       config.EthToWei(0.001),
		GasPrice:      config.GweiToWei(50),
		ExecutedAt:    time.Now(),
	})

	decision := m.Validate(testOpportunity("opp_2"), nil)
	assert.False(t, decision.Accepted)
	assert.Contains(t, decision.Reason, "冷却")
}

func TestFailureRateBreaker(t *testing.T) {
	m := newTestManager(func(cfg *config.RiskConfig) {
		cfg.EmergencyFailureMin = 100 // 不触发紧急停止，只看熔断器
	})

	// 1小时窗口内5条记录，2条失败 → 失败率0.4 > 0.3
	now := time.Now()
	for i := 0; i < 5; i++ {
		m.RecordCompleted(&models.ExecutionRecord{
			OpportunityID: fmt.Sprintf("opp_%d", i),
			Kind:          models.StrategySandwich,
			Success:       i >= 2,
			Profit:        config.EthToWei(0.05),
			GasCost:       config.EthToWei(0.001),
			GasPrice:      config.GweiToWei(50),
			ExecutedAt:    now.Add(-time.Minute * time.Duration(i)),
		})
	}

	decision := m.Validate(testOpportunity("opp_x"), nil)
	assert.False(t, decision.Accepted)
	assert.Contains(t, decision.Reason, "失败率熔断")

	state := m.GetRiskStatus()
	assert.True(t, state.FailureRateTripped)
	assert.True(t, state.AnyBreakerTripped())
}

func TestHighGasBreaker(t *testing.T) {
	m := newTestManager(func(cfg *config.RiskConfig) {
		cfg.FailureRateMinCount = 100
		cfg.EmergencyFailureMin = 100
	})

	// 30分钟窗口内平均gas价400 gwei > 300 gwei阈值
	m.RecordCompleted(&models.ExecutionRecord{
		OpportunityID: "opp_1",
		Kind:          models.StrategyFrontrun,
		Success:       true,
		Profit:        config.EthToWei(0.05),
		GasPrice:      config.GweiToWei(400),
		ExecutedAt:    time.Now(),
	})

	decision := m.Validate(testOpportunity("opp_x"), nil)
	assert.False(t, decision.Accepted)
	assert.Contains(t, decision.Reason, "高gas熔断")
}

func TestProfitDeclineBreaker(t *testing.T) {
	m := newTestManager(func(cfg *config.RiskConfig) {
		cfg.FailureRateMinCount = 100
		cfg.EmergencyFailureMin = 100
		cfg.HighGasThresholdGwei = 10000
	})

	now := time.Now()
	// 窗口前半盈利1 ETH，后半仅0.01 ETH，下滑99%
	m.RecordCompleted(&models.ExecutionRecord{
		OpportunityID: "opp_old",
		Kind:          models.StrategySandwich,
		Success:       true,
		Profit:        config.EthToWei(1),
		GasPrice:      config.GweiToWei(50),
		ExecutedAt:    now.Add(-90 * time.Minute),
	})
	m.RecordCompleted(&models.ExecutionRecord{
		OpportunityID: "opp_new",
		Kind:          models.StrategySandwich,
		Success:       true,
		Profit:        config.EthToWei(0.01),
		GasPrice:      config.GweiToWei(50),
		ExecutedAt:    now.Add(-10 * time.Minute),
	})

	decision := m.Validate(testOpportunity("opp_x"), nil)
	assert.False(t, decision.Accepted)
	assert.Contains(t, decision.Reason, "利润下滑")
}

func TestEmergencyStopOnFailureRate(t *testing.T) {
	m := newTestManager(func(cfg *config.RiskConfig) {
		cfg.FailureRateThreshold = 0.99 // 普通熔断不触发，隔离紧急停止路径
	})

	// 30分钟内5次执行3次失败 → 失败率0.6 > 0.5且样本数达到下限
	now := time.Now()
	for i := 0; i < 5; i++ {
		m.RecordCompleted(&models.ExecutionRecord{
			OpportunityID: fmt.Sprintf("opp_%d", i),
			Kind:          models.StrategySandwich,
			Success:       i >= 3,
			Profit:        config.EthToWei(0.05),
			GasCost:       config.EthToWei(0.001),
			GasPrice:      config.GweiToWei(50),
			ExecutedAt:    now.Add(-time.Minute * time.Duration(i)),
		})
	}

	state := m.GetRiskStatus()
	require.True(t, state.EmergencyStopped)

	decision := m.Validate(testOpportunity("opp_x"), nil)
	assert.False(t, decision.Accepted)
	assert.Contains(t, decision.Reason, "紧急停止")
}

func TestEmergencyStopOnWeeklyLoss(t *testing.T) {
	m := newTestManager(func(cfg *config.RiskConfig) {
		cfg.FailureRateMinCount = 100
		cfg.EmergencyFailureMin = 100
		cfg.HighGasThresholdGwei = 10000
	})

	// 单次亏损超过周亏损上限2 ETH
	m.RecordCompleted(&models.ExecutionRecord{
		OpportunityID: "opp_1",
		Kind:          models.StrategySandwich,
		Success:       false,
		GasCost:       config.EthToWei(3),
		GasPrice:      config.GweiToWei(50),
		ExecutedAt:    time.Now(),
	})

	assert.True(t, m.GetRiskStatus().EmergencyStopped)
}

func TestResetEmergencyStop(t *testing.T) {
	m := newTestManager(func(cfg *config.RiskConfig) {
		cfg.FailureRateThreshold = 0.99
		cfg.HighGasThresholdGwei = 10000
	})

	now := time.Now()
	for i := 0; i < 5; i++ {
		m.RecordCompleted(&models.ExecutionRecord{
			OpportunityID: fmt.Sprintf("opp_%d", i),
			Kind:          models.StrategySandwich,
			Success:       i >= 3,
			Profit:        config.EthToWei(0.05),
			GasCost:       config.EthToWei(0.001),
			GasPrice:      config.GweiToWei(50),
			ExecutedAt:    now.Add(-time.Minute * time.Duration(i)),
		})
	}
	require.True(t, m.GetRiskStatus().EmergencyStopped)

	// 紧急停止不会自动恢复，只能显式重置
	m.ResetEmergencyStop()
	assert.False(t, m.GetRiskStatus().EmergencyStopped)
	assert.True(t, m.Validate(testOpportunity("opp_x"), nil).Accepted)
}
