package config

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"mevscan/internal/logging"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config 主配置
// 构造时一次性注入各组件，加载后不可变
type Config struct {
	Chain        *ChainConfig        `mapstructure:"chain"`
	Pipeline     *PipelineConfig     `mapstructure:"pipeline"`
	Decoder      *DecoderConfig      `mapstructure:"decoder"`
	Simulator    *SimulatorConfig    `mapstructure:"simulator"`
	Analyzer     *AnalyzerConfig     `mapstructure:"analyzer"`
	Orchestrator *OrchestratorConfig `mapstructure:"orchestrator"`
	Gas          *GasConfig          `mapstructure:"gas"`
	Risk         *RiskConfig         `mapstructure:"risk"`
	Pricing      *PricingConfig      `mapstructure:"pricing"`
	Output       *OutputConfig       `mapstructure:"output"`
	API          *APIConfig          `mapstructure:"api"`
	Logging      *logging.LogConfig  `mapstructure:"logging"`
}

// NodeConfig 节点配置
type NodeConfig struct {
	Name      string `mapstructure:"name"`
	URL       string `mapstructure:"url"`
	Type      string `mapstructure:"type"`
	RateLimit int    `mapstructure:"rate_limit"`
	Priority  int    `mapstructure:"priority"`
}

// ChainConfig 链访问配置
type ChainConfig struct {
	Nodes         []*NodeConfig     `mapstructure:"nodes"`
	WrappedNative string            `mapstructure:"wrapped_native"` // 包装原生资产地址 (WETH)
	Factories     map[string]string `mapstructure:"factories"`      // 协议名 -> 工厂合约地址
	RPCTimeout    string            `mapstructure:"rpc_timeout"`
	ReserveTTL    string            `mapstructure:"reserve_ttl"`     // 储备量缓存TTL
	ReserveMaxAge string            `mapstructure:"reserve_max_age"` // 储备量最大时效，超过强制重新获取
	MetadataTTL   string            `mapstructure:"metadata_ttl"`    // 代币元数据缓存TTL
}

// FactoryAddress 指定协议的工厂合约地址
func (c *ChainConfig) FactoryAddress(protocol string) (common.Address, bool) {
	addr, exists := c.Factories[protocol]
	if !exists || addr == "" {
		return common.Address{}, false
	}
	return common.HexToAddress(addr), true
}

// WrappedNativeAddress 包装原生资产地址
func (c *ChainConfig) WrappedNativeAddress() common.Address {
	return common.HexToAddress(c.WrappedNative)
}

// PipelineConfig 流水线配置
type PipelineConfig struct {
	Workers       int    `mapstructure:"workers"`
	QueueSize     int    `mapstructure:"queue_size"` // 有界输入队列，满时丢弃最旧交易
	ProcessedTTL  string `mapstructure:"processed_ttl"`
	SweepInterval string `mapstructure:"sweep_interval"`
}

// DecoderConfig 解码器配置
type DecoderConfig struct {
	CacheTTL  string            `mapstructure:"cache_ttl"`
	CacheSize int               `mapstructure:"cache_size"`
	Routers   map[string]string `mapstructure:"routers"` // 路由合约地址 -> 协议名
}

// SimulatorConfig 模拟器配置
type SimulatorConfig struct {
	// 最优金额搜索的离散候选集：参考金额的基点倍数（10000=1倍）
	CandidateFractionsBps []int64 `mapstructure:"candidate_fractions_bps"`
}

// AnalyzerConfig 分析器配置
type AnalyzerConfig struct {
	MinSwapValueEth    float64 `mapstructure:"min_swap_value_eth"`
	MinSwapValueFiat   float64 `mapstructure:"min_swap_value_fiat"`
	MinPriceImpactBps  int64   `mapstructure:"min_price_impact_bps"`
	MaxPriceImpactBps  int64   `mapstructure:"max_price_impact_bps"`
	MinPoolFractionBps int64   `mapstructure:"min_pool_fraction_bps"`
	MaxPoolFractionBps int64   `mapstructure:"max_pool_fraction_bps"`
	MaxVictimGasGwei   float64 `mapstructure:"max_victim_gas_gwei"`

	// 每种策略的最小利润率门槛（基点）
	// 三明治承担双向风险，门槛为frontrun与backrun之和
	FrontrunMinProfitBps int64 `mapstructure:"frontrun_min_profit_bps"`
	BackrunMinProfitBps  int64 `mapstructure:"backrun_min_profit_bps"`

	// 每种策略的固定gas上限
	FrontrunGasLimit  uint64 `mapstructure:"frontrun_gas_limit"`
	BackrunGasLimit   uint64 `mapstructure:"backrun_gas_limit"`
	SandwichGasLimit  uint64 `mapstructure:"sandwich_gas_limit"`
	ArbitrageGasLimit uint64 `mapstructure:"arbitrage_gas_limit"`
	MultiHopGasLimit  uint64 `mapstructure:"multihop_gas_limit"`

	// 每种策略的gas价格倍率：frontrun需要压过受害者出价
	FrontrunGasMultiplier float64 `mapstructure:"frontrun_gas_multiplier"`
	BackrunGasMultiplier  float64 `mapstructure:"backrun_gas_multiplier"`
	SandwichGasMultiplier float64 `mapstructure:"sandwich_gas_multiplier"`
}

// SandwichMinProfitBps 三明治策略的最小利润率门槛
func (c *AnalyzerConfig) SandwichMinProfitBps() int64 {
	return c.FrontrunMinProfitBps + c.BackrunMinProfitBps
}

// OrchestratorConfig 编排器配置
type OrchestratorConfig struct {
	// 全局盈利下限，独立于分析器的每策略门槛，必须严格大于才接受
	MinProfitEth   float64 `mapstructure:"min_profit_eth"`
	MinROIBps      int64   `mapstructure:"min_roi_bps"`
	OpportunityTTL string  `mapstructure:"opportunity_ttl"`
	SweepInterval  string  `mapstructure:"sweep_interval"`
	MaxHops        int     `mapstructure:"max_hops"`

	// 环形套利批量扫描：关注的交易对地址与扫描周期
	WatchPairs       []string `mapstructure:"watch_pairs"`
	MultiHopInterval string   `mapstructure:"multihop_interval"`
}

// WatchPairAddresses 关注的交易对地址列表
func (c *OrchestratorConfig) WatchPairAddresses() []common.Address {
	out := make([]common.Address, 0, len(c.WatchPairs))
	for _, addr := range c.WatchPairs {
		out = append(out, common.HexToAddress(addr))
	}
	return out
}

// GasConfig gas估算器配置
type GasConfig struct {
	RefreshInterval       string  `mapstructure:"refresh_interval"`
	HistoryBlocks         int     `mapstructure:"history_blocks"`
	RewardPercentile      float64 `mapstructure:"reward_percentile"`
	MinPriorityGwei       float64 `mapstructure:"min_priority_gwei"`
	MaxPriorityGwei       float64 `mapstructure:"max_priority_gwei"`
	MaxGasPriceGwei       float64 `mapstructure:"max_gas_price_gwei"`
	CompetitiveMultiplier float64 `mapstructure:"competitive_multiplier"`
	LegacyMultiplier      float64 `mapstructure:"legacy_multiplier"` // legacy模式下对参考交易gas价的放大倍数

	// 每种策略在最优估算基础上的额外加成
	FrontrunBoost float64 `mapstructure:"frontrun_boost"`
	SandwichBoost float64 `mapstructure:"sandwich_boost"`
	BackrunBoost  float64 `mapstructure:"backrun_boost"`

	// 估算失败时的静态回退值
	DefaultGasPriceGwei float64 `mapstructure:"default_gas_price_gwei"`
	DefaultBaseFeeGwei  float64 `mapstructure:"default_base_fee_gwei"`
	DefaultPriorityGwei float64 `mapstructure:"default_priority_gwei"`
}

// RiskConfig 风控配置
type RiskConfig struct {
	MaxPendingTx         int      `mapstructure:"max_pending_tx"`
	CooldownAfterFailure string   `mapstructure:"cooldown_after_failure"`
	MinProfitEth         float64  `mapstructure:"min_profit_eth"`
	MinROIBps            int64    `mapstructure:"min_roi_bps"`
	MaxGasPriceGwei      float64  `mapstructure:"max_gas_price_gwei"`
	MaxSingleExposureEth float64  `mapstructure:"max_single_exposure_eth"`
	MaxTotalExposureEth  float64  `mapstructure:"max_total_exposure_eth"`
	MaxDailyExposureEth  float64  `mapstructure:"max_daily_exposure_eth"`
	MaxPoolUsageBps      int64    `mapstructure:"max_pool_usage_bps"`
	Blacklist            []string `mapstructure:"blacklist"`
	HistorySize          int      `mapstructure:"history_size"`

	// 熔断器参数
	ProfitDeclineWindow  string  `mapstructure:"profit_decline_window"`  // 滚动窗口，前后两半对比
	ProfitDeclineRatio   float64 `mapstructure:"profit_decline_ratio"`   // 后半相对前半的下滑比例阈值
	FailureRateWindow    string  `mapstructure:"failure_rate_window"`
	FailureRateThreshold float64 `mapstructure:"failure_rate_threshold"`
	FailureRateMinCount  int     `mapstructure:"failure_rate_min_count"`
	HighGasWindow        string  `mapstructure:"high_gas_window"`
	HighGasThresholdGwei float64 `mapstructure:"high_gas_threshold_gwei"`

	// 紧急停止参数：触发后只能由外部显式重置
	WeeklyLossLimitEth     float64 `mapstructure:"weekly_loss_limit_eth"`
	EmergencyFailureWindow string  `mapstructure:"emergency_failure_window"`
	EmergencyFailureMin    int     `mapstructure:"emergency_failure_min"`
	EmergencyFailureRate   float64 `mapstructure:"emergency_failure_rate"`
}

// BlacklistAddresses 黑名单地址集合
func (c *RiskConfig) BlacklistAddresses() map[common.Address]bool {
	set := make(map[common.Address]bool, len(c.Blacklist))
	for _, addr := range c.Blacklist {
		set[common.HexToAddress(addr)] = true
	}
	return set
}

// PricingConfig 价格预言机配置
type PricingConfig struct {
	RefreshInterval  string  `mapstructure:"refresh_interval"`
	StaticNativeFiat float64 `mapstructure:"static_native_fiat"` // 回退用静态原生币法币价格
	ReferencePair    string  `mapstructure:"reference_pair"`     // 原生币/稳定币参考交易对
	StableDecimals   uint8   `mapstructure:"stable_decimals"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"`
	Async   bool              `mapstructure:"async"` // 异步批量发送
}

// PostgresConfig Postgres归档配置
type PostgresConfig struct {
	DSN     string `mapstructure:"dsn"`
	Enabled bool   `mapstructure:"enabled"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	Format    string          `mapstructure:"format"`
	Directory string          `mapstructure:"directory"`
	Compress  bool            `mapstructure:"compress"`
	Kafka     *KafkaConfig    `mapstructure:"kafka"`
	Postgres  *PostgresConfig `mapstructure:"postgres"`
	History   string          `mapstructure:"history"` // bbolt执行历史文件路径
}

// APIConfig 控制API配置
type APIConfig struct {
	Port int `mapstructure:"port"`
}

// LoadConfig 从YAML文件加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
			// 配置文件不存在时使用默认配置，节点URL从环境变量取
			return GetDefaultConfig(), nil
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := GetDefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}

	return config, nil
}

// Validate 校验配置合法性
func (c *Config) Validate() error {
	if c.Chain == nil || len(c.Chain.Nodes) == 0 {
		return fmt.Errorf("至少需要配置一个链节点")
	}
	if c.Chain.WrappedNative == "" {
		return fmt.Errorf("必须配置包装原生资产地址")
	}
	if c.Analyzer.MinPriceImpactBps >= c.Analyzer.MaxPriceImpactBps {
		return fmt.Errorf("价格冲击区间非法: [%d, %d]", c.Analyzer.MinPriceImpactBps, c.Analyzer.MaxPriceImpactBps)
	}
	if c.Analyzer.MinPoolFractionBps >= c.Analyzer.MaxPoolFractionBps {
		return fmt.Errorf("池占比区间非法: [%d, %d]", c.Analyzer.MinPoolFractionBps, c.Analyzer.MaxPoolFractionBps)
	}
	if c.Gas.MinPriorityGwei > c.Gas.MaxPriorityGwei {
		return fmt.Errorf("优先费区间非法: [%f, %f]", c.Gas.MinPriorityGwei, c.Gas.MaxPriorityGwei)
	}
	if c.Risk.EmergencyFailureMin <= 0 {
		return fmt.Errorf("紧急停止最小执行数必须为正")
	}
	return nil
}

// ParseDuration 解析时长字符串，失败时返回默认值
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// EthToWei ETH金额转wei，经由decimal避免浮点误差
func EthToWei(eth float64) *big.Int {
	return decimal.NewFromFloat(eth).Shift(18).BigInt()
}

// GweiToWei gwei金额转wei
func GweiToWei(gwei float64) *big.Int {
	return decimal.NewFromFloat(gwei).Shift(9).BigInt()
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Chain: &ChainConfig{
			Nodes: []*NodeConfig{
				{
					Name:      "local_node",
					URL:       os.Getenv("ETH_NODE_URL"),
					Type:      "local",
					RateLimit: 1000,
					Priority:  1,
				},
			},
			WrappedNative: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
			Factories: map[string]string{
				"uniswap_v2": "0x5C69bEE701ef814a2B6a3EDD4B1652CB9cc5aA6f",
				"sushiswap":  "0xC0AEe478e3658e2610c5F7A4A2E1777cE9e4f2Ac",
			},
			RPCTimeout:    "800ms",
			ReserveTTL:    "3s",
			ReserveMaxAge: "12s",
			MetadataTTL:   "10m",
		},
		Pipeline: &PipelineConfig{
			Workers:       8,
			QueueSize:     2048,
			ProcessedTTL:  "5m",
			SweepInterval: "30s",
		},
		Decoder: &DecoderConfig{
			CacheTTL:  "60s",
			CacheSize: 10000,
			Routers: map[string]string{
				"0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D": "uniswap_v2",
				"0xd9e1cE17f2641f24aE83637ab66a2cca9C378B9F": "sushiswap",
			},
		},
		Simulator: &SimulatorConfig{
			CandidateFractionsBps: []int64{2500, 5000, 7500, 10000, 15000, 20000},
		},
		Analyzer: &AnalyzerConfig{
			MinSwapValueEth:       0.5,
			MinSwapValueFiat:      1000,
			MinPriceImpactBps:     30,
			MaxPriceImpactBps:     1000,
			MinPoolFractionBps:    10,
			MaxPoolFractionBps:    500,
			MaxVictimGasGwei:      500,
			FrontrunMinProfitBps:  20,
			BackrunMinProfitBps:   10,
			FrontrunGasLimit:      180000,
			BackrunGasLimit:       180000,
			SandwichGasLimit:      360000,
			ArbitrageGasLimit:     450000,
			MultiHopGasLimit:      600000,
			FrontrunGasMultiplier: 1.15,
			BackrunGasMultiplier:  1.0,
			SandwichGasMultiplier: 1.1,
		},
		Orchestrator: &OrchestratorConfig{
			MinProfitEth:   0.01,
			MinROIBps:      50,
			OpportunityTTL:   "5m",
			SweepInterval:    "30s",
			MaxHops:          4,
			WatchPairs:       []string{},
			MultiHopInterval: "1m",
		},
		Gas: &GasConfig{
			RefreshInterval:       "3s",
			HistoryBlocks:         10,
			RewardPercentile:      50,
			MinPriorityGwei:       1,
			MaxPriorityGwei:       50,
			MaxGasPriceGwei:       800,
			CompetitiveMultiplier: 1.2,
			LegacyMultiplier:      1.1,
			FrontrunBoost:         1.5,
			SandwichBoost:         1.3,
			BackrunBoost:          1.05,
			DefaultGasPriceGwei:   30,
			DefaultBaseFeeGwei:    20,
			DefaultPriorityGwei:   2,
		},
		Risk: &RiskConfig{
			MaxPendingTx:         5,
			CooldownAfterFailure: "60s",
			MinProfitEth:         0.01,
			MinROIBps:            50,
			MaxGasPriceGwei:      600,
			MaxSingleExposureEth: 5,
			MaxTotalExposureEth:  20,
			MaxDailyExposureEth:  50,
			MaxPoolUsageBps:      500,
			Blacklist:            []string{},
			HistorySize:          200,
			ProfitDeclineWindow:  "2h",
			ProfitDeclineRatio:   0.5,
			FailureRateWindow:    "1h",
			FailureRateThreshold: 0.3,
			FailureRateMinCount:  5,
			HighGasWindow:        "30m",
			HighGasThresholdGwei: 300,

			WeeklyLossLimitEth:     2,
			EmergencyFailureWindow: "30m",
			EmergencyFailureMin:    5,
			EmergencyFailureRate:   0.5,
		},
		Pricing: &PricingConfig{
			RefreshInterval:  "30s",
			StaticNativeFiat: 2500,
			ReferencePair:    "0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc",
			StableDecimals:   6,
		},
		Output: &OutputConfig{
			Format:    "kafka",
			Directory: "./outputs",
			Compress:  false,
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics: map[string]string{
					"opportunities": "mev_opportunities",
					"rejections":    "mev_rejections",
					"risk_events":   "mev_risk_events",
					"stats":         "mev_stats",
				},
			},
			Postgres: &PostgresConfig{
				DSN:     os.Getenv("MEVSCAN_PG_DSN"),
				Enabled: false,
			},
			History: "./data/history.db",
		},
		API: &APIConfig{
			Port: 8080,
		},
		Logging: &logging.LogConfig{
			Level:     "info",
			Format:    "json",
			Output:    "stdout",
			AddSource: true,
		},
	}
}
