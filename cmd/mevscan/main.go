package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mevscan/internal/analyzer"
	"mevscan/internal/api"
	"mevscan/internal/chain"
	"mevscan/internal/config"
	"mevscan/internal/connection"
	"mevscan/internal/decoder"
	"mevscan/internal/gas"
	"mevscan/internal/history"
	"mevscan/internal/orchestrator"
	"mevscan/internal/output"
	"mevscan/internal/pipeline"
	"mevscan/internal/pricing"
	"mevscan/internal/risk"
	"mevscan/internal/shutdown"
	"mevscan/internal/simulator"
	"mevscan/pkg/models"
)

var (
	configFile string
	verbose    bool
	dryRun     bool
	replayFile string
	apiEnabled bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mevscan",
		Short: "链上价值提取机会检测引擎",
		Long:  `监听待确认交易流，识别可抢跑/回跑/三明治/套利的链上价值提取机会并输出检测结果`,
		RunE:  run,
	}

	rootCmd.Flags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "详细输出")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "试运行模式：机会只写入文件，不发送Kafka")
	rootCmd.Flags().StringVar(&replayFile, "replay", "", "回放交易文件 (JSON Lines)，为空时等待外部推送")
	rootCmd.Flags().BoolVar(&apiEnabled, "api", true, "启用控制API")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	if dryRun {
		cfg.Output.Format = "file"
	}

	gs := shutdown.NewGracefulShutdown(30*time.Second, logger)
	gs.Start()
	ctx := gs.Context()

	// 链访问层：全部节点不可达是唯一允许中止启动的错误
	pool := connection.NewConnectionPool(cfg.Chain.Nodes, logger)
	if err := pool.Initialize(ctx); err != nil {
		return fmt.Errorf("初始化链连接失败: %w", err)
	}
	gs.RegisterShutdownFunc("connection_pool", func(ctx context.Context) error {
		pool.Close()
		return nil
	}, 90)

	stateReader := chain.NewStateReader(pool, cfg.Chain, logger)
	stateReader.StartSweeper(ctx)

	estimator := gas.NewEstimator(cfg.Gas, stateReader, logger)
	if err := estimator.Start(ctx); err != nil {
		return fmt.Errorf("启动gas估算器失败: %w", err)
	}

	wrappedNative := cfg.Chain.WrappedNativeAddress()
	oracle := pricing.NewOracle(cfg.Pricing, stateReader, wrappedNative, logger)
	oracle.Start(ctx)

	dec := decoder.NewDecoder(cfg.Decoder, wrappedNative, stateReader, logger)
	dec.StartSweeper(ctx)

	sim := simulator.NewSimulator(cfg.Simulator, logger)
	ana := analyzer.NewAnalyzer(cfg.Analyzer, cfg.Chain, sim, stateReader, estimator, oracle, logger)

	orch := orchestrator.NewOrchestrator(cfg.Orchestrator, cfg.Analyzer, estimator, oracle, sim, stateReader, wrappedNative, logger)
	orch.StartSweeper(ctx)

	// 执行历史持久化，打不开时降级为纯内存风控
	var sink risk.HistorySink
	if cfg.Output.History != "" {
		store, err := history.NewStore(cfg.Output.History, logger)
		if err != nil {
			logger.Warnf("执行历史存储不可用，风控账目不持久化: %v", err)
		} else {
			sink = store
			gs.RegisterShutdownFunc("history_store", func(ctx context.Context) error {
				return store.Close()
			}, 80)
		}
	}
	riskMgr := risk.NewManager(cfg.Risk, wrappedNative, sink, logger)

	out, err := output.NewOutput(cfg.Output, logger)
	if err != nil {
		return fmt.Errorf("创建输出器失败: %w", err)
	}
	gs.RegisterShutdownFunc("output", func(ctx context.Context) error {
		return out.Close()
	}, 70)

	riskMgr.SetEventNotifier(func(kind, detail string) {
		if err := out.WriteRiskEvent(&output.RiskEvent{
			Kind:      kind,
			Detail:    detail,
			State:     riskMgr.GetRiskStatus(),
			Timestamp: time.Now().Unix(),
		}); err != nil {
			logger.Warnf("风控事件输出失败: %v", err)
		}
	})

	var archive *output.PostgresArchive
	if cfg.Output.Postgres != nil && cfg.Output.Postgres.Enabled {
		archive, err = output.NewPostgresArchive(cfg.Output.Postgres.DSN, logger)
		if err != nil {
			logger.Warnf("Postgres归档不可用: %v", err)
		} else {
			gs.RegisterShutdownFunc("postgres_archive", func(ctx context.Context) error {
				return archive.Close()
			}, 60)
		}
	}

	pipe := pipeline.NewPipelineWithLogging(cfg.Pipeline, dec, ana, orch, riskMgr, out, archive, logger, cfg.Logging)
	pipe.Start(ctx)
	pipe.StartStatsReporter(ctx, time.Minute)

	// 环形套利批量扫描
	if pairs := cfg.Orchestrator.WatchPairAddresses(); len(pairs) > 0 {
		interval := config.ParseDuration(cfg.Orchestrator.MultiHopInterval, time.Minute)
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					found := orch.FindMultiHopOpportunities(ctx, pairs, cfg.Orchestrator.MaxHops)
					for _, opp := range found {
						if decision := riskMgr.Validate(opp, nil); decision.Accepted {
							if err := out.WriteOpportunity(opp); err != nil {
								logger.Warnf("套利机会输出失败: %v", err)
							}
						}
					}
				}
			}
		}()
	}

	if apiEnabled {
		server := api.NewServer(cfg, pipe, orch, riskMgr, estimator, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Warnf("API服务器退出: %v", err)
			}
		}()
		gs.RegisterShutdownFunc("api_server", func(ctx context.Context) error {
			return server.Stop(ctx)
		}, 10)
	}

	if replayFile != "" {
		go func() {
			if err := replay(ctx, replayFile, pipe, logger); err != nil {
				logger.Errorf("交易回放失败: %v", err)
			}
		}()
	} else {
		logger.Info("未指定回放文件，等待外部交易源推送")
	}

	gs.Wait()
	pipe.Wait()
	logger.Info("检测引擎已退出")
	return nil
}

// replay 从JSON Lines文件回放待确认交易
func replay(ctx context.Context, path string, pipe *pipeline.Pipeline, logger *logrus.Logger) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("打开回放文件失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	count := 0
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var tx models.PendingTransaction
		if err := json.Unmarshal(line, &tx); err != nil {
			logger.Debugf("回放第 %d 行解析失败: %v", count+1, err)
			continue
		}
		if tx.ArrivedAt.IsZero() {
			tx.ArrivedAt = time.Now()
		}
		if tx.Source == "" {
			tx.Source = "replay"
		}
		pipe.Submit(&tx)
		count++
	}

	logger.Infof("回放完成，共提交 %d 笔交易", count)
	return scanner.Err()
}
