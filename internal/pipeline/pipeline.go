package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mevscan/internal/analyzer"
	"mevscan/internal/cache"
	"mevscan/internal/config"
	"mevscan/internal/decoder"
	"mevscan/internal/logging"
	"mevscan/internal/orchestrator"
	"mevscan/internal/output"
	"mevscan/internal/risk"
	"mevscan/pkg/models"

	"github.com/sirupsen/logrus"
)

// Stats 流水线统计
type Stats struct {
	Received        uint64 `json:"received"`
	DroppedOverflow uint64 `json:"dropped_overflow"`
	Duplicates      uint64 `json:"duplicates"`
	Decoded         uint64 `json:"decoded"`
	Swaps           uint64 `json:"swaps"`
	Analyzed        uint64 `json:"analyzed"`
	Opportunities   uint64 `json:"opportunities"`
	RiskRejected    uint64 `json:"risk_rejected"`
	Emitted         uint64 `json:"emitted"`
}

// Pipeline 检测流水线
// 事件驱动：交易源把待确认交易推入有界队列，工作协程各自独立走完
// 解码 → 分析 → 编排 → 风控 → 输出 的全流程；单笔交易失败不影响其他交易
type Pipeline struct {
	config       *config.PipelineConfig
	decoder      *decoder.Decoder
	analyzer     *analyzer.Analyzer
	orchestrator *orchestrator.Orchestrator
	risk         *risk.Manager
	out          output.Output
	archive      *output.PostgresArchive
	logger       *logrus.Logger

	structuredLogger *logging.StructuredLogger // 结构化日志器，未配置时为nil

	input     chan *models.PendingTransaction
	processed *cache.TTLMap // 已处理交易哈希去重集合

	received        atomic.Uint64
	droppedOverflow atomic.Uint64
	duplicates      atomic.Uint64
	decoded         atomic.Uint64
	swaps           atomic.Uint64
	analyzed        atomic.Uint64
	opportunities   atomic.Uint64
	riskRejected    atomic.Uint64
	emitted         atomic.Uint64

	wg sync.WaitGroup
}

// NewPipeline 创建检测流水线
func NewPipeline(cfg *config.PipelineConfig, dec *decoder.Decoder, ana *analyzer.Analyzer, orch *orchestrator.Orchestrator, riskMgr *risk.Manager, out output.Output, archive *output.PostgresArchive, logger *logrus.Logger) *Pipeline {
	return NewPipelineWithLogging(cfg, dec, ana, orch, riskMgr, out, archive, logger, nil)
}

// NewPipelineWithLogging 创建带结构化日志的检测流水线
func NewPipelineWithLogging(cfg *config.PipelineConfig, dec *decoder.Decoder, ana *analyzer.Analyzer, orch *orchestrator.Orchestrator, riskMgr *risk.Manager, out output.Output, archive *output.PostgresArchive, logger *logrus.Logger, logConfig *logging.LogConfig) *Pipeline {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 2048
	}

	var structuredLogger *logging.StructuredLogger
	if logConfig != nil {
		var err error
		structuredLogger, err = logging.NewStructuredLogger(logConfig)
		if err != nil {
			logger.Warnf("结构化日志器初始化失败，回退普通日志: %v", err)
		}
	}

	return &Pipeline{
		config:       cfg,
		decoder:      dec,
		analyzer:     ana,
		orchestrator: orch,
		risk:         riskMgr,
		out:          out,
		archive:      archive,
		logger:       logger,
		input:        make(chan *models.PendingTransaction, queueSize),
		processed:    cache.NewTTLMap(config.ParseDuration(cfg.ProcessedTTL, 5*time.Minute)),

		structuredLogger: structuredLogger,
	}
}

// LogOpportunity 记录机会处理日志
func (p *Pipeline) LogOpportunity(oppID string, kind string, message string, fields map[string]any) {
	if p.structuredLogger != nil {
		allFields := map[string]any{
			"component":      "pipeline",
			"opportunity_id": oppID,
			"strategy":       kind,
		}
		for k, v := range fields {
			allFields[k] = v
		}
		p.structuredLogger.InfoWithFields(message, allFields)
	} else {
		p.logger.Infof("[机会 %s][%s] %s", oppID, kind, message)
	}
}

// LogProcessError 记录处理错误日志
func (p *Pipeline) LogProcessError(txHash string, message string, err error) {
	if p.structuredLogger != nil {
		p.structuredLogger.ErrorWithFields(message, map[string]any{
			"component": "pipeline",
			"tx_hash":   txHash,
			"error":     err.Error(),
		})
	} else {
		p.logger.Errorf("[交易 %s] %s: %v", txHash, message, err)
	}
}

// Submit 提交一笔待确认交易
// 永不阻塞：队列满时丢弃最旧的一笔（过期的待确认交易价值衰减最快）
func (p *Pipeline) Submit(tx *models.PendingTransaction) {
	if tx == nil {
		return
	}
	p.received.Add(1)

	for {
		select {
		case p.input <- tx:
			return
		default:
		}
		// 队列已满，弹出最旧的一笔后重试入队
		select {
		case dropped := <-p.input:
			p.droppedOverflow.Add(1)
			p.logger.Debugf("输入队列已满，丢弃最旧交易 %s", dropped.Hash.Hex())
		default:
		}
	}
}

// Start 启动工作协程与清理协程
func (p *Pipeline) Start(ctx context.Context) {
	workers := p.config.Workers
	if workers <= 0 {
		workers = 8
	}

	p.processed.StartSweeper(ctx, config.ParseDuration(p.config.SweepInterval, 30*time.Second))

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.worker(ctx, id)
		}(i)
	}

	p.logger.Infof("流水线已启动，工作协程数: %d，队列容量: %d", workers, cap(p.input))
}

// Wait 等待全部工作协程退出
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// worker 单个工作协程主循环
func (p *Pipeline) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case tx := <-p.input:
			p.process(ctx, tx)
		}
	}
}

// process 处理单笔交易，任何阶段失败都就地恢复
func (p *Pipeline) process(ctx context.Context, tx *models.PendingTransaction) {
	// 首个写入者获得处理权，重复交易直接丢弃
	if !p.processed.SetIfAbsent(tx.Hash.Hex(), struct{}{}) {
		p.duplicates.Add(1)
		return
	}

	decoded := p.decoder.Decode(ctx, tx)
	p.decoded.Add(1)
	if !decoded.IsSwap() {
		return
	}
	p.swaps.Add(1)

	analysis, err := p.analyzer.Analyze(ctx, decoded)
	if err != nil {
		p.logger.Debugf("交易 %s 分析失败: %v", tx.Hash.Hex(), err)
		return
	}
	p.analyzed.Add(1)
	if !analysis.Eligible() {
		if analysis.RejectReason != "" {
			p.logger.Debugf("交易 %s 未通过闸门: %s", tx.Hash.Hex(), analysis.RejectReason)
		}
		return
	}

	opp := p.orchestrator.DetectOpportunity(ctx, analysis)
	if opp == nil {
		return
	}
	p.opportunities.Add(1)

	decision := p.risk.Validate(opp, analysis.Pair)
	if !decision.Accepted {
		p.riskRejected.Add(1)
		p.LogOpportunity(opp.ID, string(opp.Type), "机会被风控拒绝", map[string]any{
			"reason": decision.Reason,
		})
		if err := p.out.WriteRejection(&output.Rejection{
			Opportunity: opp,
			Reason:      decision.Reason,
			Timestamp:   time.Now().Unix(),
		}); err != nil {
			p.logger.Warnf("拒绝记录输出失败: %v", err)
		}
		return
	}

	if err := p.out.WriteOpportunity(opp); err != nil {
		p.LogProcessError(tx.Hash.Hex(), "机会输出失败", err)
		return
	}
	p.emitted.Add(1)
	p.LogOpportunity(opp.ID, string(opp.Type), "机会已输出", map[string]any{
		"target_tx":  tx.Hash.Hex(),
		"net_profit": opp.EstimatedProfitWei.String(),
	})

	if p.archive != nil {
		if err := p.archive.Archive(opp); err != nil {
			p.logger.Warnf("机会 %s 归档失败: %v", opp.ID, err)
		}
	}
}

// StartStatsReporter 定时输出统计快照
func (p *Pipeline) StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := p.orchestrator.GetStats()
				if err := p.out.WriteStats(&stats); err != nil {
					p.logger.Debugf("统计输出失败: %v", err)
				}
			}
		}
	}()
}

// GetStats 流水线统计快照
func (p *Pipeline) GetStats() Stats {
	return Stats{
		Received:        p.received.Load(),
		DroppedOverflow: p.droppedOverflow.Load(),
		Duplicates:      p.duplicates.Load(),
		Decoded:         p.decoded.Load(),
		Swaps:           p.swaps.Load(),
		Analyzed:        p.analyzed.Load(),
		Opportunities:   p.opportunities.Load(),
		RiskRejected:    p.riskRejected.Load(),
		Emitted:         p.emitted.Load(),
	}
}

// QueueDepth 当前队列深度
func (p *Pipeline) QueueDepth() int {
	return len(p.input)
}
