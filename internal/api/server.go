package api

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mevscan/internal/config"
	"mevscan/internal/gas"
	"mevscan/internal/orchestrator"
	"mevscan/internal/pipeline"
	"mevscan/internal/risk"
	"mevscan/pkg/models"
)

// Server 控制API服务器
// 对外暴露风控控制面（暂停/恢复策略、重置紧急停止）与只读的状态查询
type Server struct {
	config       *config.Config
	pipeline     *pipeline.Pipeline
	orchestrator *orchestrator.Orchestrator
	risk         *risk.Manager
	estimator    *gas.Estimator
	logger       *logrus.Logger
	logManager   *LogManager
	server       *http.Server
	startedAt    time.Time
}

// NewServer 创建API服务器
func NewServer(cfg *config.Config, pipe *pipeline.Pipeline, orch *orchestrator.Orchestrator, riskMgr *risk.Manager, estimator *gas.Estimator, logger *logrus.Logger) *Server {
	logManager := NewLogManager(1000)
	logger.AddHook(NewLogHook(logManager))

	return &Server{
		config:       cfg,
		pipeline:     pipe,
		orchestrator: orch,
		risk:         riskMgr,
		estimator:    estimator,
		logger:       logger,
		logManager:   logManager,
		startedAt:    time.Now(),
	}
}

// Start 启动API服务器
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s.setupRoutes(router)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.API.Port),
		Handler: router,
	}

	s.logger.Infof("API服务器启动在端口 %d", s.config.API.Port)
	return s.server.ListenAndServe()
}

// Stop 停止API服务器
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.healthCheck)

	api := router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/stats", s.getStats)
		api.GET("/gas", s.getGas)

		api.GET("/opportunities", s.listOpportunities)
		api.GET("/opportunities/:id", s.getOpportunity)
		api.POST("/opportunities/:id/submitted", s.markSubmitted)
		api.POST("/opportunities/:id/confirmed", s.markConfirmed)
		api.POST("/opportunities/:id/failed", s.markFailed)

		api.GET("/risk", s.getRisk)
		api.POST("/risk/pause", s.pauseStrategy)
		api.POST("/risk/resume", s.resumeStrategy)
		api.POST("/risk/reset-emergency", s.resetEmergency)

		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)
	}
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "mevscan-api",
	})
}

// getStatus 运行状态
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"pipeline":       s.pipeline.GetStats(),
		"queue_depth":    s.pipeline.QueueDepth(),
		"gas_mode":       s.estimator.Mode(),
	})
}

// getStats 机会统计
func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.orchestrator.GetStats())
}

// getGas 当前gas报价
func (s *Server) getGas(c *gin.Context) {
	quotes := gin.H{"optimal": s.estimator.EstimateOptimal(nil)}
	for _, kind := range []models.StrategyKind{models.StrategyFrontrun, models.StrategySandwich, models.StrategyBackrun} {
		quotes[string(kind)] = s.estimator.EstimateForStrategy(kind, nil)
	}
	c.JSON(http.StatusOK, quotes)
}

// listOpportunities 列出存活的机会
func (s *Server) listOpportunities(c *gin.Context) {
	opps := s.orchestrator.ListOpportunities()
	c.JSON(http.StatusOK, gin.H{
		"count":         len(opps),
		"opportunities": opps,
	})
}

// getOpportunity 按ID查询机会
func (s *Server) getOpportunity(c *gin.Context) {
	opp, exists := s.orchestrator.GetOpportunity(c.Param("id"))
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "机会不存在或已过期"})
		return
	}
	c.JSON(http.StatusOK, opp)
}

// markSubmitted 外部执行层报告：机会已提交
func (s *Server) markSubmitted(c *gin.Context) {
	id := c.Param("id")
	if err := s.orchestrator.MarkSubmitted(id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if opp, exists := s.orchestrator.GetOpportunity(id); exists {
		s.risk.RecordPending(opp)
	}
	c.JSON(http.StatusOK, gin.H{"status": "submitted"})
}

// executionReport 执行结果上报请求体
type executionReport struct {
	TxRef        string `json:"tx_ref"`
	ActualProfit string `json:"actual_profit"` // 十进制wei字符串
	GasUsed      uint64 `json:"gas_used"`
}

// markConfirmed 外部执行层报告：机会执行成功
func (s *Server) markConfirmed(c *gin.Context) {
	id := c.Param("id")

	var req executionReport
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	profit, valid := new(big.Int).SetString(req.ActualProfit, 10)
	if !valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": "actual_profit 必须为十进制整数字符串"})
		return
	}

	opp, exists := s.orchestrator.GetOpportunity(id)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "机会不存在或已过期"})
		return
	}
	if err := s.orchestrator.MarkSuccessful(id, profit, req.GasUsed); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	s.risk.RecordCompleted(&models.ExecutionRecord{
		OpportunityID: id,
		TxRef:         req.TxRef,
		Kind:          opp.Type,
		Success:       true,
		Profit:        profit,
		GasCost:       new(big.Int).Mul(opp.GasQuote.EffectivePrice(), new(big.Int).SetUint64(req.GasUsed)),
		GasPrice:      opp.GasQuote.EffectivePrice(),
		ExecutedAt:    time.Now(),
	})
	c.JSON(http.StatusOK, gin.H{"status": "confirmed"})
}

// markFailed 外部执行层报告：机会执行失败
func (s *Server) markFailed(c *gin.Context) {
	id := c.Param("id")

	var req executionReport
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opp, exists := s.orchestrator.GetOpportunity(id)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "机会不存在或已过期"})
		return
	}
	if err := s.orchestrator.MarkFailed(id, req.GasUsed); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	s.risk.RecordCompleted(&models.ExecutionRecord{
		OpportunityID: id,
		TxRef:         req.TxRef,
		Kind:          opp.Type,
		Success:       false,
		GasCost:       new(big.Int).Mul(opp.GasQuote.EffectivePrice(), new(big.Int).SetUint64(req.GasUsed)),
		GasPrice:      opp.GasQuote.EffectivePrice(),
		ExecutedAt:    time.Now(),
	})
	c.JSON(http.StatusOK, gin.H{"status": "failed"})
}

// getRisk 风控状态快照
func (s *Server) getRisk(c *gin.Context) {
	c.JSON(http.StatusOK, s.risk.GetRiskStatus())
}

// strategyRequest 策略控制请求体
type strategyRequest struct {
	Strategy string `json:"strategy" binding:"required"`
}

// pauseStrategy 暂停指定策略
func (s *Server) pauseStrategy(c *gin.Context) {
	var req strategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.risk.PauseStrategy(models.StrategyKind(req.Strategy)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused", "strategy": req.Strategy})
}

// resumeStrategy 恢复指定策略
func (s *Server) resumeStrategy(c *gin.Context) {
	var req strategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.risk.ResumeStrategy(models.StrategyKind(req.Strategy)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed", "strategy": req.Strategy})
}

// resetEmergency 显式重置紧急停止
func (s *Server) resetEmergency(c *gin.Context) {
	s.risk.ResetEmergencyStop()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// getLogs 查询最近日志
func (s *Server) getLogs(c *gin.Context) {
	level := c.Query("level")
	limit := 100
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	logs := s.logManager.GetLogs(level, limit)
	c.JSON(http.StatusOK, gin.H{
		"count": len(logs),
		"logs":  logs,
	})
}

// clearLogs 清空日志缓冲
func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}
