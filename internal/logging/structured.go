package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// LogConfig 日志配置
type LogConfig struct {
	Level     string `json:"level" yaml:"level" mapstructure:"level"`             // 日志级别 (debug, info, warn, error)
	Format    string `json:"format" yaml:"format" mapstructure:"format"`          // 日志格式 (json, text)
	Output    string `json:"output" yaml:"output" mapstructure:"output"`          // 输出路径 (stdout, stderr, 文件路径)
	AddSource bool   `json:"add_source" yaml:"add_source" mapstructure:"add_source"` // 是否记录源码位置
}

// DefaultLogConfig 默认日志配置
var DefaultLogConfig = &LogConfig{
	Level:     "info",
	Format:    "json",
	Output:    "stdout",
	AddSource: true,
}

// StructuredLogger 结构化日志器，底层为slog
type StructuredLogger struct {
	slogger *slog.Logger
	config  *LogConfig
}

// NewStructuredLogger 创建结构化日志器
func NewStructuredLogger(config *LogConfig) (*StructuredLogger, error) {
	if config == nil {
		config = DefaultLogConfig
	}

	var level slog.Level
	switch config.Level {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("无效的日志级别: %s", config.Level)
	}

	writer, err := openWriter(config.Output)
	if err != nil {
		return nil, fmt.Errorf("创建日志输出失败: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   config.AddSource,
		ReplaceAttr: normalizeAttr,
	}

	var handler slog.Handler
	switch config.Format {
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	case "text":
		handler = slog.NewTextHandler(writer, opts)
	default:
		return nil, fmt.Errorf("不支持的日志格式: %s", config.Format)
	}

	return &StructuredLogger{
		slogger: slog.New(handler),
		config:  config,
	}, nil
}

// openWriter 按输出路径打开写入目标
func openWriter(output string) (io.Writer, error) {
	switch output {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}

	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}
	return os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// normalizeAttr 统一时间格式并裁剪源码路径
func normalizeAttr(groups []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.TimeKey:
		a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339))
	case slog.SourceKey:
		if source, ok := a.Value.Any().(*slog.Source); ok {
			source.File = filepath.Base(source.File)
		}
	}
	return a
}

// Debug 调试日志
func (sl *StructuredLogger) Debug(msg string, args ...any) {
	sl.slogger.Debug(msg, args...)
}

// Info 信息日志
func (sl *StructuredLogger) Info(msg string, args ...any) {
	sl.slogger.Info(msg, args...)
}

// Warn 警告日志
func (sl *StructuredLogger) Warn(msg string, args ...any) {
	sl.slogger.Warn(msg, args...)
}

// Error 错误日志
func (sl *StructuredLogger) Error(msg string, args ...any) {
	sl.slogger.Error(msg, args...)
}

// LogWithFields 带字段的日志记录
func (sl *StructuredLogger) LogWithFields(level slog.Level, msg string, fields map[string]any) {
	attrs := make([]slog.Attr, 0, len(fields))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	sl.slogger.LogAttrs(context.Background(), level, msg, attrs...)
}

// InfoWithFields 带字段的信息日志
func (sl *StructuredLogger) InfoWithFields(msg string, fields map[string]any) {
	sl.LogWithFields(slog.LevelInfo, msg, fields)
}

// ErrorWithFields 带字段的错误日志
func (sl *StructuredLogger) ErrorWithFields(msg string, fields map[string]any) {
	sl.LogWithFields(slog.LevelError, msg, fields)
}

// WithFields 派生带固定字段的日志器
func (sl *StructuredLogger) WithFields(fields map[string]any) *FieldLogger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &FieldLogger{logger: sl.slogger.With(args...)}
}

// FieldLogger 带固定字段的日志器
type FieldLogger struct {
	logger *slog.Logger
}

// Debug 调试日志
func (fl *FieldLogger) Debug(msg string, args ...any) {
	fl.logger.Debug(msg, args...)
}

// Info 信息日志
func (fl *FieldLogger) Info(msg string, args ...any) {
	fl.logger.Info(msg, args...)
}

// Warn 警告日志
func (fl *FieldLogger) Warn(msg string, args ...any) {
	fl.logger.Warn(msg, args...)
}

// Error 错误日志
func (fl *FieldLogger) Error(msg string, args ...any) {
	fl.logger.Error(msg, args...)
}

// NewPipelineLogger 流水线专用日志器
func NewPipelineLogger(baseLogger *StructuredLogger, source string) *FieldLogger {
	return baseLogger.WithFields(map[string]any{
		"component": "pipeline",
		"source":    source,
	})
}

// NewOpportunityLogger 机会处理专用日志器
func NewOpportunityLogger(baseLogger *StructuredLogger, txHash string, kind string) *FieldLogger {
	return baseLogger.WithFields(map[string]any{
		"component": "orchestrator",
		"tx_hash":   txHash,
		"strategy":  kind,
	})
}

// NewRiskLogger 风控专用日志器
func NewRiskLogger(baseLogger *StructuredLogger) *FieldLogger {
	return baseLogger.WithFields(map[string]any{
		"component": "risk_manager",
	})
}

// NewRPCLogger RPC调用专用日志器
func NewRPCLogger(baseLogger *StructuredLogger, method string, nodeURL string) *FieldLogger {
	return baseLogger.WithFields(map[string]any{
		"component": "rpc_client",
		"method":    method,
		"node_url":  nodeURL,
	})
}
