package errors

import (
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 解码相关错误：畸形或无法识别的输入，本地恢复为Unknown，永不致命
	ErrorTypeDecode ErrorType = iota

	// 读端口相关错误：RPC超时/失败，本地回退默认值
	ErrorTypeReadPort
	ErrorTypeTimeout
	ErrorTypeRateLimit
	ErrorTypeConnection

	// 模拟相关错误：储备缺失、除零防护，恢复为不盈利
	ErrorTypeSimulation

	// 风控拒绝：不是错误，显式拒绝值
	ErrorTypeValidation

	// 不变量违反：负敞口等，记录并钳制，不中断流水线
	ErrorTypeInvariant

	// 数据与系统错误
	ErrorTypeSerialization
	ErrorTypeKafka
	ErrorTypePersistence
	ErrorTypeConfig

	// 初始化致命错误：无法连接任何链节点，唯一允许中止启动的类别
	ErrorTypeInit
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// ScanError 自定义错误类型
type ScanError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"cause,omitempty"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component"`
	TxHash    *string                `json:"tx_hash,omitempty"`
}

// Error 实现error接口
func (e *ScanError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// IsRetryable 判断是否可重试
func (e *ScanError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *ScanError) WithContext(key string, value interface{}) *ScanError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithTxHash 添加交易哈希
func (e *ScanError) WithTxHash(txHash string) *ScanError {
	e.TxHash = &txHash
	return e
}

// WithComponent 添加组件标识
func (e *ScanError) WithComponent(component string) *ScanError {
	e.Component = component
	return e
}

// NewScanError 创建新的错误
func NewScanError(errorType ErrorType, severity ErrorSeverity, code, message string) *ScanError {
	return &ScanError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *ScanError {
	return &ScanError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Retryable: determineRetryable(errorType),
	}
}

// determineRetryable 根据错误类型判断是否可重试
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeReadPort, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeConnection:
		return true
	case ErrorTypeKafka:
		return true
	default:
		// 解码、模拟、不变量类错误就地恢复，重试无意义
		return false
	}
}

// 预定义错误
var (
	// 读端口错误
	ErrRPCTimeout = NewScanError(
		ErrorTypeTimeout,
		SeverityMedium,
		"RPC_TIMEOUT",
		"RPC请求超时",
	)

	ErrConnectionFailed = NewScanError(
		ErrorTypeConnection,
		SeverityHigh,
		"CONNECTION_FAILED",
		"节点连接失败",
	)

	ErrReservesUnavailable = NewScanError(
		ErrorTypeReadPort,
		SeverityMedium,
		"RESERVES_UNAVAILABLE",
		"无法获取交易对储备量",
	)

	// 模拟错误
	ErrEmptyReserves = NewScanError(
		ErrorTypeSimulation,
		SeverityLow,
		"EMPTY_RESERVES",
		"储备量为零，无法报价",
	)

	ErrPathNotCircular = NewScanError(
		ErrorTypeSimulation,
		SeverityLow,
		"PATH_NOT_CIRCULAR",
		"路径首尾代币不一致，利润未定义",
	)

	// 不变量违反
	ErrExposureUnderflow = NewScanError(
		ErrorTypeInvariant,
		SeverityHigh,
		"EXPOSURE_UNDERFLOW",
		"敞口扣减出现负值，已钳制为零",
	)

	// 系统错误
	ErrSerializationFailed = NewScanError(
		ErrorTypeSerialization,
		SeverityMedium,
		"SERIALIZATION_FAILED",
		"数据序列化失败",
	)

	ErrKafkaProduceFailed = NewScanError(
		ErrorTypeKafka,
		SeverityHigh,
		"KAFKA_PRODUCE_FAILED",
		"Kafka消息发送失败",
	)

	ErrConfigInvalid = NewScanError(
		ErrorTypeConfig,
		SeverityCritical,
		"CONFIG_INVALID",
		"配置无效",
	)

	// 初始化致命错误
	ErrNoChainAccess = NewScanError(
		ErrorTypeInit,
		SeverityCritical,
		"NO_CHAIN_ACCESS",
		"无法连接任何链节点",
	)
)

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeDecode:        "Decode",
	ErrorTypeReadPort:      "ReadPort",
	ErrorTypeTimeout:       "Timeout",
	ErrorTypeRateLimit:     "RateLimit",
	ErrorTypeConnection:    "Connection",
	ErrorTypeSimulation:    "Simulation",
	ErrorTypeValidation:    "Validation",
	ErrorTypeInvariant:     "Invariant",
	ErrorTypeSerialization: "Serialization",
	ErrorTypeKafka:         "Kafka",
	ErrorTypePersistence:   "Persistence",
	ErrorTypeConfig:        "Config",
	ErrorTypeInit:          "Init",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int                   `json:"total_errors"`
	ErrorsByType      map[ErrorType]int     `json:"errors_by_type"`
	ErrorsBySeverity  map[ErrorSeverity]int `json:"errors_by_severity"`
	ErrorsByComponent map[string]int        `json:"errors_by_component"`
	RecentErrors      []*ScanError          `json:"recent_errors"`
	LastError         *ScanError            `json:"last_error"`
	LastErrorTime     time.Time             `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[ErrorType]int),
		ErrorsBySeverity:  make(map[ErrorSeverity]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*ScanError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *ScanError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type]++
	es.ErrorsBySeverity[err.Severity]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// GetErrorRate 获取错误率（错误/小时）
func (es *ErrorStats) GetErrorRate(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-duration)
	recentCount := 0

	for _, err := range es.RecentErrors {
		if err.Timestamp.After(cutoff) {
			recentCount++
		}
	}

	hours := duration.Hours()
	if hours == 0 {
		return float64(recentCount)
	}

	return float64(recentCount) / hours
}
