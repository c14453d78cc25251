package errors

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrorHandler 错误处理器
// 集中记录各组件就地恢复的错误，供运行状态接口查询
type ErrorHandler struct {
	logger    *logrus.Logger
	stats     *ErrorStats
	mu        sync.RWMutex
	callbacks []ErrorCallback
}

// ErrorCallback 错误回调函数
type ErrorCallback func(err *ScanError)

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger:    logger,
		stats:     NewErrorStats(),
		callbacks: make([]ErrorCallback, 0),
	}
}

// RegisterCallback 注册错误回调
func (eh *ErrorHandler) RegisterCallback(cb ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, cb)
}

// Handle 处理错误：记录统计、打日志、触发回调
// 除Init类错误外一律不向上传播，流水线可用性优先于单笔交易的正确性
func (eh *ErrorHandler) Handle(err error) {
	if err == nil {
		return
	}

	var scanErr *ScanError
	if se, ok := err.(*ScanError); ok {
		scanErr = se
	} else {
		scanErr = WrapError(err, ErrorTypeReadPort, SeverityMedium, "UNCLASSIFIED", "未分类错误")
	}

	eh.mu.Lock()
	eh.stats.RecordError(scanErr)
	callbacks := make([]ErrorCallback, len(eh.callbacks))
	copy(callbacks, eh.callbacks)
	eh.mu.Unlock()

	entry := eh.logger.WithFields(logrus.Fields{
		"error_type": scanErr.Type.String(),
		"severity":   scanErr.Severity.String(),
		"code":       scanErr.Code,
		"component":  scanErr.Component,
		"retryable":  scanErr.Retryable,
	})
	if scanErr.TxHash != nil {
		entry = entry.WithField("tx_hash", *scanErr.TxHash)
	}

	switch scanErr.Severity {
	case SeverityLow:
		entry.Debug(scanErr.Error())
	case SeverityMedium:
		entry.Warn(scanErr.Error())
	default:
		entry.Error(scanErr.Error())
	}

	for _, cb := range callbacks {
		cb(scanErr)
	}
}

// Stats 错误统计快照
func (eh *ErrorHandler) Stats() ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	snapshot := ErrorStats{
		TotalErrors:       eh.stats.TotalErrors,
		ErrorsByType:      make(map[ErrorType]int, len(eh.stats.ErrorsByType)),
		ErrorsBySeverity:  make(map[ErrorSeverity]int, len(eh.stats.ErrorsBySeverity)),
		ErrorsByComponent: make(map[string]int, len(eh.stats.ErrorsByComponent)),
		LastError:         eh.stats.LastError,
		LastErrorTime:     eh.stats.LastErrorTime,
	}
	for k, v := range eh.stats.ErrorsByType {
		snapshot.ErrorsByType[k] = v
	}
	for k, v := range eh.stats.ErrorsBySeverity {
		snapshot.ErrorsBySeverity[k] = v
	}
	for k, v := range eh.stats.ErrorsByComponent {
		snapshot.ErrorsByComponent[k] = v
	}
	return snapshot
}
