package output

import (
	"fmt"

	"mevscan/internal/config"
	"mevscan/pkg/models"

	"github.com/sirupsen/logrus"
)

// RiskEvent 风控事件
type RiskEvent struct {
	Kind      string            `json:"kind"` // breaker_tripped / emergency_stop / strategy_paused ...
	Detail    string            `json:"detail"`
	State     *models.RiskState `json:"state,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Rejection 被拒绝的机会及原因
type Rejection struct {
	Opportunity *models.Opportunity `json:"opportunity"`
	Reason      string              `json:"reason"`
	Timestamp   int64               `json:"timestamp"`
}

// Output 输出接口
type Output interface {
	WriteOpportunity(opp *models.Opportunity) error
	WriteRejection(rejection *Rejection) error
	WriteRiskEvent(event *RiskEvent) error
	WriteStats(stats *models.OpportunityStats) error
	Close() error
}

// NewOutput 按配置创建输出器
func NewOutput(cfg *config.OutputConfig, logger *logrus.Logger) (Output, error) {
	switch cfg.Format {
	case "kafka":
		brokers := []string{"localhost:9092"}
		topics := map[string]string{}
		async := false
		if cfg.Kafka != nil {
			if len(cfg.Kafka.Brokers) > 0 {
				brokers = cfg.Kafka.Brokers
			}
			if len(cfg.Kafka.Topics) > 0 {
				topics = cfg.Kafka.Topics
			}
			async = cfg.Kafka.Async
		}
		if async {
			return NewAsyncKafkaOutput(brokers, topics, logger)
		}
		return NewKafkaOutput(brokers, topics, logger)
	case "file", "json", "jsonl":
		return NewFileOutput(cfg.Directory, cfg.Compress, logger)
	default:
		return nil, fmt.Errorf("不支持的输出格式: %s", cfg.Format)
	}
}
