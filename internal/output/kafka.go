package output

import (
	"encoding/json"
	"fmt"
	"time"

	scanerrors "mevscan/internal/errors"
	"mevscan/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaOutput Kafka输出器
type KafkaOutput struct {
	logger   *logrus.Logger
	topics   map[string]string // 数据类型到topic的映射
	producer sarama.SyncProducer
}

// NewKafkaOutput 创建Kafka输出器
func NewKafkaOutput(brokers []string, topics map[string]string, logger *logrus.Logger) (*KafkaOutput, error) {
	logger.Infof("初始化Kafka输出器，brokers: %v", brokers)

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	config.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	return &KafkaOutput{
		logger:   logger,
		topics:   topics,
		producer: producer,
	}, nil
}

// sendToKafka 发送数据到Kafka
func (k *KafkaOutput) sendToKafka(topic string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return scanerrors.WrapError(err, scanerrors.ErrorTypeSerialization, scanerrors.SeverityMedium,
			"SERIALIZATION_FAILED", "输出数据序列化失败")
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.StringEncoder(jsonData),
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return scanerrors.WrapError(err, scanerrors.ErrorTypeKafka, scanerrors.SeverityHigh,
			"KAFKA_PRODUCE_FAILED", fmt.Sprintf("发送消息到topic '%s' 失败", topic))
	}

	k.logger.Debugf("已发送数据到Kafka topic '%s' (partition: %d, offset: %d)", topic, partition, offset)
	return nil
}

// topicFor 查找数据类型对应的topic
func (k *KafkaOutput) topicFor(kind, fallback string) string {
	if topic, exists := k.topics[kind]; exists && topic != "" {
		return topic
	}
	return fallback
}

// WriteOpportunity 写入机会数据
func (k *KafkaOutput) WriteOpportunity(opp *models.Opportunity) error {
	if opp == nil {
		return nil
	}
	return k.sendToKafka(k.topicFor("opportunities", "mev_opportunities"), opp)
}

// WriteRejection 写入拒绝记录
func (k *KafkaOutput) WriteRejection(rejection *Rejection) error {
	if rejection == nil {
		return nil
	}
	return k.sendToKafka(k.topicFor("rejections", "mev_rejections"), rejection)
}

// WriteRiskEvent 写入风控事件
func (k *KafkaOutput) WriteRiskEvent(event *RiskEvent) error {
	if event == nil {
		return nil
	}
	return k.sendToKafka(k.topicFor("risk_events", "mev_risk_events"), event)
}

// WriteStats 写入统计快照
func (k *KafkaOutput) WriteStats(stats *models.OpportunityStats) error {
	if stats == nil {
		return nil
	}
	return k.sendToKafka(k.topicFor("stats", "mev_stats"), stats)
}

// Close 关闭生产者
func (k *KafkaOutput) Close() error {
	return k.producer.Close()
}
