package output

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	scanerrors "mevscan/internal/errors"
	"mevscan/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// AsyncKafkaOutput 异步Kafka输出器
// 机会检测高峰期单笔同步发送会拖慢工作协程，异步批量发送换吞吐
type AsyncKafkaOutput struct {
	logger   *logrus.Logger
	topics   map[string]string
	producer sarama.AsyncProducer
	wg       sync.WaitGroup

	sentCount  atomic.Int64
	errorCount atomic.Int64
	dropped    atomic.Int64
}

// NewAsyncKafkaOutput 创建异步Kafka输出器
func NewAsyncKafkaOutput(brokers []string, topics map[string]string, logger *logrus.Logger) (*AsyncKafkaOutput, error) {
	logger.Infof("初始化异步Kafka输出器，brokers: %v", brokers)

	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 3
	config.Producer.Timeout = 3 * time.Second
	config.Version = sarama.V2_8_0_0

	// 批量发送与压缩
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Flush.Bytes = 1024 * 1024
	config.Producer.Compression = sarama.CompressionSnappy
	config.ChannelBufferSize = 1000

	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("创建异步Kafka生产者失败: %w", err)
	}

	k := &AsyncKafkaOutput{
		logger:   logger,
		topics:   topics,
		producer: producer,
	}

	// 成功/失败回执处理，通道随生产者关闭而结束
	k.wg.Add(2)
	go func() {
		defer k.wg.Done()
		for success := range producer.Successes() {
			k.sentCount.Add(1)
			k.logger.Debugf("消息已发送到 topic %s (partition: %d, offset: %d)",
				success.Topic, success.Partition, success.Offset)
		}
	}()
	go func() {
		defer k.wg.Done()
		for err := range producer.Errors() {
			k.errorCount.Add(1)
			k.logger.Errorf("Kafka发送失败: topic=%s, error=%v", err.Msg.Topic, err.Err)
		}
	}()

	return k, nil
}

// sendAsync 异步发送数据，输入通道满时丢弃并计数
func (k *AsyncKafkaOutput) sendAsync(topic string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return scanerrors.WrapError(err, scanerrors.ErrorTypeSerialization, scanerrors.SeverityMedium,
			"SERIALIZATION_FAILED", "输出数据序列化失败")
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.StringEncoder(jsonData),
	}

	select {
	case k.producer.Input() <- msg:
		return nil
	default:
		k.dropped.Add(1)
		return scanerrors.NewScanError(scanerrors.ErrorTypeKafka, scanerrors.SeverityHigh,
			"KAFKA_BUFFER_FULL", fmt.Sprintf("Kafka输入通道已满，topic '%s' 消息被丢弃", topic))
	}
}

// topicFor 查找数据类型对应的topic
func (k *AsyncKafkaOutput) topicFor(kind, fallback string) string {
	if topic, exists := k.topics[kind]; exists && topic != "" {
		return topic
	}
	return fallback
}

// WriteOpportunity 异步写入机会数据
func (k *AsyncKafkaOutput) WriteOpportunity(opp *models.Opportunity) error {
	if opp == nil {
		return nil
	}
	return k.sendAsync(k.topicFor("opportunities", "mev_opportunities"), opp)
}

// WriteRejection 异步写入拒绝记录
func (k *AsyncKafkaOutput) WriteRejection(rejection *Rejection) error {
	if rejection == nil {
		return nil
	}
	return k.sendAsync(k.topicFor("rejections", "mev_rejections"), rejection)
}

// WriteRiskEvent 异步写入风控事件
func (k *AsyncKafkaOutput) WriteRiskEvent(event *RiskEvent) error {
	if event == nil {
		return nil
	}
	return k.sendAsync(k.topicFor("risk_events", "mev_risk_events"), event)
}

// WriteStats 异步写入统计快照
func (k *AsyncKafkaOutput) WriteStats(stats *models.OpportunityStats) error {
	if stats == nil {
		return nil
	}
	return k.sendAsync(k.topicFor("stats", "mev_stats"), stats)
}

// GetStats 发送统计
func (k *AsyncKafkaOutput) GetStats() (sent, errors, dropped int64) {
	return k.sentCount.Load(), k.errorCount.Load(), k.dropped.Load()
}

// Close 关闭生产者并等待缓冲消息发送完成
func (k *AsyncKafkaOutput) Close() error {
	err := k.producer.Close()
	k.wg.Wait()

	sent, errors, dropped := k.GetStats()
	k.logger.Infof("异步Kafka输出器已关闭: 已发送 %d 条，失败 %d 条，丢弃 %d 条", sent, errors, dropped)
	return err
}
