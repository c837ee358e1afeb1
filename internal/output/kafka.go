package output

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"scathat/pkg/models"
)

// defaultTopics 数据类型到topic的默认映射
var defaultTopics = map[string]string{
	EventAssessments: "scathat_assessments",
	EventReceipts:    "scathat_receipts",
}

// KafkaOutput Kafka输出器，消息以合约地址为key保证同一合约有序
type KafkaOutput struct {
	logger   *logrus.Logger
	topics   map[string]string // 数据类型到topic的映射
	producer sarama.SyncProducer
}

// NewKafkaOutput 创建Kafka输出器
func NewKafkaOutput(brokers []string, topics map[string]string, logger *logrus.Logger) (*KafkaOutput, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("未配置Kafka brokers")
	}
	logger.Infof("初始化Kafka输出器，brokers: %v", brokers)

	producer, err := sarama.NewSyncProducer(brokers, ProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.Info("Kafka生产者已创建")
	return NewKafkaOutputWithProducer(producer, topics, logger), nil
}

// ProducerConfig Kafka生产者配置
func ProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	config.Version = sarama.V2_8_0_0
	return config
}

// NewKafkaOutputWithProducer 使用已有生产者创建输出器
func NewKafkaOutputWithProducer(producer sarama.SyncProducer, topics map[string]string, logger *logrus.Logger) *KafkaOutput {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	merged := make(map[string]string, len(defaultTopics))
	for k, v := range defaultTopics {
		merged[k] = v
	}
	for k, v := range topics {
		if v != "" {
			merged[k] = v
		}
	}
	return &KafkaOutput{
		logger:   logger,
		topics:   merged,
		producer: producer,
	}
}

// sendToKafka 发送数据到Kafka
func (k *KafkaOutput) sendToKafka(event, key string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("序列化数据失败: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topics[event],
		Value: sarama.ByteEncoder(jsonData),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("发送消息到Kafka失败: %w", err)
	}

	k.logger.Debugf("成功发送数据到Kafka topic '%s' (partition: %d, offset: %d)", msg.Topic, partition, offset)
	return nil
}

// WriteAssessment 写入评估结果
func (k *KafkaOutput) WriteAssessment(a *models.Assessment) error {
	if a == nil {
		return nil
	}
	return k.sendToKafka(EventAssessments, a.ContractAddress, a)
}

// WriteReceipt 写入链上回执
func (k *KafkaOutput) WriteReceipt(r *models.WriteReceipt) error {
	if r == nil {
		return nil
	}
	return k.sendToKafka(EventReceipts, r.ContractAddress, r)
}

// Topic 事件类型对应的topic
func (k *KafkaOutput) Topic(event string) string {
	return k.topics[event]
}

// Close 关闭Kafka连接
func (k *KafkaOutput) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
