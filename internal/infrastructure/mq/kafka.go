package mq

import (
	"tradecenter/internal/config"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Producer Kafka 同步生产者的薄封装
// 发件箱任务通过它投递订单/支付事件
type Producer struct {
	producer sarama.SyncProducer
	log      *zap.Logger
}

// InitKafka 初始化 Kafka 生产者
func InitKafka(cfg *config.KafkaConfig, log *zap.Logger) *Producer {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		log.Fatal("创建 Kafka 生产者失败", zap.Error(err))
	}

	log.Info("Kafka 生产者创建成功")
	return &Producer{producer: producer, log: log}
}

// SendMessage 发送消息到 Kafka
func (p *Producer) SendMessage(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}

	_, _, err := p.producer.SendMessage(msg)
	return err
}

// Close 关闭生产者
func (p *Producer) Close() {
	if p.producer != nil {
		_ = p.producer.Close()
	}
}
