// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"dataquality-go/internal/config"
	"dataquality-go/pkg/log"
	"dataquality-go/pkg/tasks"
)

var producer *kafka.Writer

// InitProducer 初始化 Kafka 生产者。未启用时所有发送都是空操作。
func InitProducer(cfg config.KafkaConfig) {
	if !cfg.Enabled {
		log.Info("Kafka 未启用，分析审计消息已关闭")
		return
	}
	producer = &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 生产者初始化成功")
}

// ProduceAnalysisCompleted 发送一条分析完成审计消息到 Kafka。
func ProduceAnalysisCompleted(task tasks.AnalysisCompletedTask) error {
	if producer == nil {
		return nil
	}
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}

	err = producer.WriteMessages(context.Background(),
		kafka.Message{
			Key:   []byte(task.FileReference),
			Value: taskBytes,
		},
	)
	return err
}
