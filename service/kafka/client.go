package kafka

import (
	"strings"
	"time"

	"github.com/Shopify/sarama"

	"miniim/global/config"
)

var (
	Client   sarama.Client
	Producer sarama.SyncProducer
)

// BuildBaseConfig carries the settings every client in this process shares:
// full acks, hash partitioning so one conversation stays on one partition,
// and compression per config.
func BuildBaseConfig(cfg config.KafkaConfig) *sarama.Config {
	c := sarama.NewConfig()

	c.Producer.Return.Successes = true
	c.Producer.Return.Errors = true
	c.Producer.RequiredAcks = sarama.WaitForAll
	retries := cfg.ProducerRetries
	if retries <= 0 {
		retries = 1
	}
	c.Producer.Retry.Max = retries
	c.Producer.Partitioner = sarama.NewHashPartitioner
	switch strings.ToLower(cfg.ProducerCompression) {
	case "snappy":
		c.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		c.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		c.Producer.Compression = sarama.CompressionZSTD
	default:
		c.Producer.Compression = sarama.CompressionNone
	}

	c.Consumer.Offsets.Initial = sarama.OffsetOldest
	c.Consumer.Return.Errors = true

	c.Net.DialTimeout = 10 * time.Second
	c.Net.ReadTimeout = 30 * time.Second
	c.Net.WriteTimeout = 30 * time.Second
	return c
}

func InitClient(cfg config.KafkaConfig) error {
	c, err := sarama.NewClient(cfg.Brokers, BuildBaseConfig(cfg))
	if err != nil {
		return err
	}
	Client = c
	return nil
}

func InitSyncProducerFromClient() error {
	p, err := sarama.NewSyncProducerFromClient(Client)
	if err != nil {
		return err
	}
	Producer = p
	return nil
}

// NewConsumerGroup builds a group reader off the shared client.
func NewConsumerGroup(groupID string) (sarama.ConsumerGroup, error) {
	return sarama.NewConsumerGroupFromClient(groupID, Client)
}

// SendJSON publishes one keyed message; the key picks the partition so
// per-conversation ordering survives the log.
func SendJSON(topic, key string, value []byte) error {
	_, _, err := Producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	})
	return err
}

func Close() {
	if Producer != nil {
		_ = Producer.Close()
	}
	if Client != nil {
		_ = Client.Close()
	}
}
