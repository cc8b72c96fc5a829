package events

import (
	"context"
	"sync"

	sarama "github.com/IBM/sarama"
)

// DefaultKafkaTopic is the Kafka topic carrying collaboration events.
const DefaultKafkaTopic = "collab-events"

// KafkaBus implements Bus on a single Kafka topic. Bus topics travel as the
// message key, which also keeps every event of an entity on one partition and
// therefore in order.
type KafkaBus struct {
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string

	mu        sync.Mutex
	subs      map[string][]chan []byte
	consumers []sarama.PartitionConsumer
	started   bool
	closed    bool
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers. An
// empty topic selects DefaultKafkaTopic.
func NewKafkaBus(brokers []string, cfg *sarama.Config, topic string) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b := NewKafkaBusFromClients(producer, consumer, topic)
	b.client = client
	return b, nil
}

// NewKafkaBusFromClients builds a KafkaBus from an existing producer and
// consumer.
func NewKafkaBusFromClients(producer sarama.SyncProducer, consumer sarama.Consumer, topic string) *KafkaBus {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		topic:    topic,
		subs:     make(map[string][]chan []byte),
	}
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(topic),
		Value: sarama.ByteEncoder(data),
	}
	_, _, err := b.producer.SendMessage(msg)
	return err
}

// Watch implements Bus.Watch. Partition consumers are started on first use
// and read from the newest offset.
func (b *KafkaBus) Watch(ctx context.Context, topic string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		if err := b.start(); err != nil {
			return nil, err
		}
	}
	b.subs[topic] = append(b.subs[topic], ch)

	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), topic, ch)
	}()
	return ch, nil
}

// start must be called with b.mu held.
func (b *KafkaBus) start() error {
	partitions, err := b.consumer.Partitions(b.topic)
	if err != nil {
		return err
	}
	pcs := make([]sarama.PartitionConsumer, 0, len(partitions))
	for _, p := range partitions {
		pc, err := b.consumer.ConsumePartition(b.topic, p, sarama.OffsetNewest)
		if err != nil {
			for _, started := range pcs {
				_ = started.Close()
			}
			return err
		}
		pcs = append(pcs, pc)
	}
	for _, pc := range pcs {
		go b.dispatch(pc)
	}
	b.consumers = pcs
	b.started = true
	return nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		b.mu.Lock()
		fanOut(b.subs[string(msg.Key)], msg.Value)
		b.mu.Unlock()
	}
}

// Unwatch implements Bus.Unwatch.
func (b *KafkaBus) Unwatch(ctx context.Context, topic string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, _ := removeChan(b.subs[topic], ch)
	if len(subs) == 0 {
		delete(b.subs, topic)
	} else {
		b.subs[topic] = subs
	}
	return nil
}

// Close releases the producer, the consumer and every watcher.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pcs := b.consumers
	b.consumers = nil
	for topic, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subs, topic)
	}
	b.mu.Unlock()

	for _, pc := range pcs {
		_ = pc.Close()
	}
	perr := b.producer.Close()
	cerr := b.consumer.Close()
	if b.client != nil {
		_ = b.client.Close()
	}
	if perr != nil {
		return perr
	}
	return cerr
}
