package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/84hero/escrow-indexer/internal/webhook"
	"github.com/IBM/sarama"
	"github.com/ethereum/go-ethereum/log"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

var ErrOutputClosed = errors.New("output is closed")

// --- 1. Webhook Output ---

type WebhookOutput struct {
	client   *webhook.Client
	async    bool
	queue    chan Notification
	wg       sync.WaitGroup
	closed   bool
	closedMu sync.Mutex
}

type WebhookConfig struct {
	webhook.Config `mapstructure:",squash"`
	Async          bool `mapstructure:"async"`
	BufferSize     int  `mapstructure:"buffer_size"`
	Workers        int  `mapstructure:"workers"`
}

func NewWebhookOutput(cfg WebhookConfig) *WebhookOutput {
	wo := &WebhookOutput{
		client: webhook.NewClient(cfg.Config),
		async:  cfg.Async,
	}

	if cfg.Async {
		bufferSize := cfg.BufferSize
		if bufferSize <= 0 {
			bufferSize = 1000
		}
		workers := cfg.Workers
		if workers <= 0 {
			workers = 1
		}
		wo.queue = make(chan Notification, bufferSize)
		for i := 0; i < workers; i++ {
			wo.wg.Add(1)
			go wo.worker()
		}
	}

	return wo
}

func (w *WebhookOutput) Name() string { return "webhook" }

func (w *WebhookOutput) worker() {
	defer w.wg.Done()
	for n := range w.queue {
		if err := w.client.Send(context.Background(), n); err != nil {
			log.Warn("Async webhook delivery failed", "height", n.Cursor.Height, "err", err)
		}
	}
}

func (w *WebhookOutput) Send(ctx context.Context, n Notification) error {
	if w.async {
		w.closedMu.Lock()
		defer w.closedMu.Unlock()
		if w.closed {
			return ErrOutputClosed
		}
		select {
		case w.queue <- n:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return w.client.Send(ctx, n)
}

func (w *WebhookOutput) Close() error {
	if w.async {
		w.closedMu.Lock()
		if !w.closed {
			w.closed = true
			close(w.queue)
		}
		w.closedMu.Unlock()
		w.wg.Wait()
	}
	return nil
}

// --- 2. File Output ---

// FileOutput appends one JSON line per notification.
type FileOutput struct {
	mu   sync.Mutex
	file *os.File
}

func NewFileOutput(path string) (*FileOutput, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &FileOutput{file: f}, nil
}

func (f *FileOutput) Name() string { return "file" }

func (f *FileOutput) Send(_ context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return json.NewEncoder(f.file).Encode(n)
}

func (f *FileOutput) Close() error {
	if f.file != nil {
		return f.file.Close()
	}
	return nil
}

// --- 3. Console Output ---

type ConsoleOutput struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsoleOutput(w io.Writer) *ConsoleOutput {
	if w == nil {
		w = os.Stdout
	}
	return &ConsoleOutput{out: w}
}

func (c *ConsoleOutput) Name() string { return "console" }

func (c *ConsoleOutput) Send(_ context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.NewEncoder(c.out).Encode(n)
}

func (c *ConsoleOutput) Close() error { return nil }

// --- 4. Redis Output ---

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
	Mode     string `mapstructure:"mode"` // list or pubsub
}

type RedisOutput struct {
	client *redis.Client
	key    string
	mode   string
}

func NewRedisOutput(ctx context.Context, cfg RedisConfig) (*RedisOutput, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return NewRedisOutputWithClient(rdb, cfg.Key, cfg.Mode), nil
}

// NewRedisOutputWithClient wraps an existing client (Testing/DI)
func NewRedisOutputWithClient(rdb *redis.Client, key, mode string) *RedisOutput {
	if key == "" {
		key = "escrow:changes"
	}
	return &RedisOutput{client: rdb, key: key, mode: mode}
}

func (r *RedisOutput) Name() string { return "redis" }

func (r *RedisOutput) Send(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if r.mode == "pubsub" {
		return r.client.Publish(ctx, r.key, data).Err()
	}
	return r.client.LPush(ctx, r.key, data).Err()
}

func (r *RedisOutput) Close() error { return r.client.Close() }

// --- 5. Kafka Output ---

type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
}

type KafkaOutput struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaOutput(cfg KafkaConfig) (*KafkaOutput, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	if cfg.User != "" {
		config.Net.SASL.Enable = true
		config.Net.SASL.User = cfg.User
		config.Net.SASL.Password = cfg.Password
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}
	return NewKafkaOutputWithProducer(producer, cfg.Topic), nil
}

// NewKafkaOutputWithProducer wraps an existing producer (Testing/DI)
func NewKafkaOutputWithProducer(p sarama.SyncProducer, topic string) *KafkaOutput {
	return &KafkaOutput{producer: p, topic: topic}
}

func (k *KafkaOutput) Name() string { return "kafka" }

// Send publishes one message per notification keyed by height, so a
// single-partition consumer sees cursor order.
func (k *KafkaOutput) Send(_ context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, _, err = k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(strconv.FormatUint(n.Cursor.Height, 10)),
		Value: sarama.ByteEncoder(data),
	})
	return err
}

func (k *KafkaOutput) Close() error { return k.producer.Close() }

// --- 6. RabbitMQ Output ---

type RabbitMQConfig struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
	QueueName  string `mapstructure:"queue_name"`
	Durable    bool   `mapstructure:"durable"`
}

// publisher is the part of *amqp.Channel the output uses.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type RabbitMQOutput struct {
	conn       io.Closer
	ch         publisher
	exchange   string
	routingKey string
}

func NewRabbitMQOutput(cfg RabbitMQConfig) (*RabbitMQOutput, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	fail := func(err error) (*RabbitMQOutput, error) {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(cfg.Exchange, "topic", cfg.Durable, false, false, false, nil); err != nil {
			return fail(fmt.Errorf("declare exchange: %w", err))
		}
	}
	if cfg.QueueName != "" {
		q, err := ch.QueueDeclare(cfg.QueueName, cfg.Durable, false, false, false, nil)
		if err != nil {
			return fail(fmt.Errorf("declare queue: %w", err))
		}
		if cfg.Exchange != "" {
			if err := ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
				return fail(fmt.Errorf("bind queue: %w", err))
			}
		}
	}
	return &RabbitMQOutput{conn: conn, ch: ch, exchange: cfg.Exchange, routingKey: cfg.RoutingKey}, nil
}

func (r *RabbitMQOutput) Name() string { return "rabbitmq" }

func (r *RabbitMQOutput) Send(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.ch.PublishWithContext(ctx, r.exchange, r.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         string(n.Type),
		Body:         data,
	})
}

func (r *RabbitMQOutput) Close() error {
	r.ch.Close()
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}
