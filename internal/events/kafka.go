package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

var (
	// ErrPublisherClosed is returned by Publish after Close.
	ErrPublisherClosed = errors.New("events: publisher closed")
	// ErrQueueFull is returned when the local queue has no room; the event is dropped.
	ErrQueueFull = errors.New("events: publish queue full")
)

const (
	defaultQueueSize   = 1024
	defaultWorkers     = 2
	defaultMaxRetry    = 3
	defaultBaseBackoff = 100 * time.Millisecond
	defaultMaxBackoff  = 5 * time.Second
)

// KafkaOptions tunes the local queue and retry loop. Zero values select the defaults.
type KafkaOptions struct {
	QueueSize int
	Workers   int
	MaxRetry  int
	// NoRetry sends each event once regardless of MaxRetry.
	NoRetry     bool
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      *zap.Logger
}

// KafkaPublisher queues events locally and sends them from a fixed set of workers so that
// a slow broker never blocks the sync path. Each document's events share a partition key.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	queue    chan DocumentUpdated
	workers  sync.WaitGroup
	logger   *zap.Logger

	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	closeMu sync.RWMutex
	closed  bool
}

// NewSaramaProducer connects a synchronous producer to brokers.
func NewSaramaProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return sarama.NewSyncProducer(brokers, cfg)
}

// NewKafkaPublisher starts the workers immediately.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string, opts KafkaOptions) *KafkaPublisher {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	maxRetry := opts.MaxRetry
	if maxRetry <= 0 {
		maxRetry = defaultMaxRetry
	}
	if opts.NoRetry {
		maxRetry = 0
	}
	baseBackoff := opts.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = defaultBaseBackoff
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	publisher := &KafkaPublisher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan DocumentUpdated, queueSize),
		logger:      logger,
		maxRetry:    maxRetry,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}
	for index := 0; index < workers; index++ {
		publisher.workers.Add(1)
		go publisher.workerLoop(index)
	}
	return publisher
}

// Publish enqueues event without waiting. A full queue drops the event and returns ErrQueueFull.
func (p *KafkaPublisher) Publish(ctx context.Context, event DocumentUpdated) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	if event.EventType == "" {
		event.EventType = EventTypeDocumentUpdated
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case p.queue <- event:
		return nil
	default:
		p.logger.Warn("kafka queue full, dropping event", zap.String("document_id", event.DocumentID))
		return ErrQueueFull
	}
}

// Close drains queued events, stops the workers and closes the producer.
func (p *KafkaPublisher) Close() error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.closeMu.Unlock()

	p.workers.Wait()
	return p.producer.Close()
}

func (p *KafkaPublisher) workerLoop(workerID int) {
	defer p.workers.Done()
	for event := range p.queue {
		p.sendWithRetry(workerID, event)
	}
}

func (p *KafkaPublisher) sendWithRetry(workerID int, event DocumentUpdated) {
	for attempt := 0; attempt <= p.maxRetry; attempt++ {
		err := p.sendOnce(event)
		if err == nil {
			return
		}
		if attempt == p.maxRetry {
			p.logger.Warn("kafka send failed, dropping event",
				zap.String("document_id", event.DocumentID),
				zap.Int("worker", workerID),
				zap.Error(err))
			return
		}
		backoff := p.baseBackoff * time.Duration(1<<attempt)
		if backoff > p.maxBackoff {
			backoff = p.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (p *KafkaPublisher) sendOnce(event DocumentUpdated) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	message := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.DocumentID),
		Value: sarama.ByteEncoder(payload),
	}
	_, _, err = p.producer.SendMessage(message)
	return err
}
