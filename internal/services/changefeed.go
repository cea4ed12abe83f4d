package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"collab-editor/internal/telemetry"

	"github.com/IBM/sarama"
)

/*
CHANGE FEED WORKER POOL

Accepted changes are mirrored to a Kafka topic for search indexing, audit
and analytics consumers. The session engine must never wait on the broker,
so publishing is split in two:

1. Publish only enqueues onto a bounded channel. A full queue drops the
   event and returns ErrFeedFull.
2. A fixed number of workers drain the queue and send with bounded,
   exponentially backed-off retries. Exhausted retries drop the event.

Shutdown stops intake, lets the workers drain what is queued, then closes
the producer.
*/

var (
	ErrFeedFull   = errors.New("change feed queue full")
	ErrFeedClosed = errors.New("change feed is shutting down")
)

// ChangeEvent is the message published for every accepted change.
type ChangeEvent struct {
	DocumentID string          `json:"documentId"`
	UserID     string          `json:"userId"`
	Version    int64           `json:"version"`
	Seq        uint64          `json:"seq"`
	Change     json.RawMessage `json:"change"`
	AppliedAt  time.Time       `json:"appliedAt"`
}

type ChangeFeedOptions struct {
	Workers     int
	QueueSize   int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// ChangeFeedImpl publishes ChangeEvents to Kafka from a worker pool.
type ChangeFeedImpl struct {
	producer sarama.SyncProducer
	topic    string
	opts     ChangeFeedOptions
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	jobs   chan ChangeEvent
	wg     sync.WaitGroup
	mu     sync.RWMutex // guards closed against sends on a closed jobs channel
	closed bool
}

func NewChangeFeed(producer sarama.SyncProducer, topic string, opts ChangeFeedOptions, metrics *telemetry.Metrics, l *slog.Logger) *ChangeFeedImpl {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}

	return &ChangeFeedImpl{
		producer: producer,
		topic:    topic,
		opts:     opts,
		metrics:  metrics,
		logger:   l.With("component", "changefeed"),
		jobs:     make(chan ChangeEvent, opts.QueueSize),
	}
}

// NewKafkaProducer builds the SyncProducer the feed sends through.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 0 // the feed retries itself
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return p, nil
}

func (f *ChangeFeedImpl) Start() {
	f.logger.Info("starting change feed workers", "workers", f.opts.Workers, "topic", f.topic)
	for i := 0; i < f.opts.Workers; i++ {
		f.wg.Add(1)
		go f.worker(i)
	}
}

func (f *ChangeFeedImpl) worker(id int) {
	defer f.wg.Done()
	for evt := range f.jobs {
		f.sendWithRetry(id, evt)
	}
}

// Publish enqueues evt without blocking.
func (f *ChangeFeedImpl) Publish(ctx context.Context, evt ChangeEvent) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrFeedClosed
	}

	select {
	case f.jobs <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		f.metrics.ChangeFeed.WithLabelValues("dropped").Inc()
		return ErrFeedFull
	}
}

func (f *ChangeFeedImpl) sendWithRetry(workerID int, evt ChangeEvent) {
	for attempt := 0; attempt <= f.opts.MaxRetry; attempt++ {
		err := f.sendOnce(evt)
		if err == nil {
			f.metrics.ChangeFeed.WithLabelValues("sent").Inc()
			return
		}

		if attempt == f.opts.MaxRetry {
			f.metrics.ChangeFeed.WithLabelValues("failed").Inc()
			f.logger.Warn("change feed send failed, dropping event",
				"document", evt.DocumentID, "version", evt.Version, "worker", workerID, "err", err)
			return
		}

		backoff := f.opts.BaseBackoff * time.Duration(1<<attempt)
		if backoff > f.opts.MaxBackoff {
			backoff = f.opts.MaxBackoff
		}
		time.Sleep(backoff)
	}
}

func (f *ChangeFeedImpl) sendOnce(evt ChangeEvent) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	// Keyed by document so one document's changes stay on one partition, in order.
	_, _, err = f.producer.SendMessage(&sarama.ProducerMessage{
		Topic: f.topic,
		Key:   sarama.StringEncoder(evt.DocumentID),
		Value: sarama.ByteEncoder(b),
	})
	return err
}

// Shutdown stops intake, drains the queue and closes the producer.
func (f *ChangeFeedImpl) Shutdown() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	pending := f.queueLength()
	close(f.jobs)
	f.mu.Unlock()

	f.logger.Info("draining change feed", "pending", pending)
	f.wg.Wait()
	f.logger.Info("change feed drained")
	return f.producer.Close()
}

// queueLength returns the number of events waiting for a worker.
func (f *ChangeFeedImpl) queueLength() int {
	return len(f.jobs)
}
