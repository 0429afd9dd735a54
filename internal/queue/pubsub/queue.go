// Package pubsub implements the job queue on Google Cloud Pub/Sub. Records
// are published to a topic and pulled from a subscription; Delete acks.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

// jobIDAttribute carries the record's job id when the producer knows it.
const jobIDAttribute = "job_id"

// ErrClosed is returned once the queue stops receiving.
var ErrClosed = errors.New("queue closed")

// Config names the topic and subscription.
type Config struct {
	Topic          string
	Subscription   string
	MaxOutstanding int
}

// Queue adapts a topic and subscription pair to scrape.Queue.
type Queue struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	items chan *pubsub.Message
	start sync.Once
	stop  context.CancelFunc
	done  chan struct{}

	mu       sync.Mutex
	inflight map[string]*pubsub.Message
	closed   bool
}

// New builds a Queue on client. Receiving starts with the first Dequeue.
func New(client *pubsub.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if cfg.Topic == "" || cfg.Subscription == "" {
		return nil, errors.New("pubsub topic and subscription are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = 10
	}
	sub := client.Subscription(cfg.Subscription)
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	return &Queue{
		topic:    client.Topic(cfg.Topic),
		sub:      sub,
		logger:   logger,
		items:    make(chan *pubsub.Message),
		done:     make(chan struct{}),
		inflight: make(map[string]*pubsub.Message),
	}, nil
}

// Enqueue publishes item.Body and waits for the server ack.
func (q *Queue) Enqueue(ctx context.Context, item scrape.QueueItem) error {
	msg := &pubsub.Message{Data: item.Body}
	if item.ID != "" {
		msg.Attributes = map[string]string{jobIDAttribute: item.ID}
	}
	if _, err := q.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish job record: %w", err)
	}
	return nil
}

// Dequeue blocks until a message arrives. The message stays leased until
// Delete acks it or Close nacks it.
func (q *Queue) Dequeue(ctx context.Context) (scrape.QueueItem, error) {
	q.start.Do(q.receive)
	select {
	case <-ctx.Done():
		return scrape.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return scrape.QueueItem{}, ErrClosed
	case msg := <-q.items:
		q.mu.Lock()
		q.inflight[msg.ID] = msg
		q.mu.Unlock()
		attempt := 1
		if msg.DeliveryAttempt != nil {
			attempt = *msg.DeliveryAttempt
		}
		id := msg.Attributes[jobIDAttribute]
		if id == "" {
			id = msg.ID
		}
		return scrape.QueueItem{ID: id, Body: msg.Data, Attempt: attempt, Receipt: msg.ID}, nil
	}
}

// Delete acks the message behind item.
func (q *Queue) Delete(_ context.Context, item scrape.QueueItem) error {
	q.mu.Lock()
	msg, ok := q.inflight[item.Receipt]
	delete(q.inflight, item.Receipt)
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("ack %s: unknown receipt", item.Receipt)
	}
	msg.Ack()
	return nil
}

// Close stops receiving, nacks unfinished messages and flushes publishes.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.start.Do(func() { close(q.done) })
	if q.stop != nil {
		q.stop()
		<-q.done
	}
	q.mu.Lock()
	for id, msg := range q.inflight {
		msg.Nack()
		delete(q.inflight, id)
	}
	q.mu.Unlock()
	q.topic.Stop()
	return nil
}

func (q *Queue) receive() {
	ctx, cancel := context.WithCancel(context.Background())
	q.stop = cancel
	go func() {
		defer close(q.done)
		err := q.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
			select {
			case q.items <- msg:
			case <-ctx.Done():
				msg.Nack()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Error("pubsub receive stopped", zap.Error(err))
		}
	}()
}
