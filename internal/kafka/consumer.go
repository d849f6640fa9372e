package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Handler must return nil only when the message is processed and its offset may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

const (
	defaultBackoff    = 200 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
	queueSize         = 128
)

// messageReader is the part of *kafka.Reader the consumer drives.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r          messageReader
	workers    int
	backoff    time.Duration
	maxBackoff time.Duration
	log        zerolog.Logger
}

func NewConsumer(brokers []string, group, topic string, workers int, log zerolog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	return newConsumer(r, workers, log.With().Str("topic", topic).Logger())
}

func newConsumer(r messageReader, workers int, log zerolog.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		r:          r,
		workers:    workers,
		backoff:    defaultBackoff,
		maxBackoff: defaultMaxBackoff,
		log:        log.With().Str("component", "consumer").Logger(),
	}
}

// Start fetches until ctx is done. All messages of a partition go to the same
// worker and are handled in offset order. A failing message is retried until
// it succeeds or ctx ends, so a commit never skips past an unprocessed offset.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	var wg sync.WaitGroup
	queues := make([]chan kafka.Message, c.workers)
	for i := range queues {
		queues[i] = make(chan kafka.Message, queueSize)
		wg.Add(1)
		go func(q <-chan kafka.Message) {
			defer wg.Done()
			for m := range q {
				if ctx.Err() != nil {
					// shutting down: leave the rest for the next group member
					continue
				}
				c.handle(ctx, h, m)
			}
		}(queues[i])
	}
	stop := func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case queues[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

// handle runs h until it succeeds, backing off between attempts, then commits.
// It returns early only when ctx is done, leaving the offset uncommitted.
func (c *Consumer) handle(ctx context.Context, h Handler, m kafka.Message) {
	backoff := c.backoff
	for attempt := 1; ; attempt++ {
		err := h(ctx, m)
		if err == nil {
			if err := c.r.CommitMessages(ctx, m); err != nil {
				c.log.Warn().Err(err).Int("partition", m.Partition).Int64("offset", m.Offset).Msg("commit failed")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.log.Warn().Err(err).Int("partition", m.Partition).Int64("offset", m.Offset).
			Int("attempt", attempt).Dur("backoff", backoff).Msg("handler failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}
