package alarm

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"

	"github.com/24AWP-FAVICON/alarm-server/internal/models"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Deliverer applies a dequeued event.
type Deliverer interface {
	Deliver(ctx context.Context, event models.AlarmEvent) (models.Alarm, error)
}

// Consumer drains the alarm queue into the delivery service. Messages are
// sharded over workers by routing key, so each recipient's events are
// applied in the order they were published. Each shard queues up to buffer
// messages; with buffer at least the broker prefetch, a busy shard never
// holds up dispatch to the others.
type Consumer struct {
	deliveries <-chan amqp.Delivery
	deliverer  Deliverer
	workers    int
	buffer     int
	logger     zerolog.Logger
}

func NewConsumer(deliveries <-chan amqp.Delivery, deliverer Deliverer, workers, buffer int, logger zerolog.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	return &Consumer{
		deliveries: deliveries,
		deliverer:  deliverer,
		workers:    workers,
		buffer:     buffer,
		logger:     logger.With().Str("component", "alarm_consumer").Logger(),
	}
}

// Run blocks until the context is cancelled or the delivery channel closes.
// Messages already handed to a worker are finished before Run returns;
// anything not yet acknowledged is redelivered by the broker.
func (c *Consumer) Run(ctx context.Context) error {
	shards := make([]chan amqp.Delivery, c.workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan amqp.Delivery, c.buffer)
		wg.Add(1)
		go func(in <-chan amqp.Delivery) {
			defer wg.Done()
			for d := range in {
				c.handle(context.WithoutCancel(ctx), d)
			}
		}(shards[i])
	}
	defer func() {
		for _, shard := range shards {
			close(shard)
		}
		wg.Wait()
	}()

	c.logger.Info().Int("workers", c.workers).Int("shard_buffer", c.buffer).Msg("alarm consumer started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("alarm consumer stopped")
			return ctx.Err()
		case d, ok := <-c.deliveries:
			if !ok {
				c.logger.Warn().Msg("alarm delivery channel closed")
				return nil
			}
			select {
			case shards[c.shardFor(d.RoutingKey)] <- d:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *Consumer) shardFor(routingKey string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(routingKey))
	return int(h.Sum32() % uint32(c.workers))
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	var event models.AlarmEvent
	if err := json.Unmarshal(d.Body, &event); err != nil || event.ReceiveUserID == "" {
		c.logger.Error().
			Err(err).
			Str("routing_key", d.RoutingKey).
			Msg("discarding malformed alarm message")
		c.nack(d, false)
		return
	}

	alarm, err := c.deliverer.Deliver(ctx, event)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.logger.Warn().
				Err(err).
				Str("recipient_id", event.ReceiveUserID).
				Msg("discarding alarm for unknown recipient")
			c.nack(d, false)
			return
		}
		c.logger.Error().
			Err(err).
			Str("recipient_id", event.ReceiveUserID).
			Str("event_key", event.EventKey).
			Msg("alarm delivery failed, requeueing")
		c.nack(d, true)
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Error().Err(err).Int64("alarm_id", alarm.ID).Msg("failed to ack alarm message")
	}
}

func (c *Consumer) nack(d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		c.logger.Error().Err(err).Bool("requeue", requeue).Msg("failed to nack alarm message")
	}
}
