package broker

import (
	"context"
	"sync"

	"github.com/24AWP-FAVICON/alarm-server/internal/config"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// RabbitMQ is the durable log for alarm events: one durable topic exchange
// and one durable queue bound to every routing key. Records are published
// with the recipient id as routing key and consumed with manual acks.
type RabbitMQ struct {
	conn    *amqp.Connection
	pubMu   sync.Mutex
	pubCh   *amqp.Channel
	subCh   *amqp.Channel
	cfg     config.BrokerConfig
	logger  zerolog.Logger
	closeMu sync.Once
}

func Dial(cfg config.BrokerConfig, logger zerolog.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "connect to rabbitmq")
	}

	r := &RabbitMQ{
		conn:   conn,
		cfg:    cfg,
		logger: logger.With().Str("component", "rabbitmq").Logger(),
	}
	if err := r.setup(); err != nil {
		conn.Close()
		return nil, err
	}
	return r, nil
}

func (r *RabbitMQ) setup() error {
	pubCh, err := r.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "open publish channel")
	}
	if err := pubCh.ExchangeDeclare(r.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare exchange %s", r.cfg.Exchange)
	}
	q, err := pubCh.QueueDeclare(r.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "declare queue %s", r.cfg.Queue)
	}
	if err := pubCh.QueueBind(q.Name, "#", r.cfg.Exchange, false, nil); err != nil {
		return errors.Wrapf(err, "bind queue %s", q.Name)
	}

	subCh, err := r.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "open consume channel")
	}
	if err := subCh.Qos(r.cfg.Prefetch, 0, false); err != nil {
		return errors.Wrap(err, "set prefetch")
	}

	r.pubCh = pubCh
	r.subCh = subCh
	r.logger.Info().
		Str("exchange", r.cfg.Exchange).
		Str("queue", q.Name).
		Int("prefetch", r.cfg.Prefetch).
		Msg("rabbitmq topology ready")
	return nil
}

// Publish sends a persistent record. Channels are not safe for concurrent
// publishing, so calls are serialized.
func (r *RabbitMQ) Publish(ctx context.Context, routingKey string, body []byte) error {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	return r.pubCh.PublishWithContext(ctx, r.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// Consume starts a manual-ack consumer on the alarm queue.
func (r *RabbitMQ) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	deliveries, err := r.subCh.Consume(r.cfg.Queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "consume queue %s", r.cfg.Queue)
	}
	return deliveries, nil
}

func (r *RabbitMQ) Close() error {
	var err error
	r.closeMu.Do(func() {
		if r.subCh != nil {
			_ = r.subCh.Close()
		}
		if r.pubCh != nil {
			_ = r.pubCh.Close()
		}
		err = r.conn.Close()
	})
	return err
}

// Ping reports whether the broker connection is still open.
func (r *RabbitMQ) Ping(context.Context) error {
	if r.conn.IsClosed() {
		return errors.New("rabbitmq connection closed")
	}
	return nil
}
