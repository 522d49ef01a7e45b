package alarm

import (
	"context"
	"encoding/json"

	"github.com/24AWP-FAVICON/alarm-server/internal/models"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Publisher writes a record onto the durable log. The routing key carries
// the recipient id so records of one recipient stay ordered.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// EventSender makes an event replayable and durable.
type EventSender interface {
	Send(ctx context.Context, event models.AlarmEvent) error
}

type Producer struct {
	registry  *Registry
	publisher Publisher
	logger    zerolog.Logger
}

func NewProducer(registry *Registry, publisher Publisher, logger zerolog.Logger) *Producer {
	return &Producer{
		registry:  registry,
		publisher: publisher,
		logger:    logger.With().Str("component", "alarm_producer").Logger(),
	}
}

// Send caches the event for replay and then publishes it. A failure after
// the cache write leaves a cache-only entry.
func (p *Producer) Send(ctx context.Context, event models.AlarmEvent) error {
	keyed, err := p.registry.CacheEvent(ctx, event)
	if err != nil {
		return errors.Wrap(err, "cache alarm event")
	}

	body, err := json.Marshal(keyed)
	if err != nil {
		return errors.Wrap(err, "marshal alarm event")
	}

	if err := p.publisher.Publish(ctx, keyed.ReceiveUserID, body); err != nil {
		p.logger.Error().
			Err(err).
			Str("recipient_id", keyed.ReceiveUserID).
			Str("replay_key", keyed.ReplayKey).
			Msg("failed to publish alarm event")
		return errors.Wrap(err, "publish alarm event")
	}

	p.logger.Debug().
		Str("recipient_id", keyed.ReceiveUserID).
		Str("alarm_type", string(keyed.AlarmType)).
		Str("replay_key", keyed.ReplayKey).
		Msg("alarm event published")
	return nil
}
