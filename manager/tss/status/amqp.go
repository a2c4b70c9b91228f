package status

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	svcerrors "github.com/pushchain/push-tss-manager/manager/errors"
)

const publisherComponent = "status_publisher"

// DefaultPublishTimeout bounds a single publish attempt.
const DefaultPublishTimeout = 5 * time.Second

// ErrBrokerBlocked is returned while the broker has the connection blocked
// by flow control.
var ErrBrokerBlocked = errors.New("broker is blocking publishes")

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPPublisher publishes events as JSON to an exchange.
type AMQPPublisher struct {
	ch         Channel
	exchange   string
	routingKey string
	retry      *svcerrors.RetryConfig
	timeout    time.Duration
	blocked    atomic.Bool
	logger     zerolog.Logger
}

var _ Observer = (*AMQPPublisher)(nil)

// NewAMQPPublisher creates a publisher. A nil retry config uses the default.
func NewAMQPPublisher(ch Channel, exchange, routingKey string, retry *svcerrors.RetryConfig, logger zerolog.Logger) *AMQPPublisher {
	if retry == nil {
		retry = svcerrors.DefaultRetryConfig()
	}
	return &AMQPPublisher{
		ch:         ch,
		exchange:   exchange,
		routingKey: routingKey,
		retry:      retry,
		timeout:    DefaultPublishTimeout,
		logger:     logger.With().Str("component", publisherComponent).Logger(),
	}
}

// SetPublishTimeout overrides DefaultPublishTimeout.
func (p *AMQPPublisher) SetPublishTimeout(d time.Duration) {
	if d > 0 {
		p.timeout = d
	}
}

// WatchBlocked follows connection.blocked notifications until ch closes.
// Publishes fail fast with ErrBrokerBlocked while the broker blocks.
func (p *AMQPPublisher) WatchBlocked(ch <-chan amqp.Blocking) {
	go func() {
		for b := range ch {
			p.blocked.Store(b.Active)
			if b.Active {
				p.logger.Warn().Str("reason", b.Reason).Msg("broker blocked publishing")
			} else {
				p.logger.Info().Msg("broker unblocked publishing")
			}
		}
		p.blocked.Store(false)
	}()
}

// DeclareExchange declares exchange as a durable topic exchange. The
// broker's predefined amq.* exchanges already exist and are left alone.
func DeclareExchange(ch *amqp.Channel, exchange string) error {
	if strings.HasPrefix(exchange, "amq.") {
		return nil
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "failed to declare exchange %s", exchange)
	}
	return nil
}

// Notify implements Observer.
func (p *AMQPPublisher) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "failed to encode status event")
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}

	attempt := 0
	err = svcerrors.RetryWithConfig(ctx, func() error {
		attempt++
		if err := p.publish(ctx, msg); err != nil {
			p.logger.Debug().Err(err).Int("attempt", attempt).Str("room_id", ev.RoomID).Msg("publish failed")
			return svcerrors.NewNetworkError(publisherComponent, "failed to publish status event", err)
		}
		return nil
	}, p.retry)
	if err != nil {
		return errors.Wrapf(err, "failed to publish %s for room %s", ev.Status, ev.RoomID)
	}
	return nil
}

// publish runs one attempt. The channel may ignore ctx and block on a
// stalled socket, so the attempt is abandoned once the timeout passes.
func (p *AMQPPublisher) publish(ctx context.Context, msg amqp.Publishing) error {
	if p.blocked.Load() {
		return ErrBrokerBlocked
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- p.ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, msg)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "publish did not complete")
	}
}
