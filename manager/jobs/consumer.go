package jobs

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	svcerrors "github.com/pushchain/push-tss-manager/manager/errors"
)

const defaultConcurrency = 10

// Dial connects to the broker, retrying transient failures.
func Dial(ctx context.Context, address string, retry *svcerrors.RetryConfig) (*amqp.Connection, error) {
	if retry == nil {
		retry = svcerrors.DefaultRetryConfig()
	}
	var conn *amqp.Connection
	err := svcerrors.RetryWithConfig(ctx, func() error {
		c, err := amqp.Dial(address)
		if err != nil {
			return svcerrors.NewNetworkError("amqp", "failed to dial broker", err)
		}
		conn = c
		return nil
	}, retry)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to AMQP broker")
	}
	return conn, nil
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Conn     *amqp.Connection
	Exchange string
	Queue    string
	// Concurrency bounds the jobs running at once. It is also the channel
	// prefetch count.
	Concurrency int
	Handler     *Handler
	Logger      zerolog.Logger
}

// Consumer subscribes to the listen queue and hands each delivery to the
// handler. Every delivery is acknowledged once handled, failed or not.
type Consumer struct {
	cfg    ConsumerConfig
	handle func(ctx context.Context, body []byte) error
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	ch      *amqp.Channel
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConsumer creates a consumer.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	c := &Consumer{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "job_consumer").Logger(),
	}
	if cfg.Handler != nil {
		c.handle = cfg.Handler.Handle
	}
	return c
}

// Start declares the queue, subscribes and returns. Subsequent calls are
// no-ops.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	if c.cfg.Conn == nil || c.handle == nil {
		return errors.New("jobs: connection and handler must be non-nil")
	}

	ch, deliveries, err := c.subscribe()
	if err != nil {
		return err
	}
	c.ch = ch

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.serve(runCtx, deliveries)
	}()

	c.logger.Info().Str("exchange", c.cfg.Exchange).Str("queue", c.cfg.Queue).Msg("subscribed to job queue")
	return nil
}

// Stop cancels running jobs and waits for them to be acknowledged.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	ch := c.ch
	c.mu.Unlock()

	c.wg.Wait()
	if ch != nil {
		_ = ch.Close()
	}
}

func (c *Consumer) subscribe() (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := c.cfg.Conn.Channel()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open channel")
	}
	if err := declareTopology(ch, c.cfg.Exchange, c.cfg.Queue); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	if err := ch.Qos(c.cfg.Concurrency, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, errors.Wrap(err, "failed to set prefetch")
	}
	deliveries, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, errors.Wrapf(err, "failed to consume from %s", c.cfg.Queue)
	}
	return ch, deliveries, nil
}

// declareTopology declares a durable queue bound to exchange under its own
// name. Predefined amq.* exchanges are not redeclared.
func declareTopology(ch *amqp.Channel, exchange, queue string) error {
	if exchange != "" && !isPredefined(exchange) {
		if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return errors.Wrapf(err, "failed to declare exchange %s", exchange)
		}
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "failed to declare queue %s", queue)
	}
	if exchange != "" {
		if err := ch.QueueBind(queue, queue, exchange, false, nil); err != nil {
			return errors.Wrapf(err, "failed to bind queue %s to %s", queue, exchange)
		}
	}
	return nil
}

func isPredefined(exchange string) bool {
	return strings.HasPrefix(exchange, "amq.")
}

// serve runs deliveries with bounded concurrency until ctx ends or the
// delivery channel closes, then waits for in-flight jobs.
func (c *Consumer) serve(ctx context.Context, deliveries <-chan amqp.Delivery) {
	sem := make(chan struct{}, c.cfg.Concurrency)
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() == nil {
					c.logger.Error().Msg("delivery channel closed by broker")
				}
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return
			}
			inflight.Add(1)
			go func(d amqp.Delivery) {
				defer inflight.Done()
				defer func() { <-sem }()
				c.process(ctx, d)
			}(d)
		}
	}
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	log := c.logger.With().Uint64("delivery_tag", d.DeliveryTag).Logger()
	log.Debug().Bytes("body", d.Body).Msg("job received")

	if err := c.handle(ctx, d.Body); err != nil {
		ev := log.Error().Err(err)
		if errors.Is(err, ErrMalformedJob) || errors.Is(err, ErrUnknownAction) {
			ev = log.Warn().Err(err)
		}
		ev.Msg("job failed")
	}
	if err := d.Ack(false); err != nil {
		log.Error().Err(err).Msg("failed to acknowledge job")
	}
}
