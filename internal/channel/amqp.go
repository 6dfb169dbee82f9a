package channel

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// globalExchange is the single topic exchange every process publishes to
// and binds its private queue against. Routing keys are decimal channel
// numbers, matching the original cluster's channel-as-string convention.
const globalExchange = "astron.channels"

// AMQPConfig describes how to reach the broker.
type AMQPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string

	// QueueName, if empty, requests an exclusive server-generated queue
	// name — correct for a single-process binding its own interest set.
	QueueName string
}

func (c AMQPConfig) url() string {
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s", c.User, c.Password, c.Host, c.Port, vhost)
}

// AMQPBus is the RabbitMQ-backed Bus implementation. It owns one connection,
// one channel for publishing, and one channel for consuming, matching the
// original process's single-socket-to-the-broker model: a lost connection
// is fatal to the process, not something the bus silently retries.
type AMQPBus struct {
	log zerolog.Logger

	conn    *amqp.Connection
	pubCh   *amqp.Channel
	consCh  *amqp.Channel
	queue   amqp.Queue
	onFatal func(error)

	dispatch func(ch Channel, data []byte)

	mu      sync.Mutex
	closed  bool
	cancelC chan struct{}
}

// DialAMQP connects to RabbitMQ, declares the shared topic exchange and a
// private queue for this process, and returns a ready-to-use bus. onFatal is
// invoked from the connection-close watcher if the broker connection drops or errors —
// the cluster has no reconnect logic, mirroring the original's "just die,
// we always need a connection" policy.
func DialAMQP(ctx context.Context, cfg AMQPConfig, log zerolog.Logger, dispatch func(ch Channel, data []byte), onFatal func(error)) (*AMQPBus, error) {
	conn, err := amqp.Dial(cfg.url())
	if err != nil {
		return nil, fmt.Errorf("channel: dial rabbitmq: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("channel: open publish channel: %w", err)
	}

	consCh, err := conn.Channel()
	if err != nil {
		pubCh.Close()
		conn.Close()
		return nil, fmt.Errorf("channel: open consume channel: %w", err)
	}

	if err := pubCh.ExchangeDeclare(globalExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("channel: declare exchange: %w", err)
	}

	queue, err := consCh.QueueDeclare(cfg.QueueName, false, true, cfg.QueueName == "", false, nil)
	if err != nil {
		return nil, fmt.Errorf("channel: declare queue: %w", err)
	}

	b := &AMQPBus{
		log:      log,
		conn:     conn,
		pubCh:    pubCh,
		consCh:   consCh,
		queue:    queue,
		dispatch: dispatch,
		onFatal:  onFatal,
		cancelC:  make(chan struct{}),
	}

	deliveries, err := consCh.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("channel: consume: %w", err)
	}

	closeNotify := conn.NotifyClose(make(chan *amqp.Error, 1))

	go b.consumeLoop(deliveries)
	go b.watchClose(closeNotify)

	log.Info().Str("queue", queue.Name).Msg("connected to rabbitmq")
	return b, nil
}

func (b *AMQPBus) consumeLoop(deliveries <-chan amqp.Delivery) {
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			ch, err := strconv.ParseUint(d.RoutingKey, 10, 64)
			if err != nil {
				b.log.Warn().Str("routing_key", d.RoutingKey).Msg("unparseable routing key")
				continue
			}
			b.dispatch(ch, d.Body)
		case <-b.cancelC:
			return
		}
	}
}

func (b *AMQPBus) watchClose(notify chan *amqp.Error) {
	select {
	case err := <-notify:
		if err != nil && b.onFatal != nil {
			b.onFatal(fmt.Errorf("channel: rabbitmq connection closed: %w", err))
		}
	case <-b.cancelC:
	}
}

// Publish sends data to the shared exchange once per recipient channel. The
// original implementation instead relies on the exchange's topic routing to
// fan a single publish out to every bound queue for a routing key; since
// recipients here may span multiple distinct channels in one datagram, one
// publish per recipient keeps routing-key semantics exact.
func (b *AMQPBus) Publish(ctx context.Context, recipients []Channel, data []byte) error {
	for _, r := range recipients {
		key := strconv.FormatUint(r, 10)
		if err := b.pubCh.PublishWithContext(ctx, globalExchange, key, false, false, amqp.Publishing{
			ContentType: "application/octet-stream",
			Body:        data,
		}); err != nil {
			return fmt.Errorf("channel: publish to %d: %w", r, err)
		}
	}
	return nil
}

// BindChannel binds this process's queue to the routing key for ch.
func (b *AMQPBus) BindChannel(ctx context.Context, ch Channel) error {
	key := strconv.FormatUint(ch, 10)
	if err := b.consCh.QueueBind(b.queue.Name, key, globalExchange, false, nil); err != nil {
		return fmt.Errorf("channel: bind %d: %w", ch, err)
	}
	return nil
}

// UnbindChannel unbinds this process's queue from the routing key for ch.
func (b *AMQPBus) UnbindChannel(ctx context.Context, ch Channel) error {
	key := strconv.FormatUint(ch, 10)
	if err := b.consCh.QueueUnbind(b.queue.Name, key, globalExchange, nil); err != nil {
		return fmt.Errorf("channel: unbind %d: %w", ch, err)
	}
	return nil
}

// NewAMQPTable dials the broker and wires a subscription Table to it: the
// table's bind/unbind hooks become the bus's QueueBind/QueueUnbind calls,
// and bus deliveries are dispatched back into the table. This is the usual
// way a service process obtains a working (Table, Bus) pair in one call.
func NewAMQPTable(ctx context.Context, cfg AMQPConfig, log zerolog.Logger, onFatal func(error)) (*Table, *AMQPBus, error) {
	var bus *AMQPBus
	table := NewTable(
		func(ch Channel) {
			if bus != nil {
				if err := bus.BindChannel(ctx, ch); err != nil {
					log.Error().Err(err).Uint64("channel", ch).Msg("failed to bind channel")
				}
			}
		},
		func(ch Channel) {
			if bus != nil {
				if err := bus.UnbindChannel(ctx, ch); err != nil {
					log.Error().Err(err).Uint64("channel", ch).Msg("failed to unbind channel")
				}
			}
		},
	)

	b, err := DialAMQP(ctx, cfg, log, table.Dispatch, onFatal)
	if err != nil {
		return nil, nil, err
	}
	bus = b
	return table, bus, nil
}

// Close tears down the broker connection.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.cancelC)
	b.pubCh.Close()
	b.consCh.Close()
	return b.conn.Close()
}
