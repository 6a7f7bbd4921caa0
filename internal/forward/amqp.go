package forward

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/vungocdu/actiwell-iot-sub000/internal/errors"
	"github.com/vungocdu/actiwell-iot-sub000/internal/logger"
	"github.com/vungocdu/actiwell-iot-sub000/internal/measurement"
)

const (
	DefaultExchangeKind   = "topic"
	DefaultReconnectDelay = 5 * time.Second
)

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// Dialer opens a channel on a new connection to url.
type Dialer func(url string) (Channel, error)

// connChannel closes its connection together with the channel.
type connChannel struct {
	*amqp.Channel
	conn *amqp.Connection
}

func (c *connChannel) IsClosed() bool {
	return c.Channel.IsClosed() || c.conn.IsClosed()
}

func (c *connChannel) Close() error {
	_ = c.Channel.Close()
	return c.conn.Close()
}

// DialAMQP connects to a broker.
func DialAMQP(url string) (Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &connChannel{Channel: ch, conn: conn}, nil
}

type AMQPConfig struct {
	URL          string
	Exchange     string
	ExchangeKind string
	RoutingKey   string
	Dial         Dialer

	// ReconnectDelay is the minimum time between two dial attempts.
	ReconnectDelay time.Duration
}

// AMQPPublisher publishes persistent JSON messages on an exchange. The
// connection is opened on first use and reopened after a failure, at most
// once per ReconnectDelay.
type AMQPPublisher struct {
	cfg AMQPConfig
	log logger.Logger

	mu       sync.Mutex
	ch       Channel
	lastDial time.Time
	closed   bool
}

var _ Publisher = (*AMQPPublisher)(nil)

func NewAMQPPublisher(cfg AMQPConfig) (*AMQPPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New().WithMessage(ErrInvalidConfig, "amqp url is required")
	}
	if cfg.ExchangeKind == "" {
		cfg.ExchangeKind = DefaultExchangeKind
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Dial == nil {
		cfg.Dial = DialAMQP
	}

	return &AMQPPublisher{
		cfg: cfg,
		log: logger.With("forward.amqp"),
	}, nil
}

func (*AMQPPublisher) Name() string { return "amqp" }

// channel returns an open channel, dialing when needed. Must be called
// with p.mu held.
func (p *AMQPPublisher) channel() (Channel, error) {
	errFactory := errors.New()

	if p.closed {
		return nil, errFactory.New(ErrClosed)
	}
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}

	if !p.lastDial.IsZero() && time.Since(p.lastDial) < p.cfg.ReconnectDelay {
		return nil, errFactory.WithData(ErrBackoff, p.cfg.ReconnectDelay.String())
	}
	p.lastDial = time.Now()

	ch, err := p.cfg.Dial(p.cfg.URL)
	if err != nil {
		return nil, errFactory.Wrap(ErrConnect, err)
	}

	if p.cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(p.cfg.Exchange, p.cfg.ExchangeKind, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			return nil, errFactory.Wrap(ErrConnect, err)
		}
	}

	p.log.Info().
		Str("exchange", p.cfg.Exchange).
		Str("routing_key", p.cfg.RoutingKey).
		Msg("Connected to message broker")

	p.ch = ch
	return ch, nil
}

// Sync publishes rec. A failed publish drops the channel so the next call
// reconnects.
func (p *AMQPPublisher) Sync(ctx context.Context, rec *measurement.Record) error {
	body, err := Encode(rec)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    rec.ID,
		Timestamp:    rec.Timestamp,
		Type:         "measurement",
		Headers: amqp.Table{
			"device_id":   rec.DeviceID,
			"device_type": rec.DeviceType,
			"status":      string(rec.Status),
		},
		Body: body,
	}

	if err := ch.PublishWithContext(ctx, p.cfg.Exchange, p.cfg.RoutingKey, false, false, msg); err != nil {
		_ = ch.Close()
		p.ch = nil
		return errors.New().Wrap(ErrPublish, err)
	}

	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}
