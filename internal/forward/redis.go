package forward

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/vungocdu/actiwell-iot-sub000/internal/errors"
	"github.com/vungocdu/actiwell-iot-sub000/internal/logger"
	"github.com/vungocdu/actiwell-iot-sub000/internal/measurement"
)

// RedisClient is the part of *redis.Client the publisher uses.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Channel receives every record through PUBLISH.
	Channel string

	// List, when set, keeps the newest Keep records.
	List string
	Keep int64
}

// RedisPublisher publishes records on a pub/sub channel and mirrors them
// into a capped list.
type RedisPublisher struct {
	client RedisClient
	cfg    RedisConfig
	log    logger.Logger
}

var _ Publisher = (*RedisPublisher)(nil)

func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Addr == "" {
		return nil, errors.New().WithMessage(ErrInvalidConfig, "redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisPublisherWithClient(client, cfg)
}

func NewRedisPublisherWithClient(client RedisClient, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Channel == "" && cfg.List == "" {
		return nil, errors.New().WithMessage(ErrInvalidConfig, "redis channel or list is required")
	}

	return &RedisPublisher{
		client: client,
		cfg:    cfg,
		log:    logger.With("forward.redis"),
	}, nil
}

func (*RedisPublisher) Name() string { return "redis" }

// Check pings the server.
func (p *RedisPublisher) Check(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return errors.New().Wrap(ErrConnect, err)
	}
	return nil
}

// Sync publishes rec. Failing to update the list is logged only.
func (p *RedisPublisher) Sync(ctx context.Context, rec *measurement.Record) error {
	body, err := Encode(rec)
	if err != nil {
		return err
	}

	if p.cfg.Channel != "" {
		if err := p.client.Publish(ctx, p.cfg.Channel, body).Err(); err != nil {
			return errors.New().Wrap(ErrPublish, err)
		}
	}

	if p.cfg.List == "" {
		return nil
	}

	if err := p.client.LPush(ctx, p.cfg.List, body).Err(); err != nil {
		if p.cfg.Channel == "" {
			return errors.New().Wrap(ErrPublish, err)
		}
		p.log.Warn().Str("list", p.cfg.List).Err(err).Msg("Failed to append measurement to list")
		return nil
	}

	if p.cfg.Keep > 0 {
		if err := p.client.LTrim(ctx, p.cfg.List, 0, p.cfg.Keep-1).Err(); err != nil {
			p.log.Warn().Str("list", p.cfg.List).Err(err).Msg("Failed to trim measurement list")
		}
	}

	p.log.Debug().Str("record_id", rec.ID).Msg("Measurement published")

	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
