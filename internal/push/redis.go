package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/domain"
)

type RedisConfig struct {
	Addr        string
	Username    string
	DialTimeout time.Duration
	// PingInterval bounds how long a silently dead connection goes unnoticed.
	PingInterval time.Duration
}

// RedisDialer maps calendar groups onto pub/sub channels named by group key.
// Unlike go-redis' own PubSub.Channel, a session never reconnects by itself:
// the first receive error ends it so the connection manager can redial with a
// fresh token.
type RedisDialer struct {
	cfg    RedisConfig
	logger *slog.Logger
}

func NewRedisDialer(cfg RedisConfig, logger *slog.Logger) *RedisDialer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &RedisDialer{cfg: cfg, logger: logger}
}

func (d *RedisDialer) Dial(ctx context.Context, token string) (Session, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        d.cfg.Addr,
		Username:    d.cfg.Username,
		Password:    token,
		DB:          0,
		DialTimeout: d.cfg.DialTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	s := &redisSession{
		client: client,
		pubsub: client.Subscribe(sessionCtx),
		logger: d.logger,
		ctx:    sessionCtx,
		cancel: cancel,
		events: make(chan domain.AvailabilityChangeEvent, 64),
		done:   make(chan struct{}),
	}
	go s.receive(d.cfg.PingInterval)

	return s, nil
}

type redisSession struct {
	client *redis.Client
	pubsub *redis.PubSub
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	events chan domain.AvailabilityChangeEvent
	done   chan struct{}
	once   sync.Once
	err    error
}

func (s *redisSession) receive(pingInterval time.Duration) {
	for {
		msg, err := s.pubsub.ReceiveTimeout(s.ctx, pingInterval)
		if err != nil {
			if s.ctx.Err() != nil {
				s.finish(ErrSessionClosed)
				return
			}
			if isTimeout(err) {
				if pingErr := s.pubsub.Ping(s.ctx); pingErr != nil {
					s.finish(fmt.Errorf("redis ping: %w", pingErr))
					return
				}
				continue
			}
			s.finish(fmt.Errorf("redis receive: %w", err))
			return
		}

		switch m := msg.(type) {
		case *redis.Message:
			ev, err := Decode([]byte(m.Payload))
			if err != nil {
				s.logger.Error("dropping undecodable push message", "channel", m.Channel, "error", err)
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		case *redis.Subscription, *redis.Pong:
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (s *redisSession) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *redisSession) JoinGroup(ctx context.Context, ref domain.ResourceRef) error {
	if err := s.pubsub.Subscribe(ctx, ref.GroupKey()); err != nil {
		return fmt.Errorf("join %s: %w", ref.GroupKey(), err)
	}
	return nil
}

func (s *redisSession) LeaveGroup(ctx context.Context, ref domain.ResourceRef) error {
	if err := s.pubsub.Unsubscribe(ctx, ref.GroupKey()); err != nil {
		return fmt.Errorf("leave %s: %w", ref.GroupKey(), err)
	}
	return nil
}

func (s *redisSession) Events() <-chan domain.AvailabilityChangeEvent { return s.events }

func (s *redisSession) Done() <-chan struct{} { return s.done }

func (s *redisSession) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *redisSession) Close() error {
	s.cancel()
	s.finish(ErrSessionClosed)
	return errors.Join(s.pubsub.Close(), s.client.Close())
}

// RedisPublisher is the dev-side counterpart of RedisDialer.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev domain.AvailabilityChangeEvent) error {
	body, err := Encode(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, ev.Resource.GroupKey(), body).Err()
}
