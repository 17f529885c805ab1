package push

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/domain"
)

type AMQPConfig struct {
	DSN         string
	Username    string
	Exchange    string
	DialTimeout time.Duration
}

// AMQPDialer maps calendar groups onto a topic exchange: every session owns an
// exclusive auto-delete queue, and joining a group binds that queue with the
// group key as routing key. The broker drops the queue, and with it every
// membership, as soon as the connection goes away.
type AMQPDialer struct {
	cfg    AMQPConfig
	logger *slog.Logger
}

func NewAMQPDialer(cfg AMQPConfig, logger *slog.Logger) *AMQPDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPDialer{cfg: cfg, logger: logger}
}

func (d *AMQPDialer) Dial(ctx context.Context, token string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(d.cfg.DSN, amqp.Config{
		SASL: []amqp.Authentication{&amqp.PlainAuth{Username: d.cfg.Username, Password: token}},
		Dial: amqp.DefaultDial(d.cfg.DialTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		d.cfg.Exchange, // exchange name
		"topic",        // routed by group key
		true,           // durable
		false,          // not auto-deleted
		false,          // not internal
		false,          // wait for the broker to confirm
		nil,
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(
		"",    // let the broker name it
		false, // not durable
		true,  // auto-delete
		true,  // exclusive to this connection
		false,
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	msgs, err := ch.Consume(
		q.Name,
		"",    // consumer tag assigned by the broker
		true,  // auto-ack, notifications are disposable
		true,  // exclusive
		false, // no-local is not supported by RabbitMQ
		false,
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("consume: %w", err)
	}

	s := &amqpSession{
		conn:     conn,
		ch:       ch,
		queue:    q.Name,
		exchange: d.cfg.Exchange,
		logger:   d.logger,
		events:   make(chan domain.AvailabilityChangeEvent, 64),
		done:     make(chan struct{}),
	}
	go s.consume(msgs, conn.NotifyClose(make(chan *amqp.Error, 1)))

	return s, nil
}

type amqpSession struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	queue    string
	exchange string
	logger   *slog.Logger

	events chan domain.AvailabilityChangeEvent
	done   chan struct{}
	once   sync.Once
	err    error
}

func (s *amqpSession) consume(msgs <-chan amqp.Delivery, closed <-chan *amqp.Error) {
	for {
		select {
		case <-s.done:
			return
		case amqpErr := <-closed:
			if amqpErr != nil {
				s.finish(fmt.Errorf("amqp connection closed: %w", amqpErr))
			} else {
				s.finish(ErrSessionClosed)
			}
			return
		case msg, ok := <-msgs:
			if !ok {
				s.finish(ErrSessionClosed)
				return
			}
			ev, err := Decode(msg.Body)
			if err != nil {
				s.logger.Error("dropping undecodable push message", "routingKey", msg.RoutingKey, "error", err)
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *amqpSession) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *amqpSession) JoinGroup(ctx context.Context, ref domain.ResourceRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ch.QueueBind(s.queue, ref.GroupKey(), s.exchange, false, nil); err != nil {
		return fmt.Errorf("join %s: %w", ref.GroupKey(), err)
	}
	return nil
}

func (s *amqpSession) LeaveGroup(ctx context.Context, ref domain.ResourceRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ch.QueueUnbind(s.queue, ref.GroupKey(), s.exchange, nil); err != nil {
		return fmt.Errorf("leave %s: %w", ref.GroupKey(), err)
	}
	return nil
}

func (s *amqpSession) Events() <-chan domain.AvailabilityChangeEvent { return s.events }

func (s *amqpSession) Done() <-chan struct{} { return s.done }

func (s *amqpSession) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *amqpSession) Close() error {
	s.finish(ErrSessionClosed)
	if s.conn.IsClosed() {
		return nil
	}
	return s.conn.Close()
}

// AMQPPublisher sends AvailabilityChanged notifications to the exchange the
// way the server does; used by the dev publisher.
type AMQPPublisher struct {
	ch       *amqp.Channel
	exchange string
}

func NewAMQPPublisher(ch *amqp.Channel, exchange string) *AMQPPublisher {
	return &AMQPPublisher{ch: ch, exchange: exchange}
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev domain.AvailabilityChangeEvent) error {
	body, err := Encode(ev)
	if err != nil {
		return err
	}
	return p.ch.PublishWithContext(
		ctx,
		p.exchange,
		ev.Resource.GroupKey(),
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Type:        EventName,
			Body:        body,
		},
	)
}
