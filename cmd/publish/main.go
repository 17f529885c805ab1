// Command publish sends one AvailabilityChanged notification the way the
// reservation server does, for exercising a running availsync by hand.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/config"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/domain"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/push"
)

type publisher interface {
	Publish(ctx context.Context, ev domain.AvailabilityChangeEvent) error
}

func main() {
	var roomID, stationID int64
	var date, status string
	var count int
	var interval time.Duration

	flag.Int64Var(&roomID, "room", 0, "room id (SalaId)")
	flag.Int64Var(&stationID, "station", 0, "station id (StanowiskoId)")
	flag.StringVar(&date, "date", time.Now().Format(domain.DateLayout), "changed date, YYYY-MM-DD")
	flag.StringVar(&status, "status", string(domain.StatusApproved), "new status")
	flag.IntVar(&count, "n", 1, "number of notifications to send")
	flag.DurationVar(&interval, "interval", 0, "delay between notifications, e.g. 100ms to exercise debouncing")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	changed, err := domain.ParseDate(date)
	if err != nil {
		logger.Error("invalid -date", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if roomID == 0 && stationID == 0 {
		logger.Error("-room or -station is required")
		os.Exit(1)
	}

	// both ids may be set; the receiving side matches either
	var ref domain.ResourceRef
	if roomID != 0 {
		ref.RoomID = &roomID
	}
	if stationID != 0 {
		ref.StationID = &stationID
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Push.DialTimeout)*time.Second+time.Duration(count)*interval)
	defer cancel()

	var pub publisher
	switch cfg.Push.Transport {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Push.Redis.Host, cfg.Push.Redis.Port),
			Username: cfg.Push.Redis.Username,
			Password: cfg.Auth.Token,
			DB:       0,
		})
		defer rdb.Close()
		pub = push.NewRedisPublisher(rdb)
	default:
		conn, err := amqp.Dial(cfg.Push.AMQP.DSN)
		if err != nil {
			logger.Error("failed to connect to RabbitMQ", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer conn.Close()

		ch, err := conn.Channel()
		if err != nil {
			logger.Error("failed to open channel", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer ch.Close()
		pub = push.NewAMQPPublisher(ch, cfg.Push.AMQP.Exchange)
	}

	for i := 0; i < count; i++ {
		if i > 0 && interval > 0 {
			time.Sleep(interval)
		}
		ev := domain.AvailabilityChangeEvent{
			Resource:    ref,
			ChangedDate: changed,
			NewStatus:   domain.ParseStatus(status),
			Timestamp:   time.Now().UnixMilli(),
		}
		if err := pub.Publish(ctx, ev); err != nil {
			logger.Error("publish failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("published", "group", ref.GroupKey(), "date", changed, "status", ev.NewStatus)
	}
}
