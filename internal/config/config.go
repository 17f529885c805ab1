package config

import (
	"errors"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	Server      struct {
		Port            string `env:"PORT" envDefault:"3000"`
		ReadTimeout     int    `env:"READ_TIMEOUT" envDefault:"10"`
		WriteTimeout    int    `env:"WRITE_TIMEOUT" envDefault:"15"`
		IdleTimeout     int    `env:"IDLE_TIMEOUT" envDefault:"60"`
		ShutdownTimeout int    `env:"SHUTDOWN_TIMEOUT" envDefault:"10"`
	} `envPrefix:"SERVER_"`
	Backend struct {
		BaseURL        string `env:"BASE_URL,required"`
		RequestTimeout int    `env:"REQUEST_TIMEOUT" envDefault:"10"`
		Breaker        struct {
			MaxRequests      uint32 `env:"MAX_REQUESTS" envDefault:"1"`
			Timeout          int    `env:"TIMEOUT" envDefault:"30"`
			FailureThreshold uint32 `env:"FAILURE_THRESHOLD" envDefault:"5"`
		} `envPrefix:"BREAKER_"`
	} `envPrefix:"BACKEND_"`
	Push struct {
		Transport   string `env:"TRANSPORT" envDefault:"amqp"`
		DialTimeout int    `env:"DIAL_TIMEOUT" envDefault:"10"`
		AMQP        struct {
			DSN      string `env:"DSN" envDefault:"amqp://localhost:5672/"`
			Username string `env:"USERNAME" envDefault:"calendar"`
			Exchange string `env:"EXCHANGE" envDefault:"calendar"`
		} `envPrefix:"AMQP_"`
		Redis struct {
			Host           string `env:"HOST" envDefault:"localhost"`
			Port           int    `env:"PORT" envDefault:"6379"`
			Username       string `env:"USERNAME"`
			PingIntervalMS int    `env:"PING_INTERVAL_MS" envDefault:"30000"`
		} `envPrefix:"REDIS_"`
	} `envPrefix:"PUSH_"`
	Auth struct {
		Token     string `env:"TOKEN"`
		TokenFile string `env:"TOKEN_FILE"`
	} `envPrefix:"AUTH_"`
	Engine struct {
		DebounceMS          int   `env:"DEBOUNCE_MS" envDefault:"500"`
		DuplicateWindowMS   int   `env:"DUPLICATE_WINDOW_MS" envDefault:"2000"`
		UpdatedWindowMS     int   `env:"UPDATED_WINDOW_MS" envDefault:"3000"`
		HeartbeatIntervalMS int   `env:"HEARTBEAT_INTERVAL_MS" envDefault:"30000"`
		BackoffMS           []int `env:"BACKOFF_MS" envDefault:"0,2000,10000,30000" envSeparator:","`
	} `envPrefix:"ENGINE_"`
	Watch struct {
		RoomID    int64 `env:"ROOM_ID"`
		StationID int64 `env:"STATION_ID"`
	} `envPrefix:"WATCH_"`
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		aggErr := env.AggregateError{}
		if ok := errors.As(err, &aggErr); ok {
			// only the first error, the rest is noise in the log
			return nil, aggErr.Errors[0]
		}
		return nil, err
	}

	if cfg.Auth.Token == "" && cfg.Auth.TokenFile == "" {
		return nil, errors.New("AUTH_TOKEN or AUTH_TOKEN_FILE is required")
	}
	if cfg.Push.Transport != "amqp" && cfg.Push.Transport != "redis" {
		return nil, errors.New("PUSH_TRANSPORT must be amqp or redis")
	}
	if len(cfg.Engine.BackoffMS) == 0 {
		return nil, errors.New("ENGINE_BACKOFF_MS must list at least one delay")
	}

	return cfg, nil
}

func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Engine.DebounceMS) * time.Millisecond
}

func (c *Config) DuplicateWindow() time.Duration {
	return time.Duration(c.Engine.DuplicateWindowMS) * time.Millisecond
}

func (c *Config) UpdatedWindow() time.Duration {
	return time.Duration(c.Engine.UpdatedWindowMS) * time.Millisecond
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Engine.HeartbeatIntervalMS) * time.Millisecond
}

func (c *Config) Backoff() []time.Duration {
	out := make([]time.Duration, len(c.Engine.BackoffMS))
	for i, ms := range c.Engine.BackoffMS {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
