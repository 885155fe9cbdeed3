package main

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/mailq"
	"github.com/xraph/mailq/engine"
	"github.com/xraph/mailq/store"
	"github.com/xraph/mailq/store/memory"
	"github.com/xraph/mailq/store/postgres"
	redisstore "github.com/xraph/mailq/store/redis"
	"github.com/xraph/mailq/store/sqlite"
	"github.com/xraph/mailq/transport/resend"
	"github.com/xraph/mailq/transport/smtp"
	"github.com/xraph/mailq/transport/webhook"
	"github.com/xraph/mailq/wake"
	"github.com/xraph/mailq/wake/rediswake"
)

// env holds what every command opens from the config file.
type env struct {
	cfg    Config
	logger *slog.Logger
	store  store.Store
	redis  *goredis.Client
	eng    *engine.Engine
}

// openEnv opens the store, migrates it and builds an engine with every
// configured transport. Wake sources are added only when daemon is set.
func openEnv(ctx context.Context, cfg Config, logger *slog.Logger, daemon bool) (*env, error) {
	e := &env{cfg: cfg, logger: logger}
	if cfg.usesRedis() {
		e.redis = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	s, err := openStore(ctx, cfg.Store, e.redis, logger)
	if err != nil {
		e.closeRedis()
		return nil, err
	}
	e.store = s
	if err := s.Migrate(ctx); err != nil {
		e.close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	d, err := mailq.New(
		mailq.WithConfig(cfg.Library()),
		mailq.WithStore(s),
		mailq.WithLogger(logger),
	)
	if err != nil {
		e.close()
		return nil, err
	}

	opts, err := transportOptions(cfg.Transports)
	if err != nil {
		e.close()
		return nil, err
	}
	opts = append(opts, engine.WithThrottle(cfg.Limits()...))

	if cfg.Wake.Redis.Enabled {
		ropts := []rediswake.Option{rediswake.WithLogger(logger)}
		if cfg.Wake.Redis.Channel != "" {
			ropts = append(ropts, rediswake.WithChannel(cfg.Wake.Redis.Channel))
		}
		opts = append(opts, engine.WithExtension(rediswake.NewPublisher(e.redis, ropts...)))
		if daemon {
			opts = append(opts, engine.WithWakeSource(rediswake.NewSubscriber(e.redis, ropts...)))
		}
	}
	if daemon {
		sources, err := wakeSources(cfg.Wake, logger)
		if err != nil {
			e.close()
			return nil, err
		}
		for _, src := range sources {
			opts = append(opts, engine.WithWakeSource(src))
		}
	}

	eng, err := engine.Build(d, opts...)
	if err != nil {
		e.close()
		return nil, err
	}
	e.eng = eng
	return e, nil
}

// close stops the engine, which closes the store, then the Redis client.
func (e *env) close() {
	ctx := context.Background()
	if e.eng != nil {
		if err := e.eng.Stop(ctx); err != nil {
			e.logger.Error("engine stop", slog.String("error", err.Error()))
		}
	} else if e.store != nil {
		_ = e.store.Close()
	}
	e.closeRedis()
}

func (e *env) closeRedis() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
}

func openStore(ctx context.Context, cfg StoreConfig, rdb goredis.UniversalClient, logger *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlite.New(ctx, cfg.Path, sqlite.WithLogger(logger))
	case "postgres":
		return postgres.New(ctx, cfg.DSN, postgres.WithLogger(logger))
	case "redis":
		opts := []redisstore.Option{redisstore.WithLogger(logger)}
		if cfg.KeyPrefix != "" {
			opts = append(opts, redisstore.WithKeyPrefix(cfg.KeyPrefix))
		}
		return redisstore.New(rdb, opts...), nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func transportOptions(cfg TransportsConfig) ([]engine.Option, error) {
	var opts []engine.Option
	if cfg.SMTP != nil {
		t, err := smtp.New(*cfg.SMTP)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithTransport("smtp", t))
	}
	if cfg.Resend != nil {
		t, err := resend.New(*cfg.Resend)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithTransport("resend", t))
	}
	if cfg.Webhook != nil {
		t, err := webhook.New(*cfg.Webhook, nil)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithTransport("webhook", t))
	}
	return opts, nil
}

func wakeSources(cfg WakeConfig, logger *slog.Logger) ([]wake.Source, error) {
	var sources []wake.Source
	if cfg.Periodic != "" {
		p, err := wake.NewPeriodic(cfg.Periodic, wake.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		sources = append(sources, p)
	}
	if cfg.Network.ProbeAddr != "" {
		probe := wake.DialProbe(cfg.Network.ProbeAddr, cfg.Network.ProbeTimeout)
		sources = append(sources, wake.NewNetwork(probe,
			wake.WithInterval(cfg.Network.Interval),
			wake.WithLogger(logger),
		))
	}
	return sources, nil
}
