// Package rediswake carries wake signals between processes over Redis
// pub/sub. A CLI invocation or an API replica that enqueues a job publishes
// a nudge; the daemon subscribed to the same channel runs a dispatch cycle
// at once instead of waiting for its next timer.
//
//	pub := rediswake.NewPublisher(client)
//	eng, _ := engine.Build(d,
//	    engine.WithExtension(pub),
//	    engine.WithWakeSource(rediswake.NewSubscriber(client)),
//	)
//
// Messages carry the enqueued job id, which the subscriber only logs.
// Lost messages are harmless: the periodic and timer wakes still run.
package rediswake

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/mailq/ext"
	"github.com/xraph/mailq/job"
	"github.com/xraph/mailq/wake"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "mailq:wake"

// Option configures a Publisher or Subscriber.
type Option func(*config)

type config struct {
	channel string
	logger  *slog.Logger
}

func newConfig(opts []Option) config {
	c := config{channel: DefaultChannel, logger: slog.Default()}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithChannel overrides the pub/sub channel.
func WithChannel(name string) Option {
	return func(c *config) {
		if name != "" {
			c.channel = name
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// ──────────────────────────────────────────────────
// Publisher
// ──────────────────────────────────────────────────

// Publisher is an extension that publishes a wake for every new job.
type Publisher struct {
	client goredis.UniversalClient
	cfg    config
}

var (
	_ ext.Extension   = (*Publisher)(nil)
	_ ext.JobEnqueued = (*Publisher)(nil)
)

// NewPublisher returns a Publisher on client.
func NewPublisher(client goredis.UniversalClient, opts ...Option) *Publisher {
	return &Publisher{client: client, cfg: newConfig(opts)}
}

// Name implements ext.Extension.
func (p *Publisher) Name() string { return "rediswake" }

// OnJobEnqueued publishes the job id.
func (p *Publisher) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	return p.Publish(ctx, j.ID.String())
}

// Publish sends a wake with an arbitrary message.
func (p *Publisher) Publish(ctx context.Context, msg string) error {
	if err := p.client.Publish(ctx, p.cfg.channel, msg).Err(); err != nil {
		return fmt.Errorf("mailq/rediswake: publish: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Subscriber
// ──────────────────────────────────────────────────

// Subscriber is a wake.Source fed by the pub/sub channel.
type Subscriber struct {
	client goredis.UniversalClient
	cfg    config
}

var _ wake.Source = (*Subscriber)(nil)

// NewSubscriber returns a Subscriber on client.
func NewSubscriber(client goredis.UniversalClient, opts ...Option) *Subscriber {
	return &Subscriber{client: client, cfg: newConfig(opts)}
}

// Name implements wake.Source.
func (s *Subscriber) Name() string { return "rediswake" }

// Run subscribes and calls wake for every message until ctx ends.
// The subscription is confirmed before Run starts listening, so a failure
// to reach Redis is returned instead of retried silently.
func (s *Subscriber) Run(ctx context.Context, wakeFn func()) error {
	sub := s.client.Subscribe(ctx, s.cfg.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("mailq/rediswake: subscribe %s: %w", s.cfg.channel, err)
	}
	s.cfg.logger.Info("redis wake subscribed", slog.String("channel", s.cfg.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.cfg.logger.Debug("redis wake received",
				slog.String("channel", msg.Channel),
				slog.String("payload", msg.Payload),
			)
			wakeFn()
		}
	}
}
