//go:build integration

package rediswake_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/xraph/mailq/job"
	"github.com/xraph/mailq/wake/rediswake"
)

func setupClient(t *testing.T) *goredis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	opts, err := goredis.ParseURL(uri)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	client := goredis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestEnqueueWakesSubscriber(t *testing.T) {
	client := setupClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := rediswake.NewSubscriber(client, rediswake.WithChannel("test:wake"))
	pub := rediswake.NewPublisher(client, rediswake.WithChannel("test:wake"))

	var wakes atomic.Int32
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx, func() { wakes.Add(1) }) }()

	// Publish until the subscription is live; messages sent before it are
	// dropped by Redis.
	deadline := time.Now().Add(5 * time.Second)
	for wakes.Load() == 0 && time.Now().Before(deadline) {
		if err := pub.OnJobEnqueued(ctx, job.New("k", "smtp", nil, 1)); err != nil {
			t.Fatalf("OnJobEnqueued: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if wakes.Load() == 0 {
		t.Fatal("subscriber never woke")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSubscriberIgnoresOtherChannels(t *testing.T) {
	client := setupClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := rediswake.NewSubscriber(client, rediswake.WithChannel("test:a"))
	other := rediswake.NewPublisher(client, rediswake.WithChannel("test:b"))
	same := rediswake.NewPublisher(client, rediswake.WithChannel("test:a"))

	var wakes atomic.Int32
	go func() { _ = sub.Run(ctx, func() { wakes.Add(1) }) }()

	deadline := time.Now().Add(5 * time.Second)
	for wakes.Load() == 0 && time.Now().Before(deadline) {
		if err := same.Publish(ctx, "probe"); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	before := wakes.Load()
	if before == 0 {
		t.Fatal("subscriber never woke")
	}

	for range 5 {
		if err := other.Publish(ctx, "elsewhere"); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	time.Sleep(200 * time.Millisecond)
	// Late "probe" deliveries may still arrive; only count growth beyond them.
	if got := wakes.Load(); got > before+1 {
		t.Errorf("wakes grew from %d to %d on another channel", before, got)
	}
}
