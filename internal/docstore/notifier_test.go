package docstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLocalNotifierDropsOldestWhenFull(t *testing.T) {
	ctx := context.Background()
	notifier := NewLocalNotifier(2)
	sub, err := notifier.Subscribe(ctx, "u1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Close()

	for rev := int64(1); rev <= 5; rev++ {
		if err := notifier.Publish(ctx, Document{UserID: "u1", Revision: rev, Record: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("publish %d failed: %v", rev, err)
		}
	}

	var got []int64
	for len(got) < 2 {
		select {
		case doc := <-sub.C():
			got = append(got, doc.Revision)
		case <-time.After(time.Second):
			t.Fatalf("timed out, received %v", got)
		}
	}
	if got[0] != 4 || got[1] != 5 {
		t.Fatalf("expected newest revisions [4 5], got %v", got)
	}
}

func TestLocalNotifierClosesOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	notifier := NewLocalNotifier(0)
	sub, err := notifier.Subscribe(ctx, "u1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	cancel()
	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatalf("expected closed channel, got a value")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription not closed after cancel")
	}
	if err := notifier.Publish(context.Background(), Document{UserID: "u1", Revision: 1}); err != nil {
		t.Fatalf("publish after cancel failed: %v", err)
	}
}

func TestLocalNotifierCloseReleasesSubscribers(t *testing.T) {
	notifier := NewLocalNotifier(0)
	sub, err := notifier.Subscribe(context.Background(), "u1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := notifier.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, ok := <-sub.C(); ok {
		t.Fatalf("expected channel closed")
	}
	if _, err := notifier.Subscribe(context.Background(), "u1"); err == nil {
		t.Fatalf("expected subscribe after close to fail")
	}
}

func TestRedisNotifierDeliversAcrossStores(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	ctx := context.Background()
	newNotifier := func() *RedisNotifier {
		return NewRedisNotifier(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	}
	readerNotifier := newNotifier()
	writerNotifier := newNotifier()

	backend := NewMemoryBackend()
	reader := NewStoreWithOptions(StoreOptions{Backend: backend, Notifier: readerNotifier})
	writer := NewStoreWithOptions(StoreOptions{Backend: backend, Notifier: writerNotifier})
	defer reader.Close()
	defer writer.Close()

	ch, unsubscribe, err := reader.Subscribe(ctx, "u1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer unsubscribe()

	if _, err := writer.Put(ctx, "u1", []byte(`{"from":"writer"}`)); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	select {
	case doc := <-ch:
		if doc.UserID != "u1" || doc.Revision != 1 || string(doc.Record) != `{"from":"writer"}` {
			t.Fatalf("unexpected change: %+v", doc)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for redis change")
	}

	unsubscribe()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected no further documents after unsubscribe")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("redis subscription channel not closed")
	}
}

func TestBuildNotifierFromDSN(t *testing.T) {
	notifier, err := BuildNotifierFromDSN("")
	if err != nil {
		t.Fatalf("build default notifier failed: %v", err)
	}
	if _, ok := notifier.(*LocalNotifier); !ok {
		t.Fatalf("expected *LocalNotifier, got %T", notifier)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	notifier, err = BuildNotifierFromDSN("redis://" + mr.Addr() + "/0")
	if err != nil {
		t.Fatalf("build redis notifier failed: %v", err)
	}
	defer notifier.Close()
	if _, ok := notifier.(*RedisNotifier); !ok {
		t.Fatalf("expected *RedisNotifier, got %T", notifier)
	}

	if _, err := BuildNotifierFromDSN("nats://localhost"); err == nil {
		t.Fatalf("expected unsupported notifier scheme error")
	}
}
