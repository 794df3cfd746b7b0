package docstore

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "profilesync:doc:"

// RedisNotifier publishes document changes on a per-user Redis channel so
// every server replica can push them to its own stream subscribers.
type RedisNotifier struct {
	client *redis.Client
	buffer int
	logger Logger
}

func NewRedisNotifier(client *redis.Client, logger Logger) *RedisNotifier {
	if logger == nil {
		logger = log.Default()
	}
	return &RedisNotifier{client: client, buffer: defaultSubscriberBuffer, logger: logger}
}

func NewRedisNotifierFromURL(rawURL string) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return NewRedisNotifier(redis.NewClient(opts), nil), nil
}

func redisChannel(userID string) string {
	return redisChannelPrefix + userID
}

func (n *RedisNotifier) Publish(ctx context.Context, doc Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, redisChannel(doc.UserID), data).Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context, userID string) (Subscription, error) {
	pubsub := n.client.Subscribe(ctx, redisChannel(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan Document, n.buffer),
	}
	sub.stop = context.AfterFunc(ctx, func() { _ = sub.Close() })
	go sub.forward(userID, n.logger)
	return sub, nil
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan Document
	stop   func() bool
	once   sync.Once
}

func (s *redisSubscription) forward(userID string, logger Logger) {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		var doc Document
		if err := json.Unmarshal([]byte(msg.Payload), &doc); err != nil {
			logger.Printf("docstore: dropping undecodable change for %s: %v", userID, err)
			continue
		}
		deliverLatest(s.ch, doc)
	}
}

func (s *redisSubscription) C() <-chan Document {
	return s.ch
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		err = s.pubsub.Close()
	})
	return err
}
