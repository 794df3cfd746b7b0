package docstore

import (
	"context"
	"sync"
)

const defaultSubscriberBuffer = 16

// LocalNotifier fans documents out to subscribers in this process. A
// subscriber that falls behind loses its oldest pending document, never the
// newest one.
type LocalNotifier struct {
	buffer int

	mu     sync.Mutex
	subs   map[string]map[*localSubscription]struct{}
	closed bool
}

type localSubscription struct {
	notifier *LocalNotifier
	userID   string
	ch       chan Document
	stop     func() bool
	once     sync.Once
}

func NewLocalNotifier(buffer int) *LocalNotifier {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &LocalNotifier{
		buffer: buffer,
		subs:   map[string]map[*localSubscription]struct{}{},
	}
}

func (n *LocalNotifier) Publish(ctx context.Context, doc Document) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for sub := range n.subs[doc.UserID] {
		deliverLatest(sub.ch, cloneDocument(doc))
	}
	return nil
}

func (n *LocalNotifier) Subscribe(ctx context.Context, userID string) (Subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrInvalidInput
	}
	sub := &localSubscription{
		notifier: n,
		userID:   userID,
		ch:       make(chan Document, n.buffer),
	}
	if n.subs[userID] == nil {
		n.subs[userID] = map[*localSubscription]struct{}{}
	}
	n.subs[userID][sub] = struct{}{}
	sub.stop = context.AfterFunc(ctx, func() { _ = sub.Close() })
	return sub, nil
}

func (n *LocalNotifier) Close() error {
	n.mu.Lock()
	subs := []*localSubscription{}
	for _, byUser := range n.subs {
		for sub := range byUser {
			subs = append(subs, sub)
		}
	}
	n.closed = true
	n.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

func (s *localSubscription) C() <-chan Document {
	return s.ch
}

func (s *localSubscription) Close() error {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		n := s.notifier
		n.mu.Lock()
		if byUser := n.subs[s.userID]; byUser != nil {
			delete(byUser, s)
			if len(byUser) == 0 {
				delete(n.subs, s.userID)
			}
		}
		close(s.ch)
		n.mu.Unlock()
	})
	return nil
}

// deliverLatest sends doc without blocking, evicting the oldest queued
// document when ch is full. Callers must be the only sender on ch.
func deliverLatest(ch chan Document, doc Document) {
	for {
		select {
		case ch <- doc:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
