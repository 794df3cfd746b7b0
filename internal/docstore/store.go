package docstore

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

type Logger interface {
	Printf(format string, args ...any)
}

type StoreOptions struct {
	Backend        Backend
	Notifier       Notifier
	MaxRecordBytes int
	Logger         Logger
}

// Store serves per-user sync documents: one record per user, fully replaced
// on every write, with change notifications fanned out to subscribers.
type Store struct {
	backend        Backend
	notifier       Notifier
	maxRecordBytes int
	logger         Logger
	now            func() time.Time
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	backend := opts.Backend
	if backend == nil {
		backend = NewMemoryBackend()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NewLocalNotifier(0)
	}
	maxRecordBytes := opts.MaxRecordBytes
	if maxRecordBytes <= 0 {
		maxRecordBytes = 4 << 20
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		backend:        backend,
		notifier:       notifier,
		maxRecordBytes: maxRecordBytes,
		logger:         logger,
		now:            time.Now,
	}
}

func (s *Store) Get(ctx context.Context, userID string) (Document, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return Document{}, err
	}
	return s.backend.Get(ctx, userID)
}

// Put stores record for userID. A notification failure does not fail the
// write; subscribers catch up on their next connect.
func (s *Store) Put(ctx context.Context, userID string, record []byte) (Document, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return Document{}, err
	}
	if len(record) > s.maxRecordBytes {
		return Document{}, fmt.Errorf("%w: record exceeds %d bytes", ErrInvalidInput, s.maxRecordBytes)
	}
	compacted, err := compactObject(record)
	if err != nil {
		return Document{}, fmt.Errorf("%w: record must be a JSON object", ErrInvalidInput)
	}
	doc, err := s.backend.Put(ctx, userID, compacted, s.now().UTC())
	if err != nil {
		return Document{}, err
	}
	if err := s.notifier.Publish(ctx, doc); err != nil {
		s.logger.Printf("docstore: publish change for %s failed: %v", userID, err)
	}
	return doc, nil
}

// Subscribe streams every document written for userID from now on. The
// returned func releases the subscription and is safe to call more than once.
func (s *Store) Subscribe(ctx context.Context, userID string) (<-chan Document, func(), error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return nil, nil, err
	}
	sub, err := s.notifier.Subscribe(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	return sub.C(), func() {
		once.Do(func() { _ = sub.Close() })
	}, nil
}

func (s *Store) Close() error {
	notifierErr := s.notifier.Close()
	backendErr := s.backend.Close()
	if backendErr != nil {
		return backendErr
	}
	return notifierErr
}

func normalizeUserID(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.ContainsAny(userID, "/\x00") {
		return "", fmt.Errorf("%w: user id", ErrInvalidInput)
	}
	return userID, nil
}
