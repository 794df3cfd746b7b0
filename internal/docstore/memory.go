package docstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type MemoryBackend struct {
	mu   sync.Mutex
	docs map[string]Document
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: map[string]Document{}}
}

func (b *MemoryBackend) Get(ctx context.Context, userID string) (Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.docs[userID]
	if !ok {
		return Document{}, ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (b *MemoryBackend) Put(ctx context.Context, userID string, record json.RawMessage, updatedAt time.Time) (Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc := Document{
		UserID:    userID,
		Revision:  b.docs[userID].Revision + 1,
		UpdatedAt: updatedAt,
		Record:    append(json.RawMessage(nil), record...),
	}
	b.docs[userID] = doc
	return cloneDocument(doc), nil
}

func (b *MemoryBackend) Close() error {
	return nil
}
