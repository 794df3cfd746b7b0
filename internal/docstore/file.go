package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/profilesync/internal/fsutil"
)

type fileSnapshot struct {
	Documents map[string]Document `json:"documents"`
}

// FileBackend keeps every document in a single JSON file that is rewritten
// atomically on each Put.
type FileBackend struct {
	path string

	mu     sync.Mutex
	loaded bool
	docs   map[string]Document
}

func NewFileBackend(path string) (*FileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &FileBackend{path: path}, nil
}

func (b *FileBackend) Get(ctx context.Context, userID string) (Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.load(); err != nil {
		return Document{}, err
	}
	doc, ok := b.docs[userID]
	if !ok {
		return Document{}, ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (b *FileBackend) Put(ctx context.Context, userID string, record json.RawMessage, updatedAt time.Time) (Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.load(); err != nil {
		return Document{}, err
	}
	previous, existed := b.docs[userID]
	doc := Document{
		UserID:    userID,
		Revision:  previous.Revision + 1,
		UpdatedAt: updatedAt,
		Record:    append(json.RawMessage(nil), record...),
	}
	b.docs[userID] = doc
	if err := b.save(); err != nil {
		if existed {
			b.docs[userID] = previous
		} else {
			delete(b.docs, userID)
		}
		return Document{}, err
	}
	return cloneDocument(doc), nil
}

func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) load() error {
	if b.loaded {
		return nil
	}
	b.docs = map[string]Document{}
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			b.loaded = true
			return nil
		}
		return err
	}
	var snapshot fileSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	for userID, doc := range snapshot.Documents {
		b.docs[userID] = doc
	}
	b.loaded = true
	return nil
}

func (b *FileBackend) save() error {
	data, err := json.Marshal(fileSnapshot{Documents: b.docs})
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(b.path, data, 0o644)
}
