package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Document is the single sync record stored for one user. Record is kept as
// raw JSON and never interpreted beyond being an object.
type Document struct {
	UserID    string          `json:"userId"`
	Revision  int64           `json:"revision"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Record    json.RawMessage `json:"record"`
}

type Backend interface {
	// Get returns ErrNotFound when nothing has been stored for userID.
	Get(ctx context.Context, userID string) (Document, error)
	// Put replaces the stored record and returns it with the next revision.
	Put(ctx context.Context, userID string, record json.RawMessage, updatedAt time.Time) (Document, error)
	Close() error
}

type Notifier interface {
	Publish(ctx context.Context, doc Document) error
	Subscribe(ctx context.Context, userID string) (Subscription, error)
	Close() error
}

type Subscription interface {
	C() <-chan Document
	Close() error
}

func cloneDocument(doc Document) Document {
	doc.Record = append(json.RawMessage(nil), doc.Record...)
	return doc
}

// compactObject validates that raw is a JSON object and returns it compacted.
func compactObject(raw []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, ErrInvalidInput
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, ErrInvalidInput
	}
	return json.RawMessage(buf.Bytes()), nil
}
