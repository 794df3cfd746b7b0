package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"google.golang.org/api/option"
)

const firebaseDocumentRoot = "profileSync"

type firebaseNode struct {
	Revision  int64  `json:"revision"`
	UpdatedAt string `json:"updatedAt"`
	Record    string `json:"record"`
}

// FirebaseBackend stores each user's document under profileSync/<uid> in a
// Realtime Database. The record is kept as a JSON string so the database does
// not reorder or coerce its fields.
type FirebaseBackend struct {
	client *db.Client
}

// NewFirebaseBackend accepts firebase://<database-host>?credentials=<file>.
// Setting ns=<namespace> targets a database emulator at the host instead.
func NewFirebaseBackend(ctx context.Context, dsn string) (*FirebaseBackend, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	host := strings.TrimSpace(parsed.Host)
	if host == "" {
		return nil, fmt.Errorf("%w: firebase dsn requires a database host", ErrInvalidInput)
	}
	query := parsed.Query()
	config := &firebase.Config{
		DatabaseURL: "https://" + host,
		ProjectID:   strings.TrimSpace(query.Get("project")),
	}
	if ns := strings.TrimSpace(query.Get("ns")); ns != "" {
		// The SDK only treats scheme-less host:port URLs as emulators.
		config.DatabaseURL = host + "?ns=" + url.QueryEscape(ns)
		if config.ProjectID == "" {
			config.ProjectID = ns
		}
	}
	var opts []option.ClientOption
	if credentials := strings.TrimSpace(query.Get("credentials")); credentials != "" {
		opts = append(opts, option.WithCredentialsFile(credentials))
	}
	app, err := firebase.NewApp(ctx, config, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}
	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase database: %w", err)
	}
	return &FirebaseBackend{client: client}, nil
}

func (b *FirebaseBackend) ref(userID string) *db.Ref {
	return b.client.NewRef(firebaseDocumentRoot + "/" + userID)
}

func (b *FirebaseBackend) Get(ctx context.Context, userID string) (Document, error) {
	var node firebaseNode
	if err := b.ref(userID).Get(ctx, &node); err != nil {
		return Document{}, err
	}
	if node.Revision == 0 || node.Record == "" {
		return Document{}, ErrNotFound
	}
	return nodeDocument(userID, node), nil
}

func (b *FirebaseBackend) Put(ctx context.Context, userID string, record json.RawMessage, updatedAt time.Time) (Document, error) {
	var stored firebaseNode
	err := b.ref(userID).Transaction(ctx, func(current db.TransactionNode) (interface{}, error) {
		var node firebaseNode
		if err := current.Unmarshal(&node); err != nil {
			return nil, err
		}
		stored = firebaseNode{
			Revision:  node.Revision + 1,
			UpdatedAt: updatedAt.UTC().Format(time.RFC3339Nano),
			Record:    string(record),
		}
		return stored, nil
	})
	if err != nil {
		return Document{}, err
	}
	return nodeDocument(userID, stored), nil
}

func (b *FirebaseBackend) Close() error {
	return nil
}

func nodeDocument(userID string, node firebaseNode) Document {
	updatedAt, _ := time.Parse(time.RFC3339Nano, node.UpdatedAt)
	return Document{
		UserID:    userID,
		Revision:  node.Revision,
		UpdatedAt: updatedAt,
		Record:    json.RawMessage(node.Record),
	}
}
