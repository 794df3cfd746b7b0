package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeRealtimeDB speaks the subset of the Realtime Database REST protocol the
// SDK uses for Get and Transaction: ETag reads and If-Match writes.
type fakeRealtimeDB struct {
	mu    sync.Mutex
	nodes map[string][]byte
	etags map[string]int
	// beforePut runs once before the next conditional write is checked.
	beforePut func(path string)
}

func newFakeRealtimeDB() *fakeRealtimeDB {
	return &fakeRealtimeDB{nodes: map[string][]byte{}, etags: map[string]int{}}
}

func (f *fakeRealtimeDB) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, ".json")
	w.Header().Set("Content-Type", "application/json")

	if r.Method == http.MethodPut {
		f.mu.Lock()
		hook := f.beforePut
		f.beforePut = nil
		f.mu.Unlock()
		if hook != nil {
			hook(path)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodGet:
		if r.Header.Get("X-Firebase-ETag") == "true" {
			w.Header().Set("ETag", strconv.Itoa(f.etags[path]))
		}
		_, _ = w.Write(f.current(path))
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		if match := r.Header.Get("If-Match"); match != "" && match != strconv.Itoa(f.etags[path]) {
			w.Header().Set("ETag", strconv.Itoa(f.etags[path]))
			w.WriteHeader(http.StatusPreconditionFailed)
			_, _ = w.Write(f.current(path))
			return
		}
		f.nodes[path] = body
		f.etags[path]++
		_, _ = w.Write(body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeRealtimeDB) current(path string) []byte {
	if node, ok := f.nodes[path]; ok {
		return node
	}
	return []byte("null")
}

func (f *fakeRealtimeDB) set(path string, node firebaseNode) {
	raw, _ := json.Marshal(node)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[path] = raw
	f.etags[path]++
}

func newFirebaseTestBackend(t *testing.T) (*FirebaseBackend, *fakeRealtimeDB) {
	t.Helper()
	fake := newFakeRealtimeDB()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	port := server.URL[strings.LastIndex(server.URL, ":")+1:]
	backend, err := NewFirebaseBackend(context.Background(), "firebase://localhost:"+port+"?ns=profilesync-test")
	if err != nil {
		t.Fatalf("new firebase backend: %v", err)
	}
	return backend, fake
}

func TestFirebaseBackendPutAndGet(t *testing.T) {
	ctx := context.Background()
	backend, _ := newFirebaseTestBackend(t)

	if _, err := backend.Get(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found before first put, got %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first, err := backend.Put(ctx, "u1", json.RawMessage(`{"version":2,"payload":{}}`), now)
	if err != nil {
		t.Fatalf("first put failed: %v", err)
	}
	if first.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", first.Revision)
	}
	second, err := backend.Put(ctx, "u1", json.RawMessage(`{"version":2}`), now.Add(time.Second))
	if err != nil {
		t.Fatalf("second put failed: %v", err)
	}
	if second.Revision != 2 {
		t.Fatalf("expected revision 2, got %d", second.Revision)
	}

	got, err := backend.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Revision != 2 || string(got.Record) != `{"version":2}` {
		t.Fatalf("unexpected document: revision=%d record=%s", got.Revision, got.Record)
	}
	if !got.UpdatedAt.Equal(now.Add(time.Second)) {
		t.Fatalf("expected updatedAt %s, got %s", now.Add(time.Second), got.UpdatedAt)
	}
}

func TestFirebaseBackendPutRetriesAfterConcurrentWrite(t *testing.T) {
	ctx := context.Background()
	backend, fake := newFirebaseTestBackend(t)

	fake.beforePut = func(path string) {
		fake.set(path, firebaseNode{Revision: 5, UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano), Record: `{"other":true}`})
	}
	doc, err := backend.Put(ctx, "u1", json.RawMessage(`{"mine":true}`), time.Now())
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if doc.Revision != 6 {
		t.Fatalf("expected revision after concurrent write to be 6, got %d", doc.Revision)
	}
	got, err := backend.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Revision != 6 || string(got.Record) != `{"mine":true}` {
		t.Fatalf("unexpected document: revision=%d record=%s", got.Revision, got.Record)
	}
}
