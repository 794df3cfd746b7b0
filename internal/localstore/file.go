package localstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/profilesync/internal/fsutil"
	"github.com/agentworkforce/profilesync/internal/payload"
)

const (
	indexFileName = "profiles.json"
	dataDirName   = "data"
	lockFileName  = ".lock"
)

// FileStore keeps the profile list and active pointer in profiles.json and
// one data/<id>.json per profile. Writers in other processes are excluded
// with an advisory lock on .lock.
type FileStore struct {
	root string

	mu     sync.Mutex
	recent map[string]ownWrite
}

type ownWrite struct {
	hash    string
	deleted bool
}

type fileIndex struct {
	Profiles        []payload.Profile `json:"profiles"`
	ActiveProfileID string            `json:"activeProfileId,omitempty"`
}

func OpenFileStore(root string) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("%w: store directory is required", ErrInvalidInput)
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(filepath.Join(root, dataDirName), 0o755); err != nil {
		return nil, err
	}
	return &FileStore{root: root, recent: map[string]ownWrite{}}, nil
}

func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) Profiles(ctx context.Context) ([]payload.Profile, error) {
	var out []payload.Profile
	err := s.locked(func(tx *fileTx) error {
		var err error
		out, err = tx.Profiles(ctx)
		return err
	})
	return out, err
}

func (s *FileStore) ActiveProfileID(ctx context.Context) (string, error) {
	var out string
	err := s.locked(func(tx *fileTx) error {
		var err error
		out, err = tx.ActiveProfileID(ctx)
		return err
	})
	return out, err
}

func (s *FileStore) ProfileData(ctx context.Context, id string) (*payload.ProfileData, error) {
	var out *payload.ProfileData
	err := s.locked(func(tx *fileTx) error {
		var err error
		out, err = tx.ProfileData(ctx, id)
		return err
	})
	return out, err
}

func (s *FileStore) SetProfileData(ctx context.Context, id string, data payload.ProfileData) error {
	return s.locked(func(tx *fileTx) error { return tx.SetProfileData(ctx, id, data) })
}

func (s *FileStore) DeleteProfileData(ctx context.Context, id string) error {
	return s.locked(func(tx *fileTx) error { return tx.DeleteProfileData(ctx, id) })
}

func (s *FileStore) SetProfiles(ctx context.Context, profiles []payload.Profile) error {
	return s.locked(func(tx *fileTx) error { return tx.SetProfiles(ctx, profiles) })
}

func (s *FileStore) SetActiveProfileID(ctx context.Context, id string) error {
	return s.locked(func(tx *fileTx) error { return tx.SetActiveProfileID(ctx, id) })
}

// Update runs fn while holding the store lock, so a reader in another process
// never sees half of a payload write.
func (s *FileStore) Update(ctx context.Context, fn func(payload.LocalStore) error) error {
	return s.locked(func(tx *fileTx) error { return fn(tx) })
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) WatchPaths() []string {
	return []string{s.root, filepath.Join(s.root, dataDirName)}
}

// ExternalChange reports whether the current content at path differs from
// what this store last wrote there.
func (s *FileStore) ExternalChange(path string) bool {
	path = filepath.Clean(path)
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || filepath.Ext(base) != ".json" {
		return false
	}
	s.mu.Lock()
	own, tracked := s.recent[path]
	s.mu.Unlock()

	current, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return !(tracked && own.deleted)
		}
		return false
	}
	return !tracked || own.deleted || own.hash != hashBytes(current)
}

func (s *FileStore) locked(fn func(tx *fileTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := lockPath(filepath.Join(s.root, lockFileName))
	if err != nil {
		return fmt.Errorf("lock store: %w", err)
	}
	defer func() { _ = unlock() }()
	return fn(&fileTx{store: s})
}

// fileTx is the lock-holding view handed to locked callbacks. s.mu is held
// for its whole lifetime.
type fileTx struct {
	store *FileStore
}

func (tx *fileTx) indexPath() string {
	return filepath.Join(tx.store.root, indexFileName)
}

func (tx *fileTx) dataPath(id string) string {
	return filepath.Join(tx.store.root, dataDirName, url.PathEscape(id)+".json")
}

func (tx *fileTx) readIndex() (fileIndex, error) {
	var index fileIndex
	raw, err := os.ReadFile(tx.indexPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return index, nil
		}
		return index, err
	}
	if err := json.Unmarshal(raw, &index); err != nil {
		return index, fmt.Errorf("decode %s: %w", indexFileName, err)
	}
	return index, nil
}

func (tx *fileTx) writeIndex(index fileIndex) error {
	if index.Profiles == nil {
		index.Profiles = []payload.Profile{}
	}
	return tx.writeJSON(tx.indexPath(), index)
}

func (tx *fileTx) writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(path, raw, 0o644); err != nil {
		return err
	}
	tx.store.recent[filepath.Clean(path)] = ownWrite{hash: hashBytes(raw)}
	return nil
}

func (tx *fileTx) Profiles(ctx context.Context) ([]payload.Profile, error) {
	index, err := tx.readIndex()
	if err != nil {
		return nil, err
	}
	return index.Profiles, nil
}

func (tx *fileTx) ActiveProfileID(ctx context.Context) (string, error) {
	index, err := tx.readIndex()
	if err != nil {
		return "", err
	}
	return index.ActiveProfileID, nil
}

func (tx *fileTx) ProfileData(ctx context.Context, id string) (*payload.ProfileData, error) {
	raw, err := os.ReadFile(tx.dataPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var data payload.ProfileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode profile data %s: %w", id, err)
	}
	return &data, nil
}

func (tx *fileTx) SetProfileData(ctx context.Context, id string, data payload.ProfileData) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: profile id is required", ErrInvalidInput)
	}
	return tx.writeJSON(tx.dataPath(id), data)
}

func (tx *fileTx) DeleteProfileData(ctx context.Context, id string) error {
	path := tx.dataPath(id)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	tx.store.recent[filepath.Clean(path)] = ownWrite{deleted: true}
	return nil
}

func (tx *fileTx) SetProfiles(ctx context.Context, profiles []payload.Profile) error {
	index, err := tx.readIndex()
	if err != nil {
		return err
	}
	index.Profiles = append([]payload.Profile{}, profiles...)
	return tx.writeIndex(index)
}

func (tx *fileTx) SetActiveProfileID(ctx context.Context, id string) error {
	index, err := tx.readIndex()
	if err != nil {
		return err
	}
	index.ActiveProfileID = id
	return tx.writeIndex(index)
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
