package localstore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/agentworkforce/profilesync/internal/payload"
)

type MemoryStore struct {
	mu       sync.Mutex
	updateMu sync.Mutex
	profiles []payload.Profile
	active   string
	data     map[string]payload.ProfileData
	writes   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string]payload.ProfileData{}}
}

func (s *MemoryStore) Profiles(ctx context.Context) ([]payload.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]payload.Profile{}, s.profiles...), nil
}

func (s *MemoryStore) ActiveProfileID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, nil
}

func (s *MemoryStore) ProfileData(ctx context.Context, id string) (*payload.ProfileData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[id]
	if !ok {
		return nil, nil
	}
	clone, err := cloneProfileData(data)
	if err != nil {
		return nil, err
	}
	return &clone, nil
}

func (s *MemoryStore) SetProfileData(ctx context.Context, id string, data payload.ProfileData) error {
	clone, err := cloneProfileData(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = clone
	s.writes++
	return nil
}

func (s *MemoryStore) DeleteProfileData(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	s.writes++
	return nil
}

func (s *MemoryStore) SetProfiles(ctx context.Context, profiles []payload.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles = append([]payload.Profile{}, profiles...)
	s.writes++
	return nil
}

func (s *MemoryStore) SetActiveProfileID(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = id
	s.writes++
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, fn func(payload.LocalStore) error) error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	return fn(s)
}

// Writes counts mutating calls since creation.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneProfileData(data payload.ProfileData) (payload.ProfileData, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return payload.ProfileData{}, err
	}
	var clone payload.ProfileData
	if err := json.Unmarshal(raw, &clone); err != nil {
		return payload.ProfileData{}, err
	}
	return clone, nil
}
