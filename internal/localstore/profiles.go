package localstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/profilesync/internal/merge"
	"github.com/agentworkforce/profilesync/internal/payload"
)

// Profiles implements the user-facing profile operations on top of a store.
// Every operation that changes a profile stamps its data lastModified,
// renames included.
type Profiles struct {
	store payload.LocalStore
	now   func() time.Time
	newID func() string
}

func NewProfiles(store payload.LocalStore) *Profiles {
	return &Profiles{
		store: store,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

func (p *Profiles) List(ctx context.Context) ([]payload.Profile, string, error) {
	profiles, err := p.store.Profiles(ctx)
	if err != nil {
		return nil, "", err
	}
	active, err := p.store.ActiveProfileID(ctx)
	if err != nil {
		return nil, "", err
	}
	return profiles, active, nil
}

// Add creates a profile with empty data. The first profile becomes active.
func (p *Profiles) Add(ctx context.Context, name string) (payload.Profile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return payload.Profile{}, fmt.Errorf("%w: profile name is required", ErrInvalidInput)
	}
	var created payload.Profile
	err := p.update(ctx, func(store payload.LocalStore) error {
		profiles, err := store.Profiles(ctx)
		if err != nil {
			return err
		}
		created = payload.Profile{ID: p.newID(), Name: merge.UniqueName(name, takenNames(profiles, ""))}
		if err := store.SetProfileData(ctx, created.ID, payload.DefaultProfileData(p.now())); err != nil {
			return err
		}
		if err := store.SetProfiles(ctx, append(profiles, created)); err != nil {
			return err
		}
		if len(profiles) == 0 {
			return store.SetActiveProfileID(ctx, created.ID)
		}
		return nil
	})
	return created, err
}

func (p *Profiles) Rename(ctx context.Context, id, name string) (payload.Profile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return payload.Profile{}, fmt.Errorf("%w: profile name is required", ErrInvalidInput)
	}
	var renamed payload.Profile
	err := p.update(ctx, func(store payload.LocalStore) error {
		profiles, err := store.Profiles(ctx)
		if err != nil {
			return err
		}
		idx := indexOf(profiles, id)
		if idx < 0 {
			return fmt.Errorf("%w: profile %s", ErrNotFound, id)
		}
		profiles[idx].Name = merge.UniqueName(name, takenNames(profiles, id))
		renamed = profiles[idx]
		if err := p.touch(ctx, store, id); err != nil {
			return err
		}
		return store.SetProfiles(ctx, profiles)
	})
	return renamed, err
}

// Delete removes a profile and its data. When the active profile is removed
// the first remaining profile becomes active.
func (p *Profiles) Delete(ctx context.Context, id string) error {
	return p.update(ctx, func(store payload.LocalStore) error {
		profiles, err := store.Profiles(ctx)
		if err != nil {
			return err
		}
		idx := indexOf(profiles, id)
		if idx < 0 {
			return fmt.Errorf("%w: profile %s", ErrNotFound, id)
		}
		if len(profiles) == 1 {
			return ErrLastProfile
		}
		remaining := append(profiles[:idx:idx], profiles[idx+1:]...)
		if err := store.SetProfiles(ctx, remaining); err != nil {
			return err
		}
		if err := store.DeleteProfileData(ctx, id); err != nil {
			return err
		}
		active, err := store.ActiveProfileID(ctx)
		if err != nil {
			return err
		}
		if active == id || indexOf(remaining, active) < 0 {
			return store.SetActiveProfileID(ctx, remaining[0].ID)
		}
		return nil
	})
}

func (p *Profiles) SetActive(ctx context.Context, id string) error {
	profiles, err := p.store.Profiles(ctx)
	if err != nil {
		return err
	}
	if indexOf(profiles, id) < 0 {
		return fmt.Errorf("%w: profile %s", ErrNotFound, id)
	}
	return p.store.SetActiveProfileID(ctx, id)
}

func (p *Profiles) touch(ctx context.Context, store payload.LocalStore, id string) error {
	data, err := store.ProfileData(ctx, id)
	if err != nil {
		return err
	}
	now := p.now()
	next := payload.DefaultProfileData(now)
	if data != nil {
		next = *data
		next.LastModified = payload.FormatTime(now)
	}
	return store.SetProfileData(ctx, id, next)
}

func (p *Profiles) update(ctx context.Context, fn func(payload.LocalStore) error) error {
	if updater, ok := p.store.(payload.Updater); ok {
		return updater.Update(ctx, fn)
	}
	return fn(p.store)
}

func takenNames(profiles []payload.Profile, except string) map[string]struct{} {
	taken := make(map[string]struct{}, len(profiles))
	for _, profile := range profiles {
		if profile.ID == except {
			continue
		}
		taken[strings.TrimSpace(profile.Name)] = struct{}{}
	}
	return taken
}

func indexOf(profiles []payload.Profile, id string) int {
	for i, profile := range profiles {
		if profile.ID == id {
			return i
		}
	}
	return -1
}
