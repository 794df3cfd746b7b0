package payload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Build reads the whole local profile set into a payload stamped with now.
func Build(ctx context.Context, store LocalStore, now time.Time) (CloudPayload, error) {
	if store == nil {
		return CloudPayload{}, fmt.Errorf("%w: local store is required", ErrInvalidInput)
	}
	profiles, err := store.Profiles(ctx)
	if err != nil {
		return CloudPayload{}, fmt.Errorf("read profiles: %w", err)
	}
	activeID, err := store.ActiveProfileID(ctx)
	if err != nil {
		return CloudPayload{}, fmt.Errorf("read active profile: %w", err)
	}
	stamp := FormatTime(now)
	out := CloudPayload{
		Version:   CurrentVersion,
		UpdatedAt: stamp,
		Profiles:  make([]CloudProfileItem, 0, len(profiles)),
	}
	if activeID != "" {
		out.ActiveProfileID = StringPtr(activeID)
	}
	for _, profile := range profiles {
		stored, err := store.ProfileData(ctx, profile.ID)
		if err != nil {
			return CloudPayload{}, fmt.Errorf("read profile data %s: %w", profile.ID, err)
		}
		data := DefaultProfileData(now)
		if stored != nil {
			data = cloneData(*stored)
		}
		if data.Semesters == nil {
			data.Semesters = []json.RawMessage{}
		}
		if data.Settings == nil {
			data.Settings = DefaultSettings()
		}
		item := CloudProfileItem{
			ID:   profile.ID,
			Name: profile.Name,
			Export: ProfileExport{
				Meta: ExportMeta{
					Version:     CurrentVersion,
					ProfileName: profile.Name,
					ExportDate:  stamp,
				},
				Data: data,
			},
		}
		if data.LastModified != "" {
			item.LastModified = StringPtr(data.LastModified)
		}
		out.Profiles = append(out.Profiles, item)
	}
	return out, nil
}

// Write replaces the local profile set with p. Data of profiles absent from p
// is removed. When p's active id does not resolve the first profile becomes
// active.
func Write(ctx context.Context, store LocalStore, p CloudPayload) error {
	if store == nil {
		return fmt.Errorf("%w: local store is required", ErrInvalidInput)
	}
	if updater, ok := store.(Updater); ok {
		return updater.Update(ctx, func(tx LocalStore) error {
			return write(ctx, tx, p)
		})
	}
	return write(ctx, store, p)
}

func write(ctx context.Context, store LocalStore, p CloudPayload) error {
	previous, err := store.Profiles(ctx)
	if err != nil {
		return fmt.Errorf("read profiles: %w", err)
	}
	keep := make(map[string]struct{}, len(p.Profiles))
	profiles := make([]Profile, 0, len(p.Profiles))
	for _, item := range p.Profiles {
		keep[item.ID] = struct{}{}
		profiles = append(profiles, Profile{ID: item.ID, Name: item.Name})
		if err := store.SetProfileData(ctx, item.ID, cloneData(item.Export.Data)); err != nil {
			return fmt.Errorf("write profile data %s: %w", item.ID, err)
		}
	}
	for _, old := range previous {
		if _, ok := keep[old.ID]; ok {
			continue
		}
		if err := store.DeleteProfileData(ctx, old.ID); err != nil {
			return fmt.Errorf("delete profile data %s: %w", old.ID, err)
		}
	}
	if err := store.SetProfiles(ctx, profiles); err != nil {
		return fmt.Errorf("write profiles: %w", err)
	}
	activeID := p.ActiveID()
	if _, ok := keep[activeID]; !ok {
		activeID = ""
		if len(profiles) > 0 {
			activeID = profiles[0].ID
		}
	}
	if err := store.SetActiveProfileID(ctx, activeID); err != nil {
		return fmt.Errorf("write active profile: %w", err)
	}
	return nil
}

// Hash digests the parts of p that decide whether local storage must be
// rewritten: version, active id, and the (id, name, lastModified) tuple of
// every profile in sorted order. Tuples are JSON encoded so no field value
// can run into its neighbour.
func Hash(p CloudPayload) string {
	lines := make([]string, 0, len(p.Profiles))
	for _, item := range p.Profiles {
		tuple, _ := json.Marshal([]any{item.ID, item.Name, item.LastModified})
		lines = append(lines, string(tuple))
	}
	sort.Strings(lines)

	active, _ := json.Marshal(p.ActiveProfileID)
	var b strings.Builder
	fmt.Fprintf(&b, "v%d\n", p.Version)
	b.WriteString("active=")
	b.Write(active)
	b.WriteByte('\n')
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func NewRecord(p CloudPayload, writeID, originClientID string, now time.Time) CloudRecord {
	return CloudRecord{
		Version:        CurrentVersion,
		UpdatedAt:      FormatTime(now),
		WriteID:        writeID,
		OriginClientID: originClientID,
		Payload:        p,
	}
}

func cloneData(data ProfileData) ProfileData {
	out := ProfileData{LastModified: data.LastModified}
	if data.Semesters != nil {
		out.Semesters = make([]json.RawMessage, len(data.Semesters))
		for i, semester := range data.Semesters {
			out.Semesters[i] = append(json.RawMessage(nil), semester...)
		}
	}
	if data.Settings != nil {
		out.Settings = make(map[string]any, len(data.Settings))
		for key, value := range data.Settings {
			out.Settings[key] = value
		}
	}
	return out
}
