package payload_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/profilesync/internal/localstore"
	"github.com/agentworkforce/profilesync/internal/payload"
)

var codecNow = time.Date(2024, 9, 1, 12, 30, 0, 0, time.UTC)

func TestBuildFillsDefaultsForMissingData(t *testing.T) {
	ctx := context.Background()
	store := localstore.NewMemoryStore()
	require.NoError(t, store.SetProfiles(ctx, []payload.Profile{{ID: "a", Name: "Default"}, {ID: "b", Name: "Work"}}))
	require.NoError(t, store.SetActiveProfileID(ctx, "b"))
	require.NoError(t, store.SetProfileData(ctx, "b", payload.ProfileData{
		Semesters:    []json.RawMessage{json.RawMessage(`{"name":"Spring"}`)},
		Settings:     map[string]any{"theme": "dark"},
		LastModified: "2024-08-01T00:00:00.000Z",
	}))

	p, err := payload.Build(ctx, store, codecNow)
	require.NoError(t, err)

	assert.Equal(t, payload.CurrentVersion, p.Version)
	assert.Equal(t, "2024-09-01T12:30:00.000Z", p.UpdatedAt)
	assert.Equal(t, "b", p.ActiveID())
	require.Len(t, p.Profiles, 2)

	a := p.Profiles[0]
	assert.Equal(t, "a", a.ID)
	require.NotNil(t, a.LastModified)
	assert.Equal(t, "2024-09-01T12:30:00.000Z", *a.LastModified)
	assert.Empty(t, a.Export.Data.Semesters)
	assert.Equal(t, payload.DefaultSettings(), a.Export.Data.Settings)
	assert.Equal(t, "Default", a.Export.Meta.ProfileName)
	assert.Equal(t, "2024-09-01T12:30:00.000Z", a.Export.Meta.ExportDate)

	b := p.Profiles[1]
	require.NotNil(t, b.LastModified)
	assert.Equal(t, "2024-08-01T00:00:00.000Z", *b.LastModified)
	assert.Equal(t, "dark", b.Export.Data.Settings["theme"])
}

func TestBuildWithoutActiveProfile(t *testing.T) {
	p, err := payload.Build(context.Background(), localstore.NewMemoryStore(), codecNow)
	require.NoError(t, err)
	assert.Nil(t, p.ActiveProfileID)
	assert.Empty(t, p.Profiles)
}

func TestBuildThenWriteRoundTrips(t *testing.T) {
	ctx := context.Background()
	source := localstore.NewMemoryStore()
	require.NoError(t, source.SetProfiles(ctx, []payload.Profile{{ID: "a", Name: "Default"}}))
	require.NoError(t, source.SetActiveProfileID(ctx, "a"))

	built, err := payload.Build(ctx, source, codecNow)
	require.NoError(t, err)

	target := localstore.NewMemoryStore()
	require.NoError(t, payload.Write(ctx, target, built))
	rebuilt, err := payload.Build(ctx, target, codecNow)
	require.NoError(t, err)
	assert.Equal(t, payload.Hash(built), payload.Hash(rebuilt))
}

func TestHashIsOrderIndependent(t *testing.T) {
	first := payload.Empty()
	first.ActiveProfileID = payload.StringPtr("a")
	first.Profiles = []payload.CloudProfileItem{
		{ID: "a", Name: "Default", LastModified: payload.StringPtr("2024-01-01T00:00:00Z")},
		{ID: "b", Name: "Work"},
	}
	second := first
	second.UpdatedAt = "2030-01-01T00:00:00Z"
	second.Profiles = []payload.CloudProfileItem{first.Profiles[1], first.Profiles[0]}
	assert.Equal(t, payload.Hash(first), payload.Hash(second))

	renamed := first
	renamed.Profiles = []payload.CloudProfileItem{first.Profiles[0], {ID: "b", Name: "Home"}}
	assert.NotEqual(t, payload.Hash(first), payload.Hash(renamed))

	noActive := first
	noActive.ActiveProfileID = nil
	assert.NotEqual(t, payload.Hash(first), payload.Hash(noActive))

	emptyActive := first
	emptyActive.ActiveProfileID = payload.StringPtr("")
	assert.NotEqual(t, payload.Hash(noActive), payload.Hash(emptyActive))
}

func TestNilStoreIsInvalid(t *testing.T) {
	_, err := payload.Build(context.Background(), nil, codecNow)
	assert.True(t, errors.Is(err, payload.ErrInvalidInput))
	assert.ErrorIs(t, payload.Write(context.Background(), nil, payload.Empty()), payload.ErrInvalidInput)
}

func TestHashSeparatesFieldValues(t *testing.T) {
	first := payload.Empty()
	first.Profiles = []payload.CloudProfileItem{{ID: "a", Name: "x|b"}}
	second := payload.Empty()
	second.Profiles = []payload.CloudProfileItem{{ID: "a|x", Name: "b"}}
	assert.NotEqual(t, payload.Hash(first), payload.Hash(second))

	joined := payload.Empty()
	joined.Profiles = []payload.CloudProfileItem{{ID: "a", Name: "Default|\nb|Work"}}
	split := payload.Empty()
	split.Profiles = []payload.CloudProfileItem{{ID: "a", Name: "Default"}, {ID: "b", Name: "Work"}}
	assert.NotEqual(t, payload.Hash(joined), payload.Hash(split))
}
