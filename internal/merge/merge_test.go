package merge

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/profilesync/internal/payload"
)

var mergeNow = time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)

func item(id, name string, lastModified *string, marker string) payload.CloudProfileItem {
	data := payload.ProfileData{
		Semesters:    []json.RawMessage{json.RawMessage(`{"marker":"` + marker + `"}`)},
		Settings:     map[string]any{"theme": "dark"},
		LastModified: "",
	}
	if lastModified != nil {
		data.LastModified = *lastModified
	}
	return payload.CloudProfileItem{
		ID:           id,
		Name:         name,
		LastModified: lastModified,
		Export: payload.ProfileExport{
			Meta: payload.ExportMeta{Version: payload.CurrentVersion, ProfileName: name},
			Data: data,
		},
	}
}

func ts(v string) *string { return &v }

func build(active string, items ...payload.CloudProfileItem) payload.CloudPayload {
	p := payload.Empty()
	if active != "" {
		p.ActiveProfileID = payload.StringPtr(active)
	}
	p.Profiles = append(p.Profiles, items...)
	return p
}

func marker(t *testing.T, it payload.CloudProfileItem) string {
	t.Helper()
	require.Len(t, it.Export.Data.Semesters, 1)
	var semester struct {
		Marker string `json:"marker"`
	}
	require.NoError(t, json.Unmarshal(it.Export.Data.Semesters[0], &semester))
	return semester.Marker
}

func names(p payload.CloudPayload) map[string]string {
	out := map[string]string{}
	for _, it := range p.Profiles {
		out[it.ID] = it.Name
	}
	return out
}

func TestMergeNewProfileFromCloud(t *testing.T) {
	local := build("a", item("a", "Default", ts("2024-01-01T00:00:00Z"), "x"))
	cloud := build("b", item("b", "Work", ts("2024-01-02T00:00:00Z"), "y"))

	merged := Merge(local, &cloud, mergeNow)

	assert.Equal(t, map[string]string{"a": "Default", "b": "Work"}, names(merged))
	assert.Equal(t, "a", merged.ActiveID())
	assert.Equal(t, payload.CurrentVersion, merged.Version)
	assert.Equal(t, payload.FormatTime(mergeNow), merged.UpdatedAt)
	assert.Equal(t, "a", merged.Profiles[0].ID)
	assert.Equal(t, "b", merged.Profiles[1].ID)
}

func TestMergeNameCollisionSuffixes(t *testing.T) {
	local := build("a", item("a", "Default", ts("2024-01-01T00:00:00Z"), "x"))
	cloud := build("c", item("c", "Default", ts("2024-01-05T00:00:00Z"), "y"))

	merged := Merge(local, &cloud, mergeNow)

	assert.Equal(t, map[string]string{"a": "Default", "c": "Default (2)"}, names(merged))
	c, ok := merged.Find("c")
	require.True(t, ok)
	assert.Equal(t, "Default (2)", c.Export.Meta.ProfileName)
}

func TestMergeSuffixCounts(t *testing.T) {
	local := build("a",
		item("a", "Default", nil, "1"),
		item("b", "Default (2)", nil, "2"),
	)
	cloud := build("",
		item("c", " Default ", nil, "3"),
		item("d", "Default", nil, "4"),
	)

	merged := Merge(local, &cloud, mergeNow)

	assert.Equal(t, map[string]string{
		"a": "Default",
		"b": "Default (2)",
		"c": "Default (3)",
		"d": "Default (4)",
	}, names(merged))
}

func TestMergeStaleCloudOverwritten(t *testing.T) {
	local := build("a", item("a", "Default", ts("2024-03-01T00:00:00Z"), "X"))
	cloud := build("a", item("a", "Default", ts("2024-02-01T00:00:00Z"), "Y"))

	merged := Merge(local, &cloud, mergeNow)

	require.Len(t, merged.Profiles, 1)
	assert.Equal(t, "X", marker(t, merged.Profiles[0]))
	assert.Equal(t, "2024-03-01T00:00:00Z", *merged.Profiles[0].LastModified)
}

func TestMergeNewerCloudWinsWholeProfile(t *testing.T) {
	local := build("a", item("a", "Default", ts("2024-02-01T00:00:00Z"), "X"))
	newer := item("a", "Renamed", ts("2024-03-01T00:00:00Z"), "Y")
	newer.Export.Data.Settings = map[string]any{"theme": "light"}
	cloud := build("a", newer)

	merged := Merge(local, &cloud, mergeNow)

	require.Len(t, merged.Profiles, 1)
	got := merged.Profiles[0]
	assert.Equal(t, "Y", marker(t, got))
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, "Renamed", got.Export.Meta.ProfileName)
	assert.Equal(t, map[string]any{"theme": "light"}, got.Export.Data.Settings)
}

func TestMergeTieKeepsLocal(t *testing.T) {
	local := build("a", item("a", "Local", ts("2024-02-01T00:00:00Z"), "X"))
	cloud := build("a", item("a", "Cloud", ts("2024-02-01T00:00:00.000Z"), "Y"))

	merged := Merge(local, &cloud, mergeNow)

	assert.Equal(t, "X", marker(t, merged.Profiles[0]))
	assert.Equal(t, "Local", merged.Profiles[0].Name)
}

func TestMergeMissingTimestampIsOldest(t *testing.T) {
	local := build("a", item("a", "Default", nil, "X"))
	cloud := build("a", item("a", "Default", ts("2024-01-01T00:00:00Z"), "Y"))

	merged := Merge(local, &cloud, mergeNow)
	assert.Equal(t, "Y", marker(t, merged.Profiles[0]))

	reversed := Merge(cloud, &local, mergeNow)
	assert.Equal(t, "Y", marker(t, reversed.Profiles[0]))

	bothMissing := build("a", item("a", "Default", nil, "Z"))
	tie := Merge(local, &bothMissing, mergeNow)
	assert.Equal(t, "X", marker(t, tie.Profiles[0]))
}

func TestMergeChosenNameCollidesWithOtherProfile(t *testing.T) {
	local := build("a",
		item("a", "School", ts("2024-01-01T00:00:00Z"), "1"),
		item("b", "Work", ts("2024-01-01T00:00:00Z"), "2"),
	)
	cloud := build("", item("a", "Work", ts("2024-02-01T00:00:00Z"), "3"))

	merged := Merge(local, &cloud, mergeNow)

	assert.Equal(t, map[string]string{"a": "Work (2)", "b": "Work"}, names(merged))
}

func TestMergeCloudNil(t *testing.T) {
	local := build("a", item("a", "Default", ts("2024-01-01T00:00:00Z"), "x"))

	merged := Merge(local, nil, mergeNow)

	assert.Equal(t, payload.Hash(payload.Normalize(local)), payload.Hash(merged))
}

func TestMergeActiveFallbacks(t *testing.T) {
	cloud := build("b", item("b", "Work", nil, "y"))

	fromCloud := Merge(build("gone"), &cloud, mergeNow)
	assert.Equal(t, "b", fromCloud.ActiveID())

	cloudStale := build("missing", item("b", "Work", nil, "y"))
	first := Merge(build(""), &cloudStale, mergeNow)
	assert.Equal(t, "b", first.ActiveID())

	nothing := Merge(build(""), nil, mergeNow)
	assert.Equal(t, payload.DefaultActiveProfileID, nothing.ActiveID())
	assert.Empty(t, nothing.Profiles)
}

func TestMergeIsIdempotent(t *testing.T) {
	payloads := []payload.CloudPayload{
		build("a", item("a", "Default", ts("2024-01-01T00:00:00Z"), "x")),
		build("b",
			item("a", "Default", nil, "x"),
			item("b", "Work", ts("2024-01-03T00:00:00Z"), "y"),
			item("c", "Home", ts("2024-01-02T00:00:00Z"), "z"),
		),
	}
	for _, p := range payloads {
		merged := Merge(p, &p, mergeNow)
		assert.Equal(t, payload.Hash(payload.Normalize(p)), payload.Hash(merged))
	}
}

func TestMergeSelfResolvesNullActive(t *testing.T) {
	p := build("",
		item("a", "Default", nil, "x"),
		item("b", "Work", ts("2024-01-03T00:00:00Z"), "y"),
	)
	merged := Merge(p, &p, mergeNow)

	require.NotNil(t, merged.ActiveProfileID)
	assert.Equal(t, "a", *merged.ActiveProfileID)

	resolved := payload.Normalize(p)
	resolved.ActiveProfileID = payload.StringPtr("a")
	assert.Equal(t, payload.Hash(resolved), payload.Hash(merged))
	assert.NotEqual(t, payload.Hash(payload.Normalize(p)), payload.Hash(merged))
	assert.Equal(t, payload.Hash(merged), payload.Hash(Merge(merged, &merged, mergeNow)))
}

func TestMergeNamesAreUnique(t *testing.T) {
	local := build("a",
		item("a", "Default", nil, "1"),
		item("b", "Default", nil, "2"),
		item("c", "Work", ts("2024-01-01T00:00:00Z"), "3"),
	)
	cloud := build("",
		item("c", "Default", ts("2024-02-01T00:00:00Z"), "4"),
		item("d", "Work", nil, "5"),
		item("e", "Default (2)", nil, "6"),
	)

	merged := Merge(local, &cloud, mergeNow)

	seen := map[string]string{}
	for _, it := range merged.Profiles {
		name := strings.TrimSpace(it.Name)
		if other, dup := seen[name]; dup {
			t.Fatalf("profiles %s and %s share name %q", other, it.ID, name)
		}
		seen[name] = it.ID
		assert.Equal(t, it.Name, it.Export.Meta.ProfileName)
	}
	assert.Len(t, merged.Profiles, 5)
}

func TestUniqueName(t *testing.T) {
	taken := map[string]struct{}{"Default": {}, "Default (2)": {}}
	assert.Equal(t, "Default (3)", UniqueName("  Default ", taken))
	assert.Equal(t, "Work", UniqueName("Work", taken))
}
