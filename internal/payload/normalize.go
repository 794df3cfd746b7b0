package payload

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Normalize turns any value claiming to be a payload into a well-formed
// CloudPayload of the current version. It accepts nil, decoded JSON values,
// raw JSON bytes, and CloudPayload values, and never fails: anything it cannot
// read contributes nothing.
func Normalize(v any) CloudPayload {
	return normalizeGeneric(toGeneric(v))
}

func Empty() CloudPayload {
	return CloudPayload{Version: CurrentVersion, Profiles: []CloudProfileItem{}}
}

func toGeneric(v any) any {
	switch typed := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return typed
	case json.RawMessage:
		return decodeGeneric(typed)
	case []byte:
		return decodeGeneric(typed)
	case *CloudPayload:
		if typed == nil {
			return nil
		}
		return toGeneric(*typed)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return decodeGeneric(raw)
}

func decodeGeneric(raw []byte) any {
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func normalizeGeneric(v any) CloudPayload {
	out := Empty()
	obj, ok := v.(map[string]any)
	if !ok {
		return out
	}
	out.UpdatedAt = stringField(obj, "updatedAt")
	if active := idField(obj, "activeProfileId"); active != "" {
		out.ActiveProfileID = StringPtr(active)
	}
	items, _ := obj["profiles"].([]any)
	seen := make(map[string]struct{}, len(items))
	for _, raw := range items {
		item, ok := normalizeItem(raw)
		if !ok {
			continue
		}
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}
		out.Profiles = append(out.Profiles, item)
	}
	return out
}

func normalizeItem(v any) (CloudProfileItem, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return CloudProfileItem{}, false
	}
	id := idField(obj, "id")
	if id == "" {
		return CloudProfileItem{}, false
	}
	export, _ := obj["export"].(map[string]any)
	meta, _ := export["meta"].(map[string]any)
	data := normalizeData(export["data"])

	name := stringField(obj, "name")
	if name == "" {
		name = stringField(meta, "profileName")
	}
	if name == "" {
		name = id
	}
	item := CloudProfileItem{
		ID:   id,
		Name: name,
		Export: ProfileExport{
			Meta: ExportMeta{
				Version:     intField(meta, "version", CurrentVersion),
				ProfileName: stringField(meta, "profileName"),
				ExportDate:  stringField(meta, "exportDate"),
			},
			Data: data,
		},
	}
	if item.Export.Meta.ProfileName == "" {
		item.Export.Meta.ProfileName = name
	}
	lastModified := stringField(obj, "lastModified")
	if lastModified == "" {
		lastModified = data.LastModified
	}
	if lastModified != "" {
		item.LastModified = StringPtr(lastModified)
	}
	return item, true
}

func normalizeData(v any) ProfileData {
	obj, _ := v.(map[string]any)
	data := ProfileData{
		Semesters:    []json.RawMessage{},
		LastModified: stringField(obj, "lastModified"),
	}
	if semesters, ok := obj["semesters"].([]any); ok {
		for _, semester := range semesters {
			raw, err := json.Marshal(semester)
			if err != nil {
				continue
			}
			data.Semesters = append(data.Semesters, raw)
		}
	}
	if settings, ok := obj["settings"].(map[string]any); ok {
		data.Settings = settings
	} else {
		data.Settings = DefaultSettings()
	}
	return data
}

func stringField(obj map[string]any, key string) string {
	if obj == nil {
		return ""
	}
	value, _ := obj[key].(string)
	return strings.TrimSpace(value)
}

// idField also accepts numeric ids, which older exports wrote.
func idField(obj map[string]any, key string) string {
	switch value := obj[key].(type) {
	case string:
		return strings.TrimSpace(value)
	case float64:
		if value == math.Trunc(value) && !math.IsInf(value, 0) {
			return strconv.FormatInt(int64(value), 10)
		}
	case json.Number:
		return value.String()
	}
	return ""
}

func intField(obj map[string]any, key string, fallback int) int {
	if obj == nil {
		return fallback
	}
	switch value := obj[key].(type) {
	case float64:
		if value >= 1 && value == math.Trunc(value) && value < math.MaxInt32 {
			return int(value)
		}
	case json.Number:
		if n, err := value.Int64(); err == nil && n >= 1 && n < math.MaxInt32 {
			return int(n)
		}
	}
	return fallback
}
