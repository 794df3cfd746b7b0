package payload

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// CurrentVersion is the schema version stamped on every payload and record
// this module writes. Version 1 documents predate echo suppression.
const CurrentVersion = 2

// DefaultActiveProfileID is used when a payload resolves to no profiles at all.
const DefaultActiveProfileID = "default"

var ErrInvalidInput = errors.New("invalid input")

type Profile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ProfileData struct {
	Semesters    []json.RawMessage `json:"semesters"`
	Settings     map[string]any    `json:"settings"`
	LastModified string            `json:"lastModified"`
}

type ExportMeta struct {
	Version     int    `json:"version"`
	ProfileName string `json:"profileName"`
	ExportDate  string `json:"exportDate"`
}

type ProfileExport struct {
	Meta ExportMeta  `json:"meta"`
	Data ProfileData `json:"data"`
}

type CloudProfileItem struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	LastModified *string       `json:"lastModified"`
	Export       ProfileExport `json:"export"`
}

type CloudPayload struct {
	Version         int                `json:"version"`
	UpdatedAt       string             `json:"updatedAt"`
	ActiveProfileID *string            `json:"activeProfileId"`
	Profiles        []CloudProfileItem `json:"profiles"`
}

// CloudRecord is the document stored at a user's cloud path.
type CloudRecord struct {
	Version        int          `json:"version"`
	UpdatedAt      string       `json:"updatedAt"`
	WriteID        string       `json:"writeId"`
	OriginClientID string       `json:"originClientId"`
	Payload        CloudPayload `json:"payload"`
}

// LocalStore is the device-local key-value view of profiles.
type LocalStore interface {
	Profiles(ctx context.Context) ([]Profile, error)
	ActiveProfileID(ctx context.Context) (string, error)
	ProfileData(ctx context.Context, id string) (*ProfileData, error)
	SetProfileData(ctx context.Context, id string, data ProfileData) error
	DeleteProfileData(ctx context.Context, id string) error
	SetProfiles(ctx context.Context, profiles []Profile) error
	SetActiveProfileID(ctx context.Context, id string) error
}

// Updater is implemented by stores that can apply several writes as one unit.
type Updater interface {
	Update(ctx context.Context, fn func(LocalStore) error) error
}

func (p CloudPayload) ActiveID() string {
	if p.ActiveProfileID == nil {
		return ""
	}
	return *p.ActiveProfileID
}

func (p CloudPayload) Find(id string) (CloudProfileItem, bool) {
	for _, item := range p.Profiles {
		if item.ID == id {
			return item, true
		}
	}
	return CloudProfileItem{}, false
}

func DefaultSettings() map[string]any {
	return map[string]any{
		"theme":        "system",
		"weekStart":    "monday",
		"showWeekends": false,
	}
}

func DefaultProfileData(now time.Time) ProfileData {
	return ProfileData{
		Semesters:    []json.RawMessage{},
		Settings:     DefaultSettings(),
		LastModified: FormatTime(now),
	}
}

// FormatTime renders t the way every timestamp in a payload is written:
// UTC with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func ParseTime(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func StringPtr(value string) *string {
	return &value
}
