package merge

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/profilesync/internal/payload"
)

// Merge reconciles a local payload with the cloud payload. cloud may be nil
// when nothing has been stored yet.
//
// Profiles are matched by id. For a profile known to both sides the version
// with the later lastModified survives whole; local wins ties, and a missing
// timestamp is older than any present one. Profiles only the cloud knows are
// appended. Names are kept unique by suffixing " (2)", " (3)", ...
func Merge(local payload.CloudPayload, cloud *payload.CloudPayload, now time.Time) payload.CloudPayload {
	local = payload.Normalize(local)
	var remote payload.CloudPayload
	if cloud != nil {
		remote = payload.Normalize(*cloud)
	} else {
		remote = payload.Empty()
	}

	set := newWorkingSet(len(local.Profiles) + len(remote.Profiles))
	for _, item := range local.Profiles {
		item.Name = set.reserve(item.Name)
		set.put(item)
	}

	for _, incoming := range remote.Profiles {
		existing, known := set.get(incoming.ID)
		if !known {
			incoming.Name = set.reserve(incoming.Name)
			set.put(incoming)
			continue
		}
		chosen := existing
		if cloudIsNewer(existing.LastModified, incoming.LastModified) {
			chosen = incoming
		}
		chosen.Name = set.rename(existing.Name, chosen.Name)
		set.put(chosen)
	}

	merged := payload.CloudPayload{
		Version:   payload.CurrentVersion,
		UpdatedAt: payload.FormatTime(now),
		Profiles:  set.items(),
	}
	for i := range merged.Profiles {
		merged.Profiles[i].Export.Meta.ProfileName = merged.Profiles[i].Name
	}
	merged.ActiveProfileID = payload.StringPtr(resolveActive(merged, local.ActiveID(), remote.ActiveID()))
	return merged
}

func resolveActive(merged payload.CloudPayload, localActive, cloudActive string) string {
	for _, candidate := range []string{localActive, cloudActive} {
		if candidate == "" {
			continue
		}
		if _, ok := merged.Find(candidate); ok {
			return candidate
		}
	}
	if len(merged.Profiles) > 0 {
		return merged.Profiles[0].ID
	}
	return payload.DefaultActiveProfileID
}

func cloudIsNewer(localStamp, cloudStamp *string) bool {
	cloudTime, cloudOK := parseStamp(cloudStamp)
	if !cloudOK {
		return false
	}
	localTime, localOK := parseStamp(localStamp)
	if !localOK {
		return true
	}
	return cloudTime.After(localTime)
}

func parseStamp(stamp *string) (time.Time, bool) {
	if stamp == nil {
		return time.Time{}, false
	}
	return payload.ParseTime(*stamp)
}

// UniqueName returns the trimmed base name, or the first "base (n)" for n >= 2
// that is not in taken.
func UniqueName(base string, taken map[string]struct{}) string {
	base = strings.TrimSpace(base)
	if _, clash := taken[base]; !clash {
		return base
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)", base, n)
		if _, clash := taken[candidate]; !clash {
			return candidate
		}
	}
}

type workingSet struct {
	order []string
	byID  map[string]payload.CloudProfileItem
	taken map[string]struct{}
}

func newWorkingSet(capacity int) *workingSet {
	return &workingSet{
		order: make([]string, 0, capacity),
		byID:  make(map[string]payload.CloudProfileItem, capacity),
		taken: make(map[string]struct{}, capacity),
	}
}

func (s *workingSet) get(id string) (payload.CloudProfileItem, bool) {
	item, ok := s.byID[id]
	return item, ok
}

func (s *workingSet) put(item payload.CloudProfileItem) {
	if _, ok := s.byID[item.ID]; !ok {
		s.order = append(s.order, item.ID)
	}
	s.byID[item.ID] = item
}

func (s *workingSet) reserve(name string) string {
	unique := UniqueName(name, s.taken)
	s.taken[unique] = struct{}{}
	return unique
}

// rename moves a reservation from current to wanted. Keeping the current name
// never collides.
func (s *workingSet) rename(current, wanted string) string {
	current = strings.TrimSpace(current)
	wanted = strings.TrimSpace(wanted)
	if wanted == current {
		return current
	}
	delete(s.taken, current)
	unique := UniqueName(wanted, s.taken)
	s.taken[unique] = struct{}{}
	return unique
}

func (s *workingSet) items() []payload.CloudProfileItem {
	out := make([]payload.CloudProfileItem, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}
