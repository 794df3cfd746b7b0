package cloud

import (
	"crypto/rand"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentworkforce/profilesync/internal/fsutil"
)

func NewClientID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// LoadOrCreateClientID returns the device client id stored at path, creating
// and persisting one on first use.
func LoadOrCreateClientID(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	id := NewClientID()
	if err := fsutil.WriteFileAtomic(path, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	return id, nil
}
