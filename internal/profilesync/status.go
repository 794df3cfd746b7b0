package profilesync

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"

	"github.com/agentworkforce/profilesync/internal/fsutil"
)

type Status string

const (
	StatusNotConnected Status = "Not connected"
	StatusSyncing      Status = "Syncing…"
	StatusSynced       Status = "Synced"
	StatusError        Status = "Not synced (error)"
	StatusSignInFailed Status = "Sign-in failed"
)

func SyncedAs(email string) Status {
	email = strings.TrimSpace(email)
	if email == "" {
		return StatusSynced
	}
	return Status("Synced (" + email + ")")
}

type StatusSink interface {
	SetStatus(status Status)
}

type StatusFunc func(status Status)

func (f StatusFunc) SetStatus(status Status) {
	f(status)
}

type LogStatus struct {
	Logger Logger
}

func (s LogStatus) SetStatus(status Status) {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("profilesync: status %s", status)
}

type MultiStatus []StatusSink

func (m MultiStatus) SetStatus(status Status) {
	for _, sink := range m {
		if sink != nil {
			sink.SetStatus(status)
		}
	}
}

type StatusReport struct {
	Status    Status `json:"status"`
	UpdatedAt string `json:"updatedAt"`
	PID       int    `json:"pid"`
}

// StatusFile publishes the latest status to a file that `profilesync status`
// reads from another process.
type StatusFile struct {
	path   string
	logger Logger
	now    func() time.Time
}

func NewStatusFile(path string, logger Logger) *StatusFile {
	if logger == nil {
		logger = log.Default()
	}
	return &StatusFile{path: path, logger: logger, now: time.Now}
}

func (f *StatusFile) SetStatus(status Status) {
	data, err := json.Marshal(StatusReport{
		Status:    status,
		UpdatedAt: f.now().UTC().Format(time.RFC3339),
		PID:       os.Getpid(),
	})
	if err != nil {
		f.logger.Printf("profilesync: encode status: %v", err)
		return
	}
	if err := fsutil.WriteFileAtomic(f.path, append(data, '\n'), 0o644); err != nil {
		f.logger.Printf("profilesync: write status file %s: %v", f.path, err)
	}
}

func ReadStatusFile(path string) (StatusReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return StatusReport{}, err
	}
	var report StatusReport
	if err := json.Unmarshal(data, &report); err != nil {
		return StatusReport{}, err
	}
	return report, nil
}
