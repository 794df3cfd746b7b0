package cloud

import (
	"sync"

	"github.com/agentworkforce/profilesync/internal/payload"
)

// EchoSuppressor recognizes change notifications caused by this device's own
// saves. Records without echo fields are always treated as remote.
type EchoSuppressor struct {
	clientID string

	mu               sync.Mutex
	lastLocalWriteID string
}

func NewEchoSuppressor(clientID string) *EchoSuppressor {
	return &EchoSuppressor{clientID: clientID}
}

func (e *EchoSuppressor) ClientID() string {
	return e.clientID
}

func (e *EchoSuppressor) RecordWrite(writeID string) {
	e.mu.Lock()
	e.lastLocalWriteID = writeID
	e.mu.Unlock()
}

func (e *EchoSuppressor) LastLocalWriteID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastLocalWriteID
}

func (e *EchoSuppressor) IsEcho(rec payload.Record) bool {
	if rec.Kind != payload.KindCurrent {
		return false
	}
	if e.clientID != "" && rec.OriginClientID == e.clientID {
		return true
	}
	last := e.LastLocalWriteID()
	return last != "" && rec.WriteID == last
}
