package profilesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/profilesync/internal/cloud"
	"github.com/agentworkforce/profilesync/internal/payload"
)

type fakeTimer struct {
	at      time.Duration
	fn      func()
	stopped bool
	fired   bool
}

// fakeTimers is a manual clock for the debouncer.
type fakeTimers struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

func (f *fakeTimers) AfterFunc(d time.Duration, fn func()) func() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	timer := &fakeTimer{at: f.now + d, fn: fn}
	f.timers = append(f.timers, timer)
	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if timer.stopped || timer.fired {
			return false
		}
		timer.stopped = true
		return true
	}
}

func (f *fakeTimers) Advance(d time.Duration) {
	f.mu.Lock()
	f.now += d
	var due []*fakeTimer
	for _, timer := range f.timers {
		if !timer.stopped && !timer.fired && timer.at <= f.now {
			timer.fired = true
			due = append(due, timer)
		}
	}
	f.mu.Unlock()
	for _, timer := range due {
		timer.fn()
	}
}

func (f *fakeTimers) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, timer := range f.timers {
		if !timer.stopped && !timer.fired {
			n++
		}
	}
	return n
}

// fakeCloud stores one record per uid and delivers every save to
// subscribers, including the saver's own writes.
type fakeCloud struct {
	echo *cloud.EchoSuppressor

	mu             sync.Mutex
	records        map[string]payload.CloudRecord
	saves          []payload.CloudPayload
	loads          int
	loadErr        error
	saveErr        error
	subscribeErr   error
	callbacks      []func(payload.Record)
	live           map[int]string
	subscribeCalls int
	disposeCalls   int
	seq            int
}

func newFakeCloud(clientID string) *fakeCloud {
	return &fakeCloud{
		echo:    cloud.NewEchoSuppressor(clientID),
		records: map[string]payload.CloudRecord{},
		live:    map[int]string{},
	}
}

func (f *fakeCloud) Echo() *cloud.EchoSuppressor {
	return f.echo
}

func (f *fakeCloud) LoadOnce(ctx context.Context, identity cloud.Identity) (*payload.CloudPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	rec, ok := f.records[identity.UID]
	if !ok {
		return nil, nil
	}
	p := rec.Payload
	return &p, nil
}

func (f *fakeCloud) Save(ctx context.Context, identity cloud.Identity, p payload.CloudPayload) error {
	f.mu.Lock()
	if f.saveErr != nil {
		err := f.saveErr
		f.mu.Unlock()
		return err
	}
	f.seq++
	writeID := fmt.Sprintf("local-%d", f.seq)
	f.echo.RecordWrite(writeID)
	rec := payload.NewRecord(p, writeID, f.echo.ClientID(), time.Now())
	f.records[identity.UID] = rec
	f.saves = append(f.saves, p)
	f.mu.Unlock()

	f.deliver(identity.UID, decoded(rec))
	return nil
}

func (f *fakeCloud) Subscribe(ctx context.Context, identity cloud.Identity, onChange func(payload.Record)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.subscribeCalls++
	index := len(f.callbacks)
	f.callbacks = append(f.callbacks, onChange)
	f.live[index] = identity.UID
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.disposeCalls++
			delete(f.live, index)
		})
	}, nil
}

// remoteWrite simulates another device saving p.
func (f *fakeCloud) remoteWrite(uid string, p payload.CloudPayload) {
	f.mu.Lock()
	f.seq++
	rec := payload.NewRecord(p, fmt.Sprintf("remote-%d", f.seq), "other-device", time.Now())
	f.records[uid] = rec
	f.mu.Unlock()
	f.deliver(uid, decoded(rec))
}

// storeQuietly changes the cloud document without notifying anyone.
func (f *fakeCloud) storeQuietly(uid string, p payload.CloudPayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.records[uid] = payload.NewRecord(p, fmt.Sprintf("remote-%d", f.seq), "other-device", time.Now())
}

func (f *fakeCloud) deliver(uid string, rec payload.Record) {
	f.mu.Lock()
	var targets []func(payload.Record)
	for index, liveUID := range f.live {
		if liveUID == uid {
			targets = append(targets, f.callbacks[index])
		}
	}
	f.mu.Unlock()
	for _, cb := range targets {
		cb(rec)
	}
}

func (f *fakeCloud) callback(index int) func(payload.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callbacks[index]
}

func (f *fakeCloud) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func (f *fakeCloud) lastSave() payload.CloudPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves[len(f.saves)-1]
}

func (f *fakeCloud) counts() (subscribes, disposes, live int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribeCalls, f.disposeCalls, len(f.live)
}

func (f *fakeCloud) setErrors(load, save error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadErr = load
	f.saveErr = save
}

func decoded(rec payload.CloudRecord) payload.Record {
	return payload.Record{
		Kind:           payload.KindCurrent,
		Version:        rec.Version,
		UpdatedAt:      rec.UpdatedAt,
		WriteID:        rec.WriteID,
		OriginClientID: rec.OriginClientID,
		Payload:        rec.Payload,
	}
}

// failingStore rejects profile list writes. It embeds the interface so the
// wrapped store's Update is hidden.
type failingStore struct {
	payload.LocalStore
}

var errDiskFull = errors.New("disk full")

func (s failingStore) SetProfiles(ctx context.Context, profiles []payload.Profile) error {
	return errDiskFull
}

type statusRecorder struct {
	mu   sync.Mutex
	seen []Status
}

func (r *statusRecorder) SetStatus(status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, status)
}

func (r *statusRecorder) all() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.seen...)
}
