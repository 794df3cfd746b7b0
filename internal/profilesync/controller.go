package profilesync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/profilesync/internal/cloud"
	"github.com/agentworkforce/profilesync/internal/merge"
	"github.com/agentworkforce/profilesync/internal/payload"
)

const (
	DefaultDebounce  = 750 * time.Millisecond
	defaultOpTimeout = 30 * time.Second
)

type Logger interface {
	Printf(format string, args ...any)
}

type State int

const (
	StateSignedOut State = iota
	StateSyncing
	StateListening
)

func (s State) String() string {
	switch s {
	case StateSignedOut:
		return "signed-out"
	case StateSyncing:
		return "syncing"
	case StateListening:
		return "listening"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Options struct {
	Store  payload.LocalStore
	Client cloud.Client
	// Echo defaults to the client's own suppressor when it exposes one.
	Echo *cloud.EchoSuppressor
	// Debounce is the quiet period before an auto-sync push.
	Debounce time.Duration
	// MergeBeforePush re-reads and merges the cloud document before every
	// debounced or forced push instead of overwriting it blindly.
	MergeBeforePush bool
	// Reload runs after every local write that sync makes.
	Reload    func(ctx context.Context) error
	Status    StatusSink
	Logger    Logger
	Now       func() time.Time
	AfterFunc AfterFunc
	OpTimeout time.Duration
}

// Controller reconciles one device's local profiles with the cloud document
// of the signed-in identity.
type Controller struct {
	store           payload.LocalStore
	client          cloud.Client
	echo            *cloud.EchoSuppressor
	reload          func(ctx context.Context) error
	statusSink      StatusSink
	logger          Logger
	now             func() time.Time
	opTimeout       time.Duration
	mergeBeforePush bool
	debouncer       *Debouncer

	applyingRemote atomic.Bool

	// opMu serializes reconcile, remote apply and push. Sign-out never
	// takes it.
	opMu sync.Mutex

	mu             sync.Mutex
	state          State
	identity       *cloud.Identity
	generation     uint64
	session        *session
	needsReconcile bool
	status         Status
}

type session struct {
	generation uint64
	once       sync.Once
	dispose    func()
}

func (s *session) close() {
	s.once.Do(func() {
		if s.dispose != nil {
			s.dispose()
		}
	})
}

func New(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("local store is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("cloud client is required")
	}
	echo := opts.Echo
	if echo == nil {
		if withEcho, ok := opts.Client.(interface{ Echo() *cloud.EchoSuppressor }); ok {
			echo = withEcho.Echo()
		}
	}
	if echo == nil {
		return nil, fmt.Errorf("echo suppressor is required")
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	opTimeout := opts.OpTimeout
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Controller{
		store:           opts.Store,
		client:          opts.Client,
		echo:            echo,
		reload:          opts.Reload,
		statusSink:      opts.Status,
		logger:          logger,
		now:             now,
		opTimeout:       opTimeout,
		mergeBeforePush: opts.MergeBeforePush,
		status:          StatusNotConnected,
	}
	c.debouncer = NewDebouncer(debounce, c.scheduledPush, opts.AfterFunc)
	return c, nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) Identity() *cloud.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return nil
	}
	identity := *c.identity
	return &identity
}

// HandleAuthState is an OnAuthStateChanged callback: nil signs out, an
// identity signs in. Errors end up in the status.
func (c *Controller) HandleAuthState(ctx context.Context, identity *cloud.Identity) {
	if identity == nil {
		c.SignOut()
		return
	}
	if err := c.SignIn(ctx, *identity); err != nil {
		c.logger.Printf("profilesync: sign-in sync for %s failed: %v", identity.UID, err)
	}
}

// SignIn replaces any current session with one for identity, then merges the
// local and cloud state, pushes the result and starts listening. On failure
// the controller stays in StateSyncing and the next push retries the whole
// reconciliation.
func (c *Controller) SignIn(ctx context.Context, identity cloud.Identity) error {
	c.mu.Lock()
	previous := c.session
	c.session = nil
	c.generation++
	generation := c.generation
	c.identity = &identity
	c.state = StateSyncing
	c.needsReconcile = false
	c.mu.Unlock()

	if previous != nil {
		previous.close()
	}
	c.debouncer.Cancel()
	return c.reconcile(ctx, generation)
}

// SignInFailed reports an identity provider failure.
func (c *Controller) SignInFailed(err error) {
	c.logger.Printf("profilesync: sign-in failed: %v", err)
	c.setStatus(StatusSignInFailed)
}

// SignOut tears down the session. A pending debounced push is abandoned.
func (c *Controller) SignOut() {
	c.mu.Lock()
	previous := c.session
	c.session = nil
	c.generation++
	c.identity = nil
	c.state = StateSignedOut
	c.needsReconcile = false
	c.mu.Unlock()

	c.debouncer.Cancel()
	if previous != nil {
		previous.close()
	}
	c.setStatus(StatusNotConnected)
}

// Shutdown flushes a pending debounced push and then signs out.
func (c *Controller) Shutdown(ctx context.Context) error {
	_, err := c.debouncer.Flush(ctx)
	c.SignOut()
	return err
}

// AutoSync is called after every local mutation.
func (c *Controller) AutoSync() {
	if c.applyingRemote.Load() {
		return
	}
	if c.State() == StateSignedOut {
		return
	}
	c.debouncer.Trigger()
}

// ForceSync pushes right away, dropping any pending debounced push, and
// returns once the push has completed.
func (c *Controller) ForceSync(ctx context.Context) error {
	c.debouncer.Cancel()
	return c.push(ctx)
}

func (c *Controller) PendingSync() bool {
	return c.debouncer.Pending()
}

func (c *Controller) scheduledPush(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	err := c.push(ctx)
	if err != nil && !errors.Is(err, cloud.ErrSignedOut) {
		c.logger.Printf("profilesync: scheduled push failed: %v", err)
	}
	return err
}

func (c *Controller) reconcile(ctx context.Context, generation uint64) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	identity, ok := c.identityFor(generation)
	if !ok {
		return nil
	}
	c.setStatus(StatusSyncing)

	dispose, err := c.reconcileLocked(ctx, identity, generation)
	if err != nil {
		c.failReconcile(generation)
		return err
	}

	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		dispose()
		return nil
	}
	c.session = &session{generation: generation, dispose: dispose}
	c.state = StateListening
	c.needsReconcile = false
	c.mu.Unlock()

	c.setStatus(SyncedAs(identity.Email))
	return nil
}

func (c *Controller) reconcileLocked(ctx context.Context, identity cloud.Identity, generation uint64) (func(), error) {
	local, err := payload.Build(ctx, c.store, c.now())
	if err != nil {
		return nil, fmt.Errorf("build local payload: %w", err)
	}
	remote, err := c.client.LoadOnce(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("load cloud payload: %w", err)
	}
	merged := merge.Merge(local, remote, c.now())
	if payload.Hash(merged) != payload.Hash(local) {
		if err := c.applyLocal(ctx, merged); err != nil {
			return nil, fmt.Errorf("write merged payload: %w", err)
		}
	}
	if err := c.client.Save(ctx, identity, merged); err != nil {
		return nil, fmt.Errorf("save merged payload: %w", err)
	}
	dispose, err := c.client.Subscribe(ctx, identity, func(rec payload.Record) {
		c.onRemote(generation, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return dispose, nil
}

func (c *Controller) failReconcile(generation uint64) {
	c.mu.Lock()
	current := c.generation == generation
	if current {
		c.needsReconcile = true
	}
	c.mu.Unlock()
	if current {
		c.setStatus(StatusError)
	}
}

func (c *Controller) push(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	generation := c.generation
	needsReconcile := c.needsReconcile
	c.mu.Unlock()

	if state == StateSignedOut {
		return cloud.ErrSignedOut
	}
	if needsReconcile {
		return c.reconcile(ctx, generation)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	identity, ok := c.identityFor(generation)
	if !ok {
		return nil
	}
	c.setStatus(StatusSyncing)
	if err := c.pushLocked(ctx, identity); err != nil {
		if c.isCurrent(generation) {
			c.setStatus(StatusError)
		}
		return err
	}
	if c.isCurrent(generation) {
		c.setStatus(SyncedAs(identity.Email))
	}
	return nil
}

func (c *Controller) pushLocked(ctx context.Context, identity cloud.Identity) error {
	local, err := payload.Build(ctx, c.store, c.now())
	if err != nil {
		return fmt.Errorf("build local payload: %w", err)
	}
	if c.mergeBeforePush {
		remote, err := c.client.LoadOnce(ctx, identity)
		if err != nil {
			return fmt.Errorf("load cloud payload: %w", err)
		}
		merged := merge.Merge(local, remote, c.now())
		if payload.Hash(merged) != payload.Hash(local) {
			if err := c.applyLocal(ctx, merged); err != nil {
				return fmt.Errorf("write merged payload: %w", err)
			}
		}
		local = merged
	}
	if err := c.client.Save(ctx, identity, local); err != nil {
		return fmt.Errorf("save payload: %w", err)
	}
	return nil
}

func (c *Controller) onRemote(generation uint64, rec payload.Record) {
	if !rec.Exists() || c.echo.IsEcho(rec) {
		return
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	active := c.generation == generation && c.state == StateListening
	var email string
	if c.identity != nil {
		email = c.identity.Email
	}
	c.mu.Unlock()
	if !active {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()
	if err := c.applyLocal(ctx, rec.Payload); err != nil {
		c.logger.Printf("profilesync: apply remote change failed: %v", err)
		c.setStatus(StatusError)
		return
	}
	c.setStatus(SyncedAs(email))
}

// applyLocal writes p to the local store and reloads. AutoSync is ignored
// until it returns.
func (c *Controller) applyLocal(ctx context.Context, p payload.CloudPayload) error {
	c.applyingRemote.Store(true)
	defer c.applyingRemote.Store(false)

	if err := payload.Write(ctx, c.store, p); err != nil {
		return err
	}
	if c.reload != nil {
		if err := c.reload(ctx); err != nil {
			c.logger.Printf("profilesync: reload failed: %v", err)
		}
	}
	return nil
}

func (c *Controller) identityFor(generation uint64) (cloud.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != generation || c.identity == nil {
		return cloud.Identity{}, false
	}
	return *c.identity, true
}

func (c *Controller) isCurrent(generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == generation
}

func (c *Controller) setStatus(status Status) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
	if c.statusSink != nil {
		c.statusSink.SetStatus(status)
	}
}
