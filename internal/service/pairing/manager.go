package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/wa-qr-bridge/backend/internal/model/session"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/service/browser"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/service/events"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/service/qr"
)

var (
	ErrBusy             = errors.New("server busy")
	ErrNotAuthenticated = errors.New("WhatsApp not authenticated")
	ErrUnknownAction    = errors.New("unknown test action")
	ErrClosed           = errors.New("pairing manager closed")

	errNotRemoved = errors.New("session kept")
)

// Disconnect reasons carried by the disconnected event.
const (
	ReasonRequested     = "requested"
	ReasonClientGone    = "client_disconnected"
	ReasonIdle          = "idle_timeout"
	ReasonDriverLost    = "driver_lost"
	ReasonRegenLimit    = "qr_regeneration_limit"
	ReasonServerClosing = "server_shutdown"
)

// Policy holds the timing knobs of the pairing flow.
type Policy struct {
	BrowserEnabled     bool
	WebURL             string
	QRTimeout          time.Duration
	AuthTimeout        time.Duration
	HeartbeatInterval  time.Duration
	SimulatedAuthDelay time.Duration
	RefreshSettle      time.Duration
	MaxRegenerations   int
	IdleTimeout        time.Duration
	TeardownWait       time.Duration
}

// DefaultPolicy mirrors the production timings.
func DefaultPolicy() Policy {
	return Policy{
		BrowserEnabled:     true,
		WebURL:             "https://web.whatsapp.com",
		QRTimeout:          30 * time.Second,
		AuthTimeout:        120 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		SimulatedAuthDelay: 15 * time.Second,
		RefreshSettle:      3 * time.Second,
		MaxRegenerations:   5,
		IdleTimeout:        2 * time.Hour,
		TeardownWait:       5 * time.Second,
	}
}

// Options wires a Manager's collaborators.
type Options struct {
	Store    session.Store
	Launcher browser.Launcher
	Probe    browser.AuthProbe
	Encoder  qr.Encoder
	Events   events.Publisher
	Policy   Policy
	Workers  int
}

// Manager owns the pairing lifecycle of every session. Each session that is
// pairing has exactly one task running on the worker pool.
type Manager struct {
	store    session.Store
	launcher browser.Launcher
	probe    browser.AuthProbe
	encoder  qr.Encoder
	events   events.Publisher
	policy   Policy
	pool     *ants.Pool
	now      func() time.Time

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
}

// NewManager validates opts and starts the worker pool.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("pairing: store is required")
	}
	if opts.Events == nil {
		return nil, errors.New("pairing: event publisher is required")
	}
	if opts.Launcher == nil {
		opts.Launcher = browser.Unavailable{}
	}
	if opts.Probe == nil {
		opts.Probe = browser.NewSelectorProbe()
	}
	if opts.Encoder == nil {
		opts.Encoder = qr.NewPNGEncoder()
	}
	if opts.Policy.MaxRegenerations < 1 {
		opts.Policy.MaxRegenerations = 1
	}
	if opts.Policy.TeardownWait <= 0 {
		opts.Policy.TeardownWait = 5 * time.Second
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 256
	}

	pool, err := ants.NewPool(workers, ants.WithNonblocking(true), ants.WithPanicHandler(func(p any) {
		zap.L().Error("pairing: task panic", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	return &Manager{
		store:    opts.Store,
		launcher: opts.Launcher,
		probe:    opts.Probe,
		encoder:  opts.Encoder,
		events:   opts.Events,
		policy:   opts.Policy,
		pool:     pool,
		now:      time.Now,
		tasks:    make(map[string]*task),
	}, nil
}

// BrowserEnabled reports whether real pairing is attempted.
func (m *Manager) BrowserEnabled() bool {
	return m.policy.BrowserEnabled
}

// Create provisions a pending session for a realtime client.
func (m *Manager) Create(clientID, ownerKey string) (session.Session, error) {
	sess, err := m.store.Create(clientID, ownerKey)
	if err != nil {
		return session.Session{}, err
	}
	zap.L().Info("pairing: session created",
		zap.String("session_id", sess.ID),
		zap.String("client_id", clientID))
	return sess, nil
}

// Get returns the current session snapshot.
func (m *Manager) Get(id string) (session.Session, error) {
	sess, ok := m.store.Get(id)
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return sess, nil
}

// Stats returns per-status counters.
func (m *Manager) Stats() session.Stats {
	return m.store.Snapshot()
}

// List returns every live session ordered by creation time.
func (m *Manager) List() []session.Session {
	return m.store.List()
}

// BeginPairing starts the session's task and returns at once. Progress is
// reported only through events. Calling it again while a task runs
// republishes the latest state instead of restarting.
func (m *Manager) BeginPairing(id string) error {
	if _, ok := m.store.Get(id); !ok {
		return session.ErrSessionNotFound
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if existing, ok := m.tasks[id]; ok && !existing.finished() {
		m.mu.Unlock()
		m.replay(existing)
		return nil
	}
	t := newTask(id)
	m.tasks[id] = t
	m.mu.Unlock()

	if err := m.pool.Submit(func() { m.run(t) }); err != nil {
		m.mu.Lock()
		if m.tasks[id] == t {
			delete(m.tasks, id)
		}
		m.mu.Unlock()
		t.stop()
		close(t.done)

		if errors.Is(err, ants.ErrPoolOverload) {
			return ErrBusy
		}
		if errors.Is(err, ants.ErrPoolClosed) {
			return ErrClosed
		}
		return fmt.Errorf("submit pairing task: %w", err)
	}
	return nil
}

// replay republishes the state a late joiner needs.
func (m *Manager) replay(t *task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	sess, ok := m.store.Get(t.id)
	if !ok {
		return
	}
	now := m.now()
	switch sess.Status {
	case session.StatusQRReady:
		m.events.Publish(qrCodeEvent(sess, t.fallback, now))
	case session.StatusAuthenticated:
		m.events.Publish(authenticatedEvent(sess, now))
	default:
		m.events.Publish(StatusEvent(sess, now))
	}
}

// Disconnect tears the session down. A second call reports
// session.ErrSessionNotFound.
func (m *Manager) Disconnect(id string) error {
	return m.teardown(id, ReasonRequested, nil)
}

// DisconnectClient tears down every session owned by clientID.
func (m *Manager) DisconnectClient(clientID string) int {
	n := 0
	for _, sess := range m.store.List() {
		if sess.ClientID != clientID {
			continue
		}
		if err := m.teardown(sess.ID, ReasonClientGone, nil); err == nil {
			n++
		}
	}
	return n
}

// Sweep tears down sessions idle for longer than the policy allows. Idleness
// is checked again at removal, so a session touched after the listing
// survives.
func (m *Manager) Sweep(now time.Time) int {
	isIdle := func(s session.Session) bool {
		return now.Sub(s.LastActivity) > m.policy.IdleTimeout
	}

	n := 0
	for _, sess := range m.store.List() {
		if !isIdle(sess) {
			continue
		}
		if err := m.teardownIf(sess.ID, ReasonIdle, nil, isIdle); err == nil {
			zap.L().Info("pairing: idle session removed",
				zap.String("session_id", sess.ID),
				zap.Time("last_activity", sess.LastActivity))
			n++
		}
	}
	return n
}

// teardown cancels the task, waits for it, closes the driver, removes the
// session and publishes disconnected. self is the calling task when the
// teardown originates from inside the pairing flow.
func (m *Manager) teardown(id, reason string, self *task) error {
	return m.teardownIf(id, reason, self, nil)
}

// teardownIf is teardown gated on cond. The session is removed first, under
// the store lock, and left alone when cond no longer holds.
func (m *Manager) teardownIf(id, reason string, self *task, cond func(session.Session) bool) error {
	if cond != nil {
		if _, ok := m.store.RemoveIf(id, cond); !ok {
			return errNotRemoved
		}
	}

	m.mu.Lock()
	t := m.tasks[id]
	delete(m.tasks, id)
	m.mu.Unlock()

	if t != nil {
		t.stop()
		if t != self {
			select {
			case <-t.done:
			case <-time.After(m.policy.TeardownWait):
				zap.L().Warn("pairing: task did not stop in time", zap.String("session_id", id))
			}
		}
		m.closeDriver(t)
	}

	if cond == nil {
		if _, ok := m.store.Remove(id); !ok {
			return session.ErrSessionNotFound
		}
	}

	zap.L().Info("pairing: session disconnected", zap.String("session_id", id), zap.String("reason", reason))
	m.events.Publish(DisconnectedEvent(id, reason, m.now()))
	return nil
}

// TestResult is the outcome of a diagnostic action.
type TestResult struct {
	Action  string
	Success bool
	Details map[string]any
}

// RunTest executes a diagnostic action on an authenticated session.
func (m *Manager) RunTest(ctx context.Context, id, action string) (TestResult, error) {
	sess, ok := m.store.Get(id)
	if !ok {
		return TestResult{}, session.ErrSessionNotFound
	}
	if !sess.Authenticated {
		return TestResult{}, ErrNotAuthenticated
	}

	switch action {
	case "send_test_message":
		res := TestResult{
			Action:  action,
			Success: true,
			Details: map[string]any{
				"message":   "test message simulated",
				"simulated": true,
				"timestamp": m.now().UTC().Format(time.RFC3339),
			},
		}
		if t := m.taskOf(id); t != nil {
			err := t.withDriver(func(d browser.Driver) error {
				checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()
				_, err := d.CurrentURL(checkCtx)
				return err
			})
			if err != nil && !errors.Is(err, errNoDriver) {
				res.Success = false
				res.Details["error"] = err.Error()
			}
		}
		return res, nil
	case "check_connection":
		return TestResult{
			Action:  action,
			Success: true,
			Details: map[string]any{
				"status":        sess.Status,
				"authenticated": sess.Authenticated,
				"phone_number":  sess.IdentityHint,
				"created_at":    sess.CreatedAt.Format(time.RFC3339),
				"last_activity": sess.LastActivity.Format(time.RFC3339),
			},
		}, nil
	default:
		return TestResult{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

func (m *Manager) taskOf(id string) *task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id]
}

// Shutdown tears down every session and releases the worker pool.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(16)
	for _, sess := range m.store.List() {
		id := sess.ID
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := m.teardown(id, ReasonServerClosing, nil); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	m.pool.Release()
	return err
}
