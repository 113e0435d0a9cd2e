package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/wa-qr-bridge/backend/internal/model/session"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/service/browser"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/service/events"
)

var (
	errEmptyPayload = errors.New("pairing payload attribute is empty")
	errNoDriver     = fmt.Errorf("%w: no driver attached", browser.ErrUnavailable)
)

// task is the single goroutine driving one session. mu serializes every
// transition with its event, and stop takes the same lock, so nothing is
// published once a task has been stopped. use is held for every driver call,
// including Close, so the driver serves one operation at a time.
type task struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	use sync.Mutex

	mu       sync.Mutex
	stopped  bool
	driver   browser.Driver
	fallback bool
}

func newTask(id string) *task {
	ctx, cancel := context.WithCancel(context.Background())
	return &task{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (t *task) stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.cancel()
}

func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *task) attach(d browser.Driver) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.driver = d
	return true
}

func (t *task) currentDriver() browser.Driver {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.driver
}

// withDriver runs fn with exclusive use of the attached driver. It returns
// errNoDriver without calling fn when none is attached.
func (t *task) withDriver(fn func(d browser.Driver) error) error {
	t.use.Lock()
	defer t.use.Unlock()
	d := t.currentDriver()
	if d == nil {
		return errNoDriver
	}
	return fn(d)
}

func (m *Manager) run(t *task) {
	defer close(t.done)
	defer m.closeDriver(t)

	if !m.policy.BrowserEnabled {
		m.simulate(t, false)
		return
	}

	res := m.acquire(t)
	switch res.Outcome {
	case OutcomeOK:
	case OutcomeCancelled:
		return
	default:
		m.fallback(t, "acquire", res)
		return
	}

	regenerations := 0
	for {
		res = m.captureQR(t)
		switch res.Outcome {
		case OutcomeOK:
		case OutcomeCancelled:
			return
		default:
			m.fallback(t, "capture qr", res)
			return
		}

		res = m.awaitAuth(t)
		switch res.Outcome {
		case OutcomeOK:
			if m.authenticate(t, res.Payload) {
				m.heartbeat(t)
			}
			return
		case OutcomeCancelled:
			return
		case OutcomeTimeout:
			if !m.expire(t) {
				return
			}
			if regenerations >= m.policy.MaxRegenerations {
				m.publishGuarded(t, ErrorEvent(t.id, "QR regeneration limit reached", m.now()))
				_ = m.teardown(t.id, ReasonRegenLimit, t)
				return
			}
			regenerations++
			res = m.regenerate(t)
			switch res.Outcome {
			case OutcomeOK:
			case OutcomeCancelled:
				return
			default:
				m.fallback(t, "refresh", res)
				return
			}
		default:
			m.fallback(t, "await auth", res)
			return
		}
	}
}

// guarded runs fn under the task lock unless the task has been stopped.
func (m *Manager) guarded(t *task, fn func() bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	return fn()
}

// transition updates the store and publishes the built event atomically with
// respect to stop.
func (m *Manager) transition(t *task, status session.Status, patch session.Patch, build func(session.Session) events.Event) bool {
	return m.guarded(t, func() bool {
		sess, err := m.store.UpdateStatus(t.id, status, patch)
		if err != nil {
			return false
		}
		if build != nil {
			m.events.Publish(build(sess))
		}
		return true
	})
}

func (m *Manager) publishGuarded(t *task, evt events.Event) {
	m.guarded(t, func() bool {
		m.events.Publish(evt)
		return true
	})
}

func (m *Manager) acquire(t *task) StepResult {
	d, err := m.launcher.Launch(t.ctx)
	if res := classify(t.ctx, err); res.Outcome != OutcomeOK {
		return res
	}
	if !t.attach(d) {
		if err := d.Close(); err != nil {
			zap.L().Warn("pairing: close driver failed", zap.String("session_id", t.id), zap.Error(err))
		}
		return StepResult{Outcome: OutcomeCancelled}
	}
	if !m.transition(t, session.StatusConnecting, session.Patch{DriverActive: session.Ptr(true)}, nil) {
		return StepResult{Outcome: OutcomeCancelled}
	}
	return classify(t.ctx, t.withDriver(func(d browser.Driver) error {
		return d.Navigate(t.ctx, m.policy.WebURL)
	}))
}

func (m *Manager) captureQR(t *task) StepResult {
	var (
		payload string
		found   bool
	)
	err := t.withDriver(func(d browser.Driver) error {
		el, err := d.WaitForElement(t.ctx, browser.QRSelector, m.policy.QRTimeout)
		if err != nil {
			return err
		}
		payload, found, err = el.Attribute(browser.QRAttribute)
		return err
	})
	if res := classify(t.ctx, err); res.Outcome != OutcomeOK {
		return res
	}
	if !found || payload == "" {
		return StepResult{Outcome: OutcomeHardFailure, Err: errEmptyPayload}
	}

	image, err := m.encoder.Encode(payload)
	if err != nil {
		zap.L().Warn("pairing: qr image encoding failed", zap.String("session_id", t.id), zap.Error(err))
		image = ""
	}

	now := m.now()
	published := m.transition(t, session.StatusQRReady, session.Patch{
		QRPayload:    session.Ptr(payload),
		QRImage:      session.Ptr(image),
		Simulated:    session.Ptr(false),
		DriverActive: session.Ptr(true),
	}, func(s session.Session) events.Event {
		t.fallback = false
		return qrCodeEvent(s, false, now)
	})
	if !published {
		return StepResult{Outcome: OutcomeCancelled}
	}
	zap.L().Info("pairing: real qr ready", zap.String("session_id", t.id))
	return succeeded(payload)
}

func (m *Manager) awaitAuth(t *task) StepResult {
	var matched string
	err := t.withDriver(func(d browser.Driver) error {
		var err error
		matched, err = m.probe.AwaitAuthenticated(t.ctx, d, m.policy.AuthTimeout)
		return err
	})
	if res := classify(t.ctx, err); res.Outcome != OutcomeOK {
		return res
	}
	return succeeded(matched)
}

func (m *Manager) authenticate(t *task, signal string) bool {
	identity := "active session"
	_ = t.withDriver(func(d browser.Driver) error {
		identity = m.probe.Identity(t.ctx, d)
		return nil
	})

	now := m.now()
	if !m.transition(t, session.StatusAuthenticated, session.Patch{IdentityHint: session.Ptr(identity)},
		func(s session.Session) events.Event { return authenticatedEvent(s, now) }) {
		return false
	}
	zap.L().Info("pairing: session authenticated",
		zap.String("session_id", t.id),
		zap.String("signal", signal))
	return true
}

func (m *Manager) expire(t *task) bool {
	now := m.now()
	if !m.transition(t, session.StatusQRExpired, session.Patch{}, func(s session.Session) events.Event {
		return qrExpiredEvent(s.ID, now)
	}) {
		return false
	}
	zap.L().Info("pairing: qr expired", zap.String("session_id", t.id))
	return true
}

func (m *Manager) regenerate(t *task) StepResult {
	if !m.transition(t, session.StatusConnecting, session.Patch{DriverActive: session.Ptr(true)}, nil) {
		return StepResult{Outcome: OutcomeCancelled}
	}
	err := t.withDriver(func(d browser.Driver) error {
		return d.Refresh(t.ctx)
	})
	if res := classify(t.ctx, err); res.Outcome != OutcomeOK {
		return res
	}
	if !sleepCtx(t.ctx, m.policy.RefreshSettle) {
		return StepResult{Outcome: OutcomeCancelled}
	}
	return succeeded("")
}

func (m *Manager) fallback(t *task, step string, res StepResult) {
	zap.L().Warn("pairing: falling back to simulated qr",
		zap.String("session_id", t.id),
		zap.String("step", step),
		zap.Stringer("outcome", res.Outcome),
		zap.Error(res.Err))
	m.closeDriver(t)
	m.simulate(t, true)
}

// simulate publishes a synthetic QR and later marks the session
// authenticated if nobody moved it away from qr_ready.
func (m *Manager) simulate(t *task, fallback bool) {
	now := m.now()
	payload := fmt.Sprintf("1@%s,%d,whatsapp-web-demo", t.id, now.Unix())
	if fallback {
		payload = fmt.Sprintf("2@%s,%d,whatsapp-web-real-fallback", t.id, now.Unix())
	}

	image, err := m.encoder.Encode(payload)
	if err != nil {
		zap.L().Error("pairing: qr generation failed", zap.String("session_id", t.id), zap.Error(err))
		m.transition(t, session.StatusPending, session.Patch{
			QRPayload: session.Ptr(""),
			QRImage:   session.Ptr(""),
		}, func(s session.Session) events.Event {
			return ErrorEvent(s.ID, "QR generation failed: "+err.Error(), now)
		})
		return
	}

	if !m.transition(t, session.StatusQRReady, session.Patch{
		QRPayload:    session.Ptr(payload),
		QRImage:      session.Ptr(image),
		Simulated:    session.Ptr(true),
		DriverActive: session.Ptr(false),
	}, func(s session.Session) events.Event {
		t.fallback = fallback
		return qrCodeEvent(s, fallback, now)
	}) {
		return
	}

	if !sleepCtx(t.ctx, m.policy.SimulatedAuthDelay) {
		return
	}

	authenticated := m.guarded(t, func() bool {
		cur, ok := m.store.Get(t.id)
		if !ok || cur.Status != session.StatusQRReady {
			return false
		}
		sess, err := m.store.UpdateStatus(t.id, session.StatusAuthenticated, session.Patch{
			IdentityHint: session.Ptr("simulated session"),
		})
		if err != nil {
			return false
		}
		m.events.Publish(authenticatedEvent(sess, m.now()))
		return true
	})
	if authenticated {
		zap.L().Info("pairing: simulated session authenticated", zap.String("session_id", t.id))
		m.heartbeat(t)
	}
}

// heartbeat keeps an authenticated session alive until the task is stopped.
// A dead driver ends the session.
func (m *Manager) heartbeat(t *task) {
	interval := m.policy.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
		}

		err := t.withDriver(func(d browser.Driver) error {
			checkCtx, cancel := context.WithTimeout(t.ctx, interval)
			defer cancel()
			_, err := d.CurrentURL(checkCtx)
			return err
		})
		if err != nil && !errors.Is(err, errNoDriver) {
			if t.ctx.Err() != nil {
				return
			}
			zap.L().Warn("pairing: driver lost during heartbeat", zap.String("session_id", t.id), zap.Error(err))
			_ = m.teardown(t.id, ReasonDriverLost, t)
			return
		}

		now := m.now()
		if !m.transition(t, session.StatusAuthenticated, session.Patch{}, func(s session.Session) events.Event {
			return heartbeatEvent(s.ID, now)
		}) {
			return
		}
	}
}

// closeDriver detaches and closes the driver once any in-flight call on it
// has returned.
func (m *Manager) closeDriver(t *task) {
	t.use.Lock()
	defer t.use.Unlock()

	t.mu.Lock()
	d := t.driver
	t.driver = nil
	t.mu.Unlock()

	if d == nil {
		return
	}
	if err := d.Close(); err != nil {
		zap.L().Warn("pairing: close driver failed", zap.String("session_id", t.id), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
