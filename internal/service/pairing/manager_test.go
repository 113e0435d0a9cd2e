package pairing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/wa-qr-bridge/backend/internal/model/session"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/service/browser"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/service/browser/browsertest"
	"github.com/zhouzirui/wa-qr-bridge/backend/internal/service/events"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(evt events.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recordingPublisher) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func (r *recordingPublisher) ofType(typ events.Type) []events.Event {
	var out []events.Event
	for _, evt := range r.snapshot() {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

func (r *recordingPublisher) waitFor(t *testing.T, typ events.Type, count int) []events.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.ofType(typ); len(got) >= count {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s events, have %v", count, typ, r.types())
	return nil
}

func (r *recordingPublisher) types() []events.Type {
	var out []events.Type
	for _, evt := range r.snapshot() {
		out = append(out, evt.Type)
	}
	return out
}

type failingEncoder struct{}

func (failingEncoder) Encode(string) (string, error) {
	return "", errors.New("encoder broken")
}

func testPolicy(browserEnabled bool) Policy {
	return Policy{
		BrowserEnabled:     browserEnabled,
		WebURL:             "https://web.whatsapp.com",
		QRTimeout:          500 * time.Millisecond,
		AuthTimeout:        40 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
		SimulatedAuthDelay: 30 * time.Millisecond,
		RefreshSettle:      time.Millisecond,
		MaxRegenerations:   5,
		IdleTimeout:        time.Hour,
		TeardownWait:       time.Second,
	}
}

func fastProbe() *browser.SelectorProbe {
	p := browser.NewSelectorProbe()
	p.PollInterval = 2 * time.Millisecond
	return p
}

func newTestManager(t *testing.T, opts Options) (*Manager, *recordingPublisher) {
	t.Helper()
	rec := &recordingPublisher{}
	if opts.Store == nil {
		opts.Store = session.NewMemoryStore()
	}
	if opts.Probe == nil {
		opts.Probe = fastProbe()
	}
	opts.Events = rec
	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager err: %v", err)
	}
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
	})
	return m, rec
}

func TestCreateReturnsPendingSession(t *testing.T) {
	m, rec := newTestManager(t, Options{Policy: testPolicy(false)})

	sess, err := m.Create("client-1", "aura")
	if err != nil {
		t.Fatalf("Create err: %v", err)
	}
	if sess.Status != session.StatusPending || sess.Authenticated {
		t.Fatalf("unexpected new session: %+v", sess)
	}
	if sess.OwnerKey != "aura" {
		t.Fatalf("owner key not kept: %q", sess.OwnerKey)
	}
	if len(rec.snapshot()) != 0 {
		t.Fatal("create must not publish events")
	}
}

func TestBeginPairingUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, Options{Policy: testPolicy(false)})
	if err := m.BeginPairing("missing"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSimulatedPairingAuthenticatesAndDisconnects(t *testing.T) {
	m, rec := newTestManager(t, Options{Policy: testPolicy(false)})
	sess, _ := m.Create("client-1", "")

	if err := m.BeginPairing(sess.ID); err != nil {
		t.Fatalf("BeginPairing err: %v", err)
	}

	qr := rec.waitFor(t, events.TypeQRCode, 1)[0]
	payload, _ := qr.Data["qr_data"].(string)
	if !strings.HasPrefix(payload, "1@"+sess.ID+",") || !strings.HasSuffix(payload, ",whatsapp-web-demo") {
		t.Fatalf("unexpected simulated payload %q", payload)
	}
	if qr.Data["is_real"] != false || qr.Data["fallback_mode"] != false {
		t.Fatalf("unexpected qr flags: %+v", qr.Data)
	}
	if img, _ := qr.Data["qr_image"].(string); !strings.HasPrefix(img, "data:image/png;base64,") {
		t.Fatal("expected png data url")
	}

	rec.waitFor(t, events.TypeAuthenticated, 1)
	got, err := m.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get err: %v", err)
	}
	if got.Status != session.StatusAuthenticated || !got.Authenticated {
		t.Fatalf("expected authenticated session, got %+v", got)
	}

	rec.waitFor(t, events.TypeHeartbeat, 1)

	if err := m.Disconnect(sess.ID); err != nil {
		t.Fatalf("Disconnect err: %v", err)
	}
	if err := m.Disconnect(sess.ID); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on second disconnect, got %v", err)
	}

	disconnected := rec.ofType(events.TypeDisconnected)
	if len(disconnected) != 1 {
		t.Fatalf("expected exactly one disconnected event, got %d", len(disconnected))
	}
	if disconnected[0].Data["reason"] != ReasonRequested {
		t.Fatalf("unexpected reason %v", disconnected[0].Data["reason"])
	}

	before := len(rec.snapshot())
	time.Sleep(60 * time.Millisecond)
	if after := len(rec.snapshot()); after != before {
		t.Fatalf("events published after disconnect: %v", rec.types()[before:])
	}
}

func TestUnavailableBrowserFallsBackToSimulatedQR(t *testing.T) {
	m, rec := newTestManager(t, Options{Policy: testPolicy(true), Launcher: browser.Unavailable{}})
	sess, _ := m.Create("client-1", "")

	if err := m.BeginPairing(sess.ID); err != nil {
		t.Fatalf("BeginPairing err: %v", err)
	}

	qr := rec.waitFor(t, events.TypeQRCode, 1)[0]
	payload, _ := qr.Data["qr_data"].(string)
	if !strings.HasPrefix(payload, "2@"+sess.ID+",") || !strings.HasSuffix(payload, ",whatsapp-web-real-fallback") {
		t.Fatalf("unexpected fallback payload %q", payload)
	}
	if qr.Data["fallback_mode"] != true || qr.Data["is_real"] != false {
		t.Fatalf("unexpected qr flags: %+v", qr.Data)
	}

	rec.waitFor(t, events.TypeAuthenticated, 1)
}

func TestRealPairingExtractsPayloadAndAuthenticates(t *testing.T) {
	driver := browsertest.NewDriver()
	driver.SetQR("2@real-ref,abc")
	driver.SetEval("5215550001111:3@c.us")
	launcher := &browsertest.Launcher{Driver: driver}

	policy := testPolicy(true)
	policy.AuthTimeout = 2 * time.Second
	m, rec := newTestManager(t, Options{Policy: policy, Launcher: launcher})
	sess, _ := m.Create("client-1", "")

	if err := m.BeginPairing(sess.ID); err != nil {
		t.Fatalf("BeginPairing err: %v", err)
	}

	qr := rec.waitFor(t, events.TypeQRCode, 1)[0]
	if qr.Data["qr_data"] != "2@real-ref,abc" || qr.Data["is_real"] != true {
		t.Fatalf("unexpected real qr event: %+v", qr.Data)
	}
	got, _ := m.Get(sess.ID)
	if got.Status != session.StatusQRReady || !got.DriverActive {
		t.Fatalf("expected qr_ready with driver, got %+v", got)
	}

	driver.Remove(browser.QRSelector)
	driver.Set("[data-testid='chat-list-search']", nil)

	auth := rec.waitFor(t, events.TypeAuthenticated, 1)[0]
	if auth.Data["phone_number"] != "+5215550001111" || auth.Data["is_real"] != true {
		t.Fatalf("unexpected authenticated event: %+v", auth.Data)
	}

	driver.FailLiveness(errors.New("target closed"))
	disconnected := rec.waitFor(t, events.TypeDisconnected, 1)[0]
	if disconnected.Data["reason"] != ReasonDriverLost {
		t.Fatalf("unexpected reason %v", disconnected.Data["reason"])
	}
	if _, err := m.Get(sess.ID); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatal("session should be removed after driver loss")
	}
	if closed := driver.Closed(); closed != 1 {
		t.Fatalf("expected driver closed once, got %d", closed)
	}
}

func TestQRExpiryRegeneratesExactlyOnce(t *testing.T) {
	driver := browsertest.NewDriver()
	driver.SetQR("2@first")
	driver.OnRefresh = func(d *browsertest.Driver) {
		d.SetQR("2@second")
	}
	// QR canvas keeps the weak positive from firing.
	driver.Set("canvas[aria-label*='QR']", nil)
	launcher := &browsertest.Launcher{Driver: driver}

	policy := testPolicy(true)
	policy.MaxRegenerations = 1
	m, rec := newTestManager(t, Options{Policy: policy, Launcher: launcher})
	sess, _ := m.Create("client-1", "")

	if err := m.BeginPairing(sess.ID); err != nil {
		t.Fatalf("BeginPairing err: %v", err)
	}

	rec.waitFor(t, events.TypeDisconnected, 1)

	var sequence []events.Type
	var payloads []any
	for _, evt := range rec.snapshot() {
		sequence = append(sequence, evt.Type)
		if evt.Type == events.TypeQRCode {
			payloads = append(payloads, evt.Data["qr_data"])
		}
	}
	want := []events.Type{
		events.TypeQRCode,
		events.TypeQRExpired,
		events.TypeQRCode,
		events.TypeQRExpired,
		events.TypeError,
		events.TypeDisconnected,
	}
	if len(sequence) != len(want) {
		t.Fatalf("unexpected event sequence %v", sequence)
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Fatalf("unexpected event sequence %v", sequence)
		}
	}
	if payloads[0] != "2@first" || payloads[1] != "2@second" {
		t.Fatalf("unexpected payloads %v", payloads)
	}
	if driver.Refreshes() != 1 {
		t.Fatalf("expected one refresh, got %d", driver.Refreshes())
	}
	if driver.Closed() != 1 {
		t.Fatalf("expected driver closed once, got %d", driver.Closed())
	}
	if launcher.Launches() != 1 {
		t.Fatalf("expected a single launch, got %d", launcher.Launches())
	}
}

func TestNavigateFailureFallsBackAndClosesDriver(t *testing.T) {
	driver := browsertest.NewDriver()
	driver.FailNavigate(errors.New("net::ERR_NAME_NOT_RESOLVED"))
	m, rec := newTestManager(t, Options{Policy: testPolicy(true), Launcher: &browsertest.Launcher{Driver: driver}})
	sess, _ := m.Create("client-1", "")

	if err := m.BeginPairing(sess.ID); err != nil {
		t.Fatalf("BeginPairing err: %v", err)
	}

	qr := rec.waitFor(t, events.TypeQRCode, 1)[0]
	if qr.Data["fallback_mode"] != true {
		t.Fatalf("expected fallback qr, got %+v", qr.Data)
	}
	if driver.Closed() != 1 {
		t.Fatalf("expected failed driver closed once, got %d", driver.Closed())
	}
	got, _ := m.Get(sess.ID)
	if got.DriverActive {
		t.Fatal("fallback session must not report an active driver")
	}
}

func TestSweepRemovesIdleSessionsAndClosesDriverOnce(t *testing.T) {
	driver := browsertest.NewDriver()
	driver.SetQR("2@ref")
	policy := testPolicy(true)
	policy.AuthTimeout = 5 * time.Second
	m, rec := newTestManager(t, Options{Policy: policy, Launcher: &browsertest.Launcher{Driver: driver}})

	busy, _ := m.Create("client-1", "")
	idle, _ := m.Create("client-2", "")
	if err := m.BeginPairing(busy.ID); err != nil {
		t.Fatalf("BeginPairing err: %v", err)
	}
	rec.waitFor(t, events.TypeQRCode, 1)

	if removed := m.Sweep(time.Now()); removed != 0 {
		t.Fatalf("nothing should be idle yet, removed %d", removed)
	}

	if removed := m.Sweep(time.Now().Add(2 * time.Hour)); removed != 2 {
		t.Fatalf("expected 2 idle sessions removed, got %d", removed)
	}
	for _, id := range []string{busy.ID, idle.ID} {
		if _, err := m.Get(id); !errors.Is(err, session.ErrSessionNotFound) {
			t.Fatalf("session %s still present", id)
		}
	}
	if driver.Closed() != 1 {
		t.Fatalf("expected driver closed once, got %d", driver.Closed())
	}
	for _, evt := range rec.ofType(events.TypeDisconnected) {
		if evt.Data["reason"] != ReasonIdle {
			t.Fatalf("unexpected reason %v", evt.Data["reason"])
		}
	}
}

func TestDisconnectClientRemovesOnlyOwnedSessions(t *testing.T) {
	m, _ := newTestManager(t, Options{Policy: testPolicy(false)})
	a, _ := m.Create("client-a", "")
	b, _ := m.Create("client-a", "")
	other, _ := m.Create("client-b", "")

	if n := m.DisconnectClient("client-a"); n != 2 {
		t.Fatalf("expected 2 sessions removed, got %d", n)
	}
	for _, id := range []string{a.ID, b.ID} {
		if _, err := m.Get(id); err == nil {
			t.Fatalf("session %s should be gone", id)
		}
	}
	if _, err := m.Get(other.ID); err != nil {
		t.Fatalf("other client's session removed: %v", err)
	}
}

func TestBeginPairingWhileRunningReplaysState(t *testing.T) {
	policy := testPolicy(false)
	policy.SimulatedAuthDelay = time.Minute
	m, rec := newTestManager(t, Options{Policy: policy})
	sess, _ := m.Create("client-1", "")

	if err := m.BeginPairing(sess.ID); err != nil {
		t.Fatalf("BeginPairing err: %v", err)
	}
	first := rec.waitFor(t, events.TypeQRCode, 1)[0]

	if err := m.BeginPairing(sess.ID); err != nil {
		t.Fatalf("second BeginPairing err: %v", err)
	}
	second := rec.waitFor(t, events.TypeQRCode, 2)[1]
	if first.Data["qr_data"] != second.Data["qr_data"] {
		t.Fatal("replay should resend the current payload, not a new one")
	}
}

func TestSimulatedEncodeFailurePublishesError(t *testing.T) {
	m, rec := newTestManager(t, Options{Policy: testPolicy(false), Encoder: failingEncoder{}})
	sess, _ := m.Create("client-1", "")

	if err := m.BeginPairing(sess.ID); err != nil {
		t.Fatalf("BeginPairing err: %v", err)
	}
	evt := rec.waitFor(t, events.TypeError, 1)[0]
	if msg, _ := evt.Data["message"].(string); !strings.HasPrefix(msg, "QR generation failed:") {
		t.Fatalf("unexpected error message %q", msg)
	}
	got, _ := m.Get(sess.ID)
	if got.Status != session.StatusPending {
		t.Fatalf("expected pending after failure, got %s", got.Status)
	}
}

func TestBeginPairingReportsBusyPool(t *testing.T) {
	policy := testPolicy(false)
	policy.SimulatedAuthDelay = time.Minute
	m, rec := newTestManager(t, Options{Policy: policy, Workers: 1})

	a, _ := m.Create("client-1", "")
	b, _ := m.Create("client-1", "")
	if err := m.BeginPairing(a.ID); err != nil {
		t.Fatalf("BeginPairing err: %v", err)
	}
	rec.waitFor(t, events.TypeQRCode, 1)

	if err := m.BeginPairing(b.ID); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestRunTestActions(t *testing.T) {
	m, rec := newTestManager(t, Options{Policy: testPolicy(false)})
	ctx := context.Background()

	if _, err := m.RunTest(ctx, "missing", "check_connection"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	sess, _ := m.Create("client-1", "")
	if _, err := m.RunTest(ctx, sess.ID, "check_connection"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}

	if err := m.BeginPairing(sess.ID); err != nil {
		t.Fatalf("BeginPairing err: %v", err)
	}
	rec.waitFor(t, events.TypeAuthenticated, 1)

	res, err := m.RunTest(ctx, sess.ID, "check_connection")
	if err != nil {
		t.Fatalf("check_connection err: %v", err)
	}
	if !res.Success || res.Details["status"] != session.StatusAuthenticated || res.Details["authenticated"] != true {
		t.Fatalf("unexpected check_connection result: %+v", res)
	}
	for _, key := range []string{"phone_number", "created_at", "last_activity"} {
		if _, ok := res.Details[key]; !ok {
			t.Fatalf("missing detail %s", key)
		}
	}

	res, err = m.RunTest(ctx, sess.ID, "send_test_message")
	if err != nil || !res.Success {
		t.Fatalf("send_test_message failed: %+v err=%v", res, err)
	}

	if _, err := m.RunTest(ctx, sess.ID, "reboot_phone"); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

func TestDriverServesOneOperationAtATime(t *testing.T) {
	driver := browsertest.NewDriver()
	driver.SetQR("2@serial")
	driver.SetLatency(10 * time.Millisecond)

	policy := testPolicy(true)
	policy.AuthTimeout = 2 * time.Second
	policy.HeartbeatInterval = 40 * time.Millisecond
	m, rec := newTestManager(t, Options{Policy: policy, Launcher: &browsertest.Launcher{Driver: driver}})
	sess, _ := m.Create("client-1", "")

	if err := m.BeginPairing(sess.ID); err != nil {
		t.Fatalf("BeginPairing err: %v", err)
	}
	rec.waitFor(t, events.TypeQRCode, 1)
	driver.Remove(browser.QRSelector)
	driver.Set("[data-testid='chat-list-search']", nil)
	rec.waitFor(t, events.TypeAuthenticated, 1)
	rec.waitFor(t, events.TypeHeartbeat, 1)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.RunTest(context.Background(), sess.ID, "send_test_message")
			if err != nil {
				if !errors.Is(err, session.ErrSessionNotFound) {
					errs <- err
				}
				return
			}
			if !res.Success {
				errs <- errors.New("liveness check failed on a healthy driver")
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(15 * time.Millisecond)
		if err := m.Disconnect(sess.ID); err != nil {
			errs <- err
		}
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent use err: %v", err)
	}
	if got := driver.MaxInFlight(); got != 1 {
		t.Fatalf("driver used by %d operations at once", got)
	}
	if closed := driver.Closed(); closed != 1 {
		t.Fatalf("expected driver closed once, got %d", closed)
	}
}

func TestSweepSparesSessionsTouchedAfterListing(t *testing.T) {
	store := &staleListStore{MemoryStore: session.NewMemoryStore()}
	m, rec := newTestManager(t, Options{Policy: testPolicy(false), Store: store})
	sess, _ := m.Create("client-1", "")

	if removed := m.Sweep(time.Now().Add(30 * time.Minute)); removed != 0 {
		t.Fatalf("fresh session removed from stale listing, removed %d", removed)
	}
	if _, err := m.Get(sess.ID); err != nil {
		t.Fatalf("session should survive: %v", err)
	}
	if got := rec.ofType(events.TypeDisconnected); len(got) != 0 {
		t.Fatalf("unexpected disconnected events: %v", got)
	}
}

// staleListStore lists sessions as if they had been idle for a day.
type staleListStore struct {
	*session.MemoryStore
}

func (s *staleListStore) List() []session.Session {
	out := s.MemoryStore.List()
	for i := range out {
		out[i].LastActivity = out[i].LastActivity.Add(-24 * time.Hour)
	}
	return out
}

func TestShutdownDisconnectsEverything(t *testing.T) {
	m, rec := newTestManager(t, Options{Policy: testPolicy(false)})
	for i := 0; i < 3; i++ {
		sess, _ := m.Create("client-1", "")
		if err := m.BeginPairing(sess.ID); err != nil {
			t.Fatalf("BeginPairing err: %v", err)
		}
	}
	rec.waitFor(t, events.TypeQRCode, 3)

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown err: %v", err)
	}
	if got := m.Stats().Total; got != 0 {
		t.Fatalf("expected no sessions after shutdown, got %d", got)
	}
	if got := len(rec.ofType(events.TypeDisconnected)); got != 3 {
		t.Fatalf("expected 3 disconnected events, got %d", got)
	}
	sess, _ := m.Create("client-1", "")
	if err := m.BeginPairing(sess.ID); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after shutdown, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	live := context.Background()
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	cases := []struct {
		name string
		ctx  context.Context
		err  error
		want Outcome
	}{
		{"nil", live, nil, OutcomeOK},
		{"unavailable", live, browser.ErrUnavailable, OutcomeUnavailable},
		{"timeout", live, browser.ErrTimeout, OutcomeTimeout},
		{"deadline", live, context.DeadlineExceeded, OutcomeTimeout},
		{"other", live, errors.New("boom"), OutcomeHardFailure},
		{"cancelled wins", cancelled, browser.ErrTimeout, OutcomeCancelled},
	}
	for _, tc := range cases {
		if got := classify(tc.ctx, tc.err).Outcome; got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}
