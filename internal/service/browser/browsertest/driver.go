// Package browsertest provides a scriptable in-memory browser driver.
package browsertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zhouzirui/wa-qr-bridge/backend/internal/service/browser"
)

// Driver fakes a page as a set of present selectors with attribute values.
type Driver struct {
	mu        sync.Mutex
	present   map[string]map[string]string
	url       string
	eval      string
	liveErr   error
	navErr    error
	closed    int
	refreshes int
	latency   time.Duration
	inFlight  int
	maxFlight int

	// OnRefresh runs after each Refresh with the driver unlocked.
	OnRefresh func(d *Driver)
}

// NewDriver returns an empty page.
func NewDriver() *Driver {
	return &Driver{present: make(map[string]map[string]string)}
}

// Set marks selector present with the given attributes.
func (d *Driver) Set(selector string, attrs map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copied := make(map[string]string, len(attrs))
	for k, v := range attrs {
		copied[k] = v
	}
	d.present[selector] = copied
}

// Remove marks selector absent.
func (d *Driver) Remove(selector string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.present, selector)
}

// SetQR shows a pairing payload.
func (d *Driver) SetQR(payload string) {
	d.Set(browser.QRSelector, map[string]string{browser.QRAttribute: payload})
}

// SetEval fixes the result of Eval.
func (d *Driver) SetEval(result string) {
	d.mu.Lock()
	d.eval = result
	d.mu.Unlock()
}

// FailLiveness makes CurrentURL return err.
func (d *Driver) FailLiveness(err error) {
	d.mu.Lock()
	d.liveErr = err
	d.mu.Unlock()
}

// FailNavigate makes Navigate return err.
func (d *Driver) FailNavigate(err error) {
	d.mu.Lock()
	d.navErr = err
	d.mu.Unlock()
}

// SetLatency makes CurrentURL take d before answering.
func (d *Driver) SetLatency(latency time.Duration) {
	d.mu.Lock()
	d.latency = latency
	d.mu.Unlock()
}

// MaxInFlight reports the highest number of calls that overlapped.
func (d *Driver) MaxInFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxFlight
}

func (d *Driver) enter() func() {
	d.mu.Lock()
	d.inFlight++
	if d.inFlight > d.maxFlight {
		d.maxFlight = d.inFlight
	}
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		d.inFlight--
		d.mu.Unlock()
	}
}

// Closed reports how many times Close was called.
func (d *Driver) Closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Refreshes reports how many times Refresh was called.
func (d *Driver) Refreshes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refreshes
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	defer d.enter()()
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.navErr != nil {
		return d.navErr
	}
	d.url = url
	return nil
}

func (d *Driver) WaitForElement(ctx context.Context, selector string, timeout time.Duration) (browser.Element, error) {
	defer d.enter()()
	deadline := time.Now().Add(timeout)
	for {
		d.mu.Lock()
		attrs, ok := d.present[selector]
		d.mu.Unlock()
		if ok {
			return element(attrs), nil
		}
		if time.Now().After(deadline) {
			return nil, browser.ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (d *Driver) Exists(ctx context.Context, selector string) (bool, error) {
	defer d.enter()()
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.present[selector]
	return ok, nil
}

func (d *Driver) Refresh(ctx context.Context) error {
	defer d.enter()()
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.refreshes++
	hook := d.OnRefresh
	d.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	return nil
}

func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	defer d.enter()()
	if err := ctx.Err(); err != nil {
		return "", err
	}

	d.mu.Lock()
	latency := d.latency
	d.mu.Unlock()
	if latency > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(latency):
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.liveErr != nil {
		return "", d.liveErr
	}
	return d.url, nil
}

func (d *Driver) Eval(ctx context.Context, _ string) (string, error) {
	defer d.enter()()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.eval, nil
}

func (d *Driver) Close() error {
	defer d.enter()()
	d.mu.Lock()
	d.closed++
	d.mu.Unlock()
	return nil
}

type element map[string]string

func (e element) Attribute(name string) (string, bool, error) {
	v, ok := e[name]
	return v, ok, nil
}

// Launcher hands out a fixed driver or error.
type Launcher struct {
	mu       sync.Mutex
	Driver   *Driver
	Err      error
	launches int
}

// ErrNoDriver is returned when the launcher has nothing to hand out.
var ErrNoDriver = errors.New("browsertest: no driver configured")

func (l *Launcher) Launch(ctx context.Context) (browser.Driver, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	if l.Err != nil {
		return nil, l.Err
	}
	if l.Driver == nil {
		return nil, ErrNoDriver
	}
	return l.Driver, nil
}

// Launches reports how many times Launch was called.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}
