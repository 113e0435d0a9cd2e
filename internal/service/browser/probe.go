package browser

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// AuthProbe decides whether the page has left the pairing screen.
type AuthProbe interface {
	// AwaitAuthenticated blocks until the page looks authenticated or the
	// timeout passes. It returns the signal that matched.
	AwaitAuthenticated(ctx context.Context, d Driver, timeout time.Duration) (string, error)
	// Identity returns a best-effort label for the paired account.
	Identity(ctx context.Context, d Driver) string
}

const (
	// QRSelector locates the element carrying the pairing payload.
	QRSelector = "[data-ref]"
	// QRAttribute holds the payload on QRSelector.
	QRAttribute = "data-ref"

	weakSignal = "no-qr-canvas"
)

// DefaultAuthSelectors are tried in order once the QR element is gone.
var DefaultAuthSelectors = []string{
	"[data-testid='chat-list-search']",
	"[data-testid='search']",
	"[data-testid='chatlist-search']",
	"input[placeholder*='Search']",
	"input[placeholder*='Buscar']",
	"[aria-label*='Search']",
	"[aria-label*='Buscar']",
	"[data-testid='chatlist']",
	"[data-testid='chat-list']",
	"[data-testid='side']",
	"#main",
	"._3uMse",
	"._1jJ70",
	"[data-testid='app-wrapper-main']",
	"._3q4NP",
	"._2Zdgs",
	"[data-testid*='chat']",
	"[aria-label*='Chat']",
	"[aria-label*='Conversation']",
}

// DefaultMenuSelectors mark the logged-in header.
var DefaultMenuSelectors = []string{
	"[data-testid='menu-btn']",
	"[data-testid='menu']",
	"[aria-label*='Menu']",
	"[aria-label*='Menú']",
	"._1ZVQX",
	"._3XKXx",
}

const identityScript = `() => localStorage.getItem("last-wid-md") || localStorage.getItem("last-wid") || ""`

// SelectorProbe is the CSS selector based AuthProbe.
type SelectorProbe struct {
	QRSelector       string
	QRCanvasSelector string
	AuthSelectors    []string
	MenuSelectors    []string
	PollInterval     time.Duration
}

// NewSelectorProbe returns a probe loaded with the known WhatsApp Web markup.
func NewSelectorProbe() *SelectorProbe {
	return &SelectorProbe{
		QRSelector:       QRSelector,
		QRCanvasSelector: "canvas[aria-label*='QR']",
		AuthSelectors:    append([]string(nil), DefaultAuthSelectors...),
		MenuSelectors:    append([]string(nil), DefaultMenuSelectors...),
		PollInterval:     2 * time.Second,
	}
}

// AwaitAuthenticated polls until the QR element disappears and an
// authenticated-interface selector matches. When the wait expires, a missing
// QR canvas still counts as a weak positive.
func (p *SelectorProbe) AwaitAuthenticated(ctx context.Context, d Driver, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	interval := p.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		matched, err := p.check(ctx, d)
		if err != nil {
			return "", err
		}
		if matched != "" {
			return matched, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return p.weakCheck(ctx, d)
		case <-ticker.C:
		}
	}
}

func (p *SelectorProbe) check(ctx context.Context, d Driver) (string, error) {
	qrVisible, err := d.Exists(ctx, p.QRSelector)
	if err != nil {
		return "", err
	}
	if qrVisible {
		return "", nil
	}

	for _, selector := range p.AuthSelectors {
		found, err := d.Exists(ctx, selector)
		if err != nil {
			return "", err
		}
		if found {
			return selector, nil
		}
	}
	return "", nil
}

func (p *SelectorProbe) weakCheck(ctx context.Context, d Driver) (string, error) {
	if p.QRCanvasSelector == "" {
		return "", ErrTimeout
	}
	qrVisible, err := d.Exists(ctx, p.QRSelector)
	if err != nil || qrVisible {
		return "", ErrTimeout
	}
	canvas, err := d.Exists(ctx, p.QRCanvasSelector)
	if err != nil || canvas {
		return "", ErrTimeout
	}
	zap.L().Info("browser: qr canvas gone, assuming authenticated")
	return weakSignal, nil
}

// Identity reads the stored account id when the page exposes it and falls
// back to a generic label.
func (p *SelectorProbe) Identity(ctx context.Context, d Driver) string {
	if raw, err := d.Eval(ctx, identityScript); err == nil {
		if phone := parseWid(raw); phone != "" {
			return phone
		}
	}

	for _, selector := range p.MenuSelectors {
		if found, err := d.Exists(ctx, selector); err == nil && found {
			return "authenticated session"
		}
	}
	return "active session"
}

// parseWid extracts the phone number from ids like "5215550001111:12@c.us".
func parseWid(raw string) string {
	wid := strings.Trim(strings.TrimSpace(raw), `"`)
	if at := strings.IndexByte(wid, '@'); at >= 0 {
		wid = wid[:at]
	}
	if colon := strings.IndexByte(wid, ':'); colon >= 0 {
		wid = wid[:colon]
	}
	if wid == "" {
		return ""
	}
	for _, r := range wid {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return "+" + wid
}
