package browser

import (
	"context"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RodLauncher starts a local Chromium through rod.
type RodLauncher struct {
	Bin       string
	Headless  bool
	UserAgent string
}

// NewRodLauncher builds a launcher. An empty bin means the binary is looked up
// on the host; no browser is downloaded.
func NewRodLauncher(bin string, headless bool, userAgent string) *RodLauncher {
	return &RodLauncher{Bin: bin, Headless: headless, UserAgent: userAgent}
}

// Available reports whether a browser binary can be found.
func (l *RodLauncher) Available() bool {
	if l.Bin != "" {
		return true
	}
	_, ok := launcher.LookPath()
	return ok
}

// Launch starts a browser with a fresh profile and opens one blank page.
func (l *RodLauncher) Launch(ctx context.Context) (Driver, error) {
	bin := l.Bin
	if bin == "" {
		path, ok := launcher.LookPath()
		if !ok {
			return nil, ErrUnavailable
		}
		bin = path
	}

	lch := launcher.New().
		Bin(bin).
		Headless(l.Headless).
		NoSandbox(true).
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("window-size", "1280,900")

	controlURL, err := lch.Launch()
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "launch %s: %v", bin, err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		lch.Kill()
		lch.Cleanup()
		return nil, errors.Wrapf(ErrUnavailable, "connect devtools: %v", err)
	}

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = browser.Close()
		lch.Kill()
		lch.Cleanup()
		return nil, errors.Wrap(err, "open page")
	}
	page = page.Context(context.Background())

	if l.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: l.UserAgent}); err != nil {
			zap.L().Warn("browser: set user agent failed", zap.Error(err))
		}
	}

	zap.L().Info("browser: chromium started", zap.String("bin", bin), zap.Bool("headless", l.Headless))
	return &rodDriver{launcher: lch, browser: browser, page: page}, nil
}

type rodDriver struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
}

func (d *rodDriver) Navigate(ctx context.Context, url string) error {
	p := d.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return errors.Wrapf(err, "navigate %s", url)
	}
	if err := p.WaitLoad(); err != nil {
		return errors.Wrap(err, "wait load")
	}
	return nil
}

func (d *rodDriver) WaitForElement(ctx context.Context, selector string, timeout time.Duration) (Element, error) {
	el, err := d.page.Context(ctx).Timeout(timeout).Element(selector)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, errors.Wrapf(err, "wait for %s", selector)
	}
	return &rodElement{el: el.CancelTimeout()}, nil
}

func (d *rodDriver) Exists(ctx context.Context, selector string) (bool, error) {
	has, _, err := d.page.Context(ctx).Has(selector)
	if err != nil {
		return false, errors.Wrapf(err, "query %s", selector)
	}
	return has, nil
}

func (d *rodDriver) Refresh(ctx context.Context) error {
	p := d.page.Context(ctx)
	if err := p.Reload(); err != nil {
		return errors.Wrap(err, "reload")
	}
	if err := p.WaitLoad(); err != nil {
		return errors.Wrap(err, "wait load")
	}
	return nil
}

func (d *rodDriver) CurrentURL(ctx context.Context) (string, error) {
	info, err := d.page.Context(ctx).Info()
	if err != nil {
		return "", errors.Wrap(err, "page info")
	}
	return info.URL, nil
}

func (d *rodDriver) Eval(ctx context.Context, script string) (string, error) {
	res, err := d.page.Context(ctx).Eval(script)
	if err != nil {
		return "", errors.Wrap(err, "eval")
	}
	return res.Value.Str(), nil
}

func (d *rodDriver) Close() error {
	err := d.browser.Close()
	d.launcher.Kill()
	d.launcher.Cleanup()
	if err != nil {
		return errors.Wrap(err, "close browser")
	}
	return nil
}

type rodElement struct {
	el *rod.Element
}

func (e *rodElement) Attribute(name string) (string, bool, error) {
	val, err := e.el.Attribute(name)
	if err != nil {
		return "", false, errors.Wrapf(err, "attribute %s", name)
	}
	if val == nil {
		return "", false, nil
	}
	return *val, true, nil
}
