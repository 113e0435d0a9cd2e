package browser

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable 表示当前环境无法启动浏览器自动化。
	ErrUnavailable = errors.New("browser: automation unavailable")
	// ErrTimeout 表示等待页面元素超时。
	ErrTimeout = errors.New("browser: wait timed out")
)

// Element is a located page element.
type Element interface {
	Attribute(name string) (string, bool, error)
}

// Driver is a single automated browser page. A Driver is owned by one
// session task and is not safe for concurrent use.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	WaitForElement(ctx context.Context, selector string, timeout time.Duration) (Element, error)
	Exists(ctx context.Context, selector string) (bool, error)
	Refresh(ctx context.Context) error
	CurrentURL(ctx context.Context) (string, error)
	// Eval runs a JavaScript function expression and returns its string result.
	Eval(ctx context.Context, script string) (string, error)
	Close() error
}

// Launcher starts new drivers.
type Launcher interface {
	Launch(ctx context.Context) (Driver, error)
}

// Unavailable is the Launcher used when browser automation is disabled.
type Unavailable struct{}

// Launch always fails with ErrUnavailable.
func (Unavailable) Launch(context.Context) (Driver, error) {
	return nil, ErrUnavailable
}
