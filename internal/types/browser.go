package types

import (
	"context"
	"time"
)

// WaitCondition selects when a navigation is considered complete.
type WaitCondition string

// Wait conditions supported by Page.Navigate.
const (
	WaitDOMContentLoaded WaitCondition = "domcontentloaded"
	WaitLoad             WaitCondition = "load"
)

// Response describes the main document response of a navigation.
type Response struct {
	Status  int
	URL     string
	Headers map[string]string
}

// Cookie is a browser cookie in backend-neutral form.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Secure   bool
	HTTPOnly bool
	SameSite string // "", "Strict", "Lax" or "None"
	Expires  time.Time
}

// ContextOptions configures a new isolated browser context.
type ContextOptions struct {
	UserAgent string
	// BlockResources drops images, fonts and media on every page of the context.
	BlockResources bool
}

// Page is the browser-control surface the challenge pipeline and the
// engine depend on. Query methods report absence through their boolean
// results; the error is reserved for a broken page or target.
type Page interface {
	Navigate(ctx context.Context, url string, wait WaitCondition, timeout time.Duration) (*Response, error)
	URL() string
	Title(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	BodyText(ctx context.Context) (string, error)

	// Element reports whether selector matches and whether the first match is visible.
	Element(ctx context.Context, selector string) (found, visible bool, err error)
	// Attribute returns the named attribute of the first element matching selector.
	Attribute(ctx context.Context, selector, name string) (string, bool, error)
	// Eval runs a JS function expression and returns its result as a string.
	Eval(ctx context.Context, js string, args ...any) (string, error)
	// ClickInFrame clicks the first element matching selector inside the
	// first frame matching frameSelector. It returns false if nothing was found.
	ClickInFrame(ctx context.Context, frameSelector, selector string) (bool, error)

	Screenshot(ctx context.Context) ([]byte, error)
	BrowserContext() BrowserContext
	Close() error
}

// BrowserContext is an isolated cookie/storage partition inside a browser.
type BrowserContext interface {
	NewPage(ctx context.Context) (Page, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	Cookies(ctx context.Context) ([]Cookie, error)
	UserAgent() string
	Browser() Browser
	Close() error
}

// Browser is a running browser process.
type Browser interface {
	NewContext(ctx context.Context, opts ContextOptions) (BrowserContext, error)
	Connected() bool
	Close() error
}

// Launcher starts browser processes. Each launch may route through a different proxy.
type Launcher interface {
	Launch(ctx context.Context, proxy *ProxyConfig) (Browser, error)
}

// ProxyConfig holds proxy settings for a browser session.
type ProxyConfig struct {
	Server   string
	Username string
	Password string
}

// Identity returns the cache identity of the proxy, or "direct" when unset.
func (p *ProxyConfig) Identity() string {
	if p == nil || p.Server == "" {
		return "direct"
	}
	if p.Username != "" {
		return p.Username + "@" + p.Server
	}
	return p.Server
}
