// Package browsertest provides scriptable in-memory implementations of the
// browser interfaces for tests.
package browsertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Rorqualx/grubcrawl/internal/types"
)

// ErrClosed is returned by operations on a closed fake.
var ErrClosed = errors.New("browsertest: closed")

// Element is a fake DOM element.
type Element struct {
	Visible bool
	Attrs   map[string]string
}

// Page is a fake types.Page. Exported fields may be set before use; once
// the page is shared, mutate it through Update.
type Page struct {
	mu sync.Mutex

	PageTitle string
	Content   string
	Body      string
	CurURL    string
	Status    int
	Elements  map[string]Element
	Clickable map[string]bool // selectors clickable inside the challenge frame
	Shot      []byte
	QueryErr  error // returned by every DOM query when set

	// OnNavigate replaces the default navigation. It runs without the lock held.
	OnNavigate func(p *Page, url string) (*types.Response, error)
	// OnClick runs after a successful frame click.
	OnClick func(p *Page, selector string)
	// OnEval answers Eval calls. Unset means every script yields "".
	OnEval func(p *Page, js string, args ...any) (string, error)

	Navigations []string
	Clicks      []string
	Closed      bool

	ctx *Context
}

var _ types.Page = (*Page)(nil)

// Update applies fn to the page under its lock.
func (p *Page) Update(fn func(p *Page)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

// Challenged turns p into a challenge interstitial matched by selector.
func (p *Page) Challenged(selector string, visible bool) {
	p.Update(func(p *Page) {
		if p.Elements == nil {
			p.Elements = map[string]Element{}
		}
		p.Elements[selector] = Element{Visible: visible}
		p.PageTitle = "Just a moment..."
	})
}

// Clear turns p into an ordinary content page.
func (p *Page) Clear(title string) {
	p.Update(func(p *Page) {
		p.Elements = nil
		p.PageTitle = title
		p.Content = "<html><body><h1>" + title + "</h1></body></html>"
		p.Body = title
	})
}

func (p *Page) Navigate(ctx context.Context, url string, _ types.WaitCondition, _ time.Duration) (*types.Response, error) {
	p.mu.Lock()
	if p.Closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.Navigations = append(p.Navigations, url)
	p.CurURL = url
	hook := p.OnNavigate
	status := p.Status
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if hook != nil {
		return hook(p, url)
	}
	if status == 0 {
		status = 200
	}
	return &types.Response{Status: status, URL: url}, nil
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CurURL
}

func (p *Page) Title(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.PageTitle, p.QueryErr
}

func (p *Page) HTML(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Content, p.QueryErr
}

func (p *Page) BodyText(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Body, p.QueryErr
}

func (p *Page) Element(_ context.Context, selector string) (bool, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.QueryErr != nil {
		return false, false, p.QueryErr
	}
	el, ok := p.Elements[selector]
	return ok, ok && el.Visible, nil
}

func (p *Page) Attribute(_ context.Context, selector, name string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.QueryErr != nil {
		return "", false, p.QueryErr
	}
	el, ok := p.Elements[selector]
	if !ok {
		return "", false, nil
	}
	v, ok := el.Attrs[name]
	return v, ok, nil
}

func (p *Page) Eval(_ context.Context, js string, args ...any) (string, error) {
	p.mu.Lock()
	hook := p.OnEval
	p.mu.Unlock()
	if hook == nil {
		return "", nil
	}
	return hook(p, js, args...)
}

func (p *Page) ClickInFrame(_ context.Context, _, selector string) (bool, error) {
	p.mu.Lock()
	if !p.Clickable[selector] {
		p.mu.Unlock()
		return false, nil
	}
	p.Clicks = append(p.Clicks, selector)
	hook := p.OnClick
	p.mu.Unlock()

	if hook != nil {
		hook(p, selector)
	}
	return true, nil
}

func (p *Page) Screenshot(context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Shot, nil
}

func (p *Page) BrowserContext() types.BrowserContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return nil
	}
	return p.ctx
}

// Context returns the fake context owning p, or nil.
func (p *Page) Context() *Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctx
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// Context is a fake types.BrowserContext.
type Context struct {
	mu sync.Mutex

	opts    types.ContextOptions
	jar     []types.Cookie
	pages   []*Page
	closed  bool
	browser *Browser

	SetCookiesErr error
	NewPageErr    error
}

var _ types.BrowserContext = (*Context)(nil)

func (c *Context) NewPage(context.Context) (types.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.NewPageErr != nil {
		return nil, c.NewPageErr
	}
	var p *Page
	if c.browser != nil && c.browser.PageFactory != nil {
		p = c.browser.PageFactory(c)
	}
	if p == nil {
		p = &Page{}
	}
	p.ctx = c
	c.pages = append(c.pages, p)
	return p, nil
}

// Pages returns the pages opened in c.
func (c *Context) Pages() []*Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Page(nil), c.pages...)
}

func (c *Context) SetCookies(_ context.Context, cookies []types.Cookie) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SetCookiesErr != nil {
		return c.SetCookiesErr
	}
	for _, nc := range cookies {
		replaced := false
		for i, old := range c.jar {
			if old.Name == nc.Name && old.Domain == nc.Domain && old.Path == nc.Path {
				c.jar[i] = nc
				replaced = true
				break
			}
		}
		if !replaced {
			c.jar = append(c.jar, nc)
		}
	}
	return nil
}

func (c *Context) Cookies(context.Context) ([]types.Cookie, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return append([]types.Cookie(nil), c.jar...), nil
}

// Cookie returns the named cookie from the jar.
func (c *Context) Cookie(name string) (types.Cookie, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ck := range c.jar {
		if ck.Name == name {
			return ck, true
		}
	}
	return types.Cookie{}, false
}

func (c *Context) UserAgent() string {
	return c.opts.UserAgent
}

func (c *Context) Browser() types.Browser {
	if c.browser == nil {
		return nil
	}
	return c.browser
}

// Closed reports whether Close was called.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, p := range c.pages {
		p.Update(func(p *Page) { p.Closed = true })
	}
	return nil
}

// Browser is a fake types.Browser.
type Browser struct {
	mu sync.Mutex

	contexts     []*Context
	closed       bool
	disconnected bool

	// Proxy is the proxy the launcher was asked to use.
	Proxy *types.ProxyConfig
	// PageFactory builds pages for new contexts. Nil yields empty pages.
	PageFactory   func(c *Context) *Page
	NewContextErr error
}

var _ types.Browser = (*Browser)(nil)

// NewBrowser creates a connected fake browser.
func NewBrowser() *Browser {
	return &Browser{}
}

func (b *Browser) NewContext(_ context.Context, opts types.ContextOptions) (types.BrowserContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.disconnected {
		return nil, ErrClosed
	}
	if b.NewContextErr != nil {
		return nil, b.NewContextErr
	}
	c := &Context{opts: opts, browser: b}
	b.contexts = append(b.contexts, c)
	return c, nil
}

// NewContextFor returns a standalone fake context owned by b.
func (b *Browser) NewContextFor(opts types.ContextOptions) *Context {
	c, err := b.NewContext(context.Background(), opts)
	if err != nil {
		return nil
	}
	return c.(*Context)
}

// Contexts returns every context created on b.
func (b *Browser) Contexts() []*Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Context(nil), b.contexts...)
}

// OpenContexts counts contexts that have not been closed.
func (b *Browser) OpenContexts() int {
	n := 0
	for _, c := range b.Contexts() {
		if !c.Closed() {
			n++
		}
	}
	return n
}

// Disconnect simulates a crashed browser.
func (b *Browser) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnected = true
}

func (b *Browser) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed && !b.disconnected
}

// Closed reports whether Close was called.
func (b *Browser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Browser) Close() error {
	b.mu.Lock()
	contexts := append([]*Context(nil), b.contexts...)
	b.closed = true
	b.mu.Unlock()
	for _, c := range contexts {
		_ = c.Close()
	}
	return nil
}

// Launcher is a fake types.Launcher recording every launch.
type Launcher struct {
	mu sync.Mutex

	launches []*types.ProxyConfig
	browsers []*Browser

	// Err fails every launch when set.
	Err error
	// Configure prepares each new browser.
	Configure func(b *Browser)
}

var _ types.Launcher = (*Launcher)(nil)

func (l *Launcher) Launch(ctx context.Context, proxy *types.ProxyConfig) (types.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches = append(l.launches, proxy)
	if l.Err != nil {
		return nil, l.Err
	}
	b := NewBrowser()
	b.Proxy = proxy
	if l.Configure != nil {
		l.Configure(b)
	}
	l.browsers = append(l.browsers, b)
	return b, nil
}

// Launches returns the proxies passed to each Launch call, in order.
func (l *Launcher) Launches() []*types.ProxyConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*types.ProxyConfig(nil), l.launches...)
}

// Browsers returns every browser launched.
func (l *Launcher) Browsers() []*Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Browser(nil), l.browsers...)
}

// Last returns the most recently launched browser, or nil.
func (l *Launcher) Last() *Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.browsers) == 0 {
		return nil
	}
	return l.browsers[len(l.browsers)-1]
}
