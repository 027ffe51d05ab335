package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/grubcrawl/internal/humanize"
	"github.com/Rorqualx/grubcrawl/internal/types"
)

const (
	acceptLanguage        = "en-US,en;q=0.9"
	connectedCheckTimeout = 3 * time.Second
)

// blockedResourceURLs are dropped when a context asks for BlockResources.
var blockedResourceURLs = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.ico", "*.avif", "*.bmp",
	"*.woff", "*.woff2", "*.ttf", "*.eot", "*.otf",
	"*.mp4", "*.webm", "*.mov", "*.mp3", "*.ogg", "*.wav",
}

// rodBrowser is a launched Chrome process driven over CDP.
type rodBrowser struct {
	browser   *rod.Browser
	launcher  *launcher.Launcher
	proxy     *types.ProxyConfig
	closeOnce sync.Once
	closeErr  error
}

var _ types.Browser = (*rodBrowser)(nil)

// NewContext opens an incognito browser context. The context is bound to
// the browser's lifetime, not to ctx.
func (b *rodBrowser) NewContext(ctx context.Context, opts types.ContextOptions) (types.BrowserContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inc, err := b.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("create incognito context: %w", err)
	}
	return &rodContext{inc: inc, owner: b, opts: opts}, nil
}

func (b *rodBrowser) Connected() bool {
	chk := b.browser.Timeout(connectedCheckTimeout)
	defer chk.CancelTimeout()
	_, err := chk.Version()
	return err == nil
}

// Close closes the browser and kills its process. It is safe to call more than once.
func (b *rodBrowser) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.browser.Close()
		if b.launcher != nil {
			b.launcher.Kill()
			b.launcher.Cleanup()
		}
	})
	return b.closeErr
}

// rodContext is an incognito browser context.
type rodContext struct {
	inc   *rod.Browser
	owner *rodBrowser
	opts  types.ContextOptions

	mu     sync.Mutex
	pages  []*rodPage
	closed bool
}

var _ types.BrowserContext = (*rodContext)(nil)

func (c *rodContext) NewPage(ctx context.Context) (types.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, errors.New("browser context is closed")
	}

	page, err := stealth.Page(c.inc)
	if err != nil {
		return nil, fmt.Errorf("open stealth page: %w", err)
	}
	rp := &rodPage{page: page, owner: c}

	if ua := c.opts.UserAgent; ua != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua, AcceptLanguage: acceptLanguage}); err != nil {
			_ = rp.Close()
			return nil, fmt.Errorf("set user agent: %w", err)
		}
	}
	if c.opts.BlockResources {
		if err := (proto.NetworkSetBlockedURLs{Urls: blockedResourceURLs}).Call(page); err != nil {
			log.Warn().Err(err).Msg("Failed to set blocked resource URLs")
		}
	}
	if p := c.owner.proxy; p != nil && p.Username != "" {
		if err := rp.handleProxyAuth(p); err != nil {
			_ = rp.Close()
			return nil, err
		}
	}

	c.mu.Lock()
	c.pages = append(c.pages, rp)
	c.mu.Unlock()
	return rp, nil
}

func (c *rodContext) SetCookies(ctx context.Context, cookies []types.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, ck := range cookies {
		param := &proto.NetworkCookieParam{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Secure:   ck.Secure,
			HTTPOnly: ck.HTTPOnly,
		}
		if ck.SameSite != "" {
			param.SameSite = proto.NetworkCookieSameSite(ck.SameSite)
		}
		if !ck.Expires.IsZero() {
			param.Expires = proto.TimeSinceEpoch(ck.Expires.Unix())
		}
		params = append(params, param)
	}
	if err := c.inc.Context(ctx).SetCookies(params); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

func (c *rodContext) Cookies(ctx context.Context) ([]types.Cookie, error) {
	raw, err := c.inc.Context(ctx).GetCookies()
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	out := make([]types.Cookie, 0, len(raw))
	for _, ck := range raw {
		cookie := types.Cookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Secure:   ck.Secure,
			HTTPOnly: ck.HTTPOnly,
			SameSite: string(ck.SameSite),
		}
		if !ck.Session && ck.Expires > 0 {
			cookie.Expires = ck.Expires.Time()
		}
		out = append(out, cookie)
	}
	return out, nil
}

func (c *rodContext) UserAgent() string {
	return c.opts.UserAgent
}

func (c *rodContext) Browser() types.Browser {
	return c.owner
}

// Close closes every page and disposes the incognito context.
func (c *rodContext) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pages := c.pages
	c.pages = nil
	c.mu.Unlock()

	for _, p := range pages {
		_ = p.Close()
	}
	return c.inc.Close()
}

// rodPage adapts a stealth rod page.
type rodPage struct {
	page  *rod.Page
	owner *rodContext

	closeOnce sync.Once
	stopAuth  func()
}

var _ types.Page = (*rodPage)(nil)

// handleProxyAuth answers proxy authentication challenges through the
// Fetch domain and lets every other paused request through.
func (p *rodPage) handleProxyAuth(proxy *types.ProxyConfig) error {
	if err := (proto.FetchEnable{HandleAuthRequests: true}).Call(p.page); err != nil {
		return fmt.Errorf("enable proxy auth: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	wait := p.page.Context(ctx).EachEvent(
		func(e *proto.FetchAuthRequired) {
			_ = proto.FetchContinueWithAuth{
				RequestID: e.RequestID,
				AuthChallengeResponse: &proto.FetchAuthChallengeResponse{
					Response: proto.FetchAuthChallengeResponseResponseProvideCredentials,
					Username: proxy.Username,
					Password: proxy.Password,
				},
			}.Call(p.page)
		},
		func(e *proto.FetchRequestPaused) {
			_ = proto.FetchContinueRequest{RequestID: e.RequestID}.Call(p.page)
		},
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		wait()
	}()
	p.stopAuth = func() {
		cancel()
		wg.Wait()
	}
	return nil
}

func (p *rodPage) Navigate(ctx context.Context, url string, wait types.WaitCondition, timeout time.Duration) (*types.Response, error) {
	pg := p.page.Context(ctx)
	if timeout > 0 {
		pg = pg.Timeout(timeout)
		defer pg.CancelTimeout()
	}

	var (
		mu   sync.Mutex
		resp types.Response
	)
	listenCtx, stopListening := context.WithCancel(ctx)
	listen := p.page.Context(listenCtx).EachEvent(func(e *proto.NetworkResponseReceived) {
		if e.Type != proto.NetworkResourceTypeDocument || e.Response == nil {
			return
		}
		headers := make(map[string]string, len(e.Response.Headers))
		for k, v := range e.Response.Headers {
			headers[k] = v.Str()
		}
		mu.Lock()
		resp = types.Response{Status: e.Response.Status, URL: e.Response.URL, Headers: headers}
		mu.Unlock()
	})
	listening := make(chan struct{})
	go func() {
		defer close(listening)
		listen()
	}()
	defer func() {
		stopListening()
		<-listening
	}()

	event := proto.PageLifecycleEventNameLoad
	if wait == types.WaitDOMContentLoaded {
		event = proto.PageLifecycleEventNameDOMContentLoaded
	}
	waitLifecycle := pg.WaitNavigation(event)

	if err := pg.Navigate(url); err != nil {
		return nil, err
	}
	waitLifecycle()
	if err := pg.GetContext().Err(); err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", event, err)
	}

	mu.Lock()
	defer mu.Unlock()
	out := resp
	if out.URL == "" {
		out.URL = p.URL()
	}
	return &out, nil
}

func (p *rodPage) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (p *rodPage) Title(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	return p.page.Context(ctx).HTML()
}

func (p *rodPage) BodyText(ctx context.Context) (string, error) {
	return p.Eval(ctx, `() => document.body ? document.body.innerText : ""`)
}

func (p *rodPage) Element(ctx context.Context, selector string) (bool, bool, error) {
	els, err := p.page.Context(ctx).Elements(selector)
	if err != nil {
		return false, false, err
	}
	defer release(els)
	if len(els) == 0 {
		return false, false, nil
	}
	visible, err := els.First().Visible()
	if err != nil {
		return true, false, nil
	}
	return true, visible, nil
}

func (p *rodPage) Attribute(ctx context.Context, selector, name string) (string, bool, error) {
	els, err := p.page.Context(ctx).Elements(selector)
	if err != nil {
		return "", false, err
	}
	defer release(els)
	if len(els) == 0 {
		return "", false, nil
	}
	v, err := els.First().Attribute(name)
	if err != nil {
		return "", false, err
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

// Eval returns string results as-is and anything else as JSON.
// null and undefined yield "".
func (p *rodPage) Eval(ctx context.Context, js string, args ...any) (string, error) {
	res, err := p.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return "", err
	}
	if res.Type == proto.RuntimeRemoteObjectTypeString {
		return res.Value.Str(), nil
	}
	if res.Value.Nil() {
		return "", nil
	}
	return res.Value.JSON("", ""), nil
}

// ClickInFrame clicks selector inside the frame with a humanized mouse path,
// falling back to rod's own click when the target cannot be placed on the page.
func (p *rodPage) ClickInFrame(ctx context.Context, frameSelector, selector string) (bool, error) {
	pg := p.page.Context(ctx)
	frames, err := pg.Elements(frameSelector)
	if err != nil {
		return false, err
	}
	defer release(frames)

	for _, fe := range frames {
		frame, err := fe.Frame()
		if err != nil {
			log.Debug().Err(err).Msg("Failed to enter challenge frame")
			continue
		}
		targets, err := frame.Context(ctx).Elements(selector)
		if err != nil || len(targets) == 0 {
			continue
		}
		target := targets.First()

		if box, ok := frameTargetBox(fe, target); ok {
			mouse := humanize.NewMouse(rodPointer{p.page.Mouse}, nil)
			err := mouse.ClickBox(ctx, box)
			if err == nil {
				release(targets)
				return true, nil
			}
			log.Debug().Err(err).Msg("Humanized click failed")
		}

		clickErr := target.Context(ctx).Click(proto.InputMouseButtonLeft, 1)
		release(targets)
		if clickErr != nil {
			log.Debug().Err(clickErr).Str("selector", selector).Msg("Frame click failed")
			continue
		}
		return true, nil
	}
	return false, nil
}

// frameTargetBox places el, found inside the frame element fe, in page
// coordinates. Out-of-process frames report boxes relative to the frame;
// either reading must land inside the frame's own box.
func frameTargetBox(fe, el *rod.Element) (humanize.Box, bool) {
	fs, err := fe.Shape()
	if err != nil {
		return humanize.Box{}, false
	}
	es, err := el.Shape()
	if err != nil {
		return humanize.Box{}, false
	}
	fb, eb := fs.Box(), es.Box()
	if fb == nil || eb == nil {
		return humanize.Box{}, false
	}
	frameBox := humanize.Box{X: fb.X, Y: fb.Y, Width: fb.Width, Height: fb.Height}
	relative := humanize.Box{X: fb.X + eb.X, Y: fb.Y + eb.Y, Width: eb.Width, Height: eb.Height}
	absolute := humanize.Box{X: eb.X, Y: eb.Y, Width: eb.Width, Height: eb.Height}
	return humanize.PlaceInside(frameBox, relative, absolute)
}

func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

func (p *rodPage) BrowserContext() types.BrowserContext {
	return p.owner
}

func (p *rodPage) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.stopAuth != nil {
			p.stopAuth()
		}
		err = p.page.Close()
	})
	return err
}

// rodPointer exposes a rod mouse to the humanize package.
type rodPointer struct {
	m *rod.Mouse
}

func (r rodPointer) Position() humanize.Point {
	pos := r.m.Position()
	return humanize.Point{X: pos.X, Y: pos.Y}
}

func (r rodPointer) Move(pt humanize.Point) error {
	return r.m.MoveTo(proto.Point{X: pt.X, Y: pt.Y})
}

func (r rodPointer) Click() error {
	return r.m.Click(proto.InputMouseButtonLeft, 1)
}

func release(els rod.Elements) {
	for _, el := range els {
		_ = el.Release()
	}
}
