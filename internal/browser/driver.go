// Package browser drives the web chat client through the Chrome DevTools
// protocol and implements ui.Driver.
package browser

import (
	"bytes"
	"context"
	"errors"
	"image"
	_ "image/png"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/samber/oops"

	"github.com/stellarlinkco/chatsync/internal/config"
	"github.com/stellarlinkco/chatsync/internal/ui"
	"github.com/stellarlinkco/chatsync/internal/visual"
)

const (
	elAvatar  = "avatar"
	elPaneMin = "pane.min"
	elPaneMax = "pane.max"
	openDelay = 400 * time.Millisecond
)

// bubbleTextJS returns the text of the bubble under (x, y), or "" when the
// point is not on a bubble.
const bubbleTextJS = `(x, y, sel) => {
	const el = document.elementFromPoint(x, y);
	if (!el) return "";
	const bubble = el.closest(sel);
	return bubble ? bubble.innerText : "";
}`

type Driver struct {
	cfg config.BrowserConfig
	log *slog.Logger

	mu      sync.Mutex
	browser *rod.Browser
	page    *rod.Page
	lnch    *launcher.Launcher

	// located is the last chat pane layout seen by ChatPaneAvatars.
	located *ui.Elements
}

var _ ui.Driver = (*Driver)(nil)

func New(cfg config.BrowserConfig) *Driver {
	return &Driver{
		cfg: cfg,
		log: slog.Default().With("component", "browser"),
	}
}

// Close detaches from the browser and kills it when this driver launched it.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if d.lnch != nil {
		if d.browser != nil {
			err = d.browser.Close()
		}
		d.lnch.Cleanup()
		d.lnch = nil
	}
	d.browser = nil
	d.page = nil
	d.located = nil
	return err
}

// Shutdown lets a do.Injector release the driver.
func (d *Driver) Shutdown() error {
	return d.Close()
}

// session returns the chat page bound to ctx, connecting on first use.
// Any failure to reach the page is reported as ui.ErrWindowNotFound.
func (d *Driver) session(ctx context.Context) (*rod.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.page == nil {
		if err := d.connect(ctx); err != nil {
			return nil, oops.In("browser").
				With("control_url", d.cfg.ControlURL, "page_url", d.cfg.PageURL).
				Wrapf(errors.Join(ui.ErrWindowNotFound, err), "attach chat page")
		}
	}
	return d.page.Context(ctx).Timeout(d.timeout()), nil
}

func (d *Driver) timeout() time.Duration {
	if d.cfg.TimeoutMs <= 0 {
		return time.Duration(config.DefaultBrowserTimeoutMs) * time.Millisecond
	}
	return time.Duration(d.cfg.TimeoutMs) * time.Millisecond
}

func (d *Driver) connect(ctx context.Context) error {
	controlURL := d.cfg.ControlURL
	if controlURL == "" {
		if !d.cfg.Launch {
			return errors.New("no control url and launch disabled")
		}
		l := launcher.New().Headless(d.cfg.Headless).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return oops.In("browser").Wrapf(err, "launch")
		}
		d.lnch = l
		controlURL = u
		d.log.Info("launched local browser", "url", u, "headless", d.cfg.Headless)
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return oops.In("browser").Wrapf(err, "connect")
	}
	// Drop the connect context so later calls are not bound to it.
	b = b.Context(context.Background())

	page, err := d.findPage(b)
	if err != nil {
		return err
	}
	d.browser = b
	d.page = page
	return nil
}

func (d *Driver) findPage(b *rod.Browser) (*rod.Page, error) {
	if d.cfg.PageMatch != "" {
		pages, err := b.Pages()
		if err != nil {
			return nil, oops.In("browser").Wrapf(err, "list pages")
		}
		if p, err := pages.FindByURL(d.cfg.PageMatch); err == nil && p != nil {
			d.log.Info("attached to existing page", "match", d.cfg.PageMatch)
			return p, nil
		}
	}
	if !d.cfg.Launch {
		return nil, oops.In("browser").With("match", d.cfg.PageMatch).Errorf("no page matches")
	}

	p, err := stealth.Page(b)
	if err != nil {
		return nil, oops.In("browser").Wrapf(err, "create page")
	}
	nav := p.Timeout(30 * time.Second)
	if err := nav.Navigate(d.cfg.PageURL); err != nil {
		return nil, oops.In("browser").With("url", d.cfg.PageURL).Wrapf(err, "navigate")
	}
	if err := nav.WaitLoad(); err != nil {
		d.log.Warn("wait load timeout", "url", d.cfg.PageURL, "error", err)
	}
	return p, nil
}

func (d *Driver) ContactName(ctx context.Context, precise bool) (string, error) {
	page, err := d.session(ctx)
	if err != nil {
		return "", err
	}
	has, el, err := page.Has(d.cfg.Selectors.ContactName)
	if err != nil || !has {
		return "", nil
	}
	text, err := el.Text()
	if err != nil {
		d.log.Debug("read contact title failed", "error", err)
		return "", nil
	}
	// The rendered title may be ellipsized; the title attribute is not.
	if precise {
		if full, err := el.Attribute("title"); err == nil && full != nil && strings.TrimSpace(*full) != "" {
			text = *full
		}
	}
	return ui.ContactKey(text), nil
}

func (d *Driver) OpenChat(ctx context.Context, contact string) error {
	page, err := d.session(ctx)
	if err != nil {
		return err
	}
	fail := func(err error, msg string) error {
		return oops.In("browser").With("contact", contact).Wrapf(errors.Join(ui.ErrChatNotOpened, err), "%s", msg)
	}

	search, err := page.Element(d.cfg.Selectors.SearchInput)
	if err != nil {
		return fail(err, "find search box")
	}
	if err := search.SelectAllText(); err != nil {
		d.log.Debug("select search text failed", "error", err)
	}
	if err := search.Input(contact); err != nil {
		return fail(err, "type contact")
	}
	sleep(ctx, openDelay)

	results, err := page.Elements(d.cfg.Selectors.SearchResult)
	if err != nil {
		return fail(err, "list search results")
	}
	var target *rod.Element
	for _, el := range results {
		text, err := el.Text()
		if err == nil && ui.SameContact(text, contact) {
			target = el
			break
		}
	}
	if target == nil {
		return fail(errors.New("no exact search match"), "find contact")
	}
	if err := target.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fail(err, "click contact")
	}
	sleep(ctx, openDelay)

	name, err := d.ContactName(ctx, true)
	if err != nil {
		return err
	}
	if !ui.SameContact(name, contact) {
		return fail(errors.New("title is "+name), "verify contact")
	}
	return nil
}

func (d *Driver) ChatHash(ctx context.Context, contact string) (string, error) {
	page, err := d.session(ctx)
	if err != nil {
		return "", err
	}
	has, pane, err := page.Has(d.cfg.Selectors.ChatPane)
	if err != nil || !has {
		return "", nil
	}
	shot, err := pane.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
	if err != nil {
		d.log.Debug("chat pane screenshot failed", "contact", contact, "error", err)
		return "", nil
	}
	h, err := hashPNG(shot)
	if err != nil {
		d.log.Debug("chat pane hash failed", "contact", contact, "error", err)
		return "", nil
	}
	return h.String(), nil
}

// ChatPaneAvatars returns the centres of incoming-message avatars that lie
// inside the chat pane.
func (d *Driver) ChatPaneAvatars(ctx context.Context, contact string) ([]ui.Point, error) {
	page, err := d.session(ctx)
	if err != nil {
		return nil, err
	}
	has, pane, err := page.Has(d.cfg.Selectors.ChatPane)
	if err != nil || !has {
		return nil, nil
	}
	paneShape, err := pane.Shape()
	if err != nil {
		return nil, oops.In("browser").With("contact", contact).Wrapf(err, "chat pane box")
	}
	paneBox := paneShape.Box()

	found, err := page.Elements(d.cfg.Selectors.Avatar)
	if err != nil {
		return nil, oops.In("browser").With("contact", contact).Wrapf(err, "find avatars")
	}

	boxes := make([]*proto.DOMRect, 0, len(found))
	for _, el := range found {
		if shape, err := el.Shape(); err == nil {
			boxes = append(boxes, shape.Box())
		}
	}
	els := locate(paneBox, boxes)

	d.mu.Lock()
	d.located = els
	d.mu.Unlock()
	return els.SortedByYDesc(elAvatar), nil
}

func (d *Driver) CopyBubbleText(ctx context.Context, at ui.Point) (string, error) {
	page, err := d.session(ctx)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	els := d.located
	d.mu.Unlock()
	if !onPane(els, at) {
		d.log.Debug("bubble point outside chat pane", "at", at.String())
		return "", nil
	}
	if err := page.Mouse.MoveTo(proto.Point{X: float64(at.X), Y: float64(at.Y)}); err != nil {
		d.log.Debug("move to bubble failed", "at", at.String(), "error", err)
	}
	res, err := page.Eval(bubbleTextJS, at.X, at.Y, d.cfg.Selectors.Bubble)
	if err != nil {
		return "", oops.In("browser").With("at", at.String()).Wrapf(err, "read bubble")
	}
	return res.Value.Str(), nil
}

func (d *Driver) SendText(ctx context.Context, contact, text string) error {
	page, err := d.focus(ctx, contact)
	if err != nil {
		return err
	}
	box, err := page.Element(d.cfg.Selectors.Input)
	if err != nil {
		return oops.In("browser").With("contact", contact).Wrapf(err, "find input")
	}
	if err := box.Input(text); err != nil {
		return oops.In("browser").With("contact", contact).Wrapf(err, "type message")
	}
	return d.submit(page, contact)
}

func (d *Driver) SendFile(ctx context.Context, contact, path string) error {
	page, err := d.focus(ctx, contact)
	if err != nil {
		return err
	}
	el, err := page.Element(d.cfg.Selectors.FileInput)
	if err != nil {
		return oops.In("browser").With("contact", contact).Wrapf(err, "find file input")
	}
	if err := el.SetFiles([]string{path}); err != nil {
		return oops.In("browser").With("contact", contact, "path", path).Wrapf(err, "attach file")
	}
	sleep(ctx, openDelay)
	return d.submit(page, contact)
}

// focus makes contact the foreground chat.
func (d *Driver) focus(ctx context.Context, contact string) (*rod.Page, error) {
	page, err := d.session(ctx)
	if err != nil {
		return nil, err
	}
	name, err := d.ContactName(ctx, true)
	if err != nil {
		return nil, err
	}
	if !ui.SameContact(name, contact) {
		if err := d.OpenChat(ctx, contact); err != nil {
			return nil, err
		}
	}
	return page, nil
}

func (d *Driver) submit(page *rod.Page, contact string) error {
	if sel := d.cfg.Selectors.SendButton; sel != "" {
		if has, btn, err := page.Has(sel); err == nil && has {
			if err := btn.Click(proto.InputMouseButtonLeft, 1); err == nil {
				return nil
			}
		}
	}
	if err := page.Keyboard.Type(input.Enter); err != nil {
		return oops.In("browser").With("contact", contact).Wrapf(err, "press enter")
	}
	return nil
}

func hashPNG(data []byte) (visual.Hash, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, oops.In("browser").Wrapf(err, "decode screenshot")
	}
	return visual.FromImage(img)
}

func center(r *proto.DOMRect) ui.Point {
	if r == nil {
		return ui.Point{}
	}
	return ui.Point{X: int(r.X + r.Width/2), Y: int(r.Y + r.Height/2)}
}

func inside(r *proto.DOMRect, p ui.Point) bool {
	if r == nil {
		return false
	}
	x, y := float64(p.X), float64(p.Y)
	return x >= r.X && x <= r.X+r.Width && y >= r.Y && y <= r.Y+r.Height
}

// locate records the chat pane corners as single elements and the avatars
// whose centre lies inside the pane as a list.
func locate(pane *proto.DOMRect, avatars []*proto.DOMRect) *ui.Elements {
	els := ui.NewElements()
	if pane == nil {
		return els
	}
	els.SetSingle(elPaneMin, ui.Point{X: int(pane.X), Y: int(pane.Y)})
	els.SetSingle(elPaneMax, ui.Point{X: int(pane.X + pane.Width), Y: int(pane.Y + pane.Height)})
	for _, box := range avatars {
		if c := center(box); inside(pane, c) {
			els.AddToList(elAvatar, c)
		}
	}
	return els
}

// onPane reports whether p lies in the located chat pane. Without a located
// pane every point passes.
func onPane(els *ui.Elements, p ui.Point) bool {
	if els == nil {
		return true
	}
	lo, okLo := els.Single(elPaneMin)
	hi, okHi := els.Single(elPaneMax)
	if !okLo || !okHi {
		return true
	}
	return p.X >= lo.X && p.X <= hi.X && p.Y >= lo.Y && p.Y <= hi.Y
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
