// Package uitest provides a scripted ui.Driver for tests.
package uitest

import (
	"context"
	"sync"

	"github.com/stellarlinkco/chatsync/internal/ui"
)

// Driver is an in-memory chat window. Bubbles are keyed by the avatar row.
type Driver struct {
	mu sync.Mutex

	// Contact is the foreground contact. ContactNames, when non-empty, is
	// consumed first, one entry per ContactName call.
	Contact      string
	ContactNames []string
	ContactErr   error

	// Hash is returned by ChatHash once Hashes is drained.
	Hash   string
	Hashes []string

	Avatars   []ui.Point
	AvatarErr error
	Texts     map[int]string
	CopyErrs  map[int]error

	OpenErr error
	SendErr error

	// OnCopy runs after every bubble copy. Tests use it to change the
	// window mid-read.
	OnCopy func(d *Driver, at ui.Point)

	calls map[string]int
	Sent  []string
	Files []string
}

func New(contact string) *Driver {
	return &Driver{
		Contact: contact,
		Texts:   make(map[int]string),
		calls:   make(map[string]int),
	}
}

// SetPage lays out messages newest first, bottom-most avatar at the highest Y.
func (d *Driver) SetPage(texts ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Avatars = nil
	d.Texts = make(map[int]string)
	for i, text := range texts {
		y := 1000 - 100*i
		d.Avatars = append(d.Avatars, ui.Point{X: 40, Y: y})
		d.Texts[y] = text
	}
}

// SetHash changes the pane hash while a caller may be polling.
func (d *Driver) SetHash(h string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Hash = h
	d.Hashes = nil
}

// Calls reports how many times a method was invoked.
func (d *Driver) Calls(method string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[method]
}

func (d *Driver) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = make(map[string]int)
}

func (d *Driver) record(method string) {
	if d.calls == nil {
		d.calls = make(map[string]int)
	}
	d.calls[method]++
}

func (d *Driver) OpenChat(_ context.Context, contact string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("OpenChat")
	if d.OpenErr != nil {
		return d.OpenErr
	}
	d.Contact = contact
	return nil
}

func (d *Driver) ContactName(_ context.Context, _ bool) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("ContactName")
	if d.ContactErr != nil {
		return "", d.ContactErr
	}
	if len(d.ContactNames) > 0 {
		name := d.ContactNames[0]
		d.ContactNames = d.ContactNames[1:]
		return name, nil
	}
	return d.Contact, nil
}

func (d *Driver) ChatHash(_ context.Context, _ string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("ChatHash")
	if len(d.Hashes) > 0 {
		h := d.Hashes[0]
		d.Hashes = d.Hashes[1:]
		return h, nil
	}
	return d.Hash, nil
}

func (d *Driver) ChatPaneAvatars(_ context.Context, _ string) ([]ui.Point, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("ChatPaneAvatars")
	if d.AvatarErr != nil {
		return nil, d.AvatarErr
	}
	return append([]ui.Point(nil), d.Avatars...), nil
}

func (d *Driver) CopyBubbleText(_ context.Context, at ui.Point) (string, error) {
	d.mu.Lock()
	d.record("CopyBubbleText")
	err := d.CopyErrs[at.Y]
	text := d.Texts[at.Y]
	hook := d.OnCopy
	d.mu.Unlock()

	if hook != nil {
		hook(d, at)
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

func (d *Driver) SendText(_ context.Context, contact, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("SendText")
	if d.SendErr != nil {
		return d.SendErr
	}
	d.Contact = contact
	d.Sent = append(d.Sent, text)
	return nil
}

func (d *Driver) SendFile(_ context.Context, contact, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("SendFile")
	if d.SendErr != nil {
		return d.SendErr
	}
	d.Contact = contact
	d.Files = append(d.Files, path)
	return nil
}

var _ ui.Driver = (*Driver)(nil)
