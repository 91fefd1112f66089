// Package syncer turns independent polls of a chat window into an
// incremental message stream. Each contact has a durable anchor (md5 of the
// newest delivered message) and a durable visual hash of its chat pane.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/elliotchance/pie/v2"
	"github.com/samber/oops"

	"github.com/stellarlinkco/chatsync/internal/bus"
	"github.com/stellarlinkco/chatsync/internal/reader"
	"github.com/stellarlinkco/chatsync/internal/statestore"
	"github.com/stellarlinkco/chatsync/internal/ui"
	"github.com/stellarlinkco/chatsync/internal/visual"
)

type Options struct {
	// Threshold is the default Hamming distance for HasNewMessage.
	Threshold int
	Reader    reader.Options
	Baselines *visual.BaselineStore
	Now       func() time.Time
	Logger    *slog.Logger
}

// Syncer owns all per-process sync state. Every public method holds one
// lock: the chat window is a single serialized resource.
type Syncer struct {
	mu sync.Mutex

	driver     ui.Driver
	anchorFile *statestore.File
	visualFile *statestore.File
	baselines  *visual.BaselineStore
	opts       Options
	log        *slog.Logger

	anchors    map[string]string
	seen       map[string]map[string]struct{}
	initFailed map[string]struct{}
	readers    map[string]*reader.Reader
}

// New loads the anchor document once. Later writes replace the whole
// document with this process's copy.
func New(driver ui.Driver, anchors, visualState *statestore.File, opts Options) *Syncer {
	if opts.Threshold <= 0 {
		opts.Threshold = visual.DefaultThreshold
	}
	if opts.Baselines == nil {
		opts.Baselines = visual.NewBaselineStore()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Reader.Logger == nil {
		opts.Reader.Logger = logger
	}

	return &Syncer{
		driver:     driver,
		anchorFile: anchors,
		visualFile: visualState,
		baselines:  opts.Baselines,
		opts:       opts,
		log:        logger.With("component", "syncer"),
		anchors:    anchors.Load(),
		seen:       make(map[string]map[string]struct{}),
		initFailed: make(map[string]struct{}),
		readers:    make(map[string]*reader.Reader),
	}
}

// Poll returns messages newer than the contact's anchor, oldest first. Drift,
// missing UI and read failures yield no messages and no error. Only a lost
// chat window is returned as an error, and it drops every visual baseline.
func (s *Syncer) Poll(ctx context.Context, contact string, updateAnchor bool) ([]bus.MessageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.poll(ctx, strings.TrimSpace(contact), updateAnchor)
	if isFatal(err) {
		s.windowLost(err)
	}
	return events, err
}

func (s *Syncer) poll(ctx context.Context, contact string, updateAnchor bool) ([]bus.MessageEvent, error) {
	log := s.log.With("contact", contact, "update_anchor", updateAnchor)

	saved := s.visualFile.Load()[contact]
	current, err := s.chatHash(ctx, contact)
	if err != nil {
		return nil, err
	}
	if saved != "" && current == saved {
		log.Info("chat pane unchanged, skipping")
		return nil, nil
	}

	if err := s.ensureForeground(ctx, contact); err != nil {
		if isFatal(err) {
			return nil, err
		}
		log.Warn("could not bring chat to foreground", "error", err)
		return nil, nil
	}

	after, err := s.chatHash(ctx, contact)
	if err != nil {
		return nil, err
	}
	if saved != "" && after == saved {
		log.Info("chat pane unchanged after refocus, skipping")
		return nil, nil
	}

	anchor, ok := s.anchors[contact]
	if !ok {
		if _, failed := s.initFailed[contact]; failed {
			log.Warn("bootstrap failed earlier, reset the anchor to retry")
			return nil, nil
		}
		return nil, s.bootstrap(ctx, contact)
	}

	raw, err := s.snapshot(ctx, contact, reader.AnchorHash(anchor))
	if err != nil {
		if isFatal(err) {
			return nil, err
		}
		log.Warn("snapshot failed, keeping visual state", "error", err)
		return nil, nil
	}

	if drifted, err := s.drifted(ctx, contact); err != nil || drifted {
		return nil, err
	}

	events := s.filter(contact, raw, anchor)
	log.Info("snapshot filtered", "raw", len(raw), "new", len(events))

	fresh, err := s.chatHash(ctx, contact)
	if err != nil {
		return nil, err
	}
	if updateAnchor && len(events) > 0 {
		s.setAnchor(contact, events[0].Hash)
		s.saveChatState(ctx, contact, fresh)
		s.markSeen(contact, pie.Map(events, func(e bus.MessageEvent) string { return e.Hash }))
	}
	s.saveVisualState(contact, fresh)

	return pie.Reverse(events), nil
}

// ReadDirect reads the visible page of a chat the caller has already opened.
// It skips the visual and contact checks, stops at the anchor if there is
// one, and always advances state.
func (s *Syncer) ReadDirect(ctx context.Context, contact string) ([]bus.MessageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	contact = strings.TrimSpace(contact)
	anchor := s.anchors[contact]
	if anchor == "" {
		s.log.Info("no anchor, reading the whole page", "contact", contact)
	}

	raw, err := s.snapshot(ctx, contact, reader.AnchorHash(anchor))
	if err != nil {
		if isFatal(err) {
			s.windowLost(err)
			return nil, err
		}
		s.log.Warn("snapshot failed, keeping state", "contact", contact, "error", err)
		return nil, nil
	}
	if drifted, err := s.drifted(ctx, contact); err != nil || drifted {
		if isFatal(err) {
			s.windowLost(err)
		}
		return nil, err
	}

	now := s.opts.Now().UTC()
	events := pie.Map(raw, func(m reader.RawMessage) bus.MessageEvent { return s.event(contact, m, now) })

	if len(raw) > 0 {
		s.setAnchor(contact, raw[0].Hash)
		s.markSeen(contact, pie.Map(raw, func(m reader.RawMessage) string { return m.Hash }))
	}

	fresh, err := s.chatHash(ctx, contact)
	if err != nil {
		return nil, err
	}
	s.saveChatState(ctx, contact, fresh)
	s.saveVisualState(contact, fresh)

	s.log.Info("direct read done", "contact", contact, "messages", len(events))
	return pie.Reverse(events), nil
}

// Peek reads the contact's visible page back to anchor, oldest first. It
// changes no anchor, seen or visual state. The zero anchor reads the whole
// page.
func (s *Syncer) Peek(ctx context.Context, contact string, anchor reader.Anchor) ([]bus.MessageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	contact = strings.TrimSpace(contact)
	if err := s.ensureForeground(ctx, contact); err != nil {
		return nil, err
	}
	raw, err := s.snapshot(ctx, contact, anchor)
	if err != nil {
		if isFatal(err) {
			return nil, err
		}
		s.log.Warn("snapshot failed", "contact", contact, "error", err)
		return nil, nil
	}
	now := s.opts.Now().UTC()
	events := pie.Map(raw, func(m reader.RawMessage) bus.MessageEvent { return s.event(contact, m, now) })
	return pie.Reverse(events), nil
}

// OpenChat brings contact to the foreground, typically before ReadDirect.
func (s *Syncer) OpenChat(ctx context.Context, contact string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	contact = strings.TrimSpace(contact)
	if err := s.driver.OpenChat(ctx, contact); err != nil {
		return oops.In("syncer").With("contact", contact).Wrapf(err, "open chat")
	}
	return nil
}

// SendMessage sends text and remembers it so it is not delivered back.
func (s *Syncer) SendMessage(ctx context.Context, contact, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	contact = strings.TrimSpace(contact)
	if err := s.driver.SendText(ctx, contact, text); err != nil {
		return oops.In("syncer").With("contact", contact).Wrapf(err, "send message")
	}
	s.markSeen(contact, []string{reader.HashContent(text)})
	s.refreshVisualAfterSend(ctx, contact)
	s.log.Info("message sent", "contact", contact, "text", truncate(text, 30))
	return nil
}

func (s *Syncer) SendFile(ctx context.Context, contact, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	contact = strings.TrimSpace(contact)
	if err := s.driver.SendFile(ctx, contact, path); err != nil {
		return oops.In("syncer").With("contact", contact, "path", path).Wrapf(err, "send file")
	}
	s.refreshVisualAfterSend(ctx, contact)
	s.log.Info("file sent", "contact", contact, "path", path)
	return nil
}

// AnchorHash returns the contact's current anchor digest.
func (s *Syncer) AnchorHash(contact string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.anchors[strings.TrimSpace(contact)]
	return h, ok
}

// Anchors returns a copy of every known anchor.
func (s *Syncer) Anchors() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.anchors))
	for k, v := range s.anchors {
		out[k] = v
	}
	return out
}

// ResetAnchor forgets everything about contact. It is the only way to retry
// a failed bootstrap.
func (s *Syncer) ResetAnchor(contact string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	contact = strings.TrimSpace(contact)
	delete(s.anchors, contact)
	delete(s.seen, contact)
	delete(s.readers, contact)
	delete(s.initFailed, contact)
	s.baselines.Clear(contact)

	var errs []error
	if err := s.visualFile.Delete(contact); err != nil {
		errs = append(errs, err)
	}
	if err := s.anchorFile.Save(s.anchors); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return oops.In("syncer").With("contact", contact).Wrapf(err, "reset anchor")
	}
	s.log.Info("anchor reset", "contact", contact)
	return nil
}

// BootstrapFailed reports whether contact is waiting for ResetAnchor.
func (s *Syncer) BootstrapFailed(contact string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.initFailed[strings.TrimSpace(contact)]
	return ok
}

func (s *Syncer) bootstrap(ctx context.Context, contact string) error {
	log := s.log.With("contact", contact)

	r := s.readerFor(contact)
	var msg *reader.RawMessage
	err := r.Reset(ctx)
	if err == nil {
		msg, err = r.ReadNext(ctx)
	}
	if err != nil && isFatal(err) {
		return err
	}
	if err != nil || msg == nil {
		s.initFailed[contact] = struct{}{}
		s.baselines.Clear(contact)
		log.Warn("bootstrap failed, reset the anchor once the chat is stable", "error", err)
		return nil
	}

	s.setAnchor(contact, msg.Hash)
	fresh, err := s.chatHash(ctx, contact)
	if err != nil {
		return err
	}
	s.saveChatState(ctx, contact, fresh)
	s.saveVisualState(contact, fresh)
	log.Info("anchor bootstrapped", "anchor", msg.Hash)
	return nil
}

func (s *Syncer) snapshot(ctx context.Context, contact string, anchor reader.Anchor) ([]reader.RawMessage, error) {
	r := s.readerFor(contact)
	if err := r.Reset(ctx); err != nil {
		return nil, oops.In("syncer").With("contact", contact).Wrapf(err, "reset reader")
	}
	raw, err := r.ReadUntil(ctx, anchor)
	if err != nil {
		return nil, oops.In("syncer").With("contact", contact).Wrapf(err, "read until anchor")
	}
	return raw, nil
}

// drifted re-checks the foreground contact after a read. A switch, or a
// title that cannot be read, discards the batch.
func (s *Syncer) drifted(ctx context.Context, contact string) (bool, error) {
	name, err := s.driver.ContactName(ctx, false)
	if err != nil && isFatal(err) {
		return true, err
	}
	if err != nil || !ui.SameContact(name, contact) {
		s.log.Warn("foreground contact changed during read, discarding batch", "contact", contact, "current", name, "error", err)
		return true, nil
	}
	return false, nil
}

// windowLost forgets every visual baseline: they describe a window that is
// gone.
func (s *Syncer) windowLost(err error) {
	if n := s.baselines.ClearAll(); n > 0 {
		s.log.Warn("chat window lost, visual baselines dropped", "count", n, "error", err)
	}
}

// filter drops the anchor and anything already delivered. Order is kept.
func (s *Syncer) filter(contact string, raw []reader.RawMessage, anchor string) []bus.MessageEvent {
	now := s.opts.Now().UTC()
	seen := s.seen[contact]
	out := make([]bus.MessageEvent, 0, len(raw))
	for _, m := range raw {
		if m.Hash == anchor {
			continue
		}
		if _, ok := seen[m.Hash]; ok {
			continue
		}
		out = append(out, s.event(contact, m, now))
	}
	return out
}

func (s *Syncer) event(contact string, m reader.RawMessage, now time.Time) bus.MessageEvent {
	return bus.MessageEvent{
		Contact:   contact,
		Role:      bus.RoleUser,
		Content:   m.Content,
		Timestamp: now,
		Hash:      m.Hash,
	}
}

func (s *Syncer) readerFor(contact string) *reader.Reader {
	r, ok := s.readers[contact]
	if !ok {
		r = reader.New(contact, s.driver, s.opts.Reader)
		s.readers[contact] = r
	}
	return r
}

// ensureForeground opens contact unless it is already showing.
func (s *Syncer) ensureForeground(ctx context.Context, contact string) error {
	name, err := s.driver.ContactName(ctx, true)
	if err != nil {
		if isFatal(err) {
			return err
		}
		s.log.Warn("contact recognition failed", "contact", contact, "error", err)
	}
	if err == nil && ui.SameContact(name, contact) {
		return nil
	}
	if err := s.driver.OpenChat(ctx, contact); err != nil {
		return oops.In("syncer").With("contact", contact, "current", name).Wrapf(err, "open chat")
	}
	return nil
}

func (s *Syncer) setAnchor(contact, hash string) {
	s.anchors[contact] = hash
	if err := s.anchorFile.Save(s.anchors); err != nil {
		s.log.Error("persist anchor failed", "contact", contact, "error", err)
	}
}

func (s *Syncer) markSeen(contact string, hashes []string) {
	set, ok := s.seen[contact]
	if !ok {
		set = make(map[string]struct{})
		s.seen[contact] = set
	}
	for _, h := range hashes {
		set[h] = struct{}{}
	}
}

// chatHash returns "" when the pane cannot be hashed. Only a lost window is
// an error.
func (s *Syncer) chatHash(ctx context.Context, contact string) (string, error) {
	h, err := s.driver.ChatHash(ctx, contact)
	if err != nil {
		if isFatal(err) {
			return "", err
		}
		s.log.Warn("chat hash unavailable", "contact", contact, "error", err)
		return "", nil
	}
	return strings.TrimSpace(h), nil
}

// saveChatState records the in-memory visual baseline for contact.
func (s *Syncer) saveChatState(ctx context.Context, contact, hash string) {
	if hash == "" {
		return
	}
	h, err := visual.ParseHash(hash)
	if err != nil {
		s.log.Warn("unparseable chat hash", "contact", contact, "hash", hash, "error", err)
		return
	}
	avatars, err := s.driver.ChatPaneAvatars(ctx, contact)
	if err != nil {
		s.log.Warn("avatar lookup failed, keeping previous rows", "contact", contact, "error", err)
		s.baselines.Save(contact, &h, nil)
		return
	}
	s.baselines.Save(contact, &h, avatarYs(avatars))
}

func (s *Syncer) saveVisualState(contact, hash string) {
	if hash == "" {
		return
	}
	if err := s.visualFile.Set(contact, hash); err != nil {
		s.log.Error("persist visual state failed", "contact", contact, "error", err)
	}
}

func (s *Syncer) refreshVisualAfterSend(ctx context.Context, contact string) {
	h, err := s.chatHash(ctx, contact)
	if err != nil {
		s.log.Warn("refresh visual hash after send failed", "contact", contact, "error", err)
		return
	}
	s.saveVisualState(contact, h)
}

func avatarYs(ps []ui.Point) []int {
	ys := pie.Map(ps, func(p ui.Point) int { return p.Y })
	if ys == nil {
		ys = []int{}
	}
	return ys
}

func isFatal(err error) bool {
	return errors.Is(err, ui.ErrWindowNotFound)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
