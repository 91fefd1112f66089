package syncer

import (
	"context"
	"strings"

	"github.com/samber/oops"

	"github.com/stellarlinkco/chatsync/internal/ui"
	"github.com/stellarlinkco/chatsync/internal/visual"
)

// HasNewMessage is the cheap pre-check used by watch loops. It compares the
// chat pane against the in-memory baseline and advances the baseline only
// when the change reaches threshold. Without a baseline, or without a
// usable hash, it reports true so the caller polls.
func (s *Syncer) HasNewMessage(ctx context.Context, contact string, threshold int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	contact = strings.TrimSpace(contact)
	if threshold <= 0 {
		threshold = s.opts.Threshold
	}

	raw, err := s.chatHash(ctx, contact)
	if err != nil {
		return false, err
	}
	if raw == "" {
		return true, nil
	}
	current, err := visual.ParseHash(raw)
	if err != nil {
		s.log.Warn("unparseable chat hash", "contact", contact, "hash", raw, "error", err)
		return true, nil
	}

	d, ok := s.baselines.Distance(contact, current)
	if !ok {
		return true, nil
	}
	if d < threshold {
		return false, nil
	}

	var ys []int
	if avatars, err := s.driver.ChatPaneAvatars(ctx, contact); err == nil {
		ys = avatarYs(avatars)
	} else {
		s.log.Debug("avatar lookup failed", "contact", contact, "error", err)
	}
	s.baselines.CommitBaseline(contact, current, ys)
	s.log.Info("chat pane changed", "contact", contact, "distance", d)
	return true, nil
}

// CurrentContact returns the contact shown in the foreground chat, without
// any member count in its title.
func (s *Syncer) CurrentContact(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name, err := s.driver.ContactName(ctx, true)
	if err != nil {
		return "", oops.In("syncer").Wrapf(err, "recognise contact")
	}
	name = ui.ContactKey(name)
	if name == "" {
		return "", oops.In("syncer").Errorf("could not recognise the current contact")
	}
	return name, nil
}

// UpdateVisualHash records the foreground chat's current pane as the
// baseline for its contact.
func (s *Syncer) UpdateVisualHash(ctx context.Context) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name, err := s.driver.ContactName(ctx, true)
	if err != nil {
		return "", "", oops.In("syncer").Wrapf(err, "recognise contact")
	}
	contact := ui.ContactKey(name)
	if contact == "" {
		return "", "", oops.In("syncer").Errorf("could not recognise the current contact")
	}

	h, err := s.chatHash(ctx, contact)
	if err != nil {
		return contact, "", err
	}
	if h == "" {
		return contact, "", oops.In("syncer").With("contact", contact).Errorf("chat pane hash unavailable")
	}
	s.saveChatState(ctx, contact, h)
	if err := s.visualFile.Set(contact, h); err != nil {
		return contact, h, oops.In("syncer").With("contact", contact).Wrapf(err, "persist visual state")
	}
	s.log.Info("visual hash updated", "contact", contact, "hash", h)
	return contact, h, nil
}
