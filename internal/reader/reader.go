// Package reader reads chat bubbles one at a time, newest first.
package reader

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/elliotchance/pie/v2"
	"github.com/samber/oops"

	"github.com/stellarlinkco/chatsync/internal/ui"
)

const (
	DefaultBubbleOffsetX = 65
	DefaultPauseMin      = 100 * time.Millisecond
	DefaultPauseMax      = 150 * time.Millisecond
)

// ErrNotInitialized is returned by reads issued before Reset.
var ErrNotInitialized = errors.New("reader not initialized")

type State int

const (
	Uninitialized State = iota
	Ready
	Exhausted
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Exhausted:
		return "exhausted"
	default:
		return "uninitialized"
	}
}

// RawMessage is one bubble as read from the screen.
type RawMessage struct {
	Content     string
	Hash        string
	Position    ui.Point
	AvatarIndex int
}

// HashContent is the message identity: md5 hex of the trimmed text.
func HashContent(s string) string {
	sum := md5.Sum([]byte(strings.TrimSpace(s)))
	return hex.EncodeToString(sum[:])
}

// Locator is what the reader needs from the UI.
type Locator interface {
	ui.AvatarLocator
	ui.BubbleCopier
}

type Options struct {
	// BubbleOffsetX is the horizontal distance from an avatar to a point
	// inside its bubble.
	BubbleOffsetX int
	PauseMin      time.Duration
	PauseMax      time.Duration
	// Pause waits between successful copies. Defaults to a jittered sleep.
	Pause  func(ctx context.Context, lo, hi time.Duration)
	Logger *slog.Logger
}

// Reader walks the chat pane of whatever contact is in the foreground. It
// does not check which contact that is.
type Reader struct {
	contact string
	loc     Locator
	opts    Options
	log     *slog.Logger

	avatars []ui.Point
	cursor  int
	state   State
}

func New(contact string, loc Locator, opts Options) *Reader {
	if opts.BubbleOffsetX == 0 {
		opts.BubbleOffsetX = DefaultBubbleOffsetX
	}
	if opts.PauseMin == 0 && opts.PauseMax == 0 {
		opts.PauseMin = DefaultPauseMin
		opts.PauseMax = DefaultPauseMax
	}
	if opts.Pause == nil {
		opts.Pause = jitterSleep
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		contact: contact,
		loc:     loc,
		opts:    opts,
		log:     logger.With("component", "reader", "contact", contact),
	}
}

// Reset locates the avatars again and rewinds to the bottom-most bubble.
func (r *Reader) Reset(ctx context.Context) error {
	r.state = Uninitialized
	r.avatars = nil
	r.cursor = 0

	avatars, err := r.loc.ChatPaneAvatars(ctx, r.contact)
	if err != nil {
		return oops.In("reader").With("contact", r.contact).Wrapf(err, "locate chat avatars")
	}
	r.avatars = pie.SortStableUsing(avatars, func(a, b ui.Point) bool { return a.Y > b.Y })
	r.state = Ready
	if len(avatars) == 0 {
		r.state = Exhausted
	}
	r.log.Debug("reader reset", "avatars", len(r.avatars))
	return nil
}

// ReadNext returns the next readable bubble, or nil once the page is used up.
// Bubbles that fail to copy or copy empty are skipped.
func (r *Reader) ReadNext(ctx context.Context) (*RawMessage, error) {
	if r.state == Uninitialized {
		return nil, ErrNotInitialized
	}

	for r.cursor < len(r.avatars) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		idx := r.cursor
		at := r.avatars[idx].Offset(r.opts.BubbleOffsetX, 0)
		r.cursor++

		text, err := r.loc.CopyBubbleText(ctx, at)
		if err != nil {
			if errors.Is(err, ui.ErrWindowNotFound) {
				return nil, err
			}
			r.log.Warn("copy bubble failed, skipping", "index", idx, "at", at.String(), "error", err)
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			r.log.Warn("bubble empty or unchanged, skipping", "index", idx, "at", at.String())
			continue
		}

		msg := &RawMessage{
			Content:     text,
			Hash:        HashContent(text),
			Position:    at,
			AvatarIndex: idx,
		}
		r.log.Debug("bubble read", "index", idx, "total", len(r.avatars), "hash", msg.Hash)
		r.opts.Pause(ctx, r.opts.PauseMin, r.opts.PauseMax)
		return msg, nil
	}

	r.state = Exhausted
	return nil, nil
}

// ReadUntil reads until the page is exhausted or a bubble matches anchor.
// The matching bubble is not included. Results are newest first.
func (r *Reader) ReadUntil(ctx context.Context, anchor Anchor) ([]RawMessage, error) {
	if r.state == Uninitialized {
		return nil, ErrNotInitialized
	}

	target := anchor.Hash()
	var out []RawMessage
	for {
		msg, err := r.ReadNext(ctx)
		if err != nil {
			return out, err
		}
		if msg == nil {
			break
		}
		if target != "" && msg.Hash == target {
			r.log.Info("anchor reached", "index", msg.AvatarIndex)
			break
		}
		out = append(out, *msg)
	}
	r.log.Info("snapshot read", "messages", len(out))
	return out, nil
}

func (r *Reader) State() State { return r.state }

func (r *Reader) Cursor() int { return r.cursor }

// Total is the number of avatars found by the last Reset.
func (r *Reader) Total() int { return len(r.avatars) }

func (r *Reader) Finished() bool {
	return r.state == Uninitialized || r.cursor >= len(r.avatars)
}

func jitterSleep(ctx context.Context, lo, hi time.Duration) {
	d := lo
	if hi > lo {
		d += time.Duration(rand.Int63n(int64(hi - lo)))
	}
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
