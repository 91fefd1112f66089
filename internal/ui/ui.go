// Package ui declares the capabilities the sync engine needs from whatever
// drives the chat client's window.
package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrWindowNotFound means the chat client window could not be located or
	// activated. No session is possible and callers should abort.
	ErrWindowNotFound = errors.New("chat window not found")

	// ErrChatNotOpened means the requested contact could not be brought to
	// the foreground.
	ErrChatNotOpened = errors.New("chat not opened")
)

// Point is a screen (or page) coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (p Point) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y)
}

// Offset returns p moved by dx, dy.
func (p Point) Offset(dx, dy int) Point {
	return Point{X: p.X + dx, Y: p.Y + dy}
}

// ContactKey is the canonical form of a chat title: trimmed, without a
// trailing member or unread count such as "Team (12)".
func ContactKey(title string) string {
	s := strings.TrimSpace(title)
	i := strings.LastIndex(s, " (")
	if i <= 0 || !strings.HasSuffix(s, ")") {
		return s
	}
	digits := s[i+2 : len(s)-1]
	if digits == "" || strings.Trim(digits, "0123456789") != "" {
		return s
	}
	return strings.TrimSpace(s[:i])
}

// SameContact reports whether two titles name the same chat.
func SameContact(a, b string) bool {
	return ContactKey(a) == ContactKey(b)
}

type ChatOpener interface {
	OpenChat(ctx context.Context, contact string) error
}

// ContactReader recognises the contact shown in the foreground chat. An
// empty name with a nil error means "could not tell".
type ContactReader interface {
	ContactName(ctx context.Context, precise bool) (string, error)
}

// ChatHasher returns the hex perceptual hash of the chat pane, or "" when
// no pane is visible.
type ChatHasher interface {
	ChatHash(ctx context.Context, contact string) (string, error)
}

// AvatarLocator returns chat-pane avatar positions, excluding avatars that
// belong to the contact list.
type AvatarLocator interface {
	ChatPaneAvatars(ctx context.Context, contact string) ([]Point, error)
}

// BubbleCopier selects and copies the bubble at a point. An empty string
// means nothing new reached the clipboard.
type BubbleCopier interface {
	CopyBubbleText(ctx context.Context, at Point) (string, error)
}

type Sender interface {
	SendText(ctx context.Context, contact, text string) error
	SendFile(ctx context.Context, contact, path string) error
}

// Driver is the full set of capabilities.
type Driver interface {
	ChatOpener
	ContactReader
	ChatHasher
	AvatarLocator
	BubbleCopier
	Sender
}
