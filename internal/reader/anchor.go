package reader

import "strings"

// Anchor identifies the newest message already delivered. The zero value
// matches nothing, so a read runs to the top of the page.
type Anchor struct {
	hash string
}

// AnchorHash uses h as the anchor digest as is.
func AnchorHash(h string) Anchor {
	return Anchor{hash: strings.ToLower(strings.TrimSpace(h))}
}

// AnchorText anchors on the message whose text is s.
func AnchorText(s string) Anchor {
	if strings.TrimSpace(s) == "" {
		return Anchor{}
	}
	return Anchor{hash: HashContent(s)}
}

// ParseAnchor interprets untyped input. Exactly 32 hex characters are taken
// as a digest and anything else as message text. A message that is itself
// 32 hex characters must go through AnchorText.
func ParseAnchor(s string) Anchor {
	s = strings.TrimSpace(s)
	if LooksLikeHash(s) {
		return AnchorHash(s)
	}
	return AnchorText(s)
}

// LooksLikeHash reports whether s has the shape of an md5 hex digest.
func LooksLikeHash(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, c := range strings.ToLower(s) {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// Hash is the digest compared against bubbles, "" for the zero anchor.
func (a Anchor) Hash() string { return a.hash }

func (a Anchor) IsZero() bool { return a.hash == "" }
