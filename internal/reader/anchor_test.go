package reader

import "testing"

func TestParseAnchor(t *testing.T) {
	digest := HashContent("Hello")
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"digest", digest, digest},
		{"upper digest", "8B1A9953C4611296A827ABF8C47804D7", digest},
		{"text", "Hello", digest},
		{"padded text", "  Hello  ", digest},
		{"empty", "", ""},
		{"31 hex chars is text", digest[:31], HashContent(digest[:31])},
		{"non hex", "zb1a9953c4611296a827abf8c47804d7", HashContent("zb1a9953c4611296a827abf8c47804d7")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseAnchor(tt.in).Hash(); got != tt.want {
				t.Errorf("ParseAnchor(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestAnchorText_HexLookingMessage(t *testing.T) {
	msg := "0123456789abcdef0123456789abcdef"
	if ParseAnchor(msg).Hash() != msg {
		t.Error("ParseAnchor should treat 32 hex chars as a digest")
	}
	if AnchorText(msg).Hash() != HashContent(msg) {
		t.Error("AnchorText must always hash its input")
	}
}

func TestAnchor_Zero(t *testing.T) {
	var a Anchor
	if !a.IsZero() || a.Hash() != "" {
		t.Error("zero anchor should be empty")
	}
	if !AnchorText("   ").IsZero() {
		t.Error("blank text anchor should be zero")
	}
}
