package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stellarlinkco/chatsync/internal/bus"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := NewJournal(filepath.Join(t.TempDir(), "data", "history.db"))
	if err != nil {
		t.Fatalf("NewJournal error: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournal_RecordAndList(t *testing.T) {
	j := newTestJournal(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	err := j.Record(
		bus.MessageEvent{Contact: "alice", Role: bus.RoleUser, Content: "first", Hash: "h1", Timestamp: at},
		bus.MessageEvent{Contact: "alice", Content: "second", Hash: "h2", Timestamp: at},
		bus.MessageEvent{Contact: "bob", Role: bus.RoleAssistant, Content: "other", Hash: "h3", Timestamp: at},
	)
	if err != nil {
		t.Fatalf("Record error: %v", err)
	}

	entries, err := j.List("alice", 10)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Content != "second" || entries[1].Content != "first" {
		t.Errorf("order = %q, %q; want newest first", entries[0].Content, entries[1].Content)
	}
	if entries[0].Role != bus.RoleUser {
		t.Errorf("default role = %q, want user", entries[0].Role)
	}
	if !entries[0].ReadAt.Equal(at) {
		t.Errorf("readAt = %v, want %v", entries[0].ReadAt, at)
	}

	limited, _ := j.List("alice", 1)
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d entries", len(limited))
	}
}

func TestJournal_RecordEmpty(t *testing.T) {
	j := newTestJournal(t)
	if err := j.Record(); err != nil {
		t.Errorf("Record() error: %v", err)
	}
}

func TestJournal_Search(t *testing.T) {
	j := newTestJournal(t)
	_ = j.Record(
		bus.MessageEvent{Contact: "alice", Content: "meeting moved to friday", Hash: "a"},
		bus.MessageEvent{Contact: "bob", Content: "lunch on friday?", Hash: "b"},
		bus.MessageEvent{Contact: "bob", Content: "nothing here", Hash: "c"},
	)

	got, err := j.Search("friday", 10)
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}

	got, _ = j.Search(`friday" OR "nothing`, 10)
	if len(got) != 0 {
		t.Errorf("quoted input should not expand the query, got %d rows", len(got))
	}

	if got, _ := j.Search("   ", 10); got != nil {
		t.Error("blank search should return nil")
	}
}

func TestJournal_Contacts(t *testing.T) {
	j := newTestJournal(t)
	_ = j.Record(
		bus.MessageEvent{Contact: "bob", Content: "1", Hash: "1"},
		bus.MessageEvent{Contact: "alice", Content: "2", Hash: "2"},
		bus.MessageEvent{Contact: "bob", Content: "3", Hash: "3"},
	)
	stats, err := j.Contacts()
	if err != nil {
		t.Fatalf("Contacts error: %v", err)
	}
	if len(stats) != 2 || stats[0].Contact != "alice" || stats[1].Count != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestFTSQuery(t *testing.T) {
	if got := ftsQuery(`hello "world`); got != `"hello" """world"` {
		t.Errorf("ftsQuery = %s", got)
	}
}
