package syncer

import (
	"context"
	"errors"
	"testing"

	"github.com/stellarlinkco/chatsync/internal/statestore"
	"github.com/stellarlinkco/chatsync/internal/ui"
	"github.com/stellarlinkco/chatsync/internal/ui/uitest"
	"github.com/stellarlinkco/chatsync/internal/visual"
)

func TestHasNewMessage(t *testing.T) {
	d := uitest.New("Alice")
	d.SetPage("m0")
	s := newSyncer(t.TempDir(), d)
	ctx := context.Background()

	d.SetHash("")
	if ok, err := s.HasNewMessage(ctx, "Alice", 5); err != nil || !ok {
		t.Errorf("no hash: got %v, %v; want true", ok, err)
	}

	d.SetHash("not-hex")
	if ok, _ := s.HasNewMessage(ctx, "Alice", 5); !ok {
		t.Error("unparseable hash should report true")
	}

	d.SetHash(hashA)
	if ok, _ := s.HasNewMessage(ctx, "Alice", 5); !ok {
		t.Error("no baseline should report true")
	}

	s.baselines.Save("Alice", mustHash(t, "0000000000000000"), []int{1000})

	// 0xaa differs from zero in four bits.
	d.SetHash("00000000000000aa")
	if ok, _ := s.HasNewMessage(ctx, "Alice", 5); ok {
		t.Error("distance below threshold should report false")
	}
	if b, _ := s.baselines.Get("Alice"); b.Hash.String() != "0000000000000000" {
		t.Error("baseline must not move below threshold")
	}

	if ok, _ := s.HasNewMessage(ctx, "Alice", 4); !ok {
		t.Error("distance at threshold should report true")
	}
	if b, _ := s.baselines.Get("Alice"); b.Hash.String() != hashA || len(b.AvatarYs) != 1 {
		t.Errorf("baseline = %+v, want committed %s", b, hashA)
	}
}

func TestHasNewMessage_DefaultThreshold(t *testing.T) {
	d := uitest.New("Alice")
	d.SetHash(hashA)
	s := newSyncer(t.TempDir(), d)
	s.baselines.Save("Alice", mustHash(t, hashA), nil)

	if ok, err := s.HasNewMessage(context.Background(), "Alice", 0); err != nil || ok {
		t.Errorf("identical pane: got %v, %v; want false", ok, err)
	}
}

func TestCurrentContact(t *testing.T) {
	tests := []struct {
		name    string
		title   string
		err     error
		want    string
		wantErr bool
	}{
		{"plain", " Alice ", nil, "Alice", false},
		{"counted group", "Team (12)", nil, "Team", false},
		{"unknown", "", nil, "", true},
		{"window lost", "Alice", ui.ErrWindowNotFound, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := uitest.New(tt.title)
			d.ContactErr = tt.err
			s := newSyncer(t.TempDir(), d)

			got, err := s.CurrentContact(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("contact = %q, want %q", got, tt.want)
			}
			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Errorf("error = %v, want %v", err, tt.err)
			}
		})
	}
}

func TestUpdateVisualHash(t *testing.T) {
	dir := t.TempDir()
	d := uitest.New("Team (12)")
	d.SetHash(hashB)
	d.SetPage("m1", "m0")
	s := newSyncer(dir, d)

	contact, h, err := s.UpdateVisualHash(context.Background())
	if err != nil {
		t.Fatalf("UpdateVisualHash error: %v", err)
	}
	if contact != "Team" || h != hashB {
		t.Errorf("got %q, %q; want Team, %s", contact, h, hashB)
	}
	if got := statestore.OpenVisual(dir).Load()["Team"]; got != hashB {
		t.Errorf("visual state = %q, want %s", got, hashB)
	}
	if b, ok := s.baselines.Get("Team"); !ok || len(b.AvatarYs) != 2 {
		t.Errorf("baseline = %+v, %v", b, ok)
	}

	d.SetHash("")
	if _, _, err := s.UpdateVisualHash(context.Background()); err == nil {
		t.Error("expected an error without a pane hash")
	}
}

func mustHash(t *testing.T, s string) *visual.Hash {
	t.Helper()
	h, err := visual.ParseHash(s)
	if err != nil {
		t.Fatal(err)
	}
	return &h
}
