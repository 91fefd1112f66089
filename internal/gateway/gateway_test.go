package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/chatsync/internal/bus"
	"github.com/stellarlinkco/chatsync/internal/channel"
	"github.com/stellarlinkco/chatsync/internal/config"
	"github.com/stellarlinkco/chatsync/internal/cron"
	"github.com/stellarlinkco/chatsync/internal/reader"
	"github.com/stellarlinkco/chatsync/internal/statestore"
	"github.com/stellarlinkco/chatsync/internal/ui/uitest"
)

type mockChannel struct {
	name     string
	startErr error

	mu      sync.Mutex
	sent    []bus.OutboundMessage
	stopped bool
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Start(ctx context.Context) error { return m.startErr }

func (m *mockChannel) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}

func (m *mockChannel) Send(msg bus.OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockChannel) messages() []bus.OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bus.OutboundMessage(nil), m.sent...)
}

var _ channel.Channel = (*mockChannel)(nil)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.State.Dir = dir
	cfg.Watch.JobsPath = filepath.Join(dir, "watch_jobs.json")
	cfg.History.DBPath = filepath.Join(dir, "history.db")
	cfg.Reader.PauseMinMs = 1
	cfg.Reader.PauseMaxMs = 1
	return cfg
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input string
		n     int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is a long message", 10, "this is a ..."},
		{"", 5, ""},
		{"你好世界，今天开会", 4, "你好世界..."},
		{"你好", 2, "你好"},
	}

	for _, tt := range tests {
		got := truncate(tt.input, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.want)
		}
	}
}

func TestNewWithOptions(t *testing.T) {
	cfg := testConfig(t)
	cfg.History.Enabled = true
	cfg.Gateway.HTTPEnabled = true

	g, err := NewWithOptions(cfg, Options{Driver: uitest.New("Alice")})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	defer g.Shutdown()

	if g.Syncer() == nil {
		t.Error("syncer should be set")
	}
	if g.journal == nil {
		t.Error("journal should be open when history is enabled")
	}
	if g.httpSrv == nil || !strings.HasSuffix(g.httpSrv.Addr, ":18791") {
		t.Errorf("http server = %+v", g.httpSrv)
	}
	if subs := g.bus.Subscribers(); len(subs) != 1 || subs[0] != journalChannel {
		t.Errorf("subscribers = %v", subs)
	}
}

func TestNewWithOptions_Defaults(t *testing.T) {
	g, err := NewWithOptions(testConfig(t), Options{Driver: uitest.New("")})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	defer g.Shutdown()

	if g.journal != nil || g.httpSrv != nil {
		t.Error("journal and http are off by default")
	}
	if len(g.channels.EnabledChannels()) != 0 {
		t.Errorf("channels = %v", g.channels.EnabledChannels())
	}
}

func TestGateway_Run_WithSignalChan(t *testing.T) {
	cfg := testConfig(t)
	cfg.Watch.Contacts = []string{"Alice", " ", "Bob"}
	cfg.Gateway.HTTPEnabled = true
	cfg.Gateway.Port = 0

	ch := &mockChannel{name: "mock"}
	sigCh := make(chan os.Signal, 1)
	g, err := NewWithOptions(cfg, Options{
		Driver:     uitest.New("Alice"),
		Channels:   []channel.Channel{ch},
		SignalChan: sigCh,
	})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Run(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	sigCh <- os.Interrupt

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not exit after signal")
	}

	ch.mu.Lock()
	stopped := ch.stopped
	ch.mu.Unlock()
	if !stopped {
		t.Error("channel should be stopped after shutdown")
	}

	jobs := cron.NewService(cfg.Watch.JobsPath)
	if _, err := jobs.EnsureWatch("Alice", time.Second); err != nil {
		t.Fatal(err)
	}
	if got := len(jobs.ListJobs()); got != 2 {
		t.Errorf("persisted watch jobs = %d, want 2 (Alice, Bob)", got)
	}
}

func TestGateway_Run_ContextCancel(t *testing.T) {
	g, err := NewWithOptions(testConfig(t), Options{
		Driver:     uitest.New(""),
		SignalChan: make(chan os.Signal, 1),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not exit after cancel")
	}
}

func TestGateway_Run_ChannelStartError(t *testing.T) {
	g, err := NewWithOptions(testConfig(t), Options{
		Driver:     uitest.New(""),
		Channels:   []channel.Channel{&mockChannel{name: "broken", startErr: errors.New("boom")}},
		SignalChan: make(chan os.Signal, 1),
	})
	if err != nil {
		t.Fatal(err)
	}

	err = g.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Run error = %v, want channel start failure", err)
	}
}

func TestRunWatchJob_PublishesAndJournals(t *testing.T) {
	cfg := testConfig(t)
	cfg.History.Enabled = true
	if err := statestore.OpenAnchors(cfg.State.Dir).Save(map[string]string{"Alice": reader.HashContent("h0")}); err != nil {
		t.Fatal(err)
	}

	d := uitest.New("Alice")
	d.Hash = "00000000000000aa"
	d.SetPage("B", "A", "h0")

	g, err := NewWithOptions(cfg, Options{Driver: d})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Shutdown()

	job := cron.NewJob("watch Alice", cron.EverySchedule(time.Second), cron.Payload{Contact: "Alice", UpdateAnchor: true})
	n, err := g.runWatchJob(context.Background(), job)
	if err != nil {
		t.Fatalf("runWatchJob error: %v", err)
	}
	if n != 2 {
		t.Fatalf("events = %d, want 2", n)
	}

	for _, want := range []string{"A", "B"} {
		select {
		case msg := <-g.bus.Outbound:
			if msg.Event == nil || msg.Event.Content != want || msg.Channel != "" {
				t.Errorf("outbound = %+v, want broadcast of %q", msg, want)
			}
			g.recordOutbound(msg)
		default:
			t.Fatalf("missing outbound event %q", want)
		}
	}

	entries, err := g.journal.List("Alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("journal entries = %d, want 2", len(entries))
	}
}

func TestRunWatchJob_NoAnchorUpdateDoesNotPublish(t *testing.T) {
	cfg := testConfig(t)
	if err := statestore.OpenAnchors(cfg.State.Dir).Save(map[string]string{"Alice": reader.HashContent("h0")}); err != nil {
		t.Fatal(err)
	}
	d := uitest.New("Alice")
	d.Hash = "00000000000000aa"
	d.SetPage("A", "h0")

	g, err := NewWithOptions(cfg, Options{Driver: d})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Shutdown()

	job := cron.NewJob("peek", cron.EverySchedule(time.Second), cron.Payload{Contact: "Alice"})
	n, err := g.runWatchJob(context.Background(), job)
	if err != nil || n != 1 {
		t.Fatalf("runWatchJob = %d, %v", n, err)
	}
	if len(g.bus.Outbound) != 0 {
		t.Errorf("outbound queued %d messages, want 0", len(g.bus.Outbound))
	}
}

func TestHandleInbound(t *testing.T) {
	cfg := testConfig(t)
	cfg.History.Enabled = true
	d := uitest.New("Alice")
	g, err := NewWithOptions(cfg, Options{Driver: d})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Shutdown()
	ctx := context.Background()

	tests := []struct {
		name string
		msg  bus.InboundMessage
		want string
	}{
		{"text", bus.InboundMessage{Contact: "Bob", Content: "hello"}, "sent to Bob"},
		{"file only", bus.InboundMessage{Contact: "Bob", Metadata: map[string]any{channel.MetaFilePath: "/tmp/a.pdf"}}, "file sent to Bob"},
		{"file with caption", bus.InboundMessage{Contact: "Bob", Content: "see attached", Metadata: map[string]any{channel.MetaFilePath: "/tmp/b.pdf"}}, "sent to Bob"},
		{"no contact", bus.InboundMessage{Content: "hello"}, ""},
		{"blank text", bus.InboundMessage{Contact: "Bob", Content: "  "}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.handleInbound(ctx, tt.msg); got != tt.want {
				t.Errorf("reply = %q, want %q", got, tt.want)
			}
		})
	}

	if len(d.Sent) != 2 || d.Sent[0] != "hello" || d.Sent[1] != "see attached" {
		t.Errorf("sent = %v", d.Sent)
	}
	if len(d.Files) != 2 {
		t.Errorf("files = %v", d.Files)
	}

	entries, err := g.journal.List("Bob", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Role != bus.RoleAssistant {
		t.Errorf("journal = %+v", entries)
	}

	d.SendErr = errors.New("window gone")
	if got := g.handleInbound(ctx, bus.InboundMessage{Contact: "Bob", Content: "x"}); !strings.HasPrefix(got, "failed to send to Bob") {
		t.Errorf("reply on failure = %q", got)
	}
}

func TestProcessLoop_RepliesToChannel(t *testing.T) {
	ch := &mockChannel{name: "mock"}
	d := uitest.New("Alice")
	g, err := NewWithOptions(testConfig(t), Options{Driver: d, Channels: []channel.Channel{ch}})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.bus.DispatchOutbound(ctx)
	go g.processLoop(ctx)

	g.bus.Inbound <- bus.InboundMessage{Channel: "mock", ChatID: "42", Contact: "Alice", Content: "hi"}

	deadline := time.After(2 * time.Second)
	for len(ch.messages()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no reply on channel")
		case <-time.After(10 * time.Millisecond):
		}
	}
	got := ch.messages()[0]
	if got.ChatID != "42" || got.Content != "sent to Alice" {
		t.Errorf("reply = %+v", got)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	cfg := testConfig(t)
	cfg.History.Enabled = true
	g, err := NewWithOptions(cfg, Options{Driver: uitest.New("")})
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Shutdown(); err != nil {
		t.Errorf("first Shutdown error: %v", err)
	}
	if err := g.Shutdown(); err != nil {
		t.Errorf("second Shutdown error: %v", err)
	}
}
