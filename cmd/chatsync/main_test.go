package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stellarlinkco/chatsync/internal/bus"
	"github.com/stellarlinkco/chatsync/internal/config"
	"github.com/stellarlinkco/chatsync/internal/history"
	"github.com/stellarlinkco/chatsync/internal/reader"
	"github.com/stellarlinkco/chatsync/internal/statestore"
	"github.com/stellarlinkco/chatsync/internal/ui"
	"github.com/stellarlinkco/chatsync/internal/ui/uitest"
)

const (
	hashA = "00000000000000aa"
	hashF = "ffffffffffffff00"
)

type testEnv struct {
	home     string
	cfgPath  string
	stateDir string
	driver   *uitest.Driver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, key := range []string{
		"CHATSYNC_STATE_DIR", "CHATSYNC_BROWSER_URL", "CHATSYNC_BROWSER_HEADLESS",
		"CHATSYNC_WATCH_INTERVAL_SECONDS", "CHATSYNC_VISUAL_THRESHOLD",
		"CHATSYNC_TELEGRAM_TOKEN", "CHATSYNC_TELEGRAM_CHAT_ID",
		"CHATSYNC_HISTORY_ENABLED", "CHATSYNC_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}

	env := &testEnv{
		home:     home,
		cfgPath:  filepath.Join(home, "chatsync.json"),
		stateDir: filepath.Join(home, "state"),
		driver:   uitest.New("Alice"),
	}

	cfg := config.DefaultConfig()
	cfg.State.Dir = env.stateDir
	cfg.Reader.PauseMinMs = 1
	cfg.Reader.PauseMaxMs = 1
	cfg.Watch.IntervalSeconds = 0.01
	if err := config.SaveConfigTo(cfg, env.cfgPath); err != nil {
		t.Fatal(err)
	}

	orig := driverFactory
	driverFactory = func(*config.Config) ui.Driver { return env.driver }
	t.Cleanup(func() { driverFactory = orig })
	return env
}

func (e *testEnv) run(args ...string) (string, error) {
	debugFlag = false
	configFlag = ""
	historyLimit = 20
	historySearch = ""
	peekAnchor = ""
	peekText = false

	var out, errOut bytes.Buffer
	err := execute(context.Background(), append([]string{"--config", e.cfgPath}, args...), &out, &errOut)
	return out.String(), err
}

func (e *testEnv) setAnchor(t *testing.T, contact, text string) {
	t.Helper()
	if err := statestore.OpenAnchors(e.stateDir).Set(contact, reader.HashContent(text)); err != nil {
		t.Fatal(err)
	}
}

func TestRead_BootstrapThenNewMessages(t *testing.T) {
	env := newTestEnv(t)
	env.driver.Hash = hashA
	env.driver.SetPage("Hello")

	out, err := env.run("read", "Alice")
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if !strings.Contains(out, "[Alice] no new messages") {
		t.Errorf("bootstrap output = %q", out)
	}

	env.driver.SetPage("World", "Hello")
	env.driver.SetHash(hashF)
	out, err = env.run("read", "Alice")
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if !strings.Contains(out, "[Alice] user: World") || strings.Contains(out, "Hello") {
		t.Errorf("output = %q, want only World", out)
	}
	if got := statestore.OpenAnchors(env.stateDir).Load()["Alice"]; got != reader.HashContent("World") {
		t.Errorf("anchor = %q, want md5(World)", got)
	}
}

func TestRead_ForegroundLeavesAnchor(t *testing.T) {
	env := newTestEnv(t)
	env.setAnchor(t, "Alice", "h0")
	env.driver.Hash = hashA
	env.driver.SetPage("A", "h0")

	out, err := env.run("read")
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if !strings.Contains(out, "[Alice] user: A") {
		t.Errorf("output = %q", out)
	}
	if got := statestore.OpenAnchors(env.stateDir).Load()["Alice"]; got != reader.HashContent("h0") {
		t.Errorf("anchor moved to %q", got)
	}
}

func TestReadDirect(t *testing.T) {
	env := newTestEnv(t)
	env.driver.Contact = "Bob"
	env.driver.Hash = hashA
	env.driver.SetPage("two", "one")

	out, err := env.run("read-direct", "Alice")
	if err != nil {
		t.Fatalf("read-direct error: %v", err)
	}
	if !strings.Contains(out, "[Alice] user: one\n[Alice] user: two") {
		t.Errorf("output = %q", out)
	}
	if env.driver.Calls("OpenChat") != 1 {
		t.Errorf("OpenChat calls = %d", env.driver.Calls("OpenChat"))
	}
}

func TestPeek(t *testing.T) {
	env := newTestEnv(t)
	env.driver.Hash = hashA
	env.driver.SetPage("three", "two", "one")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"whole page", nil, "[Alice] user: one\n[Alice] user: two\n[Alice] user: three\n"},
		{"text anchor", []string{"--anchor", "one"}, "[Alice] user: two\n[Alice] user: three\n"},
		{"digest anchor", []string{"--anchor", reader.HashContent("two")}, "[Alice] user: three\n"},
		{"forced text", []string{"--anchor", reader.HashContent("two"), "--text"}, "[Alice] user: one\n[Alice] user: two\n[Alice] user: three\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := env.run(append([]string{"peek", "Alice"}, tt.args...)...)
			if err != nil {
				t.Fatalf("peek error: %v", err)
			}
			if out != tt.want {
				t.Errorf("output = %q, want %q", out, tt.want)
			}
		})
	}

	if _, ok := statestore.OpenAnchors(env.stateDir).Load()["Alice"]; ok {
		t.Error("peek must not persist an anchor")
	}
}

func TestOpen(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.run("open", "Bob"); err != nil {
		t.Fatalf("open error: %v", err)
	}
	if env.driver.Contact != "Bob" {
		t.Errorf("foreground = %q", env.driver.Contact)
	}

	env.driver.OpenErr = ui.ErrChatNotOpened
	if _, err := env.run("open", "Carol"); !errors.Is(err, ui.ErrChatNotOpened) {
		t.Errorf("open error = %v, want ErrChatNotOpened", err)
	}
}

func TestSend(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run("send", "Bob", "hello", "world")
	if err != nil {
		t.Fatalf("send error: %v", err)
	}
	if len(env.driver.Sent) != 1 || env.driver.Sent[0] != "hello world" {
		t.Errorf("sent = %v", env.driver.Sent)
	}
	if !strings.Contains(out, "Sent to Bob: hello world") {
		t.Errorf("output = %q", out)
	}

	if _, err := env.run("send", "Bob", "  "); err == nil {
		t.Error("blank text should fail")
	}
}

func TestSendFile(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(env.home, "report.pdf")
	if err := os.WriteFile(path, []byte("%PDF"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := env.run("send-file", "Bob", path); err != nil {
		t.Fatalf("send-file error: %v", err)
	}
	if len(env.driver.Files) != 1 || env.driver.Files[0] != path {
		t.Errorf("files = %v", env.driver.Files)
	}

	if _, err := env.run("send-file", "Bob", filepath.Join(env.home, "missing")); err == nil {
		t.Error("missing file should fail")
	}
	if env.driver.Calls("SendFile") != 1 {
		t.Error("missing file must not reach the driver")
	}
}

func TestAnchorAndReset(t *testing.T) {
	env := newTestEnv(t)
	env.setAnchor(t, "Alice", "h0")

	out, err := env.run("anchor", "Alice")
	if err != nil {
		t.Fatalf("anchor error: %v", err)
	}
	if strings.TrimSpace(out) != reader.HashContent("h0") {
		t.Errorf("anchor = %q", out)
	}

	if _, err := env.run("reset-anchor", "Alice"); err != nil {
		t.Fatalf("reset-anchor error: %v", err)
	}
	if _, err := env.run("anchor", "Alice"); err == nil {
		t.Error("anchor after reset should fail")
	}
}

func TestContacts(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run("contacts")
	if err != nil || !strings.Contains(out, "No contacts") {
		t.Fatalf("contacts = %q, %v", out, err)
	}

	env.setAnchor(t, "Bob", "b")
	env.setAnchor(t, "Alice", "a")
	out, err = env.run("contacts")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "Alice\t") || !strings.HasPrefix(lines[1], "Bob\t") {
		t.Errorf("contacts = %q", out)
	}
}

func TestCurrent(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run("current")
	if err != nil || strings.TrimSpace(out) != "Alice" {
		t.Fatalf("current = %q, %v", out, err)
	}

	env.driver.Contact = ""
	if _, err := env.run("current"); err == nil {
		t.Error("unknown contact should fail")
	}

	env.driver.ContactErr = ui.ErrWindowNotFound
	if _, err := env.run("current"); !errors.Is(err, ui.ErrWindowNotFound) {
		t.Errorf("error = %v, want ErrWindowNotFound", err)
	}
}

func TestUpdateHash(t *testing.T) {
	env := newTestEnv(t)
	env.driver.Hash = hashA

	out, err := env.run("update-hash")
	if err != nil {
		t.Fatalf("update-hash error: %v", err)
	}
	if strings.TrimSpace(out) != "Alice\t"+hashA {
		t.Errorf("output = %q", out)
	}
	if got := statestore.OpenVisual(env.stateDir).Load()["Alice"]; got != hashA {
		t.Errorf("visual state = %q", got)
	}
}

func TestWatch_ReturnsAfterFirstBatch(t *testing.T) {
	env := newTestEnv(t)
	env.setAnchor(t, "Alice", "h0")
	env.driver.Hash = hashA
	env.driver.SetPage("h0")

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := env.run("watch", "Alice")
		done <- result{out, err}
	}()

	time.Sleep(100 * time.Millisecond)
	env.driver.SetPage("B", "h0")
	env.driver.SetHash(hashF)

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("watch error: %v", r.err)
		}
		if !strings.Contains(r.out, "[Alice] user: B") {
			t.Errorf("output = %q", r.out)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return after a new message")
	}
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t)
	j, err := history.NewJournal(filepath.Join(env.stateDir, "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	err = j.Record(
		bus.MessageEvent{Contact: "Alice", Role: bus.RoleUser, Content: "hello there", Timestamp: now, Hash: "1"},
		bus.MessageEvent{Contact: "Alice", Role: bus.RoleAssistant, Content: "hi", Timestamp: now.Add(time.Second), Hash: "2"},
		bus.MessageEvent{Contact: "Bob", Role: bus.RoleUser, Content: "ping", Timestamp: now, Hash: "3"},
	)
	if err != nil {
		t.Fatal(err)
	}
	j.Close()

	out, err := env.run("history", "Alice")
	if err != nil {
		t.Fatalf("history error: %v", err)
	}
	first := strings.Index(out, "user: hello there")
	second := strings.Index(out, "assistant: hi")
	if first < 0 || second < 0 || first > second {
		t.Errorf("history should list oldest first, got %q", out)
	}

	out, err = env.run("history")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Alice\t2") || !strings.Contains(out, "Bob\t1") {
		t.Errorf("contact stats = %q", out)
	}

	out, err = env.run("history", "--search", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "hello there") || strings.Contains(out, "ping") {
		t.Errorf("search = %q", out)
	}
}

func TestOnboard(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(env.home, ".chatsync", "config.json")

	run := func() string {
		debugFlag, configFlag = false, ""
		var out bytes.Buffer
		if err := execute(context.Background(), []string{"onboard"}, &out, &out); err != nil {
			t.Fatalf("onboard error: %v", err)
		}
		return out.String()
	}

	if out := run(); !strings.Contains(out, "Created config") {
		t.Errorf("first run = %q", out)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.home, ".chatsync", "state")); err != nil {
		t.Errorf("state dir not created: %v", err)
	}
	if out := run(); !strings.Contains(out, "Config already exists") {
		t.Errorf("second run = %q", out)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	env.setAnchor(t, "Alice", "a")

	out, err := env.run("status")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	for _, want := range []string{"Config: " + env.cfgPath, "Anchors: 1", "Watch jobs: 0", "HTTP API: disabled"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q in %q", want, out)
		}
	}
}

func TestInvalidConfig(t *testing.T) {
	env := newTestEnv(t)
	if err := os.WriteFile(env.cfgPath, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := env.run("current"); err == nil {
		t.Error("invalid config should fail")
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{
		"read", "read-direct", "peek", "open", "send", "send-file", "anchor", "reset-anchor",
		"contacts", "current", "update-hash", "watch", "history", "gateway", "onboard", "status",
	}
	have := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("command %q not registered", name)
		}
	}
}
