package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/elliotchance/pie/v2"
	"github.com/samber/do"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/chatsync/internal/bus"
	"github.com/stellarlinkco/chatsync/internal/config"
	"github.com/stellarlinkco/chatsync/internal/cron"
	"github.com/stellarlinkco/chatsync/internal/gateway"
	"github.com/stellarlinkco/chatsync/internal/history"
	"github.com/stellarlinkco/chatsync/internal/reader"
	"github.com/stellarlinkco/chatsync/internal/statestore"
)

var readCmd = &cobra.Command{
	Use:   "read [contact]",
	Short: "Print messages newer than the contact's anchor and advance it",
	Long: `Poll the contact and print new messages oldest first.
Without a contact the foreground chat is read and its anchor is left alone.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRead,
}

var readDirectCmd = &cobra.Command{
	Use:   "read-direct <contact>",
	Short: "Open the chat and read its visible page, stopping at the anchor",
	Args:  cobra.ExactArgs(1),
	RunE:  runReadDirect,
}

var peekCmd = &cobra.Command{
	Use:   "peek <contact>",
	Short: "Print the visible page back to an anchor without touching sync state",
	Args:  cobra.ExactArgs(1),
	RunE:  runPeek,
}

var openCmd = &cobra.Command{
	Use:   "open <contact>",
	Short: "Bring a contact's chat to the foreground",
	Args:  cobra.ExactArgs(1),
	RunE:  runOpen,
}

var sendCmd = &cobra.Command{
	Use:   "send <contact> <text>",
	Short: "Send text to a contact",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSend,
}

var sendFileCmd = &cobra.Command{
	Use:   "send-file <contact> <path>",
	Short: "Send a file or image to a contact",
	Args:  cobra.ExactArgs(2),
	RunE:  runSendFile,
}

var anchorCmd = &cobra.Command{
	Use:   "anchor <contact>",
	Short: "Print the contact's anchor digest",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnchor,
}

var resetAnchorCmd = &cobra.Command{
	Use:   "reset-anchor <contact>",
	Short: "Forget the contact's anchor and visual state",
	Args:  cobra.ExactArgs(1),
	RunE:  runResetAnchor,
}

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List contacts with an anchor",
	Args:  cobra.NoArgs,
	RunE:  runContacts,
}

var currentCmd = &cobra.Command{
	Use:   "current",
	Short: "Print the contact shown in the foreground chat",
	Args:  cobra.NoArgs,
	RunE:  runCurrent,
}

var updateHashCmd = &cobra.Command{
	Use:   "update-hash",
	Short: "Record the foreground chat pane as its contact's visual baseline",
	Args:  cobra.NoArgs,
	RunE:  runUpdateHash,
}

var watchCmd = &cobra.Command{
	Use:   "watch <contact>",
	Short: "Poll once, then wait for the chat pane to change and print the next batch",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

var historyCmd = &cobra.Command{
	Use:   "history [contact]",
	Short: "Show delivered messages from the journal",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run watch jobs, bridge channels and the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Create the config file and state directory",
	Args:  cobra.NoArgs,
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show chatsync status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var (
	historyLimit  int
	historySearch string

	peekAnchor string
	peekText   bool
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum entries to show")
	historyCmd.Flags().StringVarP(&historySearch, "search", "s", "", "Full-text search instead of listing")
	peekCmd.Flags().StringVar(&peekAnchor, "anchor", "", "Stop at this message digest or text (default: read the whole page)")
	peekCmd.Flags().BoolVar(&peekText, "text", false, "Treat --anchor as message text even if it looks like a digest")
}

func printEvents(w io.Writer, contact string, events []bus.MessageEvent, empty string) {
	if len(events) == 0 {
		fmt.Fprintf(w, "[%s] %s\n", contact, empty)
		return
	}
	for _, ev := range events {
		fmt.Fprintf(w, "[%s] %s: %s\n", contact, ev.Role, ev.Content)
	}
}

func runRead(cmd *cobra.Command, args []string) error {
	s, err := syncerFromDI()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	update := true
	var contact string
	if len(args) == 1 {
		contact = strings.TrimSpace(args[0])
	}
	if contact == "" {
		if contact, err = s.CurrentContact(ctx); err != nil {
			return err
		}
		update = false
	}

	events, err := s.Poll(ctx, contact, update)
	if err != nil {
		return err
	}
	printEvents(cmd.OutOrStdout(), contact, events, "no new messages")
	return nil
}

func runReadDirect(cmd *cobra.Command, args []string) error {
	s, err := syncerFromDI()
	if err != nil {
		return err
	}
	contact := args[0]
	if err := s.OpenChat(cmd.Context(), contact); err != nil {
		return err
	}
	events, err := s.ReadDirect(cmd.Context(), contact)
	if err != nil {
		return err
	}
	printEvents(cmd.OutOrStdout(), contact, events, "no messages")
	return nil
}

func runPeek(cmd *cobra.Command, args []string) error {
	s, err := syncerFromDI()
	if err != nil {
		return err
	}
	anchor := reader.ParseAnchor(peekAnchor)
	if peekText {
		anchor = reader.AnchorText(peekAnchor)
	}
	contact := args[0]
	events, err := s.Peek(cmd.Context(), contact, anchor)
	if err != nil {
		return err
	}
	printEvents(cmd.OutOrStdout(), contact, events, "no messages")
	return nil
}

func runOpen(cmd *cobra.Command, args []string) error {
	s, err := syncerFromDI()
	if err != nil {
		return err
	}
	if err := s.OpenChat(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Opened chat: %s\n", args[0])
	return nil
}

func runSend(cmd *cobra.Command, args []string) error {
	s, err := syncerFromDI()
	if err != nil {
		return err
	}
	contact, text := args[0], strings.Join(args[1:], " ")
	if strings.TrimSpace(text) == "" {
		return oops.In("cli").Errorf("message text is empty")
	}
	if err := s.SendMessage(cmd.Context(), contact, text); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent to %s: %s\n", contact, preview(text))
	return nil
}

func runSendFile(cmd *cobra.Command, args []string) error {
	contact, path := args[0], args[1]
	if _, err := os.Stat(path); err != nil {
		return oops.In("cli").With("path", path).Wrapf(err, "file not found")
	}
	s, err := syncerFromDI()
	if err != nil {
		return err
	}
	if err := s.SendFile(cmd.Context(), contact, path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent to %s: %s\n", contact, path)
	return nil
}

func runAnchor(cmd *cobra.Command, args []string) error {
	s, err := syncerFromDI()
	if err != nil {
		return err
	}
	h, ok := s.AnchorHash(args[0])
	if !ok {
		return oops.In("cli").With("contact", args[0]).Errorf("no anchor for %s", args[0])
	}
	fmt.Fprintln(cmd.OutOrStdout(), h)
	return nil
}

func runResetAnchor(cmd *cobra.Command, args []string) error {
	s, err := syncerFromDI()
	if err != nil {
		return err
	}
	if err := s.ResetAnchor(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Anchor reset: %s\n", args[0])
	return nil
}

func runContacts(cmd *cobra.Command, args []string) error {
	s, err := syncerFromDI()
	if err != nil {
		return err
	}
	anchors := s.Anchors()
	if len(anchors) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No contacts synced yet")
		return nil
	}
	for _, name := range pie.Sort(pie.Keys(anchors)) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, anchors[name])
	}
	return nil
}

func runCurrent(cmd *cobra.Command, args []string) error {
	s, err := syncerFromDI()
	if err != nil {
		return err
	}
	name, err := s.CurrentContact(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), name)
	return nil
}

func runUpdateHash(cmd *cobra.Command, args []string) error {
	s, err := syncerFromDI()
	if err != nil {
		return err
	}
	contact, h, err := s.UpdateVisualHash(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", contact, h)
	return nil
}

// runWatch prints the first poll, then checks the pane every interval and
// returns after the first non-empty batch.
func runWatch(cmd *cobra.Command, args []string) error {
	s, err := syncerFromDI()
	if err != nil {
		return err
	}
	cfg := cfgFromDI()
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	contact := strings.TrimSpace(args[0])
	interval := time.Duration(cfg.Watch.IntervalSeconds * float64(time.Second))

	events, err := s.Poll(ctx, contact, true)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		printEvents(out, contact, events, "")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		changed, err := s.HasNewMessage(ctx, contact, cfg.Visual.Threshold)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		events, err := s.Poll(ctx, contact, true)
		if err != nil {
			return err
		}
		if len(events) > 0 {
			printEvents(out, contact, events, "")
			return nil
		}
	}
}

func runHistory(cmd *cobra.Command, args []string) error {
	j, err := do.Invoke[*history.Journal](di)
	if err != nil {
		return oops.In("cli").Wrapf(err, "open history journal")
	}
	out := cmd.OutOrStdout()

	var entries []history.Entry
	switch {
	case historySearch != "":
		entries, err = j.Search(historySearch, historyLimit)
	case len(args) == 1:
		entries, err = j.List(args[0], historyLimit)
	default:
		stats, err := j.Contacts()
		if err != nil {
			return err
		}
		for _, st := range stats {
			fmt.Fprintf(out, "%s\t%d\t%s\n", st.Contact, st.Count, st.Last.Local().Format(time.DateTime))
		}
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range pie.Reverse(entries) {
		fmt.Fprintf(out, "%s [%s] %s: %s\n", e.ReadAt.Local().Format(time.DateTime), e.Contact, e.Role, e.Content)
	}
	return nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	gw, err := do.Invoke[*gateway.Gateway](di)
	if err != nil {
		return oops.In("cli").Wrapf(err, "create gateway")
	}
	return gw.Run(cmd.Context())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	path := configFlag
	if path == "" {
		path = config.ConfigPath()
	}

	cfg := cfgFromDI()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.SaveConfigTo(cfg, path); err != nil {
			return oops.In("cli").Wrapf(err, "write config")
		}
		fmt.Fprintf(out, "Created config: %s\n", path)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", path)
	}

	if err := os.MkdirAll(cfg.State.Dir, 0755); err != nil {
		return oops.In("cli").Wrapf(err, "create state dir")
	}
	fmt.Fprintf(out, "State dir ready: %s\n", cfg.State.Dir)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to point browser.controlUrl at a running browser, or keep browser.launch\n", path)
	fmt.Fprintln(out, "  2. Run 'chatsync current' to check the chat window is reachable")
	fmt.Fprintln(out, "  3. Run 'chatsync read <contact>' once to set the contact's anchor")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := cfgFromDI()
	out := cmd.OutOrStdout()

	path := configFlag
	if path == "" {
		path = config.ConfigPath()
	}
	fmt.Fprintf(out, "Config: %s\n", path)
	fmt.Fprintf(out, "State dir: %s\n", cfg.State.Dir)
	fmt.Fprintf(out, "Anchors: %d\n", len(statestore.OpenAnchors(cfg.State.Dir).Load()))
	fmt.Fprintf(out, "Visual hashes: %d\n", len(statestore.OpenVisual(cfg.State.Dir).Load()))

	if cfg.Browser.ControlURL != "" {
		fmt.Fprintf(out, "Browser: attach %s\n", cfg.Browser.ControlURL)
	} else {
		fmt.Fprintf(out, "Browser: launch=%v headless=%v\n", cfg.Browser.Launch, cfg.Browser.Headless)
	}

	jobs := cron.NewService(cfg.Watch.JobsPath)
	if err := jobs.Load(); err != nil {
		fmt.Fprintf(out, "Watch jobs: error (%v)\n", err)
	} else {
		fmt.Fprintf(out, "Watch jobs: %d\n", len(jobs.ListJobs()))
	}
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Fprintf(out, "History: enabled=%v\n", cfg.History.Enabled)
	if cfg.Gateway.HTTPEnabled {
		fmt.Fprintf(out, "HTTP API: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	} else {
		fmt.Fprintln(out, "HTTP API: disabled")
	}
	return nil
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= 50 {
		return s
	}
	return string(r[:50]) + "..."
}
