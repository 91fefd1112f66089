// Package gateway runs the long-lived mode: scheduled polls, the bridge
// channels, the delivery journal and the optional HTTP API around one
// Syncer.
package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/chatsync/internal/browser"
	"github.com/stellarlinkco/chatsync/internal/bus"
	"github.com/stellarlinkco/chatsync/internal/channel"
	"github.com/stellarlinkco/chatsync/internal/config"
	"github.com/stellarlinkco/chatsync/internal/cron"
	"github.com/stellarlinkco/chatsync/internal/history"
	"github.com/stellarlinkco/chatsync/internal/httpapi"
	"github.com/stellarlinkco/chatsync/internal/reader"
	"github.com/stellarlinkco/chatsync/internal/statestore"
	"github.com/stellarlinkco/chatsync/internal/syncer"
	"github.com/stellarlinkco/chatsync/internal/ui"
)

const (
	journalChannel  = "journal"
	shutdownTimeout = 5 * time.Second
)

// Options for creating a Gateway
type Options struct {
	// Driver replaces the browser driver.
	Driver ui.Driver
	// Channels are registered next to the configured ones.
	Channels   []channel.Channel
	SignalChan chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	driver   ui.Driver
	sync     *syncer.Syncer
	channels *channel.ChannelManager
	cron     *cron.Service
	journal  *history.Journal
	httpSrv  *http.Server
	log      *slog.Logger

	signalChan chan os.Signal // for testing

	closeOnce sync.Once
}

// NewSyncer builds the engine from configuration.
func NewSyncer(cfg *config.Config, d ui.Driver) *syncer.Syncer {
	return syncer.New(d,
		statestore.OpenAnchors(cfg.State.Dir),
		statestore.OpenVisual(cfg.State.Dir),
		syncer.Options{
			Threshold: cfg.Visual.Threshold,
			Reader: reader.Options{
				BubbleOffsetX: cfg.Reader.BubbleOffsetX,
				PauseMin:      time.Duration(cfg.Reader.PauseMinMs) * time.Millisecond,
				PauseMax:      time.Duration(cfg.Reader.PauseMaxMs) * time.Millisecond,
			},
		})
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		driver:     opts.Driver,
		signalChan: opts.SignalChan,
		log:        slog.Default().With("component", "gateway"),
	}
	if g.driver == nil {
		g.driver = browser.New(cfg.Browser)
	}
	g.sync = NewSyncer(cfg, g.driver)

	if cfg.History.Enabled {
		j, err := history.NewJournal(cfg.History.DBPath)
		if err != nil {
			g.closeDriver()
			return nil, oops.In("gateway").Wrapf(err, "open history journal")
		}
		g.journal = j
		g.bus.SubscribeOutbound(journalChannel, g.recordOutbound)
	}

	g.cron = cron.NewService(cfg.Watch.JobsPath)
	g.cron.OnJob = g.runWatchJob

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus)
	if err != nil {
		g.closeResources()
		return nil, oops.In("gateway").Wrapf(err, "create channel manager")
	}
	for _, ch := range opts.Channels {
		chMgr.Register(ch)
	}
	g.channels = chMgr

	if cfg.Gateway.HTTPEnabled {
		g.httpSrv = &http.Server{
			Addr:              net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)),
			Handler:           httpapi.New(g.sync, g.deliver, g.log).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return g, nil
}

// Syncer exposes the engine shared by every entry point of the gateway.
func (g *Gateway) Syncer() *syncer.Syncer {
	return g.sync
}

// runWatchJob polls one contact and publishes whatever is new.
func (g *Gateway) runWatchJob(ctx context.Context, job cron.Job) (int, error) {
	events, err := g.sync.Poll(ctx, job.Payload.Contact, job.Payload.UpdateAnchor)
	if err != nil {
		return 0, err
	}
	if job.Payload.UpdateAnchor {
		g.deliver(ctx, events)
	}
	return len(events), nil
}

func (g *Gateway) deliver(ctx context.Context, events []bus.MessageEvent) {
	if len(events) == 0 {
		return
	}
	g.log.Info("delivering events", "contact", events[0].Contact, "count", len(events))
	g.bus.PublishEvents(ctx, events)
}

func (g *Gateway) recordOutbound(msg bus.OutboundMessage) {
	if msg.Event == nil {
		return
	}
	if err := g.journal.Record(*msg.Event); err != nil {
		g.log.Warn("journal record failed", "contact", msg.Event.Contact, "error", err)
	}
}

// ensureWatchJobs creates an interval job for every configured contact.
func (g *Gateway) ensureWatchJobs() error {
	interval := time.Duration(g.cfg.Watch.IntervalSeconds * float64(time.Second))
	var errs []error
	for _, contact := range g.cfg.Watch.Contacts {
		contact = strings.TrimSpace(contact)
		if contact == "" {
			continue
		}
		if _, err := g.cron.EnsureWatch(contact, interval); err != nil {
			errs = append(errs, oops.In("gateway").With("contact", contact).Wrapf(err, "ensure watch job"))
		}
	}
	return errors.Join(errs...)
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		g.bus.DispatchOutbound(gctx)
		return nil
	})

	if err := g.channels.StartAll(gctx); err != nil {
		cancel()
		_ = grp.Wait()
		_ = g.Shutdown()
		return oops.In("gateway").Wrapf(err, "start channels")
	}
	g.log.Info("channels started", "channels", g.channels.EnabledChannels())

	if err := g.cron.Start(gctx); err != nil {
		g.log.Warn("cron start warning", "error", err)
	}
	if err := g.ensureWatchJobs(); err != nil {
		g.log.Warn("ensure watch jobs warning", "error", err)
	}

	grp.Go(func() error {
		g.processLoop(gctx)
		return nil
	})

	if g.httpSrv != nil {
		ln, err := net.Listen("tcp", g.httpSrv.Addr)
		if err != nil {
			cancel()
			_ = grp.Wait()
			_ = g.Shutdown()
			return oops.In("gateway").With("addr", g.httpSrv.Addr).Wrapf(err, "listen")
		}
		g.log.Info("http api listening", "addr", ln.Addr().String())
		grp.Go(func() error {
			if err := g.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return oops.In("gateway").Wrapf(err, "serve http")
			}
			return nil
		})
		grp.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			return g.httpSrv.Shutdown(shutdownCtx)
		})
	}

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	grp.Go(func() error {
		select {
		case sig := <-sigCh:
			g.log.Info("shutting down", "signal", sig.String())
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	g.log.Info("running", "watching", len(g.cron.ListJobs()))
	runErr := grp.Wait()
	return errors.Join(runErr, g.Shutdown())
}

// processLoop sends bridge requests into the chat client and reports the
// outcome back to the originating channel.
func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.log.Info("inbound", "channel", msg.Channel, "sender", msg.SenderID, "contact", msg.Contact, "text", truncate(msg.Content, 80))
			reply := g.handleInbound(ctx, msg)
			if reply == "" {
				continue
			}
			select {
			case g.bus.Outbound <- bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: reply}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) string {
	contact := strings.TrimSpace(msg.Contact)
	if contact == "" {
		return ""
	}

	if path, _ := msg.Metadata[channel.MetaFilePath].(string); path != "" {
		if err := g.sync.SendFile(ctx, contact, path); err != nil {
			g.log.Error("send file failed", "contact", contact, "path", path, "error", err)
			return "failed to send file to " + contact + ": " + err.Error()
		}
		if strings.TrimSpace(msg.Content) == "" {
			return "file sent to " + contact
		}
	}

	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return ""
	}
	if err := g.sync.SendMessage(ctx, contact, text); err != nil {
		g.log.Error("send failed", "contact", contact, "error", err)
		return "failed to send to " + contact + ": " + err.Error()
	}
	g.recordSent(contact, text)
	return "sent to " + contact
}

func (g *Gateway) recordSent(contact, text string) {
	if g.journal == nil {
		return
	}
	ev := bus.MessageEvent{
		Contact:   contact,
		Role:      bus.RoleAssistant,
		Content:   text,
		Timestamp: time.Now().UTC(),
		Hash:      reader.HashContent(text),
	}
	if err := g.journal.Record(ev); err != nil {
		g.log.Warn("journal record failed", "contact", contact, "error", err)
	}
}

func (g *Gateway) Shutdown() error {
	var err error
	g.closeOnce.Do(func() {
		g.cron.Stop()
		_ = g.channels.StopAll()
		err = g.closeResources()
		g.log.Info("shutdown complete")
	})
	return err
}

func (g *Gateway) closeResources() error {
	var errs []error
	if g.journal != nil {
		if err := g.journal.Close(); err != nil {
			errs = append(errs, oops.In("gateway").Wrapf(err, "close journal"))
		}
	}
	if err := g.closeDriver(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (g *Gateway) closeDriver() error {
	if c, ok := g.driver.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return oops.In("gateway").Wrapf(err, "close driver")
		}
	}
	return nil
}

// truncate cuts s to n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
