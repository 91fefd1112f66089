package channel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/elliotchance/pie/v2"
	"github.com/samber/oops"

	"github.com/stellarlinkco/chatsync/internal/bus"
	"github.com/stellarlinkco/chatsync/internal/config"
)

type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
}

func NewChannelManager(cfg config.ChannelsConfig, b *bus.MessageBus) (*ChannelManager, error) {
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
	}

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Telegram, b)
		if err != nil {
			return nil, oops.In("channel").Wrapf(err, "init telegram channel")
		}
		m.Register(ch)
	}

	return m, nil
}

// Register adds ch and subscribes it to outbound messages.
func (m *ChannelManager) Register(ch Channel) {
	m.channels[ch.Name()] = ch
	m.bus.SubscribeOutbound(ch.Name(), func(msg bus.OutboundMessage) {
		if err := ch.Send(msg); err != nil {
			slog.Warn("send failed", "component", "channel-mgr", "channel", ch.Name(), "error", err)
		}
	})
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			slog.Info("starting channel", "component", "channel-mgr", "channel", name)
			if err := ch.Start(ctx); err != nil {
				errCh <- oops.In("channel").With("channel", name).Wrap(err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

// StopAll logs stop errors and never fails.
func (m *ChannelManager) StopAll() error {
	for name, ch := range m.channels {
		slog.Info("stopping channel", "component", "channel-mgr", "channel", name)
		if err := ch.Stop(); err != nil {
			slog.Warn("stop failed", "component", "channel-mgr", "channel", name, "error", err)
		}
	}
	return nil
}

func (m *ChannelManager) EnabledChannels() []string {
	return pie.Sort(pie.Keys(m.channels))
}
