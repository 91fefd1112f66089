package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/phsym/console-slog"
	"github.com/samber/oops"
	slogmulti "github.com/samber/slog-multi"
	slogtelegram "github.com/samber/slog-telegram/v2"

	"github.com/stellarlinkco/chatsync/internal/config"
)

// Preinit installs a console logger usable before the config is loaded.
func Preinit() {
	slog.SetDefault(slog.New(console.NewHandler(os.Stderr, &console.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelError,
	})))
}

// ParseLevel maps a config level name to a slog level. Unknown names
// select error.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Init installs the default logger. debug lowers the console level to
// info. The returned closer releases the log file, if any.
func Init(cfg *config.Config, debug bool) (io.Closer, error) {
	level := ParseLevel(cfg.Log.Level)
	if debug && level > slog.LevelInfo {
		level = slog.LevelInfo
	}

	router := slogmulti.Router()

	router = router.Add(console.NewHandler(os.Stderr, &console.HandlerOptions{
		AddSource: debug,
		Level:     level,
	}))

	var closer io.Closer = nopCloser{}
	if cfg.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0755); err != nil {
			return nil, oops.In("logging").Wrapf(err, "create log dir")
		}
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, oops.In("logging").With("path", cfg.Log.File).Wrapf(err, "open log file")
		}
		closer = f
		router = router.Add(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	if cfg.Log.Telegram.Token != "" {
		router = router.Add(
			slogtelegram.Option{
				Level:     slog.LevelDebug,
				Token:     cfg.Log.Telegram.Token,
				Username:  cfg.Log.Telegram.ChatID,
				AddSource: true,
			}.NewTelegramHandler(),
			alertable,
		)
	}

	slog.SetDefault(slog.New(router.Handler()))
	return closer, nil
}

// alertable selects records worth a Telegram alert: errors, or records
// carrying a "telegram" attribute.
func alertable(_ context.Context, r slog.Record) bool {
	hasTelegram := false
	r.Attrs(func(attr slog.Attr) bool {
		if attr.Key == "telegram" {
			hasTelegram = true
			return false
		}
		return true
	})
	return r.Level >= slog.LevelError || hasTelegram
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
