package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/do"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/chatsync/internal/browser"
	"github.com/stellarlinkco/chatsync/internal/config"
	"github.com/stellarlinkco/chatsync/internal/gateway"
	"github.com/stellarlinkco/chatsync/internal/history"
	"github.com/stellarlinkco/chatsync/internal/logging"
	"github.com/stellarlinkco/chatsync/internal/syncer"
	"github.com/stellarlinkco/chatsync/internal/ui"
)

// driverFactory builds the chat window driver. Tests replace it.
var driverFactory = func(cfg *config.Config) ui.Driver {
	return browser.New(cfg.Browser)
}

var (
	debugFlag  bool
	configFlag string

	di        *do.Injector
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:               "chatsync",
	Short:             "chatsync - incremental message sync for a chat client window",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Log at info level (default logs errors only)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default ~/.chatsync/config.json)")
	rootCmd.AddCommand(
		readCmd, readDirectCmd, peekCmd, openCmd, sendCmd, sendFileCmd,
		anchorCmd, resetAnchorCmd, contactsCmd, currentCmd, updateHashCmd,
		watchCmd, historyCmd, gatewayCmd, onboardCmd, statusCmd,
	)
}

func main() {
	logging.Preinit()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// execute runs one command and releases everything it created.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	defer teardown()
	return rootCmd.ExecuteContext(ctx)
}

func setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigFrom(configFlag)
	if err != nil {
		return oops.In("cli").Wrapf(err, "load config")
	}
	closer, err := logging.Init(cfg, debugFlag)
	if err != nil {
		return oops.In("cli").Wrapf(err, "init logging")
	}
	logCloser = closer
	di = newInjector(cfg)
	return nil
}

func teardown() {
	if di != nil {
		_ = di.Shutdown()
		di = nil
	}
	if logCloser != nil {
		_ = logCloser.Close()
		logCloser = nil
	}
}

func newInjector(cfg *config.Config) *do.Injector {
	injector := do.New()
	do.ProvideValue(injector, cfg)
	do.Provide(injector, func(i *do.Injector) (ui.Driver, error) {
		return driverFactory(do.MustInvoke[*config.Config](i)), nil
	})
	do.Provide(injector, func(i *do.Injector) (*syncer.Syncer, error) {
		return gateway.NewSyncer(do.MustInvoke[*config.Config](i), do.MustInvoke[ui.Driver](i)), nil
	})
	do.Provide(injector, func(i *do.Injector) (*history.Journal, error) {
		return history.NewJournal(do.MustInvoke[*config.Config](i).History.DBPath)
	})
	do.Provide(injector, func(i *do.Injector) (*gateway.Gateway, error) {
		return gateway.NewWithOptions(do.MustInvoke[*config.Config](i), gateway.Options{
			Driver: do.MustInvoke[ui.Driver](i),
		})
	})
	return injector
}

func cfgFromDI() *config.Config {
	return do.MustInvoke[*config.Config](di)
}

func syncerFromDI() (*syncer.Syncer, error) {
	s, err := do.Invoke[*syncer.Syncer](di)
	if err != nil {
		return nil, oops.In("cli").Wrapf(err, "build syncer")
	}
	return s, nil
}
