package main

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/smnsjas/go-ogconnector/config"
	"github.com/smnsjas/go-ogconnector/connector"
	"github.com/smnsjas/go-ogconnector/logging"
)

// app holds what the persistent flags resolve to.
type app struct {
	configPath string
	socket     string
	exec       string
	language   string
	verbose    bool

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "ogconnect",
		Short:         "Exercise a connector against a peer runtime",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "TOML config file")
	flags.StringVar(&a.socket, "socket", "", "peer socket path (overrides connection.socket_path)")
	flags.StringVar(&a.exec, "exec", "", "spawn the peer with this command line and talk over its stdio")
	flags.StringVar(&a.language, "language", "ogconnect", "language id presented to the peer")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newCallCmd(a))
	root.AddCommand(newSendCmd(a))
	root.AddCommand(newWatchCmd(a))
	root.AddCommand(newConfigCmd(a))
	root.AddCommand(newVersionCmd())
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.socket != "" {
		cfg.Connection.SocketPath = a.socket
	}
	if a.verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	logging.SetDefault(logger)

	a.cfg = cfg
	a.logger = logger
	return nil
}

// connect starts a connector and waits for it to reach Running.
func (a *app) connect() (*connector.Connector, error) {
	opts := []connector.Option{
		connector.WithConfig(a.cfg),
		connector.WithLogger(a.logger),
	}
	if a.exec != "" {
		dial, err := execDialer(a.exec, peerExitGrace, a.logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, connector.WithDialer(dial))
	}

	c, err := connector.Start(a.language, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.WaitForStartup(a.cfg.Calls.StartupTimeout); err != nil {
		c.Release()
		return nil, fmt.Errorf("peer not running after %s: %w", a.cfg.Calls.StartupTimeout, err)
	}
	return c, nil
}

// signalOnce returns a hook that closes the returned channel the first time
// it runs. Later runs do nothing, so a hook that fires again after a
// reconnect is harmless.
func signalOnce() (func(), <-chan struct{}) {
	ch := make(chan struct{})
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }, ch
}

// shutdown stops the channel and drops the last reference, giving the
// disconnect a moment to reach the peer.
func shutdown(c *connector.Connector) {
	hook, stopped := signalOnce()
	c.OnEnterStableNonRunningState(hook)
	if c.Stop() {
		select {
		case <-stopped:
		case <-time.After(time.Second):
		}
	}
	c.OnEnterStableNonRunningState(nil)
	c.Release()
}
