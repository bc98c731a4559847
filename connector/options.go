package connector

import (
	"log/slog"

	"github.com/smnsjas/go-ogconnector/channel"
	"github.com/smnsjas/go-ogconnector/config"
)

type options struct {
	cfg     *config.Config
	logger  *slog.Logger
	factory channel.Factory
	dial    channel.DialFunc
}

// Option configures Start.
type Option func(*options)

// WithConfig sets the configuration. The default is config.Default().
func WithConfig(cfg *config.Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.cfg = cfg
		}
	}
}

// WithLogger sets the logger for the connector and the components it owns.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithChannelFactory replaces the channel implementation. When set, the
// connection settings of the configuration are not used.
func WithChannelFactory(f channel.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithDialer keeps the stream channel but replaces how it reaches the peer.
// The default dials connection.socket_path.
func WithDialer(dial channel.DialFunc) Option {
	return func(o *options) { o.dial = dial }
}

// streamFactory builds the default channel factory from the configuration.
func (o *options) streamFactory() channel.Factory {
	conn := o.cfg.Connection
	dial := o.dial
	if dial == nil {
		dial = channel.UnixDialer(conn.SocketPath)
	}
	return channel.NewStreamFactory(dial,
		channel.WithConnectTimeout(conn.ConnectTimeout),
		channel.WithBusyTimeout(conn.BusyTimeout),
		channel.WithRetry(conn.MaxRetries, conn.RetryBackoff),
		channel.WithMaxFrameSize(conn.MaxFragmentSize),
		channel.WithMaxMessageSize(conn.MaxMessageSize),
		channel.WithLogger(o.logger),
	)
}
