package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	ogconnector "github.com/smnsjas/go-ogconnector"
	"github.com/smnsjas/go-ogconnector/connector"
	"github.com/smnsjas/go-ogconnector/messages"
)

// buildMessage makes a message of class from an optional JSON object body.
func buildMessage(class string, args []string) (*messages.Message, error) {
	if len(args) == 0 {
		return messages.New(class, nil)
	}
	body, err := messages.Parse(args[0])
	if err != nil {
		return nil, fmt.Errorf("message body: %w", err)
	}
	return messages.New(class, json.RawMessage(body.Encode()))
}

func newCallCmd(a *app) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "call CLASS [JSON-BODY]",
		Short: "Send a request and print the reply",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := buildMessage(args[0], args[1:])
			if err != nil {
				return err
			}
			if timeout <= 0 {
				timeout = a.cfg.Calls.DefaultTimeout
			}

			c, err := a.connect()
			if err != nil {
				return err
			}
			defer shutdown(c)

			reply, err := c.Call(msg, timeout)
			if err != nil {
				return fmt.Errorf("call %s: %w", args[0], err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), reply.String())
			return err
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "reply timeout (default calls.default_timeout)")
	return cmd
}

func newSendCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send CLASS [JSON-BODY]",
		Short: "Send a message without waiting for a reply",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := buildMessage(args[0], args[1:])
			if err != nil {
				return err
			}
			c, err := a.connect()
			if err != nil {
				return err
			}
			defer shutdown(c)
			return c.Send(msg)
		},
	}
}

// printer writes each pushed message as one line. Lines from concurrent
// workers do not interleave.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) OnMessage(_ context.Context, msg *messages.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, msg.String())
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch CLASS...",
		Short: "Print pushed messages of the given classes until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect()
			if err != nil {
				return err
			}
			defer shutdown(c)

			c.OnExitRunningState(func() { a.logger.Warn("peer connection lost") })
			c.OnEnterRunningState(func() { a.logger.Info("peer connection restored") })

			p := &printer{w: cmd.OutOrStdout()}
			for _, class := range args {
				if err := c.AddCallback(class, p); err != nil {
					return err
				}
			}
			defer c.RemoveCallback(p)

			<-cmd.Context().Done()
			return nil
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.cfg.Write(cmd.OutOrStdout())
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "ogconnect %s\n", ogconnector.Version)
			return err
		},
	}
}

var _ connector.Callback = (*printer)(nil)
