// Package ogconnector is the client side of a bridge between a native host
// and a peer runtime process.
//
// The bridge is split into layers, each in its own package:
//
//   - connector: the reference counted Connector, synchronous calls and
//     class-routed push callbacks
//   - channel: the Channel contract and a framed, reconnecting stream
//     implementation over Unix sockets or process pipes
//   - calls: the table pairing requests with their replies
//   - dispatch: the worker pool running push callbacks in order per callback
//   - messages: immutable JSON message values
//   - config, logging: settings and structured logging
//
// # Basic Usage
//
//	c, err := connector.Start("Excel")
//	if err != nil {
//	    return err
//	}
//	defer c.Release()
//
//	if err := c.WaitForStartup(10 * time.Second); err != nil {
//	    return err
//	}
//
//	req := messages.MustNew("Function", map[string]any{"name": "SUM"})
//	reply, err := c.Call(req, 30*time.Second)
package ogconnector

// Version is the library version. Release builds override it with
// -ldflags "-X github.com/smnsjas/go-ogconnector.Version=...".
var Version = "0.1.0-dev"
