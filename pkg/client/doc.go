// Package client provides a WebSocket client that keeps one logical
// connection alive across network failures.
//
// The client handles:
//   - Reconnection with capped exponential backoff and jitter
//   - Queueing of outbound messages while the connection is down
//   - Ping/pong keep-alive messages
//   - State, message and error notifications to any number of listeners
//
// Basic usage:
//
//	c, err := client.New(client.Config{
//	    URL: "wss://relay.example.com/ws",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	c.OnMessage(func(m client.Message) {
//	    fmt.Printf("Got message: %s\n", m.Type)
//	})
//
//	if err := c.Connect(ctx, token); err != nil {
//	    // The first connection did not open in time. The client keeps
//	    // retrying; watch OnStateChange for Connected.
//	    log.Printf("connect: %v", err)
//	}
//	defer c.Disconnect()
//
//	c.Send(map[string]any{"type": "chat", "payload": "hello"})
//
// Send never fails because the connection is down: messages are queued and
// flushed in order once the socket reopens. Disconnect discards the queue.
//
// Set Config.Resolver instead of URL when the endpoint can move between
// reconnects; pkg/endpoint provides one backed by a runtime-config document.
//
// To disable logging or customize output:
//
//	// Silence all logs
//	config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
//
//	// Or use JSON logging
//	config.Logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
package client
