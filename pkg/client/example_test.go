package client_test

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/codeGROOVE-dev/resock/pkg/client"
)

func ExampleClient() {
	c, err := client.New(client.Config{
		URL: "wss://relay.example.com/ws",
		Backoff: client.BackoffPolicy{
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    15 * time.Second,
			MaxAttempts: 10,
			JitterRatio: 0.2,
		},
		PingInterval: 30 * time.Second,
	})
	if err != nil {
		log.Fatal(err)
	}

	c.OnStateChange(func(ev client.StateEvent) {
		log.Printf("connection %s -> %s", ev.From, ev.To)
	})
	c.OnMessage(func(m client.Message) {
		fmt.Printf("Message: %s %s\n", m.Type, m.Payload)
	})
	c.OnError(func(err error) {
		var parseErr *client.MessageParseError
		if errors.As(err, &parseErr) {
			log.Printf("ignored malformed frame: %v", err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := c.Connect(ctx, "secret-token"); err != nil {
		log.Printf("still connecting in the background: %v", err)
	}
	defer c.Disconnect()

	// Queued if the connection is down, flushed in order when it reopens.
	if err := c.Send(map[string]any{"type": "chat", "payload": "hello"}); err != nil {
		log.Printf("encode: %v", err)
	}
}

func ExampleBackoffPolicy_Delay() {
	p := client.BackoffPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	for attempt := range 6 {
		fmt.Println(p.Delay(attempt, 0))
	}
	// Output:
	// 100ms
	// 200ms
	// 400ms
	// 800ms
	// 1s
	// 1s
}
