/*
Package resock is a reconnecting WebSocket client for JSON messaging, plus a
small relay server to run it against.

The client (pkg/client) keeps one logical connection alive across network
failures. It redials with capped exponential backoff and jitter, queues
outbound messages while disconnected and flushes them in order once the
socket reopens, and reports state changes, messages and errors to any number
of listeners. The endpoint is resolved before every dial, either from a fixed
URL or from a runtime-config document (pkg/endpoint).

The relay (pkg/srv, cmd/server) broadcasts every JSON message a client sends
to all other connected clients, stamping an id and timestamp when absent.
It answers {"type":"ping"} with {"type":"pong"} and echoes {"type":"echo"}
back to the sender.

Security features include:
  - Optional bearer token, checked before the WebSocket upgrade
  - Rate limiting per IP address
  - Connection limits (per-IP and total)
  - TLS support via Let's Encrypt

Usage:

	resock-server -token=secret -letsencrypt -le-domains=relay.example.com
	resock-client -url=wss://relay.example.com/ws -token=secret

The server exposes:
  - /ws - WebSocket relay endpoint
  - /healthz - liveness and client count
  - /metrics - Prometheus metrics (with -metrics)

Both binaries read an optional TOML file (-config) and RESOCK_* environment
variables; see pkg/config.
*/
package resock
