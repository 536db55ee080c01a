// Package timeouts defines shared timeout constants used across commands.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing the health endpoint.
const GRPCDial = 2 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long a server waits for in-flight work during
// graceful shutdown.
const Shutdown = 5 * time.Second

// WebsocketWrite bounds a single websocket frame write.
const WebsocketWrite = 10 * time.Second

// WebsocketPong is how long a peer may stay silent before the connection is
// considered dead. Presence cleanup fires after at most this long.
const WebsocketPong = 30 * time.Second

// WebsocketPing is the keep-alive interval; it must be shorter than
// WebsocketPong.
const WebsocketPing = (WebsocketPong * 9) / 10

// WebsocketAuth bounds the identity handshake after dialing.
const WebsocketAuth = 5 * time.Second
