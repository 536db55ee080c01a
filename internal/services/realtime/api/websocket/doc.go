// Package websocket serves the realtime store over websocket connections.
// Each connection authenticates once, then issues store requests and
// receives subscription pushes. When a connection goes away, whether it
// closed cleanly or stopped answering pings, its disconnect hooks run.
package websocket
