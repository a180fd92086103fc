// Package centrifuge provides a client for real-time pub/sub and RPC over a
// bidirectional message transport, usually a WebSocket.
//
// The primary lifecycle is:
//   - construct a Client with NewClient
//   - SetCredentials and optionally SetConnectData
//   - Connect to establish the session
//   - Subscribe to channels, issue RPC/Publish/Presence/History calls
//   - Disconnect when finished
//
// The client multiplexes all commands over one session, correlating replies
// by monotonic message IDs with per-call timeouts. Transport loss is
// survived transparently: pending calls fail fast, subscriptions are
// re-established on reconnect with missed-publication recovery, and
// reconnect attempts are spaced by randomized exponential backoff.
// Credentials carrying a TTL are refreshed through an HTTP endpoint or a
// user callback, and a ping/pong watchdog tears down half-open connections.
//
// Event handlers can execute from the receive and timer paths and should be
// written as thread-safe; they are always invoked outside internal locks and
// may call back into the client.
//
// Errors are reported as typed errors created with NewError; server command
// errors are *ReplyError values propagated verbatim.
//
// Integration tests are environment-gated and use these variables:
// CENTRIFUGE_TEST_URL, CENTRIFUGE_TEST_AUTH_URL, and
// CENTRIFUGE_TEST_REFRESH_URL.
package centrifuge
