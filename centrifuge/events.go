package centrifuge

import (
	"encoding/json"
	"time"
)

// ConnectEvent carries the established session parameters.
type ConnectEvent struct {
	ClientID  string
	Transport string
	// Latency is the measured round trip from connect command send to
	// connect reply.
	Latency time.Duration
	Data    json.RawMessage
}

// DisconnectEvent fires once per disconnected episode.
type DisconnectEvent struct {
	Reason    string
	Reconnect bool
}

// SubscribeSuccessEvent reports a completed channel subscription.
type SubscribeSuccessEvent struct {
	// Recovered is true when missed publications were replayed from the
	// server on resubscribe.
	Recovered bool
	// Resubscribed is false for the first successful subscribe of a
	// Subscription and true for every later one, whether automatic after
	// reconnect or a user re-subscribe.
	Resubscribed bool
}

// SubscriptionEvents holds the user handlers of one channel subscription.
// Nil handlers are skipped. Handlers run outside the client lock and may
// call back into the client.
type SubscriptionEvents struct {
	OnPublish     func(sub *Subscription, pub Publication)
	OnJoin        func(sub *Subscription, info ClientInfo)
	OnLeave       func(sub *Subscription, info ClientInfo)
	OnSubscribe   func(sub *Subscription, event SubscribeSuccessEvent)
	OnUnsubscribe func(sub *Subscription)
	OnError       func(sub *Subscription, err error)
}

// sessionEvents holds the client-level handlers.
type sessionEvents struct {
	onConnect    func(event ConnectEvent)
	onDisconnect func(event DisconnectEvent)
	onMessage    func(data json.RawMessage)
	onError      func(err error)
}

// OnConnect sets the handler fired after a successful CONNECT reply.
func (c *Client) OnConnect(handler func(event ConnectEvent)) {
	c.mu.Lock()
	c.events.onConnect = handler
	c.mu.Unlock()
}

// OnDisconnect sets the handler fired once per disconnected episode.
func (c *Client) OnDisconnect(handler func(event DisconnectEvent)) {
	c.mu.Lock()
	c.events.onDisconnect = handler
	c.mu.Unlock()
}

// OnMessage sets the handler for server-initiated async messages.
func (c *Client) OnMessage(handler func(data json.RawMessage)) {
	c.mu.Lock()
	c.events.onMessage = handler
	c.mu.Unlock()
}

// OnError sets the handler for transport and protocol level errors that are
// not attributable to a single call.
func (c *Client) OnError(handler func(err error)) {
	c.mu.Lock()
	c.events.onError = handler
	c.mu.Unlock()
}
