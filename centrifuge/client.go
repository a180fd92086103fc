package centrifuge

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
)

// Status is the connection state of a Client.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

// pendingCall holds the continuations of one command awaiting its reply.
// Exactly one continuation runs per assigned ID: success, server error,
// timeout, or disconnect.
type pendingCall struct {
	onSuccess func(result json.RawMessage)
	onError   func(err error)
	timer     *time.Timer
}

// Client multiplexes channel subscriptions and request/response calls over a
// single long-lived session to a broker, surviving transport loss with
// resubscription, credential refresh, and missed-publication recovery.
type Client struct {
	mu sync.Mutex

	url     string
	config  Config
	codec   Codec
	factory TransportFactory
	delay   ReconnectDelayStrategy

	transport Transport
	// generation invalidates callbacks of abandoned transports; every
	// connect attempt and every deliberate teardown bumps it.
	generation int

	status        Status
	clientID      string
	latency       time.Duration
	connectSentAt time.Time
	credentials   *Credentials
	connectData   json.RawMessage

	nextID   uint32
	pendings map[uint32]*pendingCall

	subs     map[string]*Subscription
	lastSeen map[string]string

	batching bool
	queue    []*Command

	authBatching bool
	authChannels []string

	reconnectTimer *time.Timer
	refreshTimer   *time.Timer
	pingTimer      *time.Timer
	pongTimer      *time.Timer

	numRefreshFailed int
	// manualDisconnect suppresses reconnection until the next Connect call.
	manualDisconnect bool
	// disconnectFired guards the disconnect event: once per disconnected
	// episode, reset on a successful connect.
	disconnectFired bool

	events  sessionEvents
	logTags log.Fields
}

// NewClient builds a client for the given URL. Scheme ws/wss selects the
// native websocket transport, http/https the polling fallback from Config.
// A format=protobuf query parameter selects the binary codec.
func NewClient(rawURL string, config ...Config) (*Client, error) {
	scheme, codec, err := parseEndpoint(rawURL)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if len(config) > 0 {
		cfg = config[0]
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var factory TransportFactory
	switch scheme {
	case "ws", "wss":
		factory = websocketFactory(cfg.Dialer)
	default:
		factory = cfg.EmulationFactory
	}
	if factory == nil {
		return nil, NewError(TransportUnavailableError, "transport unavailable")
	}

	delay := cfg.ReconnectStrategy
	if delay == nil {
		delay = NewDecorrelatedJitterStrategy(cfg.Retry, cfg.MaxRetry)
	}

	return &Client{
		url:      rawURL,
		config:   cfg,
		codec:    codec,
		factory:  factory,
		delay:    delay,
		pendings: make(map[uint32]*pendingCall),
		subs:     make(map[string]*Subscription),
		lastSeen: make(map[string]string),
		logTags:  log.Fields{"module": "centrifuge", "codec": codec.Name()},
	}, nil
}

func (c *Client) logger() log.Interface {
	base := log.Interface(log.Log)
	if c.config.Logger != nil {
		base = c.config.Logger
	}
	return base.WithFields(c.logTags)
}

// SetCredentials installs the connection credentials used by the next
// CONNECT or REFRESH command.
func (c *Client) SetCredentials(credentials Credentials) {
	c.mu.Lock()
	c.credentials = &credentials
	c.mu.Unlock()
}

// SetConnectData installs the application payload of the CONNECT command.
func (c *Client) SetConnectData(data json.RawMessage) {
	c.mu.Lock()
	c.connectData = data
	c.mu.Unlock()
}

// IsConnected reports whether the session is established.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusConnected
}

// Status returns the connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ClientID returns the server-assigned connection identifier, empty when not
// connected.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Latency returns the round trip measured on the last connect.
func (c *Client) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

// GetSub returns the registered subscription for the channel, or nil.
func (c *Client) GetSub(channel string) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[channel]
}

// Connect opens the session. It is idempotent while connecting or connected.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.status == StatusConnected || c.status == StatusConnecting {
		c.mu.Unlock()
		return nil
	}
	c.manualDisconnect = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.status = StatusConnecting
	c.startConnectingLocked()
	c.mu.Unlock()
	return nil
}

// Disconnect closes the session and cancels reconnection, refresh and
// heartbeat timers. Pending calls fail with DisconnectedError. Idempotent.
func (c *Client) Disconnect() error {
	c.disconnectTransport("disconnect", false, true)
	return nil
}

func (c *Client) startConnectingLocked() {
	c.generation++
	gen := c.generation
	go c.dialTransport(gen)
}

func (c *Client) dialTransport(gen int) {
	callbacks := transportCallbacks{
		onMessage: func(data []byte) { c.handleMessage(gen, data) },
		onError:   func(err error) { c.handleTransportError(gen, err) },
		onClose:   func(reason string) { c.handleClose(gen, reason) },
		onHeartbeat: func() {
			c.mu.Lock()
			if gen == c.generation {
				c.restartPingLocked()
			}
			c.mu.Unlock()
		},
	}

	transport, err := c.factory(c.url, c.codec.Binary(), callbacks)
	if err != nil {
		c.logger().WithError(err).Warn("transport dial failed")
		c.handleClose(gen, "")
		return
	}

	c.mu.Lock()
	if gen != c.generation || c.manualDisconnect {
		c.mu.Unlock()
		_ = transport.Close()
		return
	}
	c.transport = transport
	c.delay.Reset()
	c.mu.Unlock()

	c.sendConnectCommand(gen)
}

func (c *Client) sendConnectCommand(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || c.status != StatusConnecting || c.transport == nil {
		return
	}

	params, err := c.codec.EncodeParams(MethodConnect, &connectParams{
		Credentials: c.credentials,
		Data:        c.connectData,
	})
	if err != nil {
		c.logger().WithError(err).Error("encode connect params")
		return
	}
	command := &Command{ID: c.nextMessageIDLocked(), Method: MethodConnect, Params: params}
	c.connectSentAt = time.Now()
	c.registerPendingLocked(command.ID,
		func(result json.RawMessage) { c.connectResponse(gen, result) },
		func(err error) { c.connectError(gen, err) },
	)
	if err := c.sendCommandsLocked([]*Command{command}); err != nil {
		c.logger().WithError(err).Warn("send connect command")
	}
}

func (c *Client) nextMessageIDLocked() uint32 {
	c.nextID++
	return c.nextID
}

func (c *Client) registerPendingLocked(id uint32, onSuccess func(json.RawMessage), onError func(error)) {
	pending := &pendingCall{onSuccess: onSuccess, onError: onError}
	pending.timer = time.AfterFunc(c.config.Timeout, func() { c.timeoutCall(id) })
	c.pendings[id] = pending
}

func (c *Client) timeoutCall(id uint32) {
	c.mu.Lock()
	pending, ok := c.pendings[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pendings, id)
	c.mu.Unlock()
	pending.onError(errTimeout())
}

func (c *Client) evictPendingLocked(id uint32) {
	if pending, ok := c.pendings[id]; ok {
		pending.timer.Stop()
		delete(c.pendings, id)
	}
}

func (c *Client) sendCommandsLocked(commands []*Command) error {
	if c.transport == nil {
		return NewError(DisconnectedError, "transport is not open")
	}
	frame, err := c.codec.EncodeCommands(commands)
	if err != nil {
		return err
	}
	return c.transport.Send(frame)
}

// addMessageLocked places a command on the outbound path: appended to the
// batch queue when batching, sent in its own frame otherwise.
func (c *Client) addMessageLocked(command *Command) error {
	if c.batching {
		c.queue = append(c.queue, command)
		return nil
	}
	return c.sendCommandsLocked([]*Command{command})
}

// StartBatching coalesces subsequent outbound commands into one frame.
func (c *Client) StartBatching() {
	c.mu.Lock()
	c.batching = true
	c.mu.Unlock()
}

// StopBatching disables batching, optionally flushing the queue.
func (c *Client) StopBatching(flush bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batching = false
	if flush {
		return c.flushLocked()
	}
	return nil
}

// Flush sends all queued commands in a single frame. A flush with an empty
// queue is a no-op.
func (c *Client) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *Client) flushLocked() error {
	if len(c.queue) == 0 {
		return nil
	}
	commands := c.queue
	c.queue = nil
	return c.sendCommandsLocked(commands)
}

// call sends a command expecting a reply and blocks until the reply, a
// timeout, or a disconnect resolves it.
func (c *Client) call(command *Command) (json.RawMessage, error) {
	type callResult struct {
		result json.RawMessage
		err    error
	}
	done := make(chan callResult, 1)

	c.mu.Lock()
	if c.status != StatusConnected {
		c.mu.Unlock()
		return nil, NewError(DisconnectedError, "client is not connected")
	}
	command.ID = c.nextMessageIDLocked()
	c.registerPendingLocked(command.ID,
		func(result json.RawMessage) { done <- callResult{result: result} },
		func(err error) { done <- callResult{err: err} },
	)
	if err := c.addMessageLocked(command); err != nil {
		c.evictPendingLocked(command.ID)
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	res := <-done
	return res.result, res.err
}

// RPC sends an RPC command and returns the decoded result payload.
func (c *Client) RPC(data json.RawMessage) (json.RawMessage, error) {
	params, err := c.codec.EncodeParams(MethodRPC, &rpcParams{Data: data})
	if err != nil {
		return nil, err
	}
	raw, err := c.call(&Command{Method: MethodRPC, Params: params})
	if err != nil {
		return nil, err
	}
	decoded, err := c.codec.DecodeResult(MethodRPC, raw)
	if err != nil {
		return nil, err
	}
	return decoded.(*RPCResult).Data, nil
}

// Send fires an asynchronous message to the server. It carries no ID and no
// reply is expected.
func (c *Client) Send(data json.RawMessage) error {
	params, err := c.codec.EncodeParams(MethodSend, &sendParams{Data: data})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusConnected {
		return NewError(DisconnectedError, "client is not connected")
	}
	return c.addMessageLocked(&Command{Method: MethodSend, Params: params})
}

// Ping sends a PING command and returns once the reply arrives or the
// per-call timeout elapses.
func (c *Client) Ping() error {
	_, err := c.call(&Command{Method: MethodPing})
	return err
}

// Publish sends data into a channel.
func (c *Client) Publish(channel string, data json.RawMessage) error {
	params, err := c.codec.EncodeParams(MethodPublish, &publishParams{Channel: channel, Data: data})
	if err != nil {
		return err
	}
	_, err = c.call(&Command{Method: MethodPublish, Params: params})
	return err
}

// Presence returns the clients currently present in a channel.
func (c *Client) Presence(channel string) (map[string]ClientInfo, error) {
	params, err := c.codec.EncodeParams(MethodPresence, &presenceParams{Channel: channel})
	if err != nil {
		return nil, err
	}
	raw, err := c.call(&Command{Method: MethodPresence, Params: params})
	if err != nil {
		return nil, err
	}
	decoded, err := c.codec.DecodeResult(MethodPresence, raw)
	if err != nil {
		return nil, err
	}
	return decoded.(*PresenceResult).Presence, nil
}

// History returns retained channel publications, newest first.
func (c *Client) History(channel string) ([]Publication, error) {
	params, err := c.codec.EncodeParams(MethodHistory, &historyParams{Channel: channel})
	if err != nil {
		return nil, err
	}
	raw, err := c.call(&Command{Method: MethodHistory, Params: params})
	if err != nil {
		return nil, err
	}
	decoded, err := c.codec.DecodeResult(MethodHistory, raw)
	if err != nil {
		return nil, err
	}
	return decoded.(*HistoryResult).Publications, nil
}

// Subscribe registers (or reuses) the subscription for a channel, updates
// its event handlers, and activates it. When the client is not connected and
// resubscribe is disabled this fails immediately.
func (c *Client) Subscribe(channel string, events SubscriptionEvents) (*Subscription, error) {
	if channel == "" {
		return nil, NewError(InvalidChannelError, "channel must be a non-empty string")
	}
	c.mu.Lock()
	if !c.config.Resubscribe && c.status != StatusConnected {
		c.mu.Unlock()
		return nil, NewError(DisconnectedError, "client is not connected and resubscribe is disabled")
	}
	sub := c.subs[channel]
	if sub == nil {
		sub = &Subscription{client: c, channel: channel}
		c.subs[channel] = sub
	}
	sub.events = events
	err := c.activateSubLocked(sub)
	c.mu.Unlock()
	return sub, err
}

func (c *Client) subscribeSub(sub *Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.config.Resubscribe && c.status != StatusConnected {
		return NewError(DisconnectedError, "client is not connected and resubscribe is disabled")
	}
	return c.activateSubLocked(sub)
}

func (c *Client) activateSubLocked(sub *Subscription) error {
	sub.shouldResubscribe = true
	switch sub.status {
	case SubscriptionSubscribing, SubscriptionSubscribed:
		return nil
	case SubscriptionUnsubscribed, SubscriptionError:
		sub.status = SubscriptionNew
		sub.lastError = nil
	}
	if c.status != StatusConnected {
		// sent on the next connect
		return nil
	}
	if c.isPrivate(sub.channel) {
		sub.status = SubscriptionSubscribing
		if c.authBatching {
			c.addAuthChannelLocked(sub.channel)
			return nil
		}
		go c.authorize([]string{sub.channel})
		return nil
	}
	return c.sendSubscribeLocked(sub, "", "")
}

func (c *Client) isPrivate(channel string) bool {
	return strings.HasPrefix(channel, c.config.PrivateChannelPrefix)
}

func (c *Client) addAuthChannelLocked(channel string) {
	for _, existing := range c.authChannels {
		if existing == channel {
			return
		}
	}
	c.authChannels = append(c.authChannels, channel)
}

func (c *Client) sendSubscribeLocked(sub *Subscription, info, sign string) error {
	subscribe := &subscribeParams{Channel: sub.channel}
	if c.isPrivate(sub.channel) {
		subscribe.Client = c.clientID
		subscribe.Info = info
		subscribe.Sign = sign
	}
	if last, ok := c.lastSeen[sub.channel]; ok {
		subscribe.Recover = true
		subscribe.Last = last
	}
	params, err := c.codec.EncodeParams(MethodSubscribe, subscribe)
	if err != nil {
		return err
	}
	command := &Command{ID: c.nextMessageIDLocked(), Method: MethodSubscribe, Params: params}
	sub.status = SubscriptionSubscribing
	channel := sub.channel
	c.registerPendingLocked(command.ID,
		func(result json.RawMessage) { c.subscribeResponse(channel, result) },
		func(err error) { c.subscribeError(channel, err) },
	)
	return c.addMessageLocked(command)
}

func (c *Client) subscribeResponse(channel string, raw json.RawMessage) {
	decoded, err := c.codec.DecodeResult(MethodSubscribe, raw)
	if err != nil {
		c.subscribeError(channel, err)
		return
	}
	result := decoded.(*SubscribeResult)

	c.mu.Lock()
	sub := c.subs[channel]
	if sub == nil || sub.status != SubscriptionSubscribing {
		c.mu.Unlock()
		return
	}
	sub.status = SubscriptionSubscribed
	sub.lastError = nil
	resubscribed := sub.everSubscribed
	sub.everSubscribed = true

	// missed publications arrive newest first; deliver chronologically
	var buffered []Publication
	if len(result.Publications) > 0 {
		for i := len(result.Publications) - 1; i >= 0; i-- {
			pub := result.Publications[i]
			c.lastSeen[channel] = pub.UID
			buffered = append(buffered, pub)
		}
	} else if result.Last != "" {
		c.lastSeen[channel] = result.Last
	}
	onPublish := sub.events.OnPublish
	onSubscribe := sub.events.OnSubscribe
	c.mu.Unlock()

	if onPublish != nil {
		for _, pub := range buffered {
			onPublish(sub, pub)
		}
	}
	if onSubscribe != nil {
		onSubscribe(sub, SubscribeSuccessEvent{Recovered: result.Recovered, Resubscribed: resubscribed})
	}
}

func (c *Client) subscribeError(channel string, err error) {
	if replyErr, ok := err.(*ReplyError); ok && replyErr.Timeout() {
		// a timed out SUBSCRIBE leaves the channel state unknown on the
		// server; escalate to a full reconnect
		c.disconnectTransport("timeout", true, false)
		return
	}
	c.mu.Lock()
	sub := c.subs[channel]
	if sub == nil {
		c.mu.Unlock()
		return
	}
	sub.status = SubscriptionError
	sub.lastError = err
	onError := sub.events.OnError
	c.mu.Unlock()
	if onError != nil {
		onError(sub, err)
	}
}

func (c *Client) unsubscribeSub(sub *Subscription) error {
	c.mu.Lock()
	if sub.status == SubscriptionUnsubscribed {
		c.mu.Unlock()
		return nil
	}
	sub.shouldResubscribe = false
	sub.status = SubscriptionUnsubscribed
	sub.lastError = nil

	var sendErr error
	if c.status == StatusConnected {
		params, err := c.codec.EncodeParams(MethodUnsubscribe, &unsubscribeParams{Channel: sub.channel})
		if err == nil {
			command := &Command{ID: c.nextMessageIDLocked(), Method: MethodUnsubscribe, Params: params}
			c.registerPendingLocked(command.ID,
				func(json.RawMessage) {},
				func(error) {},
			)
			sendErr = c.addMessageLocked(command)
		} else {
			sendErr = err
		}
	}
	onUnsubscribe := sub.events.OnUnsubscribe
	c.mu.Unlock()
	if onUnsubscribe != nil {
		onUnsubscribe(sub)
	}
	return sendErr
}

// StartAuthBatching begins collecting private-channel subscriptions so one
// authorization request can cover all of them.
func (c *Client) StartAuthBatching() {
	c.mu.Lock()
	c.authBatching = true
	c.mu.Unlock()
}

// StopAuthBatching flushes the collected private channels through a single
// authorization request and sends their SUBSCRIBE commands.
func (c *Client) StopAuthBatching() {
	c.mu.Lock()
	c.authBatching = false
	channels := c.authChannels
	c.authChannels = nil
	c.mu.Unlock()
	if len(channels) > 0 {
		go c.authorize(channels)
	}
}

// authorize resolves private-channel subscriptions via the user callback or
// the auth endpoint, then issues per-channel SUBSCRIBE commands sharing one
// outbound frame.
func (c *Client) authorize(channels []string) {
	c.mu.Lock()
	clientID := c.clientID
	c.mu.Unlock()

	var result map[string]ChannelAuth
	var err error
	switch {
	case c.config.OnAuth != nil:
		result, err = c.config.OnAuth(AuthEvent{ClientID: clientID, Channels: channels})
	case c.config.AuthEndpoint != "":
		result, err = c.httpAuth(clientID, channels)
	default:
		err = NewError(AuthorizationError, "no authorization source configured")
	}
	if err != nil {
		c.logger().WithError(err).Warn("channel authorization failed")
		authErr := NewError(AuthorizationError, "authorization request failed")
		for _, channel := range channels {
			c.subscribeError(channel, authErr)
		}
		return
	}

	var denied []string
	c.mu.Lock()
	if c.status != StatusConnected {
		c.mu.Unlock()
		return
	}
	wasBatching := c.batching
	c.batching = true
	for _, channel := range channels {
		entry, ok := result[channel]
		if !ok || (entry.Status != 0 && entry.Status != http.StatusOK) {
			denied = append(denied, channel)
			continue
		}
		sub := c.subs[channel]
		if sub == nil || !sub.shouldResubscribe {
			continue
		}
		if err := c.sendSubscribeLocked(sub, entry.Info, entry.Sign); err != nil {
			c.logger().WithError(err).WithField("channel", channel).Warn("send subscribe")
		}
	}
	if !wasBatching {
		c.batching = false
		if err := c.flushLocked(); err != nil {
			c.logger().WithError(err).Warn("flush subscribe batch")
		}
	}
	c.mu.Unlock()

	for _, channel := range denied {
		c.subscribeError(channel, NewError(AuthorizationError, "permission denied"))
	}
}

func (c *Client) handleMessage(gen int, data []byte) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	replies, err := c.codec.DecodeReplies(data)
	if err != nil {
		c.logger().WithError(err).Error("decode inbound frame")
		c.mu.Unlock()
		return
	}
	c.restartPingLocked()

	// continuations and pushes run unlocked, in wire order
	var dispatch []func()
	for _, reply := range replies {
		if reply.ID > 0 {
			pending, ok := c.pendings[reply.ID]
			if !ok {
				// late reply after timeout or disconnect
				continue
			}
			delete(c.pendings, reply.ID)
			pending.timer.Stop()
			if reply.Error != nil && (reply.Error.Code != 0 || reply.Error.Message != "") {
				replyErr := reply.Error
				dispatch = append(dispatch, func() { pending.onError(replyErr) })
			} else {
				result := reply.Result
				dispatch = append(dispatch, func() { pending.onSuccess(result) })
			}
			continue
		}
		raw := reply.Result
		dispatch = append(dispatch, func() { c.handlePush(gen, raw) })
	}
	c.mu.Unlock()

	for _, run := range dispatch {
		run()
	}
}

func (c *Client) handlePush(gen int, raw json.RawMessage) {
	push, err := c.codec.DecodePush(raw)
	if err != nil {
		c.logger().WithError(err).Error("decode push envelope")
		return
	}
	payload, err := c.codec.DecodePushData(push.Type, push.Data)
	if err != nil {
		c.logger().WithError(err).Error("decode push data")
		return
	}

	switch push.Type {
	case PushPublication:
		pub := payload.(*Publication)
		c.mu.Lock()
		if gen != c.generation {
			c.mu.Unlock()
			return
		}
		sub := c.subs[push.Channel]
		if sub == nil || sub.status != SubscriptionSubscribed {
			c.mu.Unlock()
			return
		}
		c.lastSeen[push.Channel] = pub.UID
		onPublish := sub.events.OnPublish
		c.mu.Unlock()
		if onPublish != nil {
			onPublish(sub, *pub)
		}

	case PushJoin:
		info := payload.(*joinPush).Info
		c.mu.Lock()
		sub := c.subs[push.Channel]
		var onJoin func(*Subscription, ClientInfo)
		if sub != nil && sub.status == SubscriptionSubscribed {
			onJoin = sub.events.OnJoin
		}
		c.mu.Unlock()
		if onJoin != nil {
			onJoin(sub, info)
		}

	case PushLeave:
		info := payload.(*leavePush).Info
		c.mu.Lock()
		sub := c.subs[push.Channel]
		var onLeave func(*Subscription, ClientInfo)
		if sub != nil && sub.status == SubscriptionSubscribed {
			onLeave = sub.events.OnLeave
		}
		c.mu.Unlock()
		if onLeave != nil {
			onLeave(sub, info)
		}

	case PushUnsub:
		c.serverUnsubscribe(push.Channel, payload.(*unsubPush).Resubscribe)

	case PushMessage:
		c.mu.Lock()
		onMessage := c.events.onMessage
		c.mu.Unlock()
		if onMessage != nil {
			onMessage(payload.(json.RawMessage))
		}
	}
}

// serverUnsubscribe handles an UNSUB push: the server removed the channel
// subscription, optionally asking the client to subscribe again.
func (c *Client) serverUnsubscribe(channel string, resubscribe bool) {
	c.mu.Lock()
	sub := c.subs[channel]
	if sub == nil || sub.status == SubscriptionUnsubscribed {
		c.mu.Unlock()
		return
	}
	sub.status = SubscriptionUnsubscribed
	onUnsubscribe := sub.events.OnUnsubscribe
	c.mu.Unlock()
	if onUnsubscribe != nil {
		onUnsubscribe(sub)
	}
	if resubscribe {
		_ = sub.Subscribe()
	}
}

func (c *Client) connectResponse(gen int, raw json.RawMessage) {
	decoded, err := c.codec.DecodeResult(MethodConnect, raw)
	if err != nil {
		c.logger().WithError(err).Error("decode connect result")
		return
	}
	result := decoded.(*ConnectResult)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.latency = time.Since(c.connectSentAt)

	if result.Expires && result.Expired {
		// stale credentials: refresh, then connect again
		var fireDisconnect func(DisconnectEvent)
		if !c.disconnectFired {
			c.disconnectFired = true
			fireDisconnect = c.events.onDisconnect
		}
		c.mu.Unlock()
		if fireDisconnect != nil {
			fireDisconnect(DisconnectEvent{Reason: "expired", Reconnect: true})
		}
		go c.refresh()
		return
	}

	c.clientID = result.Client
	c.status = StatusConnected
	c.disconnectFired = false
	if result.Expires && result.TTL > 0 {
		c.armRefreshTimerLocked(time.Duration(result.TTL) * time.Second)
	}
	c.startPingLocked()
	transportName := c.transport.Name()
	latency := c.latency
	onConnect := c.events.onConnect
	c.mu.Unlock()

	c.logger().WithField("client", result.Client).Info("connected")
	if onConnect != nil {
		onConnect(ConnectEvent{
			ClientID:  result.Client,
			Transport: transportName,
			Latency:   latency,
			Data:      result.Data,
		})
	}
	c.resubscribeAll()
}

func (c *Client) connectError(gen int, err error) {
	c.mu.Lock()
	stale := gen != c.generation
	onError := c.events.onError
	c.mu.Unlock()
	if stale {
		return
	}
	c.logger().WithError(err).Warn("connect failed")
	if onError != nil {
		onError(err)
	}
	c.disconnectTransport("connect error", true, false)
}

// resubscribeAll re-issues SUBSCRIBE for every channel awaiting activation,
// sharing one outbound frame; private channels go through one authorization
// request.
func (c *Client) resubscribeAll() {
	c.mu.Lock()
	if c.status != StatusConnected {
		c.mu.Unlock()
		return
	}
	var private []string
	wasBatching := c.batching
	c.batching = true
	for channel, sub := range c.subs {
		if !sub.shouldResubscribe {
			continue
		}
		if sub.status != SubscriptionNew && sub.status != SubscriptionSubscribing {
			continue
		}
		if c.isPrivate(channel) {
			sub.status = SubscriptionSubscribing
			private = append(private, channel)
			continue
		}
		if err := c.sendSubscribeLocked(sub, "", ""); err != nil {
			c.logger().WithError(err).WithField("channel", channel).Warn("resubscribe")
		}
	}
	if !wasBatching {
		c.batching = false
		if err := c.flushLocked(); err != nil {
			c.logger().WithError(err).Warn("flush resubscribe batch")
		}
	}
	c.mu.Unlock()

	if len(private) > 0 {
		go c.authorize(private)
	}
}

func (c *Client) handleTransportError(gen int, err error) {
	c.mu.Lock()
	stale := gen != c.generation
	onError := c.events.onError
	c.mu.Unlock()
	if stale {
		return
	}
	c.logger().WithError(err).Warn("transport error")
	if onError != nil {
		onError(err)
	}
}

// parseCloseReason interprets the transport close reason: either a JSON
// advice object {reason, reconnect} or a plain string where any reason other
// than "disconnect" allows reconnecting.
func parseCloseReason(reason string) disconnectAdvice {
	if reason == "" {
		return disconnectAdvice{Reason: "connection closed", Reconnect: true}
	}
	if strings.HasPrefix(strings.TrimSpace(reason), "{") {
		advice := disconnectAdvice{}
		if err := jsonAPI.UnmarshalFromString(reason, &advice); err == nil {
			return advice
		}
	}
	return disconnectAdvice{Reason: reason, Reconnect: reason != "disconnect"}
}

func (c *Client) handleClose(gen int, reason string) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.generation++
	c.transport = nil
	deferred := c.performDisconnectLocked(parseCloseReason(reason), true)
	c.mu.Unlock()
	deferred()
}

// disconnectTransport tears down the session deliberately: watchdog expiry,
// subscribe-timeout escalation, terminal refresh failure, or user
// disconnect.
func (c *Client) disconnectTransport(reason string, reconnect bool, manual bool) {
	c.mu.Lock()
	if manual {
		c.manualDisconnect = true
		if c.reconnectTimer != nil {
			c.reconnectTimer.Stop()
			c.reconnectTimer = nil
		}
		if c.refreshTimer != nil {
			c.refreshTimer.Stop()
			c.refreshTimer = nil
		}
	}
	if c.status == StatusDisconnected && c.transport == nil {
		c.mu.Unlock()
		return
	}
	c.generation++
	transport := c.transport
	c.transport = nil
	deferred := c.performDisconnectLocked(disconnectAdvice{Reason: reason, Reconnect: reconnect}, transport != nil)
	c.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}
	deferred()
}

// performDisconnectLocked moves the session to disconnected: fails pending
// calls, transitions subscriptions, fires the once-per-episode disconnect
// event, and schedules reconnection when advised. Returns the event work to
// run unlocked.
func (c *Client) performDisconnectLocked(advice disconnectAdvice, transportClosed bool) func() {
	c.stopPingLocked()

	// every pending call fails exactly once with DisconnectedError
	failed := make([]*pendingCall, 0, len(c.pendings))
	for id, pending := range c.pendings {
		pending.timer.Stop()
		failed = append(failed, pending)
		delete(c.pendings, id)
	}

	type subEvent struct {
		sub     *Subscription
		handler func(*Subscription)
	}
	var subEvents []subEvent
	for channel, sub := range c.subs {
		switch sub.status {
		case SubscriptionSubscribed:
			if c.config.Resubscribe && sub.shouldResubscribe {
				sub.status = SubscriptionSubscribing
				subEvents = append(subEvents, subEvent{sub, sub.events.OnUnsubscribe})
			} else {
				sub.status = SubscriptionUnsubscribed
				subEvents = append(subEvents, subEvent{sub, sub.events.OnUnsubscribe})
				delete(c.subs, channel)
				delete(c.lastSeen, channel)
			}
		case SubscriptionSubscribing:
			if !(c.config.Resubscribe && sub.shouldResubscribe) {
				sub.status = SubscriptionUnsubscribed
				delete(c.subs, channel)
				delete(c.lastSeen, channel)
			}
		case SubscriptionUnsubscribed:
			if !sub.shouldResubscribe {
				delete(c.subs, channel)
				delete(c.lastSeen, channel)
			}
		}
	}

	wasConnectedOrConnecting := c.status != StatusDisconnected
	c.status = StatusDisconnected
	c.clientID = ""

	var fireDisconnect func(DisconnectEvent)
	if wasConnectedOrConnecting && !c.disconnectFired {
		c.disconnectFired = true
		fireDisconnect = c.events.onDisconnect
	}
	observer := c.config.OnTransportClose

	if advice.Reconnect && !c.manualDisconnect {
		c.scheduleReconnectLocked()
	}

	return func() {
		disconnected := NewError(DisconnectedError, "connection lost")
		for _, pending := range failed {
			pending.onError(disconnected)
		}
		for _, event := range subEvents {
			if event.handler != nil {
				event.handler(event.sub)
			}
		}
		if transportClosed && observer != nil {
			observer(CloseEvent{Reason: advice.Reason, Reconnect: advice.Reconnect})
		}
		if fireDisconnect != nil {
			fireDisconnect(DisconnectEvent{Reason: advice.Reason, Reconnect: advice.Reconnect})
		}
	}
}

func (c *Client) scheduleReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	delay := c.delay.NextDelay()
	c.logger().WithField("delay", delay.String()).Info("reconnect scheduled")
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.manualDisconnect || c.status != StatusDisconnected {
			c.mu.Unlock()
			return
		}
		c.status = StatusConnecting
		c.startConnectingLocked()
		c.mu.Unlock()
	})
}

// heartbeat

func (c *Client) startPingLocked() {
	if !c.config.Ping {
		return
	}
	c.stopPingLocked()
	c.pingTimer = time.AfterFunc(c.config.PingInterval, c.pingFire)
}

func (c *Client) stopPingLocked() {
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
}

// restartPingLocked is called on every inbound frame: it counts as proof of
// liveness, cancelling any pong wait and rescheduling the next ping.
func (c *Client) restartPingLocked() {
	if c.status != StatusConnected || !c.config.Ping {
		return
	}
	c.stopPingLocked()
	c.pingTimer = time.AfterFunc(c.config.PingInterval, c.pingFire)
}

func (c *Client) pingFire() {
	c.mu.Lock()
	if c.status != StatusConnected {
		c.mu.Unlock()
		return
	}
	command := &Command{ID: c.nextMessageIDLocked(), Method: MethodPing}
	c.registerPendingLocked(command.ID,
		func(json.RawMessage) {},
		func(error) {},
	)
	if err := c.sendCommandsLocked([]*Command{command}); err != nil {
		c.logger().WithError(err).Warn("send ping")
	}
	if c.pongTimer != nil {
		c.pongTimer.Stop()
	}
	c.pongTimer = time.AfterFunc(c.config.PongWaitTimeout, c.pongTimeout)
	c.mu.Unlock()
}

func (c *Client) pongTimeout() {
	c.mu.Lock()
	connected := c.status == StatusConnected
	c.mu.Unlock()
	if !connected {
		return
	}
	c.logger().Warn("no ping reply, closing transport")
	c.disconnectTransport("no ping", true, false)
}

// credential refresh

func (c *Client) armRefreshTimerLocked(delay time.Duration) {
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
	c.refreshTimer = time.AfterFunc(delay, c.refresh)
}

// refresh reissues credentials through the user callback or the refresh
// endpoint, then either sends a REFRESH command (connected), resends CONNECT
// (expired during connect), or starts a new connect (disconnected).
func (c *Client) refresh() {
	attempts := c.config.RefreshAttempts
	if attempts != nil && *attempts == 0 {
		c.refreshFailed()
		return
	}

	var credentials *Credentials
	var err error
	switch {
	case c.config.OnRefresh != nil:
		credentials, err = c.config.OnRefresh(RefreshEvent{Data: c.config.RefreshData})
	case c.config.RefreshEndpoint != "":
		credentials, err = c.httpRefresh()
	default:
		err = NewError(RefreshFailedError, "no refresh source configured")
	}

	if err != nil {
		c.mu.Lock()
		c.numRefreshFailed++
		count := c.numRefreshFailed
		c.mu.Unlock()
		c.logger().WithError(err).WithField("attempt", count).Warn("credentials refresh failed")
		if attempts != nil && count >= *attempts {
			c.refreshFailed()
			return
		}
		jitter := time.Duration(rand.Int63n(1000)) * time.Millisecond
		c.mu.Lock()
		c.armRefreshTimerLocked(c.config.RefreshInterval + jitter)
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.numRefreshFailed = 0
	c.credentials = mergeCredentials(c.credentials, credentials)
	status := c.status
	transportOpen := c.transport != nil
	gen := c.generation

	if status == StatusConnected {
		params, encodeErr := c.codec.EncodeParams(MethodRefresh, &refreshParams{Credentials: c.credentials})
		if encodeErr != nil {
			c.mu.Unlock()
			c.logger().WithError(encodeErr).Error("encode refresh params")
			return
		}
		command := &Command{ID: c.nextMessageIDLocked(), Method: MethodRefresh, Params: params}
		c.registerPendingLocked(command.ID,
			func(result json.RawMessage) { c.refreshResponse(result) },
			func(err error) { c.logger().WithError(err).Warn("refresh command failed") },
		)
		if sendErr := c.sendCommandsLocked([]*Command{command}); sendErr != nil {
			c.logger().WithError(sendErr).Warn("send refresh command")
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if transportOpen && status == StatusConnecting {
		// connect reply reported expired credentials; retry the connect
		// command over the open transport
		c.sendConnectCommand(gen)
		return
	}
	_ = c.Connect()
}

func (c *Client) refreshResponse(raw json.RawMessage) {
	decoded, err := c.codec.DecodeResult(MethodRefresh, raw)
	if err != nil {
		c.logger().WithError(err).Error("decode refresh result")
		return
	}
	result := decoded.(*ConnectResult)
	if result.Expired {
		go c.refresh()
		return
	}
	if result.Expires && result.TTL > 0 {
		c.mu.Lock()
		c.armRefreshTimerLocked(time.Duration(result.TTL) * time.Second)
		c.mu.Unlock()
	}
}

// refreshFailed ends the session after refresh attempts are exhausted; no
// reconnect follows until the user calls Connect again.
func (c *Client) refreshFailed() {
	c.logger().Error("credentials refresh attempts exhausted")
	if c.config.OnRefreshFailed != nil {
		c.config.OnRefreshFailed()
	}
	c.disconnectTransport("refresh failed", false, true)
}

func mergeCredentials(current, update *Credentials) *Credentials {
	if update == nil {
		return current
	}
	if current == nil {
		merged := *update
		return &merged
	}
	merged := *current
	merged.User = update.User
	merged.Exp = update.Exp
	merged.Sign = update.Sign
	if update.Info != "" {
		merged.Info = update.Info
	}
	return &merged
}
