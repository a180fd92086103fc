package centrifuge

import (
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Transport is a message-oriented bidirectional socket owned by a Client.
// Lifecycle events are delivered through transportCallbacks supplied at
// creation. After Close no error is reported for the local close, but the
// websocket transport still delivers onClose once its read loop ends; the
// Client ignores callbacks from transports it has abandoned.
type Transport interface {
	// Name identifies the transport kind for the connect event.
	Name() string
	// Send writes one frame.
	Send(data []byte) error
	// Close tears the socket down.
	Close() error
}

// transportCallbacks deliver transport lifecycle events to the session.
type transportCallbacks struct {
	onOpen    func()
	onMessage func(data []byte)
	onError   func(err error)
	onClose   func(reason string)
	// onHeartbeat fires on polling-fallback keepalive frames so the
	// heartbeat watchdog can reset without a full message.
	onHeartbeat func()
}

// TransportFactory builds a connected Transport for the given URL. The
// polling fallback for http(s) URLs is supplied through Config; ws(s) URLs
// use the native websocket transport.
type TransportFactory func(rawURL string, binary bool, callbacks transportCallbacks) (Transport, error)

// parseEndpoint classifies the URL and selects the codec dialect. A query
// parameter format=protobuf picks the binary codec and binary frames.
func parseEndpoint(rawURL string) (scheme string, codec Codec, err error) {
	parsed, parseErr := url.Parse(rawURL)
	if parseErr != nil {
		return "", nil, NewError(InvalidURLError, parseErr)
	}
	switch parsed.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return "", nil, NewError(InvalidURLError, "unsupported scheme "+parsed.Scheme)
	}
	if strings.EqualFold(parsed.Query().Get("format"), "protobuf") {
		return parsed.Scheme, newProtobufCodec(), nil
	}
	return parsed.Scheme, newJSONCodec(), nil
}

// websocketTransport is the native message socket on gorilla/websocket.
type websocketTransport struct {
	conn      *websocket.Conn
	writeLock sync.Mutex
	binary    bool
	callbacks transportCallbacks
	closeOnce sync.Once
	closed    chan struct{}
}

func websocketFactory(dialer *websocket.Dialer) TransportFactory {
	return func(rawURL string, binary bool, callbacks transportCallbacks) (Transport, error) {
		if dialer == nil {
			dialer = websocket.DefaultDialer
		}
		conn, resp, err := dialer.Dial(rawURL, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, NewError(ConnectionRefusedError, err)
		}
		t := &websocketTransport{
			conn:      conn,
			binary:    binary,
			callbacks: callbacks,
			closed:    make(chan struct{}),
		}
		go t.readLoop()
		if callbacks.onOpen != nil {
			callbacks.onOpen()
		}
		return t, nil
	}
}

func (t *websocketTransport) Name() string { return "websocket" }

func (t *websocketTransport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			reason := ""
			if closeErr, ok := err.(*websocket.CloseError); ok {
				reason = closeErr.Text
			} else {
				select {
				case <-t.closed:
					// local close, no transport error to report
				default:
					if t.callbacks.onError != nil {
						t.callbacks.onError(NewError(ConnectionError, err))
					}
				}
			}
			t.shutdown(reason)
			return
		}
		if t.callbacks.onMessage != nil {
			t.callbacks.onMessage(data)
		}
	}
}

func (t *websocketTransport) Send(data []byte) error {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	messageType := websocket.TextMessage
	if t.binary {
		messageType = websocket.BinaryMessage
	}
	if err := t.conn.WriteMessage(messageType, data); err != nil {
		return NewError(ConnectionError, err)
	}
	return nil
}

func (t *websocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		t.writeLock.Lock()
		_ = t.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		t.writeLock.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *websocketTransport) shutdown(reason string) {
	_ = t.conn.Close()
	if t.callbacks.onClose != nil {
		t.callbacks.onClose(reason)
	}
}
