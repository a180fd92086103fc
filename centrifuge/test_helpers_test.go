package centrifuge

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testWaitTimeout = 5 * time.Second

// fakeTransport is an in-memory Transport driven by tests: outbound frames
// are captured, inbound frames and closes are injected through the same
// callbacks a real socket would use.
type fakeTransport struct {
	mu        sync.Mutex
	callbacks transportCallbacks
	frames    chan []byte
	closed    bool
}

func (t *fakeTransport) Name() string { return "fake" }

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return NewError(ConnectionError, "transport closed")
	}
	frame := append([]byte(nil), data...)
	select {
	case t.frames <- frame:
	default:
	}
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// receive injects a server frame.
func (t *fakeTransport) receive(frame []byte) {
	t.callbacks.onMessage(frame)
}

func (t *fakeTransport) replies(tb testing.TB, replies ...*Reply) {
	tb.Helper()
	var frame []byte
	for i, reply := range replies {
		if i > 0 {
			frame = append(frame, '\n')
		}
		encoded, err := json.Marshal(reply)
		require.NoError(tb, err)
		frame = append(frame, encoded...)
	}
	t.receive(frame)
}

// closeFromServer simulates transport loss with the given close reason.
func (t *fakeTransport) closeFromServer(reason string) {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.callbacks.onClose(reason)
}

func (t *fakeTransport) expectFrame(tb testing.TB) []byte {
	tb.Helper()
	select {
	case frame := <-t.frames:
		return frame
	case <-time.After(testWaitTimeout):
		tb.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

func (t *fakeTransport) expectNoFrame(tb testing.TB, wait time.Duration) {
	tb.Helper()
	select {
	case frame := <-t.frames:
		tb.Fatalf("unexpected outbound frame: %s", frame)
	case <-time.After(wait):
	}
}

// fakeServer hands a fresh fakeTransport to the client on every dial.
type fakeServer struct {
	transports chan *fakeTransport
}

func newFakeServer() *fakeServer {
	return &fakeServer{transports: make(chan *fakeTransport, 8)}
}

func (s *fakeServer) factory() TransportFactory {
	return func(rawURL string, binary bool, callbacks transportCallbacks) (Transport, error) {
		transport := &fakeTransport{
			callbacks: callbacks,
			frames:    make(chan []byte, 32),
		}
		s.transports <- transport
		return transport, nil
	}
}

func (s *fakeServer) expectTransport(tb testing.TB) *fakeTransport {
	tb.Helper()
	select {
	case transport := <-s.transports:
		return transport
	case <-time.After(testWaitTimeout):
		tb.Fatal("timed out waiting for transport dial")
		return nil
	}
}

func (s *fakeServer) expectNoTransport(tb testing.TB, wait time.Duration) {
	tb.Helper()
	select {
	case <-s.transports:
		tb.Fatal("unexpected transport dial")
	case <-time.After(wait):
	}
}

func newTestClient(tb testing.TB, server *fakeServer, mutate ...func(*Config)) *Client {
	tb.Helper()
	config := DefaultConfig()
	config.EmulationFactory = server.factory()
	config.ReconnectStrategy = NewFixedDelayStrategy(time.Millisecond)
	for _, m := range mutate {
		m(&config)
	}
	client, err := NewClient("http://broker.test/connection", config)
	require.NoError(tb, err)
	tb.Cleanup(func() {
		_ = client.Disconnect()
	})
	return client
}

func decodeTestCommands(tb testing.TB, frame []byte) []*Command {
	tb.Helper()
	var commands []*Command
	for _, line := range splitFrameLines(frame) {
		command := &Command{}
		require.NoError(tb, json.Unmarshal(line, command))
		commands = append(commands, command)
	}
	return commands
}

func splitFrameLines(frame []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range frame {
		if b == '\n' {
			lines = append(lines, frame[start:i])
			start = i + 1
		}
	}
	if start < len(frame) {
		lines = append(lines, frame[start:])
	}
	return lines
}

func mustMarshal(tb testing.TB, v interface{}) json.RawMessage {
	tb.Helper()
	encoded, err := json.Marshal(v)
	require.NoError(tb, err)
	return encoded
}

// connectClient drives the connect handshake against the fake server and
// returns the active transport.
func connectClient(tb testing.TB, client *Client, server *fakeServer, result *ConnectResult) *fakeTransport {
	tb.Helper()
	require.NoError(tb, client.Connect())
	transport := server.expectTransport(tb)
	frame := transport.expectFrame(tb)
	commands := decodeTestCommands(tb, frame)
	require.Len(tb, commands, 1)
	require.Equal(tb, MethodConnect, commands[0].Method)
	require.NotZero(tb, commands[0].ID)

	if result == nil {
		result = &ConnectResult{Client: "client-1"}
	}
	transport.replies(tb, &Reply{ID: commands[0].ID, Result: mustMarshal(tb, result)})
	require.True(tb, client.IsConnected())
	return transport
}

func waitUntil(tb testing.TB, check func() bool) {
	tb.Helper()
	deadline := time.Now().Add(testWaitTimeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	tb.Fatal("condition not reached in time")
}
