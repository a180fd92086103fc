package centrifuge

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConnectHandshake(t *testing.T) {
	server := newFakeServer()
	client := newTestClient(t, server)

	var connected []ConnectEvent
	var mu sync.Mutex
	client.OnConnect(func(event ConnectEvent) {
		mu.Lock()
		connected = append(connected, event)
		mu.Unlock()
	})

	connectClient(t, client, server, &ConnectResult{Client: "abc"})

	require.Equal(t, "abc", client.ClientID())
	require.True(t, client.IsConnected())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, connected, 1)
	require.Equal(t, "abc", connected[0].ClientID)
	require.Equal(t, "fake", connected[0].Transport)
}

func TestConnectIdempotent(t *testing.T) {
	server := newFakeServer()
	client := newTestClient(t, server)
	connectClient(t, client, server, nil)

	require.NoError(t, client.Connect())
	server.expectNoTransport(t, 50*time.Millisecond)
}

func TestBasicRPC(t *testing.T) {
	server := newFakeServer()
	client := newTestClient(t, server)
	transport := connectClient(t, client, server, nil)

	type rpcOut struct {
		result json.RawMessage
		err    error
	}
	done := make(chan rpcOut, 1)
	go func() {
		result, err := client.RPC(json.RawMessage(`{"op":"echo"}`))
		done <- rpcOut{result, err}
	}()

	frame := transport.expectFrame(t)
	commands := decodeTestCommands(t, frame)
	require.Len(t, commands, 1)
	require.Equal(t, MethodRPC, commands[0].Method)
	require.Equal(t, uint32(2), commands[0].ID)
	require.JSONEq(t, `{"data":{"op":"echo"}}`, string(commands[0].Params))

	transport.replies(t, &Reply{
		ID:     commands[0].ID,
		Result: mustMarshal(t, &RPCResult{Data: json.RawMessage(`{"op":"echo"}`)}),
	})
	out := <-done
	require.NoError(t, out.err)
	require.JSONEq(t, `{"op":"echo"}`, string(out.result))
}

func TestCallTimeoutAndLateReply(t *testing.T) {
	server := newFakeServer()
	client := newTestClient(t, server, func(c *Config) {
		c.Timeout = 50 * time.Millisecond
	})
	transport := connectClient(t, client, server, nil)

	done := make(chan error, 1)
	go func() {
		_, err := client.RPC(json.RawMessage(`{}`))
		done <- err
	}()
	frame := transport.expectFrame(t)
	commands := decodeTestCommands(t, frame)

	var err error
	select {
	case err = <-done:
	case <-time.After(testWaitTimeout):
		t.Fatal("rpc did not time out")
	}
	replyErr := &ReplyError{}
	require.ErrorAs(t, err, &replyErr)
	require.Equal(t, 0, replyErr.Code)
	require.Equal(t, "timeout", replyErr.Message)

	// a late reply for the evicted ID is silently dropped
	transport.replies(t, &Reply{ID: commands[0].ID, Result: mustMarshal(t, &RPCResult{})})
	require.True(t, client.IsConnected())
}

func TestSendCarriesNoID(t *testing.T) {
	server := newFakeServer()
	client := newTestClient(t, server)
	transport := connectClient(t, client, server, nil)

	require.NoError(t, client.Send(json.RawMessage(`{"note":1}`)))
	frame := transport.expectFrame(t)
	commands := decodeTestCommands(t, frame)
	require.Len(t, commands, 1)
	require.Equal(t, MethodSend, commands[0].Method)
	require.Zero(t, commands[0].ID)

	client.mu.Lock()
	pendingCount := len(client.pendings)
	client.mu.Unlock()
	require.Zero(t, pendingCount)
}

func TestBatchingFlush(t *testing.T) {
	server := newFakeServer()
	client := newTestClient(t, server)
	transport := connectClient(t, client, server, nil)

	client.StartBatching()
	require.NoError(t, client.Send(json.RawMessage(`1`)))
	require.NoError(t, client.Send(json.RawMessage(`2`)))
	transport.expectNoFrame(t, 30*time.Millisecond)

	require.NoError(t, client.Flush())
	frame := transport.expectFrame(t)
	commands := decodeTestCommands(t, frame)
	require.Len(t, commands, 2)
	require.JSONEq(t, `{"data":1}`, string(commands[0].Params))
	require.JSONEq(t, `{"data":2}`, string(commands[1].Params))

	// flushing an empty queue sends nothing
	require.NoError(t, client.Flush())
	transport.expectNoFrame(t, 30*time.Millisecond)

	require.NoError(t, client.Send(json.RawMessage(`3`)))
	require.NoError(t, client.StopBatching(true))
	frame = transport.expectFrame(t)
	require.Len(t, decodeTestCommands(t, frame), 1)
}

func TestTransportLossFailsPendingCalls(t *testing.T) {
	server := newFakeServer()
	client := newTestClient(t, server)
	transport := connectClient(t, client, server, nil)

	done := make(chan error, 1)
	go func() {
		_, err := client.RPC(json.RawMessage(`{}`))
		done <- err
	}()
	transport.expectFrame(t)

	transport.closeFromServer(`{"reason":"shutdown","reconnect":false}`)
	err := <-done
	require.Error(t, err)
	require.Contains(t, err.Error(), "DisconnectedError")
	require.False(t, client.IsConnected())

	client.mu.Lock()
	pendingCount := len(client.pendings)
	client.mu.Unlock()
	require.Zero(t, pendingCount)
}

func TestDisconnectEventOncePerOutage(t *testing.T) {
	server := newFakeServer()
	client := newTestClient(t, server)

	var mu sync.Mutex
	var events []DisconnectEvent
	client.OnDisconnect(func(event DisconnectEvent) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})
	transport := connectClient(t, client, server, nil)

	// three consecutive failures within one outage
	transport.closeFromServer("server restart")
	for i := 0; i < 2; i++ {
		next := server.expectTransport(t)
		next.expectFrame(t) // connect attempt
		next.closeFromServer("still down")
	}

	// recovery, then a second outage
	next := server.expectTransport(t)
	frame := next.expectFrame(t)
	commands := decodeTestCommands(t, frame)
	next.replies(t, &Reply{ID: commands[0].ID, Result: mustMarshal(t, &ConnectResult{Client: "client-2"})})
	waitUntil(t, client.IsConnected)
	next.closeFromServer("server restart")

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 2
	})
	_ = client.Disconnect()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	require.Equal(t, "server restart", events[0].Reason)
	require.True(t, events[0].Reconnect)
}

func TestManualDisconnectCancelsReconnect(t *testing.T) {
	server := newFakeServer()
	client := newTestClient(t, server)

	var mu sync.Mutex
	var events []DisconnectEvent
	client.OnDisconnect(func(event DisconnectEvent) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})
	connectClient(t, client, server, nil)

	require.NoError(t, client.Disconnect())
	require.False(t, client.IsConnected())
	server.expectNoTransport(t, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	require.False(t, events[0].Reconnect)
}

func TestCloseReasonParsing(t *testing.T) {
	advice := parseCloseReason(`{"reason":"expired","reconnect":true}`)
	require.Equal(t, disconnectAdvice{Reason: "expired", Reconnect: true}, advice)

	advice = parseCloseReason("disconnect")
	require.False(t, advice.Reconnect)

	advice = parseCloseReason("server restart")
	require.True(t, advice.Reconnect)

	advice = parseCloseReason("")
	require.True(t, advice.Reconnect)
}

func TestTransportUnavailable(t *testing.T) {
	_, err := NewClient("http://broker.test/connection")
	require.Error(t, err)
	require.Contains(t, err.Error(), "transport unavailable")
}
