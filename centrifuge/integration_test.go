package centrifuge

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const integrationWaitTimeout = 8 * time.Second

// integrationURL gates the websocket integration tests; point it at a
// running broker, e.g. the bundled tools/fakebroker:
//
//	CENTRIFUGE_TEST_URL=ws://localhost:8000/connection/websocket go test ./centrifuge
func integrationURL(t *testing.T) string {
	t.Helper()
	rawURL := strings.TrimSpace(os.Getenv("CENTRIFUGE_TEST_URL"))
	if rawURL == "" {
		t.Skip("integration test skipped: CENTRIFUGE_TEST_URL is not set")
	}
	return rawURL
}

func integrationClient(t *testing.T) *Client {
	t.Helper()
	config := DefaultConfig()
	if authURL := os.Getenv("CENTRIFUGE_TEST_AUTH_URL"); authURL != "" {
		config.AuthEndpoint = authURL
	}
	if refreshURL := os.Getenv("CENTRIFUGE_TEST_REFRESH_URL"); refreshURL != "" {
		config.RefreshEndpoint = refreshURL
	}
	client, err := NewClient(integrationURL(t), config)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Disconnect()
	})
	return client
}

func waitConnected(t *testing.T, client *Client) {
	t.Helper()
	deadline := time.Now().Add(integrationWaitTimeout)
	for time.Now().Before(deadline) {
		if client.IsConnected() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client did not connect in time")
}

func TestIntegrationConnectAndPing(t *testing.T) {
	client := integrationClient(t)
	require.NoError(t, client.Connect())
	waitConnected(t, client)

	require.NotEmpty(t, client.ClientID())
	require.NoError(t, client.Ping())
}

func TestIntegrationPublishSubscribe(t *testing.T) {
	client := integrationClient(t)
	require.NoError(t, client.Connect())
	waitConnected(t, client)

	var mu sync.Mutex
	var received []Publication
	subscribed := make(chan struct{}, 1)
	_, err := client.Subscribe("it-news", SubscriptionEvents{
		OnSubscribe: func(sub *Subscription, event SubscribeSuccessEvent) {
			subscribed <- struct{}{}
		},
		OnPublish: func(sub *Subscription, pub Publication) {
			mu.Lock()
			received = append(received, pub)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	select {
	case <-subscribed:
	case <-time.After(integrationWaitTimeout):
		t.Fatal("subscribe did not complete")
	}

	require.NoError(t, client.Publish("it-news", json.RawMessage(`{"n":1}`)))
	deadline := time.Now().Add(integrationWaitTimeout)
	for time.Now().Before(deadline) {
		mu.Lock()
		count := len(received)
		mu.Unlock()
		if count > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, received)
	require.NotEmpty(t, received[0].UID)
	require.JSONEq(t, `{"n":1}`, string(received[0].Data))
}

func TestIntegrationHistory(t *testing.T) {
	client := integrationClient(t)
	require.NoError(t, client.Connect())
	waitConnected(t, client)

	channel := "it-history"
	require.NoError(t, client.Publish(channel, json.RawMessage(`{"n":1}`)))
	require.NoError(t, client.Publish(channel, json.RawMessage(`{"n":2}`)))

	publications, err := client.History(channel)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(publications), 2)
}

func TestIntegrationRPCEcho(t *testing.T) {
	client := integrationClient(t)
	require.NoError(t, client.Connect())
	waitConnected(t, client)

	result, err := client.RPC(json.RawMessage(`{"op":"echo"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"op":"echo"}`, string(result))
}
