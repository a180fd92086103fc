package centrifuge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPrivateSubscribeBatching(t *testing.T) {
	var mu sync.Mutex
	var requests []authRequest
	authServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		body := authRequest{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		requests = append(requests, body)
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]ChannelAuth{
			"$news": {Info: "i-news", Sign: "s-news"},
			"$chat": {Info: "i-chat", Sign: "s-chat"},
		})
	}))
	defer authServer.Close()

	server := newFakeServer()
	client := newTestClient(t, server, func(c *Config) {
		c.AuthEndpoint = authServer.URL
	})
	transport := connectClient(t, client, server, &ConnectResult{Client: "abc"})

	client.StartAuthBatching()
	_, err := client.Subscribe("$news", SubscriptionEvents{})
	require.NoError(t, err)
	_, err = client.Subscribe("$chat", SubscriptionEvents{})
	require.NoError(t, err)
	transport.expectNoFrame(t, 30*time.Millisecond)
	client.StopAuthBatching()

	// one authorization request covering both channels, then one frame
	// carrying both SUBSCRIBE commands
	frame := transport.expectFrame(t)
	commands := decodeTestCommands(t, frame)
	require.Len(t, commands, 2)
	mu.Lock()
	require.Len(t, requests, 1)
	require.Equal(t, "abc", requests[0].Client)
	require.Equal(t, []string{"$news", "$chat"}, requests[0].Channels)
	mu.Unlock()

	for i, wantChannel := range []string{"$news", "$chat"} {
		require.Equal(t, MethodSubscribe, commands[i].Method)
		params := &subscribeParams{}
		require.NoError(t, json.Unmarshal(commands[i].Params, params))
		require.Equal(t, wantChannel, params.Channel)
		require.Equal(t, "abc", params.Client)
		require.NotEmpty(t, params.Sign)
	}
}

func TestSinglePrivateSubscribeAuthorizes(t *testing.T) {
	authServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]ChannelAuth{
			"$news": {Sign: "s-news"},
		})
	}))
	defer authServer.Close()

	server := newFakeServer()
	client := newTestClient(t, server, func(c *Config) {
		c.AuthEndpoint = authServer.URL
	})
	transport := connectClient(t, client, server, nil)

	sub, err := client.Subscribe("$news", SubscriptionEvents{})
	require.NoError(t, err)
	command, params := expectSubscribeCommand(t, transport)
	require.Equal(t, "s-news", params.Sign)
	transport.replies(t, &Reply{ID: command.ID, Result: mustMarshal(t, &SubscribeResult{})})
	require.Equal(t, SubscriptionSubscribed, sub.Status())
}

func TestAuthDeniedChannel(t *testing.T) {
	authServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]ChannelAuth{
			"$news": {Sign: "s-news"},
			"$chat": {Status: http.StatusForbidden},
		})
	}))
	defer authServer.Close()

	server := newFakeServer()
	client := newTestClient(t, server, func(c *Config) {
		c.AuthEndpoint = authServer.URL
	})
	transport := connectClient(t, client, server, nil)

	newsRecorder := &subRecorder{}
	chatRecorder := &subRecorder{}
	client.StartAuthBatching()
	_, err := client.Subscribe("$news", newsRecorder.events())
	require.NoError(t, err)
	chat, err := client.Subscribe("$chat", chatRecorder.events())
	require.NoError(t, err)
	client.StopAuthBatching()

	frame := transport.expectFrame(t)
	commands := decodeTestCommands(t, frame)
	require.Len(t, commands, 1)

	waitUntil(t, func() bool {
		chatRecorder.mu.Lock()
		defer chatRecorder.mu.Unlock()
		return len(chatRecorder.errors) == 1
	})
	require.Equal(t, SubscriptionError, chat.Status())
	chatRecorder.mu.Lock()
	require.Contains(t, chatRecorder.errors[0].Error(), "permission denied")
	chatRecorder.mu.Unlock()
}

func TestAuthRequestFailure(t *testing.T) {
	authServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer authServer.Close()

	server := newFakeServer()
	client := newTestClient(t, server, func(c *Config) {
		c.AuthEndpoint = authServer.URL
	})
	connectClient(t, client, server, nil)

	newsRecorder := &subRecorder{}
	chatRecorder := &subRecorder{}
	client.StartAuthBatching()
	_, err := client.Subscribe("$news", newsRecorder.events())
	require.NoError(t, err)
	_, err = client.Subscribe("$chat", chatRecorder.events())
	require.NoError(t, err)
	client.StopAuthBatching()

	for _, recorder := range []*subRecorder{newsRecorder, chatRecorder} {
		waitUntil(t, func() bool {
			recorder.mu.Lock()
			defer recorder.mu.Unlock()
			return len(recorder.errors) == 1
		})
		recorder.mu.Lock()
		require.Contains(t, recorder.errors[0].Error(), "authorization request failed")
		recorder.mu.Unlock()
	}
}

func TestAuthCallbackOverridesEndpoint(t *testing.T) {
	server := newFakeServer()
	client := newTestClient(t, server, func(c *Config) {
		c.OnAuth = func(event AuthEvent) (map[string]ChannelAuth, error) {
			result := make(map[string]ChannelAuth)
			for _, channel := range event.Channels {
				result[channel] = ChannelAuth{Sign: "cb-" + channel}
			}
			return result, nil
		}
	})
	transport := connectClient(t, client, server, nil)

	_, err := client.Subscribe("$news", SubscriptionEvents{})
	require.NoError(t, err)
	_, params := expectSubscribeCommand(t, transport)
	require.Equal(t, "cb-$news", params.Sign)
}

func TestPrivateRecoveryFieldsAfterReconnect(t *testing.T) {
	server := newFakeServer()
	client := newTestClient(t, server, func(c *Config) {
		c.OnAuth = func(event AuthEvent) (map[string]ChannelAuth, error) {
			result := make(map[string]ChannelAuth)
			for _, channel := range event.Channels {
				result[channel] = ChannelAuth{Sign: "s"}
			}
			return result, nil
		}
	})
	transport := connectClient(t, client, server, nil)

	_, err := client.Subscribe("$news", SubscriptionEvents{})
	require.NoError(t, err)
	command, _ := expectSubscribeCommand(t, transport)
	transport.replies(t, &Reply{ID: command.ID, Result: mustMarshal(t, &SubscribeResult{})})

	push := &Push{Type: PushPublication, Channel: "$news", Data: mustMarshal(t, &Publication{UID: "p3"})}
	transport.replies(t, &Reply{Result: mustMarshal(t, push)})

	transport.closeFromServer("server restart")
	next := server.expectTransport(t)
	frame := next.expectFrame(t)
	connectCommands := decodeTestCommands(t, frame)
	next.replies(t, &Reply{ID: connectCommands[0].ID, Result: mustMarshal(t, &ConnectResult{Client: "client-2"})})

	_, params := expectSubscribeCommand(t, next)
	require.True(t, params.Recover)
	require.Equal(t, "p3", params.Last)
	require.Equal(t, "s", params.Sign)
}
