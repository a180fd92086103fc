package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Thejuampi/centrifuge-client-go/centrifuge"
)

// broker is a deterministic in-memory protocol responder for integration and
// development testing of the client. It keeps per-channel history and
// presence so recovery and presence flows can be exercised end to end.
type broker struct {
	mu           sync.Mutex
	sessions     map[string]*session
	channels     map[string]map[*session]struct{}
	history      map[string][]centrifuge.Publication // newest first
	historyLimit int
	connTTL      int64
	privatePfx   string
	logTags      log.Fields
}

func newBroker(historyLimit int, connTTL int64) *broker {
	return &broker{
		sessions:     make(map[string]*session),
		channels:     make(map[string]map[*session]struct{}),
		history:      make(map[string][]centrifuge.Publication),
		historyLimit: historyLimit,
		connTTL:      connTTL,
		privatePfx:   "$",
		logTags:      log.Fields{"module": "fakebroker"},
	}
}

type session struct {
	broker   *broker
	conn     *websocket.Conn
	writeMu  sync.Mutex
	clientID string
	user     string
	channels map[string]struct{}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wire shapes mirrored from the client protocol

type connectParams struct {
	Credentials *centrifuge.Credentials `json:"credentials,omitempty"`
	Data        json.RawMessage         `json:"data,omitempty"`
}

type subscribeParams struct {
	Channel string `json:"channel"`
	Client  string `json:"client,omitempty"`
	Info    string `json:"info,omitempty"`
	Sign    string `json:"sign,omitempty"`
	Recover bool   `json:"recover,omitempty"`
	Last    string `json:"last,omitempty"`
}

type channelParams struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type dataParams struct {
	Data json.RawMessage `json:"data,omitempty"`
}

func (b *broker) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithFields(b.logTags).WithError(err).Warn("websocket upgrade failed")
		return
	}
	s := &session{
		broker:   b,
		conn:     conn,
		channels: make(map[string]struct{}),
	}
	log.WithFields(b.logTags).Info("connection accepted")
	s.readLoop()
}

func (s *session) readLoop() {
	defer s.teardown()
	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var replies [][]byte
		for _, line := range bytes.Split(frame, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			command := &centrifuge.Command{}
			if err := json.Unmarshal(line, command); err != nil {
				log.WithFields(s.broker.logTags).WithError(err).Warn("bad command frame")
				continue
			}
			if reply := s.handleCommand(command); reply != nil {
				encoded, err := json.Marshal(reply)
				if err != nil {
					continue
				}
				replies = append(replies, encoded)
			}
		}
		if len(replies) > 0 {
			s.writeFrame(bytes.Join(replies, []byte{'\n'}))
		}
	}
}

func (s *session) writeFrame(frame []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *session) teardown() {
	b := s.broker
	b.mu.Lock()
	if s.clientID != "" {
		delete(b.sessions, s.clientID)
	}
	for channel := range s.channels {
		if members, ok := b.channels[channel]; ok {
			delete(members, s)
			if len(members) == 0 {
				delete(b.channels, channel)
			}
		}
	}
	b.mu.Unlock()
	_ = s.conn.Close()
	log.WithFields(b.logTags).WithField("client", s.clientID).Info("connection closed")
}

func (s *session) handleCommand(command *centrifuge.Command) *centrifuge.Reply {
	switch command.Method {
	case centrifuge.MethodConnect:
		return s.handleConnect(command)
	case centrifuge.MethodRefresh:
		return s.handleRefresh(command)
	case centrifuge.MethodSubscribe:
		return s.handleSubscribe(command)
	case centrifuge.MethodUnsubscribe:
		return s.handleUnsubscribe(command)
	case centrifuge.MethodPublish:
		return s.handlePublish(command)
	case centrifuge.MethodPresence:
		return s.handlePresence(command)
	case centrifuge.MethodHistory:
		return s.handleHistory(command)
	case centrifuge.MethodPing:
		return &centrifuge.Reply{ID: command.ID}
	case centrifuge.MethodRPC:
		return s.handleRPC(command)
	case centrifuge.MethodSend:
		// async message, no reply
		return nil
	default:
		return s.errorReply(command.ID, 107, "method not found")
	}
}

func (s *session) errorReply(id uint32, code int, message string) *centrifuge.Reply {
	return &centrifuge.Reply{ID: id, Error: &centrifuge.ReplyError{Code: code, Message: message}}
}

func (s *session) resultReply(id uint32, result interface{}) *centrifuge.Reply {
	encoded, err := json.Marshal(result)
	if err != nil {
		return s.errorReply(id, 100, "internal server error")
	}
	return &centrifuge.Reply{ID: id, Result: encoded}
}

func (s *session) handleConnect(command *centrifuge.Command) *centrifuge.Reply {
	params := &connectParams{}
	if len(command.Params) > 0 {
		_ = json.Unmarshal(command.Params, params)
	}
	b := s.broker

	b.mu.Lock()
	if s.clientID == "" {
		s.clientID = uuid.NewString()
		b.sessions[s.clientID] = s
	}
	if params.Credentials != nil {
		s.user = params.Credentials.User
	}
	ttl := b.connTTL
	b.mu.Unlock()

	result := &centrifuge.ConnectResult{
		Client:  s.clientID,
		Version: "fakebroker",
	}
	if ttl > 0 {
		result.Expires = true
		result.TTL = ttl
		if params.Credentials != nil && params.Credentials.Exp > 0 &&
			params.Credentials.Exp < time.Now().Unix() {
			result.Expired = true
		}
	}
	log.WithFields(b.logTags).WithField("client", s.clientID).Info("client connected")
	return s.resultReply(command.ID, result)
}

func (s *session) handleRefresh(command *centrifuge.Command) *centrifuge.Reply {
	b := s.broker
	b.mu.Lock()
	ttl := b.connTTL
	b.mu.Unlock()
	result := &centrifuge.ConnectResult{Client: s.clientID}
	if ttl > 0 {
		result.Expires = true
		result.TTL = ttl
	}
	return s.resultReply(command.ID, result)
}

func (s *session) handleSubscribe(command *centrifuge.Command) *centrifuge.Reply {
	params := &subscribeParams{}
	if err := json.Unmarshal(command.Params, params); err != nil || params.Channel == "" {
		return s.errorReply(command.ID, 107, "bad request")
	}
	b := s.broker
	if strings.HasPrefix(params.Channel, b.privatePfx) && params.Sign == "" {
		return s.errorReply(command.ID, 103, "permission denied")
	}

	b.mu.Lock()
	members, ok := b.channels[params.Channel]
	if !ok {
		members = make(map[*session]struct{})
		b.channels[params.Channel] = members
	}
	members[s] = struct{}{}
	s.channels[params.Channel] = struct{}{}

	result := &centrifuge.SubscribeResult{}
	if history := b.history[params.Channel]; len(history) > 0 {
		result.Last = history[0].UID
		if params.Recover {
			for _, pub := range history {
				if pub.UID == params.Last {
					result.Recovered = true
					break
				}
				result.Publications = append(result.Publications, pub)
			}
		}
	}
	b.mu.Unlock()

	return s.resultReply(command.ID, result)
}

func (s *session) handleUnsubscribe(command *centrifuge.Command) *centrifuge.Reply {
	params := &channelParams{}
	if err := json.Unmarshal(command.Params, params); err != nil || params.Channel == "" {
		return s.errorReply(command.ID, 107, "bad request")
	}
	b := s.broker
	b.mu.Lock()
	delete(s.channels, params.Channel)
	if members, ok := b.channels[params.Channel]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(b.channels, params.Channel)
		}
	}
	b.mu.Unlock()
	return s.resultReply(command.ID, struct{}{})
}

func (s *session) handlePublish(command *centrifuge.Command) *centrifuge.Reply {
	params := &channelParams{}
	if err := json.Unmarshal(command.Params, params); err != nil || params.Channel == "" {
		return s.errorReply(command.ID, 107, "bad request")
	}
	pub := centrifuge.Publication{
		UID:  uuid.NewString(),
		Data: params.Data,
		Info: &centrifuge.ClientInfo{User: s.user, Client: s.clientID},
	}
	b := s.broker

	b.mu.Lock()
	history := append([]centrifuge.Publication{pub}, b.history[params.Channel]...)
	if len(history) > b.historyLimit {
		history = history[:b.historyLimit]
	}
	b.history[params.Channel] = history
	receivers := make([]*session, 0, len(b.channels[params.Channel]))
	for member := range b.channels[params.Channel] {
		receivers = append(receivers, member)
	}
	b.mu.Unlock()

	push := &centrifuge.Push{Type: centrifuge.PushPublication, Channel: params.Channel}
	push.Data, _ = json.Marshal(&pub)
	frame, err := json.Marshal(&centrifuge.Reply{Result: mustRaw(push)})
	if err == nil {
		for _, receiver := range receivers {
			receiver.writeFrame(frame)
		}
	}
	return s.resultReply(command.ID, struct{}{})
}

func (s *session) handlePresence(command *centrifuge.Command) *centrifuge.Reply {
	params := &channelParams{}
	if err := json.Unmarshal(command.Params, params); err != nil || params.Channel == "" {
		return s.errorReply(command.ID, 107, "bad request")
	}
	b := s.broker
	presence := make(map[string]centrifuge.ClientInfo)
	b.mu.Lock()
	for member := range b.channels[params.Channel] {
		presence[member.clientID] = centrifuge.ClientInfo{User: member.user, Client: member.clientID}
	}
	b.mu.Unlock()
	return s.resultReply(command.ID, map[string]interface{}{"presence": presence})
}

func (s *session) handleHistory(command *centrifuge.Command) *centrifuge.Reply {
	params := &channelParams{}
	if err := json.Unmarshal(command.Params, params); err != nil || params.Channel == "" {
		return s.errorReply(command.ID, 107, "bad request")
	}
	b := s.broker
	b.mu.Lock()
	publications := append([]centrifuge.Publication(nil), b.history[params.Channel]...)
	b.mu.Unlock()
	return s.resultReply(command.ID, map[string]interface{}{"publications": publications})
}

func (s *session) handleRPC(command *centrifuge.Command) *centrifuge.Reply {
	params := &dataParams{}
	if len(command.Params) > 0 {
		_ = json.Unmarshal(command.Params, params)
	}
	return s.resultReply(command.ID, &dataParams{Data: params.Data})
}

func mustRaw(v interface{}) json.RawMessage {
	encoded, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return encoded
}

// HTTP side-channels

type authRequest struct {
	Client   string   `json:"client"`
	Channels []string `json:"channels"`
}

func (b *broker) handleAuth(w http.ResponseWriter, r *http.Request) {
	request := &authRequest{}
	if err := json.NewDecoder(r.Body).Decode(request); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	response := make(map[string]centrifuge.ChannelAuth, len(request.Channels))
	for _, channel := range request.Channels {
		response[channel] = centrifuge.ChannelAuth{Sign: "fake-sign"}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
	log.WithFields(b.logTags).WithField("channels", len(request.Channels)).Info("auth request served")
}

func (b *broker) handleRefreshEndpoint(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	ttl := b.connTTL
	b.mu.Unlock()
	if ttl <= 0 {
		ttl = 3600
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(&centrifuge.Credentials{
		User: "fake",
		Exp:  time.Now().Unix() + ttl,
		Sign: "fake-sign",
	})
}
