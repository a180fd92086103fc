package centrifuge

import "encoding/json"

// Command method types. MethodConnect is the zero value: a command with an
// unset method is interpreted as CONNECT, the first outbound command after
// transport open.
const (
	MethodConnect = iota
	MethodRefresh
	MethodSubscribe
	MethodUnsubscribe
	MethodPublish
	MethodPresence
	MethodHistory
	MethodPing
	MethodRPC
	MethodSend
)

// Push types carried in replies without an ID.
const (
	PushPublication = iota
	PushJoin
	PushLeave
	PushUnsub
	PushMessage
)

// Command is an outbound request frame. Commands that expect a reply carry a
// non-zero ID; SEND carries ID 0 and never registers a continuation.
type Command struct {
	ID     uint32          `json:"id,omitempty"`
	Method int             `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Reply is an inbound frame element. A reply with ID 0 carries a server push
// in its Result.
type Reply struct {
	ID     uint32          `json:"id"`
	Error  *ReplyError     `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Push is a server-initiated notification routed by channel.
type Push struct {
	Type    int             `json:"type"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Codec translates between in-memory command/reply/push records and wire
// frames. Two dialects exist: text (JSON, newline-delimited) and binary
// (protobuf, varint length-delimited), selected by URL hint.
type Codec interface {
	// Name identifies the dialect ("json" or "protobuf").
	Name() string
	// Binary reports whether frames must be sent as binary transport messages.
	Binary() bool
	// EncodeCommands serializes a non-empty ordered command sequence into one frame.
	EncodeCommands(commands []*Command) ([]byte, error)
	// DecodeReplies parses an inbound frame, preserving wire order.
	DecodeReplies(data []byte) ([]*Reply, error)
	// EncodeParams serializes the typed params record for the given method.
	EncodeParams(method int, params interface{}) ([]byte, error)
	// DecodeResult parses a reply result into the typed record for the method.
	DecodeResult(method int, data []byte) (interface{}, error)
	// DecodePush parses the envelope of a reply without an ID.
	DecodePush(data []byte) (*Push, error)
	// DecodePushData parses the inner record of a push by push type.
	DecodePushData(pushType int, data []byte) (interface{}, error)
}

// Credentials identify the connection to the server. Sign covers User and
// Exp and is issued out of band (refresh endpoint or user callback).
type Credentials struct {
	User string `json:"user"`
	Exp  int64  `json:"exp"`
	Info string `json:"info,omitempty"`
	Sign string `json:"sign"`
}

// ClientInfo describes a connection participating in a channel.
type ClientInfo struct {
	User     string          `json:"user"`
	Client   string          `json:"client"`
	ConnInfo json.RawMessage `json:"conn_info,omitempty"`
	ChanInfo json.RawMessage `json:"chan_info,omitempty"`
}

// Publication is a single message on a channel. UID orders publications and
// drives gap recovery on resubscribe.
type Publication struct {
	UID  string          `json:"uid"`
	Data json.RawMessage `json:"data"`
	Info *ClientInfo     `json:"info,omitempty"`
}

type connectParams struct {
	Credentials *Credentials    `json:"credentials,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// ConnectResult is the server response to CONNECT and REFRESH commands.
type ConnectResult struct {
	Client  string          `json:"client"`
	Version string          `json:"version,omitempty"`
	Expires bool            `json:"expires,omitempty"`
	Expired bool            `json:"expired,omitempty"`
	TTL     int64           `json:"ttl,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type refreshParams struct {
	Credentials *Credentials `json:"credentials"`
}

type subscribeParams struct {
	Channel string `json:"channel"`
	Client  string `json:"client,omitempty"`
	Info    string `json:"info,omitempty"`
	Sign    string `json:"sign,omitempty"`
	Recover bool   `json:"recover,omitempty"`
	Last    string `json:"last,omitempty"`
}

// SubscribeResult is the server response to a SUBSCRIBE command. Publications
// hold messages missed during disconnection, newest first on the wire.
type SubscribeResult struct {
	Publications []Publication `json:"publications,omitempty"`
	Last         string        `json:"last,omitempty"`
	Recovered    bool          `json:"recovered,omitempty"`
}

type unsubscribeParams struct {
	Channel string `json:"channel"`
}

type publishParams struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type presenceParams struct {
	Channel string `json:"channel"`
}

// PresenceResult maps client IDs to their channel presence info.
type PresenceResult struct {
	Presence map[string]ClientInfo `json:"presence"`
}

type historyParams struct {
	Channel string `json:"channel"`
}

// HistoryResult carries retained channel publications, newest first.
type HistoryResult struct {
	Publications []Publication `json:"publications"`
}

type rpcParams struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// RPCResult carries the opaque result payload of an RPC command.
type RPCResult struct {
	Data json.RawMessage `json:"data"`
}

type sendParams struct {
	Data json.RawMessage `json:"data,omitempty"`
}

type joinPush struct {
	Info ClientInfo `json:"info"`
}

type leavePush struct {
	Info ClientInfo `json:"info"`
}

type unsubPush struct {
	Resubscribe bool `json:"resubscribe,omitempty"`
}

type messagePush struct {
	Data json.RawMessage `json:"data"`
}

// disconnectAdvice is the structured close reason a server may attach to the
// transport close frame.
type disconnectAdvice struct {
	Reason    string `json:"reason"`
	Reconnect bool   `json:"reconnect"`
}
