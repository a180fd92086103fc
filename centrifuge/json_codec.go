package centrifuge

import (
	"bytes"
	"encoding/json"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonCodec implements the text dialect: one JSON document per command or
// reply, multiple documents in a frame separated by newlines.
type jsonCodec struct{}

func newJSONCodec() *jsonCodec { return &jsonCodec{} }

func (c *jsonCodec) Name() string { return "json" }

func (c *jsonCodec) Binary() bool { return false }

func (c *jsonCodec) EncodeCommands(commands []*Command) ([]byte, error) {
	if len(commands) == 0 {
		return nil, NewError(CommandError, "no commands to encode")
	}
	var buf bytes.Buffer
	for i, command := range commands {
		if i > 0 {
			buf.WriteByte('\n')
		}
		encoded, err := jsonAPI.Marshal(command)
		if err != nil {
			return nil, NewError(ProtocolError, err)
		}
		buf.Write(encoded)
	}
	return buf.Bytes(), nil
}

func (c *jsonCodec) DecodeReplies(data []byte) ([]*Reply, error) {
	var replies []*Reply
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		reply := &Reply{}
		if err := jsonAPI.Unmarshal(line, reply); err != nil {
			return nil, NewError(ProtocolError, err)
		}
		replies = append(replies, reply)
	}
	return replies, nil
}

func (c *jsonCodec) EncodeParams(method int, params interface{}) ([]byte, error) {
	encoded, err := jsonAPI.Marshal(params)
	if err != nil {
		return nil, NewError(ProtocolError, err)
	}
	return encoded, nil
}

func (c *jsonCodec) DecodeResult(method int, data []byte) (interface{}, error) {
	var result interface{}
	switch method {
	case MethodConnect, MethodRefresh:
		result = &ConnectResult{}
	case MethodSubscribe:
		result = &SubscribeResult{}
	case MethodPresence:
		result = &PresenceResult{}
	case MethodHistory:
		result = &HistoryResult{}
	case MethodRPC:
		result = &RPCResult{}
	default:
		return json.RawMessage(data), nil
	}
	if len(data) == 0 {
		return result, nil
	}
	if err := jsonAPI.Unmarshal(data, result); err != nil {
		return nil, NewError(ProtocolError, err)
	}
	return result, nil
}

func (c *jsonCodec) DecodePush(data []byte) (*Push, error) {
	push := &Push{}
	if err := jsonAPI.Unmarshal(data, push); err != nil {
		return nil, NewError(ProtocolError, err)
	}
	return push, nil
}

func (c *jsonCodec) DecodePushData(pushType int, data []byte) (interface{}, error) {
	var payload interface{}
	switch pushType {
	case PushPublication:
		payload = &Publication{}
	case PushJoin:
		payload = &joinPush{}
	case PushLeave:
		payload = &leavePush{}
	case PushUnsub:
		payload = &unsubPush{}
	case PushMessage:
		payload := &messagePush{}
		if err := jsonAPI.Unmarshal(data, payload); err != nil {
			return nil, NewError(ProtocolError, err)
		}
		return payload.Data, nil
	default:
		return nil, NewError(ProtocolError, "unknown push type")
	}
	if len(data) > 0 {
		if err := jsonAPI.Unmarshal(data, payload); err != nil {
			return nil, NewError(ProtocolError, err)
		}
	}
	return payload, nil
}
