package centrifuge

import (
	"encoding/json"

	"google.golang.org/protobuf/encoding/protowire"
)

// protobufCodec implements the binary dialect: each command or reply is a
// protobuf message, frames concatenate messages with varint length prefixes.
//
// Field numbers:
//
//	Command:     1 id, 2 method, 3 params
//	Reply:       1 id, 2 error (1 code, 2 message), 3 result
//	Push:        1 type, 2 channel, 3 data
//	Credentials: 1 user, 2 exp, 3 info, 4 sign
//	Connect:     params 1 credentials, 2 data;
//	             result 1 client, 2 version, 3 expires, 4 expired, 5 ttl, 6 data
//	Subscribe:   params 1 channel, 2 client, 3 info, 4 sign, 5 recover, 6 last;
//	             result 1 publications (repeated), 2 last, 3 recovered
//	Publication: 1 uid, 2 data, 3 info (1 user, 2 client, 3 conn_info, 4 chan_info)
//	Presence:    result 1 entries (repeated: 1 client, 2 info)
//	Channel-only params use field 1; publish adds 2 data; rpc/send use 1 data.
type protobufCodec struct{}

func newProtobufCodec() *protobufCodec { return &protobufCodec{} }

func (c *protobufCodec) Name() string { return "protobuf" }

func (c *protobufCodec) Binary() bool { return true }

func (c *protobufCodec) EncodeCommands(commands []*Command) ([]byte, error) {
	if len(commands) == 0 {
		return nil, NewError(CommandError, "no commands to encode")
	}
	var frame []byte
	for _, command := range commands {
		var msg []byte
		if command.ID > 0 {
			msg = protowire.AppendTag(msg, 1, protowire.VarintType)
			msg = protowire.AppendVarint(msg, uint64(command.ID))
		}
		if command.Method > 0 {
			msg = protowire.AppendTag(msg, 2, protowire.VarintType)
			msg = protowire.AppendVarint(msg, uint64(command.Method))
		}
		if len(command.Params) > 0 {
			msg = protowire.AppendTag(msg, 3, protowire.BytesType)
			msg = protowire.AppendBytes(msg, command.Params)
		}
		frame = protowire.AppendVarint(frame, uint64(len(msg)))
		frame = append(frame, msg...)
	}
	return frame, nil
}

func (c *protobufCodec) DecodeReplies(data []byte) ([]*Reply, error) {
	var replies []*Reply
	for len(data) > 0 {
		length, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return nil, NewError(ProtocolError, "bad reply frame length")
		}
		data = data[n:]
		if uint64(len(data)) < length {
			return nil, NewError(ProtocolError, "truncated reply frame")
		}
		reply, err := decodeReplyMessage(data[:length])
		if err != nil {
			return nil, err
		}
		replies = append(replies, reply)
		data = data[length:]
	}
	return replies, nil
}

func decodeReplyMessage(msg []byte) (*Reply, error) {
	reply := &Reply{}
	err := scanFields(msg, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
		switch num {
		case 1:
			reply.ID = uint32(varint)
		case 2:
			replyErr := &ReplyError{}
			if err := scanFields(value, func(n protowire.Number, t protowire.Type, v []byte, vi uint64) error {
				switch n {
				case 1:
					replyErr.Code = int(vi)
				case 2:
					replyErr.Message = string(v)
				}
				return nil
			}); err != nil {
				return err
			}
			reply.Error = replyErr
		case 3:
			reply.Result = append([]byte(nil), value...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// scanFields walks a protobuf message invoking handler per field. Bytes
// fields arrive in value, varint fields in varint; unknown fields are skipped.
func scanFields(msg []byte, handler func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error) error {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return NewError(ProtocolError, "bad field tag")
		}
		msg = msg[n:]
		switch typ {
		case protowire.VarintType:
			value, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return NewError(ProtocolError, "bad varint field")
			}
			if err := handler(num, typ, nil, value); err != nil {
				return err
			}
			msg = msg[n:]
		case protowire.BytesType:
			value, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return NewError(ProtocolError, "bad bytes field")
			}
			if err := handler(num, typ, value, 0); err != nil {
				return err
			}
			msg = msg[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return NewError(ProtocolError, "bad field value")
			}
			msg = msg[n:]
		}
	}
	return nil
}

func appendStringField(msg []byte, num protowire.Number, value string) []byte {
	if value == "" {
		return msg
	}
	msg = protowire.AppendTag(msg, num, protowire.BytesType)
	return protowire.AppendString(msg, value)
}

func appendBytesField(msg []byte, num protowire.Number, value []byte) []byte {
	if len(value) == 0 {
		return msg
	}
	msg = protowire.AppendTag(msg, num, protowire.BytesType)
	return protowire.AppendBytes(msg, value)
}

func appendBoolField(msg []byte, num protowire.Number, value bool) []byte {
	if !value {
		return msg
	}
	msg = protowire.AppendTag(msg, num, protowire.VarintType)
	return protowire.AppendVarint(msg, 1)
}

func appendVarintField(msg []byte, num protowire.Number, value uint64) []byte {
	if value == 0 {
		return msg
	}
	msg = protowire.AppendTag(msg, num, protowire.VarintType)
	return protowire.AppendVarint(msg, value)
}

func encodeCredentialsMessage(credentials *Credentials) []byte {
	var msg []byte
	msg = appendStringField(msg, 1, credentials.User)
	msg = appendVarintField(msg, 2, uint64(credentials.Exp))
	msg = appendStringField(msg, 3, credentials.Info)
	msg = appendStringField(msg, 4, credentials.Sign)
	return msg
}

func encodeClientInfoMessage(info *ClientInfo) []byte {
	var msg []byte
	msg = appendStringField(msg, 1, info.User)
	msg = appendStringField(msg, 2, info.Client)
	msg = appendBytesField(msg, 3, info.ConnInfo)
	msg = appendBytesField(msg, 4, info.ChanInfo)
	return msg
}

func decodeClientInfoMessage(msg []byte) (ClientInfo, error) {
	var info ClientInfo
	err := scanFields(msg, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
		switch num {
		case 1:
			info.User = string(value)
		case 2:
			info.Client = string(value)
		case 3:
			info.ConnInfo = append([]byte(nil), value...)
		case 4:
			info.ChanInfo = append([]byte(nil), value...)
		}
		return nil
	})
	return info, err
}

func decodePublicationMessage(msg []byte) (Publication, error) {
	var pub Publication
	err := scanFields(msg, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
		switch num {
		case 1:
			pub.UID = string(value)
		case 2:
			pub.Data = append([]byte(nil), value...)
		case 3:
			info, err := decodeClientInfoMessage(value)
			if err != nil {
				return err
			}
			pub.Info = &info
		}
		return nil
	})
	return pub, err
}

func (c *protobufCodec) EncodeParams(method int, params interface{}) ([]byte, error) {
	var msg []byte
	switch p := params.(type) {
	case *connectParams:
		if p.Credentials != nil {
			msg = appendBytesField(msg, 1, encodeCredentialsMessage(p.Credentials))
		}
		msg = appendBytesField(msg, 2, p.Data)
	case *refreshParams:
		if p.Credentials != nil {
			msg = appendBytesField(msg, 1, encodeCredentialsMessage(p.Credentials))
		}
	case *subscribeParams:
		msg = appendStringField(msg, 1, p.Channel)
		msg = appendStringField(msg, 2, p.Client)
		msg = appendStringField(msg, 3, p.Info)
		msg = appendStringField(msg, 4, p.Sign)
		msg = appendBoolField(msg, 5, p.Recover)
		msg = appendStringField(msg, 6, p.Last)
	case *unsubscribeParams:
		msg = appendStringField(msg, 1, p.Channel)
	case *publishParams:
		msg = appendStringField(msg, 1, p.Channel)
		msg = appendBytesField(msg, 2, p.Data)
	case *presenceParams:
		msg = appendStringField(msg, 1, p.Channel)
	case *historyParams:
		msg = appendStringField(msg, 1, p.Channel)
	case *rpcParams:
		msg = appendBytesField(msg, 1, p.Data)
	case *sendParams:
		msg = appendBytesField(msg, 1, p.Data)
	case nil:
	default:
		return nil, NewError(CommandError, "unsupported params type")
	}
	return msg, nil
}

func (c *protobufCodec) DecodeResult(method int, data []byte) (interface{}, error) {
	switch method {
	case MethodConnect, MethodRefresh:
		result := &ConnectResult{}
		err := scanFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
			switch num {
			case 1:
				result.Client = string(value)
			case 2:
				result.Version = string(value)
			case 3:
				result.Expires = varint != 0
			case 4:
				result.Expired = varint != 0
			case 5:
				result.TTL = int64(varint)
			case 6:
				result.Data = append([]byte(nil), value...)
			}
			return nil
		})
		return result, err
	case MethodSubscribe:
		result := &SubscribeResult{}
		err := scanFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
			switch num {
			case 1:
				pub, err := decodePublicationMessage(value)
				if err != nil {
					return err
				}
				result.Publications = append(result.Publications, pub)
			case 2:
				result.Last = string(value)
			case 3:
				result.Recovered = varint != 0
			}
			return nil
		})
		return result, err
	case MethodPresence:
		result := &PresenceResult{Presence: make(map[string]ClientInfo)}
		err := scanFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
			if num != 1 {
				return nil
			}
			var clientID string
			var info ClientInfo
			if err := scanFields(value, func(n protowire.Number, t protowire.Type, v []byte, vi uint64) error {
				switch n {
				case 1:
					clientID = string(v)
				case 2:
					decoded, err := decodeClientInfoMessage(v)
					if err != nil {
						return err
					}
					info = decoded
				}
				return nil
			}); err != nil {
				return err
			}
			result.Presence[clientID] = info
			return nil
		})
		return result, err
	case MethodHistory:
		result := &HistoryResult{}
		err := scanFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
			if num != 1 {
				return nil
			}
			pub, err := decodePublicationMessage(value)
			if err != nil {
				return err
			}
			result.Publications = append(result.Publications, pub)
			return nil
		})
		return result, err
	case MethodRPC:
		result := &RPCResult{}
		err := scanFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
			if num == 1 {
				result.Data = append([]byte(nil), value...)
			}
			return nil
		})
		return result, err
	default:
		return json.RawMessage(data), nil
	}
}

func (c *protobufCodec) DecodePush(data []byte) (*Push, error) {
	push := &Push{}
	err := scanFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
		switch num {
		case 1:
			push.Type = int(varint)
		case 2:
			push.Channel = string(value)
		case 3:
			push.Data = append([]byte(nil), value...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return push, nil
}

func (c *protobufCodec) DecodePushData(pushType int, data []byte) (interface{}, error) {
	switch pushType {
	case PushPublication:
		pub, err := decodePublicationMessage(data)
		if err != nil {
			return nil, err
		}
		return &pub, nil
	case PushJoin:
		push := &joinPush{}
		err := scanFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
			if num == 1 {
				info, err := decodeClientInfoMessage(value)
				if err != nil {
					return err
				}
				push.Info = info
			}
			return nil
		})
		return push, err
	case PushLeave:
		push := &leavePush{}
		err := scanFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
			if num == 1 {
				info, err := decodeClientInfoMessage(value)
				if err != nil {
					return err
				}
				push.Info = info
			}
			return nil
		})
		return push, err
	case PushUnsub:
		push := &unsubPush{}
		err := scanFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
			if num == 1 {
				push.Resubscribe = varint != 0
			}
			return nil
		})
		return push, err
	case PushMessage:
		var payload json.RawMessage
		err := scanFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
			if num == 1 {
				payload = append([]byte(nil), value...)
			}
			return nil
		})
		return payload, err
	default:
		return nil, NewError(ProtocolError, "unknown push type")
	}
}
