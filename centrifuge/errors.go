package centrifuge

import "fmt"

const (
	AlreadyConnectedError = iota

	AuthorizationError

	BadConfigError

	CommandError

	ConnectionError

	ConnectionRefusedError

	DisconnectedError

	InvalidChannelError

	InvalidURLError

	ProtocolError

	RefreshFailedError

	TimedOutError

	TransportUnavailableError

	UnknownError
)

// NewError builds a typed client error from an error code and optional detail.
func NewError(errorCode int, message ...interface{}) error {
	var errorName string

	switch errorCode {
	case AlreadyConnectedError:
		errorName = "AlreadyConnectedError"
	case AuthorizationError:
		errorName = "AuthorizationError"
	case BadConfigError:
		errorName = "BadConfigError"
	case CommandError:
		errorName = "CommandError"
	case ConnectionError:
		errorName = "ConnectionError"
	case ConnectionRefusedError:
		errorName = "ConnectionRefusedError"
	case DisconnectedError:
		errorName = "DisconnectedError"
	case InvalidChannelError:
		errorName = "InvalidChannelError"
	case InvalidURLError:
		errorName = "InvalidURLError"
	case ProtocolError:
		errorName = "ProtocolError"
	case RefreshFailedError:
		errorName = "RefreshFailedError"
	case TimedOutError:
		errorName = "TimedOutError"
	case TransportUnavailableError:
		errorName = "TransportUnavailableError"
	default:
		errorName = "UnknownError"
	}

	if len(message) > 0 {
		return fmt.Errorf("%s: %s", errorName, message[0])
	}

	return fmt.Errorf("%s", errorName)
}

// ReplyError is a server-reported command error, propagated verbatim.
type ReplyError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Timeout reports whether the error is the timeout sentinel, which the client
// also produces when a call's deadline passes. A server error with code 0 and
// message "timeout" matches it too. On a SUBSCRIBE either one escalates to a
// full reconnect; other calls return it to the caller.
func (e *ReplyError) Timeout() bool {
	return e.Code == 0 && e.Message == "timeout"
}

func errTimeout() *ReplyError {
	return &ReplyError{Code: 0, Message: "timeout"}
}
