package centrifuge

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

// RefreshEvent is passed to a user refresh callback when credentials must be
// reissued.
type RefreshEvent struct {
	// Data is the configured refresh request body, if any.
	Data json.RawMessage
}

// RefreshHandler reissues credentials in place of the HTTP refresh endpoint.
type RefreshHandler func(event RefreshEvent) (*Credentials, error)

// ChannelAuth is the per-channel entry of an authorization response. A
// missing entry or a Status other than 0/200 denies the channel.
type ChannelAuth struct {
	Status int    `json:"status,omitempty"`
	Info   string `json:"info,omitempty"`
	Sign   string `json:"sign"`
}

// AuthEvent describes a private-channel authorization request.
type AuthEvent struct {
	ClientID string
	Channels []string
}

// AuthHandler authorizes private channels in place of the HTTP auth endpoint.
type AuthHandler func(event AuthEvent) (map[string]ChannelAuth, error)

// CloseEvent reports a transport close to the configured observer.
type CloseEvent struct {
	Reason    string
	Reconnect bool
}

// Config holds client options. Durations and strings left at their zero
// value take the defaults below; start from DefaultConfig when adjusting the
// boolean knobs, which default to enabled.
type Config struct {
	// Retry is the reconnect backoff base.
	Retry time.Duration `validate:"gte=0"`
	// MaxRetry caps the reconnect backoff.
	MaxRetry time.Duration `validate:"gte=0"`
	// Timeout bounds every command awaiting a reply.
	Timeout time.Duration `validate:"gte=0"`
	// Resubscribe re-establishes channel subscriptions after reconnect.
	Resubscribe bool
	// Ping enables the heartbeat watchdog.
	Ping bool
	// PingInterval is the delay between outbound PING commands.
	PingInterval time.Duration `validate:"gte=0"`
	// PongWaitTimeout is how long to wait for any inbound frame after a PING.
	PongWaitTimeout time.Duration `validate:"gte=0"`
	// PrivateChannelPrefix marks channels that require authorization.
	PrivateChannelPrefix string

	// RefreshEndpoint receives POSTed RefreshData when credentials expire.
	RefreshEndpoint string `validate:"omitempty,url"`
	RefreshHeaders  http.Header
	RefreshParams   url.Values
	RefreshData     json.RawMessage
	// RefreshAttempts caps consecutive refresh failures. Nil means
	// unbounded; an explicit 0 disables refresh entirely.
	RefreshAttempts *int
	// RefreshInterval is the base delay between failed refresh attempts.
	RefreshInterval time.Duration `validate:"gte=0"`
	// OnRefresh replaces the HTTP refresh endpoint with a user callback.
	OnRefresh RefreshHandler
	// OnRefreshFailed fires when refresh attempts are exhausted, right
	// before the terminal disconnect.
	OnRefreshFailed func()

	// AuthEndpoint receives private-channel authorization POSTs.
	AuthEndpoint string `validate:"omitempty,url"`
	AuthHeaders  http.Header
	AuthParams   url.Values
	// OnAuth replaces the HTTP auth endpoint with a user callback.
	OnAuth AuthHandler

	// OnTransportClose observes every transport close.
	OnTransportClose func(event CloseEvent)

	// HTTPClient performs refresh and auth POSTs.
	HTTPClient *http.Client
	// Dialer opens native websocket connections.
	Dialer *websocket.Dialer
	// EmulationFactory supplies the polling fallback transport for http(s)
	// URLs. Without it such URLs fail fast with TransportUnavailableError.
	EmulationFactory TransportFactory
	// ReconnectStrategy overrides the decorrelated-jitter backoff.
	ReconnectStrategy ReconnectDelayStrategy
	// Logger receives structured client logs.
	Logger *log.Logger
}

// DefaultConfig returns the client option defaults.
func DefaultConfig() Config {
	return Config{
		Retry:                1000 * time.Millisecond,
		MaxRetry:             20000 * time.Millisecond,
		Timeout:              5000 * time.Millisecond,
		Resubscribe:          true,
		Ping:                 true,
		PingInterval:         30000 * time.Millisecond,
		PongWaitTimeout:      5000 * time.Millisecond,
		PrivateChannelPrefix: "$",
		RefreshInterval:      3000 * time.Millisecond,
	}
}

func (config *Config) applyDefaults() {
	defaults := DefaultConfig()
	if config.Retry == 0 {
		config.Retry = defaults.Retry
	}
	if config.MaxRetry == 0 {
		config.MaxRetry = defaults.MaxRetry
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.PingInterval == 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.PongWaitTimeout == 0 {
		config.PongWaitTimeout = defaults.PongWaitTimeout
	}
	if config.PrivateChannelPrefix == "" {
		config.PrivateChannelPrefix = defaults.PrivateChannelPrefix
	}
	if config.RefreshInterval == 0 {
		config.RefreshInterval = defaults.RefreshInterval
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
}

var configValidator = validator.New()

func (config *Config) validate() error {
	if err := configValidator.Struct(config); err != nil {
		return NewError(BadConfigError, err)
	}
	return nil
}
