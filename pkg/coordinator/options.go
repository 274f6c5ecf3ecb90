package coordinator

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/lightforgemedia/go-livelink/pkg/connection"
)

const (
	defaultReconnectDelay    = 5 * time.Second
	defaultReconnectMaxDelay = 60 * time.Second
	defaultRequestTimeout    = 10 * time.Second
	defaultDialTimeout       = 10 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultMaxMessageBytes   = 1 << 20
	defaultSubscriberBuffer  = 64
	defaultDedupeWindow      = 1024
)

// Options contains configuration values for New. Zero values fall back to
// the defaults.
type Options struct {
	Logger     *slog.Logger
	HTTPClient *http.Client

	// AuthToken, when set, is sent as a bearer token on every handshake.
	AuthToken string
	ClientID  string

	ReconnectPolicy   connection.ReconnectPolicy
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	ReconnectJitter   time.Duration

	DialTimeout     time.Duration
	WriteTimeout    time.Duration
	PingInterval    time.Duration // 0 disables client pings
	MaxMessageBytes int64

	RequestTimeout   time.Duration
	SubscriberBuffer int
	DedupeWindow     int
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:            slog.Default(),
		HTTPClient:        http.DefaultClient,
		ReconnectPolicy:   connection.PolicyFixed,
		ReconnectDelay:    defaultReconnectDelay,
		ReconnectMaxDelay: defaultReconnectMaxDelay,
		DialTimeout:       defaultDialTimeout,
		WriteTimeout:      defaultWriteTimeout,
		MaxMessageBytes:   defaultMaxMessageBytes,
		RequestTimeout:    defaultRequestTimeout,
		SubscriberBuffer:  defaultSubscriberBuffer,
		DedupeWindow:      defaultDedupeWindow,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	if o.HTTPClient == nil {
		o.HTTPClient = d.HTTPClient
	}
	if o.ReconnectPolicy == "" {
		o.ReconnectPolicy = d.ReconnectPolicy
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = d.ReconnectDelay
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = d.ReconnectMaxDelay
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = d.DialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.PingInterval < 0 {
		o.PingInterval = 0
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = d.MaxMessageBytes
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = d.SubscriberBuffer
	}
	if o.DedupeWindow <= 0 {
		o.DedupeWindow = d.DedupeWindow
	}
	return o
}

func (o Options) connectionOptions() []connection.Option {
	opts := []connection.Option{
		connection.WithLogger(o.Logger),
		connection.WithHTTPClient(o.HTTPClient),
		connection.WithClientID(o.ClientID),
		connection.WithReconnect(o.ReconnectPolicy, o.ReconnectDelay, o.ReconnectMaxDelay),
		connection.WithDialTimeout(o.DialTimeout),
		connection.WithWriteTimeout(o.WriteTimeout),
		connection.WithPingInterval(o.PingInterval),
		connection.WithMaxMessageBytes(o.MaxMessageBytes),
	}
	if o.ReconnectJitter > 0 {
		opts = append(opts, connection.WithReconnectJitter(o.ReconnectJitter))
	}
	if o.AuthToken != "" {
		opts = append(opts, connection.WithHeader("Authorization", "Bearer "+o.AuthToken))
	}
	return opts
}
