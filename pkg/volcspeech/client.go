// Package volcspeech implements streaming clients for the Volcengine
// speech services: bigmodel streaming recognition and bidirectional
// streaming synthesis, both over a binary-framed WebSocket protocol.
package volcspeech

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWSURL = "wss://openspeech.bytedance.com"

	// Resource IDs
	ResourceASRStream = "volc.bigasr.sauc.duration"
	ResourceTTS       = "seed-tts-1.0"

	// firstAckTimeout bounds the wait for the server's first response
	// after a handshake frame.
	firstAckTimeout = 10 * time.Second
	// receiveTimeout bounds each subsequent receive. Expiry ends the
	// session silently; the user may simply not be speaking.
	receiveTimeout = 15 * time.Second
)

// Client holds credentials and connection settings for the speech
// services.
type Client struct {
	ASR *ASRClient
	TTS *TTSClient

	config *clientConfig
}

type clientConfig struct {
	appID     string
	accessKey string
	wsURL     string
	userID    string
	dialer    *websocket.Dialer
	logger    *slog.Logger

	// recvTimeout bounds each receive after the handshake. Tests
	// shorten it; everything else runs with receiveTimeout.
	recvTimeout time.Duration
}

// Option configures a Client.
type Option func(*clientConfig)

// NewClient creates a speech client.
//
// appID is the application ID from the Volcengine console.
func NewClient(appID string, opts ...Option) *Client {
	config := &clientConfig{
		appID:       appID,
		wsURL:       defaultWSURL,
		userID:      "default_user",
		dialer:      websocket.DefaultDialer,
		logger:      slog.Default(),
		recvTimeout: receiveTimeout,
	}
	for _, opt := range opts {
		opt(config)
	}

	c := &Client{config: config}
	c.ASR = &ASRClient{client: c}
	c.TTS = &TTSClient{client: c}
	return c
}

// WithAccessKey sets the access key sent as X-Api-Access-Key.
func WithAccessKey(key string) Option {
	return func(c *clientConfig) { c.accessKey = key }
}

// WithWSURL overrides the WebSocket base URL.
//
// Default: wss://openspeech.bytedance.com
func WithWSURL(url string) Option {
	return func(c *clientConfig) { c.wsURL = url }
}

// WithUserID sets the user identifier carried in request payloads.
func WithUserID(userID string) Option {
	return func(c *clientConfig) { c.userID = userID }
}

// WithDialer sets a custom WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *clientConfig) { c.dialer = d }
}

// WithLogger sets the logger for protocol-level diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *clientConfig) { c.logger = l }
}

// wsHeaders builds the authentication headers for a WebSocket request.
// requestIDHeader names the per-request correlation header, which
// differs between the recognition and synthesis endpoints.
func (c *Client) wsHeaders(resourceID, requestIDHeader, requestID string) http.Header {
	headers := http.Header{}
	headers.Set("X-Api-App-Key", c.config.appID)
	headers.Set("X-Api-Access-Key", c.config.accessKey)
	headers.Set("X-Api-Resource-Id", resourceID)
	headers.Set(requestIDHeader, requestID)
	return headers
}
