// Package deepgram connects to the Deepgram Voice Agent V1 endpoint.
//
// [Dialer] opens the authenticated WebSocket; protocol.go holds the typed
// message structs and [DecodeEvent].
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/jarvis/pkg/provider/s2s"
)

var (
	_ s2s.Dialer = (*Dialer)(nil)
	_ s2s.Conn   = (*conn)(nil)
)

const (
	// DefaultURL is the Voice Agent converse endpoint.
	DefaultURL = "wss://agent.deepgram.com/v1/agent/converse"

	defaultOpenTimeout  = 10 * time.Second
	defaultCloseTimeout = 5 * time.Second

	// readLimit bounds a single inbound frame. Agent audio arrives in small
	// binary frames; the limit only guards against runaway messages.
	readLimit = 4 << 20
)

// Option configures a [Dialer].
type Option func(*Dialer)

// WithURL overrides the endpoint URL. Tests point it at an httptest server.
func WithURL(u string) Option {
	return func(d *Dialer) { d.url = u }
}

// WithOpenTimeout bounds each dial attempt.
func WithOpenTimeout(t time.Duration) Option {
	return func(d *Dialer) {
		if t > 0 {
			d.openTimeout = t
		}
	}
}

// WithCloseTimeout bounds the close handshake.
func WithCloseTimeout(t time.Duration) Option {
	return func(d *Dialer) {
		if t > 0 {
			d.closeTimeout = t
		}
	}
}

// WithHTTPClient sets the client used for the WebSocket upgrade.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.httpClient = c }
}

// Dialer opens Voice Agent connections authenticated with an API key.
type Dialer struct {
	apiKey       string
	url          string
	openTimeout  time.Duration
	closeTimeout time.Duration
	httpClient   *http.Client
}

// NewDialer returns a Dialer for apiKey.
func NewDialer(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:       apiKey,
		url:          DefaultURL,
		openTimeout:  defaultOpenTimeout,
		closeTimeout: defaultCloseTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Validate reports [s2s.ErrMissingCredentials] when no API key is set.
func (d *Dialer) Validate() error {
	if d.apiKey == "" {
		return s2s.ErrMissingCredentials
	}
	if d.url == "" {
		return errors.New("deepgram: empty endpoint url")
	}
	return nil
}

// Dial opens one connection. The handshake is bounded by the open timeout.
func (d *Dialer) Dial(ctx context.Context) (s2s.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.openTimeout)
	defer cancel()

	ws, resp, err := websocket.Dial(dialCtx, d.url, &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Token " + d.apiKey},
		},
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram: dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	ws.SetReadLimit(readLimit)
	return &conn{ws: ws, closeTimeout: d.closeTimeout}, nil
}

type conn struct {
	ws           *websocket.Conn
	closeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func (c *conn) Read(ctx context.Context) (s2s.Frame, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return s2s.Frame{}, err
	}
	return s2s.Frame{Binary: typ == websocket.MessageBinary, Data: data}, nil
}

func (c *conn) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("deepgram: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *conn) WriteAudio(ctx context.Context, pcm []byte) error {
	return c.ws.Write(ctx, websocket.MessageBinary, pcm)
}

// Close runs the close handshake in the background and force-closes the
// socket once the close timeout passes.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- c.ws.Close(websocket.StatusNormalClosure, "session closed") }()
		select {
		case err := <-done:
			c.closeErr = ignoreClosed(err)
		case <-time.After(c.closeTimeout):
			c.closeErr = c.ws.CloseNow()
		}
	})
	return c.closeErr
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return nil
	}
	return err
}
