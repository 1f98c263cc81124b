// Package bridge is the websocket link between one call and the telephony
// media service. Every inbound message is routed to exactly one handler.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/denwa/internal/telemetry"
)

// ErrNotConnected is returned by Listen when Connect has not succeeded.
var ErrNotConnected = errors.New("bridge: not connected")

// ErrDisconnected is returned by Listen when the media service drops the
// connection.
var ErrDisconnected = errors.New("bridge: connection lost")

const (
	inboundBuffer  = 64
	maxMessageSize = 1 << 20
)

// Config holds the dial parameters shared by every call's connection.
type Config struct {
	BaseURL        string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	return c
}

// StreamURL returns the media endpoint for callID.
func (c Config) StreamURL(callID string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/stream/" + url.PathEscape(callID)
}

// Conn is the media connection for a single call. It is owned by that
// call's streaming task. Send methods may be called from any goroutine.
type Conn struct {
	callID string
	cfg    Config
	router *Router
	logger *slog.Logger

	mu     sync.Mutex // guards ws, muted, volume
	ws     *websocket.Conn
	muted  bool
	volume float64

	writeMu sync.Mutex

	inbound   chan []byte
	readDone  chan struct{}
	stop      chan struct{}
	closeOnce sync.Once

	sent metric.Int64Counter
}

// New creates an unconnected Conn for callID.
func New(callID string, cfg Config, router *Router, logger *slog.Logger) *Conn {
	counter, _ := telemetry.Meter("denwa/bridge").Int64Counter("denwa.bridge.messages",
		metric.WithDescription("Messages exchanged with the media service"),
	)
	return &Conn{
		callID: callID,
		cfg:    cfg.withDefaults(),
		router: router,
		logger: logger,
		volume: 1.0,
		stop:   make(chan struct{}),
		sent:   counter,
	}
}

// CallID returns the call this connection streams.
func (c *Conn) CallID() string { return c.callID }

// Connect dials the media service with a call-scoped bearer token and
// starts the read pump. Calling Connect on a connected Conn is a no-op.
func (c *Conn) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.ws != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	select {
	case <-c.stop:
		return fmt.Errorf("bridge: connect %s: %w", c.callID, ErrNotConnected)
	default:
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("X-Call-ID", c.callID)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	target := c.cfg.StreamURL(c.callID)
	ws, resp, err := dialer.DialContext(dialCtx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("bridge: connect %s: status %d: %w", c.callID, resp.StatusCode, err)
		}
		return fmt.Errorf("bridge: connect %s: %w", c.callID, err)
	}

	ws.SetReadLimit(maxMessageSize)
	pongWait := 2 * c.cfg.PingInterval
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	c.ws = ws
	c.inbound = make(chan []byte, inboundBuffer)
	c.readDone = make(chan struct{})
	c.mu.Unlock()

	go c.readPump(ws, pongWait)
	go c.pingPump(ws)

	c.logger.Info("bridge: connected", "call_id", c.callID, "url", target)
	return nil
}

// IsConnected reports whether the connection is open.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

func (c *Conn) readPump(ws *websocket.Conn, pongWait time.Duration) {
	defer close(c.readDone)
	defer close(c.inbound)
	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-c.stop:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Warn("bridge: read failed", "call_id", c.callID, "error", err)
				} else {
					c.logger.Info("bridge: media service closed stream", "call_id", c.callID)
				}
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		select {
		case c.inbound <- data:
		case <-c.stop:
			return
		}
	}
}

func (c *Conn) pingPump(ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-c.readDone:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("bridge: ping failed", "call_id", c.callID, "error", err)
				return
			}
		}
	}
}

// Listen routes inbound messages in arrival order until ctx is cancelled,
// the media service ends the stream, or the connection drops. Replies from
// the audio handler are written back before the next message is read.
func (c *Conn) Listen(ctx context.Context) error {
	c.mu.Lock()
	inbound := c.inbound
	c.mu.Unlock()
	if inbound == nil {
		return ErrNotConnected
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		case raw, ok := <-inbound:
			if !ok {
				return ErrDisconnected
			}
			reply, err := c.router.Route(ctx, raw)
			if err != nil {
				return err
			}
			if len(reply) > 0 && !c.SendAudio(reply) {
				c.logger.Warn("bridge: failed to send response audio", "call_id", c.callID, "bytes", len(reply))
			}
		}
	}
}

// SendAudio writes one PCM chunk. It returns false when the connection is
// not open or the write fails.
func (c *Conn) SendAudio(pcm []byte) bool {
	if len(pcm) == 0 {
		return false
	}
	msg, err := EncodeAudio(c.callID, pcm)
	if err != nil {
		return false
	}
	return c.write(msg, TypeAudio)
}

// SendControl writes a control action. It returns false when the connection
// is not open or the write fails.
func (c *Conn) SendControl(action string, data map[string]any) bool {
	msg, err := EncodeControl(c.callID, action, data)
	if err != nil {
		return false
	}
	return c.write(msg, TypeControl)
}

// Mute silences outbound audio at the media service.
func (c *Conn) Mute() bool {
	ok := c.SendControl(ActionMute, nil)
	if ok {
		c.mu.Lock()
		c.muted = true
		c.mu.Unlock()
	}
	return ok
}

// Unmute reverses Mute.
func (c *Conn) Unmute() bool {
	ok := c.SendControl(ActionUnmute, nil)
	if ok {
		c.mu.Lock()
		c.muted = false
		c.mu.Unlock()
	}
	return ok
}

// SetVolume sets playback volume, clamped to [0, 1].
func (c *Conn) SetVolume(v float64) bool {
	v = min(max(v, 0), 1)
	ok := c.SendControl(ActionSetVolume, map[string]any{"volume": v})
	if ok {
		c.mu.Lock()
		c.volume = v
		c.mu.Unlock()
	}
	return ok
}

// Muted reports the last acknowledged-by-send mute state.
func (c *Conn) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Volume reports the last volume sent.
func (c *Conn) Volume() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volume
}

// Play asks the media service to play a stored prompt.
func (c *Conn) Play(file string) bool {
	return c.SendControl(ActionPlay, map[string]any{"file": file})
}

// SendDigits plays DTMF digits into the call.
func (c *Conn) SendDigits(digits string) bool {
	return c.SendControl(ActionDigits, map[string]any{"value": digits})
}

// Transfer hands the call to target.
func (c *Conn) Transfer(target string) bool {
	return c.SendControl(ActionTransfer, map[string]any{"target": target})
}

// EndStream asks the media service to stop streaming this call.
func (c *Conn) EndStream() bool {
	return c.SendControl(ActionEndStream, nil)
}

func (c *Conn) write(msg []byte, typ MessageType) bool {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		c.logger.Warn("bridge: write failed", "call_id", c.callID, "type", string(typ), "error", err)
		return false
	}
	c.sent.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", string(typ)),
		attribute.String("direction", "outbound"),
	))
	return true
}

// Disconnect closes the connection. It is safe to call more than once and
// from any goroutine, and unblocks a pending Listen.
func (c *Conn) Disconnect() {
	c.closeOnce.Do(func() {
		close(c.stop)

		c.mu.Lock()
		ws := c.ws
		c.ws = nil
		readDone := c.readDone
		c.mu.Unlock()
		if ws == nil {
			return
		}

		deadline := time.Now().Add(c.cfg.WriteTimeout)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = ws.Close()
		if readDone != nil {
			<-readDone
		}
		c.logger.Info("bridge: disconnected", "call_id", c.callID)
	})
}
