package telephony

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the websocket surface the channel needs. *websocket.Conn satisfies
// it; tests substitute a scripted fake.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ErrClosed is returned by sends attempted after the channel stopped
// accepting outbound work, whether half-closed or fully closed.
var ErrClosed = errors.New("telephony channel is closed")

// Channel adapts one accepted media-stream websocket to a typed event stream
// and typed outbound commands. Events() ends on peer close, a stop event, or
// a transport fault; the stream is not restartable.
type Channel struct {
	conn         Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	events chan Event
	stop   chan struct{}
	done   chan struct{}

	writeMu    sync.Mutex
	closeOnce  sync.Once
	closed     atomic.Bool
	sendClosed atomic.Bool
	tokenSeq   atomic.Int64

	errMu sync.Mutex
	err   error
}

func NewChannel(conn Conn, logger *slog.Logger, writeTimeout time.Duration) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	c := &Channel{
		conn:         conn,
		logger:       logger,
		writeTimeout: writeTimeout,
		events:       make(chan Event, 64),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Events yields inbound media-stream events in arrival order. The channel is
// closed once the stream ends; Err reports a transport fault, if any.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Err blocks until the event stream has ended and returns the terminal
// transport error, or nil for a clean end.
func (c *Channel) Err() error {
	<-c.done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Channel) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Channel) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || c.closed.Load() {
				return
			}
			c.setErr(fmt.Errorf("media stream read: %w", err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		event, decErr := DecodeEvent(data)
		if decErr != nil {
			// One malformed frame is not fatal to the call.
			c.logger.Warn("skipping malformed media-stream frame", "error", decErr)
			continue
		}
		select {
		case c.events <- event:
		case <-c.stop:
			return
		}
		if _, stopped := event.(Stopped); stopped {
			return
		}
	}
}

// SendAudio emits a playback command for one audio chunk followed by the
// companion acknowledgment-request command, and returns the correlation token
// the acknowledgment will echo.
func (c *Channel) SendAudio(streamID string, payload []byte) (string, error) {
	token := fmt.Sprintf("chunk-%d", c.tokenSeq.Add(1))

	media, err := encodeMedia(streamID, payload)
	if err != nil {
		return "", fmt.Errorf("encode media command: %w", err)
	}
	mark, err := encodeMark(streamID, token)
	if err != nil {
		return "", fmt.Errorf("encode mark command: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() || c.sendClosed.Load() {
		return "", ErrClosed
	}
	deadline := time.Now().Add(c.writeTimeout)
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return "", err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, media); err != nil {
		return "", fmt.Errorf("write media command: %w", err)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return "", err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, mark); err != nil {
		return "", fmt.Errorf("write mark command: %w", err)
	}
	return token, nil
}

// SendClear instructs the provider to discard any queued-but-unplayed audio
// immediately. Used only during barge-in.
func (c *Channel) SendClear(streamID string) error {
	data, err := encodeClear(streamID)
	if err != nil {
		return fmt.Errorf("encode clear command: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() || c.sendClosed.Load() {
		return ErrClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write clear command: %w", err)
	}
	return nil
}

// CloseSend stops outbound playback commands without touching the socket.
// Reads keep flowing so acknowledgments already in flight can still land;
// later sends fail with ErrClosed.
func (c *Channel) CloseSend() {
	c.sendClosed.Store(true)
}

// KeepAlive pings the peer on the given interval so long silences do not
// look like a dead connection to intermediaries. The loop stops when the
// channel shuts down. A non-positive interval disables it.
func (c *Channel) KeepAlive(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
			}
			c.writeMu.Lock()
			if c.closed.Load() {
				c.writeMu.Unlock()
				return
			}
			_ = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
			c.writeMu.Unlock()
		}
	}()
}

// Close half-closes with a normal-closure code and then closes the
// underlying connection. Safe to call more than once.
func (c *Channel) Close() error {
	c.shutdown(websocket.CloseNormalClosure, "")
	return nil
}

// CloseWithError half-closes with an internal-error code carrying a short
// diagnostic reason, then closes the connection. Safe to call more than once.
func (c *Channel) CloseWithError(reason string) error {
	c.shutdown(websocket.CloseInternalServerErr, reason)
	return nil
}

func (c *Channel) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stop)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(c.writeTimeout))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}
