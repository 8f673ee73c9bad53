package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the channel relies on.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ErrClosed is returned by sends attempted after the channel stopped
// accepting outbound work.
var ErrClosed = errors.New("conversation channel closed")

// Config carries what Connect needs to dial and prime an AI session.
type Config struct {
	URL                string
	APIKey             string
	Model              string
	Voice              string
	AudioFormat        string
	TranscriptionModel string
	VADSilence         time.Duration
	SystemPrompt       string
	ConnectTimeout     time.Duration
	WriteTimeout       time.Duration
}

// Channel is a live AI conversation session. Inbound updates arrive on
// Updates; outbound commands go through the Send*/Truncate/StartResponse
// methods, which are safe for concurrent use.
type Channel struct {
	conn         Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	updates chan Update
	stop    chan struct{}
	done    chan struct{}

	writeMu    sync.Mutex
	closeOnce  sync.Once
	closed     atomic.Bool
	sendClosed atomic.Bool

	errMu sync.Mutex
	err   error
}

// Connect dials the realtime AI endpoint, configures the session (voice,
// audio formats, server VAD, transcription) and injects the system prompt,
// then starts reading updates. The returned channel owns the connection.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Channel, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse AI realtime URL: %w", err)
	}
	q := u.Query()
	q.Set("model", cfg.Model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial AI realtime endpoint: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial AI realtime endpoint: %w", err)
	}

	c := newChannel(conn, logger, cfg.WriteTimeout)
	if err := c.configure(cfg); err != nil {
		c.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func newChannel(conn Conn, logger *slog.Logger, writeTimeout time.Duration) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Channel{
		conn:         conn,
		logger:       logger,
		writeTimeout: writeTimeout,
		updates:      make(chan Update, 64),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (c *Channel) configure(cfg Config) error {
	frame, err := encodeSessionConfigure(cfg.Voice, cfg.AudioFormat, cfg.TranscriptionModel, cfg.VADSilence)
	if err != nil {
		return fmt.Errorf("encode session configure: %w", err)
	}
	if err := c.write(frame); err != nil {
		return fmt.Errorf("configure AI session: %w", err)
	}
	if strings.TrimSpace(cfg.SystemPrompt) != "" {
		item, err := encodeSystemItem(cfg.SystemPrompt)
		if err != nil {
			return fmt.Errorf("encode system prompt item: %w", err)
		}
		if err := c.write(item); err != nil {
			return fmt.Errorf("inject system prompt: %w", err)
		}
	}
	return nil
}

// Updates returns the inbound update stream. It is closed when the
// conversation ends, for any reason.
func (c *Channel) Updates() <-chan Update { return c.updates }

// Done is closed once the read loop has exited.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err reports why the conversation ended. Nil means a clean close. It blocks
// until the read loop has exited.
func (c *Channel) Err() error {
	<-c.done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Channel) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Channel) readLoop() {
	defer close(c.done)
	defer close(c.updates)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || c.closed.Load() {
				return
			}
			c.setErr(fmt.Errorf("conversation read: %w", err))
			return
		}

		update, err := DecodeUpdate(data)
		if err != nil {
			c.logger.Warn("skipping malformed conversation frame", "error", err)
			continue
		}

		select {
		case c.updates <- update:
		case <-c.stop:
			return
		}
	}
}

// SendAudio forwards one chunk of caller audio to the AI.
func (c *Channel) SendAudio(audio []byte) error {
	frame, err := encodeInputAudio(audio)
	if err != nil {
		return fmt.Errorf("encode input audio: %w", err)
	}
	return c.write(frame)
}

// TruncateItem cuts assistant utterance itemID off at the played duration so
// the AI's transcript matches what the caller actually heard.
func (c *Channel) TruncateItem(itemID string, partIndex int, played time.Duration) error {
	frame, err := encodeItemTruncate(itemID, partIndex, played)
	if err != nil {
		return fmt.Errorf("encode item truncate: %w", err)
	}
	return c.write(frame)
}

// StartResponse asks the AI to speak first.
func (c *Channel) StartResponse() error {
	frame, err := encodeResponseStart()
	if err != nil {
		return fmt.Errorf("encode response start: %w", err)
	}
	return c.write(frame)
}

func (c *Channel) write(frame []byte) error {
	if c.closed.Load() || c.sendClosed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write conversation frame: %w", err)
	}
	return nil
}

// CloseSend stops outbound commands without touching the socket; updates
// keep flowing. Later sends fail with ErrClosed.
func (c *Channel) CloseSend() {
	c.sendClosed.Store(true)
}

// Close ends the conversation with a normal close handshake. Idempotent.
func (c *Channel) Close() error {
	return c.shutdown(websocket.CloseNormalClosure, "")
}

// CloseWithError ends the conversation, telling the peer why.
func (c *Channel) CloseWithError(reason string) error {
	return c.shutdown(websocket.CloseInternalServerErr, reason)
}

func (c *Channel) shutdown(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stop)
		deadline := time.Now().Add(c.writeTimeout)
		msg := websocket.FormatCloseMessage(code, reason)
		if werr := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); werr != nil {
			c.logger.Debug("conversation close frame not delivered", "error", werr)
		}
		err = c.conn.Close()
	})
	return err
}
