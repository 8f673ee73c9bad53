package conversation

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeConn scripts inbound frames and records outbound writes.
type fakeConn struct {
	mu      sync.Mutex
	frames  [][]byte
	idx     int
	written [][]byte
	control []int
	closed  bool

	readErr error
	block   chan struct{}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	if f.idx < len(f.frames) {
		data := f.frames[f.idx]
		f.idx++
		f.mu.Unlock()
		return websocket.TextMessage, data, nil
	}
	block := f.block
	err := f.readErr
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err == nil {
		err = &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
	return 0, nil, err
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.control = append(f.control, messageType)
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	if f.block != nil {
		select {
		case <-f.block:
		default:
			close(f.block)
		}
	}
	return nil
}

func (f *fakeConn) writtenFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

func startChannel(conn Conn) *Channel {
	c := newChannel(conn, nil, time.Second)
	go c.readLoop()
	return c
}

func collectUpdates(t *testing.T, c *Channel) []Update {
	t.Helper()
	var updates []Update
	timeout := time.After(2 * time.Second)
	for {
		select {
		case update, ok := <-c.Updates():
			if !ok {
				return updates
			}
			updates = append(updates, update)
		case <-timeout:
			t.Fatal("timed out collecting updates")
		}
	}
}

func TestChannelUpdatesInOrder(t *testing.T) {
	conn := &fakeConn{frames: [][]byte{
		[]byte(`{"type":"session.started","sessionId":"sess-1"}`),
		[]byte(`{"type":"item.streaming_part.delta","itemId":"item-1","contentPartIndex":0,"audioBytes":""}`),
		[]byte(`{"type":"input_speech.started","audioStartTime":900}`),
		[]byte(`{"type":"input_speech.finished","audioEndTime":1400}`),
	}}
	c := startChannel(conn)

	updates := collectUpdates(t, c)
	if len(updates) != 4 {
		t.Fatalf("expected 4 updates, got %d", len(updates))
	}
	if _, ok := updates[0].(SessionStarted); !ok {
		t.Fatalf("update 0 = %T", updates[0])
	}
	if _, ok := updates[1].(AudioDelta); !ok {
		t.Fatalf("update 1 = %T", updates[1])
	}
	if _, ok := updates[2].(SpeechStarted); !ok {
		t.Fatalf("update 2 = %T", updates[2])
	}
	if _, ok := updates[3].(SpeechFinished); !ok {
		t.Fatalf("update 3 = %T", updates[3])
	}
	if err := c.Err(); err != nil {
		t.Fatalf("expected clean end, got %v", err)
	}
}

func TestChannelSkipsMalformedFrame(t *testing.T) {
	conn := &fakeConn{frames: [][]byte{
		[]byte(`{"type":"item.streaming_part.delta"}`),
		[]byte(`{"type":"session.started"}`),
	}}
	c := startChannel(conn)

	updates := collectUpdates(t, c)
	if len(updates) != 1 {
		t.Fatalf("expected malformed frame to be skipped, got %d updates", len(updates))
	}
	if _, ok := updates[0].(SessionStarted); !ok {
		t.Fatalf("update 0 = %T", updates[0])
	}
}

func TestChannelTransportFaultIsTerminal(t *testing.T) {
	conn := &fakeConn{
		frames:  [][]byte{[]byte(`{"type":"session.started"}`)},
		readErr: io.ErrUnexpectedEOF,
	}
	c := startChannel(conn)

	updates := collectUpdates(t, c)
	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(updates))
	}
	if err := c.Err(); err == nil {
		t.Fatal("expected terminal transport error")
	}
}

func TestConfigureWritesSessionThenPrompt(t *testing.T) {
	conn := &fakeConn{block: make(chan struct{})}
	c := newChannel(conn, nil, time.Second)
	defer c.Close()

	err := c.configure(Config{
		Voice:              "ash",
		AudioFormat:        "g711_ulaw",
		TranscriptionModel: "whisper-1",
		VADSilence:         500 * time.Millisecond,
		SystemPrompt:       "Wake the caller gently.",
	})
	if err != nil {
		t.Fatalf("configure: %v", err)
	}

	frames := conn.writtenFrames()
	if len(frames) != 2 {
		t.Fatalf("expected 2 outbound frames, got %d", len(frames))
	}
	var first, second struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frames[0], &first); err != nil || first.Type != "session.configure" {
		t.Fatalf("first frame = %s", frames[0])
	}
	if err := json.Unmarshal(frames[1], &second); err != nil || second.Type != "conversation.item.create" {
		t.Fatalf("second frame = %s", frames[1])
	}
}

func TestConfigureSkipsEmptyPrompt(t *testing.T) {
	conn := &fakeConn{block: make(chan struct{})}
	c := newChannel(conn, nil, time.Second)
	defer c.Close()

	if err := c.configure(Config{Voice: "ash", AudioFormat: "g711_ulaw", VADSilence: 500 * time.Millisecond}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if frames := conn.writtenFrames(); len(frames) != 1 {
		t.Fatalf("expected 1 outbound frame, got %d", len(frames))
	}
}

func TestSendAudioEncodesBase64(t *testing.T) {
	conn := &fakeConn{block: make(chan struct{})}
	c := newChannel(conn, nil, time.Second)
	defer c.Close()

	if err := c.SendAudio([]byte{0xaa, 0xbb}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	frames := conn.writtenFrames()
	if len(frames) != 1 {
		t.Fatalf("expected 1 outbound frame, got %d", len(frames))
	}
	var cmd inputAudioAppend
	if err := json.Unmarshal(frames[0], &cmd); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cmd.Type != "input_audio.append" || cmd.Audio != "qrs=" {
		t.Fatalf("cmd = %#v", cmd)
	}
}

func TestCloseSendStopsOutboundOnly(t *testing.T) {
	conn := &fakeConn{block: make(chan struct{})}
	c := startChannel(conn)
	defer c.Close()

	c.CloseSend()
	if err := c.SendAudio([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendAudio after CloseSend = %v", err)
	}
	if err := c.StartResponse(); !errors.Is(err, ErrClosed) {
		t.Fatalf("StartResponse after CloseSend = %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := &fakeConn{block: make(chan struct{})}
	c := startChannel(conn)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	conn.mu.Lock()
	controls := len(conn.control)
	conn.mu.Unlock()
	if controls != 1 {
		t.Fatalf("expected exactly 1 close control frame, got %d", controls)
	}

	if err := c.SendAudio(nil); err == nil {
		t.Fatal("expected send after close to fail")
	}
	if err := c.Err(); err != nil {
		t.Fatalf("expected clean end after Close, got %v", err)
	}
}
