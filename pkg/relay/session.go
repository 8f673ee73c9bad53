package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gawyli/wakecall/pkg/conversation"
	"github.com/gawyli/wakecall/pkg/telephony"
)

// Telephony is the caller-facing side of the relay.
type Telephony interface {
	Events() <-chan telephony.Event
	SendAudio(streamID string, payload []byte) (string, error)
	SendClear(streamID string) error
	CloseSend()
	Close() error
	CloseWithError(reason string) error
	Err() error
}

// Conversation is the AI-facing side of the relay.
type Conversation interface {
	Updates() <-chan conversation.Update
	SendAudio(audio []byte) error
	TruncateItem(itemID string, partIndex int, played time.Duration) error
	StartResponse() error
	CloseSend()
	Close() error
	CloseWithError(reason string) error
	Err() error
}

type peer interface {
	Close() error
	CloseWithError(reason string) error
}

type Config struct {
	// CallTimeLimit is the hard ceiling on call duration.
	CallTimeLimit time.Duration
	// GracePeriod is how long the surviving side may drain after the other
	// side ends cleanly.
	GracePeriod time.Duration
}

const (
	defaultCallTimeLimit = 30 * time.Minute
	defaultGracePeriod   = 5 * time.Second
)

// Session relays one call between a telephony media stream and an AI
// conversation. Run drives both directions until either side ends, the call
// time limit fires, or the context is cancelled.
type Session struct {
	id     string
	cfg    Config
	logger *slog.Logger

	tel   Telephony
	conv  Conversation
	state *CallState

	startOnce sync.Once

	errMu sync.Mutex
	err   error
}

func New(id string, tel Telephony, conv Conversation, cfg Config, logger *slog.Logger) *Session {
	if cfg.CallTimeLimit <= 0 {
		cfg.CallTimeLimit = defaultCallTimeLimit
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:     id,
		cfg:    cfg,
		logger: logger.With("call_id", id),
		tel:    tel,
		conv:   conv,
		state:  NewCallState(),
	}
}

// State exposes the relay bookkeeping, mainly for status reporting.
func (s *Session) State() *CallState { return s.state }

// Run relays until the call ends. It returns nil on a clean end (caller
// hang-up, time limit, or context cancellation) and the underlying fault
// otherwise. Both channels are closed by the time Run returns.
func (s *Session) Run(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeLimit)
	defer cancel()

	telDone := make(chan struct{})
	convDone := make(chan struct{})
	go s.pumpTelephony(telDone)
	go s.pumpConversation(convDone)

	select {
	case <-runCtx.Done():
		if ctx.Err() == nil {
			s.logger.Info("call time limit reached")
		}
		s.tel.Close()
		s.conv.Close()
	case <-telDone:
		s.noteErr(s.tel.Err())
		s.drainPeer(runCtx, convDone, s.conv)
		s.noteErr(s.conv.Err())
	case <-convDone:
		s.noteErr(s.conv.Err())
		s.drainPeer(runCtx, telDone, s.tel)
		s.noteErr(s.tel.Err())
	}

	if s.terminalErr() != nil {
		s.tel.CloseWithError("relay fault")
		s.conv.CloseWithError("relay fault")
	} else {
		s.tel.Close()
		s.conv.Close()
	}
	<-telDone
	<-convDone
	s.noteErr(s.tel.Err())
	s.noteErr(s.conv.Err())

	err := s.terminalErr()
	if err != nil {
		s.logger.Error("call ended with fault", "error", err)
		return err
	}
	s.logger.Info("call ended")
	return nil
}

// drainPeer gives the surviving side a grace window to finish on its own
// after a clean end, or tears it down immediately after a fault. Both sides
// are half-closed first so only in-flight work lands during the window.
func (s *Session) drainPeer(ctx context.Context, peerDone <-chan struct{}, p peer) {
	if s.terminalErr() != nil {
		p.CloseWithError("relay fault")
		<-peerDone
		return
	}
	s.tel.CloseSend()
	s.conv.CloseSend()
	select {
	case <-peerDone:
	case <-time.After(s.cfg.GracePeriod):
		p.Close()
		<-peerDone
	case <-ctx.Done():
		p.Close()
		<-peerDone
	}
}

func (s *Session) pumpTelephony(done chan struct{}) {
	defer close(done)
	for event := range s.tel.Events() {
		switch e := event.(type) {
		case telephony.Started:
			if err := s.state.SetStreamID(e.StreamID); err != nil {
				s.logger.Warn("ignoring duplicate stream start", "error", err)
				continue
			}
			s.logger.Info("media stream started", "stream_id", e.StreamID)
		case telephony.Audio:
			s.state.AdvanceClock(e.Elapsed)
			if err := s.conv.SendAudio(e.Payload); err != nil {
				// Shutting our own side down keeps Err() from blocking on
				// a read loop this pump is abandoning.
				if errors.Is(err, conversation.ErrClosed) {
					s.tel.Close()
					return
				}
				s.noteErr(fmt.Errorf("forward caller audio: %w", err))
				s.tel.CloseWithError("relay fault")
				return
			}
		case telephony.PlaybackAck:
			s.state.PopAck()
		case telephony.Stopped:
			s.logger.Info("media stream stopped")
			return
		}
	}
}

func (s *Session) pumpConversation(done chan struct{}) {
	defer close(done)
	for update := range s.conv.Updates() {
		switch u := update.(type) {
		case conversation.SessionStarted:
			s.logger.Info("conversation started", "session_id", u.SessionID)
			s.startOnce.Do(func() {
				if err := s.conv.StartResponse(); err != nil {
					s.logger.Warn("could not request opening response", "error", err)
				}
			})
		case conversation.AudioDelta:
			streamID := s.state.StreamID()
			if streamID == "" {
				s.logger.Warn("dropping assistant audio before media stream start", "item_id", u.ItemID)
				continue
			}
			s.state.NoteDelta(u.ItemID, u.PartIndex)
			token, err := s.tel.SendAudio(streamID, u.Audio)
			if err != nil {
				if errors.Is(err, telephony.ErrClosed) {
					s.conv.Close()
					return
				}
				s.noteErr(fmt.Errorf("forward assistant audio: %w", err))
				s.conv.CloseWithError("relay fault")
				return
			}
			s.state.PushAck(token)
		case conversation.SpeechStarted:
			trunc, ok := s.state.BargeIn(u.Offset)
			if !ok {
				continue
			}
			s.logger.Info("caller barge-in",
				"item_id", trunc.ItemID,
				"played", trunc.Played)
			if err := s.conv.TruncateItem(trunc.ItemID, trunc.PartIndex, trunc.Played); err != nil {
				s.logger.Warn("could not truncate assistant item", "error", err)
			}
			if streamID := s.state.StreamID(); streamID != "" {
				if err := s.tel.SendClear(streamID); err != nil {
					s.logger.Warn("could not clear caller playback", "error", err)
				}
			}
		case conversation.SpeechFinished:
			s.state.SetSpeechAnchor(u.Offset)
		case conversation.TranscriptFinished:
			s.logger.Info("caller said", "transcript", u.Text)
		case conversation.ErrorUpdate:
			s.noteErr(fmt.Errorf("conversation error: %s", u.Message))
			s.conv.CloseWithError("conversation error")
			return
		}
	}
}

func (s *Session) noteErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Session) terminalErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}
