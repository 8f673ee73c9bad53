// Package relay bridges a telephony media stream and a realtime AI
// conversation for the duration of one call, including barge-in handling.
package relay

import (
	"fmt"
	"sync"
	"time"
)

// activeResponse tracks the assistant utterance currently being streamed to
// the caller.
type activeResponse struct {
	itemID        string
	partIndex     int
	responseStart time.Duration
}

// Truncation describes how far into an assistant utterance the caller
// interrupted.
type Truncation struct {
	ItemID    string
	PartIndex int
	Played    time.Duration
}

// CallState is the mutable per-call relay state. All methods are safe for
// concurrent use; the pumps on both sides of the relay share one instance.
type CallState struct {
	mu sync.Mutex

	streamID      string
	playbackClock time.Duration

	active     *activeResponse
	pendingAck []string

	speechAnchor    time.Duration
	hasSpeechAnchor bool
}

func NewCallState() *CallState {
	return &CallState{}
}

// SetStreamID records the media stream identity. Write-once: a second call
// with a different value is rejected.
func (s *CallState) SetStreamID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamID != "" && s.streamID != id {
		return fmt.Errorf("stream id already set to %q", s.streamID)
	}
	s.streamID = id
	return nil
}

func (s *CallState) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

// AdvanceClock moves the playback clock to the given elapsed position.
// The clock never moves backwards; stale timestamps are ignored.
func (s *CallState) AdvanceClock(elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elapsed > s.playbackClock {
		s.playbackClock = elapsed
	}
}

func (s *CallState) PlaybackClock() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playbackClock
}

// SetSpeechAnchor records where on the shared timeline the caller stopped
// speaking. The next assistant response is anchored there instead of at the
// playback clock, which lags by however much audio is still buffered.
func (s *CallState) SetSpeechAnchor(offset time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speechAnchor = offset
	s.hasSpeechAnchor = true
}

// NoteDelta records one assistant audio delta. The first delta of a response
// pins the response start: at the pending speech anchor when one is set
// (consuming it), otherwise at the current playback clock. Later deltas
// advance the part index only within the same item.
func (s *CallState) NoteDelta(itemID string, partIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		start := s.playbackClock
		if s.hasSpeechAnchor {
			start = s.speechAnchor
			s.hasSpeechAnchor = false
		}
		s.active = &activeResponse{itemID: itemID, partIndex: partIndex, responseStart: start}
		return
	}
	if s.active.itemID == itemID && partIndex > s.active.partIndex {
		s.active.partIndex = partIndex
	}
}

// PushAck enqueues a playback correlation token after a chunk is sent to the
// caller.
func (s *CallState) PushAck(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingAck = append(s.pendingAck, token)
}

// PopAck dequeues the oldest pending token. A pop against an empty queue is
// a no-op; the surplus ack arrives after a barge-in reset and carries no
// information. Popping the last token means the utterance has fully played
// out, so the active response is cleared in the same step and the next delta
// starts a fresh one.
func (s *CallState) PopAck() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingAck) == 0 {
		return "", false
	}
	token := s.pendingAck[0]
	s.pendingAck = s.pendingAck[1:]
	if len(s.pendingAck) == 0 {
		s.active = nil
	}
	return token, true
}

func (s *CallState) PendingAcks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingAck)
}

// BargeIn resolves a caller interruption reported at the given timeline
// offset. It fires only when assistant audio is both in flight (pending
// acks) and attributed to a response; otherwise it reports false and leaves
// the state untouched. On success it returns how much of the utterance the
// caller heard and resets the response bookkeeping in one step: active
// response cleared, ack queue emptied.
func (s *CallState) BargeIn(offset time.Duration) (Truncation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingAck) == 0 || s.active == nil {
		return Truncation{}, false
	}
	played := offset - s.active.responseStart
	if played < 0 {
		played = 0
	}
	trunc := Truncation{
		ItemID:    s.active.itemID,
		PartIndex: s.active.partIndex,
		Played:    played,
	}
	s.active = nil
	s.pendingAck = nil
	return trunc, true
}

// ActiveItem reports the assistant item currently attributed to playback,
// if any.
func (s *CallState) ActiveItem() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return "", false
	}
	return s.active.itemID, true
}
