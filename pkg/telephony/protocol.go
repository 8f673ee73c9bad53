// Package telephony adapts the provider's media-stream wire protocol to typed
// events and commands. One JSON text frame per message, one stream per call.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

// Event is one inbound media-stream event. The set of variants is closed:
// Started, Audio, PlaybackAck, Stopped.
type Event interface {
	telephonyEvent() string
}

// Started is the first event of a stream and carries the provider-assigned
// stream identifier.
type Started struct {
	StreamID         string
	CustomParameters map[string]string
}

func (Started) telephonyEvent() string { return "start" }

// Audio carries one caller audio frame and the caller-side elapsed playback
// position at which it was captured.
type Audio struct {
	Payload []byte
	Elapsed time.Duration
}

func (Audio) telephonyEvent() string { return "media" }

// PlaybackAck confirms that a previously sent audio chunk reached the
// provider's playback queue. Name echoes the correlation token of the mark
// command that requested it.
type PlaybackAck struct {
	Name string
}

func (PlaybackAck) telephonyEvent() string { return "mark" }

// Stopped signals the provider ended the stream.
type Stopped struct{}

func (Stopped) telephonyEvent() string { return "stop" }

type startPayload struct {
	StreamSID        string            `json:"streamSid"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type mediaPayload struct {
	Payload   string `json:"payload"`
	Timestamp string `json:"timestamp"`
}

type markPayload struct {
	Name string `json:"name"`
}

type inboundFrame struct {
	Event string          `json:"event"`
	Start *startPayload   `json:"start,omitempty"`
	Media *mediaPayload   `json:"media,omitempty"`
	Mark  *markPayload    `json:"mark,omitempty"`
	Stop  json.RawMessage `json:"stop,omitempty"`
}

// DecodeEvent parses one inbound JSON frame. A *DecodeError marks a malformed
// frame that should be skipped; the stream itself stays healthy.
func DecodeEvent(data []byte) (Event, error) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	switch strings.TrimSpace(frame.Event) {
	case "start":
		if frame.Start == nil || strings.TrimSpace(frame.Start.StreamSID) == "" {
			return nil, badFrame("start.streamSid is required", "start.streamSid")
		}
		return Started{StreamID: frame.Start.StreamSID, CustomParameters: frame.Start.CustomParameters}, nil
	case "media":
		if frame.Media == nil {
			return nil, badFrame("media payload is required", "media")
		}
		audio, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
		if err != nil {
			return nil, badFrame("media.payload is not valid base64", "media.payload")
		}
		ms, err := strconv.ParseInt(strings.TrimSpace(frame.Media.Timestamp), 10, 64)
		if err != nil || ms < 0 {
			return nil, badFrame("media.timestamp must be non-negative integer milliseconds", "media.timestamp")
		}
		return Audio{Payload: audio, Elapsed: time.Duration(ms) * time.Millisecond}, nil
	case "mark":
		name := ""
		if frame.Mark != nil {
			name = strings.TrimSpace(frame.Mark.Name)
		}
		return PlaybackAck{Name: name}, nil
	case "stop":
		return Stopped{}, nil
	case "":
		return nil, badFrame("missing event type", "event")
	default:
		return nil, badFrame("unsupported event type", "event")
	}
}

type outboundMedia struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type outboundMark struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

func encodeMedia(streamID string, payload []byte) ([]byte, error) {
	cmd := outboundMedia{Event: "media", StreamSID: streamID}
	cmd.Media.Payload = base64.StdEncoding.EncodeToString(payload)
	return json.Marshal(cmd)
}

func encodeMark(streamID, name string) ([]byte, error) {
	cmd := outboundMark{Event: "mark", StreamSID: streamID}
	cmd.Mark.Name = name
	return json.Marshal(cmd)
}

func encodeClear(streamID string) ([]byte, error) {
	return json.Marshal(outboundClear{Event: "clear", StreamSID: streamID})
}
