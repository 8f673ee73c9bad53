// Package conversation adapts the realtime AI wire protocol to typed updates
// and typed outbound commands, and owns the AI session lifecycle.
package conversation

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
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

func badUpdate(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_update", Message: message, Param: param}
}

// Update is one inbound AI session update. The set of variants is closed:
// SessionStarted, SpeechStarted, SpeechFinished, AudioDelta,
// TranscriptFinished, ErrorUpdate.
type Update interface {
	conversationUpdate() string
}

// SessionStarted signals the AI session is ready to converse.
type SessionStarted struct {
	SessionID string
}

func (SessionStarted) conversationUpdate() string { return "session.started" }

// SpeechStarted reports server-side voice-activity detection of the caller
// beginning to speak, at an offset on the AI's own timeline.
type SpeechStarted struct {
	Offset time.Duration
}

func (SpeechStarted) conversationUpdate() string { return "input_speech.started" }

// SpeechFinished reports the caller going silent, at an offset on the AI's
// own timeline.
type SpeechFinished struct {
	Offset time.Duration
}

func (SpeechFinished) conversationUpdate() string { return "input_speech.finished" }

// AudioDelta carries one chunk of assistant speech for an utterance item.
type AudioDelta struct {
	ItemID    string
	PartIndex int
	Audio     []byte
}

func (AudioDelta) conversationUpdate() string { return "item.streaming_part.delta" }

// TranscriptFinished carries the transcription of a completed caller
// utterance. Observability only.
type TranscriptFinished struct {
	Text string
}

func (TranscriptFinished) conversationUpdate() string { return "input_transcription.finished" }

// ErrorUpdate reports a conversation-level fault. Always fatal to the call.
type ErrorUpdate struct {
	Message string
}

func (ErrorUpdate) conversationUpdate() string { return "error" }

type inboundUpdate struct {
	Type             string `json:"type"`
	SessionID        string `json:"sessionId,omitempty"`
	AudioStartTimeMS *int64 `json:"audioStartTime,omitempty"`
	AudioEndTimeMS   *int64 `json:"audioEndTime,omitempty"`
	ItemID           string `json:"itemId,omitempty"`
	ContentPartIndex *int   `json:"contentPartIndex,omitempty"`
	AudioBytes       string `json:"audioBytes,omitempty"`
	Transcript       string `json:"transcript,omitempty"`
	Message          string `json:"message,omitempty"`
}

// DecodeUpdate parses one inbound JSON frame. A *DecodeError marks a
// malformed frame that should be skipped.
func DecodeUpdate(data []byte) (Update, error) {
	var raw inboundUpdate
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, badUpdate("invalid json frame", "")
	}
	switch strings.TrimSpace(raw.Type) {
	case "session.started":
		return SessionStarted{SessionID: raw.SessionID}, nil
	case "input_speech.started":
		if raw.AudioStartTimeMS == nil || *raw.AudioStartTimeMS < 0 {
			return nil, badUpdate("audioStartTime must be non-negative milliseconds", "audioStartTime")
		}
		return SpeechStarted{Offset: time.Duration(*raw.AudioStartTimeMS) * time.Millisecond}, nil
	case "input_speech.finished":
		if raw.AudioEndTimeMS == nil || *raw.AudioEndTimeMS < 0 {
			return nil, badUpdate("audioEndTime must be non-negative milliseconds", "audioEndTime")
		}
		return SpeechFinished{Offset: time.Duration(*raw.AudioEndTimeMS) * time.Millisecond}, nil
	case "item.streaming_part.delta":
		if strings.TrimSpace(raw.ItemID) == "" {
			return nil, badUpdate("itemId is required", "itemId")
		}
		if raw.ContentPartIndex == nil || *raw.ContentPartIndex < 0 {
			return nil, badUpdate("contentPartIndex must be >= 0", "contentPartIndex")
		}
		audio, err := base64.StdEncoding.DecodeString(raw.AudioBytes)
		if err != nil {
			return nil, badUpdate("audioBytes is not valid base64", "audioBytes")
		}
		return AudioDelta{ItemID: raw.ItemID, PartIndex: *raw.ContentPartIndex, Audio: audio}, nil
	case "input_transcription.finished":
		return TranscriptFinished{Text: raw.Transcript}, nil
	case "error":
		return ErrorUpdate{Message: raw.Message}, nil
	case "":
		return nil, badUpdate("missing update type", "type")
	default:
		return nil, badUpdate("unsupported update type", "type")
	}
}

type turnDetection struct {
	Type              string `json:"type"`
	SilenceDurationMS int64  `json:"silenceDurationMs"`
}

type inputTranscription struct {
	Model string `json:"model"`
}

type sessionConfigure struct {
	Type    string `json:"type"`
	Session struct {
		Voice              string              `json:"voice"`
		InputAudioFormat   string              `json:"inputAudioFormat"`
		OutputAudioFormat  string              `json:"outputAudioFormat"`
		TurnDetection      turnDetection       `json:"turnDetection"`
		InputTranscription *inputTranscription `json:"inputTranscription,omitempty"`
	} `json:"session"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []itemContent `json:"content"`
}

type itemCreate struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type responseStart struct {
	Type string `json:"type"`
}

type inputAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type itemTruncate struct {
	Type             string `json:"type"`
	ItemID           string `json:"itemId"`
	ContentPartIndex int    `json:"contentPartIndex"`
	AudioDurationMS  int64  `json:"audioDurationMs"`
}

func encodeSessionConfigure(voice, audioFormat, transcriptionModel string, vadSilence time.Duration) ([]byte, error) {
	cmd := sessionConfigure{Type: "session.configure"}
	cmd.Session.Voice = voice
	cmd.Session.InputAudioFormat = audioFormat
	cmd.Session.OutputAudioFormat = audioFormat
	cmd.Session.TurnDetection = turnDetection{
		Type:              "server_vad",
		SilenceDurationMS: vadSilence.Milliseconds(),
	}
	if strings.TrimSpace(transcriptionModel) != "" {
		cmd.Session.InputTranscription = &inputTranscription{Model: transcriptionModel}
	}
	return json.Marshal(cmd)
}

func encodeSystemItem(text string) ([]byte, error) {
	return json.Marshal(itemCreate{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "system",
			Content: []itemContent{{Type: "input_text", Text: text}},
		},
	})
}

func encodeResponseStart() ([]byte, error) {
	return json.Marshal(responseStart{Type: "response.start"})
}

func encodeInputAudio(audio []byte) ([]byte, error) {
	return json.Marshal(inputAudioAppend{
		Type:  "input_audio.append",
		Audio: base64.StdEncoding.EncodeToString(audio),
	})
}

func encodeItemTruncate(itemID string, partIndex int, played time.Duration) ([]byte, error) {
	return json.Marshal(itemTruncate{
		Type:             "conversation.item.truncate",
		ItemID:           itemID,
		ContentPartIndex: partIndex,
		AudioDurationMS:  played.Milliseconds(),
	})
}
