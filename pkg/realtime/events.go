package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EventKind is the closed set of server event categories the bridge reacts
// to. Anything else classifies as KindUnknown and is carried with its raw
// payload for callers that want it.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindSessionCreated
	KindSessionUpdated
	KindAudioDelta
	KindAudioDone
	KindTextDelta
	KindResponseCompleted
	KindResponseFailed
	KindError
)

// String returns the kind name for logging.
func (k EventKind) String() string {
	switch k {
	case KindSessionCreated:
		return "session_created"
	case KindSessionUpdated:
		return "session_updated"
	case KindAudioDelta:
		return "audio_delta"
	case KindAudioDone:
		return "audio_done"
	case KindTextDelta:
		return "text_delta"
	case KindResponseCompleted:
		return "response_completed"
	case KindResponseFailed:
		return "response_failed"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// ServerError is an error reported by the backend, either as a standalone
// error event or attached to a failed response.
type ServerError struct {
	Type    string
	Code    string
	Message string
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime: server error %s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("realtime: server error %s: %s", e.Type, e.Message)
}

// Event is a classified server event. Exactly the fields relevant to Kind
// are populated: Audio for KindAudioDelta, Text for KindTextDelta, Err for
// KindResponseFailed and KindError. Raw always carries the original payload.
type Event struct {
	Kind  EventKind
	Type  string
	Audio []byte
	Text  string
	Err   *ServerError
	Raw   json.RawMessage
}

// Classify parses a raw server event into an [Event]. Audio deltas are
// base64-decoded; a delta that fails to decode is reported as KindError so
// corrupt audio never reaches the playback path.
func Classify(raw json.RawMessage) Event {
	var envelope struct {
		Type  string `json:"type"`
		Delta string `json:"delta"`
		Error *struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Response *struct {
			Status       string `json:"status"`
			StatusDetail *struct {
				Type  string `json:"type"`
				Error *struct {
					Type    string `json:"type"`
					Code    string `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
			} `json:"status_details"`
		} `json:"response"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Event{Kind: KindUnknown, Raw: raw}
	}

	ev := Event{Type: envelope.Type, Raw: raw}
	switch envelope.Type {
	case "session.created":
		ev.Kind = KindSessionCreated
	case "session.updated":
		ev.Kind = KindSessionUpdated
	case "response.audio.delta":
		audio, err := base64.StdEncoding.DecodeString(envelope.Delta)
		if err != nil {
			ev.Kind = KindError
			ev.Err = &ServerError{Type: envelope.Type, Message: fmt.Sprintf("undecodable audio delta: %v", err)}
			return ev
		}
		ev.Kind = KindAudioDelta
		ev.Audio = audio
	case "response.audio.done":
		ev.Kind = KindAudioDone
	case "response.text.delta", "response.audio_transcript.delta":
		ev.Kind = KindTextDelta
		ev.Text = envelope.Delta
	case "response.completed", "response.done":
		// Some backend revisions report failure through the terminal
		// response event rather than a dedicated one.
		if envelope.Response != nil && envelope.Response.Status == "failed" {
			ev.Kind = KindResponseFailed
			ev.Err = &ServerError{Type: envelope.Type, Message: "response failed"}
			if d := envelope.Response.StatusDetail; d != nil && d.Error != nil {
				ev.Err.Code = d.Error.Code
				ev.Err.Message = d.Error.Message
			}
			return ev
		}
		ev.Kind = KindResponseCompleted
	case "response.failed":
		ev.Kind = KindResponseFailed
		ev.Err = &ServerError{Type: envelope.Type, Message: "response failed"}
		if envelope.Response != nil && envelope.Response.StatusDetail != nil && envelope.Response.StatusDetail.Error != nil {
			e := envelope.Response.StatusDetail.Error
			ev.Err.Code = e.Code
			ev.Err.Message = e.Message
		}
	case "error":
		ev.Kind = KindError
		ev.Err = &ServerError{Type: "error", Message: "unspecified server error"}
		if envelope.Error != nil {
			ev.Err = &ServerError{Type: envelope.Error.Type, Code: envelope.Error.Code, Message: envelope.Error.Message}
		}
	default:
		ev.Kind = KindUnknown
	}
	return ev
}
