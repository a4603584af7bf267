package realtime

import (
	"context"
	"encoding/base64"
	"sync"
)

// Sender is the outbound half of a realtime connection. *Client implements
// it; tests substitute fakes.
type Sender interface {
	SendJSON(ctx context.Context, v any) error
}

var _ Sender = (*Client)(nil)

// TurnDetection names the backend's turn-taking modes.
type TurnDetection string

const (
	// TurnDetectionManual disables backend voice activity detection; the
	// bridge commits audio and requests responses explicitly.
	TurnDetectionManual TurnDetection = "manual"

	// TurnDetectionServerVAD lets the backend segment turns by silence.
	TurnDetectionServerVAD TurnDetection = "server_vad"

	// TurnDetectionSemantic lets the backend segment turns by meaning.
	TurnDetectionSemantic TurnDetection = "semantic_vad"
)

// SessionOptions are the negotiable parameters of a backend session.
type SessionOptions struct {
	Model         string
	Voice         string
	Instructions  string
	Modalities    []string
	TurnDetection TurnDetection
}

// OptionsPatch updates a subset of session options. Nil fields are left
// unchanged.
type OptionsPatch struct {
	Voice         *string
	Instructions  *string
	Modalities    []string
	TurnDetection *TurnDetection
}

// SessionController tracks the desired session options and renders them into
// session.update messages. Safe for concurrent use.
type SessionController struct {
	mu   sync.Mutex
	opts SessionOptions
}

// NewSessionController creates a controller with the given initial options.
// Empty Modalities default to audio and text.
func NewSessionController(opts SessionOptions) *SessionController {
	if len(opts.Modalities) == 0 {
		opts.Modalities = []string{"audio", "text"}
	}
	if opts.TurnDetection == "" {
		opts.TurnDetection = TurnDetectionManual
	}
	return &SessionController{opts: opts}
}

// Options returns a copy of the current options.
func (s *SessionController) Options() SessionOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	opts := s.opts
	opts.Modalities = append([]string(nil), s.opts.Modalities...)
	return opts
}

// UpdateOptions merges patch into the stored options. It does not send
// anything; call SendSessionConfig to apply the result on the wire.
func (s *SessionController) UpdateOptions(patch OptionsPatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if patch.Voice != nil {
		s.opts.Voice = *patch.Voice
	}
	if patch.Instructions != nil {
		s.opts.Instructions = *patch.Instructions
	}
	if patch.Modalities != nil {
		s.opts.Modalities = append([]string(nil), patch.Modalities...)
	}
	if patch.TurnDetection != nil {
		s.opts.TurnDetection = *patch.TurnDetection
	}
}

// turnDetectionPayload marshals as a JSON null for manual mode, which is how
// the wire protocol disables backend VAD.
type turnDetectionPayload struct {
	Type TurnDetection `json:"type"`
}

type sessionPayload struct {
	Modalities        []string              `json:"modalities"`
	Voice             string                `json:"voice,omitempty"`
	Instructions      string                `json:"instructions,omitempty"`
	InputAudioFormat  string                `json:"input_audio_format"`
	OutputAudioFormat string                `json:"output_audio_format"`
	TurnDetection     *turnDetectionPayload `json:"turn_detection"`
}

// SendSessionConfig renders the current options into a session.update
// message and sends it. Audio in both directions is raw pcm16.
func (s *SessionController) SendSessionConfig(ctx context.Context, sender Sender) error {
	s.mu.Lock()
	opts := s.opts
	modalities := append([]string(nil), s.opts.Modalities...)
	s.mu.Unlock()

	payload := sessionPayload{
		Modalities:        modalities,
		Voice:             opts.Voice,
		Instructions:      opts.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if opts.TurnDetection != TurnDetectionManual {
		payload.TurnDetection = &turnDetectionPayload{Type: opts.TurnDetection}
	}
	return sender.SendJSON(ctx, struct {
		Type    string         `json:"type"`
		Session sessionPayload `json:"session"`
	}{Type: "session.update", Session: payload})
}

// EnableVAD switches the session to backend turn detection and pushes the
// updated configuration.
func (s *SessionController) EnableVAD(ctx context.Context, sender Sender, mode TurnDetection) error {
	s.mu.Lock()
	s.opts.TurnDetection = mode
	s.mu.Unlock()
	return s.SendSessionConfig(ctx, sender)
}

// CreateResponse asks the backend to generate a response from the committed
// audio buffer.
func (s *SessionController) CreateResponse(ctx context.Context, sender Sender) error {
	return sender.SendJSON(ctx, struct {
		Type string `json:"type"`
	}{Type: "response.create"})
}

// CancelResponse aborts the in-flight response, if any.
func (s *SessionController) CancelResponse(ctx context.Context, sender Sender) error {
	return sender.SendJSON(ctx, struct {
		Type string `json:"type"`
	}{Type: "response.cancel"})
}

// AppendAudio streams a chunk of little-endian pcm16 into the backend's
// input buffer.
func AppendAudio(ctx context.Context, sender Sender, pcm []byte) error {
	return sender.SendJSON(ctx, struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}{Type: "input_audio_buffer.append", Audio: base64.StdEncoding.EncodeToString(pcm)})
}

// CommitAudio finalizes the input buffer as one user turn.
func CommitAudio(ctx context.Context, sender Sender) error {
	return sender.SendJSON(ctx, struct {
		Type string `json:"type"`
	}{Type: "input_audio_buffer.commit"})
}

// ClearAudio discards any uncommitted input audio.
func ClearAudio(ctx context.Context, sender Sender) error {
	return sender.SendJSON(ctx, struct {
		Type string `json:"type"`
	}{Type: "input_audio_buffer.clear"})
}

// CreateConversationItem injects a text item into the conversation, used to
// attribute upcoming audio to a named speaker.
func CreateConversationItem(ctx context.Context, sender Sender, role, text string) error {
	type contentPart struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	item := struct {
		Type    string        `json:"type"`
		Role    string        `json:"role"`
		Content []contentPart `json:"content"`
	}{
		Type:    "message",
		Role:    role,
		Content: []contentPart{{Type: "input_text", Text: text}},
	}
	return sender.SendJSON(ctx, struct {
		Type string `json:"type"`
		Item any    `json:"item"`
	}{Type: "conversation.item.create", Item: item})
}
