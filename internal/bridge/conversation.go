package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/internal/capture"
	"github.com/MrWong99/voxbridge/internal/playback"
	"github.com/MrWong99/voxbridge/pkg/realtime"
	"github.com/google/uuid"
)

// Transport is the backend connection surface the bridge needs.
// *realtime.Client implements it; tests substitute fakes.
type Transport interface {
	SendJSON(ctx context.Context, v any) error
	Close() error
}

var _ Transport = (*realtime.Client)(nil)

// CapturePipeline is the inbound audio surface of a conversation.
// *capture.Pipeline implements it.
type CapturePipeline interface {
	OnChunk(cb func(capture.Chunk)) (remove func())
	OnSilence(cb func(capture.Silence)) (remove func())
	Close()
}

var _ CapturePipeline = (*capture.Pipeline)(nil)

// AudioPlayer is the outbound audio surface of a conversation.
// *playback.Player implements it.
type AudioPlayer interface {
	Write(pcm []byte) error
	Close()
}

var _ AudioPlayer = (*playback.Player)(nil)

// SessionConfig bundles the per-conversation components handed to
// [Orchestrator.AddSession].
type SessionConfig struct {
	// ConversationID identifies the voice channel, e.g. "guildID:channelID".
	ConversationID string

	Transport Transport
	Control   *realtime.SessionController
	Router    *realtime.Router
	Capture   CapturePipeline
	Player    AudioPlayer
}

// task is one unit of serialized per-conversation work.
type task struct {
	kind string
	run  func(ctx context.Context) error
}

// session is the orchestrator's per-conversation state. All task execution
// happens on the single worker goroutine; the mutable fields below are only
// touched there or before the worker starts.
type session struct {
	SessionConfig

	// UID disambiguates successive sessions for the same conversation.
	UID uuid.UUID

	tasks  chan task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	removeChunk   func()
	removeSilence func()
	removeAudio   func()

	participantMu sync.Mutex
	participants  map[string]string

	// stateMu guards the response bookkeeping shared between the worker and
	// the completion watcher.
	stateMu         sync.Mutex
	pendingResponse bool
	pendingSince    time.Time

	// lastAttributed is only touched on the worker goroutine.
	lastAttributed string
}

// beginResponse marks a response as in flight. Returns false when one is
// already pending.
func (s *session) beginResponse(now time.Time) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.pendingResponse {
		return false
	}
	s.pendingResponse = true
	s.pendingSince = now
	return true
}

// endResponse clears the in-flight marker and returns when it was set.
func (s *session) endResponse() (since time.Time, ok bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if !s.pendingResponse {
		return time.Time{}, false
	}
	s.pendingResponse = false
	return s.pendingSince, true
}

// label returns the display label for a speaker, defaulting to the raw ID.
func (s *session) label(speakerID string) string {
	s.participantMu.Lock()
	defer s.participantMu.Unlock()
	if name, ok := s.participants[speakerID]; ok && name != "" {
		return name
	}
	return speakerID
}

func (s *session) setLabel(speakerID, name string) (isNew bool) {
	s.participantMu.Lock()
	defer s.participantMu.Unlock()
	_, known := s.participants[speakerID]
	s.participants[speakerID] = name
	return !known
}

func (s *session) removeLabel(speakerID string) (removed bool) {
	s.participantMu.Lock()
	defer s.participantMu.Unlock()
	_, known := s.participants[speakerID]
	delete(s.participants, speakerID)
	return known
}

func (s *session) participantCount() int {
	s.participantMu.Lock()
	defer s.participantMu.Unlock()
	return len(s.participants)
}
