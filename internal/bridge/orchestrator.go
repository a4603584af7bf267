// Package bridge wires the per-conversation pieces together: capture chunks
// are forwarded to the backend, speaker silence commits the turn and
// requests a response, and synthesized audio flows back into playback. All
// backend interaction for one conversation runs on a single worker goroutine
// fed by a bounded task queue, so sends never interleave.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/internal/capture"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/pkg/realtime"
	"github.com/google/uuid"
)

// defaultQueueDepth bounds the per-conversation task queue. At one chunk per
// 20 ms this is several seconds of backlog; beyond that the oldest audio is
// stale anyway and gets dropped.
const defaultQueueDepth = 256

// OrchestratorConfig configures an [Orchestrator].
type OrchestratorConfig struct {
	// QueueDepth bounds each conversation's task queue. Defaults to 256.
	QueueDepth int

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Metrics defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// Orchestrator owns all bridged conversations. Safe for concurrent use.
type Orchestrator struct {
	cfg     OrchestratorConfig
	log     *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*session
}

// NewOrchestrator creates an empty Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Orchestrator{
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		sessions: make(map[string]*session),
	}
}

// AddSession registers a conversation and starts bridging it. An existing
// session with the same conversation ID is torn down first, so AddSession
// doubles as replace.
func (o *Orchestrator) AddSession(cfg SessionConfig) error {
	if cfg.ConversationID == "" {
		return errors.New("bridge: conversation ID required")
	}
	if cfg.Transport == nil || cfg.Control == nil || cfg.Router == nil || cfg.Capture == nil || cfg.Player == nil {
		return fmt.Errorf("bridge: incomplete session config for %s", cfg.ConversationID)
	}

	o.RemoveSession(cfg.ConversationID)

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		SessionConfig: cfg,
		UID:           uuid.New(),
		tasks:         make(chan task, o.cfg.QueueDepth),
		ctx:           ctx,
		cancel:        cancel,
		participants:  make(map[string]string),
	}

	s.removeChunk = cfg.Capture.OnChunk(func(chunk capture.Chunk) {
		o.enqueue(s, task{kind: "forward", run: func(ctx context.Context) error {
			return o.forwardChunk(ctx, s, chunk)
		}})
	})
	s.removeSilence = cfg.Capture.OnSilence(func(silence capture.Silence) {
		o.enqueue(s, task{kind: "flush", run: func(ctx context.Context) error {
			return o.flushTurn(ctx, s, silence.SpeakerID)
		}})
	})
	s.removeAudio = cfg.Router.OnAudioDelta(func(pcm []byte) {
		if err := cfg.Player.Write(pcm); err != nil {
			o.log.Warn("bridge: playback write failed", "conversation", cfg.ConversationID, "error", err)
			return
		}
		o.metrics.PlaybackBytes.Add(context.Background(), int64(len(pcm)))
	})

	s.wg.Add(1)
	go o.worker(s)

	o.mu.Lock()
	o.sessions[cfg.ConversationID] = s
	o.mu.Unlock()

	o.metrics.ActiveConversations.Add(context.Background(), 1)
	o.log.Info("bridge: session added", "conversation", cfg.ConversationID, "uid", s.UID)
	return nil
}

// RemoveSession tears a conversation down: listeners detach, the worker
// drains out, then capture, playback and transport close in that order.
// Removing an unknown conversation is a no-op.
func (o *Orchestrator) RemoveSession(conversationID string) {
	o.mu.Lock()
	s, ok := o.sessions[conversationID]
	if ok {
		delete(o.sessions, conversationID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	s.removeChunk()
	s.removeSilence()
	s.removeAudio()

	s.cancel()
	s.wg.Wait()

	s.Capture.Close()
	s.Player.Close()
	if err := s.Transport.Close(); err != nil {
		o.log.Warn("bridge: transport close failed", "conversation", conversationID, "error", err)
	}

	o.metrics.ActiveConversations.Add(context.Background(), -1)
	o.metrics.ActiveSpeakers.Add(context.Background(), int64(-s.participantCount()))
	o.log.Info("bridge: session removed", "conversation", conversationID, "uid", s.UID)
}

// UpdateParticipantLabel records or changes the display name used when
// attributing a speaker's audio to the backend.
func (o *Orchestrator) UpdateParticipantLabel(conversationID, speakerID, label string) {
	s := o.session(conversationID)
	if s == nil {
		return
	}
	if s.setLabel(speakerID, label) {
		o.metrics.ActiveSpeakers.Add(context.Background(), 1)
	}
}

// RemoveParticipant forgets a speaker's label, e.g. when they leave the
// channel.
func (o *Orchestrator) RemoveParticipant(conversationID, speakerID string) {
	s := o.session(conversationID)
	if s == nil {
		return
	}
	if s.removeLabel(speakerID) {
		o.metrics.ActiveSpeakers.Add(context.Background(), -1)
	}
}

// ConversationIDs lists the currently bridged conversations.
func (o *Orchestrator) ConversationIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown removes every session.
func (o *Orchestrator) Shutdown() {
	for _, id := range o.ConversationIDs() {
		o.RemoveSession(id)
	}
}

func (o *Orchestrator) session(conversationID string) *session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[conversationID]
}

// enqueue adds t to the session queue, evicting the oldest task when full.
// Stale audio is worth less than fresh audio.
func (o *Orchestrator) enqueue(s *session, t task) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}

	for {
		select {
		case s.tasks <- t:
			return
		default:
		}
		select {
		case dropped := <-s.tasks:
			o.log.Warn("bridge: task queue full, dropping oldest",
				"conversation", s.ConversationID, "dropped", dropped.kind)
		default:
		}
	}
}

// worker executes the session's tasks one at a time until the session is
// removed. A failing task is logged and counted; the conversation keeps
// going.
func (o *Orchestrator) worker(s *session) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case t := <-s.tasks:
			if err := t.run(s.ctx); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				o.log.Warn("bridge: task failed",
					"conversation", s.ConversationID, "task", t.kind, "error", err)
				o.metrics.RecordTaskError(s.ctx, t.kind)
			}
		}
	}
}

// forwardChunk streams one capture chunk into the backend input buffer.
func (o *Orchestrator) forwardChunk(ctx context.Context, s *session, chunk capture.Chunk) error {
	if err := realtime.AppendAudio(ctx, s.Transport, chunk.PCM); err != nil {
		return err
	}
	o.metrics.RecordForwardedChunk(ctx, s.ConversationID, len(chunk.PCM))
	return nil
}

// flushTurn commits the input buffer when a speaker goes silent and, unless
// a response is already pending, attributes the turn and requests one.
func (o *Orchestrator) flushTurn(ctx context.Context, s *session, speakerID string) error {
	if err := realtime.CommitAudio(ctx, s.Transport); err != nil {
		return err
	}

	if !s.beginResponse(time.Now()) {
		o.log.Debug("bridge: response already pending, commit only",
			"conversation", s.ConversationID, "speaker", speakerID)
		return nil
	}
	settled := s.Router.NotifyResponseSettled()

	if label := s.label(speakerID); label != s.lastAttributed {
		msg := fmt.Sprintf("The audio that follows is spoken by %s.", label)
		if err := realtime.CreateConversationItem(ctx, s.Transport, "system", msg); err != nil {
			s.endResponse()
			return err
		}
		s.lastAttributed = label
	}

	if err := s.Control.CreateResponse(ctx, s.Transport); err != nil {
		s.endResponse()
		return err
	}

	go o.watchResponse(s, settled)
	return nil
}

// watchResponse waits for the in-flight response to settle and records its
// latency.
func (o *Orchestrator) watchResponse(s *session, settled <-chan error) {
	var err error
	select {
	case err = <-settled:
	case <-s.ctx.Done():
		s.endResponse()
		return
	}
	since, ok := s.endResponse()
	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		o.log.Warn("bridge: response failed", "conversation", s.ConversationID, "error", err)
		o.metrics.RecordTaskError(s.ctx, "response")
		return
	}
	if ok {
		o.metrics.ResponseLatency.Record(s.ctx, time.Since(since).Seconds())
	}
}
