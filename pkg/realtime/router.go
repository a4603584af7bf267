package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
)

// routerEventBuffer bounds the classified event stream. The consumer is a
// log or UI tail, so dropping under pressure is acceptable.
const routerEventBuffer = 128

// Router classifies inbound server events, accumulates streamed audio and
// text deltas, and lets callers await response completion. One Router serves
// one connection; all methods are safe for concurrent use.
type Router struct {
	log *slog.Logger

	mu            sync.Mutex
	audio         []byte
	text          strings.Builder
	respWaiters   []chan error
	audioWaiters  []chan []byte
	audioHandlers map[int]func(pcm []byte)
	nextHandler   int

	events chan Event
}

// NewRouter creates a Router with no bound connection.
func NewRouter(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:           log,
		audioHandlers: make(map[int]func([]byte)),
		events:        make(chan Event, routerEventBuffer),
	}
}

// Bind subscribes the router to every event the client receives.
func (r *Router) Bind(c *Client) {
	c.OnMessage(func(_ string, raw json.RawMessage) {
		r.HandleRaw(raw)
	})
}

// HandleRaw classifies one raw server event and updates accumulation and
// waiter state. Exposed so transports other than [Client] can feed a Router.
func (r *Router) HandleRaw(raw json.RawMessage) {
	ev := Classify(raw)

	switch ev.Kind {
	case KindAudioDelta:
		r.mu.Lock()
		r.audio = append(r.audio, ev.Audio...)
		handlers := make([]func([]byte), 0, len(r.audioHandlers))
		for _, h := range r.audioHandlers {
			handlers = append(handlers, h)
		}
		r.mu.Unlock()
		for _, h := range handlers {
			h(ev.Audio)
		}

	case KindAudioDone:
		r.mu.Lock()
		collected := r.audio
		r.audio = nil
		waiters := r.audioWaiters
		r.audioWaiters = nil
		r.mu.Unlock()
		for _, w := range waiters {
			w <- collected
		}

	case KindTextDelta:
		r.mu.Lock()
		r.text.WriteString(ev.Text)
		r.mu.Unlock()

	case KindResponseCompleted:
		r.resolveResponse(nil)

	case KindResponseFailed:
		r.resolveResponse(ev.Err)

	case KindError:
		r.log.Warn("realtime: server error", "type", ev.Err.Type, "code", ev.Err.Code, "message", ev.Err.Message)
		r.resolveResponse(ev.Err)

	case KindUnknown:
		r.log.Debug("realtime: unhandled event", "type", ev.Type)
	}

	select {
	case r.events <- ev:
	default:
	}
}

// resolveResponse completes every pending WaitForResponseCompleted call.
// A nil err means success; a ServerError means the response failed.
func (r *Router) resolveResponse(err *ServerError) {
	r.mu.Lock()
	waiters := r.respWaiters
	r.respWaiters = nil
	r.mu.Unlock()
	for _, w := range waiters {
		if err != nil {
			w <- err
		} else {
			w <- nil
		}
	}
}

// NotifyResponseSettled registers interest in the next response settlement
// and returns a channel that receives exactly one value: nil on completion
// or the server error on failure. Register before requesting the response so
// a fast settlement cannot be missed.
func (r *Router) NotifyResponseSettled() <-chan error {
	ch := make(chan error, 1)
	r.mu.Lock()
	r.respWaiters = append(r.respWaiters, ch)
	r.mu.Unlock()
	return ch
}

// WaitForResponseCompleted blocks until the current response finishes. It
// returns nil on completion, the server error on failure, or ctx.Err when
// the context expires first.
func (r *Router) WaitForResponseCompleted(ctx context.Context) error {
	ch := r.NotifyResponseSettled()
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForAudioCollected blocks until the backend signals end of audio and
// returns all accumulated PCM for the response. The accumulator resets so
// the next response starts clean.
func (r *Router) WaitForAudioCollected(ctx context.Context) ([]byte, error) {
	ch := make(chan []byte, 1)
	r.mu.Lock()
	r.audioWaiters = append(r.audioWaiters, ch)
	r.mu.Unlock()

	select {
	case pcm := <-ch:
		return pcm, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnAudioDelta registers h to receive each decoded audio delta as it
// arrives, for streaming playback. Returns a removal function.
func (r *Router) OnAudioDelta(h func(pcm []byte)) (remove func()) {
	r.mu.Lock()
	id := r.nextHandler
	r.nextHandler++
	r.audioHandlers[id] = h
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.audioHandlers, id)
		r.mu.Unlock()
	}
}

// Events returns the stream of classified events. The channel is never
// closed; events are dropped when the consumer falls behind.
func (r *Router) Events() <-chan Event {
	return r.events
}

// Text returns the text transcript accumulated so far.
func (r *Router) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text.String()
}
