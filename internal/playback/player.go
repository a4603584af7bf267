// Package playback converts backend PCM into gateway Opus frames: upsample,
// widen to the gateway channel count, slice into fixed-size frames with
// residual buffering, and encode.
package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// Encoder encodes exactly one PCM16 frame into an Opus packet.
type Encoder interface {
	Encode(pcm []byte) ([]byte, error)
}

// frameQueueSize buffers encoded frames between Write and the sender
// goroutine. Backend audio arrives in bursts far faster than the 20 ms per
// frame the gateway consumes, so this must hold many seconds of speech.
const frameQueueSize = 1024

// Config configures a [Player].
type Config struct {
	// SourceRate is the backend sample rate of audio passed to Write.
	SourceRate int

	// TargetFormat is the gateway audio format, typically 48 kHz stereo.
	TargetFormat audio.Format

	// FrameDuration is the gateway Opus frame length. Defaults to 20 ms.
	FrameDuration time.Duration

	// NewEncoder constructs the frame encoder. Tests substitute fakes.
	NewEncoder func(channels int) (Encoder, error)

	// Out receives encoded Opus frames in order. The Player blocks its
	// sender goroutine, never Write, when Out is full.
	Out chan<- []byte

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Player streams backend PCM to a gateway Opus sink. Write never blocks on
// the gateway pace; frames queue internally and a dedicated goroutine feeds
// Out. Write and the query methods are safe for concurrent use.
type Player struct {
	cfg        Config
	log        *slog.Logger
	frameBytes int

	mu        sync.Mutex
	resampler *audio.StreamResampler
	encoder   Encoder
	residual  []byte
	closed    bool

	frames     chan []byte
	done       chan struct{}
	senderDone chan struct{}
	closeOnce  sync.Once
}

// New creates a Player and starts its sender goroutine.
func New(cfg Config) (*Player, error) {
	if cfg.FrameDuration == 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	enc, err := cfg.NewEncoder(cfg.TargetFormat.Channels)
	if err != nil {
		return nil, fmt.Errorf("playback: create encoder: %w", err)
	}

	samplesPerFrame := cfg.TargetFormat.SampleRate * int(cfg.FrameDuration.Milliseconds()) / 1000
	p := &Player{
		cfg:        cfg,
		log:        cfg.Logger,
		frameBytes: samplesPerFrame * cfg.TargetFormat.Channels * 2,
		resampler:  audio.NewStreamResampler(cfg.SourceRate, cfg.TargetFormat.SampleRate),
		encoder:    enc,
		frames:     make(chan []byte, frameQueueSize),
		done:       make(chan struct{}),
		senderDone: make(chan struct{}),
	}
	go p.sendLoop()
	return p, nil
}

// Write resamples pcm, splits it into whole frames and queues each encoded
// frame for transmission. Sub-frame audio is held until later writes
// complete the frame.
func (p *Player) Write(pcm []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("playback: player closed")
	}

	upsampled := p.resampler.Push(pcm)
	if p.cfg.TargetFormat.Channels == 2 {
		upsampled = audio.MonoToStereo(upsampled)
	}
	p.residual = append(p.residual, upsampled...)

	for len(p.residual) >= p.frameBytes {
		frame := make([]byte, p.frameBytes)
		copy(frame, p.residual[:p.frameBytes])
		p.residual = p.residual[p.frameBytes:]

		encoded, err := p.encoder.Encode(frame)
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("playback: encode frame: %w", err)
		}
		select {
		case p.frames <- encoded:
		default:
			p.log.Warn("playback: frame queue full, dropping frame")
		}
	}
	p.mu.Unlock()
	return nil
}

// PendingBytes reports buffered output bytes not yet framed, plus input
// still held by the resampler.
func (p *Player) PendingBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.residual) + p.resampler.PendingBytes()
}

// Idle reports whether all written audio has been framed and handed to the
// sender queue is empty.
func (p *Player) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.residual) == 0 && len(p.frames) == 0
}

// Close stops the sender goroutine. Residual audio shorter than one frame
// and frames still queued for transmission are discarded. Safe to call more
// than once.
func (p *Player) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		dropped := len(p.residual) + p.resampler.PendingBytes()
		p.residual = nil
		p.mu.Unlock()

		if dropped > 0 {
			p.log.Debug("playback: discarding sub-frame residual", "bytes", dropped)
		}
		close(p.done)
		<-p.senderDone
	})
}

// sendLoop feeds queued frames to the output channel at whatever pace the
// gateway consumes them.
func (p *Player) sendLoop() {
	defer close(p.senderDone)
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.frames:
			select {
			case p.cfg.Out <- frame:
			case <-p.done:
				return
			}
		}
	}
}
