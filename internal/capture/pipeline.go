// Package capture turns the per-speaker Opus streams of a voice channel into
// resampled PCM chunks ready for the backend: one decoder and one streaming
// resampler per active speaker, with a silence signal when a speaker stops.
package capture

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// Chunk is one span of mono PCM16 audio from a single speaker, already
// resampled to the backend rate.
type Chunk struct {
	ConversationID string
	SpeakerID      string
	PCM            []byte
}

// Silence signals that a speaker stopped talking. Any buffered tail audio is
// emitted as a final Chunk before the Silence.
type Silence struct {
	ConversationID string
	SpeakerID      string
}

// Receiver is the inbound surface of a voice connection.
// *discord.Connection implements it; tests substitute fakes.
type Receiver interface {
	OpusPackets() <-chan audio.OpusPacket
	OnSpeaking(cb func(audio.SpeakingUpdate)) (remove func())
}

// Decoder decodes one Opus packet to interleaved PCM16 bytes.
type Decoder interface {
	Decode(packet []byte) ([]byte, error)
}

// Config configures a capture [Pipeline].
type Config struct {
	// ConversationID tags every emitted chunk and silence.
	ConversationID string

	// SourceFormat is the gateway audio format, typically 48 kHz stereo.
	SourceFormat audio.Format

	// TargetRate is the backend sample rate the chunks are resampled to.
	TargetRate int

	// NewDecoder constructs a per-speaker decoder. Tests substitute fakes.
	NewDecoder func(channels int) (Decoder, error)

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// captureHandle is the per-speaker decode and resample state.
type captureHandle struct {
	decoder   Decoder
	resampler *audio.StreamResampler
}

// Pipeline consumes a [Receiver] and fans decoded chunks out to subscribers.
// Start may be called once; chunks for all speakers are emitted from a single
// goroutine so each subscriber observes a consistent order.
type Pipeline struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	started    bool
	closed     bool
	handles    map[uint32]*captureHandle
	users      map[uint32]string
	chunkSubs  map[int]func(Chunk)
	silentSubs map[int]func(Silence)
	nextSub    int

	stops       chan uint32
	removeSpeak func()
	done        chan struct{}
	loopDone    chan struct{}
	closeOnce   sync.Once
}

// New creates a Pipeline. Call Start to begin consuming a receiver.
func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		cfg:        cfg,
		log:        cfg.Logger,
		handles:    make(map[uint32]*captureHandle),
		users:      make(map[uint32]string),
		chunkSubs:  make(map[int]func(Chunk)),
		silentSubs: make(map[int]func(Silence)),
		stops:      make(chan uint32, 64),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
}

// OnChunk registers cb for decoded chunks and returns a removal function.
// Callbacks run on the pipeline goroutine and must not block.
func (p *Pipeline) OnChunk(cb func(Chunk)) (remove func()) {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.chunkSubs[id] = cb
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.chunkSubs, id)
		p.mu.Unlock()
	}
}

// OnSilence registers cb for speaker-stopped signals and returns a removal
// function.
func (p *Pipeline) OnSilence(cb func(Silence)) (remove func()) {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.silentSubs[id] = cb
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.silentSubs, id)
		p.mu.Unlock()
	}
}

// Start begins consuming recv. A second call is a logged no-op.
func (p *Pipeline) Start(recv Receiver) {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		p.log.Debug("capture: start ignored", "conversation", p.cfg.ConversationID, "started", p.started)
		return
	}
	p.started = true
	p.mu.Unlock()

	p.removeSpeak = recv.OnSpeaking(p.handleSpeaking)
	go p.run(recv.OpusPackets())
}

// handleSpeaking records the SSRC to user mapping on start and queues a stop
// marker on the pipeline goroutine so the silence signal orders after that
// speaker's remaining chunks.
func (p *Pipeline) handleSpeaking(su audio.SpeakingUpdate) {
	if su.Speaking {
		p.mu.Lock()
		p.users[su.SSRC] = su.UserID
		p.mu.Unlock()
		return
	}
	select {
	case p.stops <- su.SSRC:
	case <-p.done:
	}
}

// run is the single pipeline goroutine. Packets take priority over stop
// markers so a stop never overtakes audio already queued for its speaker.
func (p *Pipeline) run(packets <-chan audio.OpusPacket) {
	defer close(p.loopDone)

	for {
		select {
		case pkt, ok := <-packets:
			if !ok {
				p.finishAll()
				return
			}
			p.handlePacket(pkt)
			continue
		case <-p.done:
			p.finishAll()
			return
		default:
		}

		select {
		case pkt, ok := <-packets:
			if !ok {
				p.finishAll()
				return
			}
			p.handlePacket(pkt)
		case ssrc := <-p.stops:
			p.finishSpeaker(ssrc)
		case <-p.done:
			p.finishAll()
			return
		}
	}
}

// handlePacket decodes and resamples one packet, emitting the resulting
// chunk. A decode failure tears down that speaker's handle; the stream
// restarts cleanly on their next packet.
func (p *Pipeline) handlePacket(pkt audio.OpusPacket) {
	handle, err := p.handleFor(pkt.SSRC)
	if err != nil {
		p.log.Error("capture: create decoder", "ssrc", pkt.SSRC, "error", err)
		return
	}

	pcm, err := handle.decoder.Decode(pkt.Opus)
	if err != nil {
		p.log.Warn("capture: decode failed, resetting speaker stream", "ssrc", pkt.SSRC, "error", err)
		p.dropHandle(pkt.SSRC)
		p.emitSilence(pkt.SSRC)
		return
	}
	if p.cfg.SourceFormat.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	if out := handle.resampler.Push(pcm); len(out) > 0 {
		p.emitChunk(pkt.SSRC, out)
	}
}

// handleFor returns the speaker's handle, creating it on first packet.
func (p *Pipeline) handleFor(ssrc uint32) (*captureHandle, error) {
	p.mu.Lock()
	handle := p.handles[ssrc]
	p.mu.Unlock()
	if handle != nil {
		return handle, nil
	}

	dec, err := p.cfg.NewDecoder(p.cfg.SourceFormat.Channels)
	if err != nil {
		return nil, err
	}
	handle = &captureHandle{
		decoder:   dec,
		resampler: audio.NewStreamResampler(p.cfg.SourceFormat.SampleRate, p.cfg.TargetRate),
	}
	p.mu.Lock()
	p.handles[ssrc] = handle
	p.mu.Unlock()
	p.log.Debug("capture: new speaker stream", "conversation", p.cfg.ConversationID, "ssrc", ssrc)
	return handle, nil
}

func (p *Pipeline) dropHandle(ssrc uint32) {
	p.mu.Lock()
	delete(p.handles, ssrc)
	p.mu.Unlock()
}

// finishSpeaker flushes the speaker's resampler, emits any tail audio as a
// final chunk, then signals silence and releases the handle.
func (p *Pipeline) finishSpeaker(ssrc uint32) {
	p.mu.Lock()
	handle := p.handles[ssrc]
	delete(p.handles, ssrc)
	p.mu.Unlock()

	if handle != nil {
		if tail := handle.resampler.Flush(); len(tail) > 0 {
			p.emitChunk(ssrc, tail)
		}
	}
	p.emitSilence(ssrc)
}

// finishAll drains every active speaker, used at shutdown and stream EOF.
func (p *Pipeline) finishAll() {
	p.mu.Lock()
	ssrcs := make([]uint32, 0, len(p.handles))
	for ssrc := range p.handles {
		ssrcs = append(ssrcs, ssrc)
	}
	p.mu.Unlock()

	for _, ssrc := range ssrcs {
		p.finishSpeaker(ssrc)
	}
}

// speakerID resolves an SSRC to the platform user ID, falling back to the
// raw SSRC when no speaking update announced the mapping yet.
func (p *Pipeline) speakerID(ssrc uint32) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.users[ssrc]; ok && id != "" {
		return id
	}
	return fmt.Sprintf("ssrc:%d", ssrc)
}

func (p *Pipeline) emitChunk(ssrc uint32, pcm []byte) {
	chunk := Chunk{
		ConversationID: p.cfg.ConversationID,
		SpeakerID:      p.speakerID(ssrc),
		PCM:            pcm,
	}
	p.mu.Lock()
	subs := make([]func(Chunk), 0, len(p.chunkSubs))
	for _, cb := range p.chunkSubs {
		subs = append(subs, cb)
	}
	p.mu.Unlock()
	for _, cb := range subs {
		cb(chunk)
	}
}

func (p *Pipeline) emitSilence(ssrc uint32) {
	silence := Silence{
		ConversationID: p.cfg.ConversationID,
		SpeakerID:      p.speakerID(ssrc),
	}
	p.mu.Lock()
	subs := make([]func(Silence), 0, len(p.silentSubs))
	for _, cb := range p.silentSubs {
		subs = append(subs, cb)
	}
	p.mu.Unlock()
	for _, cb := range subs {
		cb(silence)
	}
}

// Close stops the pipeline, flushing every active speaker stream first. Safe
// to call more than once; Close before Start just marks the pipeline dead.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		started := p.started
		p.mu.Unlock()

		if p.removeSpeak != nil {
			p.removeSpeak()
		}
		close(p.done)
		if started {
			<-p.loopDone
		}
	})
}
