package discord

import (
	"log/slog"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

const (
	packetChannelBuffer = 64
	// outputChannelBuffer holds encoded Opus frames awaiting transmission.
	// The gateway drains one frame per 20 ms, while the backend delivers a
	// whole response in a burst, so this needs to absorb several seconds.
	outputChannelBuffer = 1024
)

// Connection exposes an active voice channel session. Incoming Opus packets
// are forwarded raw (keyed by SSRC); outgoing Opus frames written to
// [Connection.OpusOut] are transmitted with the speaking flag managed
// automatically.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc *discordgo.VoiceConnection

	packets chan audio.OpusPacket
	output  chan []byte

	speakingMu   sync.Mutex
	speakingSubs map[int]func(audio.SpeakingUpdate)
	nextSub      int

	done      chan struct{}
	closeOnce sync.Once

	// disconnectVC tears down the underlying voice connection. Defaults to
	// vc.Disconnect; overridden in tests.
	disconnectVC func() error
}

// newConnection wires an already-joined voice connection and starts the
// receive and send loops.
func newConnection(vc *discordgo.VoiceConnection) *Connection {
	c := &Connection{
		vc:           vc,
		packets:      make(chan audio.OpusPacket, packetChannelBuffer),
		output:       make(chan []byte, outputChannelBuffer),
		speakingSubs: make(map[int]func(audio.SpeakingUpdate)),
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}

	vc.AddHandler(c.handleSpeakingUpdate)

	go c.recvLoop()
	go c.sendLoop()

	return c
}

// OpusPackets returns the stream of raw Opus packets received from the
// channel. The channel is closed when the connection terminates.
func (c *Connection) OpusPackets() <-chan audio.OpusPacket {
	return c.packets
}

// OpusOut returns the write-only sink for encoded Opus frames. Frames are
// transmitted in order; the speaking flag is raised on the first frame and
// lowered on disconnect.
func (c *Connection) OpusOut() chan<- []byte {
	return c.output
}

// OnSpeaking registers cb for speaking start/stop updates and returns a
// function that removes the registration. Multiple callbacks may be active
// at once; each is invoked synchronously in registration order.
func (c *Connection) OnSpeaking(cb func(audio.SpeakingUpdate)) (remove func()) {
	c.speakingMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.speakingSubs[id] = cb
	c.speakingMu.Unlock()

	return func() {
		c.speakingMu.Lock()
		delete(c.speakingSubs, id)
		c.speakingMu.Unlock()
	}
}

// Disconnect tears down the voice connection and stops both loops. Safe to
// call more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
	})
	return err
}

// recvLoop forwards raw Opus packets from discordgo, dropping frames rather
// than blocking when the consumer falls behind. It closes the packet stream
// on exit so the capture pipeline sees EOF.
func (c *Connection) recvLoop() {
	defer close(c.packets)

	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			out := audio.OpusPacket{
				SSRC:      pkt.SSRC,
				Sequence:  pkt.Sequence,
				Timestamp: pkt.Timestamp,
				Opus:      pkt.Opus,
			}
			select {
			case c.packets <- out:
			default:
				// Consumer stalled; dropping is preferable to backing up
				// the gateway read loop.
			}
		}
	}
}

// sendLoop transmits queued Opus frames, managing the speaking notification.
func (c *Connection) sendLoop() {
	speakingSet := false

	for {
		select {
		case <-c.done:
			if speakingSet {
				c.setSpeaking(false)
			}
			return
		case frame, ok := <-c.output:
			if !ok {
				return
			}
			if !speakingSet {
				c.setSpeaking(true)
				speakingSet = true
			}
			select {
			case c.vc.OpusSend <- frame:
			case <-c.done:
				c.setSpeaking(false)
				return
			}
		}
	}
}

// handleSpeakingUpdate fans a gateway speaking update out to subscribers.
// This is also where the SSRC→user mapping is announced.
func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
	if su == nil {
		return
	}
	update := audio.SpeakingUpdate{
		UserID:   su.UserID,
		SSRC:     uint32(su.SSRC),
		Speaking: su.Speaking,
	}

	c.speakingMu.Lock()
	subs := make([]func(audio.SpeakingUpdate), 0, len(c.speakingSubs))
	for _, cb := range c.speakingSubs {
		subs = append(subs, cb)
	}
	c.speakingMu.Unlock()

	for _, cb := range subs {
		cb(update)
	}
}

// setSpeaking sends the speaking notification, logging failures.
func (c *Connection) setSpeaking(b bool) {
	if err := c.vc.Speaking(b); err != nil {
		slog.Warn("discord: speaking notification error", "speaking", b, "error", err)
	}
}
