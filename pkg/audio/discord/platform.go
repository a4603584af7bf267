// Package discord adapts a discordgo voice connection to the narrow gateway
// surface the bridge consumes: a raw per-packet Opus stream, speaking
// start/stop signals, and an Opus output sink. Decoding and encoding are left
// to the capture and playback pipelines so the adapter stays codec-free.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// Platform joins Discord voice channels and returns [Connection] values.
type Platform struct {
	session *discordgo.Session
}

// NewPlatform wraps an already-opened discordgo session.
func NewPlatform(session *discordgo.Session) *Platform {
	return &Platform{session: session}
}

// Connect joins the given voice channel unmuted and undeafened (the bridge
// both speaks and listens). The context bounds only the join handshake.
func (p *Platform) Connect(ctx context.Context, guildID, channelID string) (*Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vc, err := p.session.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %s: %w", channelID, err)
	}
	return newConnection(vc), nil
}
