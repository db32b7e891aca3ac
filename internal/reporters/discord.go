package reporters

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// discordSession abstracts the discordgo.Session methods we use,
// enabling test mocks.
type discordSession interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordReporter posts outcome snapshots as embeds to a Discord channel.
type DiscordReporter struct {
	sess      discordSession
	channelID string
}

// DiscordOpts holds parameters for creating a DiscordReporter.
type DiscordOpts struct {
	Token     string
	ChannelID string
	// For testing: inject a mock session instead of the real API.
	Session discordSession
}

// NewDiscord creates a Discord reporter. The REST-only send path needs
// no gateway connection.
func NewDiscord(opts DiscordOpts) (*DiscordReporter, error) {
	if opts.Session == nil && opts.Token == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("discord: channel_id is required")
	}
	sess := opts.Session
	if sess == nil {
		s, err := discordgo.New("Bot " + opts.Token)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		sess = s
	}
	return &DiscordReporter{sess: sess, channelID: opts.ChannelID}, nil
}

func (r *DiscordReporter) Name() string { return "discord" }

// Report posts one snapshot as a colored embed.
func (r *DiscordReporter) Report(ctx context.Context, snap Snapshot) error {
	embed := &discordgo.MessageEmbed{
		Title: snapshotTitle(snap),
		Color: embedColor(severityColor(snap.Results)),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Result", Value: snap.Results.String(), Inline: true},
			{Name: "Builder", Value: orDash(snap.BuilderName), Inline: true},
		},
	}
	if snap.Buildset.Reason != "" {
		embed.Description = snap.Buildset.Reason
	}
	if _, err := r.sess.ChannelMessageSendEmbed(r.channelID, embed, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: send embed: %w", err)
	}
	return nil
}

// embedColor converts a "#rrggbb" hint into Discord's integer color.
func embedColor(hex string) int {
	v, err := strconv.ParseInt(strings.TrimPrefix(hex, "#"), 16, 32)
	if err != nil {
		return 0
	}
	return int(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
