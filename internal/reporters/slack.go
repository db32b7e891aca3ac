package reporters

import (
	"context"
	"fmt"

	slackapi "github.com/slack-go/slack"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackReporter posts outcome snapshots to a Slack channel.
type SlackReporter struct {
	client  slackClient
	channel string
}

// SlackOpts holds parameters for creating a SlackReporter.
type SlackOpts struct {
	BotToken string // xoxb-... bot token
	Channel  string // channel id to post to
	// For testing: inject a mock client instead of the real API.
	Client slackClient
}

// NewSlack creates a Slack reporter.
func NewSlack(opts SlackOpts) (*SlackReporter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Channel == "" {
		return nil, fmt.Errorf("slack: channel is required")
	}
	client := opts.Client
	if client == nil {
		client = slackapi.New(opts.BotToken)
	}
	return &SlackReporter{client: client, channel: opts.Channel}, nil
}

func (r *SlackReporter) Name() string { return "slack" }

// Report posts one snapshot as a message with a colored attachment.
func (r *SlackReporter) Report(ctx context.Context, snap Snapshot) error {
	attachment := slackapi.Attachment{
		Color:  severityColor(snap.Results),
		Title:  snapshotTitle(snap),
		Fields: slackFields(snap),
	}
	_, _, err := r.client.PostMessageContext(ctx, r.channel,
		slackapi.MsgOptionAttachments(attachment))
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

func slackFields(snap Snapshot) []slackapi.AttachmentField {
	fields := []slackapi.AttachmentField{
		{Title: "Result", Value: snap.Results.String(), Short: true},
		{Title: "Builder", Value: snap.BuilderName, Short: true},
	}
	if snap.Buildset.Reason != "" {
		fields = append(fields, slackapi.AttachmentField{
			Title: "Reason", Value: snap.Buildset.Reason,
		})
	}
	return fields
}

// snapshotTitle renders the headline for a snapshot, shared by the chat
// reporters.
func snapshotTitle(snap Snapshot) string {
	if snap.Kind == KindBuildset {
		return fmt.Sprintf("Buildset %d %s", snap.Buildset.ID, snap.Results)
	}
	if len(snap.Builds) > 0 {
		b := snap.Builds[0]
		return fmt.Sprintf("Build %s/%d %s", b.BuilderName, b.Number, snap.Results)
	}
	return fmt.Sprintf("Build on %s %s", snap.BuilderName, snap.Results)
}
