package notify

import (
	"context"
	"fmt"

	slackapi "github.com/slack-go/slack"

	"github.com/JakeFAU/repo-collector/internal/crawler"
)

// Slack posts failed units to an incoming webhook.
type Slack struct {
	webhookURL string
	channel    string
}

// NewSlack returns a Slack notifier. channel may be empty to use the
// webhook's default.
func NewSlack(webhookURL, channel string) (*Slack, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("slack webhook url is required")
	}
	return &Slack{webhookURL: webhookURL, channel: channel}, nil
}

// NotifyFailed posts the failure.
func (s *Slack) NotifyFailed(ctx context.Context, unit crawler.WorkUnit) error {
	msg := &slackapi.WebhookMessage{
		Channel: s.channel,
		Text:    Message(unit),
		Attachments: []slackapi.Attachment{{
			Color: "danger",
			Fields: []slackapi.AttachmentField{
				{Title: "Host", Value: unit.Host, Short: true},
				{Title: "Strategy", Value: unit.Strategy, Short: true},
				{Title: "Unit", Value: unit.ID},
			},
		}},
	}
	if err := slackapi.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	return nil
}
