package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/JakeFAU/repo-collector/internal/crawler"
)

// webhookSession abstracts the discordgo.Session method we use, enabling test mocks.
type webhookSession interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts failed units to a channel webhook.
type Discord struct {
	sess  webhookSession
	id    string
	token string
}

// NewDiscord parses a webhook URL of the form
// https://discord.com/api/webhooks/<id>/<token>.
func NewDiscord(webhookURL string) (*Discord, error) {
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	// Webhook execution is authenticated by the token in the path; the
	// session needs no bot credentials.
	sess, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Discord{sess: sess, id: id, token: token}, nil
}

func parseWebhookURL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", "", fmt.Errorf("invalid discord webhook url %q", raw)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("discord webhook url %q has no id and token", raw)
}

// NotifyFailed posts the failure as an embed.
func (d *Discord) NotifyFailed(ctx context.Context, unit crawler.WorkUnit) error {
	params := &discordgo.WebhookParams{
		Content: Message(unit),
		Embeds: []*discordgo.MessageEmbed{{
			Title: "Work unit failed",
			Color: 0xE74C3C,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Host", Value: unit.Host, Inline: true},
				{Name: "Strategy", Value: unit.Strategy, Inline: true},
				{Name: "Attempts", Value: fmt.Sprint(unit.Attempts), Inline: true},
			},
		}},
	}
	if _, err := d.sess.WebhookExecute(d.id, d.token, false, params, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("execute discord webhook: %w", err)
	}
	return nil
}
