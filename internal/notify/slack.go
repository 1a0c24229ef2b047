package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

const (
	slackMaxBlocks = 50
	// slackReservedBlocks accounts for header block + context block in each message
	slackReservedBlocks = 2
	slackMaxEvents      = slackMaxBlocks - slackReservedBlocks
)

// SlackNotifier posts supervision events to a Slack incoming webhook.
type SlackNotifier struct {
	logger     zerolog.Logger
	webhookURL string
	timing     timingConfig
	poster     *httpPoster
}

// SlackOption customizes SlackNotifier behavior.
type SlackOption func(*SlackNotifier)

// WithSlackTiming overrides timing parameters (primarily for testing).
func WithSlackTiming(rateInterval time.Duration, rateBurst int, backoffInitial, backoffMax, backoffMaxElapsed time.Duration) SlackOption {
	return func(s *SlackNotifier) {
		s.timing.rateInterval = rateInterval
		s.timing.rateBurst = rateBurst
		s.timing.backoffInitial = backoffInitial
		s.timing.backoffMax = backoffMax
		s.timing.backoffMaxElapsed = backoffMaxElapsed
	}
}

// NewSlackNotifier creates a Slack notifier or a noop notifier when the
// webhook is empty.
func NewSlackNotifier(logger zerolog.Logger, webhookURL string, opts ...SlackOption) Notifier {
	if webhookURL == "" {
		return NewNoop(logger, "slack webhook not configured; notifications disabled")
	}

	notifier := &SlackNotifier{
		logger:     logger,
		webhookURL: webhookURL,
		timing:     defaultTiming,
	}

	for _, opt := range opts {
		opt(notifier)
	}

	notifier.poster = newHTTPPoster(logger, "slack", webhookURL, "application/json", notifier.timing)

	return notifier
}

// Notify implements Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, launcherID string, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	scope := launcherID
	if scope == "" {
		scope = "launcher"
	}
	if err := n.poster.waitForRateLimit(ctx, scope); err != nil {
		return err
	}

	messages := buildSlackMessages(scope, events)
	for _, message := range messages {
		payload, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("marshal slack payload: %w", err)
		}
		if err := n.poster.postWithRetry(ctx, payload); err != nil {
			return err
		}
	}

	n.logger.Debug().
		Str("launcher", scope).
		Int("events", len(events)).
		Int("messages", len(messages)).
		Msg("slack notification sent")

	return nil
}

func buildSlackMessages(launcherID string, events []Event) []slack.WebhookMessage {
	if len(events) == 0 {
		return nil
	}

	total := len(events)
	chunkTotal := (total + slackMaxEvents - 1) / slackMaxEvents
	messages := make([]slack.WebhookMessage, 0, chunkTotal)

	for i := 0; i < total; i += slackMaxEvents {
		end := i + slackMaxEvents
		if end > total {
			end = total
		}
		partIndex := (i / slackMaxEvents) + 1
		messages = append(messages, buildSlackMessage(launcherID, events[i:end], total, partIndex, chunkTotal))
	}
	return messages
}

func buildSlackMessage(launcherID string, events []Event, total, partIndex, partTotal int) slack.WebhookMessage {
	summary := fmt.Sprintf("Launcher %s: %d service transition(s)", launcherID, total)
	if partTotal > 1 {
		summary = fmt.Sprintf("%s (part %d/%d)", summary, partIndex, partTotal)
	}
	header := slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", summary, false, false))
	contextElements := []slack.MixedElement{
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Launcher: *%s*", launcherID), false, false),
	}
	if partTotal > 1 {
		contextElements = append(contextElements, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Batch: %d/%d", partIndex, partTotal), false, false))
	}
	contextBlock := slack.NewContextBlock("", contextElements...)

	blocks := []slack.Block{header, contextBlock}
	for _, event := range events {
		blocks = append(blocks, buildEventBlock(event))
	}

	blockSet := slack.Blocks{BlockSet: blocks}
	return slack.WebhookMessage{
		Text:   summary,
		Blocks: &blockSet,
	}
}

func buildEventBlock(event Event) slack.Block {
	title := fmt.Sprintf("*%s*: `%s` → `%s`", event.ServiceID, event.From, event.To)
	text := slack.NewTextBlockObject("mrkdwn", title, false, false)

	fields := make([]*slack.TextBlockObject, 0, 2)
	if event.Reason != "" {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", "*Reason:*\n"+event.Reason, false, false))
	}
	if event.Attempt > 0 {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Attempt:*\n%d", event.Attempt), false, false))
	}

	return slack.NewSectionBlock(text, fields, nil)
}
