// Package notify tells humans about tier reassignments.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/MrWong99/redraft/internal/events"
	"github.com/MrWong99/redraft/internal/observe"
)

// Slack posts [events.TierReassigned] events to one channel.
type Slack struct {
	client  *slack.Client
	channel string
}

// NewSlack returns a notifier posting with token to channel. opts are passed
// to [slack.New], e.g. [slack.OptionAPIURL] in tests.
func NewSlack(token, channel string, opts ...slack.Option) (*Slack, error) {
	if token == "" || channel == "" {
		return nil, errors.New("notify: slack token and channel are required")
	}
	return &Slack{client: slack.New(token, opts...), channel: channel}, nil
}

// Subscribe registers the notifier for [events.TopicTierReassigned].
func (s *Slack) Subscribe(bus events.Bus) {
	bus.Subscribe(events.TopicTierReassigned, s.HandleTierReassigned)
}

// HandleTierReassigned posts one message per event. Slack rejections other
// than rate limiting are permanent.
func (s *Slack) HandleTierReassigned(ctx context.Context, env events.Envelope) error {
	ev, err := events.Decode[events.TierReassigned](env)
	if err != nil {
		return err
	}

	text := fmt.Sprintf("Tier change for author %s: %s -> %s (quality %.2f, mean %.2f, evaluation %s)",
		ev.AuthorID, ev.OldTier, ev.NewTier, ev.QualityScore, ev.MeanQuality, ev.EvaluationID)
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, "Author tier reassigned", false, false)),
		slack.NewSectionBlock(nil, []*slack.TextBlockObject{
			slack.NewTextBlockObject(slack.MarkdownType, "*Author*\n"+ev.AuthorID, false, false),
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Tier*\n%s -> %s", ev.OldTier, ev.NewTier), false, false),
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Quality*\n%.2f (mean %.2f)", ev.QualityScore, ev.MeanQuality), false, false),
			slack.NewTextBlockObject(slack.MarkdownType, "*Evaluation*\n"+ev.EvaluationID, false, false),
		}, nil),
	}

	_, ts, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		var rl *slack.RateLimitedError
		if errors.As(err, &rl) {
			return fmt.Errorf("notify: slack rate limited for %s: %w", rl.RetryAfter, err)
		}
		var se slack.SlackErrorResponse
		if errors.As(err, &se) {
			return events.Permanent(fmt.Errorf("notify: post tier change: %w", err))
		}
		return fmt.Errorf("notify: post tier change: %w", err)
	}
	observe.Logger(ctx).Info("notify: tier change posted", "author_id", ev.AuthorID, "channel", s.channel, "ts", ts)
	return nil
}
