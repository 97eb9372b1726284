// Package notify sends deployment and push notifications to chat endpoints.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/slack-go/slack"

	"hookdeploy/internal/deployment"
	"hookdeploy/internal/event"
)

const (
	// DefaultTimeout bounds one notification request.
	DefaultTimeout = 5 * time.Second

	// Slack rejects section text longer than 3000 characters and messages
	// with more than 50 blocks.
	maxSectionText  = 2900
	maxFieldText    = 1900
	maxCommitBlocks = 40
)

// ErrNotificationFailed wraps every delivery failure.
var ErrNotificationFailed = errors.New("notification failed")

// Message is everything a notification can report about one webhook.
type Message struct {
	ProjectKey  string
	ProjectName string
	Event       *event.NormalizedEvent

	// Outcome is nil when no deployment ran.
	Outcome *deployment.Outcome

	// SkipReason explains why no deployment ran, if one was not expected.
	SkipReason string

	ReceivedAt time.Time
}

// Notifier delivers a Message to endpoint. Implementations return an error
// on failure; callers decide whether to swallow it.
type Notifier interface {
	Notify(ctx context.Context, endpoint string, msg Message) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, endpoint string, msg Message) error

func (f NotifierFunc) Notify(ctx context.Context, endpoint string, msg Message) error {
	return f(ctx, endpoint, msg)
}

// SlackNotifier posts Block Kit messages to Slack incoming webhooks.
type SlackNotifier struct {
	client   *http.Client
	location *time.Location
}

// Option configures a SlackNotifier.
type Option func(*SlackNotifier)

// WithHTTPClient replaces the default 5 second client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *SlackNotifier) {
		s.client = c
	}
}

// WithLocation sets the time zone used for the "When" field.
func WithLocation(loc *time.Location) Option {
	return func(s *SlackNotifier) {
		s.location = loc
	}
}

// NewSlackNotifier creates a notifier with a bounded HTTP client.
func NewSlackNotifier(opts ...Option) *SlackNotifier {
	s := &SlackNotifier{
		client:   &http.Client{Timeout: DefaultTimeout},
		location: time.Local,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify posts msg once. An empty endpoint is a no-op. Only HTTP 200 counts
// as delivered.
func (s *SlackNotifier) Notify(ctx context.Context, endpoint string, msg Message) error {
	if endpoint == "" {
		return nil
	}

	if err := slack.PostWebhookCustomHTTPContext(ctx, endpoint, s.client, s.Build(msg)); err != nil {
		return goerr.Wrap(errors.Join(ErrNotificationFailed, err), "failed to post notification",
			goerr.V("project", msg.ProjectKey))
	}
	return nil
}

// Build renders msg as a Slack webhook payload.
func (s *SlackNotifier) Build(msg Message) *slack.WebhookMessage {
	ev := msg.Event
	if ev == nil {
		ev = &event.NormalizedEvent{
			Kind:           event.Unknown,
			RepositoryName: event.Unknown,
			Branch:         event.Unknown,
			CommitID:       event.NotAvailable,
			CommitMessage:  event.NotAvailable,
			AuthorName:     event.Unknown,
		}
	}

	when := msg.ReceivedAt
	if when.IsZero() {
		when = time.Now()
	}

	repo := ev.RepositoryName
	if repo == event.Unknown && msg.ProjectName != "" {
		repo = msg.ProjectName
	}

	title := fmt.Sprintf("*[%s]* - Git Event Notification", repo)
	if ev.RepositoryURL != "" && ev.RepositoryURL != event.NotAvailable {
		title = fmt.Sprintf("*<%s|[%s]>* - Git Event Notification", ev.RepositoryURL, repo)
	}

	fields := []*slack.TextBlockObject{
		mrkdwn("*Event Type:*\n" + capitalize(ev.Kind)),
		mrkdwn("*When:*\n" + when.In(s.location).Format("02 Jan, 2006 03:04 PM")),
		mrkdwn("*Branch:*\n" + ev.Branch),
		mrkdwn("*Commit:*\n`" + ev.ShortCommit() + "`"),
		mrkdwn("*Author:*\n" + ev.AuthorName),
		mrkdwn("*Deployment Script Response:*\n" + truncate(deploymentResponse(msg), maxFieldText)),
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(mrkdwn(title), nil, nil),
		slack.NewSectionBlock(nil, fields, nil),
	}
	for _, chunk := range splitRunes("*Commit Message:*\n"+ev.CommitMessage, maxSectionText, maxCommitBlocks) {
		blocks = append(blocks, slack.NewSectionBlock(mrkdwn(chunk), nil, nil))
	}

	if msg.Outcome != nil && !msg.Outcome.OK() {
		if detail := strings.TrimSpace(msg.Outcome.Detail()); detail != "" {
			blocks = append(blocks, slack.NewSectionBlock(
				mrkdwn("```"+truncate(detail, maxSectionText)+"```"), nil, nil))
		}
	}

	contextText := "project: " + msg.ProjectKey
	if ev.DeliveryID != "" {
		contextText += " | delivery: " + ev.DeliveryID
	}
	blocks = append(blocks, slack.NewContextBlock("", slack.NewTextBlockObject(slack.PlainTextType, contextText, false, false)))

	return &slack.WebhookMessage{
		Text:   fallbackText(repo, ev, msg),
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}

func deploymentResponse(msg Message) string {
	if msg.Outcome != nil {
		return fmt.Sprintf("%s (%s)", msg.Outcome.Summary(), msg.Outcome.Kind)
	}
	if msg.SkipReason != "" {
		return "Not deployed: " + msg.SkipReason
	}
	return event.NotAvailable
}

func fallbackText(repo string, ev *event.NormalizedEvent, msg Message) string {
	text := fmt.Sprintf("Received `%s` event on branch `%s` for `%s` (%s)", ev.Kind, ev.Branch, repo, ev.ShortCommit())
	if msg.Outcome != nil {
		text += " - " + msg.Outcome.Summary()
	}
	return text
}

func mrkdwn(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, text, false, false)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// splitRunes cuts s into at most maxChunks pieces of size runes. Only text
// beyond maxChunks*size is dropped.
func splitRunes(s string, size, maxChunks int) []string {
	r := []rune(s)
	var chunks []string
	for len(r) > 0 && len(chunks) < maxChunks {
		n := min(size, len(r))
		chunks = append(chunks, string(r[:n]))
		r = r[n:]
	}
	if len(r) > 0 {
		last := len(chunks) - 1
		chunks[last] = truncate(chunks[last], size-1)
	}
	return chunks
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "…"
}
