// Package notify delivers operator notifications over email (SES), Slack and
// Discord webhooks. Sends are best-effort: a failed channel is logged and
// reported in the per-channel result map, never propagated as an error.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lelandg/Heimdallr/internal/alert"
	"github.com/lelandg/Heimdallr/internal/monitor"
)

var notificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "heimdallr_notifications_sent_total",
	Help: "Notification delivery attempts by channel and outcome.",
}, []string{"channel", "outcome"})

// Channel identifies a delivery mechanism.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSlack   Channel = "slack"
	ChannelDiscord Channel = "discord"
)

// Priority orders notifications for channel routing and formatting.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

const (
	historyCap      = 200
	rateLimitHour   = 50
	minSendInterval = 30 * time.Second
	webhookTimeout  = 10 * time.Second
)

// Field is one key/value detail rendered into the channel payloads. A slice
// keeps the original ordering, which maps lose.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Notification is a single message to deliver. Channels lists the targets;
// the notifier skips any channel that is not configured.
type Notification struct {
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	Priority Priority  `json:"priority"`
	Channels []Channel `json:"channels"`
	Service  string    `json:"service,omitempty"`
	Details  []Field   `json:"details,omitempty"`
}

// Record is one entry in the send history ring.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Channel   Channel   `json:"channel"`
	Title     string    `json:"title"`
	Priority  Priority  `json:"priority"`
	Service   string    `json:"service,omitempty"`
	Success   bool      `json:"success"`
}

// Config selects and parameterizes the delivery channels.
type Config struct {
	EmailEnabled    bool     `yaml:"email_enabled"`
	EmailFrom       string   `yaml:"email_from"`
	EmailRecipients []string `yaml:"email_recipients"`

	SlackEnabled    bool   `yaml:"slack_enabled"`
	SlackWebhookURL string `yaml:"slack_webhook_url"`

	DiscordEnabled    bool   `yaml:"discord_enabled"`
	DiscordWebhookURL string `yaml:"discord_webhook_url"`
}

// EmailSender sends a plain-text email. *cloud.Client satisfies this.
type EmailSender interface {
	SendEmail(ctx context.Context, from string, to []string, subject, body string) error
}

// Stats summarizes notifier activity for the status API.
type Stats struct {
	EmailEnabled   bool            `json:"email_enabled"`
	SlackEnabled   bool            `json:"slack_enabled"`
	DiscordEnabled bool            `json:"discord_enabled"`
	SentThisHour   map[Channel]int `json:"sent_this_hour"`
	RateLimit      int             `json:"rate_limit_per_hour"`
	TotalSent      int             `json:"total_sent"`
}

// Notifier fans a Notification out to the configured channels. Each channel
// carries its own rate budget: at most rateLimitHour sends per hour, and at
// least minSendInterval between consecutive sends unless the notification is
// critical.
type Notifier struct {
	mu         sync.Mutex
	cfg        Config
	email      EmailSender
	httpClient *http.Client
	sentCount  map[Channel]int
	countReset time.Time
	lastSent   map[Channel]time.Time
	history    []Record
	totalSent  int

	logger *slog.Logger
	now    func() time.Time
}

// NewNotifier builds a Notifier. email may be nil when email is disabled.
func NewNotifier(cfg Config, email EmailSender, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		cfg:        cfg,
		email:      email,
		httpClient: &http.Client{Timeout: webhookTimeout},
		sentCount:  make(map[Channel]int),
		lastSent:   make(map[Channel]time.Time),
		logger:     logger,
		now:        time.Now,
	}
}

// Send delivers the notification to every requested channel and returns the
// per-channel outcome. Rate-limited channels report false without an attempt.
func (n *Notifier) Send(ctx context.Context, notification Notification) map[Channel]bool {
	results := make(map[Channel]bool, len(notification.Channels))
	for _, ch := range notification.Channels {
		if !n.allowSend(ch, notification.Priority) {
			n.logger.Warn("notification rate limited",
				slog.String("channel", string(ch)),
				slog.String("title", notification.Title))
			notificationsSent.WithLabelValues(string(ch), "rate_limited").Inc()
			results[ch] = false
			continue
		}

		var err error
		switch ch {
		case ChannelEmail:
			err = n.sendEmail(ctx, notification)
		case ChannelSlack:
			err = n.sendSlack(ctx, notification)
		case ChannelDiscord:
			err = n.sendDiscord(ctx, notification)
		default:
			err = fmt.Errorf("unknown channel %q", ch)
		}

		ok := err == nil
		if ok {
			notificationsSent.WithLabelValues(string(ch), "success").Inc()
		} else {
			notificationsSent.WithLabelValues(string(ch), "failure").Inc()
			n.logger.Error("notification send failed",
				slog.String("channel", string(ch)),
				slog.String("title", notification.Title),
				slog.String("error", err.Error()))
		}
		n.record(ch, notification, ok)
		results[ch] = ok
	}
	return results
}

// NotifyAlert formats and sends an alert notification. Email always goes out
// when enabled; Slack and Discord are added for P1 and P2 alerts.
func (n *Notifier) NotifyAlert(ctx context.Context, a *alert.Alert) map[Channel]bool {
	priority := PriorityLow
	switch a.Priority {
	case alert.PriorityP1:
		priority = PriorityCritical
	case alert.PriorityP2:
		priority = PriorityHigh
	case alert.PriorityP3:
		priority = PriorityNormal
	}

	var channels []Channel
	if n.cfg.EmailEnabled {
		channels = append(channels, ChannelEmail)
	}
	if a.Priority == alert.PriorityP1 || a.Priority == alert.PriorityP2 {
		if n.cfg.SlackEnabled {
			channels = append(channels, ChannelSlack)
		}
		if n.cfg.DiscordEnabled {
			channels = append(channels, ChannelDiscord)
		}
	}

	return n.Send(ctx, Notification{
		Title:    a.Title,
		Message:  a.Message,
		Priority: priority,
		Channels: channels,
		Service:  a.SourceService,
		Details: []Field{
			{Name: "Alert ID", Value: a.ID},
			{Name: "Priority", Value: string(a.Priority)},
			{Name: "Source", Value: a.SourceType},
			{Name: "Status", Value: string(a.Status)},
		},
	})
}

// NotifyHealthChange formats and sends a service state transition. Slack is
// added for critical and high priorities.
func (n *Notifier) NotifyHealthChange(ctx context.Context, change monitor.HealthChange) map[Channel]bool {
	var priority Priority
	switch change.NewState {
	case monitor.StateHealthy:
		priority = PriorityLow
	case monitor.StateDegraded:
		priority = PriorityNormal
	default:
		priority = PriorityHigh
	}

	var channels []Channel
	if n.cfg.EmailEnabled {
		channels = append(channels, ChannelEmail)
	}
	if (priority == PriorityCritical || priority == PriorityHigh) && n.cfg.SlackEnabled {
		channels = append(channels, ChannelSlack)
	}

	message := fmt.Sprintf("State changed: %s -> %s", change.OldState, change.NewState)
	if change.Message != "" {
		message += "\n" + change.Message
	}

	return n.Send(ctx, Notification{
		Title:    fmt.Sprintf("Service Health: %s", change.ServiceName),
		Message:  message,
		Priority: priority,
		Channels: channels,
		Service:  change.ServiceName,
		Details: []Field{
			{Name: "Service Type", Value: change.ServiceType},
			{Name: "Previous State", Value: string(change.OldState)},
			{Name: "New State", Value: string(change.NewState)},
		},
	})
}

// NotifyActionResult reports the outcome of an executed remediation action.
// Results go to email only.
func (n *Notifier) NotifyActionResult(ctx context.Context, action, service string, success bool, message string) map[Channel]bool {
	title := fmt.Sprintf("Action Completed: %s", action)
	priority := PriorityNormal
	result := "success"
	if !success {
		title = fmt.Sprintf("Action Failed: %s", action)
		priority = PriorityHigh
		result = "failure"
	}

	var channels []Channel
	if n.cfg.EmailEnabled {
		channels = append(channels, ChannelEmail)
	}

	return n.Send(ctx, Notification{
		Title:    title,
		Message:  message,
		Priority: priority,
		Channels: channels,
		Service:  service,
		Details: []Field{
			{Name: "Action", Value: action},
			{Name: "Result", Value: result},
		},
	})
}

// History returns the most recent send records, newest first. limit <= 0
// returns everything retained.
func (n *Notifier) History(limit int) []Record {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]Record, len(n.history))
	for i, r := range n.history {
		out[len(n.history)-1-i] = r
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Stats returns current notifier counters.
func (n *Notifier) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.maybeResetLocked()
	sent := make(map[Channel]int, len(n.sentCount))
	for ch, c := range n.sentCount {
		sent[ch] = c
	}
	return Stats{
		EmailEnabled:   n.cfg.EmailEnabled,
		SlackEnabled:   n.cfg.SlackEnabled,
		DiscordEnabled: n.cfg.DiscordEnabled,
		SentThisHour:   sent,
		RateLimit:      rateLimitHour,
		TotalSent:      n.totalSent,
	}
}

// allowSend applies the per-channel budget: hourly cap plus a minimum spacing
// between sends. Critical notifications skip the spacing check but still
// count against the hourly cap.
func (n *Notifier) allowSend(ch Channel, priority Priority) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.maybeResetLocked()
	if n.sentCount[ch] >= rateLimitHour {
		return false
	}
	if priority != PriorityCritical {
		if last, ok := n.lastSent[ch]; ok && n.now().Sub(last) < minSendInterval {
			return false
		}
	}
	return true
}

func (n *Notifier) maybeResetLocked() {
	now := n.now()
	if n.countReset.IsZero() || now.Sub(n.countReset) >= time.Hour {
		n.sentCount = make(map[Channel]int)
		n.countReset = now
	}
}

func (n *Notifier) record(ch Channel, notification Notification, success bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	n.sentCount[ch]++
	n.lastSent[ch] = now
	n.totalSent++
	n.history = append(n.history, Record{
		Timestamp: now,
		Channel:   ch,
		Title:     notification.Title,
		Priority:  notification.Priority,
		Service:   notification.Service,
		Success:   success,
	})
	if len(n.history) > historyCap {
		n.history = n.history[len(n.history)-historyCap:]
	}
}

func (n *Notifier) sendEmail(ctx context.Context, notification Notification) error {
	if !n.cfg.EmailEnabled {
		return fmt.Errorf("email channel disabled")
	}
	if n.email == nil {
		return fmt.Errorf("no email sender configured")
	}
	if len(n.cfg.EmailRecipients) == 0 {
		return fmt.Errorf("no email recipients configured")
	}

	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(string(notification.Priority)), notification.Title)
	body := emailBody(notification, n.now())
	if err := n.email.SendEmail(ctx, n.cfg.EmailFrom, n.cfg.EmailRecipients, subject, body); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func (n *Notifier) sendSlack(ctx context.Context, notification Notification) error {
	if !n.cfg.SlackEnabled {
		return fmt.Errorf("slack channel disabled")
	}
	if n.cfg.SlackWebhookURL == "" {
		return fmt.Errorf("no slack webhook URL configured")
	}
	return n.postWebhook(ctx, n.cfg.SlackWebhookURL, slackPayload(notification, n.now()), http.StatusOK)
}

func (n *Notifier) sendDiscord(ctx context.Context, notification Notification) error {
	if !n.cfg.DiscordEnabled {
		return fmt.Errorf("discord channel disabled")
	}
	if n.cfg.DiscordWebhookURL == "" {
		return fmt.Errorf("no discord webhook URL configured")
	}
	return n.postWebhook(ctx, n.cfg.DiscordWebhookURL, discordPayload(notification, n.now()),
		http.StatusOK, http.StatusNoContent)
}

func (n *Notifier) postWebhook(ctx context.Context, url string, payload interface{}, okStatuses ...int) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	defer resp.Body.Close()

	for _, s := range okStatuses {
		if resp.StatusCode == s {
			return nil
		}
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
}

func emailBody(notification Notification, at time.Time) string {
	var b strings.Builder
	b.WriteString("Heimdallr Alert\n\n")
	fmt.Fprintf(&b, "Priority: %s\n", strings.ToUpper(string(notification.Priority)))
	if notification.Service != "" {
		fmt.Fprintf(&b, "Service: %s\n", notification.Service)
	}
	b.WriteString("\n")
	b.WriteString(notification.Title)
	b.WriteString("\n\n")
	b.WriteString(notification.Message)
	b.WriteString("\n")
	if len(notification.Details) > 0 {
		b.WriteString("\nDetails:\n")
		for _, f := range notification.Details {
			fmt.Fprintf(&b, "  %s: %s\n", f.Name, f.Value)
		}
	}
	fmt.Fprintf(&b, "\nTimestamp: %s\n", at.UTC().Format(time.RFC3339))
	b.WriteString("\n--\nHeimdallr - Automated Notification\n")
	return b.String()
}

var slackColors = map[Priority]string{
	PriorityCritical: "#FF0000",
	PriorityHigh:     "#FF6600",
	PriorityNormal:   "#FFCC00",
	PriorityLow:      "#00CC00",
}

func slackPayload(notification Notification, at time.Time) map[string]interface{} {
	color, ok := slackColors[notification.Priority]
	if !ok {
		color = "#808080"
	}

	details := notification.Details
	if len(details) > 8 {
		details = details[:8]
	}
	fields := make([]map[string]interface{}, 0, len(details))
	for _, f := range details {
		fields = append(fields, map[string]interface{}{
			"title": f.Name,
			"value": f.Value,
			"short": true,
		})
	}

	attachment := map[string]interface{}{
		"color":  color,
		"title":  notification.Title,
		"text":   notification.Message,
		"footer": fmt.Sprintf("Heimdallr | %s", notification.Service),
		"ts":     at.Unix(),
	}
	if len(fields) > 0 {
		attachment["fields"] = fields
	}
	return map[string]interface{}{
		"attachments": []map[string]interface{}{attachment},
	}
}

var discordColors = map[Priority]int{
	PriorityCritical: 0xFF0000,
	PriorityHigh:     0xFF6600,
	PriorityNormal:   0xFFCC00,
	PriorityLow:      0x00CC00,
}

func discordPayload(notification Notification, at time.Time) map[string]interface{} {
	color, ok := discordColors[notification.Priority]
	if !ok {
		color = 0x808080
	}

	details := notification.Details
	if len(details) > 6 {
		details = details[:6]
	}
	fields := make([]map[string]interface{}, 0, len(details))
	for _, f := range details {
		fields = append(fields, map[string]interface{}{
			"name":   f.Name,
			"value":  truncate(f.Value, 1024),
			"inline": true,
		})
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": truncate(notification.Message, 4096),
		"color":       color,
		"footer":      map[string]interface{}{"text": fmt.Sprintf("Heimdallr | %s", notification.Service)},
		"timestamp":   at.UTC().Format(time.RFC3339),
	}
	if len(fields) > 0 {
		embed["fields"] = fields
	}
	return map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
