package notify

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// Severity classifies an event for the webhook consumer.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeveritySuccess  Severity = "success"
	SeverityCritical Severity = "critical"
)

// Event is the structured payload posted to the webhook.
type Event struct {
	Severity  Severity          `json:"severity"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Notifier delivers events to a webhook, fire-and-forget. Delivery errors
// are logged and never propagate into control flow. A Notifier with no
// webhook configured is a no-op, as is a nil Notifier.
type Notifier struct {
	url    string
	client *retryablehttp.Client
	logger zerolog.Logger
}

// New creates a notifier. An empty url yields a no-op notifier.
func New(url string, logger zerolog.Logger) *Notifier {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = time.Second
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	return &Notifier{
		url:    url,
		client: client,
		logger: logger.With().Str("client", "notify").Logger(),
	}
}

// Warning posts a warning event.
func (n *Notifier) Warning(title, message string, fields map[string]string) {
	n.post(Event{Severity: SeverityWarning, Title: title, Message: message, Fields: fields})
}

// Success posts a success event.
func (n *Notifier) Success(title, message string, fields map[string]string) {
	n.post(Event{Severity: SeveritySuccess, Title: title, Message: message, Fields: fields})
}

// Critical posts a critical event.
func (n *Notifier) Critical(title, message string, fields map[string]string) {
	n.post(Event{Severity: SeverityCritical, Title: title, Message: message, Fields: fields})
}

func (n *Notifier) post(ev Event) {
	if n == nil || n.url == "" {
		return
	}
	ev.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error().Err(err).Msg("Failed to encode notification")
		return
	}
	go func() {
		resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(payload))
		if err != nil {
			n.logger.Warn().Err(err).Str("title", ev.Title).Msg("Notification delivery failed")
			return
		}
		resp.Body.Close()
	}()
}
