package sentinel

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/oarkflow/log"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// NotificationPayload describes a sentinel decision worth telling an
// operator about: a mode transition or an automatic block.
type NotificationPayload struct {
	Event     EventType         `json:"event"`
	Mode      Mode              `json:"mode"`
	Level     float64           `json:"threatLevel"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NotificationSender delivers payloads over one channel.
type NotificationSender interface {
	Send(ctx context.Context, payload *NotificationPayload) error
	Name() string
}

// Notifier fans a payload out to all registered senders, throttled so a
// flapping threat level cannot turn into an alert storm. Send failures are
// logged and dropped; delivery is best effort.
type Notifier struct {
	mu      sync.RWMutex
	senders map[string]NotificationSender
	limiter *rate.Limiter
	logger  *log.Logger
}

func NewNotifier(logger *log.Logger) *Notifier {
	return &Notifier{
		senders: make(map[string]NotificationSender),
		// One notification per 10s sustained, bursts of 5 for the
		// transition cascade when mitigation engages.
		limiter: rate.NewLimiter(rate.Every(10*time.Second), 5),
		logger:  logger,
	}
}

// Register adds a sender. Later registrations with the same name replace
// earlier ones.
func (n *Notifier) Register(sender NotificationSender) {
	n.mu.Lock()
	n.senders[sender.Name()] = sender
	n.mu.Unlock()
}

// sendTimeout bounds each delivery attempt; a dead endpoint must not hold a
// goroutine forever.
const sendTimeout = 15 * time.Second

// Notify delivers the payload to every sender, subject to the rate limit.
// Deliveries run asynchronously so a slow channel cannot stall the caller;
// the tick invokes this from its own goroutine.
func (n *Notifier) Notify(_ context.Context, payload *NotificationPayload) {
	if payload == nil || !n.limiter.Allow() {
		return
	}
	payload.Timestamp = time.Now()

	n.mu.RLock()
	senders := make([]NotificationSender, 0, len(n.senders))
	for _, s := range n.senders {
		senders = append(senders, s)
	}
	n.mu.RUnlock()

	for _, sender := range senders {
		go func(sender NotificationSender) {
			sendCtx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := sender.Send(sendCtx, payload); err != nil && n.logger != nil {
				n.logger.Warn().Err(err).Str("channel", sender.Name()).Msg("notification failed")
			}
		}(sender)
	}
}

// LogSender writes notifications to the structured log.
type LogSender struct {
	Logger *log.Logger
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(_ context.Context, payload *NotificationPayload) error {
	if s.Logger == nil {
		return nil
	}
	entry := s.Logger.Warn().
		Str("event", string(payload.Event)).
		Str("mode", string(payload.Mode)).
		Float64("level", payload.Level)
	for k, v := range payload.Details {
		entry = entry.Str(k, v)
	}
	entry.Msg("sentinel notification")
	return nil
}

// WebhookSender posts notifications as JSON to a configured URL.
type WebhookSender struct {
	URL    string
	Client *http.Client
}

func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSender) Name() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, payload *NotificationPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode notification")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post webhook")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
