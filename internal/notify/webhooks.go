package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"bidline/internal/config"
	"bidline/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook posts each matching notification to one configured URL.
type Webhook struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Client  *http.Client

	filter eventFilter
}

func NewWebhook(hook config.WebhookConfig) *Webhook {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &Webhook{
		URL:     strings.TrimSpace(hook.URL),
		Secret:  hook.Secret,
		Timeout: timeout,
		Client:  &http.Client{Timeout: timeout},
		filter:  newEventFilter(hook.Events),
	}
}

// Webhooks builds one notifier per enabled hook.
func Webhooks(hooks []config.WebhookConfig) []Notifier {
	var out []Notifier
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		out = append(out, NewWebhook(hook))
	}
	return out
}

type webhookBody struct {
	Delivery    string         `json:"delivery"`
	Type        string         `json:"type"`
	ProjectID   string         `json:"project_id"`
	ProjectName string         `json:"project_name,omitempty"`
	ActorID     string         `json:"actor_id,omitempty"`
	At          string         `json:"at"`
	Data        map[string]any `json:"data,omitempty"`
}

func (w *Webhook) Notify(ctx context.Context, n domain.Notification) error {
	if !w.filter.match(n.Type) {
		return nil
	}
	delivery := uuid.NewString()
	data, err := json.Marshal(webhookBody{
		Delivery:    delivery,
		Type:        n.Type,
		ProjectID:   n.ProjectID,
		ProjectName: n.ProjectName,
		ActorID:     n.ActorID,
		At:          n.At,
		Data:        n.Data,
	})
	if err != nil {
		return err
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bidline-Event", n.Type)
	req.Header.Set("X-Bidline-Delivery", delivery)
	req.Header.Set("X-Bidline-Project", n.ProjectID)
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Bidline-Secret", w.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", w.URL, res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
