package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"bidline/internal/config"
	"bidline/internal/domain"
)

func TestWebhookPostsNotification(t *testing.T) {
	var mu sync.Mutex
	var got []webhookBody
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body webhookBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		got = append(got, body)
		headers = r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := NewWebhook(config.WebhookConfig{URL: srv.URL, Secret: "s3cret", Events: []string{"project.completed"}})
	ctx := context.Background()
	if err := hook.Notify(ctx, domain.Notification{Type: "project.created", ProjectID: "p1"}); err != nil {
		t.Fatalf("filtered notify: %v", err)
	}
	if err := hook.Notify(ctx, domain.Notification{Type: "project.completed", ProjectID: "p1", ProjectName: "Batch A", At: "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d", len(got))
	}
	if got[0].Type != "project.completed" || got[0].ProjectName != "Batch A" || got[0].Delivery == "" {
		t.Fatalf("unexpected body %+v", got[0])
	}
	if headers.Get("X-Bidline-Secret") != "s3cret" || headers.Get("X-Bidline-Event") != "project.completed" || headers.Get("X-Bidline-Project") != "p1" {
		t.Fatalf("unexpected headers %v", headers)
	}
}

func TestWebhookNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	hook := NewWebhook(config.WebhookConfig{URL: srv.URL})
	if err := hook.Notify(context.Background(), domain.Notification{Type: "project.created"}); err == nil {
		t.Fatalf("expected error for 502")
	}
}

func TestWebhooksSkipsDisabled(t *testing.T) {
	off := false
	hooks := Webhooks([]config.WebhookConfig{
		{URL: "http://a.example"},
		{URL: "http://b.example", Enabled: &off},
		{URL: " "},
	})
	if len(hooks) != 1 {
		t.Fatalf("expected one enabled hook, got %d", len(hooks))
	}
}

type failing struct{ calls int }

func (f *failing) Notify(context.Context, domain.Notification) error {
	f.calls++
	return errors.New("down")
}

func TestMultiCallsEveryNotifier(t *testing.T) {
	a, b := &failing{}, &failing{}
	err := Multi{a, Nop{}, b}.Notify(context.Background(), domain.Notification{Type: "x"})
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if a.calls != 1 || b.calls != 1 {
		t.Fatalf("expected both notifiers called, got %d/%d", a.calls, b.calls)
	}
}

func TestFromConfig(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg := config.Default()
	cfg.Notify.Log = false
	if _, ok := FromConfig(cfg, log).(Nop); !ok {
		t.Fatalf("expected Nop when nothing configured")
	}
	cfg.Notify.Log = true
	if _, ok := FromConfig(cfg, log).(Log); !ok {
		t.Fatalf("expected Log notifier")
	}
	cfg.Notify.Webhooks = []config.WebhookConfig{{URL: "http://hooks.example"}}
	if m, ok := FromConfig(cfg, log).(Multi); !ok || len(m) != 2 {
		t.Fatalf("expected two notifiers")
	}
}
