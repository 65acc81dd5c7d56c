package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"creditline/internal/config"
	"creditline/internal/domain"
)

const (
	EventSyncCompleted    = "sync.completed"
	defaultWebhookTimeout = 5 * time.Second
)

// Webhooks tells downstream caches that a new snapshot is live. It is
// registered as an engine notifier and only fires for completed runs.
type Webhooks struct {
	hooks  []config.WebhookConfig
	client *http.Client
	log    zerolog.Logger
}

func NewWebhooks(hooks []config.WebhookConfig, log zerolog.Logger) *Webhooks {
	return &Webhooks{
		hooks:  hooks,
		client: &http.Client{Timeout: defaultWebhookTimeout},
		log:    log,
	}
}

type webhookEvent struct {
	Type          string           `json:"type"`
	RunID         string           `json:"run_id"`
	Mode          domain.SyncMode  `json:"mode"`
	Status        domain.RunStatus `json:"status"`
	RecordsLoaded int              `json:"records_loaded"`
	CompletedAt   string           `json:"completed_at,omitempty"`
}

func (w *Webhooks) SyncCompleted(ctx context.Context, st domain.SyncStatus) {
	evt := webhookEvent{
		Type:          EventSyncCompleted,
		RunID:         st.RunID,
		Mode:          st.Mode,
		Status:        st.Status,
		RecordsLoaded: st.RecordsLoaded,
	}
	if st.CompletedAt != nil {
		evt.CompletedAt = *st.CompletedAt
	}
	data, err := json.Marshal(evt)
	if err != nil {
		w.log.Error().Err(err).Msg("webhook: encode event")
		return
	}
	var g errgroup.Group
	for _, hook := range w.hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" || !newEventFilter(hook.Events).match(evt.Type) {
			continue
		}
		g.Go(func() error {
			if err := w.post(ctx, hook, evt, data); err != nil {
				w.log.Warn().Err(err).Str("url", hook.URL).Str("run_id", evt.RunID).Msg("webhook: delivery failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Webhooks) post(ctx context.Context, hook config.WebhookConfig, evt webhookEvent, data []byte) error {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Creditline-Event", evt.Type)
	req.Header.Set("X-Creditline-Delivery", evt.RunID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Creditline-Signature", "sha256="+sign(hook.Secret, data))
	}
	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
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
