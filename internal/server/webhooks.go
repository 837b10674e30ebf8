package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"buildline/internal/config"
	"buildline/internal/domain"
	"buildline/internal/engine"
)

const webhookPollInterval = 2 * time.Second

type webhookState struct {
	cfg    config.WebhookConfig
	cursor int64
	client *http.Client
}

// startWebhookDispatcher polls the event log and posts new events to the
// configured hooks. Cursors start at the current tail so restarts do not
// replay history.
func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil {
		return
	}
	var hooks []*webhookState
	for _, hook := range e.Config.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hooks = append(hooks, &webhookState{
			cfg:    hook,
			client: &http.Client{Timeout: timeout},
		})
	}
	if len(hooks) == 0 {
		return
	}
	go runWebhookDispatcher(e, hooks)
}

func runWebhookDispatcher(e engine.Engine, hooks []*webhookState) {
	ctx := context.Background()
	tail, err := e.Repo.LatestEventID(ctx, e.Config.Account.ID)
	if err != nil {
		log.Printf("webhooks: cursor init: %v", err)
	}
	for _, hook := range hooks {
		hook.cursor = tail
	}
	ticker := time.NewTicker(webhookPollInterval)
	defer ticker.Stop()
	for range ticker.C {
		for _, hook := range hooks {
			deliverPending(ctx, e, hook)
		}
	}
}

func deliverPending(ctx context.Context, e engine.Engine, hook *webhookState) {
	events, err := e.Repo.EventsAfter(ctx, 100, hook.cursor, e.Config.Account.ID)
	if err != nil {
		log.Printf("webhooks: poll %s: %v", hook.cfg.URL, err)
		return
	}
	for _, evt := range events {
		if !eventMatches(hook.cfg, evt.Type) {
			hook.cursor = evt.ID
			continue
		}
		if err := postEvent(ctx, hook, evt); err != nil {
			// Retry this event on the next tick; later events wait behind it.
			log.Printf("webhooks: deliver %s event %d: %v", hook.cfg.URL, evt.ID, err)
			return
		}
		hook.cursor = evt.ID
	}
}

// eventMatches supports exact names and prefix patterns like "request.*".
func eventMatches(cfg config.WebhookConfig, evtType string) bool {
	if len(cfg.Events) == 0 {
		return true
	}
	for _, pattern := range cfg.Events {
		if pattern == "*" || pattern == evtType {
			return true
		}
		if n := len(pattern); n > 1 && pattern[n-1] == '*' && len(evtType) >= n-1 && evtType[:n-1] == pattern[:n-1] {
			return true
		}
	}
	return false
}

func postEvent(ctx context.Context, hook *webhookState, evt domain.Event) error {
	body, err := marshalEvent(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Buildline-Event", evt.Type)
	req.Header.Set("X-Buildline-Delivery", uuid.NewString())
	req.Header.Set("X-Buildline-Account", evt.AccountID)
	if hook.cfg.Secret != "" {
		req.Header.Set("X-Buildline-Secret", hook.cfg.Secret)
	}
	resp, err := hook.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("hook returned %d: %s", resp.StatusCode, detail)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func marshalEvent(evt domain.Event) ([]byte, error) {
	var payload any = evt.Payload
	if json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return json.Marshal(map[string]any{
		"id":          evt.ID,
		"ts":          evt.TS,
		"type":        evt.Type,
		"account_id":  evt.AccountID,
		"entity_kind": evt.EntityKind,
		"entity_id":   evt.EntityID,
		"actor_id":    evt.ActorID,
		"payload":     payload,
	})
}
