package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the receiver rejected the webhook token.
var ErrUnauthorized = errors.New("preview webhook unauthorized")

// ErrInvalidArgument indicates the receiver rejected the payload with validation errors.
var ErrInvalidArgument = errors.New("preview webhook invalid argument")

// ErrNotFound indicates the receiver does not know the referenced team.
var ErrNotFound = errors.New("preview webhook team not found")

// Emitter posts deployment state events to a collaborator webhook.
type Emitter struct {
	url    string
	token  string
	client *http.Client
	now    func() time.Time
}

// Event is the webhook payload for one deployment state transition.
type Event struct {
	ID            string
	Key           string
	TeamID        string
	Branch        string
	State         string
	PreviousState string
	Port          int
	URL           string
	Handle        string
	Error         string
	OccurredAt    time.Time
}

// NewEmitter creates an emitter posting to webhookURL, authenticated with token when set.
func NewEmitter(webhookURL, token string, client *http.Client) (*Emitter, error) {
	trimmed := strings.TrimSpace(webhookURL)
	if trimmed == "" {
		return nil, errors.New("preview webhook url required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Emitter{
		url:    trimmed,
		token:  strings.TrimSpace(token),
		client: client,
		now:    time.Now,
	}, nil
}

// Emit sends the supplied event to the webhook.
func (e *Emitter) Emit(ctx context.Context, event Event) error {
	if e == nil {
		return errors.New("preview webhook emitter not initialised")
	}
	if strings.TrimSpace(event.TeamID) == "" {
		return errors.New("preview webhook requires team_id")
	}
	payload := buildPayload(event, e.now)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("X-Preview-Token", e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return e.errorForStatus(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (e *Emitter) errorForStatus(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, maxErrorBodySize)
	buf, _ := io.ReadAll(limited)
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, summary)
	default:
		return fmt.Errorf("webhook request failed: %s", summary)
	}
}

func buildPayload(event Event, nowFn func() time.Time) map[string]any {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = nowFn().UTC()
	} else {
		occurred = occurred.UTC()
	}
	payload := map[string]any{
		"id":          strings.TrimSpace(event.ID),
		"key":         strings.TrimSpace(event.Key),
		"team_id":     strings.TrimSpace(event.TeamID),
		"branch":      strings.TrimSpace(event.Branch),
		"state":       strings.TrimSpace(event.State),
		"occurred_at": occurred.Format(time.RFC3339Nano),
	}
	if event.PreviousState != "" {
		payload["previous_state"] = event.PreviousState
	}
	if event.Port > 0 {
		payload["port"] = event.Port
	}
	if event.URL != "" {
		payload["url"] = event.URL
	}
	if event.Handle != "" {
		payload["handle"] = event.Handle
	}
	if event.Error != "" {
		payload["error"] = event.Error
	}
	return payload
}
