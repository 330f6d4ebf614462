package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const fcmDefaultBaseURL = "https://fcm.googleapis.com"

// OAuthTokenSource supplies a bearer token for the FCM HTTP v1 API.
// Credential exchange (service-account JWT grant) lives behind this
// interface so tests and deployments can swap it.
type OAuthTokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed token. Useful for tests and for
// deployments that refresh the token out of process.
type StaticTokenSource string

func (s StaticTokenSource) Token(context.Context) (string, error) { return string(s), nil }

type FCMConfig struct {
	ProjectID string

	// RingWindow bounds the message ttl. Defaults to RingTTL.
	RingWindow time.Duration

	// BaseURL overrides the FCM host. Test hook.
	BaseURL string
}

// FCMSender delivers wake pushes over the FCM HTTP v1 API as data-only
// messages: android priority HIGH so delivery is immediate, ttl equal to
// the ringing window so a push cannot arrive after the attempt is dead.
type FCMSender struct {
	cfg    FCMConfig
	tokens OAuthTokenSource
	client *http.Client
}

func NewFCMSender(cfg FCMConfig, tokens OAuthTokenSource) (*FCMSender, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("push: fcm project id is required")
	}
	if tokens == nil {
		return nil, errors.New("push: fcm token source is required")
	}
	if cfg.RingWindow <= 0 {
		cfg.RingWindow = RingTTL
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = fcmDefaultBaseURL
	}
	return &FCMSender{
		cfg:    cfg,
		tokens: tokens,
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (s *FCMSender) Platform() Platform { return PlatformAndroid }

func (s *FCMSender) Send(ctx context.Context, tok DeviceToken, p WakePayload) error {
	bearer, err := s.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("push: fcm token source: %w", err)
	}

	msg := map[string]any{
		"message": map[string]any{
			"token": tok.Token,
			// Data-only: no notification block, so the OS invokes the
			// app's background handler instead of rendering an alert.
			"data": map[string]string{
				"call_id":     p.CallID,
				"caller_id":   p.CallerID,
				"caller_name": p.CallerName,
				"kind":        string(p.Kind),
			},
			"android": map[string]any{
				"priority": "HIGH",
				"ttl":      fmt.Sprintf("%ds", int(s.cfg.RingWindow.Seconds())),
			},
		},
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/v1/projects/%s/messages:send", s.cfg.BaseURL, s.cfg.ProjectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("push: fcm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("push: fcm status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}
