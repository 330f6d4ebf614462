package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	apnsProductionHost = "https://api.push.apple.com"
	apnsSandboxHost    = "https://api.sandbox.push.apple.com"

	// Apple rejects provider tokens older than an hour; refresh well before.
	apnsTokenLifetime = 40 * time.Minute
)

// APNSConfig carries provider-token credentials (.p8 key) and app identity.
type APNSConfig struct {
	KeyID         string
	TeamID        string
	PrivateKeyPEM string
	BundleID      string
	Sandbox       bool

	// RingWindow bounds the apns-expiration of background pushes.
	// Defaults to RingTTL.
	RingWindow time.Duration

	// BaseURL overrides the APNs host. Test hook.
	BaseURL string
}

// APNSSender delivers wake pushes over APNs with ES256 provider-token auth.
//
// VoIP-capable tokens get the voip push type at priority 10: the OS starts
// the app and is contractually required to surface a call UI promptly.
// Standard tokens get a background (data-only) push at priority 5 with an
// expiration equal to the ringing window.
type APNSSender struct {
	cfg    APNSConfig
	client *http.Client

	mu          sync.Mutex
	bearer      string
	bearerUntil time.Time
	clock       func() time.Time
}

func NewAPNSSender(cfg APNSConfig) (*APNSSender, error) {
	if cfg.KeyID == "" || cfg.TeamID == "" || cfg.PrivateKeyPEM == "" {
		return nil, errors.New("push: apns key id, team id and private key are required")
	}
	if cfg.BundleID == "" {
		return nil, errors.New("push: apns bundle id is required")
	}
	// Fail fast on an unparseable key instead of at first dispatch.
	if _, err := jwt.ParseECPrivateKeyFromPEM([]byte(cfg.PrivateKeyPEM)); err != nil {
		return nil, fmt.Errorf("push: apns private key: %w", err)
	}
	if cfg.RingWindow <= 0 {
		cfg.RingWindow = RingTTL
	}
	if cfg.BaseURL == "" {
		if cfg.Sandbox {
			cfg.BaseURL = apnsSandboxHost
		} else {
			cfg.BaseURL = apnsProductionHost
		}
	}
	return &APNSSender{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		clock:  time.Now,
	}, nil
}

func (s *APNSSender) Platform() Platform { return PlatformIOS }

func (s *APNSSender) Send(ctx context.Context, tok DeviceToken, p WakePayload) error {
	bearer, err := s.providerToken()
	if err != nil {
		return err
	}

	var (
		body     map[string]any
		pushType string
		priority string
		topic    string
		expiry   int64
	)
	if tok.VoIP {
		pushType = "voip"
		priority = "10"
		topic = s.cfg.BundleID + ".voip"
		expiry = 0
		body = map[string]any{
			"aps":         map[string]any{},
			"call_id":     p.CallID,
			"caller_id":   p.CallerID,
			"caller_name": p.CallerName,
			"kind":        string(p.Kind),
		}
	} else {
		pushType = "background"
		priority = "5"
		topic = s.cfg.BundleID
		expiry = s.clock().Add(s.cfg.RingWindow).Unix()
		body = map[string]any{
			"aps":         map[string]any{"content-available": 1},
			"call_id":     p.CallID,
			"caller_id":   p.CallerID,
			"caller_name": p.CallerName,
			"kind":        string(p.Kind),
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/3/device/"+tok.Token, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("authorization", "bearer "+bearer)
	req.Header.Set("apns-topic", topic)
	req.Header.Set("apns-push-type", pushType)
	req.Header.Set("apns-priority", priority)
	req.Header.Set("apns-expiration", strconv.FormatInt(expiry, 10))
	req.Header.Set("content-type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("push: apns request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var apnsErr struct {
		Reason string `json:"reason"`
	}
	raw, _ = io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &apnsErr)
	if apnsErr.Reason == "" {
		return fmt.Errorf("push: apns status %d", resp.StatusCode)
	}
	return fmt.Errorf("push: apns status %d: %s", resp.StatusCode, apnsErr.Reason)
}

// providerToken returns a cached ES256 bearer, minting a new one when the
// cached token nears Apple's one-hour limit.
func (s *APNSSender) providerToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if s.bearer != "" && now.Before(s.bearerUntil) {
		return s.bearer, nil
	}

	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(s.cfg.PrivateKeyPEM))
	if err != nil {
		return "", fmt.Errorf("push: apns private key: %w", err)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": s.cfg.TeamID,
		"iat": now.Unix(),
	})
	tok.Header["kid"] = s.cfg.KeyID

	signed, err := tok.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("push: apns token sign: %w", err)
	}
	s.bearer = signed
	s.bearerUntil = now.Add(apnsTokenLifetime)
	return signed, nil
}
