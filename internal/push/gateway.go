package push

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// providerTokenTTL is how long a signed provider token stays valid
// before it must be regenerated. APNs recommends refreshing well
// before its one-hour hard expiry.
const providerTokenTTL = 55 * time.Minute

// Gateway is a token-authenticated client for a push notification
// gateway (the APNs HTTP/2 API, addressed through its provider-token
// auth scheme). The signing key is loaded once and a fresh provider
// JWT is minted whenever the cached one is close to expiring.
type Gateway struct {
	serviceURL string // e.g. "https://api.push.apple.com" (or the sandbox host)
	topic      string
	keyID      string
	teamID     string
	signingKey *ecdsa.PrivateKey
	client     *http.Client

	mu            sync.Mutex
	token         string
	tokenIssuedAt time.Time
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	KeyPath    string
	KeyID      string
	TeamID     string
	Topic      string
	Production bool
}

const (
	sandboxURL    = "https://api.sandbox.push.apple.com"
	productionURL = "https://api.push.apple.com"
)

// NewGateway loads the ES256 signing key from cfg.KeyPath and builds a
// Gateway pointed at the sandbox or production host.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	keyBytes, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("push: read signing key %s: %w", cfg.KeyPath, err)
	}

	key, err := jwt.ParseECPrivateKeyFromPEM(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("push: parse signing key: %w", err)
	}

	serviceURL := sandboxURL
	if cfg.Production {
		serviceURL = productionURL
	}

	return &Gateway{
		serviceURL: serviceURL,
		topic:      cfg.Topic,
		keyID:      cfg.KeyID,
		teamID:     cfg.TeamID,
		signingKey: key,
		client:     &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// providerToken returns a cached provider token, minting a new one if
// the cached token is missing or close to expiry.
func (g *Gateway) providerToken() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.token != "" && time.Since(g.tokenIssuedAt) < providerTokenTTL {
		return g.token, nil
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": g.teamID,
		"iat": now.Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = g.keyID

	signed, err := tok.SignedString(g.signingKey)
	if err != nil {
		return "", fmt.Errorf("push: sign provider token: %w", err)
	}

	g.token = signed
	g.tokenIssuedAt = now
	return signed, nil
}

// Payload is the notification content delivered to a single device.
type Payload struct {
	Title string
	Body  string
	Data  map[string]string
}

// ErrDeviceInactive is returned when the gateway reports a device
// token as no longer valid (HTTP 410), meaning it should be deleted.
var ErrDeviceInactive = fmt.Errorf("push: device inactive")

// Send posts one notification to a single device token. It returns
// ErrDeviceInactive on a 410 response so the caller can remove the
// device; any other non-2xx status is returned as a plain error.
func (g *Gateway) Send(ctx context.Context, deviceToken string, payload Payload) error {
	token, err := g.providerToken()
	if err != nil {
		return err
	}

	body := map[string]any{
		"aps": map[string]any{
			"alert": map[string]string{
				"title": payload.Title,
				"body":  payload.Body,
			},
			"sound": "default",
		},
	}
	for k, v := range payload.Data {
		body[k] = v
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("push: marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/3/device/%s", g.serviceURL, deviceToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("push: build request: %w", err)
	}
	req.Header.Set("authorization", "bearer "+token)
	req.Header.Set("apns-topic", g.topic)
	req.Header.Set("apns-push-type", "alert")
	req.Header.Set("content-type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("push: POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return ErrDeviceInactive
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push: gateway returned %d for device %s", resp.StatusCode, deviceToken)
	}
	return nil
}
