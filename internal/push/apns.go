package push

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	apnsProductionURL = "https://api.push.apple.com"
	apnsSandboxURL    = "https://api.sandbox.push.apple.com"
)

// APNsSender delivers VoIP push notifications via the Apple Push
// Notification service token-based (JWT) HTTP/2 provider API.
type APNsSender struct {
	client  *http.Client
	baseURL string
	topic   string // app bundle ID; ".voip" is appended for the VoIP topic

	// JWT signing fields. Provider tokens are regenerated per send;
	// signing an ES256 assertion is cheap and removes expiry bookkeeping.
	key    *ecdsa.PrivateKey
	keyID  string
	teamID string
}

// APNsConfig holds the configuration for creating an APNsSender.
type APNsConfig struct {
	// KeyFile is the path to the .p8 private key file from Apple.
	KeyFile string
	// KeyID is the 10-character key identifier from Apple.
	KeyID string
	// TeamID is the 10-character Apple Developer Team ID.
	TeamID string
	// BundleID is the app's bundle identifier, used as the APNs topic.
	BundleID string
	// Sandbox uses the APNs sandbox environment instead of production.
	Sandbox bool
}

// NewAPNsSender creates an APNsSender from the given configuration.
func NewAPNsSender(cfg APNsConfig) (*APNsSender, error) {
	if cfg.KeyFile == "" {
		return nil, fmt.Errorf("apns: key file path is required")
	}
	if cfg.KeyID == "" {
		return nil, fmt.Errorf("apns: key id is required")
	}
	if cfg.TeamID == "" {
		return nil, fmt.Errorf("apns: team id is required")
	}
	if cfg.BundleID == "" {
		return nil, fmt.Errorf("apns: bundle id is required")
	}

	keyData, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("apns: reading key file: %w", err)
	}

	key, err := parseP8PrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("apns: parsing p8 key: %w", err)
	}

	baseURL := apnsProductionURL
	if cfg.Sandbox {
		baseURL = apnsSandboxURL
	}

	slog.Info("apns sender initialised", "key_id", cfg.KeyID, "team_id", cfg.TeamID, "topic", cfg.BundleID, "sandbox", cfg.Sandbox)

	return &APNsSender{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
		topic:   cfg.BundleID,
		key:     key,
		keyID:   cfg.KeyID,
		teamID:  cfg.TeamID,
	}, nil
}

// SendVoIP delivers a push to the given VoIP device token. The request is
// high priority with immediate expiration, and apns-collapse-id is set to
// the call ID so duplicate sends for one call coalesce at the gateway
// instead of stacking notifications on the device.
func (a *APNsSender) SendVoIP(ctx context.Context, deviceToken string, kind Kind, payload CallPayload) Result {
	providerToken, err := a.providerToken()
	if err != nil {
		return Result{
			Platform:    PlatformIOS,
			ErrorKind:   ErrKindException,
			ErrorDetail: fmt.Sprintf("generating provider token: %v", err),
		}
	}

	body, err := buildAPNsPayload(kind, payload)
	if err != nil {
		return Result{
			Platform:    PlatformIOS,
			ErrorKind:   ErrKindException,
			ErrorDetail: fmt.Sprintf("building payload: %v", err),
		}
	}

	url := fmt.Sprintf("%s/3/device/%s", a.baseURL, deviceToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{
			Platform:    PlatformIOS,
			ErrorKind:   ErrKindException,
			ErrorDetail: fmt.Sprintf("creating request: %v", err),
		}
	}

	req.Header.Set("Authorization", "bearer "+providerToken)
	req.Header.Set("apns-topic", a.topic+".voip")
	req.Header.Set("apns-push-type", "voip")
	req.Header.Set("apns-priority", "10")
	req.Header.Set("apns-expiration", "0")
	req.Header.Set("apns-collapse-id", payload.CallID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			slog.Error("apns push timeout", "call_id", payload.CallID)
			return Result{
				Platform:    PlatformIOS,
				ErrorKind:   ErrKindTimeout,
				ErrorDetail: "request timeout",
			}
		}
		slog.Error("apns push transport error", "call_id", payload.CallID, "error", err)
		return Result{
			Platform:    PlatformIOS,
			ErrorKind:   ErrKindException,
			ErrorDetail: err.Error(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		apnsID := resp.Header.Get("apns-id")
		slog.Debug("apns voip push sent", "apns_id", apnsID, "call_id", payload.CallID)
		return Result{Success: true, Platform: PlatformIOS, MessageID: apnsID}
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	reason := ""
	var apnsErr apnsErrorResponse
	if err := json.Unmarshal(respBody, &apnsErr); err == nil {
		reason = apnsErr.Reason
	}
	if reason == "" {
		reason = string(respBody)
	}

	slog.Error("apns push rejected", "status", resp.StatusCode, "reason", reason, "call_id", payload.CallID)
	return Result{
		Platform:    PlatformIOS,
		ErrorKind:   strconv.Itoa(resp.StatusCode),
		ErrorDetail: reason,
	}
}

// providerToken signs a fresh ES256 authentication assertion for APNs.
func (a *APNsSender) providerToken() (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:   a.teamID,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = a.keyID

	signed, err := tok.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	return signed, nil
}

// apnsErrorResponse represents the JSON error body returned by APNs.
type apnsErrorResponse struct {
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// buildAPNsPayload creates the JSON body for an APNs VoIP push. Incoming
// calls carry an alert so CallKit has display context; cancellations are a
// silent content-available wakeup.
func buildAPNsPayload(kind Kind, p CallPayload) ([]byte, error) {
	body := map[string]any{}
	for k, v := range p.dataMap(kind) {
		body[k] = v
	}

	switch kind {
	case KindIncomingCall:
		body["aps"] = map[string]any{
			"alert": map[string]string{
				"title": "Incoming Call",
				"body":  p.CallerName + " is calling...",
			},
			"sound": "default",
		}
	default:
		body["aps"] = map[string]any{"content-available": 1}
	}

	return json.Marshal(body)
}

// isTimeout reports whether the transport error was a timeout, so callers
// can distinguish retryable from terminal conditions.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// parseP8PrivateKey parses an Apple .p8 private key file (PKCS#8 PEM-encoded
// ECDSA P-256 key) and returns the *ecdsa.PrivateKey.
func parseP8PrivateKey(pemData []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing PKCS8 key: %w", err)
	}

	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not ECDSA")
	}

	return ecKey, nil
}
