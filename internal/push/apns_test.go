package push

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testAPNsKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return key
}

func testAPNsSender(t *testing.T, srv *httptest.Server) *APNsSender {
	t.Helper()
	return &APNsSender{
		client:  srv.Client(),
		baseURL: srv.URL,
		topic:   "com.example.care",
		key:     testAPNsKey(t),
		keyID:   "KEY1234567",
		teamID:  "TEAM123456",
	}
}

func TestSendVoIP_Success(t *testing.T) {
	var gotPath string
	var gotHeaders http.Header
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeaders = r.Header.Clone()
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("apns-id", "ABCD-1234")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := testAPNsSender(t, srv)
	payload := CallPayload{
		CallID:      "call-1",
		ChannelName: "chan",
		CallerName:  "Alice",
		CallerID:    "alice",
		GroupID:     "grp",
		ReceiverID:  "bob",
	}

	res := a.SendVoIP(context.Background(), "device-token", KindIncomingCall, payload)
	if !res.Success {
		t.Fatalf("Success = false: %s / %s", res.ErrorKind, res.ErrorDetail)
	}
	if res.MessageID != "ABCD-1234" {
		t.Errorf("MessageID = %q", res.MessageID)
	}
	if res.Platform != PlatformIOS {
		t.Errorf("Platform = %q", res.Platform)
	}

	if gotPath != "/3/device/device-token" {
		t.Errorf("path = %q", gotPath)
	}
	if !strings.HasPrefix(gotHeaders.Get("Authorization"), "bearer ") {
		t.Errorf("Authorization = %q", gotHeaders.Get("Authorization"))
	}
	if gotHeaders.Get("apns-topic") != "com.example.care.voip" {
		t.Errorf("apns-topic = %q", gotHeaders.Get("apns-topic"))
	}
	if gotHeaders.Get("apns-push-type") != "voip" {
		t.Errorf("apns-push-type = %q", gotHeaders.Get("apns-push-type"))
	}
	if gotHeaders.Get("apns-priority") != "10" {
		t.Errorf("apns-priority = %q", gotHeaders.Get("apns-priority"))
	}
	if gotHeaders.Get("apns-expiration") != "0" {
		t.Errorf("apns-expiration = %q", gotHeaders.Get("apns-expiration"))
	}
	if gotHeaders.Get("apns-collapse-id") != "call-1" {
		t.Errorf("apns-collapse-id = %q", gotHeaders.Get("apns-collapse-id"))
	}

	aps, ok := gotBody["aps"].(map[string]any)
	if !ok {
		t.Fatalf("no aps dictionary in body: %v", gotBody)
	}
	alert, ok := aps["alert"].(map[string]any)
	if !ok {
		t.Fatalf("no alert in aps: %v", aps)
	}
	if alert["body"] != "Alice is calling..." {
		t.Errorf("alert body = %v", alert["body"])
	}
	if gotBody["callId"] != "call-1" {
		t.Errorf("callId = %v", gotBody["callId"])
	}
	if gotBody["type"] != "incoming_call" {
		t.Errorf("type = %v", gotBody["type"])
	}
}

func TestSendVoIP_Rejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		json.NewEncoder(w).Encode(apnsErrorResponse{Reason: "Unregistered"})
	}))
	defer srv.Close()

	a := testAPNsSender(t, srv)
	res := a.SendVoIP(context.Background(), "stale-token", KindIncomingCall, CallPayload{CallID: "call-1"})

	if res.Success {
		t.Fatal("Success = true for rejected push")
	}
	if res.ErrorKind != "410" {
		t.Errorf("ErrorKind = %q, want 410", res.ErrorKind)
	}
	if res.ErrorDetail != "Unregistered" {
		t.Errorf("ErrorDetail = %q, want Unregistered", res.ErrorDetail)
	}
}

func TestSendVoIP_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server notices the client disconnect
		// and cancels the request context; otherwise Close deadlocks.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	a := testAPNsSender(t, srv)
	a.client = &http.Client{Timeout: 50 * time.Millisecond}

	res := a.SendVoIP(context.Background(), "device-token", KindIncomingCall, CallPayload{CallID: "call-1"})
	if res.Success {
		t.Fatal("Success = true")
	}
	if res.ErrorKind != ErrKindTimeout {
		t.Errorf("ErrorKind = %q, want timeout", res.ErrorKind)
	}
}

func TestBuildAPNsPayload_Cancellation(t *testing.T) {
	body, err := buildAPNsPayload(KindCallCancelled, CallPayload{CallID: "c1", ChannelName: "chan"})
	if err != nil {
		t.Fatalf("buildAPNsPayload() error: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshalling payload: %v", err)
	}

	aps, ok := decoded["aps"].(map[string]any)
	if !ok {
		t.Fatalf("no aps dictionary: %v", decoded)
	}
	if aps["content-available"] != float64(1) {
		t.Errorf("content-available = %v, want 1", aps["content-available"])
	}
	if _, ok := aps["alert"]; ok {
		t.Error("cancellation payload carries an alert")
	}
}

func TestNewAPNsSender_Validation(t *testing.T) {
	if _, err := NewAPNsSender(APNsConfig{}); err == nil {
		t.Error("empty config accepted")
	}
	if _, err := NewAPNsSender(APNsConfig{KeyFile: "k.p8", KeyID: "K", TeamID: "T"}); err == nil {
		t.Error("missing bundle id accepted")
	}
}

func TestNewAPNsSender_LoadsKey(t *testing.T) {
	key := testAPNsKey(t)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshalling key: %v", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	keyFile := filepath.Join(t.TempDir(), "auth.p8")
	if err := os.WriteFile(keyFile, pemData, 0600); err != nil {
		t.Fatalf("writing key file: %v", err)
	}

	a, err := NewAPNsSender(APNsConfig{
		KeyFile:  keyFile,
		KeyID:    "KEY1234567",
		TeamID:   "TEAM123456",
		BundleID: "com.example.care",
		Sandbox:  true,
	})
	if err != nil {
		t.Fatalf("NewAPNsSender() error: %v", err)
	}
	if a.baseURL != apnsSandboxURL {
		t.Errorf("baseURL = %q, want sandbox", a.baseURL)
	}

	// A provider token signs cleanly with the loaded key.
	if _, err := a.providerToken(); err != nil {
		t.Errorf("providerToken() error: %v", err)
	}
}

func TestParseP8PrivateKey_Invalid(t *testing.T) {
	if _, err := parseP8PrivateKey([]byte("not pem")); err == nil {
		t.Error("garbage accepted")
	}
}
