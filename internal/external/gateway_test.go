package external

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"schemealert/internal/config"
	"schemealert/internal/types"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...any)      {}
func (nopLogger) Warn(string, ...any)      {}
func (nopLogger) Error(string, ...any)     {}
func (nopLogger) With(...any) types.Logger { return nopLogger{} }

func testGatewayConfig(chatURL, textURL string) config.GatewayConfig {
	return config.GatewayConfig{
		ChatURL:   chatURL,
		TextURL:   textURL,
		APIKey:    "test-key",
		Timeout:   5 * time.Second,
		UserAgent: "SchemeAlert-Test/1.0",
	}
}

func TestGatewaySend_Success(t *testing.T) {
	var gotAuth, gotContentType string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"delivery_id":"dlv-123"}`))
	}))
	defer server.Close()

	gw := NewHTTPGateway(testGatewayConfig(server.URL, ""), nopLogger{}, WithSleepFunc(noopSleep))

	payload := []byte(`{"recipient":"user-1","body":"new scheme"}`)
	result, err := gw.Send(context.Background(), types.ChannelChat, payload)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if result.DeliveryID != "dlv-123" {
		t.Errorf("expected delivery id 'dlv-123', got %q", result.DeliveryID)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("expected bearer auth header, got %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("expected JSON content type, got %q", gotContentType)
	}
	if string(gotBody) != string(payload) {
		t.Errorf("payload not posted verbatim: got %s", gotBody)
	}
}

func TestGatewaySend_UnconfiguredChannelIsPermanent(t *testing.T) {
	gw := NewHTTPGateway(testGatewayConfig("http://localhost:1", ""), nopLogger{}, WithSleepFunc(noopSleep))

	_, err := gw.Send(context.Background(), types.ChannelText, []byte(`{}`))
	if err == nil {
		t.Fatal("expected error for unconfigured channel")
	}

	if !types.IsPermanentDelivery(err) {
		t.Errorf("expected permanent delivery error, got %v", err)
	}
}

func TestGatewaySend_4xxIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":"invalid_recipient","message":"no such recipient"}`))
	}))
	defer server.Close()

	gw := NewHTTPGateway(testGatewayConfig(server.URL, ""), nopLogger{}, WithSleepFunc(noopSleep))

	_, err := gw.Send(context.Background(), types.ChannelChat, []byte(`{}`))
	if err == nil {
		t.Fatal("expected error for 400 response")
	}

	if !types.IsPermanentDelivery(err) {
		t.Errorf("expected permanent delivery error, got %v", err)
	}
	if code := types.CodeOf(err); code != types.ErrCodeDeliveryPermanent {
		t.Errorf("expected %s, got %s", types.ErrCodeDeliveryPermanent, code)
	}
}

func TestGatewaySend_5xxIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	gw := NewHTTPGateway(testGatewayConfig(server.URL, ""), nopLogger{}, WithSleepFunc(noopSleep))

	_, err := gw.Send(context.Background(), types.ChannelChat, []byte(`{}`))
	if err == nil {
		t.Fatal("expected error for 503 responses")
	}

	if types.IsPermanentDelivery(err) {
		t.Errorf("503 must not dead-letter immediately, got %v", err)
	}
	if !types.IsTransientDelivery(err) {
		t.Errorf("expected transient delivery error, got %v", err)
	}
}

func TestGatewaySend_AcceptedWithoutDeliveryIDIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	gw := NewHTTPGateway(testGatewayConfig(server.URL, ""), nopLogger{}, WithSleepFunc(noopSleep))

	_, err := gw.Send(context.Background(), types.ChannelChat, []byte(`{}`))
	if err == nil {
		t.Fatal("expected error for missing delivery id")
	}

	if code := types.CodeOf(err); code != types.ErrCodeDeliveryTransient {
		t.Errorf("expected %s, got %s", types.ErrCodeDeliveryTransient, code)
	}
}

func TestGatewaySend_ChannelsUseSeparateEndpoints(t *testing.T) {
	var chatHits, textHits int
	chatServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatHits++
		w.Write([]byte(`{"delivery_id":"dlv-chat"}`))
	}))
	defer chatServer.Close()
	textServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		textHits++
		w.Write([]byte(`{"delivery_id":"dlv-text"}`))
	}))
	defer textServer.Close()

	gw := NewHTTPGateway(testGatewayConfig(chatServer.URL, textServer.URL), nopLogger{}, WithSleepFunc(noopSleep))

	chatResult, err := gw.Send(context.Background(), types.ChannelChat, []byte(`{}`))
	if err != nil {
		t.Fatalf("chat send failed: %v", err)
	}
	textResult, err := gw.Send(context.Background(), types.ChannelText, []byte(`{}`))
	if err != nil {
		t.Fatalf("text send failed: %v", err)
	}

	if chatResult.DeliveryID != "dlv-chat" || textResult.DeliveryID != "dlv-text" {
		t.Errorf("channel routing wrong: chat=%q text=%q", chatResult.DeliveryID, textResult.DeliveryID)
	}
	if chatHits != 1 || textHits != 1 {
		t.Errorf("expected one hit per endpoint, got chat=%d text=%d", chatHits, textHits)
	}
}
