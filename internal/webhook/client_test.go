package webhook_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hookchat/hookchat/internal/secrets"
	"github.com/hookchat/hookchat/internal/webhook"
)

func testPayload() *webhook.Payload {
	return &webhook.Payload{
		Message:   "Hello",
		Timestamp: time.Now().UTC(),
		UserID:    "device-1",
		AgentID:   "a1",
		Metadata: webhook.PayloadMetadata{
			Platform:   "go",
			AppVersion: "1.0",
		},
	}
}

func TestDispatchSuccess(t *testing.T) {
	t.Parallel()

	var gotPayload webhook.Payload
	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("failed to decode request payload: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{
			"response":  "Hi!",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"agentId":   "a1",
			"metadata":  map[string]string{"model": "test"},
			"attachments": []map[string]any{
				{"type": "image/png", "url": "https://example.com/x.png", "name": "x.png", "size": 42},
			},
		}); err != nil {
			t.Errorf("failed to encode response: %v", err)
		}
	}))
	defer server.Close()

	client := webhook.NewClient(webhook.Config{UserAgent: "hookchat/test"}, secrets.NewMemoryProvider(), nil)
	resp, err := client.Dispatch(context.Background(), server.URL, testPayload())
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}

	if resp.Response != "Hi!" {
		t.Errorf("response text = %q, want %q", resp.Response, "Hi!")
	}
	if resp.AgentID != "a1" {
		t.Errorf("agent id = %q, want %q", resp.AgentID, "a1")
	}
	if resp.Metadata["model"] != "test" {
		t.Errorf("metadata = %v, want model=test", resp.Metadata)
	}
	if len(resp.Attachments) != 1 || resp.Attachments[0].URL != "https://example.com/x.png" {
		t.Errorf("attachments = %v", resp.Attachments)
	}

	if gotPayload.Message != "Hello" || gotPayload.UserID != "device-1" || gotPayload.AgentID != "a1" {
		t.Errorf("request payload = %+v", gotPayload)
	}
	if ct := gotHeaders.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if ua := gotHeaders.Get("User-Agent"); ua != "hookchat/test" {
		t.Errorf("User-Agent = %q", ua)
	}
	if auth := gotHeaders.Get("Authorization"); auth != "" {
		t.Errorf("Authorization header present without a stored secret: %q", auth)
	}
}

func TestDispatchAttachesBearerSecret(t *testing.T) {
	t.Parallel()

	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":"ok","timestamp":"2024-01-01T00:00:00Z"}`))
	}))
	defer server.Close()

	secretStore := secrets.NewMemoryProvider()
	if err := secretStore.Save(secrets.WebhookSecretKey(server.URL), []byte("s3cret")); err != nil {
		t.Fatalf("failed to store secret: %v", err)
	}

	client := webhook.NewClient(webhook.Config{}, secretStore, nil)
	if _, err := client.Dispatch(context.Background(), server.URL, testPayload()); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}

	if gotAuth != "Bearer s3cret" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer s3cret")
	}
}

func TestDispatchErrorKinds(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		status     int
		body       string
		wantKind   webhook.ErrorKind
		wantStatus int
	}{
		{
			name:       "server error status",
			status:     http.StatusInternalServerError,
			body:       `{"error":"boom"}`,
			wantKind:   webhook.ErrorHTTPStatus,
			wantStatus: 500,
		},
		{
			name:       "not found status",
			status:     http.StatusNotFound,
			body:       ``,
			wantKind:   webhook.ErrorHTTPStatus,
			wantStatus: 404,
		},
		{
			name:     "invalid json body",
			status:   http.StatusOK,
			body:     `not json at all`,
			wantKind: webhook.ErrorDecode,
		},
		{
			name:     "missing response field",
			status:   http.StatusOK,
			body:     `{"timestamp":"2024-01-01T00:00:00Z"}`,
			wantKind: webhook.ErrorDecode,
		},
		{
			name:     "missing timestamp field",
			status:   http.StatusOK,
			body:     `{"response":"Hi!"}`,
			wantKind: webhook.ErrorDecode,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			client := webhook.NewClient(webhook.Config{}, nil, nil)
			_, err := client.Dispatch(context.Background(), server.URL, testPayload())

			var de *webhook.DispatchError
			if !errors.As(err, &de) {
				t.Fatalf("Dispatch returned %v, want *DispatchError", err)
			}
			if de.Kind != tc.wantKind {
				t.Errorf("error kind = %v, want %v", de.Kind, tc.wantKind)
			}
			if tc.wantStatus != 0 && de.Status != tc.wantStatus {
				t.Errorf("error status = %d, want %d", de.Status, tc.wantStatus)
			}
		})
	}
}

func TestDispatchInvalidEndpoint(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		endpoint string
	}{
		{name: "empty", endpoint: ""},
		{name: "no scheme", endpoint: "example.com/hook"},
		{name: "wrong scheme", endpoint: "ftp://example.com/hook"},
	}

	client := webhook.NewClient(webhook.Config{}, nil, nil)
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := client.Dispatch(context.Background(), tc.endpoint, testPayload())
			var de *webhook.DispatchError
			if !errors.As(err, &de) {
				t.Fatalf("Dispatch returned %v, want *DispatchError", err)
			}
			if de.Kind != webhook.ErrorInvalidEndpoint {
				t.Errorf("error kind = %v, want ErrorInvalidEndpoint", de.Kind)
			}
		})
	}
}

func TestDispatchTransportError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close() // refuse connections from now on

	client := webhook.NewClient(webhook.Config{}, nil, nil)
	_, err := client.Dispatch(context.Background(), server.URL, testPayload())

	var de *webhook.DispatchError
	if !errors.As(err, &de) {
		t.Fatalf("Dispatch returned %v, want *DispatchError", err)
	}
	if de.Kind != webhook.ErrorTransport {
		t.Errorf("error kind = %v, want ErrorTransport", de.Kind)
	}
}

func TestRequestTimeoutBoundsHeadersOnly(t *testing.T) {
	t.Parallel()

	// Headers arrive at once but the body trickles in past the request
	// timeout. Only the transfer timeout bounds the body, so the exchange
	// must still succeed.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"response":"Hi!",`)); err != nil {
			t.Errorf("failed to write body: %v", err)
		}
		w.(http.Flusher).Flush()
		time.Sleep(300 * time.Millisecond)
		if _, err := w.Write([]byte(`"timestamp":"2026-01-02T03:04:05Z"}`)); err != nil {
			t.Errorf("failed to write body: %v", err)
		}
	}))
	defer server.Close()

	client := webhook.NewClient(webhook.Config{
		RequestTimeout:  50 * time.Millisecond,
		TransferTimeout: 5 * time.Second,
	}, nil, nil)

	resp, err := client.Dispatch(context.Background(), server.URL, testPayload())
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if resp.Response != "Hi!" {
		t.Errorf("response = %q, want Hi!", resp.Response)
	}
}

func TestRequestTimeoutFiresOnSlowHeaders(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := webhook.NewClient(webhook.Config{
		RequestTimeout:  50 * time.Millisecond,
		TransferTimeout: 5 * time.Second,
	}, nil, nil)

	_, err := client.Dispatch(context.Background(), server.URL, testPayload())

	var de *webhook.DispatchError
	if !errors.As(err, &de) {
		t.Fatalf("Dispatch returned %v, want *DispatchError", err)
	}
	if de.Kind != webhook.ErrorTransport {
		t.Errorf("error kind = %v, want ErrorTransport", de.Kind)
	}
}

func TestTestConnection(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{name: "ok with unparseable body", status: http.StatusOK, body: "anything goes", want: true},
		{name: "accepted", status: http.StatusAccepted, body: "", want: true},
		{name: "server error", status: http.StatusInternalServerError, body: "", want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var gotProbe map[string]any
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewDecoder(r.Body).Decode(&gotProbe)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			client := webhook.NewClient(webhook.Config{}, nil, nil)
			ok, err := client.TestConnection(context.Background(), server.URL, "a1")
			if err != nil {
				t.Fatalf("TestConnection returned error: %v", err)
			}
			if ok != tc.want {
				t.Errorf("TestConnection = %t, want %t", ok, tc.want)
			}
			if gotProbe["test"] != true {
				t.Errorf("probe payload = %v, want test=true", gotProbe)
			}
			if gotProbe["agentId"] != "a1" {
				t.Errorf("probe agentId = %v, want a1", gotProbe["agentId"])
			}
		})
	}
}
