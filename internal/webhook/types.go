package webhook

import (
	"fmt"
	"time"
)

// Payload is the JSON body POSTed to an agent's webhook endpoint.
type Payload struct {
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
	UserID    string          `json:"userId"`
	AgentID   string          `json:"agentId"`
	Metadata  PayloadMetadata `json:"metadata"`
}

// PayloadMetadata describes the sending client.
type PayloadMetadata struct {
	Platform     string `json:"platform"`
	AppVersion   string `json:"appVersion"`
	DeviceModel  string `json:"deviceModel"`
	OSVersion    string `json:"osVersion"`
	VoiceEnabled bool   `json:"voiceEnabled"`
}

// Response is the JSON body an agent endpoint returns on success.
type Response struct {
	Response    string            `json:"response"`
	Timestamp   time.Time         `json:"timestamp"`
	AgentID     string            `json:"agentId,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
}

// Attachment is a file reference returned alongside an agent response.
type Attachment struct {
	Type string `json:"type"`
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// testPayload is the lightweight probe body used by connection tests.
type testPayload struct {
	Test      bool      `json:"test"`
	Timestamp time.Time `json:"timestamp"`
	AgentID   string    `json:"agentId"`
}

// ErrorKind classifies dispatch failures.
type ErrorKind int

const (
	// ErrorInvalidEndpoint means the endpoint is not a usable absolute URL.
	ErrorInvalidEndpoint ErrorKind = iota
	// ErrorTransport covers connection and timeout failures.
	ErrorTransport
	// ErrorHTTPStatus means the endpoint answered outside 200-299.
	ErrorHTTPStatus
	// ErrorDecode means the response body does not match the expected schema.
	ErrorDecode
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorInvalidEndpoint:
		return "invalid_endpoint"
	case ErrorTransport:
		return "transport"
	case ErrorHTTPStatus:
		return "http_status"
	case ErrorDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// DispatchError is the typed failure returned by Dispatch.
type DispatchError struct {
	Kind   ErrorKind
	Status int // HTTP status code, set for ErrorHTTPStatus
	Err    error
}

func (e *DispatchError) Error() string {
	switch e.Kind {
	case ErrorHTTPStatus:
		return fmt.Sprintf("webhook returned HTTP %d", e.Status)
	default:
		if e.Err != nil {
			return fmt.Sprintf("webhook %s error: %v", e.Kind, e.Err)
		}
		return fmt.Sprintf("webhook %s error", e.Kind)
	}
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
