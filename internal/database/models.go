package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("not found")

// MessageStatus tracks the delivery state of a user-authored message.
// Agent responses carry an empty status.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// MessageKind distinguishes how a message was authored.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindVoice MessageKind = "voice"
	KindImage MessageKind = "image"
	KindFile  MessageKind = "file"
)

// Agent represents a remote webhook endpoint the user can converse with.
type Agent struct {
	ID        string    `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	Name         string `db:"name"`
	WebhookURL   string `db:"webhook_url"`
	Description  string `db:"description"`
	Icon         string `db:"icon"`
	VoiceEnabled bool   `db:"voice_enabled"`
}

// Conversation is a thread of messages exchanged with a single agent.
// The agent_id is immutable after creation.
type Conversation struct {
	ID        string    `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	AgentID       string    `db:"agent_id"`
	Title         string    `db:"title"`
	IsArchived    bool      `db:"is_archived"`
	LastMessageAt time.Time `db:"last_message_at"`
}

// Message is a single entry in a conversation. User-authored messages carry
// a delivery status; agent responses do not.
type Message struct {
	ID        string    `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	ConversationID string        `db:"conversation_id"`
	Content        string        `db:"content"`
	IsFromUser     bool          `db:"is_from_user"`
	Kind           MessageKind   `db:"kind"`
	Status         MessageStatus `db:"status"`
	Metadata       *Metadata     `db:"metadata"`
	Timestamp      time.Time     `db:"timestamp"`
}

// Attachment is a file associated with a message, referenced either by a
// local path or a remote URL.
type Attachment struct {
	ID         string    `db:"id"`
	MessageID  string    `db:"message_id"`
	FileName   string    `db:"file_name"`
	FileSize   int64     `db:"file_size"`
	MimeType   string    `db:"mime_type"`
	LocalPath  string    `db:"local_path"`
	RemoteURL  string    `db:"remote_url"`
	UploadedAt time.Time `db:"uploaded_at"`
}

// Metadata holds optional structured data attached to a message. It is
// persisted as a JSON column and may be nil.
type Metadata struct {
	ResponseTimeMs int64             `json:"response_time_ms,omitempty"`
	VoiceDuration  float64           `json:"voice_duration,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	RetryCount     int               `json:"retry_count,omitempty"`
	CustomData     map[string]string `json:"custom_data,omitempty"`
}

// Value implements driver.Valuer so Metadata can be written as a JSON TEXT column.
func (m *Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message metadata: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner for reading the JSON TEXT column.
func (m *Metadata) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata column type %T", src)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("failed to decode message metadata: %w", err)
	}
	return nil
}

// DisplayTitle returns the conversation title, falling back to a preview of
// the first message, then a generic placeholder.
func (c *Conversation) DisplayTitle(firstMessage string) string {
	if c.Title != "" {
		return c.Title
	}
	if firstMessage != "" {
		const maxPreview = 50
		if len(firstMessage) > maxPreview {
			return firstMessage[:maxPreview]
		}
		return firstMessage
	}
	return "New Conversation"
}

// ValidateWebhookURL checks that a webhook endpoint is a syntactically valid
// absolute http(s) URL. Agents must pass this check at save time.
func ValidateWebhookURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("webhook URL is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook URL must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("webhook URL is missing a host")
	}
	return nil
}
