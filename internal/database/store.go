package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Store defines the interface for database operations.
// Methods accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// CreateAgent inserts a new agent. The webhook URL must be a valid
	// absolute http(s) URL.
	CreateAgent(ctx context.Context, agent *Agent) error

	// GetAgent retrieves an agent by ID. Returns ErrNotFound if absent.
	GetAgent(ctx context.Context, id string) (*Agent, error)

	// ListAgents retrieves all agents ordered by creation time descending.
	ListAgents(ctx context.Context) ([]*Agent, error)

	// UpdateAgent updates an existing agent's mutable fields.
	UpdateAgent(ctx context.Context, agent *Agent) error

	// DeleteAgent deletes an agent and cascades to its conversations,
	// messages, and attachments.
	DeleteAgent(ctx context.Context, id string) error

	// CreateConversation inserts a new conversation owned by an agent.
	CreateConversation(ctx context.Context, conv *Conversation) error

	// GetConversation retrieves a conversation by ID. Returns ErrNotFound if absent.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// ListConversations retrieves conversations for an agent ordered by
	// last_message_at descending, optionally including archived ones.
	ListConversations(ctx context.Context, agentID string, includeArchived bool) ([]*Conversation, error)

	// SetConversationArchived flips the archived flag on a conversation.
	SetConversationArchived(ctx context.Context, id string, archived bool) error

	// SetConversationTitle updates a conversation's display title.
	SetConversationTitle(ctx context.Context, id, title string) error

	// DeleteConversation deletes a conversation and its messages and attachments.
	DeleteConversation(ctx context.Context, id string) error

	// SaveMessage inserts a new message and bumps the owning conversation's
	// last_message_at in the same transaction. The message timestamp is
	// clamped so it never precedes the conversation's current last_message_at.
	SaveMessage(ctx context.Context, message *Message) error

	// GetMessage retrieves a message by ID. Returns ErrNotFound if absent.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// ListMessages retrieves all messages in a conversation ordered by
	// timestamp ascending.
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)

	// UpdateMessageStatus sets the delivery status and metadata of a message.
	UpdateMessageStatus(ctx context.Context, id string, status MessageStatus, metadata *Metadata) error

	// DeleteMessage deletes a message (cascading its attachments) and
	// recomputes the owning conversation's last_message_at from the
	// remaining history, all in one transaction.
	DeleteMessage(ctx context.Context, id string) error

	// SaveAttachments inserts attachment records for a message.
	SaveAttachments(ctx context.Context, attachments []*Attachment) error

	// ListAttachments retrieves attachments for a message ordered by upload time.
	ListAttachments(ctx context.Context, messageID string) ([]*Attachment, error)

	// DeleteMessagesBefore purges messages (and their attachments) older than
	// the cutoff and reports how many messages were removed. Conversations'
	// last_message_at values are left untouched; the sweep only removes rows
	// strictly older than every surviving message.
	DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// RunMaintenance performs database maintenance tasks like VACUUM.
	RunMaintenance(ctx context.Context) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent == nil {
		return fmt.Errorf("cannot save nil agent")
	}
	if agent.Name == "" {
		return fmt.Errorf("agent must have a non-empty name")
	}
	if err := ValidateWebhookURL(agent.WebhookURL); err != nil {
		return fmt.Errorf("agent %q: %w", agent.Name, err)
	}

	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	query := `
        INSERT INTO agents (id, name, webhook_url, description, icon, voice_enabled, created_at, updated_at)
        VALUES (:id, :name, :webhook_url, :description, :icon, :voice_enabled, :created_at, :updated_at);
    `
	if _, err := s.db.NamedExecContext(ctx, query, agent); err != nil {
		s.logger.ErrorContext(ctx, "Error saving agent", "name", agent.Name, "error", err)
		return fmt.Errorf("failed to save agent %q: %w", agent.Name, err)
	}

	s.logger.DebugContext(ctx, "Agent created", "agent_id", agent.ID, "name", agent.Name)
	return nil
}

func (s *sqlxStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var agent Agent
	err := s.db.GetContext(ctx, &agent, `SELECT * FROM agents WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Error getting agent", "agent_id", id, "error", err)
		return nil, fmt.Errorf("failed to get agent %s: %w", id, err)
	}
	return &agent, nil
}

func (s *sqlxStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	var agents []*Agent
	err := s.db.SelectContext(ctx, &agents, `SELECT * FROM agents ORDER BY created_at DESC`)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error listing agents", "error", err)
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

func (s *sqlxStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("cannot update agent without an ID")
	}
	if err := ValidateWebhookURL(agent.WebhookURL); err != nil {
		return fmt.Errorf("agent %q: %w", agent.Name, err)
	}
	agent.UpdatedAt = time.Now().UTC()

	query := `
        UPDATE agents
        SET name = :name, webhook_url = :webhook_url, description = :description,
            icon = :icon, voice_enabled = :voice_enabled, updated_at = :updated_at
        WHERE id = :id;
    `
	result, err := s.db.NamedExecContext(ctx, query, agent)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error updating agent", "agent_id", agent.ID, "error", err)
		return fmt.Errorf("failed to update agent %s: %w", agent.ID, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("agent %s: %w", agent.ID, ErrNotFound)
	}
	return nil
}

// DeleteAgent removes an agent. Conversations, messages, and attachments go
// with it via foreign key cascades.
func (s *sqlxStore) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error deleting agent", "agent_id", id, "error", err)
		return fmt.Errorf("failed to delete agent %s: %w", id, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	s.logger.InfoContext(ctx, "Agent deleted", "agent_id", id)
	return nil
}

func (s *sqlxStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv == nil {
		return fmt.Errorf("cannot save nil conversation")
	}
	if conv.AgentID == "" {
		return fmt.Errorf("conversation must reference an agent")
	}

	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	if conv.LastMessageAt.IsZero() {
		conv.LastMessageAt = now
	}

	query := `
        INSERT INTO conversations (id, agent_id, title, is_archived, last_message_at, created_at, updated_at)
        VALUES (:id, :agent_id, :title, :is_archived, :last_message_at, :created_at, :updated_at);
    `
	if _, err := s.db.NamedExecContext(ctx, query, conv); err != nil {
		s.logger.ErrorContext(ctx, "Error saving conversation", "agent_id", conv.AgentID, "error", err)
		return fmt.Errorf("failed to save conversation for agent %s: %w", conv.AgentID, err)
	}

	s.logger.DebugContext(ctx, "Conversation created", "conversation_id", conv.ID, "agent_id", conv.AgentID)
	return nil
}

func (s *sqlxStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	err := s.db.GetContext(ctx, &conv, `SELECT * FROM conversations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Error getting conversation", "conversation_id", id, "error", err)
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return &conv, nil
}

func (s *sqlxStore) ListConversations(ctx context.Context, agentID string, includeArchived bool) ([]*Conversation, error) {
	query := `SELECT * FROM conversations WHERE agent_id = ?`
	if !includeArchived {
		query += ` AND is_archived = 0`
	}
	query += ` ORDER BY last_message_at DESC`

	var convs []*Conversation
	if err := s.db.SelectContext(ctx, &convs, query, agentID); err != nil {
		s.logger.ErrorContext(ctx, "Error listing conversations", "agent_id", agentID, "error", err)
		return nil, fmt.Errorf("failed to list conversations for agent %s: %w", agentID, err)
	}
	return convs, nil
}

func (s *sqlxStore) SetConversationArchived(ctx context.Context, id string, archived bool) error {
	query := `UPDATE conversations SET is_archived = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, archived, time.Now().UTC(), id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error archiving conversation", "conversation_id", id, "error", err)
		return fmt.Errorf("failed to archive conversation %s: %w", id, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqlxStore) SetConversationTitle(ctx context.Context, id, title string) error {
	query := `UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, title, time.Now().UTC(), id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error setting conversation title", "conversation_id", id, "error", err)
		return fmt.Errorf("failed to set title for conversation %s: %w", id, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqlxStore) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error deleting conversation", "conversation_id", id, "error", err)
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	s.logger.InfoContext(ctx, "Conversation deleted", "conversation_id", id)
	return nil
}

// SaveMessage inserts a new message record and bumps the conversation's
// last_message_at in the same transaction.
func (s *sqlxStore) SaveMessage(ctx context.Context, message *Message) error {
	if message == nil {
		return fmt.Errorf("cannot save nil message")
	}
	if message.ConversationID == "" {
		return fmt.Errorf("message must reference a conversation")
	}
	if message.Content == "" {
		return fmt.Errorf("message must have non-empty content")
	}

	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.Kind == "" {
		message.Kind = KindText
	}
	now := time.Now().UTC()
	if message.Timestamp.IsZero() {
		message.Timestamp = now
	}
	message.CreatedAt = now
	message.UpdatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for saving message",
			"conversation_id", message.ConversationID, "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
			}
		}
	}()

	// Timestamps are monotonically non-decreasing within a conversation:
	// clamp the new message's timestamp to the conversation's current high-water mark.
	var lastMessageAt time.Time
	err = tx.GetContext(ctx, &lastMessageAt,
		`SELECT last_message_at FROM conversations WHERE id = ?`, message.ConversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("conversation %s: %w", message.ConversationID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read conversation %s: %w", message.ConversationID, err)
	}
	if message.Timestamp.Before(lastMessageAt) {
		message.Timestamp = lastMessageAt
	}

	insert := `
        INSERT INTO messages (id, conversation_id, content, is_from_user, kind, status, metadata, timestamp, created_at, updated_at)
        VALUES (:id, :conversation_id, :content, :is_from_user, :kind, :status, :metadata, :timestamp, :created_at, :updated_at);
    `
	if _, err := tx.NamedExecContext(ctx, insert, message); err != nil {
		s.logger.ErrorContext(ctx, "Error saving message",
			"conversation_id", message.ConversationID, "error", err)
		return fmt.Errorf("failed to save message in conversation %s: %w", message.ConversationID, err)
	}

	bump := `UPDATE conversations SET last_message_at = ?, updated_at = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, bump, message.Timestamp, now, message.ConversationID); err != nil {
		return fmt.Errorf("failed to update conversation %s: %w", message.ConversationID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Message saved",
		"message_id", message.ID,
		"conversation_id", message.ConversationID,
		"from_user", message.IsFromUser,
		"status", message.Status)
	return nil
}

func (s *sqlxStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	var message Message
	err := s.db.GetContext(ctx, &message, `SELECT * FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Error getting message", "message_id", id, "error", err)
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return &message, nil
}

func (s *sqlxStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	query := `
        SELECT * FROM messages
        WHERE conversation_id = ?
        ORDER BY timestamp ASC, created_at ASC;
    `
	var messages []*Message
	if err := s.db.SelectContext(ctx, &messages, query, conversationID); err != nil {
		s.logger.ErrorContext(ctx, "Error listing messages", "conversation_id", conversationID, "error", err)
		return nil, fmt.Errorf("failed to list messages for conversation %s: %w", conversationID, err)
	}
	return messages, nil
}

func (s *sqlxStore) UpdateMessageStatus(ctx context.Context, id string, status MessageStatus, metadata *Metadata) error {
	query := `UPDATE messages SET status = ?, metadata = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, status, metadata, time.Now().UTC(), id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error updating message status", "message_id", id, "status", status, "error", err)
		return fmt.Errorf("failed to update status of message %s: %w", id, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}

	s.logger.DebugContext(ctx, "Message status updated", "message_id", id, "status", status)
	return nil
}

// DeleteMessage removes a message and recomputes the conversation's
// last_message_at from the remaining history so the invariant
// last_message_at == max(message timestamps) keeps holding.
func (s *sqlxStore) DeleteMessage(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for deleting message", "message_id", id, "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
			}
		}
	}()

	var conversationID string
	err = tx.GetContext(ctx, &conversationID, `SELECT conversation_id FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to look up message %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE message_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete attachments of message %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}

	recompute := `
        UPDATE conversations
        SET last_message_at = COALESCE(
                (SELECT MAX(timestamp) FROM messages WHERE conversation_id = conversations.id),
                conversations.created_at),
            updated_at = ?
        WHERE id = ?;
    `
	if _, err := tx.ExecContext(ctx, recompute, time.Now().UTC(), conversationID); err != nil {
		return fmt.Errorf("failed to recompute last_message_at for conversation %s: %w", conversationID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Message deleted", "message_id", id, "conversation_id", conversationID)
	return nil
}

func (s *sqlxStore) SaveAttachments(ctx context.Context, attachments []*Attachment) error {
	if len(attachments) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
			}
		}
	}()

	query := `
        INSERT INTO attachments (id, message_id, file_name, file_size, mime_type, local_path, remote_url, uploaded_at)
        VALUES (:id, :message_id, :file_name, :file_size, :mime_type, :local_path, :remote_url, :uploaded_at);
    `
	for _, att := range attachments {
		if att.MessageID == "" {
			return fmt.Errorf("attachment must reference a message")
		}
		if att.ID == "" {
			att.ID = uuid.NewString()
		}
		if att.UploadedAt.IsZero() {
			att.UploadedAt = time.Now().UTC()
		}
		if _, err := tx.NamedExecContext(ctx, query, att); err != nil {
			s.logger.ErrorContext(ctx, "Error saving attachment", "message_id", att.MessageID, "error", err)
			return fmt.Errorf("failed to save attachment for message %s: %w", att.MessageID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Attachments saved", "count", len(attachments))
	return nil
}

func (s *sqlxStore) ListAttachments(ctx context.Context, messageID string) ([]*Attachment, error) {
	query := `SELECT * FROM attachments WHERE message_id = ? ORDER BY uploaded_at ASC`
	var attachments []*Attachment
	if err := s.db.SelectContext(ctx, &attachments, query, messageID); err != nil {
		s.logger.ErrorContext(ctx, "Error listing attachments", "message_id", messageID, "error", err)
		return nil, fmt.Errorf("failed to list attachments for message %s: %w", messageID, err)
	}
	return attachments, nil
}

// DeleteMessagesBefore purges messages older than the cutoff, cascading to
// their attachments. Used by the retention sweep.
func (s *sqlxStore) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
			}
		}
	}()

	attQuery := `
        DELETE FROM attachments
        WHERE message_id IN (SELECT id FROM messages WHERE timestamp < ?);
    `
	if _, err := tx.ExecContext(ctx, attQuery, cutoff); err != nil {
		s.logger.ErrorContext(ctx, "Error purging old attachments", "cutoff", cutoff, "error", err)
		return 0, fmt.Errorf("failed to purge attachments before %s: %w", cutoff, err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE timestamp < ?`, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error purging old messages", "cutoff", cutoff, "error", err)
		return 0, fmt.Errorf("failed to purge messages before %s: %w", cutoff, err)
	}
	count, _ := result.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.InfoContext(ctx, "Purged old messages", "cutoff", cutoff, "count", count)
	return count, nil
}

// RunMaintenance executes VACUUM and ANALYZE on the SQLite database.
func (s *sqlxStore) RunMaintenance(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Running database maintenance")

	if _, err := s.db.ExecContext(ctx, `VACUUM;`); err != nil {
		s.logger.ErrorContext(ctx, "Error running VACUUM", "error", err)
		return fmt.Errorf("failed to run VACUUM: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `ANALYZE;`); err != nil {
		s.logger.ErrorContext(ctx, "Error running ANALYZE", "error", err)
		return fmt.Errorf("failed to run ANALYZE: %w", err)
	}

	s.logger.InfoContext(ctx, "Database maintenance completed")
	return nil
}
