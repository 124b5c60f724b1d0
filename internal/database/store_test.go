package database_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hookchat/hookchat/internal/database"
)

// newTestStore opens a fresh in-memory database with migrations applied.
func newTestStore(t *testing.T) database.Store {
	t.Helper()

	db, err := database.NewDB(":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })

	return database.NewStore(db, nil)
}

func seedAgent(t *testing.T, store database.Store) *database.Agent {
	t.Helper()

	agent := &database.Agent{Name: "n8n", WebhookURL: "https://example.com/hook"}
	if err := store.CreateAgent(context.Background(), agent); err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}
	return agent
}

func seedConversation(t *testing.T, store database.Store, agentID string) *database.Conversation {
	t.Helper()

	conv := &database.Conversation{AgentID: agentID}
	if err := store.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}
	return conv
}

func TestCreateAgentValidatesWebhookURL(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	testCases := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "https url", url: "https://example.com/webhook/abc", wantErr: false},
		{name: "http url", url: "http://localhost:5678/hook", wantErr: false},
		{name: "empty", url: "", wantErr: true},
		{name: "relative", url: "/hook", wantErr: true},
		{name: "wrong scheme", url: "ftp://example.com", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := store.CreateAgent(ctx, &database.Agent{Name: "a", WebhookURL: tc.url})
			if (err != nil) != tc.wantErr {
				t.Errorf("CreateAgent(%q) error = %v, wantErr %t", tc.url, err, tc.wantErr)
			}
		})
	}
}

func TestAgentCRUD(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, store)

	got, err := store.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetAgent returned error: %v", err)
	}
	if got.Name != "n8n" || got.WebhookURL != "https://example.com/hook" {
		t.Errorf("GetAgent = %+v", got)
	}

	got.Description = "workflow agent"
	got.VoiceEnabled = true
	if err := store.UpdateAgent(ctx, got); err != nil {
		t.Fatalf("UpdateAgent returned error: %v", err)
	}
	updated, err := store.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetAgent after update returned error: %v", err)
	}
	if updated.Description != "workflow agent" || !updated.VoiceEnabled {
		t.Errorf("updated agent = %+v", updated)
	}

	if err := store.DeleteAgent(ctx, agent.ID); err != nil {
		t.Fatalf("DeleteAgent returned error: %v", err)
	}
	if _, err := store.GetAgent(ctx, agent.ID); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("GetAgent after delete = %v, want ErrNotFound", err)
	}
}

func TestDeleteAgentCascades(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, store)
	conv := seedConversation(t, store, agent.ID)

	msg := &database.Message{ConversationID: conv.ID, Content: "hi", IsFromUser: true}
	if err := store.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("SaveMessage returned error: %v", err)
	}
	if err := store.SaveAttachments(ctx, []*database.Attachment{{MessageID: msg.ID, FileName: "a.png"}}); err != nil {
		t.Fatalf("SaveAttachments returned error: %v", err)
	}

	if err := store.DeleteAgent(ctx, agent.ID); err != nil {
		t.Fatalf("DeleteAgent returned error: %v", err)
	}

	if _, err := store.GetConversation(ctx, conv.ID); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("conversation survived agent delete: %v", err)
	}
	if _, err := store.GetMessage(ctx, msg.ID); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("message survived agent delete: %v", err)
	}
	atts, err := store.ListAttachments(ctx, msg.ID)
	if err != nil {
		t.Fatalf("ListAttachments returned error: %v", err)
	}
	if len(atts) != 0 {
		t.Errorf("attachments survived agent delete: %d", len(atts))
	}
}

func TestSaveMessageBumpsLastMessageAt(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, store)
	conv := seedConversation(t, store, agent.ID)

	msg := &database.Message{
		ConversationID: conv.ID,
		Content:        "Hello",
		IsFromUser:     true,
		Status:         database.StatusPending,
		Timestamp:      time.Now().UTC().Add(time.Minute),
	}
	if err := store.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("SaveMessage returned error: %v", err)
	}

	got, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation returned error: %v", err)
	}
	if !got.LastMessageAt.Equal(msg.Timestamp) {
		t.Errorf("last_message_at = %v, want %v", got.LastMessageAt, msg.Timestamp)
	}
}

func TestSaveMessageClampsTimestamps(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, store)
	conv := seedConversation(t, store, agent.ID)

	later := time.Now().UTC().Add(time.Hour)
	first := &database.Message{ConversationID: conv.ID, Content: "first", IsFromUser: true, Timestamp: later}
	if err := store.SaveMessage(ctx, first); err != nil {
		t.Fatalf("SaveMessage returned error: %v", err)
	}

	// A message timestamped before the conversation's high-water mark must
	// be clamped so ordering stays monotonically non-decreasing.
	second := &database.Message{ConversationID: conv.ID, Content: "second", IsFromUser: false, Timestamp: later.Add(-time.Minute)}
	if err := store.SaveMessage(ctx, second); err != nil {
		t.Fatalf("SaveMessage returned error: %v", err)
	}
	if second.Timestamp.Before(later) {
		t.Errorf("second message timestamp %v precedes %v", second.Timestamp, later)
	}

	messages, err := store.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ListMessages returned error: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if messages[0].Content != "first" || messages[1].Content != "second" {
		t.Errorf("message order = [%s, %s]", messages[0].Content, messages[1].Content)
	}
}

func TestDeleteMessageRecomputesLastMessageAt(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, store)
	conv := seedConversation(t, store, agent.ID)

	base := time.Now().UTC()
	older := &database.Message{ConversationID: conv.ID, Content: "older", IsFromUser: true, Timestamp: base.Add(time.Minute)}
	newer := &database.Message{ConversationID: conv.ID, Content: "newer", IsFromUser: true, Timestamp: base.Add(2 * time.Minute)}
	for _, m := range []*database.Message{older, newer} {
		if err := store.SaveMessage(ctx, m); err != nil {
			t.Fatalf("SaveMessage returned error: %v", err)
		}
	}

	if err := store.DeleteMessage(ctx, newer.ID); err != nil {
		t.Fatalf("DeleteMessage returned error: %v", err)
	}

	got, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation returned error: %v", err)
	}
	if !got.LastMessageAt.Equal(older.Timestamp) {
		t.Errorf("last_message_at = %v, want %v", got.LastMessageAt, older.Timestamp)
	}

	// Deleting the last remaining message falls back to the conversation's
	// creation time.
	if err := store.DeleteMessage(ctx, older.ID); err != nil {
		t.Fatalf("DeleteMessage returned error: %v", err)
	}
	got, err = store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation returned error: %v", err)
	}
	if !got.LastMessageAt.Equal(got.CreatedAt) {
		t.Errorf("last_message_at = %v, want created_at %v", got.LastMessageAt, got.CreatedAt)
	}
}

func TestUpdateMessageStatusAndMetadata(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, store)
	conv := seedConversation(t, store, agent.ID)

	msg := &database.Message{ConversationID: conv.ID, Content: "Hello", IsFromUser: true, Status: database.StatusPending}
	if err := store.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("SaveMessage returned error: %v", err)
	}

	meta := &database.Metadata{ErrorMessage: "webhook returned HTTP 500", RetryCount: 1}
	if err := store.UpdateMessageStatus(ctx, msg.ID, database.StatusFailed, meta); err != nil {
		t.Fatalf("UpdateMessageStatus returned error: %v", err)
	}

	got, err := store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage returned error: %v", err)
	}
	if got.Status != database.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.Metadata == nil || got.Metadata.ErrorMessage != "webhook returned HTTP 500" || got.Metadata.RetryCount != 1 {
		t.Errorf("metadata = %+v", got.Metadata)
	}

	if err := store.UpdateMessageStatus(ctx, "missing", database.StatusFailed, nil); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("UpdateMessageStatus on missing message = %v, want ErrNotFound", err)
	}
}

func TestListConversationsArchivedFilter(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, store)

	active := seedConversation(t, store, agent.ID)
	archived := seedConversation(t, store, agent.ID)
	if err := store.SetConversationArchived(ctx, archived.ID, true); err != nil {
		t.Fatalf("SetConversationArchived returned error: %v", err)
	}

	visible, err := store.ListConversations(ctx, agent.ID, false)
	if err != nil {
		t.Fatalf("ListConversations returned error: %v", err)
	}
	if len(visible) != 1 || visible[0].ID != active.ID {
		t.Errorf("visible conversations = %d", len(visible))
	}

	all, err := store.ListConversations(ctx, agent.ID, true)
	if err != nil {
		t.Fatalf("ListConversations returned error: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all conversations = %d, want 2", len(all))
	}
}

func TestDeleteMessagesBefore(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, store)
	conv := seedConversation(t, store, agent.ID)

	now := time.Now().UTC()
	old := &database.Message{ConversationID: conv.ID, Content: "old", IsFromUser: true, Timestamp: now.Add(time.Second)}
	if err := store.SaveMessage(ctx, old); err != nil {
		t.Fatalf("SaveMessage returned error: %v", err)
	}
	if err := store.SaveAttachments(ctx, []*database.Attachment{{MessageID: old.ID, FileName: "old.png"}}); err != nil {
		t.Fatalf("SaveAttachments returned error: %v", err)
	}
	fresh := &database.Message{ConversationID: conv.ID, Content: "fresh", IsFromUser: true, Timestamp: now.Add(48 * time.Hour)}
	if err := store.SaveMessage(ctx, fresh); err != nil {
		t.Fatalf("SaveMessage returned error: %v", err)
	}

	count, err := store.DeleteMessagesBefore(ctx, now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteMessagesBefore returned error: %v", err)
	}
	if count != 1 {
		t.Errorf("purged %d messages, want 1", count)
	}

	if _, err := store.GetMessage(ctx, old.ID); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("old message survived the sweep: %v", err)
	}
	if _, err := store.GetMessage(ctx, fresh.ID); err != nil {
		t.Errorf("fresh message was purged: %v", err)
	}
	atts, err := store.ListAttachments(ctx, old.ID)
	if err != nil {
		t.Fatalf("ListAttachments returned error: %v", err)
	}
	if len(atts) != 0 {
		t.Errorf("attachments survived the sweep: %d", len(atts))
	}
}

func TestRunMaintenance(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	if err := store.RunMaintenance(context.Background()); err != nil {
		t.Fatalf("RunMaintenance returned error: %v", err)
	}
}
