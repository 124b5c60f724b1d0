// Package engine implements the message exchange engine: it persists
// user-authored messages, dispatches them to the owning agent's webhook
// endpoint, interprets the outcome, and records the result durably while
// emitting progress events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hookchat/hookchat/internal/database"
	"github.com/hookchat/hookchat/internal/webhook"
)

var (
	// ErrEmptyMessage is returned when the message text is empty after trimming.
	ErrEmptyMessage = errors.New("message text is empty")
	// ErrNoEndpoint is returned when the owning agent has no webhook endpoint.
	ErrNoEndpoint = errors.New("agent has no webhook endpoint")
	// ErrNotRetryable is returned by Retry for messages that are not failed
	// user messages.
	ErrNotRetryable = errors.New("message is not retryable")
	// ErrCancelled tags exchanges aborted by caller cancellation. The
	// pending message is resolved to failed, never left dangling.
	ErrCancelled = errors.New("send cancelled")
)

// DeviceInfo identifies this client in webhook payloads.
type DeviceInfo struct {
	ID           string
	Platform     string
	AppVersion   string
	DeviceModel  string
	OSVersion    string
	VoiceEnabled bool
}

// Engine coordinates the persistent store and the remote dispatcher.
// All entity mutations go through a persisted write followed by an event
// emission; the engine never hands out state that was not committed.
type Engine struct {
	store      database.Store
	dispatcher webhook.Dispatcher
	device     DeviceInfo
	log        *slog.Logger
	bus        *eventBus

	// Exchanges are serialized per conversation: both the pending write and
	// the terminal write mutate last_message_at and message ordering.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an Engine. Store and dispatcher are injected so tests can
// substitute fakes.
func New(store database.Store, dispatcher webhook.Dispatcher, device DeviceInfo, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		device:     device,
		log:        log.With("component", "engine"),
		bus:        newEventBus(),
		locks:      make(map[string]*sync.Mutex),
	}
}

// Subscribe registers an event observer. Events for a single message arrive
// in order: pending first, then exactly one of delivered or failed.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.bus.subscribe()
}

// Send persists text as a new pending user message in the conversation,
// dispatches it to the owning agent's endpoint, and records the outcome.
//
// The returned message ID is valid as soon as it is non-empty, including
// when an error is returned: a dispatch failure leaves the message durably
// marked failed. A nil error means the message was delivered and the agent
// response was persisted. Validation and persistence failures return an
// error with an empty ID.
func (e *Engine) Send(ctx context.Context, conversationID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}

	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	agent, err := e.store.GetAgent(ctx, conv.AgentID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(agent.WebhookURL) == "" {
		return "", ErrNoEndpoint
	}

	unlock := e.lockConversation(conversationID)
	defer unlock()

	return e.exchange(ctx, conv, agent, text, database.KindText, 0)
}

// Retry re-sends a failed user message. The failed message is removed first
// so history carries no duplicate row, and the conversation's
// last_message_at is recomputed from the remaining history before the new
// send. The re-sent message is a new record with a new ID.
func (e *Engine) Retry(ctx context.Context, messageID string) (string, error) {
	failed, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return "", err
	}
	if !failed.IsFromUser || failed.Status != database.StatusFailed {
		return "", fmt.Errorf("message %s (from_user=%t, status=%q): %w",
			messageID, failed.IsFromUser, failed.Status, ErrNotRetryable)
	}

	conv, err := e.store.GetConversation(ctx, failed.ConversationID)
	if err != nil {
		return "", err
	}
	agent, err := e.store.GetAgent(ctx, conv.AgentID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(agent.WebhookURL) == "" {
		return "", ErrNoEndpoint
	}

	retryCount := 1
	if failed.Metadata != nil {
		retryCount = failed.Metadata.RetryCount + 1
	}

	unlock := e.lockConversation(conv.ID)
	defer unlock()

	if err := e.store.DeleteMessage(ctx, failed.ID); err != nil {
		return "", fmt.Errorf("failed to remove message before retry: %w", err)
	}

	// Re-read so the exchange sees the recomputed last_message_at.
	conv, err = e.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return "", err
	}

	return e.exchange(ctx, conv, agent, failed.Content, failed.Kind, retryCount)
}

// Refresh returns all messages in the conversation ordered by timestamp
// ascending. It is read-only and side-effect-free.
func (e *Engine) Refresh(ctx context.Context, conversationID string) ([]*database.Message, error) {
	return e.store.ListMessages(ctx, conversationID)
}

// TestConnection probes the agent's endpoint with a lightweight payload.
func (e *Engine) TestConnection(ctx context.Context, agentID string) (bool, error) {
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(agent.WebhookURL) == "" {
		return false, ErrNoEndpoint
	}
	return e.dispatcher.TestConnection(ctx, agent.WebhookURL, agent.ID)
}

// exchange runs one full send cycle: pending write, dispatch, terminal
// write. The caller must hold the conversation lock.
func (e *Engine) exchange(ctx context.Context, conv *database.Conversation, agent *database.Agent, text string, kind database.MessageKind, retryCount int) (string, error) {
	userMsg := &database.Message{
		ConversationID: conv.ID,
		Content:        text,
		IsFromUser:     true,
		Kind:           kind,
		Status:         database.StatusPending,
		Timestamp:      time.Now().UTC(),
	}
	if retryCount > 0 {
		userMsg.Metadata = &database.Metadata{RetryCount: retryCount}
	}

	if err := e.store.SaveMessage(ctx, userMsg); err != nil {
		return "", fmt.Errorf("failed to persist pending message: %w", err)
	}
	e.bus.publish(Event{Type: EventMessagePending, ConversationID: conv.ID, Message: snapshot(userMsg)})

	payload := &webhook.Payload{
		Message:   text,
		Timestamp: userMsg.Timestamp,
		UserID:    e.device.ID,
		AgentID:   agent.ID,
		Metadata: webhook.PayloadMetadata{
			Platform:     e.device.Platform,
			AppVersion:   e.device.AppVersion,
			DeviceModel:  e.device.DeviceModel,
			OSVersion:    e.device.OSVersion,
			VoiceEnabled: agent.VoiceEnabled,
		},
	}

	started := time.Now()
	resp, dispatchErr := e.dispatcher.Dispatch(ctx, agent.WebhookURL, payload)
	latency := time.Since(started)

	// Terminal writes must land even when the caller's context is already
	// cancelled; a pending row may never be left behind.
	writeCtx := context.WithoutCancel(ctx)

	if dispatchErr != nil {
		// Cancellation is read off the dispatch error itself so a genuine
		// transport failure racing a caller cancel is not misattributed.
		cancelled := errors.Is(dispatchErr, context.Canceled)
		if err := e.markFailed(writeCtx, userMsg, dispatchErr, latency, retryCount, cancelled); err != nil {
			return userMsg.ID, err
		}
		if cancelled {
			return userMsg.ID, fmt.Errorf("%w: %v", ErrCancelled, dispatchErr)
		}
		return userMsg.ID, fmt.Errorf("dispatch failed: %w", dispatchErr)
	}

	respMsg := &database.Message{
		ConversationID: conv.ID,
		Content:        resp.Response,
		IsFromUser:     false,
		Kind:           database.KindText,
		Timestamp:      resp.Timestamp.UTC(),
	}
	if len(resp.Metadata) > 0 {
		respMsg.Metadata = &database.Metadata{CustomData: resp.Metadata}
	}
	if err := e.store.SaveMessage(writeCtx, respMsg); err != nil {
		return userMsg.ID, fmt.Errorf("failed to persist agent response: %w", err)
	}
	if err := e.saveResponseAttachments(writeCtx, respMsg.ID, resp.Attachments); err != nil {
		return userMsg.ID, err
	}

	deliveredMeta := &database.Metadata{
		ResponseTimeMs: latency.Milliseconds(),
		RetryCount:     retryCount,
	}
	if err := e.store.UpdateMessageStatus(writeCtx, userMsg.ID, database.StatusDelivered, deliveredMeta); err != nil {
		return userMsg.ID, fmt.Errorf("failed to mark message delivered: %w", err)
	}
	userMsg.Status = database.StatusDelivered
	userMsg.Metadata = deliveredMeta

	e.bus.publish(Event{Type: EventMessageDelivered, ConversationID: conv.ID, Message: snapshot(userMsg)})
	e.bus.publish(Event{Type: EventResponseReceived, ConversationID: conv.ID, Message: snapshot(respMsg)})

	e.log.InfoContext(ctx, "Message delivered",
		"conversation_id", conv.ID,
		"message_id", userMsg.ID,
		"latency_ms", latency.Milliseconds())
	return userMsg.ID, nil
}

// markFailed records a dispatch failure on the pending message and emits
// the failed event. It never creates a response message.
func (e *Engine) markFailed(writeCtx context.Context, userMsg *database.Message, dispatchErr error, latency time.Duration, retryCount int, cancelled bool) error {
	description := dispatchErr.Error()
	if cancelled {
		description = "cancelled: " + description
	}
	meta := &database.Metadata{
		ErrorMessage:   description,
		ResponseTimeMs: latency.Milliseconds(),
		RetryCount:     retryCount,
	}
	var de *webhook.DispatchError
	if errors.As(dispatchErr, &de) {
		meta.CustomData = map[string]string{"error_kind": de.Kind.String()}
		if de.Status != 0 {
			meta.CustomData["http_status"] = fmt.Sprintf("%d", de.Status)
		}
	}

	if err := e.store.UpdateMessageStatus(writeCtx, userMsg.ID, database.StatusFailed, meta); err != nil {
		return fmt.Errorf("failed to mark message failed: %w", err)
	}
	userMsg.Status = database.StatusFailed
	userMsg.Metadata = meta

	e.bus.publish(Event{Type: EventMessageFailed, ConversationID: userMsg.ConversationID, Message: snapshot(userMsg)})

	e.log.WarnContext(writeCtx, "Message dispatch failed",
		"conversation_id", userMsg.ConversationID,
		"message_id", userMsg.ID,
		"cancelled", cancelled,
		"error", dispatchErr)
	return nil
}

func (e *Engine) saveResponseAttachments(ctx context.Context, messageID string, attachments []webhook.Attachment) error {
	if len(attachments) == 0 {
		return nil
	}
	records := make([]*database.Attachment, 0, len(attachments))
	for _, att := range attachments {
		records = append(records, &database.Attachment{
			MessageID: messageID,
			FileName:  att.Name,
			FileSize:  att.Size,
			MimeType:  att.Type,
			RemoteURL: att.URL,
		})
	}
	if err := e.store.SaveAttachments(ctx, records); err != nil {
		return fmt.Errorf("failed to persist response attachments: %w", err)
	}
	return nil
}

// snapshot copies a message for event delivery. Events carry their own
// copy so later status and metadata writes never race with subscribers.
func snapshot(m *database.Message) *database.Message {
	c := *m
	return &c
}

// lockConversation serializes exchanges per conversation. Operations on
// different conversations proceed independently.
func (e *Engine) lockConversation(conversationID string) func() {
	e.mu.Lock()
	lock, ok := e.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[conversationID] = lock
	}
	e.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
