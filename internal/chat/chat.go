// Package chat provides the interactive terminal surface. It renders
// conversations from engine events and never mutates engine state except
// through the engine's public operations.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"

	"github.com/hookchat/hookchat/internal/database"
	"github.com/hookchat/hookchat/internal/engine"
	"github.com/hookchat/hookchat/internal/retry"
	"github.com/hookchat/hookchat/internal/secrets"
)

// UI is the interactive chat loop.
type UI struct {
	engine      *engine.Engine
	store       database.Store
	secrets     secrets.Provider
	retryPolicy *retry.Policy
	breaker     *retry.Breaker
	log         *slog.Logger

	agent        *database.Agent
	conversation *database.Conversation
	lastFailedID string
}

// New creates the chat UI.
func New(eng *engine.Engine, store database.Store, secretStore secrets.Provider, retryPolicy *retry.Policy, log *slog.Logger) *UI {
	if log == nil {
		log = slog.Default()
	}
	return &UI{
		engine:      eng,
		store:       store,
		secrets:     secretStore,
		retryPolicy: retryPolicy,
		breaker:     retry.NewBreaker(retry.BreakerConfig{Name: "connection_test"}, log),
		log:         log.With("component", "chat"),
	}
}

// Run drives the interactive loop until the user quits or ctx is cancelled.
func (u *UI) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer func() {
		if closeErr := rl.Close(); closeErr != nil {
			u.log.Warn("Error closing readline", "error", closeErr)
		}
	}()

	fmt.Println("hookchat - type /help for commands, /quit to exit.")

	events, unsubscribe := u.engine.Subscribe()
	defer unsubscribe()
	go u.printEvents(events, rl.Stdout())

	for {
		if ctx.Err() != nil {
			return nil
		}
		u.updatePrompt(rl)

		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := u.handleCommand(ctx, line); quit {
				return nil
			}
			continue
		}

		u.sendMessage(ctx, line)
	}
}

func (u *UI) updatePrompt(rl *readline.Instance) {
	switch {
	case u.conversation != nil && u.agent != nil:
		rl.SetPrompt(fmt.Sprintf("%s> ", u.agent.Name))
	default:
		rl.SetPrompt("> ")
	}
}

// printEvents renders agent responses and failures as they are committed.
func (u *UI) printEvents(events <-chan engine.Event, w io.Writer) {
	for event := range events {
		switch event.Type {
		case engine.EventResponseReceived:
			fmt.Fprintf(w, "\n%s\n", formatMessage(event.Message))
		case engine.EventMessageFailed:
			if event.Message.Metadata != nil && event.Message.Metadata.ErrorMessage != "" {
				fmt.Fprintf(w, "\n[failed] %s (use /retry)\n", event.Message.Metadata.ErrorMessage)
			} else {
				fmt.Fprintf(w, "\n[failed] message not delivered (use /retry)\n")
			}
		}
	}
}

func (u *UI) sendMessage(ctx context.Context, text string) {
	if u.conversation == nil {
		fmt.Println("No conversation selected. Use /agents then /use <n>.")
		return
	}

	spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	spin.Suffix = " waiting for agent..."
	spin.Start()
	messageID, err := u.engine.Send(ctx, u.conversation.ID, text)
	spin.Stop()

	if err != nil {
		switch {
		case errors.Is(err, engine.ErrEmptyMessage):
			fmt.Println("Cannot send an empty message.")
		case errors.Is(err, engine.ErrCancelled):
			fmt.Println("Send cancelled.")
		case messageID != "":
			// Dispatch failure: the message is durably marked failed and the
			// failure was already rendered from the event stream.
			u.lastFailedID = messageID
		default:
			fmt.Printf("Send failed: %v\n", err)
		}
	}
}

// handleCommand executes a /command line. Returns true when the UI should exit.
func (u *UI) handleCommand(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	command, args := fields[0], fields[1:]

	switch command {
	case "/quit", "/exit":
		return true
	case "/help":
		u.printHelp()
	case "/agents":
		u.listAgents(ctx)
	case "/agent":
		u.agentCommand(ctx, args)
	case "/use":
		u.useAgent(ctx, args)
	case "/new":
		u.newConversation(ctx)
	case "/history":
		u.showHistory(ctx)
	case "/retry":
		u.retryLastFailed(ctx)
	case "/archive":
		u.archiveConversation(ctx)
	case "/title":
		u.setTitle(ctx, strings.Join(args, " "))
	case "/secret":
		u.setSecret(args)
	case "/test":
		u.testConnection(ctx)
	default:
		fmt.Printf("Unknown command %s - try /help.\n", command)
	}
	return false
}

func (u *UI) printHelp() {
	fmt.Print(`Commands:
  /agents                   list agents
  /agent add <name> <url>   register a new agent
  /agent rm <n>             delete agent number <n>
  /use <n>                  switch to agent number <n>
  /new                      start a new conversation with the current agent
  /history                  show the current conversation
  /retry                    retry the last failed message
  /archive                  archive the current conversation
  /title <text>             set the conversation title
  /secret <url> <secret>    store a bearer secret for a webhook URL
  /test                     test the current agent's endpoint
  /quit                     exit
`)
}

func (u *UI) listAgents(ctx context.Context) {
	agents, err := u.store.ListAgents(ctx)
	if err != nil {
		fmt.Printf("Failed to list agents: %v\n", err)
		return
	}
	if len(agents) == 0 {
		fmt.Println("No agents yet. Use /agent add <name> <url>.")
		return
	}
	for i, agent := range agents {
		fmt.Printf("%3d. %s - %s\n", i+1, agent.Name, agent.WebhookURL)
	}
}

func (u *UI) agentCommand(ctx context.Context, args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: /agent add <name> <url> | /agent rm <n>")
		return
	}
	switch args[0] {
	case "add":
		if len(args) < 3 {
			fmt.Println("Usage: /agent add <name> <url>")
			return
		}
		agent := &database.Agent{
			Name:       strings.Join(args[1:len(args)-1], " "),
			WebhookURL: args[len(args)-1],
		}
		if err := u.store.CreateAgent(ctx, agent); err != nil {
			fmt.Printf("Failed to create agent: %v\n", err)
			return
		}
		fmt.Printf("Agent %q created.\n", agent.Name)
	case "rm":
		agent := u.pickAgent(ctx, args[1:])
		if agent == nil {
			return
		}
		if err := u.store.DeleteAgent(ctx, agent.ID); err != nil {
			fmt.Printf("Failed to delete agent: %v\n", err)
			return
		}
		if u.agent != nil && u.agent.ID == agent.ID {
			u.agent = nil
			u.conversation = nil
		}
		fmt.Printf("Agent %q deleted along with its conversations.\n", agent.Name)
	default:
		fmt.Println("Usage: /agent add <name> <url> | /agent rm <n>")
	}
}

// pickAgent resolves a 1-based agent index from the /agents listing.
func (u *UI) pickAgent(ctx context.Context, args []string) *database.Agent {
	if len(args) != 1 {
		fmt.Println("Give an agent number from /agents.")
		return nil
	}
	agents, err := u.store.ListAgents(ctx)
	if err != nil {
		fmt.Printf("Failed to list agents: %v\n", err)
		return nil
	}
	index := 0
	if _, err := fmt.Sscanf(args[0], "%d", &index); err != nil || index < 1 || index > len(agents) {
		fmt.Printf("No agent %q - pick 1..%d from /agents.\n", args[0], len(agents))
		return nil
	}
	return agents[index-1]
}

func (u *UI) useAgent(ctx context.Context, args []string) {
	agent := u.pickAgent(ctx, args)
	if agent == nil {
		return
	}
	u.agent = agent

	convs, err := u.store.ListConversations(ctx, agent.ID, false)
	if err != nil {
		fmt.Printf("Failed to list conversations: %v\n", err)
		return
	}
	if len(convs) > 0 {
		// Most recently active first.
		sort.Slice(convs, func(i, j int) bool {
			return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
		})
		u.conversation = convs[0]
		fmt.Printf("Resuming conversation with %s.\n", agent.Name)
		u.showHistory(ctx)
		return
	}
	u.newConversation(ctx)
}

func (u *UI) newConversation(ctx context.Context) {
	if u.agent == nil {
		fmt.Println("Pick an agent first with /use <n>.")
		return
	}
	conv := &database.Conversation{AgentID: u.agent.ID}
	if err := u.store.CreateConversation(ctx, conv); err != nil {
		fmt.Printf("Failed to create conversation: %v\n", err)
		return
	}
	u.conversation = conv
	u.lastFailedID = ""
	fmt.Printf("New conversation with %s started.\n", u.agent.Name)
}

func (u *UI) showHistory(ctx context.Context) {
	if u.conversation == nil {
		fmt.Println("No conversation selected.")
		return
	}
	messages, err := u.engine.Refresh(ctx, u.conversation.ID)
	if err != nil {
		fmt.Printf("Failed to load history: %v\n", err)
		return
	}
	u.lastFailedID = ""
	for _, message := range messages {
		fmt.Println(formatMessage(message))
		if message.IsFromUser && message.Status == database.StatusFailed {
			u.lastFailedID = message.ID
		}
	}
}

func (u *UI) retryLastFailed(ctx context.Context) {
	if u.lastFailedID == "" {
		fmt.Println("Nothing to retry.")
		return
	}

	spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	spin.Suffix = " retrying..."
	spin.Start()
	messageID, err := u.engine.Retry(ctx, u.lastFailedID)
	spin.Stop()

	switch {
	case err == nil:
		u.lastFailedID = ""
	case errors.Is(err, engine.ErrNotRetryable):
		fmt.Println("That message can no longer be retried.")
		u.lastFailedID = ""
	case messageID != "":
		u.lastFailedID = messageID
	default:
		fmt.Printf("Retry failed: %v\n", err)
	}
}

func (u *UI) archiveConversation(ctx context.Context) {
	if u.conversation == nil {
		fmt.Println("No conversation selected.")
		return
	}
	if err := u.store.SetConversationArchived(ctx, u.conversation.ID, true); err != nil {
		fmt.Printf("Failed to archive conversation: %v\n", err)
		return
	}
	fmt.Println("Conversation archived.")
	u.conversation = nil
	u.lastFailedID = ""
}

func (u *UI) setTitle(ctx context.Context, title string) {
	if u.conversation == nil {
		fmt.Println("No conversation selected.")
		return
	}
	if strings.TrimSpace(title) == "" {
		fmt.Println("Usage: /title <text>")
		return
	}
	if err := u.store.SetConversationTitle(ctx, u.conversation.ID, title); err != nil {
		fmt.Printf("Failed to set title: %v\n", err)
		return
	}
	u.conversation.Title = title
	fmt.Println("Title updated.")
}

func (u *UI) setSecret(args []string) {
	if len(args) != 2 {
		fmt.Println("Usage: /secret <url> <secret>")
		return
	}
	key := secrets.WebhookSecretKey(args[0])
	if err := u.secrets.Save(key, []byte(args[1])); err != nil {
		fmt.Printf("Failed to store secret: %v\n", err)
		return
	}
	fmt.Println("Secret stored.")
}

// testConnection probes the current agent's endpoint, retrying transient
// failures with backoff behind a circuit breaker.
func (u *UI) testConnection(ctx context.Context) {
	if u.agent == nil {
		fmt.Println("Pick an agent first with /use <n>.")
		return
	}

	spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	spin.Suffix = " testing connection..."
	spin.Start()
	err := retry.Do(ctx, u.retryPolicy, func(ctx context.Context) error {
		return u.breaker.Execute(ctx, func(ctx context.Context) error {
			ok, testErr := u.engine.TestConnection(ctx, u.agent.ID)
			if testErr != nil {
				return testErr
			}
			if !ok {
				return errors.New("endpoint did not answer with success")
			}
			return nil
		})
	})
	spin.Stop()

	if err != nil {
		fmt.Printf("Connection test failed: %v\n", err)
		return
	}
	fmt.Printf("Agent %q is reachable.\n", u.agent.Name)
}

func formatMessage(m *database.Message) string {
	sender := "agent"
	if m.IsFromUser {
		sender = "you"
	}
	line := fmt.Sprintf("[%s] %s: %s", m.Timestamp.Local().Format("15:04"), sender, m.Content)
	if m.IsFromUser && m.Status == database.StatusFailed {
		line += " (failed)"
	}
	return line
}
