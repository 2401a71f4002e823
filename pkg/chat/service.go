package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mikeboe/deep-researcher/pkg/config"
	"github.com/mikeboe/deep-researcher/pkg/database"
	"google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/model"
	"google.golang.org/adk/model/gemini"
	"google.golang.org/adk/runner"
	"google.golang.org/adk/session"
	"google.golang.org/adk/tool"
	"google.golang.org/genai"
)

// ErrConversationNotFound is returned when no conversation has the requested ID.
var ErrConversationNotFound = errors.New("conversation not found")

const (
	appName   = "deep-researcher"
	agentName = "research_assistant"
	// Conversations are not per-user yet.
	chatUser = "user"
)

type Service struct {
	config *config.Config
	DB     *database.PostgresDB
	Client *genai.Client
	Model  model.LLM
	Tools  *RagToolset
}

type Conversation struct {
	ID        uuid.UUID  `json:"id"`
	JobID     *uuid.UUID `json:"job_id,omitempty"`
	Title     string     `json:"title"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// StreamEvent represents a single event in the chat stream
type StreamEvent struct {
	Type    string      `json:"type"` // "content", "tool_call", "tool_result", "error", "done"
	Payload interface{} `json:"payload"`
}

func NewService(ctx context.Context, db *database.PostgresDB, cfg *config.Config, tools *RagToolset) (*Service, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.GoogleApiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	reasoning, _ := chatModels(cfg)
	modelClient, err := gemini.NewModel(ctx, reasoning, &genai.ClientConfig{
		APIKey: cfg.GoogleApiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create model: %w", err)
	}

	return &Service{
		config: cfg,
		DB:     db,
		Client: client,
		Model:  modelClient,
		Tools:  tools,
	}, nil
}

// chatModels returns the Gemini models used for answers and titles. The
// assistant always runs on Gemini; other providers fall back to defaults.
func chatModels(cfg *config.Config) (reasoning, fast string) {
	if cfg.LLMProvider == "google" && cfg.ReasoningModel != "" && cfg.FastModel != "" {
		return cfg.ReasoningModel, cfg.FastModel
	}
	return "gemini-2.5-pro", "gemini-2.5-flash"
}

// agentInstruction tells the assistant what it is answering about.
func agentInstruction(topic string) string {
	var sb strings.Builder
	sb.WriteString("You are a research assistant. Answer the user's questions using only the findings accepted by research jobs. ")
	sb.WriteString("ALWAYS use the search_findings tool first, and find_findings_by_source when you need the full text of a source. ")
	if topic != "" {
		fmt.Fprintf(&sb, "The findings were collected while researching: %q. ", topic)
	}
	sb.WriteString("If the findings do not answer the question, say so instead of guessing. ")
	sb.WriteString("Group the answer by source, with an unordered list of the content pieces supporting it. The format is: # Source: <source>\n\n - <content>\n - <content>")
	return sb.String()
}

func (s *Service) newAgent(jobID, topic string) (agent.Agent, error) {
	tools := s.Tools
	if jobID != "" {
		tools = tools.Scoped(jobID)
	}
	return llmagent.New(llmagent.Config{
		Name:        agentName,
		Model:       s.Model,
		Description: "A research assistant that answers from accepted research findings.",
		Instruction: agentInstruction(topic),
		Toolsets: []tool.Toolset{
			tools,
		},
	})
}

// CreateConversation starts a conversation, optionally bound to a research
// job whose findings it is restricted to.
func (s *Service) CreateConversation(ctx context.Context, jobID *uuid.UUID) (*Conversation, error) {
	id := uuid.New()
	query := `INSERT INTO conversations (id, job_id) VALUES ($1, $2) RETURNING id, job_id, title, created_at, updated_at`

	conv := &Conversation{}
	err := s.DB.Pool.QueryRow(ctx, query, id, jobID).Scan(&conv.ID, &conv.JobID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// ListConversations lists conversations, newest first. A non-nil jobID
// restricts the list to that job.
func (s *Service) ListConversations(ctx context.Context, jobID *uuid.UUID) ([]Conversation, error) {
	query := `
		SELECT id, job_id, title, created_at, updated_at FROM conversations
		WHERE $1::uuid IS NULL OR job_id = $1
		ORDER BY updated_at DESC
	`
	rows, err := s.DB.Pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.JobID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// conversationScope returns the job a conversation is bound to and its query.
func (s *Service) conversationScope(ctx context.Context, conversationID uuid.UUID) (jobID, topic string, err error) {
	var job *uuid.UUID
	err = s.DB.Pool.QueryRow(ctx, `
		SELECT c.job_id, COALESCE(j.query, '')
		FROM conversations c
		LEFT JOIN research_jobs j ON j.id = c.job_id
		WHERE c.id = $1
	`, conversationID).Scan(&job, &topic)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", ErrConversationNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to load conversation: %w", err)
	}
	if job != nil {
		jobID = job.String()
	}
	return jobID, topic, nil
}

func (s *Service) GetHistory(ctx context.Context, conversationID uuid.UUID) ([]Message, error) {
	query := `SELECT id, conversation_id, role, content, created_at FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC`
	rows, err := s.DB.Pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Service) saveMessage(ctx context.Context, conversationID uuid.UUID, role, content string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.DB.Pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, role, content) VALUES ($1, $2, $3, $4)`,
		id, conversationID, role, content)
	return id, err
}

// restoreSession replays the stored conversation, minus the message with
// skip as ID, into a fresh in-memory agent session.
func restoreSession(ctx context.Context, svc session.Service, conversationID uuid.UUID, history []Message, skip uuid.UUID) error {
	created, err := svc.Create(ctx, &session.CreateRequest{
		AppName:   appName,
		UserID:    chatUser,
		SessionID: conversationID.String(),
	})
	if err != nil {
		return fmt.Errorf("failed to create agent session: %w", err)
	}

	for _, msg := range history {
		if msg.ID == skip {
			continue
		}
		evt := session.NewEvent(uuid.NewString())
		evt.Author = "user"
		if msg.Role == "model" {
			evt.Author = agentName
		}
		evt.LLMResponse = model.LLMResponse{
			Content: genai.NewContentFromText(msg.Content, genai.Role(msg.Role)),
		}
		if err := svc.AppendEvent(ctx, created.Session, evt); err != nil {
			return fmt.Errorf("failed to restore history: %w", err)
		}
	}
	return nil
}

// partEvents converts one part of a model response into stream events.
func partEvents(part *genai.Part) []StreamEvent {
	var events []StreamEvent
	if part.Text != "" {
		events = append(events, StreamEvent{Type: "content", Payload: part.Text})
	}
	if part.FunctionCall != nil {
		events = append(events, StreamEvent{Type: "tool_call", Payload: part.FunctionCall})
	}
	if part.FunctionResponse != nil {
		events = append(events, StreamEvent{Type: "tool_result", Payload: part.FunctionResponse})
	}
	return events
}

// SendMessage stores content as the user's turn and returns the stream of
// the assistant's answer. The answer is stored once the stream completes.
func (s *Service) SendMessage(ctx context.Context, conversationID uuid.UUID, content string) (iter.Seq2[StreamEvent, error], error) {
	jobID, topic, err := s.conversationScope(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	userMsgID, err := s.saveMessage(ctx, conversationID, "user", content)
	if err != nil {
		return nil, fmt.Errorf("failed to save user message: %w", err)
	}

	history, err := s.GetHistory(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	sessions := session.InMemoryService()
	if err := restoreSession(ctx, sessions, conversationID, history, userMsgID); err != nil {
		return nil, err
	}

	assistant, err := s.newAgent(jobID, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}
	r, err := runner.New(runner.Config{
		AppName:        appName,
		Agent:          assistant,
		SessionService: sessions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create runner: %w", err)
	}

	logger := slog.With("conversation_id", conversationID, "job_id", jobID)
	return func(yield func(StreamEvent, error) bool) {
		logger.Info("Starting agent run")
		var answer strings.Builder
		events := r.Run(ctx, chatUser, conversationID.String(), genai.NewContentFromText(content, genai.RoleUser),
			agent.RunConfig{StreamingMode: agent.StreamingModeSSE})
		for event, err := range events {
			if err != nil {
				logger.Error("Agent runner error", "error", err)
				yield(StreamEvent{Type: "error", Payload: err.Error()}, err)
				return
			}
			if event.LLMResponse.Content == nil {
				continue
			}
			for _, part := range event.LLMResponse.Content.Parts {
				answer.WriteString(part.Text)
				for _, ev := range partEvents(part) {
					if ev.Type != "content" {
						logger.Info("Agent tool event", "type", ev.Type)
					}
					if !yield(ev, nil) {
						return
					}
				}
			}
		}
		logger.Info("Agent run completed", "answer_len", answer.Len())

		if _, err := s.saveMessage(ctx, conversationID, "model", answer.String()); err != nil {
			logger.Error("Failed to save model message", "error", err)
		} else {
			_, _ = s.DB.Pool.Exec(ctx, `UPDATE conversations SET updated_at = NOW() WHERE id = $1`, conversationID)
		}

		yield(StreamEvent{Type: "done", Payload: "done"}, nil)

		// The first exchange names the conversation.
		if len(history) <= 2 {
			go s.generateTitle(conversationID, content, answer.String())
		}
	}, nil
}

var titleSchema = &genai.Schema{
	Type:       genai.TypeObject,
	Properties: map[string]*genai.Schema{"title": {Type: genai.TypeString}},
	Required:   []string{"title"},
}

func (s *Service) generateTitle(convID uuid.UUID, userMsg, modelMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	title, err := s.suggestTitle(ctx, userMsg, modelMsg)
	if err != nil {
		slog.Error("Failed to generate conversation title", "conversation_id", convID, "error", err)
		return
	}
	if title == "" {
		return
	}
	if _, err := s.DB.Pool.Exec(ctx, `UPDATE conversations SET title = $2 WHERE id = $1`, convID, title); err != nil {
		slog.Error("Failed to update conversation title", "conversation_id", convID, "error", err)
	}
}

func (s *Service) suggestTitle(ctx context.Context, userMsg, modelMsg string) (string, error) {
	prompt := fmt.Sprintf("Generate a short, concise title (max 5 words) for this chat conversation:\nUser: %s\nModel: %s", userMsg, modelMsg)
	_, fast := chatModels(s.config)
	resp, err := s.Client.Models.GenerateContent(ctx, fast, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   titleSchema,
	})
	if err != nil {
		return "", err
	}

	var out struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal([]byte(resp.Text()), &out); err != nil {
		return "", fmt.Errorf("invalid title response: %w", err)
	}
	return strings.TrimSpace(out.Title), nil
}
