// internal/gpt/client.go
package gpt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"coach-bot/internal/models"
)

type Client struct {
	client *openai.Client
	model  string
}

func NewClient(apiKey string) *Client {
	return &Client{
		client: openai.NewClient(apiKey),
		model:  "gpt-4",
	}
}

func (c *Client) WithModel(model string) *Client {
	c.model = model
	return c
}

// TaskDraft is one generated task before it is persisted.
type TaskDraft struct {
	FocusStatementID int64
	Text             string
}

type generatedTask struct {
	Statement int    `json:"statement"`
	Task      string `json:"task"`
}

// GenerateTasks expands each focus statement into one or two concrete action
// items anchored to the user's goal. The model is asked for a JSON array; on
// a malformed response we fall back to one generic task per statement rather
// than failing setup.
func (c *Client) GenerateTasks(ctx context.Context, goal string, statements []models.FocusStatement) ([]TaskDraft, error) {
	var sb strings.Builder
	for i, fs := range statements {
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, fs.Category, fs.Text)
	}

	prompt := fmt.Sprintf(
		"Цель пользователя: %s\n\n"+
			"Утверждения пользователя:\n%s\n"+
			"Для каждого утверждения сформулируй 1-2 конкретных небольших действия, "+
			"которые можно выполнить за один день и которые продвигают к цели.\n"+
			"Ответ строго в формате JSON-массива объектов вида "+
			`{"statement": <номер утверждения>, "task": "<текст действия>"}`+
			" без пояснений.",
		goal, sb.String(),
	)

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleSystem,
				Content: "Ты опытный коуч по достижению целей. Ты превращаешь утверждения " +
					"пользователя в короткие выполнимые действия.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		MaxTokens:   2000,
		Temperature: 0.7,
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from GPT API")
	}

	drafts, err := parseTasks(resp.Choices[0].Message.Content, statements)
	if err != nil {
		return fallbackTasks(statements), nil
	}
	return drafts, nil
}

func parseTasks(content string, statements []models.FocusStatement) ([]TaskDraft, error) {
	// Strip a markdown fence if the model wrapped the array in one.
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
		content = strings.TrimSpace(content)
	}

	var raw []generatedTask
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse generated tasks: %w", err)
	}

	var drafts []TaskDraft
	for _, gt := range raw {
		idx := gt.Statement - 1
		if idx < 0 || idx >= len(statements) || strings.TrimSpace(gt.Task) == "" {
			continue
		}
		drafts = append(drafts, TaskDraft{
			FocusStatementID: statements[idx].ID,
			Text:             strings.TrimSpace(gt.Task),
		})
	}
	if len(drafts) == 0 {
		return nil, fmt.Errorf("generated task list is empty")
	}
	return drafts, nil
}

func fallbackTasks(statements []models.FocusStatement) []TaskDraft {
	drafts := make([]TaskDraft, 0, len(statements))
	for _, fs := range statements {
		drafts = append(drafts, TaskDraft{
			FocusStatementID: fs.ID,
			Text:             fmt.Sprintf("Сделай сегодня один небольшой шаг: %s", fs.Text),
		})
	}
	return drafts
}
