package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"reviewline/internal/domain"
)

// Client turns a rating plus review text into a summary, recommended
// actions, and a user-facing response. Implementations may be slow and may
// fail; the caller owns timeouts and records failures, it never crashes on
// them.
type Client interface {
	Analyze(ctx context.Context, rating int, reviewText string) (domain.AnalysisResult, error)
}

const systemPrompt = `You are an assistant for a business handling customer feedback. ` +
	`Return ONLY valid JSON with this schema: ` +
	`{"user_response":"...", "summary":"...", "recommended_actions":["...", "..."]}. ` +
	`Rules: concise, no markdown.`

const maxActions = 8

// ModelClient runs analysis through an eino chat model.
type ModelClient struct {
	chatModel     model.BaseChatModel
	maxInputChars int
}

func NewModelClient(cm model.BaseChatModel, maxInputChars int) *ModelClient {
	if maxInputChars <= 0 {
		maxInputChars = 2500
	}
	return &ModelClient{chatModel: cm, maxInputChars: maxInputChars}
}

func (c *ModelClient) Analyze(ctx context.Context, rating int, reviewText string) (domain.AnalysisResult, error) {
	reviewText = strings.TrimSpace(reviewText)
	if reviewText == "" {
		// Nothing to send to the model; answer the rating alone.
		return domain.AnalysisResult{
			Summary:  "Empty review (no text provided).",
			Actions:  []string{"Ask user for brief details", "Log as low-information feedback"},
			Response: "Thanks for your rating. If you add a short note, we can act on it faster.",
		}, nil
	}

	user := fmt.Sprintf("Customer rating: %d/5\nCustomer review text:\n%s\n\n"+
		"Task: (1) helpful user-facing response, (2) 1-2 sentence summary, (3) 3-6 recommended next actions.",
		rating, truncate(reviewText, c.maxInputChars))

	resp, err := c.chatModel.Generate(ctx, []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(user),
	})
	if err != nil {
		return domain.AnalysisResult{}, fmt.Errorf("model generate: %w", err)
	}
	return ParseResult(resp.Content)
}

// ParseResult decodes the strict-JSON contract the system prompt demands.
func ParseResult(content string) (domain.AnalysisResult, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.AnalysisResult{}, errors.New("model returned empty content")
	}
	var parsed struct {
		UserResponse       string   `json:"user_response"`
		Summary            string   `json:"summary"`
		RecommendedActions []string `json:"recommended_actions"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return domain.AnalysisResult{}, fmt.Errorf("model returned non-JSON content: %w", err)
	}
	parsed.UserResponse = strings.TrimSpace(parsed.UserResponse)
	parsed.Summary = strings.TrimSpace(parsed.Summary)
	var actions []string
	for _, a := range parsed.RecommendedActions {
		if a = strings.TrimSpace(a); a != "" {
			actions = append(actions, a)
		}
	}
	if len(actions) > maxActions {
		actions = actions[:maxActions]
	}
	if parsed.UserResponse == "" || parsed.Summary == "" || len(actions) == 0 {
		return domain.AnalysisResult{}, errors.New("model JSON missing required fields")
	}
	return domain.AnalysisResult{
		Summary:  parsed.Summary,
		Actions:  actions,
		Response: parsed.UserResponse,
	}, nil
}

func truncate(text string, maxChars int) string {
	if utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxChars]) + "\n\n[TRUNCATED]"
}
