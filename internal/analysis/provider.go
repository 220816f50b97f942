package analysis

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	openaiModel "github.com/cloudwego/eino-ext/components/model/openai"

	"reviewline/internal/config"
)

// NewFromConfig builds the production analysis client from reviewline.yml,
// falling back to the conventional environment variables for secrets.
func NewFromConfig(ctx context.Context, conf *config.Config) (Client, error) {
	if conf == nil {
		return nil, fmt.Errorf("nil config")
	}

	provider := strings.ToLower(strings.TrimSpace(conf.Analysis.Provider))
	switch provider {
	case "", "disabled", "none":
		return nil, fmt.Errorf("analysis provider not configured")

	case "openai":
		apiKey := strings.TrimSpace(conf.Analysis.APIKey)
		if apiKey == "" {
			apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
		}
		modelName := strings.TrimSpace(conf.Analysis.Model)
		if modelName == "" {
			modelName = strings.TrimSpace(os.Getenv("OPENAI_MODEL"))
		}
		baseURL := strings.TrimSpace(conf.Analysis.BaseURL)
		if baseURL == "" {
			baseURL = strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))
		}
		if apiKey == "" || modelName == "" {
			return nil, fmt.Errorf("openai analysis model missing apiKey/model")
		}

		timeout := 30 * time.Second
		if conf.Analysis.TimeoutSeconds > 0 {
			timeout = time.Duration(conf.Analysis.TimeoutSeconds) * time.Second
		}

		cm, err := openaiModel.NewChatModel(ctx, &openaiModel.ChatModelConfig{
			APIKey:  apiKey,
			Model:   modelName,
			BaseURL: baseURL,
			Timeout: timeout,
		})
		if err != nil {
			return nil, err
		}
		return NewModelClient(cm, conf.Analysis.MaxInputChars), nil

	default:
		return nil, fmt.Errorf("unknown analysis provider: %s", provider)
	}
}
