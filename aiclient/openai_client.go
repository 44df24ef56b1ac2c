package aiclient

import (
	"context"
	"errors"

	"AIStory-server/models"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const ExecutorOpenAI = "openai"

const defaultOpenAIModel = "gpt-4o"

// OpenAIClient OpenAI 兼容接口的 LLM 执行器
type OpenAIClient struct {
	client *openai.Client
	cfg    LLMConfig
}

func newOpenAIExecutor(p *models.ModelProvider) (Client, error) {
	return NewOpenAIClient(LLMConfigFromProvider(p)), nil
}

func NewOpenAIClient(cfg LLMConfig) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.APIURL != "" {
		// 自建/代理网关也走 OpenAI 协议
		opts = append(opts, option.WithBaseURL(cfg.APIURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	client := openai.NewClient(opts...)
	if cfg.ModelName == "" {
		cfg.ModelName = defaultOpenAIModel
	}
	return &OpenAIClient{client: &client, cfg: cfg}
}

func (c *OpenAIClient) ValidateConfig(ctx context.Context) error {
	if c.cfg.APIKey == "" {
		return errors.New("api key is empty")
	}
	if c.cfg.ModelName == "" {
		return errors.New("model name is empty")
	}
	return nil
}

func (c *OpenAIClient) params(prompt string, maxTokens int, temperature float64) openai.ChatCompletionNewParams {
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	if temperature <= 0 {
		temperature = c.cfg.Temperature
	}
	params := openai.ChatCompletionNewParams{
		Model: c.cfg.ModelName,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	if temperature > 0 {
		params.Temperature = openai.Float(temperature)
	}
	if c.cfg.TopP > 0 {
		params.TopP = openai.Float(c.cfg.TopP)
	}
	return params
}

func (c *OpenAIClient) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (*Response, error) {
	resp, err := c.client.Chat.Completions.New(ctx, c.params(prompt, maxTokens, temperature))
	if err != nil {
		return nil, &ProviderError{Provider: ExecutorOpenAI, Msg: err.Error()}
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: ExecutorOpenAI, Msg: "empty choices in response"}
	}
	return &Response{
		Success: true,
		Text:    resp.Choices[0].Message.Content,
		Metadata: map[string]interface{}{
			"model":         resp.Model,
			"finish_reason": string(resp.Choices[0].FinishReason),
			"input_tokens":  resp.Usage.PromptTokens,
			"output_tokens": resp.Usage.CompletionTokens,
		},
	}, nil
}

// GenerateStream token 级流式输出，末尾附带完整文本
func (c *OpenAIClient) GenerateStream(ctx context.Context, prompt string, maxTokens int, temperature float64) (<-chan StreamChunk, error) {
	params := c.params(prompt, maxTokens, temperature)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		var acc openai.ChatCompletionAccumulator
		var fullText string

		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				fullText += chunk.Choices[0].Delta.Content
				ch <- StreamChunk{Content: chunk.Choices[0].Delta.Content, FullText: fullText}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- StreamChunk{Err: &ProviderError{Provider: ExecutorOpenAI, Msg: err.Error()}}
			return
		}

		if len(acc.Choices) > 0 {
			fullText = acc.Choices[0].Message.Content
		}
		ch <- StreamChunk{Done: true, FullText: fullText}
	}()

	return ch, nil
}
