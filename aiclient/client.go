package aiclient

import (
	"context"
	"fmt"
	"time"

	"AIStory-server/models"
)

// Category 执行器能力类别，与 ModelProvider.Category 一一对应
type Category string

const (
	CategoryLLM         Category = models.CategoryLLM
	CategoryText2Image  Category = models.CategoryText2Image
	CategoryImage2Video Category = models.CategoryImage2Video
)

// Response AI 响应统一数据结构
type Response struct {
	Success  bool                   `json:"success"`
	Text     string                 `json:"text,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// Client 所有执行器的公共契约
type Client interface {
	// ValidateConfig 校验连接配置是否可用
	ValidateConfig(ctx context.Context) error
}

// LLMClient 文本生成客户端（文案改写/分镜脚本/运镜参数）
type LLMClient interface {
	Client
	Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (*Response, error)
}

// StreamChunk LLM 流式输出的单个片段
type StreamChunk struct {
	Content  string
	FullText string
	Done     bool
	Err      error
}

// StreamingLLMClient 支持 token 级流式输出的 LLM 客户端（可选实现）
type StreamingLLMClient interface {
	LLMClient
	GenerateStream(ctx context.Context, prompt string, maxTokens int, temperature float64) (<-chan StreamChunk, error)
}

// Text2ImageClient 文生图客户端
type Text2ImageClient interface {
	Client
	Generate(ctx context.Context, prompt, negativePrompt string, width, height, steps int) (*Response, error)
}

// Image2VideoClient 图生视频客户端
type Image2VideoClient interface {
	Client
	Generate(ctx context.Context, imageURL string, cameraMovement map[string]interface{}, duration float64, fps int) (*Response, error)
}

// HealthCheck 包装一次配置校验并吞掉所有异常，只报告布尔健康状态
func HealthCheck(ctx context.Context, c Client) (healthy bool) {
	defer func() {
		if recover() != nil {
			healthy = false
		}
	}()
	if c == nil {
		return false
	}
	return c.ValidateConfig(ctx) == nil
}

// LLMConfig LLM 类别的显式配置结构
type LLMConfig struct {
	APIURL      string
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float64
	TopP        float64
	Timeout     time.Duration
	Extra       map[string]interface{}
}

// ImageConfig 文生图类别的显式配置结构
type ImageConfig struct {
	APIURL       string
	APIKey       string
	ModelName    string
	Width        int
	Height       int
	Steps        int
	Timeout      time.Duration
	PollInterval time.Duration
	MaxWait      time.Duration
	Extra        map[string]interface{}
}

// VideoConfig 图生视频类别的显式配置结构
type VideoConfig struct {
	APIURL       string
	APIKey       string
	ModelName    string
	Duration     float64
	FPS          int
	Resolution   string
	Timeout      time.Duration
	PollInterval time.Duration
	MaxWait      time.Duration
	Extra        map[string]interface{}
}

func providerTimeout(p *models.ModelProvider, fallback time.Duration) time.Duration {
	if p.TimeoutSeconds > 0 {
		return time.Duration(p.TimeoutSeconds) * time.Second
	}
	return fallback
}

// LLMConfigFromProvider 把提供商行转换为 LLM 配置，extra_config 落入 Extra 子表
func LLMConfigFromProvider(p *models.ModelProvider) LLMConfig {
	cfg := LLMConfig{
		APIURL:      p.APIURL,
		APIKey:      p.APIKey,
		ModelName:   p.ModelName,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		TopP:        p.TopP,
		Timeout:     providerTimeout(p, 120*time.Second),
		Extra:       map[string]interface{}(p.ExtraConfig),
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2000
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	return cfg
}

func ImageConfigFromProvider(p *models.ModelProvider) ImageConfig {
	cfg := ImageConfig{
		APIURL:       p.APIURL,
		APIKey:       p.APIKey,
		ModelName:    p.ModelName,
		Width:        p.ImageWidth,
		Height:       p.ImageHeight,
		Steps:        p.Steps,
		Timeout:      providerTimeout(p, 30*time.Second),
		PollInterval: 3 * time.Second,
		MaxWait:      10 * time.Minute,
		Extra:        map[string]interface{}(p.ExtraConfig),
	}
	if cfg.Width <= 0 {
		cfg.Width = 1024
	}
	if cfg.Height <= 0 {
		cfg.Height = 1024
	}
	if cfg.Steps <= 0 {
		cfg.Steps = 20
	}
	return cfg
}

func VideoConfigFromProvider(p *models.ModelProvider) VideoConfig {
	cfg := VideoConfig{
		APIURL:       p.APIURL,
		APIKey:       p.APIKey,
		ModelName:    p.ModelName,
		Duration:     p.Duration,
		FPS:          p.FPS,
		Resolution:   p.Resolution,
		Timeout:      providerTimeout(p, 30*time.Second),
		PollInterval: 5 * time.Second,
		MaxWait:      20 * time.Minute,
		Extra:        map[string]interface{}(p.ExtraConfig),
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 6
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 24
	}
	if cfg.Resolution == "" {
		cfg.Resolution = "768P"
	}
	return cfg
}

// NotFoundError 执行器标识未注册
type NotFoundError struct {
	Executor string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("executor %q is not registered", e.Executor)
}

// ConfigurationError 提供商/执行器配置不可用，不可重试，需运维介入
type ConfigurationError struct {
	Provider string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("provider %q configuration invalid: %s", e.Provider, e.Reason)
}

// ProviderError 外部后端返回失败或响应不合法，可在阶段的 max_retries 内重试。
// Timeout 表示轮询超出最大等待时间，按 ProviderError 同样处理。
type ProviderError struct {
	Provider string
	Msg      string
	Timeout  bool
}

func (e *ProviderError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("provider %q timed out: %s", e.Provider, e.Msg)
	}
	return fmt.Sprintf("provider %q failed: %s", e.Provider, e.Msg)
}
