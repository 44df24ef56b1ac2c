package pipeline

import (
	"context"
	"fmt"

	"AIStory-server/aiclient"
	"AIStory-server/models"

	"gorm.io/gorm"
)

// 流式事件类型
const (
	EventToken          = "token"
	EventProgress       = "progress"
	EventStageUpdate    = "stage_update"
	EventImageGenerated = "image_generated"
	EventVideoGenerated = "video_generated"
	EventWarning        = "warning"
	EventInfo           = "info"
	EventDone           = "done"
	EventError          = "error"
	EventConnected      = "connected"
	EventPing           = "ping"
	EventPong           = "pong"
)

// Event 流式消息信封，按类型携带不同字段
type Event struct {
	Type       string                 `json:"type"`
	Content    string                 `json:"content,omitempty"`
	FullText   string                 `json:"full_text,omitempty"`
	Status     string                 `json:"status,omitempty"`
	Progress   *int                   `json:"progress,omitempty"`
	Current    int                    `json:"current,omitempty"`
	Total      int                    `json:"total,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Error      string                 `json:"error,omitempty"`
	RetryCount *int                   `json:"retry_count,omitempty"`
	Channel    string                 `json:"channel,omitempty"`
	Timestamp  int64                  `json:"timestamp,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Context 工作流上下文，携带一次编排运行中各阶段的输出。
// 归单次运行独占，不跨 goroutine 共享。
type Context struct {
	ProjectID string
	results   map[string]map[string]interface{}
	order     []string
	Metadata  map[string]interface{}
}

func NewContext(projectID string) *Context {
	return &Context{
		ProjectID: projectID,
		results:   make(map[string]map[string]interface{}),
		Metadata:  make(map[string]interface{}),
	}
}

// AddResult 记录阶段输出，保持插入顺序
func (c *Context) AddResult(stageType string, data map[string]interface{}) {
	if _, ok := c.results[stageType]; !ok {
		c.order = append(c.order, stageType)
	}
	c.results[stageType] = data
}

// Result 读取阶段输出
func (c *Context) Result(stageType string) (map[string]interface{}, bool) {
	data, ok := c.results[stageType]
	return data, ok
}

// Stages 按插入顺序返回已有输出的阶段
func (c *Context) Stages() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// StageResult 阶段执行结果
type StageResult struct {
	Success  bool
	Data     map[string]interface{}
	Error    string
	CanRetry bool
}

// StageProcessor 阶段处理器契约。
// Validate 必须是纯读操作；Process 是唯一允许调用提供商客户端的地方；
// ProcessStream 产生有限的事件序列，最后一个事件必为 done 或 error 之一；
// OnFailure 每次失败运行恰好调用一次，自身不失败。
type StageProcessor interface {
	StageType() string
	Validate(ctx context.Context, c *Context) error
	Process(ctx context.Context, c *Context) (*StageResult, error)
	ProcessStream(ctx context.Context, c *Context) <-chan Event
	OnFailure(ctx context.Context, c *Context, cause error)
}

// ValidationError 前置条件或输入校验失败，终止运行且不重试
type ValidationError struct {
	StageType string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("stage %s validation failed: %s", e.StageType, e.Reason)
}

// ClientSource 把"选择激活提供商 + 构建客户端"收敛为一个可注入的来源
type ClientSource interface {
	LLM(ctx context.Context) (aiclient.LLMClient, error)
	Text2Image(ctx context.Context) (aiclient.Text2ImageClient, error)
	Image2Video(ctx context.Context) (aiclient.Image2VideoClient, error)
}

// RehostFunc 把外部生成产物转存为自有存储地址
type RehostFunc func(srcURL, objectName string) (string, error)

// DBClientSource 从数据库按优先级取激活提供商并经注册表构建客户端
type DBClientSource struct {
	DB       *gorm.DB
	Registry *aiclient.Registry
}

func NewDBClientSource(db *gorm.DB) *DBClientSource {
	return &DBClientSource{DB: db, Registry: aiclient.DefaultRegistry}
}

func (s *DBClientSource) provider(ctx context.Context, category string) (*models.ModelProvider, error) {
	p, err := models.GetActiveProvider(s.DB.WithContext(ctx), category)
	if err != nil {
		return nil, &aiclient.ConfigurationError{
			Provider: category,
			Reason:   "no active provider for category " + category,
		}
	}
	return p, nil
}

func (s *DBClientSource) LLM(ctx context.Context) (aiclient.LLMClient, error) {
	p, err := s.provider(ctx, models.CategoryLLM)
	if err != nil {
		return nil, err
	}
	return aiclient.BuildLLM(s.Registry, p)
}

func (s *DBClientSource) Text2Image(ctx context.Context) (aiclient.Text2ImageClient, error) {
	p, err := s.provider(ctx, models.CategoryText2Image)
	if err != nil {
		return nil, err
	}
	return aiclient.BuildText2Image(s.Registry, p)
}

func (s *DBClientSource) Image2Video(ctx context.Context) (aiclient.Image2VideoClient, error) {
	p, err := s.provider(ctx, models.CategoryImage2Video)
	if err != nil {
		return nil, err
	}
	return aiclient.BuildImage2Video(s.Registry, p)
}
