package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"AIStory-server/pipeline"

	"github.com/redis/go-redis/v9"
)

// StageChannel 返回阶段事件的 redis 频道名
func StageChannel(projectID, stageType string) string {
	return fmt.Sprintf("ai_story:project:%s:stage:%s", projectID, stageType)
}

// ProjectChannel 项目级订阅的标识，用于聚合连接的握手回显
func ProjectChannel(projectID string) string {
	return fmt.Sprintf("ai_story:project:%s", projectID)
}

// StreamBridge 负责 redis pub/sub 与 websocket 之间的事件桥接。
// 发布端在任务执行过程中逐条推送事件，订阅端按发布顺序收取。
type StreamBridge struct {
	rdb *redis.Client
}

func NewStreamBridge(rdb *redis.Client) *StreamBridge {
	return &StreamBridge{rdb: rdb}
}

// Publisher 为某个阶段创建发布器
func (b *StreamBridge) Publisher(projectID, stageType string) *StreamPublisher {
	return &StreamPublisher{
		rdb:       b.rdb,
		channel:   StageChannel(projectID, stageType),
		stageType: stageType,
	}
}

// Subscribe 订阅一个或多个阶段频道，调用方负责 Close
func (b *StreamBridge) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return b.rdb.Subscribe(ctx, channels...)
}

// StreamPublisher 单个阶段的事件发布器。
// Close 之后所有发布调用静默变为 no-op，保证 done/error 是频道上的最后事件。
type StreamPublisher struct {
	rdb       *redis.Client
	channel   string
	stageType string

	mu     sync.Mutex
	closed bool
}

func (p *StreamPublisher) Channel() string { return p.channel }

// Publish 发布任意事件，自动补齐频道名和时间戳
func (p *StreamPublisher) Publish(ctx context.Context, event pipeline.Event) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	event.Channel = p.channel
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		log.Printf("发布事件失败 channel=%s type=%s: %v", p.channel, event.Type, err)
		return err
	}
	return nil
}

func (p *StreamPublisher) PublishToken(ctx context.Context, content, fullText string) error {
	return p.Publish(ctx, pipeline.Event{
		Type:     pipeline.EventToken,
		Content:  content,
		FullText: fullText,
	})
}

func (p *StreamPublisher) PublishProgress(ctx context.Context, current, total int, message string) error {
	progress := 0
	if total > 0 {
		progress = current * 100 / total
	}
	return p.Publish(ctx, pipeline.Event{
		Type:     pipeline.EventProgress,
		Progress: &progress,
		Current:  current,
		Total:    total,
		Message:  message,
	})
}

func (p *StreamPublisher) PublishStageUpdate(ctx context.Context, status, message string) error {
	return p.Publish(ctx, pipeline.Event{
		Type:    pipeline.EventStageUpdate,
		Status:  status,
		Message: message,
	})
}

func (p *StreamPublisher) PublishWarning(ctx context.Context, message string) error {
	return p.Publish(ctx, pipeline.Event{
		Type:    pipeline.EventWarning,
		Message: message,
	})
}

func (p *StreamPublisher) PublishInfo(ctx context.Context, message string) error {
	return p.Publish(ctx, pipeline.Event{
		Type:    pipeline.EventInfo,
		Message: message,
	})
}

// PublishDone 发布终止事件 done 并关闭发布器
func (p *StreamPublisher) PublishDone(ctx context.Context, data map[string]interface{}, metadata map[string]interface{}) error {
	err := p.Publish(ctx, pipeline.Event{
		Type:     pipeline.EventDone,
		Status:   "completed",
		Data:     data,
		Metadata: metadata,
	})
	p.Close()
	return err
}

// PublishError 发布终止事件 error 并关闭发布器
func (p *StreamPublisher) PublishError(ctx context.Context, errMsg string, retryCount int) error {
	err := p.Publish(ctx, pipeline.Event{
		Type:       pipeline.EventError,
		Status:     "failed",
		Error:      errMsg,
		RetryCount: &retryCount,
	})
	p.Close()
	return err
}

// Close 关闭发布器，之后的发布全部丢弃
func (p *StreamPublisher) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
