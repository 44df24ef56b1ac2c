package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"AIStory-server/config"
	"AIStory-server/models"
	"AIStory-server/pipeline"

	"github.com/hibiken/asynq"
	"gorm.io/gorm"
)

// StageTaskProcessor 阶段任务消费者。
// 从队列取出阶段任务，经工作流服务获得执行权后驱动阶段处理器，
// 把流式事件转发到 redis 频道，完成/失败落库并发布终止事件。
// 任务至少执行一次：重复投递在 StartStage 的冲突检测处被拒绝。
type StageTaskProcessor struct {
	db       *gorm.DB
	workflow *WorkflowService
	bridge   *StreamBridge
	queue    *QueueService
	cfg      *config.Config
	stages   map[string]pipeline.StageProcessor
}

func NewStageTaskProcessor(db *gorm.DB, workflow *WorkflowService, bridge *StreamBridge, queue *QueueService, cfg *config.Config, clients pipeline.ClientSource, rehost pipeline.RehostFunc) *StageTaskProcessor {
	stages := map[string]pipeline.StageProcessor{
		models.StageRewrite:        pipeline.NewRewriteProcessor(db, clients),
		models.StageStoryboard:     pipeline.NewStoryboardProcessor(db, clients),
		models.StageImageGen:       pipeline.NewImageStageProcessor(db, clients, rehost),
		models.StageCameraMovement: pipeline.NewCameraMovementProcessor(db, clients),
		models.StageVideoGen:       pipeline.NewVideoStageProcessor(db, clients, rehost),
	}
	return &StageTaskProcessor{
		db:       db,
		workflow: workflow,
		bridge:   bridge,
		queue:    queue,
		cfg:      cfg,
		stages:   stages,
	}
}

// Run 启动任务消费者，阻塞直到服务退出
func (p *StageTaskProcessor) Run() error {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     p.cfg.Redis.Addr,
			Password: p.cfg.Redis.Password,
			DB:       p.cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: p.cfg.Worker.Concurrency,
			Queues: map[string]int{
				QueueDefault: 3,
				QueueVideo:   1,
			},
			// 阶段重试间隔固定 60s，指数退避留给阶段内部的提供商调用
			RetryDelayFunc: func(n int, e error, t *asynq.Task) time.Duration {
				return 60 * time.Second
			},
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeExecuteStage, p.HandleExecuteStage)
	return srv.Run(mux)
}

// HandleExecuteStage 处理单个阶段执行任务
func (p *StageTaskProcessor) HandleExecuteStage(ctx context.Context, t *asynq.Task) error {
	var payload StagePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("阶段任务载荷解析失败: %v: %w", err, asynq.SkipRetry)
	}

	log.Printf("开始处理阶段任务: project=%s stage=%s", payload.ProjectID, payload.StageType)

	publisher := p.bridge.Publisher(payload.ProjectID, payload.StageType)
	defer publisher.Close()

	if _, err := p.workflow.StartStage(ctx, payload.ProjectID, payload.StageType, nil); err != nil {
		var conflict *ConflictError
		var prereq *PrerequisiteError
		switch {
		case errors.As(err, &conflict):
			// 其他消费者已持有该阶段，本任务放弃
			log.Printf("阶段已在处理中，跳过: project=%s stage=%s", payload.ProjectID, payload.StageType)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		case errors.As(err, &prereq):
			publisher.PublishError(ctx, err.Error(), 0)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		default:
			return err
		}
	}

	processor, ok := p.stages[payload.StageType]
	if !ok {
		publisher.PublishError(ctx, "unknown stage type: "+payload.StageType, 0)
		return fmt.Errorf("%v: %w", ErrUnknownStage, asynq.SkipRetry)
	}

	c := pipeline.NewContext(payload.ProjectID)
	events := processor.ProcessStream(ctx, c)

	for event := range events {
		switch event.Type {
		case pipeline.EventDone:
			return p.finishStage(ctx, publisher, payload, event)
		case pipeline.EventError:
			return p.failStage(ctx, publisher, payload, event.Error)
		default:
			publisher.Publish(ctx, event)
		}
	}

	// 事件通道未以 done/error 结束（上下文取消或硬超时）
	msg := "stage aborted before completion"
	if ctx.Err() != nil {
		msg = ctx.Err().Error()
	}
	return p.failStage(ctx, publisher, payload, msg)
}

func (p *StageTaskProcessor) finishStage(ctx context.Context, publisher *StreamPublisher, payload StagePayload, event pipeline.Event) error {
	output := models.JSONMap(event.Data)
	if event.FullText != "" {
		if output == nil {
			output = models.JSONMap{}
		}
		if _, ok := output["full_text"]; !ok {
			output["full_text"] = event.FullText
		}
	}

	completion, err := p.workflow.CompleteStage(ctx, payload.ProjectID, payload.StageType, output, false)
	if err != nil {
		return p.failStage(ctx, publisher, payload, "持久化阶段结果失败: "+err.Error())
	}

	publisher.PublishDone(ctx, event.Data, event.Metadata)
	log.Printf("阶段任务完成: project=%s stage=%s", payload.ProjectID, payload.StageType)

	if !completion.ProjectCompleted {
		if next := models.NextStage(payload.StageType); next != "" {
			if _, err := p.queue.EnqueueStage(payload.ProjectID, next); err != nil {
				log.Printf("投递下一阶段失败: project=%s stage=%s err=%v", payload.ProjectID, next, err)
			}
		}
	}
	return nil
}

func (p *StageTaskProcessor) failStage(ctx context.Context, publisher *StreamPublisher, payload StagePayload, errMsg string) error {
	retryAllowed, err := p.workflow.RecordStageError(ctx, payload.ProjectID, payload.StageType, errMsg)
	if err != nil {
		log.Printf("记录阶段失败状态出错: project=%s stage=%s err=%v", payload.ProjectID, payload.StageType, err)
	}

	stage, gerr := models.GetStage(p.db.WithContext(ctx), payload.ProjectID, payload.StageType)
	retryCount := 0
	if gerr == nil {
		retryCount = stage.RetryCount
	}
	publisher.PublishError(ctx, errMsg, retryCount)

	if !retryAllowed {
		exhausted := &TaskRetryExhaustedError{
			ProjectID: payload.ProjectID,
			StageType: payload.StageType,
			Retries:   retryCount,
		}
		log.Printf("%v", exhausted)
		return fmt.Errorf("%v: %w", exhausted, asynq.SkipRetry)
	}
	return fmt.Errorf("stage %s failed for project %s: %s", payload.StageType, payload.ProjectID, errMsg)
}
