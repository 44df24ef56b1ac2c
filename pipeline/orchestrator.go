package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"
)

// StateRecorder 编排器向权威状态机回写阶段转换的出口。
// 为 nil 时编排器只在内存上下文里累积结果（测试场景）。
type StateRecorder interface {
	StageStarted(ctx context.Context, projectID, stageType string) error
	StageCompleted(ctx context.Context, projectID, stageType string, output map[string]interface{}) error
	StageFailed(ctx context.Context, projectID, stageType, errMsg string) error
}

// Orchestrator 按固定顺序串行驱动各阶段处理器。
// 每阶段: validate -> process，失败且可重试时按指数退避重试；
// 首个非成功终态即中止整个运行，后续阶段不再执行。
type Orchestrator struct {
	stages     []StageProcessor
	recorder   StateRecorder
	maxRetries int
	sleep      func(time.Duration)
}

func NewOrchestrator(stages []StageProcessor, recorder StateRecorder) *Orchestrator {
	return &Orchestrator{
		stages:     stages,
		recorder:   recorder,
		maxRetries: 3,
		sleep:      time.Sleep,
	}
}

// Execute 执行完整的项目工作流，返回包含所有阶段结果的上下文
func (o *Orchestrator) Execute(ctx context.Context, projectID string) (*Context, error) {
	c := NewContext(projectID)

	log.Printf("开始执行项目工作流: %s", projectID)

	for _, stage := range o.stages {
		log.Printf("执行阶段: %s", stage.StageType())

		if err := o.runStage(ctx, c, stage); err != nil {
			return c, err
		}

		log.Printf("阶段 %s 执行成功", stage.StageType())
	}

	return c, nil
}

func (o *Orchestrator) runStage(ctx context.Context, c *Context, stage StageProcessor) error {
	if err := stage.Validate(ctx, c); err != nil {
		verr := &ValidationError{StageType: stage.StageType(), Reason: err.Error()}
		stage.OnFailure(ctx, c, verr)
		o.recordFailure(ctx, c.ProjectID, stage.StageType(), verr.Error())
		return verr
	}

	if o.recorder != nil {
		if err := o.recorder.StageStarted(ctx, c.ProjectID, stage.StageType()); err != nil {
			return err
		}
	}

	result, err := stage.Process(ctx, c)
	if err != nil {
		// 意料外的错误：先落失败状态再向上传播
		stage.OnFailure(ctx, c, err)
		o.recordFailure(ctx, c.ProjectID, stage.StageType(), err.Error())
		return err
	}

	if !result.Success && result.CanRetry {
		log.Printf("阶段 %s 执行失败，尝试重试: %s", stage.StageType(), result.Error)
		result, err = o.retryStage(ctx, c, stage)
		if err != nil {
			stage.OnFailure(ctx, c, err)
			o.recordFailure(ctx, c.ProjectID, stage.StageType(), err.Error())
			return err
		}
	}

	if !result.Success {
		ferr := fmt.Errorf("stage %s failed: %s", stage.StageType(), result.Error)
		stage.OnFailure(ctx, c, ferr)
		o.recordFailure(ctx, c.ProjectID, stage.StageType(), result.Error)
		return ferr
	}

	c.AddResult(stage.StageType(), result.Data)
	if o.recorder != nil {
		if err := o.recorder.StageCompleted(ctx, c.ProjectID, stage.StageType(), result.Data); err != nil {
			return err
		}
	}
	return nil
}

// retryStage 指数退避重试: 1s, 2s, 4s...
func (o *Orchestrator) retryStage(ctx context.Context, c *Context, stage StageProcessor) (*StageResult, error) {
	var result *StageResult
	var err error

	for attempt := 0; attempt < o.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		o.sleep(time.Duration(1<<attempt) * time.Second)

		log.Printf("重试阶段 %s, 第 %d/%d 次", stage.StageType(), attempt+1, o.maxRetries)

		result, err = stage.Process(ctx, c)
		if err != nil {
			return nil, err
		}
		if result.Success {
			log.Printf("阶段 %s 重试成功", stage.StageType())
			return result, nil
		}
		if !result.CanRetry {
			break
		}
	}

	log.Printf("阶段 %s 重试失败，已达最大重试次数", stage.StageType())
	return result, nil
}

// ExecuteStage 执行单个阶段
func (o *Orchestrator) ExecuteStage(ctx context.Context, projectID, stageType string) (*StageResult, error) {
	var stage StageProcessor
	for _, s := range o.stages {
		if s.StageType() == stageType {
			stage = s
			break
		}
	}
	if stage == nil {
		return &StageResult{
			Success:  false,
			Error:    fmt.Sprintf("unknown stage: %s", stageType),
			CanRetry: false,
		}, nil
	}

	c := NewContext(projectID)
	if err := stage.Validate(ctx, c); err != nil {
		return &StageResult{
			Success:  false,
			Error:    err.Error(),
			CanRetry: false,
		}, nil
	}
	return stage.Process(ctx, c)
}

func (o *Orchestrator) recordFailure(ctx context.Context, projectID, stageType, msg string) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.StageFailed(ctx, projectID, stageType, msg); err != nil {
		log.Printf("记录阶段失败状态出错: %v", err)
	}
}
