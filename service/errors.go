package service

import (
	"errors"
	"fmt"
)

// ErrUnknownStage 阶段类型不在固定顺序里
var ErrUnknownStage = errors.New("unknown stage type")

// ConflictError 阶段已在 processing，并发启动必须快速失败而不是阻塞等待
type ConflictError struct {
	ProjectID string
	StageType string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("stage %s of project %s is already processing", e.StageType, e.ProjectID)
}

// PrerequisiteError 前置阶段未完成，携带第一个未满足的阶段
type PrerequisiteError struct {
	StageType   string
	Unmet       string
	UnmetStatus string
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("stage %s cannot start: prerequisite stage %s is %s",
		e.StageType, e.Unmet, e.UnmetStatus)
}

// TaskRetryExhaustedError 任务运行器自身的重试预算耗尽，项目置为 failed
type TaskRetryExhaustedError struct {
	ProjectID string
	StageType string
	Retries   int
}

func (e *TaskRetryExhaustedError) Error() string {
	return fmt.Sprintf("task for stage %s of project %s exhausted %d retries",
		e.StageType, e.ProjectID, e.Retries)
}
