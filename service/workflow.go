package service

import (
	"context"
	"log"
	"time"

	"AIStory-server/models"

	"gorm.io/gorm"
)

// WorkflowService 项目工作流的权威状态机。
// 负责阶段状态转换、前置顺序约束、进度计算与回滚；
// 阶段行的互斥通过条件 UPDATE 保证，对并发启动快速返回 ConflictError。
type WorkflowService struct {
	db *gorm.DB
}

func NewWorkflowService(db *gorm.DB) *WorkflowService {
	return &WorkflowService{db: db}
}

// StartStage 开始执行阶段。
// 失败情形: 阶段类型非法(ErrUnknownStage)、阶段不存在、
// 前置阶段未完成(PrerequisiteError，指明第一个未满足的阶段)、
// 阶段正在处理中(ConflictError)。
func (s *WorkflowService) StartStage(ctx context.Context, projectID, stageType string, input models.JSONMap) (*models.ProjectStage, error) {
	idx := models.StageIndex(stageType)
	if idx == -1 {
		return nil, ErrUnknownStage
	}

	db := s.db.WithContext(ctx)
	var started *models.ProjectStage

	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := models.GetStage(tx, projectID, stageType); err != nil {
			return err
		}

		// 检查所有前置阶段，报出第一个未完成的
		for i := 0; i < idx; i++ {
			prevType := models.StageOrder[i]
			prev, err := models.GetStage(tx, projectID, prevType)
			if err != nil {
				return &PrerequisiteError{StageType: stageType, Unmet: prevType, UnmetStatus: "missing"}
			}
			if !stageSatisfied(prev.Status) {
				return &PrerequisiteError{StageType: stageType, Unmet: prevType, UnmetStatus: prev.Status}
			}
		}

		// 条件更新充当排他锁: 已是 processing 的行不会被再次更新
		now := time.Now()
		updates := map[string]interface{}{
			"status":        models.StageStatusProcessing,
			"started_at":    now,
			"completed_at":  nil,
			"error_message": "",
			"updated_at":    now,
		}
		if input != nil {
			updates["input_data"] = input
		}
		res := tx.Model(&models.ProjectStage{}).
			Where("project_id = ? AND stage_type = ? AND status <> ?",
				projectID, stageType, models.StageStatusProcessing).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &ConflictError{ProjectID: projectID, StageType: stageType}
		}

		if err := tx.Model(&models.Project{}).Where("id = ?", projectID).
			Updates(map[string]interface{}{
				"status":     models.ProjectStatusProcessing,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}

		stage, err := models.GetStage(tx, projectID, stageType)
		if err != nil {
			return err
		}
		started = stage
		return nil
	})
	if err != nil {
		return nil, err
	}
	return started, nil
}

// CanStart 只读预检: 阶段是否具备启动条件。
// 真正的状态转换由任务消费者里的 StartStage 完成，这里用于 API 层快速失败。
func (s *WorkflowService) CanStart(ctx context.Context, projectID, stageType string) error {
	idx := models.StageIndex(stageType)
	if idx == -1 {
		return ErrUnknownStage
	}

	db := s.db.WithContext(ctx)
	stage, err := models.GetStage(db, projectID, stageType)
	if err != nil {
		return err
	}
	if stage.Status == models.StageStatusProcessing {
		return &ConflictError{ProjectID: projectID, StageType: stageType}
	}

	for i := 0; i < idx; i++ {
		prev, err := models.GetStage(db, projectID, models.StageOrder[i])
		if err != nil {
			return &PrerequisiteError{StageType: stageType, Unmet: models.StageOrder[i], UnmetStatus: "missing"}
		}
		if !stageSatisfied(prev.Status) {
			return &PrerequisiteError{StageType: stageType, Unmet: prev.StageType, UnmetStatus: prev.Status}
		}
	}
	return nil
}

// stageSatisfied 部分成功的阶段同样满足后续阶段的前置条件，
// 失败的条目由后续阶段自行跳过
func stageSatisfied(status string) bool {
	return status == models.StageStatusCompleted || status == models.StageStatusPartiallyCompleted
}

// StageCompletion CompleteStage 的结果
type StageCompletion struct {
	Stage            *models.ProjectStage
	ProjectCompleted bool
	NextStage        *models.ProjectStage
}

// CompleteStage 持久化阶段完成。
// output 中 failed_count > 0 时终态为 partially_completed；
// 所有阶段完成后项目置为 completed；否则按 autoAdvance 立即启动下一阶段。
func (s *WorkflowService) CompleteStage(ctx context.Context, projectID, stageType string, output models.JSONMap, autoAdvance bool) (*StageCompletion, error) {
	if models.StageIndex(stageType) == -1 {
		return nil, ErrUnknownStage
	}

	db := s.db.WithContext(ctx)
	result := &StageCompletion{}

	err := db.Transaction(func(tx *gorm.DB) error {
		stage, err := models.GetStage(tx, projectID, stageType)
		if err != nil {
			return err
		}

		status := models.StageStatusCompleted
		if fc, ok := output["failed_count"]; ok && toInt(fc) > 0 {
			status = models.StageStatusPartiallyCompleted
		}

		now := time.Now()
		if err := tx.Model(stage).Updates(map[string]interface{}{
			"status":        status,
			"output_data":   output,
			"completed_at":  now,
			"error_message": "",
			"updated_at":    now,
		}).Error; err != nil {
			return err
		}

		var completedCount int64
		if err := tx.Model(&models.ProjectStage{}).
			Where("project_id = ? AND status IN ?", projectID,
				[]string{models.StageStatusCompleted, models.StageStatusPartiallyCompleted}).
			Count(&completedCount).Error; err != nil {
			return err
		}

		if int(completedCount) == len(models.StageOrder) {
			if err := tx.Model(&models.Project{}).Where("id = ?", projectID).
				Updates(map[string]interface{}{
					"status":       models.ProjectStatusCompleted,
					"completed_at": now,
					"updated_at":   now,
				}).Error; err != nil {
				return err
			}
			result.ProjectCompleted = true
		}

		stage, err = models.GetStage(tx, projectID, stageType)
		if err != nil {
			return err
		}
		result.Stage = stage
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.ProjectCompleted && autoAdvance {
		next := models.NextStage(stageType)
		if next != "" {
			nextStage, err := s.StartStage(ctx, projectID, next, nil)
			if err != nil {
				log.Printf("自动推进到阶段 %s 失败: %v", next, err)
			} else {
				result.NextStage = nextStage
			}
		}
	}
	return result, nil
}

// StageFailure FailStage 的结果
type StageFailure struct {
	Stage             *models.ProjectStage
	WillRetry         bool
	RetryCount        int
	MaxRetriesReached bool
}

// FailStage 标记阶段失败。
// autoRetry 且重试次数未耗尽时自增 retry_count 并重新进入 processing
// （调用方负责重新发起 process）；否则置 failed 并把项目标记为 failed。
func (s *WorkflowService) FailStage(ctx context.Context, projectID, stageType, errMsg string, autoRetry bool) (*StageFailure, error) {
	if models.StageIndex(stageType) == -1 {
		return nil, ErrUnknownStage
	}

	db := s.db.WithContext(ctx)
	result := &StageFailure{}

	err := db.Transaction(func(tx *gorm.DB) error {
		stage, err := models.GetStage(tx, projectID, stageType)
		if err != nil {
			return err
		}

		now := time.Now()
		updates := map[string]interface{}{
			"error_message": errMsg,
			"completed_at":  now,
			"updated_at":    now,
		}

		if autoRetry && stage.RetryCount < stage.MaxRetries {
			updates["retry_count"] = stage.RetryCount + 1
			updates["status"] = models.StageStatusProcessing
			updates["started_at"] = now
			updates["completed_at"] = nil
			result.WillRetry = true
			result.RetryCount = stage.RetryCount + 1
		} else {
			updates["status"] = models.StageStatusFailed
			result.MaxRetriesReached = stage.RetryCount >= stage.MaxRetries
			result.RetryCount = stage.RetryCount
			if err := tx.Model(&models.Project{}).Where("id = ?", projectID).
				Updates(map[string]interface{}{
					"status":     models.ProjectStatusFailed,
					"updated_at": now,
				}).Error; err != nil {
				return err
			}
		}

		if err := tx.Model(stage).Updates(updates).Error; err != nil {
			return err
		}

		stage, err = models.GetStage(tx, projectID, stageType)
		if err != nil {
			return err
		}
		result.Stage = stage
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RecordStageError 任务运行器路径的失败落库：置 failed、自增 retry_count（不超过上限），
// 返回任务是否还可以重试。与 FailStage(autoRetry) 的区别是重试由任务队列触发，
// 阶段不停留在 processing。
func (s *WorkflowService) RecordStageError(ctx context.Context, projectID, stageType, errMsg string) (retryAllowed bool, err error) {
	db := s.db.WithContext(ctx)
	err = db.Transaction(func(tx *gorm.DB) error {
		stage, err := models.GetStage(tx, projectID, stageType)
		if err != nil {
			return err
		}

		now := time.Now()
		retryCount := stage.RetryCount
		if retryCount < stage.MaxRetries {
			retryCount++
			retryAllowed = true
		}

		if err := tx.Model(stage).Updates(map[string]interface{}{
			"status":        models.StageStatusFailed,
			"error_message": errMsg,
			"retry_count":   retryCount,
			"completed_at":  now,
			"updated_at":    now,
		}).Error; err != nil {
			return err
		}

		if !retryAllowed {
			return tx.Model(&models.Project{}).Where("id = ?", projectID).
				Updates(map[string]interface{}{
					"status":     models.ProjectStatusFailed,
					"updated_at": now,
				}).Error
		}
		return nil
	})
	return retryAllowed, err
}

// RollbackResult 回滚结果
type RollbackResult struct {
	RolledBackTo     string
	ResetStagesCount int
	ProjectStatus    string
}

// RollbackToStage 回滚到指定阶段：目标及其后所有阶段重置为 pending
// （清空输出/错误/重试计数/时间戳），项目回到 draft。
// 这是从中间点重跑的唯一支持方式。
func (s *WorkflowService) RollbackToStage(ctx context.Context, projectID, stageType string) (*RollbackResult, error) {
	idx := models.StageIndex(stageType)
	if idx == -1 {
		return nil, ErrUnknownStage
	}

	db := s.db.WithContext(ctx)
	result := &RollbackResult{RolledBackTo: stageType, ProjectStatus: models.ProjectStatusDraft}

	err := db.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		for i := idx; i < len(models.StageOrder); i++ {
			res := tx.Model(&models.ProjectStage{}).
				Where("project_id = ? AND stage_type = ?", projectID, models.StageOrder[i]).
				Updates(map[string]interface{}{
					"status":        models.StageStatusPending,
					"output_data":   models.JSONMap{},
					"error_message": "",
					"retry_count":   0,
					"started_at":    nil,
					"completed_at":  nil,
					"updated_at":    now,
				})
			if res.Error != nil {
				return res.Error
			}
			result.ResetStagesCount += int(res.RowsAffected)
		}

		return tx.Model(&models.Project{}).Where("id = ?", projectID).
			Updates(map[string]interface{}{
				"status":       models.ProjectStatusDraft,
				"completed_at": nil,
				"updated_at":   now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// StageProgress 单个阶段的进度信息
type StageProgress struct {
	StageType    string     `json:"stage_type"`
	Status       string     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// WorkflowProgress 项目工作流进度
type WorkflowProgress struct {
	Stages             []StageProgress `json:"stages"`
	TotalStages        int             `json:"total_stages"`
	CompletedStages    int             `json:"completed_stages"`
	FailedStages       int             `json:"failed_stages"`
	ProcessingStages   int             `json:"processing_stages"`
	ProgressPercentage float64         `json:"progress_percentage"`
	CurrentStage       string          `json:"current_stage,omitempty"`
}

// GetProgress 返回各阶段状态、完成百分比和当前阶段
// （第一个 processing，否则第一个 pending）。
func (s *WorkflowService) GetProgress(ctx context.Context, projectID string) (*WorkflowProgress, error) {
	stages, err := models.GetStagesByProjectID(s.db.WithContext(ctx), projectID)
	if err != nil {
		return nil, err
	}

	progress := &WorkflowProgress{
		TotalStages: len(models.StageOrder),
	}

	for _, st := range stages {
		progress.Stages = append(progress.Stages, StageProgress{
			StageType:    st.StageType,
			Status:       st.Status,
			RetryCount:   st.RetryCount,
			StartedAt:    st.StartedAt,
			CompletedAt:  st.CompletedAt,
			ErrorMessage: st.ErrorMessage,
		})
		switch st.Status {
		case models.StageStatusCompleted, models.StageStatusPartiallyCompleted:
			progress.CompletedStages++
		case models.StageStatusFailed:
			progress.FailedStages++
		case models.StageStatusProcessing:
			progress.ProcessingStages++
		}
	}

	if progress.TotalStages > 0 {
		progress.ProgressPercentage = float64(progress.CompletedStages) / float64(progress.TotalStages) * 100
	}

	for _, st := range stages {
		if st.Status == models.StageStatusProcessing {
			progress.CurrentStage = st.StageType
			break
		}
	}
	if progress.CurrentStage == "" {
		for _, st := range stages {
			if st.Status == models.StageStatusPending {
				progress.CurrentStage = st.StageType
				break
			}
		}
	}
	return progress, nil
}

// StateRecorder 适配: 供编排器回写阶段状态转换

func (s *WorkflowService) StageStarted(ctx context.Context, projectID, stageType string) error {
	_, err := s.StartStage(ctx, projectID, stageType, nil)
	return err
}

func (s *WorkflowService) StageCompleted(ctx context.Context, projectID, stageType string, output map[string]interface{}) error {
	_, err := s.CompleteStage(ctx, projectID, stageType, models.JSONMap(output), false)
	return err
}

func (s *WorkflowService) StageFailed(ctx context.Context, projectID, stageType, errMsg string) error {
	_, err := s.FailStage(ctx, projectID, stageType, errMsg, false)
	return err
}

// 工具函数：安全取 int（JSON 反序列化后数字是 float64）
func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
