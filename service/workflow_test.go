package service

import (
	"context"
	"testing"

	"AIStory-server/models"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	// 内存库按连接隔离，收敛到单连接保证所有事务看到同一个库
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.Migrate(db))
	return db
}

func newTestProject(t *testing.T, db *gorm.DB) *models.Project {
	t.Helper()
	p := &models.Project{
		ID:        uuid.NewString(),
		Title:     "测试项目",
		StoryText: "从前有座山，山里有座庙。",
		Status:    models.ProjectStatusDraft,
	}
	require.NoError(t, models.CreateProjectWithStages(db, p))
	return p
}

// 把项目推进到指定阶段之前（之前的阶段全部置 completed）
func completeStagesBefore(t *testing.T, svc *WorkflowService, projectID, stageType string) {
	t.Helper()
	ctx := context.Background()
	for _, st := range models.StageOrder {
		if st == stageType {
			return
		}
		_, err := svc.StartStage(ctx, projectID, st, nil)
		require.NoError(t, err)
		_, err = svc.CompleteStage(ctx, projectID, st, models.JSONMap{"full_text": "ok"}, false)
		require.NoError(t, err)
	}
}

func TestStartStageUnknownType(t *testing.T) {
	db := newTestDB(t)
	svc := NewWorkflowService(db)
	p := newTestProject(t, db)

	_, err := svc.StartStage(context.Background(), p.ID, "bogus", nil)
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestStartStagePrerequisiteNamesFirstUnmet(t *testing.T) {
	db := newTestDB(t)
	svc := NewWorkflowService(db)
	p := newTestProject(t, db)

	// 全部 pending 时直接启动 video_generation，应报第一个未满足的 rewrite
	_, err := svc.StartStage(context.Background(), p.ID, models.StageVideoGen, nil)
	var prereq *PrerequisiteError
	require.ErrorAs(t, err, &prereq)
	assert.Equal(t, models.StageRewrite, prereq.Unmet)
	assert.Equal(t, models.StageStatusPending, prereq.UnmetStatus)

	// rewrite 完成后，storyboard 可以启动，camera_movement 仍被 storyboard 挡住
	completeStagesBefore(t, svc, p.ID, models.StageStoryboard)
	_, err = svc.StartStage(context.Background(), p.ID, models.StageCameraMovement, nil)
	require.ErrorAs(t, err, &prereq)
	assert.Equal(t, models.StageStoryboard, prereq.Unmet)
}

func TestStartStageConflict(t *testing.T) {
	db := newTestDB(t)
	svc := NewWorkflowService(db)
	p := newTestProject(t, db)
	ctx := context.Background()

	stage, err := svc.StartStage(ctx, p.ID, models.StageRewrite, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StageStatusProcessing, stage.Status)
	assert.NotNil(t, stage.StartedAt)

	// 第二次启动应快速失败
	_, err = svc.StartStage(ctx, p.ID, models.StageRewrite, nil)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, p.ID, conflict.ProjectID)
	assert.Equal(t, models.StageRewrite, conflict.StageType)

	// 项目应进入 processing
	project, err := models.GetProjectByID(db, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusProcessing, project.Status)
}

func TestStartStageConcurrentOnlyOneWins(t *testing.T) {
	db := newTestDB(t)
	svc := NewWorkflowService(db)
	p := newTestProject(t, db)

	// 两个并发启动走同一条条件更新，恰好一个拿到执行权
	start := make(chan struct{})
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			_, err := svc.StartStage(context.Background(), p.ID, models.StageRewrite, nil)
			errs <- err
		}()
	}
	close(start)

	var succeeded, conflicted int
	for i := 0; i < 2; i++ {
		err := <-errs
		if err == nil {
			succeeded++
			continue
		}
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		conflicted++
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicted)
}

func TestCanStartIsReadOnly(t *testing.T) {
	db := newTestDB(t)
	svc := NewWorkflowService(db)
	p := newTestProject(t, db)
	ctx := context.Background()

	require.NoError(t, svc.CanStart(ctx, p.ID, models.StageRewrite))

	// 预检不应改变阶段状态
	stage, err := models.GetStage(db, p.ID, models.StageRewrite)
	require.NoError(t, err)
	assert.Equal(t, models.StageStatusPending, stage.Status)

	_, err = svc.StartStage(ctx, p.ID, models.StageRewrite, nil)
	require.NoError(t, err)

	var conflict *ConflictError
	assert.ErrorAs(t, svc.CanStart(ctx, p.ID, models.StageRewrite), &conflict)

	var prereq *PrerequisiteError
	assert.ErrorAs(t, svc.CanStart(ctx, p.ID, models.StageStoryboard), &prereq)
}

func TestCompleteStageRoundTripsOutput(t *testing.T) {
	db := newTestDB(t)
	svc := NewWorkflowService(db)
	p := newTestProject(t, db)
	ctx := context.Background()

	_, err := svc.StartStage(ctx, p.ID, models.StageRewrite, nil)
	require.NoError(t, err)

	output := models.JSONMap{
		"full_text": "改写后的文案",
		"scenes":    []interface{}{map[string]interface{}{"scene_number": float64(1)}},
	}
	result, err := svc.CompleteStage(ctx, p.ID, models.StageRewrite, output, false)
	require.NoError(t, err)
	assert.Equal(t, models.StageStatusCompleted, result.Stage.Status)
	assert.NotNil(t, result.Stage.CompletedAt)
	assert.False(t, result.ProjectCompleted)

	// 输出经 JSON 列往返后保持等价
	stage, err := models.GetStage(db, p.ID, models.StageRewrite)
	require.NoError(t, err)
	assert.Equal(t, "改写后的文案", stage.OutputData["full_text"])
	scenes, ok := stage.OutputData["scenes"].([]interface{})
	require.True(t, ok)
	require.Len(t, scenes, 1)
}

func TestCompleteStageAutoAdvance(t *testing.T) {
	db := newTestDB(t)
	svc := NewWorkflowService(db)
	p := newTestProject(t, db)
	ctx := context.Background()

	_, err := svc.StartStage(ctx, p.ID, models.StageRewrite, nil)
	require.NoError(t, err)

	result, err := svc.CompleteStage(ctx, p.ID, models.StageRewrite, models.JSONMap{"full_text": "ok"}, true)
	require.NoError(t, err)
	require.NotNil(t, result.NextStage)
	assert.Equal(t, models.StageStoryboard, result.NextStage.StageType)
	assert.Equal(t, models.StageStatusProcessing, result.NextStage.Status)
}

func TestCompleteStagePartialResult(t *testing.T) {
	db := newTestDB(t)
	svc := NewWorkflowService(db)
	p := newTestProject(t, db)
	ctx := context.Background()

	completeStagesBefore(t, svc, p.ID, models.StageImageGen)
	_, err := svc.StartStage(ctx, p.ID, models.StageImageGen, nil)
	require.NoError(t, err)

	output := models.JSONMap{"success_count": float64(3), "failed_count": float64(2)}
	result, err := svc.CompleteStage(ctx, p.ID, models.StageImageGen, output, false)
	require.NoError(t, err)
	assert.Equal(t, models.StageStatusPartiallyCompleted, result.Stage.Status)

	// 部分成功的阶段满足后续阶段的前置条件
	_, err = svc.StartStage(ctx, p.ID, models.StageCameraMovement, nil)
	require.NoError(t, err)
}

func TestCompleteAllStagesCompletesProject(t *testing.T) {
	db := newTestDB(t)
	svc := NewWorkflowService(db)
	p := newTestProject(t, db)
	ctx := context.Background()

	var last *StageCompletion
	for _, st := range models.StageOrder {
		_, err := svc.StartStage(ctx, p.ID, st, nil)
		require.NoError(t, err)
		var err2 error
		last, err2 = svc.CompleteStage(ctx, p.ID, st, models.JSONMap{"full_text": "ok"}, false)
		require.NoError(t, err2)
	}

	assert.True(t, last.ProjectCompleted)
	project, err := models.GetProjectByID(db, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusCompleted, project.Status)
	assert.NotNil(t, project.CompletedAt)
}

func TestFailStageAutoRetryThenExhaust(t *testing.T) {
	db := newTestDB(t)
	svc := NewWorkflowService(db)
	p := newTestProject(t, db)
	ctx := context.Background()

	_, err := svc.StartStage(ctx, p.ID, models.StageRewrite, nil)
	require.NoError(t, err)

	// 重试预算内：自增计数并回到 processing
	for i := 1; i <= models.DefaultMaxRetries; i++ {
		result, err := svc.FailStage(ctx, p.ID, models.StageRewrite, "provider timeout", true)
		require.NoError(t, err)
		assert.True(t, result.WillRetry)
		assert.Equal(t, i, result.RetryCount)
		assert.Equal(t, models.StageStatusProcessing, result.Stage.Status)
	}

	// 预算耗尽：阶段与项目都进入 failed
	result, err := svc.FailStage(ctx, p.ID, models.StageRewrite, "provider timeout", true)
	require.NoError(t, err)
	assert.False(t, result.WillRetry)
	assert.True(t, result.MaxRetriesReached)
	assert.Equal(t, models.StageStatusFailed, result.Stage.Status)
	assert.Equal(t, "provider timeout", result.Stage.ErrorMessage)

	project, err := models.GetProjectByID(db, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusFailed, project.Status)
}

func TestRecordStageErrorRetryBudget(t *testing.T) {
	db := newTestDB(t)
	svc := NewWorkflowService(db)
	p := newTestProject(t, db)
	ctx := context.Background()

	_, err := svc.StartStage(ctx, p.ID, models.StageRewrite, nil)
	require.NoError(t, err)

	for i := 1; i <= models.DefaultMaxRetries; i++ {
		allowed, err := svc.RecordStageError(ctx, p.ID, models.StageRewrite, "boom")
		require.NoError(t, err)
		assert.True(t, allowed, "第 %d 次失败应允许重试", i)

		stage, err := models.GetStage(db, p.ID, models.StageRewrite)
		require.NoError(t, err)
		assert.Equal(t, models.StageStatusFailed, stage.Status)
		assert.Equal(t, i, stage.RetryCount)

		// 重试由队列再次投递，StartStage 从 failed 状态可以重新获得执行权
		_, err = svc.StartStage(ctx, p.ID, models.StageRewrite, nil)
		require.NoError(t, err)
	}

	allowed, err := svc.RecordStageError(ctx, p.ID, models.StageRewrite, "boom")
	require.NoError(t, err)
	assert.False(t, allowed)

	stage, err := models.GetStage(db, p.ID, models.StageRewrite)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultMaxRetries, stage.RetryCount)

	project, err := models.GetProjectByID(db, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusFailed, project.Status)
}

func TestRollbackResetsTargetAndLaterStages(t *testing.T) {
	db := newTestDB(t)
	svc := NewWorkflowService(db)
	p := newTestProject(t, db)
	ctx := context.Background()

	completeStagesBefore(t, svc, p.ID, models.StageImageGen)
	_, err := svc.StartStage(ctx, p.ID, models.StageImageGen, nil)
	require.NoError(t, err)

	result, err := svc.RollbackToStage(ctx, p.ID, models.StageStoryboard)
	require.NoError(t, err)
	assert.Equal(t, models.StageStoryboard, result.RolledBackTo)
	assert.Equal(t, 4, result.ResetStagesCount)

	// rewrite 保持完成，storyboard 及之后全部回到 pending
	rewrite, err := models.GetStage(db, p.ID, models.StageRewrite)
	require.NoError(t, err)
	assert.Equal(t, models.StageStatusCompleted, rewrite.Status)

	for _, st := range models.StageOrder[1:] {
		stage, err := models.GetStage(db, p.ID, st)
		require.NoError(t, err)
		assert.Equal(t, models.StageStatusPending, stage.Status, st)
		assert.Empty(t, stage.OutputData)
		assert.Zero(t, stage.RetryCount)
		assert.Nil(t, stage.StartedAt)
		assert.Nil(t, stage.CompletedAt)
	}

	project, err := models.GetProjectByID(db, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusDraft, project.Status)
	assert.Nil(t, project.CompletedAt)
}

func TestGetProgress(t *testing.T) {
	db := newTestDB(t)
	svc := NewWorkflowService(db)
	p := newTestProject(t, db)
	ctx := context.Background()

	completeStagesBefore(t, svc, p.ID, models.StageImageGen)
	_, err := svc.StartStage(ctx, p.ID, models.StageImageGen, nil)
	require.NoError(t, err)

	progress, err := svc.GetProgress(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, progress.TotalStages)
	assert.Equal(t, 2, progress.CompletedStages)
	assert.Equal(t, 1, progress.ProcessingStages)
	assert.InDelta(t, 40.0, progress.ProgressPercentage, 0.01)
	assert.Equal(t, models.StageImageGen, progress.CurrentStage)
	require.Len(t, progress.Stages, 5)
	assert.Equal(t, models.StageRewrite, progress.Stages[0].StageType)
}
