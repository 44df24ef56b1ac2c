package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"

	"AIStory-server/models"

	"gorm.io/gorm"
)

// VideoStageProcessor 图生视频阶段处理器。
// 读取 image_generation 阶段的图片和 camera_movement 阶段的运镜参数，
// 为每个分镜调用一次图生视频客户端并转存产物。
type VideoStageProcessor struct {
	db      *gorm.DB
	clients ClientSource
	rehost  RehostFunc
}

func NewVideoStageProcessor(db *gorm.DB, clients ClientSource, rehost RehostFunc) *VideoStageProcessor {
	return &VideoStageProcessor{db: db, clients: clients, rehost: rehost}
}

func (p *VideoStageProcessor) StageType() string {
	return models.StageVideoGen
}

func (p *VideoStageProcessor) Validate(ctx context.Context, c *Context) error {
	db := p.db.WithContext(ctx)
	if _, err := models.GetProjectByID(db, c.ProjectID); err != nil {
		return fmt.Errorf("project %s not found", c.ProjectID)
	}

	scenes, err := p.completedOutput(ctx, c, models.StageImageGen)
	if err != nil {
		return err
	}
	hasImages := false
	for _, scene := range sceneList(scenes) {
		if urls, _ := scene["urls"].([]interface{}); len(urls) > 0 {
			hasImages = true
			break
		}
	}
	if !hasImages {
		return errors.New("image_generation stage produced no images")
	}

	movements, err := p.completedOutput(ctx, c, models.StageCameraMovement)
	if err != nil {
		return err
	}
	if raw, _ := movements["movements"].([]interface{}); len(raw) == 0 {
		return errors.New("camera_movement stage produced no movements")
	}
	return nil
}

func (p *VideoStageProcessor) completedOutput(ctx context.Context, c *Context, stageType string) (map[string]interface{}, error) {
	if data, ok := c.Result(stageType); ok {
		return data, nil
	}
	stage, err := models.GetStage(p.db.WithContext(ctx), c.ProjectID, stageType)
	if err != nil {
		return nil, fmt.Errorf("prerequisite stage %s not found", stageType)
	}
	if stage.Status != models.StageStatusCompleted && stage.Status != models.StageStatusPartiallyCompleted {
		return nil, fmt.Errorf("prerequisite stage %s not completed (status: %s)", stageType, stage.Status)
	}
	return map[string]interface{}(stage.OutputData), nil
}

// movementFor 按分镜号匹配运镜参数，没有匹配时返回 nil（静态镜头）
func movementFor(movements map[string]interface{}, sceneNumber int) map[string]interface{} {
	raw, _ := movements["movements"].([]interface{})
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if n, ok := m["scene_number"].(float64); ok && int(n) == sceneNumber {
			return m
		}
	}
	return nil
}

func (p *VideoStageProcessor) generateOne(ctx context.Context, c *Context, scene map[string]interface{}, movement map[string]interface{}, sceneNumber int) (string, error) {
	urls, _ := scene["urls"].([]interface{})
	if len(urls) == 0 {
		return "", fmt.Errorf("scene %d has no image url", sceneNumber)
	}
	imageURL, _ := urls[0].(string)
	if imageURL == "" {
		return "", fmt.Errorf("scene %d has no image url", sceneNumber)
	}

	client, err := p.clients.Image2Video(ctx)
	if err != nil {
		return "", err
	}

	resp, err := client.Generate(ctx, imageURL, movement, 0, 0)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", errors.New(resp.Error)
	}

	videoURL, _ := resp.Data["url"].(string)
	if videoURL == "" {
		return "", errors.New("provider response contains no video url")
	}

	if p.rehost != nil {
		object := fmt.Sprintf("projects/%s/scenes/%d/video.mp4", c.ProjectID, sceneNumber)
		videoURL, err = p.rehost(videoURL, object)
		if err != nil {
			return "", fmt.Errorf("rehost video failed: %w", err)
		}
	}
	return videoURL, nil
}

func (p *VideoStageProcessor) run(ctx context.Context, c *Context, emit func(Event)) (*StageResult, error) {
	imageOut, err := p.completedOutput(ctx, c, models.StageImageGen)
	if err != nil {
		return &StageResult{Success: false, Error: err.Error(), CanRetry: false}, nil
	}
	movements, err := p.completedOutput(ctx, c, models.StageCameraMovement)
	if err != nil {
		return &StageResult{Success: false, Error: err.Error(), CanRetry: false}, nil
	}

	scenes := sceneList(imageOut)
	if len(scenes) == 0 {
		return &StageResult{Success: false, Error: "没有找到分镜数据", CanRetry: false}, nil
	}

	total := len(scenes)
	successCount := 0
	failedCount := 0
	generated := make([]interface{}, 0, total)

	for i, scene := range scenes {
		sceneNumber := i + 1
		if n, ok := scene["scene_number"].(float64); ok {
			sceneNumber = int(n)
		}

		if emit != nil {
			emit(Event{
				Type:    EventProgress,
				Current: i + 1,
				Total:   total,
				Message: fmt.Sprintf("正在生成第 %d/%d 段视频", i+1, total),
			})
		}

		videoURL, err := p.generateOne(ctx, c, scene, movementFor(movements, sceneNumber), sceneNumber)
		if err != nil {
			log.Printf("分镜 %d 视频生成失败: %v", sceneNumber, err)
			failedCount++
			scene["video_error"] = err.Error()
			if emit != nil {
				emit(Event{Type: EventWarning, Message: fmt.Sprintf("分镜 %d 视频生成失败: %v", sceneNumber, err)})
			}
			continue
		}

		successCount++
		scene["video_url"] = videoURL
		delete(scene, "video_error")
		generated = append(generated, map[string]interface{}{
			"scene_number": sceneNumber,
			"video_url":    videoURL,
		})
		if emit != nil {
			emit(Event{
				Type: EventVideoGenerated,
				Data: map[string]interface{}{"scene_number": sceneNumber, "video_url": videoURL},
			})
		}
	}

	output := map[string]interface{}{
		"scenes":            toSceneSlice(scenes),
		"total_storyboards": total,
		"success_count":     successCount,
		"failed_count":      failedCount,
		"generated_videos":  generated,
	}

	if successCount == 0 {
		return &StageResult{Success: false, Data: output, Error: "所有分镜视频生成失败", CanRetry: true}, nil
	}
	return &StageResult{Success: true, Data: output}, nil
}

func (p *VideoStageProcessor) Process(ctx context.Context, c *Context) (*StageResult, error) {
	return p.run(ctx, c, nil)
}

func (p *VideoStageProcessor) ProcessStream(ctx context.Context, c *Context) <-chan Event {
	events := make(chan Event)
	go func() {
		defer close(events)

		progress := 0
		events <- Event{Type: EventStageUpdate, Status: models.StageStatusProcessing, Progress: &progress, Message: "开始生成视频"}

		result, err := p.run(ctx, c, func(ev Event) { events <- ev })
		if err != nil {
			events <- Event{Type: EventError, Error: err.Error()}
			return
		}
		if !result.Success {
			events <- Event{Type: EventError, Error: result.Error}
			return
		}

		events <- Event{
			Type: EventDone,
			Data: result.Data,
			Metadata: map[string]interface{}{
				"success_count": result.Data["success_count"],
				"failed_count":  result.Data["failed_count"],
			},
		}
	}()
	return events
}

func (p *VideoStageProcessor) OnFailure(ctx context.Context, c *Context, cause error) {
	log.Printf("阶段 %s 失败: project=%s, err=%v", models.StageVideoGen, c.ProjectID, cause)
}
