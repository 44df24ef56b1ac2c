package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"

	"AIStory-server/models"

	"gorm.io/gorm"
)

// ImageStageProcessor 文生图阶段处理器。
// 读取 storyboard 阶段输出的分镜列表，为每个分镜调用一次文生图客户端，
// 把外部产物转存为自有存储地址，按工作项聚合成功/失败计数。
type ImageStageProcessor struct {
	db      *gorm.DB
	clients ClientSource
	rehost  RehostFunc
}

func NewImageStageProcessor(db *gorm.DB, clients ClientSource, rehost RehostFunc) *ImageStageProcessor {
	return &ImageStageProcessor{db: db, clients: clients, rehost: rehost}
}

func (p *ImageStageProcessor) StageType() string {
	return models.StageImageGen
}

func (p *ImageStageProcessor) Validate(ctx context.Context, c *Context) error {
	db := p.db.WithContext(ctx)
	if _, err := models.GetProjectByID(db, c.ProjectID); err != nil {
		return fmt.Errorf("project %s not found", c.ProjectID)
	}
	scenes, err := p.loadScenes(ctx, c)
	if err != nil {
		return err
	}
	if len(scenes) == 0 {
		return errors.New("storyboard stage produced no scenes")
	}
	return nil
}

func (p *ImageStageProcessor) loadScenes(ctx context.Context, c *Context) ([]map[string]interface{}, error) {
	if data, ok := c.Result(models.StageStoryboard); ok {
		return sceneList(data), nil
	}
	stage, err := models.GetStage(p.db.WithContext(ctx), c.ProjectID, models.StageStoryboard)
	if err != nil {
		return nil, errors.New("prerequisite stage storyboard not found")
	}
	if stage.Status != models.StageStatusCompleted {
		return nil, fmt.Errorf("prerequisite stage storyboard not completed (status: %s)", stage.Status)
	}
	return sceneList(stage.OutputData), nil
}

// generateOne 为单个分镜生成图片，返回转存后的图片地址
func (p *ImageStageProcessor) generateOne(ctx context.Context, c *Context, scene map[string]interface{}, sceneNumber int) ([]string, error) {
	prompt, _ := scene["prompt"].(string)
	if prompt == "" {
		prompt, _ = scene["description"].(string)
	}
	if prompt == "" {
		return nil, fmt.Errorf("scene %d has no prompt", sceneNumber)
	}
	negative, _ := scene["negative_prompt"].(string)

	client, err := p.clients.Text2Image(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := client.Generate(ctx, prompt, negative, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New(resp.Error)
	}

	rawURLs, _ := resp.Data["urls"].([]interface{})
	if len(rawURLs) == 0 {
		if u, ok := resp.Data["url"].(string); ok && u != "" {
			rawURLs = []interface{}{u}
		}
	}
	if len(rawURLs) == 0 {
		return nil, errors.New("provider response contains no image url")
	}

	urls := make([]string, 0, len(rawURLs))
	for i, raw := range rawURLs {
		src, _ := raw.(string)
		if src == "" {
			continue
		}
		final := src
		if p.rehost != nil {
			object := fmt.Sprintf("projects/%s/scenes/%d/image_%d.png", c.ProjectID, sceneNumber, i)
			final, err = p.rehost(src, object)
			if err != nil {
				return nil, fmt.Errorf("rehost image failed: %w", err)
			}
		}
		urls = append(urls, final)
	}
	return urls, nil
}

// run 逐分镜生成，emit 为 nil 时即非流式执行
func (p *ImageStageProcessor) run(ctx context.Context, c *Context, emit func(Event)) (*StageResult, error) {
	scenes, err := p.loadScenes(ctx, c)
	if err != nil {
		return &StageResult{Success: false, Error: err.Error(), CanRetry: false}, nil
	}
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
				Message: fmt.Sprintf("正在生成第 %d/%d 张图片", i+1, total),
			})
		}

		urls, err := p.generateOne(ctx, c, scene, sceneNumber)
		if err != nil {
			log.Printf("分镜 %d 图片生成失败: %v", sceneNumber, err)
			failedCount++
			scene["image_error"] = err.Error()
			if emit != nil {
				emit(Event{Type: EventWarning, Message: fmt.Sprintf("分镜 %d 图片生成失败: %v", sceneNumber, err)})
			}
			continue
		}

		successCount++
		scene["urls"] = toInterfaceSlice(urls)
		delete(scene, "image_error")
		generated = append(generated, map[string]interface{}{
			"scene_number": sceneNumber,
			"urls":         toInterfaceSlice(urls),
		})
		if emit != nil {
			emit(Event{
				Type: EventImageGenerated,
				Data: map[string]interface{}{"scene_number": sceneNumber, "urls": toInterfaceSlice(urls)},
			})
		}
	}

	output := map[string]interface{}{
		"scenes":            toSceneSlice(scenes),
		"total_storyboards": total,
		"success_count":     successCount,
		"failed_count":      failedCount,
		"generated_images":  generated,
	}

	if successCount == 0 {
		return &StageResult{Success: false, Data: output, Error: "所有分镜图片生成失败", CanRetry: true}, nil
	}
	return &StageResult{Success: true, Data: output}, nil
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func toSceneSlice(scenes []map[string]interface{}) []interface{} {
	out := make([]interface{}, len(scenes))
	for i, s := range scenes {
		out[i] = s
	}
	return out
}

func (p *ImageStageProcessor) Process(ctx context.Context, c *Context) (*StageResult, error) {
	return p.run(ctx, c, nil)
}

func (p *ImageStageProcessor) ProcessStream(ctx context.Context, c *Context) <-chan Event {
	events := make(chan Event)
	go func() {
		defer close(events)

		progress := 0
		events <- Event{Type: EventStageUpdate, Status: models.StageStatusProcessing, Progress: &progress, Message: "开始生成图片"}

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

func (p *ImageStageProcessor) OnFailure(ctx context.Context, c *Context, cause error) {
	log.Printf("阶段 %s 失败: project=%s, err=%v", models.StageImageGen, c.ProjectID, cause)
}
