package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"AIStory-server/aiclient"
	"AIStory-server/models"

	"gorm.io/gorm"
)

// extractJSONBlock 从 LLM 输出里提取 JSON 内容，剥掉可能的 markdown 代码块标记
func extractJSONBlock(text string) string {
	text = strings.TrimSpace(text)
	if strings.Contains(text, "```") {
		start := strings.Index(text, "```")
		rest := text[start+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}
	return text
}

// LLMStageProcessor 文本生成类阶段的通用处理器。
// 覆盖三个阶段: rewrite(文案改写) / storyboard(分镜脚本) / camera_movement(运镜参数)。
type LLMStageProcessor struct {
	db        *gorm.DB
	stageType string
	clients   ClientSource
}

func NewRewriteProcessor(db *gorm.DB, clients ClientSource) *LLMStageProcessor {
	return &LLMStageProcessor{db: db, stageType: models.StageRewrite, clients: clients}
}

func NewStoryboardProcessor(db *gorm.DB, clients ClientSource) *LLMStageProcessor {
	return &LLMStageProcessor{db: db, stageType: models.StageStoryboard, clients: clients}
}

func NewCameraMovementProcessor(db *gorm.DB, clients ClientSource) *LLMStageProcessor {
	return &LLMStageProcessor{db: db, stageType: models.StageCameraMovement, clients: clients}
}

func (p *LLMStageProcessor) StageType() string {
	return p.stageType
}

// Validate 纯读校验：项目存在、前置阶段产物可用
func (p *LLMStageProcessor) Validate(ctx context.Context, c *Context) error {
	db := p.db.WithContext(ctx)
	project, err := models.GetProjectByID(db, c.ProjectID)
	if err != nil {
		return fmt.Errorf("project %s not found", c.ProjectID)
	}

	switch p.stageType {
	case models.StageRewrite:
		if strings.TrimSpace(project.StoryText) == "" {
			return errors.New("project has no story text")
		}
	case models.StageStoryboard:
		prev, err := p.prerequisiteOutput(ctx, c, models.StageRewrite)
		if err != nil {
			return err
		}
		if text, _ := prev["full_text"].(string); strings.TrimSpace(text) == "" {
			return errors.New("rewrite stage produced no text")
		}
	case models.StageCameraMovement:
		prev, err := p.prerequisiteOutput(ctx, c, models.StageStoryboard)
		if err != nil {
			return err
		}
		if len(sceneList(prev)) == 0 {
			return errors.New("storyboard stage produced no scenes")
		}
	}
	return nil
}

// prerequisiteOutput 优先读本次运行上下文，否则读已持久化的阶段输出
func (p *LLMStageProcessor) prerequisiteOutput(ctx context.Context, c *Context, stageType string) (map[string]interface{}, error) {
	if data, ok := c.Result(stageType); ok {
		return data, nil
	}
	stage, err := models.GetStage(p.db.WithContext(ctx), c.ProjectID, stageType)
	if err != nil {
		return nil, fmt.Errorf("prerequisite stage %s not found", stageType)
	}
	if stage.Status != models.StageStatusCompleted {
		return nil, fmt.Errorf("prerequisite stage %s not completed (status: %s)", stageType, stage.Status)
	}
	return map[string]interface{}(stage.OutputData), nil
}

func sceneList(output map[string]interface{}) []map[string]interface{} {
	raw, _ := output["scenes"].([]interface{})
	scenes := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			scenes = append(scenes, m)
		}
	}
	return scenes
}

func (p *LLMStageProcessor) buildPrompt(ctx context.Context, c *Context) (string, error) {
	db := p.db.WithContext(ctx)
	project, err := models.GetProjectByID(db, c.ProjectID)
	if err != nil {
		return "", err
	}

	switch p.stageType {
	case models.StageRewrite:
		var sb strings.Builder
		sb.WriteString("你是一名短视频文案编辑。请将下面的故事改写为适合视频旁白的文案，保留情节主线，语言生动凝练。\n")
		if project.Style != "" {
			sb.WriteString("整体风格: " + project.Style + "\n")
		}
		sb.WriteString("\n故事原文:\n" + project.StoryText)
		return sb.String(), nil

	case models.StageStoryboard:
		prev, err := p.prerequisiteOutput(ctx, c, models.StageRewrite)
		if err != nil {
			return "", err
		}
		text, _ := prev["full_text"].(string)
		var sb strings.Builder
		sb.WriteString("请将下面的文案拆分为分镜脚本，输出 JSON，格式为 {\"scenes\": [{\"scene_number\": 1, \"title\": \"\", \"description\": \"\", \"prompt\": \"用于文生图的英文提示词\"}]}。\n")
		if project.Style != "" {
			sb.WriteString("画面风格: " + project.Style + "\n")
		}
		sb.WriteString("\n文案:\n" + text)
		return sb.String(), nil

	case models.StageCameraMovement:
		prev, err := p.prerequisiteOutput(ctx, c, models.StageStoryboard)
		if err != nil {
			return "", err
		}
		scenes := sceneList(prev)
		sceneJSON, _ := json.Marshal(scenes)
		var sb strings.Builder
		sb.WriteString("请为下面每个分镜选择运镜方案，输出 JSON，格式为 {\"movements\": [{\"scene_number\": 1, \"movement_type\": \"static|zoom_in|zoom_out|pan_left|pan_right|tilt_up|tilt_down\", \"movement_params\": {\"speed\": \"slow|medium|fast\", \"easing\": \"linear|ease_in|ease_out\"}, \"reasoning\": \"\"}]}。\n")
		sb.WriteString("\n分镜列表:\n" + string(sceneJSON))
		return sb.String(), nil
	}
	return "", fmt.Errorf("unsupported llm stage: %s", p.stageType)
}

// parseOutput 把 LLM 的完整输出整理为阶段产物
func (p *LLMStageProcessor) parseOutput(fullText string) (map[string]interface{}, error) {
	switch p.stageType {
	case models.StageRewrite:
		return map[string]interface{}{"full_text": fullText}, nil

	case models.StageStoryboard:
		var parsed struct {
			Scenes []map[string]interface{} `json:"scenes"`
		}
		if err := json.Unmarshal([]byte(extractJSONBlock(fullText)), &parsed); err != nil {
			return nil, fmt.Errorf("parse storyboard json failed: %w", err)
		}
		if len(parsed.Scenes) == 0 {
			return nil, errors.New("storyboard json contains no scenes")
		}
		scenes := make([]interface{}, 0, len(parsed.Scenes))
		for i, s := range parsed.Scenes {
			if _, ok := s["scene_number"]; !ok {
				s["scene_number"] = i + 1
			}
			scenes = append(scenes, s)
		}
		return map[string]interface{}{"scenes": scenes, "full_text": fullText}, nil

	case models.StageCameraMovement:
		var parsed struct {
			Movements []map[string]interface{} `json:"movements"`
		}
		if err := json.Unmarshal([]byte(extractJSONBlock(fullText)), &parsed); err != nil {
			return nil, fmt.Errorf("parse camera movement json failed: %w", err)
		}
		if len(parsed.Movements) == 0 {
			return nil, errors.New("camera movement json contains no movements")
		}
		movements := make([]interface{}, 0, len(parsed.Movements))
		for _, m := range parsed.Movements {
			movements = append(movements, m)
		}
		return map[string]interface{}{"movements": movements, "full_text": fullText}, nil
	}
	return nil, fmt.Errorf("unsupported llm stage: %s", p.stageType)
}

func (p *LLMStageProcessor) Process(ctx context.Context, c *Context) (*StageResult, error) {
	prompt, err := p.buildPrompt(ctx, c)
	if err != nil {
		return &StageResult{Success: false, Error: err.Error(), CanRetry: false}, nil
	}

	client, err := p.clients.LLM(ctx)
	if err != nil {
		// 配置问题交由运维处理，不重试
		return &StageResult{Success: false, Error: err.Error(), CanRetry: false}, nil
	}

	resp, err := client.Generate(ctx, prompt, 0, 0)
	if err != nil {
		return &StageResult{Success: false, Error: err.Error(), CanRetry: true}, nil
	}
	if !resp.Success {
		return &StageResult{Success: false, Error: resp.Error, CanRetry: true}, nil
	}

	output, err := p.parseOutput(resp.Text)
	if err != nil {
		// 模型输出格式问题，重试可能产出合法 JSON
		return &StageResult{Success: false, Error: err.Error(), CanRetry: true}, nil
	}
	return &StageResult{Success: true, Data: output}, nil
}

// ProcessStream 流式执行：优先走 token 级流式客户端，否则一次生成后整体返回
func (p *LLMStageProcessor) ProcessStream(ctx context.Context, c *Context) <-chan Event {
	events := make(chan Event)

	go func() {
		defer close(events)

		progress := 0
		events <- Event{Type: EventStageUpdate, Status: models.StageStatusProcessing, Progress: &progress}

		prompt, err := p.buildPrompt(ctx, c)
		if err != nil {
			events <- Event{Type: EventError, Error: err.Error()}
			return
		}

		client, err := p.clients.LLM(ctx)
		if err != nil {
			events <- Event{Type: EventError, Error: err.Error()}
			return
		}

		var fullText string
		var metadata map[string]interface{}

		if streamer, ok := client.(aiclient.StreamingLLMClient); ok {
			chunks, err := streamer.GenerateStream(ctx, prompt, 0, 0)
			if err != nil {
				events <- Event{Type: EventError, Error: err.Error()}
				return
			}
			for chunk := range chunks {
				if chunk.Err != nil {
					events <- Event{Type: EventError, Error: chunk.Err.Error()}
					return
				}
				if chunk.Done {
					fullText = chunk.FullText
					continue
				}
				fullText = chunk.FullText
				events <- Event{Type: EventToken, Content: chunk.Content, FullText: chunk.FullText}
			}
		} else {
			resp, err := client.Generate(ctx, prompt, 0, 0)
			if err != nil {
				events <- Event{Type: EventError, Error: err.Error()}
				return
			}
			if !resp.Success {
				events <- Event{Type: EventError, Error: resp.Error}
				return
			}
			fullText = resp.Text
			metadata = resp.Metadata
			events <- Event{Type: EventToken, Content: fullText, FullText: fullText}
		}

		output, err := p.parseOutput(fullText)
		if err != nil {
			events <- Event{Type: EventError, Error: err.Error()}
			return
		}

		events <- Event{
			Type:     EventDone,
			FullText: fullText,
			Data:     output,
			Metadata: metadata,
		}
	}()

	return events
}

func (p *LLMStageProcessor) OnFailure(ctx context.Context, c *Context, cause error) {
	log.Printf("阶段 %s 失败: project=%s, err=%v", p.stageType, c.ProjectID, cause)
}
