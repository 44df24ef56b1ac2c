package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"AIStory-server/models"
)

const ExecutorMiniMax = "minimax"

// MiniMaxClient 图生视频执行器：创建任务 -> 轮询状态 -> 取回文件 URL
type MiniMaxClient struct {
	cfg        VideoConfig
	baseURL    string
	httpClient *http.Client
}

func newMiniMaxExecutor(p *models.ModelProvider) (Client, error) {
	return NewMiniMaxClient(VideoConfigFromProvider(p)), nil
}

func NewMiniMaxClient(cfg VideoConfig) *MiniMaxClient {
	base := strings.TrimSuffix(cfg.APIURL, "/")
	base = strings.TrimSuffix(base, "/v1/video_generation")
	return &MiniMaxClient{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *MiniMaxClient) ValidateConfig(ctx context.Context) error {
	if c.baseURL == "" {
		return errors.New("api url is empty")
	}
	if c.cfg.APIKey == "" {
		return errors.New("api key is empty")
	}
	if c.cfg.ModelName == "" {
		return errors.New("model name is empty")
	}
	return nil
}

var hailuoModels = map[string]bool{
	"MiniMax-Hailuo-2.3":      true,
	"MiniMax-Hailuo-2.3-Fast": true,
	"MiniMax-Hailuo-02":       true,
}

// adjustResolution 按模型约束修正分辨率：Hailuo 系列仅支持 768P/1080P，其余模型仅支持 720P
func (c *MiniMaxClient) adjustResolution(resolution string) string {
	if hailuoModels[c.cfg.ModelName] {
		if resolution == "768P" || resolution == "1080P" {
			return resolution
		}
		log.Printf("模型 %s 不支持 %s 分辨率，已调整为 768P", c.cfg.ModelName, resolution)
		return "768P"
	}
	if resolution != "720P" {
		log.Printf("模型 %s 不支持 %s 分辨率，已调整为 720P", c.cfg.ModelName, resolution)
	}
	return "720P"
}

// adjustDuration 按模型与分辨率修正时长：768P 支持 6s/10s，720P/1080P 只支持 6s
func (c *MiniMaxClient) adjustDuration(duration float64, resolution string) int {
	d := int(duration)
	if hailuoModels[c.cfg.ModelName] && resolution == "768P" {
		if d == 6 || d == 10 {
			return d
		}
		if d < 8 {
			return 6
		}
		return 10
	}
	if d != 6 {
		log.Printf("模型 %s 在 %s 分辨率下只支持 6s，已从 %ds 调整", c.cfg.ModelName, resolution, d)
	}
	return 6
}

// buildPromptFromCameraMovement 把结构化运镜参数转成视频文本描述
func buildPromptFromCameraMovement(cm map[string]interface{}) string {
	if cm == nil {
		return ""
	}
	parts := []string{}
	if mt, ok := cm["movement_type"].(string); ok && mt != "" {
		parts = append(parts, "camera movement: "+strings.ReplaceAll(mt, "_", " "))
	}
	if mp, ok := cm["movement_params"].(map[string]interface{}); ok {
		if speed, ok := mp["speed"].(string); ok && speed != "" {
			parts = append(parts, speed+" speed")
		}
		if easing, ok := mp["easing"].(string); ok && easing != "" {
			parts = append(parts, easing+" easing")
		}
	}
	if desc, ok := cm["description"].(string); ok && desc != "" {
		parts = append(parts, desc)
	}
	return strings.Join(parts, ", ")
}

type minimaxBaseResp struct {
	StatusCode int    `json:"status_code"`
	StatusMsg  string `json:"status_msg"`
}

func (c *MiniMaxClient) headers(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
}

// createTask 提交生成任务，返回 task_id
func (c *MiniMaxClient) createTask(ctx context.Context, imageURL, prompt string, duration int, resolution string) (string, error) {
	payload := map[string]interface{}{
		"model":             c.cfg.ModelName,
		"first_frame_image": imageURL,
		"duration":          duration,
		"resolution":        resolution,
		"prompt_optimizer":  true,
	}
	if prompt != "" {
		payload["prompt"] = prompt
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/video_generation", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	c.headers(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ProviderError{Provider: ExecutorMiniMax, Msg: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &ProviderError{Provider: ExecutorMiniMax, Msg: fmt.Sprintf("create task status code: %d", resp.StatusCode)}
	}

	var result struct {
		TaskID   string          `json:"task_id"`
		BaseResp minimaxBaseResp `json:"base_resp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &ProviderError{Provider: ExecutorMiniMax, Msg: "decode create response failed: " + err.Error()}
	}
	if result.BaseResp.StatusCode != 0 {
		return "", &ProviderError{Provider: ExecutorMiniMax,
			Msg: fmt.Sprintf("api error: status_code=%d, status_msg=%s", result.BaseResp.StatusCode, result.BaseResp.StatusMsg)}
	}
	if result.TaskID == "" {
		return "", &ProviderError{Provider: ExecutorMiniMax, Msg: "response missing task_id"}
	}
	return result.TaskID, nil
}

// retrieveFileURL 用 file_id 换取可下载的视频地址
func (c *MiniMaxClient) retrieveFileURL(ctx context.Context, fileID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/files/retrieve?file_id=%s", c.baseURL, fileID), nil)
	if err != nil {
		return "", err
	}
	c.headers(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ProviderError{Provider: ExecutorMiniMax, Msg: err.Error()}
	}
	defer resp.Body.Close()

	var result struct {
		File struct {
			DownloadURL string `json:"download_url"`
		} `json:"file"`
		BaseResp minimaxBaseResp `json:"base_resp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &ProviderError{Provider: ExecutorMiniMax, Msg: "decode retrieve response failed: " + err.Error()}
	}
	if result.File.DownloadURL == "" {
		return "", &ProviderError{Provider: ExecutorMiniMax, Msg: "retrieve response missing download_url"}
	}
	return result.File.DownloadURL, nil
}

// waitForTask 固定间隔轮询任务状态直到成功/失败/超出最大等待时间
func (c *MiniMaxClient) waitForTask(ctx context.Context, taskID string) (string, error) {
	queryURL := fmt.Sprintf("%s/v1/query/video_generation?task_id=%s", c.baseURL, taskID)

	timeout := time.After(c.cfg.MaxWait)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return "", &ProviderError{Provider: ExecutorMiniMax, Msg: "polling exceeded max wait", Timeout: true}
		case <-ctx.Done():
			return "", fmt.Errorf("polling canceled: %w", ctx.Err())
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL, nil)
			if err != nil {
				continue
			}
			c.headers(req)

			resp, err := c.httpClient.Do(req)
			if err != nil {
				log.Printf("查询任务状态失败(重试中): %v", err)
				continue
			}

			var result struct {
				Status   string          `json:"status"`
				FileID   string          `json:"file_id"`
				BaseResp minimaxBaseResp `json:"base_resp"`
			}
			err = json.NewDecoder(resp.Body).Decode(&result)
			resp.Body.Close()
			if err != nil {
				log.Printf("解析任务状态失败: %v", err)
				continue
			}

			switch result.Status {
			case "Success":
				return c.retrieveFileURL(ctx, result.FileID)
			case "Fail":
				return "", &ProviderError{Provider: ExecutorMiniMax,
					Msg: fmt.Sprintf("task failed: %s", result.BaseResp.StatusMsg)}
			default:
				// Preparing/Queueing/Processing 继续轮询
			}
		}
	}
}

func (c *MiniMaxClient) Generate(ctx context.Context, imageURL string, cameraMovement map[string]interface{}, duration float64, fps int) (*Response, error) {
	if duration <= 0 {
		duration = c.cfg.Duration
	}

	prompt := buildPromptFromCameraMovement(cameraMovement)
	resolution := c.adjustResolution(c.cfg.Resolution)
	durationInt := c.adjustDuration(duration, resolution)

	start := time.Now()
	taskID, err := c.createTask(ctx, imageURL, prompt, durationInt, resolution)
	if err != nil {
		return nil, err
	}
	log.Printf("视频生成任务已创建: task_id=%s, model=%s, duration=%ds, resolution=%s",
		taskID, c.cfg.ModelName, durationInt, resolution)

	videoURL, err := c.waitForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	return &Response{
		Success: true,
		Data: map[string]interface{}{
			"url":  videoURL,
			"urls": []interface{}{videoURL},
		},
		Metadata: map[string]interface{}{
			"model":      c.cfg.ModelName,
			"task_id":    taskID,
			"duration":   durationInt,
			"resolution": resolution,
			"latency_ms": time.Since(start).Milliseconds(),
		},
	}, nil
}
