package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"AIStory-server/models"

	"github.com/google/uuid"
)

const ExecutorComfyUI = "comfyui"

// ComfyUIClient 文生图执行器：提交工作流后轮询历史记录取回图片
type ComfyUIClient struct {
	cfg        ImageConfig
	serverAddr string
	httpClient *http.Client
}

func newComfyUIExecutor(p *models.ModelProvider) (Client, error) {
	return NewComfyUIClient(ImageConfigFromProvider(p)), nil
}

func NewComfyUIClient(cfg ImageConfig) *ComfyUIClient {
	addr := cfg.APIURL
	addr = strings.TrimPrefix(addr, "http://")
	addr = strings.TrimPrefix(addr, "https://")
	addr = strings.TrimSuffix(addr, "/")
	return &ComfyUIClient{
		cfg:        cfg,
		serverAddr: addr,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *ComfyUIClient) ValidateConfig(ctx context.Context) error {
	if c.serverAddr == "" {
		return errors.New("api url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s/system_stats", c.serverAddr), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("comfyui status code: %d", resp.StatusCode)
	}
	return nil
}

// buildWorkflow 组装最小可用的文生图工作流节点图
func (c *ComfyUIClient) buildWorkflow(prompt, negativePrompt string, width, height, steps int) map[string]interface{} {
	return map[string]interface{}{
		"3": map[string]interface{}{
			"class_type": "KSampler",
			"inputs": map[string]interface{}{
				"model":        []interface{}{"4", 0},
				"positive":     []interface{}{"6", 0},
				"negative":     []interface{}{"7", 0},
				"latent_image": []interface{}{"5", 0},
				"steps":        steps,
				"cfg":          7.5,
				"sampler_name": "euler",
				"scheduler":    "normal",
				"denoise":      1.0,
				"seed":         time.Now().UnixNano() % 1_000_000_000,
			},
		},
		"4": map[string]interface{}{
			"class_type": "CheckpointLoaderSimple",
			"inputs":     map[string]interface{}{"ckpt_name": c.cfg.ModelName},
		},
		"5": map[string]interface{}{
			"class_type": "EmptyLatentImage",
			"inputs":     map[string]interface{}{"width": width, "height": height, "batch_size": 1},
		},
		"6": map[string]interface{}{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]interface{}{"text": prompt, "clip": []interface{}{"4", 1}},
		},
		"7": map[string]interface{}{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]interface{}{"text": negativePrompt, "clip": []interface{}{"4", 1}},
		},
		"8": map[string]interface{}{
			"class_type": "VAEDecode",
			"inputs": map[string]interface{}{
				"samples": []interface{}{"3", 0},
				"vae":     []interface{}{"4", 2},
			},
		},
		"9": map[string]interface{}{
			"class_type": "SaveImage",
			"inputs": map[string]interface{}{
				"images":          []interface{}{"8", 0},
				"filename_prefix": "ai_story",
			},
		},
	}
}

// queuePrompt 提交工作流，返回服务端确认的 prompt_id。
// 载荷里显式带上 prompt_id，历史记录以它为键；轮询必须用同一个 id。
func (c *ComfyUIClient) queuePrompt(ctx context.Context, workflow map[string]interface{}, promptID string) (string, error) {
	payload := map[string]interface{}{
		"prompt":    workflow,
		"prompt_id": promptID,
		"client_id": promptID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://%s/prompt", c.serverAddr), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ProviderError{Provider: ExecutorComfyUI, Msg: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &ProviderError{Provider: ExecutorComfyUI, Msg: fmt.Sprintf("queue prompt status code: %d", resp.StatusCode)}
	}
	var queued struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&queued); err != nil {
		return "", &ProviderError{Provider: ExecutorComfyUI, Msg: "decode queue response failed: " + err.Error()}
	}
	if queued.PromptID != "" {
		return queued.PromptID, nil
	}
	return promptID, nil
}

type comfyImageInfo struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// pollHistory 固定间隔轮询 /history 直到出图或超出最大等待时间
func (c *ComfyUIClient) pollHistory(ctx context.Context, promptID string) ([]comfyImageInfo, error) {
	historyURL := fmt.Sprintf("http://%s/history/%s", c.serverAddr, promptID)

	timeout := time.After(c.cfg.MaxWait)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return nil, &ProviderError{Provider: ExecutorComfyUI, Msg: "polling exceeded max wait", Timeout: true}
		case <-ctx.Done():
			return nil, fmt.Errorf("polling canceled: %w", ctx.Err())
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, historyURL, nil)
			if err != nil {
				continue
			}
			resp, err := c.httpClient.Do(req)
			if err != nil {
				log.Printf("轮询网络错误(重试中): %v", err)
				continue
			}

			var history map[string]struct {
				Outputs map[string]struct {
					Images []comfyImageInfo `json:"images"`
				} `json:"outputs"`
				Status struct {
					Completed bool   `json:"completed"`
					StatusStr string `json:"status_str"`
				} `json:"status"`
			}
			err = json.NewDecoder(resp.Body).Decode(&history)
			resp.Body.Close()
			if err != nil {
				log.Printf("解析历史记录失败: %v", err)
				continue
			}

			item, ok := history[promptID]
			if !ok {
				// 尚未进入历史记录，继续轮询
				continue
			}
			if item.Status.StatusStr == "error" {
				return nil, &ProviderError{Provider: ExecutorComfyUI, Msg: "workflow execution reported error"}
			}
			var images []comfyImageInfo
			for _, out := range item.Outputs {
				images = append(images, out.Images...)
			}
			if len(images) > 0 {
				return images, nil
			}
		}
	}
}

func (c *ComfyUIClient) viewURL(info comfyImageInfo) string {
	q := url.Values{}
	q.Set("filename", info.Filename)
	q.Set("subfolder", info.Subfolder)
	q.Set("type", info.Type)
	return fmt.Sprintf("http://%s/view?%s", c.serverAddr, q.Encode())
}

func (c *ComfyUIClient) Generate(ctx context.Context, prompt, negativePrompt string, width, height, steps int) (*Response, error) {
	if width <= 0 {
		width = c.cfg.Width
	}
	if height <= 0 {
		height = c.cfg.Height
	}
	if steps <= 0 {
		steps = c.cfg.Steps
	}

	workflow := c.buildWorkflow(prompt, negativePrompt, width, height, steps)

	start := time.Now()
	promptID, err := c.queuePrompt(ctx, workflow, uuid.NewString())
	if err != nil {
		return nil, err
	}
	log.Printf("图片生成任务已提交: prompt_id=%s", promptID)

	images, err := c.pollHistory(ctx, promptID)
	if err != nil {
		return nil, err
	}

	urls := make([]interface{}, 0, len(images))
	for _, img := range images {
		urls = append(urls, c.viewURL(img))
	}

	return &Response{
		Success: true,
		Data: map[string]interface{}{
			"url":  urls[0],
			"urls": urls,
		},
		Metadata: map[string]interface{}{
			"model":      c.cfg.ModelName,
			"width":      width,
			"height":     height,
			"steps":      steps,
			"latency_ms": time.Since(start).Milliseconds(),
		},
	}, nil
}
