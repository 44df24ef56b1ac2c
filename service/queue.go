package service

import (
	"encoding/json"
	"time"

	"AIStory-server/config"
	"AIStory-server/models"

	"github.com/hibiken/asynq"
)

const (
	// TypeExecuteStage 阶段执行任务类型
	TypeExecuteStage = "stage:execute"

	// QueueDefault 文本/图片阶段队列
	QueueDefault = "default"
	// QueueVideo 视频生成队列，与其他阶段隔离避免长任务占满并发
	QueueVideo = "video"
)

// StagePayload 阶段执行任务的载荷
type StagePayload struct {
	ProjectID string `json:"project_id"`
	StageType string `json:"stage_type"`
}

// QueueService 封装任务投递
type QueueService struct {
	client *asynq.Client
	cfg    *config.Config
}

func NewQueueService(cfg *config.Config) *QueueService {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return &QueueService{client: client, cfg: cfg}
}

// EnqueueStage 投递阶段执行任务。
// 任务至少投递一次；处理器幂等性由工作流服务的冲突检测保证。
func (q *QueueService) EnqueueStage(projectID, stageType string) (*asynq.TaskInfo, error) {
	payload, err := json.Marshal(StagePayload{ProjectID: projectID, StageType: stageType})
	if err != nil {
		return nil, err
	}

	queue := QueueDefault
	if stageType == models.StageVideoGen {
		queue = QueueVideo
	}

	task := asynq.NewTask(TypeExecuteStage, payload)
	return q.client.Enqueue(task,
		asynq.Queue(queue),
		asynq.MaxRetry(q.cfg.Worker.MaxRetry),
		asynq.Timeout(q.cfg.StageTimeout(stageType)),
		asynq.Retention(24*time.Hour),
	)
}

func (q *QueueService) Close() error {
	return q.client.Close()
}
