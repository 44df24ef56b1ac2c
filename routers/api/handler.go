package api

import (
	"AIStory-server/service"

	"gorm.io/gorm"
)

// Handler 聚合 API 层依赖，由 router 初始化时注入
type Handler struct {
	DB       *gorm.DB
	Workflow *service.WorkflowService
	Queue    *service.QueueService
	Bridge   *service.StreamBridge
}

func NewHandler(db *gorm.DB, workflow *service.WorkflowService, queue *service.QueueService, bridge *service.StreamBridge) *Handler {
	return &Handler{
		DB:       db,
		Workflow: workflow,
		Queue:    queue,
		Bridge:   bridge,
	}
}
