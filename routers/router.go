package routers

import (
	"AIStory-server/routers/api"
	"AIStory-server/service"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func InitRouter(db *gorm.DB, workflow *service.WorkflowService, queue *service.QueueService, bridge *service.StreamBridge) *gin.Engine {
	h := api.NewHandler(db, workflow, queue, bridge)

	r := gin.Default()
	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", h.CreateProject)
		v1.GET("/projects", h.ListProjects)
		v1.GET("/projects/:project_id", h.GetProject)
		v1.PUT("/projects/:project_id", h.UpdateProject)
		v1.DELETE("/projects/:project_id", h.DeleteProject)

		v1.GET("/projects/:project_id/progress", h.GetProgress)
		v1.POST("/projects/:project_id/rollback", h.RollbackToStage)
		v1.GET("/projects/:project_id/stages/:stage_type", h.GetStage)
		v1.POST("/projects/:project_id/stages/:stage_type/start", h.StartStage)

		v1.POST("/providers", h.CreateProvider)
		v1.GET("/providers", h.ListProviders)
		v1.GET("/providers/:provider_id", h.GetProvider)
		v1.PUT("/providers/:provider_id", h.UpdateProvider)
		v1.POST("/providers/:provider_id/health", h.CheckProviderHealth)
	}
	r.GET("/ws/projects/:project_id", h.ProjectStreamWebSocket)
	r.GET("/ws/projects/:project_id/stage/:stage_type", h.StageStreamWebSocket)
	return r
}
