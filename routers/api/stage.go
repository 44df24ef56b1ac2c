package api

import (
	"errors"
	"net/http"

	"AIStory-server/models"
	"AIStory-server/service"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// 启动单个阶段。
// 先做只读预检（冲突/前置条件）快速失败，通过后投递任务；
// 真正的状态转换发生在任务消费者里。
func (h *Handler) StartStage(c *gin.Context) {
	projectID := c.Param("project_id")
	stageType := c.Param("stage_type")

	if err := h.Workflow.CanStart(c.Request.Context(), projectID, stageType); err != nil {
		var conflict *service.ConflictError
		var prereq *service.PrerequisiteError
		switch {
		case errors.Is(err, service.ErrUnknownStage):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.As(err, &conflict):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.As(err, &prereq):
			c.JSON(http.StatusPreconditionFailed, gin.H{
				"error":        err.Error(),
				"unmet_stage":  prereq.Unmet,
				"unmet_status": prereq.UnmetStatus,
			})
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "stage not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	info, err := h.Queue.EnqueueStage(projectID, stageType)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "任务入队失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"task_id": info.ID,
		"queue":   info.Queue,
		"channel": service.StageChannel(projectID, stageType),
	})
}

func (h *Handler) GetStage(c *gin.Context) {
	projectID := c.Param("project_id")
	stageType := c.Param("stage_type")

	stage, err := models.GetStage(h.DB, projectID, stageType)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "stage not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stage": stage})
}

// 回滚到指定阶段，目标及其后的阶段全部重置
func (h *Handler) RollbackToStage(c *gin.Context) {
	projectID := c.Param("project_id")
	var req struct {
		StageType string `json:"stage_type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.Workflow.RollbackToStage(c.Request.Context(), projectID, req.StageType)
	if err != nil {
		if errors.Is(err, service.ErrUnknownStage) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rolled_back_to": result.RolledBackTo,
		"reset_stages":   result.ResetStagesCount,
		"project_status": result.ProjectStatus,
	})
}

func (h *Handler) GetProgress(c *gin.Context) {
	projectID := c.Param("project_id")

	progress, err := h.Workflow.GetProgress(c.Request.Context(), projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, progress)
}
