package api

import (
	"log"
	"net/http"
	"time"

	"AIStory-server/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 创建项目，同时建好五个 pending 阶段
func (h *Handler) CreateProject(c *gin.Context) {
	var req struct {
		Title     string `json:"title"`
		StoryText string `json:"story_text"`
		Style     string `json:"style"`
		AutoStart bool   `json:"auto_start"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.StoryText == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "story_text 不能为空"})
		return
	}

	project := models.Project{
		ID:        uuid.NewString(),
		Title:     req.Title,
		StoryText: req.StoryText,
		Style:     req.Style,
		Status:    models.ProjectStatusDraft,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if err := models.CreateProjectWithStages(h.DB, &project); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建项目失败: " + err.Error()})
		return
	}

	// 自动启动时直接投递首阶段任务
	if req.AutoStart {
		if _, err := h.Queue.EnqueueStage(project.ID, models.StageRewrite); err != nil {
			log.Printf("首阶段任务入队失败: project=%s err=%v", project.ID, err)
		}
	}

	stages, err := models.GetStagesByProjectID(h.DB, project.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project": project, "stages": stages})
}

func (h *Handler) ListProjects(c *gin.Context) {
	projects, err := models.ListProjects(h.DB)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (h *Handler) GetProject(c *gin.Context) {
	projectID := c.Param("project_id")
	project, err := models.GetProjectByID(h.DB, projectID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	stages, err := models.GetStagesByProjectID(h.DB, projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": project, "stages": stages})
}

// 更新项目基础信息，仅 draft 状态允许改写原始文案
func (h *Handler) UpdateProject(c *gin.Context) {
	projectID := c.Param("project_id")
	var req struct {
		Title       *string `json:"title"`
		StoryText   *string `json:"story_text"`
		Style       *string `json:"style"`
		Description *string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project, err := models.GetProjectByID(h.DB, projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}

	updates := map[string]interface{}{"updated_at": time.Now()}
	if req.Title != nil {
		updates["title"] = *req.Title
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.StoryText != nil || req.Style != nil {
		if project.Status != models.ProjectStatusDraft {
			c.JSON(http.StatusConflict, gin.H{"error": "生成已开始，修改文案前请先回滚"})
			return
		}
		if req.StoryText != nil {
			updates["story_text"] = *req.StoryText
		}
		if req.Style != nil {
			updates["style"] = *req.Style
		}
	}

	if err := h.DB.Model(&models.Project{}).Where("id = ?", projectID).Updates(updates).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	project, _ = models.GetProjectByID(h.DB, projectID)
	c.JSON(http.StatusOK, gin.H{"project": project})
}

func (h *Handler) DeleteProject(c *gin.Context) {
	projectID := c.Param("project_id")
	if err := models.DeleteProjectByID(h.DB, projectID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "项目已删除"})
}
