package api

import (
	"errors"
	"net/http"
	"time"

	"AIStory-server/aiclient"
	"AIStory-server/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 注册提供商。执行器 key 与能力类别在保存前经注册表校验，
// 配置错误在这里就报出来，不留到任务执行时。
func (h *Handler) CreateProvider(c *gin.Context) {
	var p models.ModelProvider
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch p.Category {
	case models.CategoryLLM, models.CategoryText2Image, models.CategoryImage2Video:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "未知的提供商类别: " + p.Category})
		return
	}

	registry := aiclient.DefaultRegistry
	if p.Executor == "" {
		key, ok := registry.Default(aiclient.Category(p.Category))
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "类别 " + p.Category + " 没有默认执行器，需要显式指定 executor"})
			return
		}
		p.Executor = key
	} else if !registry.ValidateCategory(p.Executor, aiclient.Category(p.Category)) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "执行器 " + p.Executor + " 不支持类别 " + p.Category,
		})
		return
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = time.Now()

	if err := h.DB.Create(&p).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"provider": p})
}

func (h *Handler) ListProviders(c *gin.Context) {
	category := c.Query("category")
	providers, err := models.ListActiveProviders(h.DB, category)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": providers})
}

func (h *Handler) GetProvider(c *gin.Context) {
	id := c.Param("provider_id")
	p, err := models.GetProviderByID(h.DB, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "provider not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": p})
}

// 更新提供商的激活状态或优先级
func (h *Handler) UpdateProvider(c *gin.Context) {
	id := c.Param("provider_id")
	var req struct {
		IsActive *bool `json:"is_active"`
		Priority *int  `json:"priority"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updates := map[string]interface{}{"updated_at": time.Now()}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if req.Priority != nil {
		updates["priority"] = *req.Priority
	}

	res := h.DB.Model(&models.ModelProvider{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": res.Error.Error()})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "provider not found"})
		return
	}

	p, _ := models.GetProviderByID(h.DB, id)
	c.JSON(http.StatusOK, gin.H{"provider": p})
}

// 提供商健康检查：构建客户端并探活
func (h *Handler) CheckProviderHealth(c *gin.Context) {
	id := c.Param("provider_id")
	p, err := models.GetProviderByID(h.DB, id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "provider not found"})
		return
	}

	client, err := aiclient.BuildClient(p)
	if err != nil {
		var cfgErr *aiclient.ConfigurationError
		if errors.As(err, &cfgErr) {
			c.JSON(http.StatusBadRequest, gin.H{"healthy": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"healthy": false, "error": err.Error()})
		return
	}

	healthy := aiclient.HealthCheck(c.Request.Context(), client)
	c.JSON(http.StatusOK, gin.H{"healthy": healthy, "provider_id": p.ID, "executor": p.Executor})
}
