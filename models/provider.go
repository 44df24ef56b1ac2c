package models

import (
	"time"

	"gorm.io/gorm"
)

// 提供商能力类别
const (
	CategoryLLM         = "llm"
	CategoryText2Image  = "text2image"
	CategoryImage2Video = "image2video"
)

// ModelProvider 已配置的生成后端：连接参数 + 生成参数 + 执行器绑定
type ModelProvider struct {
	ID        string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name      string `json:"name"`
	Category  string `gorm:"type:varchar(16);index" json:"category"`
	APIURL    string `json:"apiUrl"`
	APIKey    string `json:"-"`
	ModelName string `json:"modelName"`
	// Executor 执行器标识（注册表的稳定 key），为空时按类别取默认执行器
	Executor string `gorm:"type:varchar(64)" json:"executor"`

	// LLM 生成参数
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"topP"`

	// 媒体生成参数
	ImageWidth  int     `json:"imageWidth"`
	ImageHeight int     `json:"imageHeight"`
	Steps       int     `json:"steps"`
	Resolution  string  `json:"resolution"`
	FPS         int     `json:"fps"`
	Duration    float64 `json:"duration"`

	// 厂商特有的额外配置
	ExtraConfig JSONMap `gorm:"type:json" json:"extraConfig"`

	// 限流设置（每分钟请求数，0 表示不限）
	RateLimitRPM int `json:"rateLimitRpm"`

	TimeoutSeconds int  `json:"timeoutSeconds"`
	IsActive       bool `json:"isActive"`
	// Priority 越大越优先
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (ModelProvider) TableName() string {
	return "model_provider"
}

// GetActiveProvider 按类别返回优先级最高的激活提供商
func GetActiveProvider(db *gorm.DB, category string) (*ModelProvider, error) {
	var p ModelProvider
	err := db.Where("category = ? AND is_active = ?", category, true).
		Order("priority DESC, created_at DESC").
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func ListActiveProviders(db *gorm.DB, category string) ([]ModelProvider, error) {
	q := db.Where("is_active = ?", true)
	if category != "" {
		q = q.Where("category = ?", category)
	}
	var ps []ModelProvider
	if err := q.Order("priority DESC, created_at DESC").Find(&ps).Error; err != nil {
		return nil, err
	}
	return ps, nil
}

func GetProviderByID(db *gorm.DB, id string) (*ModelProvider, error) {
	var p ModelProvider
	if err := db.First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}
