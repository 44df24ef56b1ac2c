package models

import (
	"time"

	"gorm.io/gorm"
)

// 项目生命周期状态
const (
	ProjectStatusDraft      = "draft"      // 项目已创建，未开始任何生成阶段
	ProjectStatusProcessing = "processing" // 有阶段正在生成中
	ProjectStatusPaused     = "paused"     // 用户暂停，保留已有产物
	ProjectStatusCompleted  = "completed"  // 所有阶段完成
	ProjectStatusFailed     = "failed"     // 有阶段重试耗尽后失败
)

type Project struct {
	ID          string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Title       string     `json:"title"`
	StoryText   string     `gorm:"type:text" json:"storyText"`
	Style       string     `json:"style"`
	Status      string     `json:"status"`
	Description string     `json:"description"`
	CoverImage  string     `json:"coverImage"`
	VideoUrl    string     `json:"videoUrl"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

func (Project) TableName() string {
	return "project"
}

func GetProjectByID(db *gorm.DB, id string) (*Project, error) {
	var p Project
	if err := db.First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func ListProjects(db *gorm.DB) ([]Project, error) {
	var ps []Project
	if err := db.Order("created_at DESC").Find(&ps).Error; err != nil {
		return nil, err
	}
	return ps, nil
}

func DeleteProjectByID(db *gorm.DB, id string) error {
	// 阶段随项目一起删除
	if err := db.Delete(&ProjectStage{}, "project_id = ?", id).Error; err != nil {
		return err
	}
	return db.Delete(&Project{}, "id = ?", id).Error
}
