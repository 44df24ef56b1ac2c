package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 阶段状态（在系统中统一使用这些状态）
const (
	// pending: 阶段已创建，等待执行
	StageStatusPending = "pending"
	// processing: 阶段正在执行中
	StageStatusProcessing = "processing"
	StageStatusCompleted  = "completed"
	StageStatusFailed     = "failed"
	// partially_completed: 部分工作项成功、部分失败的终态，区别于整体失败
	StageStatusPartiallyCompleted = "partially_completed"

	// 固定的五个阶段类型
	StageRewrite        = "rewrite"          // 文案改写
	StageStoryboard     = "storyboard"       // 分镜脚本生成
	StageImageGen       = "image_generation" // 分镜 -> 生图
	StageCameraMovement = "camera_movement"  // 运镜参数生成
	StageVideoGen       = "video_generation" // 图 -> 视频
)

// StageOrder 阶段的固定执行顺序，前置阶段全部完成后才可进入下一阶段
var StageOrder = []string{
	StageRewrite,
	StageStoryboard,
	StageImageGen,
	StageCameraMovement,
	StageVideoGen,
}

const DefaultMaxRetries = 3

// StageIndex 返回阶段在固定顺序中的索引，未知阶段返回 -1
func StageIndex(stageType string) int {
	for i, s := range StageOrder {
		if s == stageType {
			return i
		}
	}
	return -1
}

// NextStage 返回固定顺序中的下一个阶段，末尾返回空串
func NextStage(stageType string) string {
	idx := StageIndex(stageType)
	if idx == -1 || idx >= len(StageOrder)-1 {
		return ""
	}
	return StageOrder[idx+1]
}

// PrevStage 返回固定顺序中的上一个阶段，首个返回空串
func PrevStage(stageType string) string {
	idx := StageIndex(stageType)
	if idx <= 0 {
		return ""
	}
	return StageOrder[idx-1]
}

// JSONMap 通用 JSON 列类型，用于阶段的输入/输出载荷
type JSONMap map[string]interface{}

// 实现 driver.Valuer 接口: Go Map -> JSON String (存入数据库)
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return json.Marshal(JSONMap{})
	}
	return json.Marshal(m)
}

// 实现 sql.Scanner 接口: JSON String -> Go Map (从数据库读取)
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	if len(bytes) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(bytes, m)
}

type ProjectStage struct {
	ID           string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId    string     `gorm:"index:idx_project_stage,unique" json:"projectId"`
	StageType    string     `gorm:"index:idx_project_stage,unique;type:varchar(32)" json:"stageType"`
	Status       string     `json:"status"`
	InputData    JSONMap    `gorm:"type:json" json:"inputData"`
	OutputData   JSONMap    `gorm:"type:json" json:"outputData"`
	RetryCount   int        `json:"retryCount"`
	MaxRetries   int        `json:"maxRetries"`
	ErrorMessage string     `gorm:"type:text" json:"errorMessage"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

func (ProjectStage) TableName() string {
	return "project_stage"
}

// CreateProjectWithStages 创建项目并按固定顺序初始化全部阶段（空输入/输出，pending）
func CreateProjectWithStages(db *gorm.DB, p *Project) error {
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = ProjectStatusDraft
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return err
		}
		stages := make([]ProjectStage, 0, len(StageOrder))
		for _, st := range StageOrder {
			stages = append(stages, ProjectStage{
				ID:         uuid.NewString(),
				ProjectId:  p.ID,
				StageType:  st,
				Status:     StageStatusPending,
				InputData:  JSONMap{},
				OutputData: JSONMap{},
				MaxRetries: DefaultMaxRetries,
				CreatedAt:  now,
				UpdatedAt:  now,
			})
		}
		return tx.Create(&stages).Error
	})
}

func GetStage(db *gorm.DB, projectID, stageType string) (*ProjectStage, error) {
	var stage ProjectStage
	if err := db.First(&stage, "project_id = ? AND stage_type = ?", projectID, stageType).Error; err != nil {
		return nil, err
	}
	return &stage, nil
}

// GetStagesByProjectID 按固定顺序返回项目的全部阶段
func GetStagesByProjectID(db *gorm.DB, projectID string) ([]ProjectStage, error) {
	var stages []ProjectStage
	if err := db.Find(&stages, "project_id = ?", projectID).Error; err != nil {
		return nil, err
	}
	ordered := make([]ProjectStage, 0, len(stages))
	for _, st := range StageOrder {
		for i := range stages {
			if stages[i].StageType == st {
				ordered = append(ordered, stages[i])
			}
		}
	}
	return ordered, nil
}
