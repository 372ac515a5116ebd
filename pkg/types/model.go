package types

import "time"

// 模型下载状态
const (
	ModelStatusPending     = 1
	ModelStatusDownloading = 2
	ModelStatusDownloaded  = 3
	ModelStatusFailed      = 4
)

// Model 模型目录记录
type Model struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ModelKey    string    `gorm:"size:255;index" json:"model_key"`
	ModelName   string    `gorm:"size:255;index" json:"model_name"`
	TenantID    uint      `gorm:"index" json:"tenant_id"`
	Builtin     bool      `gorm:"not null;default:false" json:"builtin"`
	Status      int       `gorm:"not null;default:1" json:"status"`
	DeletedFlag int       `gorm:"not null;default:0;index" json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName 返回表名
func (Model) TableName() string {
	return "models"
}
