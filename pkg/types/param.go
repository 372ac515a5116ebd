package types

import (
	"encoding/json"
	"time"
)

// CustomParam 用户自定义的微调参数预设
type CustomParam struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Name           string    `gorm:"size:255" json:"name"`
	TenantID       uint      `gorm:"index" json:"tenant_id"`
	CreatedBy      uint      `gorm:"index" json:"created_by"`
	FinetuneConfig string    `gorm:"type:text" json:"-"`
	DeletedFlag    int       `gorm:"not null;default:0;index" json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName 返回表名
func (CustomParam) TableName() string {
	return "finetune_custom_params"
}

// ConfigDict 解析预设中的微调参数
func (p *CustomParam) ConfigDict() map[string]any {
	config := map[string]any{}
	if p.FinetuneConfig != "" {
		json.Unmarshal([]byte(p.FinetuneConfig), &config)
	}
	return config
}
