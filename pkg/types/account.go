package types

import "time"

// Tenant 租户，GPU配额的记账主体
type Tenant struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:255" json:"name"`
	GPUQuota  *int      `gorm:"column:gpu_quota" json:"gpu_quota"` // nil表示不限额，0表示无可用额度
	GPUUsed   int       `gorm:"column:gpu_used;not null;default:0" json:"gpu_used"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 返回表名
func (Tenant) TableName() string {
	return "tenants"
}

// Account 账户
type Account struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Username  string    `gorm:"size:255;uniqueIndex" json:"username"`
	Password  string    `gorm:"size:255" json:"-"`
	TenantID  uint      `gorm:"index" json:"tenant_id"`
	IsSuper   bool      `gorm:"not null;default:false" json:"is_super"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 返回表名
func (Account) TableName() string {
	return "accounts"
}
