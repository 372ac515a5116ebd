package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus 定义微调任务状态
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "Pending"    // 已创建，等待启动
	TaskStatusSubmitting TaskStatus = "Submitting" // 正在提交到训练后端
	TaskStatusInQueue    TaskStatus = "InQueue"    // 训练后端排队中
	TaskStatusInProgress TaskStatus = "InProgress" // 训练中
	TaskStatusSuspended  TaskStatus = "Suspended"  // 已暂停
	TaskStatusCompleted  TaskStatus = "Completed"  // 训练完成
	TaskStatusFailed     TaskStatus = "Failed"     // 训练失败
	TaskStatusCancel     TaskStatus = "Cancel"     // 已取消
)

// Terminal 判断是否为终态
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancel:
		return true
	}
	return false
}

// 训练后端上报的任务状态
const (
	RemoteStatusNotReady   = "NotReady"
	RemoteStatusPending    = "Pending"
	RemoteStatusInQueue    = "InQueue"
	RemoteStatusRunning    = "Running"
	RemoteStatusInProgress = "InProgress"
	RemoteStatusSuspended  = "Suspended"
	RemoteStatusCompleted  = "Completed"
	RemoteStatusFailed     = "Failed"
	RemoteStatusTerminated = "Terminated"
	RemoteStatusCancelled  = "Cancelled"
)

// RemoteStatusEnded 判断后端状态是否已结束
func RemoteStatusEnded(status string) bool {
	switch status {
	case RemoteStatusCompleted, RemoteStatusFailed, RemoteStatusTerminated:
		return true
	}
	return false
}

// JobInfo 训练后端任务的最近一次快照
type JobInfo struct {
	JobID           string   `json:"job_id"`
	Status          string   `json:"status"`
	Cost            *float64 `json:"cost,omitempty"`
	ProgressPercent *float64 `json:"progress_percent,omitempty"`
	CheckpointPath  string   `json:"checkpoint_path,omitempty"`
}

// FinetuneTask 微调任务
type FinetuneTask struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Name            string     `gorm:"size:255;index" json:"name"`
	TenantID        uint       `gorm:"index" json:"tenant_id"`
	CreatedBy       uint       `gorm:"index" json:"created_by"`
	BaseModel       int        `json:"base_model"`
	BaseModelKey    string     `gorm:"size:255" json:"base_model_key"`
	TargetModelName string     `gorm:"size:255" json:"target_model_name"`
	TargetModelKey  string     `gorm:"size:255" json:"target_model_key"`
	FinetuningType  string     `gorm:"size:64" json:"finetuning_type"`
	Datasets        string     `gorm:"type:text" json:"datasets"`
	FinetuneConfig  string     `gorm:"type:text" json:"finetune_config"`
	NumGPUs         int        `gorm:"not null;default:1" json:"num_gpus"` // 创建后不可变，配额记账单位
	IsOnlineModel   bool       `json:"is_online_model"`
	Status          TaskStatus `gorm:"size:32;index" json:"status"`
	JobInfo         string     `gorm:"type:text" json:"-"`
	CheckpointPath  string     `gorm:"size:500" json:"checkpoint_path,omitempty"`
	SuspendedAt     *time.Time `json:"suspended_at,omitempty"`
	TrainRuntime    *int       `json:"train_runtime,omitempty"`
	LogPath         string     `gorm:"size:500" json:"-"`
	DeletedFlag     int        `gorm:"not null;default:0;index" json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName 返回表名
func (FinetuneTask) TableName() string {
	return "finetune_tasks"
}

// JobInfoDict 解析后端任务快照，任务未提交过时返回nil
func (t *FinetuneTask) JobInfoDict() *JobInfo {
	if t.JobInfo == "" {
		return nil
	}
	var info JobInfo
	if err := json.Unmarshal([]byte(t.JobInfo), &info); err != nil {
		return nil
	}
	return &info
}

// SetJobInfo 序列化并写回后端任务快照
func (t *FinetuneTask) SetJobInfo(info *JobInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshaling job info: %w", err)
	}
	t.JobInfo = string(data)
	return nil
}
