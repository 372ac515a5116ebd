package services

import (
	"fmt"
	"net/http"
	"time"

	"finetune-backend/pkg/config"
	"finetune-backend/pkg/store"
	"finetune-backend/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// StatusService 服务自身状态，供健康检查和运维查询使用
type StatusService struct {
	config    *config.ServerConfig
	logger    zerolog.Logger
	store     store.Store
	startedAt time.Time
}

// NewStatusService 创建状态服务实例
func NewStatusService(cfg *config.ServerConfig, logger zerolog.Logger, store store.Store) *StatusService {
	return &StatusService{
		config:    cfg,
		logger:    logger.With().Str("service", "status").Logger(),
		store:     store,
		startedAt: time.Now(),
	}
}

// RegisterRoutes 注册路由
func (s *StatusService) RegisterRoutes(r *gin.Engine) {
	r.GET("/api/status", s.HandleGetStatus)
}

// SystemMetrics 宿主机指标
type SystemMetrics struct {
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	DiskUsage   float64 `json:"disk_usage"`
	Uptime      int64   `json:"uptime"`
}

// collectMetrics 收集系统指标
func (s *StatusService) collectMetrics() (*SystemMetrics, error) {
	// CPU使用率
	cpuPercent, err := cpu.Percent(time.Second, false)
	if err != nil {
		return nil, fmt.Errorf("getting CPU usage: %w", err)
	}

	// 内存使用率
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("getting memory info: %w", err)
	}

	// 磁盘使用率
	diskInfo, err := disk.Usage("/")
	if err != nil {
		return nil, fmt.Errorf("getting disk info: %w", err)
	}

	// 运行时间
	hostInfo, err := host.Info()
	if err != nil {
		return nil, fmt.Errorf("getting host info: %w", err)
	}

	return &SystemMetrics{
		CPUUsage:    cpuPercent[0],
		MemoryUsage: memInfo.UsedPercent,
		DiskUsage:   diskInfo.UsedPercent,
		Uptime:      int64(hostInfo.Uptime),
	}, nil
}

// HandleGetStatus 处理状态查询请求：宿主机指标和各状态任务数
func (s *StatusService) HandleGetStatus(c *gin.Context) {
	metrics, err := s.collectMetrics()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to collect system metrics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	activeStatuses := []types.TaskStatus{
		types.TaskStatusPending,
		types.TaskStatusSubmitting,
		types.TaskStatusInProgress,
		types.TaskStatusSuspended,
	}
	tasks, err := s.store.ListTasks(c.Request.Context(), store.TaskFilter{Statuses: activeStatuses})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to count active tasks")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	byStatus := map[types.TaskStatus]int{}
	for _, task := range tasks {
		byStatus[task.Status]++
	}

	c.JSON(http.StatusOK, gin.H{
		"metrics":        metrics,
		"active_tasks":   len(tasks),
		"tasks_by_state": byStatus,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}
