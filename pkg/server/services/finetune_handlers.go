package services

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"finetune-backend/pkg/ftclient"
	"finetune-backend/pkg/server/middleware"
	"finetune-backend/pkg/store"
	"finetune-backend/pkg/types"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes 注册微调任务相关路由
func (s *FinetuneService) RegisterRoutes(r *gin.Engine, auth *middleware.Authenticator) {
	tasks := r.Group("/api/finetune/tasks", auth.AccountAuth())
	{
		tasks.POST("", s.HandleCreateTask)
		tasks.GET("", s.HandleListTasks)
		tasks.GET("/:id", s.HandleDetailTask)
		tasks.DELETE("/:id", s.HandleDeleteTask)
		tasks.POST("/:id/pause", s.HandlePauseTask)
		tasks.POST("/:id/resume", s.HandleResumeTask)
		tasks.POST("/:id/cancel", s.HandleCancelTask)
		tasks.GET("/:id/metrics", s.HandleRunningMetrics)
		tasks.GET("/:id/logs", s.HandleTaskLogs)
	}

	models := r.Group("/api/finetune/models", auth.AccountAuth())
	{
		models.GET("", s.HandleListModels)
	}
}

// writeServiceError 把服务层错误映射为HTTP响应
func (s *FinetuneService) writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
	case errors.Is(err, types.ErrValidation),
		errors.Is(err, types.ErrIllegalTransition),
		errors.Is(err, types.ErrQuotaExhausted),
		errors.Is(err, ftclient.ErrJobEnded),
		errors.Is(err, ftclient.ErrJobNotReady):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// taskIDParam 解析路径中的任务ID
func taskIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid task id"})
		return 0, false
	}
	return uint(id), true
}

// HandleCreateTask 处理创建任务请求
func (s *FinetuneService) HandleCreateTask(c *gin.Context) {
	account := middleware.AccountFrom(c)

	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	task, err := s.CreateTask(c.Request.Context(), account, &req)
	if err != nil {
		s.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, task)
}

// HandleListTasks 处理任务列表请求
func (s *FinetuneService) HandleListTasks(c *gin.Context) {
	account := middleware.AccountFrom(c)

	args := ListTasksArgs{
		SearchName: c.Query("search"),
		Scope:      ListScope(c.Query("scope")),
	}
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			args.Statuses = append(args.Statuses, types.TaskStatus(part))
		}
	}
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			args.Limit = v
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			args.Offset = v
		}
	}

	details, err := s.ListTasks(c.Request.Context(), account, args)
	if err != nil {
		s.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"tasks": details, "count": len(details)})
}

// HandleDetailTask 处理任务详情请求
func (s *FinetuneService) HandleDetailTask(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}

	detail, err := s.DetailTask(c.Request.Context(), taskID)
	if err != nil {
		s.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, detail)
}

// HandleDeleteTask 处理删除任务请求
func (s *FinetuneService) HandleDeleteTask(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}

	if err := s.DeleteTask(c.Request.Context(), taskID); err != nil {
		s.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Task deleted"})
}

// HandlePauseTask 处理暂停任务请求
func (s *FinetuneService) HandlePauseTask(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}

	if err := s.PauseTask(c.Request.Context(), taskID); err != nil {
		s.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Task paused"})
}

// HandleResumeTask 处理恢复任务请求
func (s *FinetuneService) HandleResumeTask(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}

	if err := s.ResumeTask(c.Request.Context(), taskID); err != nil {
		s.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Task resumed"})
}

// HandleCancelTask 处理取消任务请求
func (s *FinetuneService) HandleCancelTask(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}

	if err := s.CancelTask(c.Request.Context(), taskID); err != nil {
		s.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Task cancelled"})
}

// HandleRunningMetrics 处理运行指标请求
func (s *FinetuneService) HandleRunningMetrics(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}

	metrics, err := s.RunningMetrics(c.Request.Context(), taskID)
	if err != nil {
		s.writeServiceError(c, err)
		return
	}

	c.Data(http.StatusOK, "application/json", metrics)
}

// HandleTaskLogs 处理任务日志请求
func (s *FinetuneService) HandleTaskLogs(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}

	logs, err := s.TaskLogs(c.Request.Context(), taskID)
	if err != nil {
		s.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// HandleListModels 处理可微调模型列表请求
func (s *FinetuneService) HandleListModels(c *gin.Context) {
	models, err := s.catalog.ListFinetuneModels(c.Request.Context())
	if err != nil {
		s.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"models": models})
}
