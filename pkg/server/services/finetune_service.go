package services

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"finetune-backend/pkg/catalog"
	"finetune-backend/pkg/config"
	"finetune-backend/pkg/dispatch"
	"finetune-backend/pkg/ftclient"
	"finetune-backend/pkg/store"
	"finetune-backend/pkg/types"

	"github.com/rs/zerolog"
)

// FinetuneService 微调任务生命周期控制器。
// 所有状态迁移都由它驱动：本地记录、训练后端任务和GPU配额
// 三者的可见状态在这里保持一致
type FinetuneService struct {
	config     *config.ServerConfig
	logger     zerolog.Logger
	store      store.Store
	ft         *ftclient.Client
	catalog    *catalog.Catalog
	dispatcher *dispatch.Dispatcher
	reconciler *CancelReconciler

	now func() time.Time
}

// NewFinetuneService 创建微调服务实例
func NewFinetuneService(
	cfg *config.ServerConfig,
	logger zerolog.Logger,
	store store.Store,
	ft *ftclient.Client,
	catalog *catalog.Catalog,
	dispatcher *dispatch.Dispatcher,
) *FinetuneService {
	return &FinetuneService{
		config:     cfg,
		logger:     logger.With().Str("service", "finetune").Logger(),
		store:      store,
		ft:         ft,
		catalog:    catalog,
		dispatcher: dispatcher,
		reconciler: NewCancelReconciler(cfg, logger, store, ft),
		now:        time.Now,
	}
}

// CreateTaskRequest 创建任务的请求体
type CreateTaskRequest struct {
	Name            string         `json:"name" binding:"required"`
	BaseModel       int            `json:"base_model"`
	BaseModelKey    string         `json:"base_model_key" binding:"required"`
	TargetModelName string         `json:"target_model_name" binding:"required"`
	FinetuningType  string         `json:"finetuning_type"`
	IsOnlineModel   bool           `json:"is_online_model"`
	Datasets        []uint         `json:"datasets"`
	FinetuneConfig  map[string]any `json:"finetune_config" binding:"required"`
}

// numGPUs 从微调参数中取出GPU数量，缺省为1
func numGPUsFrom(finetuneConfig map[string]any) int {
	if v, ok := finetuneConfig["num_gpus"]; ok {
		if f, ok := v.(float64); ok && f >= 1 {
			return int(f)
		}
	}
	return 1
}

// randomSuffix 生成目标模型key的随机后缀
func randomSuffix(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	rand.Read(b)
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b)
}

// CreateTask 创建微调任务并异步启动。
// 创建时只做配额预检，不占用额度；占用发生在StartTask
func (s *FinetuneService) CreateTask(ctx context.Context, account *types.Account, req *CreateTaskRequest) (*types.FinetuneTask, error) {
	numGPUs := numGPUsFrom(req.FinetuneConfig)

	// 非超级管理员需要通过配额预检
	if !account.IsSuper {
		tenant, err := s.store.GetTenant(ctx, account.TenantID)
		if err != nil {
			return nil, fmt.Errorf("querying tenant: %w", err)
		}
		if tenant.GPUQuota != nil {
			quota := *tenant.GPUQuota
			if quota == 0 {
				return nil, fmt.Errorf("tenant has %d gpus in use and no quota left: %w",
					tenant.GPUUsed, types.ErrValidation)
			}
			if tenant.GPUUsed+numGPUs > quota {
				return nil, fmt.Errorf("tenant has %d of %d gpus in use, %d more requested: %w",
					tenant.GPUUsed, quota, numGPUs, types.ErrValidation)
			}
		}
	}

	count, err := s.store.CountTasksByName(ctx, account.TenantID, req.Name)
	if err != nil {
		return nil, fmt.Errorf("checking task name: %w", err)
	}
	if count > 0 {
		return nil, fmt.Errorf("task name %q already in use: %w", req.Name, types.ErrValidation)
	}

	supported, err := s.catalog.HasModel(ctx, req.BaseModelKey)
	if err != nil {
		return nil, fmt.Errorf("querying model catalog: %w", err)
	}
	if !supported {
		return nil, fmt.Errorf("base model %q is not finetunable: %w", req.BaseModelKey, types.ErrValidation)
	}

	modelCount, err := s.store.CountModelsByName(ctx, account.TenantID, req.TargetModelName)
	if err != nil {
		return nil, fmt.Errorf("checking model name: %w", err)
	}
	if modelCount > 0 {
		return nil, fmt.Errorf("model name %q already in use: %w", req.TargetModelName, types.ErrValidation)
	}

	datasets, err := json.Marshal(req.Datasets)
	if err != nil {
		return nil, fmt.Errorf("marshaling datasets: %w", err)
	}
	finetuneConfig, err := json.Marshal(req.FinetuneConfig)
	if err != nil {
		return nil, fmt.Errorf("marshaling finetune config: %w", err)
	}

	task := &types.FinetuneTask{
		Name:            req.Name,
		TenantID:        account.TenantID,
		CreatedBy:       account.ID,
		BaseModel:       req.BaseModel,
		BaseModelKey:    req.BaseModelKey,
		TargetModelName: req.TargetModelName,
		TargetModelKey:  req.BaseModelKey + "-" + randomSuffix(8),
		FinetuningType:  req.FinetuningType,
		Datasets:        string(datasets),
		FinetuneConfig:  string(finetuneConfig),
		NumGPUs:         numGPUs,
		IsOnlineModel:   req.IsOnlineModel,
		Status:          types.TaskStatusPending,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	// 异步启动，任务ID显式传入后台作业
	taskID := task.ID
	s.dispatcher.Enqueue(dispatch.Job{
		Name: fmt.Sprintf("start-task-%d", taskID),
		Run: func(ctx context.Context) error {
			return s.StartTask(ctx, taskID)
		},
	})

	return task, nil
}

// StartTask 启动微调任务：检查本地权重、占用GPU额度、
// 进入Submitting并异步提交到训练后端
func (s *FinetuneService) StartTask(ctx context.Context, taskID uint) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	// 提交前检查权重，避免后端开始下载模型后任务无法取消
	if !task.IsOnlineModel && !s.catalog.WeightsPresent(task.BaseModelKey) {
		return fmt.Errorf("weights for model %q missing or empty, task stays pending: %w",
			task.BaseModelKey, types.ErrValidation)
	}

	if err := s.allocateGPUs(ctx, task); err != nil {
		// 配额不足时任务保持Pending
		s.logger.Error().Err(err).Uint("task_id", taskID).Msg("Failed to allocate GPUs")
		return err
	}

	task.Status = types.TaskStatusSubmitting
	if err := s.store.SaveTask(ctx, task); err != nil {
		return err
	}

	s.dispatcher.Enqueue(dispatch.Job{
		Name: fmt.Sprintf("submit-task-%d", taskID),
		Run: func(ctx context.Context) error {
			return s.submitTask(ctx, taskID)
		},
	})
	return nil
}

// submitTask 后台提交作业：调用训练后端创建任务，记录job_id并进入InProgress
func (s *FinetuneService) submitTask(ctx context.Context, taskID uint) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != types.TaskStatusSubmitting {
		// 提交前状态已被改掉（取消、暂停），放弃提交
		s.logger.Info().Uint("task_id", taskID).Str("status", string(task.Status)).
			Msg("Task left Submitting before submit, skipping")
		return nil
	}

	jobID, err := s.ft.Submit(ctx, &ftclient.SubmitRequest{
		Name:           task.Name,
		BaseModelKey:   task.BaseModelKey,
		Datasets:       json.RawMessage(task.Datasets),
		FinetuneConfig: json.RawMessage(task.FinetuneConfig),
		FinetuningType: task.FinetuningType,
		NumGPUs:        task.NumGPUs,
	})
	if err != nil {
		s.logger.Error().Err(err).Uint("task_id", taskID).Msg("Submitting task to backend failed")
		return s.failSubmission(ctx, taskID, err)
	}

	// 重新读取：提交期间可能已被取消
	task, err = s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	info := &types.JobInfo{JobID: jobID, Status: types.RemoteStatusInProgress}
	if err := task.SetJobInfo(info); err != nil {
		return err
	}

	if task.Status != types.TaskStatusSubmitting {
		// 取消赢得了竞争，后端任务刚刚才出现，直接清理
		if err := s.store.SaveTask(ctx, task); err != nil {
			return err
		}
		if task.Status == types.TaskStatusCancel {
			if err := s.ft.Delete(ctx, jobID); err != nil {
				s.logger.Error().Err(err).Str("job_id", jobID).
					Msg("Failed to delete freshly created job for cancelled task")
			}
		}
		return nil
	}

	task.Status = types.TaskStatusInProgress
	if err := s.store.SaveTask(ctx, task); err != nil {
		return err
	}

	s.logger.Info().Uint("task_id", taskID).Str("job_id", jobID).Msg("Task submitted")
	return nil
}

// failSubmission 提交失败后的收尾：任务进入Failed并释放GPU
func (s *FinetuneService) failSubmission(ctx context.Context, taskID uint, cause error) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != types.TaskStatusSubmitting {
		return nil
	}
	task.Status = types.TaskStatusFailed
	if err := s.store.SaveTask(ctx, task); err != nil {
		return err
	}
	s.releaseGPUs(ctx, task)
	return fmt.Errorf("submitting task %d: %w", taskID, cause)
}

// allocateGPUs 占用任务的GPU额度，超级管理员不经过配额
func (s *FinetuneService) allocateGPUs(ctx context.Context, task *types.FinetuneTask) error {
	account, err := s.store.GetAccount(ctx, task.CreatedBy)
	if err != nil {
		return fmt.Errorf("querying task owner: %w", err)
	}
	if account.IsSuper {
		return nil
	}
	if err := s.store.IncrementGPUUsage(ctx, task.TenantID, task.NumGPUs); err != nil {
		return err
	}
	s.logger.Info().Uint("task_id", task.ID).Int("num_gpus", task.NumGPUs).Msg("Allocated GPUs")
	return nil
}

// releaseGPUs 释放任务占用的GPU额度，失败只记录日志
func (s *FinetuneService) releaseGPUs(ctx context.Context, task *types.FinetuneTask) {
	account, err := s.store.GetAccount(ctx, task.CreatedBy)
	if err != nil {
		s.logger.Error().Err(err).Uint("task_id", task.ID).Msg("Cannot resolve task owner for GPU release")
		return
	}
	if account.IsSuper {
		return
	}
	if err := s.store.DecrementGPUUsage(ctx, task.TenantID, task.NumGPUs); err != nil {
		s.logger.Error().Err(err).Uint("task_id", task.ID).Msg("Failed to release GPUs")
		return
	}
	s.logger.Info().Uint("task_id", task.ID).Int("num_gpus", task.NumGPUs).Msg("Released GPUs")
}

// holdsGPUs 判断处于该状态的任务是否占着GPU额度
func holdsGPUs(status types.TaskStatus) bool {
	switch status {
	case types.TaskStatusSubmitting, types.TaskStatusInProgress:
		return true
	}
	return false
}

// CancelTask 取消微调任务。本地状态立即进入Cancel，
// 远端清理异步进行；还没有job_id的提交中任务交给对账器
func (s *FinetuneService) CancelTask(ctx context.Context, taskID uint) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	switch task.Status {
	case types.TaskStatusPending, types.TaskStatusSubmitting,
		types.TaskStatusInProgress, types.TaskStatusSuspended:
	default:
		return fmt.Errorf("cannot cancel task in status %s: %w", task.Status, types.ErrIllegalTransition)
	}

	oldStatus := task.Status
	task.Status = types.TaskStatusCancel
	if err := s.store.SaveTask(ctx, task); err != nil {
		return err
	}

	// Pending还没有占用额度；Suspended在暂停时已经释放
	if holdsGPUs(oldStatus) {
		s.releaseGPUs(ctx, task)
	}

	s.teardownRemote(task, oldStatus)
	return nil
}

// DeleteTask 软删除任务并做与取消相同的远端清理
func (s *FinetuneService) DeleteTask(ctx context.Context, taskID uint) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	task.DeletedFlag = 1
	oldStatus := task.Status
	if !task.Status.Terminal() {
		task.Status = types.TaskStatusCancel
		if holdsGPUs(oldStatus) {
			s.releaseGPUs(ctx, task)
		}
	}
	if err := s.store.SaveTask(ctx, task); err != nil {
		return err
	}

	s.teardownRemote(task, oldStatus)
	s.logger.Info().Uint("task_id", taskID).Str("name", task.Name).Msg("Task deleted")
	return nil
}

// teardownRemote 尽力而为的远端清理：已知job_id直接删除；
// 提交中还没有job_id的任务交给取消对账器轮询
func (s *FinetuneService) teardownRemote(task *types.FinetuneTask, oldStatus types.TaskStatus) {
	taskID := task.ID
	if info := task.JobInfoDict(); info != nil && info.JobID != "" {
		jobID := info.JobID
		s.dispatcher.Enqueue(dispatch.Job{
			Name: fmt.Sprintf("delete-job-%s", jobID),
			Run: func(ctx context.Context) error {
				if err := s.ft.Delete(ctx, jobID); err != nil {
					return fmt.Errorf("deleting remote job %s for task %d: %w", jobID, taskID, err)
				}
				s.logger.Info().Uint("task_id", taskID).Str("job_id", jobID).Msg("Remote job deleted")
				return nil
			},
		})
		return
	}

	if oldStatus == types.TaskStatusSubmitting {
		// 后端任务可能马上就会出现，交给对账器延迟处理
		s.reconciler.Schedule(taskID)
	}
}

// PauseTask 暂停微调任务
func (s *FinetuneService) PauseTask(ctx context.Context, taskID uint) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	info := task.JobInfoDict()

	// 任务还没提交到训练后端：暂停等价于撤回提交，纯本地迁移
	if info == nil || info.JobID == "" {
		switch task.Status {
		case types.TaskStatusPending, types.TaskStatusSubmitting, types.TaskStatusInQueue:
			if task.Status == types.TaskStatusSubmitting {
				s.releaseGPUs(ctx, task)
			}
			task.Status = types.TaskStatusSuspended
			now := s.now()
			task.SuspendedAt = &now
			return s.store.SaveTask(ctx, task)
		default:
			return fmt.Errorf("task not submitted to backend, cannot pause in status %s: %w",
				task.Status, types.ErrIllegalTransition)
		}
	}

	// 先刷新后端状态
	remoteStatus, err := s.refreshRemoteStatus(ctx, info.JobID)
	if err != nil {
		return err
	}

	// 同步本地状态
	if remoteStatus == types.RemoteStatusInProgress && task.Status != types.TaskStatusInProgress {
		task.Status = types.TaskStatusInProgress
		if err := s.store.SaveTask(ctx, task); err != nil {
			return err
		}
	}

	switch task.Status {
	case types.TaskStatusInProgress, types.TaskStatusPending:
	default:
		return fmt.Errorf("cannot pause task in status %s: %w", task.Status, types.ErrIllegalTransition)
	}

	result, err := s.ft.Pause(ctx, info.JobID, task.Name)
	if err != nil {
		// 远端失败不做任何本地变更
		return fmt.Errorf("pausing remote job: %w", err)
	}

	if result.Status == types.RemoteStatusCancelled {
		s.logger.Info().Uint("task_id", taskID).
			Msg("Backend returned Cancelled for pause, converting to Suspended")
	}

	// checkpoint：优先用本次返回的，否则沿用快照里已知的
	if result.CheckpointPath != "" {
		task.CheckpointPath = result.CheckpointPath
		info.CheckpointPath = result.CheckpointPath
	} else if info.CheckpointPath != "" {
		task.CheckpointPath = info.CheckpointPath
	}

	// 训练时长：优先用后端返回的cost，0也是有效值
	if result.Cost != nil {
		info.Cost = result.Cost
		runtime := int(*result.Cost)
		task.TrainRuntime = &runtime
	} else if info.Cost != nil {
		runtime := int(*info.Cost)
		task.TrainRuntime = &runtime
	}

	s.releaseGPUs(ctx, task)

	info.Status = types.RemoteStatusSuspended
	if err := task.SetJobInfo(info); err != nil {
		return err
	}
	task.Status = types.TaskStatusSuspended
	now := s.now()
	task.SuspendedAt = &now
	if err := s.store.SaveTask(ctx, task); err != nil {
		return err
	}

	s.logger.Info().
		Uint("task_id", taskID).
		Str("checkpoint", task.CheckpointPath).
		Msg("Task paused")
	return nil
}

// ResumeTask 恢复已暂停的微调任务
func (s *FinetuneService) ResumeTask(ctx context.Context, taskID uint) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	if task.Status != types.TaskStatusSuspended {
		return fmt.Errorf("only suspended tasks can resume, current status %s: %w",
			task.Status, types.ErrIllegalTransition)
	}

	info := task.JobInfoDict()

	// 任务在提交前就被暂停了：恢复等价于重新启动
	if info == nil || info.JobID == "" {
		task.CheckpointPath = ""
		task.SuspendedAt = nil
		task.Status = types.TaskStatusPending
		if err := s.store.SaveTask(ctx, task); err != nil {
			return err
		}
		return s.StartTask(ctx, taskID)
	}

	if _, err := s.refreshRemoteStatus(ctx, info.JobID); err != nil {
		return err
	}

	if err := s.allocateGPUs(ctx, task); err != nil {
		// 配额不足，任务保持Suspended
		return err
	}

	checkpointPath := task.CheckpointPath
	if err := s.ft.Resume(ctx, info.JobID, task.Name, checkpointPath); err != nil {
		s.releaseGPUs(ctx, task)
		return fmt.Errorf("resuming remote job: %w", err)
	}

	info.Status = types.RemoteStatusInProgress
	if err := task.SetJobInfo(info); err != nil {
		return err
	}
	task.Status = types.TaskStatusInProgress
	task.CheckpointPath = ""
	task.SuspendedAt = nil
	if err := s.store.SaveTask(ctx, task); err != nil {
		return err
	}

	s.logger.Info().
		Uint("task_id", taskID).
		Str("checkpoint", checkpointPath).
		Msg("Task resumed")
	return nil
}

// refreshRemoteStatus 查询后端任务状态并做终态/未就绪检查
func (s *FinetuneService) refreshRemoteStatus(ctx context.Context, jobID string) (string, error) {
	remoteStatus, err := s.ft.Status(ctx, jobID)
	if err != nil {
		if errors.Is(err, ftclient.ErrJobEnded) {
			return "", fmt.Errorf("remote job already ended: %w", err)
		}
		return "", fmt.Errorf("querying remote status: %w", err)
	}
	if remoteStatus == types.RemoteStatusNotReady {
		return "", fmt.Errorf("remote job still initializing, retry later: %w", ftclient.ErrJobNotReady)
	}
	if types.RemoteStatusEnded(remoteStatus) {
		return "", fmt.Errorf("remote job in terminal status %s: %w", remoteStatus, ftclient.ErrJobEnded)
	}
	return remoteStatus, nil
}

// EffectiveTrainRuntime 计算对外展示的训练时长（秒）。
// 本地时长缺失或小于1秒时优先用后端上报的cost（0是有效值），
// 都没有时退回创建时间到现在的墙钟时长
func (s *FinetuneService) EffectiveTrainRuntime(task *types.FinetuneTask) int {
	if task.TrainRuntime != nil && *task.TrainRuntime >= 1 {
		return *task.TrainRuntime
	}
	if info := task.JobInfoDict(); info != nil && info.Cost != nil {
		return int(*info.Cost)
	}
	elapsed := int(s.now().Sub(task.CreatedAt).Seconds())
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed
}

// TaskDetail 任务详情
type TaskDetail struct {
	*types.FinetuneTask
	TrainRuntimeSeconds int      `json:"train_runtime_seconds"`
	ProgressPercent     *float64 `json:"progress_percent,omitempty"`
}

// DetailTask 获取任务详情，训练时长按读取时的回填规则计算
func (s *FinetuneService) DetailTask(ctx context.Context, taskID uint) (*TaskDetail, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	detail := &TaskDetail{
		FinetuneTask:        task,
		TrainRuntimeSeconds: s.EffectiveTrainRuntime(task),
	}
	if info := task.JobInfoDict(); info != nil {
		detail.ProgressPercent = info.ProgressPercent
	}
	return detail, nil
}

// ListScope 任务列表的归属范围
type ListScope string

const (
	// ScopeAll 租户内全部任务
	ScopeAll ListScope = ""
	// ScopeMine 当前账号创建的任务
	ScopeMine ListScope = "mine"
	// ScopeGroup 租户内其他账号创建的任务
	ScopeGroup ListScope = "group"
)

// ListTasksArgs 任务列表查询参数
type ListTasksArgs struct {
	SearchName string
	Statuses   []types.TaskStatus
	Scope      ListScope
	Limit      int
	Offset     int
}

// ListTasks 列出租户内的任务，逐条应用训练时长回填
func (s *FinetuneService) ListTasks(ctx context.Context, account *types.Account, args ListTasksArgs) ([]*TaskDetail, error) {
	if len(args.SearchName) > 30 {
		args.SearchName = args.SearchName[:30]
	}

	filter := store.TaskFilter{
		TenantID:   &account.TenantID,
		Statuses:   args.Statuses,
		SearchName: args.SearchName,
		Limit:      args.Limit,
		Offset:     args.Offset,
	}
	switch args.Scope {
	case ScopeMine:
		filter.CreatedBy = &account.ID
	case ScopeGroup:
		filter.ExcludeCreatedBy = &account.ID
	}

	tasks, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}

	details := make([]*TaskDetail, 0, len(tasks))
	for _, task := range tasks {
		detail := &TaskDetail{
			FinetuneTask:        task,
			TrainRuntimeSeconds: s.EffectiveTrainRuntime(task),
		}
		if info := task.JobInfoDict(); info != nil {
			detail.ProgressPercent = info.ProgressPercent
		}
		details = append(details, detail)
	}
	return details, nil
}

// RunningMetrics 获取任务的运行指标
func (s *FinetuneService) RunningMetrics(ctx context.Context, taskID uint) (json.RawMessage, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	info := task.JobInfoDict()
	if info == nil || info.JobID == "" {
		return nil, fmt.Errorf("task %d has no remote job: %w", taskID, store.ErrNotFound)
	}

	return s.ft.RunningMetrics(ctx, info.JobID)
}

// TaskLogs 获取任务日志内容
func (s *FinetuneService) TaskLogs(ctx context.Context, taskID uint) (string, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}

	if task.Status == types.TaskStatusInProgress {
		if info := task.JobInfoDict(); info != nil && info.Status == types.RemoteStatusPending {
			return "task is queued, waiting for resources", nil
		}
	}

	if task.LogPath == "" {
		return "no logs collected", nil
	}
	data, err := os.ReadFile(task.LogPath)
	if err != nil {
		return "", fmt.Errorf("reading log file: %w", err)
	}
	return string(data), nil
}
