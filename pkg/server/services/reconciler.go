package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"finetune-backend/pkg/config"
	"finetune-backend/pkg/ftclient"
	"finetune-backend/pkg/store"
	"finetune-backend/pkg/types"

	"github.com/rs/zerolog"
)

// CancelReconciler 取消对账器。任务在Submitting阶段被取消时
// 本地还没有job_id，后端任务可能在取消之后才创建出来。
// 对账器按配置的间隔重查任务记录，一旦job_id出现就删除后端任务
type CancelReconciler struct {
	logger zerolog.Logger
	store  store.Store
	ft     *ftclient.Client
	delays []time.Duration

	// 测试注入
	after func(d time.Duration) <-chan time.Time
}

// NewCancelReconciler 创建取消对账器
func NewCancelReconciler(cfg *config.ServerConfig, logger zerolog.Logger, store store.Store, ft *ftclient.Client) *CancelReconciler {
	delays := make([]time.Duration, len(cfg.Finetune.CancelRetryDelays))
	for i, d := range cfg.Finetune.CancelRetryDelays {
		delays[i] = d.Std()
	}
	return &CancelReconciler{
		logger: logger.With().Str("component", "cancel-reconciler").Logger(),
		store:  store,
		ft:     ft,
		delays: delays,
		after:  func(d time.Duration) <-chan time.Time { return time.After(d) },
	}
}

// Schedule 为任务启动一轮后台对账
func (r *CancelReconciler) Schedule(taskID uint) {
	go func() {
		if err := r.reconcile(context.Background(), taskID); err != nil {
			r.logger.Error().Err(err).Uint("task_id", taskID).Msg("Cancel reconciliation failed")
		}
	}()
}

// reconcile 依次等待每个重试间隔后重查任务。
// 任务状态不再是Cancel说明提交路径接管了清理，直接结束；
// 删除失败只记录日志，下一轮继续；全部尝试用尽后放弃并报错，
// 留给人工处理
func (r *CancelReconciler) reconcile(ctx context.Context, taskID uint) error {
	for attempt, delay := range r.delays {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.after(delay):
		}

		task, err := r.store.GetTask(ctx, taskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("reloading task: %w", err)
		}

		if task.Status != types.TaskStatusCancel {
			r.logger.Info().
				Uint("task_id", taskID).
				Str("status", string(task.Status)).
				Msg("Task left Cancel status, stopping reconciliation")
			return nil
		}

		info := task.JobInfoDict()
		if info == nil || info.JobID == "" {
			r.logger.Info().
				Uint("task_id", taskID).
				Int("attempt", attempt+1).
				Msg("Remote job not visible yet")
			continue
		}

		if err := r.ft.Delete(ctx, info.JobID); err != nil {
			r.logger.Warn().
				Err(err).
				Uint("task_id", taskID).
				Str("job_id", info.JobID).
				Int("attempt", attempt+1).
				Msg("Remote delete failed, will retry")
			continue
		}
		r.logger.Info().
			Uint("task_id", taskID).
			Str("job_id", info.JobID).
			Int("attempt", attempt+1).
			Msg("Remote job deleted during cancel reconciliation")
		return nil
	}

	return fmt.Errorf("remote job for task %d not cleaned up after %d attempts, manual cleanup may be needed",
		taskID, len(r.delays))
}
