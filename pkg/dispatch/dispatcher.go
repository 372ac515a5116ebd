package dispatch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Job 后台作业
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Dispatcher 后台作业分发器。请求处理路径把耗时操作（初次提交、
// 延迟取消）交给独立的worker，不阻塞调用方
type Dispatcher struct {
	logger  zerolog.Logger
	jobs    chan Job
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
	mu      sync.Mutex
}

// New 创建分发器
func New(logger zerolog.Logger, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 100
	}
	return &Dispatcher{
		logger: logger.With().Str("component", "dispatcher").Logger(),
		jobs:   make(chan Job, buffer),
	}
}

// Start 启动worker
func (d *Dispatcher) Start(workers int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// worker 依次执行作业，失败只记录日志
func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.jobs:
			if err := job.Run(ctx); err != nil {
				d.logger.Error().Err(err).Str("job", job.Name).Msg("Background job failed")
			}
		}
	}
}

// Enqueue 提交作业，队列满时同步丢弃并记录
func (d *Dispatcher) Enqueue(job Job) {
	select {
	case d.jobs <- job:
	default:
		d.logger.Error().Str("job", job.Name).Msg("Job queue full, dropping job")
	}
}

// Stop 停止全部worker并等待退出
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return
	}
	d.cancel()
	d.wg.Wait()
	d.started = false
}
