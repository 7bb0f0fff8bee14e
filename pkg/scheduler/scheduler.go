package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"finapi/pkg/logger"
)

const defaultJobTimeout = 5 * time.Minute

// Scheduler 周期性维护任务调度器，如过期缓存清理和统计导出
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]*Job
	mu      sync.RWMutex
	logger  *logrus.Entry
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New 创建调度器
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		jobs:   make(map[string]*Job),
		logger: logger.WithComponent("scheduler"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 启动调度器
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.cron.Start()
	s.started = true
	s.updateNextRunTimes()
	s.logger.Infof("调度器已启动，共 %d 个任务", len(s.jobs))
}

// Stop 停止调度器并等待运行中的任务结束
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	stopCtx := s.cron.Stop()
	s.started = false
	s.mu.Unlock()

	select {
	case <-stopCtx.Done():
		s.logger.Info("调度器已停止")
	case <-time.After(30 * time.Second):
		s.logger.Warn("调度器停止超时")
	}
}

// AddJob 注册任务，禁用的任务只登记不调度
func (s *Scheduler) AddJob(config JobConfig, fn JobFunc) error {
	if err := validateJobConfig(config); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("任务函数不能为空: %s", config.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[config.Name]; exists {
		return fmt.Errorf("任务已存在: %s", config.Name)
	}

	job := &Job{
		ID:     uuid.New().String(),
		Config: config,
		Status: JobStatusPending,
		fn:     fn,
	}

	if !config.Enabled {
		job.Status = JobStatusDisabled
		s.jobs[config.Name] = job
		s.logger.Infof("任务已添加（已禁用）: %s", config.Name)
		return nil
	}

	entryID, err := s.cron.AddFunc(config.Schedule, func() {
		s.executeJob(job)
	})
	if err != nil {
		return fmt.Errorf("添加任务到调度器失败: %w", err)
	}

	job.EntryID = entryID
	s.jobs[config.Name] = job
	if s.started {
		s.updateNextRunTimes()
	}

	s.logger.Infof("任务已添加: %s (调度: %s)", config.Name, config.Schedule)
	return nil
}

// RemoveJob 移除任务
func (s *Scheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[name]
	if !exists {
		return fmt.Errorf("任务不存在: %s", name)
	}

	s.cron.Remove(job.EntryID)
	delete(s.jobs, name)

	s.logger.Infof("任务已移除: %s", name)
	return nil
}

// GetJob 获取任务状态副本
func (s *Scheduler) GetJob(name string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[name]
	if !exists {
		return Job{}, fmt.Errorf("任务不存在: %s", name)
	}
	return *job, nil
}

// Jobs 获取所有任务状态副本，按名称排序
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Config.Name < jobs[j].Config.Name })
	return jobs
}

// RunJob 立即同步执行一次任务，禁用的任务也可以手动执行
func (s *Scheduler) RunJob(name string) error {
	s.mu.RLock()
	job, exists := s.jobs[name]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("任务不存在: %s", name)
	}
	return s.executeJob(job)
}

func validateJobConfig(config JobConfig) error {
	if config.Name == "" {
		return fmt.Errorf("任务名称不能为空")
	}

	if config.Schedule == "" {
		return fmt.Errorf("任务调度表达式不能为空")
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(config.Schedule); err != nil {
		return fmt.Errorf("无效的调度表达式 '%s': %w", config.Schedule, err)
	}
	return nil
}

// executeJob 执行任务，同一任务不会重叠执行
func (s *Scheduler) executeJob(job *Job) error {
	s.mu.Lock()
	if job.Status == JobStatusRunning {
		s.mu.Unlock()
		s.logger.Warnf("任务正在运行，跳过本次执行: %s", job.Config.Name)
		return nil
	}
	prev := job.Status
	job.Status = JobStatusRunning
	now := time.Now()
	job.LastRun = &now
	job.RunCount++
	s.mu.Unlock()

	timeout := job.Config.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	err := job.fn(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		job.Status = JobStatusError
		job.LastError = err.Error()
		job.ErrorCount++
		s.logger.WithError(err).Errorf("任务执行失败: %s", job.Config.Name)
		return err
	}

	job.Status = JobStatusPending
	if prev == JobStatusDisabled {
		job.Status = JobStatusDisabled
	}
	job.LastError = ""
	s.updateNextRunTimes()
	s.logger.Debugf("任务执行成功: %s", job.Config.Name)
	return nil
}

// updateNextRunTimes 更新所有任务的下次运行时间，调用方必须持有锁
func (s *Scheduler) updateNextRunTimes() {
	entries := s.cron.Entries()
	for _, job := range s.jobs {
		if !job.Config.Enabled {
			continue
		}
		for _, entry := range entries {
			if entry.ID == job.EntryID {
				nextRun := entry.Next
				job.NextRun = &nextRun
				break
			}
		}
	}
}
