package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc 维护任务的执行函数
type JobFunc func(ctx context.Context) error

// JobConfig 定义单个维护任务的配置
type JobConfig struct {
	Name     string        `yaml:"name" json:"name" mapstructure:"name"`
	Enabled  bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Schedule string        `yaml:"schedule" json:"schedule" mapstructure:"schedule"` // 支持秒字段和 @every 描述符
	Timeout  time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`    // 单次执行超时，0 表示默认 5 分钟
}

// Job 表示一个已注册的任务
type Job struct {
	ID         string       `json:"id"`
	Config     JobConfig    `json:"config"`
	EntryID    cron.EntryID `json:"-"`
	Status     JobStatus    `json:"status"`
	LastRun    *time.Time   `json:"last_run,omitempty"`
	NextRun    *time.Time   `json:"next_run,omitempty"`
	RunCount   int64        `json:"run_count"`
	ErrorCount int64        `json:"error_count"`
	LastError  string       `json:"last_error,omitempty"`

	fn JobFunc
}

// JobStatus 任务状态
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusError    JobStatus = "error"
	JobStatusDisabled JobStatus = "disabled"
)
