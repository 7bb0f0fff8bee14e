package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Entry = logrus.Entry

// Fields 日志字段
type Fields = logrus.Fields

var (
	// Logger 全局日志实例
	Logger *logrus.Logger
)

// Config 日志配置
type Config struct {
	Level      string `json:"level" mapstructure:"level"`             // debug, info, warn, error
	Format     string `json:"format" mapstructure:"format"`           // text, json
	Output     string `json:"output" mapstructure:"output"`           // console, file
	Filename   string `json:"filename" mapstructure:"filename"`       // 日志文件名，output=file 时生效
	MaxSize    int    `json:"max_size" mapstructure:"max_size"`       // 单个文件最大大小(MB)
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"` // 最大备份数
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`         // 最大保存天数
}

// Init 初始化日志器
func Init(config Config) {
	Logger = logrus.New()

	// 设置日志级别
	level, err := logrus.ParseLevel(strings.ToLower(config.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	Logger.SetLevel(level)

	toFile := config.Output == "file" && config.Filename != ""

	// 设置格式
	if config.Format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05.000",
			FullTimestamp:   true,
			ForceColors:     !toFile,
			DisableColors:   toFile,
		})
	}

	Logger.SetOutput(output(config, toFile))
}

// output 根据配置选择输出目标，文件输出交给 lumberjack 滚动
func output(config Config, toFile bool) io.Writer {
	if !toFile {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   config.Filename,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   true,
	}
}

// InitFromEnv 从环境变量初始化日志器
func InitFromEnv() {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		if os.Getenv("DEBUG") == "1" {
			level = "debug"
		} else {
			level = "info"
		}
	}

	format := os.Getenv("LOG_FORMAT")
	if format == "" {
		format = "text"
	}

	Init(Config{
		Level:  level,
		Format: format,
	})
}

// GetLogger 获取日志器实例
func GetLogger() *logrus.Logger {
	if Logger == nil {
		InitFromEnv()
	}
	return Logger
}

// WithComponent 创建带组件名的日志器
func WithComponent(component string) *logrus.Entry {
	return GetLogger().WithField("component", component)
}

// WithProvider 创建带组件名和提供商名的日志器
func WithProvider(component, provider string) *logrus.Entry {
	return WithComponent(component).WithField("provider", provider)
}

// Debugf 格式化调试日志
func Debugf(format string, args ...interface{}) {
	GetLogger().Debugf(format, args...)
}

// Infof 格式化信息日志
func Infof(format string, args ...interface{}) {
	GetLogger().Infof(format, args...)
}

// Warnf 格式化警告日志
func Warnf(format string, args ...interface{}) {
	GetLogger().Warnf(format, args...)
}

// Errorf 格式化错误日志
func Errorf(format string, args ...interface{}) {
	GetLogger().Errorf(format, args...)
}

// Fatalf 记录错误后退出进程
func Fatalf(format string, args ...interface{}) {
	GetLogger().Fatalf(format, args...)
}

// SetLevel 设置日志级别
func SetLevel(level string) {
	l, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		l = logrus.InfoLevel
	}
	GetLogger().SetLevel(l)
}

// SetOutput 替换输出目标，测试中用来捕获日志
func SetOutput(w io.Writer) {
	GetLogger().SetOutput(w)
}
