// apimonitor 对外提供访问层的统计、健康状态和 Prometheus 指标，并定时清理过期缓存。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"finapi/pkg/apiclient"
	"finapi/pkg/config"
	"finapi/pkg/logger"
	"finapi/pkg/monitor"
	"finapi/pkg/scheduler"
)

var (
	configPath = flag.String("config", "", "配置文件路径 (例如 ./config/finapi.yaml)")
	listen     = flag.String("listen", "", "HTTP 监听地址，覆盖配置文件")
	exportPath = flag.String("export", "", "退出时导出统计到该 JSON 文件")
	report     = flag.Bool("report", false, "退出时在控制台打印统计报表")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("加载配置失败: %v", err)
	}
	if *listen != "" {
		cfg.Monitor.Listen = *listen
	}
	logger.Init(cfg.Logger)

	if err := run(cfg); err != nil {
		logger.Fatalf("监控服务退出: %v", err)
	}
}

// run 启动服务并阻塞到收到退出信号，返回前关闭全部资源
func run(cfg *config.Config) error {
	log := logger.WithComponent("apimonitor")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := apiclient.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("初始化访问层失败: %w", err)
	}
	defer func() {
		if err := reg.Close(); err != nil {
			log.WithError(err).Warn("关闭访问层失败")
		}
	}()

	sched := scheduler.New()
	if err := reg.ScheduleCacheSweep(sched, cfg.Cache.SweepSchedule); err != nil {
		return fmt.Errorf("注册缓存清理任务失败: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	m := monitor.New(reg, cfg.Monitor.Sources)

	gin.SetMode(cfg.Monitor.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())
	monitor.NewHandler(m, reg).RegisterRoutes(router)

	server := &http.Server{
		Addr:    cfg.Monitor.Listen,
		Handler: router,
	}
	go func() {
		log.WithField("addr", cfg.Monitor.Listen).Info("监控服务已启动")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("HTTP 服务异常退出")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("正在关闭监控服务...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("关闭 HTTP 服务失败")
	}

	if *report {
		if err := m.WriteReport(shutdownCtx, os.Stdout); err != nil {
			log.WithError(err).Warn("输出统计报表失败")
		}
	}
	if *exportPath != "" {
		if err := m.ExportJSON(shutdownCtx, *exportPath); err != nil {
			log.WithError(err).Warn("导出统计失败")
		}
	}
	return nil
}
