package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wisefido-monitor/common/logger"
	"wisefido-monitor/internal/config"
	"wisefido-monitor/internal/connection"
	"wisefido-monitor/internal/service"

	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-monitor")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	// 3. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. 创建服务
	monitor, err := service.NewMonitorService(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to create monitor service", zap.Error(err))
		return 1
	}

	// 5. 启动服务（在 goroutine 中）
	serviceErrChan := make(chan error, 1)
	go func() {
		serviceErrChan <- monitor.Start(ctx)
	}()

	// 6. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	code := 0
	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
		cancel()
		<-serviceErrChan
	case err := <-serviceErrChan:
		if err != nil {
			code = 1
			if errors.Is(err, connection.ErrAuthRejected) {
				code = 2
			}
			log.Error("Service error", zap.Error(err))
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := monitor.Stop(stopCtx); err != nil {
		log.Error("Failed to stop monitor service", zap.Error(err))
	}

	log.Info("Monitor service stopped")
	return code
}
