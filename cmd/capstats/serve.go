package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"CapStatsServer/internal/httpserver"
	"CapStatsServer/internal/logger"
)

// shutdownTimeout 优雅关闭的最长等待时间
const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动HTTP服务",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := manager.Get()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logs := logger.InitGlobalLogger()
	defer logs.Close()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Printf("⚠️ 关闭资源失败: %v", err)
		}
	}()

	manager.OnChange(a.applyConfig)

	if err := a.sweeper.Start(); err != nil {
		return err
	}
	defer a.sweeper.Stop()

	uploadDir, uploadPrefix := a.uploadRoute()
	server := httpserver.NewAPIServer(httpserver.Options{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		CORSOrigins:  cfg.Server.CORSOrigins,
	}, httpserver.Deps{
		Tracker:         a.tracker,
		Board:           a.board,
		Auth:            a.gateway,
		UploadDir:       uploadDir,
		UploadURLPrefix: uploadPrefix,
		Logs:            logs,
		Health:          a.health,
	})

	fmt.Println("🚀 CapStats 服务启动")
	fmt.Printf("📡 监听地址: %s\n", cfg.Server.Addr)
	fmt.Printf("💾 统计存储: %s (%s)\n", cfg.Storage.Driver, cfg.Storage.DataDir)
	fmt.Printf("🪞 镜像: %s\n", a.mirror.Name())
	if used := manager.ConfigFileUsed(); used != "" {
		fmt.Printf("📄 配置文件: %s\n", used)
	}
	fmt.Println("按 Ctrl+C 停止服务器")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		fmt.Println("\n🛑 正在关闭服务器...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("服务器异常退出: %w", err)
	}
	fmt.Println("✅ 服务器已关闭")
	return nil
}
