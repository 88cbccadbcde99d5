package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"position-relay/internal/container"
)

// 发布本地仓位：为配置中的每个 publisher 在对应端口上运行中继服务端。
func main() {
	cfgPath := flag.String("config", "configs/primary.yaml", "配置文件路径")
	envFile := flag.String("env", "", ".env 文件路径，留空则读取当前目录的 .env")
	flag.Parse()

	c, err := container.New(*cfgPath, *envFile, container.RolePrimary)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := c.Build(); err != nil {
		log.Fatalf("初始化失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		log.Fatalf("启动失败: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	cancel()
	if err := c.Stop(); err != nil {
		log.Printf("停止时出错: %v", err)
		os.Exit(1)
	}
}
