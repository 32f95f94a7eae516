//go:build !stdio

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/contextkeeper/taskrag/internal/api"
	"github.com/contextkeeper/taskrag/internal/utils"
)

func main() {
	app, err := initializeServices(context.Background())
	if err != nil {
		logrus.Fatalf("初始化失败: %v", err)
	}
	defer app.Close()
	log := utils.Logger("HTTP")
	cfg := app.cfg

	if cfg.GinMode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(utils.TraceIDMiddleware())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Accept", "Mcp-Session-Id", "X-Trace-ID"}
	corsConfig.ExposeHeaders = []string{"Content-Length", "Mcp-Session-Id", "X-Trace-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	handler := api.NewHandler(app.answers, app.store, app.cache, cfg)
	handler.RegisterRoutes(router)
	api.MountMCP(router, api.NewMCPServer(app.answers, cfg.Debug))

	addr := fmt.Sprintf(":%s", cfg.HTTPServerPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  2 * time.Minute, // LLM 合成可能较慢
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  5 * time.Minute,
	}

	// 优雅关闭处理
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Info("正在关闭服务器...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("服务器关闭时出错: %v", err)
		}
	}()

	log.Infof("服务启动在 %s", addr)
	log.Infof("问答接口: POST http://localhost%s/api/ask", addr)
	log.Infof("聊天 WebSocket: ws://localhost%s/ws/chat", addr)
	log.Infof("MCP 端点: http://localhost%s/mcp", addr)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP服务器启动失败: %v", err)
	}
	log.Info("服务器已关闭")
}
