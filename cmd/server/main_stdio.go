//go:build stdio

package main

import (
	"context"

	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/contextkeeper/taskrag/internal/api"
	"github.com/contextkeeper/taskrag/internal/utils"
)

func main() {
	// 日志输出到 stderr，stdout 留给 MCP 协议
	app, err := initializeServices(context.Background())
	if err != nil {
		logrus.Fatalf("初始化失败: %v", err)
	}
	defer app.Close()

	s := api.NewMCPServer(app.answers, app.cfg.Debug)

	utils.Logger("STDIO").Info("MCP 服务器已启动，等待连接...")
	if err := server.ServeStdio(s); err != nil {
		utils.Logger("STDIO").Fatalf("MCP服务器运行失败: %v", err)
	}
}
