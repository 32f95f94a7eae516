package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/contextkeeper/taskrag/internal/models"
	"github.com/contextkeeper/taskrag/internal/services"
	"github.com/contextkeeper/taskrag/internal/utils"
)

// MCP 服务名称与版本
const (
	MCPServerName    = "taskrag"
	MCPServerVersion = "1.0.0"
)

// MCPTools 问答服务的 MCP 工具集
type MCPTools struct {
	answers *services.AnswerService
}

// NewMCPTools 创建工具集
func NewMCPTools(answers *services.AnswerService) *MCPTools {
	return &MCPTools{answers: answers}
}

// NewMCPServer 创建并注册全部工具
func NewMCPServer(answers *services.AnswerService, debug bool) *server.MCPServer {
	opts := []server.ServerOption{server.WithToolCapabilities(false)}
	if debug {
		opts = append(opts, server.WithLogging())
	}
	s := server.NewMCPServer(MCPServerName, MCPServerVersion, opts...)
	NewMCPTools(answers).Register(s)
	return s
}

// MountMCP 以 Streamable HTTP 方式挂载到 /mcp
func MountMCP(router *gin.Engine, s *server.MCPServer) {
	router.Any("/mcp", gin.WrapH(server.NewStreamableHTTPServer(s)))
}

// Register 注册工具
func (t *MCPTools) Register(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("ask_tasks",
		mcp.WithDescription("Responde preguntas en español sobre las tareas del proyecto: conteos exactos, existencia, información de tareas y búsqueda semántica."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Pregunta en lenguaje natural, por ejemplo: ¿cuántas tareas hay en el sprint 3?"),
		),
	), t.handleAsk)

	s.AddTool(mcp.NewTool("sprint_metrics",
		mcp.WithDescription("Métricas de un sprint: total, completadas, en progreso, bloqueadas y porcentaje completado."),
		mcp.WithString("sprint",
			mcp.Description("Sprint, por ejemplo \"Sprint 3\" o \"3\". Vacío para el sprint actual."),
		),
	), t.handleMetrics)

	s.AddTool(mcp.NewTool("compare_sprints",
		mcp.WithDescription("Compara las métricas de varios sprints."),
		mcp.WithString("sprints",
			mcp.Required(),
			mcp.Description("Lista de sprints separados por comas, por ejemplo \"2,3\"."),
		),
	), t.handleCompare)

	s.AddTool(mcp.NewTool("sprint_report",
		mcp.WithDescription("Genera el informe de un sprint en markdown o HTML."),
		mcp.WithString("sprint",
			mcp.Description("Sprint del informe. Vacío para el sprint actual."),
		),
		mcp.WithString("format",
			mcp.Description("Formato: md (por defecto) o html."),
		),
	), t.handleReport)
}

func logToolCall(ctx context.Context, name string, start time.Time, err error) {
	log := utils.Logger("MCP").WithContext(ctx)
	if err != nil {
		log.Errorf("工具 %s 失败 (耗时 %v): %v", name, time.Since(start), err)
		return
	}
	log.Infof("工具 %s 完成 (耗时 %v)", name, time.Since(start))
}

func (t *MCPTools) handleAsk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	ctx = utils.EnsureTraceID(ctx)

	query := strings.TrimSpace(req.GetString("query", ""))
	if query == "" {
		return mcp.NewToolResultError("'query' is required"), nil
	}
	ans := t.answers.Ask(ctx, query)
	logToolCall(ctx, "ask_tasks", start, nil)

	text := ans.Text
	if ans.Debug != "" {
		text += "\n\n" + ans.Debug
	}
	return mcp.NewToolResultText(text), nil
}

func (t *MCPTools) handleMetrics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	ctx = utils.EnsureTraceID(ctx)

	sprint := req.GetString("sprint", "")
	if strings.TrimSpace(sprint) == "" {
		current, err := t.answers.CurrentSprint(ctx)
		if err != nil {
			logToolCall(ctx, "sprint_metrics", start, err)
			return toolError(err), nil
		}
		sprint = current
	}

	m, err := t.answers.Metrics(ctx, sprint)
	logToolCall(ctx, "sprint_metrics", start, err)
	if err != nil {
		return toolError(err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d tareas\n", m.Sprint, m.Total)
	fmt.Fprintf(&b, "- Completadas: %d (%.1f%%)\n", m.Done, m.CompletionPct)
	fmt.Fprintf(&b, "- En progreso: %d\n- Pendientes: %d\n- En QA: %d\n- En revisión: %d\n", m.InProgress, m.Todo, m.QA, m.Review)
	fmt.Fprintf(&b, "- Bloqueadas: %d\n- Alta prioridad: %d", m.Blocked, m.HighPriority)
	return mcp.NewToolResultText(b.String()), nil
}

func (t *MCPTools) handleCompare(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	ctx = utils.EnsureTraceID(ctx)

	var sprints []string
	for _, s := range strings.Split(req.GetString("sprints", ""), ",") {
		if s = strings.TrimSpace(s); s != "" {
			sprints = append(sprints, s)
		}
	}
	if len(sprints) < 2 {
		return mcp.NewToolResultError("'sprints' needs at least two sprints, e.g. \"2,3\""), nil
	}
	out := t.answers.Compare(ctx, sprints)
	logToolCall(ctx, "compare_sprints", start, nil)
	return mcp.NewToolResultText(out), nil
}

func (t *MCPTools) handleReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	ctx = utils.EnsureTraceID(ctx)

	report, err := t.answers.Report(ctx, req.GetString("sprint", ""), req.GetString("format", "md"))
	logToolCall(ctx, "sprint_report", start, err)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(report), nil
}

func toolError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, models.ErrNoTasksInScope):
		return mcp.NewToolResultError(err.Error())
	case errors.Is(err, models.ErrStoreUnavailable):
		return mcp.NewToolResultError(services.StoreErrorMessage)
	default:
		return mcp.NewToolResultError(services.GenericErrorMessage)
	}
}
