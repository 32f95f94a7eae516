package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/contextkeeper/taskrag/internal/config"
	"github.com/contextkeeper/taskrag/internal/models"
	"github.com/contextkeeper/taskrag/internal/services"
	"github.com/contextkeeper/taskrag/internal/utils"
)

// StoreInfo 健康检查需要的存储信息
type StoreInfo interface {
	Capabilities() models.Capabilities
	Count(ctx context.Context) (int, error)
}

// CacheInfo 向量缓存大小
type CacheInfo interface {
	Len() int
}

// Handler API处理器
type Handler struct {
	answers   *services.AnswerService
	sessions  *services.ChatSessionManager
	store     StoreInfo
	cache     CacheInfo
	config    *config.Config
	startTime time.Time
}

// NewHandler 创建API处理器，cache 可以为 nil
func NewHandler(answers *services.AnswerService, store StoreInfo, cache CacheInfo, cfg *config.Config) *Handler {
	return &Handler{
		answers:   answers,
		sessions:  services.NewChatSessionManager(answers),
		store:     store,
		cache:     cache,
		config:    cfg,
		startTime: time.Now(),
	}
}

// Sessions 聊天会话管理器
func (h *Handler) Sessions() *services.ChatSessionManager {
	return h.sessions
}

// AskRequest 问答请求
type AskRequest struct {
	Query string `json:"query" binding:"required"`
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.handleHealth)

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/ask", h.handleAsk)
		apiGroup.GET("/metrics", h.handleMetrics)
		apiGroup.GET("/compare", h.handleCompare)
		apiGroup.GET("/report", h.handleReport)
	}

	router.GET("/ws/chat", h.HandleChat)
}

func (h *Handler) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	status := gin.H{
		"status":   "ok",
		"uptime":   time.Since(h.startTime).Round(time.Second).String(),
		"sessions": h.sessions.Count(),
	}
	if h.cache != nil {
		status["embedding_cache"] = h.cache.Len()
	}
	if h.store != nil {
		status["store"] = h.store.Capabilities().Backend
		count, err := h.store.Count(ctx)
		if err != nil {
			utils.Logger("API").WithContext(ctx).Warnf("统计任务数失败: %v", err)
			status["status"] = "degraded"
			status["error"] = err.Error()
		} else {
			status["tasks"] = count
		}
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) handleAsk(c *gin.Context) {
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体必须包含 query"})
		return
	}
	ans := h.answers.Ask(c.Request.Context(), req.Query)
	c.JSON(http.StatusOK, ans)
}

func (h *Handler) handleMetrics(c *gin.Context) {
	ctx := c.Request.Context()
	sprint := c.Query("sprint")
	if sprint == "" {
		current, err := h.answers.CurrentSprint(ctx)
		if err != nil {
			h.writeError(c, err)
			return
		}
		sprint = current
	}

	m, err := h.answers.Metrics(ctx, sprint)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handler) handleCompare(c *gin.Context) {
	var sprints []string
	for _, s := range strings.Split(c.Query("sprints"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			sprints = append(sprints, s)
		}
	}
	if len(sprints) < 2 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sprints 至少需要两个冲刺，例如 sprints=2,3"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"comparison": h.answers.Compare(c.Request.Context(), sprints)})
}

func (h *Handler) handleReport(c *gin.Context) {
	format := strings.ToLower(c.DefaultQuery("format", "md"))
	report, err := h.answers.Report(c.Request.Context(), c.Query("sprint"), format)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if format == "html" {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(report))
		return
	}
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(report))
}

// writeError 领域错误映射到 HTTP 状态码
func (h *Handler) writeError(c *gin.Context, err error) {
	utils.Logger("API").WithContext(c.Request.Context()).Errorf("%s %s 失败: %v", c.Request.Method, c.FullPath(), err)
	switch {
	case errors.Is(err, models.ErrNoTasksInScope):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrInvalidQuery):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": services.StoreErrorMessage})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": services.GenericErrorMessage})
	}
}
