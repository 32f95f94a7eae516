package utils

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TraceID 键名
const TraceIDKey = "traceId"

type traceIDCtxKey struct{}

// GenerateTraceID 生成TraceID
func GenerateTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// WithTraceID 将TraceID添加到标准context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDCtxKey{}, traceID)
}

// TraceIDFromContext 从标准context获取TraceID
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if traceID, ok := ctx.Value(traceIDCtxKey{}).(string); ok {
		return traceID
	}
	return ""
}

// EnsureTraceID context 中没有TraceID时补一个
func EnsureTraceID(ctx context.Context) context.Context {
	if TraceIDFromContext(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, GenerateTraceID())
}

// TraceIDHook logrus 钩子，从 entry 的 context 中取出TraceID
type TraceIDHook struct{}

// Levels 返回适用的日志级别
func (hook *TraceIDHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire 在每次日志记录时触发
func (hook *TraceIDHook) Fire(entry *logrus.Entry) error {
	if traceID := TraceIDFromContext(entry.Context); traceID != "" {
		entry.Data[TraceIDKey] = traceID
	}
	return nil
}

// InitLogging 初始化logrus
func InitLogging(level string) {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006/01/02 15:04:05",
		DisableColors:   true,
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			return "", fmt.Sprintf("%s:%d", shortFile(f.File), f.Line)
		},
	})
	logrus.SetReportCaller(true)
	logrus.AddHook(&TraceIDHook{})
	logrus.SetOutput(os.Stderr)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	logrus.Infof("日志系统初始化完成，级别: %s", lvl)
}

// Logger 组件日志
func Logger(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}

func shortFile(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		if idx2 := strings.LastIndex(path[:idx], "/"); idx2 >= 0 {
			return path[idx2+1:]
		}
	}
	return path
}

// TraceIDMiddleware Gin中间件：TraceID处理
func TraceIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Trace-ID")
		if traceID == "" {
			traceID = GenerateTraceID()
		}

		c.Set(TraceIDKey, traceID)
		c.Request = c.Request.WithContext(WithTraceID(c.Request.Context(), traceID))
		c.Header("X-Trace-ID", traceID)

		c.Next()
	}
}

// GetTraceIDFromGin 从Gin上下文获取TraceID
func GetTraceIDFromGin(c *gin.Context) string {
	if traceID, exists := c.Get(TraceIDKey); exists {
		if s, ok := traceID.(string); ok {
			return s
		}
	}
	return ""
}
