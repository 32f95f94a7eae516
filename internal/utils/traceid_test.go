package utils

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func TestTraceIDContext(t *testing.T) {
	ctx := context.Background()
	if TraceIDFromContext(ctx) != "" {
		t.Fatal("空context不应有TraceID")
	}

	ctx = EnsureTraceID(ctx)
	id := TraceIDFromContext(ctx)
	if len(id) != 16 {
		t.Errorf("TraceID长度应为16，实际 %q", id)
	}
	if got := TraceIDFromContext(EnsureTraceID(ctx)); got != id {
		t.Errorf("EnsureTraceID 不应覆盖已有TraceID: %s != %s", got, id)
	}
}

func TestTraceIDHook(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	logger.AddHook(&TraceIDHook{})

	ctx := WithTraceID(context.Background(), "abc123")
	logger.WithContext(ctx).Info("hello")

	if !strings.Contains(buf.String(), "traceId=abc123") {
		t.Errorf("日志中缺少TraceID: %s", buf.String())
	}
}

func TestTraceIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TraceIDMiddleware())

	var seen string
	r.GET("/ping", func(c *gin.Context) {
		seen = TraceIDFromContext(c.Request.Context())
		c.String(http.StatusOK, GetTraceIDFromGin(c))
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Trace-ID", "fixed-trace")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if seen != "fixed-trace" {
		t.Errorf("请求context中的TraceID = %q", seen)
	}
	if w.Header().Get("X-Trace-ID") != "fixed-trace" {
		t.Errorf("响应头缺少TraceID")
	}
	if w.Body.String() != "fixed-trace" {
		t.Errorf("gin上下文中的TraceID = %q", w.Body.String())
	}
}
