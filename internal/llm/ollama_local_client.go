package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// Ollama本地模型客户端实现
// =============================================================================

// OllamaLocalClient Ollama本地模型适配器
type OllamaLocalClient struct {
	*BaseAdapter
	baseURL   string
	modelName string
}

// OllamaRequest Ollama请求格式
type OllamaRequest struct {
	Model     string                 `json:"model"`
	Prompt    string                 `json:"prompt"`
	System    string                 `json:"system,omitempty"`
	Stream    bool                   `json:"stream"`
	Format    string                 `json:"format,omitempty"`
	KeepAlive string                 `json:"keep_alive,omitempty"`
	Options   map[string]interface{} `json:"options,omitempty"`
}

// OllamaResponse Ollama响应格式
type OllamaResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	TotalDuration   int64  `json:"total_duration"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	EvalDuration    int64  `json:"eval_duration"`
}

// OllamaErrorResponse Ollama错误响应
type OllamaErrorResponse struct {
	Error string `json:"error"`
}

// NewOllamaLocalClient 创建Ollama本地客户端
func NewOllamaLocalClient(config *LLMConfig) (LLMClient, error) {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(ProviderOllamaLocal)
	}
	modelName := config.Model
	if modelName == "" {
		modelName = defaultModel(ProviderOllamaLocal)
	}

	return &OllamaLocalClient{
		BaseAdapter: NewBaseAdapter(ProviderOllamaLocal, config),
		baseURL:     strings.TrimRight(baseURL, "/"),
		modelName:   modelName,
	}, nil
}

// Complete 完成对话
func (oc *OllamaLocalClient) Complete(ctx context.Context, req *LLMRequest) (*LLMResponse, error) {
	startTime := time.Now()
	ollamaReq := oc.convertToOllamaFormat(req)

	var resp *OllamaResponse
	attempts, err := oc.Execute(ctx, func(ctx context.Context) error {
		r, err := oc.sendRequest(ctx, ollamaReq)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	logrus.WithContext(ctx).Debugf("[Ollama] %s 完成，eval_count=%d", resp.Model, resp.EvalCount)
	return &LLMResponse{
		Content:    resp.Response,
		TokensUsed: resp.PromptEvalCount + resp.EvalCount,
		Model:      resp.Model,
		Provider:   ProviderOllamaLocal,
		Duration:   time.Since(startTime),
		Attempts:   attempts,
		Metadata: map[string]interface{}{
			"total_duration":    resp.TotalDuration,
			"tokens_per_second": calculateTokensPerSecond(resp.EvalCount, resp.EvalDuration),
		},
	}, nil
}

// HealthCheck 健康检查
func (oc *OllamaLocalClient) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, oc.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create health check request failed: %w", err)
	}

	httpResp, err := oc.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama service not available: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama service unhealthy: HTTP %d", httpResp.StatusCode)
	}
	return nil
}

// GetModel 获取模型名称
func (oc *OllamaLocalClient) GetModel() string {
	return oc.modelName
}

// convertToOllamaFormat 转换为Ollama格式
func (oc *OllamaLocalClient) convertToOllamaFormat(req *LLMRequest) *OllamaRequest {
	options := map[string]interface{}{
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}

	modelName := oc.modelName
	if req.Model != "" {
		modelName = req.Model
	}

	out := &OllamaRequest{
		Model:   modelName,
		Prompt:  req.Prompt,
		System:  req.SystemPrompt,
		Stream:  false,
		Options: options,
	}
	if req.Format == "json" {
		out.Format = "json"
	}
	return out
}

// calculateTokensPerSecond 计算每秒token数
func calculateTokensPerSecond(evalCount int, evalDuration int64) float64 {
	if evalDuration == 0 {
		return 0
	}
	return float64(evalCount) / (float64(evalDuration) / 1e9)
}

// sendRequest 发送HTTP请求到Ollama
func (oc *OllamaLocalClient) sendRequest(ctx context.Context, req *OllamaRequest) (*OllamaResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request failed: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, oc.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := oc.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &LLMError{Provider: ProviderOllamaLocal, Code: "NETWORK_ERROR", Message: err.Error(), Retryable: true}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response failed: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		msg := string(respBody)
		var errorResp OllamaErrorResponse
		if err := json.Unmarshal(respBody, &errorResp); err == nil && errorResp.Error != "" {
			msg = errorResp.Error
		}
		return nil, classifyStatus(ProviderOllamaLocal, httpResp.StatusCode, "OLLAMA_ERROR", msg)
	}

	var resp OllamaResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response failed: %w", err)
	}
	return &resp, nil
}
