package llm

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// 核心类型定义
// =============================================================================

// LLMProvider LLM提供商类型
type LLMProvider string

const (
	ProviderOpenAI      LLMProvider = "openai"
	ProviderDeepSeek    LLMProvider = "deepseek"
	ProviderOllamaLocal LLMProvider = "ollama_local"
)

// LLMRequest 统一的LLM请求结构
type LLMRequest struct {
	Prompt       string                 `json:"prompt"`
	SystemPrompt string                 `json:"system_prompt,omitempty"`
	MaxTokens    int                    `json:"max_tokens"`
	Temperature  float64                `json:"temperature"`
	Format       string                 `json:"format,omitempty"` // "json", "text"
	Model        string                 `json:"model,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// LLMResponse 统一的LLM响应结构
type LLMResponse struct {
	Content    string                 `json:"content"`
	TokensUsed int                    `json:"tokens_used"`
	Model      string                 `json:"model"`
	Provider   LLMProvider            `json:"provider"`
	Duration   time.Duration          `json:"duration"`
	Attempts   int                    `json:"attempts"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// LLMConfig LLM配置
type LLMConfig struct {
	Provider       LLMProvider   `json:"provider"`
	APIKey         string        `json:"api_key"`
	BaseURL        string        `json:"base_url"`
	Model          string        `json:"model"`
	MaxRetries     int           `json:"max_retries"`
	Timeout        time.Duration `json:"timeout"`
	RateLimit      int           `json:"rate_limit"` // requests per minute
	RetryBaseDelay time.Duration `json:"retry_base_delay"`
	RetryMaxDelay  time.Duration `json:"retry_max_delay"`
}

// LLMError LLM错误类型
type LLMError struct {
	Provider   LLMProvider `json:"provider"`
	Code       string      `json:"code"`
	Message    string      `json:"message"`
	StatusCode int         `json:"status_code,omitempty"`
	Retryable  bool        `json:"retryable"`
}

func (e *LLMError) Error() string {
	return e.Message
}

// IsRetryable 判断错误是否值得重试（限流、5xx、网络错误）
func IsRetryable(err error) bool {
	var llmErr *LLMError
	if errors.As(err, &llmErr) {
		return llmErr.Retryable
	}
	return false
}

// LLMClient 核心LLM客户端接口
type LLMClient interface {
	// 单次完成，内部已包含限流、熔断和重试
	Complete(ctx context.Context, req *LLMRequest) (*LLMResponse, error)

	// 健康检查
	HealthCheck(ctx context.Context) error

	// 获取提供商信息
	GetProvider() LLMProvider

	// 获取模型名称
	GetModel() string

	// 关闭客户端
	Close() error
}
