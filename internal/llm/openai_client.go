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

	"github.com/tidwall/gjson"
)

// =============================================================================
// OpenAI兼容客户端实现（OpenAI / DeepSeek）
// =============================================================================

// OpenAIClient OpenAI兼容适配器
type OpenAIClient struct {
	*BaseAdapter
	apiKey  string
	baseURL string
	model   string
}

// OpenAIRequest OpenAI请求格式
type OpenAIRequest struct {
	Model          string            `json:"model"`
	Messages       []OpenAIMessage   `json:"messages"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

// OpenAIMessage OpenAI消息格式
type OpenAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewOpenAIClient 创建OpenAI客户端
func NewOpenAIClient(config *LLMConfig) (LLMClient, error) {
	return newOpenAICompatible(ProviderOpenAI, config)
}

// NewDeepSeekClient 创建DeepSeek客户端，接口与OpenAI一致
func NewDeepSeekClient(config *LLMConfig) (LLMClient, error) {
	return newOpenAICompatible(ProviderDeepSeek, config)
}

func newOpenAICompatible(provider LLMProvider, config *LLMConfig) (*OpenAIClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("%s API key is required", provider)
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(provider)
	}
	model := config.Model
	if model == "" {
		model = defaultModel(provider)
	}

	return &OpenAIClient{
		BaseAdapter: NewBaseAdapter(provider, config),
		apiKey:      config.APIKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
	}, nil
}

// Complete 完成对话
func (oc *OpenAIClient) Complete(ctx context.Context, req *LLMRequest) (*LLMResponse, error) {
	startTime := time.Now()
	body := oc.convertToOpenAIFormat(req)

	var resp *LLMResponse
	attempts, err := oc.Execute(ctx, func(ctx context.Context) error {
		r, err := oc.sendRequest(ctx, body)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	resp.Duration = time.Since(startTime)
	resp.Attempts = attempts
	return resp, nil
}

// HealthCheck 健康检查
func (oc *OpenAIClient) HealthCheck(ctx context.Context) error {
	_, err := oc.Complete(ctx, &LLMRequest{Prompt: "Hello", MaxTokens: 1})
	return err
}

// GetModel 获取模型名称
func (oc *OpenAIClient) GetModel() string {
	return oc.model
}

// convertToOpenAIFormat 转换为OpenAI格式
func (oc *OpenAIClient) convertToOpenAIFormat(req *LLMRequest) *OpenAIRequest {
	messages := make([]OpenAIMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, OpenAIMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, OpenAIMessage{Role: "user", Content: req.Prompt})

	model := req.Model
	if model == "" {
		model = oc.model
	}

	out := &OpenAIRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.Format == "json" {
		out.ResponseFormat = map[string]string{"type": "json_object"}
	}
	return out
}

// sendRequest 发送HTTP请求
func (oc *OpenAIClient) sendRequest(ctx context.Context, req *OpenAIRequest) (*LLMResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request failed: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, oc.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+oc.apiKey)

	httpResp, err := oc.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &LLMError{Provider: oc.provider, Code: "NETWORK_ERROR", Message: err.Error(), Retryable: true}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response failed: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		parsed := gjson.ParseBytes(respBody)
		msg := parsed.Get("error.message").String()
		if msg == "" {
			msg = string(respBody)
		}
		return nil, classifyStatus(oc.provider, httpResp.StatusCode, parsed.Get("error.code").String(), msg)
	}

	if !gjson.ValidBytes(respBody) {
		return nil, &LLMError{Provider: oc.provider, Code: "INVALID_RESPONSE", Message: "响应不是合法JSON"}
	}
	parsed := gjson.ParseBytes(respBody)
	content := parsed.Get("choices.0.message.content")
	if !content.Exists() {
		return nil, &LLMError{Provider: oc.provider, Code: "EMPTY_CHOICES", Message: "响应中没有choices"}
	}

	return &LLMResponse{
		Content:    content.String(),
		TokensUsed: int(parsed.Get("usage.total_tokens").Int()),
		Model:      parsed.Get("model").String(),
		Provider:   oc.provider,
		Metadata: map[string]interface{}{
			"id":            parsed.Get("id").String(),
			"finish_reason": parsed.Get("choices.0.finish_reason").String(),
		},
	}, nil
}

// defaultModel 默认模型名称
func defaultModel(provider LLMProvider) string {
	switch provider {
	case ProviderOpenAI:
		return "gpt-4o-mini"
	case ProviderDeepSeek:
		return "deepseek-chat"
	case ProviderOllamaLocal:
		return "llama3.1:8b"
	default:
		return ""
	}
}

// defaultBaseURL 默认基础URL
func defaultBaseURL(provider LLMProvider) string {
	switch provider {
	case ProviderOpenAI:
		return "https://api.openai.com/v1"
	case ProviderDeepSeek:
		return "https://api.deepseek.com/v1"
	case ProviderOllamaLocal:
		return "http://localhost:11434"
	default:
		return ""
	}
}
