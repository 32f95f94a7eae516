package llm

import (
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// 工厂模式实现 - 创建不同的LLM客户端
// =============================================================================

// LLMFactory LLM客户端工厂
type LLMFactory struct {
	configs  map[LLMProvider]*LLMConfig
	cache    map[LLMProvider]LLMClient
	creators map[LLMProvider]ClientCreator
	mutex    sync.RWMutex
}

// ClientCreator 客户端创建函数类型
type ClientCreator func(config *LLMConfig) (LLMClient, error)

// NewLLMFactory 创建LLM工厂
func NewLLMFactory() *LLMFactory {
	factory := &LLMFactory{
		configs:  make(map[LLMProvider]*LLMConfig),
		cache:    make(map[LLMProvider]LLMClient),
		creators: make(map[LLMProvider]ClientCreator),
	}
	factory.creators[ProviderOpenAI] = NewOpenAIClient
	factory.creators[ProviderDeepSeek] = NewDeepSeekClient
	factory.creators[ProviderOllamaLocal] = NewOllamaLocalClient
	return factory
}

// RegisterProvider 注册新的LLM提供商
func (f *LLMFactory) RegisterProvider(provider LLMProvider, creator ClientCreator) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.creators[provider] = creator
}

// SetConfig 设置提供商配置，已缓存的客户端会被关闭重建
func (f *LLMFactory) SetConfig(provider LLMProvider, config *LLMConfig) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.configs[provider] = config
	if client, exists := f.cache[provider]; exists {
		client.Close()
		delete(f.cache, provider)
	}
}

// CreateClient 创建LLM客户端
func (f *LLMFactory) CreateClient(provider LLMProvider) (LLMClient, error) {
	f.mutex.RLock()
	if client, exists := f.cache[provider]; exists {
		f.mutex.RUnlock()
		return client, nil
	}
	f.mutex.RUnlock()

	f.mutex.Lock()
	defer f.mutex.Unlock()

	// 双重检查锁定
	if client, exists := f.cache[provider]; exists {
		return client, nil
	}

	config, exists := f.configs[provider]
	if !exists {
		return nil, &LLMError{
			Provider: provider,
			Code:     "CONFIG_NOT_FOUND",
			Message:  fmt.Sprintf("未配置的LLM提供商: %s", provider),
		}
	}

	creator, exists := f.creators[provider]
	if !exists {
		return nil, &LLMError{
			Provider: provider,
			Code:     "CREATOR_NOT_FOUND",
			Message:  fmt.Sprintf("不支持的LLM提供商: %s", provider),
		}
	}

	client, err := creator(config)
	if err != nil {
		return nil, &LLMError{
			Provider: provider,
			Code:     "CLIENT_CREATION_FAILED",
			Message:  fmt.Sprintf("创建LLM客户端失败: %v", err),
		}
	}

	f.cache[provider] = client
	return client, nil
}

// Close 关闭所有客户端
func (f *LLMFactory) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	var lastErr error
	for provider, client := range f.cache {
		if err := client.Close(); err != nil {
			lastErr = err
		}
		delete(f.cache, provider)
	}
	return lastErr
}

// =============================================================================
// 配置构建器
// =============================================================================

// ConfigBuilder 配置构建器
type ConfigBuilder struct {
	config *LLMConfig
}

// NewConfigBuilder 创建配置构建器
func NewConfigBuilder(provider LLMProvider) *ConfigBuilder {
	return &ConfigBuilder{
		config: &LLMConfig{
			Provider:   provider,
			BaseURL:    defaultBaseURL(provider),
			Model:      defaultModel(provider),
			MaxRetries: 3,
			Timeout:    60 * time.Second,
			RateLimit:  60,
		},
	}
}

// WithAPIKey 设置API密钥
func (cb *ConfigBuilder) WithAPIKey(apiKey string) *ConfigBuilder {
	cb.config.APIKey = apiKey
	return cb
}

// WithBaseURL 设置基础URL，为空时保留默认值
func (cb *ConfigBuilder) WithBaseURL(baseURL string) *ConfigBuilder {
	if baseURL != "" {
		cb.config.BaseURL = baseURL
	}
	return cb
}

// WithModel 设置模型，为空时保留默认值
func (cb *ConfigBuilder) WithModel(model string) *ConfigBuilder {
	if model != "" {
		cb.config.Model = model
	}
	return cb
}

// WithTimeout 设置超时
func (cb *ConfigBuilder) WithTimeout(timeout time.Duration) *ConfigBuilder {
	cb.config.Timeout = timeout
	return cb
}

// WithMaxRetries 设置最大重试次数
func (cb *ConfigBuilder) WithMaxRetries(maxRetries int) *ConfigBuilder {
	cb.config.MaxRetries = maxRetries
	return cb
}

// WithRateLimit 设置限流
func (cb *ConfigBuilder) WithRateLimit(rateLimit int) *ConfigBuilder {
	cb.config.RateLimit = rateLimit
	return cb
}

// WithRetryDelays 设置退避基数和上限
func (cb *ConfigBuilder) WithRetryDelays(base, max time.Duration) *ConfigBuilder {
	cb.config.RetryBaseDelay = base
	cb.config.RetryMaxDelay = max
	return cb
}

// Build 构建配置
func (cb *ConfigBuilder) Build() (*LLMConfig, error) {
	if cb.config.Provider == "" {
		return nil, &LLMError{Code: "INVALID_CONFIG", Message: "Provider is required"}
	}
	if cb.config.APIKey == "" && cb.config.Provider != ProviderOllamaLocal {
		return nil, &LLMError{Provider: cb.config.Provider, Code: "INVALID_CONFIG", Message: "API key is required"}
	}
	if cb.config.Timeout <= 0 {
		cb.config.Timeout = 60 * time.Second
	}
	if cb.config.MaxRetries < 0 {
		cb.config.MaxRetries = 0
	}
	return cb.config, nil
}
