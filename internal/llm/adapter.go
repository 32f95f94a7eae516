package llm

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// =============================================================================
// 适配器模式 - 统一不同LLM API的差异
// =============================================================================

// BaseAdapter 基础适配器：限流、熔断、重试
type BaseAdapter struct {
	provider       LLMProvider
	config         *LLMConfig
	httpClient     *http.Client
	rateLimiter    *rate.Limiter
	circuitBreaker *CircuitBreaker
	sleep          func(ctx context.Context, d time.Duration) error
}

// NewBaseAdapter 创建基础适配器
func NewBaseAdapter(provider LLMProvider, config *LLMConfig) *BaseAdapter {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	// requests per minute -> requests per second
	limit := rate.Inf
	burst := 1
	if config.RateLimit > 0 {
		limit = rate.Limit(float64(config.RateLimit) / 60.0)
		burst = config.RateLimit
	}

	return &BaseAdapter{
		provider:    provider,
		config:      config,
		httpClient:  httpClient,
		rateLimiter: rate.NewLimiter(limit, burst),
		circuitBreaker: NewCircuitBreaker(&CircuitBreakerConfig{
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
		}),
		sleep: sleepContext,
	}
}

// GetProvider 获取提供商
func (ba *BaseAdapter) GetProvider() LLMProvider {
	return ba.provider
}

// CheckRateLimit 检查限流
func (ba *BaseAdapter) CheckRateLimit(ctx context.Context) error {
	if err := ba.rateLimiter.Wait(ctx); err != nil {
		return &LLMError{
			Provider:  ba.provider,
			Code:      "RATE_LIMIT_EXCEEDED",
			Message:   "请求频率超限",
			Retryable: true,
		}
	}
	return nil
}

// CheckCircuitBreaker 检查熔断器
func (ba *BaseAdapter) CheckCircuitBreaker() error {
	if !ba.circuitBreaker.AllowRequest() {
		return &LLMError{
			Provider: ba.provider,
			Code:     "CIRCUIT_BREAKER_OPEN",
			Message:  "熔断器开启，拒绝请求",
		}
	}
	return nil
}

// Execute 执行一次调用，可重试错误按指数退避+全抖动重试，最多 MaxRetries 次
func (ba *BaseAdapter) Execute(ctx context.Context, call func(ctx context.Context) error) (int, error) {
	maxRetries := ba.config.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := ba.backoff(attempt)
			logrus.WithContext(ctx).Warnf("[LLM] %s 第%d次重试，等待 %v: %v", ba.provider, attempt, delay, lastErr)
			if err := ba.sleep(ctx, delay); err != nil {
				return attempt, err
			}
		}

		if err := ba.CheckRateLimit(ctx); err != nil {
			return attempt + 1, err
		}
		if err := ba.CheckCircuitBreaker(); err != nil {
			return attempt + 1, err
		}

		lastErr = call(ctx)
		if lastErr == nil {
			ba.circuitBreaker.RecordSuccess()
			return attempt + 1, nil
		}
		ba.circuitBreaker.RecordFailure()

		if !IsRetryable(lastErr) {
			return attempt + 1, lastErr
		}
	}
	return maxRetries + 1, fmt.Errorf("%s 重试%d次后仍失败: %w", ba.provider, maxRetries, lastErr)
}

// backoff 全抖动：在 [0, min(maxDelay, base*2^attempt)) 内随机
func (ba *BaseAdapter) backoff(attempt int) time.Duration {
	base := ba.config.RetryBaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxDelay := ba.config.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = 20 * time.Second
	}
	ceiling := base << uint(attempt)
	if ceiling <= 0 || ceiling > maxDelay {
		ceiling = maxDelay
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Close 关闭适配器
func (ba *BaseAdapter) Close() error {
	ba.httpClient.CloseIdleConnections()
	return nil
}

// classifyStatus 根据HTTP状态码构造错误
func classifyStatus(provider LLMProvider, status int, code, message string) *LLMError {
	if code == "" {
		code = fmt.Sprintf("HTTP_%d", status)
	}
	return &LLMError{
		Provider:   provider,
		Code:       code,
		Message:    fmt.Sprintf("HTTP %d: %s", status, message),
		StatusCode: status,
		Retryable:  status == http.StatusTooManyRequests || status >= 500,
	}
}

// =============================================================================
// 熔断器实现
// =============================================================================

// CircuitBreakerState 熔断器状态
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	MaxFailures  int           `json:"max_failures"`
	ResetTimeout time.Duration `json:"reset_timeout"`
}

// CircuitBreaker 熔断器
type CircuitBreaker struct {
	config       *CircuitBreakerConfig
	state        CircuitBreakerState
	failures     int
	lastFailTime time.Time
	mutex        sync.Mutex
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
	}
}

// AllowRequest 是否允许请求
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(cb.lastFailTime) > cb.config.ResetTimeout {
			cb.state = StateHalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess 记录成功
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures = 0
	cb.state = StateClosed
}

// RecordFailure 记录失败
func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures++
	cb.lastFailTime = time.Now()

	if cb.failures >= cb.config.MaxFailures {
		cb.state = StateOpen
	}
}

// GetState 获取状态
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}
