package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config 应用配置
type Config struct {
	// 服务配置
	ServiceName    string
	HTTPServerPort string
	GinMode        string
	Debug          bool
	LogLevel       string

	// 任务存储配置
	TaskStoreType    string // 存储类型: memory, sqlite, vearch
	TaskSnapshotPath string // 入库产出的 JSONL 快照
	SQLitePath       string

	// Vearch 配置
	VearchURL      string
	VearchUsername string
	VearchPassword string
	VearchDatabase string
	VearchSpace    string

	// 向量化配置
	EmbeddingProvider  string // http, fastembed
	EmbeddingAPIURL    string
	EmbeddingAPIKey    string
	EmbeddingModel     string
	EmbeddingCacheSize int
	FastEmbedModel     string
	FastEmbedCacheDir  string

	// 重排序配置
	RerankProvider string // http, lexical
	RerankAPIURL   string
	RerankAPIKey   string
	RerankModel    string

	// LLM 配置
	LLMProvider   string
	LLMAPIKey     string
	LLMBaseURL    string
	LLMModel      string
	LLMMaxRetries int
	LLMTimeout    time.Duration
	LLMRateLimit  int // 每分钟请求数

	// 检索配置
	RetrievalTopK      int
	RetrievalOverFetch int

	// 领域配置
	CurrentSprint  string // 为空时取数据中最新的冲刺
	VocabularyPath string
}

// Load 从环境变量加载配置
func Load() *Config {
	envPaths := []string{
		"config/.env",
		".env",
	}

	loaded := false
	for _, path := range envPaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				log.Printf("成功加载.env文件: %s", path)
				loaded = true
				break
			}
		}
	}

	if !loaded {
		log.Printf("警告: 未找到.env文件，尝试使用系统环境变量")
	}

	return &Config{
		ServiceName:    getEnv("SERVICE_NAME", "taskrag"),
		HTTPServerPort: getEnv("HTTP_SERVER_PORT", "8088"),
		GinMode:        getEnv("GIN_MODE", "release"),
		Debug:          getEnvAsBool("DEBUG", false),
		LogLevel:       getEnv("LOG_LEVEL", "info"),

		TaskStoreType:    getEnv("TASK_STORE_TYPE", "memory"),
		TaskSnapshotPath: getEnv("TASK_SNAPSHOT_PATH", "data/tasks.jsonl"),
		SQLitePath:       getEnv("SQLITE_PATH", "data/tasks.db"),

		VearchURL:      getEnv("VEARCH_URL", ""),
		VearchUsername: getEnv("VEARCH_USERNAME", "root"),
		VearchPassword: getEnv("VEARCH_PASSWORD", ""),
		VearchDatabase: getEnv("VEARCH_DATABASE", "taskrag"),
		VearchSpace:    getEnv("VEARCH_SPACE", "tasks"),

		EmbeddingProvider:  getEnv("EMBEDDING_PROVIDER", "http"),
		EmbeddingAPIURL:    getEnv("EMBEDDING_API_URL", "https://api.openai.com/v1/embeddings"),
		EmbeddingAPIKey:    getEnv("EMBEDDING_API_KEY", ""),
		EmbeddingModel:     getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingCacheSize: getEnvAsInt("EMBEDDING_CACHE_SIZE", 100),
		FastEmbedModel:     getEnv("FASTEMBED_MODEL", "all-MiniLM-L6-v2"),
		FastEmbedCacheDir:  getEnv("FASTEMBED_CACHE_DIR", "local_cache"),

		RerankProvider: getEnv("RERANK_PROVIDER", "lexical"),
		RerankAPIURL:   getEnv("RERANK_API_URL", ""),
		RerankAPIKey:   getEnv("RERANK_API_KEY", ""),
		RerankModel:    getEnv("RERANK_MODEL", "BAAI/bge-reranker-base"),

		LLMProvider:   getEnv("LLM_PROVIDER", "openai"),
		LLMAPIKey:     getEnv("LLM_API_KEY", ""),
		LLMBaseURL:    getEnv("LLM_BASE_URL", ""),
		LLMModel:      getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMMaxRetries: getEnvAsInt("LLM_MAX_RETRIES", 3),
		LLMTimeout:    getEnvAsDuration("LLM_TIMEOUT", 60*time.Second),
		LLMRateLimit:  getEnvAsInt("LLM_RATE_LIMIT", 60),

		RetrievalTopK:      getEnvAsInt("RETRIEVAL_TOP_K", 5),
		RetrievalOverFetch: getEnvAsInt("RETRIEVAL_OVERFETCH", 4),

		CurrentSprint:  getEnv("CURRENT_SPRINT", ""),
		VocabularyPath: getEnv("VOCABULARY_PATH", "config/vocabulary.yaml"),
	}
}

// LLMEnabled 是否配置了可用的 LLM
func (c *Config) LLMEnabled() bool {
	return c.LLMAPIKey != "" || c.LLMProvider == "ollama_local"
}

// String 返回配置的字符串表示
func (c *Config) String() string {
	return fmt.Sprintf(
		"服务名称: %s, 端口: %s, 调试模式: %v, 存储: %s, 快照: %s, 向量化: %s(%s), "+
			"重排序: %s, LLM: %s/%s(key=%s), TopK: %d, 过采样倍数: %d, 当前冲刺: %q",
		c.ServiceName, c.HTTPServerPort, c.Debug, c.TaskStoreType, c.TaskSnapshotPath,
		c.EmbeddingProvider, maskString(c.EmbeddingAPIKey),
		c.RerankProvider, c.LLMProvider, c.LLMModel, maskString(c.LLMAPIKey),
		c.RetrievalTopK, c.RetrievalOverFetch, c.CurrentSprint,
	)
}

// 从环境变量获取字符串值
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// 从环境变量获取整数值
func getEnvAsInt(key string, defaultValue int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return defaultValue
}

// 从环境变量获取布尔值
func getEnvAsBool(key string, defaultValue bool) bool {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseBool(strValue); err == nil {
		return value
	}
	return defaultValue
}

// 从环境变量获取时间值
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return defaultValue
}

// 掩码字符串，用于日志输出安全
func maskString(input string) string {
	if len(input) <= 8 {
		return "***"
	}
	return input[:4] + "..." + input[len(input)-4:]
}
