package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anush008/fastembed-go"
	"github.com/contextkeeper/taskrag/internal/config"
	"github.com/contextkeeper/taskrag/internal/utils"
	"github.com/tidwall/gjson"
)

// HTTPEmbedder OpenAI 兼容的 /embeddings 接口
type HTTPEmbedder struct {
	APIURL string
	APIKey string
	Model  string
	client *http.Client
}

// NewHTTPEmbedder 创建 HTTP 向量化客户端
func NewHTTPEmbedder(apiURL, apiKey, model string) *HTTPEmbedder {
	return &HTTPEmbedder{
		APIURL: apiURL,
		APIKey: apiKey,
		Model:  model,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Encode 生成文本向量
func (e *HTTPEmbedder) Encode(ctx context.Context, text string) ([]float32, error) {
	log := utils.Logger("向量服务").WithContext(ctx)
	log.Debugf("开始生成文本嵌入向量，文本长度: %d 字符", len(text))

	reqBody, err := json.Marshal(map[string]interface{}{
		"model":           e.Model,
		"input":           []string{text},
		"encoding_format": "float",
	})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.APIURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API返回错误状态码: %d, 响应: %s", resp.StatusCode, string(respBody))
	}

	raw := gjson.GetBytes(respBody, "data.0.embedding")
	if !raw.IsArray() {
		return nil, fmt.Errorf("未返回有效的嵌入向量")
	}
	vec := make([]float32, 0, 1536)
	raw.ForEach(func(_, v gjson.Result) bool {
		vec = append(vec, float32(v.Float()))
		return true
	})
	if len(vec) == 0 {
		return nil, fmt.Errorf("未返回有效的嵌入向量")
	}

	log.Debugf("成功生成向量，维度: %d", len(vec))
	return vec, nil
}

// FastEmbedModelConfig 本地模型配置
type FastEmbedModelConfig struct {
	ModelType fastembed.EmbeddingModel
	ModelName string
	MaxLength int
	Dimension int
	CacheDir  string
}

// fastEmbedModels 可选的本地模型
var fastEmbedModels = map[string]FastEmbedModelConfig{
	"bge-base-en": {
		ModelType: fastembed.BGEBaseEN,
		ModelName: "BAAI/bge-base-en-v1.5",
		MaxLength: 512,
		Dimension: 768,
	},
	"bge-small-en": {
		ModelType: fastembed.BGESmallEN,
		ModelName: "BAAI/bge-small-en-v1.5",
		MaxLength: 512,
		Dimension: 384,
	},
	"bge-small-zh": {
		ModelType: fastembed.BGESmallZH,
		ModelName: "BAAI/bge-small-zh-v1.5",
		MaxLength: 512,
		Dimension: 384,
	},
	"all-MiniLM-L6-v2": {
		ModelType: fastembed.AllMiniLML6V2,
		ModelName: "sentence-transformers/all-MiniLM-L6-v2",
		MaxLength: 256,
		Dimension: 384,
	},
}

// LookupFastEmbedModel 按名称查找本地模型配置
func LookupFastEmbedModel(name, cacheDir string) (FastEmbedModelConfig, error) {
	cfg, ok := fastEmbedModels[name]
	if !ok {
		names := make([]string, 0, len(fastEmbedModels))
		for n := range fastEmbedModels {
			names = append(names, n)
		}
		return FastEmbedModelConfig{}, fmt.Errorf("未知的FastEmbed模型 %q，可选: %s", name, strings.Join(names, ", "))
	}
	if cacheDir == "" {
		homeDir, _ := os.UserHomeDir()
		cacheDir = filepath.Join(homeDir, ".cache", "fastembed")
	}
	cfg.CacheDir = cacheDir
	return cfg, nil
}

// FastEmbedder 基于 fastembed-go 的本地向量化
type FastEmbedder struct {
	mu     sync.Mutex
	model  *fastembed.FlagEmbedding
	config FastEmbedModelConfig
}

// NewFastEmbedder 加载本地模型，首次运行会下载模型文件
func NewFastEmbedder(cfg FastEmbedModelConfig) (*FastEmbedder, error) {
	model, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:     cfg.ModelType,
		CacheDir:  cfg.CacheDir,
		MaxLength: cfg.MaxLength,
	})
	if err != nil {
		return nil, fmt.Errorf("加载FastEmbed模型 %s 失败: %w", cfg.ModelName, err)
	}
	utils.Logger("向量服务").Infof("FastEmbed模型已加载: %s (维度 %d)", cfg.ModelName, cfg.Dimension)
	return &FastEmbedder{model: model, config: cfg}, nil
}

// Encode 生成查询向量，onnx 会话不支持并发调用
func (f *FastEmbedder) Encode(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.model.QueryEmbed(text)
}

// Close 释放模型
func (f *FastEmbedder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.model.Destroy()
}

// LazyEncoder 首次使用时才构造底层模型
type LazyEncoder struct {
	inner *utils.Lazy[Encoder]
}

// NewLazyEncoder 包装构造函数
func NewLazyEncoder(build func() (Encoder, error)) *LazyEncoder {
	return &LazyEncoder{inner: utils.NewLazy(build)}
}

// Encode 构造失败时返回构造错误
func (l *LazyEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	enc, err := l.inner.Get()
	if err != nil {
		return nil, err
	}
	return enc.Encode(ctx, text)
}

// NewEncoderFromConfig 按配置选择向量化实现
func NewEncoderFromConfig(cfg *config.Config) *LazyEncoder {
	return NewLazyEncoder(func() (Encoder, error) {
		switch strings.ToLower(cfg.EmbeddingProvider) {
		case "fastembed":
			modelCfg, err := LookupFastEmbedModel(cfg.FastEmbedModel, cfg.FastEmbedCacheDir)
			if err != nil {
				return nil, err
			}
			return NewFastEmbedder(modelCfg)
		case "", "http":
			if cfg.EmbeddingAPIURL == "" {
				return nil, fmt.Errorf("未配置 EMBEDDING_API_URL")
			}
			return NewHTTPEmbedder(cfg.EmbeddingAPIURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel), nil
		default:
			return nil, fmt.Errorf("不支持的向量化服务: %s", cfg.EmbeddingProvider)
		}
	})
}
