package retrieval

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/contextkeeper/taskrag/internal/models"
	"github.com/contextkeeper/taskrag/internal/utils"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheCapacity 默认缓存条数
const DefaultCacheCapacity = 100

// Encoder 文本向量化模型
type Encoder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingCache 查询向量缓存，FIFO 淘汰
// 读在读锁下进行，插入和淘汰在写锁下进行；同一个键的并发未命中只计算一次
type EmbeddingCache struct {
	encoder  Encoder
	capacity int

	mu      sync.RWMutex
	entries map[string][]float32
	order   []string

	flight singleflight.Group
}

// NewEmbeddingCache 创建向量缓存
func NewEmbeddingCache(encoder Encoder, capacity int) *EmbeddingCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &EmbeddingCache{
		encoder:  encoder,
		capacity: capacity,
		entries:  make(map[string][]float32, capacity),
		order:    make([]string, 0, capacity),
	}
}

// cacheKey 规范化文本的 blake3 摘要
func cacheKey(normalized string) string {
	sum := blake3.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// GetOrCompute 返回文本向量，未命中时调用模型并写入缓存
func (c *EmbeddingCache) GetOrCompute(ctx context.Context, text string) ([]float32, error) {
	normalized := models.NormalizeQuery(text)
	if normalized == "" {
		return nil, fmt.Errorf("%w: 空文本无法向量化", models.ErrInvalidQuery)
	}
	key := cacheKey(normalized)

	if vec, ok := c.lookup(key); ok {
		return vec, nil
	}

	v, err, shared := c.flight.Do(key, func() (interface{}, error) {
		// 等待期间可能已被其他请求写入
		if vec, ok := c.lookup(key); ok {
			return vec, nil
		}
		vec, err := c.encoder.Encode(ctx, normalized)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrEmbeddingFailure, err)
		}
		if len(vec) == 0 {
			return nil, fmt.Errorf("%w: 模型返回空向量", models.ErrEmbeddingFailure)
		}
		c.insert(key, vec)
		return vec, nil
	})
	if err != nil {
		utils.Logger("向量缓存").WithContext(ctx).Warnf("向量化失败: %v", err)
		return nil, err
	}
	if shared {
		utils.Logger("向量缓存").WithContext(ctx).Debugf("复用并发请求的向量结果")
	}
	return cloneVector(v.([]float32)), nil
}

func (c *EmbeddingCache) lookup(key string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vec, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return cloneVector(vec), true
}

func (c *EmbeddingCache) insert(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return
	}
	for len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = cloneVector(vec)
	c.order = append(c.order, key)
}

// Len 当前缓存条数
func (c *EmbeddingCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Contains 文本是否已缓存
func (c *EmbeddingCache) Contains(text string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[cacheKey(models.NormalizeQuery(text))]
	return ok
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
