package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/contextkeeper/taskrag/internal/models"
	"github.com/contextkeeper/taskrag/internal/utils"
	"github.com/contextkeeper/taskrag/pkg/vectorstore"
)

// DefaultOverFetchFactor 存在残余条件时的过采样倍数
const DefaultOverFetchFactor = 4

// Searcher 检索依赖的存储能力
type Searcher interface {
	Search(ctx context.Context, vector []float32, topK int, filter *models.FilterPredicate) ([]models.CandidateResult, error)
	Capabilities() models.Capabilities
}

// HybridRetriever 向量检索加结构化过滤
type HybridRetriever struct {
	store           Searcher
	cache           *EmbeddingCache
	overFetchFactor int
}

// NewHybridRetriever 创建混合检索器
func NewHybridRetriever(store Searcher, cache *EmbeddingCache, overFetchFactor int) *HybridRetriever {
	if overFetchFactor < 1 {
		overFetchFactor = DefaultOverFetchFactor
	}
	return &HybridRetriever{
		store:           store,
		cache:           cache,
		overFetchFactor: overFetchFactor,
	}
}

// Retrieve 检索 topK 条候选，顺序与存储返回一致
// 可下推条件交给存储，残余条件在进程内过滤；过滤后不足 topK 不会放宽条件
func (r *HybridRetriever) Retrieve(ctx context.Context, query string, topK int, predicate *models.FilterPredicate) ([]models.CandidateResult, error) {
	log := utils.Logger("混合检索").WithContext(ctx)
	if topK < 1 {
		return nil, fmt.Errorf("%w: topK 必须 >= 1", models.ErrInvalidQuery)
	}

	vector, err := r.cache.GetOrCompute(ctx, query)
	if err != nil {
		if errors.Is(err, models.ErrInvalidQuery) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", models.ErrEmbeddingFailure, err)
	}

	caps := r.store.Capabilities()
	pushed, residual := predicate.Split(caps)

	fetchK := topK
	if !residual.IsEmpty() {
		fetchK = topK * r.overFetchFactor
		if fetchK < topK {
			fetchK = topK
		}
		if caps.MaxSearchLimit > 0 && fetchK > caps.MaxSearchLimit {
			fetchK = caps.MaxSearchLimit
		}
	}

	raw, err := r.store.Search(ctx, vector, fetchK, pushed)
	if err != nil {
		log.Errorf("存储检索失败: %v", err)
		if errors.Is(err, models.ErrStoreUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	if len(raw) == 0 {
		log.Infof("存储未返回结果 (过滤: %s)", predicate.String())
		return []models.CandidateResult{}, nil
	}

	results := make([]models.CandidateResult, 0, topK)
	seen := make(map[string]bool, len(raw))
	for i := range raw {
		if seen[raw[i].Task.ID] {
			continue
		}
		if !residual.Matches(&raw[i].Task) {
			continue
		}
		seen[raw[i].Task.ID] = true
		results = append(results, raw[i])
		if len(results) == topK {
			break
		}
	}

	log.Infof("检索完成: 召回 %d, 返回 %d (下推: %s, 残余: %s, 拉取: %d)",
		len(raw), len(results), pushed.String(), residual.String(), fetchK)
	return results, nil
}

var _ Searcher = (vectorstore.TaskStore)(nil)
