package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/contextkeeper/taskrag/internal/models"
)

// 存储类型
const (
	StoreTypeMemory = "memory"
	StoreTypeSQLite = "sqlite"
	StoreTypeVearch = "vearch"
)

// DefaultMaxSearchLimit 单次近邻检索的默认上限
const DefaultMaxSearchLimit = 1000

// ErrUnsupportedFilter 传入了存储无法求值的条件，调用方应先用 Capabilities 拆分
var ErrUnsupportedFilter = errors.New("filter not supported by store")

// IndexedTask 带向量的任务记录
type IndexedTask struct {
	Task   models.TaskRecord
	Vector []float32
}

// TaskStore 任务存储适配器
type TaskStore interface {
	// Search 近邻检索，filter 只能包含可下推条件，结果按相似度降序
	Search(ctx context.Context, vector []float32, topK int, filter *models.FilterPredicate) ([]models.CandidateResult, error)

	// Scan 不排序的全量扫描，limit<=0 表示不限
	Scan(ctx context.Context, filter *models.FilterPredicate, limit int) ([]models.TaskRecord, error)

	// Capabilities 可原生求值的过滤能力
	Capabilities() models.Capabilities

	// Replace 整体替换全部记录（入库流程使用）
	Replace(ctx context.Context, tasks []IndexedTask) error

	// Count 记录总数
	Count(ctx context.Context) (int, error)

	Close() error
}

// checkPushable 校验条件全部可下推
func checkPushable(caps models.Capabilities, filter *models.FilterPredicate) error {
	if filter.IsEmpty() {
		return nil
	}
	if filter.Combinator == models.CombineOr {
		return fmt.Errorf("%w: OR 组合", ErrUnsupportedFilter)
	}
	for _, c := range filter.Conditions {
		if !caps.CanPush(c) {
			return fmt.Errorf("%w: %s", ErrUnsupportedFilter, c.Field)
		}
	}
	return nil
}

// cosineSimilarity 余弦相似度，维度不一致或零向量返回 0
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
