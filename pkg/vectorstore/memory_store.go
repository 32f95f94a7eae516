package vectorstore

import (
	"context"
	"sort"
	"sync"

	"github.com/contextkeeper/taskrag/internal/models"
)

// MemoryStore 进程内任务存储
type MemoryStore struct {
	mu    sync.RWMutex
	tasks []IndexedTask
	caps  models.Capabilities
}

// FullCapabilities 所有字段均可下推
func FullCapabilities(backend string) models.Capabilities {
	return models.Capabilities{
		Backend: backend,
		EqualityFields: map[string]bool{
			models.FieldStatus: true, models.FieldPriority: true, models.FieldSprint: true,
			models.FieldAssignees: true, models.FieldTags: true,
			models.FieldIsBlocked: true, models.FieldHasDoubts: true, models.FieldIsOverdue: true,
			models.FieldIsPendingReview: true, models.FieldHasComments: true, models.FieldHasSubtasks: true,
		},
		ContainsFields: map[string]bool{
			models.FieldAssignees: true, models.FieldTags: true,
		},
		Negation:       true,
		MaxSearchLimit: DefaultMaxSearchLimit,
	}
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{caps: FullCapabilities(StoreTypeMemory)}
}

// NewMemoryStoreWithCapabilities 按给定能力创建内存存储，超出能力的条件会被拒绝
func NewMemoryStoreWithCapabilities(caps models.Capabilities) *MemoryStore {
	if caps.MaxSearchLimit <= 0 {
		caps.MaxSearchLimit = DefaultMaxSearchLimit
	}
	return &MemoryStore{caps: caps}
}

// Capabilities 可原生求值的过滤能力
func (s *MemoryStore) Capabilities() models.Capabilities {
	return s.caps
}

// Search 近邻检索
func (s *MemoryStore) Search(ctx context.Context, vector []float32, topK int, filter *models.FilterPredicate) ([]models.CandidateResult, error) {
	if err := checkPushable(s.caps, filter); err != nil {
		return nil, err
	}
	if topK > s.caps.MaxSearchLimit {
		topK = s.caps.MaxSearchLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]models.CandidateResult, 0, len(s.tasks))
	for i := range s.tasks {
		if !filter.Matches(&s.tasks[i].Task) {
			continue
		}
		results = append(results, models.CandidateResult{
			Task:  s.tasks[i].Task,
			Score: cosineSimilarity(vector, s.tasks[i].Vector),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Scan 全量扫描
func (s *MemoryStore) Scan(ctx context.Context, filter *models.FilterPredicate, limit int) ([]models.TaskRecord, error) {
	if err := checkPushable(s.caps, filter); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.TaskRecord, 0, len(s.tasks))
	for i := range s.tasks {
		if limit > 0 && len(out) >= limit {
			break
		}
		if filter.Matches(&s.tasks[i].Task) {
			out = append(out, s.tasks[i].Task)
		}
	}
	return out, nil
}

// Replace 整体替换
func (s *MemoryStore) Replace(ctx context.Context, tasks []IndexedTask) error {
	copied := make([]IndexedTask, len(tasks))
	copy(copied, tasks)

	s.mu.Lock()
	s.tasks = copied
	s.mu.Unlock()
	return nil
}

// Count 记录总数
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks), nil
}

// Close 关闭
func (s *MemoryStore) Close() error {
	return nil
}
