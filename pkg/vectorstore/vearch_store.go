package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/contextkeeper/taskrag/internal/models"
	"github.com/sirupsen/logrus"
)

// vearchStringFields Vearch 空间中建了标量索引的字符串字段
var vearchStringFields = []string{
	models.FieldStatus, models.FieldPriority, models.FieldSprint,
}

// defaultVearchScanPage 全量扫描时每页的文档数
const defaultVearchScanPage = 1000

// VearchStore Vearch任务存储
// 只有字符串字段支持 term 过滤，布尔标志必须在进程内过滤
type VearchStore struct {
	client   VearchClient
	config   *VearchConfig
	log      *logrus.Entry
	mu       sync.Mutex
	ready    bool
	scanPage int
}

// NewVearchStore 创建Vearch任务存储
func NewVearchStore(client VearchClient, config *VearchConfig) *VearchStore {
	if config.Space == "" {
		config.Space = "tasks"
	}
	return &VearchStore{
		client:   client,
		config:   config,
		log:      logrus.WithField("component", "Vearch存储"),
		scanPage: defaultVearchScanPage,
	}
}

// Capabilities 字符串等值，不支持取反和布尔
func (v *VearchStore) Capabilities() models.Capabilities {
	eq := make(map[string]bool, len(vearchStringFields))
	for _, f := range vearchStringFields {
		eq[f] = true
	}
	return models.Capabilities{
		Backend:        StoreTypeVearch,
		EqualityFields: eq,
		ContainsFields: map[string]bool{},
		MaxSearchLimit: DefaultMaxSearchLimit,
	}
}

// initialize 确认连接可用，成功一次后不再检查
func (v *VearchStore) initialize(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ready {
		return nil
	}
	if err := v.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	exists, err := v.client.SpaceExists(ctx, v.config.Database, v.config.Space)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	if !exists {
		v.log.Warnf("空间 %s/%s 不存在，需要先执行入库", v.config.Database, v.config.Space)
	}
	v.ready = true
	return nil
}

func toVearchFilter(filter *models.FilterPredicate) *VearchFilter {
	if filter.IsEmpty() {
		return nil
	}
	vf := &VearchFilter{Operator: "AND"}
	for _, c := range filter.Conditions {
		vf.Conditions = append(vf.Conditions, VearchCondition{
			Field:    c.Field,
			Operator: "IN",
			Value:    []interface{}{c.Value},
		})
	}
	return vf
}

// Search 近邻检索
func (v *VearchStore) Search(ctx context.Context, vector []float32, topK int, filter *models.FilterPredicate) ([]models.CandidateResult, error) {
	if err := checkPushable(v.Capabilities(), filter); err != nil {
		return nil, err
	}
	if err := v.initialize(ctx); err != nil {
		return nil, err
	}
	if topK > DefaultMaxSearchLimit {
		topK = DefaultMaxSearchLimit
	}

	docs, err := v.client.Search(ctx, &VearchSearchRequest{
		Vectors:   []VearchVector{{Field: "vector", Feature: vector}},
		Filters:   toVearchFilter(filter),
		Fields:    []string{"payload"},
		Limit:     topK,
		DbName:    v.config.Database,
		SpaceName: v.config.Space,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}

	results := make([]models.CandidateResult, 0, len(docs))
	for _, doc := range docs {
		task, ok := v.decode(doc)
		if !ok {
			continue
		}
		results = append(results, models.CandidateResult{Task: task, Score: doc.Score})
	}
	// 内积越大越相似
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results, nil
}

// Scan 过滤查询，limit <= 0 时分页取回全部文档
func (v *VearchStore) Scan(ctx context.Context, filter *models.FilterPredicate, limit int) ([]models.TaskRecord, error) {
	if err := checkPushable(v.Capabilities(), filter); err != nil {
		return nil, err
	}
	if err := v.initialize(ctx); err != nil {
		return nil, err
	}
	page := v.scanPage
	if page <= 0 {
		page = defaultVearchScanPage
	}

	var out []models.TaskRecord
	seen := make(map[string]bool)
	for offset := 0; ; offset += page {
		size := page
		if limit > 0 && limit-len(out) < size {
			size = limit - len(out)
		}
		docs, err := v.client.Query(ctx, &VearchQueryRequest{
			Filters:   toVearchFilter(filter),
			Fields:    []string{"payload"},
			Limit:     size,
			Offset:    offset,
			DbName:    v.config.Database,
			SpaceName: v.config.Space,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
		}

		fresh := 0
		for _, doc := range docs {
			if seen[doc.ID] {
				continue
			}
			seen[doc.ID] = true
			fresh++
			if task, ok := v.decode(doc); ok {
				out = append(out, task)
			}
		}
		if len(docs) < size || (limit > 0 && len(out) >= limit) {
			break
		}
		// 服务端忽略 offset 时会重复返回同一页
		if fresh == 0 {
			v.log.Warnf("分页查询没有返回新文档，扫描停在 %d 条，计数可能不完整", len(out))
			break
		}
	}
	if out == nil {
		out = make([]models.TaskRecord, 0)
	}
	return out, nil
}

func (v *VearchStore) decode(doc VearchDocument) (models.TaskRecord, bool) {
	var task models.TaskRecord
	if err := json.Unmarshal([]byte(doc.Payload), &task); err != nil {
		v.log.Warnf("文档 %s 的payload无法解析: %v", doc.ID, err)
		return task, false
	}
	return task, true
}

// Replace 重建空间并写入全部记录
func (v *VearchStore) Replace(ctx context.Context, tasks []IndexedTask) error {
	if err := v.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	if err := v.client.CreateDatabase(ctx, v.config.Database); err != nil {
		v.log.Warnf("创建数据库失败（可能已存在）: %v", err)
	}

	exists, err := v.client.SpaceExists(ctx, v.config.Database, v.config.Space)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	if exists {
		if err := v.client.DropSpace(ctx, v.config.Database, v.config.Space); err != nil {
			return fmt.Errorf("删除旧空间失败: %w", err)
		}
	}

	dimension := v.config.Dimension
	if dimension <= 0 && len(tasks) > 0 {
		dimension = len(tasks[0].Vector)
	}
	if err := v.client.CreateSpace(ctx, v.config.Database, v.spaceConfig(dimension)); err != nil {
		return fmt.Errorf("创建空间失败: %w", err)
	}

	const batchSize = 100
	for start := 0; start < len(tasks); start += batchSize {
		end := start + batchSize
		if end > len(tasks) {
			end = len(tasks)
		}
		docs := make([]map[string]interface{}, 0, end-start)
		for _, it := range tasks[start:end] {
			payload, err := json.Marshal(it.Task)
			if err != nil {
				return fmt.Errorf("序列化任务 %s 失败: %w", it.Task.ID, err)
			}
			docs = append(docs, map[string]interface{}{
				"_id":      it.Task.ID,
				"status":   string(it.Task.Status),
				"priority": string(it.Task.Priority),
				"sprint":   it.Task.Sprint,
				"payload":  string(payload),
				"vector":   it.Vector,
			})
		}
		if err := v.client.Upsert(ctx, v.config.Database, v.config.Space, docs); err != nil {
			return fmt.Errorf("写入第 %d 批失败: %w", start/batchSize+1, err)
		}
	}

	v.log.Infof("已写入 %d 条任务到 %s/%s", len(tasks), v.config.Database, v.config.Space)
	return nil
}

func (v *VearchStore) spaceConfig(dimension int) *SpaceConfig {
	fields := []map[string]interface{}{
		{"name": "payload", "type": "string"},
		{
			"name":      "vector",
			"type":      "vector",
			"dimension": dimension,
			"index": map[string]interface{}{
				"name": "gamma",
				"type": "HNSW",
				"params": map[string]interface{}{
					"metric_type":    "InnerProduct",
					"nlinks":         32,
					"efConstruction": 100,
				},
			},
		},
	}
	for _, f := range vearchStringFields {
		fields = append(fields, map[string]interface{}{
			"name":  f,
			"type":  "string",
			"index": map[string]interface{}{"name": f + "_idx", "type": "SCALAR"},
		})
	}
	return &SpaceConfig{
		Name:         v.config.Space,
		PartitionNum: 1,
		ReplicaNum:   1,
		Fields:       fields,
	}
}

// Count 记录总数
func (v *VearchStore) Count(ctx context.Context) (int, error) {
	tasks, err := v.Scan(ctx, nil, 0)
	if err != nil {
		return 0, err
	}
	return len(tasks), nil
}

// Close 关闭
func (v *VearchStore) Close() error {
	return nil
}
