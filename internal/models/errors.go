package models

import "errors"

var (
	// ErrStoreUnavailable 存储不可达或集合不存在
	ErrStoreUnavailable = errors.New("task store unavailable")
	// ErrEmbeddingFailure 向量化失败
	ErrEmbeddingFailure = errors.New("embedding failure")
	// ErrRerankFailure 重排序模型调用失败
	ErrRerankFailure = errors.New("rerank failure")
	// ErrClassificationFailure 意图分类失败，由启发式规则兜底
	ErrClassificationFailure = errors.New("classification failure")
	// ErrInvalidQuery 空查询或过短
	ErrInvalidQuery = errors.New("invalid query")
	// ErrNoTasksInScope 冲刺内没有任务
	ErrNoTasksInScope = errors.New("no tasks in scope")
)
