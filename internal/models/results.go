package models

import "math"

// CandidateResult 检索候选，分数只在同一次查询内可比
type CandidateResult struct {
	Task  TaskRecord `json:"task"`
	Score float64    `json:"score"`
}

// SprintMetrics 冲刺汇总指标
type SprintMetrics struct {
	Sprint        string             `json:"sprint"`
	Total         int                `json:"total"`
	ByStatus      map[TaskStatus]int `json:"by_status"`
	Done          int                `json:"done"`
	InProgress    int                `json:"in_progress"`
	Todo          int                `json:"todo"`
	QA            int                `json:"qa"`
	Review        int                `json:"review"`
	Blocked       int                `json:"blocked"`
	HighPriority  int                `json:"high_priority"`
	CompletionPct float64            `json:"completion_pct"`
}

// CompletionPercentage round(100*done/total, 1)，total 为 0 时返回 0
func CompletionPercentage(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(1000*float64(done)/float64(total)) / 10
}

// IntentType 查询意图
type IntentType string

const (
	IntentCount     IntentType = "COUNT"
	IntentExistence IntentType = "EXISTENCE"
	IntentInfo      IntentType = "INFO"
	IntentReport    IntentType = "REPORT"
	IntentList      IntentType = "LIST"
	IntentGeneral   IntentType = "GENERAL"
)

// ParseIntent 解析意图标签，兼容 COUNT_TASKS 等长写法
func ParseIntent(raw string) (IntentType, bool) {
	switch raw {
	case "COUNT", "COUNT_TASKS":
		return IntentCount, true
	case "EXISTENCE", "CHECK_EXISTENCE":
		return IntentExistence, true
	case "INFO", "TASK_INFO":
		return IntentInfo, true
	case "REPORT", "SPRINT_REPORT":
		return IntentReport, true
	case "LIST", "LIST_TASKS":
		return IntentList, true
	case "GENERAL", "GENERAL_QUERY":
		return IntentGeneral, true
	}
	return "", false
}

// 意图来源
const (
	SourceLLM       = "llm"
	SourceHeuristic = "heuristic"
)

// IntentDecision 意图分类结果
type IntentDecision struct {
	Intent          IntentType `json:"intent"`
	Confidence      float64    `json:"confidence"`
	EntityType      string     `json:"entity_type,omitempty"`
	EntityValue     string     `json:"entity_value,omitempty"`
	FilterType      string     `json:"filter_type,omitempty"`
	FilterValue     string     `json:"filter_value,omitempty"`
	RequiresContext bool       `json:"requires_context"`
	Source          string     `json:"source"`
}

// Outcome 路由的唯一输出：要么直接回答，要么带上下文委托给生成端
type Outcome interface {
	isOutcome()
}

// Handled 已直接回答
type Handled struct {
	Answer string `json:"answer"`
}

// Delegate 交给外部生成端，Context 为检索或聚合得到的上下文
type Delegate struct {
	Context string `json:"context"`
	Query   string `json:"query"`
}

func (Handled) isOutcome()  {}
func (Delegate) isOutcome() {}
