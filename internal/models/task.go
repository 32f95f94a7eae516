package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// TaskStatus 任务状态（归一化后）
type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusQA         TaskStatus = "qa"
	StatusReview     TaskStatus = "review"
	StatusDone       TaskStatus = "done"
	StatusBlocked    TaskStatus = "blocked"
	StatusCancelled  TaskStatus = "cancelled"
	StatusUnknown    TaskStatus = "unknown"
)

// AllStatuses 全部状态，按报表展示顺序
var AllStatuses = []TaskStatus{
	StatusTodo, StatusInProgress, StatusQA, StatusReview,
	StatusDone, StatusBlocked, StatusCancelled, StatusUnknown,
}

// statusAliases 入库数据中出现过的状态写法
var statusAliases = map[string]TaskStatus{
	"todo":        StatusTodo,
	"to_do":       StatusTodo,
	"to do":       StatusTodo,
	"open":        StatusTodo,
	"pendiente":   StatusTodo,
	"in_progress": StatusInProgress,
	"in progress": StatusInProgress,
	"doing":       StatusInProgress,
	"en progreso": StatusInProgress,
	"en curso":    StatusInProgress,
	"qa":          StatusQA,
	"testing":     StatusQA,
	"review":      StatusReview,
	"revision":    StatusReview,
	"revisión":    StatusReview,
	"done":        StatusDone,
	"complete":    StatusDone,
	"completed":   StatusDone,
	"closed":      StatusDone,
	"completada":  StatusDone,
	"completado":  StatusDone,
	"finalizada":  StatusDone,
	"blocked":     StatusBlocked,
	"bloqueada":   StatusBlocked,
	"cancelled":   StatusCancelled,
	"canceled":    StatusCancelled,
	"cancelada":   StatusCancelled,

	// 入库流程输出的西语状态
	"pendiente de revisión": StatusReview,
}

// ParseStatus 将原始状态字符串归一化，无法识别时返回 StatusUnknown
func ParseStatus(raw string) TaskStatus {
	if s, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return StatusUnknown
}

// TaskPriority 任务优先级
type TaskPriority string

const (
	PriorityUrgent  TaskPriority = "urgent"
	PriorityHigh    TaskPriority = "high"
	PriorityNormal  TaskPriority = "normal"
	PriorityLow     TaskPriority = "low"
	PriorityUnknown TaskPriority = "unknown"
)

var priorityAliases = map[string]TaskPriority{
	"urgent":  PriorityUrgent,
	"urgente": PriorityUrgent,
	"1":       PriorityUrgent,
	"high":    PriorityHigh,
	"alta":    PriorityHigh,
	"2":       PriorityHigh,
	"normal":  PriorityNormal,
	"medium":  PriorityNormal,
	"media":   PriorityNormal,
	"3":       PriorityNormal,
	"low":     PriorityLow,
	"baja":    PriorityLow,
	"4":       PriorityLow,
}

// ParsePriority 将原始优先级归一化
func ParsePriority(raw string) TaskPriority {
	if p, ok := priorityAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return p
	}
	return PriorityUnknown
}

// IsHigh 高优先级（high 或 urgent）
func (p TaskPriority) IsHigh() bool {
	return p == PriorityHigh || p == PriorityUrgent
}

// UnknownSprint 缺失冲刺标签时使用的占位值
const UnknownSprint = "unknown"

var sprintNumberPattern = regexp.MustCompile(`(\d+)`)

// SprintNumber 冲刺标签中的编号，没有编号返回 -1
func SprintNumber(label string) int {
	m := sprintNumberPattern.FindStringSubmatch(label)
	if m == nil {
		return -1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return n
}

// NormalizeSprintLabel "3"、"sprint 3"、"Sprint 03" 统一为 "Sprint 3"
func NormalizeSprintLabel(label string) string {
	label = strings.TrimSpace(label)
	if n := SprintNumber(label); n >= 0 {
		return fmt.Sprintf("Sprint %d", n)
	}
	return label
}

// Subtask 内嵌子任务
type Subtask struct {
	Name   string     `json:"name"`
	Status TaskStatus `json:"status"`
}

// TaskRecord 单个任务的只读快照，由外部入库流程生成
type TaskRecord struct {
	ID        string       `json:"task_id"`
	Name      string       `json:"name"`
	Text      string       `json:"text"`
	Status    TaskStatus   `json:"status"`
	Priority  TaskPriority `json:"priority"`
	Sprint    string       `json:"sprint"`
	Assignees string       `json:"assignees"`
	Tags      string       `json:"tags"`

	IsBlocked       bool `json:"is_blocked"`
	HasDoubts       bool `json:"has_doubts"`
	IsOverdue       bool `json:"is_overdue"`
	IsPendingReview bool `json:"is_pending_review"`
	HasComments     bool `json:"has_comments"`
	HasSubtasks     bool `json:"has_subtasks"`

	CommentsCount int       `json:"comments_count"`
	SubtasksCount int       `json:"subtasks_count"`
	Subtasks      []Subtask `json:"subtasks,omitempty"`
}

// Normalize 补齐缺省值，入库数据经常缺字段
func (t *TaskRecord) Normalize() {
	t.Status = ParseStatus(string(t.Status))
	t.Priority = ParsePriority(string(t.Priority))
	if strings.TrimSpace(t.Sprint) == "" {
		t.Sprint = UnknownSprint
	} else {
		// 过滤条件下推到存储时按 "Sprint N" 精确比较
		t.Sprint = NormalizeSprintLabel(t.Sprint)
	}
	if t.Name == "" {
		t.Name = t.ID
	}
	if t.SubtasksCount == 0 && len(t.Subtasks) > 0 {
		t.SubtasksCount = len(t.Subtasks)
	}
	if t.SubtasksCount > 0 {
		t.HasSubtasks = true
	}
	if t.CommentsCount > 0 {
		t.HasComments = true
	}
	if t.Status == StatusBlocked {
		t.IsBlocked = true
	}
}

// Document 用于向量化和重排序的文本
func (t *TaskRecord) Document() string {
	if t.Text == "" {
		return t.Name
	}
	if t.Name == "" || strings.Contains(t.Text, t.Name) {
		return t.Text
	}
	return t.Name + "\n" + t.Text
}

// AssigneeList 拆分负责人字符串
func (t *TaskRecord) AssigneeList() []string {
	return splitDelimited(t.Assignees)
}

// TagList 拆分标签字符串
func (t *TaskRecord) TagList() []string {
	return splitDelimited(t.Tags)
}

// FieldValue 以字符串形式返回过滤字段的值，布尔字段返回 "true"/"false"
func (t *TaskRecord) FieldValue(field string) (string, bool) {
	switch field {
	case FieldStatus:
		return string(t.Status), true
	case FieldPriority:
		return string(t.Priority), true
	case FieldSprint:
		return t.Sprint, true
	case FieldAssignees:
		return t.Assignees, true
	case FieldTags:
		return t.Tags, true
	case FieldIsBlocked:
		return strconv.FormatBool(t.IsBlocked), true
	case FieldHasDoubts:
		return strconv.FormatBool(t.HasDoubts), true
	case FieldIsOverdue:
		return strconv.FormatBool(t.IsOverdue), true
	case FieldIsPendingReview:
		return strconv.FormatBool(t.IsPendingReview), true
	case FieldHasComments:
		return strconv.FormatBool(t.HasComments), true
	case FieldHasSubtasks:
		return strconv.FormatBool(t.HasSubtasks), true
	default:
		return "", false
	}
}

func splitDelimited(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == '|'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
