package models

import (
	"sort"
	"strings"
)

// 过滤字段
const (
	FieldStatus          = "status"
	FieldPriority        = "priority"
	FieldSprint          = "sprint"
	FieldAssignees       = "assignees"
	FieldTags            = "tags"
	FieldIsBlocked       = "is_blocked"
	FieldHasDoubts       = "has_doubts"
	FieldIsOverdue       = "is_overdue"
	FieldIsPendingReview = "is_pending_review"
	FieldHasComments     = "has_comments"
	FieldHasSubtasks     = "has_subtasks"
)

// fieldOrder 条件的规范顺序，保证提取结果与查询词序无关
var fieldOrder = map[string]int{
	FieldSprint:          0,
	FieldAssignees:       1,
	FieldStatus:          2,
	FieldPriority:        3,
	FieldTags:            4,
	FieldIsBlocked:       5,
	FieldHasDoubts:       6,
	FieldHasComments:     7,
	FieldHasSubtasks:     8,
	FieldIsOverdue:       9,
	FieldIsPendingReview: 10,
}

// IsBooleanField 布尔标志字段
func IsBooleanField(field string) bool {
	switch field {
	case FieldIsBlocked, FieldHasDoubts, FieldIsOverdue,
		FieldIsPendingReview, FieldHasComments, FieldHasSubtasks:
		return true
	}
	return false
}

// MatchOp 条件比较方式
type MatchOp string

const (
	OpEquals   MatchOp = "eq"
	OpContains MatchOp = "contains" // 分隔字符串字段（负责人、标签）的子串匹配
)

// Combinator 条件组合方式
type Combinator string

const (
	CombineAnd Combinator = "AND"
	CombineOr  Combinator = "OR"
)

// Condition 单个过滤条件
type Condition struct {
	Field  string  `json:"field"`
	Op     MatchOp `json:"op"`
	Value  string  `json:"value"`
	Negate bool    `json:"negate,omitempty"`
}

// Matches 判断记录是否满足条件
func (c Condition) Matches(task *TaskRecord) bool {
	actual, ok := task.FieldValue(c.Field)
	if !ok {
		return false
	}
	var hit bool
	switch c.Op {
	case OpContains:
		hit = strings.Contains(FoldText(actual), FoldText(c.Value))
	default:
		hit = strings.EqualFold(actual, c.Value)
	}
	if c.Negate {
		return !hit
	}
	return hit
}

func (c Condition) key() string {
	neg := ""
	if c.Negate {
		neg = "!"
	}
	return neg + c.Field + ":" + string(c.Op) + ":" + FoldText(c.Value)
}

// FilterPredicate 结构化过滤谓词；空谓词匹配全部记录
type FilterPredicate struct {
	Conditions []Condition `json:"conditions"`
	Combinator Combinator  `json:"combinator"`
}

// NewFilter 构造 AND 谓词
func NewFilter(conds ...Condition) *FilterPredicate {
	f := &FilterPredicate{Combinator: CombineAnd}
	for _, c := range conds {
		f.Add(c)
	}
	return f
}

// Eq 等值条件
func Eq(field, value string) Condition {
	return Condition{Field: field, Op: OpEquals, Value: value}
}

// Contains 子串条件
func Contains(field, value string) Condition {
	return Condition{Field: field, Op: OpContains, Value: value}
}

// Flag 布尔标志条件
func Flag(field string, value bool) Condition {
	v := "false"
	if value {
		v = "true"
	}
	return Condition{Field: field, Op: OpEquals, Value: v}
}

// Add 加入条件，重复条件忽略，结果保持规范顺序
func (f *FilterPredicate) Add(c Condition) {
	if c.Op == "" {
		c.Op = OpEquals
	}
	k := c.key()
	for _, existing := range f.Conditions {
		if existing.key() == k {
			return
		}
	}
	f.Conditions = append(f.Conditions, c)
	sort.SliceStable(f.Conditions, func(i, j int) bool {
		oi, oj := fieldRank(f.Conditions[i].Field), fieldRank(f.Conditions[j].Field)
		if oi != oj {
			return oi < oj
		}
		return f.Conditions[i].key() < f.Conditions[j].key()
	})
}

func fieldRank(field string) int {
	if r, ok := fieldOrder[field]; ok {
		return r
	}
	return len(fieldOrder)
}

// IsEmpty 空谓词（nil 也视为空）
func (f *FilterPredicate) IsEmpty() bool {
	return f == nil || len(f.Conditions) == 0
}

// Matches 对记录求值
func (f *FilterPredicate) Matches(task *TaskRecord) bool {
	if f.IsEmpty() {
		return true
	}
	if f.Combinator == CombineOr {
		for _, c := range f.Conditions {
			if c.Matches(task) {
				return true
			}
		}
		return false
	}
	for _, c := range f.Conditions {
		if !c.Matches(task) {
			return false
		}
	}
	return true
}

// Get 返回指定字段的第一个条件
func (f *FilterPredicate) Get(field string) (Condition, bool) {
	if f == nil {
		return Condition{}, false
	}
	for _, c := range f.Conditions {
		if c.Field == field {
			return c, true
		}
	}
	return Condition{}, false
}

// Key 谓词的规范字符串，用于比较两个谓词是否等价
func (f *FilterPredicate) Key() string {
	if f.IsEmpty() {
		return ""
	}
	parts := make([]string, len(f.Conditions))
	for i, c := range f.Conditions {
		parts[i] = c.key()
	}
	return string(f.Combinator) + "(" + strings.Join(parts, ",") + ")"
}

// String 日志输出用
func (f *FilterPredicate) String() string {
	if f.IsEmpty() {
		return "<none>"
	}
	return f.Key()
}

// Split 按存储能力拆分为可下推部分与残余部分
// OR 谓词无法部分下推，整体作为残余
func (f *FilterPredicate) Split(caps Capabilities) (pushed, residual *FilterPredicate) {
	if f.IsEmpty() {
		return nil, nil
	}
	if f.Combinator == CombineOr {
		return nil, f
	}
	pushed = &FilterPredicate{Combinator: CombineAnd}
	residual = &FilterPredicate{Combinator: CombineAnd}
	for _, c := range f.Conditions {
		if caps.CanPush(c) {
			pushed.Conditions = append(pushed.Conditions, c)
		} else {
			residual.Conditions = append(residual.Conditions, c)
		}
	}
	if pushed.IsEmpty() {
		pushed = nil
	}
	if residual.IsEmpty() {
		residual = nil
	}
	return pushed, residual
}

// Capabilities 存储后端可以原生求值的过滤条件
type Capabilities struct {
	Backend        string          `json:"backend"`
	EqualityFields map[string]bool `json:"equality_fields"`
	ContainsFields map[string]bool `json:"contains_fields"`
	Negation       bool            `json:"negation"`
	MaxSearchLimit int             `json:"max_search_limit"`
}

// CanPush 判断条件能否交给存储求值
func (c Capabilities) CanPush(cond Condition) bool {
	if cond.Negate && !c.Negation {
		return false
	}
	switch cond.Op {
	case OpContains:
		return c.ContainsFields[cond.Field]
	default:
		return c.EqualityFields[cond.Field]
	}
}
