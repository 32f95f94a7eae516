package models

import (
	"testing"
)

func TestCompletionPercentage(t *testing.T) {
	tests := []struct {
		done, total int
		want        float64
	}{
		{0, 0, 0},
		{1, 8, 12.5},
		{1, 3, 33.3},
		{2, 3, 66.7},
		{5, 5, 100},
	}
	for _, tt := range tests {
		if got := CompletionPercentage(tt.done, tt.total); got != tt.want {
			t.Errorf("CompletionPercentage(%d,%d) = %v, 期望 %v", tt.done, tt.total, got, tt.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	cases := map[string]TaskStatus{
		"to_do":       StatusTodo,
		"In Progress": StatusInProgress,
		"Completada":  StatusDone,
		"revisión":    StatusReview,
		"whatever":    StatusUnknown,
		"":            StatusUnknown,
	}
	for raw, want := range cases {
		if got := ParseStatus(raw); got != want {
			t.Errorf("ParseStatus(%q) = %s, 期望 %s", raw, got, want)
		}
	}
}

func TestNormalizeDefaults(t *testing.T) {
	task := TaskRecord{ID: "t1", Status: "blocked", CommentsCount: 2}
	task.Normalize()

	if task.Sprint != UnknownSprint {
		t.Errorf("缺失冲刺应为 %q，实际 %q", UnknownSprint, task.Sprint)
	}
	if task.Name != "t1" {
		t.Errorf("缺失名称应回退为ID，实际 %q", task.Name)
	}
	if !task.IsBlocked || !task.HasComments {
		t.Errorf("标志未补齐: blocked=%v comments=%v", task.IsBlocked, task.HasComments)
	}
	if task.Priority != PriorityUnknown {
		t.Errorf("优先级应为 unknown，实际 %s", task.Priority)
	}
}

func TestNormalizeSprintLabel(t *testing.T) {
	cases := map[string]string{
		"Sprint 03": "Sprint 3",
		"sprint 3":  "Sprint 3",
		" 12 ":      "Sprint 12",
		"Backlog":   "Backlog",
	}
	for raw, want := range cases {
		task := TaskRecord{ID: "t", Sprint: raw}
		task.Normalize()
		if task.Sprint != want {
			t.Errorf("Normalize(%q) sprint = %q, 期望 %q", raw, task.Sprint, want)
		}
	}
	if SprintNumber("Backlog") != -1 {
		t.Error("无编号的冲刺应返回 -1")
	}
}

func TestFilterOrderIndependent(t *testing.T) {
	a := NewFilter(Eq(FieldStatus, "done"), Eq(FieldSprint, "Sprint 3"), Contains(FieldAssignees, "jorge"))
	b := NewFilter(Contains(FieldAssignees, "Jorge"), Eq(FieldSprint, "Sprint 3"), Eq(FieldStatus, "done"))

	if a.Key() != b.Key() {
		t.Errorf("条件顺序不同导致谓词不同:\n%s\n%s", a.Key(), b.Key())
	}

	b.Add(Eq(FieldStatus, "done"))
	if len(b.Conditions) != 3 {
		t.Errorf("重复条件应被忽略，实际 %d 个条件", len(b.Conditions))
	}
}

func TestFilterMatches(t *testing.T) {
	task := &TaskRecord{
		ID: "t1", Status: StatusDone, Sprint: "Sprint 3",
		Assignees: "Jorge Aguadero, Laura Pérez", IsBlocked: true,
	}

	tests := []struct {
		name   string
		filter *FilterPredicate
		want   bool
	}{
		{"空谓词", nil, true},
		{"等值", NewFilter(Eq(FieldStatus, "done")), true},
		{"子串去重音", NewFilter(Contains(FieldAssignees, "perez")), true},
		{"布尔", NewFilter(Flag(FieldIsBlocked, true)), true},
		{"AND 失败", NewFilter(Eq(FieldStatus, "done"), Eq(FieldSprint, "Sprint 1")), false},
		{"取反", NewFilter(Condition{Field: FieldStatus, Value: "done", Negate: true}), false},
		{"OR", &FilterPredicate{Combinator: CombineOr, Conditions: []Condition{Eq(FieldSprint, "Sprint 1"), Eq(FieldStatus, "done")}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(task); got != tt.want {
				t.Errorf("Matches = %v, 期望 %v", got, tt.want)
			}
		})
	}
}

func TestFilterSplit(t *testing.T) {
	caps := Capabilities{
		EqualityFields: map[string]bool{FieldStatus: true, FieldSprint: true},
	}
	f := NewFilter(Eq(FieldSprint, "Sprint 3"), Flag(FieldIsBlocked, true), Contains(FieldAssignees, "jorge"))

	pushed, residual := f.Split(caps)
	if pushed == nil || len(pushed.Conditions) != 1 || pushed.Conditions[0].Field != FieldSprint {
		t.Fatalf("下推部分错误: %v", pushed)
	}
	if residual == nil || len(residual.Conditions) != 2 {
		t.Fatalf("残余部分错误: %v", residual)
	}

	or := &FilterPredicate{Combinator: CombineOr, Conditions: []Condition{Eq(FieldSprint, "Sprint 3")}}
	pushed, residual = or.Split(caps)
	if pushed != nil || residual != or {
		t.Errorf("OR 谓词应整体作为残余")
	}
}

func TestFoldText(t *testing.T) {
	if got := FoldText("Revisión CRÍTICA"); got != "revision critica" {
		t.Errorf("FoldText = %q", got)
	}
}

func TestParseIntent(t *testing.T) {
	if it, ok := ParseIntent("COUNT_TASKS"); !ok || it != IntentCount {
		t.Errorf("COUNT_TASKS 应解析为 COUNT")
	}
	if _, ok := ParseIntent("DANCE"); ok {
		t.Errorf("未知意图不应解析成功")
	}
}
