package aggregation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/contextkeeper/taskrag/internal/config"
	"github.com/contextkeeper/taskrag/internal/models"
	"github.com/contextkeeper/taskrag/internal/utils"
)

// Scanner 聚合只依赖全量扫描
type Scanner interface {
	Scan(ctx context.Context, filter *models.FilterPredicate, limit int) ([]models.TaskRecord, error)
}

// SprintNumber 冲刺标签中的编号，没有编号返回 -1
func SprintNumber(label string) int {
	return models.SprintNumber(label)
}

// NormalizeSprintLabel "3"、"sprint 3"、"Sprint 03" 统一为 "Sprint 3"
func NormalizeSprintLabel(label string) string {
	return models.NormalizeSprintLabel(label)
}

// SprintAggregator 冲刺指标聚合
type SprintAggregator struct {
	store           Scanner
	vocab           *config.Vocabulary
	currentOverride string
}

// NewSprintAggregator 创建聚合器，currentOverride 非空时作为当前冲刺
func NewSprintAggregator(store Scanner, vocab *config.Vocabulary, currentOverride string) *SprintAggregator {
	if vocab == nil {
		vocab = config.DefaultVocabulary()
	}
	return &SprintAggregator{store: store, vocab: vocab, currentOverride: currentOverride}
}

func (a *SprintAggregator) loadAll(ctx context.Context) ([]models.TaskRecord, error) {
	tasks, err := a.store.Scan(ctx, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	return tasks, nil
}

// Sprints 数据中出现的冲刺，按编号升序，无编号的排在最后
func Sprints(tasks []models.TaskRecord) []string {
	seen := make(map[string]bool)
	var out []string
	for i := range tasks {
		if s := tasks[i].Sprint; !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ni, nj := SprintNumber(out[i]), SprintNumber(out[j])
		if (ni < 0) != (nj < 0) {
			return ni >= 0
		}
		if ni != nj {
			return ni < nj
		}
		return out[i] < out[j]
	})
	return out
}

// LatestSprint 编号最大的冲刺
func LatestSprint(tasks []models.TaskRecord) string {
	best, bestN := "", -1
	for i := range tasks {
		if n := SprintNumber(tasks[i].Sprint); n > bestN {
			best, bestN = tasks[i].Sprint, n
		}
	}
	return best
}

// CurrentSprintOf 配置覆盖优先，否则取数据中最新的冲刺
func (a *SprintAggregator) CurrentSprintOf(tasks []models.TaskRecord) string {
	if a.currentOverride != "" {
		return NormalizeSprintLabel(a.currentOverride)
	}
	return LatestSprint(tasks)
}

// CurrentSprint 当前冲刺
func (a *SprintAggregator) CurrentSprint(ctx context.Context) (string, error) {
	if a.currentOverride != "" {
		return NormalizeSprintLabel(a.currentOverride), nil
	}
	tasks, err := a.loadAll(ctx)
	if err != nil {
		return "", err
	}
	return LatestSprint(tasks), nil
}

// sprintTasks 按标签筛选，大小写与编号格式不敏感
func sprintTasks(tasks []models.TaskRecord, sprint string) []models.TaskRecord {
	want := NormalizeSprintLabel(sprint)
	var out []models.TaskRecord
	for i := range tasks {
		if strings.EqualFold(NormalizeSprintLabel(tasks[i].Sprint), want) {
			out = append(out, tasks[i])
		}
	}
	return out
}

// ComputeMetrics 对一组任务计算指标
func ComputeMetrics(sprint string, tasks []models.TaskRecord) models.SprintMetrics {
	m := models.SprintMetrics{
		Sprint:   sprint,
		Total:    len(tasks),
		ByStatus: make(map[models.TaskStatus]int),
	}
	for i := range tasks {
		t := &tasks[i]
		m.ByStatus[t.Status]++
		switch t.Status {
		case models.StatusDone:
			m.Done++
		case models.StatusInProgress:
			m.InProgress++
		case models.StatusTodo:
			m.Todo++
		case models.StatusQA:
			m.QA++
		case models.StatusReview:
			m.Review++
		}
		if t.IsBlocked || t.Status == models.StatusBlocked {
			m.Blocked++
		}
		if t.Priority.IsHigh() {
			m.HighPriority++
		}
	}
	m.CompletionPct = models.CompletionPercentage(m.Done, m.Total)
	return m
}

// Metrics 单个冲刺的指标，冲刺没有任务时返回 ErrNoTasksInScope
func (a *SprintAggregator) Metrics(ctx context.Context, sprint string) (models.SprintMetrics, error) {
	tasks, err := a.loadAll(ctx)
	if err != nil {
		return models.SprintMetrics{}, err
	}
	label := NormalizeSprintLabel(sprint)
	scoped := sprintTasks(tasks, label)
	if len(scoped) == 0 {
		return models.SprintMetrics{Sprint: label, ByStatus: map[models.TaskStatus]int{}},
			fmt.Errorf("%w: %s", models.ErrNoTasksInScope, label)
	}
	return ComputeMetrics(label, scoped), nil
}

// TaskList 冲刺内的任务，供报告使用
func (a *SprintAggregator) TaskList(ctx context.Context, sprint string) ([]models.TaskRecord, error) {
	tasks, err := a.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	scoped := sprintTasks(tasks, sprint)
	if len(scoped) == 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrNoTasksInScope, NormalizeSprintLabel(sprint))
	}
	return scoped, nil
}

// Compare 逐个冲刺输出指标，单个冲刺失败显示"no disponible"，不中断
func (a *SprintAggregator) Compare(ctx context.Context, sprints []string) string {
	log := utils.Logger("冲刺聚合").WithContext(ctx)
	var b strings.Builder
	b.WriteString("Comparación de sprints:\n")
	for _, s := range sprints {
		label := NormalizeSprintLabel(s)
		m, err := a.Metrics(ctx, label)
		if err != nil {
			log.Warnf("冲刺 %s 指标不可用: %v", label, err)
			fmt.Fprintf(&b, "- %s: no disponible\n", label)
			continue
		}
		fmt.Fprintf(&b, "- %s: %d tareas, %d completadas (%.1f%%), %d en progreso, %d pendientes, %d bloqueadas, %d de alta prioridad\n",
			label, m.Total, m.Done, m.CompletionPct, m.InProgress, m.Todo, m.Blocked, m.HighPriority)
	}
	return strings.TrimRight(b.String(), "\n")
}

// BuildDelegationContext 全量聚合上下文：按冲刺、状态、负责人分组
func (a *SprintAggregator) BuildDelegationContext(ctx context.Context) (string, error) {
	tasks, err := a.loadAll(ctx)
	if err != nil {
		return "", err
	}
	return a.delegationContext(tasks), nil
}

func (a *SprintAggregator) delegationContext(tasks []models.TaskRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resumen del proyecto\nTotal de tareas: %d\n", len(tasks))

	sprints := Sprints(tasks)
	fmt.Fprintf(&b, "\nSprints registrados (%d):\n", len(sprints))
	for _, s := range sprints {
		m := ComputeMetrics(s, sprintTasks(tasks, s))
		fmt.Fprintf(&b, "- %s: %d tareas (%d completadas, %.1f%% completado)\n", s, m.Total, m.Done, m.CompletionPct)
	}
	if current := a.CurrentSprintOf(tasks); current != "" {
		fmt.Fprintf(&b, "Sprint actual: %s\n", current)
	}

	overall := ComputeMetrics("", tasks)
	b.WriteString("\nTareas por estado:\n")
	for _, st := range models.AllStatuses {
		if n := overall.ByStatus[st]; n > 0 {
			fmt.Fprintf(&b, "- %s: %d\n", a.vocab.StatusLabel(string(st)), n)
		}
	}

	byPerson := make(map[string]int)
	for i := range tasks {
		people := tasks[i].AssigneeList()
		if len(people) == 0 {
			byPerson["Sin asignar"]++
		}
		for _, p := range people {
			byPerson[p]++
		}
	}
	names := make([]string, 0, len(byPerson))
	for n := range byPerson {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		if byPerson[names[i]] != byPerson[names[j]] {
			return byPerson[names[i]] > byPerson[names[j]]
		}
		return names[i] < names[j]
	})
	b.WriteString("\nTareas por persona:\n")
	for _, n := range names {
		fmt.Fprintf(&b, "- %s: %d\n", n, byPerson[n])
	}
	return strings.TrimRight(b.String(), "\n")
}
