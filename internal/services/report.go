package services

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/contextkeeper/taskrag/internal/config"
	"github.com/contextkeeper/taskrag/internal/models"
)

// ReportRenderer 冲刺报告渲染
type ReportRenderer interface {
	Render(sprint string, metrics models.SprintMetrics, tasks []models.TaskRecord) (string, error)
}

// MarkdownReportRenderer 生成 markdown 文本报告
type MarkdownReportRenderer struct {
	vocab *config.Vocabulary
}

// NewMarkdownReportRenderer 创建渲染器
func NewMarkdownReportRenderer(vocab *config.Vocabulary) *MarkdownReportRenderer {
	if vocab == nil {
		vocab = config.DefaultVocabulary()
	}
	return &MarkdownReportRenderer{vocab: vocab}
}

// Render 报告包含执行摘要、指标表、阻塞任务、高优先级任务和完整列表
func (r *MarkdownReportRenderer) Render(sprint string, m models.SprintMetrics, tasks []models.TaskRecord) (string, error) {
	if m.Total == 0 {
		return "", fmt.Errorf("%w: %s", models.ErrNoTasksInScope, sprint)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Informe del %s\n\n", sprint)

	b.WriteString("## RESUMEN EJECUTIVO\n\n")
	fmt.Fprintf(&b, "El %s tiene %d tareas: %d completadas (%.1f%%), %d en progreso y %d pendientes.",
		sprint, m.Total, m.Done, m.CompletionPct, m.InProgress, m.Todo)
	switch {
	case m.Blocked == 1:
		b.WriteString(" Hay 1 tarea bloqueada que requiere atención.")
	case m.Blocked > 1:
		fmt.Fprintf(&b, " Hay %d tareas bloqueadas que requieren atención.", m.Blocked)
	default:
		b.WriteString(" No hay tareas bloqueadas.")
	}
	if m.HighPriority > 0 {
		fmt.Fprintf(&b, " %d tareas son de alta prioridad.", m.HighPriority)
	}
	b.WriteString("\n\n")

	b.WriteString("## Métricas\n\n| Estado | Tareas |\n|---|---|\n")
	for _, st := range models.AllStatuses {
		if n := m.ByStatus[st]; n > 0 {
			fmt.Fprintf(&b, "| %s | %d |\n", r.vocab.StatusLabel(string(st)), n)
		}
	}
	fmt.Fprintf(&b, "| **Total** | **%d** |\n\n", m.Total)
	fmt.Fprintf(&b, "- Porcentaje completado: %.1f%%\n- Bloqueadas: %d\n- Alta prioridad: %d\n\n",
		m.CompletionPct, m.Blocked, m.HighPriority)

	blocked := filterRecords(tasks, func(t *models.TaskRecord) bool {
		return t.IsBlocked || t.Status == models.StatusBlocked
	})
	if len(blocked) > 0 {
		b.WriteString("## Tareas bloqueadas\n\n")
		for _, t := range blocked {
			fmt.Fprintf(&b, "- **%s** (%s)\n", t.Name, assigneesOr(t))
		}
		b.WriteString("\n")
	}

	high := filterRecords(tasks, func(t *models.TaskRecord) bool { return t.Priority.IsHigh() })
	if len(high) > 0 {
		b.WriteString("## Tareas de alta prioridad\n\n")
		for _, t := range high {
			fmt.Fprintf(&b, "- **%s**: %s, %s\n", t.Name, r.vocab.StatusLabel(string(t.Status)), assigneesOr(t))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Tareas del sprint\n\n")
	sorted := append([]models.TaskRecord(nil), tasks...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return statusRank(sorted[i].Status) < statusRank(sorted[j].Status)
	})
	for _, t := range sorted {
		fmt.Fprintf(&b, "- [%s] %s | %s | Prioridad %s | %s\n",
			t.ID, t.Name, r.vocab.StatusLabel(string(t.Status)), r.vocab.PriorityLabel(string(t.Priority)), assigneesOr(&t))
	}
	return b.String(), nil
}

var (
	markdownOnce sync.Once
	markdown     goldmark.Markdown
)

func markdownConverter() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdown
}

// RenderHTML markdown 报告转 HTML
func RenderHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := markdownConverter().Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("渲染 HTML 失败: %w", err)
	}
	return buf.String(), nil
}

func filterRecords(tasks []models.TaskRecord, keep func(*models.TaskRecord) bool) []*models.TaskRecord {
	var out []*models.TaskRecord
	for i := range tasks {
		if keep(&tasks[i]) {
			out = append(out, &tasks[i])
		}
	}
	return out
}

func assigneesOr(t *models.TaskRecord) string {
	if strings.TrimSpace(t.Assignees) == "" {
		return "sin asignar"
	}
	return t.Assignees
}

func statusRank(s models.TaskStatus) int {
	for i, st := range models.AllStatuses {
		if st == s {
			return i
		}
	}
	return len(models.AllStatuses)
}
