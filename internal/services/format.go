package services

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/contextkeeper/taskrag/internal/config"
	"github.com/contextkeeper/taskrag/internal/models"
)

// maxSnippetRunes 描述片段最大长度
const maxSnippetRunes = 300

// FormatResults 把检索结果整理成提示词上下文
func FormatResults(results []models.CandidateResult, vocab *config.Vocabulary) string {
	if vocab == nil {
		vocab = config.DefaultVocabulary()
	}

	seen := make(map[string]bool)
	var parts []string
	for _, r := range results {
		t := r.Task
		if t.ID != "" && seen[t.ID] {
			continue
		}
		seen[t.ID] = true

		id := orDash(t.ID)
		assignees := t.Assignees
		if strings.TrimSpace(assignees) == "" {
			assignees = "sin asignar"
		}
		parts = append(parts, fmt.Sprintf(
			"%d. [%s] '%s'\n   Sprint: %s\n   Estado: %s | Prioridad: %s | Asignado: %s\n   Descripción: %s\n",
			len(parts)+1, id, t.Name, orDash(t.Sprint),
			vocab.StatusLabel(string(t.Status)), vocab.PriorityLabel(string(t.Priority)), assignees,
			Snippet(t.Text, maxSnippetRunes),
		))
	}
	return strings.Join(parts, "\n")
}

// Snippet 单行化并截断到 limit 个字符
func Snippet(text string, limit int) string {
	s := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return strings.TrimRight(string(r[:limit]), " ") + "..."
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
