package config

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

// Vocabulary 查询理解使用的词表
type Vocabulary struct {
	// 状态 -> 查询中的同义词（按词首匹配，"completad" 可匹配 completadas）
	Statuses map[string][]string `yaml:"statuses"`
	// 优先级 -> 同义词
	Priorities map[string][]string `yaml:"priorities"`
	// 展示用西语译名
	Translations Translations `yaml:"translations"`
	// 已知人员，别名参与匹配
	People []Person `yaml:"people"`
	// 统计"实体个数"的词，例如 "cuántos sprints"
	EntityWords []string `yaml:"entity_words"`
	// 表示当前冲刺的词
	CurrentSprintWords []string `yaml:"current_sprint_words"`
}

// Translations 展示译名
type Translations struct {
	Status   map[string]string `yaml:"status"`
	Priority map[string]string `yaml:"priority"`
}

// Person 人员
type Person struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
}

// StatusLabel 状态的西语译名
func (v *Vocabulary) StatusLabel(status string) string {
	if label, ok := v.Translations.Status[status]; ok {
		return label
	}
	return status
}

// PriorityLabel 优先级的西语译名
func (v *Vocabulary) PriorityLabel(priority string) string {
	if label, ok := v.Translations.Priority[priority]; ok {
		return label
	}
	return priority
}

// LoadVocabulary 加载词表文件，文件不存在时使用内置默认值
func LoadVocabulary(path string) (*Vocabulary, error) {
	vocab := DefaultVocabulary()
	if path == "" {
		return vocab, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("词表文件不存在，使用默认词表: %s", path)
			return vocab, nil
		}
		return nil, fmt.Errorf("读取词表文件失败: %w", err)
	}

	var fileVocab Vocabulary
	if err := yaml.Unmarshal(data, &fileVocab); err != nil {
		return nil, fmt.Errorf("解析词表文件失败: %w", err)
	}

	vocab.merge(&fileVocab)
	log.Printf("成功加载词表: %s (人员 %d 个)", path, len(vocab.People))
	return vocab, nil
}

// merge 文件中出现的条目覆盖默认值
func (v *Vocabulary) merge(other *Vocabulary) {
	for k, syns := range other.Statuses {
		v.Statuses[k] = syns
	}
	for k, syns := range other.Priorities {
		v.Priorities[k] = syns
	}
	for k, label := range other.Translations.Status {
		v.Translations.Status[k] = label
	}
	for k, label := range other.Translations.Priority {
		v.Translations.Priority[k] = label
	}
	if len(other.People) > 0 {
		v.People = other.People
	}
	if len(other.EntityWords) > 0 {
		v.EntityWords = other.EntityWords
	}
	if len(other.CurrentSprintWords) > 0 {
		v.CurrentSprintWords = other.CurrentSprintWords
	}
}

// DefaultVocabulary 内置词表
func DefaultVocabulary() *Vocabulary {
	return &Vocabulary{
		Statuses: map[string][]string{
			"done":        {"completad", "hecha", "terminad", "finalizad", "cerrad", "done", "completed"},
			"in_progress": {"en progreso", "en curso", "in progress", "haciendo"},
			"qa":          {"qa", "testing", "en pruebas"},
			"review":      {"revision", "review"},
			"cancelled":   {"cancelad", "cancelled"},
			"todo":        {"pendiente", "por hacer", "to do", "sin empezar"},
		},
		Priorities: map[string][]string{
			"urgent": {"urgente", "critica", "critico", "urgent"},
			"high":   {"prioridad alta", "alta prioridad", "high priority"},
			"normal": {"prioridad normal", "prioridad media"},
			"low":    {"prioridad baja", "baja prioridad", "low priority"},
		},
		Translations: Translations{
			Status: map[string]string{
				"todo":        "Pendiente",
				"in_progress": "En progreso",
				"qa":          "En QA/Testing",
				"review":      "En revisión",
				"done":        "Completada",
				"blocked":     "Bloqueada",
				"cancelled":   "Cancelada",
				"unknown":     "Desconocido",
			},
			Priority: map[string]string{
				"urgent":  "Urgente",
				"high":    "Alta",
				"normal":  "Normal",
				"low":     "Baja",
				"unknown": "Sin prioridad",
			},
		},
		EntityWords:        []string{"sprints", "iteraciones", "ciclos"},
		CurrentSprintWords: []string{"actual", "activo", "current", "este sprint", "vigente"},
	}
}
