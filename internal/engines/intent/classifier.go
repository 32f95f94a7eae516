package intent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/contextkeeper/taskrag/internal/engines/filters"
	"github.com/contextkeeper/taskrag/internal/llm"
	"github.com/contextkeeper/taskrag/internal/models"
	"github.com/contextkeeper/taskrag/internal/utils"
)

// HeuristicConfidence 规则兜底时的置信度
const HeuristicConfidence = 0.5

const classifierSystemPrompt = "Eres un clasificador experto de intenciones. Responde SOLO con JSON válido."

const classifierPrompt = `Eres un clasificador de intenciones para un sistema de gestión de tareas.

Analiza la siguiente pregunta y clasifícala en UNA de estas categorías:

1. COUNT_TASKS: Pregunta sobre cantidad de tareas (ej: "¿cuántas tareas hay?", "¿cuántas tiene Jorge?")
2. CHECK_EXISTENCE: Pregunta sobre si existe algo (ej: "¿hay comentarios?", "¿existe alguna tarea bloqueada?")
3. TASK_INFO: Pregunta sobre información de una tarea específica (ej: "dame info de esa tarea", "¿qué prioridad tiene?")
4. SPRINT_REPORT: Solicitud de informe o resumen (ej: "genera informe del sprint 2", "resume el sprint")
5. LIST_TASKS: Solicitud de listar tareas (ej: "lista las tareas de Jorge", "muéstrame las bloqueadas")
6. GENERAL_QUERY: Pregunta general que requiere búsqueda semántica

Además, extrae estos atributos si están presentes:
- entity_type: persona, sprint, estado, etiqueta, comentario, subtarea, prioridad, etc.
- entity_value: el valor específico (ej: "Jorge", "Sprint 3", "bloqueada", "comentarios")
- filter_type: si aplica filtro (sprint, status, person, tags, has_comments, has_subtasks)
- filter_value: valor del filtro

Pregunta: %s

Responde SOLO con JSON válido:
{
  "intent": "COUNT_TASKS|CHECK_EXISTENCE|TASK_INFO|SPRINT_REPORT|LIST_TASKS|GENERAL_QUERY",
  "confidence": 0.0-1.0,
  "entity_type": "string o null",
  "entity_value": "string o null",
  "filter_type": "string o null",
  "filter_value": "string o null",
  "requires_context": true|false
}`

// Completer 分类器只需要单次补全
type Completer interface {
	Complete(ctx context.Context, req *llm.LLMRequest) (*llm.LLMResponse, error)
}

// HeuristicRule 关键词规则，按 Priority 升序匹配
type HeuristicRule struct {
	Intent   models.IntentType
	Priority int
	Keywords []string // 已去重音
}

// DefaultHeuristicRules 内置规则表
var DefaultHeuristicRules = []HeuristicRule{
	{Intent: models.IntentCount, Priority: 10, Keywords: []string{"cuantas", "cuantos", "cantidad", "numero"}},
	{Intent: models.IntentExistence, Priority: 20, Keywords: []string{"hay", "existe", "existen", "alguna"}},
	{Intent: models.IntentInfo, Priority: 30, Keywords: []string{"esa tarea", "esa", "dame info", "informacion de"}},
	{Intent: models.IntentReport, Priority: 40, Keywords: []string{"informe", "reporte", "resumen del sprint"}},
	{Intent: models.IntentList, Priority: 50, Keywords: []string{"lista", "listar", "muestra", "muestrame", "cuales son"}},
}

// Classifier LLM 意图分类，失败时退回关键词规则
type Classifier struct {
	client Completer
	rules  []HeuristicRule
}

// NewClassifier client 为 nil 时只用规则
func NewClassifier(client Completer) *Classifier {
	rules := append([]HeuristicRule(nil), DefaultHeuristicRules...)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })
	return &Classifier{client: client, rules: rules}
}

// Classify 对查询分类，永不返回错误：LLM 失败记 warn 后走规则
func (c *Classifier) Classify(ctx context.Context, query string) models.IntentDecision {
	log := utils.Logger("意图分类").WithContext(ctx)
	if c.client == nil {
		return c.Heuristic(query)
	}

	decision, err := c.classifyWithLLM(ctx, query)
	if err != nil {
		log.Warnf("LLM 分类失败，使用规则兜底: %v", err)
		return c.Heuristic(query)
	}
	log.Infof("意图: %s (置信度 %.2f)", decision.Intent, decision.Confidence)
	return decision
}

func (c *Classifier) classifyWithLLM(ctx context.Context, query string) (models.IntentDecision, error) {
	resp, err := c.client.Complete(ctx, &llm.LLMRequest{
		SystemPrompt: classifierSystemPrompt,
		Prompt:       fmt.Sprintf(classifierPrompt, query),
		MaxTokens:    200,
		Temperature:  0.1,
		Format:       "json",
	})
	if err != nil {
		return models.IntentDecision{}, fmt.Errorf("%w: %v", models.ErrClassificationFailure, err)
	}
	return ParseDecision(resp.Content)
}

// ParseDecision 解析分类器的 JSON 回答，允许被 ``` 代码块包裹
func ParseDecision(content string) (models.IntentDecision, error) {
	raw := stripCodeFence(content)
	if raw == "" || !gjson.Valid(raw) {
		return models.IntentDecision{}, fmt.Errorf("%w: 非法 JSON: %q", models.ErrClassificationFailure, content)
	}

	result := gjson.Parse(raw)
	intentType, ok := models.ParseIntent(strings.ToUpper(strings.TrimSpace(result.Get("intent").String())))
	if !ok {
		return models.IntentDecision{}, fmt.Errorf("%w: 未知意图 %q", models.ErrClassificationFailure, result.Get("intent").String())
	}

	confidence := result.Get("confidence").Float()
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	requiresContext := true
	if rc := result.Get("requires_context"); rc.Exists() {
		requiresContext = rc.Bool()
	}

	return models.IntentDecision{
		Intent:          intentType,
		Confidence:      confidence,
		EntityType:      nullableString(result.Get("entity_type")),
		EntityValue:     nullableString(result.Get("entity_value")),
		FilterType:      nullableString(result.Get("filter_type")),
		FilterValue:     nullableString(result.Get("filter_value")),
		RequiresContext: requiresContext,
		Source:          models.SourceLLM,
	}, nil
}

// Heuristic 关键词规则分类
func (c *Classifier) Heuristic(query string) models.IntentDecision {
	folded := models.FoldText(query)
	intentType := models.IntentGeneral
	for _, rule := range c.rules {
		if matchesAny(folded, rule.Keywords) {
			intentType = rule.Intent
			break
		}
	}
	return models.IntentDecision{
		Intent:          intentType,
		Confidence:      HeuristicConfidence,
		RequiresContext: true,
		Source:          models.SourceHeuristic,
	}
}

func matchesAny(folded string, keywords []string) bool {
	for _, k := range keywords {
		if filters.HasWord(folded, k) {
			return true
		}
	}
	return false
}

func nullableString(r gjson.Result) string {
	if r.Type != gjson.String {
		return ""
	}
	s := strings.TrimSpace(r.String())
	if strings.EqualFold(s, "null") {
		return ""
	}
	return s
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
