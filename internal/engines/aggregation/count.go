package aggregation

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/contextkeeper/taskrag/internal/config"
	"github.com/contextkeeper/taskrag/internal/engines/filters"
	"github.com/contextkeeper/taskrag/internal/models"
	"github.com/contextkeeper/taskrag/internal/utils"
)

// maxListedNames 计数回答中最多列出的任务名
const maxListedNames = 5

var (
	countWords     = []string{"cuantas", "cuantos", "cantidad", "numero", "total", "how many"}
	existenceWords = []string{"hay", "existe", "existen", "alguna", "algunas", "alguno", "algun"}
	// 去掉这些词后为空，说明问的是任务总数
	totalFillers = map[string]bool{
		"cuantas": true, "cuantos": true, "cantidad": true, "numero": true, "total": true,
		"tareas": true, "tarea": true, "hay": true, "existen": true, "tenemos": true,
		"en": true, "el": true, "la": true, "las": true, "los": true, "de": true,
		"proyecto": true, "registradas": true, "son": true, "existe": true, "alguna": true,
	}
)

// CountEngine 精确计数，不经过向量检索
type CountEngine struct {
	vocab   *config.Vocabulary
	sprints *SprintAggregator
}

// NewCountEngine 创建计数引擎
func NewCountEngine(vocab *config.Vocabulary, sprints *SprintAggregator) *CountEngine {
	if vocab == nil {
		vocab = config.DefaultVocabulary()
	}
	return &CountEngine{vocab: vocab, sprints: sprints}
}

// countRequest 单次计数请求的解析结果
type countRequest struct {
	query     string
	folded    string
	tasks     []models.TaskRecord
	extractor *filters.Extractor
	pred      *models.FilterPredicate
}

// AnswerCount 回答计数或存在性问题；无法精确回答时返回 Delegate
func (e *CountEngine) AnswerCount(ctx context.Context, query string) (models.Outcome, error) {
	log := utils.Logger("计数引擎").WithContext(ctx)

	tasks, err := e.sprints.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	req := &countRequest{query: query, folded: models.FoldText(query), tasks: tasks}

	// 统计冲刺、迭代等实体的个数，交给生成端
	if e.isEntityCount(req.folded) {
		log.Infof("实体计数，委托生成端")
		return e.delegate(req), nil
	}

	req.extractor = e.extractorFor(tasks)
	req.pred = req.extractor.Extract(query)

	if filters.HasWord(req.folded, "no") {
		return e.answerNegation(ctx, req), nil
	}

	isCount := containsAnyWord(req.folded, countWords)
	isExistence := containsAnyWord(req.folded, existenceWords)

	if req.pred.IsEmpty() {
		if (isCount || isExistence) && isPlainTotal(req.folded) {
			return models.Handled{Answer: e.countSentence(req, tasks)}, nil
		}
		log.Infof("未识别到过滤条件，委托生成端")
		return e.delegate(req), nil
	}

	matched := filterTasks(tasks, req.pred)
	log.Infof("计数完成: 条件=%s, 结果=%d", req.pred.String(), len(matched))

	if isExistence && !isCount && hasSpecialCondition(req.pred) {
		return models.Handled{Answer: e.existenceSentence(req, matched)}, nil
	}
	return models.Handled{Answer: e.countSentence(req, matched)}, nil
}

// Extractor 以数据中的负责人和当前冲刺构建的提取器，检索路径复用
func (e *CountEngine) Extractor(ctx context.Context) (*filters.Extractor, error) {
	tasks, err := e.sprints.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	return e.extractorFor(tasks), nil
}

func (e *CountEngine) extractorFor(tasks []models.TaskRecord) *filters.Extractor {
	return filters.NewExtractor(e.vocab,
		filters.WithRoster(rosterFrom(tasks)...),
		filters.WithCurrentSprint(func() string { return e.sprints.CurrentSprintOf(tasks) }),
	)
}

func (e *CountEngine) delegate(req *countRequest) models.Outcome {
	return models.Delegate{Context: e.sprints.delegationContext(req.tasks), Query: req.query}
}

func (e *CountEngine) isEntityCount(folded string) bool {
	if !containsAnyWord(folded, countWords) {
		return false
	}
	for _, w := range e.vocab.EntityWords {
		if filters.HasWord(folded, models.FoldText(w)) {
			return true
		}
	}
	return false
}

// answerNegation 单一状态取反：总数减去该状态的数量，其他取反交给生成端
func (e *CountEngine) answerNegation(ctx context.Context, req *countRequest) models.Outcome {
	idx := strings.Index(" "+req.folded+" ", " no ")
	after := req.folded
	if idx >= 0 && idx < len(req.folded) {
		after = req.folded[idx:]
	}
	status, ok := filters.DetectStatus(e.vocab, after)
	if !ok || hasSpecialCondition(req.pred) {
		utils.Logger("计数引擎").WithContext(ctx).Infof("复杂否定，委托生成端")
		return e.delegate(req)
	}

	scope := models.NewFilter()
	for _, c := range req.pred.Conditions {
		if c.Field == models.FieldSprint || c.Field == models.FieldAssignees {
			scope.Add(c)
		}
	}
	total := len(filterTasks(req.tasks, scope))
	matching := len(filterTasks(req.tasks, withCondition(scope, models.Eq(models.FieldStatus, string(status)))))

	negated := models.Eq(models.FieldStatus, string(status))
	negated.Negate = true
	remaining := filterTasks(req.tasks, withCondition(scope, negated))
	if len(remaining) != total-matching {
		// 两种算法必须一致
		utils.Logger("计数引擎").WithContext(ctx).Errorf("否定计数不一致: %d != %d-%d", len(remaining), total, matching)
	}

	req.pred = withCondition(scope, negated)
	return models.Handled{Answer: e.countSentence(req, remaining)}
}

func withCondition(base *models.FilterPredicate, c models.Condition) *models.FilterPredicate {
	out := models.NewFilter()
	if base != nil {
		for _, existing := range base.Conditions {
			out.Add(existing)
		}
	}
	out.Add(c)
	return out
}

// filterTasks 精确求交集；冲刺标签按编号比较，评论过滤排除已完成任务
func filterTasks(tasks []models.TaskRecord, pred *models.FilterPredicate) []models.TaskRecord {
	_, hasStatus := pred.Get(models.FieldStatus)
	commentCond, hasComments := pred.Get(models.FieldHasComments)
	activeOnly := hasComments && !hasStatus && !commentCond.Negate && commentCond.Value == "true"

	out := make([]models.TaskRecord, 0)
	for i := range tasks {
		t := &tasks[i]
		if activeOnly && t.Status == models.StatusDone {
			continue
		}
		if matchAll(t, pred) {
			out = append(out, *t)
		}
	}
	return out
}

func matchAll(t *models.TaskRecord, pred *models.FilterPredicate) bool {
	if pred.IsEmpty() {
		return true
	}
	for _, c := range pred.Conditions {
		var hit bool
		if c.Field == models.FieldSprint {
			hit = strings.EqualFold(NormalizeSprintLabel(t.Sprint), NormalizeSprintLabel(c.Value))
			if c.Negate {
				hit = !hit
			}
		} else {
			hit = c.Matches(t)
		}
		if !hit {
			return false
		}
	}
	return true
}

// hasSpecialCondition 包含标志、标签或优先级条件
func hasSpecialCondition(pred *models.FilterPredicate) bool {
	if pred.IsEmpty() {
		return false
	}
	for _, c := range pred.Conditions {
		if models.IsBooleanField(c.Field) || c.Field == models.FieldTags || c.Field == models.FieldPriority {
			return true
		}
	}
	return false
}

func (e *CountEngine) countSentence(req *countRequest, matched []models.TaskRecord) string {
	n := len(matched)
	desc := e.describe(req, n == 1)
	if n == 0 {
		if desc == "" {
			return "No hay tareas registradas."
		}
		return fmt.Sprintf("No hay tareas %s.", desc)
	}
	if desc == "" {
		desc = "en total"
	}

	var b strings.Builder
	if n == 1 {
		fmt.Fprintf(&b, "Hay 1 tarea %s.", desc)
	} else {
		fmt.Fprintf(&b, "Hay %d tareas %s.", n, desc)
	}
	if n <= maxListedNames {
		for i := range matched {
			fmt.Fprintf(&b, "\n- %s", matched[i].Name)
		}
	}
	return b.String()
}

func (e *CountEngine) existenceSentence(req *countRequest, matched []models.TaskRecord) string {
	n := len(matched)
	desc := e.describe(req, n == 1)
	if n == 0 {
		return fmt.Sprintf("No hay tareas %s.", desc)
	}

	_, blockedQuery := req.pred.Get(models.FieldIsBlocked)
	var b strings.Builder
	if n == 1 {
		fmt.Fprintf(&b, "Sí, hay 1 tarea %s:", desc)
	} else {
		fmt.Fprintf(&b, "Sí, hay %d tareas %s:", n, desc)
	}
	for i := range matched {
		if i == maxListedNames {
			fmt.Fprintf(&b, "\n… y %d más.", n-maxListedNames)
			break
		}
		fmt.Fprintf(&b, "\n- %s", matched[i].Name)
		if blockedQuery {
			if detail := blockedDetail(&matched[i]); detail != "" {
				fmt.Fprintf(&b, " (%s)", detail)
			}
		}
	}
	return b.String()
}

// blockedDetail "(2 comentarios, 1 subtarea, con dudas)"
func blockedDetail(t *models.TaskRecord) string {
	var parts []string
	if t.CommentsCount > 0 {
		parts = append(parts, plural(t.CommentsCount, "comentario", "comentarios"))
	}
	if t.SubtasksCount > 0 {
		parts = append(parts, plural(t.SubtasksCount, "subtarea", "subtareas"))
	}
	if t.HasDoubts {
		parts = append(parts, "con dudas")
	}
	return strings.Join(parts, ", ")
}

func plural(n int, singular, pluralForm string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", singular)
	}
	return fmt.Sprintf("%d %s", n, pluralForm)
}

// statusPhrases 状态形容词（单数, 复数）
var statusPhrases = map[string][2]string{
	string(models.StatusDone):       {"completada", "completadas"},
	string(models.StatusInProgress): {"en progreso", "en progreso"},
	string(models.StatusQA):         {"en QA", "en QA"},
	string(models.StatusReview):     {"en revisión", "en revisión"},
	string(models.StatusCancelled):  {"cancelada", "canceladas"},
	string(models.StatusTodo):       {"pendiente", "pendientes"},
	string(models.StatusBlocked):    {"bloqueada", "bloqueadas"},
	string(models.StatusUnknown):    {"con estado desconocido", "con estado desconocido"},
}

// flagPhrases 标志短语（单数, 复数, 取反）
var flagPhrases = map[string][3]string{
	models.FieldIsBlocked:       {"bloqueada", "bloqueadas", "no bloqueada"},
	models.FieldIsOverdue:       {"vencida", "vencidas", "sin vencer"},
	models.FieldIsPendingReview: {"pendiente de revisión", "pendientes de revisión", "sin revisión pendiente"},
	models.FieldHasDoubts:       {"con dudas", "con dudas", "sin dudas"},
	models.FieldHasComments:     {"con comentarios", "con comentarios", "sin comentarios"},
	models.FieldHasSubtasks:     {"con subtareas", "con subtareas", "sin subtareas"},
}

// describe 按 状态、标志、标签、优先级、负责人、冲刺 的顺序拼接描述
func (e *CountEngine) describe(req *countRequest, singular bool) string {
	pred := req.pred
	if pred.IsEmpty() {
		return ""
	}
	form := 1
	if singular {
		form = 0
	}

	var parts []string
	if c, ok := pred.Get(models.FieldStatus); ok {
		phrase := statusPhrases[c.Value][form]
		if phrase == "" {
			phrase = "en estado " + e.vocab.StatusLabel(c.Value)
		}
		if c.Negate {
			phrase = "no " + phrase
		}
		parts = append(parts, phrase)
	}
	for _, field := range []string{
		models.FieldIsBlocked, models.FieldIsOverdue, models.FieldIsPendingReview,
		models.FieldHasDoubts, models.FieldHasComments, models.FieldHasSubtasks,
	} {
		c, ok := pred.Get(field)
		if !ok {
			continue
		}
		phrases := flagPhrases[field]
		if c.Value == "true" && !c.Negate {
			parts = append(parts, phrases[form])
		} else {
			parts = append(parts, phrases[2])
		}
	}
	if c, ok := pred.Get(models.FieldTags); ok {
		parts = append(parts, fmt.Sprintf("con la etiqueta %s", c.Value))
	}
	if c, ok := pred.Get(models.FieldPriority); ok {
		parts = append(parts, fmt.Sprintf("con prioridad %s", e.vocab.PriorityLabel(c.Value)))
	}
	if c, ok := pred.Get(models.FieldAssignees); ok {
		name := c.Value
		if req.extractor != nil {
			if full, found := req.extractor.MatchedPerson(req.query); found {
				name = full
			}
		}
		verb := "asignadas a"
		if singular {
			verb = "asignada a"
		}
		parts = append(parts, fmt.Sprintf("%s %s", verb, titleCase(name)))
	}
	if c, ok := pred.Get(models.FieldSprint); ok {
		parts = append(parts, fmt.Sprintf("en el %s", NormalizeSprintLabel(c.Value)))
	}
	return strings.Join(parts, " ")
}

// rosterFrom 数据中出现过的负责人
func rosterFrom(tasks []models.TaskRecord) []string {
	seen := make(map[string]bool)
	var out []string
	for i := range tasks {
		for _, p := range tasks[i].AssigneeList() {
			key := models.FoldText(p)
			if !seen[key] {
				seen[key] = true
				out = append(out, p)
			}
		}
	}
	return out
}

func containsAnyWord(folded string, words []string) bool {
	for _, w := range words {
		if filters.HasWord(folded, w) {
			return true
		}
	}
	return false
}

func isPlainTotal(folded string) bool {
	words := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		if !totalFillers[w] {
			return false
		}
	}
	return true
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		if len(r) > 0 && unicode.IsLower(r[0]) {
			r[0] = unicode.ToUpper(r[0])
		}
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
