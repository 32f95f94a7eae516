package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/contextkeeper/taskrag/internal/config"
	"github.com/contextkeeper/taskrag/internal/engines/aggregation"
	"github.com/contextkeeper/taskrag/internal/engines/filters"
	"github.com/contextkeeper/taskrag/internal/models"
	"github.com/contextkeeper/taskrag/internal/utils"
)

// MinQueryRunes 有效查询的最少字符数
const MinQueryRunes = 3

// RouterState 路由状态
type RouterState string

const (
	StateClassify  RouterState = "CLASSIFY"
	StateCompare   RouterState = "COMPARE_PATH"
	StateCount     RouterState = "COUNT_PATH"
	StateRetrieve  RouterState = "RETRIEVE_PATH"
	StateDelegate  RouterState = "DELEGATE_PATH"
	StateReport    RouterState = "REPORT_PATH"
	StateResponded RouterState = "RESPONDED"
)

// 固定回复
const (
	ClarificationMessage = "¿Podrías darme más detalles? Necesito una pregunta un poco más completa para buscar en las tareas."
	NoResultsMessage     = "No he encontrado tareas relevantes para esa consulta en el índice. " +
		"Puedes pedir que busque en todo el proyecto, en otro sprint, o ejecutar el pipeline de indexado si los datos están desactualizados."
)

// Classifier 意图分类
type Classifier interface {
	Classify(ctx context.Context, query string) models.IntentDecision
}

// Retriever 混合检索
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int, predicate *models.FilterPredicate) ([]models.CandidateResult, error)
}

// Reranker 重排序
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []models.CandidateResult) ([]models.CandidateResult, error)
}

// Counter 精确计数
type Counter interface {
	AnswerCount(ctx context.Context, query string) (models.Outcome, error)
	Extractor(ctx context.Context) (*filters.Extractor, error)
}

// RouteResult 一次路由的完整记录
type RouteResult struct {
	Outcome    models.Outcome
	Decision   models.IntentDecision
	Path       []RouterState
	Candidates []models.CandidateResult
	Sprint     string
}

func (r *RouteResult) enter(s RouterState) {
	r.Path = append(r.Path, s)
}

// RouterDeps 路由依赖
type RouterDeps struct {
	Classifier Classifier
	Counter    Counter
	Sprints    *aggregation.SprintAggregator
	Retriever  Retriever
	Reranker   Reranker
	Renderer   ReportRenderer
	Vocab      *config.Vocabulary
	TopK       int
}

// QueryRouter 查询状态机：分类后进入计数、检索、委托或报告路径，每条路径恰好产出一个 Outcome
type QueryRouter struct {
	deps RouterDeps
}

// NewQueryRouter 创建路由
func NewQueryRouter(deps RouterDeps) *QueryRouter {
	if deps.Vocab == nil {
		deps.Vocab = config.DefaultVocabulary()
	}
	if deps.TopK <= 0 {
		deps.TopK = 5
	}
	if deps.Renderer == nil {
		deps.Renderer = NewMarkdownReportRenderer(deps.Vocab)
	}
	return &QueryRouter{deps: deps}
}

var (
	compareWords  = []string{"vs", "versus", "compara", "comparar", "comparacion", "compare"}
	sprintNumbers = regexp.MustCompile(`\d+`)
)

// Route 路由查询
func (r *QueryRouter) Route(ctx context.Context, query string) (*RouteResult, error) {
	log := utils.Logger("查询路由").WithContext(ctx)
	res := &RouteResult{}
	query = strings.TrimSpace(query)

	if utf8.RuneCountInString(query) < MinQueryRunes {
		log.Infof("查询过短: %q", query)
		res.Outcome = models.Handled{Answer: ClarificationMessage}
		res.enter(StateResponded)
		return res, nil
	}

	res.enter(StateClassify)
	// 两个以上冲刺的对比是确定性的，不需要调用分类器
	if sprints := comparedSprints(query); len(sprints) >= 2 {
		res.enter(StateCompare)
		res.Outcome = models.Handled{Answer: r.deps.Sprints.Compare(ctx, sprints)}
		res.enter(StateResponded)
		return res, nil
	}

	res.Decision = r.deps.Classifier.Classify(ctx, query)
	log.Infof("意图 %s (来源 %s)", res.Decision.Intent, res.Decision.Source)

	var err error
	switch res.Decision.Intent {
	case models.IntentCount, models.IntentExistence:
		err = r.countPath(ctx, query, res)
	case models.IntentReport:
		err = r.reportPath(ctx, query, res)
	default:
		err = r.retrievePath(ctx, query, res)
	}
	if err != nil {
		return res, err
	}
	res.enter(StateResponded)
	return res, nil
}

func (r *QueryRouter) countPath(ctx context.Context, query string, res *RouteResult) error {
	res.enter(StateCount)
	outcome, err := r.deps.Counter.AnswerCount(ctx, query)
	if err != nil {
		return err
	}
	delegate, ok := outcome.(models.Delegate)
	if !ok {
		res.Outcome = outcome
		return nil
	}

	// 计数无法解析的人名或实体，交给语义检索
	if mentionsUnresolvedName(query, res.Decision) {
		return r.retrievePath(ctx, query, res)
	}
	res.enter(StateDelegate)
	res.Outcome = delegate
	return nil
}

func (r *QueryRouter) retrievePath(ctx context.Context, query string, res *RouteResult) error {
	log := utils.Logger("查询路由").WithContext(ctx)
	res.enter(StateRetrieve)

	var pred *models.FilterPredicate
	if extractor, err := r.deps.Counter.Extractor(ctx); err != nil {
		log.Warnf("构建数据提取器失败，使用词表提取器: %v", err)
		pred = filters.NewExtractor(r.deps.Vocab).Extract(query)
	} else {
		pred = extractor.Extract(query)
	}

	candidates, err := r.deps.Retriever.Retrieve(ctx, query, r.deps.TopK, pred)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		res.Outcome = models.Handled{Answer: NoResultsMessage}
		return nil
	}

	if r.deps.Reranker != nil {
		reranked, err := r.deps.Reranker.Rerank(ctx, query, candidates)
		if err != nil {
			log.Warnf("重排序失败，保留检索顺序: %v", err)
		} else {
			candidates = reranked
		}
	}

	res.Candidates = candidates
	res.enter(StateDelegate)
	res.Outcome = models.Delegate{Context: FormatResults(candidates, r.deps.Vocab), Query: query}
	return nil
}

func (r *QueryRouter) reportPath(ctx context.Context, query string, res *RouteResult) error {
	res.enter(StateReport)
	sprint, err := r.resolveSprint(ctx, query)
	if err != nil {
		return err
	}
	if sprint == "" {
		res.Outcome = models.Handled{Answer: "No hay sprints registrados todavía."}
		return nil
	}
	res.Sprint = sprint

	report, err := r.Report(ctx, sprint)
	if errors.Is(err, models.ErrNoTasksInScope) {
		res.Outcome = models.Handled{Answer: fmt.Sprintf("No hay tareas registradas en el %s.", sprint)}
		return nil
	}
	if err != nil {
		return err
	}
	res.Outcome = models.Handled{Answer: report}
	return nil
}

// Report 冲刺 markdown 报告
func (r *QueryRouter) Report(ctx context.Context, sprint string) (string, error) {
	sprint = aggregation.NormalizeSprintLabel(sprint)
	metrics, err := r.deps.Sprints.Metrics(ctx, sprint)
	if err != nil {
		return "", err
	}
	tasks, err := r.deps.Sprints.TaskList(ctx, sprint)
	if err != nil {
		return "", err
	}
	return r.deps.Renderer.Render(sprint, metrics, tasks)
}

// resolveSprint 查询中的冲刺编号，否则取当前冲刺
func (r *QueryRouter) resolveSprint(ctx context.Context, query string) (string, error) {
	folded := models.FoldText(query)
	if idx := strings.Index(folded, "sprint"); idx >= 0 {
		if m := sprintNumbers.FindString(folded[idx:]); m != "" {
			return aggregation.NormalizeSprintLabel(m), nil
		}
	}
	return r.deps.Sprints.CurrentSprint(ctx)
}

// comparedSprints "compara el sprint 2 y el 3"、"sprint 2 vs sprint 3"
func comparedSprints(query string) []string {
	folded := models.FoldText(query)
	if !strings.Contains(folded, "sprint") {
		return nil
	}
	compare := false
	for _, w := range compareWords {
		if filters.HasWord(folded, w) {
			compare = true
			break
		}
	}
	if !compare {
		return nil
	}

	seen := make(map[string]bool)
	var out []string
	for _, n := range sprintNumbers.FindAllString(folded, -1) {
		label := aggregation.NormalizeSprintLabel(n)
		if !seen[label] {
			seen[label] = true
			out = append(out, label)
		}
	}
	return out
}

// mentionsUnresolvedName 分类器给出人名实体，或查询中出现句首以外的大写词
func mentionsUnresolvedName(query string, decision models.IntentDecision) bool {
	switch strings.ToLower(decision.EntityType) {
	case "persona", "person", "tarea", "task":
		if decision.EntityValue != "" {
			return true
		}
	}
	words := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for i, w := range words {
		if i == 0 {
			continue
		}
		first, _ := utf8.DecodeRuneInString(w)
		// 全大写的缩写（QA）不算人名
		if unicode.IsUpper(first) && strings.ToUpper(w) != w && !strings.EqualFold(w, "sprint") {
			return true
		}
	}
	return false
}
