package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/contextkeeper/taskrag/internal/engines/filters"
	"github.com/contextkeeper/taskrag/internal/llm"
	"github.com/contextkeeper/taskrag/internal/models"
	"github.com/contextkeeper/taskrag/internal/utils"
)

// 提示词
const (
	SystemInstructions = "Eres un asistente experto en Scrum/Agile y en la gestión de tareas (ClickUp). " +
		"Responde de forma concisa, evita la jerga innecesaria y no inventes información que no esté en el contexto proporcionado. " +
		"Cuando la información sea incompleta, indícalo claramente y sugiere pasos para obtenerla. " +
		"Prioriza acciones prácticas y asignables (quién debe hacer qué)."

	synthesisSystemPrompt = "Eres un asistente conciso, experto en gestión ágil y orientado a acciones. Usa únicamente la información del contexto."

	ragPromptTemplate = "%s\n\n" +
		"He identificado fragmentos relevantes en las tareas del proyecto. " +
		"Usa sólo la información dentro del contexto para responder la pregunta.\n\n" +
		"Contexto:\n%s\n\n" +
		"Pregunta: %s\n\n" +
		"Proporciona una única respuesta clara y directa en un solo párrafo (sin encabezados, sin la palabra 'Respuesta' y sin numeración).\n\n" +
		"Si hay acciones recomendadas, precede la lista con la línea exacta 'Acciones recomendadas:' (sin comillas) seguida de las viñetas (cada acción en su propia línea que comience con '- '). " +
		"Para cada acción incluye: responsable (owner) y prioridad (alta/media/baja). No uses numeración. Si NO hay acciones recomendadas, no añadas el encabezado ni las viñetas.\n\n" +
		"Si alguna información no está disponible en el contexto, indícalo explícitamente y evita adivinar.\n\n"
)

// 出错时给用户的固定回复
const (
	StoreErrorMessage     = "Lo siento, ahora mismo no puedo acceder a las tareas del proyecto. Inténtalo de nuevo en unos minutos."
	EmbeddingErrorMessage = "Lo siento, no he podido procesar tu pregunta en este momento. Inténtalo de nuevo en unos minutos."
	SynthesisErrorMessage = "Lo siento, no he podido generar una respuesta en este momento. Inténtalo de nuevo en unos minutos."
	GenericErrorMessage   = "Lo siento, ha ocurrido un error inesperado al procesar tu pregunta."
)

var debugTriggers = []string{"debug", "mostrar contexto", "mostrar prompt"}

// Completer 生成端
type Completer interface {
	Complete(ctx context.Context, req *llm.LLMRequest) (*llm.LLMResponse, error)
}

// Answer 一次问答的结果
type Answer struct {
	Text    string                   `json:"answer"`
	Intent  models.IntentType        `json:"intent,omitempty"`
	Path    []RouterState            `json:"path"`
	Sources []string                 `json:"sources,omitempty"`
	Debug   string                   `json:"debug,omitempty"`
	Handled bool                     `json:"handled"`
	Outcome models.Outcome           `json:"-"`
	Results []models.CandidateResult `json:"-"`
}

// AnswerService 路由后把 Delegate 交给 LLM 合成最终回答
type AnswerService struct {
	router *QueryRouter
	llm    Completer
}

// NewAnswerService llm 为 nil 时直接返回检索上下文
func NewAnswerService(router *QueryRouter, completer Completer) *AnswerService {
	return &AnswerService{router: router, llm: completer}
}

// Router 底层路由
func (s *AnswerService) Router() *QueryRouter {
	return s.router
}

// BuildRAGPrompt 组装 RAG 提示词
func BuildRAGPrompt(contextText, question string) string {
	return fmt.Sprintf(ragPromptTemplate, SystemInstructions, contextText, question)
}

// Ask 回答问题；内部错误转成道歉消息，不向调用方返回
func (s *AnswerService) Ask(ctx context.Context, query string) *Answer {
	ctx = utils.EnsureTraceID(ctx)
	log := utils.Logger("问答服务").WithContext(ctx)

	res, err := s.router.Route(ctx, query)
	if err != nil {
		log.Errorf("路由失败: %v", err)
		ans := &Answer{Text: errorMessage(err)}
		if res != nil {
			ans.Path = res.Path
			ans.Intent = res.Decision.Intent
		}
		return ans
	}

	ans := &Answer{
		Intent:  res.Decision.Intent,
		Path:    res.Path,
		Outcome: res.Outcome,
		Results: res.Candidates,
	}
	for _, c := range res.Candidates {
		ans.Sources = append(ans.Sources, c.Task.ID)
	}

	switch out := res.Outcome.(type) {
	case models.Handled:
		ans.Text = out.Answer
		ans.Handled = true
	case models.Delegate:
		prompt := BuildRAGPrompt(out.Context, out.Query)
		ans.Text = s.synthesize(ctx, out, prompt, len(res.Candidates))
		if wantsDebug(query) {
			ans.Debug = fmt.Sprintf("DEBUG - Prompt usado:\n\n%s\n\n---\nFuentes:\n%s", prompt, strings.Join(ans.Sources, ", "))
		}
	default:
		log.Errorf("未知的路由结果类型: %T", res.Outcome)
		ans.Text = GenericErrorMessage
	}
	return ans
}

func (s *AnswerService) synthesize(ctx context.Context, out models.Delegate, prompt string, fragments int) string {
	log := utils.Logger("问答服务").WithContext(ctx)
	if s.llm == nil {
		if fragments > 0 {
			return fmt.Sprintf("He encontrado %d fragmentos relevantes:\n\n%s", fragments, out.Context)
		}
		return fmt.Sprintf("Esto es lo que sé del proyecto:\n\n%s", out.Context)
	}

	resp, err := s.llm.Complete(ctx, &llm.LLMRequest{
		SystemPrompt: synthesisSystemPrompt,
		Prompt:       prompt,
		MaxTokens:    400,
		Temperature:  0,
	})
	if err != nil {
		log.Errorf("LLM 合成失败: %v", err)
		return SynthesisErrorMessage
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		log.Warnf("LLM 返回空内容")
		return SynthesisErrorMessage
	}
	log.Infof("LLM 合成完成: 模型=%s, 尝试=%d, 耗时=%v", resp.Model, resp.Attempts, resp.Duration)
	return text
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, models.ErrStoreUnavailable):
		return StoreErrorMessage
	case errors.Is(err, models.ErrEmbeddingFailure), errors.Is(err, models.ErrInvalidQuery):
		return EmbeddingErrorMessage
	case errors.Is(err, models.ErrRerankFailure):
		return SynthesisErrorMessage
	default:
		return GenericErrorMessage
	}
}

func wantsDebug(query string) bool {
	folded := models.FoldText(query)
	for _, t := range debugTriggers {
		if filters.HasWord(folded, t) {
			return true
		}
	}
	return false
}

// Metrics 冲刺指标
func (s *AnswerService) Metrics(ctx context.Context, sprint string) (models.SprintMetrics, error) {
	return s.router.deps.Sprints.Metrics(ctx, sprint)
}

// CurrentSprint 当前冲刺标签
func (s *AnswerService) CurrentSprint(ctx context.Context) (string, error) {
	return s.router.deps.Sprints.CurrentSprint(ctx)
}

// Compare 冲刺对比
func (s *AnswerService) Compare(ctx context.Context, sprints []string) string {
	return s.router.deps.Sprints.Compare(ctx, sprints)
}

// Report 冲刺报告，format 为 "html" 时转换为 HTML
func (s *AnswerService) Report(ctx context.Context, sprint, format string) (string, error) {
	if strings.TrimSpace(sprint) == "" {
		current, err := s.router.deps.Sprints.CurrentSprint(ctx)
		if err != nil {
			return "", err
		}
		sprint = current
	}
	md, err := s.router.Report(ctx, sprint)
	if err != nil {
		return "", err
	}
	if strings.EqualFold(format, "html") {
		return RenderHTML(md)
	}
	return md, nil
}
