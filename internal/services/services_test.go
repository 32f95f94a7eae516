package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/contextkeeper/taskrag/internal/config"
	"github.com/contextkeeper/taskrag/internal/engines/aggregation"
	"github.com/contextkeeper/taskrag/internal/engines/intent"
	"github.com/contextkeeper/taskrag/internal/engines/retrieval"
	"github.com/contextkeeper/taskrag/internal/llm"
	"github.com/contextkeeper/taskrag/internal/models"
	"github.com/contextkeeper/taskrag/pkg/vectorstore"
)

// keywordEncoder 按关键词出现与否生成向量，最后一维恒为 1
type keywordEncoder struct{}

var encoderKeywords = []string{"login", "oauth", "autenticacion", "pipeline", "datos", "ingesta", "dashboard", "metricas"}

func (keywordEncoder) Encode(_ context.Context, text string) ([]float32, error) {
	folded := models.FoldText(text)
	vec := make([]float32, len(encoderKeywords)+1)
	for i, k := range encoderKeywords {
		if strings.Contains(folded, k) {
			vec[i] = 1
		}
	}
	vec[len(encoderKeywords)] = 1
	return vec, nil
}

func sampleTasks() []models.TaskRecord {
	tasks := []models.TaskRecord{
		{ID: "a1", Name: "Login con OAuth", Text: "Implementar login OAuth para la autenticación", Sprint: "Sprint 1", Status: "done", Priority: "high", Assignees: "Ana"},
		{ID: "a2", Name: "Pipeline de datos", Text: "Pipeline de ingesta de datos", Sprint: "Sprint 2", Status: "in_progress", Priority: "urgent", Assignees: "Luis", IsBlocked: true, CommentsCount: 2},
		{ID: "a3", Name: "Dashboard de métricas", Text: "Dashboard con métricas del sprint", Sprint: "Sprint 2", Status: "todo", Priority: "normal", Assignees: "Ana"},
	}
	for i := range tasks {
		tasks[i].Normalize()
	}
	return tasks
}

type fixture struct {
	store  *vectorstore.MemoryStore
	router *QueryRouter
}

func newFixture(t *testing.T, reranker Reranker) *fixture {
	t.Helper()
	ctx := context.Background()
	store := vectorstore.NewMemoryStore()
	if err := vectorstore.IndexSnapshot(ctx, store, keywordEncoder{}, sampleTasks()); err != nil {
		t.Fatalf("IndexSnapshot: %v", err)
	}

	vocab := config.DefaultVocabulary()
	sprints := aggregation.NewSprintAggregator(store, vocab, "")
	if reranker == nil {
		reranker = retrieval.NewReranker(retrieval.NewLexicalRelevanceModel())
	}
	router := NewQueryRouter(RouterDeps{
		Classifier: intent.NewClassifier(nil),
		Counter:    aggregation.NewCountEngine(vocab, sprints),
		Sprints:    sprints,
		Retriever:  retrieval.NewHybridRetriever(store, retrieval.NewEmbeddingCache(keywordEncoder{}, 10), 4),
		Reranker:   reranker,
		Vocab:      vocab,
		TopK:       5,
	})
	return &fixture{store: store, router: router}
}

func pathString(p []RouterState) string {
	parts := make([]string, len(p))
	for i, s := range p {
		parts[i] = string(s)
	}
	return strings.Join(parts, ">")
}

func TestRouteStateMachine(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		query    string
		path     string
		handled  bool
		contains string
	}{
		{"too short", " ok ", "RESPONDED", true, ClarificationMessage},
		{"compare", "compara el sprint 1 vs sprint 2", "CLASSIFY>COMPARE_PATH>RESPONDED", true, "Comparación de sprints:"},
		{"count", "¿cuántas tareas hay en el sprint 2?", "CLASSIFY>COUNT_PATH>RESPONDED", true, "Hay 2 tareas en el Sprint 2."},
		{"existence", "¿hay tareas bloqueadas?", "CLASSIFY>COUNT_PATH>RESPONDED", true, "Pipeline de datos"},
		{"entity count delegates", "¿cuántos sprints hay?", "CLASSIFY>COUNT_PATH>DELEGATE_PATH>RESPONDED", false, "Resumen del proyecto"},
		{"unknown person retrieves", "¿cuántas tareas tiene Roberto?", "CLASSIFY>COUNT_PATH>RETRIEVE_PATH>DELEGATE_PATH>RESPONDED", false, "[a"},
		{"general retrieves", "¿qué problemas tiene el pipeline de datos?", "CLASSIFY>RETRIEVE_PATH>DELEGATE_PATH>RESPONDED", false, "1. [a2] 'Pipeline de datos'"},
		{"report", "genera el informe del sprint 2", "CLASSIFY>REPORT_PATH>RESPONDED", true, "RESUMEN EJECUTIVO"},
		{"report empty sprint", "genera el informe del sprint 9", "CLASSIFY>REPORT_PATH>RESPONDED", true, "No hay tareas registradas en el Sprint 9."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.router.Route(ctx, tt.query)
			if err != nil {
				t.Fatalf("Route: %v", err)
			}
			if got := pathString(res.Path); got != tt.path {
				t.Errorf("path = %s, want %s", got, tt.path)
			}
			var text string
			switch out := res.Outcome.(type) {
			case models.Handled:
				if !tt.handled {
					t.Errorf("expected Delegate, got Handled %q", out.Answer)
				}
				text = out.Answer
			case models.Delegate:
				if tt.handled {
					t.Errorf("expected Handled, got Delegate")
				}
				text = out.Context
			default:
				t.Fatalf("unexpected outcome %T", res.Outcome)
			}
			if !strings.Contains(text, tt.contains) {
				t.Errorf("outcome %q does not contain %q", text, tt.contains)
			}
		})
	}
}

type failingReranker struct{}

func (failingReranker) Rerank(context.Context, string, []models.CandidateResult) ([]models.CandidateResult, error) {
	return nil, models.ErrRerankFailure
}

func TestRerankFailureKeepsRetrievalOrder(t *testing.T) {
	f := newFixture(t, failingReranker{})
	res, err := f.router.Route(context.Background(), "lista el pipeline de datos")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Candidates) != 3 || res.Candidates[0].Task.ID != "a2" {
		t.Fatalf("unexpected candidates: %+v", res.Candidates)
	}
	for i := 1; i < len(res.Candidates); i++ {
		if res.Candidates[i-1].Score < res.Candidates[i].Score {
			t.Errorf("retrieval order not preserved at %d", i)
		}
	}
}

// brokenStore 存储不可用
type brokenStore struct{}

func (brokenStore) Search(context.Context, []float32, int, *models.FilterPredicate) ([]models.CandidateResult, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func (brokenStore) Scan(context.Context, *models.FilterPredicate, int) ([]models.TaskRecord, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func (brokenStore) Capabilities() models.Capabilities {
	return vectorstore.FullCapabilities("broken")
}

func TestAskConvertsStoreFailure(t *testing.T) {
	sprints := aggregation.NewSprintAggregator(brokenStore{}, nil, "")
	router := NewQueryRouter(RouterDeps{
		Classifier: intent.NewClassifier(nil),
		Counter:    aggregation.NewCountEngine(nil, sprints),
		Sprints:    sprints,
		Retriever:  retrieval.NewHybridRetriever(brokenStore{}, retrieval.NewEmbeddingCache(keywordEncoder{}, 10), 4),
	})
	svc := NewAnswerService(router, nil)

	for _, q := range []string{"¿cuántas tareas hay?", "¿qué pasa con el login?"} {
		ans := svc.Ask(context.Background(), q)
		if ans.Text != StoreErrorMessage {
			t.Errorf("%q: answer = %q", q, ans.Text)
		}
	}
}

type fakeLLM struct {
	content string
	err     error
	last    *llm.LLMRequest
}

func (f *fakeLLM) Complete(_ context.Context, req *llm.LLMRequest) (*llm.LLMResponse, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.LLMResponse{Content: f.content, Model: "fake", Attempts: 1}, nil
}

func TestAskWithoutLLMReturnsFragments(t *testing.T) {
	f := newFixture(t, nil)
	ans := NewAnswerService(f.router, nil).Ask(context.Background(), "¿qué problemas tiene el pipeline de datos?")
	if !strings.HasPrefix(ans.Text, "He encontrado 3 fragmentos relevantes:") {
		t.Errorf("answer = %q", ans.Text)
	}
	if ans.Handled || len(ans.Sources) != 3 || ans.Sources[0] != "a2" {
		t.Errorf("unexpected answer metadata: %+v", ans)
	}
	if ans.Debug != "" {
		t.Error("debug output without debug trigger")
	}
}

func TestAskSynthesizesWithLLM(t *testing.T) {
	f := newFixture(t, nil)
	fake := &fakeLLM{content: "  El pipeline está bloqueado.\n\nAcciones recomendadas:\n- Luis: desbloquear (alta)  "}
	svc := NewAnswerService(f.router, fake)

	ans := svc.Ask(context.Background(), "¿qué problemas tiene el pipeline de datos? mostrar contexto")
	if !strings.HasPrefix(ans.Text, "El pipeline está bloqueado.") || strings.HasSuffix(ans.Text, " ") {
		t.Errorf("answer = %q", ans.Text)
	}
	if fake.last == nil || fake.last.Temperature != 0 {
		t.Fatalf("unexpected request: %+v", fake.last)
	}
	for _, want := range []string{SystemInstructions, "Contexto:\n1. [a2]", "Pregunta: ", "Acciones recomendadas:"} {
		if !strings.Contains(fake.last.Prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if !strings.Contains(ans.Debug, "DEBUG - Prompt usado:") || !strings.Contains(ans.Debug, "a2") {
		t.Errorf("debug = %q", ans.Debug)
	}

	// 计数结果不经过 LLM
	fake.last = nil
	count := svc.Ask(context.Background(), "¿cuántas tareas hay en el sprint 1?")
	if !count.Handled || fake.last != nil {
		t.Errorf("count answer should not call the LLM: %+v", count)
	}
}

func TestAskLLMFailureApologizes(t *testing.T) {
	f := newFixture(t, nil)
	fake := &fakeLLM{err: &llm.LLMError{Code: "HTTP_503", Message: "HTTP 503", Retryable: true}}
	ans := NewAnswerService(f.router, fake).Ask(context.Background(), "¿qué problemas tiene el pipeline de datos?")
	if ans.Text != SynthesisErrorMessage {
		t.Errorf("answer = %q", ans.Text)
	}
}

func TestReportFormats(t *testing.T) {
	f := newFixture(t, nil)
	svc := NewAnswerService(f.router, nil)
	ctx := context.Background()

	md, err := svc.Report(ctx, "2", "markdown")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"# Informe del Sprint 2", "## RESUMEN EJECUTIVO", "| En progreso | 1 |", "## Tareas bloqueadas", "- **Pipeline de datos** (Luis)"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}

	html, err := svc.Report(ctx, "", "html")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(html, "<h2>RESUMEN EJECUTIVO</h2>") || !strings.Contains(html, "<table>") {
		t.Errorf("unexpected html:\n%s", html)
	}

	if _, err := svc.Report(ctx, "Sprint 7", ""); !errors.Is(err, models.ErrNoTasksInScope) {
		t.Errorf("expected ErrNoTasksInScope, got %v", err)
	}
}

func TestFormatResults(t *testing.T) {
	long := strings.Repeat("palabra ", 60)
	results := []models.CandidateResult{
		{Task: models.TaskRecord{ID: "x1", Name: "Uno", Sprint: "Sprint 1", Status: "todo", Priority: "high", Text: long}},
		{Task: models.TaskRecord{ID: "x1", Name: "Uno duplicado"}},
		{Task: models.TaskRecord{ID: "x2", Name: "Dos", Status: "done", Priority: "unknown"}},
	}
	got := FormatResults(results, nil)

	if strings.Contains(got, "Uno duplicado") {
		t.Error("duplicate task id should be skipped")
	}
	for _, want := range []string{
		"1. [x1] 'Uno'\n   Sprint: Sprint 1\n   Estado: Pendiente | Prioridad: Alta | Asignado: sin asignar",
		"2. [x2] 'Dos'\n   Sprint: -\n   Estado: Completada | Prioridad: Sin prioridad",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}
	if s := Snippet(long, 300); len([]rune(s)) != 303 || !strings.HasSuffix(s, "...") {
		t.Errorf("snippet length = %d", len([]rune(s)))
	}
}

func TestChatSessionFollowUp(t *testing.T) {
	f := newFixture(t, nil)
	manager := NewChatSessionManager(NewAnswerService(f.router, nil))
	session := manager.Register(nil)
	ctx := context.Background()

	manager.Ask(ctx, session, "¿qué problemas tiene el pipeline de datos?")
	if session.LastTask() != "Pipeline de datos" {
		t.Fatalf("last task = %q", session.LastTask())
	}

	ans := manager.Ask(ctx, session, "dame info de esa tarea")
	if len(ans.Sources) == 0 || ans.Sources[0] != "a2" {
		t.Errorf("follow-up should resolve to the previous task: %v", ans.Sources)
	}
	if h := session.History(); len(h) != 2 || h[1].Query != "dame info de esa tarea" {
		t.Errorf("history = %+v", h)
	}

	if manager.Count() != 1 {
		t.Errorf("Count = %d", manager.Count())
	}
	manager.Unregister(session.ID)
	if _, ok := manager.Get(session.ID); ok {
		t.Error("session should be removed")
	}
}
