package retrieval

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/contextkeeper/taskrag/internal/models"
	"github.com/contextkeeper/taskrag/pkg/vectorstore"
)

// countingEncoder 记录调用次数，向量由文本长度决定
type countingEncoder struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (e *countingEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.err != nil {
		return nil, e.err
	}
	return []float32{float32(len(text)), 1}, nil
}

func TestEmbeddingCacheHitReturnsEqualVector(t *testing.T) {
	enc := &countingEncoder{}
	cache := NewEmbeddingCache(enc, 10)
	ctx := context.Background()

	v1, err := cache.GetOrCompute(ctx, "  Tareas   BLOQUEADAS ")
	if err != nil {
		t.Fatalf("GetOrCompute failed: %v", err)
	}
	v2, err := cache.GetOrCompute(ctx, "tareas bloqueadas")
	if err != nil {
		t.Fatalf("GetOrCompute failed: %v", err)
	}
	if fmt.Sprint(v1) != fmt.Sprint(v2) {
		t.Errorf("vectors differ: %v vs %v", v1, v2)
	}
	if got := enc.calls.Load(); got != 1 {
		t.Errorf("expected 1 encoder call, got %d", got)
	}

	// 调用方修改返回值不影响缓存
	v1[0] = -1
	v3, _ := cache.GetOrCompute(ctx, "tareas bloqueadas")
	if v3[0] == -1 {
		t.Error("cache entry was mutated through returned slice")
	}
}

func TestEmbeddingCacheFIFOEviction(t *testing.T) {
	enc := &countingEncoder{}
	cache := NewEmbeddingCache(enc, 2)
	ctx := context.Background()

	for _, q := range []string{"uno", "dos", "tres"} {
		if _, err := cache.GetOrCompute(ctx, q); err != nil {
			t.Fatalf("GetOrCompute(%q) failed: %v", q, err)
		}
	}
	if cache.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", cache.Len())
	}
	if cache.Contains("uno") {
		t.Error("oldest entry should have been evicted")
	}

	before := enc.calls.Load()
	v, err := cache.GetOrCompute(ctx, "uno")
	if err != nil {
		t.Fatalf("recompute failed: %v", err)
	}
	if enc.calls.Load() != before+1 {
		t.Error("evicted entry should be recomputed")
	}
	if v[0] != 3 {
		t.Errorf("recomputed vector wrong: %v", v)
	}
	if cache.Contains("dos") {
		t.Error("second entry should now be evicted")
	}
}

func TestEmbeddingCacheFailureDoesNotInsert(t *testing.T) {
	enc := &countingEncoder{err: errors.New("modelo caído")}
	cache := NewEmbeddingCache(enc, 5)

	_, err := cache.GetOrCompute(context.Background(), "hola mundo")
	if !errors.Is(err, models.ErrEmbeddingFailure) {
		t.Fatalf("expected ErrEmbeddingFailure, got %v", err)
	}
	if cache.Len() != 0 {
		t.Errorf("failed computation must not be cached, len=%d", cache.Len())
	}

	_, err = cache.GetOrCompute(context.Background(), "   ")
	if !errors.Is(err, models.ErrInvalidQuery) {
		t.Errorf("expected ErrInvalidQuery for blank text, got %v", err)
	}
}

func TestEmbeddingCacheConcurrentMissComputesOnce(t *testing.T) {
	enc := &countingEncoder{delay: 50 * time.Millisecond}
	cache := NewEmbeddingCache(enc, 5)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.GetOrCompute(context.Background(), "misma consulta"); err != nil {
				t.Errorf("GetOrCompute failed: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := enc.calls.Load(); got != 1 {
		t.Errorf("expected exactly 1 encoder call, got %d", got)
	}
}

// vecEncoder 所有查询返回同一个方向
type vecEncoder struct{}

func (vecEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func seedStore(t *testing.T, store vectorstore.TaskStore, n int) {
	t.Helper()
	tasks := make([]vectorstore.IndexedTask, 0, n)
	for i := 0; i < n; i++ {
		task := models.TaskRecord{
			ID:        fmt.Sprintf("t%02d", i),
			Name:      fmt.Sprintf("Tarea %d", i),
			Status:    models.StatusTodo,
			Sprint:    fmt.Sprintf("Sprint %d", i%2+1),
			IsBlocked: i%5 == 0,
		}
		task.Normalize()
		// 相似度随 i 递减
		tasks = append(tasks, vectorstore.IndexedTask{Task: task, Vector: []float32{1, float32(i) / 10}})
	}
	if err := store.Replace(context.Background(), tasks); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
}

func TestHybridRetrieverPushableFilter(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	seedStore(t, store, 20)
	r := NewHybridRetriever(store, NewEmbeddingCache(vecEncoder{}, 10), 4)

	results, err := r.Retrieve(context.Background(), "tareas del sprint 2", 3, models.NewFilter(models.Eq(models.FieldSprint, "Sprint 2")))
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	want := []string{"t01", "t03", "t05"}
	for i, res := range results {
		if res.Task.ID != want[i] {
			t.Errorf("result %d = %s, want %s", i, res.Task.ID, want[i])
		}
	}
}

// Scenario: the store cannot filter booleans, so is_blocked is applied in process.
func TestHybridRetrieverResidualBooleanFilter(t *testing.T) {
	caps := models.Capabilities{
		Backend:        "no-bool",
		EqualityFields: map[string]bool{models.FieldSprint: true, models.FieldStatus: true},
		MaxSearchLimit: 1000,
	}
	store := vectorstore.NewMemoryStoreWithCapabilities(caps)
	seedStore(t, store, 20)
	r := NewHybridRetriever(store, NewEmbeddingCache(vecEncoder{}, 10), 4)

	results, err := r.Retrieve(context.Background(), "tareas bloqueadas", 2, models.NewFilter(models.Flag(models.FieldIsBlocked, true)))
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results (truncated), got %d", len(results))
	}
	if results[0].Task.ID != "t00" || results[1].Task.ID != "t05" {
		t.Errorf("unexpected order: %s, %s", results[0].Task.ID, results[1].Task.ID)
	}
	for _, res := range results {
		if !res.Task.IsBlocked {
			t.Errorf("task %s is not blocked", res.Task.ID)
		}
	}
}

// recordingSearcher 记录请求的 topK
type recordingSearcher struct {
	caps    models.Capabilities
	results []models.CandidateResult
	err     error
	topK    int
	filter  *models.FilterPredicate
}

func (s *recordingSearcher) Search(ctx context.Context, vector []float32, topK int, filter *models.FilterPredicate) ([]models.CandidateResult, error) {
	s.topK = topK
	s.filter = filter
	return s.results, s.err
}

func (s *recordingSearcher) Capabilities() models.Capabilities { return s.caps }

func TestHybridRetrieverOverFetchCappedByStoreLimit(t *testing.T) {
	s := &recordingSearcher{caps: models.Capabilities{
		EqualityFields: map[string]bool{models.FieldSprint: true},
		MaxSearchLimit: 30,
	}}
	r := NewHybridRetriever(s, NewEmbeddingCache(vecEncoder{}, 10), 4)

	pred := models.NewFilter(models.Eq(models.FieldSprint, "Sprint 1"), models.Flag(models.FieldHasDoubts, true))
	if _, err := r.Retrieve(context.Background(), "dudas", 5, pred); err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if s.topK != 20 {
		t.Errorf("expected over-fetch 20, got %d", s.topK)
	}
	if s.filter == nil || len(s.filter.Conditions) != 1 || s.filter.Conditions[0].Field != models.FieldSprint {
		t.Errorf("pushable part should still be pushed, got %v", s.filter)
	}

	if _, err := r.Retrieve(context.Background(), "dudas", 10, pred); err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if s.topK != 30 {
		t.Errorf("expected cap at 30, got %d", s.topK)
	}

	if _, err := r.Retrieve(context.Background(), "dudas", 10, models.NewFilter(models.Eq(models.FieldSprint, "Sprint 1"))); err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if s.topK != 10 {
		t.Errorf("fully pushable predicate should fetch exactly topK, got %d", s.topK)
	}
}

func TestHybridRetrieverEmptyAndDedup(t *testing.T) {
	s := &recordingSearcher{caps: models.Capabilities{}}
	r := NewHybridRetriever(s, NewEmbeddingCache(vecEncoder{}, 10), 4)

	results, err := r.Retrieve(context.Background(), "nada", 5, nil)
	if err != nil || results == nil || len(results) != 0 {
		t.Errorf("expected empty non-nil slice, got %v, %v", results, err)
	}

	a := models.TaskRecord{ID: "a"}
	b := models.TaskRecord{ID: "b"}
	s.results = []models.CandidateResult{{Task: a, Score: 0.9}, {Task: a, Score: 0.8}, {Task: b, Score: 0.7}}
	results, err = r.Retrieve(context.Background(), "chunks", 5, nil)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(results) != 2 || results[0].Task.ID != "a" || results[1].Task.ID != "b" {
		t.Errorf("expected de-duplicated [a b], got %+v", results)
	}
}

func TestHybridRetrieverErrors(t *testing.T) {
	s := &recordingSearcher{err: errors.New("connection refused")}
	r := NewHybridRetriever(s, NewEmbeddingCache(vecEncoder{}, 10), 4)
	if _, err := r.Retrieve(context.Background(), "hola", 3, nil); !errors.Is(err, models.ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}

	r = NewHybridRetriever(&recordingSearcher{}, NewEmbeddingCache(&countingEncoder{err: errors.New("x")}, 10), 4)
	if _, err := r.Retrieve(context.Background(), "hola", 3, nil); !errors.Is(err, models.ErrEmbeddingFailure) {
		t.Errorf("expected ErrEmbeddingFailure, got %v", err)
	}

	if _, err := r.Retrieve(context.Background(), "hola", 0, nil); !errors.Is(err, models.ErrInvalidQuery) {
		t.Errorf("expected ErrInvalidQuery for topK=0, got %v", err)
	}
}

// fixedModel 返回预设分数
type fixedModel struct {
	scores []float64
	err    error
	calls  int
}

func (m *fixedModel) Score(ctx context.Context, query string, docs []string) ([]float64, error) {
	m.calls++
	return m.scores, m.err
}

func candidates(ids ...string) []models.CandidateResult {
	out := make([]models.CandidateResult, len(ids))
	for i, id := range ids {
		out[i] = models.CandidateResult{Task: models.TaskRecord{ID: id, Name: id}, Score: float64(len(ids) - i)}
	}
	return out
}

func TestRerankerStablePermutation(t *testing.T) {
	model := &fixedModel{scores: []float64{0.2, 0.9, 0.2, 0.5}}
	r := NewReranker(model)

	out, err := r.Rerank(context.Background(), "q", candidates("a", "b", "c", "d"))
	if err != nil {
		t.Fatalf("Rerank failed: %v", err)
	}
	if model.calls != 1 {
		t.Errorf("expected one batched call, got %d", model.calls)
	}
	got := ""
	for _, c := range out {
		got += c.Task.ID
	}
	if got != "bdac" {
		t.Errorf("order = %s, want bdac (ties keep input order)", got)
	}
	if out[0].Score != 1 || out[len(out)-1].Score != 0 {
		t.Errorf("scores not min-max normalized: %v / %v", out[0].Score, out[len(out)-1].Score)
	}
}

func TestRerankerEqualScoresAndFailure(t *testing.T) {
	out, err := NewReranker(&fixedModel{scores: []float64{3, 3}}).Rerank(context.Background(), "q", candidates("a", "b"))
	if err != nil {
		t.Fatalf("Rerank failed: %v", err)
	}
	if out[0].Task.ID != "a" || out[0].Score != 0 || out[1].Score != 0 {
		t.Errorf("equal scores should normalize to 0 and keep order: %+v", out)
	}

	_, err = NewReranker(&fixedModel{err: errors.New("gpu")}).Rerank(context.Background(), "q", candidates("a"))
	if !errors.Is(err, models.ErrRerankFailure) {
		t.Errorf("expected ErrRerankFailure, got %v", err)
	}

	_, err = NewReranker(&fixedModel{scores: []float64{1}}).Rerank(context.Background(), "q", candidates("a", "b"))
	if !errors.Is(err, models.ErrRerankFailure) {
		t.Errorf("expected ErrRerankFailure on length mismatch, got %v", err)
	}

	out, err = NewReranker(&fixedModel{}).Rerank(context.Background(), "q", nil)
	if err != nil || len(out) != 0 {
		t.Errorf("empty input should return empty, got %v, %v", out, err)
	}
}

func TestLexicalRelevanceModel(t *testing.T) {
	docs := []string{
		"Diseño de la pantalla de perfil",
		"Migración de la base de datos a PostgreSQL",
		"Revisar migración de datos históricos",
	}
	scores, err := NewLexicalRelevanceModel().Score(context.Background(), "migracion de datos", docs)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if scores[0] != 0 {
		t.Errorf("unrelated doc should score 0, got %v", scores[0])
	}
	if scores[1] <= 0 || scores[2] <= 0 {
		t.Errorf("matching docs should score > 0: %v", scores)
	}
}

func TestHTTPRelevanceModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[{"index":1,"relevance_score":0.8},{"index":0,"relevance_score":0.1}]}`))
	}))
	defer srv.Close()

	scores, err := NewHTTPRelevanceModel(srv.URL, "", "bge").Score(context.Background(), "q", []string{"x", "y"})
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if scores[0] != 0.1 || scores[1] != 0.8 {
		t.Errorf("scores not mapped by index: %v", scores)
	}

	_, err = NewHTTPRelevanceModel(srv.URL, "", "bge").Score(context.Background(), "q", []string{"x", "y", "z"})
	if err == nil {
		t.Error("expected error when response misses documents")
	}
}

func TestHTTPEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"data":[{"embedding":[0.5,-0.25,1]}]}`))
	}))
	defer srv.Close()

	vec, err := NewHTTPEmbedder(srv.URL, "k", "m").Encode(context.Background(), "hola")
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(vec) != 3 || vec[1] != -0.25 {
		t.Errorf("unexpected vector: %v", vec)
	}

	if _, err := NewHTTPEmbedder(srv.URL, "bad", "m").Encode(context.Background(), "hola"); err == nil {
		t.Error("expected error on 401")
	}
}

func TestLazyEncoderBuildsOnce(t *testing.T) {
	var builds atomic.Int32
	lazy := NewLazyEncoder(func() (Encoder, error) {
		builds.Add(1)
		return vecEncoder{}, nil
	})
	for i := 0; i < 3; i++ {
		if _, err := lazy.Encode(context.Background(), "x"); err != nil {
			t.Fatal(err)
		}
	}
	if builds.Load() != 1 {
		t.Errorf("expected 1 build, got %d", builds.Load())
	}
}
