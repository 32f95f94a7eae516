package vectorstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/contextkeeper/taskrag/internal/models"
)

func sampleIndexed() []IndexedTask {
	tasks := []models.TaskRecord{
		{ID: "t1", Name: "Login con Google", Status: models.StatusDone, Priority: models.PriorityHigh, Sprint: "Sprint 3", Assignees: "Jorge Aguadero", Tags: "auth"},
		{ID: "t2", Name: "Pantalla de perfil", Status: models.StatusTodo, Priority: models.PriorityNormal, Sprint: "Sprint 3", Assignees: "Laura", IsBlocked: true, CommentsCount: 2},
		{ID: "t3", Name: "Exportar CSV", Status: models.StatusInProgress, Priority: models.PriorityLow, Sprint: "Sprint 2", Assignees: "Jorge Aguadero, Laura", Tags: "data", HasDoubts: true},
	}
	vectors := [][]float32{{1, 0}, {0, 1}, {0.7, 0.7}}
	out := make([]IndexedTask, len(tasks))
	for i := range tasks {
		tasks[i].Normalize()
		out[i] = IndexedTask{Task: tasks[i], Vector: vectors[i]}
	}
	return out
}

func storeContract(t *testing.T, store TaskStore) {
	t.Helper()
	ctx := context.Background()

	if err := store.Replace(ctx, sampleIndexed()); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	n, err := store.Count(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Count = %d, %v; want 3", n, err)
	}

	results, err := store.Search(ctx, []float32{1, 0}, 2, nil)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 || results[0].Task.ID != "t1" || results[1].Task.ID != "t3" {
		t.Errorf("unexpected search order: %+v", results)
	}
	if results[0].Score < results[1].Score {
		t.Errorf("scores not descending: %v, %v", results[0].Score, results[1].Score)
	}

	filtered, err := store.Search(ctx, []float32{1, 0}, 10, models.NewFilter(models.Eq(models.FieldSprint, "Sprint 3")))
	if err != nil {
		t.Fatalf("filtered Search failed: %v", err)
	}
	if len(filtered) != 2 {
		t.Errorf("expected 2 tasks in Sprint 3, got %d", len(filtered))
	}
	for _, r := range filtered {
		if r.Task.Sprint != "Sprint 3" {
			t.Errorf("filter leaked task %s from %s", r.Task.ID, r.Task.Sprint)
		}
	}

	all, err := store.Scan(ctx, nil, 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("Scan = %d, %v; want 3", len(all), err)
	}
	limited, err := store.Scan(ctx, nil, 1)
	if err != nil || len(limited) != 1 {
		t.Errorf("Scan limit = %d, %v; want 1", len(limited), err)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestSQLiteStoreContract(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()
	storeContract(t, store)
}

func TestSQLiteStoreBooleanAndNegation(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	if err := store.Replace(ctx, sampleIndexed()); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	blocked, err := store.Scan(ctx, models.NewFilter(models.Flag(models.FieldIsBlocked, true)), 0)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(blocked) != 1 || blocked[0].ID != "t2" {
		t.Errorf("expected only t2 blocked, got %+v", blocked)
	}

	notDone := models.Eq(models.FieldStatus, string(models.StatusDone))
	notDone.Negate = true
	rest, err := store.Scan(ctx, models.NewFilter(notDone), 0)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(rest) != 2 {
		t.Errorf("expected 2 non-done tasks, got %d", len(rest))
	}

	// 子串匹配需要去重音，不下推
	_, err = store.Scan(ctx, models.NewFilter(models.Contains(models.FieldAssignees, "jorge")), 0)
	if !errors.Is(err, ErrUnsupportedFilter) {
		t.Errorf("expected ErrUnsupportedFilter, got %v", err)
	}
}

func TestSQLiteStoreReplaceIsWholesale(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	if err := store.Replace(ctx, sampleIndexed()); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if err := store.Replace(ctx, sampleIndexed()[:1]); err != nil {
		t.Fatalf("second Replace failed: %v", err)
	}
	if n, _ := store.Count(ctx); n != 1 {
		t.Errorf("expected 1 record after replace, got %d", n)
	}
}

func TestMemoryStoreRejectsUnsupportedConditions(t *testing.T) {
	caps := models.Capabilities{
		Backend:        "restricted",
		EqualityFields: map[string]bool{models.FieldSprint: true},
	}
	store := NewMemoryStoreWithCapabilities(caps)
	ctx := context.Background()
	if err := store.Replace(ctx, sampleIndexed()); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	_, err := store.Search(ctx, []float32{1, 0}, 5, models.NewFilter(models.Flag(models.FieldIsBlocked, true)))
	if !errors.Is(err, ErrUnsupportedFilter) {
		t.Errorf("expected ErrUnsupportedFilter, got %v", err)
	}
	if _, err := store.Search(ctx, []float32{1, 0}, 5, models.NewFilter(models.Eq(models.FieldSprint, "Sprint 2"))); err != nil {
		t.Errorf("sprint filter should be pushable: %v", err)
	}
	if got := store.Capabilities().MaxSearchLimit; got != DefaultMaxSearchLimit {
		t.Errorf("MaxSearchLimit default = %d, want %d", got, DefaultMaxSearchLimit)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2}, []float32{1, 2}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"dimension mismatch", []float32{1}, []float32{1, 0}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosineSimilarity(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-6 || diff < -1e-6 {
				t.Errorf("cosineSimilarity = %v, want %v", got, tt.want)
			}
		})
	}
}
