package vectorstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/contextkeeper/taskrag/internal/models"
)

const snapshotFixture = `{"task_id":"a1","name":"Login","text":"Implementar login","status":"done","priority":"high","sprint":"Sprint 1","assignees":"Jorge","tags":"auth"}
not json
{"task_id":"b2","chunk_index":1,"text":"segunda parte","metadata":{"name":"Migración","status":"pendiente de revisión","priority_level":"urgente","sprint":"Sprint 2","assignees":["Laura","Jorge"],"tags":["data","etl"],"comments_count":3}}
{"task_id":"b2","chunk_index":0,"text":"primera parte","metadata":{"name":"Migración","status":"pendiente de revisión","priority_level":"urgente","sprint":"Sprint 2"}}

{"name":"sin id"}
{"task_id":"c3","name":"Sin sprint","status":"bloqueada","subtasks":[{"name":"sub","status":"to do"}]}
`

func TestReadSnapshot(t *testing.T) {
	tasks, err := ReadSnapshot(strings.NewReader(snapshotFixture))
	if err != nil {
		t.Fatalf("ReadSnapshot failed: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}

	a := tasks[0]
	if a.ID != "a1" || a.Status != models.StatusDone || a.Priority != models.PriorityHigh {
		t.Errorf("flat record decoded wrong: %+v", a)
	}

	b := tasks[1]
	if b.Text != "primera parte\nsegunda parte" {
		t.Errorf("chunks not merged in order: %q", b.Text)
	}
	if b.Status != models.StatusReview || b.Priority != models.PriorityUrgent {
		t.Errorf("metadata status/priority wrong: %s/%s", b.Status, b.Priority)
	}
	if b.Assignees != "Laura, Jorge" || b.Tags != "data, etl" {
		t.Errorf("array fields not joined: %q / %q", b.Assignees, b.Tags)
	}
	if !b.HasComments || b.CommentsCount != 3 {
		t.Errorf("comment flags not derived: %+v", b)
	}

	c := tasks[2]
	if c.Sprint != models.UnknownSprint {
		t.Errorf("missing sprint should be %q, got %q", models.UnknownSprint, c.Sprint)
	}
	if !c.IsBlocked || !c.HasSubtasks || c.SubtasksCount != 1 {
		t.Errorf("blocked/subtask flags not derived: %+v", c)
	}
}

func TestLoadSnapshotMissingFile(t *testing.T) {
	if _, err := LoadSnapshot(filepath.Join(t.TempDir(), "nope.jsonl")); err == nil {
		t.Error("expected error for missing file")
	}
}

type fakeEncoder struct {
	fail string
}

func (f *fakeEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	if f.fail != "" && strings.Contains(text, f.fail) {
		return nil, errors.New("boom")
	}
	return []float32{float32(len(text)), 1}, nil
}

func TestIndexSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.jsonl")
	if err := os.WriteFile(path, []byte(snapshotFixture), 0644); err != nil {
		t.Fatal(err)
	}
	tasks, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}

	store := NewMemoryStore()
	if err := IndexSnapshot(context.Background(), store, &fakeEncoder{}, tasks); err != nil {
		t.Fatalf("IndexSnapshot failed: %v", err)
	}
	if n, _ := store.Count(context.Background()); n != 3 {
		t.Errorf("expected 3 indexed tasks, got %d", n)
	}

	err = IndexSnapshot(context.Background(), NewMemoryStore(), &fakeEncoder{fail: "Login"}, tasks)
	if !errors.Is(err, models.ErrEmbeddingFailure) {
		t.Errorf("expected ErrEmbeddingFailure, got %v", err)
	}
}

func TestIndexSnapshotNormalizesSprintLabels(t *testing.T) {
	ctx := context.Background()
	tasks := []models.TaskRecord{
		{ID: "s1", Name: "Migrar usuarios", Status: "done", Sprint: "Sprint 03"},
		{ID: "s2", Name: "Revisar logs", Status: "todo", Sprint: "sprint 3"},
		{ID: "s3", Name: "Backlog", Status: "todo", Sprint: "Sprint 4"},
	}
	store := NewMemoryStore()
	if err := IndexSnapshot(ctx, store, &fakeEncoder{}, tasks); err != nil {
		t.Fatalf("IndexSnapshot failed: %v", err)
	}

	results, err := store.Search(ctx, []float32{1, 1}, 10, models.NewFilter(models.Eq(models.FieldSprint, "Sprint 3")))
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected both Sprint 3 tasks, got %d", len(results))
	}
	for _, r := range results {
		if r.Task.Sprint != "Sprint 3" {
			t.Errorf("sprint label not normalized: %q", r.Task.Sprint)
		}
	}
	if tasks[0].Sprint != "Sprint 03" {
		t.Errorf("caller's slice should not be modified: %q", tasks[0].Sprint)
	}
}
