package intent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/contextkeeper/taskrag/internal/llm"
	"github.com/contextkeeper/taskrag/internal/models"
)

type fakeCompleter struct {
	content string
	err     error
	last    *llm.LLMRequest
}

func (f *fakeCompleter) Complete(_ context.Context, req *llm.LLMRequest) (*llm.LLMResponse, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.LLMResponse{Content: f.content}, nil
}

func TestClassifyWithLLM(t *testing.T) {
	fake := &fakeCompleter{content: "```json\n" + `{
  "intent": "COUNT_TASKS",
  "confidence": 0.92,
  "entity_type": "persona",
  "entity_value": "Jorge",
  "filter_type": "person",
  "filter_value": null,
  "requires_context": false
}` + "\n```"}
	c := NewClassifier(fake)

	got := c.Classify(context.Background(), "¿cuántas tareas tiene Jorge?")
	if got.Intent != models.IntentCount || got.Source != models.SourceLLM {
		t.Fatalf("unexpected decision: %+v", got)
	}
	if got.Confidence != 0.92 || got.EntityValue != "Jorge" || got.FilterValue != "" || got.RequiresContext {
		t.Errorf("unexpected attributes: %+v", got)
	}
	if !strings.Contains(fake.last.Prompt, "¿cuántas tareas tiene Jorge?") {
		t.Errorf("prompt should embed the query")
	}
	if fake.last.Format != "json" {
		t.Errorf("format = %q", fake.last.Format)
	}
}

func TestClassifyFallsBackToHeuristic(t *testing.T) {
	tests := []struct {
		name    string
		fake    *fakeCompleter
		query   string
		want    models.IntentType
		llmUsed bool
	}{
		{"llm error", &fakeCompleter{err: errors.New("HTTP 503")}, "¿hay tareas bloqueadas?", models.IntentExistence, false},
		{"not json", &fakeCompleter{content: "COUNT"}, "¿cuántas tareas hay?", models.IntentCount, false},
		{"unknown intent", &fakeCompleter{content: `{"intent":"WEATHER"}`}, "genera un informe del sprint 2", models.IntentReport, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewClassifier(tt.fake).Classify(context.Background(), tt.query)
			if got.Intent != tt.want {
				t.Errorf("intent = %s, want %s", got.Intent, tt.want)
			}
			if got.Source != models.SourceHeuristic || got.Confidence != HeuristicConfidence {
				t.Errorf("expected heuristic decision, got %+v", got)
			}
		})
	}
}

func TestHeuristicRules(t *testing.T) {
	c := NewClassifier(nil)
	tests := []struct {
		query string
		want  models.IntentType
	}{
		{"¿Cuántas tareas hay en el sprint 3?", models.IntentCount},
		{"número de tareas bloqueadas", models.IntentCount},
		{"¿Hay tareas con dudas?", models.IntentExistence},
		{"¿existe alguna tarea urgente?", models.IntentExistence},
		{"dame info de esa tarea", models.IntentInfo},
		{"genera el informe del sprint 2", models.IntentReport},
		{"lista las tareas de Laura", models.IntentList},
		{"¿cuáles son las tareas de Jorge?", models.IntentList},
		{"¿qué problemas tiene la autenticación?", models.IntentGeneral},
		{"mahayana", models.IntentGeneral},
	}
	for _, tt := range tests {
		got := c.Classify(context.Background(), tt.query)
		if got.Intent != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.query, got.Intent, tt.want)
		}
		if !got.RequiresContext {
			t.Errorf("heuristic decisions always require context")
		}
	}
}

func TestParseDecisionClampsConfidence(t *testing.T) {
	got, err := ParseDecision(`{"intent":"LIST","confidence":7}`)
	if err != nil {
		t.Fatal(err)
	}
	if got.Confidence != 1 || !got.RequiresContext {
		t.Errorf("unexpected decision: %+v", got)
	}

	_, err = ParseDecision("")
	if !errors.Is(err, models.ErrClassificationFailure) {
		t.Errorf("expected ErrClassificationFailure, got %v", err)
	}
}
