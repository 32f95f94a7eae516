// benchmark 生成合成任务数据，校验计数引擎的准确性并测量检索延迟
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"
	"github.com/zeebo/blake3"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/contextkeeper/taskrag/internal/config"
	"github.com/contextkeeper/taskrag/internal/engines/aggregation"
	"github.com/contextkeeper/taskrag/internal/engines/retrieval"
	"github.com/contextkeeper/taskrag/internal/models"
	"github.com/contextkeeper/taskrag/internal/utils"
	"github.com/contextkeeper/taskrag/pkg/vectorstore"
)

// Result 单项基准结果
type Result struct {
	Name        string        `json:"name"`
	Operations  int           `json:"operations"`
	TotalTime   time.Duration `json:"total_time"`
	AverageTime time.Duration `json:"average_time"`
	P95Time     time.Duration `json:"p95_time"`
	MaxTime     time.Duration `json:"max_time"`
	SuccessRate float64       `json:"success_rate"`
}

// Suite 完整基准结果
type Suite struct {
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Seed       int64     `json:"seed"`
	Tasks      int       `json:"tasks"`
	Results    []Result  `json:"results"`
	Mismatches []string  `json:"mismatches,omitempty"`
}

// hashEncoder 词袋哈希向量，不依赖外部服务
type hashEncoder struct {
	dim int
}

func (e hashEncoder) Encode(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	for _, tok := range strings.Fields(models.FoldText(text)) {
		sum := blake3.Sum256([]byte(tok))
		idx := int(sum[0])<<8 | int(sum[1])
		vec[idx%e.dim]++
	}
	return vec, nil
}

// countCase 带期望值的计数问题
type countCase struct {
	query    string
	expected int
}

var benchStatuses = []struct {
	status models.TaskStatus
	phrase string
}{
	{models.StatusDone, "completadas"},
	{models.StatusInProgress, "en progreso"},
	{models.StatusTodo, "pendientes"},
}

func main() {
	var (
		taskCount  int
		queryCount int
		sprintMax  int
		seed       int64
		output     string
		logLevel   string
	)
	flagSet := pflag.NewFlagSet("benchmark", pflag.ExitOnError)
	flagSet.IntVarP(&taskCount, "tasks", "n", 500, "number of synthetic tasks")
	flagSet.IntVarP(&queryCount, "queries", "q", 200, "number of queries per benchmark")
	flagSet.IntVar(&sprintMax, "sprints", 6, "number of sprints")
	flagSet.Int64Var(&seed, "seed", 42, "random seed")
	flagSet.StringVarP(&output, "output", "o", "", "write JSON results to this file")
	flagSet.StringVar(&logLevel, "log-level", "warn", "log level")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	utils.InitLogging(logLevel)

	faker := gofakeit.New(seed)
	ctx := context.Background()
	suite := Suite{StartTime: time.Now(), Seed: seed, Tasks: taskCount}

	people := generatePeople(faker, 6)
	tasks := generateTasks(faker, taskCount, sprintMax, people)

	store := vectorstore.NewMemoryStore()
	encoder := hashEncoder{dim: 256}
	if err := vectorstore.IndexSnapshot(ctx, store, encoder, tasks); err != nil {
		fmt.Fprintf(os.Stderr, "入库失败: %v\n", err)
		os.Exit(1)
	}

	vocab := config.DefaultVocabulary()
	sprints := aggregation.NewSprintAggregator(store, vocab, "")
	counter := aggregation.NewCountEngine(vocab, sprints)

	fmt.Printf("开始基准测试: %d 条任务, %d 个冲刺, 每项 %d 次查询\n\n", taskCount, sprintMax, queryCount)

	countCases := generateCountCases(faker, tasks, people, sprintMax, queryCount)
	countResult, mismatches := benchCount(ctx, counter, countCases)
	suite.Results = append(suite.Results, countResult)
	suite.Mismatches = mismatches

	retriever := retrieval.NewHybridRetriever(store, retrieval.NewEmbeddingCache(encoder, 100), 4)
	reranker := retrieval.NewReranker(retrieval.NewLexicalRelevanceModel())
	suite.Results = append(suite.Results, benchRetrieve(ctx, faker, retriever, reranker, queryCount))

	suite.EndTime = time.Now()
	printSuite(suite)

	if output != "" {
		data, err := json.MarshalIndent(suite, "", "  ")
		if err == nil {
			err = os.WriteFile(output, data, 0644)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "写入结果失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\n结果已写入 %s\n", output)
	}
	if len(mismatches) > 0 {
		os.Exit(1)
	}
}

// generatePeople 名字互不包含，避免人员匹配歧义
func generatePeople(faker *gofakeit.Faker, n int) []string {
	seen := make(map[string]bool)
	var people []string
	for len(people) < n {
		first, last := faker.FirstName(), faker.LastName()
		key := models.FoldText(first)
		if seen[key] || len([]rune(first)) < 3 || len([]rune(last)) < 3 {
			continue
		}
		seen[key] = true
		people = append(people, first+" "+last)
	}
	return people
}

func generateTasks(faker *gofakeit.Faker, n, sprintMax int, people []string) []models.TaskRecord {
	tasks := make([]models.TaskRecord, 0, n)
	title := cases.Title(language.Spanish)
	priorities := []models.TaskPriority{models.PriorityUrgent, models.PriorityHigh, models.PriorityNormal, models.PriorityLow}
	for i := 0; i < n; i++ {
		st := benchStatuses[faker.Number(0, len(benchStatuses)-1)].status
		t := models.TaskRecord{
			ID:        fmt.Sprintf("bench-%05d", i),
			Name:      title.String(faker.BuzzWord()) + " " + faker.HackerNoun(),
			Text:      faker.HackerPhrase(),
			Status:    st,
			Priority:  priorities[faker.Number(0, len(priorities)-1)],
			Sprint:    fmt.Sprintf("Sprint %d", faker.Number(1, sprintMax)),
			Assignees: people[faker.Number(0, len(people)-1)],
		}
		t.Normalize()
		tasks = append(tasks, t)
	}
	return tasks
}

func generateCountCases(faker *gofakeit.Faker, tasks []models.TaskRecord, people []string, sprintMax, n int) []countCase {
	count := func(keep func(*models.TaskRecord) bool) int {
		total := 0
		for i := range tasks {
			if keep(&tasks[i]) {
				total++
			}
		}
		return total
	}

	out := make([]countCase, 0, n)
	for len(out) < n {
		sprint := fmt.Sprintf("Sprint %d", faker.Number(1, sprintMax))
		st := benchStatuses[faker.Number(0, len(benchStatuses)-1)]
		person := people[faker.Number(0, len(people)-1)]

		switch faker.Number(0, 3) {
		case 0:
			out = append(out, countCase{
				query:    fmt.Sprintf("¿cuántas tareas hay en el %s?", strings.ToLower(sprint)),
				expected: count(func(t *models.TaskRecord) bool { return t.Sprint == sprint }),
			})
		case 1:
			out = append(out, countCase{
				query: fmt.Sprintf("¿cuántas tareas %s hay en el %s?", st.phrase, sprint),
				expected: count(func(t *models.TaskRecord) bool {
					return t.Sprint == sprint && t.Status == st.status
				}),
			})
		case 2:
			out = append(out, countCase{
				query:    fmt.Sprintf("¿cuántas tareas tiene asignadas %s?", person),
				expected: count(func(t *models.TaskRecord) bool { return t.Assignees == person }),
			})
		default:
			out = append(out, countCase{
				query:    "¿cuántas tareas hay en total?",
				expected: len(tasks),
			})
		}
	}
	return out
}

var countPattern = regexp.MustCompile(`^(?:Sí, )?[Hh]ay (\d+) tarea`)

// parseCount 从回答中解析数量，"No hay" 为 0
func parseCount(answer string) (int, bool) {
	if strings.HasPrefix(answer, "No hay ") {
		return 0, true
	}
	m := countPattern.FindStringSubmatch(answer)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	return n, err == nil
}

func benchCount(ctx context.Context, counter *aggregation.CountEngine, queries []countCase) (Result, []string) {
	bar := progressbar.Default(int64(len(queries)), "计数准确性")
	durations := make([]time.Duration, 0, len(queries))
	var mismatches []string
	success := 0

	for _, c := range queries {
		start := time.Now()
		outcome, err := counter.AnswerCount(ctx, c.query)
		durations = append(durations, time.Since(start))
		bar.Add(1)

		if err != nil {
			mismatches = append(mismatches, fmt.Sprintf("%s: 错误 %v", c.query, err))
			continue
		}
		handled, ok := outcome.(models.Handled)
		if !ok {
			mismatches = append(mismatches, fmt.Sprintf("%s: 未能直接回答", c.query))
			continue
		}
		got, ok := parseCount(handled.Answer)
		if !ok || got != c.expected {
			mismatches = append(mismatches, fmt.Sprintf("%s: 期望 %d, 回答 %q", c.query, c.expected, firstLine(handled.Answer)))
			continue
		}
		success++
	}
	return summarize("计数引擎", durations, success), mismatches
}

func benchRetrieve(ctx context.Context, faker *gofakeit.Faker, retriever *retrieval.HybridRetriever, reranker *retrieval.Reranker, n int) Result {
	bar := progressbar.Default(int64(n), "混合检索")
	durations := make([]time.Duration, 0, n)
	success := 0

	for i := 0; i < n; i++ {
		query := fmt.Sprintf("¿qué pasa con %s %s?", faker.BuzzWord(), faker.HackerNoun())
		start := time.Now()
		candidates, err := retriever.Retrieve(ctx, query, 5, nil)
		if err == nil {
			_, err = reranker.Rerank(ctx, query, candidates)
		}
		durations = append(durations, time.Since(start))
		bar.Add(1)
		if err == nil && len(candidates) > 0 {
			success++
		}
	}
	return summarize("检索+重排序", durations, success)
}

func summarize(name string, durations []time.Duration, success int) Result {
	r := Result{Name: name, Operations: len(durations)}
	if len(durations) == 0 {
		return r
	}
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, d := range sorted {
		r.TotalTime += d
	}
	r.AverageTime = r.TotalTime / time.Duration(len(sorted))
	r.P95Time = sorted[int(math.Ceil(0.95*float64(len(sorted))))-1]
	r.MaxTime = sorted[len(sorted)-1]
	r.SuccessRate = float64(success) / float64(len(sorted)) * 100
	return r
}

func printSuite(suite Suite) {
	fmt.Printf("\n\n%-12s %8s %12s %12s %12s %8s\n", "测试", "次数", "平均", "P95", "最大", "成功率")
	for _, r := range suite.Results {
		fmt.Printf("%-12s %8d %12v %12v %12v %7.1f%%\n",
			r.Name, r.Operations, r.AverageTime, r.P95Time, r.MaxTime, r.SuccessRate)
	}
	if len(suite.Mismatches) > 0 {
		fmt.Printf("\n计数不一致 %d 处:\n", len(suite.Mismatches))
		for _, m := range suite.Mismatches {
			fmt.Printf("  - %s\n", m)
		}
	}
	fmt.Printf("\n总耗时: %v\n", suite.EndTime.Sub(suite.StartTime).Round(time.Millisecond))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
