package filters

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/contextkeeper/taskrag/internal/config"
	"github.com/contextkeeper/taskrag/internal/models"
)

// StatusTieOrder 同一查询命中多个状态时的取舍顺序
var StatusTieOrder = []models.TaskStatus{
	models.StatusDone,
	models.StatusInProgress,
	models.StatusQA,
	models.StatusReview,
	models.StatusCancelled,
	models.StatusTodo,
}

// priorityOrder 同一查询命中多个优先级时的取舍顺序
var priorityOrder = []models.TaskPriority{
	models.PriorityUrgent,
	models.PriorityHigh,
	models.PriorityNormal,
	models.PriorityLow,
}

var (
	sprintPattern        = regexp.MustCompile(`(?:\b(?:del|en el|en|de)\s+)?\bsprint\s*#?\s*(\d+)\b`)
	tagPattern           = regexp.MustCompile(`\b(?:etiquetas?|tags?)\s+["']?([\p{L}\p{N}_\-]+)["']?`)
	pendingReviewPattern = regexp.MustCompile(`\b(?:pendientes?\s+de\s+revision|revision\s+pendiente|pending\s+review|por\s+revisar)\b`)
)

// nameParticles 复合姓名中的连接词，单独出现时不代表任何人
var nameParticles = map[string]bool{
	"de": true, "del": true, "la": true, "las": true, "los": true, "el": true,
	"y": true, "e": true, "da": true, "das": true, "do": true, "dos": true,
	"di": true, "van": true, "von": true, "der": true, "san": true, "santa": true,
}

// flagRule 布尔标志的关键词
type flagRule struct {
	field string
	stems []string
}

var flagRules = []flagRule{
	{models.FieldIsBlocked, []string{"bloquead", "blocked"}},
	{models.FieldHasDoubts, []string{"duda", "doubt"}},
	{models.FieldHasComments, []string{"comentario", "comment"}},
	{models.FieldHasSubtasks, []string{"subtarea", "sub-tarea", "subtask"}},
	{models.FieldIsOverdue, []string{"vencid", "atrasad", "overdue"}},
}

// Query 规则之间共享的查询状态，已被消费的片段对后续规则不可见
type Query struct {
	Raw    string
	Folded string
	text   string
}

// Text 尚未被消费的去重音文本
func (q *Query) Text() string { return q.text }

// Consume 将匹配片段替换为空白
func (q *Query) Consume(start, end int) {
	q.text = q.text[:start] + strings.Repeat(" ", end-start) + q.text[end:]
}

// Rule 过滤规则表中的一项
type Rule struct {
	Name     string
	Priority int
	Match    func(q *Query) []models.Condition
}

// Extractor 从自然语言查询中抽取结构化过滤条件
type Extractor struct {
	vocab         *config.Vocabulary
	roster        []rosterEntry
	currentSprint func() string
	rules         []Rule
}

type rosterEntry struct {
	name  string
	terms []string
}

// Option 提取器选项
type Option func(*Extractor)

// WithRoster 追加人员名单（通常来自数据中的负责人）
func WithRoster(names ...string) Option {
	return func(e *Extractor) {
		for _, n := range names {
			e.addPerson(config.Person{Name: n})
		}
	}
}

// WithCurrentSprint 解析"当前冲刺"的回调
func WithCurrentSprint(resolve func() string) Option {
	return func(e *Extractor) {
		e.currentSprint = resolve
	}
}

// NewExtractor 创建提取器
func NewExtractor(vocab *config.Vocabulary, opts ...Option) *Extractor {
	if vocab == nil {
		vocab = config.DefaultVocabulary()
	}
	e := &Extractor{vocab: vocab}
	for _, p := range vocab.People {
		e.addPerson(p)
	}
	for _, opt := range opts {
		opt(e)
	}

	e.rules = []Rule{
		{Name: "tag", Priority: 10, Match: matchTag},
		{Name: "sprint", Priority: 20, Match: matchSprint},
		{Name: "current_sprint", Priority: 25, Match: e.matchCurrentSprint},
		{Name: "person", Priority: 30, Match: e.matchPerson},
		{Name: "priority", Priority: 40, Match: e.matchPriority},
		{Name: "pending_review", Priority: 45, Match: matchPendingReview},
		{Name: "status", Priority: 50, Match: e.matchStatus},
		{Name: "flags", Priority: 60, Match: matchFlags},
	}
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].Priority < e.rules[j].Priority
	})
	return e
}

// addPerson 加入名单，同名合并别名；全名的各个部分也作为匹配词
func (e *Extractor) addPerson(p config.Person) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return
	}
	terms := []string{models.FoldText(name)}
	for _, part := range strings.Fields(models.FoldText(name)) {
		if len([]rune(part)) >= 3 && !nameParticles[part] {
			terms = append(terms, part)
		}
	}
	for _, a := range p.Aliases {
		if a = models.FoldText(strings.TrimSpace(a)); a != "" {
			terms = append(terms, a)
		}
	}

	for i := range e.roster {
		if models.FoldText(e.roster[i].name) == models.FoldText(name) {
			e.roster[i].terms = appendUnique(e.roster[i].terms, terms...)
			return
		}
		// 数据里的 "Jorge" 已被词表中的 "Jorge Aguadero" 覆盖
		for _, t := range e.roster[i].terms {
			if t == models.FoldText(name) {
				return
			}
		}
	}
	e.roster = append(e.roster, rosterEntry{name: name, terms: appendUnique(nil, terms...)})
}

// Rules 当前规则表
func (e *Extractor) Rules() []Rule {
	return e.rules
}

// People 名单中的人员
func (e *Extractor) People() []string {
	out := make([]string, len(e.roster))
	for i, r := range e.roster {
		out[i] = r.name
	}
	return out
}

// Extract 按规则表依次匹配，返回 AND 谓词；没有任何条件时返回 nil
func (e *Extractor) Extract(query string) *models.FilterPredicate {
	folded := models.FoldText(query)
	q := &Query{Raw: query, Folded: folded, text: folded}

	pred := models.NewFilter()
	for _, rule := range e.rules {
		for _, c := range rule.Match(q) {
			pred.Add(c)
		}
	}
	if pred.IsEmpty() {
		return nil
	}
	return pred
}

// MatchedPerson 查询中提到的名单人员，返回名单中的全名
func (e *Extractor) MatchedPerson(query string) (string, bool) {
	hits := e.findPeople(models.FoldText(query))
	if len(hits) == 0 {
		return "", false
	}
	return hits[0].name, true
}

type personHit struct {
	name string
	term string
}

// findPeople 每个人员取第一个命中的匹配词
func (e *Extractor) findPeople(text string) []personHit {
	var hits []personHit
	for _, r := range e.roster {
		for _, term := range r.terms {
			if HasWord(text, term) {
				hits = append(hits, personHit{name: r.name, term: term})
				break
			}
		}
	}
	return hits
}

func matchTag(q *Query) []models.Condition {
	var out []models.Condition
	for _, m := range tagPattern.FindAllStringSubmatchIndex(q.text, -1) {
		out = append(out, models.Contains(models.FieldTags, q.text[m[2]:m[3]]))
	}
	for _, m := range tagPattern.FindAllStringIndex(q.text, -1) {
		q.Consume(m[0], m[1])
	}
	return out
}

func matchSprint(q *Query) []models.Condition {
	var out []models.Condition
	for _, m := range sprintPattern.FindAllStringSubmatchIndex(q.text, -1) {
		num := strings.TrimLeft(q.text[m[2]:m[3]], "0")
		if num == "" {
			num = "0"
		}
		out = append(out, models.Eq(models.FieldSprint, "Sprint "+num))
	}
	for _, m := range sprintPattern.FindAllStringIndex(q.text, -1) {
		q.Consume(m[0], m[1])
	}
	return out
}

func (e *Extractor) matchCurrentSprint(q *Query) []models.Condition {
	if e.currentSprint == nil || !IsCurrentSprintQuery(e.vocab, q.text) {
		return nil
	}
	label := e.currentSprint()
	if label == "" {
		return nil
	}
	return []models.Condition{models.Eq(models.FieldSprint, label)}
}

// IsCurrentSprintQuery 查询是否指向当前冲刺
func IsCurrentSprintQuery(vocab *config.Vocabulary, query string) bool {
	text := models.FoldText(query)
	if !strings.Contains(text, "sprint") && !strings.Contains(text, "iteracion") {
		return false
	}
	for _, w := range vocab.CurrentSprintWords {
		if HasWord(text, models.FoldText(w)) {
			return true
		}
	}
	return false
}

// matchPerson 以命中的词做子串匹配，"jorge" 同时覆盖 "Jorge" 与 "Jorge Aguadero"
func (e *Extractor) matchPerson(q *Query) []models.Condition {
	var out []models.Condition
	for _, hit := range e.findPeople(q.text) {
		out = append(out, models.Contains(models.FieldAssignees, hit.term))
	}
	return out
}

func (e *Extractor) matchPriority(q *Query) []models.Condition {
	for _, p := range priorityOrder {
		for _, syn := range e.vocab.Priorities[string(p)] {
			if start, end, ok := findStem(q.text, models.FoldText(syn)); ok {
				q.Consume(start, end)
				return []models.Condition{models.Eq(models.FieldPriority, string(p))}
			}
		}
	}
	return nil
}

func (e *Extractor) matchStatus(q *Query) []models.Condition {
	if s, ok := DetectStatus(e.vocab, q.text); ok {
		return []models.Condition{models.Eq(models.FieldStatus, string(s))}
	}
	return nil
}

// DetectStatus 查询中提到的状态，多个命中时按 StatusTieOrder 取第一个
func DetectStatus(vocab *config.Vocabulary, query string) (models.TaskStatus, bool) {
	text := models.FoldText(query)
	for _, s := range StatusTieOrder {
		for _, syn := range vocab.Statuses[string(s)] {
			if _, _, ok := findStem(text, models.FoldText(syn)); ok {
				return s, true
			}
		}
	}
	return "", false
}

// matchPendingReview "pendiente de revisión" 是标志而不是状态，先于状态规则消费
func matchPendingReview(q *Query) []models.Condition {
	m := pendingReviewPattern.FindStringIndex(q.text)
	if m == nil {
		return nil
	}
	value := !negatedBefore(q.text, m[0])
	for _, loc := range pendingReviewPattern.FindAllStringIndex(q.text, -1) {
		q.Consume(loc[0], loc[1])
	}
	return []models.Condition{models.Flag(models.FieldIsPendingReview, value)}
}

func matchFlags(q *Query) []models.Condition {
	var out []models.Condition
	for _, fr := range flagRules {
		for _, stem := range fr.stems {
			start, _, ok := findStem(q.text, stem)
			if !ok {
				continue
			}
			out = append(out, models.Flag(fr.field, !negatedBefore(q.text, start)))
			break
		}
	}
	return out
}

// negatedBefore 关键词前紧跟 "sin"/"no"
func negatedBefore(text string, pos int) bool {
	before := strings.Fields(text[:pos])
	if len(before) == 0 {
		return false
	}
	last := before[len(before)-1]
	return last == "sin" || last == "no"
}

// findStem 按词首匹配：前一个字符不能是字母或数字
func findStem(text, stem string) (int, int, bool) {
	if stem == "" {
		return 0, 0, false
	}
	offset := 0
	for {
		idx := strings.Index(text[offset:], stem)
		if idx < 0 {
			return 0, 0, false
		}
		start := offset + idx
		if start == 0 || !isWordRune(lastRune(text[:start])) {
			end := start + len(stem)
			// 扩展到整个单词，便于消费
			for end < len(text) {
				r, size := utf8.DecodeRuneInString(text[end:])
				if !isWordRune(r) {
					break
				}
				end += size
			}
			return start, end, true
		}
		offset = start + len(stem)
	}
}

// HasWord 完整单词（或短语）匹配，两个参数都应已去重音
func HasWord(text, word string) bool {
	if word == "" {
		return false
	}
	offset := 0
	for {
		idx := strings.Index(text[offset:], word)
		if idx < 0 {
			return false
		}
		start := offset + idx
		end := start + len(word)
		leftOK := start == 0 || !isWordRune(lastRune(text[:start]))
		rightOK := end == len(text) || !isWordRune(firstRune(text[end:]))
		if leftOK && rightOK {
			return true
		}
		offset = start + len(word)
	}
}

func lastRune(s string) rune {
	r, _ := utf8.DecodeLastRuneInString(s)
	return r
}

func firstRune(s string) rune {
	r, _ := utf8.DecodeRuneInString(s)
	return r
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r)
}

func appendUnique(dst []string, items ...string) []string {
	for _, it := range items {
		found := false
		for _, d := range dst {
			if d == it {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, it)
		}
	}
	return dst
}
