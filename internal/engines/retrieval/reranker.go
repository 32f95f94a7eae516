package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/contextkeeper/taskrag/internal/config"
	"github.com/contextkeeper/taskrag/internal/models"
	"github.com/contextkeeper/taskrag/internal/utils"
	"github.com/tidwall/gjson"
)

// RelevanceModel 相关性打分模型，一次调用对全部文档打分
type RelevanceModel interface {
	Score(ctx context.Context, query string, docs []string) ([]float64, error)
}

// Reranker 候选重排序
type Reranker struct {
	model RelevanceModel
}

// NewReranker 创建重排序器
func NewReranker(model RelevanceModel) *Reranker {
	return &Reranker{model: model}
}

// Rerank 对候选重新打分并按分数降序稳定排序，分数按查询做 min-max 归一化
// 输出是输入的一个排列，不增不减
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []models.CandidateResult) ([]models.CandidateResult, error) {
	if len(candidates) == 0 {
		return []models.CandidateResult{}, nil
	}

	docs := make([]string, len(candidates))
	for i := range candidates {
		docs[i] = candidates[i].Task.Document()
	}

	scores, err := r.model.Score(ctx, query, docs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrRerankFailure, err)
	}
	if len(scores) != len(candidates) {
		return nil, fmt.Errorf("%w: 模型返回 %d 个分数，期望 %d", models.ErrRerankFailure, len(scores), len(candidates))
	}

	normalized := minMaxNormalize(scores)
	out := make([]models.CandidateResult, len(candidates))
	for i := range candidates {
		out[i] = models.CandidateResult{Task: candidates[i].Task, Score: normalized[i]}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})

	utils.Logger("重排序").WithContext(ctx).Debugf("重排序 %d 条候选", len(out))
	return out, nil
}

// minMaxNormalize 归一化到 [0,1]，全部相等时返回 0
func minMaxNormalize(scores []float64) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		lo = math.Min(lo, s)
		hi = math.Max(hi, s)
	}
	if hi-lo < 1e-12 {
		return out
	}
	for i, s := range scores {
		out[i] = (s - lo) / (hi - lo)
	}
	return out
}

// HTTPRelevanceModel 兼容 Jina/Cohere 风格 /rerank 接口的交叉编码器服务
type HTTPRelevanceModel struct {
	APIURL string
	APIKey string
	Model  string
	client *http.Client
}

// NewHTTPRelevanceModel 创建远程重排序模型
func NewHTTPRelevanceModel(apiURL, apiKey, model string) *HTTPRelevanceModel {
	return &HTTPRelevanceModel{
		APIURL: apiURL,
		APIKey: apiKey,
		Model:  model,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Score 返回与 docs 顺序一致的分数
func (m *HTTPRelevanceModel) Score(ctx context.Context, query string, docs []string) ([]float64, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model":     m.Model,
		"query":     query,
		"documents": docs,
		"top_n":     len(docs),
	})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.APIKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API请求失败: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API返回错误状态码: %d, 响应: %s", resp.StatusCode, string(respBody))
	}

	scores := make([]float64, len(docs))
	filled := 0
	var bad error
	gjson.GetBytes(respBody, "results").ForEach(func(_, item gjson.Result) bool {
		idx := int(item.Get("index").Int())
		if idx < 0 || idx >= len(docs) {
			bad = fmt.Errorf("响应中的索引越界: %d", idx)
			return false
		}
		score := item.Get("relevance_score")
		if !score.Exists() {
			score = item.Get("score")
		}
		scores[idx] = score.Float()
		filled++
		return true
	})
	if bad != nil {
		return nil, bad
	}
	if filled != len(docs) {
		return nil, fmt.Errorf("响应分数数量不符: %d/%d", filled, len(docs))
	}
	return scores, nil
}

// LexicalRelevanceModel 本地词项匹配打分（BM25），不依赖外部服务
type LexicalRelevanceModel struct {
	K1 float64
	B  float64
}

// NewLexicalRelevanceModel 使用常见默认参数
func NewLexicalRelevanceModel() *LexicalRelevanceModel {
	return &LexicalRelevanceModel{K1: 1.2, B: 0.75}
}

// Score 以候选集合自身作为语料计算 BM25
func (m *LexicalRelevanceModel) Score(ctx context.Context, query string, docs []string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	queryTerms := tokenize(query)
	docTerms := make([][]string, len(docs))
	df := make(map[string]int)
	totalLen := 0
	for i, d := range docs {
		docTerms[i] = tokenize(d)
		totalLen += len(docTerms[i])
		seen := make(map[string]bool)
		for _, term := range docTerms[i] {
			if !seen[term] {
				seen[term] = true
				df[term]++
			}
		}
	}
	avgLen := 1.0
	if len(docs) > 0 && totalLen > 0 {
		avgLen = float64(totalLen) / float64(len(docs))
	}

	n := float64(len(docs))
	scores := make([]float64, len(docs))
	for i, terms := range docTerms {
		tf := make(map[string]int, len(terms))
		for _, term := range terms {
			tf[term]++
		}
		dl := float64(len(terms))
		for _, q := range queryTerms {
			f := float64(tf[q])
			if f == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[q])+0.5)/(float64(df[q])+0.5))
			scores[i] += idf * f * (m.K1 + 1) / (f + m.K1*(1-m.B+m.B*dl/avgLen))
		}
	}
	return scores, nil
}

// tokenize 去重音、小写、按非字母数字切分，丢弃过短的词
func tokenize(s string) []string {
	fields := strings.FieldsFunc(models.FoldText(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) > 2 || isDigits(f) {
			out = append(out, f)
		}
	}
	return out
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

// LazyRelevanceModel 首次使用时才构造底层模型
type LazyRelevanceModel struct {
	inner *utils.Lazy[RelevanceModel]
}

// Score 构造失败时返回构造错误
func (l *LazyRelevanceModel) Score(ctx context.Context, query string, docs []string) ([]float64, error) {
	model, err := l.inner.Get()
	if err != nil {
		return nil, err
	}
	return model.Score(ctx, query, docs)
}

// NewRelevanceModelFromConfig 按配置选择重排序模型
func NewRelevanceModelFromConfig(cfg *config.Config) *LazyRelevanceModel {
	return &LazyRelevanceModel{inner: utils.NewLazy(func() (RelevanceModel, error) {
		switch strings.ToLower(cfg.RerankProvider) {
		case "http":
			if cfg.RerankAPIURL == "" {
				return nil, fmt.Errorf("未配置 RERANK_API_URL")
			}
			return NewHTTPRelevanceModel(cfg.RerankAPIURL, cfg.RerankAPIKey, cfg.RerankModel), nil
		case "", "lexical":
			return NewLexicalRelevanceModel(), nil
		default:
			return nil, fmt.Errorf("不支持的重排序服务: %s", cfg.RerankProvider)
		}
	})}
}
