package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// VearchConfig Vearch配置
type VearchConfig struct {
	Endpoint              string `json:"endpoint"`
	Username              string `json:"username"`
	Password              string `json:"password"`
	Database              string `json:"database"`
	Space                 string `json:"space"`
	Dimension             int    `json:"dimension"`
	RequestTimeoutSeconds int    `json:"requestTimeoutSeconds"`
	MaxRetries            int    `json:"maxRetries"`
}

// VearchClient Vearch客户端接口
type VearchClient interface {
	Ping(ctx context.Context) error
	CreateDatabase(ctx context.Context, name string) error
	SpaceExists(ctx context.Context, database, name string) (bool, error)
	CreateSpace(ctx context.Context, database string, config *SpaceConfig) error
	DropSpace(ctx context.Context, database, name string) error
	Upsert(ctx context.Context, database, space string, docs []map[string]interface{}) error
	Search(ctx context.Context, req *VearchSearchRequest) ([]VearchDocument, error)
	Query(ctx context.Context, req *VearchQueryRequest) ([]VearchDocument, error)
}

// SpaceConfig 空间配置
type SpaceConfig struct {
	Name         string                   `json:"name"`
	PartitionNum int                      `json:"partition_num"`
	ReplicaNum   int                      `json:"replica_num"`
	Fields       []map[string]interface{} `json:"fields"`
}

// VearchSearchRequest 向量检索请求
type VearchSearchRequest struct {
	Vectors     []VearchVector         `json:"vectors"`
	Filters     *VearchFilter          `json:"filters,omitempty"`
	IndexParams map[string]interface{} `json:"index_params,omitempty"`
	Fields      []string               `json:"fields,omitempty"`
	Limit       int                    `json:"limit"`
	DbName      string                 `json:"db_name"`
	SpaceName   string                 `json:"space_name"`
}

// VearchQueryRequest 过滤查询请求
type VearchQueryRequest struct {
	Filters   *VearchFilter `json:"filters,omitempty"`
	Fields    []string      `json:"fields,omitempty"`
	Limit     int           `json:"limit"`
	Offset    int           `json:"offset,omitempty"`
	DbName    string        `json:"db_name"`
	SpaceName string        `json:"space_name"`
}

// VearchVector 向量查询条件
type VearchVector struct {
	Field   string    `json:"field"`
	Feature []float32 `json:"feature"`
}

// VearchFilter 过滤条件
type VearchFilter struct {
	Operator   string            `json:"operator"`
	Conditions []VearchCondition `json:"conditions"`
}

// VearchCondition 具体过滤条件，Operator: =, >, >=, <, <=, IN, NOT IN
type VearchCondition struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
}

// VearchDocument 返回的文档
type VearchDocument struct {
	ID      string
	Score   float64
	Payload string
}

// vearchHTTPError 非2xx响应
type vearchHTTPError struct {
	StatusCode int
	Body       string
}

func (e *vearchHTTPError) Error() string {
	return fmt.Sprintf("请求失败，状态码: %d, 响应: %s", e.StatusCode, e.Body)
}

// DefaultVearchClient Vearch HTTP客户端
type DefaultVearchClient struct {
	config     *VearchConfig
	httpClient *http.Client
	apiManager *VearchAPIManager
	log        *logrus.Entry
}

// NewDefaultVearchClient 创建Vearch客户端
func NewDefaultVearchClient(config *VearchConfig) (*DefaultVearchClient, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("Vearch配置错误：必须提供VEARCH_URL")
	}
	timeout := time.Duration(config.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &DefaultVearchClient{
		config:     config,
		apiManager: NewVearchAPIManager(config.Endpoint),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		log: logrus.WithField("component", "Vearch客户端"),
	}, nil
}

// Ping 测试连接
func (c *DefaultVearchClient) Ping(ctx context.Context) error {
	_, err := c.makeRequest(ctx, http.MethodGet, c.apiManager.GetClusterInfo(), nil)
	return err
}

// CreateDatabase 创建数据库，已存在时忽略
func (c *DefaultVearchClient) CreateDatabase(ctx context.Context, name string) error {
	body, err := c.makeRequest(ctx, http.MethodPost, c.apiManager.CreateDatabase(name), nil)
	if err != nil {
		return err
	}
	if code := gjson.GetBytes(body, "code").Int(); code != 0 && code != 200 {
		msg := gjson.GetBytes(body, "msg").String()
		c.log.Debugf("创建数据库返回 code=%d msg=%s", code, msg)
	}
	return nil
}

// SpaceExists 检查空间是否存在
func (c *DefaultVearchClient) SpaceExists(ctx context.Context, database, name string) (bool, error) {
	_, err := c.makeRequest(ctx, http.MethodGet, c.apiManager.GetSpace(database, name), nil)
	var httpErr *vearchHTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateSpace 创建空间
func (c *DefaultVearchClient) CreateSpace(ctx context.Context, database string, config *SpaceConfig) error {
	c.log.Infof("创建空间: db=%s, space=%s", database, config.Name)
	body, err := c.makeRequest(ctx, http.MethodPost, c.apiManager.CreateSpace(database), config)
	if err != nil {
		return err
	}
	return checkVearchCode(body)
}

// DropSpace 删除空间
func (c *DefaultVearchClient) DropSpace(ctx context.Context, database, name string) error {
	c.log.Infof("删除空间: db=%s, space=%s", database, name)
	_, err := c.makeRequest(ctx, http.MethodDelete, c.apiManager.DeleteSpace(database, name), nil)
	return err
}

// Upsert 插入文档
func (c *DefaultVearchClient) Upsert(ctx context.Context, database, space string, docs []map[string]interface{}) error {
	payload := map[string]interface{}{
		"db_name":    database,
		"space_name": space,
		"documents":  docs,
	}
	body, err := c.makeRequest(ctx, http.MethodPost, c.apiManager.UpsertDocuments(), payload)
	if err != nil {
		return err
	}
	return checkVearchCode(body)
}

// Search 向量检索，单个查询向量的结果位于 data.documents[0]
func (c *DefaultVearchClient) Search(ctx context.Context, req *VearchSearchRequest) ([]VearchDocument, error) {
	if len(req.Vectors) == 0 || len(req.Vectors[0].Feature) == 0 {
		return nil, fmt.Errorf("向量数据为空，无法执行搜索")
	}
	if req.IndexParams == nil {
		req.IndexParams = map[string]interface{}{"metric_type": "InnerProduct"}
	}

	body, err := c.makeRequest(ctx, http.MethodPost, c.apiManager.SearchDocuments(), req)
	if err != nil {
		return nil, err
	}
	if err := checkVearchCode(body); err != nil {
		return nil, err
	}
	return parseVearchDocuments(gjson.GetBytes(body, "data.documents.0")), nil
}

// Query 过滤查询
func (c *DefaultVearchClient) Query(ctx context.Context, req *VearchQueryRequest) ([]VearchDocument, error) {
	body, err := c.makeRequest(ctx, http.MethodPost, c.apiManager.QueryDocuments(), req)
	if err != nil {
		return nil, err
	}
	if err := checkVearchCode(body); err != nil {
		return nil, err
	}
	docs := gjson.GetBytes(body, "data.documents")
	// 部分版本 query 也返回二维数组
	if first := docs.Get("0"); first.IsArray() {
		docs = first
	}
	return parseVearchDocuments(docs), nil
}

func parseVearchDocuments(arr gjson.Result) []VearchDocument {
	var out []VearchDocument
	arr.ForEach(func(_, doc gjson.Result) bool {
		out = append(out, VearchDocument{
			ID:      doc.Get("_id").String(),
			Score:   doc.Get("_score").Float(),
			Payload: doc.Get("payload").String(),
		})
		return true
	})
	return out
}

func checkVearchCode(body []byte) error {
	code := gjson.GetBytes(body, "code")
	if code.Exists() && code.Int() != 0 && code.Int() != 200 {
		return fmt.Errorf("Vearch返回错误: code=%d, msg=%s", code.Int(), gjson.GetBytes(body, "msg").String())
	}
	return nil
}

// makeRequest 发送HTTP请求，网关类错误（502/503/504）重试
func (c *DefaultVearchClient) makeRequest(ctx context.Context, method, url string, payload interface{}) ([]byte, error) {
	maxRetries := c.config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := 500 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		body, err := c.doRequest(ctx, method, url, payload)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if attempt == maxRetries || !isRetryableError(err) {
			break
		}

		delay := time.Duration(attempt+1) * baseDelay
		c.log.Warnf("收到网关错误，%v后重试 (尝试 %d/%d): %v", delay, attempt+1, maxRetries, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// doRequest 执行单次HTTP请求
func (c *DefaultVearchClient) doRequest(ctx context.Context, method, url string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("序列化请求数据失败: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.Username != "" && c.config.Password != "" {
		req.SetBasicAuth(c.config.Username, c.config.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}
	c.log.Debugf("%s %s -> %d", method, url, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &vearchHTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

// isRetryableError 502/503/504 等网关错误可重试
func isRetryableError(err error) bool {
	var httpErr *vearchHTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	switch httpErr.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
