package vectorstore

import (
	"fmt"
	"strings"
)

// VearchAPIManager 统一管理Vearch API的URL
// 参考 https://vearch.readthedocs.io/zh-cn/latest/use_op/op_db.html
type VearchAPIManager struct {
	baseURL string
}

// NewVearchAPIManager 创建API管理器
func NewVearchAPIManager(baseURL string) *VearchAPIManager {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return &VearchAPIManager{baseURL: strings.TrimSuffix(baseURL, "/")}
}

// ========== 集群操作 API ==========

// GetClusterInfo 获取集群信息
// GET /
func (api *VearchAPIManager) GetClusterInfo() string {
	return api.baseURL
}

// ========== 数据库操作 API ==========

// ListDatabases 列出数据库
// GET /dbs
func (api *VearchAPIManager) ListDatabases() string {
	return fmt.Sprintf("%s/dbs", api.baseURL)
}

// CreateDatabase 创建数据库
// POST /dbs/$db_name
func (api *VearchAPIManager) CreateDatabase(dbName string) string {
	return fmt.Sprintf("%s/dbs/%s", api.baseURL, dbName)
}

// ========== 表空间操作 API ==========

// CreateSpace 创建表空间
// POST /dbs/$db_name/spaces
func (api *VearchAPIManager) CreateSpace(dbName string) string {
	return fmt.Sprintf("%s/dbs/%s/spaces", api.baseURL, dbName)
}

// GetSpace 获取表空间
// GET /dbs/$db_name/spaces/$space_name
func (api *VearchAPIManager) GetSpace(dbName, spaceName string) string {
	return fmt.Sprintf("%s/dbs/%s/spaces/%s", api.baseURL, dbName, spaceName)
}

// DeleteSpace 删除表空间
// DELETE /dbs/$db_name/spaces/$space_name
func (api *VearchAPIManager) DeleteSpace(dbName, spaceName string) string {
	return fmt.Sprintf("%s/dbs/%s/spaces/%s", api.baseURL, dbName, spaceName)
}

// ========== 文档操作 API ==========

// UpsertDocuments 插入/更新文档
// POST /document/upsert
func (api *VearchAPIManager) UpsertDocuments() string {
	return fmt.Sprintf("%s/document/upsert", api.baseURL)
}

// SearchDocuments 向量检索
// POST /document/search
func (api *VearchAPIManager) SearchDocuments() string {
	return fmt.Sprintf("%s/document/search", api.baseURL)
}

// QueryDocuments 按过滤条件查询（不需要向量）
// POST /document/query
func (api *VearchAPIManager) QueryDocuments() string {
	return fmt.Sprintf("%s/document/query", api.baseURL)
}
