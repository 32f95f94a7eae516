package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/contextkeeper/taskrag/internal/models"
	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id           TEXT PRIMARY KEY,
	position          INTEGER NOT NULL,
	status            TEXT NOT NULL,
	priority          TEXT NOT NULL,
	sprint            TEXT NOT NULL,
	assignees         TEXT NOT NULL DEFAULT '',
	tags              TEXT NOT NULL DEFAULT '',
	is_blocked        INTEGER NOT NULL DEFAULT 0,
	has_doubts        INTEGER NOT NULL DEFAULT 0,
	is_overdue        INTEGER NOT NULL DEFAULT 0,
	is_pending_review INTEGER NOT NULL DEFAULT 0,
	has_comments      INTEGER NOT NULL DEFAULT 0,
	has_subtasks      INTEGER NOT NULL DEFAULT 0,
	payload           TEXT NOT NULL,
	embedding         TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_tasks_sprint ON tasks(sprint);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

// SQLiteStore 基于 modernc.org/sqlite 的任务存储
// 字符串和布尔字段在 SQL 中过滤，向量相似度在进程内计算
type SQLiteStore struct {
	db   *sql.DB
	path string
	log  *logrus.Entry
}

// NewSQLiteStore 打开（或创建）SQLite 存储
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open db: %v", models.ErrStoreUnavailable, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to ping db: %v", models.ErrStoreUnavailable, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	return &SQLiteStore{
		db:   db,
		path: path,
		log:  logrus.WithField("component", "SQLite存储"),
	}, nil
}

// Capabilities 字符串等值和布尔标志可下推，子串匹配需要去重音，留在进程内
func (s *SQLiteStore) Capabilities() models.Capabilities {
	caps := FullCapabilities(StoreTypeSQLite)
	caps.ContainsFields = map[string]bool{}
	return caps
}

// buildWhere 生成 WHERE 子句，字段名来自白名单
func buildWhere(filter *models.FilterPredicate) (string, []any) {
	if filter.IsEmpty() {
		return "", nil
	}
	clauses := make([]string, 0, len(filter.Conditions))
	args := make([]any, 0, len(filter.Conditions))
	for _, c := range filter.Conditions {
		op := "="
		if c.Negate {
			op = "<>"
		}
		if models.IsBooleanField(c.Field) {
			v := 0
			if c.Value == "true" {
				v = 1
			}
			clauses = append(clauses, fmt.Sprintf("%s %s ?", c.Field, op))
			args = append(args, v)
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%s %s ? COLLATE NOCASE", c.Field, op))
		args = append(args, c.Value)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Search 近邻检索
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, topK int, filter *models.FilterPredicate) ([]models.CandidateResult, error) {
	if err := checkPushable(s.Capabilities(), filter); err != nil {
		return nil, err
	}
	if topK > DefaultMaxSearchLimit {
		topK = DefaultMaxSearchLimit
	}

	where, args := buildWhere(filter)
	rows, err := s.db.QueryContext(ctx, "SELECT payload, embedding FROM tasks"+where+" ORDER BY position", args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var results []models.CandidateResult
	for rows.Next() {
		var payload, embedding string
		if err := rows.Scan(&payload, &embedding); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
		}
		var task models.TaskRecord
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			s.log.Warnf("跳过无法解析的记录: %v", err)
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(embedding), &vec); err != nil {
			s.log.Warnf("任务 %s 的向量无法解析: %v", task.ID, err)
		}
		results = append(results, models.CandidateResult{Task: task, Score: cosineSimilarity(vector, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Scan 全量扫描
func (s *SQLiteStore) Scan(ctx context.Context, filter *models.FilterPredicate, limit int) ([]models.TaskRecord, error) {
	if err := checkPushable(s.Capabilities(), filter); err != nil {
		return nil, err
	}

	where, args := buildWhere(filter)
	query := "SELECT payload FROM tasks" + where + " ORDER BY position"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []models.TaskRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
		}
		var task models.TaskRecord
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			s.log.Warnf("跳过无法解析的记录: %v", err)
			continue
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// Replace 在一个事务内整体替换
func (s *SQLiteStore) Replace(ctx context.Context, tasks []IndexedTask) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM tasks"); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO tasks
		(task_id, position, status, priority, sprint, assignees, tags,
		 is_blocked, has_doubts, is_overdue, is_pending_review, has_comments, has_subtasks,
		 payload, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, it := range tasks {
		t := it.Task
		payload, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("序列化任务 %s 失败: %w", t.ID, err)
		}
		vec, err := json.Marshal(it.Vector)
		if err != nil {
			return fmt.Errorf("序列化向量 %s 失败: %w", t.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			t.ID, i, string(t.Status), string(t.Priority), t.Sprint, t.Assignees, t.Tags,
			boolInt(t.IsBlocked), boolInt(t.HasDoubts), boolInt(t.IsOverdue),
			boolInt(t.IsPendingReview), boolInt(t.HasComments), boolInt(t.HasSubtasks),
			string(payload), string(vec),
		); err != nil {
			return fmt.Errorf("写入任务 %s 失败: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Infof("已替换 %d 条任务记录: %s", len(tasks), s.path)
	return nil
}

// Count 记录总数
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	return n, nil
}

// Close 关闭数据库
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
