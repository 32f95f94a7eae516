package vectorstore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/contextkeeper/taskrag/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Encoder 文本向量化接口
type Encoder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
}

// LoadSnapshot 读取入库流程产出的 JSONL 快照
func LoadSnapshot(path string) ([]models.TaskRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开快照失败: %w", err)
	}
	defer f.Close()
	return ReadSnapshot(f)
}

// ReadSnapshot 解析 JSONL 任务记录
// 支持扁平记录和 {task_id, text, chunk_index, metadata:{...}} 分块记录，同一任务的分块按序合并
func ReadSnapshot(r io.Reader) ([]models.TaskRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	type chunk struct {
		index int
		text  string
	}
	var order []string
	records := make(map[string]*models.TaskRecord)
	chunks := make(map[string][]chunk)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !gjson.Valid(line) {
			logrus.Warnf("[快照] 第 %d 行不是合法JSON，已跳过", lineNo)
			continue
		}
		row := gjson.Parse(line)
		task := decodeRow(row)
		if task.ID == "" {
			logrus.Warnf("[快照] 第 %d 行缺少 task_id，已跳过", lineNo)
			continue
		}

		if _, seen := records[task.ID]; !seen {
			order = append(order, task.ID)
			t := task
			records[task.ID] = &t
		}
		chunks[task.ID] = append(chunks[task.ID], chunk{
			index: int(row.Get("chunk_index").Int()),
			text:  task.Text,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取快照失败: %w", err)
	}

	out := make([]models.TaskRecord, 0, len(order))
	for _, id := range order {
		task := records[id]
		parts := chunks[id]
		if len(parts) > 1 {
			sort.SliceStable(parts, func(i, j int) bool { return parts[i].index < parts[j].index })
			texts := make([]string, 0, len(parts))
			for _, p := range parts {
				if p.text != "" {
					texts = append(texts, p.text)
				}
			}
			task.Text = strings.Join(texts, "\n")
		}
		task.Normalize()
		out = append(out, *task)
	}
	return out, nil
}

// decodeRow 元数据优先取 metadata 子对象，缺失时取顶层字段
func decodeRow(row gjson.Result) models.TaskRecord {
	meta := row.Get("metadata")
	get := func(keys ...string) gjson.Result {
		for _, k := range keys {
			if meta.Exists() {
				if v := meta.Get(k); v.Exists() {
					return v
				}
			}
			if v := row.Get(k); v.Exists() {
				return v
			}
		}
		return gjson.Result{}
	}

	task := models.TaskRecord{
		ID:              get("task_id", "id").String(),
		Name:            get("name").String(),
		Text:            row.Get("text").String(),
		Status:          models.TaskStatus(get("status").String()),
		Priority:        models.TaskPriority(get("priority", "priority_level").String()),
		Sprint:          get("sprint").String(),
		Assignees:       joinValue(get("assignees")),
		Tags:            joinValue(get("tags")),
		IsBlocked:       get("is_blocked").Bool(),
		HasDoubts:       get("has_doubts").Bool(),
		IsOverdue:       get("is_overdue").Bool(),
		IsPendingReview: get("is_pending_review").Bool(),
		HasComments:     get("has_comments").Bool(),
		HasSubtasks:     get("has_subtasks").Bool(),
		CommentsCount:   int(get("comments_count").Int()),
		SubtasksCount:   int(get("subtasks_count").Int()),
	}
	if task.Text == "" {
		task.Text = get("description").String()
	}

	get("subtasks").ForEach(func(_, st gjson.Result) bool {
		task.Subtasks = append(task.Subtasks, models.Subtask{
			Name:   st.Get("name").String(),
			Status: models.ParseStatus(st.Get("status").String()),
		})
		return true
	})
	return task
}

// joinValue 数组值拼成逗号分隔字符串
func joinValue(v gjson.Result) string {
	if !v.IsArray() {
		return v.String()
	}
	var parts []string
	v.ForEach(func(_, item gjson.Result) bool {
		if s := strings.TrimSpace(item.String()); s != "" {
			parts = append(parts, s)
		}
		return true
	})
	return strings.Join(parts, ", ")
}

// IndexSnapshot 向量化全部任务并整体替换存储内容
func IndexSnapshot(ctx context.Context, store TaskStore, encoder Encoder, tasks []models.TaskRecord) error {
	indexed := make([]IndexedTask, 0, len(tasks))
	for i := range tasks {
		task := tasks[i]
		task.Normalize()
		vec, err := encoder.Encode(ctx, task.Document())
		if err != nil {
			return fmt.Errorf("%w: 任务 %s: %v", models.ErrEmbeddingFailure, task.ID, err)
		}
		indexed = append(indexed, IndexedTask{Task: task, Vector: vec})
	}
	if err := store.Replace(ctx, indexed); err != nil {
		return fmt.Errorf("写入存储失败: %w", err)
	}
	logrus.Infof("[快照] 入库完成，共 %d 条任务", len(indexed))
	return nil
}
