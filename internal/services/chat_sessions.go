package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/contextkeeper/taskrag/internal/engines/filters"
	"github.com/contextkeeper/taskrag/internal/models"
	"github.com/contextkeeper/taskrag/internal/utils"
)

// MaxSessionHistory 每个会话保留的最近轮次
const MaxSessionHistory = 20

// followUpPhrases 指代上一轮结果的说法
var followUpPhrases = []string{"esa tarea", "esta tarea", "esa", "la anterior"}

// ChatTurn 一轮对话
type ChatTurn struct {
	Query  string            `json:"query"`
	Answer string            `json:"answer"`
	Intent models.IntentType `json:"intent,omitempty"`
	At     time.Time         `json:"at"`
}

// ChatSession 单个聊天会话
type ChatSession struct {
	ID        string
	CreatedAt time.Time

	conn     *websocket.Conn
	writeMu  sync.Mutex
	mu       sync.Mutex
	history  []ChatTurn
	lastTask string
}

// History 会话历史副本
func (s *ChatSession) History() []ChatTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatTurn(nil), s.history...)
}

// LastTask 上一轮检索排第一的任务名
func (s *ChatSession) LastTask() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTask
}

func (s *ChatSession) record(turn ChatTurn, topTask string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, turn)
	if len(s.history) > MaxSessionHistory {
		s.history = s.history[len(s.history)-MaxSessionHistory:]
	}
	if topTask != "" {
		s.lastTask = topTask
	}
}

// WriteJSON 串行写入，gorilla 连接不支持并发写
func (s *ChatSession) WriteJSON(v interface{}) error {
	if s.conn == nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// ChatSessionManager 聊天会话管理
type ChatSessionManager struct {
	answers  *AnswerService
	sessions map[string]*ChatSession
	mutex    sync.RWMutex
}

// NewChatSessionManager 创建会话管理器
func NewChatSessionManager(answers *AnswerService) *ChatSessionManager {
	return &ChatSessionManager{
		answers:  answers,
		sessions: make(map[string]*ChatSession),
	}
}

// Register 注册连接并分配会话 ID，conn 可以为 nil（非 WebSocket 调用）
func (m *ChatSessionManager) Register(conn *websocket.Conn) *ChatSession {
	session := &ChatSession{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		conn:      conn,
	}

	m.mutex.Lock()
	m.sessions[session.ID] = session
	total := len(m.sessions)
	m.mutex.Unlock()

	utils.Logger("聊天会话").Infof("会话已注册: %s (当前 %d 个)", session.ID, total)
	return session
}

// Unregister 注销会话并关闭连接
func (m *ChatSessionManager) Unregister(sessionID string) {
	m.mutex.Lock()
	session, exists := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mutex.Unlock()

	if !exists {
		return
	}
	if session.conn != nil {
		session.conn.Close()
	}
	utils.Logger("聊天会话").Infof("会话已注销: %s", sessionID)
}

// Get 查找会话
func (m *ChatSessionManager) Get(sessionID string) (*ChatSession, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Count 活跃会话数
func (m *ChatSessionManager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.sessions)
}

// Ask 在会话内提问；"esa tarea" 之类的追问会带上上一轮的任务名
func (m *ChatSessionManager) Ask(ctx context.Context, session *ChatSession, query string) *Answer {
	routed := query
	if last := session.LastTask(); last != "" && isFollowUp(query) {
		routed = query + " (" + last + ")"
		utils.Logger("聊天会话").WithContext(ctx).Infof("追问补全: %q -> %q", query, routed)
	}

	ans := m.answers.Ask(ctx, routed)

	top := ""
	if len(ans.Results) > 0 {
		top = ans.Results[0].Task.Name
	}
	session.record(ChatTurn{Query: query, Answer: ans.Text, Intent: ans.Intent, At: time.Now()}, top)
	return ans
}

func isFollowUp(query string) bool {
	folded := models.FoldText(strings.TrimSpace(query))
	for _, p := range followUpPhrases {
		if filters.HasWord(folded, p) {
			return true
		}
	}
	return false
}
