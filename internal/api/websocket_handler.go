package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/contextkeeper/taskrag/internal/services"
	"github.com/contextkeeper/taskrag/internal/utils"
)

// WebSocket升级器
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// 允许所有来源的连接（生产环境中应该限制）
		return true
	},
}

const (
	chatReadTimeout = 10 * time.Minute
	chatMaxMessage  = 8 << 10
	replyAnswer     = "answer"
)

// ChatMessage 客户端消息
type ChatMessage struct {
	Query string `json:"query"`
}

// ChatReply 服务端回复
type ChatReply struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id"`
	Answer    *services.Answer `json:"answer,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// HandleChat 聊天 WebSocket：每条消息是一次提问，会话内保留追问上下文
func (h *Handler) HandleChat(c *gin.Context) {
	log := utils.Logger("WebSocket").WithContext(c.Request.Context())

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Errorf("升级连接失败: %v", err)
		return
	}
	conn.SetReadLimit(chatMaxMessage)

	session := h.sessions.Register(conn)
	defer h.sessions.Unregister(session.ID)

	if err := session.WriteJSON(ChatReply{Type: "welcome", SessionID: session.ID}); err != nil {
		log.Warnf("发送欢迎消息失败: %v", err)
		return
	}

	for {
		conn.SetReadDeadline(time.Now().Add(chatReadTimeout))
		var msg ChatMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("会话 %s 读取失败: %v", session.ID, err)
			}
			return
		}

		query := strings.TrimSpace(msg.Query)
		if query == "" {
			if err := session.WriteJSON(ChatReply{Type: "error", SessionID: session.ID, Error: "query 不能为空"}); err != nil {
				return
			}
			continue
		}

		ctx := utils.EnsureTraceID(c.Request.Context())
		ans := h.sessions.Ask(ctx, session, query)
		if err := session.WriteJSON(ChatReply{Type: replyAnswer, SessionID: session.ID, Answer: ans}); err != nil {
			log.Warnf("会话 %s 写入失败: %v", session.ID, err)
			return
		}
	}
}
