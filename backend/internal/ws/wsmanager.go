package ws

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/relay"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	hub      *relay.Hub
	sem      *collab.SemaphoreControl
	sessions relay.SessionIndex

	base context.Context
}

func NewManager(hub *relay.Hub, sem *collab.SemaphoreControl, sessions relay.SessionIndex) *Manager {
	return &Manager{hub: hub, sem: sem, sessions: sessions, base: context.Background()}
}

// WithContext makes every connection stop when ctx is done.
func (m *Manager) WithContext(ctx context.Context) *Manager {
	m.base = ctx
	return m
}

// WebSocketConnect upgrades an authorized request. The auth middleware has
// already put docId/userId/username into the gin context.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	docID := c.GetString("docId")
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		glog.Warningf("ws: upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	sessionID := ulid.Make().String()
	ep := m.hub.NewEndpoint(sessionID, docID)
	wsConn := NewConn(conn, ep, docID, userID, username, m.sem, m.sessions)
	glog.V(1).Infof("ws: session=%s user=%d(%s) doc=%s connected", sessionID, userID, username, docID)

	// 阻塞至连接关闭
	wsConn.Serve(m.base)
}
