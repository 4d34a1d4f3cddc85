package httpapi

import (
	"github.com/gin-gonic/gin"

	"collabSync/backend/internal/directory"
	"collabSync/backend/internal/httpapi/handlers"
	"collabSync/backend/internal/httpapi/middleware"
	"collabSync/backend/internal/relay"
	"collabSync/backend/internal/ws"
)

type Deps struct {
	Hub        *relay.Hub
	WS         *ws.Manager
	Authorizer directory.Authorizer
	// 可为空
	Sessions   handlers.SessionCounter
	EnableCORS bool
	AccessLog  bool
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	// 中间件
	if d.AccessLog {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	if d.EnableCORS {
		r.Use(middleware.CORS())
	}

	docs := handlers.NewDocuments(d.Hub, d.Hub, d.Sessions)

	collab := r.Group("/collab")
	collab.GET("/healthz", handlers.Healthz)
	// 加入文档前先由文档目录鉴权，会写入 docId/userId/username
	collab.GET("/ws", middleware.JoinAuth(d.Authorizer), d.WS.WebSocketConnect)

	doc := collab.Group("/documents/:docId", middleware.JoinAuth(d.Authorizer))
	doc.GET("/content", docs.GetContent)
	doc.GET("/sessions", docs.GetSessions)
	return r
}
