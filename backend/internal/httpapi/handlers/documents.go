package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"

	"collabSync/backend/internal/store"
)

type ContentReader interface {
	Content(ctx context.Context, docID string) (string, error)
}

type SessionCounter interface {
	Count(ctx context.Context, docID string) (int, error)
}

type LocalCounter interface {
	LocalSessions(ctx context.Context, docID string) (int, error)
	NodeID() string
}

type Documents struct {
	content  ContentReader
	local    LocalCounter
	sessions SessionCounter // 可为空，只统计本节点
}

func NewDocuments(content ContentReader, local LocalCounter, sessions SessionCounter) *Documents {
	return &Documents{content: content, local: local, sessions: sessions}
}

// GetContent 返回文档当前内容：打开中的文档取房间副本，否则取持久化记录
func (d *Documents) GetContent(c *gin.Context) {
	docID := c.GetString("docId")
	content, err := d.content.Content(c.Request.Context(), docID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "document " + docID + " has no content"})
		return
	}
	if err != nil {
		glog.Errorf("httpapi: content doc=%s: %v", docID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "load content failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "content": content})
}

func (d *Documents) GetSessions(c *gin.Context) {
	docID := c.GetString("docId")
	ctx := c.Request.Context()
	local, err := d.local.LocalSessions(ctx, docID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}
	resp := gin.H{"docId": docID, "node": d.local.NodeID(), "local": local, "total": local}
	if d.sessions != nil {
		total, err := d.sessions.Count(ctx, docID)
		if err != nil {
			glog.Warningf("httpapi: session index doc=%s: %v", docID, err)
		} else {
			resp["total"] = total
		}
	}
	c.JSON(http.StatusOK, resp)
}

func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}
