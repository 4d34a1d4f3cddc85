package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/protocol"
	"collabSync/backend/internal/relay"
)

// Conn pumps one WebSocket through a relay Endpoint: the read loop hands
// frames to the endpoint, the relay loop forwards the session's outbound
// queue, and the write loop owns the socket for writing.
type Conn struct {
	ws       *websocket.Conn
	ep       *relay.Endpoint
	docID    string
	userID   uint64
	username string
	// chan 是 goroutine 之间的队列，写循环是唯一的消费者
	send     chan OutboundMessage
	sem      *collab.SemaphoreControl
	sessions relay.SessionIndex

	done     chan struct{}
	doneOnce sync.Once
}

func NewConn(ws *websocket.Conn, ep *relay.Endpoint, docID string, userID uint64, username string, sem *collab.SemaphoreControl, sessions relay.SessionIndex) *Conn {
	return &Conn{
		ws:       ws,
		ep:       ep,
		docID:    docID,
		userID:   userID,
		username: username,
		send:     make(chan OutboundMessage, sendBuffer),
		sem:      sem,
		sessions: sessions,
		done:     make(chan struct{}),
	}
}

func (c *Conn) stop() { c.doneOnce.Do(func() { close(c.done) }) }

// enqueue 等待写循环有空位；连接结束时放弃
func (c *Conn) enqueue(msg OutboundMessage) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *Conn) handle(ctx context.Context, msg protocol.Message) ([]protocol.Message, error) {
	if c.sem != nil && (msg.Type == protocol.TypeUpdate || msg.Type == protocol.TypeState) {
		acquireCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		if err := c.sem.Acquire(acquireCtx); err != nil {
			return []protocol.Message{protocol.Error(msg.DocID, protocol.CodeRelayUnavailable, err.Error())}, nil
		}
		defer c.sem.Release()
	}
	return c.ep.Handle(ctx, msg)
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Warningf("ws: read (user=%d, doc=%s): %v", c.userID, c.docID, err)
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.enqueue(protocol.Error(c.docID, protocol.CodeMalformedMessage, err.Error()))
			continue
		}
		replies, err := c.handle(ctx, msg)
		for _, r := range replies {
			c.enqueue(r)
		}
		if err != nil {
			if !errors.Is(err, relay.ErrDisconnected) {
				glog.Warningf("ws: session=%s: %v", c.ep.SessionID(), err)
			}
			return
		}
	}
}

// relayLoop 把会话的出站队列搬到写循环
func (c *Conn) relayLoop(ctx context.Context) {
	for {
		msg, err := c.ep.Next(ctx)
		if err != nil {
			if !errors.Is(err, relay.ErrDisconnected) && !errors.Is(err, context.Canceled) {
				glog.Warningf("ws: session=%s outbound: %v", c.ep.SessionID(), err)
			}
			return
		}
		if !c.enqueue(msg) {
			return
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.send:
			b, err := encodeOutbound(msg)
			if err != nil {
				glog.Errorf("ws: encode %s: %v", msg.MessageType(), err)
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				glog.Warningf("ws: write (user=%d, doc=%s): %v", c.userID, c.docID, err)
				c.stop()
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.stop()
				_ = c.ws.Close()
				return
			}
			if c.sessions != nil {
				// 心跳顺带刷新会话索引
				if err := c.sessions.Touch(ctx, c.docID, c.ep.SessionID()); err != nil {
					glog.Warningf("ws: session index touch: %v", err)
				}
			}
		case <-c.done:
			// 尽量把剩下的消息（例如最后的 error）写出去
			for {
				select {
				case msg := <-c.send:
					if b, err := encodeOutbound(msg); err == nil {
						_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
						_ = c.ws.WriteMessage(websocket.TextMessage, b)
					}
				default:
					_ = c.ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
					return
				}
			}
		}
	}
}

// Serve runs the connection until the peer goes away, then leaves the
// document. Leaving force-saves, so Serve returns after the save.
func (c *Conn) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.writeLoop(ctx) }()
	go func() { defer wg.Done(); c.relayLoop(ctx) }()

	c.readLoop(ctx)

	closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	if err := c.ep.Close(closeCtx); err != nil {
		glog.Errorf("ws: session=%s leave doc=%s: %v", c.ep.SessionID(), c.docID, err)
	}
	closeCancel()
	cancel()
	c.stop()
	wg.Wait()
	_ = c.ws.Close()
	glog.V(1).Infof("ws: session=%s user=%d doc=%s closed", c.ep.SessionID(), c.userID, c.docID)
}
