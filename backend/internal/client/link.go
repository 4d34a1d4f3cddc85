package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"collabSync/backend/internal/protocol"
	"collabSync/backend/internal/relay"
)

var ErrLinkClosed = errors.New("link closed")

// Link carries protocol messages between a session and the relay.
// Recv is only called from one goroutine.
type Link interface {
	Send(ctx context.Context, msg protocol.Message) error
	Recv(ctx context.Context) (protocol.Message, error)
	Close() error
}

// Dialer opens a fresh Link for sessionID; sessions call it again to reconnect.
type Dialer func(ctx context.Context, sessionID string) (Link, error)

// LocalLink talks to a Hub in the same process through an Endpoint.
type LocalLink struct {
	ep      *relay.Endpoint
	replies chan protocol.Message
	in      chan protocol.Message
	pumpErr error

	cancel    context.CancelFunc
	closeOnce sync.Once
}

func NewLocalLink(hub *relay.Hub, sessionID, allowDoc string) *LocalLink {
	ctx, cancel := context.WithCancel(context.Background())
	l := &LocalLink{
		ep:      hub.NewEndpoint(sessionID, allowDoc),
		replies: make(chan protocol.Message, 64),
		in:      make(chan protocol.Message, 64),
		cancel:  cancel,
	}
	go l.pump(ctx)
	return l
}

// LocalDialer dials hub in-process.
func LocalDialer(hub *relay.Hub, allowDoc string) Dialer {
	return func(ctx context.Context, sessionID string) (Link, error) {
		return NewLocalLink(hub, sessionID, allowDoc), nil
	}
}

func (l *LocalLink) pump(ctx context.Context) {
	defer close(l.in)
	for {
		msg, err := l.ep.Next(ctx)
		if err != nil {
			l.pumpErr = err
			return
		}
		select {
		case l.in <- msg:
		case <-ctx.Done():
			l.pumpErr = ctx.Err()
			return
		}
	}
}

func (l *LocalLink) Send(ctx context.Context, msg protocol.Message) error {
	out, err := l.ep.Handle(ctx, msg)
	for _, m := range out {
		select {
		case l.replies <- m:
		default:
			glog.Warningf("client: local link reply queue full, drop %s", m.Type)
		}
	}
	if errors.Is(err, relay.ErrDisconnected) {
		return ErrLinkClosed
	}
	return err
}

func (l *LocalLink) Recv(ctx context.Context) (protocol.Message, error) {
	select {
	case m := <-l.replies:
		return m, nil
	default:
	}
	select {
	case m := <-l.replies:
		return m, nil
	case m, ok := <-l.in:
		if !ok {
			return protocol.Message{}, ErrLinkClosed
		}
		return m, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// Close leaves the document; the relay force-saves it before returning.
func (l *LocalLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.ep.Close(context.Background())
		l.cancel()
	})
	return err
}

const (
	writeWait = 10 * time.Second
)

type wsLink struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// DialWebSocket connects to the relay's WebSocket endpoint, e.g.
// ws://host/collab/ws?docId=d&token=t. The server assigns its own session id.
func DialWebSocket(url string, header http.Header) Dialer {
	return func(ctx context.Context, _ string) (Link, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, err
		}
		return &wsLink{conn: conn}, nil
	}
}

func (l *wsLink) Send(ctx context.Context, msg protocol.Message) error {
	b, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	_ = l.conn.SetWriteDeadline(deadline)
	return l.conn.WriteMessage(websocket.TextMessage, b)
}

func (l *wsLink) Recv(ctx context.Context) (protocol.Message, error) {
	if d, ok := ctx.Deadline(); ok {
		_ = l.conn.SetReadDeadline(d)
	} else {
		_ = l.conn.SetReadDeadline(time.Time{})
	}
	_, data, err := l.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return protocol.Message{}, ErrLinkClosed
		}
		return protocol.Message{}, err
	}
	return protocol.Decode(data)
}

func (l *wsLink) Close() error {
	l.wmu.Lock()
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	l.wmu.Unlock()
	return l.conn.Close()
}
