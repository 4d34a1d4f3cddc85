package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"

	"collabSync/backend/internal/protocol"
)

var ErrDisconnected = errors.New("session disconnected")

// Endpoint dispatches the wire protocol of one connection. A connection
// carries one session on one document.
type Endpoint struct {
	hub       *Hub
	sessionID string
	// 上游已授权的文档，空表示不限制
	allowDoc string

	mu       sync.Mutex
	member   *Membership
	isClosed bool

	joined    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (h *Hub) NewEndpoint(sessionID, allowDoc string) *Endpoint {
	return &Endpoint{
		hub:       h,
		sessionID: sessionID,
		allowDoc:  allowDoc,
		joined:    make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

func (e *Endpoint) SessionID() string { return e.sessionID }

func (e *Endpoint) current() *Membership {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.member
}

// Handle processes one inbound message. Replies meant only for this
// connection are returned; everything else arrives through Next. A non-nil
// error means the connection should be closed.
func (e *Endpoint) Handle(ctx context.Context, msg protocol.Message) ([]protocol.Message, error) {
	e.mu.Lock()
	closed := e.isClosed
	e.mu.Unlock()
	if closed {
		return nil, ErrDisconnected
	}
	if err := msg.Validate(); err != nil {
		return reply(protocol.Error(msg.DocID, protocol.CodeMalformedMessage, err.Error())), nil
	}
	switch msg.Type {
	case protocol.TypeJoin:
		return e.join(ctx, msg)

	case protocol.TypeUpdate, protocol.TypeState:
		m := e.current()
		if m == nil || m.DocumentID != msg.DocID {
			return reply(protocol.Error(msg.DocID, protocol.CodeNotJoined, "join the document first")), nil
		}
		var err error
		if msg.Type == protocol.TypeUpdate {
			err = m.Submit(ctx, msg.Payload)
		} else {
			err = m.MergeState(ctx, msg.Snapshot)
		}
		if err != nil {
			// 本地已经应用，客户端会在重连/同步时补发
			glog.Warningf("relay: session=%s %s not delivered: %v", e.sessionID, msg.Type, err)
			return reply(protocol.Error(msg.DocID, protocol.CodeRelayUnavailable, err.Error())), nil
		}
		return nil, nil

	case protocol.TypeDisconnect:
		if err := e.Close(ctx); err != nil {
			glog.Errorf("relay: session=%s disconnect: %v", e.sessionID, err)
		}
		return nil, ErrDisconnected

	default:
		return reply(protocol.Error(msg.DocID, protocol.CodeUnknownType, "unknown message type "+string(msg.Type))), nil
	}
}

func (e *Endpoint) join(ctx context.Context, msg protocol.Message) ([]protocol.Message, error) {
	if e.allowDoc != "" && msg.DocID != e.allowDoc {
		return reply(protocol.Error(msg.DocID, protocol.CodeUnauthorizedJoin, "session is not authorized for this document")), nil
	}
	if m := e.current(); m != nil {
		if m.DocumentID != msg.DocID || m.Origin != msg.Origin {
			return reply(protocol.Error(msg.DocID, protocol.CodeMalformedMessage, "session already joined "+m.DocumentID)), nil
		}
		if err := m.Rejoin(ctx, msg.StateVector); errors.Is(err, ErrMembershipClosed) {
			return nil, ErrDisconnected
		} else if err != nil {
			return reply(protocol.Error(msg.DocID, protocol.CodeRelayUnavailable, err.Error())), nil
		}
		return nil, nil
	}

	m, err := e.hub.Join(ctx, JoinRequest{
		DocumentID:  msg.DocID,
		SessionID:   e.sessionID,
		Origin:      msg.Origin,
		StateVector: msg.StateVector,
	})
	if errors.Is(err, ErrInvalidJoin) {
		return reply(protocol.Error(msg.DocID, protocol.CodeMalformedMessage, err.Error())), nil
	}
	if err != nil {
		return reply(protocol.Error(msg.DocID, protocol.CodeRelayUnavailable, err.Error())), nil
	}

	e.mu.Lock()
	if e.isClosed {
		e.mu.Unlock()
		_ = m.Leave(ctx)
		return nil, ErrDisconnected
	}
	e.member = m
	e.mu.Unlock()
	close(e.joined)
	return nil, nil
}

// Next blocks until the session has joined, then yields its outbound messages.
func (e *Endpoint) Next(ctx context.Context) (protocol.Message, error) {
	select {
	case <-e.closed:
		return protocol.Message{}, ErrDisconnected
	default:
	}
	select {
	case <-e.joined:
	case <-e.closed:
		return protocol.Message{}, ErrDisconnected
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
	msg, err := e.current().Next(ctx)
	if errors.Is(err, ErrMembershipClosed) {
		return protocol.Message{}, ErrDisconnected
	}
	return msg, err
}

// Close leaves the document (force-saving it) if the session had joined.
func (e *Endpoint) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.isClosed = true
		m := e.member
		e.mu.Unlock()
		if m != nil {
			e.closeErr = m.Leave(ctx)
		}
		close(e.closed)
	})
	return e.closeErr
}

func reply(msgs ...protocol.Message) []protocol.Message { return msgs }
