package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"collabSync/backend/internal/crdt"
	"collabSync/backend/internal/persist"
	"collabSync/backend/internal/protocol"
)

// Membership is one session's subscription to a document room.
type Membership struct {
	hub  *Hub
	room *room

	SessionID  string
	Origin     string
	DocumentID string
	JoinedAt   time.Time

	// out 只由房间 goroutine 写入和关闭；left 也只由房间 goroutine 读写
	out    chan protocol.Message
	left   bool
	lagged atomic.Bool
	// Leave 已开始，之后的 Rejoin 一律拒绝
	leaving atomic.Bool

	leaveOnce sync.Once
	leaveErr  error
}

func newMembership(h *Hub, r *room, req JoinRequest, buffer int) *Membership {
	return &Membership{
		hub:        h,
		room:       r,
		SessionID:  req.SessionID,
		Origin:     req.Origin,
		DocumentID: req.DocumentID,
		JoinedAt:   time.Now(),
		out:        make(chan protocol.Message, buffer),
	}
}

// deliver never blocks the room. A full queue marks the member lagged; it will
// be told to rejoin, which recovers everything it missed.
func (m *Membership) deliver(msg protocol.Message) {
	if m.left {
		return
	}
	select {
	case m.out <- msg:
	default:
		if !m.lagged.Swap(true) {
			glog.Warningf("relay: doc=%s session=%s outbound full, requesting rejoin", m.DocumentID, m.SessionID)
		}
	}
}

// Next blocks for the next outbound message.
func (m *Membership) Next(ctx context.Context) (protocol.Message, error) {
	if m.lagged.Load() {
		// 丢过消息，队列里剩下的也没有意义了
		for drained := false; !drained; {
			select {
			case _, ok := <-m.out:
				if !ok {
					return protocol.Message{}, ErrMembershipClosed
				}
			default:
				drained = true
			}
		}
		m.lagged.Store(false)
		return protocol.Rejoin(m.DocumentID), nil
	}
	select {
	case msg, ok := <-m.out:
		if !ok {
			return protocol.Message{}, ErrMembershipClosed
		}
		return msg, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// Submit hands an encoded update to the room. It returns once the room has
// queued it; validation problems come back as outbound error messages.
func (m *Membership) Submit(ctx context.Context, payload []byte) error {
	return m.room.send(ctx, roomMsg{kind: msgSubmit, member: m, payload: payload})
}

// MergeState hands a full snapshot to the room, typically the answer to a
// sync_request the room could not satisfy incrementally.
func (m *Membership) MergeState(ctx context.Context, snapshot []byte) error {
	return m.room.send(ctx, roomMsg{kind: msgState, member: m, payload: snapshot})
}

// Rejoin re-sends the bootstrap for sv.
func (m *Membership) Rejoin(ctx context.Context, sv crdt.StateVector) error {
	if m.leaving.Load() {
		return ErrMembershipClosed
	}
	_, err := m.room.call(ctx, roomMsg{kind: msgJoin, member: m, sv: sv})
	return err
}

// Leave unsubscribes at once, then force-saves the document and only then
// releases the room. The save runs to completion even if ctx is cancelled.
func (m *Membership) Leave(ctx context.Context) error {
	m.leaveOnce.Do(func() {
		m.leaving.Store(true)
		m.leaveErr = m.leave(context.WithoutCancel(ctx))
	})
	return m.leaveErr
}

func (m *Membership) leave(ctx context.Context) error {
	defer m.hub.release(m.room)

	if _, err := m.room.call(ctx, roomMsg{kind: msgLeave, member: m}); err != nil && !errors.Is(err, ErrRoomClosed) {
		glog.Warningf("relay: doc=%s session=%s unsubscribe: %v", m.DocumentID, m.SessionID, err)
	}
	if s := m.hub.opt.Sessions; s != nil {
		if err := s.Remove(ctx, m.DocumentID, m.SessionID); err != nil {
			glog.Warningf("relay: session index remove doc=%s: %v", m.DocumentID, err)
		}
	}
	err := m.hub.persist.ForceSave(ctx, m.DocumentID)
	if errors.Is(err, persist.ErrNotRegistered) {
		// 房间已随 hub 关闭落盘
		err = nil
	}
	glog.V(1).Infof("relay: doc=%s session=%s left", m.DocumentID, m.SessionID)
	return err
}
