package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/crdt"
	"collabSync/backend/internal/persist"
	"collabSync/backend/internal/store"
)

var (
	ErrRoomClosed       = errors.New("document room is closed")
	ErrHubClosed        = errors.New("relay hub is closed")
	ErrMembershipClosed = errors.New("membership is closed")
	ErrInvalidJoin      = errors.New("invalid join request")
)

// Persister is the part of the Persistence Manager the relay drives.
type Persister interface {
	Register(docID string, src persist.Source)
	MarkSaved(docID string, rev uint64)
	Unregister(docID string)
	ScheduleSave(docID string)
	ForceSave(ctx context.Context, docID string) error
	Load(ctx context.Context, docID string) (store.Record, error)
}

// EventSink receives one event per update merged by a room. Publish must not block.
type EventSink interface {
	Publish(evt collab.UpdateAppliedEvent)
}

// SessionIndex tracks active sessions per document outside this process.
type SessionIndex interface {
	Touch(ctx context.Context, docID, sessionID string) error
	Remove(ctx context.Context, docID, sessionID string) error
}

type Options struct {
	NodeID         string
	OutboundBuffer int
	InboxSize      int
	LogCapacity    int
	Events         EventSink
	Sessions       SessionIndex

	Bus Bus
	// 通过总线交换状态向量的间隔，默认 5s，负数关闭
	AntiEntropyInterval time.Duration
}

// Hub is the directory of open documents. Each document is served by one
// room goroutine; the Hub only hands out references, counted per session.
type Hub struct {
	opt     Options
	persist Persister
	bus     Bus
	events  EventSink

	mu      sync.Mutex
	rooms   map[string]*room
	closing map[string]chan struct{}
	closed  bool
}

func NewHub(p Persister, opt Options) *Hub {
	if opt.NodeID == "" {
		opt.NodeID = "node-" + ulid.Make().String()
	}
	if opt.OutboundBuffer <= 0 {
		opt.OutboundBuffer = 256
	}
	if opt.InboxSize <= 0 {
		opt.InboxSize = 1024
	}
	if opt.AntiEntropyInterval == 0 {
		opt.AntiEntropyInterval = 5 * time.Second
	}
	return &Hub{
		opt:     opt,
		persist: p,
		bus:     opt.Bus,
		events:  opt.Events,
		rooms:   make(map[string]*room),
		closing: make(map[string]chan struct{}),
	}
}

func (h *Hub) NodeID() string { return h.opt.NodeID }

type JoinRequest struct {
	DocumentID  string
	SessionID   string
	Origin      string
	StateVector crdt.StateVector
}

// Join attaches a session to a document, opening the document if needed.
// The bootstrap is the first message the returned membership yields.
func (h *Hub) Join(ctx context.Context, req JoinRequest) (*Membership, error) {
	if req.DocumentID == "" || req.Origin == "" || req.Origin == crdt.OriginRemote || req.Origin == crdt.OriginPersisted {
		return nil, fmt.Errorf("%w: doc=%q origin=%q", ErrInvalidJoin, req.DocumentID, req.Origin)
	}
	if req.SessionID == "" {
		req.SessionID = ulid.Make().String()
	}
	r, err := h.acquire(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}
	m := newMembership(h, r, req, h.opt.OutboundBuffer)
	if _, err := r.call(ctx, roomMsg{kind: msgJoin, member: m, sv: req.StateVector}); err != nil {
		h.release(r)
		return nil, err
	}
	if h.opt.Sessions != nil {
		if err := h.opt.Sessions.Touch(ctx, req.DocumentID, req.SessionID); err != nil {
			glog.Warningf("relay: session index touch doc=%s: %v", req.DocumentID, err)
		}
	}
	glog.V(1).Infof("relay: doc=%s session=%s origin=%s joined", req.DocumentID, req.SessionID, req.Origin)
	return m, nil
}

func (h *Hub) acquire(ctx context.Context, docID string) (*room, error) {
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, ErrHubClosed
		}
		if r, ok := h.rooms[docID]; ok {
			r.refs++
			h.mu.Unlock()
			return h.waitReady(ctx, r)
		}
		if done, ok := h.closing[docID]; ok {
			// 上一个房间还在收尾，等它彻底退出后再重新打开
			h.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		r := newRoom(h, docID)
		r.refs = 1
		h.rooms[docID] = r
		h.mu.Unlock()

		go r.run(context.WithoutCancel(ctx))
		return h.waitReady(ctx, r)
	}
}

func (h *Hub) waitReady(ctx context.Context, r *room) (*room, error) {
	select {
	case <-r.ready:
	case <-ctx.Done():
		h.release(r)
		return nil, ctx.Err()
	}
	if r.initErr != nil {
		return nil, r.initErr
	}
	return r, nil
}

// forget 移除初始化失败的房间
func (h *Hub) forget(r *room) {
	h.mu.Lock()
	if h.rooms[r.docID] == r {
		delete(h.rooms, r.docID)
	}
	h.mu.Unlock()
}

// release drops one reference. The last one flushes and stops the room; a
// concurrent re-open waits until that has finished.
func (h *Hub) release(r *room) {
	h.mu.Lock()
	r.refs--
	if r.refs > 0 || h.rooms[r.docID] != r {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, r.docID)
	finished := make(chan struct{})
	h.closing[r.docID] = finished
	h.mu.Unlock()

	h.stopRoom(r)

	h.mu.Lock()
	if h.closing[r.docID] == finished {
		delete(h.closing, r.docID)
	}
	h.mu.Unlock()
	close(finished)
}

func (h *Hub) stopRoom(r *room) {
	ctx := context.Background()
	if err := h.persist.ForceSave(ctx, r.docID); err != nil {
		glog.Errorf("relay: doc=%s final save: %v", r.docID, err)
	}
	if _, err := r.call(ctx, roomMsg{kind: msgQuit}); err != nil && !errors.Is(err, ErrRoomClosed) {
		glog.Warningf("relay: doc=%s stop: %v", r.docID, err)
	}
	<-r.done
	h.persist.Unregister(r.docID)
}

func (h *Hub) lookup(docID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[docID]
	if r == nil {
		return nil
	}
	select {
	case <-r.ready:
		if r.initErr != nil {
			return nil
		}
		return r
	default:
		return nil
	}
}

// NotifySaved is the Persistence Manager's OnSaved hook: members learn which
// state is durable and may drop their retained updates.
func (h *Hub) NotifySaved(docID string, rec store.Record) {
	if r := h.lookup(docID); r != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.send(ctx, roomMsg{kind: msgSaved, rec: rec})
	}
}

// NotifyWarning is the Persistence Manager's OnWarning hook.
func (h *Hub) NotifyWarning(docID string, err error) {
	if r := h.lookup(docID); r != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.send(ctx, roomMsg{kind: msgWarning, err: err})
	}
}

// Content returns the materialized text of docID: from the open room if
// there is one, otherwise from the persisted record.
func (h *Hub) Content(ctx context.Context, docID string) (string, error) {
	if r := h.lookup(docID); r != nil {
		rep, err := r.call(ctx, roomMsg{kind: msgContent})
		if err == nil {
			return rep.content, nil
		}
		if !errors.Is(err, ErrRoomClosed) {
			return "", err
		}
	}
	rec, err := h.persist.Load(ctx, docID)
	if err != nil {
		return "", err
	}
	if len(rec.State) > 0 {
		text, _, err := crdt.SnapshotContent(rec.State)
		if err == nil {
			return text, nil
		}
		glog.Warningf("relay: doc=%s persisted snapshot unreadable, using stored content: %v", docID, err)
	}
	return rec.Content, nil
}

// LocalSessions is the number of sessions this node serves for docID.
func (h *Hub) LocalSessions(ctx context.Context, docID string) (int, error) {
	r := h.lookup(docID)
	if r == nil {
		return 0, nil
	}
	rep, err := r.call(ctx, roomMsg{kind: msgCount})
	if errors.Is(err, ErrRoomClosed) {
		return 0, nil
	}
	return rep.n, err
}

// OpenDocuments lists the documents with a live room on this node.
func (h *Hub) OpenDocuments() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		out = append(out, id)
	}
	return out
}

// Close flushes and stops every room. Memberships still attached see their
// outbound queue closed.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	h.closed = true
	rooms := make([]*room, 0, len(h.rooms))
	for id, r := range h.rooms {
		rooms = append(rooms, r)
		delete(h.rooms, id)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range rooms {
		wg.Add(1)
		go func(r *room) {
			defer wg.Done()
			select {
			case <-r.ready:
			case <-ctx.Done():
				return
			}
			if r.initErr == nil {
				h.stopRoom(r)
			}
		}(r)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
