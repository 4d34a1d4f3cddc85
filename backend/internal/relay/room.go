package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/golang/glog"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/crdt"
	"collabSync/backend/internal/protocol"
	"collabSync/backend/internal/store"
)

type msgKind int

const (
	msgJoin msgKind = iota
	msgSubmit
	msgState
	msgLeave
	msgCapture
	msgBus
	msgSaved
	msgWarning
	msgContent
	msgCount
	msgReconcile
	msgQuit
)

// 缺更新时最快多久再广播一次状态向量
const announceMinGap = 250 * time.Millisecond

type roomMsg struct {
	kind    msgKind
	member  *Membership
	sv      crdt.StateVector
	payload []byte
	env     Envelope
	rec     store.Record
	err     error
	reply   chan roomReply
}

type roomReply struct {
	rec     store.Record
	content string
	n       int
	err     error
}

// room 是一个文档的执行单元：一个 goroutine 按顺序处理 inbox 里的消息，
// 副本和成员表只在这个 goroutine 里读写。
type room struct {
	hub     *Hub
	docID   string
	replica *crdt.Replica
	members map[string]*Membership

	inbox chan roomMsg
	ready chan struct{}
	done  chan struct{}

	initErr      error
	unsubBus     func()
	lastAnnounce time.Time
	refs         int // 由 hub.mu 保护
}

func newRoom(h *Hub, docID string) *room {
	return &room{
		hub:     h,
		docID:   docID,
		replica: crdt.NewReplica(docID, h.opt.NodeID, crdt.WithLogCapacity(h.opt.LogCapacity)),
		members: make(map[string]*Membership),
		inbox:   make(chan roomMsg, h.opt.InboxSize),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// init 加载持久化状态，之后房间才对外可见
func (r *room) init(ctx context.Context) error {
	h := r.hub
	rec, err := h.persist.Load(ctx, r.docID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return err
	default:
		if len(rec.State) > 0 {
			if _, err := r.replica.MergeSnapshot(rec.State); err != nil {
				return err
			}
		}
	}
	h.persist.Register(r.docID, r)
	if err == nil {
		h.persist.MarkSaved(r.docID, rec.Revision)
	}
	if h.bus != nil {
		unsub, err := h.bus.Subscribe(r.docID, func(env Envelope) {
			_ = r.send(context.Background(), roomMsg{kind: msgBus, env: env})
		})
		if err != nil {
			glog.Warningf("relay: doc=%s bus subscribe failed, running node-local: %v", r.docID, err)
		} else {
			r.unsubBus = unsub
			// 其他节点可能已经打开这份文档，拿到比存储更新的状态
			r.announce()
		}
	}
	glog.Infof("relay: doc=%s opened, vector=%s len=%d", r.docID, r.replica.StateVector(), r.replica.Len())
	return nil
}

func (r *room) run(ctx context.Context) {
	defer close(r.done)
	if err := r.init(ctx); err != nil {
		r.initErr = err
		close(r.ready)
		r.hub.forget(r)
		glog.Errorf("relay: doc=%s open failed: %v", r.docID, err)
		return
	}
	close(r.ready)

	var tick <-chan time.Time
	if r.unsubBus != nil && r.hub.opt.AntiEntropyInterval > 0 {
		t := time.NewTicker(r.hub.opt.AntiEntropyInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case msg, ok := <-r.inbox:
			if !ok {
				return
			}
			if msg.kind == msgQuit {
				r.shutdown()
				if msg.reply != nil {
					msg.reply <- roomReply{}
				}
				return
			}
			r.handle(msg)
		case <-tick:
			r.announce()
		}
	}
}

func (r *room) shutdown() {
	if r.unsubBus != nil {
		r.unsubBus()
	}
	for id, m := range r.members {
		delete(r.members, id)
		m.left = true
		close(m.out)
	}
	glog.Infof("relay: doc=%s closed", r.docID)
}

// send 把消息放进 inbox；房间已退出时返回 ErrRoomClosed
func (r *room) send(ctx context.Context, msg roomMsg) error {
	select {
	case <-r.done:
		return ErrRoomClosed
	default:
	}
	select {
	case r.inbox <- msg:
		return nil
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call 发送消息并等待房间处理完毕
func (r *room) call(ctx context.Context, msg roomMsg) (roomReply, error) {
	msg.reply = make(chan roomReply, 1)
	if err := r.send(ctx, msg); err != nil {
		return roomReply{}, err
	}
	select {
	case rep := <-msg.reply:
		return rep, rep.err
	case <-r.done:
		return roomReply{}, ErrRoomClosed
	case <-ctx.Done():
		return roomReply{}, ctx.Err()
	}
}

// Reconcile implements persist.Reconciler. A record saved by another node is
// merged like any other state, so members receive what was missing, and the
// returned record covers both.
func (r *room) Reconcile(ctx context.Context, stored store.Record) (store.Record, error) {
	rep, err := r.call(ctx, roomMsg{kind: msgReconcile, rec: stored})
	return rep.rec, err
}

// Capture implements persist.Source. The record is taken between two
// messages, so it always reflects whole updates.
func (r *room) Capture(ctx context.Context) (store.Record, error) {
	rep, err := r.call(ctx, roomMsg{kind: msgCapture})
	return rep.rec, err
}

func (r *room) handle(msg roomMsg) {
	var rep roomReply
	if m := msg.member; m != nil && m.left && msg.kind != msgLeave {
		// 已离开的成员不能再回到房间，它的出站队列已经关闭
		glog.Warningf("relay: doc=%s session=%s already left, ignore message %d", r.docID, m.SessionID, msg.kind)
		rep.err = ErrMembershipClosed
		if msg.reply != nil {
			msg.reply <- rep
		}
		return
	}
	switch msg.kind {
	case msgJoin:
		r.handleJoin(msg.member, msg.sv)
	case msgSubmit:
		r.handleSubmit(msg.member, msg.payload)
	case msgState:
		r.handleState(msg.member, msg.payload)
	case msgLeave:
		m := msg.member
		if cur, ok := r.members[m.SessionID]; ok && cur == m {
			delete(r.members, m.SessionID)
		}
		if !m.left {
			m.left = true
			close(m.out)
		}
	case msgCapture:
		rep.rec, rep.err = r.capture()
	case msgBus:
		r.handleBus(msg.env)
	case msgSaved:
		vec := crdt.StateVector(msg.rec.Vector)
		for _, m := range r.members {
			m.deliver(protocol.Saved(r.docID, vec))
		}
	case msgWarning:
		for _, m := range r.members {
			m.deliver(protocol.Warning(r.docID, protocol.CodePersistenceWriteFailure, msg.err.Error()))
		}
	case msgContent:
		rep.content = r.replica.Content()
	case msgCount:
		rep.n = len(r.members)
	case msgReconcile:
		r.mergeStored(msg.rec)
		rep.rec, rep.err = r.capture()
	}
	if msg.reply != nil {
		msg.reply <- rep
	}
}

func (r *room) capture() (store.Record, error) {
	snap, err := r.replica.Snapshot()
	if err != nil {
		return store.Record{}, err
	}
	sv := r.replica.StateVector()
	return store.Record{
		DocumentID: r.docID,
		State:      snap,
		Content:    r.replica.Content(),
		Revision:   sv.Sum(),
		Vector:     sv,
		SavedAt:    time.Now().UTC(),
	}, nil
}

// handleJoin 注册成员并把 bootstrap 作为它的第一条出站消息
func (r *room) handleJoin(m *Membership, sv crdt.StateVector) {
	r.members[m.SessionID] = m
	m.deliver(r.bootstrap(sv))
	// 客户端有房间没有的更新（例如房间重启丢了未落盘的部分），让它补发
	if !r.replica.StateVector().Covers(sv) {
		m.deliver(protocol.SyncRequest(r.docID, r.replica.StateVector()))
	}
}

func (r *room) bootstrap(sv crdt.StateVector) protocol.Message {
	msg := protocol.Message{Type: protocol.TypeBootstrap, DocID: r.docID, StateVector: r.replica.StateVector()}
	if len(sv) > 0 && r.replica.CanDiff(sv) {
		diff := r.replica.Diff(sv)
		msg.Updates = make([][]byte, 0, len(diff))
		ok := true
		for _, u := range diff {
			b, err := u.Encode()
			if err != nil {
				ok = false
				break
			}
			msg.Updates = append(msg.Updates, b)
		}
		if ok {
			return msg
		}
		msg.Updates = nil
	}
	snap, err := r.replica.Snapshot()
	if err != nil {
		glog.Errorf("relay: doc=%s snapshot failed: %v", r.docID, err)
	}
	msg.Snapshot = snap
	return msg
}

func (r *room) handleSubmit(m *Membership, payload []byte) {
	u, err := crdt.DecodeUpdate(payload)
	if err == nil && u.Origin != m.Origin {
		m.deliver(protocol.Error(r.docID, protocol.CodeOriginMismatch, "update origin "+u.Origin+" does not match session origin"))
		return
	}
	if err != nil {
		r.rejectMalformed(m, err)
		return
	}
	known := u.Seq <= r.replica.StateVector()[u.Origin]
	changes, err := r.replica.ApplyRemote(u)
	if err != nil {
		r.rejectMalformed(m, err)
		return
	}
	if !known && r.hub.bus != nil {
		r.hub.bus.Publish(r.docID, Envelope{Node: r.hub.opt.NodeID, Kind: KindUpdate, Payload: payload})
	}
	r.fanOut(changes, m.SessionID)
	if !known && r.replica.StateVector()[u.Origin] < u.Seq {
		// 依赖缺失，暂存并向来源要缺失的部分
		m.deliver(protocol.SyncRequest(r.docID, r.replica.StateVector()))
	}
}

func (r *room) rejectMalformed(m *Membership, err error) {
	glog.Warningf("relay: doc=%s session=%s discard update: %v", r.docID, m.SessionID, err)
	m.deliver(protocol.Error(r.docID, protocol.CodeMalformedUpdate, err.Error()))
	m.deliver(protocol.SyncRequest(r.docID, r.replica.StateVector()))
}

func (r *room) handleState(m *Membership, snap []byte) {
	changes, err := r.replica.MergeSnapshot(snap)
	if err != nil {
		glog.Warningf("relay: doc=%s session=%s discard state: %v", r.docID, m.SessionID, err)
		m.deliver(protocol.Error(r.docID, protocol.CodeMalformedUpdate, err.Error()))
		return
	}
	if r.hub.bus != nil {
		r.hub.bus.Publish(r.docID, Envelope{Node: r.hub.opt.NodeID, Kind: KindState, Payload: snap})
	}
	for _, other := range r.members {
		if other != m {
			other.deliver(protocol.State(r.docID, snap))
		}
	}
	r.fanOut(changes[1:], m.SessionID)
	r.hub.persist.ScheduleSave(r.docID)
}

func (r *room) handleBus(env Envelope) {
	switch env.Kind {
	case KindUpdate:
		u, err := crdt.DecodeUpdate(env.Payload)
		if err != nil {
			glog.Warningf("relay: doc=%s bus update from %s: %v", r.docID, env.Node, err)
			return
		}
		changes, err := r.replica.ApplyRemote(u)
		if err != nil {
			glog.Warningf("relay: doc=%s bus update from %s: %v", r.docID, env.Node, err)
			return
		}
		r.fanOut(changes, "")
		if r.replica.Pending() > 0 && time.Since(r.lastAnnounce) >= announceMinGap {
			// 总线上漏了依赖，马上要
			r.announce()
		}
	case KindState:
		changes, err := r.replica.MergeSnapshot(env.Payload)
		if err != nil {
			glog.Warningf("relay: doc=%s bus state from %s: %v", r.docID, env.Node, err)
			return
		}
		for _, m := range r.members {
			m.deliver(protocol.State(r.docID, env.Payload))
		}
		r.fanOut(changes[1:], "")
		r.hub.persist.ScheduleSave(r.docID)
	case KindVector:
		r.answerVector(env)
	}
}

// announce 把本节点的状态向量发到总线
func (r *room) announce() {
	if r.hub.bus == nil {
		return
	}
	b, err := json.Marshal(r.replica.StateVector())
	if err != nil {
		glog.Errorf("relay: doc=%s encode vector: %v", r.docID, err)
		return
	}
	r.lastAnnounce = time.Now()
	r.hub.bus.Publish(r.docID, Envelope{Node: r.hub.opt.NodeID, Kind: KindVector, Payload: b})
}

// answerVector 把对方节点缺的部分发回总线：日志够用就发增量，否则发整份快照
func (r *room) answerVector(env Envelope) {
	var sv crdt.StateVector
	if err := json.Unmarshal(env.Payload, &sv); err != nil {
		glog.Warningf("relay: doc=%s bus vector from %s: %v", r.docID, env.Node, err)
		return
	}
	if sv.Covers(r.replica.StateVector()) {
		return
	}
	if len(sv) > 0 && r.replica.CanDiff(sv) {
		for _, u := range r.replica.Diff(sv) {
			b, err := u.Encode()
			if err != nil {
				glog.Errorf("relay: doc=%s encode %s: %v", r.docID, u.ID, err)
				return
			}
			r.hub.bus.Publish(r.docID, Envelope{Node: r.hub.opt.NodeID, Kind: KindUpdate, Payload: b})
		}
		return
	}
	snap, err := r.replica.Snapshot()
	if err != nil {
		glog.Errorf("relay: doc=%s snapshot for %s: %v", r.docID, env.Node, err)
		return
	}
	r.hub.bus.Publish(r.docID, Envelope{Node: r.hub.opt.NodeID, Kind: KindState, Payload: snap})
}

// mergeStored 合并别的节点写进存储、本房间还没有的状态
func (r *room) mergeStored(rec store.Record) {
	if len(rec.State) == 0 {
		return
	}
	changes, err := r.replica.MergeSnapshot(rec.State)
	if err != nil {
		glog.Warningf("relay: doc=%s stored state unreadable, keeping own: %v", r.docID, err)
		return
	}
	glog.Infof("relay: doc=%s merged stored revision %d, vector=%s", r.docID, rec.Revision, r.replica.StateVector())
	for _, m := range r.members {
		m.deliver(protocol.State(r.docID, rec.State))
	}
	r.fanOut(changes[1:], "")
}

// fanOut 把已经合并进房间副本的更新转发给其他成员，来源相同的成员不回显
func (r *room) fanOut(changes []crdt.Change, sessionID string) {
	applied := false
	for _, ch := range changes {
		if ch.Update == nil {
			continue
		}
		applied = true
		payload, err := ch.Update.Encode()
		if err != nil {
			glog.Errorf("relay: doc=%s encode %s: %v", r.docID, ch.Update.ID, err)
			continue
		}
		for _, m := range r.members {
			if m.Origin == ch.Update.Origin {
				continue
			}
			m.deliver(protocol.Update(r.docID, ch.Update.Origin, payload))
		}
		if glog.V(2) {
			glog.Infof("relay: doc=%s applied %s, vector=%s", r.docID, ch.Update.ID, r.replica.StateVector())
		}
		if r.hub.events != nil {
			sid := ""
			if m, ok := r.members[sessionID]; ok && m.Origin == ch.Update.Origin {
				sid = sessionID
			}
			r.hub.events.Publish(collab.UpdateAppliedEvent{
				EventType: collab.EventUpdateApplied,
				DocID:     r.docID,
				UpdateID:  ch.Update.ID,
				Origin:    ch.Update.Origin,
				Seq:       ch.Update.Seq,
				Revision:  r.replica.StateVector().Sum(),
				SessionID: sid,
				NodeID:    r.hub.opt.NodeID,
				Payload:   payload,
				AppliedAt: time.Now().UTC(),
			})
		}
	}
	if applied {
		r.hub.persist.ScheduleSave(r.docID)
	}
}
