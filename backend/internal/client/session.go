package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"collabSync/backend/internal/crdt"
	"collabSync/backend/internal/delta"
	"collabSync/backend/internal/protocol"
	"collabSync/backend/internal/undo"
)

var (
	ErrSessionClosed = errors.New("client session is closed")
	ErrNoDocument    = errors.New("document id is required")
)

type Options struct {
	DocumentID  string
	// Origin marks this client's updates; a fresh UUID when empty.
	Origin      string
	LogCapacity int
	Undo        undo.Options

	// 自动重连的退避上限，0 表示断线后不自动重连
	ReconnectMaxElapsed time.Duration
	// 发往 relay 的消息队列长度，默认 256
	OutboundQueue int

	// OnChange receives what remote updates did to the content, in order.
	OnChange func(crdt.Change)
	// OnNotice receives relay warnings and errors.
	OnNotice func(protocol.Message)
}

const defaultOutboundQueue = 256

// linkState 是一条连接的发送队列，以及收发两个循环的退出信号
type linkState struct {
	link  Link
	queue chan protocol.Message
	// 受 Session.mu 保护
	dropped bool

	stop     chan struct{}
	stopOnce sync.Once
	flushed  chan struct{}
	recvDone chan struct{}
}

func newLinkState(link Link, size int) *linkState {
	return &linkState{
		link:     link,
		queue:    make(chan protocol.Message, size),
		stop:     make(chan struct{}),
		flushed:  make(chan struct{}),
		recvDone: make(chan struct{}),
	}
}

func (l *linkState) halt() { l.stopOnce.Do(func() { close(l.stop) }) }

// Session is one client's view of one document: its own replica, its own
// undo scope, and the local updates the relay has not yet persisted.
type Session struct {
	id     string
	docID  string
	origin string
	dial   Dialer
	opt    Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	replica *crdt.Replica
	undo    *undo.Manager
	unacked []*crdt.Update
	cur     *linkState
	gen     int
	boot    chan struct{}
	saved   crdt.StateVector
	closed  bool

	connectedAt time.Time
}

// Open creates the replica and joins the document. It returns after the
// bootstrap has been merged.
func Open(ctx context.Context, dial Dialer, opt Options) (*Session, error) {
	if opt.DocumentID == "" {
		return nil, ErrNoDocument
	}
	if opt.Origin == "" {
		opt.Origin = uuid.NewString()
	}
	if opt.OutboundQueue <= 0 {
		opt.OutboundQueue = defaultOutboundQueue
	}
	var ropts []crdt.Option
	if opt.LogCapacity > 0 {
		ropts = append(ropts, crdt.WithLogCapacity(opt.LogCapacity))
	}
	replica := crdt.NewReplica(opt.DocumentID, opt.Origin, ropts...)
	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      ulid.Make().String(),
		docID:   opt.DocumentID,
		origin:  opt.Origin,
		dial:    dial,
		opt:     opt,
		ctx:     sctx,
		cancel:  cancel,
		replica: replica,
		undo:    undo.New(replica, opt.Undo),
		saved:   crdt.StateVector{},
	}
	if err := s.connect(ctx); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *Session) ID() string         { return s.id }
func (s *Session) DocumentID() string { return s.docID }
func (s *Session) Origin() string     { return s.origin }

func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replica.Content()
}

func (s *Session) StateVector() crdt.StateVector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replica.StateVector()
}

// Unacked is the number of local updates not yet confirmed durable.
func (s *Session) Unacked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unacked)
}

// Durable is the highest sequence of this client's updates the relay has
// reported saved.
func (s *Session) Durable() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[s.origin]
}

func (s *Session) ConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

func (s *Session) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.undo.CanUndo()
}

func (s *Session) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.undo.CanRedo()
}

// connect dials, joins with the current state vector and waits for the bootstrap.
func (s *Session) connect(ctx context.Context) error {
	link, err := s.dial(ctx, s.id)
	if err != nil {
		return fmt.Errorf("client: dial doc=%s: %w", s.docID, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = link.Close()
		return ErrSessionClosed
	}
	s.gen++
	gen := s.gen
	ls := newLinkState(link, s.opt.OutboundQueue)
	s.cur = ls
	boot := make(chan struct{})
	s.boot = boot
	// join 必须是这条连接上的第一条消息
	s.enqueue(protocol.Join(s.docID, s.origin, s.replica.StateVector()))
	s.mu.Unlock()

	s.wg.Add(2)
	go s.writeLoop(ls)
	go s.recvLoop(ls, gen)

	select {
	case <-boot:
		s.mu.Lock()
		s.connectedAt = time.Now()
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		if s.cur == ls {
			s.cur = nil
		}
		s.mu.Unlock()
		ls.halt()
		_ = link.Close()
		return ctx.Err()
	}
}

// Edit applies d locally first, then queues the update for the relay. It
// never waits on the network: a send that fails or does not fit the queue is
// not an edit failure, the update stays retained and is re-sent later.
func (s *Session) Edit(d delta.Delta) (*crdt.Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	u, err := s.replica.ApplyLocalEdit(d)
	if err != nil || u == nil {
		return nil, err
	}
	if err := s.undo.OnLocalUpdate(u); err != nil {
		return nil, err
	}
	s.retainAndSend(u)
	return u, nil
}

// Undo reverts this client's most recent edit group. The returned deltas are
// what the editor has to apply; nil means there was nothing to undo.
func (s *Session) Undo() ([]delta.Delta, error) {
	return s.step(s.undo.Undo)
}

func (s *Session) Redo() ([]delta.Delta, error) {
	return s.step(s.undo.Redo)
}

func (s *Session) step(fn func() (*crdt.Update, []delta.Delta, error)) ([]delta.Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	u, deltas, err := fn()
	if err != nil || u == nil {
		return nil, err
	}
	s.retainAndSend(u)
	return deltas, nil
}

// retainAndSend 需持有 s.mu
func (s *Session) retainAndSend(u *crdt.Update) {
	s.unacked = append(s.unacked, u)
	s.sendUpdate(u)
}

// sendUpdate 需持有 s.mu
func (s *Session) sendUpdate(u *crdt.Update) {
	b, err := u.Encode()
	if err != nil {
		glog.Errorf("client: encode %s: %v", u.ID, err)
		return
	}
	s.enqueue(protocol.Update(s.docID, s.origin, b))
}

// enqueue 需持有 s.mu。不阻塞：队列满就丢弃并记下，
// 写循环排空后会重新 join，bootstrap 之后补发 relay 缺的本地更新。
func (s *Session) enqueue(msg protocol.Message) {
	ls := s.cur
	if ls == nil {
		return
	}
	select {
	case ls.queue <- msg:
	default:
		ls.dropped = true
		glog.Warningf("client: doc=%s outbound queue full, drop %s", s.docID, msg.Type)
	}
}

// writeLoop 是这条连接唯一的发送者，编辑路径只往队列里放
func (s *Session) writeLoop(ls *linkState) {
	defer s.wg.Done()
	defer close(ls.flushed)
	for {
		select {
		case msg, ok := <-ls.queue:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(s.ctx, writeWait)
			err := ls.link.Send(ctx, msg)
			cancel()
			if err != nil && !(msg.Type == protocol.TypeDisconnect && errors.Is(err, ErrLinkClosed)) {
				glog.Warningf("client: doc=%s send %s: %v", s.docID, msg.Type, err)
			}
			if len(ls.queue) == 0 {
				s.resyncAfterDrop(ls)
			}
		case <-ls.stop:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) resyncAfterDrop(ls *linkState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ls.dropped || s.cur != ls || s.closed {
		return
	}
	ls.dropped = false
	s.enqueue(protocol.Join(s.docID, s.origin, s.replica.StateVector()))
}

func (s *Session) recvLoop(ls *linkState, gen int) {
	defer s.wg.Done()
	defer close(ls.recvDone)
	for {
		msg, err := ls.link.Recv(s.ctx)
		if err != nil {
			s.linkDown(ls, gen, err)
			return
		}
		s.handle(msg, gen)
	}
}

func (s *Session) handle(msg protocol.Message, gen int) {
	var changes []crdt.Change
	notice := false

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	switch msg.Type {
	case protocol.TypeBootstrap:
		changes = s.mergeBootstrap(msg)
		if s.boot != nil {
			close(s.boot)
			s.boot = nil
		}
	case protocol.TypeUpdate:
		changes = s.applyPayload(msg.Payload)
		if s.replica.Pending() > 0 {
			// 漏了中间的更新，重新 join 走增量补齐
			s.enqueue(protocol.Join(s.docID, s.origin, s.replica.StateVector()))
		}
	case protocol.TypeState:
		if cs, err := s.replica.MergeSnapshot(msg.Snapshot); err != nil {
			glog.Warningf("client: doc=%s merge state: %v", s.docID, err)
		} else {
			changes = cs
		}
	case protocol.TypeSyncRequest:
		s.answerSync(msg.StateVector)
	case protocol.TypeRejoin:
		s.enqueue(protocol.Join(s.docID, s.origin, s.replica.StateVector()))
	case protocol.TypeSaved:
		s.ack(msg.StateVector)
	case protocol.TypeWarning, protocol.TypeError:
		glog.Warningf("client: doc=%s relay %s %s: %s", s.docID, msg.Type, msg.Code, msg.Content)
		notice = true
	default:
		glog.V(1).Infof("client: doc=%s ignore %s", s.docID, msg.Type)
	}
	s.mu.Unlock()

	if fn := s.opt.OnChange; fn != nil {
		for _, ch := range changes {
			if len(ch.Deltas) > 0 {
				fn(ch)
			}
		}
	}
	if notice && s.opt.OnNotice != nil {
		s.opt.OnNotice(msg)
	}
}

// mergeBootstrap 合并 bootstrap，然后补发 relay 还没有的本地更新
func (s *Session) mergeBootstrap(msg protocol.Message) []crdt.Change {
	var changes []crdt.Change
	if len(msg.Snapshot) > 0 {
		cs, err := s.replica.MergeSnapshot(msg.Snapshot)
		if err != nil {
			glog.Errorf("client: doc=%s bootstrap snapshot: %v", s.docID, err)
		}
		changes = append(changes, cs...)
	}
	for _, b := range msg.Updates {
		changes = append(changes, s.applyPayload(b)...)
	}
	have := msg.StateVector[s.origin]
	for _, u := range s.unacked {
		if u.Seq > have {
			s.sendUpdate(u)
		}
	}
	return changes
}

func (s *Session) applyPayload(b []byte) []crdt.Change {
	u, err := crdt.DecodeUpdate(b)
	if err != nil {
		glog.Warningf("client: doc=%s discard update: %v", s.docID, err)
		return nil
	}
	changes, err := s.replica.ApplyRemote(u)
	if err != nil {
		glog.Warningf("client: doc=%s discard %s: %v", s.docID, u.ID, err)
		return nil
	}
	return changes
}

// answerSync sends the relay what it is missing: this client's own updates
// when it has everything else, otherwise a full state snapshot.
func (s *Session) answerSync(relaySV crdt.StateVector) {
	mine := s.replica.StateVector()
	othersCovered := true
	for c, n := range mine {
		if c != s.origin && relaySV[c] < n {
			othersCovered = false
			break
		}
	}
	if othersCovered && s.replica.CanDiff(relaySV) {
		for _, u := range s.replica.Diff(relaySV) {
			if u.Origin == s.origin {
				s.sendUpdate(u)
			}
		}
		return
	}
	snap, err := s.replica.Snapshot()
	if err != nil {
		glog.Errorf("client: doc=%s snapshot: %v", s.docID, err)
		return
	}
	s.enqueue(protocol.State(s.docID, snap))
}

// ack drops retained updates the relay reports durable.
func (s *Session) ack(sv crdt.StateVector) {
	durable := sv[s.origin]
	if durable > s.saved[s.origin] {
		s.saved[s.origin] = durable
	}
	keep := s.unacked[:0]
	for _, u := range s.unacked {
		if u.Seq > durable {
			keep = append(keep, u)
		}
	}
	for i := len(keep); i < len(s.unacked); i++ {
		s.unacked[i] = nil
	}
	s.unacked = keep
}

func (s *Session) linkDown(ls *linkState, gen int, err error) {
	s.mu.Lock()
	current := gen == s.gen && !s.closed
	if current {
		s.cur = nil
	}
	closing := s.closed
	s.mu.Unlock()
	if closing {
		// Close 还在等这条连接收尾
		return
	}
	ls.halt()
	_ = ls.link.Close()
	if !current {
		return
	}
	glog.Warningf("client: doc=%s link down: %v", s.docID, err)
	if s.opt.ReconnectMaxElapsed <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 50 * time.Millisecond
		b.MaxElapsedTime = s.opt.ReconnectMaxElapsed
		err := backoff.Retry(func() error {
			ctx, cancel := context.WithTimeout(s.ctx, writeWait)
			defer cancel()
			err := s.connect(ctx)
			if errors.Is(err, ErrSessionClosed) {
				return backoff.Permanent(err)
			}
			return err
		}, backoff.WithContext(b, s.ctx))
		if err != nil {
			glog.Errorf("client: doc=%s reconnect gave up: %v", s.docID, err)
		}
	}()
}

// Reconnect drops the current link and joins again with the local state
// vector. Retained updates the relay does not have are re-sent after the
// bootstrap.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	old := s.cur
	s.cur = nil
	s.gen++
	s.mu.Unlock()
	if old != nil {
		old.halt()
		_ = old.link.Close()
	}
	return s.connect(ctx)
}

// Close leaves the document. The disconnect is queued behind every pending
// update, and Close then waits, bounded by ctx, for the relay to end the
// connection. The relay force-saves before it does that, so when Close
// returns nil an edit made right before it is durable.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ls := s.cur
	s.cur = nil
	s.gen++
	s.undo.Clear()
	s.mu.Unlock()

	var err error
	if ls != nil {
		err = s.leave(ctx, ls)
	}
	s.cancel()
	s.wg.Wait()
	return err
}

func (s *Session) leave(ctx context.Context, ls *linkState) error {
	var err error
	select {
	case ls.queue <- protocol.Disconnect(s.docID):
		close(ls.queue)
		select {
		case <-ls.flushed:
			select {
			case <-ls.recvDone:
			case <-ctx.Done():
				err = ctx.Err()
			}
		case <-ctx.Done():
			err = ctx.Err()
		}
	case <-ls.flushed:
		// 写循环已经退出，连接不可用
	case <-ctx.Done():
		err = ctx.Err()
	}
	ls.halt()
	if cerr := ls.link.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
