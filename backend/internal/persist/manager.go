package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/crdt"
	"collabSync/backend/internal/store"
)

var (
	ErrPersistenceWriteFailure = errors.New("PERSISTENCE_WRITE_FAILURE")
	ErrNotRegistered           = errors.New("document is not registered for persistence")
	ErrClosed                  = errors.New("persistence manager is closed")
)

// Source produces the record to persist. For an open document it is the
// document's actor, so capture happens between two updates, never during one.
type Source interface {
	Capture(ctx context.Context) (store.Record, error)
}

// Reconciler is a Source that can fold a record written by someone else into
// its own state. It returns the record to write in place of the stored one.
type Reconciler interface {
	Reconcile(ctx context.Context, stored store.Record) (store.Record, error)
}

// Archiver receives every record once it is durable. Failures are logged and
// never fail the save.
type Archiver interface {
	Archive(ctx context.Context, rec store.Record) error
}

type Options struct {
	Debounce            time.Duration
	MaxWait             time.Duration
	FlushInterval       time.Duration
	MaxRetry            int
	BaseBackoff         time.Duration
	MaxBackoff          time.Duration
	WriteTimeout        time.Duration
	MaxConcurrentWrites int
	// 多个节点共用一个存储时打开：写之前先读，存储里有本节点没有的更新就先合并
	MergeStored bool

	Archive   Archiver
	OnSaved   func(docID string, rec store.Record)
	OnWarning func(docID string, err error)
}

func (o *Options) withDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = 750 * time.Millisecond
	}
	if o.MaxWait <= 0 {
		o.MaxWait = 3 * time.Second
	}
	if o.MaxWait < o.Debounce {
		o.MaxWait = o.Debounce
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 30 * time.Second
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	} else if o.MaxRetry == 0 {
		o.MaxRetry = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxConcurrentWrites <= 0 {
		o.MaxConcurrentWrites = 16
	}
}

type docState struct {
	src Source
	// 同一文档的写入串行执行
	writeMu sync.Mutex

	// 以下字段由 Manager.mu 保护
	dirty      bool
	firstDirty time.Time
	timer      *time.Timer
	saved      bool
	savedRev   uint64
}

// Manager debounces and force-flushes document state to a RecordStore. It
// never runs on the edit path: callers only mark documents dirty.
type Manager struct {
	store store.RecordStore
	opt   Options
	sem   *collab.SemaphoreControl
	loads singleflight.Group

	mu     sync.Mutex
	docs   map[string]*docState
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

func NewManager(st store.RecordStore, opt Options) *Manager {
	opt.withDefaults()
	return &Manager{
		store: st,
		opt:   opt,
		sem:   collab.NewSemaphoreControl(opt.MaxConcurrentWrites),
		docs:  make(map[string]*docState),
		stop:  make(chan struct{}),
	}
}

// Start runs the periodic safety-net flush until ctx is done or Close is called.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(m.opt.FlushInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-t.C:
				m.flushDirty(ctx)
			}
		}
	}()
}

func (m *Manager) flushDirty(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0)
	for id, d := range m.docs {
		if d.dirty {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.save(ctx, id, false); err != nil && !errors.Is(err, ErrNotRegistered) {
				glog.Warningf("persist: periodic flush doc=%s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
}

// Register makes docID eligible for saving through src.
func (m *Manager) Register(docID string, src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.docs[docID]; ok {
		d.src = src
		return
	}
	m.docs[docID] = &docState{src: src}
}

// MarkSaved records that rev is already durable, typically right after the
// document was loaded, so a ForceSave of an untouched document writes nothing.
func (m *Manager) MarkSaved(docID string, rev uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.docs[docID]; ok {
		d.saved = true
		d.savedRev = rev
	}
}

// Unregister drops docID. Callers ForceSave first.
func (m *Manager) Unregister(docID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.docs[docID]; ok {
		if d.timer != nil {
			d.timer.Stop()
		}
		delete(m.docs, docID)
	}
}

// Dirty reports whether docID has changes not yet written.
func (m *Manager) Dirty(docID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[docID]
	return ok && d.dirty
}

// ScheduleSave marks docID dirty and restarts its debounce timer. Continuous
// activity cannot postpone the write past MaxWait from the first unsaved change.
func (m *Manager) ScheduleSave(docID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[docID]
	if !ok || m.closed {
		glog.V(2).Infof("persist: schedule ignored doc=%s", docID)
		return
	}
	now := time.Now()
	if !d.dirty {
		d.dirty = true
		d.firstDirty = now
	}
	delay := m.opt.Debounce
	if deadline := d.firstDirty.Add(m.opt.MaxWait); now.Add(delay).After(deadline) {
		delay = max(deadline.Sub(now), 0)
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(delay, func() { m.onTimer(docID) })
}

func (m *Manager) onTimer(docID string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	if err := m.save(context.Background(), docID, false); err != nil && !errors.Is(err, ErrNotRegistered) {
		glog.Warningf("persist: debounced save doc=%s: %v", docID, err)
	}
}

// ForceSave completes any in-flight write and then writes the current state
// if it differs from what was last saved. It returns once the record is
// durable or the retry budget is exhausted.
func (m *Manager) ForceSave(ctx context.Context, docID string) error {
	return m.save(ctx, docID, true)
}

func (m *Manager) save(ctx context.Context, docID string, force bool) error {
	m.mu.Lock()
	d, ok := m.docs[docID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, docID)
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	m.mu.Lock()
	if !d.dirty && !force {
		m.mu.Unlock()
		return nil
	}
	wasDirty := d.dirty
	d.dirty = false
	d.firstDirty = time.Time{}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	m.mu.Unlock()

	rec, err := d.src.Capture(ctx)
	if err != nil {
		m.markDirty(d, wasDirty)
		return fmt.Errorf("persist: capture doc=%s: %w", docID, err)
	}
	if rec.DocumentID == "" {
		rec.DocumentID = docID
	}

	m.mu.Lock()
	unchanged := !wasDirty && d.saved && d.savedRev == rec.Revision
	m.mu.Unlock()
	if unchanged {
		return nil
	}

	if err := m.write(ctx, d.src, &rec); err != nil {
		m.markDirty(d, true)
		werr := fmt.Errorf("%w: doc=%s: %w", ErrPersistenceWriteFailure, docID, err)
		glog.Errorf("persist: %v", werr)
		if m.opt.OnWarning != nil {
			m.opt.OnWarning(docID, werr)
		}
		return werr
	}

	m.mu.Lock()
	d.saved = true
	d.savedRev = rec.Revision
	m.mu.Unlock()
	glog.V(2).Infof("persist: saved doc=%s rev=%d", docID, rec.Revision)

	if m.opt.Archive != nil {
		if err := m.opt.Archive.Archive(ctx, rec); err != nil {
			glog.Warningf("persist: archive doc=%s rev=%d: %v", docID, rec.Revision, err)
		}
	}
	if m.opt.OnSaved != nil {
		m.opt.OnSaved(docID, rec)
	}
	return nil
}

func (m *Manager) markDirty(d *docState, dirty bool) {
	if !dirty {
		return
	}
	m.mu.Lock()
	if !d.dirty {
		d.dirty = true
		d.firstDirty = time.Now()
	}
	m.mu.Unlock()
}

func (m *Manager) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opt.BaseBackoff
	b.MaxInterval = m.opt.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.opt.MaxRetry)), ctx)
}

// write saves rec with bounded exponential backoff. With MergeStored the
// stored record is read first and rec is replaced by the merged one.
func (m *Manager) write(ctx context.Context, src Source, rec *store.Record) error {
	rc, _ := src.(Reconciler)
	op := func() error {
		if err := m.sem.Acquire(ctx); err != nil {
			return backoff.Permanent(err)
		}
		defer m.sem.Release()

		wctx, cancel := context.WithTimeout(ctx, m.opt.WriteTimeout)
		defer cancel()
		if m.opt.MergeStored && rc != nil {
			merged, err := m.reconcile(wctx, rc, *rec)
			if err != nil {
				return err
			}
			*rec = merged
		}
		return m.store.Save(wctx, *rec)
	}
	notify := func(err error, next time.Duration) {
		glog.Warningf("persist: write doc=%s failed, retry in %s: %v", rec.DocumentID, next, err)
	}
	return backoff.RetryNotify(op, m.newBackOff(ctx), notify)
}

func (m *Manager) reconcile(ctx context.Context, rc Reconciler, rec store.Record) (store.Record, error) {
	stored, err := m.store.Load(ctx, rec.DocumentID)
	if errors.Is(err, store.ErrNotFound) {
		return rec, nil
	}
	if err != nil {
		return rec, fmt.Errorf("read before write: %w", err)
	}
	if crdt.StateVector(rec.Vector).Covers(crdt.StateVector(stored.Vector)) {
		return rec, nil
	}
	glog.Infof("persist: doc=%s stored vector %v has updates this node lacks, merging", rec.DocumentID, stored.Vector)
	merged, err := rc.Reconcile(ctx, stored)
	if err != nil {
		return rec, fmt.Errorf("merge stored record: %w", err)
	}
	if merged.DocumentID == "" {
		merged.DocumentID = rec.DocumentID
	}
	return merged, nil
}

// Load reads the persisted record of docID, retrying transient errors.
// Concurrent loads of one document share a single read.
func (m *Manager) Load(ctx context.Context, docID string) (store.Record, error) {
	v, err, _ := m.loads.Do(docID, func() (any, error) {
		var rec store.Record
		op := func() error {
			var err error
			rec, err = m.store.Load(ctx, docID)
			if errors.Is(err, store.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, next time.Duration) {
			glog.Warningf("persist: load doc=%s failed, retry in %s: %v", docID, next, err)
		}
		if err := backoff.RetryNotify(op, m.newBackOff(ctx), notify); err != nil {
			return store.Record{}, err
		}
		return rec, nil
	})
	if err != nil {
		return store.Record{}, err
	}
	return v.(store.Record), nil
}

// Close stops the periodic flush, force-saves every dirty document and waits
// for in-flight writes.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	close(m.stop)
	ids := make([]string, 0, len(m.docs))
	for id, d := range m.docs {
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
		}
		if d.dirty {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.save(ctx, id, false); err != nil && !errors.Is(err, ErrNotRegistered) {
			errs = append(errs, err)
		}
	}
	m.wg.Wait()
	return errors.Join(errs...)
}
