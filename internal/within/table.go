// Package within holds the per-proteome within-alignment data shared by
// orthology jobs.
//
// Each entry is reference counted by the number of orthology jobs that need
// it. A single owner goroutine holds all entries; callers talk to it through
// messages, so the decrement and the free-on-zero of Release happen as one
// step and an entry is freed exactly once.
package within

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"orthorun/internal/plan"
	"sort"
)

var (
	// ErrReleased is returned for an entry that has already been freed.
	ErrReleased = errors.New("within entry already released")
	// ErrUnknown is returned for a proteome without an entry.
	ErrUnknown = errors.New("no within entry for proteome")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("within table closed")
)

// Loader produces the payload of an entry on first use.
type Loader[P any] interface {
	Load(ctx context.Context, id plan.ProteomeID) (P, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc[P any] func(ctx context.Context, id plan.ProteomeID) (P, error)

// Load calls f.
func (f LoaderFunc[P]) Load(ctx context.Context, id plan.ProteomeID) (P, error) {
	return f(ctx, id)
}

// Recorder receives entry lifecycle events.
type Recorder interface {
	RecordWithinLoaded(ctx context.Context)
	RecordWithinFreed(ctx context.Context)
}

// Option configures a Table.
type Option func(*options)

type options struct {
	recorder Recorder
	onFree   func(plan.ProteomeID)
}

// WithRecorder reports loads and frees to r.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithOnFree calls fn from the owner goroutine each time an entry is freed.
func WithOnFree(fn func(plan.ProteomeID)) Option {
	return func(o *options) { o.onFree = fn }
}

// EntryState is a point-in-time view of one entry.
type EntryState struct {
	Refs   int
	Loaded bool
	Freed  bool
}

type entry[P any] struct {
	refs    int
	loaded  bool
	loading bool
	freed   bool
	payload P
	waiters []chan<- acquireResp[P]
}

type acquireResp[P any] struct {
	payload P
	err     error
}

type releaseResp struct {
	remaining int
	freed     bool
	err       error
}

type acquireReq[P any] struct {
	id    plan.ProteomeID
	reply chan acquireResp[P]
}

type releaseReq struct {
	id    plan.ProteomeID
	reply chan releaseResp
}

type loadDone[P any] struct {
	id      plan.ProteomeID
	payload P
	err     error
}

// Table owns the within entries of a run.
type Table[P any] struct {
	loader Loader[P]
	opts   options
	logger *slog.Logger

	acquires  chan acquireReq[P]
	releases  chan releaseReq
	loads     chan loadDone[P]
	snapshots chan chan map[plan.ProteomeID]EntryState

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTable starts the owner goroutine with one entry per proteome whose
// reference count is positive.
func NewTable[P any](refs map[plan.ProteomeID]int, loader Loader[P], opts ...Option) *Table[P] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Table[P]{
		loader:    loader,
		opts:      o,
		logger:    slog.With("component", "within"),
		acquires:  make(chan acquireReq[P]),
		releases:  make(chan releaseReq),
		loads:     make(chan loadDone[P]),
		snapshots: make(chan chan map[plan.ProteomeID]EntryState),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	entries := make(map[plan.ProteomeID]*entry[P], len(refs))
	for id, n := range refs {
		if n > 0 {
			entries[id] = &entry[P]{refs: n}
		}
	}
	go t.run(entries)
	return t
}

// Acquire returns the payload for id, loading it on first use.
func (t *Table[P]) Acquire(ctx context.Context, id plan.ProteomeID) (P, error) {
	var zero P
	req := acquireReq[P]{id: id, reply: make(chan acquireResp[P], 1)}

	select {
	case t.acquires <- req:
	case <-t.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp.payload, resp.err
	case <-t.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Release drops one reference to id and frees the entry when none remain.
// It reports the remaining count and whether this call freed the entry.
func (t *Table[P]) Release(ctx context.Context, id plan.ProteomeID) (int, bool, error) {
	req := releaseReq{id: id, reply: make(chan releaseResp, 1)}

	select {
	case t.releases <- req:
	case <-t.done:
		return 0, false, ErrClosed
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}

	// The owner has taken the request; the answer follows without blocking.
	resp := <-req.reply
	return resp.remaining, resp.freed, resp.err
}

// Snapshot returns the state of every entry.
func (t *Table[P]) Snapshot() map[plan.ProteomeID]EntryState {
	reply := make(chan map[plan.ProteomeID]EntryState, 1)
	select {
	case t.snapshots <- reply:
		return <-reply
	case <-t.done:
		return nil
	}
}

// Pending returns the sorted ids of entries that have not been freed.
func (t *Table[P]) Pending() []plan.ProteomeID {
	var ids []plan.ProteomeID
	for id, st := range t.Snapshot() {
		if !st.Freed {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close stops the owner goroutine. Waiting callers receive ErrClosed.
func (t *Table[P]) Close() {
	t.cancel()
	<-t.done
}

func (t *Table[P]) run(entries map[plan.ProteomeID]*entry[P]) {
	defer close(t.done)

	for {
		select {
		case <-t.ctx.Done():
			return

		case req := <-t.acquires:
			t.handleAcquire(entries, req)

		case req := <-t.releases:
			req.reply <- t.handleRelease(entries, req.id)

		case res := <-t.loads:
			t.handleLoaded(entries, res)

		case reply := <-t.snapshots:
			snap := make(map[plan.ProteomeID]EntryState, len(entries))
			for id, e := range entries {
				snap[id] = EntryState{Refs: e.refs, Loaded: e.loaded, Freed: e.freed}
			}
			reply <- snap
		}
	}
}

func (t *Table[P]) handleAcquire(entries map[plan.ProteomeID]*entry[P], req acquireReq[P]) {
	e, ok := entries[req.id]
	switch {
	case !ok:
		req.reply <- acquireResp[P]{err: fmt.Errorf("%w: %s", ErrUnknown, req.id)}
	case e.freed:
		req.reply <- acquireResp[P]{err: fmt.Errorf("%w: %s", ErrReleased, req.id)}
	case e.loaded:
		req.reply <- acquireResp[P]{payload: e.payload}
	default:
		e.waiters = append(e.waiters, req.reply)
		if !e.loading {
			e.loading = true
			go t.load(req.id)
		}
	}
}

// load runs outside the owner so a slow load does not block other entries.
func (t *Table[P]) load(id plan.ProteomeID) {
	payload, err := t.loader.Load(t.ctx, id)
	select {
	case t.loads <- loadDone[P]{id: id, payload: payload, err: err}:
	case <-t.ctx.Done():
	}
}

func (t *Table[P]) handleLoaded(entries map[plan.ProteomeID]*entry[P], res loadDone[P]) {
	e := entries[res.id]
	e.loading = false
	waiters := e.waiters
	e.waiters = nil

	var resp acquireResp[P]
	switch {
	case e.freed:
		resp.err = fmt.Errorf("%w: %s", ErrReleased, res.id)
	case res.err != nil:
		// Left unloaded so a later Acquire retries.
		resp.err = res.err
		t.logger.Warn("Within entry load failed", "proteome", string(res.id), "error", res.err)
	default:
		e.loaded = true
		e.payload = res.payload
		resp.payload = res.payload
		if t.opts.recorder != nil {
			t.opts.recorder.RecordWithinLoaded(t.ctx)
		}
		t.logger.Debug("Within entry loaded", "proteome", string(res.id), "refs", e.refs)
	}
	for _, w := range waiters {
		w <- resp
	}
}

func (t *Table[P]) handleRelease(entries map[plan.ProteomeID]*entry[P], id plan.ProteomeID) releaseResp {
	e, ok := entries[id]
	if !ok {
		return releaseResp{err: fmt.Errorf("%w: %s", ErrUnknown, id)}
	}
	if e.freed {
		return releaseResp{err: fmt.Errorf("%w: %s", ErrReleased, id)}
	}

	e.refs--
	if e.refs > 0 {
		return releaseResp{remaining: e.refs}
	}

	wasLoaded := e.loaded
	var zero P
	e.payload = zero
	e.loaded = false
	e.freed = true
	if wasLoaded && t.opts.recorder != nil {
		t.opts.recorder.RecordWithinFreed(t.ctx)
	}
	if t.opts.onFree != nil {
		t.opts.onFree(id)
	}
	t.logger.Debug("Within entry freed", "proteome", string(id))
	return releaseResp{freed: true}
}
