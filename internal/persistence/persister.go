package persistence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"notesync/internal/clock"
)

/*
Persister turns "the document changed" notifications into coalesced,
retried background saves.

	Schedule(room) ──► debounce timer per room ──► jobs queue ──► workers ──► Store.Save
	                                                              (retry w/ backoff)

Rapid edits to one room within the debounce window produce a single save.
The snapshot is taken when the save runs, not when it is scheduled, so the
save always writes the latest state. A debounce of zero saves on every
change.
*/

// SnapshotFunc returns the full encoded state to persist.
type SnapshotFunc func() []byte

// PersisterConfig tunes a Persister.
type PersisterConfig struct {
	Debounce   time.Duration
	Workers    int
	QueueSize  int
	MaxRetries uint64
	// NewBackOff returns the retry policy for a single save. Defaults to
	// exponential backoff starting at 100ms.
	NewBackOff func() backoff.BackOff
}

// PersisterStats is a point-in-time view of persister counters.
type PersisterStats struct {
	Pending  int
	Saves    int64
	Failures int64
}

type saveJob struct {
	room     string
	snapshot SnapshotFunc
}

type pendingSave struct {
	snapshot SnapshotFunc
	timer    clock.Timer
}

// Persister coalesces and retries snapshot saves.
type Persister struct {
	store  Store
	clock  clock.Clock
	cfg    PersisterConfig
	locks  *roomLocks
	jobs   chan saveJob
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*pendingSave
	closed  bool

	saves    atomic.Int64
	failures atomic.Int64
}

// NewPersister creates a persister. Call Start before scheduling saves.
func NewPersister(store Store, c clock.Clock, cfg PersisterConfig) *Persister {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Persister{
		store:   store,
		clock:   c,
		cfg:     cfg,
		locks:   newRoomLocks(),
		jobs:    make(chan saveJob, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*pendingSave),
	}
}

// Start launches the save workers.
func (p *Persister) Start() {
	log.Printf("🔧 Starting persistence worker pool with %d workers (debounce %s)", p.cfg.Workers, p.cfg.Debounce)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Load reads the snapshot for room, waiting for any save of the same
// room that is already running.
func (p *Persister) Load(ctx context.Context, room string) ([]byte, error) {
	unlock := p.locks.lock(room)
	defer unlock()
	return p.store.Load(ctx, room)
}

// Schedule asks for room to be saved soon. Calls within the debounce
// window collapse into one save that uses the most recent snapshot func.
// It never blocks on I/O.
func (p *Persister) Schedule(room string, snapshot SnapshotFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if ps, ok := p.pending[room]; ok {
		ps.snapshot = snapshot
		return
	}
	ps := &pendingSave{snapshot: snapshot}
	p.pending[room] = ps
	if p.cfg.Debounce <= 0 {
		go p.enqueue(room)
		return
	}
	ps.timer = p.clock.AfterFunc(p.cfg.Debounce, func() { p.enqueue(room) })
}

func (p *Persister) enqueue(room string) {
	p.mu.Lock()
	ps, ok := p.pending[room]
	if !ok || p.closed {
		p.mu.Unlock()
		return
	}
	job := saveJob{room: room, snapshot: ps.snapshot}
	select {
	case p.jobs <- job:
		delete(p.pending, room)
	default:
		// Queue full: keep the save pending and try again after another window.
		log.Printf("⚠️  Persistence queue full, deferring save of %s", room)
		ps.timer = p.clock.AfterFunc(p.retryDelay(), func() { p.enqueue(room) })
	}
	p.mu.Unlock()
}

func (p *Persister) retryDelay() time.Duration {
	if p.cfg.Debounce > 0 {
		return p.cfg.Debounce
	}
	return 100 * time.Millisecond
}

func (p *Persister) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		if err := p.save(p.ctx, job, true); err != nil {
			log.Printf("  Persistence worker %d: %v", id, err)
		}
	}
}

// save snapshots and writes one room. The per-room lock orders
// snapshot+write pairs so an older snapshot can never overwrite a newer one.
func (p *Persister) save(ctx context.Context, job saveJob, retry bool) error {
	unlock := p.locks.lock(job.room)
	defer unlock()

	state := job.snapshot()
	op := func() error { return p.store.Save(ctx, job.room, state) }

	var err error
	if retry {
		b := backoff.WithContext(backoff.WithMaxRetries(p.cfg.NewBackOff(), p.cfg.MaxRetries), ctx)
		err = backoff.Retry(op, b)
	} else {
		err = op()
	}
	if err != nil {
		p.failures.Add(1)
		return fmt.Errorf("save snapshot for room %s: %w", job.room, err)
	}
	p.saves.Add(1)
	return nil
}

// FlushRoom saves room synchronously if it has a pending save.
func (p *Persister) FlushRoom(ctx context.Context, room string) error {
	p.mu.Lock()
	ps, ok := p.pending[room]
	if ok {
		delete(p.pending, room)
		if ps.timer != nil {
			ps.timer.Stop()
		}
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return p.save(ctx, saveJob{room: room, snapshot: ps.snapshot}, true)
}

// Flush synchronously saves every room with a pending save.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	jobs := make([]saveJob, 0, len(p.pending))
	for room, ps := range p.pending {
		if ps.timer != nil {
			ps.timer.Stop()
		}
		jobs = append(jobs, saveJob{room: room, snapshot: ps.snapshot})
	}
	p.pending = make(map[string]*pendingSave)
	p.mu.Unlock()

	var errs []error
	for _, job := range jobs {
		if err := p.save(ctx, job, false); err != nil {
			errs = append(errs, err)
		}
	}
	if len(jobs) > 0 {
		log.Printf("  Flushed %d pending snapshots (%d failed)", len(jobs), len(errs))
	}
	return errors.Join(errs...)
}

// Shutdown flushes pending saves, drains queued ones and stops the
// workers. It returns early with ctx's error if ctx expires.
func (p *Persister) Shutdown(ctx context.Context) error {
	log.Println("🛑 Shutting down persistence...")
	flushErr := p.Flush(ctx)

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("persistence shutdown: %w", ctx.Err())
	}
	p.cancel()

	if err := p.store.Close(); err != nil {
		return errors.Join(flushErr, fmt.Errorf("close store: %w", err))
	}
	log.Println("✓ Persistence shutdown complete")
	return flushErr
}

// Stats returns current counters.
func (p *Persister) Stats() PersisterStats {
	p.mu.Lock()
	pending := len(p.pending)
	p.mu.Unlock()
	return PersisterStats{
		Pending:  pending,
		Saves:    p.saves.Load(),
		Failures: p.failures.Load(),
	}
}

// roomLocks hands out one mutex per room, dropping it when unused.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*roomLock
}

type roomLock struct {
	sync.Mutex
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[string]*roomLock)}
}

func (r *roomLocks) lock(room string) (unlock func()) {
	r.mu.Lock()
	l, ok := r.locks[room]
	if !ok {
		l = &roomLock{}
		r.locks[room] = l
	}
	l.refs++
	r.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, room)
		}
		r.mu.Unlock()
	}
}
